package service

import (
	"errors"
	"fmt"
	"testing"

	"github.com/spacedrive/meshpair-go/pkg/pairing"
	"github.com/spacedrive/meshpair-go/pkg/transport"
	"github.com/spacedrive/meshpair-go/pkg/vouching"
	"github.com/spacedrive/meshpair-go/pkg/vouchqueue"
	"github.com/spacedrive/meshpair-go/pkg/wire"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{pairing.ErrSessionNotFound, KindNotFound},
		{fmt.Errorf("wrapped: %w", pairing.ErrSessionNotFound), KindNotFound},
		{vouching.ErrSessionNotFound, KindNotFound},
		{wire.ErrInvalidMessage, KindSerialization},
		{wire.ErrUnknownVariant, KindSerialization},
		{vouchqueue.ErrStorage, KindStorage},
		{vouchqueue.ErrCorruptEntry, KindStorage},
		{transport.ErrTransportClosed, KindChannelClosed},
		{transport.ErrNodeUnreachable, KindTransport},
		{transport.ErrFrameTruncated, KindTransport},
		{transport.ErrMessageTooLarge, KindProtocol},
		{errors.New("anything else"), KindProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	// Transport and storage errors retry under bounded budgets; protocol
	// and serialization errors never do.
	if !Retryable(transport.ErrNodeUnreachable) {
		t.Error("transport errors should be retryable")
	}
	if !Retryable(vouchqueue.ErrStorage) {
		t.Error("storage errors should be retryable")
	}
	if Retryable(wire.ErrInvalidMessage) {
		t.Error("serialization errors must not be retried")
	}
	if Retryable(transport.ErrMessageTooLarge) {
		t.Error("protocol errors must not be retried")
	}
	if Retryable(pairing.ErrSessionNotFound) {
		t.Error("not-found is benign, not retryable")
	}
}
