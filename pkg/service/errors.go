package service

import (
	"errors"

	"github.com/spacedrive/meshpair-go/pkg/device"
	"github.com/spacedrive/meshpair-go/pkg/pairing"
	"github.com/spacedrive/meshpair-go/pkg/transport"
	"github.com/spacedrive/meshpair-go/pkg/vouching"
	"github.com/spacedrive/meshpair-go/pkg/vouchqueue"
	"github.com/spacedrive/meshpair-go/pkg/wire"
)

// ErrorKind classifies failures at the subsystem boundary.
type ErrorKind uint8

const (
	// KindProtocol - a violated invariant in an incoming message. Never
	// retried; closes the stream and fails the implicated session.
	KindProtocol ErrorKind = iota

	// KindTransport - stream I/O failure. The current send fails; queue
	// entries stay Queued for retry.
	KindTransport

	// KindSerialization - JSON decode/encode failure. Treated like a
	// protocol error for the current frame.
	KindSerialization

	// KindStorage - durable-store failure. Bubbled to the caller; the
	// queue drainer logs and retries next tick.
	KindStorage

	// KindNotFound - session or queue entry absent. Benign for
	// late-arriving responses.
	KindNotFound

	// KindChannelClosed - the internal command channel is gone.
	KindChannelClosed
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "PROTOCOL"
	case KindTransport:
		return "TRANSPORT"
	case KindSerialization:
		return "SERIALIZATION"
	case KindStorage:
		return "STORAGE"
	case KindNotFound:
		return "NOT_FOUND"
	case KindChannelClosed:
		return "CHANNEL_CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Classify maps an error to its boundary kind.
func Classify(err error) ErrorKind {
	switch {
	case errors.Is(err, pairing.ErrSessionNotFound),
		errors.Is(err, pairing.ErrNoCode),
		errors.Is(err, vouching.ErrSessionNotFound),
		errors.Is(err, vouching.ErrNoPendingConfirmation),
		errors.Is(err, device.ErrDeviceNotFound):
		return KindNotFound
	case errors.Is(err, wire.ErrInvalidMessage),
		errors.Is(err, wire.ErrUnknownVariant):
		return KindSerialization
	case errors.Is(err, vouchqueue.ErrStorage),
		errors.Is(err, vouchqueue.ErrCorruptEntry):
		return KindStorage
	case errors.Is(err, transport.ErrTransportClosed):
		return KindChannelClosed
	case errors.Is(err, transport.ErrNodeUnreachable),
		errors.Is(err, transport.ErrNoHandler),
		errors.Is(err, transport.ErrFrameTruncated):
		return KindTransport
	case errors.Is(err, transport.ErrMessageTooLarge),
		errors.Is(err, transport.ErrMessageEmpty):
		return KindProtocol
	default:
		return KindProtocol
	}
}

// Retryable reports whether the boundary policy allows retrying the
// failed operation. Protocol and serialization errors are never retried.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindTransport, KindStorage:
		return true
	default:
		return false
	}
}
