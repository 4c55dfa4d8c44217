package transport

import (
	"errors"
	"io"

	"github.com/spacedrive/meshpair-go/pkg/identity"
)

// ProtocolPairing is the protocol tag for pairing streams.
const ProtocolPairing = "pairing"

// Transport errors.
var (
	// ErrNodeUnreachable indicates the remote node is offline or unknown.
	ErrNodeUnreachable = errors.New("node unreachable")

	// ErrNoHandler indicates the remote has no handler for the protocol.
	ErrNoHandler = errors.New("no handler registered for protocol")

	// ErrTransportClosed indicates the transport has shut down.
	ErrTransportClosed = errors.New("transport closed")
)

// Stream is a bidirectional byte stream to a remote node.
type Stream = io.ReadWriteCloser

// StreamHandler receives inbound streams together with the authenticated
// remote node identity. The handler owns the stream and must close it.
type StreamHandler interface {
	HandleStream(stream Stream, remote identity.NodeID)
}

// StreamHandlerFunc adapts a function to the StreamHandler interface.
type StreamHandlerFunc func(stream Stream, remote identity.NodeID)

// HandleStream calls the function.
func (f StreamHandlerFunc) HandleStream(stream Stream, remote identity.NodeID) {
	f(stream, remote)
}

// Sender sends a single framed message to a node, fire-and-forget.
// Implementations must not block on remote processing.
type Sender interface {
	Send(node identity.NodeID, protocol string, data []byte) error
}

// Transport is the full stream abstraction the subsystem consumes: a
// fire-and-forget send primitive, bidirectional stream opening, and inbound
// stream delivery to per-protocol handlers.
type Transport interface {
	Sender

	// OpenBi opens a bidirectional stream to the node on a named protocol.
	OpenBi(node identity.NodeID, protocol string) (Stream, error)

	// SetStreamHandler registers the handler for a protocol's inbound
	// streams. Registering nil removes the handler.
	SetStreamHandler(protocol string, h StreamHandler)

	// LocalNode returns the local node identity.
	LocalNode() identity.NodeID
}
