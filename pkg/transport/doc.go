// Package transport defines the stream abstraction the pairing subsystem
// runs on and the length-prefixed framing used on every stream.
//
// The subsystem consumes an authenticated, bidirectional byte-stream
// transport keyed by an opaque node identity and a protocol tag. A concrete
// network transport is supplied by the embedding application; this package
// ships an in-process Mesh implementation used by tests and the demo CLI.
//
// Framing is a 4-byte big-endian length prefix followed by that many bytes
// of payload. Frames declaring more than MaxMessageSize bytes are rejected
// and the stream must be closed.
package transport
