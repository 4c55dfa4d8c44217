package transport

import (
	"io"
	"sync"

	"github.com/spacedrive/meshpair-go/pkg/identity"
)

// Mesh is an in-process transport fabric connecting MemoryTransports by
// node ID. It backs the test suites and the demo CLI.
type Mesh struct {
	mu       sync.RWMutex
	nodes    map[identity.NodeID]*MemoryTransport
	online   map[identity.NodeID]bool
	watchers []func(node identity.NodeID, online bool)
}

// NewMesh creates an empty mesh.
func NewMesh() *Mesh {
	return &Mesh{
		nodes:  make(map[identity.NodeID]*MemoryTransport),
		online: make(map[identity.NodeID]bool),
	}
}

// Join adds a node to the mesh and returns its transport. Nodes join
// online.
func (m *Mesh) Join(node identity.NodeID) *MemoryTransport {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &MemoryTransport{
		mesh:     m,
		local:    node,
		handlers: make(map[string]StreamHandler),
	}
	t.conns = NewConnCache(t.openPumped)
	m.nodes[node] = t
	m.online[node] = true
	return t
}

// Watch registers a connectivity observer. Observers are invoked, without
// any mesh lock held, whenever SetOnline changes a node's state.
func (m *Mesh) Watch(fn func(node identity.NodeID, online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, fn)
}

// SetOnline flips a node's connectivity. Streams opened while offline fail
// with ErrNodeUnreachable. Connectivity observers fire on every change.
func (m *Mesh) SetOnline(node identity.NodeID, online bool) {
	m.mu.Lock()
	_, known := m.nodes[node]
	changed := known && m.online[node] != online
	if known {
		m.online[node] = online
	}
	watchers := append(([]func(identity.NodeID, bool))(nil), m.watchers...)
	m.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range watchers {
		fn(node, online)
	}
}

// IsOnline reports a node's connectivity.
func (m *Mesh) IsOnline(node identity.NodeID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online[node]
}

// lookup returns the transport for an online node.
func (m *Mesh) lookup(node identity.NodeID) (*MemoryTransport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.nodes[node]
	if !ok || !m.online[node] {
		return nil, false
	}
	return t, true
}

// MemoryTransport is one node's endpoint on a Mesh.
type MemoryTransport struct {
	mesh  *Mesh
	local identity.NodeID

	mu       sync.RWMutex
	handlers map[string]StreamHandler

	// conns caches outbound framed streams by (node, protocol) so
	// repeated sends share one long-lived stream.
	conns *ConnCache
}

// LocalNode returns the local node identity.
func (t *MemoryTransport) LocalNode() identity.NodeID {
	return t.local
}

// SetStreamHandler registers the inbound handler for a protocol.
func (t *MemoryTransport) SetStreamHandler(protocol string, h StreamHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h == nil {
		delete(t.handlers, protocol)
		return
	}
	t.handlers[protocol] = h
}

// handler returns the registered handler for a protocol.
func (t *MemoryTransport) handler(protocol string) (StreamHandler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[protocol]
	return h, ok
}

// OpenBi opens a bidirectional stream to a node. The remote's registered
// handler receives the peer end together with the caller's node identity.
func (t *MemoryTransport) OpenBi(node identity.NodeID, protocol string) (Stream, error) {
	// The local side must also be online: an offline node cannot dial out.
	if !t.mesh.IsOnline(t.local) {
		return nil, ErrNodeUnreachable
	}
	remote, ok := t.mesh.lookup(node)
	if !ok {
		return nil, ErrNodeUnreachable
	}
	h, ok := remote.handler(protocol)
	if !ok {
		return nil, ErrNoHandler
	}

	local, peer := newStreamPair()
	go h.HandleStream(peer, t.local)
	return local, nil
}

// openPumped dials a stream for the connection cache and starts its
// response pump.
func (t *MemoryTransport) openPumped(node identity.NodeID, protocol string) (Stream, error) {
	stream, err := t.OpenBi(node, protocol)
	if err != nil {
		return nil, err
	}
	go t.pumpResponses(stream, node, protocol)
	return stream, nil
}

// Send delivers one framed message to a node, fire-and-forget. Sends to
// the same (node, protocol) reuse one cached stream; frames the remote
// writes back on it are pumped into the local handler, mirroring how a
// networking event loop hands responses back to its protocol handler.
func (t *MemoryTransport) Send(node identity.NodeID, protocol string, data []byte) error {
	// Cached streams outlive connectivity flips; the reachability check
	// has to happen per send.
	if !t.mesh.IsOnline(t.local) || !t.mesh.IsOnline(node) {
		return ErrNodeUnreachable
	}

	framer, err := t.conns.Get(node, protocol)
	if err != nil {
		return err
	}
	if err := framer.WriteFrame(data); err != nil {
		// The remote end closed the exchange; drop the stale stream so
		// the next send dials fresh.
		t.conns.Drop(node, protocol)
		return err
	}
	return nil
}

// pumpResponses redelivers frames the remote writes back on a cached
// stream to the local handler, one carrier stream per frame. It runs until
// the remote closes the exchange, then evicts the stream from the cache.
func (t *MemoryTransport) pumpResponses(stream Stream, node identity.NodeID, protocol string) {
	defer t.conns.DropStream(node, protocol, stream)

	fr := NewFrameReader(stream)
	for {
		payload, err := fr.ReadFrame()
		if err != nil {
			return
		}
		h, ok := t.handler(protocol)
		if !ok {
			return
		}

		local, peer := newStreamPair()
		go h.HandleStream(peer, node)
		fw := NewFrameWriter(local)
		_ = fw.WriteFrame(payload)
		_ = local.Close()
	}
}

// Close tears down all cached outbound streams.
func (t *MemoryTransport) Close() error {
	t.conns.CloseAll()
	return nil
}

// Compile-time interface satisfaction check.
var _ Transport = (*MemoryTransport)(nil)

// duplexStream is one end of an in-memory bidirectional stream.
type duplexStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

// newStreamPair creates two connected duplex stream ends.
func newStreamPair() (Stream, Stream) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return &duplexStream{r: ar, w: aw}, &duplexStream{r: br, w: bw}
}

func (s *duplexStream) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *duplexStream) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

// Close closes both directions. The peer's reads observe EOF.
func (s *duplexStream) Close() error {
	_ = s.w.Close()
	return s.r.Close()
}
