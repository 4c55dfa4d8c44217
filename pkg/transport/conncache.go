package transport

import (
	"sync"
	"time"

	"github.com/spacedrive/meshpair-go/pkg/identity"
)

// connKey identifies a cached connection.
type connKey struct {
	node     identity.NodeID
	protocol string
}

// cachedConn is a cached framed stream with its creation time.
type cachedConn struct {
	stream  Stream
	framer  *Framer
	addedAt time.Time
}

// ConnCache caches open framed streams by (node, protocol) so repeated
// sends reuse one stream instead of opening a new one per message.
type ConnCache struct {
	mu    sync.Mutex
	conns map[connKey]*cachedConn
	open  func(node identity.NodeID, protocol string) (Stream, error)
}

// NewConnCache creates a cache that opens missing streams with the given
// dial function.
func NewConnCache(open func(node identity.NodeID, protocol string) (Stream, error)) *ConnCache {
	return &ConnCache{
		conns: make(map[connKey]*cachedConn),
		open:  open,
	}
}

// Get returns the cached framer for (node, protocol), opening a new stream
// if none is cached.
func (c *ConnCache) Get(node identity.NodeID, protocol string) (*Framer, error) {
	key := connKey{node: node, protocol: protocol}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.conns[key]; ok {
		return cached.framer, nil
	}

	stream, err := c.open(node, protocol)
	if err != nil {
		return nil, err
	}
	cached := &cachedConn{
		stream:  stream,
		framer:  NewFramer(stream),
		addedAt: time.Now(),
	}
	c.conns[key] = cached
	return cached.framer, nil
}

// Drop closes and removes the cached stream for (node, protocol).
// Safe to call when nothing is cached.
func (c *ConnCache) Drop(node identity.NodeID, protocol string) {
	key := connKey{node: node, protocol: protocol}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.conns[key]; ok {
		_ = cached.stream.Close()
		delete(c.conns, key)
	}
}

// DropStream closes and removes the cached entry only if it still holds
// the given stream. A pump observing its stream's end-of-life uses this so
// it never evicts a newer replacement stream.
func (c *ConnCache) DropStream(node identity.NodeID, protocol string, stream Stream) {
	key := connKey{node: node, protocol: protocol}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.conns[key]; ok && cached.stream == stream {
		_ = cached.stream.Close()
		delete(c.conns, key)
	}
}

// DropNode closes and removes all cached streams to a node.
func (c *ConnCache) DropNode(node identity.NodeID) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for key, cached := range c.conns {
		if key.node == node {
			_ = cached.stream.Close()
			delete(c.conns, key)
			dropped++
		}
	}
	return dropped
}

// CloseAll closes and removes all cached streams.
func (c *ConnCache) CloseAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	closed := 0
	for key, cached := range c.conns {
		_ = cached.stream.Close()
		delete(c.conns, key)
		closed++
	}
	return closed
}

// Len returns the number of cached streams.
func (c *ConnCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}
