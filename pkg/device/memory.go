package device

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spacedrive/meshpair-go/pkg/identity"
)

// MemoryRegistry is an in-memory Registry implementation. It backs the demo
// CLI and the test suites; production deployments supply their own registry
// on top of the application database.
type MemoryRegistry struct {
	mu sync.RWMutex

	local     DeviceInfo
	paired    map[uuid.UUID]PairedDevice
	nodes     map[uuid.UUID]identity.NodeID
	devices   map[identity.NodeID]uuid.UUID
	connected map[identity.NodeID]bool
}

// NewMemoryRegistry creates a registry for the given local device.
func NewMemoryRegistry(local DeviceInfo) *MemoryRegistry {
	return &MemoryRegistry{
		local:     local,
		paired:    make(map[uuid.UUID]PairedDevice),
		nodes:     make(map[uuid.UUID]identity.NodeID),
		devices:   make(map[identity.NodeID]uuid.UUID),
		connected: make(map[identity.NodeID]bool),
	}
}

// LocalDevice returns the local device's description.
func (r *MemoryRegistry) LocalDevice() DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.local
}

// PairedDevice looks up a paired device record.
func (r *MemoryRegistry) PairedDevice(deviceID uuid.UUID) (PairedDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.paired[deviceID]
	return d, ok
}

// PairedDevices enumerates all paired devices.
func (r *MemoryRegistry) PairedDevices() []PairedDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PairedDevice, 0, len(r.paired))
	for _, d := range r.paired {
		out = append(out, d)
	}
	return out
}

// NodeForDevice returns the node ID currently mapped to a device.
func (r *MemoryRegistry) NodeForDevice(deviceID uuid.UUID) (identity.NodeID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[deviceID]
	return n, ok
}

// DeviceForNode returns the device ID currently mapped to a node.
func (r *MemoryRegistry) DeviceForNode(node identity.NodeID) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[node]
	return d, ok
}

// IsDeviceConnected reports whether the device's node is marked connected.
func (r *MemoryRegistry) IsDeviceConnected(deviceID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[deviceID]
	if !ok {
		return false
	}
	return r.connected[node]
}

// CompletePairing atomically stores a completed pairing. Re-pairing an
// already-known device replaces the record; callers that must reject
// duplicates (the proxy-request path) check PairedDevice first.
func (r *MemoryRegistry) CompletePairing(p CompletedPairing) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := PairedDevice{
		Info:        p.Info,
		PublicKey:   append([]byte(nil), p.PublicKey...),
		SessionKeys: p.SessionKeys,
		TrustLevel:  p.TrustLevel,
		PairingType: p.PairingType,
		VouchedBy:   p.VouchedBy,
		PairedAt:    time.Now(),
	}
	r.paired[p.Info.DeviceID] = rec

	// The public key doubles as the node identity on this transport.
	if node, err := identity.NodeIDFromPublicKey(p.PublicKey); err == nil {
		r.nodes[p.Info.DeviceID] = node
		r.devices[node] = p.Info.DeviceID
	}
	return nil
}

// SetNodeMapping records the node a device is reachable under.
func (r *MemoryRegistry) SetNodeMapping(deviceID uuid.UUID, node identity.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[deviceID] = node
	r.devices[node] = deviceID
}

// SetConnected marks a node's connectivity state.
func (r *MemoryRegistry) SetConnected(node identity.NodeID, connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if connected {
		r.connected[node] = true
	} else {
		delete(r.connected, node)
	}
}

// RemovePairedDevice deletes a paired device record. Safe on absent devices.
func (r *MemoryRegistry) RemovePairedDevice(deviceID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if node, ok := r.nodes[deviceID]; ok {
		delete(r.devices, node)
	}
	delete(r.paired, deviceID)
	delete(r.nodes, deviceID)
}

// Compile-time interface satisfaction check.
var _ Registry = (*MemoryRegistry)(nil)
