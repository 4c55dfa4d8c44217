package service

import (
	"github.com/google/uuid"

	"github.com/spacedrive/meshpair-go/pkg/device"
	"github.com/spacedrive/meshpair-go/pkg/transport"
)

// MeshRegistry is a device registry whose connectivity view tracks an
// in-process transport mesh: a device counts as connected exactly when its
// node is online. It backs the demo CLI and the integration tests.
type MeshRegistry struct {
	*device.MemoryRegistry
	mesh *transport.Mesh
}

// NewMeshRegistry creates a registry for the local device over the mesh.
func NewMeshRegistry(local device.DeviceInfo, mesh *transport.Mesh) *MeshRegistry {
	return &MeshRegistry{
		MemoryRegistry: device.NewMemoryRegistry(local),
		mesh:           mesh,
	}
}

// IsDeviceConnected reports whether the device's node is online on the
// mesh.
func (r *MeshRegistry) IsDeviceConnected(deviceID uuid.UUID) bool {
	node, ok := r.NodeForDevice(deviceID)
	if !ok {
		return false
	}
	return r.mesh.IsOnline(node)
}

// Compile-time interface satisfaction check.
var _ device.Registry = (*MeshRegistry)(nil)
