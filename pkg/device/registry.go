package device

import (
	"errors"

	"github.com/google/uuid"

	"github.com/spacedrive/meshpair-go/pkg/identity"
)

// Registry errors.
var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrAlreadyPaired  = errors.New("device already paired")
)

// CompletedPairing carries everything the registry needs to atomically store
// a new trust relationship.
type CompletedPairing struct {
	Info        DeviceInfo
	PublicKey   []byte
	SessionKeys SessionKeys
	TrustLevel  TrustLevel
	PairingType PairingType

	// VouchedBy is the voucher's device ID for proxied pairings, nil for
	// direct pairings.
	VouchedBy *uuid.UUID
}

// Registry is the device-registry contract consumed by the pairing state
// machine and the vouching session manager. Implementations must be safe for
// concurrent use.
type Registry interface {
	// LocalDevice returns the local device's description.
	LocalDevice() DeviceInfo

	// PairedDevice looks up a paired device record by device ID.
	PairedDevice(deviceID uuid.UUID) (PairedDevice, bool)

	// PairedDevices enumerates all paired devices.
	PairedDevices() []PairedDevice

	// NodeForDevice returns the current node ID for a device, if known.
	NodeForDevice(deviceID uuid.UUID) (identity.NodeID, bool)

	// DeviceForNode returns the device ID currently mapped to a node.
	DeviceForNode(node identity.NodeID) (uuid.UUID, bool)

	// IsDeviceConnected reports whether the device's node is currently
	// reachable on the pairing transport.
	IsDeviceConnected(deviceID uuid.UUID) bool

	// CompletePairing atomically stores a completed pairing: device info,
	// session keys, pairing type, and the vouching provenance.
	CompletePairing(p CompletedPairing) error
}
