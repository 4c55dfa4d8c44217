package device

import (
	"crypto/sha256"
	"time"

	"github.com/google/uuid"

	"github.com/spacedrive/meshpair-go/pkg/identity"
)

// DeviceInfo describes a device on the mesh. It travels inside pairing and
// vouch messages and is stored with each paired-device record.
type DeviceInfo struct {
	// DeviceID is the stable device identifier.
	DeviceID uuid.UUID `json:"device_id"`

	// DeviceName is the human-readable device name.
	DeviceName string `json:"device_name"`

	// OS is the operating system family (e.g. "linux", "macos").
	OS string `json:"os"`

	// OSVersion is the OS version string, if known.
	OSVersion string `json:"os_version,omitempty"`

	// HardwareModel is the hardware model, if known.
	HardwareModel string `json:"hardware_model,omitempty"`

	// NetworkFingerprint is the hex node ID the device was last seen under.
	NetworkFingerprint string `json:"network_fingerprint,omitempty"`

	// LastSeen is when the device was last observed.
	LastSeen time.Time `json:"last_seen"`
}

// DeviceIDForNode derives a deterministic device ID for a node that has
// not presented one. The same node always maps to the same ID, so retries
// and duplicate messages from an unregistered peer converge on one
// identity. The hash is domain-separated from every other use of the node
// key.
func DeviceIDForNode(node identity.NodeID) uuid.UUID {
	h := sha256.New()
	h.Write([]byte("spacedrive-device-id"))
	h.Write(node.Bytes())
	sum := h.Sum(nil)

	id, err := uuid.FromBytes(sum[:16])
	if err != nil {
		// Unreachable: the slice is always 16 bytes.
		return uuid.Nil
	}
	return id
}

// PairingType records how trust in a device was established.
type PairingType uint8

const (
	// PairingDirect - interactive pairing authenticated by a shared code.
	PairingDirect PairingType = 0

	// PairingProxied - pairing established via a voucher's signed introduction.
	PairingProxied PairingType = 1
)

// String returns the pairing type name.
func (p PairingType) String() string {
	switch p {
	case PairingDirect:
		return "DIRECT"
	case PairingProxied:
		return "PROXIED"
	default:
		return "UNKNOWN"
	}
}

// TrustLevel is the trust assigned to a paired device.
type TrustLevel uint8

const (
	// TrustUntrusted - the device is known but not trusted.
	TrustUntrusted TrustLevel = 0

	// TrustTrusted - the device is fully trusted.
	TrustTrusted TrustLevel = 1
)

// String returns the trust level name.
func (t TrustLevel) String() string {
	switch t {
	case TrustUntrusted:
		return "UNTRUSTED"
	case TrustTrusted:
		return "TRUSTED"
	default:
		return "UNKNOWN"
	}
}

// PairedDevice is the registry record for a device trust relationship.
// VouchedBy is set only for proxied pairings and makes the vouching graph an
// explicit DAG rooted at direct pairings.
type PairedDevice struct {
	Info        DeviceInfo  `json:"info"`
	PublicKey   []byte      `json:"public_key"`
	SessionKeys SessionKeys `json:"session_keys"`
	TrustLevel  TrustLevel  `json:"trust_level"`
	PairingType PairingType `json:"pairing_type"`
	VouchedBy   *uuid.UUID  `json:"vouched_by,omitempty"`
	PairedAt    time.Time   `json:"paired_at"`
}
