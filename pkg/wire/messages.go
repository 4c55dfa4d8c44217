package wire

import (
	"time"

	"github.com/google/uuid"

	"github.com/spacedrive/meshpair-go/pkg/device"
)

// Message variant names as they appear on the wire.
const (
	TypePairingRequest       = "PairingRequest"
	TypeChallenge            = "Challenge"
	TypeResponse             = "Response"
	TypeComplete             = "Complete"
	TypeProxyPairingRequest  = "ProxyPairingRequest"
	TypeProxyPairingResponse = "ProxyPairingResponse"
	TypeProxyPairingComplete = "ProxyPairingComplete"
)

// Message is a pairing protocol message. Exactly one concrete variant
// implements it per wire tag.
type Message interface {
	// Variant returns the wire tag for this message.
	Variant() string

	// Session returns the pairing session this message belongs to.
	Session() uuid.UUID
}

// PairingRequest opens a direct pairing exchange (joiner -> initiator).
type PairingRequest struct {
	SessionID  uuid.UUID         `json:"session_id"`
	DeviceInfo device.DeviceInfo `json:"device_info"`
	PublicKey  []byte            `json:"public_key"`
}

// Challenge carries the initiator's random challenge.
type Challenge struct {
	SessionID  uuid.UUID         `json:"session_id"`
	Challenge  []byte            `json:"challenge"`
	DeviceInfo device.DeviceInfo `json:"device_info"`
}

// Response carries the joiner's proof of the shared pairing code.
type Response struct {
	SessionID  uuid.UUID         `json:"session_id"`
	Response   []byte            `json:"response"`
	DeviceInfo device.DeviceInfo `json:"device_info"`
}

// Complete terminates a direct pairing exchange.
type Complete struct {
	SessionID uuid.UUID `json:"session_id"`
	Success   bool      `json:"success"`
	Reason    string    `json:"reason,omitempty"`
}

// ProxyPairingRequest is the voucher's signed introduction of the vouchee to
// a target device.
type ProxyPairingRequest struct {
	SessionID          uuid.UUID          `json:"session_id"`
	VoucheeDeviceInfo  device.DeviceInfo  `json:"vouchee_device_info"`
	VoucheePublicKey   []byte             `json:"vouchee_public_key"`
	VoucherDeviceID    uuid.UUID          `json:"voucher_device_id"`
	VoucherSignature   []byte             `json:"voucher_signature"`
	Timestamp          time.Time          `json:"timestamp"`
	ProxiedSessionKeys device.SessionKeys `json:"proxied_session_keys"`
}

// ProxyPairingResponse is the target's accept/reject decision, sent back to
// the voucher.
type ProxyPairingResponse struct {
	SessionID         uuid.UUID `json:"session_id"`
	AcceptingDeviceID uuid.UUID `json:"accepting_device_id"`
	Accepted          bool      `json:"accepted"`
	Reason            string    `json:"reason,omitempty"`
}

// AcceptedDevice reports one accepting device to the vouchee, together with
// the session keys the vouchee will use with it.
type AcceptedDevice struct {
	DeviceInfo  device.DeviceInfo  `json:"device_info"`
	SessionKeys device.SessionKeys `json:"session_keys"`
}

// RejectedDevice reports one rejecting or unreachable device to the vouchee.
type RejectedDevice struct {
	DeviceID   uuid.UUID `json:"device_id"`
	DeviceName string    `json:"device_name"`
	Reason     string    `json:"reason"`
}

// ProxyPairingComplete is the voucher's final report to the vouchee.
type ProxyPairingComplete struct {
	SessionID       uuid.UUID        `json:"session_id"`
	VoucherDeviceID uuid.UUID        `json:"voucher_device_id"`
	AcceptedBy      []AcceptedDevice `json:"accepted_by"`
	RejectedBy      []RejectedDevice `json:"rejected_by"`
}

func (m *PairingRequest) Variant() string       { return TypePairingRequest }
func (m *Challenge) Variant() string            { return TypeChallenge }
func (m *Response) Variant() string             { return TypeResponse }
func (m *Complete) Variant() string             { return TypeComplete }
func (m *ProxyPairingRequest) Variant() string  { return TypeProxyPairingRequest }
func (m *ProxyPairingResponse) Variant() string { return TypeProxyPairingResponse }
func (m *ProxyPairingComplete) Variant() string { return TypeProxyPairingComplete }

func (m *PairingRequest) Session() uuid.UUID       { return m.SessionID }
func (m *Challenge) Session() uuid.UUID            { return m.SessionID }
func (m *Response) Session() uuid.UUID             { return m.SessionID }
func (m *Complete) Session() uuid.UUID             { return m.SessionID }
func (m *ProxyPairingRequest) Session() uuid.UUID  { return m.SessionID }
func (m *ProxyPairingResponse) Session() uuid.UUID { return m.SessionID }
func (m *ProxyPairingComplete) Session() uuid.UUID { return m.SessionID }
