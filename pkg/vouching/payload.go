package vouching

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spacedrive/meshpair-go/pkg/device"
	"github.com/spacedrive/meshpair-go/pkg/identity"
)

// Payload is the signed vouch document. The voucher signs its canonical
// encoding with its long-term identity key; the signature travels alongside
// the payload fields inside the ProxyPairingRequest.
type Payload struct {
	VoucheeDeviceID   uuid.UUID         `json:"vouchee_device_id"`
	VoucheePublicKey  []byte            `json:"vouchee_public_key"`
	VoucheeDeviceInfo device.DeviceInfo `json:"vouchee_device_info"`
	Timestamp         time.Time         `json:"timestamp"`
	SessionID         uuid.UUID         `json:"session_id"`
}

// BuildPayload assembles the vouch payload for a session.
func BuildPayload(sessionID uuid.UUID, voucheeInfo device.DeviceInfo, voucheePublicKey []byte, timestamp time.Time) Payload {
	return Payload{
		VoucheeDeviceID:   voucheeInfo.DeviceID,
		VoucheePublicKey:  append([]byte(nil), voucheePublicKey...),
		VoucheeDeviceInfo: voucheeInfo,
		Timestamp:         timestamp,
		SessionID:         sessionID,
	}
}

// SigningBytes returns the canonical encoding that is signed and verified.
// Struct field order fixes the JSON key order, so both ends produce the
// same bytes for the same payload.
func (p Payload) SigningBytes() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode vouch payload: %w", err)
	}
	return data, nil
}

// Sign signs the payload with the voucher's long-term identity.
func (p Payload) Sign(id *identity.Identity) ([]byte, error) {
	data, err := p.SigningBytes()
	if err != nil {
		return nil, err
	}
	return id.Sign(data), nil
}

// VerifySignature checks the signature against the voucher's registered
// long-term public key. Malformed keys or signatures are an error;
// a clean mismatch returns (false, nil).
func (p Payload) VerifySignature(voucherPublicKey, signature []byte) (bool, error) {
	data, err := p.SigningBytes()
	if err != nil {
		return false, err
	}
	return identity.Verify(voucherPublicKey, data, signature)
}

// Age returns the payload's age at the given instant.
func (p Payload) Age(now time.Time) time.Duration {
	return now.Sub(p.Timestamp)
}
