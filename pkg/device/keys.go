package device

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SessionKeySize is the size of each directional session key in bytes.
const SessionKeySize = 32

// Session key errors.
var (
	ErrKeysEqual      = errors.New("send and receive keys are equal")
	ErrInvalidKeySize = errors.New("invalid session key size")
)

// SessionKeys is a directional pair of symmetric keys. The two peers of a
// pairing hold mirror-swapped copies: one side's send key is the other
// side's receive key.
type SessionKeys struct {
	SendKey    []byte `json:"send_key"`
	ReceiveKey []byte `json:"receive_key"`
}

// SessionKeysFromSharedSecret derives a directional key pair from a shared
// secret. The send and receive keys are expanded independently so they are
// never equal.
func SessionKeysFromSharedSecret(secret []byte) (SessionKeys, error) {
	send, err := expandKey(secret, "session-send")
	if err != nil {
		return SessionKeys{}, err
	}
	recv, err := expandKey(secret, "session-receive")
	if err != nil {
		return SessionKeys{}, err
	}
	return SessionKeys{SendKey: send, ReceiveKey: recv}, nil
}

// expandKey expands the secret into a single directional key via HKDF-SHA256.
func expandKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, SessionKeySize)
	r := hkdf.Expand(sha256.New, hkdfExtract(secret), []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to expand session key: %w", err)
	}
	return key, nil
}

// hkdfExtract runs the HKDF extract step with a nil salt.
func hkdfExtract(secret []byte) []byte {
	return hkdf.Extract(sha256.New, secret, nil)
}

// Swap returns the peer's view of the key pair: send and receive exchanged.
// The receiver's copies are independent of the original.
func (k SessionKeys) Swap() SessionKeys {
	send := make([]byte, len(k.ReceiveKey))
	copy(send, k.ReceiveKey)
	recv := make([]byte, len(k.SendKey))
	copy(recv, k.SendKey)
	return SessionKeys{SendKey: send, ReceiveKey: recv}
}

// Validate checks the key pair invariants: both keys present, equal length,
// and send != receive.
func (k SessionKeys) Validate() error {
	if len(k.SendKey) != SessionKeySize || len(k.ReceiveKey) != SessionKeySize {
		return fmt.Errorf("%w: send=%d receive=%d, want %d",
			ErrInvalidKeySize, len(k.SendKey), len(k.ReceiveKey), SessionKeySize)
	}
	if bytes.Equal(k.SendKey, k.ReceiveKey) {
		return ErrKeysEqual
	}
	return nil
}
