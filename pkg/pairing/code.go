package pairing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Pairing code constants.
const (
	// CodeLength is the number of digits in a pairing code.
	CodeLength = 8

	// codeMax is the maximum pairing code value (99999999).
	codeMax = 99999999
)

// Pairing code errors.
var (
	ErrInvalidCode = errors.New("invalid pairing code")
	ErrCodeExpired = errors.New("pairing code has expired")
)

// Code is an 8-digit human-transcribable pairing secret bound to one
// session. Exactly one code exists per session.
type Code struct {
	// SessionID equals the owning PairingSession's id.
	SessionID uuid.UUID `json:"session_id"`

	// Digits is the 8-digit code with leading zeros.
	Digits string `json:"digits"`

	// ExpiresAt is when the code stops being accepted.
	ExpiresAt time.Time `json:"expires_at"`
}

// GenerateCode creates a cryptographically random code for a session.
func GenerateCode(sessionID uuid.UUID, ttl time.Duration) (Code, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeMax+1))
	if err != nil {
		return Code{}, fmt.Errorf("failed to generate pairing code: %w", err)
	}
	return Code{
		SessionID: sessionID,
		Digits:    fmt.Sprintf("%08d", n.Uint64()),
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

// ParseDigits validates an 8-digit code string as typed by a user.
func ParseDigits(s string) (string, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, "-", ""))
	if len(s) != CodeLength {
		return "", fmt.Errorf("%w: must be %d digits", ErrInvalidCode, CodeLength)
	}
	if _, err := strconv.ParseUint(s, 10, 32); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}
	return s, nil
}

// Secret returns the code as bytes. This is the base secret for challenge
// responses and session key derivation.
func (c Code) Secret() []byte {
	return []byte(c.Digits)
}

// IsExpired reports whether the code is past its expiry.
func (c Code) IsExpired() bool {
	return time.Now().After(c.ExpiresAt)
}

// String returns the code in display form (XXXX-XXXX).
func (c Code) String() string {
	if len(c.Digits) != CodeLength {
		return c.Digits
	}
	return c.Digits[:4] + "-" + c.Digits[4:]
}
