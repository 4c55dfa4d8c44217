package pairing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/spacedrive/meshpair-go/pkg/device"
)

// ChallengeSize is the size of a pairing challenge in bytes.
const ChallengeSize = 32

// GenerateChallenge creates a random pairing challenge.
func GenerateChallenge() ([]byte, error) {
	challenge := make([]byte, ChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, fmt.Errorf("failed to generate challenge: %w", err)
	}
	return challenge, nil
}

// ComputeResponse proves knowledge of the pairing code: an HMAC-SHA256 over
// the session id and challenge, keyed by the code secret.
func ComputeResponse(secret []byte, sessionID uuid.UUID, challenge []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(sessionID[:])
	mac.Write(challenge)
	return mac.Sum(nil)
}

// VerifyResponse checks a challenge response in constant time.
func VerifyResponse(secret []byte, sessionID uuid.UUID, challenge, response []byte) bool {
	expected := ComputeResponse(secret, sessionID, challenge)
	return hmac.Equal(expected, response)
}

// DeriveDirectSessionKeys derives the session key pair both ends of a
// direct pairing store. The initiator keeps initiatorKeys; the joiner keeps
// the mirror-swapped joinerKeys. The HKDF context binds both device
// identities so distinct pairs never share keys.
func DeriveDirectSessionKeys(secret []byte, initiatorDeviceID, joinerDeviceID uuid.UUID) (initiatorKeys, joinerKeys device.SessionKeys, err error) {
	context := fmt.Sprintf("spacedrive-direct-pairing-%s:%s", initiatorDeviceID, joinerDeviceID)

	derived := make([]byte, device.SessionKeySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(context))
	if _, err = io.ReadFull(r, derived); err != nil {
		err = fmt.Errorf("failed to derive direct pairing secret: %w", err)
		return
	}

	initiatorKeys, err = device.SessionKeysFromSharedSecret(derived)
	if err != nil {
		return
	}
	joinerKeys = initiatorKeys.Swap()
	return
}
