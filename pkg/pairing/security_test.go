package pairing

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func TestChallengeResponseRoundTrip(t *testing.T) {
	secret := []byte("12345678")
	sessionID := uuid.New()

	challenge, err := GenerateChallenge()
	if err != nil {
		t.Fatalf("GenerateChallenge failed: %v", err)
	}
	if len(challenge) != ChallengeSize {
		t.Fatalf("challenge length = %d, want %d", len(challenge), ChallengeSize)
	}

	response := ComputeResponse(secret, sessionID, challenge)
	if !VerifyResponse(secret, sessionID, challenge, response) {
		t.Error("valid response rejected")
	}

	// Wrong secret fails.
	if VerifyResponse([]byte("87654321"), sessionID, challenge, response) {
		t.Error("response verified with wrong secret")
	}
	// Wrong session fails.
	if VerifyResponse(secret, uuid.New(), challenge, response) {
		t.Error("response verified for wrong session")
	}
	// Tampered response fails.
	bad := append([]byte(nil), response...)
	bad[0] ^= 0x01
	if VerifyResponse(secret, sessionID, challenge, bad) {
		t.Error("tampered response verified")
	}
}

func TestDeriveDirectSessionKeys(t *testing.T) {
	secret := []byte("12345678")
	a := uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	b := uuid.MustParse("00000000-0000-0000-0000-00000000000b")

	initiatorKeys, joinerKeys, err := DeriveDirectSessionKeys(secret, a, b)
	if err != nil {
		t.Fatalf("DeriveDirectSessionKeys failed: %v", err)
	}

	if err := initiatorKeys.Validate(); err != nil {
		t.Errorf("initiator keys invalid: %v", err)
	}
	if !bytes.Equal(initiatorKeys.SendKey, joinerKeys.ReceiveKey) ||
		!bytes.Equal(initiatorKeys.ReceiveKey, joinerKeys.SendKey) {
		t.Error("joiner keys are not the mirror of the initiator keys")
	}

	// Different device pair derives different keys.
	otherKeys, _, err := DeriveDirectSessionKeys(secret, a, uuid.MustParse("00000000-0000-0000-0000-00000000000c"))
	if err != nil {
		t.Fatalf("DeriveDirectSessionKeys failed: %v", err)
	}
	if bytes.Equal(initiatorKeys.SendKey, otherKeys.SendKey) {
		t.Error("distinct pairs derived identical keys")
	}

	// Derivation is deterministic.
	again, _, err := DeriveDirectSessionKeys(secret, a, b)
	if err != nil {
		t.Fatalf("DeriveDirectSessionKeys failed: %v", err)
	}
	if !bytes.Equal(initiatorKeys.SendKey, again.SendKey) {
		t.Error("derivation not deterministic")
	}
}
