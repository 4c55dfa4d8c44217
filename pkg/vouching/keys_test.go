package vouching

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func TestDeriveProxySessionKeys(t *testing.T) {
	voucher := uuid.MustParse("00000000-0000-0000-0000-0000000000aa")
	target := uuid.MustParse("00000000-0000-0000-0000-0000000000bb")
	vouchee := uuid.MustParse("00000000-0000-0000-0000-0000000000cc")
	pub := bytes.Repeat([]byte{9}, 32)
	secret := []byte("12345678")

	receiver, voucheeKeys, err := DeriveProxySessionKeys(voucher, target, vouchee, pub, secret)
	if err != nil {
		t.Fatalf("DeriveProxySessionKeys failed: %v", err)
	}

	if err := receiver.Validate(); err != nil {
		t.Errorf("receiver keys invalid: %v", err)
	}
	if err := voucheeKeys.Validate(); err != nil {
		t.Errorf("vouchee keys invalid: %v", err)
	}

	// The vouchee's view is the receiver's view mirror-swapped.
	if !bytes.Equal(receiver.SendKey, voucheeKeys.ReceiveKey) ||
		!bytes.Equal(receiver.ReceiveKey, voucheeKeys.SendKey) {
		t.Error("vouchee keys are not the swap of the receiver keys")
	}

	// Deterministic for the same inputs.
	again, _, err := DeriveProxySessionKeys(voucher, target, vouchee, pub, secret)
	if err != nil {
		t.Fatalf("DeriveProxySessionKeys failed: %v", err)
	}
	if !bytes.Equal(receiver.SendKey, again.SendKey) {
		t.Error("derivation not deterministic")
	}

	// Every input is bound into the context.
	variants := []struct {
		name string
		fn   func() ([]byte, error)
	}{
		{"different target", func() ([]byte, error) {
			k, _, err := DeriveProxySessionKeys(voucher, uuid.New(), vouchee, pub, secret)
			return k.SendKey, err
		}},
		{"different vouchee", func() ([]byte, error) {
			k, _, err := DeriveProxySessionKeys(voucher, target, uuid.New(), pub, secret)
			return k.SendKey, err
		}},
		{"different public key", func() ([]byte, error) {
			k, _, err := DeriveProxySessionKeys(voucher, target, vouchee, bytes.Repeat([]byte{8}, 32), secret)
			return k.SendKey, err
		}},
		{"different secret", func() ([]byte, error) {
			k, _, err := DeriveProxySessionKeys(voucher, target, vouchee, pub, []byte("87654321"))
			return k.SendKey, err
		}},
	}
	for _, v := range variants {
		t.Run(v.name, func(t *testing.T) {
			key, err := v.fn()
			if err != nil {
				t.Fatalf("derivation failed: %v", err)
			}
			if bytes.Equal(receiver.SendKey, key) {
				t.Error("context input not bound into derivation")
			}
		})
	}
}
