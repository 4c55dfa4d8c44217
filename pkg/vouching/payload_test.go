package vouching

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/spacedrive/meshpair-go/pkg/device"
	"github.com/spacedrive/meshpair-go/pkg/identity"
)

func testVoucheeInfo() device.DeviceInfo {
	return device.DeviceInfo{
		DeviceID:   uuid.MustParse("00000000-0000-0000-0000-0000000000ee"),
		DeviceName: "phone",
		OS:         "android",
		LastSeen:   time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestPayloadSignVerify(t *testing.T) {
	voucher, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate failed: %v", err)
	}

	payload := BuildPayload(uuid.New(), testVoucheeInfo(), bytes.Repeat([]byte{7}, 32), time.Now().UTC())
	sig, err := payload.Sign(voucher)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	ok, err := payload.VerifySignature(voucher.PublicKey(), sig)
	if err != nil {
		t.Fatalf("VerifySignature failed: %v", err)
	}
	if !ok {
		t.Error("valid signature rejected")
	}
}

func TestPayloadVerifyRejectsTampering(t *testing.T) {
	voucher, _ := identity.Generate()
	other, _ := identity.Generate()

	payload := BuildPayload(uuid.New(), testVoucheeInfo(), bytes.Repeat([]byte{7}, 32), time.Now().UTC())
	sig, err := payload.Sign(voucher)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	// Flipped signature bytes.
	bad := append([]byte(nil), sig...)
	bad[10] ^= 0xFF
	if ok, err := payload.VerifySignature(voucher.PublicKey(), bad); err != nil || ok {
		t.Errorf("flipped signature: ok=%v err=%v", ok, err)
	}

	// Wrong key.
	if ok, err := payload.VerifySignature(other.PublicKey(), sig); err != nil || ok {
		t.Errorf("wrong key: ok=%v err=%v", ok, err)
	}

	// Tampered payload field.
	tampered := payload
	tampered.VoucheeDeviceID = uuid.New()
	if ok, err := tampered.VerifySignature(voucher.PublicKey(), sig); err != nil || ok {
		t.Errorf("tampered payload: ok=%v err=%v", ok, err)
	}

	// Malformed key errors rather than silently failing.
	if _, err := payload.VerifySignature([]byte{1, 2}, sig); err == nil {
		t.Error("expected error for malformed key")
	}
}

func TestPayloadSigningBytesDeterministic(t *testing.T) {
	payload := BuildPayload(uuid.New(), testVoucheeInfo(), bytes.Repeat([]byte{7}, 32), time.Now().UTC())

	a, err := payload.SigningBytes()
	if err != nil {
		t.Fatalf("SigningBytes failed: %v", err)
	}
	b, err := payload.SigningBytes()
	if err != nil {
		t.Fatalf("SigningBytes failed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("canonical encoding is not deterministic")
	}
}

func TestPayloadAge(t *testing.T) {
	now := time.Now()
	payload := BuildPayload(uuid.New(), testVoucheeInfo(), nil, now.Add(-90*time.Second))
	if age := payload.Age(now); age < 89*time.Second || age > 91*time.Second {
		t.Errorf("Age = %v, want ~90s", age)
	}
}
