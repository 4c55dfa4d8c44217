package pairing

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestGenerateCode(t *testing.T) {
	sessionID := uuid.New()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code, err := GenerateCode(sessionID, time.Minute)
		if err != nil {
			t.Fatalf("GenerateCode failed: %v", err)
		}
		if len(code.Digits) != CodeLength {
			t.Fatalf("code %q has wrong length", code.Digits)
		}
		if code.SessionID != sessionID {
			t.Error("code not bound to session")
		}
		if code.IsExpired() {
			t.Error("fresh code already expired")
		}
		seen[code.Digits] = true
	}
	if len(seen) < 90 {
		t.Errorf("expected more unique codes, got %d", len(seen))
	}
}

func TestParseDigits(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"12345678", "12345678", false},
		{"00000001", "00000001", false},
		{"1234-5678", "12345678", false},
		{"  12345678  ", "12345678", false},

		{"1234567", "", true},
		{"123456789", "", true},
		{"", "", true},
		{"1234567a", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDigits(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseDigits(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseDigits(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestCodeExpiry(t *testing.T) {
	code := Code{SessionID: uuid.New(), Digits: "12345678", ExpiresAt: time.Now().Add(-time.Second)}
	if !code.IsExpired() {
		t.Error("past-expiry code reported valid")
	}
}

func TestCodeString(t *testing.T) {
	code := Code{Digits: "12345678"}
	if got := code.String(); got != "1234-5678" {
		t.Errorf("String() = %q, want 1234-5678", got)
	}
	if got := string(code.Secret()); got != "12345678" {
		t.Errorf("Secret() = %q", got)
	}
}
