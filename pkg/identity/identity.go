package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// NodeIDSize is the size of a node identifier in bytes (ed25519 public key).
const NodeIDSize = ed25519.PublicKeySize

// SignatureSize is the size of a vouch signature in bytes.
const SignatureSize = ed25519.SignatureSize

// Identity errors.
var (
	ErrInvalidNodeID    = errors.New("invalid node ID")
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidSignature = errors.New("invalid signature")
)

// NodeID identifies a node on the mesh. It is the node's ed25519 public key.
type NodeID [NodeIDSize]byte

// String returns the node ID as lowercase hex.
func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}

// Bytes returns the node ID as a byte slice.
func (n NodeID) Bytes() []byte {
	return n[:]
}

// IsZero reports whether the node ID is the zero value.
func (n NodeID) IsZero() bool {
	return n == NodeID{}
}

// MarshalText encodes the node ID as lowercase hex.
func (n NodeID) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText decodes a hex-encoded node ID. An empty input yields the
// zero NodeID.
func (n *NodeID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*n = NodeID{}
		return nil
	}
	parsed, err := ParseNodeID(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// ParseNodeID parses a hex-encoded node ID.
func ParseNodeID(s string) (NodeID, error) {
	var n NodeID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrInvalidNodeID, err)
	}
	if len(raw) != NodeIDSize {
		return n, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidNodeID, len(raw), NodeIDSize)
	}
	copy(n[:], raw)
	return n, nil
}

// NodeIDFromPublicKey converts a raw ed25519 public key to a NodeID.
func NodeIDFromPublicKey(pub []byte) (NodeID, error) {
	var n NodeID
	if len(pub) != NodeIDSize {
		return n, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPublicKey, len(pub), NodeIDSize)
	}
	copy(n[:], pub)
	return n, nil
}

// Identity is a long-term ed25519 signing identity.
type Identity struct {
	priv ed25519.PrivateKey
}

// Generate creates a new random identity.
func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}
	return &Identity{priv: priv}, nil
}

// FromSeed creates an identity from a 32-byte seed.
// Use only in tests or when restoring a persisted identity.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes", ErrInvalidPublicKey, ed25519.SeedSize)
	}
	return &Identity{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// NodeID returns the node ID derived from the identity's public key.
func (id *Identity) NodeID() NodeID {
	var n NodeID
	copy(n[:], id.priv.Public().(ed25519.PublicKey))
	return n
}

// PublicKey returns the raw ed25519 public key.
func (id *Identity) PublicKey() []byte {
	pub := id.priv.Public().(ed25519.PublicKey)
	out := make([]byte, len(pub))
	copy(out, pub)
	return out
}

// Sign signs data with the identity's private key.
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.priv, data)
}

// Verify checks a signature against a raw public key.
// Returns an error for malformed inputs; returns (false, nil) for a
// well-formed signature that does not verify.
func Verify(pub, data, sig []byte) (bool, error) {
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidPublicKey, len(pub), ed25519.PublicKeySize)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidSignature, len(sig), ed25519.SignatureSize)
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig), nil
}
