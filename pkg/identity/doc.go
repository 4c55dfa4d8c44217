// Package identity provides the long-term node identity used to
// authenticate devices on the mesh.
//
// A node is identified by its ed25519 public key: the NodeID carried by the
// transport IS the verification key for vouch signatures. Signature checks
// against a registered device key therefore coincide with the node identity
// on this transport, but callers should always verify against the registered
// key (see pkg/vouching).
package identity
