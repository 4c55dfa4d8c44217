// Package vouching implements the proxy pairing session manager.
//
// A device that is directly paired with two others may vouch one to the
// other: it signs an introduction of the vouchee, derives session keys for
// the pair, and fans the vouch out to the selected targets. The Manager
// tracks per-target vouch state, reconciles responses, persists
// undeliverable vouches to the durable queue, and finalizes each session by
// reporting accepted and rejected devices back to the vouchee together with
// the keys each pair will use.
package vouching
