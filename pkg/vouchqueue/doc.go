// Package vouchqueue implements the durable outbound store of pending proxy
// introductions.
//
// Entries are keyed by (session_id, target_device_id) with upsert semantics
// and survive process restarts. The queue holds everything needed to resend
// a ProxyPairingRequest to a target that was offline at vouching time:
// vouchee identity material, the voucher's signature, and the proxied
// session keys. Structured payloads are stored as JSON text; decode is
// strict and surfaces corruption instead of substituting defaults.
package vouchqueue
