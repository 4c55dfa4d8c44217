// Package pairing implements the direct pairing protocol state machine.
//
// A Machine owns all active pairing sessions and their codes, drives
// autonomous transitions from a periodic tick, ages out expired sessions,
// and snapshots its state to durable storage on every mutation so an
// application restart resumes in-flight pairings.
//
// Direct pairing is authenticated by a short shared code: the initiator
// challenges the joiner with random bytes, the joiner proves knowledge of
// the code with an HMAC response, and both sides derive session keys from
// the code secret. On a successful completion the machine invokes the
// configured completion hook, which hands the freshly paired device to the
// vouching session manager.
package pairing
