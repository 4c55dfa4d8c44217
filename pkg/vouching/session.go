package vouching

import (
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle state of a vouching session.
type SessionState uint8

const (
	// StatePending - created, no targets selected yet.
	StatePending SessionState = 0

	// StateInProgress - vouches are being delivered.
	StateInProgress SessionState = 1

	// StateCompleted - every vouch reached a terminal status.
	StateCompleted SessionState = 2
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateInProgress:
		return "InProgress"
	case StateCompleted:
		return "Completed"
	default:
		return "Unknown"
	}
}

// VouchStatus is the per-target vouch lifecycle.
type VouchStatus uint8

const (
	// VouchSelected - target chosen, not yet queued.
	VouchSelected VouchStatus = 0

	// VouchQueued - waiting for the target to come online.
	VouchQueued VouchStatus = 1

	// VouchWaiting - request delivered, awaiting the target's decision.
	VouchWaiting VouchStatus = 2

	// VouchAccepted - the target accepted the vouch. Terminal.
	VouchAccepted VouchStatus = 3

	// VouchRejected - the target (or a validity check) rejected the
	// vouch. Terminal.
	VouchRejected VouchStatus = 4

	// VouchUnreachable - delivery gave up (expiry, retry budget, or
	// response timeout). Terminal.
	VouchUnreachable VouchStatus = 5
)

// String returns the status name.
func (s VouchStatus) String() string {
	switch s {
	case VouchSelected:
		return "Selected"
	case VouchQueued:
		return "Queued"
	case VouchWaiting:
		return "Waiting"
	case VouchAccepted:
		return "Accepted"
	case VouchRejected:
		return "Rejected"
	case VouchUnreachable:
		return "Unreachable"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether the status admits no further transitions.
func (s VouchStatus) IsTerminal() bool {
	switch s {
	case VouchAccepted, VouchRejected, VouchUnreachable:
		return true
	default:
		return false
	}
}

// VouchState is the per-target status row inside a vouching session.
type VouchState struct {
	DeviceID   uuid.UUID   `json:"device_id"`
	DeviceName string      `json:"device_name"`
	Status     VouchStatus `json:"status"`
	UpdatedAt  time.Time   `json:"updated_at"`
	Reason     string      `json:"reason,omitempty"`
}

// Session is one "introduce the vouchee to N targets" operation. Its id
// equals the originating direct pairing session's id on the voucher.
// Invariant: State == Completed iff every vouch is terminal.
type Session struct {
	ID                uuid.UUID    `json:"id"`
	VoucheeDeviceID   uuid.UUID    `json:"vouchee_device_id"`
	VoucheeDeviceName string       `json:"vouchee_device_name"`
	VoucherDeviceID   uuid.UUID    `json:"voucher_device_id"`
	CreatedAt         time.Time    `json:"created_at"`
	State             SessionState `json:"state"`
	Vouches           []VouchState `json:"vouches"`
}

// clone returns a deep copy safe to hand to observers.
func (s *Session) clone() Session {
	out := *s
	out.Vouches = append([]VouchState(nil), s.Vouches...)
	return out
}

// allTerminal reports whether every vouch reached a terminal status.
func (s *Session) allTerminal() bool {
	for _, v := range s.Vouches {
		if !v.Status.IsTerminal() {
			return false
		}
	}
	return true
}
