package pairing

import (
	"time"

	"github.com/google/uuid"

	"github.com/spacedrive/meshpair-go/pkg/device"
	"github.com/spacedrive/meshpair-go/pkg/identity"
)

// StateKind enumerates the pairing session states.
type StateKind uint8

const (
	// StateWaitingForConnection - initiator created the session, waiting
	// for a joiner to connect.
	StateWaitingForConnection StateKind = iota

	// StateScanning - joiner created the session, looking for the
	// initiator.
	StateScanning

	// StateChallengeSent - initiator sent the challenge.
	StateChallengeSent

	// StateAwaitingResponse - initiator awaits the joiner's response.
	StateAwaitingResponse

	// StateResponsePending - joiner queued response bytes for dispatch by
	// the state machine driver.
	StateResponsePending

	// StateResponseSent - joiner dispatched the response.
	StateResponseSent

	// StateCompleted - pairing succeeded. Terminal apart from cleanup.
	StateCompleted

	// StateFailed - pairing failed. Terminal.
	StateFailed
)

// String returns the state name.
func (k StateKind) String() string {
	switch k {
	case StateWaitingForConnection:
		return "WaitingForConnection"
	case StateScanning:
		return "Scanning"
	case StateChallengeSent:
		return "ChallengeSent"
	case StateAwaitingResponse:
		return "AwaitingResponse"
	case StateResponsePending:
		return "ResponsePending"
	case StateResponseSent:
		return "ResponseSent"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// State is a pairing session state with its associated data.
type State struct {
	Kind StateKind `json:"kind"`

	// ResponseData holds the queued response bytes while in
	// ResponsePending.
	ResponseData []byte `json:"response_data,omitempty"`

	// RemoteNodeID is the dispatch target while in ResponsePending.
	RemoteNodeID identity.NodeID `json:"remote_node_id,omitempty"`

	// Reason explains a Failed state.
	Reason string `json:"reason,omitempty"`
}

// IsTerminal reports whether the state admits no further transitions.
func (s State) IsTerminal() bool {
	return s.Kind == StateCompleted || s.Kind == StateFailed
}

// Session is the lifetime of one direct pairing attempt.
// (ID, CreatedAt) is immutable; State advances monotonically except to the
// terminal Failed.
type Session struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	State     State     `json:"state"`

	// Filled in as the exchange progresses.
	RemoteDeviceID   *uuid.UUID         `json:"remote_device_id,omitempty"`
	RemoteDeviceInfo *device.DeviceInfo `json:"remote_device_info,omitempty"`
	RemotePublicKey  []byte             `json:"remote_public_key,omitempty"`
	RemoteNodeID     identity.NodeID    `json:"remote_node_id,omitempty"`

	// Challenge is the initiator's outstanding challenge bytes.
	Challenge []byte `json:"challenge,omitempty"`

	// SharedSecret is derived from the pairing code once the exchange
	// has proven code knowledge.
	SharedSecret []byte `json:"shared_secret,omitempty"`
}

// clone returns a deep copy safe to hand to observers.
func (s *Session) clone() Session {
	out := *s
	out.State.ResponseData = append([]byte(nil), s.State.ResponseData...)
	out.RemotePublicKey = append([]byte(nil), s.RemotePublicKey...)
	out.Challenge = append([]byte(nil), s.Challenge...)
	out.SharedSecret = append([]byte(nil), s.SharedSecret...)
	if s.RemoteDeviceID != nil {
		id := *s.RemoteDeviceID
		out.RemoteDeviceID = &id
	}
	if s.RemoteDeviceInfo != nil {
		info := *s.RemoteDeviceInfo
		out.RemoteDeviceInfo = &info
	}
	return out
}
