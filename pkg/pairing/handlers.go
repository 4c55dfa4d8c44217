package pairing

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spacedrive/meshpair-go/pkg/device"
	"github.com/spacedrive/meshpair-go/pkg/identity"
	"github.com/spacedrive/meshpair-go/pkg/wire"
)

// HandlePairingRequest processes a joiner's opening message on the
// initiator. It records the joiner's identity material and answers with a
// fresh challenge. The caller sends the returned message and then advances
// the session with ChallengeDispatched.
func (m *Machine) HandlePairingRequest(remote identity.NodeID, msg *wire.PairingRequest) (*wire.Challenge, error) {
	challenge, err := GenerateChallenge()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	s, ok := m.sessions[msg.SessionID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, msg.SessionID)
	}
	if s.State.Kind != StateWaitingForConnection {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: got PairingRequest in %s", ErrWrongState, s.State.Kind)
	}

	info := msg.DeviceInfo
	if info.DeviceID == uuid.Nil {
		info.DeviceID = device.DeviceIDForNode(remote)
	}
	remoteID := info.DeviceID
	s.RemoteDeviceID = &remoteID
	s.RemoteDeviceInfo = &info
	s.RemotePublicKey = append([]byte(nil), msg.PublicKey...)
	s.RemoteNodeID = remote
	s.Challenge = challenge
	old := s.State.Kind.String()
	s.State = State{Kind: StateChallengeSent}
	s.UpdatedAt = time.Now()
	m.mu.Unlock()

	m.emitState(msg.SessionID, old, StateChallengeSent.String(), "")
	if err := m.persist(); err != nil {
		m.logError("persist after pairing request", err)
	}

	return &wire.Challenge{
		SessionID:  msg.SessionID,
		Challenge:  challenge,
		DeviceInfo: m.registry.LocalDevice(),
	}, nil
}

// ChallengeDispatched advances an initiator session to AwaitingResponse
// after its challenge was written to the stream.
func (m *Machine) ChallengeDispatched(sessionID uuid.UUID) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.State.Kind != StateChallengeSent {
		m.mu.Unlock()
		return
	}
	s.State = State{Kind: StateAwaitingResponse}
	s.UpdatedAt = time.Now()
	m.mu.Unlock()

	m.emitState(sessionID, StateChallengeSent.String(), StateAwaitingResponse.String(), "")
	if err := m.persist(); err != nil {
		m.logError("persist after challenge", err)
	}
}

// HandleChallenge processes the initiator's challenge on the joiner. The
// response is queued in ResponsePending; the driver tick dispatches it via
// the command channel.
func (m *Machine) HandleChallenge(remote identity.NodeID, msg *wire.Challenge) error {
	m.mu.RLock()
	code, hasCode := m.codes[msg.SessionID]
	m.mu.RUnlock()
	if !hasCode {
		return fmt.Errorf("%w: %s", ErrNoCode, msg.SessionID)
	}

	response := ComputeResponse(code.Secret(), msg.SessionID, msg.Challenge)
	responseMsg := &wire.Response{
		SessionID:  msg.SessionID,
		Response:   response,
		DeviceInfo: m.registry.LocalDevice(),
	}
	data, err := wire.Encode(responseMsg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	s, ok := m.sessions[msg.SessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, msg.SessionID)
	}
	if s.State.Kind != StateScanning {
		m.mu.Unlock()
		return fmt.Errorf("%w: got Challenge in %s", ErrWrongState, s.State.Kind)
	}

	info := msg.DeviceInfo
	if info.DeviceID == uuid.Nil {
		info.DeviceID = device.DeviceIDForNode(remote)
	}
	remoteID := info.DeviceID
	s.RemoteDeviceID = &remoteID
	s.RemoteDeviceInfo = &info
	s.RemoteNodeID = remote
	// The initiator's node identity doubles as its public key.
	s.RemotePublicKey = remote.Bytes()
	old := s.State.Kind.String()
	s.State = State{
		Kind:         StateResponsePending,
		ResponseData: data,
		RemoteNodeID: remote,
	}
	s.UpdatedAt = time.Now()
	m.mu.Unlock()

	m.emitState(msg.SessionID, old, StateResponsePending.String(), "")
	if err := m.persist(); err != nil {
		m.logError("persist after challenge", err)
	}
	return nil
}

// HandleResponse verifies the joiner's proof on the initiator. A valid
// response completes the session: the pairing is stored in the registry,
// the completion hook fires, and the returned Complete message reports
// success. An invalid response fails the session and reports the reason.
func (m *Machine) HandleResponse(remote identity.NodeID, msg *wire.Response) (*wire.Complete, error) {
	m.mu.RLock()
	code, hasCode := m.codes[msg.SessionID]
	m.mu.RUnlock()
	if !hasCode {
		return nil, fmt.Errorf("%w: %s", ErrNoCode, msg.SessionID)
	}

	m.mu.Lock()
	s, ok := m.sessions[msg.SessionID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, msg.SessionID)
	}
	if s.State.Kind != StateChallengeSent && s.State.Kind != StateAwaitingResponse {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: got Response in %s", ErrWrongState, s.State.Kind)
	}
	challenge := append([]byte(nil), s.Challenge...)
	old := s.State.Kind.String()

	if !VerifyResponse(code.Secret(), msg.SessionID, challenge, msg.Response) {
		const reason = "Invalid pairing code response"
		s.State = State{Kind: StateFailed, Reason: reason}
		s.UpdatedAt = time.Now()
		m.mu.Unlock()

		m.emitState(msg.SessionID, old, StateFailed.String(), reason)
		if err := m.persist(); err != nil {
			m.logError("persist after failed response", err)
		}
		return &wire.Complete{SessionID: msg.SessionID, Success: false, Reason: reason}, nil
	}

	// Proof checks out: adopt the joiner's latest device info and finish.
	info := msg.DeviceInfo
	if info.DeviceID == uuid.Nil {
		info.DeviceID = device.DeviceIDForNode(remote)
	}
	remoteID := info.DeviceID
	s.RemoteDeviceID = &remoteID
	s.RemoteDeviceInfo = &info
	s.SharedSecret = code.Secret()
	s.State = State{Kind: StateCompleted}
	s.UpdatedAt = time.Now()
	remotePublicKey := append([]byte(nil), s.RemotePublicKey...)
	m.mu.Unlock()

	m.emitState(msg.SessionID, old, StateCompleted.String(), "")
	if err := m.persist(); err != nil {
		m.logError("persist after completion", err)
	}

	if err := m.storeDirectPairing(code.Secret(), info, remotePublicKey, true); err != nil {
		m.FailSession(msg.SessionID, fmt.Sprintf("Failed to store pairing: %v", err))
		return &wire.Complete{SessionID: msg.SessionID, Success: false, Reason: "Failed to store pairing"}, nil
	}

	if m.hook != nil {
		m.hook.PairingCompleted(msg.SessionID, info, remotePublicKey)
	}

	return &wire.Complete{SessionID: msg.SessionID, Success: true}, nil
}

// HandleComplete processes the initiator's completion verdict on the
// joiner.
func (m *Machine) HandleComplete(remote identity.NodeID, msg *wire.Complete) error {
	if !msg.Success {
		reason := msg.Reason
		if reason == "" {
			reason = "Pairing rejected by initiator"
		}
		m.FailSession(msg.SessionID, reason)
		return nil
	}

	m.mu.RLock()
	code, hasCode := m.codes[msg.SessionID]
	m.mu.RUnlock()
	if !hasCode {
		return fmt.Errorf("%w: %s", ErrNoCode, msg.SessionID)
	}

	m.mu.Lock()
	s, ok := m.sessions[msg.SessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, msg.SessionID)
	}
	if s.State.Kind != StateResponsePending && s.State.Kind != StateResponseSent {
		m.mu.Unlock()
		return fmt.Errorf("%w: got Complete in %s", ErrWrongState, s.State.Kind)
	}
	if s.RemoteDeviceInfo == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: no remote device info for %s", ErrWrongState, msg.SessionID)
	}
	old := s.State.Kind.String()
	info := *s.RemoteDeviceInfo
	remotePublicKey := append([]byte(nil), s.RemotePublicKey...)
	s.SharedSecret = code.Secret()
	s.State = State{Kind: StateCompleted}
	s.UpdatedAt = time.Now()
	m.mu.Unlock()

	m.emitState(msg.SessionID, old, StateCompleted.String(), "")
	if err := m.persist(); err != nil {
		m.logError("persist after completion", err)
	}

	if err := m.storeDirectPairing(code.Secret(), info, remotePublicKey, false); err != nil {
		m.FailSession(msg.SessionID, fmt.Sprintf("Failed to store pairing: %v", err))
		return err
	}

	if m.hook != nil {
		m.hook.PairingCompleted(msg.SessionID, info, remotePublicKey)
	}
	return nil
}

// storeDirectPairing derives the direct session keys and records the
// remote as a trusted, directly paired device. The initiator keeps the
// derived view; the joiner keeps the mirror-swapped view.
func (m *Machine) storeDirectPairing(secret []byte, remote device.DeviceInfo, remotePublicKey []byte, isInitiator bool) error {
	local := m.registry.LocalDevice()

	initiatorID, joinerID := local.DeviceID, remote.DeviceID
	if !isInitiator {
		initiatorID, joinerID = remote.DeviceID, local.DeviceID
	}

	initiatorKeys, joinerKeys, err := DeriveDirectSessionKeys(secret, initiatorID, joinerID)
	if err != nil {
		return err
	}
	keys := initiatorKeys
	if !isInitiator {
		keys = joinerKeys
	}

	// On this transport the remote's public key is also its node identity:
	// the PairingRequest carries the joiner's, while the joiner learned the
	// initiator's from the authenticated stream.
	if len(remotePublicKey) == 0 {
		return fmt.Errorf("%w: missing remote public key", ErrWrongState)
	}

	return m.registry.CompletePairing(device.CompletedPairing{
		Info:        remote,
		PublicKey:   remotePublicKey,
		SessionKeys: keys,
		TrustLevel:  device.TrustTrusted,
		PairingType: device.PairingDirect,
	})
}
