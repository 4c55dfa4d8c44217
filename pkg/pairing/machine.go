package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/spacedrive/meshpair-go/pkg/config"
	"github.com/spacedrive/meshpair-go/pkg/device"
	"github.com/spacedrive/meshpair-go/pkg/identity"
	"github.com/spacedrive/meshpair-go/pkg/log"
	"github.com/spacedrive/meshpair-go/pkg/transport"
	"github.com/spacedrive/meshpair-go/pkg/wire"
)

// Machine errors.
var (
	ErrSessionNotFound = errors.New("pairing session not found")
	ErrSessionExists   = errors.New("pairing session already exists")
	ErrWrongState      = errors.New("pairing session in wrong state")
	ErrNoCode          = errors.New("no pairing code for session")
)

// CompletionHook receives successfully completed direct pairings. The
// vouching session manager implements it; the machine itself never decides
// whether to vouch.
type CompletionHook interface {
	PairingCompleted(sessionID uuid.UUID, vouchee device.DeviceInfo, voucheePublicKey []byte)
}

// MachineConfig carries the machine's collaborators and timing knobs.
// Zero durations fall back to the package defaults.
type MachineConfig struct {
	// LocalPublicKey is the local identity's public key, sent in
	// PairingRequests.
	LocalPublicKey []byte

	// SnapshotPath enables session persistence when non-empty.
	SnapshotPath string

	CodeTTL         time.Duration
	SessionTimeout  time.Duration
	ScanningTimeout time.Duration
	DriverTick      time.Duration
	CleanupTick     time.Duration

	// TerminalGrace is how long Completed/Failed sessions stay visible
	// before the cleanup tick removes them.
	TerminalGrace time.Duration

	Logger log.Logger
}

// Machine owns the active pairing sessions and drives their state
// transitions. All mutable state sits behind one read/write lock; network
// sends never happen under it.
type Machine struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	codes    map[uuid.UUID]Code

	registry device.Registry
	sender   transport.Sender
	store    *SessionStore
	logger   log.Logger
	hook     CompletionHook

	localPublicKey []byte

	codeTTL         time.Duration
	sessionTimeout  time.Duration
	scanningTimeout time.Duration
	driverTick      time.Duration
	cleanupTick     time.Duration
	terminalGrace   time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// DefaultTerminalGrace keeps terminal sessions visible for observers
// before cleanup removes them.
const DefaultTerminalGrace = time.Minute

// NewMachine creates a pairing state machine.
func NewMachine(registry device.Registry, sender transport.Sender, cfg MachineConfig) *Machine {
	m := &Machine{
		sessions:        make(map[uuid.UUID]*Session),
		codes:           make(map[uuid.UUID]Code),
		registry:        registry,
		sender:          sender,
		logger:          log.OrNoop(cfg.Logger),
		localPublicKey:  cfg.LocalPublicKey,
		codeTTL:         cfg.CodeTTL,
		sessionTimeout:  cfg.SessionTimeout,
		scanningTimeout: cfg.ScanningTimeout,
		driverTick:      cfg.DriverTick,
		cleanupTick:     cfg.CleanupTick,
		terminalGrace:   cfg.TerminalGrace,
	}
	if cfg.SnapshotPath != "" {
		m.store = NewSessionStore(cfg.SnapshotPath)
	}
	if m.codeTTL <= 0 {
		m.codeTTL = config.DefaultPairingCodeTTL
	}
	if m.sessionTimeout <= 0 {
		m.sessionTimeout = config.DefaultSessionTimeout
	}
	if m.scanningTimeout <= 0 {
		m.scanningTimeout = config.DefaultScanningTimeout
	}
	if m.driverTick <= 0 {
		m.driverTick = config.DefaultStateMachineTick
	}
	if m.cleanupTick <= 0 {
		m.cleanupTick = config.DefaultCleanupTick
	}
	if m.terminalGrace <= 0 {
		m.terminalGrace = DefaultTerminalGrace
	}
	return m
}

// SetCompletionHook registers the hook invoked on successful completions.
// Must be called before the machine starts handling messages.
func (m *Machine) SetCompletionHook(hook CompletionHook) {
	m.hook = hook
}

// Start launches the driver and cleanup ticks.
func (m *Machine) Start() {
	if m.running.Swap(true) {
		return
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(2)
	go m.runTick(m.driverTick, func() {
		if err := m.ProcessStateTransitions(); err != nil {
			m.logError("state machine tick", err)
		}
	})
	go m.runTick(m.cleanupTick, func() {
		if _, err := m.CleanupExpiredSessions(); err != nil {
			m.logError("session cleanup", err)
		}
	})
}

// Stop halts the background ticks and waits for them to exit.
func (m *Machine) Stop() {
	if !m.running.Swap(false) {
		return
	}
	m.cancel()
	m.wg.Wait()
}

// runTick runs fn on a fixed interval until the machine stops.
func (m *Machine) runTick(interval time.Duration, fn func()) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// StartSession creates a new pairing session as initiator and generates its
// code. The caller advertises the session id and displays the code.
func (m *Machine) StartSession() (uuid.UUID, Code, error) {
	sessionID := uuid.New()
	code, err := GenerateCode(sessionID, m.codeTTL)
	if err != nil {
		return uuid.Nil, Code{}, err
	}
	if err := m.startSessionWithCode(sessionID, code, StateWaitingForConnection); err != nil {
		return uuid.Nil, Code{}, err
	}
	return sessionID, code, nil
}

// JoinSession joins an initiator's session with a transcribed code. The
// joiner starts in Scanning and sends a PairingRequest once connected.
func (m *Machine) JoinSession(sessionID uuid.UUID, code Code) error {
	if code.IsExpired() {
		return ErrCodeExpired
	}
	return m.startSessionWithCode(sessionID, code, StateScanning)
}

// startSessionWithCode inserts a fresh session and its code.
func (m *Machine) startSessionWithCode(sessionID uuid.UUID, code Code, kind StateKind) error {
	now := time.Now()

	m.mu.Lock()
	if existing, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s in state %s", ErrSessionExists, sessionID, existing.State.Kind)
	}
	m.sessions[sessionID] = &Session{
		ID:        sessionID,
		CreatedAt: now,
		UpdatedAt: now,
		State:     State{Kind: kind},
	}
	m.codes[sessionID] = code
	m.mu.Unlock()

	m.emitState(sessionID, "", kind.String(), "")
	return m.persist()
}

// PairingRequestFor builds the joiner's opening message for a session.
func (m *Machine) PairingRequestFor(sessionID uuid.UUID) (*wire.PairingRequest, error) {
	m.mu.RLock()
	_, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return &wire.PairingRequest{
		SessionID:  sessionID,
		DeviceInfo: m.registry.LocalDevice(),
		PublicKey:  append([]byte(nil), m.localPublicKey...),
	}, nil
}

// CancelSession removes a session and its code and persists the change.
func (m *Machine) CancelSession(sessionID uuid.UUID) error {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	delete(m.codes, sessionID)
	m.mu.Unlock()
	return m.persist()
}

// Session returns a snapshot of one session.
func (m *Machine) Session(sessionID uuid.UUID) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// ActiveSessions returns a snapshot of all active sessions.
func (m *Machine) ActiveSessions() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.clone())
	}
	return out
}

// Code returns the pairing code for a session.
func (m *Machine) Code(sessionID uuid.UUID) (Code, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.codes[sessionID]
	return c, ok
}

// SharedSecretFor returns the session's shared secret, re-deriving it from
// the pairing code if the session has not stored one yet.
func (m *Machine) SharedSecretFor(sessionID uuid.UUID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.sessions[sessionID]; ok && len(s.SharedSecret) > 0 {
		return append([]byte(nil), s.SharedSecret...), nil
	}
	if code, ok := m.codes[sessionID]; ok {
		return code.Secret(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoCode, sessionID)
}

// LoadPersistedSessions restores the snapshot taken before the last
// shutdown. Call once after construction, before Start.
func (m *Machine) LoadPersistedSessions() (int, error) {
	if m.store == nil {
		return 0, nil
	}
	snapshot, err := m.store.Load()
	if err != nil {
		return 0, fmt.Errorf("failed to load pairing sessions: %w", err)
	}
	if snapshot == nil {
		return 0, nil
	}

	m.mu.Lock()
	for i := range snapshot.Sessions {
		s := snapshot.Sessions[i]
		m.sessions[s.ID] = &s
	}
	for _, c := range snapshot.Codes {
		m.codes[c.SessionID] = c
	}
	count := len(snapshot.Sessions)
	m.mu.Unlock()

	return count, nil
}

// FailSession moves a session to Failed with the given reason.
// No-op for unknown or already-terminal sessions.
func (m *Machine) FailSession(sessionID uuid.UUID, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.State.IsTerminal() {
		m.mu.Unlock()
		return
	}
	old := s.State.Kind.String()
	s.State = State{Kind: StateFailed, Reason: reason}
	s.UpdatedAt = time.Now()
	m.mu.Unlock()

	m.emitState(sessionID, old, StateFailed.String(), reason)
	if err := m.persist(); err != nil {
		m.logError("persist after failure", err)
	}
}

// DeviceDisconnected drops active sessions bound to a disconnected device.
func (m *Machine) DeviceDisconnected(deviceID uuid.UUID) {
	m.dropSessions(func(s *Session) bool {
		return s.RemoteDeviceID != nil && *s.RemoteDeviceID == deviceID
	})
}

// NodeDisconnected drops active sessions bound to a node that went away.
// It catches in-flight sessions whose remote device never registered,
// where only the node identity is known.
func (m *Machine) NodeDisconnected(node identity.NodeID) {
	if node.IsZero() {
		return
	}
	m.dropSessions(func(s *Session) bool {
		return s.RemoteNodeID == node || s.State.RemoteNodeID == node
	})
}

// dropSessions removes non-terminal sessions matching the predicate,
// together with their codes, and persists the change.
func (m *Machine) dropSessions(match func(*Session) bool) {
	m.mu.Lock()
	removed := false
	for id, s := range m.sessions {
		if !s.State.IsTerminal() && match(s) {
			delete(m.sessions, id)
			delete(m.codes, id)
			removed = true
		}
	}
	m.mu.Unlock()

	if removed {
		if err := m.persist(); err != nil {
			m.logError("persist after disconnect", err)
		}
	}
}

// ProcessStateTransitions is the driver: the only state it advances
// autonomously is ResponsePending, dispatching the queued response bytes
// and moving to ResponseSent, or to Failed on a send error. It also times
// out sessions stuck in Scanning.
func (m *Machine) ProcessStateTransitions() error {
	type dispatch struct {
		sessionID uuid.UUID
		node      identity.NodeID
		data      []byte
	}

	now := time.Now()
	var dispatches []dispatch
	var timedOut []uuid.UUID

	// Collect work under the lock; never send while holding it.
	m.mu.Lock()
	for _, s := range m.sessions {
		switch s.State.Kind {
		case StateResponsePending:
			dispatches = append(dispatches, dispatch{
				sessionID: s.ID,
				node:      s.State.RemoteNodeID,
				data:      append([]byte(nil), s.State.ResponseData...),
			})
		case StateScanning:
			if now.Sub(s.CreatedAt) > m.scanningTimeout {
				timedOut = append(timedOut, s.ID)
			}
		}
	}
	m.mu.Unlock()

	for _, id := range timedOut {
		m.FailSession(id, "Scanning timeout")
	}

	if len(dispatches) == 0 {
		return nil
	}

	type outcome struct {
		sessionID uuid.UUID
		err       error
	}
	outcomes := make([]outcome, 0, len(dispatches))
	for _, d := range dispatches {
		outcomes = append(outcomes, outcome{sessionID: d.sessionID, err: m.sender.Send(d.node, transport.ProtocolPairing, d.data)})
	}

	mutated := false
	m.mu.Lock()
	for _, o := range outcomes {
		s, ok := m.sessions[o.sessionID]
		if !ok || s.State.Kind != StateResponsePending {
			continue
		}
		if o.err != nil {
			s.State = State{Kind: StateFailed, Reason: fmt.Sprintf("Failed to dispatch response: %v", o.err)}
		} else {
			s.State = State{Kind: StateResponseSent}
		}
		s.UpdatedAt = now
		mutated = true
	}
	m.mu.Unlock()

	for _, o := range outcomes {
		if o.err != nil {
			m.emitState(o.sessionID, StateResponsePending.String(), StateFailed.String(), o.err.Error())
		} else {
			m.emitState(o.sessionID, StateResponsePending.String(), StateResponseSent.String(), "")
		}
	}

	if mutated {
		return m.persist()
	}
	return nil
}

// CleanupExpiredSessions removes sessions past the session timeout
// regardless of state, and terminal sessions past the grace period, along
// with their codes. Returns the number removed.
func (m *Machine) CleanupExpiredSessions() (int, error) {
	now := time.Now()

	m.mu.Lock()
	var remove []uuid.UUID
	for id, s := range m.sessions {
		switch {
		case now.Sub(s.CreatedAt) > m.sessionTimeout:
			remove = append(remove, id)
		case s.State.IsTerminal() && now.Sub(s.UpdatedAt) > m.terminalGrace:
			remove = append(remove, id)
		}
	}
	for _, id := range remove {
		delete(m.sessions, id)
		delete(m.codes, id)
	}
	m.mu.Unlock()

	if len(remove) == 0 {
		return 0, nil
	}
	return len(remove), m.persist()
}

// persist snapshots the current sessions and codes to durable storage.
func (m *Machine) persist() error {
	if m.store == nil {
		return nil
	}

	m.mu.RLock()
	snapshot := &Snapshot{
		Sessions: make([]Session, 0, len(m.sessions)),
		Codes:    make([]Code, 0, len(m.codes)),
	}
	for _, s := range m.sessions {
		snapshot.Sessions = append(snapshot.Sessions, s.clone())
	}
	for _, c := range m.codes {
		snapshot.Codes = append(snapshot.Codes, c)
	}
	m.mu.RUnlock()

	if err := m.store.Save(snapshot); err != nil {
		return fmt.Errorf("failed to persist pairing sessions: %w", err)
	}
	return nil
}

// emitState logs a session state transition.
func (m *Machine) emitState(sessionID uuid.UUID, oldState, newState, reason string) {
	m.logger.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: sessionID.String(),
		Direction: log.DirectionLocal,
		Layer:     log.LayerPairing,
		Category:  log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityPairingSession,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}

// logError logs a background error.
func (m *Machine) logError(context string, err error) {
	m.logger.Log(log.Event{
		Timestamp: time.Now(),
		Direction: log.DirectionLocal,
		Layer:     log.LayerPairing,
		Category:  log.CategoryError,
		Error: &log.ErrorEventData{
			Layer:   log.LayerPairing,
			Message: err.Error(),
			Context: context,
		},
	})
}
