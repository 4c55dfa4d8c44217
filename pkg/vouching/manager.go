package vouching

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
	"github.com/spacedrive/meshpair-go/pkg/event"
	"github.com/spacedrive/meshpair-go/pkg/identity"
	"github.com/spacedrive/meshpair-go/pkg/log"
	"github.com/spacedrive/meshpair-go/pkg/pairing"
	"github.com/spacedrive/meshpair-go/pkg/transport"
	"github.com/spacedrive/meshpair-go/pkg/vouchqueue"
	"github.com/spacedrive/meshpair-go/pkg/wire"
)

// Manager errors.
var (
	ErrSessionNotFound       = errors.New("vouching session not found")
	ErrPairingNotCompleted   = errors.New("pairing session is not completed")
	ErrMissingVoucheeInfo    = errors.New("missing vouchee device info")
	ErrNoPendingConfirmation = errors.New("no pending proxy confirmation found")
)

// Vouch rejection reasons surfaced to users.
const (
	reasonInvalidTarget      = "Invalid vouch target"
	reasonTargetNotPaired    = "Target device not paired"
	reasonVouchExpired       = "Vouch expired"
	reasonRetryLimit         = "Vouch retry limit exceeded"
	reasonResponseTimeout    = "Proxy response timeout"
	reasonDefaultRejected    = "Vouch rejected"
	reasonUserRejected       = "User rejected proxy pairing"
	reasonConfirmTimeout     = "Proxy confirmation timed out"
	reasonVoucherMismatch    = "Voucher node mismatch"
	reasonVoucherNotPaired   = "Voucher not paired"
	reasonInvalidSignature   = "Invalid voucher signature"
	reasonSignatureExpired   = "Vouch signature expired"
	reasonAlreadyPaired      = "Device already paired"
	reasonVoucherNotTrusted  = "Voucher not trusted for proxy pairing"
	reasonInvalidSessionKeys = "Invalid session keys"
)

// SessionSource is the view of the pairing state machine the manager
// consumes. *pairing.Machine satisfies it.
type SessionSource interface {
	Session(sessionID uuid.UUID) (pairing.Session, bool)
	SharedSecretFor(sessionID uuid.UUID) ([]byte, error)
}

// keyRef addresses one cached key pair.
type keyRef struct {
	sessionID uuid.UUID
	deviceID  uuid.UUID
}

// pendingConfirmation is a vouch awaiting the local user's decision.
type pendingConfirmation struct {
	sessionID          uuid.UUID
	voucherDeviceID    uuid.UUID
	voucherDeviceName  string
	voucheeDeviceInfo  device.DeviceInfo
	voucheePublicKey   []byte
	proxiedSessionKeys device.SessionKeys
	createdAt          time.Time
	timer              *time.Timer
}

// ManagerConfig carries the manager's optional knobs.
type ManagerConfig struct {
	// Proxy is the proxy pairing configuration. Zero value means defaults.
	Proxy config.ProxyPairingConfig

	// QueueDrainTick is the drainer interval.
	QueueDrainTick time.Duration

	// CompletedSessionRetention is how long a completed session stays
	// queryable before in-memory cleanup.
	CompletedSessionRetention time.Duration

	// QueueEntryTTL is the lifetime of a queue entry.
	QueueEntryTTL time.Duration

	Logger log.Logger
	Bus    event.Bus
}

// Manager owns the vouching sessions, the in-memory session-key cache, and
// the pending proxy confirmations. Lock order: sessions before keys; a
// network send never happens under either.
type Manager struct {
	identity *identity.Identity
	registry device.Registry
	sender   transport.Sender
	source   SessionSource
	queue    *vouchqueue.Queue
	logger   log.Logger
	bus      event.Bus

	cfgMu sync.RWMutex
	cfg   config.ProxyPairingConfig

	sessionsMu sync.RWMutex
	sessions   map[uuid.UUID]*Session

	keysMu sync.Mutex
	keys   map[keyRef]device.SessionKeys

	pendingMu sync.Mutex
	pending   map[uuid.UUID]*pendingConfirmation

	cleanupMu sync.Mutex
	cleanups  map[uuid.UUID]*time.Timer

	drainTick time.Duration
	retention time.Duration
	entryTTL  time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewManager creates a vouching session manager. queue may be nil to run
// without durable offline delivery.
func NewManager(id *identity.Identity, registry device.Registry, sender transport.Sender, source SessionSource, queue *vouchqueue.Queue, cfg ManagerConfig) *Manager {
	m := &Manager{
		identity:  id,
		registry:  registry,
		sender:    sender,
		source:    source,
		queue:     queue,
		logger:    log.OrNoop(cfg.Logger),
		bus:       event.OrNoop(cfg.Bus),
		cfg:       cfg.Proxy,
		sessions:  make(map[uuid.UUID]*Session),
		keys:      make(map[keyRef]device.SessionKeys),
		pending:   make(map[uuid.UUID]*pendingConfirmation),
		cleanups:  make(map[uuid.UUID]*time.Timer),
		drainTick: cfg.QueueDrainTick,
		retention: cfg.CompletedSessionRetention,
		entryTTL:  cfg.QueueEntryTTL,
	}
	if m.cfg == (config.ProxyPairingConfig{}) {
		m.cfg = config.Default()
	}
	if m.drainTick <= 0 {
		m.drainTick = config.DefaultQueueDrainTick
	}
	if m.retention <= 0 {
		m.retention = config.DefaultCompletedSessionRetention
	}
	if m.entryTTL <= 0 {
		m.entryTTL = config.DefaultVouchQueueEntryTTL
	}
	return m
}

// SetConfig replaces the proxy pairing configuration.
func (m *Manager) SetConfig(cfg config.ProxyPairingConfig) {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	m.cfg = cfg
}

// Config returns the current proxy pairing configuration.
func (m *Manager) Config() config.ProxyPairingConfig {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// Start launches the queue drainer tick.
func (m *Manager) Start() {
	if m.running.Swap(true) {
		return
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.drainTick)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				if err := m.ProcessQueue(); err != nil {
					m.logError("vouching queue drain", err)
				}
			}
		}
	}()
}

// Stop halts the drainer and cancels outstanding timers.
func (m *Manager) Stop() {
	if !m.running.Swap(false) {
		return
	}
	m.cancel()
	m.wg.Wait()

	m.pendingMu.Lock()
	for id, p := range m.pending {
		p.timer.Stop()
		delete(m.pending, id)
	}
	m.pendingMu.Unlock()

	m.cleanupMu.Lock()
	for id, t := range m.cleanups {
		t.Stop()
		delete(m.cleanups, id)
	}
	m.cleanupMu.Unlock()
}

// VouchingSession returns a snapshot of one session. Completed sessions
// remain queryable for the retention window.
func (m *Manager) VouchingSession(sessionID uuid.UUID) (Session, bool) {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// VouchingSessions returns snapshots of all live sessions.
func (m *Manager) VouchingSessions() []Session {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.clone())
	}
	return out
}

// PairingCompleted implements the pairing machine's completion hook: a
// fresh direct pairing makes its remote device eligible for vouching.
func (m *Manager) PairingCompleted(sessionID uuid.UUID, vouchee device.DeviceInfo, voucheePublicKey []byte) {
	if err := m.CreateVouchingSession(sessionID, vouchee); err != nil {
		m.logError("create vouching session", err)
	}
}

// Compile-time check: the manager is a pairing completion hook.
var _ pairing.CompletionHook = (*Manager)(nil)

// CreateVouchingSession creates a Pending session for a completed direct
// pairing and announces it. With auto_vouch_to_all set, vouching starts
// immediately toward every other paired device.
func (m *Manager) CreateVouchingSession(sessionID uuid.UUID, vouchee device.DeviceInfo) error {
	voucherDeviceID := m.registry.LocalDevice().DeviceID

	session := &Session{
		ID:                sessionID,
		VoucheeDeviceID:   vouchee.DeviceID,
		VoucheeDeviceName: vouchee.DeviceName,
		VoucherDeviceID:   voucherDeviceID,
		CreatedAt:         time.Now(),
		State:             StatePending,
	}

	m.sessionsMu.Lock()
	m.sessions[sessionID] = session
	snapshot := session.clone()
	m.sessionsMu.Unlock()

	m.emitSessionChanged(snapshot)
	m.bus.Emit(event.Event{
		Kind: event.KindVouchingReady,
		VouchingReady: &event.VouchingReady{
			SessionID:       sessionID,
			VoucheeDeviceID: vouchee.DeviceID,
		},
	})

	if m.Config().AutoVouchToAll {
		var targets []uuid.UUID
		for _, d := range m.registry.PairedDevices() {
			id := d.Info.DeviceID
			if id != voucherDeviceID && id != vouchee.DeviceID {
				targets = append(targets, id)
			}
		}
		if len(targets) > 0 {
			if _, err := m.StartProxyVouching(sessionID, targets); err != nil {
				m.logError(fmt.Sprintf("auto vouch session %s", sessionID), err)
			}
		}
	}

	return nil
}

// StartProxyVouching fans a vouch for the session's vouchee out to the
// given targets. The originating pairing session must be Completed.
func (m *Manager) StartProxyVouching(sessionID uuid.UUID, targetDeviceIDs []uuid.UUID) (Session, error) {
	pairingSession, ok := m.source.Session(sessionID)
	if !ok {
		return Session{}, fmt.Errorf("%w: pairing session %s", ErrSessionNotFound, sessionID)
	}
	if pairingSession.State.Kind != pairing.StateCompleted {
		return Session{}, fmt.Errorf("%w: %s is %s", ErrPairingNotCompleted, sessionID, pairingSession.State.Kind)
	}
	if pairingSession.RemoteDeviceInfo == nil || len(pairingSession.RemotePublicKey) == 0 {
		return Session{}, ErrMissingVoucheeInfo
	}
	voucheeInfo := *pairingSession.RemoteDeviceInfo
	voucheePublicKey := append([]byte(nil), pairingSession.RemotePublicKey...)

	baseSecret := pairingSession.SharedSecret
	if len(baseSecret) == 0 {
		var err error
		baseSecret, err = m.source.SharedSecretFor(sessionID)
		if err != nil {
			return Session{}, err
		}
	}

	voucherDeviceID := m.registry.LocalDevice().DeviceID
	now := time.Now()

	// Seed one Selected vouch per target.
	initialVouches := make([]VouchState, 0, len(targetDeviceIDs))
	for _, targetID := range targetDeviceIDs {
		name := "Unknown device"
		if rec, ok := m.registry.PairedDevice(targetID); ok {
			name = rec.Info.DeviceName
		}
		initialVouches = append(initialVouches, VouchState{
			DeviceID:   targetID,
			DeviceName: name,
			Status:     VouchSelected,
			UpdatedAt:  now,
		})
	}

	m.sessionsMu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		session = &Session{
			ID:                sessionID,
			VoucheeDeviceID:   voucheeInfo.DeviceID,
			VoucheeDeviceName: voucheeInfo.DeviceName,
			VoucherDeviceID:   voucherDeviceID,
			CreatedAt:         now,
		}
		m.sessions[sessionID] = session
	}
	session.State = StateInProgress
	session.Vouches = initialVouches
	snapshot := session.clone()
	m.sessionsMu.Unlock()

	m.emitSessionChanged(snapshot)

	if len(targetDeviceIDs) == 0 {
		m.sessionsMu.Lock()
		if session, ok := m.sessions[sessionID]; ok {
			session.State = StateCompleted
			snapshot = session.clone()
		}
		m.sessionsMu.Unlock()
		m.emitSessionChanged(snapshot)
		m.finalizeSession(sessionID)
		return snapshot, nil
	}

	for _, targetID := range targetDeviceIDs {
		if targetID == voucherDeviceID || targetID == voucheeInfo.DeviceID {
			m.updateVouchStatus(sessionID, targetID, VouchRejected, reasonInvalidTarget)
			continue
		}

		if _, paired := m.registry.PairedDevice(targetID); !paired {
			m.updateVouchStatus(sessionID, targetID, VouchRejected, reasonTargetNotPaired)
			continue
		}

		timestamp := time.Now().UTC()
		payload := BuildPayload(sessionID, voucheeInfo, voucheePublicKey, timestamp)
		signature, err := payload.Sign(m.identity)
		if err != nil {
			m.updateVouchStatus(sessionID, targetID, VouchRejected, fmt.Sprintf("Failed to sign vouch: %v", err))
			continue
		}

		receiverKeys, voucheeKeys, err := DeriveProxySessionKeys(voucherDeviceID, targetID, voucheeInfo.DeviceID, voucheePublicKey, baseSecret)
		if err != nil {
			m.updateVouchStatus(sessionID, targetID, VouchRejected, fmt.Sprintf("Failed to derive session keys: %v", err))
			continue
		}

		// The finalization phase reports these to the vouchee.
		m.keysMu.Lock()
		m.keys[keyRef{sessionID, targetID}] = voucheeKeys
		m.keysMu.Unlock()

		entry := &vouchqueue.Entry{
			SessionID:          sessionID,
			TargetDeviceID:     targetID,
			VoucherDeviceID:    voucherDeviceID,
			VoucheeDeviceID:    voucheeInfo.DeviceID,
			VoucheeDeviceInfo:  voucheeInfo,
			VoucheePublicKey:   voucheePublicKey,
			VoucherSignature:   signature,
			ProxiedSessionKeys: receiverKeys,
			CreatedAt:          timestamp,
			ExpiresAt:          timestamp.Add(m.entryTTL),
			Status:             vouchqueue.StatusQueued,
			RetryCount:         0,
		}
		if m.queue != nil {
			if err := m.queue.UpsertEntry(entry); err != nil {
				m.logError("queue upsert", err)
			} else {
				m.emitQueueOp("upsert", targetID, 0)
			}
		}

		sentNow := false
		if m.registry.IsDeviceConnected(targetID) {
			if node, ok := m.registry.NodeForDevice(targetID); ok {
				request := &wire.ProxyPairingRequest{
					SessionID:          sessionID,
					VoucheeDeviceInfo:  voucheeInfo,
					VoucheePublicKey:   voucheePublicKey,
					VoucherDeviceID:    voucherDeviceID,
					VoucherSignature:   signature,
					Timestamp:          timestamp,
					ProxiedSessionKeys: receiverKeys,
				}
				if err := m.sendMessage(node, request); err != nil {
					m.logError(fmt.Sprintf("send proxy pairing request to %s", targetID), err)
				} else {
					sentNow = true
				}
			}
		}

		if sentNow {
			if m.queue != nil {
				attempt := time.Now()
				if err := m.queue.UpdateStatus(sessionID, targetID, vouchqueue.StatusWaiting, 1, &attempt); err != nil {
					m.logError("queue update", err)
				}
			}
			m.updateVouchStatus(sessionID, targetID, VouchWaiting, "")
		} else {
			m.updateVouchStatus(sessionID, targetID, VouchQueued, "")
		}
	}

	snapshot, ok = m.VouchingSession(sessionID)
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return snapshot, nil
}

// updateVouchStatus transitions one vouch and, when every vouch is
// terminal, completes and finalizes the session. Terminal rejections drop
// the cached vouchee keys. Sessions lock is taken strictly before keys.
func (m *Manager) updateVouchStatus(sessionID, deviceID uuid.UUID, status VouchStatus, reason string) {
	m.sessionsMu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		m.sessionsMu.Unlock()
		m.logError("update vouch status", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID))
		return
	}

	now := time.Now()
	found := false
	var oldStatus string
	for i := range session.Vouches {
		if session.Vouches[i].DeviceID == deviceID {
			// Terminal vouches never regress: a response racing the
			// drainer (or a late redelivery) loses to whichever terminal
			// transition landed first.
			if session.Vouches[i].Status.IsTerminal() {
				m.sessionsMu.Unlock()
				return
			}
			oldStatus = session.Vouches[i].Status.String()
			session.Vouches[i].Status = status
			session.Vouches[i].Reason = reason
			session.Vouches[i].UpdatedAt = now
			found = true
			break
		}
	}
	if !found {
		session.Vouches = append(session.Vouches, VouchState{
			DeviceID:   deviceID,
			DeviceName: "Unknown device",
			Status:     status,
			UpdatedAt:  now,
			Reason:     reason,
		})
	}

	completed := false
	if session.allTerminal() && session.State != StateCompleted {
		session.State = StateCompleted
		completed = true
	}
	snapshot := session.clone()
	m.sessionsMu.Unlock()

	if status == VouchRejected || status == VouchUnreachable {
		m.keysMu.Lock()
		delete(m.keys, keyRef{sessionID, deviceID})
		m.keysMu.Unlock()
	}

	m.emitVouchState(sessionID, deviceID, oldStatus, status, reason)
	m.emitSessionChanged(snapshot)

	if completed {
		m.finalizeSession(sessionID)
	}
}

// finalizeSession builds the completion report and sends it to the
// vouchee, then purges this session's cached keys and schedules in-memory
// cleanup after the retention window.
func (m *Manager) finalizeSession(sessionID uuid.UUID) {
	m.sessionsMu.RLock()
	session, ok := m.sessions[sessionID]
	var snapshot Session
	if ok {
		snapshot = session.clone()
	}
	m.sessionsMu.RUnlock()
	if !ok {
		m.logError("finalize", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID))
		return
	}

	var accepted []wire.AcceptedDevice
	var rejected []wire.RejectedDevice

	for _, vouch := range snapshot.Vouches {
		switch vouch.Status {
		case VouchAccepted:
			rec, hasInfo := m.registry.PairedDevice(vouch.DeviceID)

			m.keysMu.Lock()
			voucheeKeys, hasKeys := m.keys[keyRef{sessionID, vouch.DeviceID}]
			m.keysMu.Unlock()

			if hasInfo && hasKeys {
				accepted = append(accepted, wire.AcceptedDevice{
					DeviceInfo:  rec.Info,
					SessionKeys: voucheeKeys,
				})
			} else {
				m.logError("finalize", fmt.Errorf("missing device info or keys for accepted device %s", vouch.DeviceID))
			}
		case VouchRejected, VouchUnreachable:
			reason := vouch.Reason
			if reason == "" {
				reason = reasonDefaultRejected
			}
			rejected = append(rejected, wire.RejectedDevice{
				DeviceID:   vouch.DeviceID,
				DeviceName: vouch.DeviceName,
				Reason:     reason,
			})
		}
	}

	if node, ok := m.registry.NodeForDevice(snapshot.VoucheeDeviceID); ok && m.registry.IsDeviceConnected(snapshot.VoucheeDeviceID) {
		msg := &wire.ProxyPairingComplete{
			SessionID:       sessionID,
			VoucherDeviceID: snapshot.VoucherDeviceID,
			AcceptedBy:      accepted,
			RejectedBy:      rejected,
		}
		if err := m.sendMessage(node, msg); err != nil {
			m.logError("send proxy pairing completion", err)
		}
	} else {
		m.logError("finalize", fmt.Errorf("vouchee %s unreachable, cannot send completion", snapshot.VoucheeDeviceID))
	}

	m.keysMu.Lock()
	for ref := range m.keys {
		if ref.sessionID == sessionID {
			delete(m.keys, ref)
		}
	}
	m.keysMu.Unlock()

	m.scheduleCleanup(sessionID)
}

// scheduleCleanup removes a completed session after the retention window
// so a UI can still display the outcome meanwhile.
func (m *Manager) scheduleCleanup(sessionID uuid.UUID) {
	m.cleanupMu.Lock()
	defer m.cleanupMu.Unlock()

	if t, ok := m.cleanups[sessionID]; ok {
		t.Stop()
	}
	m.cleanups[sessionID] = time.AfterFunc(m.retention, func() {
		m.sessionsMu.Lock()
		delete(m.sessions, sessionID)
		m.sessionsMu.Unlock()

		m.keysMu.Lock()
		for ref := range m.keys {
			if ref.sessionID == sessionID {
				delete(m.keys, ref)
			}
		}
		m.keysMu.Unlock()

		m.cleanupMu.Lock()
		delete(m.cleanups, sessionID)
		m.cleanupMu.Unlock()

		m.bus.Emit(event.Event{
			Kind:         event.KindResourceDeleted,
			ResourceType: event.ResourceVouchingSession,
			ResourceID:   sessionID,
		})
	})
}

// sendMessage encodes and sends one message, fire-and-forget.
func (m *Manager) sendMessage(node identity.NodeID, msg wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	if err := m.sender.Send(node, transport.ProtocolPairing, data); err != nil {
		return err
	}
	m.logger.Log(log.Event{
		Timestamp: time.Now(),
		NodeID:    node.String(),
		SessionID: msg.Session().String(),
		Direction: log.DirectionOut,
		Layer:     log.LayerWire,
		Category:  log.CategoryMessage,
		Message:   &log.MessageEvent{Variant: msg.Variant(), Size: len(data)},
	})
	return nil
}

// emitSessionChanged publishes a session snapshot on the event bus.
func (m *Manager) emitSessionChanged(snapshot Session) {
	m.bus.Emit(event.Event{
		Kind:         event.KindResourceChanged,
		ResourceType: event.ResourceVouchingSession,
		Payload:      snapshot,
	})
}

// emitVouchState logs a per-target vouch transition.
func (m *Manager) emitVouchState(sessionID, deviceID uuid.UUID, oldStatus string, status VouchStatus, reason string) {
	m.logger.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: sessionID.String(),
		Direction: log.DirectionLocal,
		Layer:     log.LayerVouching,
		Category:  log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:         log.StateEntityVouch,
			TargetDeviceID: deviceID.String(),
			OldState:       oldStatus,
			NewState:       status.String(),
			Reason:         reason,
		},
	})
}

// emitQueueOp logs queue activity.
func (m *Manager) emitQueueOp(op string, targetID uuid.UUID, retryCount uint32) {
	m.logger.Log(log.Event{
		Timestamp: time.Now(),
		Direction: log.DirectionLocal,
		Layer:     log.LayerQueue,
		Category:  log.CategoryQueue,
		Queue: &log.QueueEvent{
			Op:             op,
			TargetDeviceID: targetID.String(),
			RetryCount:     retryCount,
		},
	})
}

// logError logs a background error.
func (m *Manager) logError(context string, err error) {
	m.logger.Log(log.Event{
		Timestamp: time.Now(),
		Direction: log.DirectionLocal,
		Layer:     log.LayerVouching,
		Category:  log.CategoryError,
		Error: &log.ErrorEventData{
			Layer:   log.LayerVouching,
			Message: err.Error(),
			Context: context,
		},
	})
}
