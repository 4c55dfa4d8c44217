package service

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/spacedrive/meshpair-go/pkg/config"
	"github.com/spacedrive/meshpair-go/pkg/device"
	"github.com/spacedrive/meshpair-go/pkg/event"
	"github.com/spacedrive/meshpair-go/pkg/identity"
	"github.com/spacedrive/meshpair-go/pkg/log"
	"github.com/spacedrive/meshpair-go/pkg/pairing"
	"github.com/spacedrive/meshpair-go/pkg/transport"
	"github.com/spacedrive/meshpair-go/pkg/vouching"
	"github.com/spacedrive/meshpair-go/pkg/vouchqueue"
	"github.com/spacedrive/meshpair-go/pkg/wire"
)

// NodeConfig configures a pairing node.
type NodeConfig struct {
	// DataDir is where the session snapshot and the vouch queue live.
	// Empty disables persistence.
	DataDir string

	// Proxy is the proxy pairing configuration; zero value means
	// defaults.
	Proxy config.ProxyPairingConfig

	// Timing overrides. Zero values fall back to package defaults.
	DriverTick                time.Duration
	CleanupTick               time.Duration
	QueueDrainTick            time.Duration
	SessionTimeout            time.Duration
	ScanningTimeout           time.Duration
	CodeTTL                   time.Duration
	CompletedSessionRetention time.Duration

	Logger log.Logger
	Bus    event.Bus
}

// Node owns one device's pairing subsystem: the state machine, the
// vouching session manager, the durable vouch queue, and the protocol
// dispatcher registered on the transport.
type Node struct {
	identity  *identity.Identity
	registry  device.Registry
	transport transport.Transport
	machine   *pairing.Machine
	manager   *vouching.Manager
	queue     *vouchqueue.Queue
	handler   *Handler
	logger    log.Logger
}

// NewNode wires a pairing node over the given collaborators and registers
// its stream handler on the transport.
func NewNode(id *identity.Identity, registry device.Registry, tr transport.Transport, cfg NodeConfig) (*Node, error) {
	var queue *vouchqueue.Queue
	snapshotPath := ""
	if cfg.DataDir != "" {
		var err error
		queue, err = vouchqueue.Open(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open vouch queue: %w", err)
		}
		snapshotPath = filepath.Join(cfg.DataDir, "pairing_sessions.json")
	}

	machine := pairing.NewMachine(registry, tr, pairing.MachineConfig{
		LocalPublicKey:  id.PublicKey(),
		SnapshotPath:    snapshotPath,
		CodeTTL:         cfg.CodeTTL,
		SessionTimeout:  cfg.SessionTimeout,
		ScanningTimeout: cfg.ScanningTimeout,
		DriverTick:      cfg.DriverTick,
		CleanupTick:     cfg.CleanupTick,
		Logger:          cfg.Logger,
	})

	manager := vouching.NewManager(id, registry, tr, machine, queue, vouching.ManagerConfig{
		Proxy:                     cfg.Proxy,
		QueueDrainTick:            cfg.QueueDrainTick,
		CompletedSessionRetention: cfg.CompletedSessionRetention,
		Logger:                    cfg.Logger,
		Bus:                       cfg.Bus,
	})
	machine.SetCompletionHook(manager)

	handler := NewHandler(machine, manager, cfg.Logger)
	tr.SetStreamHandler(transport.ProtocolPairing, handler)

	return &Node{
		identity:  id,
		registry:  registry,
		transport: tr,
		machine:   machine,
		manager:   manager,
		queue:     queue,
		handler:   handler,
		logger:    log.OrNoop(cfg.Logger),
	}, nil
}

// Start resumes persisted sessions, prunes long-expired queue entries,
// and launches the periodic tasks.
func (n *Node) Start() error {
	if _, err := n.machine.LoadPersistedSessions(); err != nil {
		return err
	}
	if n.queue != nil {
		// Entries that expired while the process was down have no session
		// left to report to; drop them wholesale.
		if _, err := n.queue.RemoveExpired(time.Now()); err != nil {
			return err
		}
	}
	n.machine.Start()
	n.manager.Start()
	return nil
}

// Stop halts the periodic tasks and closes the durable queue.
func (n *Node) Stop() error {
	n.machine.Stop()
	n.manager.Stop()
	n.transport.SetStreamHandler(transport.ProtocolPairing, nil)
	if n.queue != nil {
		return n.queue.Close()
	}
	return nil
}

// StartPairing opens a pairing session as initiator. The returned code is
// displayed to the user; the session id is advertised for the joiner.
func (n *Node) StartPairing() (uuid.UUID, pairing.Code, error) {
	return n.machine.StartSession()
}

// JoinPairing joins an initiator's session: it registers the local
// session with the transcribed code and sends the opening PairingRequest
// to the initiator's node.
func (n *Node) JoinPairing(sessionID uuid.UUID, code pairing.Code, initiator identity.NodeID) error {
	if err := n.machine.JoinSession(sessionID, code); err != nil {
		return err
	}
	req, err := n.machine.PairingRequestFor(sessionID)
	if err != nil {
		return err
	}
	data, err := wire.Encode(req)
	if err != nil {
		return err
	}
	if err := n.transport.Send(initiator, transport.ProtocolPairing, data); err != nil {
		n.machine.FailSession(sessionID, fmt.Sprintf("Failed to send pairing request: %v", err))
		return err
	}
	return nil
}

// CancelPairing cancels an active pairing session.
func (n *Node) CancelPairing(sessionID uuid.UUID) error {
	return n.machine.CancelSession(sessionID)
}

// PairingSession returns a snapshot of one pairing session.
func (n *Node) PairingSession(sessionID uuid.UUID) (pairing.Session, bool) {
	return n.machine.Session(sessionID)
}

// NodeDisconnected tells the subsystem a remote node went away: active
// pairing sessions bound to it are dropped. Call it from the transport's
// connectivity notifications.
func (n *Node) NodeDisconnected(node identity.NodeID) {
	n.machine.NodeDisconnected(node)
	if deviceID, ok := n.registry.DeviceForNode(node); ok {
		n.machine.DeviceDisconnected(deviceID)
	}
}

// StartProxyVouching vouches the session's vouchee to the given targets.
func (n *Node) StartProxyVouching(sessionID uuid.UUID, targets []uuid.UUID) (vouching.Session, error) {
	return n.manager.StartProxyVouching(sessionID, targets)
}

// ConfirmProxyPairing resolves a pending proxy confirmation.
func (n *Node) ConfirmProxyPairing(sessionID uuid.UUID, accepted bool) error {
	return n.manager.ConfirmProxyPairing(sessionID, accepted)
}

// VouchingSession returns a snapshot of one vouching session.
func (n *Node) VouchingSession(sessionID uuid.UUID) (vouching.Session, bool) {
	return n.manager.VouchingSession(sessionID)
}

// SetProxyConfig replaces the proxy pairing configuration at runtime.
func (n *Node) SetProxyConfig(cfg config.ProxyPairingConfig) {
	n.manager.SetConfig(cfg)
}

// Identity returns the node's long-term identity.
func (n *Node) Identity() *identity.Identity {
	return n.identity
}

// Registry returns the node's device registry.
func (n *Node) Registry() device.Registry {
	return n.registry
}

// Machine returns the pairing state machine (for diagnostics and tests).
func (n *Node) Machine() *pairing.Machine {
	return n.machine
}

// Manager returns the vouching session manager (for diagnostics and
// tests).
func (n *Node) Manager() *vouching.Manager {
	return n.manager
}
