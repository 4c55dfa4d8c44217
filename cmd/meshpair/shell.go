package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"

	"github.com/spacedrive/meshpair-go/pkg/config"
	"github.com/spacedrive/meshpair-go/pkg/device"
	"github.com/spacedrive/meshpair-go/pkg/event"
	"github.com/spacedrive/meshpair-go/pkg/identity"
	pkglog "github.com/spacedrive/meshpair-go/pkg/log"
	"github.com/spacedrive/meshpair-go/pkg/pairing"
	"github.com/spacedrive/meshpair-go/pkg/service"
	"github.com/spacedrive/meshpair-go/pkg/transport"
)

// demoNode is one simulated device in the shell.
type demoNode struct {
	name      string
	id        *identity.Identity
	node      *service.Node
	registry  *service.MeshRegistry
	transport *transport.MemoryTransport
	bus       *event.ChanBus
	dataDir   string
}

// shell drives the interactive mesh.
type shell struct {
	rl       *readline.Instance
	mesh     *transport.Mesh
	proxyCfg config.ProxyPairingConfig
	logger   pkglog.Logger
	nodes    map[string]*demoNode

	// sessions maps "<initiator>/<joiner>" to the direct pairing session
	// the vouch command can build on.
	sessions map[string]uuid.UUID

	baseDir string
}

func newShell(proxyCfg config.ProxyPairingConfig, logger pkglog.Logger) (*shell, error) {
	rl, err := readline.New("meshpair> ")
	if err != nil {
		return nil, err
	}
	baseDir, err := os.MkdirTemp("", "meshpair-demo-")
	if err != nil {
		return nil, err
	}
	return &shell{
		rl:       rl,
		mesh:     transport.NewMesh(),
		proxyCfg: proxyCfg,
		logger:   logger,
		nodes:    make(map[string]*demoNode),
		sessions: make(map[string]uuid.UUID),
		baseDir:  baseDir,
	}, nil
}

func (s *shell) Close() {
	for _, n := range s.nodes {
		_ = n.node.Stop()
		_ = n.transport.Close()
	}
	_ = s.rl.Close()
	_ = os.RemoveAll(s.baseDir)
}

// Run is the interactive command loop.
func (s *shell) Run() error {
	s.printHelp()
	for {
		line, err := s.rl.Readline()
		if err != nil {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			s.printHelp()
		case "add":
			s.cmdAdd(args)
		case "list", "ls":
			s.cmdList()
		case "pair":
			s.cmdPair(args)
		case "vouch":
			s.cmdVouch(args)
		case "sessions":
			s.cmdSessions(args)
		case "confirm":
			s.cmdConfirm(args)
		case "online":
			s.cmdSetOnline(args, true)
		case "offline":
			s.cmdSetOnline(args, false)
		case "events":
			s.cmdEvents(args)
		case "quit", "exit", "q":
			return nil
		default:
			fmt.Fprintf(s.rl.Stdout(), "Unknown command: %s (try 'help')\n", cmd)
		}
	}
}

func (s *shell) printHelp() {
	out := s.rl.Stdout()
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  add <name> [auto_vouch] [manual_accept]  - create a device")
	fmt.Fprintln(out, "  list                                     - devices and their pairings")
	fmt.Fprintln(out, "  pair <initiator> <joiner>                - run a direct pairing")
	fmt.Fprintln(out, "  vouch <voucher> <vouchee> <target...>    - vouch a paired device to targets")
	fmt.Fprintln(out, "  sessions <name>                          - vouching sessions on a device")
	fmt.Fprintln(out, "  confirm <name> <session-prefix> <y|n>    - answer a pending confirmation")
	fmt.Fprintln(out, "  online <name> / offline <name>           - flip connectivity")
	fmt.Fprintln(out, "  events <name>                            - drain a device's event bus")
	fmt.Fprintln(out, "  quit")
}

func (s *shell) lookup(name string) (*demoNode, bool) {
	n, ok := s.nodes[name]
	if !ok {
		fmt.Fprintf(s.rl.Stdout(), "No such device: %s\n", name)
	}
	return n, ok
}

func (s *shell) cmdAdd(args []string) {
	out := s.rl.Stdout()
	if len(args) < 1 {
		fmt.Fprintln(out, "Usage: add <name> [auto_vouch] [manual_accept]")
		return
	}
	name := args[0]
	if _, exists := s.nodes[name]; exists {
		fmt.Fprintf(out, "Device %s already exists\n", name)
		return
	}

	cfg := s.proxyCfg
	for _, flag := range args[1:] {
		switch flag {
		case "auto_vouch":
			cfg.AutoVouchToAll = true
		case "manual_accept":
			cfg.AutoAcceptVouched = false
		default:
			fmt.Fprintf(out, "Unknown flag: %s\n", flag)
			return
		}
	}

	id, err := identity.Generate()
	if err != nil {
		fmt.Fprintf(out, "Failed to generate identity: %v\n", err)
		return
	}
	registry := service.NewMeshRegistry(device.DeviceInfo{
		DeviceID:           uuid.New(),
		DeviceName:         name,
		OS:                 "demo",
		NetworkFingerprint: id.NodeID().String(),
		LastSeen:           time.Now(),
	}, s.mesh)
	tr := s.mesh.Join(id.NodeID())
	bus := event.NewChanBus(256)

	dataDir, err := os.MkdirTemp(s.baseDir, name+"-")
	if err != nil {
		fmt.Fprintf(out, "Failed to create data dir: %v\n", err)
		return
	}
	node, err := service.NewNode(id, registry, tr, service.NodeConfig{
		DataDir:        dataDir,
		Proxy:          cfg,
		DriverTick:     50 * time.Millisecond,
		QueueDrainTick: 500 * time.Millisecond,
		Logger:         s.logger,
		Bus:            bus,
	})
	if err != nil {
		fmt.Fprintf(out, "Failed to create node: %v\n", err)
		return
	}
	if err := node.Start(); err != nil {
		fmt.Fprintf(out, "Failed to start node: %v\n", err)
		return
	}

	// Going offline drops this device's in-flight pairings on every peer.
	s.mesh.Watch(func(peer identity.NodeID, online bool) {
		if !online && peer != id.NodeID() {
			node.NodeDisconnected(peer)
		}
	})

	s.nodes[name] = &demoNode{
		name:      name,
		id:        id,
		node:      node,
		registry:  registry,
		transport: tr,
		bus:       bus,
		dataDir:   dataDir,
	}
	fmt.Fprintf(out, "Added %s (device %s, node %s...)\n",
		name, registry.LocalDevice().DeviceID, id.NodeID().String()[:16])
}

func (s *shell) cmdList() {
	out := s.rl.Stdout()
	if len(s.nodes) == 0 {
		fmt.Fprintln(out, "No devices (use 'add')")
		return
	}

	names := make([]string, 0, len(s.nodes))
	for name := range s.nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		n := s.nodes[name]
		status := "online"
		if !s.mesh.IsOnline(n.id.NodeID()) {
			status = "OFFLINE"
		}
		fmt.Fprintf(out, "%s [%s] %s\n", name, status, n.registry.LocalDevice().DeviceID)
		for _, d := range n.registry.PairedDevices() {
			provenance := d.PairingType.String()
			if d.VouchedBy != nil {
				provenance = fmt.Sprintf("%s via %s", provenance, s.deviceName(*d.VouchedBy))
			}
			fmt.Fprintf(out, "    paired: %-12s %s\n", d.Info.DeviceName, provenance)
		}
	}
}

// deviceName resolves a device id to a shell name where possible.
func (s *shell) deviceName(id uuid.UUID) string {
	for name, n := range s.nodes {
		if n.registry.LocalDevice().DeviceID == id {
			return name
		}
	}
	return id.String()[:8]
}

func (s *shell) cmdPair(args []string) {
	out := s.rl.Stdout()
	if len(args) != 2 {
		fmt.Fprintln(out, "Usage: pair <initiator> <joiner>")
		return
	}
	initiator, ok := s.lookup(args[0])
	if !ok {
		return
	}
	joiner, ok := s.lookup(args[1])
	if !ok {
		return
	}

	sessionID, code, err := initiator.node.StartPairing()
	if err != nil {
		fmt.Fprintf(out, "StartPairing failed: %v\n", err)
		return
	}
	fmt.Fprintf(out, "%s displays code %s; %s types it in...\n", initiator.name, code, joiner.name)

	if err := joiner.node.JoinPairing(sessionID, code, initiator.id.NodeID()); err != nil {
		fmt.Fprintf(out, "JoinPairing failed: %v\n", err)
		return
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		si, _ := initiator.node.PairingSession(sessionID)
		sj, _ := joiner.node.PairingSession(sessionID)
		if si.State.Kind == pairing.StateCompleted && sj.State.Kind == pairing.StateCompleted {
			s.sessions[initiator.name+"/"+joiner.name] = sessionID
			fmt.Fprintf(out, "Paired %s <-> %s (session %s)\n", initiator.name, joiner.name, sessionID)
			return
		}
		if si.State.Kind == pairing.StateFailed || sj.State.Kind == pairing.StateFailed {
			fmt.Fprintf(out, "Pairing failed: %s / %s\n", si.State.Reason, sj.State.Reason)
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	fmt.Fprintln(out, "Pairing timed out")
}

func (s *shell) cmdVouch(args []string) {
	out := s.rl.Stdout()
	if len(args) < 3 {
		fmt.Fprintln(out, "Usage: vouch <voucher> <vouchee> <target...>")
		return
	}
	voucher, ok := s.lookup(args[0])
	if !ok {
		return
	}
	vouchee, ok := s.lookup(args[1])
	if !ok {
		return
	}

	sessionID, ok := s.sessions[voucher.name+"/"+vouchee.name]
	if !ok {
		// The vouchee may have initiated the pairing.
		sessionID, ok = s.sessions[vouchee.name+"/"+voucher.name]
	}
	if !ok {
		fmt.Fprintf(out, "No direct pairing session between %s and %s (run 'pair' first)\n", voucher.name, vouchee.name)
		return
	}

	var targets []uuid.UUID
	for _, targetName := range args[2:] {
		target, ok := s.lookup(targetName)
		if !ok {
			return
		}
		targets = append(targets, target.registry.LocalDevice().DeviceID)
	}

	session, err := voucher.node.StartProxyVouching(sessionID, targets)
	if err != nil {
		fmt.Fprintf(out, "StartProxyVouching failed: %v\n", err)
		return
	}
	fmt.Fprintf(out, "Vouching session %s is %s\n", session.ID, session.State)
	for _, v := range session.Vouches {
		s.printVouch(v.DeviceName, v.Status.String(), v.Reason)
	}
}

func (s *shell) printVouch(name, status, reason string) {
	out := s.rl.Stdout()
	if reason != "" {
		fmt.Fprintf(out, "    %-12s %s (%s)\n", name, status, reason)
		return
	}
	fmt.Fprintf(out, "    %-12s %s\n", name, status)
}

func (s *shell) cmdSessions(args []string) {
	out := s.rl.Stdout()
	if len(args) != 1 {
		fmt.Fprintln(out, "Usage: sessions <name>")
		return
	}
	n, ok := s.lookup(args[0])
	if !ok {
		return
	}

	sessions := n.node.Manager().VouchingSessions()
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No vouching sessions")
		return
	}
	for _, session := range sessions {
		fmt.Fprintf(out, "%s vouching %s: %s\n", session.ID, session.VoucheeDeviceName, session.State)
		for _, v := range session.Vouches {
			s.printVouch(v.DeviceName, v.Status.String(), v.Reason)
		}
	}
}

func (s *shell) cmdConfirm(args []string) {
	out := s.rl.Stdout()
	if len(args) != 3 {
		fmt.Fprintln(out, "Usage: confirm <name> <session-prefix> <y|n>")
		return
	}
	n, ok := s.lookup(args[0])
	if !ok {
		return
	}

	var sessionID uuid.UUID
	found := false
	for _, id := range n.node.Manager().PendingConfirmations() {
		if strings.HasPrefix(id.String(), args[1]) {
			sessionID = id
			found = true
			break
		}
	}
	if !found {
		fmt.Fprintf(out, "No pending confirmation matching %q\n", args[1])
		return
	}

	accepted := args[2] == "y" || args[2] == "yes"
	if err := n.node.ConfirmProxyPairing(sessionID, accepted); err != nil {
		fmt.Fprintf(out, "ConfirmProxyPairing failed: %v\n", err)
		return
	}
	fmt.Fprintf(out, "Confirmed %s: accepted=%v\n", sessionID, accepted)
}

func (s *shell) cmdSetOnline(args []string, online bool) {
	out := s.rl.Stdout()
	if len(args) != 1 {
		fmt.Fprintln(out, "Usage: online|offline <name>")
		return
	}
	n, ok := s.lookup(args[0])
	if !ok {
		return
	}
	s.mesh.SetOnline(n.id.NodeID(), online)
	fmt.Fprintf(out, "%s is now %s\n", n.name, map[bool]string{true: "online", false: "offline"}[online])
}

func (s *shell) cmdEvents(args []string) {
	out := s.rl.Stdout()
	if len(args) != 1 {
		fmt.Fprintln(out, "Usage: events <name>")
		return
	}
	n, ok := s.lookup(args[0])
	if !ok {
		return
	}

	count := 0
	for len(n.bus.Events()) > 0 {
		ev := <-n.bus.Events()
		count++
		switch ev.Kind {
		case event.KindVouchingReady:
			fmt.Fprintf(out, "[%s] vouching ready: session %s\n", ev.Kind, ev.VouchingReady.SessionID)
		case event.KindConfirmationRequired:
			c := ev.ConfirmationRequired
			fmt.Fprintf(out, "[%s] %s vouches for %s (session %s, expires %s)\n",
				ev.Kind, c.VoucherDeviceName, c.VoucheeDeviceName,
				c.SessionID, c.ExpiresAt.Format(time.RFC3339))
		case event.KindResourceDeleted:
			fmt.Fprintf(out, "[%s] %s %s\n", ev.Kind, ev.ResourceType, ev.ResourceID)
		default:
			fmt.Fprintf(out, "[%s] %s\n", ev.Kind, ev.ResourceType)
		}
	}
	if count == 0 {
		fmt.Fprintln(out, "No pending events")
	}
}
