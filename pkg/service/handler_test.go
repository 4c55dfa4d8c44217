package service

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/spacedrive/meshpair-go/pkg/config"
	"github.com/spacedrive/meshpair-go/pkg/device"
	"github.com/spacedrive/meshpair-go/pkg/identity"
	"github.com/spacedrive/meshpair-go/pkg/pairing"
	"github.com/spacedrive/meshpair-go/pkg/transport"
	"github.com/spacedrive/meshpair-go/pkg/vouching"
	"github.com/spacedrive/meshpair-go/pkg/wire"
)

// nullSender drops everything.
type nullSender struct{}

func (nullSender) Send(identity.NodeID, string, []byte) error { return nil }

// newTestHandler builds a handler over a fresh machine and manager.
func newTestHandler(t *testing.T) (*Handler, *pairing.Machine, *device.MemoryRegistry) {
	t.Helper()

	id, err := identity.Generate()
	require.NoError(t, err)
	registry := device.NewMemoryRegistry(device.DeviceInfo{
		DeviceID:   uuid.New(),
		DeviceName: "local",
	})
	machine := pairing.NewMachine(registry, nullSender{}, pairing.MachineConfig{
		LocalPublicKey: id.PublicKey(),
	})
	manager := vouching.NewManager(id, registry, nullSender{}, machine, nil, vouching.ManagerConfig{
		Proxy: config.Default(),
	})
	machine.SetCompletionHook(manager)
	return NewHandler(machine, manager, nil), machine, registry
}

func remoteNode(t *testing.T) identity.NodeID {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id.NodeID()
}

func TestOversizedFrameClosesStreamWithoutMutation(t *testing.T) {
	handler, machine, _ := newTestHandler(t)

	sessionID, _, err := machine.StartSession()
	require.NoError(t, err)
	before, _ := machine.Session(sessionID)

	remote := remoteNode(t)
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		handler.HandleStream(server, remote)
		close(done)
	}()

	// Declare a frame above the 1 MiB cap.
	var lengthBuf [4]byte
	binary.BigEndian.PutUint32(lengthBuf[:], transport.MaxMessageSize+1)
	_, err = client.Write(lengthBuf[:])
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not close the stream")
	}
	_ = client.Close()

	after, ok := machine.Session(sessionID)
	require.True(t, ok)
	require.Equal(t, before.State.Kind, after.State.Kind, "oversized frame mutated session state")
}

func TestUndecodableFrameClosesStream(t *testing.T) {
	handler, machine, _ := newTestHandler(t)

	sessionID, _, err := machine.StartSession()
	require.NoError(t, err)

	remote := remoteNode(t)
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		handler.HandleStream(server, remote)
		close(done)
	}()

	payload := []byte("this is not json")
	var lengthBuf [4]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(payload)))
	_, err = client.Write(lengthBuf[:])
	require.NoError(t, err)
	_, err = client.Write(payload)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not close the stream")
	}
	_ = client.Close()

	s, ok := machine.Session(sessionID)
	require.True(t, ok)
	require.NotEqual(t, pairing.StateFailed, s.State.Kind, "decode failure must not fail unrelated sessions")
}

func TestPairingRequestGetsChallengeResponse(t *testing.T) {
	handler, machine, _ := newTestHandler(t)

	sessionID, _, err := machine.StartSession()
	require.NoError(t, err)

	req := &wire.PairingRequest{
		SessionID: sessionID,
		DeviceInfo: device.DeviceInfo{
			DeviceID:   uuid.New(),
			DeviceName: "joiner",
		},
		PublicKey: remoteNode(t).Bytes(),
	}
	data, err := wire.Encode(req)
	require.NoError(t, err)

	remote := remoteNode(t)
	client, server := net.Pipe()
	go handler.HandleStream(server, remote)

	fw := transport.NewFrameWriter(client)
	require.NoError(t, fw.WriteFrame(data))

	fr := transport.NewFrameReader(client)
	respData, err := fr.ReadFrame()
	require.NoError(t, err)
	msg, err := wire.Decode(respData)
	require.NoError(t, err)
	challenge, ok := msg.(*wire.Challenge)
	require.True(t, ok, "expected Challenge, got %T", msg)
	require.Equal(t, sessionID, challenge.SessionID)
	require.Len(t, challenge.Challenge, pairing.ChallengeSize)

	// The session advanced once the challenge hit the wire.
	require.Eventually(t, func() bool {
		s, _ := machine.Session(sessionID)
		return s.State.Kind == pairing.StateAwaitingResponse
	}, 2*time.Second, 5*time.Millisecond)
	_ = client.Close()
}

func TestStreamServesFullExchange(t *testing.T) {
	// One stream carries the whole direct-pairing exchange:
	// PairingRequest -> Challenge -> Response -> Complete, and the
	// Complete closes it.
	handler, machine, registry := newTestHandler(t)

	sessionID, code, err := machine.StartSession()
	require.NoError(t, err)

	joiner, err := identity.Generate()
	require.NoError(t, err)
	joinerInfo := device.DeviceInfo{DeviceID: uuid.New(), DeviceName: "joiner"}

	client, server := net.Pipe()
	go handler.HandleStream(server, joiner.NodeID())

	fw := transport.NewFrameWriter(client)
	fr := transport.NewFrameReader(client)

	// Frame 1: the joiner's opening request.
	data, err := wire.Encode(&wire.PairingRequest{
		SessionID:  sessionID,
		DeviceInfo: joinerInfo,
		PublicKey:  joiner.PublicKey(),
	})
	require.NoError(t, err)
	require.NoError(t, fw.WriteFrame(data))

	respData, err := fr.ReadFrame()
	require.NoError(t, err)
	msg, err := wire.Decode(respData)
	require.NoError(t, err)
	challenge, ok := msg.(*wire.Challenge)
	require.True(t, ok, "expected Challenge, got %T", msg)

	// Frame 2, same stream: the joiner's proof.
	response := pairing.ComputeResponse(code.Secret(), sessionID, challenge.Challenge)
	data, err = wire.Encode(&wire.Response{
		SessionID:  sessionID,
		Response:   response,
		DeviceInfo: joinerInfo,
	})
	require.NoError(t, err)
	require.NoError(t, fw.WriteFrame(data))

	respData, err = fr.ReadFrame()
	require.NoError(t, err)
	msg, err = wire.Decode(respData)
	require.NoError(t, err)
	complete, ok := msg.(*wire.Complete)
	require.True(t, ok, "expected Complete, got %T", msg)
	require.True(t, complete.Success, "pairing rejected: %s", complete.Reason)

	// The Complete ended the exchange: the handler closed the stream.
	if _, err := fr.ReadFrame(); err == nil {
		t.Error("stream still open after Complete")
	}
	_ = client.Close()

	s, _ := machine.Session(sessionID)
	require.Equal(t, pairing.StateCompleted, s.State.Kind)
	if _, paired := registry.PairedDevice(joinerInfo.DeviceID); !paired {
		t.Error("joiner not stored after completed exchange")
	}
}

func TestUnknownSessionDoesNotFailOthers(t *testing.T) {
	handler, machine, _ := newTestHandler(t)

	sessionID, _, err := machine.StartSession()
	require.NoError(t, err)

	// A request for a session this machine never opened: NotFound is
	// benign and no session is failed.
	req := &wire.PairingRequest{
		SessionID:  uuid.New(),
		DeviceInfo: device.DeviceInfo{DeviceID: uuid.New(), DeviceName: "stranger"},
	}
	data, err := wire.Encode(req)
	require.NoError(t, err)

	remote := remoteNode(t)
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		handler.HandleStream(server, remote)
		close(done)
	}()

	fw := transport.NewFrameWriter(client)
	require.NoError(t, fw.WriteFrame(data))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not close the stream")
	}
	_ = client.Close()

	s, _ := machine.Session(sessionID)
	require.NotEqual(t, pairing.StateFailed, s.State.Kind)
}
