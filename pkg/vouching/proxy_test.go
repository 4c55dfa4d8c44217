package vouching

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/spacedrive/meshpair-go/pkg/config"
	"github.com/spacedrive/meshpair-go/pkg/device"
	"github.com/spacedrive/meshpair-go/pkg/event"
	"github.com/spacedrive/meshpair-go/pkg/identity"
	"github.com/spacedrive/meshpair-go/pkg/wire"
)

// targetFixture is a target-side manager with the voucher already paired
// as a trusted direct device.
type targetFixture struct {
	manager  *Manager
	sender   *msgSender
	bus      *event.ChanBus
	registry *device.MemoryRegistry

	targetID uuid.UUID

	voucher     *identity.Identity
	voucherID   uuid.UUID
	voucherNode identity.NodeID

	vouchee    *identity.Identity
	voucheeID  uuid.UUID
	sessionID  uuid.UUID
	baseSecret []byte
}

func newTargetFixture(t *testing.T, cfg config.ProxyPairingConfig) *targetFixture {
	t.Helper()

	targetIdentity, err := identity.Generate()
	require.NoError(t, err)
	voucherIdentity, err := identity.Generate()
	require.NoError(t, err)
	voucheeIdentity, err := identity.Generate()
	require.NoError(t, err)

	targetID := uuid.New()
	voucherID := uuid.New()
	voucheeID := uuid.New()

	registry := device.NewMemoryRegistry(device.DeviceInfo{
		DeviceID:   targetID,
		DeviceName: "target",
		OS:         "linux",
	})
	require.NoError(t, registry.CompletePairing(device.CompletedPairing{
		Info:        device.DeviceInfo{DeviceID: voucherID, DeviceName: "voucher", OS: "linux"},
		PublicKey:   voucherIdentity.PublicKey(),
		SessionKeys: mustKeys(t, "voucher-direct"),
		TrustLevel:  device.TrustTrusted,
		PairingType: device.PairingDirect,
	}))
	registry.SetConnected(voucherIdentity.NodeID(), true)

	sender := &msgSender{}
	bus := event.NewChanBus(64)
	manager := NewManager(targetIdentity, registry, sender, newFakeSource(), nil, ManagerConfig{
		Proxy: cfg,
		Bus:   bus,
	})

	return &targetFixture{
		manager:     manager,
		sender:      sender,
		bus:         bus,
		registry:    registry,
		targetID:    targetID,
		voucher:     voucherIdentity,
		voucherID:   voucherID,
		voucherNode: voucherIdentity.NodeID(),
		vouchee:     voucheeIdentity,
		voucheeID:   voucheeID,
		sessionID:   uuid.New(),
		baseSecret:  []byte("12345678"),
	}
}

// validRequest builds a correctly signed ProxyPairingRequest from the
// fixture's voucher.
func (f *targetFixture) validRequest(t *testing.T) *wire.ProxyPairingRequest {
	t.Helper()

	voucheeInfo := device.DeviceInfo{DeviceID: f.voucheeID, DeviceName: "vouchee", OSVersion: "15.1", OS: "macos"}
	timestamp := time.Now().UTC()
	payload := BuildPayload(f.sessionID, voucheeInfo, f.vouchee.PublicKey(), timestamp)
	signature, err := payload.Sign(f.voucher)
	require.NoError(t, err)

	receiverKeys, _, err := DeriveProxySessionKeys(f.voucherID, f.targetID, f.voucheeID, f.vouchee.PublicKey(), f.baseSecret)
	require.NoError(t, err)

	return &wire.ProxyPairingRequest{
		SessionID:          f.sessionID,
		VoucheeDeviceInfo:  voucheeInfo,
		VoucheePublicKey:   f.vouchee.PublicKey(),
		VoucherDeviceID:    f.voucherID,
		VoucherSignature:   signature,
		Timestamp:          timestamp,
		ProxiedSessionKeys: receiverKeys,
	}
}

// lastResponse returns the most recent ProxyPairingResponse the target
// sent.
func (f *targetFixture) lastResponse(t *testing.T) *wire.ProxyPairingResponse {
	t.Helper()
	msgs := f.sender.all()
	require.NotEmpty(t, msgs, "no response sent")
	resp, ok := msgs[len(msgs)-1].(*wire.ProxyPairingResponse)
	require.True(t, ok, "expected ProxyPairingResponse, got %T", msgs[len(msgs)-1])
	return resp
}

func TestAutoAcceptStoresProxiedPairing(t *testing.T) {
	f := newTargetFixture(t, config.Default()) // auto_accept_vouched=true

	req := f.validRequest(t)
	require.NoError(t, f.manager.HandleProxyPairingRequest(f.voucherNode, req))

	resp := f.lastResponse(t)
	require.True(t, resp.Accepted, "vouch rejected: %s", resp.Reason)
	require.Equal(t, f.targetID, resp.AcceptingDeviceID)

	rec, ok := f.registry.PairedDevice(f.voucheeID)
	require.True(t, ok, "vouchee not stored")
	require.Equal(t, device.PairingProxied, rec.PairingType)
	require.NotNil(t, rec.VouchedBy)
	require.Equal(t, f.voucherID, *rec.VouchedBy)
	require.Equal(t, req.ProxiedSessionKeys.SendKey, rec.SessionKeys.SendKey)
}

func TestDuplicateRequestIsIdempotent(t *testing.T) {
	f := newTargetFixture(t, config.Default())

	req := f.validRequest(t)
	require.NoError(t, f.manager.HandleProxyPairingRequest(f.voucherNode, req))
	require.True(t, f.lastResponse(t).Accepted)

	before, _ := f.registry.PairedDevice(f.voucheeID)
	f.sender.reset()

	// The same request again: the vouchee is already paired, so the second
	// attempt is rejected and nothing changes.
	require.NoError(t, f.manager.HandleProxyPairingRequest(f.voucherNode, req))
	resp := f.lastResponse(t)
	require.False(t, resp.Accepted)
	require.Equal(t, "Device already paired", resp.Reason)

	after, _ := f.registry.PairedDevice(f.voucheeID)
	require.Equal(t, before.PairedAt, after.PairedAt, "duplicate request mutated state")
}

func TestBadSignatureRejected(t *testing.T) {
	f := newTargetFixture(t, config.Default())

	req := f.validRequest(t)
	req.VoucherSignature[3] ^= 0xFF

	require.NoError(t, f.manager.HandleProxyPairingRequest(f.voucherNode, req))
	resp := f.lastResponse(t)
	require.False(t, resp.Accepted)
	require.Equal(t, "Invalid voucher signature", resp.Reason)

	_, paired := f.registry.PairedDevice(f.voucheeID)
	require.False(t, paired, "vouchee stored despite bad signature")
}

func TestStaleTimestampRejected(t *testing.T) {
	cfg := config.Default()
	cfg.VouchSignatureMaxAge = 1
	f := newTargetFixture(t, cfg)

	voucheeInfo := device.DeviceInfo{DeviceID: f.voucheeID, DeviceName: "vouchee"}
	timestamp := time.Now().UTC().Add(-time.Minute)
	payload := BuildPayload(f.sessionID, voucheeInfo, f.vouchee.PublicKey(), timestamp)
	signature, err := payload.Sign(f.voucher)
	require.NoError(t, err)
	receiverKeys, _, err := DeriveProxySessionKeys(f.voucherID, f.targetID, f.voucheeID, f.vouchee.PublicKey(), f.baseSecret)
	require.NoError(t, err)

	req := &wire.ProxyPairingRequest{
		SessionID:          f.sessionID,
		VoucheeDeviceInfo:  voucheeInfo,
		VoucheePublicKey:   f.vouchee.PublicKey(),
		VoucherDeviceID:    f.voucherID,
		VoucherSignature:   signature,
		Timestamp:          timestamp,
		ProxiedSessionKeys: receiverKeys,
	}
	require.NoError(t, f.manager.HandleProxyPairingRequest(f.voucherNode, req))
	resp := f.lastResponse(t)
	require.False(t, resp.Accepted)
	require.Equal(t, "Vouch signature expired", resp.Reason)
}

func TestUnknownVoucherRejected(t *testing.T) {
	f := newTargetFixture(t, config.Default())

	req := f.validRequest(t)
	req.VoucherDeviceID = uuid.New()

	require.NoError(t, f.manager.HandleProxyPairingRequest(f.voucherNode, req))
	resp := f.lastResponse(t)
	require.False(t, resp.Accepted)
	require.Equal(t, "Voucher not paired", resp.Reason)
}

func TestVoucherNodeMismatchRejected(t *testing.T) {
	f := newTargetFixture(t, config.Default())

	imposter, err := identity.Generate()
	require.NoError(t, err)

	req := f.validRequest(t)
	require.NoError(t, f.manager.HandleProxyPairingRequest(imposter.NodeID(), req))
	resp := f.lastResponse(t)
	require.False(t, resp.Accepted)
	require.Equal(t, "Voucher node mismatch", resp.Reason)
}

func TestProxiedVoucherNotTrustedForVouching(t *testing.T) {
	f := newTargetFixture(t, config.Default())

	// Re-store the voucher as a proxied pairing: proxied devices cannot
	// vouch further devices.
	vouchedBy := uuid.New()
	require.NoError(t, f.registry.CompletePairing(device.CompletedPairing{
		Info:        device.DeviceInfo{DeviceID: f.voucherID, DeviceName: "voucher"},
		PublicKey:   f.voucher.PublicKey(),
		SessionKeys: mustKeys(t, "voucher-direct"),
		TrustLevel:  device.TrustTrusted,
		PairingType: device.PairingProxied,
		VouchedBy:   &vouchedBy,
	}))

	req := f.validRequest(t)
	require.NoError(t, f.manager.HandleProxyPairingRequest(f.voucherNode, req))
	resp := f.lastResponse(t)
	require.False(t, resp.Accepted)
	require.Equal(t, "Voucher not trusted for proxy pairing", resp.Reason)
}

func TestEqualSessionKeysRejected(t *testing.T) {
	f := newTargetFixture(t, config.Default())

	req := f.validRequest(t)
	req.ProxiedSessionKeys.ReceiveKey = append([]byte(nil), req.ProxiedSessionKeys.SendKey...)

	require.NoError(t, f.manager.HandleProxyPairingRequest(f.voucherNode, req))
	resp := f.lastResponse(t)
	require.False(t, resp.Accepted)
	require.Equal(t, "Invalid session keys", resp.Reason)
}

func TestConfirmationFlowAccept(t *testing.T) {
	cfg := config.Default()
	cfg.AutoAcceptVouched = false
	f := newTargetFixture(t, cfg)

	req := f.validRequest(t)
	require.NoError(t, f.manager.HandleProxyPairingRequest(f.voucherNode, req))

	// No response yet; a confirmation event was emitted instead.
	require.Empty(t, f.sender.all())
	require.Len(t, f.manager.PendingConfirmations(), 1)

	var confirmation *event.ConfirmationRequired
	for len(f.bus.Events()) > 0 {
		if ev := <-f.bus.Events(); ev.Kind == event.KindConfirmationRequired {
			confirmation = ev.ConfirmationRequired
		}
	}
	require.NotNil(t, confirmation, "no ConfirmationRequired event")
	require.Equal(t, f.sessionID, confirmation.SessionID)
	require.Equal(t, "vouchee", confirmation.VoucheeDeviceName)
	require.Equal(t, "voucher", confirmation.VoucherDeviceName)
	require.Equal(t, f.voucherID, confirmation.VoucherDeviceID)

	require.NoError(t, f.manager.ConfirmProxyPairing(f.sessionID, true))

	resp := f.lastResponse(t)
	require.True(t, resp.Accepted)

	rec, ok := f.registry.PairedDevice(f.voucheeID)
	require.True(t, ok)
	require.Equal(t, device.PairingProxied, rec.PairingType)
	require.Empty(t, f.manager.PendingConfirmations())
}

func TestConfirmationFlowReject(t *testing.T) {
	cfg := config.Default()
	cfg.AutoAcceptVouched = false
	f := newTargetFixture(t, cfg)

	require.NoError(t, f.manager.HandleProxyPairingRequest(f.voucherNode, f.validRequest(t)))
	require.NoError(t, f.manager.ConfirmProxyPairing(f.sessionID, false))

	resp := f.lastResponse(t)
	require.False(t, resp.Accepted)
	require.Equal(t, "User rejected proxy pairing", resp.Reason)

	_, paired := f.registry.PairedDevice(f.voucheeID)
	require.False(t, paired)
}

func TestConfirmationTimeout(t *testing.T) {
	cfg := config.Default()
	cfg.AutoAcceptVouched = false
	cfg.VouchResponseTimeout = 1 // 1 second; the timer fires quickly in test time
	f := newTargetFixture(t, cfg)

	require.NoError(t, f.manager.HandleProxyPairingRequest(f.voucherNode, f.validRequest(t)))
	require.Len(t, f.manager.PendingConfirmations(), 1)

	require.Eventually(t, func() bool {
		return len(f.manager.PendingConfirmations()) == 0
	}, 3*time.Second, 20*time.Millisecond)

	resp := f.lastResponse(t)
	require.False(t, resp.Accepted)
	require.Equal(t, "Proxy confirmation timed out", resp.Reason)

	// A decision after expiry finds nothing to confirm.
	require.ErrorIs(t, f.manager.ConfirmProxyPairing(f.sessionID, true), ErrNoPendingConfirmation)
}

func TestHandleProxyPairingCompleteStoresAccepted(t *testing.T) {
	f := newTargetFixture(t, config.Default())

	// The fixture's manager doubles as a vouchee here: it receives the
	// voucher's completion report listing an accepting device.
	accepted, err := identity.Generate()
	require.NoError(t, err)
	acceptedID := uuid.New()
	keys := mustKeys(t, "proxied-pair")

	msg := &wire.ProxyPairingComplete{
		SessionID:       f.sessionID,
		VoucherDeviceID: f.voucherID,
		AcceptedBy: []wire.AcceptedDevice{{
			DeviceInfo: device.DeviceInfo{
				DeviceID:           acceptedID,
				DeviceName:         "third",
				NetworkFingerprint: accepted.NodeID().String(),
			},
			SessionKeys: keys,
		}},
		RejectedBy: []wire.RejectedDevice{{
			DeviceID:   uuid.New(),
			DeviceName: "fourth",
			Reason:     "Proxy response timeout",
		}},
	}
	require.NoError(t, f.manager.HandleProxyPairingComplete(f.voucherNode, msg))

	rec, ok := f.registry.PairedDevice(acceptedID)
	require.True(t, ok, "accepted device not stored")
	require.Equal(t, device.PairingProxied, rec.PairingType)
	require.NotNil(t, rec.VouchedBy)
	require.Equal(t, f.voucherID, *rec.VouchedBy)
	require.Equal(t, keys.SendKey, rec.SessionKeys.SendKey)
}
