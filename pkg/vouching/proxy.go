package vouching

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spacedrive/meshpair-go/pkg/device"
	"github.com/spacedrive/meshpair-go/pkg/event"
	"github.com/spacedrive/meshpair-go/pkg/identity"
	"github.com/spacedrive/meshpair-go/pkg/wire"
)

// HandleProxyPairingRequest processes a voucher's introduction on the
// target. Every validation failure answers the voucher with a rejection;
// only transport-level problems surface as errors.
func (m *Manager) HandleProxyPairingRequest(remote identity.NodeID, msg *wire.ProxyPairingRequest) error {
	cfg := m.Config()

	voucherRec, voucherPaired := m.registry.PairedDevice(msg.VoucherDeviceID)
	voucherNode, voucherNodeKnown := m.registry.NodeForDevice(msg.VoucherDeviceID)

	// The sender must be the device it claims to vouch as.
	if voucherNodeKnown && voucherNode != remote {
		return m.rejectProxyRequest(remote, msg.SessionID, reasonVoucherMismatch)
	}
	if !voucherPaired {
		return m.rejectProxyRequest(remote, msg.SessionID, reasonVoucherNotPaired)
	}

	// Verify against the voucher's registered long-term key, not the
	// transport identity; the two coincide here, but the registry key is
	// authoritative.
	payload := BuildPayload(msg.SessionID, msg.VoucheeDeviceInfo, msg.VoucheePublicKey, msg.Timestamp)
	valid, err := payload.VerifySignature(voucherRec.PublicKey, msg.VoucherSignature)
	if err != nil || !valid {
		return m.rejectProxyRequest(remote, msg.SessionID, reasonInvalidSignature)
	}

	if payload.Age(time.Now()) > cfg.SignatureMaxAge() {
		return m.rejectProxyRequest(remote, msg.SessionID, reasonSignatureExpired)
	}

	// Re-pairing an already-paired device must be rejected; this also
	// makes duplicate request delivery idempotent.
	if _, alreadyPaired := m.registry.PairedDevice(msg.VoucheeDeviceInfo.DeviceID); alreadyPaired {
		return m.rejectProxyRequest(remote, msg.SessionID, reasonAlreadyPaired)
	}

	voucherTrusted := voucherRec.TrustLevel == device.TrustTrusted
	voucherDirect := voucherRec.PairingType == device.PairingDirect
	if !voucherTrusted || !voucherDirect {
		return m.rejectProxyRequest(remote, msg.SessionID, reasonVoucherNotTrusted)
	}

	if err := msg.ProxiedSessionKeys.Validate(); err != nil {
		return m.rejectProxyRequest(remote, msg.SessionID, reasonInvalidSessionKeys)
	}

	if cfg.AutoAcceptVouched && voucherTrusted {
		if err := m.acceptVouchedDevice(msg.VoucheeDeviceInfo, msg.VoucheePublicKey, msg.ProxiedSessionKeys, msg.VoucherDeviceID); err != nil {
			return m.rejectProxyRequest(remote, msg.SessionID, fmt.Sprintf("Failed to store pairing: %v", err))
		}
		return m.sendMessage(remote, &wire.ProxyPairingResponse{
			SessionID:         msg.SessionID,
			AcceptingDeviceID: m.registry.LocalDevice().DeviceID,
			Accepted:          true,
		})
	}

	// Stash the confirmation and ask the user; silence becomes a
	// rejection when the timer fires.
	expiresAt := time.Now().Add(cfg.ResponseTimeout())
	p := &pendingConfirmation{
		sessionID:          msg.SessionID,
		voucherDeviceID:    msg.VoucherDeviceID,
		voucherDeviceName:  voucherRec.Info.DeviceName,
		voucheeDeviceInfo:  msg.VoucheeDeviceInfo,
		voucheePublicKey:   append([]byte(nil), msg.VoucheePublicKey...),
		proxiedSessionKeys: msg.ProxiedSessionKeys,
		createdAt:          time.Now(),
	}
	p.timer = time.AfterFunc(cfg.ResponseTimeout(), func() {
		m.expireConfirmation(msg.SessionID)
	})

	m.pendingMu.Lock()
	if old, ok := m.pending[msg.SessionID]; ok {
		old.timer.Stop()
	}
	m.pending[msg.SessionID] = p
	m.pendingMu.Unlock()

	m.bus.Emit(event.Event{
		Kind: event.KindConfirmationRequired,
		ConfirmationRequired: &event.ConfirmationRequired{
			SessionID:         msg.SessionID,
			VoucheeDeviceName: msg.VoucheeDeviceInfo.DeviceName,
			VoucheeDeviceOS:   msg.VoucheeDeviceInfo.OSVersion,
			VoucherDeviceName: voucherRec.Info.DeviceName,
			VoucherDeviceID:   msg.VoucherDeviceID,
			ExpiresAt:         expiresAt,
		},
	})

	return nil
}

// expireConfirmation resolves a pending confirmation the user never
// answered: the entry is dropped and the voucher gets a timeout rejection.
func (m *Manager) expireConfirmation(sessionID uuid.UUID) {
	m.pendingMu.Lock()
	p, ok := m.pending[sessionID]
	if ok {
		delete(m.pending, sessionID)
	}
	m.pendingMu.Unlock()
	if !ok {
		return
	}

	if node, ok := m.registry.NodeForDevice(p.voucherDeviceID); ok {
		err := m.sendMessage(node, &wire.ProxyPairingResponse{
			SessionID:         sessionID,
			AcceptingDeviceID: m.registry.LocalDevice().DeviceID,
			Accepted:          false,
			Reason:            reasonConfirmTimeout,
		})
		if err != nil {
			m.logError("confirmation timeout response", err)
		}
	}
}

// ConfirmProxyPairing resolves a pending proxy confirmation with the
// user's decision. Accepting stores the vouchee as a proxied pairing;
// either way the voucher is informed.
func (m *Manager) ConfirmProxyPairing(sessionID uuid.UUID, accepted bool) error {
	m.pendingMu.Lock()
	p, ok := m.pending[sessionID]
	if ok {
		p.timer.Stop()
		delete(m.pending, sessionID)
	}
	m.pendingMu.Unlock()
	if !ok {
		return ErrNoPendingConfirmation
	}

	voucherNode, voucherNodeKnown := m.registry.NodeForDevice(p.voucherDeviceID)

	if accepted {
		if err := m.acceptVouchedDevice(p.voucheeDeviceInfo, p.voucheePublicKey, p.proxiedSessionKeys, p.voucherDeviceID); err != nil {
			return err
		}
		if voucherNodeKnown {
			return m.sendMessage(voucherNode, &wire.ProxyPairingResponse{
				SessionID:         sessionID,
				AcceptingDeviceID: m.registry.LocalDevice().DeviceID,
				Accepted:          true,
			})
		}
		return nil
	}

	if voucherNodeKnown {
		return m.sendMessage(voucherNode, &wire.ProxyPairingResponse{
			SessionID:         sessionID,
			AcceptingDeviceID: m.registry.LocalDevice().DeviceID,
			Accepted:          false,
			Reason:            reasonUserRejected,
		})
	}
	return nil
}

// PendingConfirmations lists session ids awaiting a user decision.
func (m *Manager) PendingConfirmations() []uuid.UUID {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	out := make([]uuid.UUID, 0, len(m.pending))
	for id := range m.pending {
		out = append(out, id)
	}
	return out
}

// acceptVouchedDevice stores a vouched device as a proxied pairing using
// the session keys the voucher derived.
func (m *Manager) acceptVouchedDevice(info device.DeviceInfo, publicKey []byte, keys device.SessionKeys, voucherDeviceID uuid.UUID) error {
	vouchedBy := voucherDeviceID
	return m.registry.CompletePairing(device.CompletedPairing{
		Info:        info,
		PublicKey:   publicKey,
		SessionKeys: keys,
		TrustLevel:  device.TrustTrusted,
		PairingType: device.PairingProxied,
		VouchedBy:   &vouchedBy,
	})
}

// rejectProxyRequest answers the voucher with a rejection.
func (m *Manager) rejectProxyRequest(remote identity.NodeID, sessionID uuid.UUID, reason string) error {
	return m.sendMessage(remote, &wire.ProxyPairingResponse{
		SessionID:         sessionID,
		AcceptingDeviceID: m.registry.LocalDevice().DeviceID,
		Accepted:          false,
		Reason:            reason,
	})
}

// HandleProxyPairingResponse reconciles a target's decision on the
// voucher. Responses for unknown sessions are logged and ignored: they
// arrive late by design when the drainer already gave up.
func (m *Manager) HandleProxyPairingResponse(remote identity.NodeID, msg *wire.ProxyPairingResponse) error {
	if _, ok := m.VouchingSession(msg.SessionID); !ok {
		m.logError("proxy pairing response", fmt.Errorf("unknown session %s", msg.SessionID))
		return nil
	}

	// A response missing its device id still has to land on a vouch row;
	// fall back to the sender's deterministic node-derived id.
	acceptingDeviceID := msg.AcceptingDeviceID
	if acceptingDeviceID == uuid.Nil {
		acceptingDeviceID = device.DeviceIDForNode(remote)
	}

	if m.queue != nil {
		if err := m.queue.RemoveEntry(msg.SessionID, acceptingDeviceID); err != nil {
			m.logError("queue remove", err)
		}
	}

	status := VouchAccepted
	if !msg.Accepted {
		status = VouchRejected
	}
	m.updateVouchStatus(msg.SessionID, acceptingDeviceID, status, msg.Reason)
	return nil
}

// HandleProxyPairingComplete stores the voucher's final report on the
// vouchee: every accepted device becomes a proxied pairing with the
// carried keys; rejections are logged but do not abort the session.
func (m *Manager) HandleProxyPairingComplete(remote identity.NodeID, msg *wire.ProxyPairingComplete) error {
	var firstErr error
	for _, accepted := range msg.AcceptedBy {
		if err := accepted.SessionKeys.Validate(); err != nil {
			m.logError("proxy pairing complete", fmt.Errorf("invalid keys for %s: %v", accepted.DeviceInfo.DeviceID, err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		// The accepted device's node identity is its public key.
		publicKey := accepted.DeviceInfo.NetworkFingerprint
		var keyBytes []byte
		if node, err := identity.ParseNodeID(publicKey); err == nil {
			keyBytes = node.Bytes()
		}
		if err := m.acceptVouchedDevice(accepted.DeviceInfo, keyBytes, accepted.SessionKeys, msg.VoucherDeviceID); err != nil {
			m.logError("proxy pairing complete", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	for _, rejected := range msg.RejectedBy {
		m.logError("proxy pairing complete", fmt.Errorf("device %s (%s) rejected the vouch: %s",
			rejected.DeviceName, rejected.DeviceID, rejected.Reason))
	}

	return firstErr
}
