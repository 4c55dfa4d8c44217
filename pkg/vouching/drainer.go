package vouching

import (
	"fmt"
	"time"

	"github.com/spacedrive/meshpair-go/pkg/vouchqueue"
	"github.com/spacedrive/meshpair-go/pkg/wire"
)

// ProcessQueue runs one drainer pass over the durable vouch queue:
// orphaned entries are dropped, exhausted entries become Unreachable, and
// Queued entries whose target is now connected are resent.
func (m *Manager) ProcessQueue() error {
	if m.queue == nil {
		return nil
	}

	cfg := m.Config()
	entries, err := m.queue.ListEntries()
	if err != nil {
		// Storage errors are logged by the caller and retried next tick.
		return err
	}
	now := time.Now()

	for _, entry := range entries {
		// The owning session is gone: nothing left to report to.
		if _, ok := m.VouchingSession(entry.SessionID); !ok {
			if err := m.queue.RemoveEntry(entry.SessionID, entry.TargetDeviceID); err != nil {
				m.logError("queue remove", err)
			}
			continue
		}

		if !entry.ExpiresAt.After(now) {
			if err := m.queue.RemoveEntry(entry.SessionID, entry.TargetDeviceID); err != nil {
				m.logError("queue remove", err)
				continue
			}
			m.emitQueueOp("expire", entry.TargetDeviceID, entry.RetryCount)
			m.updateVouchStatus(entry.SessionID, entry.TargetDeviceID, VouchUnreachable, reasonVouchExpired)
			continue
		}

		if entry.RetryCount >= cfg.VouchQueueRetryLimit {
			if err := m.queue.RemoveEntry(entry.SessionID, entry.TargetDeviceID); err != nil {
				m.logError("queue remove", err)
				continue
			}
			m.emitQueueOp("retry_limit", entry.TargetDeviceID, entry.RetryCount)
			m.updateVouchStatus(entry.SessionID, entry.TargetDeviceID, VouchUnreachable, reasonRetryLimit)
			continue
		}

		if entry.Status == vouchqueue.StatusWaiting {
			if entry.LastAttemptAt != nil && now.Sub(*entry.LastAttemptAt) > cfg.ResponseTimeout() {
				if err := m.queue.RemoveEntry(entry.SessionID, entry.TargetDeviceID); err != nil {
					m.logError("queue remove", err)
					continue
				}
				m.emitQueueOp("response_timeout", entry.TargetDeviceID, entry.RetryCount)
				m.updateVouchStatus(entry.SessionID, entry.TargetDeviceID, VouchUnreachable, reasonResponseTimeout)
			}
			continue
		}

		if entry.Status != vouchqueue.StatusQueued {
			continue
		}
		if !m.registry.IsDeviceConnected(entry.TargetDeviceID) {
			continue
		}
		node, ok := m.registry.NodeForDevice(entry.TargetDeviceID)
		if !ok {
			continue
		}

		// Re-sign with a fresh timestamp so the target's freshness check
		// passes regardless of how long the entry sat queued.
		timestamp := time.Now().UTC()
		payload := BuildPayload(entry.SessionID, entry.VoucheeDeviceInfo, entry.VoucheePublicKey, timestamp)
		signature, err := payload.Sign(m.identity)
		if err != nil {
			m.logError("queue resend signing", err)
			continue
		}

		request := &wire.ProxyPairingRequest{
			SessionID:          entry.SessionID,
			VoucheeDeviceInfo:  entry.VoucheeDeviceInfo,
			VoucheePublicKey:   entry.VoucheePublicKey,
			VoucherDeviceID:    entry.VoucherDeviceID,
			VoucherSignature:   signature,
			Timestamp:          timestamp,
			ProxiedSessionKeys: entry.ProxiedSessionKeys,
		}

		if err := m.sendMessage(node, request); err != nil {
			m.logError(fmt.Sprintf("queue resend to %s", entry.TargetDeviceID), err)
			if err := m.queue.UpdateStatus(entry.SessionID, entry.TargetDeviceID, vouchqueue.StatusQueued, entry.RetryCount+1, &now); err != nil {
				m.logError("queue update", err)
			}
			continue
		}

		if err := m.queue.UpdateStatus(entry.SessionID, entry.TargetDeviceID, vouchqueue.StatusWaiting, entry.RetryCount+1, &now); err != nil {
			m.logError("queue update", err)
		}
		m.emitQueueOp("resend", entry.TargetDeviceID, entry.RetryCount+1)
		m.updateVouchStatus(entry.SessionID, entry.TargetDeviceID, VouchWaiting, "")
	}

	return nil
}
