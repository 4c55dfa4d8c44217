package vouchqueue

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/spacedrive/meshpair-go/pkg/device"
)

func testEntry(sessionID, targetID uuid.UUID) *Entry {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Entry{
		SessionID:       sessionID,
		TargetDeviceID:  targetID,
		VoucherDeviceID: uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		VoucheeDeviceID: uuid.MustParse("00000000-0000-0000-0000-000000000002"),
		VoucheeDeviceInfo: device.DeviceInfo{
			DeviceID:   uuid.MustParse("00000000-0000-0000-0000-000000000002"),
			DeviceName: "phone",
			OS:         "android",
			LastSeen:   now,
		},
		VoucheePublicKey: bytes.Repeat([]byte{0x42}, 32),
		VoucherSignature: bytes.Repeat([]byte{0x24}, 64),
		ProxiedSessionKeys: device.SessionKeys{
			SendKey:    bytes.Repeat([]byte{1}, device.SessionKeySize),
			ReceiveKey: bytes.Repeat([]byte{2}, device.SessionKeySize),
		},
		CreatedAt:  now,
		ExpiresAt:  now.Add(7 * 24 * time.Hour),
		Status:     StatusQueued,
		RetryCount: 0,
	}
}

func TestUpsertAndList(t *testing.T) {
	q, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer q.Close()

	sessionID := uuid.New()
	targetID := uuid.New()
	entry := testEntry(sessionID, targetID)

	if err := q.UpsertEntry(entry); err != nil {
		t.Fatalf("UpsertEntry failed: %v", err)
	}

	entries, err := q.ListEntries()
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}

	got := entries[0]
	if got.SessionID != sessionID || got.TargetDeviceID != targetID {
		t.Errorf("key mismatch: %v/%v", got.SessionID, got.TargetDeviceID)
	}
	if got.VoucheeDeviceInfo.DeviceName != "phone" {
		t.Errorf("device info not round-tripped: %+v", got.VoucheeDeviceInfo)
	}
	if !bytes.Equal(got.VoucheePublicKey, entry.VoucheePublicKey) {
		t.Error("public key not round-tripped")
	}
	if !bytes.Equal(got.ProxiedSessionKeys.SendKey, entry.ProxiedSessionKeys.SendKey) {
		t.Error("session keys not round-tripped")
	}
	if !got.CreatedAt.Equal(entry.CreatedAt) || !got.ExpiresAt.Equal(entry.ExpiresAt) {
		t.Errorf("timestamps not round-tripped: %v / %v", got.CreatedAt, got.ExpiresAt)
	}
	if got.Status != StatusQueued || got.RetryCount != 0 || got.LastAttemptAt != nil {
		t.Errorf("delivery state mismatch: %+v", got)
	}
}

func TestUpsertReplacesNotDuplicates(t *testing.T) {
	q, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer q.Close()

	sessionID := uuid.New()
	targetID := uuid.New()

	first := testEntry(sessionID, targetID)
	if err := q.UpsertEntry(first); err != nil {
		t.Fatalf("UpsertEntry failed: %v", err)
	}

	second := testEntry(sessionID, targetID)
	second.RetryCount = 3
	second.Status = StatusWaiting
	ts := time.Now().UTC().Truncate(time.Microsecond)
	second.LastAttemptAt = &ts
	if err := q.UpsertEntry(second); err != nil {
		t.Fatalf("second UpsertEntry failed: %v", err)
	}

	entries, err := q.ListEntries()
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("upsert duplicated the row: %d entries", len(entries))
	}
	if entries[0].RetryCount != 3 || entries[0].Status != StatusWaiting {
		t.Errorf("row not replaced: %+v", entries[0])
	}
	if entries[0].LastAttemptAt == nil || !entries[0].LastAttemptAt.Equal(ts) {
		t.Errorf("last_attempt_at not replaced: %v", entries[0].LastAttemptAt)
	}
}

func TestUpdateStatus(t *testing.T) {
	q, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer q.Close()

	entry := testEntry(uuid.New(), uuid.New())
	if err := q.UpsertEntry(entry); err != nil {
		t.Fatalf("UpsertEntry failed: %v", err)
	}

	ts := time.Now().UTC().Truncate(time.Microsecond)
	if err := q.UpdateStatus(entry.SessionID, entry.TargetDeviceID, StatusWaiting, 1, &ts); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	entries, err := q.ListEntries()
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	got := entries[0]
	if got.Status != StatusWaiting || got.RetryCount != 1 {
		t.Errorf("status/retry = %v/%d, want waiting/1", got.Status, got.RetryCount)
	}
	if got.LastAttemptAt == nil || !got.LastAttemptAt.Equal(ts) {
		t.Errorf("last_attempt_at = %v, want %v", got.LastAttemptAt, ts)
	}
}

func TestRemoveEntryIdempotent(t *testing.T) {
	q, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer q.Close()

	entry := testEntry(uuid.New(), uuid.New())
	if err := q.UpsertEntry(entry); err != nil {
		t.Fatalf("UpsertEntry failed: %v", err)
	}

	if err := q.RemoveEntry(entry.SessionID, entry.TargetDeviceID); err != nil {
		t.Fatalf("RemoveEntry failed: %v", err)
	}
	// Second removal of the same key is a no-op.
	if err := q.RemoveEntry(entry.SessionID, entry.TargetDeviceID); err != nil {
		t.Errorf("second RemoveEntry failed: %v", err)
	}

	entries, err := q.ListEntries()
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("got %d entries after remove, want 0", len(entries))
	}
}

func TestRemoveExpired(t *testing.T) {
	q, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer q.Close()

	now := time.Now().UTC()

	expired := testEntry(uuid.New(), uuid.New())
	expired.ExpiresAt = now.Add(-time.Hour)
	live := testEntry(uuid.New(), uuid.New())
	live.ExpiresAt = now.Add(time.Hour)

	for _, e := range []*Entry{expired, live} {
		if err := q.UpsertEntry(e); err != nil {
			t.Fatalf("UpsertEntry failed: %v", err)
		}
	}

	n, err := q.RemoveExpired(now)
	if err != nil {
		t.Fatalf("RemoveExpired failed: %v", err)
	}
	if n != 1 {
		t.Errorf("removed %d entries, want 1", n)
	}

	entries, err := q.ListEntries()
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if len(entries) != 1 || entries[0].SessionID != live.SessionID {
		t.Errorf("wrong survivor: %+v", entries)
	}
}

func TestDurabilityAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	q, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	entry := testEntry(uuid.New(), uuid.New())
	ts := time.Now().UTC().Truncate(time.Microsecond)
	entry.Status = StatusWaiting
	entry.RetryCount = 2
	entry.LastAttemptAt = &ts
	if err := q.UpsertEntry(entry); err != nil {
		t.Fatalf("UpsertEntry failed: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopen: the entry must reappear with identical contents.
	q2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer q2.Close()

	entries, err := q2.ListEntries()
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries after reopen, want 1", len(entries))
	}
	got := entries[0]
	if got.SessionID != entry.SessionID || got.Status != StatusWaiting || got.RetryCount != 2 {
		t.Errorf("entry changed across restart: %+v", got)
	}
	if got.LastAttemptAt == nil || !got.LastAttemptAt.Equal(ts) {
		t.Errorf("last_attempt_at changed across restart: %v", got.LastAttemptAt)
	}
	if !bytes.Equal(got.VoucherSignature, entry.VoucherSignature) {
		t.Error("signature changed across restart")
	}
}

func TestStrictDecodeSurfacesCorruption(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer q.Close()

	entry := testEntry(uuid.New(), uuid.New())
	if err := q.UpsertEntry(entry); err != nil {
		t.Fatalf("UpsertEntry failed: %v", err)
	}

	// Corrupt the stored status out of band.
	if _, err := q.db.Exec("UPDATE vouching_queue SET status = 'garbage'"); err != nil {
		t.Fatalf("corruption update failed: %v", err)
	}
	if _, err := q.ListEntries(); !errors.Is(err, ErrCorruptEntry) {
		t.Errorf("corrupt status: got %v, want ErrCorruptEntry", err)
	}

	// Corrupt the session keys JSON.
	if _, err := q.db.Exec("UPDATE vouching_queue SET status = 'queued', proxied_session_keys = 'not json'"); err != nil {
		t.Fatalf("corruption update failed: %v", err)
	}
	if _, err := q.ListEntries(); !errors.Is(err, ErrCorruptEntry) {
		t.Errorf("corrupt keys: got %v, want ErrCorruptEntry", err)
	}
}

func TestStatusString(t *testing.T) {
	if StatusQueued.String() != "queued" || StatusWaiting.String() != "waiting" {
		t.Error("status strings changed")
	}
	if _, err := parseStatus("queued"); err != nil {
		t.Error("parseStatus(queued) failed")
	}
	if _, err := parseStatus("bogus"); err == nil {
		t.Error("parseStatus accepted bogus value")
	}
}
