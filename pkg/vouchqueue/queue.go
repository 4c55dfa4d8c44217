package vouchqueue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/spacedrive/meshpair-go/pkg/device"
)

// timeLayout is the fixed-width UTC timestamp layout used for stored
// timestamps. Fixed precision keeps lexicographic ordering equal to
// chronological ordering, which the expires_at comparison relies on.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Queue errors.
var (
	// ErrStorage wraps failures of the underlying store.
	ErrStorage = errors.New("vouch queue storage error")

	// ErrCorruptEntry indicates a row that cannot be decoded.
	ErrCorruptEntry = errors.New("corrupt vouch queue entry")
)

// Status is the delivery state of a queue entry.
type Status uint8

const (
	// StatusQueued - not yet delivered; the drainer will send when the
	// target connects.
	StatusQueued Status = 0

	// StatusWaiting - delivered; awaiting the target's response.
	StatusWaiting Status = 1
)

// String returns the status name as stored in the table.
func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	default:
		return "queued"
	}
}

// parseStatus decodes a stored status string. Unknown values are an error:
// a corrupted status must surface, not silently degrade to Queued.
func parseStatus(value string) (Status, error) {
	switch value {
	case "queued":
		return StatusQueued, nil
	case "waiting":
		return StatusWaiting, nil
	default:
		return StatusQueued, fmt.Errorf("%w: unknown status %q", ErrCorruptEntry, value)
	}
}

// Entry is one durable row of the vouch queue.
// (SessionID, TargetDeviceID) is the unique key.
type Entry struct {
	SessionID          uuid.UUID
	TargetDeviceID     uuid.UUID
	VoucherDeviceID    uuid.UUID
	VoucheeDeviceID    uuid.UUID
	VoucheeDeviceInfo  device.DeviceInfo
	VoucheePublicKey   []byte
	VoucherSignature   []byte
	ProxiedSessionKeys device.SessionKeys
	CreatedAt          time.Time
	ExpiresAt          time.Time
	Status             Status
	RetryCount         uint32

	// LastAttemptAt is nil until the first delivery attempt. An entry in
	// Waiting always has it set.
	LastAttemptAt *time.Time
}

// Queue is a durable vouch queue backed by an embedded sqlite database.
type Queue struct {
	db *sql.DB
}

// Open creates or opens the queue database under dataDir.
func Open(dataDir string) (*Queue, error) {
	dir := filepath.Join(dataDir, "networking")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	path := filepath.Join(dir, "vouching_queue.db")
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s: %v", ErrStorage, path, err)
	}

	q := &Queue{db: db}
	if err := q.initTable(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// initTable creates the queue table and its indexes.
func (q *Queue) initTable() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS vouching_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		target_device_id TEXT NOT NULL,
		voucher_device_id TEXT NOT NULL,
		vouchee_device_id TEXT NOT NULL,
		vouchee_device_info TEXT NOT NULL,
		vouchee_public_key BLOB NOT NULL,
		voucher_signature BLOB NOT NULL,
		proxied_session_keys TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER DEFAULT 0,
		last_attempt_at TEXT,

		UNIQUE(session_id, target_device_id)
	)`

	if _, err := q.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: failed to create vouching queue: %v", ErrStorage, err)
	}
	for _, idx := range []string{
		"CREATE INDEX IF NOT EXISTS idx_vouching_queue_target ON vouching_queue(target_device_id)",
		"CREATE INDEX IF NOT EXISTS idx_vouching_queue_expires ON vouching_queue(expires_at)",
	} {
		if _, err := q.db.Exec(idx); err != nil {
			return fmt.Errorf("%w: failed to index vouching queue: %v", ErrStorage, err)
		}
	}
	return nil
}

// UpsertEntry inserts the entry, replacing any existing row with the same
// (session_id, target_device_id).
func (q *Queue) UpsertEntry(entry *Entry) error {
	infoJSON, err := json.Marshal(entry.VoucheeDeviceInfo)
	if err != nil {
		return fmt.Errorf("%w: failed to encode device info: %v", ErrStorage, err)
	}
	keysJSON, err := json.Marshal(entry.ProxiedSessionKeys)
	if err != nil {
		return fmt.Errorf("%w: failed to encode session keys: %v", ErrStorage, err)
	}

	const stmt = `
	INSERT INTO vouching_queue (
		session_id, target_device_id, voucher_device_id, vouchee_device_id,
		vouchee_device_info, vouchee_public_key, voucher_signature,
		proxied_session_keys, created_at, expires_at, status,
		retry_count, last_attempt_at
	)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id, target_device_id) DO UPDATE SET
		voucher_device_id = excluded.voucher_device_id,
		vouchee_device_id = excluded.vouchee_device_id,
		vouchee_device_info = excluded.vouchee_device_info,
		vouchee_public_key = excluded.vouchee_public_key,
		voucher_signature = excluded.voucher_signature,
		proxied_session_keys = excluded.proxied_session_keys,
		created_at = excluded.created_at,
		expires_at = excluded.expires_at,
		status = excluded.status,
		retry_count = excluded.retry_count,
		last_attempt_at = excluded.last_attempt_at`

	_, err = q.db.Exec(stmt,
		entry.SessionID.String(),
		entry.TargetDeviceID.String(),
		entry.VoucherDeviceID.String(),
		entry.VoucheeDeviceID.String(),
		string(infoJSON),
		entry.VoucheePublicKey,
		entry.VoucherSignature,
		string(keysJSON),
		entry.CreatedAt.UTC().Format(timeLayout),
		entry.ExpiresAt.UTC().Format(timeLayout),
		entry.Status.String(),
		int64(entry.RetryCount),
		timeOrNull(entry.LastAttemptAt),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to upsert vouch: %v", ErrStorage, err)
	}
	return nil
}

// ListEntries returns a full snapshot of the queue for drainer passes.
func (q *Queue) ListEntries() ([]Entry, error) {
	const stmt = `
	SELECT session_id, target_device_id, voucher_device_id, vouchee_device_id,
		vouchee_device_info, vouchee_public_key, voucher_signature,
		proxied_session_keys, created_at, expires_at, status,
		retry_count, last_attempt_at
	FROM vouching_queue
	ORDER BY id`

	rows, err := q.db.Query(stmt)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list vouches: %v", ErrStorage, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return entries, nil
}

// scanEntry decodes one row. Decoding is strict: any malformed field is an
// error, never a silently substituted default.
func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		entry                                          Entry
		sessionID, targetID, voucherID, voucheeID      string
		infoJSON, keysJSON, createdAt, expiresAt, stat string
		retryCount                                     int64
		lastAttemptAt                                  sql.NullString
	)

	if err := rows.Scan(
		&sessionID, &targetID, &voucherID, &voucheeID,
		&infoJSON, &entry.VoucheePublicKey, &entry.VoucherSignature,
		&keysJSON, &createdAt, &expiresAt, &stat,
		&retryCount, &lastAttemptAt,
	); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	var err error
	if entry.SessionID, err = uuid.Parse(sessionID); err != nil {
		return Entry{}, fmt.Errorf("%w: invalid session_id %q: %v", ErrCorruptEntry, sessionID, err)
	}
	if entry.TargetDeviceID, err = uuid.Parse(targetID); err != nil {
		return Entry{}, fmt.Errorf("%w: invalid target_device_id %q: %v", ErrCorruptEntry, targetID, err)
	}
	if entry.VoucherDeviceID, err = uuid.Parse(voucherID); err != nil {
		return Entry{}, fmt.Errorf("%w: invalid voucher_device_id %q: %v", ErrCorruptEntry, voucherID, err)
	}
	if entry.VoucheeDeviceID, err = uuid.Parse(voucheeID); err != nil {
		return Entry{}, fmt.Errorf("%w: invalid vouchee_device_id %q: %v", ErrCorruptEntry, voucheeID, err)
	}
	if err = json.Unmarshal([]byte(infoJSON), &entry.VoucheeDeviceInfo); err != nil {
		return Entry{}, fmt.Errorf("%w: invalid vouchee_device_info: %v", ErrCorruptEntry, err)
	}
	if err = json.Unmarshal([]byte(keysJSON), &entry.ProxiedSessionKeys); err != nil {
		return Entry{}, fmt.Errorf("%w: invalid proxied_session_keys: %v", ErrCorruptEntry, err)
	}
	if entry.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return Entry{}, fmt.Errorf("%w: invalid created_at %q: %v", ErrCorruptEntry, createdAt, err)
	}
	if entry.ExpiresAt, err = time.Parse(timeLayout, expiresAt); err != nil {
		return Entry{}, fmt.Errorf("%w: invalid expires_at %q: %v", ErrCorruptEntry, expiresAt, err)
	}
	if entry.Status, err = parseStatus(stat); err != nil {
		return Entry{}, err
	}
	entry.RetryCount = uint32(retryCount)

	if lastAttemptAt.Valid && lastAttemptAt.String != "" {
		ts, err := time.Parse(timeLayout, lastAttemptAt.String)
		if err != nil {
			return Entry{}, fmt.Errorf("%w: invalid last_attempt_at %q: %v", ErrCorruptEntry, lastAttemptAt.String, err)
		}
		entry.LastAttemptAt = &ts
	}

	return entry, nil
}

// UpdateStatus updates delivery state in place for one entry.
func (q *Queue) UpdateStatus(sessionID, targetDeviceID uuid.UUID, status Status, retryCount uint32, lastAttemptAt *time.Time) error {
	const stmt = `
	UPDATE vouching_queue
	SET status = ?, retry_count = ?, last_attempt_at = ?
	WHERE session_id = ? AND target_device_id = ?`

	_, err := q.db.Exec(stmt,
		status.String(),
		int64(retryCount),
		timeOrNull(lastAttemptAt),
		sessionID.String(),
		targetDeviceID.String(),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to update vouch: %v", ErrStorage, err)
	}
	return nil
}

// RemoveEntry deletes one entry. Idempotent: removing an absent entry is
// not an error.
func (q *Queue) RemoveEntry(sessionID, targetDeviceID uuid.UUID) error {
	_, err := q.db.Exec(
		"DELETE FROM vouching_queue WHERE session_id = ? AND target_device_id = ?",
		sessionID.String(), targetDeviceID.String(),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to delete vouch: %v", ErrStorage, err)
	}
	return nil
}

// RemoveExpired bulk-deletes all entries with expires_at <= now and returns
// the number removed.
func (q *Queue) RemoveExpired(now time.Time) (int64, error) {
	res, err := q.db.Exec(
		"DELETE FROM vouching_queue WHERE expires_at <= ?",
		now.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to delete expired vouches: %v", ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return n, nil
}

// timeOrNull renders an optional timestamp for storage.
func timeOrNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}
