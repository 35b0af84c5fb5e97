package authority

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/werkstattwaedi/machine-auth-sub005/pkg/nfc"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/wire"
)

// ErrTagUnknown is returned when a tag UID is not in the fleet.
var ErrTagUnknown = errors.New("tag is not registered")

// TagRecord describes a registered tag and its holder.
type TagRecord struct {
	Uid         nfc.TagUid
	UserID      string
	UserLabel   string
	Blocked     bool
	Permissions []string
}

// Store is the authority's SQLite-backed database: the tag fleet,
// issued sessions and uploaded usage records.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS tags (
	uid        TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	user_label TEXT NOT NULL,
	blocked    INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS permissions (
	tag_uid    TEXT NOT NULL,
	permission TEXT NOT NULL,
	PRIMARY KEY (tag_uid, permission)
);
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	tag_uid    TEXT NOT NULL,
	expiration INTEGER NOT NULL,
	created    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS usages (
	machine_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	tag_uid    TEXT NOT NULL,
	check_in   INTEGER NOT NULL,
	check_out  INTEGER NOT NULL,
	reason     INTEGER NOT NULL,
	PRIMARY KEY (machine_id, session_id, check_in)
);
`

// OpenStore opens or creates the database at path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RegisterTag adds or updates a tag and replaces its permissions.
func (s *Store) RegisterTag(ctx context.Context, rec *TagRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	uid := rec.Uid.String()
	blocked := 0
	if rec.Blocked {
		blocked = 1
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tags (uid, user_id, user_label, blocked) VALUES (?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET user_id = excluded.user_id,
			user_label = excluded.user_label, blocked = excluded.blocked`,
		uid, rec.UserID, rec.UserLabel, blocked); err != nil {
		return fmt.Errorf("upsert tag: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM permissions WHERE tag_uid = ?`, uid); err != nil {
		return fmt.Errorf("clear permissions: %w", err)
	}
	for _, permission := range rec.Permissions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO permissions (tag_uid, permission) VALUES (?, ?)`,
			uid, permission); err != nil {
			return fmt.Errorf("grant permission: %w", err)
		}
	}
	return tx.Commit()
}

// SetTagBlocked flips the blocked flag on a tag.
func (s *Store) SetTagBlocked(ctx context.Context, uid nfc.TagUid, blocked bool) error {
	flag := 0
	if blocked {
		flag = 1
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE tags SET blocked = ? WHERE uid = ?`, flag, uid.String())
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrTagUnknown
	}
	return nil
}

// Tag looks up a registered tag with its permissions.
func (s *Store) Tag(ctx context.Context, uid nfc.TagUid) (*TagRecord, error) {
	rec := &TagRecord{Uid: uid}
	var blocked int
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, user_label, blocked FROM tags WHERE uid = ?`,
		uid.String()).Scan(&rec.UserID, &rec.UserLabel, &blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTagUnknown
	}
	if err != nil {
		return nil, err
	}
	rec.Blocked = blocked != 0

	rows, err := s.db.QueryContext(ctx,
		`SELECT permission FROM permissions WHERE tag_uid = ? ORDER BY permission`,
		uid.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var permission string
		if err := rows.Scan(&permission); err != nil {
			return nil, err
		}
		rec.Permissions = append(rec.Permissions, permission)
	}
	return rec, rows.Err()
}

// ActiveSession returns the newest unexpired session for the tag, or
// nil when there is none.
func (s *Store) ActiveSession(ctx context.Context, uid nfc.TagUid, now time.Time) (sessionID string, expiration time.Time, err error) {
	var expirationUnix int64
	err = s.db.QueryRowContext(ctx, `
		SELECT id, expiration FROM sessions
		WHERE tag_uid = ? AND expiration > ?
		ORDER BY created DESC LIMIT 1`,
		uid.String(), now.Unix()).Scan(&sessionID, &expirationUnix)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return sessionID, time.Unix(expirationUnix, 0), nil
}

// CreateSession records a newly issued session.
func (s *Store) CreateSession(ctx context.Context, sessionID string, uid nfc.TagUid, expiration, created time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, tag_uid, expiration, created) VALUES (?, ?, ?, ?)`,
		sessionID, uid.String(), expiration.Unix(), created.Unix())
	return err
}

// RecordUsages stores uploaded usage records and returns how many were
// accepted. A terminal whose upload ack was lost re-sends the same
// batch; re-inserting an already stored record is a no-op that still
// counts as accepted, so the terminal can drop it.
func (s *Store) RecordUsages(ctx context.Context, machineID string, records []wire.UsageRecord) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for i := range records {
		rec := &records[i]
		uid, err := nfc.ParseTagUid(rec.TagUid)
		if err != nil {
			return 0, fmt.Errorf("usage record %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO usages (machine_id, session_id, tag_uid, check_in, check_out, reason)
			VALUES (?, ?, ?, ?, ?, ?)`,
			machineID, rec.SessionID, uid.String(),
			rec.CheckInUnixSeconds, rec.CheckOutUnixSeconds, uint8(rec.Reason)); err != nil {
			return 0, fmt.Errorf("insert usage: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(records), nil
}

// UsageCount returns the number of stored usages for a machine.
func (s *Store) UsageCount(ctx context.Context, machineID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usages WHERE machine_id = ?`, machineID).Scan(&count)
	return count, err
}
