package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Setting is one profile field with separate local and server values.
type Setting struct {
	Key          string         `db:"key"`
	LocalValue   sql.NullString `db:"local_value"`
	RemoteValue  sql.NullString `db:"remote_value"`
	LastModified int64          `db:"last_modified"`
}

// Value returns the pending local value if any, else the server value.
func (s *Setting) Value() string {
	if s.LocalValue.Valid {
		return s.LocalValue.String
	}

	return s.RemoteValue.String
}

// LoadSetting returns the field or nil.
func LoadSetting(ctx context.Context, q DBTX, key string) (*Setting, error) {
	var s Setting

	err := q.GetContext(ctx, &s,
		"SELECT key, local_value, remote_value, last_modified FROM user_settings WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("loading setting %s: %w", key, err)
	}

	return &s, nil
}

// SetLocalValue records a local edit to be uploaded by the next sync.
func SetLocalValue(ctx context.Context, q DBTX, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO user_settings (key, local_value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET local_value = excluded.local_value`, key, value)
	if err != nil {
		return fmt.Errorf("setting local value of %s: %w", key, err)
	}

	return nil
}

// SetRemoteValue stores a server value as the new baseline and drops any
// pending local edit, unless the stored timestamp already equals
// lastModified. It reports whether anything changed.
func SetRemoteValue(ctx context.Context, q DBTX, key, value string, lastModified int64) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE user_settings SET local_value = NULL, remote_value = ?, last_modified = ?
		WHERE key = ? AND last_modified != ?`, value, lastModified, key, lastModified)
	if err != nil {
		return false, fmt.Errorf("setting remote value of %s: %w", key, err)
	}

	if n, err := res.RowsAffected(); err != nil {
		return false, fmt.Errorf("setting remote value of %s: %w", key, err)
	} else if n > 0 {
		return true, nil
	}

	res, err = q.ExecContext(ctx, `
		INSERT OR IGNORE INTO user_settings (key, local_value, remote_value, last_modified)
		VALUES (?, NULL, ?, ?)`, key, value, lastModified)
	if err != nil {
		return false, fmt.Errorf("inserting remote value of %s: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inserting remote value of %s: %w", key, err)
	}

	return n > 0, nil
}

// LocalChanges returns fields whose local value differs from the server.
func LocalChanges(ctx context.Context, q DBTX) ([]Setting, error) {
	var out []Setting

	err := q.SelectContext(ctx, &out, `
		SELECT key, local_value, remote_value, last_modified FROM user_settings
		WHERE local_value IS NOT NULL AND (remote_value IS NULL OR local_value != remote_value)
		ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("listing local setting changes: %w", err)
	}

	return out, nil
}

// SyncType names an incremental download stream.
type SyncType string

const (
	SyncMessages SyncType = "messages"
	SyncProfile  SyncType = "profile"
)

// SyncTimestamp returns the checkpoint of a stream, zero when never synced.
func SyncTimestamp(ctx context.Context, q DBTX, typ SyncType) (int64, error) {
	var ts int64

	err := q.GetContext(ctx, &ts, "SELECT ts FROM sync WHERE data_type = ?", string(typ))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("loading %s checkpoint: %w", typ, err)
	}

	return ts, nil
}

// SetSyncTimestamp advances the checkpoint of a stream. A lower value than
// the stored one is ignored so the checkpoint never regresses.
func SetSyncTimestamp(ctx context.Context, q DBTX, typ SyncType, ts int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync (data_type, ts) VALUES (?, ?)
		ON CONFLICT (data_type) DO UPDATE SET ts = max(sync.ts, excluded.ts)`, string(typ), ts)
	if err != nil {
		return fmt.Errorf("saving %s checkpoint: %w", typ, err)
	}

	return nil
}
