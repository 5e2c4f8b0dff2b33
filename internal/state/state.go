// Package state keeps application state that lives outside the mail
// store: the client id, sync run outcomes, the push cursor and the outbox
// bookkeeping.
package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the data directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// FileName is the state database inside the data directory.
	FileName = "state.db"
)

var (
	appBucket    = []byte("app")
	runsBucket   = []byte("runs")
	outboxBucket = []byte("outbox")

	clientIDKey     = []byte("client_id")
	notifyCursorKey = []byte("notify_cursor")
)

// SyncRun is the outcome of the last job of one kind. Kind is a sync mode
// name or "attachments".
type SyncRun struct {
	Kind     string    `json:"kind"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Error    string    `json:"error,omitempty"`
	Canceled bool      `json:"canceled,omitempty"`

	MessagesNew      int   `json:"messages_new"`
	MessagesModified int   `json:"messages_modified"`
	MessagesDeleted  int   `json:"messages_deleted"`
	UploadedBytes    int64 `json:"uploaded_bytes"`
	DownloadedBytes  int64 `json:"downloaded_bytes"`
}

// OK reports whether the run completed.
func (r SyncRun) OK() bool {
	return r.Error == "" && !r.Canceled
}

// OutboxEntry records an outbox file that was already queued as a draft.
// Hash is the SHA-256 of the file content at that time.
type OutboxEntry struct {
	Path           string    `json:"path"`
	Hash           string    `json:"hash"`
	ConversationID int64     `json:"conversation_id"`
	Queued         time.Time `json:"queued"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// Load opens the state database in dataDir, creating it if it does not
// exist.
func Load(dataDir string) (*State, error) {
	return LoadAt(filepath.Join(dataDir, FileName))
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, runsBucket, outboxBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// ClientID returns the id of this installation, generating it on first
// use. It names the device towards the push service and holds delivery
// locks.
func (s *State) ClientID() (string, error) {
	var id string

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		if v := b.Get(clientIDKey); v != nil {
			id = string(v)
			return nil
		}

		id = uuid.NewString()

		return b.Put(clientIDKey, []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("loading client id: %w", err)
	}

	return id, nil
}

// NotifyCursor returns the last change id seen by the push listener, or 0.
func (s *State) NotifyCursor() int64 {
	var cursor int64

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(notifyCursorKey); len(v) == 8 {
			cursor = int64(binary.BigEndian.Uint64(v))
		}

		return nil
	})

	return cursor
}

// SetNotifyCursor persists the push cursor.
func (s *State) SetNotifyCursor(cursor int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(notifyCursorKey, binary.BigEndian.AppendUint64(nil, uint64(cursor)))
	})
}

// RecordRun stores r as the last run of its kind.
func (s *State) RecordRun(r SyncRun) error {
	if r.Kind == "" {
		return fmt.Errorf("sync run kind is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}

		return tx.Bucket(runsBucket).Put([]byte(r.Kind), data)
	})
}

// LastRun returns the last run of a kind, or nil if there was none.
func (s *State) LastRun(kind string) (*SyncRun, error) {
	var r *SyncRun

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(runsBucket).Get([]byte(kind))
		if v == nil {
			return nil
		}

		r = &SyncRun{}

		return json.Unmarshal(v, r)
	})

	return r, err
}

// AllRuns returns the last run of every kind, keyed by kind.
func (s *State) AllRuns() (map[string]SyncRun, error) {
	result := make(map[string]SyncRun)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).ForEach(func(k, v []byte) error {
			var r SyncRun
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}

			result[string(k)] = r

			return nil
		})
	})

	return result, err
}

// OutboxEntry returns the entry for an outbox file, or nil if not found.
func (s *State) OutboxEntry(path string) (*OutboxEntry, error) {
	var e *OutboxEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(outboxBucket).Get([]byte(path))
		if v == nil {
			return nil
		}

		e = &OutboxEntry{}

		return json.Unmarshal(v, e)
	})

	return e, err
}

// SetOutboxEntry persists the entry for e.Path.
func (s *State) SetOutboxEntry(e OutboxEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}

		return tx.Bucket(outboxBucket).Put([]byte(e.Path), data)
	})
}

// DeleteOutboxEntry removes the entry for an outbox file.
func (s *State) DeleteOutboxEntry(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(outboxBucket).Delete([]byte(path))
	})
}
