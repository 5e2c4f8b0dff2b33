// Package store is the SQLite session behind the sync engine: schema
// migrations, scoped transactions and the row mappers for every persisted
// entity.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// busyTimeout bounds how long a writer waits for another connection's lock.
const busyTimeout = 5 * time.Second

// DBTX is the query surface shared by the session and a transaction, so
// mappers work the same inside and outside WithTx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// TxMode selects the SQLite locking behaviour of a transaction.
type TxMode int

const (
	// TxDeferred takes locks on first use.
	TxDeferred TxMode = iota
	// TxImmediate takes the write lock at BEGIN.
	TxImmediate
	// TxExclusive also blocks readers on non-WAL databases.
	TxExclusive
)

func (m TxMode) begin() string {
	switch m {
	case TxImmediate:
		return "BEGIN IMMEDIATE"
	case TxExclusive:
		return "BEGIN EXCLUSIVE"
	default:
		return "BEGIN DEFERRED"
	}
}

// Store is an open session database.
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the database at path, enables WAL mode and
// applies pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)", path, busyTimeout.Milliseconds())

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if err := migrate(ctx, db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}

	return goose.UpContext(ctx, db, "migrations")
}

// New wraps an existing handle without migrating it. Used with sqlmock.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// DB returns the session for statements outside a transaction.
func (s *Store) DB() DBTX {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction on a dedicated connection. The
// transaction commits when fn returns nil and rolls back when it returns an
// error or panics; panics are rethrown.
func (s *Store) WithTx(ctx context.Context, mode TxMode, fn func(tx DBTX) error) (err error) {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, mode.begin()); err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	// Rollback and commit must run even when ctx is already canceled.
	finish := context.WithoutCancel(ctx)

	defer func() {
		if p := recover(); p != nil {
			_, _ = conn.ExecContext(finish, "ROLLBACK")
			panic(p)
		}

		if err != nil {
			if _, rbErr := conn.ExecContext(finish, "ROLLBACK"); rbErr != nil {
				err = errors.Join(err, fmt.Errorf("rolling back: %w", rbErr))
			}

			return
		}

		if _, cErr := conn.ExecContext(finish, "COMMIT"); cErr != nil {
			_, _ = conn.ExecContext(finish, "ROLLBACK")
			err = fmt.Errorf("committing transaction: %w", cErr)
		}
	}()

	return fn(conn)
}

// formatTime is the column representation of timestamps.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}

	return t
}
