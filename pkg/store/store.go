// Package store is the SQLite persistence behind users, the message log,
// auto-reply rules, scheduled broadcasts and conversation checkpoints.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// RepositoryError wraps every failure coming out of the store.
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string { return "store: " + e.Op + ": " + e.Err.Error() }

func (e *RepositoryError) Unwrap() error { return e.Err }

func repoErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
	}
	return &RepositoryError{Op: op, Err: err}
}

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the database at path. ":memory:" is accepted for tests.
func Open(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection: SQLite has a single writer anyway and ":memory:"
	// is per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database answers, for readiness checks.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return repoErr("ping", s.db.PingContext(ctx))
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			external_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			is_admin INTEGER NOT NULL DEFAULT 0,
			subscribed INTEGER NOT NULL DEFAULT 1,
			message_count INTEGER NOT NULL DEFAULT 0,
			first_seen_ms INTEGER NOT NULL,
			last_seen_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL,
			user_external_id TEXT NOT NULL DEFAULT '',
			chat_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT 'text',
			content TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_user_idx ON messages(user_external_id, created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS auto_replies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			keyword TEXT NOT NULL,
			strategy TEXT NOT NULL DEFAULT 'contains',
			response TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS scheduled_messages (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			cron TEXT NOT NULL,
			message TEXT NOT NULL,
			target_type TEXT NOT NULL DEFAULT 'all',
			target_id TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			last_run_ms INTEGER NOT NULL DEFAULT 0,
			next_run_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			user_external_id TEXT PRIMARY KEY,
			turns_json TEXT NOT NULL DEFAULT '[]',
			updated_at_ms INTEGER NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func (s *SQLiteStore) nowMS() int64 { return s.now().UnixMilli() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func toMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
