// Package store is the durable, transactional home for Mirrors,
// SyncAttempts, and per-mirror leases. It is backed by database/sql against
// an embedded pure-Go sqlite driver, opened with single-writer discipline.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is safe for concurrent use; sqlite itself serializes writers, and
// the pool is capped at one connection so that discipline is enforced at the
// Go level too.
type Store struct {
	db *sql.DB
}

// Open opens dsn and creates the schema if it does not already exist. A
// dsn beginning with "postgres://" is rejected in this build: only the
// embedded sqlite backend has a driver compiled in (see DESIGN.md).
func Open(dsn string) (*Store, error) {
	if strings.HasPrefix(dsn, "postgres://") {
		return nil, fmt.Errorf("store: postgres backend requires a pgx/lib-pq build; this build only wires modernc.org/sqlite")
	}

	sqliteDSN := dsn
	if !strings.Contains(sqliteDSN, "?") {
		sqliteDSN += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	}

	db, err := sql.Open("sqlite", sqliteDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the store is reachable, used for the health probe and boot
// validation.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const schemaVersion = 1

// migrate creates every table idempotently. A single current schema plus a
// schema_version row is sufficient here; see DESIGN.md for why.
func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mirrors (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			upstream_url TEXT NOT NULL,
			downstream_owner TEXT NOT NULL DEFAULT '',
			downstream_name TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			sync_interval_seconds INTEGER NOT NULL DEFAULT 0,
			last_attempt_at TEXT,
			last_success_at TEXT,
			last_status TEXT NOT NULL DEFAULT 'never',
			last_error_summary TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(downstream_owner, downstream_name)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_attempts (
			id TEXT PRIMARY KEY,
			mirror_id TEXT NOT NULL REFERENCES mirrors(id) ON DELETE CASCADE,
			trigger TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			outcome TEXT NOT NULL DEFAULT 'running',
			stage_reached TEXT NOT NULL DEFAULT 'init',
			error_class TEXT,
			error_detail TEXT NOT NULL DEFAULT '',
			bytes_transferred INTEGER NOT NULL DEFAULT 0,
			refs_updated INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_attempts_mirror ON sync_attempts(mirror_id, started_at DESC)`,
		`CREATE TABLE IF NOT EXISTS mirror_leases (
			mirror_id TEXT PRIMARY KEY REFERENCES mirrors(id) ON DELETE CASCADE,
			holder_id TEXT NOT NULL,
			acquired_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO schema_meta (id, version) VALUES (1, ?)`, schemaVersion)
	return err
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func parseTSPtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
