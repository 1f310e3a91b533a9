package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Status is one of a Mirror's last_status values.
type Status string

const (
	StatusNever   Status = "never"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusRunning Status = "running"
)

// Mirror is one upstream→downstream repository mapping.
type Mirror struct {
	ID                  string
	Name                string
	UpstreamURL         string
	DownstreamOwner     string // organization name; empty means the service user's namespace
	DownstreamName      string
	Enabled             bool
	SyncIntervalSeconds int // 0 means use the configured default
	LastAttemptAt       *time.Time
	LastSuccessAt       *time.Time
	LastStatus          Status
	LastErrorSummary    string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ErrNotFound is returned when a lookup by id matches no row.
var ErrNotFound = errors.New("store: not found")

// UpsertMirror inserts or fully replaces a mirror's configuration fields.
// Status fields (last_attempt_at, last_status, ...) are left untouched on
// update; only AcquireLease and FinalizeAttempt mutate those.
func (s *Store) UpsertMirror(ctx context.Context, m *Mirror) error {
	now := nowUTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mirrors (id, name, upstream_url, downstream_owner, downstream_name, enabled, sync_interval_seconds, last_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			upstream_url = excluded.upstream_url,
			downstream_owner = excluded.downstream_owner,
			downstream_name = excluded.downstream_name,
			enabled = excluded.enabled,
			sync_interval_seconds = excluded.sync_interval_seconds,
			updated_at = excluded.updated_at
	`, m.ID, m.Name, m.UpstreamURL, m.DownstreamOwner, m.DownstreamName, boolToInt(m.Enabled), m.SyncIntervalSeconds, string(StatusNever), m.CreatedAt.Format(time.RFC3339Nano), m.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert mirror: %w", err)
	}
	return nil
}

// GetMirror loads one mirror by id.
func (s *Store) GetMirror(ctx context.Context, id string) (*Mirror, error) {
	row := s.db.QueryRowContext(ctx, mirrorSelectCols+` WHERE id = ?`, id)
	m, err := scanMirror(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// ListFilter narrows ListMirrors; zero value lists everything.
type ListFilter struct {
	EnabledOnly bool
}

const mirrorSelectCols = `SELECT id, name, upstream_url, downstream_owner, downstream_name, enabled, sync_interval_seconds, last_attempt_at, last_success_at, last_status, last_error_summary, created_at, updated_at FROM mirrors`

// ListMirrors returns mirrors matching filter, ordered by name.
func (s *Store) ListMirrors(ctx context.Context, filter ListFilter) ([]*Mirror, error) {
	query := mirrorSelectCols
	if filter.EnabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list mirrors: %w", err)
	}
	defer rows.Close()

	var out []*Mirror
	for rows.Next() {
		m, err := scanMirror(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mirror: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMirror removes a mirror and, by foreign-key cascade, its sync
// attempts and lease row. The caller is responsible for removing the
// corresponding local clone directory.
func (s *Store) DeleteMirror(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mirrors WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete mirror: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMirror(row rowScanner) (*Mirror, error) {
	var m Mirror
	var enabled int
	var lastAttempt, lastSuccess sql.NullString
	var createdAt, updatedAt string
	var lastStatus string

	if err := row.Scan(&m.ID, &m.Name, &m.UpstreamURL, &m.DownstreamOwner, &m.DownstreamName, &enabled, &m.SyncIntervalSeconds, &lastAttempt, &lastSuccess, &lastStatus, &m.LastErrorSummary, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m.Enabled = enabled != 0
	m.LastStatus = Status(lastStatus)

	var err error
	if m.LastAttemptAt, err = parseTSPtr(lastAttempt); err != nil {
		return nil, err
	}
	if m.LastSuccessAt, err = parseTSPtr(lastSuccess); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
