package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AcquireLease atomically grants holder exclusive rights to mirrorID for
// ttl, stealing any lease that has already expired. It also flips the
// mirror's last_status to running in the same transaction, so an external
// observer never sees `running` without a live lease or vice versa. stolen
// reports whether an expired lease held by a different holder was reclaimed.
func (s *Store) AcquireLease(ctx context.Context, mirrorID, holder string, ttl time.Duration) (granted, stolen bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, false, fmt.Errorf("acquire lease: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := nowUTC()
	var expiresAt, priorHolder string
	row := tx.QueryRowContext(ctx, `SELECT holder_id, expires_at FROM mirror_leases WHERE mirror_id = ?`, mirrorID)
	err = row.Scan(&priorHolder, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// no existing lease; fall through to grant
	case err != nil:
		return false, false, fmt.Errorf("acquire lease: lookup: %w", err)
	default:
		existing, perr := time.Parse(time.RFC3339Nano, expiresAt)
		if perr != nil {
			return false, false, fmt.Errorf("acquire lease: parse expiry: %w", perr)
		}
		if existing.After(now) {
			return false, false, nil // live lease held by someone else
		}
		stolen = priorHolder != "" && priorHolder != holder
	}

	expires := now.Add(ttl)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO mirror_leases (mirror_id, holder_id, acquired_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(mirror_id) DO UPDATE SET holder_id = excluded.holder_id, acquired_at = excluded.acquired_at, expires_at = excluded.expires_at
	`, mirrorID, holder, now.Format(time.RFC3339Nano), expires.Format(time.RFC3339Nano)); err != nil {
		return false, false, fmt.Errorf("acquire lease: insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE mirrors SET last_status = ?, updated_at = ? WHERE id = ?`, string(StatusRunning), now.Format(time.RFC3339Nano), mirrorID); err != nil {
		return false, false, fmt.Errorf("acquire lease: update mirror: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, false, fmt.Errorf("acquire lease: commit: %w", err)
	}
	return true, stolen, nil
}

// ReleaseLease drops holder's lease on mirrorID if it still owns it. Unlike
// FinalizeAttempt (which also releases the lease), this does not touch
// last_status — the scheduler calls it when Engine.Sync returns an error
// and no terminal SyncAttempt write released the lease.
func (s *Store) ReleaseLease(ctx context.Context, mirrorID, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM mirror_leases WHERE mirror_id = ? AND holder_id = ?`, mirrorID, holder)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// LeaseHolder returns the current holder of mirrorID's lease, or "" if none
// is live.
func (s *Store) LeaseHolder(ctx context.Context, mirrorID string) (string, error) {
	var holder, expiresAt string
	row := s.db.QueryRowContext(ctx, `SELECT holder_id, expires_at FROM mirror_leases WHERE mirror_id = ?`, mirrorID)
	if err := row.Scan(&holder, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("lease holder: %w", err)
	}
	expires, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		return "", fmt.Errorf("lease holder: parse expiry: %w", err)
	}
	if !expires.After(nowUTC()) {
		return "", nil
	}
	return holder, nil
}
