package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Trigger identifies what caused a SyncAttempt to run.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
	TriggerRetry     Trigger = "retry"
)

// Outcome is a SyncAttempt's terminal disposition.
type Outcome string

const (
	OutcomeRunning   Outcome = "running" // transient; never a terminal value
	OutcomeSuccess   Outcome = "success"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeTimeout   Outcome = "timeout"
)

// Stage is how far the sync pipeline progressed.
type Stage string

const (
	StageInit             Stage = "init"
	StageEnsureRemote     Stage = "ensure_remote"
	StageFetch            Stage = "fetch"
	StageEnsureDownstream Stage = "ensure_downstream"
	StagePush             Stage = "push"
	StageDone             Stage = "done"
)

// SyncAttempt is one append-only history row.
type SyncAttempt struct {
	ID               string
	MirrorID         string
	Trigger          Trigger
	StartedAt        time.Time
	FinishedAt       *time.Time
	Outcome          Outcome
	StageReached     Stage
	ErrorClass       string // empty on success
	ErrorDetail      string
	BytesTransferred int64
	RefsUpdated      int64
}

// BeginAttempt inserts the transient header row for a new attempt.
func (s *Store) BeginAttempt(ctx context.Context, mirrorID string, trigger Trigger) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_attempts (id, mirror_id, trigger, started_at, outcome, stage_reached)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, mirrorID, string(trigger), nowUTC().Format(time.RFC3339Nano), string(OutcomeRunning), string(StageInit))
	if err != nil {
		return "", fmt.Errorf("begin attempt: %w", err)
	}
	return id, nil
}

// FinalizeFields carries the terminal state of a SyncAttempt.
type FinalizeFields struct {
	Outcome          Outcome
	StageReached     Stage
	ErrorClass       string
	ErrorDetail      string
	BytesTransferred int64
	RefsUpdated      int64
}

// FinalizeAttempt writes the terminal fields of an attempt and, in the same
// transaction, updates the owning mirror's status fields and releases its
// lease row if the engine hasn't already. It is idempotent: calling it a
// second time on an already-finished attempt is a no-op.
func (s *Store) FinalizeAttempt(ctx context.Context, attemptID string, f FinalizeFields) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("finalize attempt: begin tx: %w", err)
	}
	defer tx.Rollback()

	var mirrorID string
	var finishedAt sql.NullString
	row := tx.QueryRowContext(ctx, `SELECT mirror_id, finished_at FROM sync_attempts WHERE id = ?`, attemptID)
	if err := row.Scan(&mirrorID, &finishedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("finalize attempt: lookup: %w", err)
	}
	if finishedAt.Valid {
		return nil // already finalized; history is append-only
	}

	now := nowUTC()
	var errClass any
	if f.ErrorClass != "" {
		errClass = f.ErrorClass
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sync_attempts SET finished_at = ?, outcome = ?, stage_reached = ?, error_class = ?, error_detail = ?, bytes_transferred = ?, refs_updated = ?
		WHERE id = ?
	`, now.Format(time.RFC3339Nano), string(f.Outcome), string(f.StageReached), errClass, f.ErrorDetail, f.BytesTransferred, f.RefsUpdated, attemptID); err != nil {
		return fmt.Errorf("finalize attempt: update: %w", err)
	}

	mirrorStatus := StatusFailed
	summary := f.ErrorDetail
	var successAt any

	switch f.Outcome {
	case OutcomeSuccess:
		mirrorStatus = StatusSuccess
		summary = ""
		successAt = now.Format(time.RFC3339Nano)
	case OutcomeCancelled:
		// A cancelled attempt never got to a terminal success/failure of its
		// own; the mirror's status and summary revert to whatever they were
		// before this attempt's lease flipped last_status to "running",
		// approximated by the outcome of the last other finalized attempt.
		var currentSummary string
		if err := tx.QueryRowContext(ctx, `SELECT last_error_summary FROM mirrors WHERE id = ?`, mirrorID).Scan(&currentSummary); err != nil {
			return fmt.Errorf("finalize attempt: read mirror summary: %w", err)
		}
		summary = currentSummary

		var prevOutcome string
		err := tx.QueryRowContext(ctx, `
			SELECT outcome FROM sync_attempts
			WHERE mirror_id = ? AND id != ? AND finished_at IS NOT NULL
			ORDER BY started_at DESC LIMIT 1
		`, mirrorID, attemptID).Scan(&prevOutcome)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			mirrorStatus = StatusNever
		case err != nil:
			return fmt.Errorf("finalize attempt: lookup previous outcome: %w", err)
		case Outcome(prevOutcome) == OutcomeSuccess:
			mirrorStatus = StatusSuccess
		default:
			mirrorStatus = StatusFailed
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE mirrors SET last_attempt_at = ?, last_status = ?, last_error_summary = ?, updated_at = ?,
			last_success_at = COALESCE(?, last_success_at)
		WHERE id = ?
	`, now.Format(time.RFC3339Nano), string(mirrorStatus), summary, now.Format(time.RFC3339Nano), successAt, mirrorID); err != nil {
		return fmt.Errorf("finalize attempt: update mirror: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM mirror_leases WHERE mirror_id = ?`, mirrorID); err != nil {
		return fmt.Errorf("finalize attempt: release lease: %w", err)
	}

	return tx.Commit()
}

// RecentHistory returns up to limit attempts for mirrorID, newest first. An
// empty mirrorID returns the global feed across all mirrors.
func (s *Store) RecentHistory(ctx context.Context, mirrorID string, limit int) ([]*SyncAttempt, error) {
	query := `SELECT id, mirror_id, trigger, started_at, finished_at, outcome, stage_reached, error_class, error_detail, bytes_transferred, refs_updated FROM sync_attempts`
	args := []any{}
	if mirrorID != "" {
		query += ` WHERE mirror_id = ?`
		args = append(args, mirrorID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent history: %w", err)
	}
	defer rows.Close()

	var out []*SyncAttempt
	for rows.Next() {
		a := &SyncAttempt{}
		var finishedAt, errClass sql.NullString
		var trigger, outcome, stage, startedAt string
		if err := rows.Scan(&a.ID, &a.MirrorID, &trigger, &startedAt, &finishedAt, &outcome, &stage, &errClass, &a.ErrorDetail, &a.BytesTransferred, &a.RefsUpdated); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Trigger = Trigger(trigger)
		a.Outcome = Outcome(outcome)
		a.StageReached = Stage(stage)
		a.ErrorClass = errClass.String
		if a.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, err
		}
		if a.FinishedAt, err = parseTSPtr(finishedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
