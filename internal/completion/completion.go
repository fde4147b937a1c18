// Package completion implements the Completion Handler: the sole writer of
// terminal task state, parent-deck status, and dependent unblocking
// (spec §4.4).
package completion

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/halbzeit/reviewqueue/internal/metrics"
	"github.com/halbzeit/reviewqueue/internal/queue"
	"github.com/halbzeit/reviewqueue/internal/task"
)

type Handler struct {
	db    *sqlx.DB
	retry task.RetryPolicy
}

func NewHandler(db *sqlx.DB, retry task.RetryPolicy) *Handler {
	return &Handler{db: db, retry: retry}
}

// Outcome is the caller-supplied result of a task attempt (spec §4.4).
type Outcome struct {
	Success        bool
	ResultPath     string
	ResultMetadata json.RawMessage
	ErrorMessage   string
}

// Complete finalises a task attempt. It rejects the call if workerID does
// not currently hold the task's lease — including a success reported after
// the lease was reclaimed, per SPEC_FULL.md Open Question 2: the re-leased
// execution is authoritative, not the late arrival.
func (h *Handler) Complete(ctx context.Context, taskID int64, workerID string, outcome Outcome) error {
	return withTx(ctx, h.db, func(tx *sqlx.Tx) error {
		var t task.Task
		row := tx.QueryRowxContext(ctx, `SELECT * FROM tasks WHERE id = $1 FOR UPDATE`, taskID)
		if err := row.StructScan(&t); err != nil {
			if err == sql.ErrNoRows {
				return &queue.Error{Outcome: queue.Validation, Msg: "completion: task not found", Err: queue.ErrTaskNotFound}
			}
			return fmt.Errorf("select task for completion: %w", err)
		}

		if t.LockedBy == nil || *t.LockedBy != workerID {
			// Idempotence: a second success call from the worker that already
			// completed it is a no-op success, not a lease-lost error
			// (spec §8 idempotence laws).
			if t.State == task.StateCompleted && outcome.Success {
				return nil
			}
			return &queue.Error{Outcome: queue.LeaseLost, Msg: "completion: caller does not hold the lease"}
		}

		if outcome.Success {
			return h.complete(ctx, tx, &t, outcome)
		}
		return h.fail(ctx, tx, &t, outcome)
	})
}

func (h *Handler) complete(ctx context.Context, tx *sqlx.Tx, t *task.Task, outcome Outcome) error {
	metadata := outcome.ResultMetadata
	if metadata == nil {
		metadata = json.RawMessage(`{}`)
	}
	now := time.Now()

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET state = 'completed', progress = 100, completed_at = $1,
		    result_path = $2, result_metadata = $3,
		    locked_by = NULL, locked_at = NULL, lock_expires_at = NULL
		WHERE id = $4
	`, now, outcome.ResultPath, metadata, t.ID); err != nil {
		return fmt.Errorf("mark task completed: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE decks
		SET processing_status = 'completed', results_file_path = $1, updated_at = now()
		WHERE id = $2
	`, outcome.ResultPath, t.DeckID); err != nil {
		return fmt.Errorf("update deck on completion: %w", err)
	}

	metrics.RecordTaskCompletion(string(t.Kind), "success", durationSince(t.LockedAt, now))

	return nil
}

// durationSince reports the seconds between a task's claim and now, or 0 if
// the task was never locked (shouldn't happen for a task reaching
// completion, but Complete's caller already verified the lease above).
func durationSince(lockedAt *time.Time, now time.Time) float64 {
	if lockedAt == nil {
		return 0
	}
	return now.Sub(*lockedAt).Seconds()
}

func (h *Handler) fail(ctx context.Context, tx *sqlx.Tx, t *task.Task, outcome Outcome) error {
	attempts := t.Attempts + 1
	errorCount := t.ErrorCount + 1

	if attempts < t.MaxAttempts {
		backoff := h.retry.Backoff(attempts)
		nextRetryAt := time.Now().Add(backoff)
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET state = 'retry', attempts = $1, error_count = $2, last_error = $3,
			    next_retry_at = $4,
			    locked_by = NULL, locked_at = NULL, lock_expires_at = NULL
			WHERE id = $5
		`, attempts, errorCount, outcome.ErrorMessage, nextRetryAt, t.ID); err != nil {
			return fmt.Errorf("mark task retry: %w", err)
		}
		metrics.RecordTaskRetry(string(t.Kind))
		return nil
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET state = 'failed', attempts = $1, error_count = $2, last_error = $3,
		    completed_at = $4,
		    locked_by = NULL, locked_at = NULL, lock_expires_at = NULL
		WHERE id = $5
	`, attempts, errorCount, outcome.ErrorMessage, now, t.ID); err != nil {
		return fmt.Errorf("mark task failed: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE decks SET processing_status = 'failed', updated_at = now() WHERE id = $1
	`, t.DeckID); err != nil {
		return fmt.Errorf("update deck on failure: %w", err)
	}

	metrics.RecordTaskCompletion(string(t.Kind), "failure", durationSince(t.LockedAt, now))

	// SPEC_FULL.md Open Question 1: exhausted retries is a terminal failure
	// indistinguishable, from a success_only dependent's point of view, from
	// a cancel — so it cascades the same way.
	return queue.CascadeDependents(ctx, tx, t.ID, "dependency failed")
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
