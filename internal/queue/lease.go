package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/halbzeit/reviewqueue/internal/metrics"
	"github.com/halbzeit/reviewqueue/internal/task"
)

// ClaimNext is the Lease Manager's only atomic entry point (spec §4.2). In
// one transaction it sweeps expired leases, promotes due retries back to
// queued, then claims the highest-priority eligible task via
// `FOR UPDATE SKIP LOCKED` so concurrent claimants never observe the same
// row as available.
func (s *Store) ClaimNext(ctx context.Context, workerID string, capabilities task.Capabilities, leaseDuration time.Duration) (*task.Task, error) {
	if capabilities == nil {
		capabilities = task.Capabilities{}
	}

	var claimed *task.Task
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := sweepExpiredLeases(ctx, tx); err != nil {
			return err
		}
		if err := promoteDueRetries(ctx, tx); err != nil {
			return err
		}

		var t task.Task
		row := tx.QueryRowxContext(ctx, `
			UPDATE tasks
			SET locked_by = $1,
			    locked_at = now(),
			    lock_expires_at = now() + $2::interval,
			    state = 'processing',
			    started_at = COALESCE(started_at, now())
			WHERE id = (
				SELECT t.id
				FROM tasks t
				WHERE t.state = 'queued'
				  AND t.capabilities <@ $3::jsonb
				  AND NOT EXISTS (
				    SELECT 1 FROM workers w WHERE w.id = $1 AND w.state = 'maintenance'
				  )
				  AND NOT EXISTS (
				    SELECT 1
				    FROM dependencies d
				    JOIN tasks u ON u.id = d.depends_on_task_id
				    WHERE d.task_id = t.id
				      AND (
				        (d.mode = 'success_only' AND u.state <> 'completed')
				        OR (d.mode = 'completion' AND u.state NOT IN ('completed', 'failed'))
				      )
				  )
				ORDER BY t.priority DESC, t.created_at ASC
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING *
		`, workerID, fmt.Sprintf("%d seconds", int64(leaseDuration.Seconds())), capabilities)

		if err := row.StructScan(&t); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return fmt.Errorf("claim next: %w", err)
		}
		claimed = &t
		return nil
	})
	if err != nil {
		return nil, newErr(Transient, "queue: claim failed", err)
	}
	if claimed != nil {
		metrics.RecordQueueLatency(string(claimed.Kind), time.Since(claimed.CreatedAt).Seconds())
	}
	return claimed, nil
}

// sweepExpiredLeases clears leases past their deadline and resets any
// processing task back to queued, without touching attempts (spec §4.2
// step 1 — crashed workers do not burn retry budget). Returns the number
// of tasks reclaimed.
func sweepExpiredLeases(ctx context.Context, tx *sqlx.Tx) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET locked_by = NULL, locked_at = NULL, lock_expires_at = NULL,
		    state = CASE WHEN state = 'processing' THEN 'queued' ELSE state END
		WHERE locked_by IS NOT NULL AND lock_expires_at < now()
	`)
	if err != nil {
		return 0, fmt.Errorf("sweep expired leases: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SweepExpiredLeases runs the same reclaim independent of any claim
// attempt, for a periodic background sweep (spec §4.2) rather than relying
// solely on the next worker's claim to discover a crashed peer's lease.
func (s *Store) SweepExpiredLeases(ctx context.Context) (int64, error) {
	var n int64
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		reclaimed, err := sweepExpiredLeases(ctx, tx)
		if err != nil {
			return err
		}
		n = reclaimed
		return nil
	})
	if err != nil {
		return 0, newErr(Transient, "queue: sweep failed", err)
	}
	return n, nil
}

// promoteDueRetries moves tasks whose backoff has elapsed from `retry`
// back to `queued` so the claim step's plain state='queued' filter picks
// them up (spec §4.1 diagram: retry --deadline reached--> queued).
func promoteDueRetries(ctx context.Context, tx *sqlx.Tx) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET state = 'queued'
		WHERE state = 'retry' AND next_retry_at <= now()
	`)
	if err != nil {
		return fmt.Errorf("promote due retries: %w", err)
	}
	return nil
}

// Renew extends a held lease by the configured lease duration; fails with
// LeaseLost if the caller is not the current lease holder (spec §4.2).
func (s *Store) Renew(ctx context.Context, taskID int64, workerID string, leaseDuration time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET lock_expires_at = now() + $1::interval
		WHERE id = $2 AND locked_by = $3 AND state = 'processing'
	`, fmt.Sprintf("%d seconds", int64(leaseDuration.Seconds())), taskID, workerID)
	if err != nil {
		return newErr(Transient, "queue: renew failed", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return newErr(LeaseLost, "queue: caller does not hold the lease", nil)
	}
	return nil
}

// Release clears a held lease and returns the task to `queued` without
// incrementing attempts (spec §4.2, §6 POST /tasks/{id}/release) — used
// when a worker gracefully parks a task, e.g. on shutdown.
func (s *Store) Release(ctx context.Context, taskID int64, workerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET state = 'queued', locked_by = NULL, locked_at = NULL, lock_expires_at = NULL
		WHERE id = $1 AND locked_by = $2 AND state = 'processing'
	`, taskID, workerID)
	if err != nil {
		return newErr(Transient, "queue: release failed", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return newErr(LeaseLost, "queue: caller does not hold the lease", nil)
	}
	return nil
}
