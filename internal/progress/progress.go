// Package progress implements the Progress Recorder: the append-only
// per-step log and aggregate progress fields on a task (spec §4.3).
package progress

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/halbzeit/reviewqueue/internal/queue"
	"github.com/halbzeit/reviewqueue/internal/task"
)

type Recorder struct {
	db            *sqlx.DB
	leaseDuration time.Duration
}

func NewRecorder(db *sqlx.DB, leaseDuration time.Duration) *Recorder {
	return &Recorder{db: db, leaseDuration: leaseDuration}
}

// Report updates a task's aggregate progress fields, optionally appends a
// Progress Event, and renews the caller's lease — all atomically. It
// rejects the call if workerID does not currently hold the task's lease
// (spec §4.3).
func (r *Recorder) Report(ctx context.Context, taskID int64, workerID string, percent int, stepName, message string, stepData json.RawMessage) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if stepData == nil {
		stepData = json.RawMessage(`{}`)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return queueErr(fmt.Errorf("begin tx: %w", err))
	}

	var lockedBy sql.NullString
	row := tx.QueryRowxContext(ctx, `SELECT locked_by FROM tasks WHERE id = $1 FOR UPDATE`, taskID)
	if err := row.Scan(&lockedBy); err != nil {
		tx.Rollback()
		if err == sql.ErrNoRows {
			return &queue.Error{Outcome: queue.Validation, Msg: "progress: task not found", Err: queue.ErrTaskNotFound}
		}
		return queueErr(fmt.Errorf("select task lock: %w", err))
	}
	if !lockedBy.Valid || lockedBy.String != workerID {
		tx.Rollback()
		return &queue.Error{Outcome: queue.LeaseLost, Msg: "progress: caller does not hold the lease"}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET progress = $1, current_step = $2, progress_message = $3,
		    lock_expires_at = now() + $4::interval
		WHERE id = $5
	`, percent, stepName, message, fmt.Sprintf("%d seconds", int64(r.leaseDuration.Seconds())), taskID); err != nil {
		tx.Rollback()
		return queueErr(fmt.Errorf("update task progress: %w", err))
	}

	if stepName != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO progress_events (task_id, step_name, step_status, progress, message, step_data)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, taskID, stepName, task.StepStarted, percent, message, stepData); err != nil {
			tx.Rollback()
			return queueErr(fmt.Errorf("insert progress event: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return queueErr(fmt.Errorf("commit progress report: %w", err))
	}
	return nil
}

// History returns every progress event recorded for a task, in order.
func (r *Recorder) History(ctx context.Context, taskID int64) ([]*task.ProgressEvent, error) {
	var events []*task.ProgressEvent
	err := r.db.SelectContext(ctx, &events, `
		SELECT * FROM progress_events WHERE task_id = $1 ORDER BY ts ASC
	`, taskID)
	if err != nil {
		return nil, queueErr(fmt.Errorf("select progress history: %w", err))
	}
	return events, nil
}

func queueErr(err error) error {
	return &queue.Error{Outcome: queue.Transient, Msg: "progress: operation failed", Err: err}
}
