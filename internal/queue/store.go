package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/halbzeit/reviewqueue/internal/task"
)

// Store is the Queue Store: the persistent, transactional source of truth
// for tasks, their dependencies, and their progress events (spec §4.1).
type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Spec is the input to Enqueue — everything the caller supplies for a new
// task, before the store assigns an id and initial state.
type Spec struct {
	DeckID       int64
	Kind         task.Kind
	Priority     int
	Capabilities task.Capabilities
	SourcePath   string
	CompanyID    string
	Options      json.RawMessage
	MaxAttempts  int
	// DependsOn lists upstream task ids this task must wait on, and the mode
	// under which each dependency resolves (spec §3 Dependency).
	DependsOn []Dep
}

type Dep struct {
	TaskID int64
	Mode   task.DependencyMode
}

// Enqueue inserts a new task in state `queued`, along with any declared
// dependencies. The task is not runnable until its dependencies resolve —
// ClaimNext's select step enforces that, not Enqueue.
func (s *Store) Enqueue(ctx context.Context, spec Spec) (int64, error) {
	if spec.DeckID == 0 {
		return 0, newErr(Validation, "queue: enqueue requires a deck id", nil)
	}
	if spec.SourcePath == "" {
		return 0, newErr(Validation, "queue: enqueue requires a source path", nil)
	}
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = task.DefaultRetryPolicy().MaxAttempts
	}
	options := spec.Options
	if options == nil {
		options = json.RawMessage(`{}`)
	}
	caps := spec.Capabilities
	if caps == nil {
		caps = task.Capabilities{}
	}

	var id int64
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		row := tx.QueryRowxContext(ctx, `
			INSERT INTO tasks (deck_id, kind, priority, capabilities, source_path, company_id, options, max_attempts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id
		`, spec.DeckID, spec.Kind, spec.Priority, caps, spec.SourcePath, spec.CompanyID, options, maxAttempts)
		if err := row.Scan(&id); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		for _, dep := range spec.DependsOn {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO dependencies (task_id, depends_on_task_id, mode)
				VALUES ($1, $2, $3)
			`, id, dep.TaskID, dep.Mode); err != nil {
				return fmt.Errorf("insert dependency: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, newErr(Transient, "queue: enqueue failed", err)
	}
	return id, nil
}

// Get returns a single task by id.
func (s *Store) Get(ctx context.Context, id int64) (*task.Task, error) {
	var t task.Task
	err := s.db.GetContext(ctx, &t, `SELECT * FROM tasks WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, newErr(Validation, "queue: task not found", ErrTaskNotFound)
	}
	if err != nil {
		return nil, newErr(Transient, "queue: get task failed", err)
	}
	return &t, nil
}

// ListForDeck returns every task belonging to a deck, newest first
// (spec §6, GET /decks/{id}/tasks).
func (s *Store) ListForDeck(ctx context.Context, deckID int64) ([]*task.Task, error) {
	var tasks []*task.Task
	err := s.db.SelectContext(ctx, &tasks, `
		SELECT * FROM tasks WHERE deck_id = $1 ORDER BY created_at DESC
	`, deckID)
	if err != nil {
		return nil, newErr(Transient, "queue: list for deck failed", err)
	}
	return tasks, nil
}

// CountByState returns the number of tasks currently in each task.State, for
// the queue depth gauge (spec §6 Metrics).
func (s *Store) CountByState(ctx context.Context) (map[task.State]int64, error) {
	var rows []struct {
		State task.State `db:"state"`
		Count int64      `db:"count"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT state, count(*) AS count FROM tasks GROUP BY state
	`); err != nil {
		return nil, newErr(Transient, "queue: count by state failed", err)
	}

	counts := make(map[task.State]int64, len(rows))
	for _, r := range rows {
		counts[r.State] = r.Count
	}
	return counts, nil
}

// Cancel forces a task to `failed` with a synthetic error and releases any
// lease it holds. Idempotent: cancelling an already-terminal task is a
// no-op success (spec §8 idempotence laws).
func (s *Store) Cancel(ctx context.Context, id int64) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var current task.Task
		row := tx.QueryRowxContext(ctx, `SELECT * FROM tasks WHERE id = $1 FOR UPDATE`, id)
		if err := row.StructScan(&current); err != nil {
			if err == sql.ErrNoRows {
				return newErr(Validation, "queue: task not found", ErrTaskNotFound)
			}
			return fmt.Errorf("select task for cancel: %w", err)
		}

		if current.State.IsTerminal() {
			return nil
		}

		now := time.Now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET state = $1, last_error = $2, completed_at = $3,
			    locked_by = NULL, locked_at = NULL, lock_expires_at = NULL
			WHERE id = $4
		`, task.StateFailed, "task cancelled", now, id); err != nil {
			return fmt.Errorf("update task for cancel: %w", err)
		}

		return CascadeDependents(ctx, tx, id, "dependency cancelled")
	})
}

// CascadeDependents fails every success_only dependent of a task that just
// settled terminally without success, recursively through the chain
// (spec §4.1 edge policy, generalized to exhausted-retries per SPEC_FULL.md
// Open Question 1). Shared by Cancel here and the Completion Handler's
// failure path, since both produce the same "upstream will never succeed"
// event from a dependent's point of view.
func CascadeDependents(ctx context.Context, tx *sqlx.Tx, upstreamID int64, reason string) error {
	rows, err := tx.QueryxContext(ctx, `
		SELECT t.id
		FROM dependencies d
		JOIN tasks t ON t.id = d.task_id
		WHERE d.depends_on_task_id = $1 AND d.mode = $2 AND t.state NOT IN ('completed', 'failed')
	`, upstreamID, task.DependencySuccessOnly)
	if err != nil {
		return fmt.Errorf("select success_only dependents: %w", err)
	}
	var dependentIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan dependent id: %w", err)
		}
		dependentIDs = append(dependentIDs, id)
	}
	rows.Close()

	now := time.Now()
	for _, id := range dependentIDs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET state = $1, last_error = $2, completed_at = $3,
			    locked_by = NULL, locked_at = NULL, lock_expires_at = NULL
			WHERE id = $4
		`, task.StateFailed, reason, now, id); err != nil {
			return fmt.Errorf("cascade fail dependent %d: %w", id, err)
		}
		if err := CascadeDependents(ctx, tx, id, reason); err != nil {
			return err
		}
	}
	return nil
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
