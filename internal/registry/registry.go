// Package registry implements the Worker Registry: tracks live workers,
// their heartbeats, capability tags, and concurrency caps (spec §4.5).
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/halbzeit/reviewqueue/internal/metrics"
	"github.com/halbzeit/reviewqueue/internal/task"
)

const (
	redisHeartbeatPrefix = "worker:heartbeat:"
	redisActiveSetKey    = "workers:active"
)

type State string

const (
	StateActive      State = "active"
	StateInactive    State = "inactive"
	StateMaintenance State = "maintenance"
)

// Worker is the Worker Registry's unit of record (spec §3 Worker).
type Worker struct {
	ID            string            `db:"id" json:"id"`
	Kind          string            `db:"kind" json:"kind"`
	Capabilities  task.Capabilities `db:"capabilities" json:"capabilities"`
	MaxConcurrent int               `db:"max_concurrent" json:"max_concurrent"`
	Load          int               `db:"load" json:"load"`
	State         State             `db:"state" json:"state"`
	RegisteredAt  time.Time         `db:"registered_at" json:"registered_at"`
	LastHeartbeat time.Time         `db:"last_heartbeat" json:"last_heartbeat"`
}

// Registry persists worker identity in Postgres (so the claim query can
// check a worker's state in the same transaction as a task claim) and
// mirrors liveness into Redis as a fast, TTL-expiring cache —
// the same shape as the teacher's heartbeat key pattern, just server-side
// instead of self-reported by the worker process.
type Registry struct {
	db          *sqlx.DB
	redis       *redis.Client
	workerGrace time.Duration
}

func NewRegistry(db *sqlx.DB, redisClient *redis.Client, workerGrace time.Duration) *Registry {
	return &Registry{db: db, redis: redisClient, workerGrace: workerGrace}
}

// Register is idempotent: a worker re-registering (e.g. after a restart
// with the same stable id) refreshes its capability set and concurrency
// cap rather than erroring (spec §4.5).
func (r *Registry) Register(ctx context.Context, id, kind string, capabilities task.Capabilities, maxConcurrent int) error {
	if capabilities == nil {
		capabilities = task.Capabilities{}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO workers (id, kind, capabilities, max_concurrent, state, registered_at, last_heartbeat)
		VALUES ($1, $2, $3, $4, 'active', now(), now())
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			capabilities = EXCLUDED.capabilities,
			max_concurrent = EXCLUDED.max_concurrent,
			state = 'active',
			last_heartbeat = now()
	`, id, kind, capabilities, maxConcurrent)
	if err != nil {
		return fmt.Errorf("registry: register %s: %w", id, err)
	}

	r.touchRedis(ctx, id)
	return nil
}

// Heartbeat refreshes a worker's last-seen timestamp and current load.
func (r *Registry) Heartbeat(ctx context.Context, id string, load int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE workers SET load = $1, last_heartbeat = now(), state = 'active'
		WHERE id = $2 AND state != 'maintenance'
	`, load, id)
	if err != nil {
		return fmt.Errorf("registry: heartbeat %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("registry: heartbeat %s: %w", id, sql.ErrNoRows)
	}

	r.touchRedis(ctx, id)
	return nil
}

func (r *Registry) touchRedis(ctx context.Context, id string) {
	if r.redis == nil {
		return
	}
	start := time.Now()
	err := r.redis.Set(ctx, redisHeartbeatPrefix+id, time.Now().Unix(), r.workerGrace).Err()
	metrics.RecordRedisOperation("set", time.Since(start).Seconds())
	if err != nil {
		metrics.RecordRedisError("set")
	}

	start = time.Now()
	err = r.redis.SAdd(ctx, redisActiveSetKey, id).Err()
	metrics.RecordRedisOperation("sadd", time.Since(start).Seconds())
	if err != nil {
		metrics.RecordRedisError("sadd")
	}
}

// Get returns a single worker record.
func (r *Registry) Get(ctx context.Context, id string) (*Worker, error) {
	var w Worker
	if err := r.db.GetContext(ctx, &w, `SELECT * FROM workers WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", id, err)
	}
	return &w, nil
}

// List returns every worker record, regardless of state.
func (r *Registry) List(ctx context.Context) ([]*Worker, error) {
	var workers []*Worker
	if err := r.db.SelectContext(ctx, &workers, `SELECT * FROM workers ORDER BY id`); err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	return workers, nil
}

// CountActive returns the number of workers currently in state `active`,
// for the active-workers gauge (spec §6 Metrics).
func (r *Registry) CountActive(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.GetContext(ctx, &count, `SELECT count(*) FROM workers WHERE state = $1`, StateActive); err != nil {
		return 0, fmt.Errorf("registry: count active: %w", err)
	}
	return count, nil
}

// SetMaintenance toggles a worker in or out of maintenance mode; while in
// maintenance, the Queue Store's claim query hands the worker no task.
func (r *Registry) SetMaintenance(ctx context.Context, id string, on bool) error {
	state := StateActive
	if on {
		state = StateMaintenance
	}
	_, err := r.db.ExecContext(ctx, `UPDATE workers SET state = $1 WHERE id = $2`, state, id)
	if err != nil {
		return fmt.Errorf("registry: set maintenance %s: %w", id, err)
	}
	return nil
}

// SweepInactive marks workers `inactive` after missing heartbeats for the
// configured grace window (spec §4.5). Leases held by a now-inactive
// worker are left untouched here — the Lease Manager's own expiry sweep
// reclaims them independently, on its own schedule.
func (r *Registry) SweepInactive(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE workers
		SET state = 'inactive'
		WHERE state = 'active' AND last_heartbeat < now() - $1::interval
	`, fmt.Sprintf("%d seconds", int64(r.workerGrace.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("registry: sweep inactive: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Prune deletes workers that have been inactive for longer than retention.
func (r *Registry) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM workers
		WHERE state = 'inactive' AND last_heartbeat < now() - $1::interval
	`, fmt.Sprintf("%d seconds", int64(retention.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("registry: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
