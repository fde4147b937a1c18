// Package workerloop is the GPU worker fleet's side of spec §4.7: register,
// heartbeat, poll-and-claim, run an analyser, stream progress, report
// completion. It talks to the Dispatcher over the pkg/client HTTP contract
// only — a worker never touches Postgres or Redis directly, by design
// (spec §6's stateless API tier / credentialed worker split).
package workerloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/halbzeit/reviewqueue/internal/logger"
	"github.com/halbzeit/reviewqueue/internal/metrics"
	"github.com/halbzeit/reviewqueue/pkg/client"
)

// Backoff for the complete-call retry loop (spec §4.7 step 4): a transport
// failure between the worker and the queue must not abandon a task whose
// analysis has already concluded.
const (
	completeRetryBaseBackoff = 1 * time.Second
	completeRetryMaxBackoff  = 30 * time.Second
)

// Config controls one worker process's participation in the fleet.
type Config struct {
	ID                string
	Kind              string
	Capabilities      []string
	Concurrency       int
	HeartbeatInterval time.Duration
	ClaimPollInterval time.Duration
	ClaimPollJitter   time.Duration
	ShutdownTimeout   time.Duration
}

func (c *Config) setDefaults() {
	if c.ID == "" {
		c.ID = fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.ClaimPollInterval <= 0 {
		c.ClaimPollInterval = 2 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

// Pool runs Config.Concurrency claim-execute-complete loops concurrently
// against one API client, the way a single GPU process might run a few
// pipelines in parallel across its available VRAM.
type Pool struct {
	cfg      Config
	client   *client.Client
	executor *Executor

	wg          sync.WaitGroup
	stopCh      chan struct{}
	activeTasks int64

	// completeRetryBase/MaxBackoff back completeWithRetry; broken out of
	// the package constants so tests can shrink them instead of waiting
	// out real backoff delays.
	completeRetryBase time.Duration
	completeRetryMax  time.Duration
}

// NewPool creates a worker pool bound to the given API client and analyser
// registry. Capability and concurrency limits come from cfg.
func NewPool(cfg Config, c *client.Client, executor *Executor) *Pool {
	cfg.setDefaults()
	return &Pool{
		cfg:               cfg,
		client:            c,
		executor:          executor,
		stopCh:            make(chan struct{}),
		completeRetryBase: completeRetryBaseBackoff,
		completeRetryMax:  completeRetryMaxBackoff,
	}
}

// ID returns this pool's worker identifier.
func (p *Pool) ID() string {
	return p.cfg.ID
}

// ActiveTasks returns the count of tasks currently executing.
func (p *Pool) ActiveTasks() int {
	return int(atomic.LoadInt64(&p.activeTasks))
}

// Start registers the worker, then spawns its heartbeat loop and
// Config.Concurrency claim loops.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.client.RegisterWorker(ctx, p.cfg.ID, p.cfg.Kind, p.cfg.Capabilities, p.cfg.Concurrency); err != nil {
		return fmt.Errorf("workerloop: register: %w", err)
	}

	p.wg.Add(1)
	go p.heartbeatLoop(ctx)

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.claimLoop(ctx, i)
	}

	logger.Info().
		Str("worker_id", p.cfg.ID).
		Str("kind", p.cfg.Kind).
		Int("concurrency", p.cfg.Concurrency).
		Msg("worker pool started")

	return nil
}

// Stop signals every loop to exit and waits up to ShutdownTimeout for
// in-flight tasks to finish or be abandoned.
func (p *Pool) Stop(ctx context.Context) {
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Str("worker_id", p.cfg.ID).Msg("worker pool stopped gracefully")
	case <-time.After(p.cfg.ShutdownTimeout):
		logger.Warn().Str("worker_id", p.cfg.ID).Msg("worker pool shutdown timed out")
	case <-ctx.Done():
		logger.Warn().Str("worker_id", p.cfg.ID).Msg("worker pool shutdown canceled")
	}
}

func (p *Pool) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.client.Heartbeat(ctx, p.cfg.ID, p.ActiveTasks()); err != nil {
				logger.Warn().Err(err).Str("worker_id", p.cfg.ID).Msg("heartbeat failed")
			}
		}
	}
}

func (p *Pool) claimLoop(ctx context.Context, slot int) {
	defer p.wg.Done()

	log := logger.WithWorker(p.cfg.ID)
	log.Info().Int("slot", slot).Msg("claim loop started")

	idleSince := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		t, err := p.client.Claim(ctx, p.cfg.ID, p.cfg.Capabilities)
		if err != nil {
			if err != client.ErrNoTaskAvailable {
				log.Warn().Err(err).Msg("claim failed")
			}
			if !p.sleepPollInterval(ctx) {
				return
			}
			continue
		}

		metrics.RecordWorkerIdleTime(p.cfg.ID, time.Since(idleSince).Seconds())

		busyStart := time.Now()
		p.runTask(ctx, t)
		metrics.RecordWorkerBusyTime(p.cfg.ID, time.Since(busyStart).Seconds())

		idleSince = time.Now()
	}
}

// sleepPollInterval waits the configured poll interval plus jitter,
// returning false if the pool was asked to stop meanwhile.
func (p *Pool) sleepPollInterval(ctx context.Context) bool {
	delay := p.cfg.ClaimPollInterval
	if p.cfg.ClaimPollJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(p.cfg.ClaimPollJitter)))
	}
	select {
	case <-time.After(delay):
		return true
	case <-p.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (p *Pool) runTask(ctx context.Context, t *client.TaskStatus) {
	atomic.AddInt64(&p.activeTasks, 1)
	defer atomic.AddInt64(&p.activeTasks, -1)

	log := logger.WithTask(t.ID)
	log.Info().Str("kind", t.Kind).Msg("task claimed")

	report := func(percent int, stepName, message string, stepData json.RawMessage) {
		if err := p.client.ReportProgress(ctx, t.ID, p.cfg.ID, percent, stepName, message, stepData); err != nil {
			log.Warn().Err(err).Msg("progress report failed")
		}
	}

	// The completion call is made on a context detached from ctx's
	// cancellation: a worker shutting down must still land a result it
	// already computed rather than abandon the task to lease expiry
	// (spec §4.7 step 4). Pool.Stop's own timeout bounds how long the
	// process waits around for it.
	completeCtx := context.WithoutCancel(ctx)

	resultPath, resultMetadata, err := p.executor.Execute(ctx, t, report)
	if err != nil {
		log.Error().Err(err).Msg("task failed")
		p.completeWithRetry(completeCtx, log, "failure", func() error {
			return p.client.CompleteFailure(completeCtx, t.ID, p.cfg.ID, err.Error())
		})
		return
	}

	if p.completeWithRetry(completeCtx, log, "success", func() error {
		return p.client.CompleteSuccess(completeCtx, t.ID, p.cfg.ID, resultPath, resultMetadata)
	}) {
		log.Info().Msg("task completed")
	}
}

// completeWithRetry keeps calling call until it succeeds or the queue
// returns a definitive rejection (lease lost, or a validation error on the
// completion request itself). Transport errors and queue-side outages are
// treated as transient and retried indefinitely with capped backoff,
// because the analyser has already run and its result must land somewhere
// (spec §4.7 step 4, §7 transient-error taxonomy). Returns false if the
// call was abandoned on a definitive rejection rather than landed.
func (p *Pool) completeWithRetry(ctx context.Context, log zerolog.Logger, verb string, call func() error) bool {
	backoff := p.completeRetryBase
	for attempt := 1; ; attempt++ {
		err := call()
		if err == nil {
			return true
		}
		if isDefinitiveCompletionError(err) {
			log.Error().Err(err).Str("outcome", verb).Msg("completion rejected by queue, abandoning")
			return false
		}

		log.Warn().Err(err).Str("outcome", verb).Int("attempt", attempt).Dur("backoff", backoff).
			Msg("completion call failed, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false
		}
		backoff *= 2
		if backoff > p.completeRetryMax {
			backoff = p.completeRetryMax
		}
	}
}

// isDefinitiveCompletionError reports whether err is a final answer from
// the queue (lease already reclaimed, or the request itself is invalid)
// rather than a transient transport/server failure worth retrying.
func isDefinitiveCompletionError(err error) bool {
	var statusErr *client.StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	switch statusErr.Status {
	case http.StatusConflict, http.StatusBadRequest, http.StatusNotFound:
		return true
	default:
		return false
	}
}
