package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/halbzeit/reviewqueue/internal/api"
	"github.com/halbzeit/reviewqueue/internal/cache"
	"github.com/halbzeit/reviewqueue/internal/completion"
	"github.com/halbzeit/reviewqueue/internal/config"
	"github.com/halbzeit/reviewqueue/internal/db"
	"github.com/halbzeit/reviewqueue/internal/deck"
	"github.com/halbzeit/reviewqueue/internal/dispatcher"
	"github.com/halbzeit/reviewqueue/internal/events"
	"github.com/halbzeit/reviewqueue/internal/logger"
	"github.com/halbzeit/reviewqueue/internal/metrics"
	"github.com/halbzeit/reviewqueue/internal/progress"
	"github.com/halbzeit/reviewqueue/internal/queue"
	"github.com/halbzeit/reviewqueue/internal/registry"
	"github.com/halbzeit/reviewqueue/internal/task"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.Get()
	log.Info().Msg("starting review queue API server")

	conn, err := db.Connect(cfg.Postgres)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer conn.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer migrateCancel()
	if err := db.Migrate(migrateCtx, conn); err != nil {
		log.Fatal().Err(err).Msg("failed to apply migrations")
	}

	redisClient, err := cache.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()

	store := queue.NewStore(conn)
	decks := deck.NewStore(conn)
	progressRecorder := progress.NewRecorder(conn, cfg.Queue.LeaseDuration)
	completionHandler := completion.NewHandler(conn, task.RetryPolicy{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BaseBackoff: cfg.Queue.RetryBaseBackoff,
		MaxBackoff:  cfg.Queue.RetryMaxBackoff,
	})
	workerRegistry := registry.NewRegistry(conn, redisClient, cfg.Queue.EffectiveWorkerGrace())
	deckDispatcher := dispatcher.New(store, decks)
	publisher := events.NewRedisPubSub(redisClient)
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close event publisher")
		}
	}()

	server := api.NewServer(cfg, api.Deps{
		Dispatcher: deckDispatcher,
		Queue:      store,
		Progress:   progressRecorder,
		Completion: completionHandler,
		Registry:   workerRegistry,
		Publisher:  publisher,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	server.Start(ctx)

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	go runLeaseSweeper(sweepCtx, store, cfg.Queue.SweepInterval)
	go runInactiveWorkerSweeper(sweepCtx, workerRegistry, cfg.Queue.HeartbeatInterval*2)

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	sweepCancel()
	server.Stop()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("server stopped")
}

// runLeaseSweeper periodically reclaims tasks whose lease has expired
// without a heartbeat (spec §4.2 Lease Manager).
func runLeaseSweeper(ctx context.Context, store *queue.Store, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := logger.WithComponent("lease-sweeper")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.SweepExpiredLeases(ctx)
			if err != nil {
				log.Error().Err(err).Msg("lease sweep failed")
				continue
			}
			for i := int64(0); i < n; i++ {
				metrics.RecordLeaseExpirySweep()
			}
			if n > 0 {
				log.Info().Int64("reclaimed", n).Msg("reclaimed expired leases")
			}

			depths, err := store.CountByState(ctx)
			if err != nil {
				log.Error().Err(err).Msg("queue depth query failed")
				continue
			}
			for _, state := range []task.State{task.StateQueued, task.StateProcessing, task.StateRetry, task.StateCompleted, task.StateFailed} {
				metrics.UpdateQueueDepth(string(state), float64(depths[state]))
			}
		}
	}
}

// runInactiveWorkerSweeper periodically marks workers inactive once their
// heartbeat grace window has elapsed (spec §4.5).
func runInactiveWorkerSweeper(ctx context.Context, reg *registry.Registry, interval time.Duration) {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := logger.WithComponent("worker-sweeper")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := reg.SweepInactive(ctx)
			if err != nil {
				log.Error().Err(err).Msg("inactive worker sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("marked_inactive", n).Msg("marked workers inactive")
			}

			active, err := reg.CountActive(ctx)
			if err != nil {
				log.Error().Err(err).Msg("active worker count failed")
				continue
			}
			metrics.SetActiveWorkers(float64(active))
		}
	}
}
