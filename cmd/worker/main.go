package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/halbzeit/reviewqueue/internal/config"
	"github.com/halbzeit/reviewqueue/internal/logger"
	"github.com/halbzeit/reviewqueue/internal/workerloop"
	"github.com/halbzeit/reviewqueue/pkg/client"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.Get()
	log.Info().Msg("starting review queue worker")

	apiClient, err := client.New(cfg.Worker.APIBaseURL, client.WithAPIKey(cfg.Worker.APIKey))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build api client")
	}

	executor := workerloop.NewExecutor(registerAnalysers())

	pool := workerloop.NewPool(workerloop.Config{
		ID:                cfg.Worker.ID,
		Kind:              cfg.Worker.Kind,
		Capabilities:      cfg.Worker.Capabilities,
		Concurrency:       cfg.Worker.Concurrency,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		ClaimPollInterval: cfg.Queue.ClaimPollInterval,
		ClaimPollJitter:   cfg.Queue.ClaimPollJitter,
		ShutdownTimeout:   cfg.Worker.ShutdownTimeout,
	}, apiClient, executor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pool.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start worker pool")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Str("worker_id", pool.ID()).Msg("shutting down worker")
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout+5*time.Second)
	defer stopCancel()
	pool.Stop(stopCtx)

	log.Info().Msg("worker stopped")
}

// registerAnalysers wires one Analyser per task kind this process can run.
// The vision/LLM analysis itself is out of scope here (spec §1 Non-goals);
// these are placeholders a concrete deployment replaces with real model
// invocations while keeping the claim/progress/complete contract fixed.
func registerAnalysers() map[string]workerloop.Analyser {
	return map[string]workerloop.Analyser{
		"pdf_analysis": func(ctx context.Context, t *client.TaskStatus, report workerloop.Reporter) (string, json.RawMessage, error) {
			report(10, "extract_text", "extracting text from pdf", nil)
			report(100, "done", "pdf analysis complete", nil)
			return t.SourcePath + ".pdf_analysis.json", json.RawMessage(`{}`), nil
		},
		"visual_analysis": func(ctx context.Context, t *client.TaskStatus, report workerloop.Reporter) (string, json.RawMessage, error) {
			report(10, "render_pages", "rendering slides to images", nil)
			report(50, "score_slides", "scoring slide visuals", nil)
			report(100, "done", "visual analysis complete", nil)
			return t.SourcePath + ".visual_analysis.json", json.RawMessage(`{}`), nil
		},
		"template_processing": func(ctx context.Context, t *client.TaskStatus, report workerloop.Reporter) (string, json.RawMessage, error) {
			report(50, "map_to_template", "mapping extracted content to template", nil)
			report(100, "done", "template processing complete", nil)
			return t.SourcePath + ".template.json", json.RawMessage(`{}`), nil
		},
	}
}
