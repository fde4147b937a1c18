package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/halbzeit/reviewqueue/internal/completion"
	"github.com/halbzeit/reviewqueue/internal/events"
	"github.com/halbzeit/reviewqueue/internal/logger"
	"github.com/halbzeit/reviewqueue/internal/progress"
	"github.com/halbzeit/reviewqueue/internal/queue"
	"github.com/halbzeit/reviewqueue/internal/registry"
	"github.com/halbzeit/reviewqueue/internal/task"
)

// WorkerHandler serves the worker-facing routes of spec §6: registration,
// heartbeats, claiming, progress reporting, and completion. These are the
// endpoints a GPU worker fleet calls, not the public internet — the auth
// middleware's API-key/JWT check applies to this whole group.
type WorkerHandler struct {
	queue         *queue.Store
	progress      *progress.Recorder
	completion    *completion.Handler
	registry      *registry.Registry
	publisher     *events.RedisPubSub
	leaseDuration time.Duration
}

func NewWorkerHandler(q *queue.Store, p *progress.Recorder, c *completion.Handler, reg *registry.Registry, publisher *events.RedisPubSub, leaseDuration time.Duration) *WorkerHandler {
	return &WorkerHandler{queue: q, progress: p, completion: c, registry: reg, publisher: publisher, leaseDuration: leaseDuration}
}

// RegisterWorkerRequest is the body of POST /workers/register (spec §6).
type RegisterWorkerRequest struct {
	ID            string            `json:"id"`
	Kind          string            `json:"kind"`
	Capabilities  task.Capabilities `json:"capabilities"`
	MaxConcurrent int               `json:"max_concurrent"`
}

// Register handles POST /workers/register.
func (h *WorkerHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" {
		respondError(w, http.StatusBadRequest, "id is required")
		return
	}

	if err := h.registry.Register(r.Context(), req.ID, req.Kind, req.Capabilities, req.MaxConcurrent); err != nil {
		logger.Error().Err(err).Str("worker_id", req.ID).Msg("failed to register worker")
		respondError(w, http.StatusInternalServerError, "failed to register worker")
		return
	}

	if h.publisher != nil {
		if err := h.publisher.PublishWorkerEvent(r.Context(), events.EventWorkerJoined, req.ID, string(registry.StateActive), nil); err != nil {
			logger.Warn().Err(err).Str("worker_id", req.ID).Msg("failed to publish worker joined event")
		}
	}

	logger.Info().Str("worker_id", req.ID).Str("kind", req.Kind).Msg("worker registered")
	respondJSON(w, http.StatusOK, nil)
}

// HeartbeatRequest is the body of POST /workers/{id}/heartbeat (spec §6).
type HeartbeatRequest struct {
	Load int `json:"load"`
}

// Heartbeat handles POST /workers/{id}/heartbeat.
func (h *WorkerHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.registry.Heartbeat(r.Context(), workerID, req.Load); err != nil {
		respondError(w, http.StatusNotFound, "worker not registered")
		return
	}

	respondJSON(w, http.StatusOK, nil)
}

// ClaimRequest is the body of POST /workers/{id}/claim (spec §6).
type ClaimRequest struct {
	Capabilities task.Capabilities `json:"capabilities"`
}

// Claim handles POST /workers/{id}/claim. Returns 204 if nothing runnable.
func (h *WorkerHandler) Claim(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	t, err := h.queue.ClaimNext(r.Context(), workerID, req.Capabilities, h.leaseDuration)
	if err != nil {
		logger.Error().Err(err).Str("worker_id", workerID).Msg("claim failed")
		respondError(w, http.StatusInternalServerError, "claim failed")
		return
	}
	if t == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if h.publisher != nil {
		if pubErr := h.publisher.PublishTaskEvent(r.Context(), events.EventTaskStarted, t.ID, string(t.Kind), string(t.State), nil); pubErr != nil {
			logger.Warn().Err(pubErr).Int64("task_id", t.ID).Msg("failed to publish task started event")
		}
	}

	respondJSON(w, http.StatusOK, toStatusResponse(t))
}

// ProgressRequest is the body of POST /tasks/{id}/progress (spec §6).
type ProgressRequest struct {
	WorkerID string          `json:"worker_id"`
	Percent  int             `json:"percent"`
	StepName string          `json:"step_name,omitempty"`
	Message  string          `json:"message,omitempty"`
	StepData json.RawMessage `json:"step_data,omitempty"`
}

// Progress handles POST /tasks/{id}/progress.
func (h *WorkerHandler) Progress(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	var req ProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.progress.Report(r.Context(), taskID, req.WorkerID, req.Percent, req.StepName, req.Message, req.StepData); err != nil {
		h.respondQueueErr(w, err, "failed to report progress")
		return
	}

	if h.publisher != nil {
		extra := map[string]interface{}{"percent": req.Percent, "step": req.StepName}
		if pubErr := h.publisher.PublishTaskEvent(r.Context(), events.EventTaskProgress, taskID, "", string(task.StateProcessing), extra); pubErr != nil {
			logger.Warn().Err(pubErr).Int64("task_id", taskID).Msg("failed to publish progress event")
		}
	}

	respondJSON(w, http.StatusOK, nil)
}

// CompleteRequest is the body of POST /tasks/{id}/complete (spec §6).
type CompleteRequest struct {
	WorkerID       string          `json:"worker_id"`
	Success        bool            `json:"success"`
	ResultPath     string          `json:"result_path,omitempty"`
	ResultMetadata json.RawMessage `json:"result_metadata,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}

// Complete handles POST /tasks/{id}/complete.
func (h *WorkerHandler) Complete(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	var req CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.completion.Complete(r.Context(), taskID, req.WorkerID, completion.Outcome{
		Success:        req.Success,
		ResultPath:     req.ResultPath,
		ResultMetadata: req.ResultMetadata,
		ErrorMessage:   req.ErrorMessage,
	})
	if err != nil {
		h.respondQueueErr(w, err, "failed to complete task")
		return
	}

	if h.publisher != nil {
		eventType := events.EventTaskCompleted
		if !req.Success {
			eventType = events.EventTaskFailed
		}
		if pubErr := h.publisher.PublishTaskEvent(r.Context(), eventType, taskID, "", "", nil); pubErr != nil {
			logger.Warn().Err(pubErr).Int64("task_id", taskID).Msg("failed to publish completion event")
		}
	}

	logger.Info().Int64("task_id", taskID).Bool("success", req.Success).Msg("task completed")
	respondJSON(w, http.StatusOK, nil)
}

// ReleaseRequest is the body of POST /tasks/{id}/release (spec §6).
type ReleaseRequest struct {
	WorkerID string `json:"worker_id"`
}

// Release handles POST /tasks/{id}/release — returns a task to `queued`
// without incrementing attempts.
func (h *WorkerHandler) Release(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}
	var req ReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.queue.Release(r.Context(), taskID, req.WorkerID); err != nil {
		h.respondQueueErr(w, err, "failed to release task")
		return
	}

	respondJSON(w, http.StatusOK, nil)
}

// MaintenanceRequest is the body of POST /workers/{id}/maintenance.
type MaintenanceRequest struct {
	On bool `json:"on"`
}

// Maintenance handles POST /workers/{id}/maintenance — an admin-only
// toggle that excludes a worker from claim eligibility without deleting
// its registration (spec §3 Worker state `maintenance`). Gated behind
// apiMiddleware.RequireRole("admin") in routes.go, not the plain worker
// auth group: this is an operator action, not something the worker fleet
// calls on itself.
func (h *WorkerHandler) Maintenance(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")
	var req MaintenanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.registry.SetMaintenance(r.Context(), workerID, req.On); err != nil {
		logger.Error().Err(err).Str("worker_id", workerID).Msg("failed to set maintenance state")
		respondError(w, http.StatusInternalServerError, "failed to set maintenance state")
		return
	}

	logger.Info().Str("worker_id", workerID).Bool("maintenance", req.On).Msg("worker maintenance state changed")
	respondJSON(w, http.StatusOK, nil)
}

func (h *WorkerHandler) respondQueueErr(w http.ResponseWriter, err error, fallback string) {
	switch queue.OutcomeOf(err) {
	case queue.Validation:
		respondError(w, http.StatusBadRequest, err.Error())
	case queue.LeaseLost:
		respondError(w, http.StatusConflict, err.Error())
	default:
		logger.Error().Err(err).Msg(fallback)
		respondError(w, http.StatusInternalServerError, fallback)
	}
}
