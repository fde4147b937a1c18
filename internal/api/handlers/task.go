package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/halbzeit/reviewqueue/internal/dispatcher"
	"github.com/halbzeit/reviewqueue/internal/events"
	"github.com/halbzeit/reviewqueue/internal/logger"
	"github.com/halbzeit/reviewqueue/internal/metrics"
	"github.com/halbzeit/reviewqueue/internal/queue"
	"github.com/halbzeit/reviewqueue/internal/task"
)

// TaskHandler serves the Dispatcher-facing routes of spec §6: submitting
// new work and reading back status from the upload/review side.
type TaskHandler struct {
	dispatcher *dispatcher.Dispatcher
	publisher  *events.RedisPubSub
}

func NewTaskHandler(d *dispatcher.Dispatcher, publisher *events.RedisPubSub) *TaskHandler {
	return &TaskHandler{dispatcher: d, publisher: publisher}
}

// CreateTaskRequest is the body of POST /tasks (spec §6).
type CreateTaskRequest struct {
	DeckID       int64              `json:"deck_id"`
	Kind         task.Kind          `json:"kind"`
	SourcePath   string             `json:"source_path"`
	CompanyID    string             `json:"company_id"`
	Options      json.RawMessage    `json:"options,omitempty"`
	Priority     int                `json:"priority,omitempty"`
	Capabilities task.Capabilities  `json:"capabilities,omitempty"`
	DependsOn    []DependencyInput  `json:"depends_on,omitempty"`
}

// DependencyInput names an upstream task and the mode under which this
// task unblocks (spec §3 Dependency).
type DependencyInput struct {
	TaskID int64              `json:"task_id"`
	Mode   task.DependencyMode `json:"mode"`
}

// CreateTaskResponse is the body returned by POST /tasks.
type CreateTaskResponse struct {
	TaskID int64 `json:"task_id"`
}

// Create handles POST /tasks.
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Kind == "" {
		respondError(w, http.StatusBadRequest, "kind is required")
		return
	}
	if req.SourcePath == "" {
		respondError(w, http.StatusBadRequest, "source_path is required")
		return
	}

	dependsOn := make([]queue.Dep, len(req.DependsOn))
	for i, dep := range req.DependsOn {
		dependsOn[i] = queue.Dep{TaskID: dep.TaskID, Mode: dep.Mode}
	}

	id, err := h.dispatcher.Enqueue(r.Context(), dispatcher.Request{
		DeckID:       req.DeckID,
		Kind:         req.Kind,
		SourcePath:   req.SourcePath,
		CompanyID:    req.CompanyID,
		Options:      req.Options,
		Priority:     req.Priority,
		Capabilities: req.Capabilities,
		DependsOn:    dependsOn,
	})
	if err != nil {
		h.respondQueueErr(w, err, "failed to enqueue task")
		return
	}
	metrics.RecordTaskSubmission(string(req.Kind))

	if h.publisher != nil {
		if pubErr := h.publisher.PublishTaskEvent(r.Context(), events.EventTaskSubmitted, id, string(req.Kind), string(task.StateQueued), nil); pubErr != nil {
			logger.Warn().Err(pubErr).Int64("task_id", id).Msg("failed to publish task submitted event")
		}
	}

	logger.Info().Int64("task_id", id).Str("kind", string(req.Kind)).Int64("deck_id", req.DeckID).Msg("task submitted")
	respondJSON(w, http.StatusCreated, CreateTaskResponse{TaskID: id})
}

// TaskStatusResponse is the body returned by GET /tasks/{id} (spec §6).
type TaskStatusResponse struct {
	ID              int64      `json:"id"`
	DeckID          int64      `json:"deck_id"`
	Kind            task.Kind  `json:"kind"`
	SourcePath      string     `json:"source_path"`
	State           task.State `json:"state"`
	Progress        int        `json:"progress"`
	CurrentStep     string     `json:"current_step"`
	ProgressMessage string     `json:"progress_message"`
	Attempts        int        `json:"attempts"`
	LastError       string     `json:"last_error,omitempty"`
	ResultPath      string     `json:"result_path,omitempty"`
}

func toStatusResponse(t *task.Task) TaskStatusResponse {
	return TaskStatusResponse{
		ID:              t.ID,
		DeckID:          t.DeckID,
		Kind:            t.Kind,
		SourcePath:      t.SourcePath,
		State:           t.State,
		Progress:        t.Progress,
		CurrentStep:     t.CurrentStep,
		ProgressMessage: t.ProgressMessage,
		Attempts:        t.Attempts,
		LastError:       t.LastError,
		ResultPath:      t.ResultPath,
	}
}

// Get handles GET /tasks/{id}.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	t, err := h.dispatcher.Status(r.Context(), id)
	if err != nil {
		h.respondQueueErr(w, err, "failed to get task")
		return
	}

	respondJSON(w, http.StatusOK, toStatusResponse(t))
}

// ListForDeckResponse is the body returned by GET /decks/{id}/tasks.
type ListForDeckResponse struct {
	Tasks []TaskStatusResponse `json:"tasks"`
}

// ListForDeck handles GET /decks/{id}/tasks.
func (h *TaskHandler) ListForDeck(w http.ResponseWriter, r *http.Request) {
	deckID, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	tasks, err := h.dispatcher.ListForDeck(r.Context(), deckID)
	if err != nil {
		h.respondQueueErr(w, err, "failed to list tasks for deck")
		return
	}

	resp := ListForDeckResponse{Tasks: make([]TaskStatusResponse, len(tasks))}
	for i, t := range tasks {
		resp.Tasks[i] = toStatusResponse(t)
	}
	respondJSON(w, http.StatusOK, resp)
}

// Cancel handles POST /tasks/{id}/cancel. Idempotent per spec §8.
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.dispatcher.Cancel(r.Context(), id); err != nil {
		h.respondQueueErr(w, err, "failed to cancel task")
		return
	}

	logger.Info().Int64("task_id", id).Msg("task cancelled")
	respondJSON(w, http.StatusOK, nil)
}

func parseIDParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, name+" must be a numeric id")
		return 0, false
	}
	return id, true
}

// respondQueueErr maps a queue.Outcome-tagged error to an HTTP status, per
// spec §7's instruction that handlers translate tagged results rather than
// inspect error strings.
func (h *TaskHandler) respondQueueErr(w http.ResponseWriter, err error, fallback string) {
	switch queue.OutcomeOf(err) {
	case queue.Validation:
		status := http.StatusBadRequest
		if errors.Is(err, queue.ErrTaskNotFound) {
			status = http.StatusNotFound
		}
		respondError(w, status, err.Error())
	case queue.LeaseLost:
		respondError(w, http.StatusConflict, err.Error())
	default:
		logger.Error().Err(err).Msg(fallback)
		respondError(w, http.StatusInternalServerError, fallback)
	}
}
