package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// RequestEditorFn mutates an outgoing request before it is sent, e.g. to
// attach auth headers (see options.go).
type RequestEditorFn func(ctx context.Context, req *http.Request) error

// Client is a thin HTTP client for the queue's external interface
// (spec §6): task submission/status from the upload side, and
// registration/claim/progress/completion from the worker side.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	requestEdits []RequestEditorFn
}

// New creates a Client against the given API base URL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("client: base URL is required")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: o.httpClient,
	}
	c.requestEdits = append(c.requestEdits, o.applyHeaders())
	return c, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("client: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, edit := range c.requestEdits {
		if err := edit(ctx, req); err != nil {
			return 0, fmt.Errorf("client: edit request: %w", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("client: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}
	if resp.StatusCode >= 300 {
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Message != "" {
			return resp.StatusCode, &StatusError{Status: resp.StatusCode, Message: errResp.Message}
		}
		return resp.StatusCode, &StatusError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("client: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// StatusError wraps a non-2xx HTTP response.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("client: request failed with status %d: %s", e.Status, e.Message)
}

// DependencyInput names an upstream task and the mode under which this
// task unblocks (spec §3 Dependency).
type DependencyInput struct {
	TaskID int64  `json:"task_id"`
	Mode   string `json:"mode"`
}

// CreateTaskRequest is the body of POST /tasks.
type CreateTaskRequest struct {
	DeckID       int64             `json:"deck_id"`
	Kind         string            `json:"kind"`
	SourcePath   string            `json:"source_path"`
	CompanyID    string            `json:"company_id"`
	Options      json.RawMessage   `json:"options,omitempty"`
	Priority     int               `json:"priority,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	DependsOn    []DependencyInput `json:"depends_on,omitempty"`
}

// TaskStatus mirrors the handlers.TaskStatusResponse shape (spec §6).
type TaskStatus struct {
	ID              int64  `json:"id"`
	DeckID          int64  `json:"deck_id"`
	Kind            string `json:"kind"`
	SourcePath      string `json:"source_path"`
	State           string `json:"state"`
	Progress        int    `json:"progress"`
	CurrentStep     string `json:"current_step"`
	ProgressMessage string `json:"progress_message"`
	Attempts        int    `json:"attempts"`
	LastError       string `json:"last_error,omitempty"`
	ResultPath      string `json:"result_path,omitempty"`
}

// CreateTask submits new work to the Dispatcher (POST /tasks).
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (int64, error) {
	var resp struct {
		TaskID int64 `json:"task_id"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/tasks", req, &resp); err != nil {
		return 0, err
	}
	return resp.TaskID, nil
}

// GetTask returns a task's current status (GET /tasks/{id}).
func (c *Client) GetTask(ctx context.Context, id int64) (*TaskStatus, error) {
	var status TaskStatus
	if _, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tasks/%d", id), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ListTasksForDeck returns every task for a deck, newest first
// (GET /decks/{id}/tasks).
func (c *Client) ListTasksForDeck(ctx context.Context, deckID int64) ([]TaskStatus, error) {
	var resp struct {
		Tasks []TaskStatus `json:"tasks"`
	}
	if _, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/decks/%d/tasks", deckID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// CancelTask idempotently cancels a task (POST /tasks/{id}/cancel).
func (c *Client) CancelTask(ctx context.Context, id int64) error {
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tasks/%d/cancel", id), nil, nil)
	return err
}

// RegisterWorker registers this worker with the Worker Registry
// (POST /workers/register).
func (c *Client) RegisterWorker(ctx context.Context, id, kind string, capabilities []string, maxConcurrent int) error {
	body := map[string]interface{}{
		"id":             id,
		"kind":           kind,
		"capabilities":   capabilities,
		"max_concurrent": maxConcurrent,
	}
	_, err := c.do(ctx, http.MethodPost, "/workers/register", body, nil)
	return err
}

// Heartbeat reports this worker's current load (POST /workers/{id}/heartbeat).
func (c *Client) Heartbeat(ctx context.Context, id string, load int) error {
	body := map[string]interface{}{"load": load}
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/workers/%s/heartbeat", id), body, nil)
	return err
}

// ErrNoTaskAvailable is returned by Claim when nothing is runnable
// (HTTP 204, spec §6).
var ErrNoTaskAvailable = fmt.Errorf("client: no task available")

// Claim asks for the next runnable task matching capabilities
// (POST /workers/{id}/claim). Returns ErrNoTaskAvailable on 204.
func (c *Client) Claim(ctx context.Context, workerID string, capabilities []string) (*TaskStatus, error) {
	body := map[string]interface{}{"capabilities": capabilities}
	var status TaskStatus
	code, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/workers/%s/claim", workerID), body, &status)
	if err != nil {
		return nil, err
	}
	if code == http.StatusNoContent {
		return nil, ErrNoTaskAvailable
	}
	return &status, nil
}

// ReportProgress streams a step update and renews the caller's lease
// (POST /tasks/{id}/progress).
func (c *Client) ReportProgress(ctx context.Context, taskID int64, workerID string, percent int, stepName, message string, stepData json.RawMessage) error {
	body := map[string]interface{}{
		"worker_id": workerID,
		"percent":   percent,
		"step_name": stepName,
		"message":   message,
		"step_data": stepData,
	}
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tasks/%d/progress", taskID), body, nil)
	return err
}

// CompleteSuccess reports a successful task outcome
// (POST /tasks/{id}/complete).
func (c *Client) CompleteSuccess(ctx context.Context, taskID int64, workerID, resultPath string, resultMetadata json.RawMessage) error {
	body := map[string]interface{}{
		"worker_id":       workerID,
		"success":         true,
		"result_path":     resultPath,
		"result_metadata": resultMetadata,
	}
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tasks/%d/complete", taskID), body, nil)
	return err
}

// CompleteFailure reports a failed task outcome
// (POST /tasks/{id}/complete).
func (c *Client) CompleteFailure(ctx context.Context, taskID int64, workerID, errMessage string) error {
	body := map[string]interface{}{
		"worker_id":     workerID,
		"success":       false,
		"error_message": errMessage,
	}
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tasks/%d/complete", taskID), body, nil)
	return err
}

// Release returns a claimed task to `queued` without incrementing
// attempts (POST /tasks/{id}/release).
func (c *Client) Release(ctx context.Context, taskID int64, workerID string) error {
	body := map[string]interface{}{"worker_id": workerID}
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tasks/%d/release", taskID), body, nil)
	return err
}

// ConnectWebSocket establishes the event stream connection described in doc.go.
func (c *Client) ConnectWebSocket(ctx context.Context, apiKey string) (*WebSocketClient, error) {
	ws := newWebSocketClient(c.baseURL, apiKey)
	if err := ws.Connect(ctx); err != nil {
		return nil, err
	}
	return ws, nil
}
