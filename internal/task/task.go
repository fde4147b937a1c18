// Package task defines the queue's unit of work and its state machine.
package task

import (
	"encoding/json"
	"errors"
	"time"
)

// Kind identifies the analyser a task should be routed to.
type Kind string

const (
	KindPDFAnalysis        Kind = "pdf_analysis"
	KindVisualAnalysis     Kind = "visual_analysis"
	KindTemplateProcessing Kind = "template_processing"
)

// DependencyMode controls whether a dependent unblocks on any terminal
// outcome of its upstream, or only on success.
type DependencyMode string

const (
	DependencyCompletion  DependencyMode = "completion"
	DependencySuccessOnly DependencyMode = "success_only"
)

// State is one of the five states in the queue's state machine (spec §4.1).
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateRetry      State = "retry"
)

// IsTerminal reports whether a task in this state will never transition again.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

var ErrInvalidTransition = errors.New("task: invalid state transition")

// validTransitions encodes the diagram in spec §4.1.
var validTransitions = map[State][]State{
	StateQueued:     {StateProcessing, StateFailed}, // StateFailed: cancel
	StateProcessing: {StateCompleted, StateRetry, StateFailed},
	StateRetry:      {StateQueued, StateFailed}, // StateFailed: cancel while waiting on backoff
	StateCompleted:  {},
	StateFailed:     {},
}

// CanTransitionTo reports whether target is a legal next state from s.
func (s State) CanTransitionTo(target State) bool {
	for _, t := range validTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// Task is the queue's unit of work (spec §3).
type Task struct {
	ID       int64  `db:"id" json:"id"`
	DeckID   int64  `db:"deck_id" json:"deck_id"`
	Kind     Kind   `db:"kind" json:"kind"`
	Priority int    `db:"priority" json:"priority"`
	// Capabilities this task requires of a worker; the worker's capability
	// set must be a superset for the task to be claimable (spec §4.2).
	Capabilities Capabilities `db:"capabilities" json:"capabilities"`

	SourcePath string          `db:"source_path" json:"source_path"`
	CompanyID  string          `db:"company_id" json:"company_id"`
	Options    json.RawMessage `db:"options" json:"options"`

	State           State  `db:"state" json:"state"`
	Progress        int    `db:"progress" json:"progress"`
	CurrentStep     string `db:"current_step" json:"current_step"`
	ProgressMessage string `db:"progress_message" json:"progress_message"`

	Attempts    int        `db:"attempts" json:"attempts"`
	MaxAttempts int        `db:"max_attempts" json:"max_attempts"`
	NextRetryAt *time.Time `db:"next_retry_at" json:"next_retry_at,omitempty"`

	LockedBy      *string    `db:"locked_by" json:"locked_by,omitempty"`
	LockedAt      *time.Time `db:"locked_at" json:"locked_at,omitempty"`
	LockExpiresAt *time.Time `db:"lock_expires_at" json:"lock_expires_at,omitempty"`

	LastError  string `db:"last_error" json:"last_error,omitempty"`
	ErrorCount int    `db:"error_count" json:"error_count"`

	ResultPath     string          `db:"result_path" json:"result_path,omitempty"`
	ResultMetadata json.RawMessage `db:"result_metadata" json:"result_metadata,omitempty"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// CanRetry reports whether the task has attempts remaining after a failure.
func (t *Task) CanRetry() bool {
	return t.Attempts < t.MaxAttempts
}

// Capabilities is a small string-set used both as a task's requirement bag
// and a worker's capability bag; stored as JSONB so the claim query can use
// jsonb containment instead of a Postgres array driver.
type Capabilities []string

// Subset reports whether every element of c is present in other.
func (c Capabilities) Subset(other Capabilities) bool {
	has := make(map[string]struct{}, len(other))
	for _, o := range other {
		has[o] = struct{}{}
	}
	for _, want := range c {
		if _, ok := has[want]; !ok {
			return false
		}
	}
	return true
}

// Dependency declares that a task may not be leased until another task
// reaches a state satisfying its mode (spec §3, Dependency).
type Dependency struct {
	TaskID          int64          `db:"task_id" json:"task_id"`
	DependsOnTaskID int64          `db:"depends_on_task_id" json:"depends_on_task_id"`
	Mode            DependencyMode `db:"mode" json:"mode"`
}

// ProgressEvent is an append-only step record (spec §3, Progress Event).
type ProgressEvent struct {
	ID         int64           `db:"id" json:"id"`
	TaskID     int64           `db:"task_id" json:"task_id"`
	Timestamp  time.Time       `db:"ts" json:"ts"`
	StepName   string          `db:"step_name" json:"step_name"`
	StepStatus string          `db:"step_status" json:"step_status"`
	Progress   int             `db:"progress" json:"progress"`
	Message    string          `db:"message" json:"message"`
	StepData   json.RawMessage `db:"step_data" json:"step_data,omitempty"`
}

const (
	StepStarted   = "started"
	StepCompleted = "completed"
	StepFailed    = "failed"
)
