// Package dispatcher implements the API-side component that accepts new
// work from the upload path and translates it into one or more task
// enqueues (spec §4.6).
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/halbzeit/reviewqueue/internal/deck"
	"github.com/halbzeit/reviewqueue/internal/queue"
	"github.com/halbzeit/reviewqueue/internal/task"
)

type Dispatcher struct {
	store *queue.Store
	decks *deck.Store
}

func New(store *queue.Store, decks *deck.Store) *Dispatcher {
	return &Dispatcher{store: store, decks: decks}
}

// Request is a single-kind enqueue request as taken directly off
// POST /tasks (spec §6).
type Request struct {
	DeckID       int64
	Kind         task.Kind
	SourcePath   string
	CompanyID    string
	Options      json.RawMessage
	Priority     int
	Capabilities task.Capabilities
	DependsOn    []queue.Dep
}

// Enqueue submits a single task and returns its id. Most callers building
// a multi-step chain should use EnqueueAnalysisChain instead.
func (d *Dispatcher) Enqueue(ctx context.Context, req Request) (int64, error) {
	return d.store.Enqueue(ctx, queue.Spec{
		DeckID:       req.DeckID,
		Kind:         req.Kind,
		Priority:     req.Priority,
		Capabilities: req.Capabilities,
		SourcePath:   req.SourcePath,
		CompanyID:    req.CompanyID,
		Options:      req.Options,
		DependsOn:    req.DependsOn,
	})
}

// EnqueueAnalysisChain builds the standard pitch-deck review chain: a
// visual_analysis task followed by a template_processing task that only
// becomes runnable once visual_analysis succeeds (spec §4.6 example). It
// writes the deck's current_processing_task_id to the head of the chain
// and returns both task ids, head first.
func (d *Dispatcher) EnqueueAnalysisChain(ctx context.Context, deckID int64, sourcePath, companyID string, options json.RawMessage, priority int, capabilities task.Capabilities) (visualTaskID, templateTaskID int64, err error) {
	visualTaskID, err = d.store.Enqueue(ctx, queue.Spec{
		DeckID:       deckID,
		Kind:         task.KindVisualAnalysis,
		Priority:     priority,
		Capabilities: capabilities,
		SourcePath:   sourcePath,
		CompanyID:    companyID,
		Options:      options,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("dispatcher: enqueue visual_analysis: %w", err)
	}

	templateTaskID, err = d.store.Enqueue(ctx, queue.Spec{
		DeckID:       deckID,
		Kind:         task.KindTemplateProcessing,
		Priority:     priority,
		Capabilities: capabilities,
		SourcePath:   sourcePath,
		CompanyID:    companyID,
		Options:      options,
		DependsOn: []queue.Dep{
			{TaskID: visualTaskID, Mode: task.DependencySuccessOnly},
		},
	})
	if err != nil {
		return 0, 0, fmt.Errorf("dispatcher: enqueue template_processing: %w", err)
	}

	if err := d.decks.SetCurrentProcessingTask(ctx, deckID, visualTaskID); err != nil {
		return 0, 0, fmt.Errorf("dispatcher: set current processing task: %w", err)
	}

	return visualTaskID, templateTaskID, nil
}

// Status returns a task's current state for the GET /tasks/{id} endpoint.
func (d *Dispatcher) Status(ctx context.Context, taskID int64) (*task.Task, error) {
	return d.store.Get(ctx, taskID)
}

// ListForDeck returns all tasks for a deck, newest first.
func (d *Dispatcher) ListForDeck(ctx context.Context, deckID int64) ([]*task.Task, error) {
	return d.store.ListForDeck(ctx, deckID)
}

// Cancel idempotently cancels a task.
func (d *Dispatcher) Cancel(ctx context.Context, taskID int64) error {
	return d.store.Cancel(ctx, taskID)
}
