// Package deck holds the minimal pitch-deck record the queue core touches:
// a weak back-reference to its current processing task and the terminal
// status/result path the Completion Handler writes (spec §3 Ownership,
// §9 "cyclic references between deck and task").
package deck

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Deck is deliberately thin: the deck's business fields (company, slides,
// uploader, etc.) belong to the upload/review surfaces this spec's
// Non-goals exclude. Only the fields the queue core reads or writes live
// here.
type Deck struct {
	ID                      int64  `db:"id" json:"id"`
	ProcessingStatus        string `db:"processing_status" json:"processing_status"`
	CurrentProcessingTaskID *int64 `db:"current_processing_task_id" json:"current_processing_task_id,omitempty"`
	ResultsFilePath         string `db:"results_file_path" json:"results_file_path,omitempty"`
}

type Store struct {
	db *sqlx.DB
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new deck row in `pending` status. In this system's
// scope, decks are created by the upload path (a Non-goal collaborator);
// this constructor exists for tests and for seeding a deck ahead of
// dispatch.
func (s *Store) Create(ctx context.Context) (int64, error) {
	var id int64
	row := s.db.QueryRowxContext(ctx, `
		INSERT INTO decks (processing_status) VALUES ('pending') RETURNING id
	`)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("deck: create: %w", err)
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, id int64) (*Deck, error) {
	var d Deck
	if err := s.db.GetContext(ctx, &d, `SELECT * FROM decks WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("deck: get %d: not found", id)
		}
		return nil, fmt.Errorf("deck: get %d: %w", id, err)
	}
	return &d, nil
}

// SetCurrentProcessingTask writes the weak back-reference to the head of a
// newly dispatched task chain. This is the only field the Dispatcher may
// write on a deck; terminal status/result fields belong to the Completion
// Handler alone.
func (s *Store) SetCurrentProcessingTask(ctx context.Context, deckID, taskID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE decks SET current_processing_task_id = $1, updated_at = now()
		WHERE id = $2
	`, taskID, deckID)
	if err != nil {
		return fmt.Errorf("deck: set current processing task %d: %w", deckID, err)
	}
	return nil
}
