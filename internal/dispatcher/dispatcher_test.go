package dispatcher

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halbzeit/reviewqueue/internal/deck"
	"github.com/halbzeit/reviewqueue/internal/queue"
	"github.com/halbzeit/reviewqueue/internal/task"
)

func newMockDispatcher(t *testing.T) (*Dispatcher, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	return New(queue.NewStore(db), deck.NewStore(db)), mock
}

func TestDispatcher_Enqueue(t *testing.T) {
	d, mock := newMockDispatcher(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO tasks`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectCommit()

	id, err := d.Enqueue(context.Background(), Request{
		DeckID:     1,
		Kind:       task.KindPDFAnalysis,
		SourcePath: "deck.pdf",
	})

	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcher_EnqueueAnalysisChain(t *testing.T) {
	d, mock := newMockDispatcher(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO tasks`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO tasks`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))
	mock.ExpectExec(`INSERT INTO dependencies`).
		WithArgs(int64(2), int64(1), task.DependencySuccessOnly).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectExec(`UPDATE decks SET current_processing_task_id`).
		WithArgs(int64(1), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	visualID, templateID, err := d.EnqueueAnalysisChain(context.Background(), 9, "deck.pdf", "acme", nil, 0, nil)

	require.NoError(t, err)
	assert.Equal(t, int64(1), visualID)
	assert.Equal(t, int64(2), templateID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcher_Status(t *testing.T) {
	d, mock := newMockDispatcher(t)

	rows := sqlmock.NewRows([]string{"id", "state"}).AddRow(int64(1), task.StateQueued)
	mock.ExpectQuery(`SELECT \* FROM tasks WHERE id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(rows)

	got, err := d.Status(context.Background(), 1)

	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcher_Cancel(t *testing.T) {
	d, mock := newMockDispatcher(t)

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"id", "state"}).AddRow(int64(1), task.StateQueued)
	mock.ExpectQuery(`SELECT \* FROM tasks WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(1)).
		WillReturnRows(rows)
	mock.ExpectExec(`UPDATE tasks`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT t.id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	err := d.Cancel(context.Background(), 1)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
