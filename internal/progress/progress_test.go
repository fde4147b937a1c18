package progress

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halbzeit/reviewqueue/internal/queue"
)

func newMockRecorder(t *testing.T) (*Recorder, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	return NewRecorder(db, time.Minute), mock
}

func TestRecorder_Report_UpdatesProgressAndAppendsEvent(t *testing.T) {
	r, mock := newMockRecorder(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT locked_by FROM tasks WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"locked_by"}).AddRow("worker-1"))
	mock.ExpectExec(`UPDATE tasks`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO progress_events`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := r.Report(context.Background(), 1, "worker-1", 50, "extracting_slides", "halfway there", nil)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecorder_Report_SkipsEventWhenStepNameEmpty(t *testing.T) {
	r, mock := newMockRecorder(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT locked_by FROM tasks WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"locked_by"}).AddRow("worker-1"))
	mock.ExpectExec(`UPDATE tasks`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := r.Report(context.Background(), 1, "worker-1", 50, "", "", nil)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecorder_Report_LeaseLostWhenNotHolder(t *testing.T) {
	r, mock := newMockRecorder(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT locked_by FROM tasks WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"locked_by"}).AddRow("someone-else"))
	mock.ExpectRollback()

	err := r.Report(context.Background(), 1, "worker-1", 50, "step", "msg", nil)

	require.Error(t, err)
	assert.Equal(t, queue.LeaseLost, queue.OutcomeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecorder_Report_TaskNotFound(t *testing.T) {
	r, mock := newMockRecorder(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT locked_by FROM tasks WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(99)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := r.Report(context.Background(), 99, "worker-1", 50, "step", "msg", nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrTaskNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecorder_Report_ClampsPercent(t *testing.T) {
	r, mock := newMockRecorder(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT locked_by FROM tasks WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"locked_by"}).AddRow("worker-1"))
	mock.ExpectExec(`UPDATE tasks`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := r.Report(context.Background(), 1, "worker-1", 150, "", "", nil)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecorder_History(t *testing.T) {
	r, mock := newMockRecorder(t)

	rows := sqlmock.NewRows([]string{"id", "task_id", "step_name", "step_status", "progress", "message"}).
		AddRow(int64(1), int64(1), "extracting_slides", "started", 10, "starting").
		AddRow(int64(2), int64(1), "extracting_slides", "completed", 25, "done")
	mock.ExpectQuery(`SELECT \* FROM progress_events WHERE task_id = \$1 ORDER BY ts ASC`).
		WithArgs(int64(1)).
		WillReturnRows(rows)

	events, err := r.History(context.Background(), 1)

	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}
