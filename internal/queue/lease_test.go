package queue

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halbzeit/reviewqueue/internal/task"
)

func TestStore_ClaimNext_NoRowsReturnsNil(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE tasks`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE tasks`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`UPDATE tasks`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	claimed, err := store.ClaimNext(context.Background(), "worker-1", task.Capabilities{"gpu"}, time.Minute)

	require.NoError(t, err)
	assert.Nil(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ClaimNext_ClaimsTask(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE tasks`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE tasks`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{"id", "state"}).AddRow(int64(7), "processing")
	mock.ExpectQuery(`UPDATE tasks`).
		WillReturnRows(rows)
	mock.ExpectCommit()

	claimed, err := store.ClaimNext(context.Background(), "worker-1", task.Capabilities{"gpu"}, time.Minute)

	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, int64(7), claimed.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Renew_Success(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE tasks`).
		WithArgs(sqlmock.AnyArg(), int64(1), "worker-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Renew(context.Background(), 1, "worker-1", time.Minute)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Renew_LeaseLost(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE tasks`).
		WithArgs(sqlmock.AnyArg(), int64(1), "worker-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Renew(context.Background(), 1, "worker-1", time.Minute)

	require.Error(t, err)
	assert.Equal(t, LeaseLost, OutcomeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Release_Success(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE tasks`).
		WithArgs(int64(1), "worker-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Release(context.Background(), 1, "worker-1")

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Release_LeaseLost(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE tasks`).
		WithArgs(int64(1), "worker-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Release(context.Background(), 1, "worker-1")

	require.Error(t, err)
	assert.Equal(t, LeaseLost, OutcomeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SweepExpiredLeases_ReportsReclaimedCount(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE tasks`).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	n, err := store.SweepExpiredLeases(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SweepExpiredLeases_RollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE tasks`).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := store.SweepExpiredLeases(context.Background())

	require.Error(t, err)
	assert.Equal(t, Transient, OutcomeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
