package deck

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	return NewStore(db), mock
}

func TestStore_Create(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO decks`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))

	id, err := store.Create(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(5), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Get_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT \* FROM decks WHERE id = \$1`).
		WithArgs(int64(99)).
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), 99)

	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Get_Found(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id", "processing_status"}).AddRow(int64(1), "pending")
	mock.ExpectQuery(`SELECT \* FROM decks WHERE id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(rows)

	d, err := store.Get(context.Background(), 1)

	require.NoError(t, err)
	assert.Equal(t, int64(1), d.ID)
	assert.Equal(t, "pending", d.ProcessingStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SetCurrentProcessingTask(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE decks SET current_processing_task_id`).
		WithArgs(int64(42), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.SetCurrentProcessingTask(context.Background(), 1, 42)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
