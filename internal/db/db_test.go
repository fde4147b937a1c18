package db

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Connect is not covered here: it dials a real Postgres instance via pgx's
// stdlib driver, which sqlmock can't stand in for. Migrate is the testable
// surface — it only needs something satisfying database/sql's interfaces.
func TestMigrate_AppliesEachEmbeddedFileInOrder(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	conn := sqlx.NewDb(mockDB, "sqlmock")

	mock.ExpectBegin()
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err = Migrate(context.Background(), conn)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_RollsBackOnFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	conn := sqlx.NewDb(mockDB, "sqlmock")

	mock.ExpectBegin()
	mock.ExpectExec(".*").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err = Migrate(context.Background(), conn)

	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
