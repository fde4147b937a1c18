package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halbzeit/reviewqueue/internal/deck"
	"github.com/halbzeit/reviewqueue/internal/dispatcher"
	"github.com/halbzeit/reviewqueue/internal/queue"
)

func newTestTaskHandler(t *testing.T) (*TaskHandler, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	d := dispatcher.New(queue.NewStore(db), deck.NewStore(db))
	return NewTaskHandler(d, nil), mock
}

func TestTaskHandler_Create(t *testing.T) {
	h, mock := newTestTaskHandler(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO tasks`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectCommit()

	body, _ := json.Marshal(CreateTaskRequest{
		DeckID:     1,
		Kind:       "pdf_analysis",
		SourcePath: "deck.pdf",
	})
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Create(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	var resp CreateTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(7), resp.TaskID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskHandler_Create_MissingKind(t *testing.T) {
	h, _ := newTestTaskHandler(t)

	body, _ := json.Marshal(CreateTaskRequest{DeckID: 1, SourcePath: "deck.pdf"})
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Create(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskHandler_Get(t *testing.T) {
	h, mock := newTestTaskHandler(t)

	rows := sqlmock.NewRows([]string{"id", "deck_id", "state", "source_path"}).
		AddRow(int64(1), int64(2), "queued", "deck.pdf")
	mock.ExpectQuery(`SELECT \* FROM tasks WHERE id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(rows)

	req := httptest.NewRequest(http.MethodGet, "/tasks/1", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", "1")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rec := httptest.NewRecorder()

	h.Get(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp TaskStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.ID)
	assert.Equal(t, "deck.pdf", resp.SourcePath)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskHandler_Get_NotFound(t *testing.T) {
	h, mock := newTestTaskHandler(t)

	mock.ExpectQuery(`SELECT \* FROM tasks WHERE id = \$1`).
		WithArgs(int64(99)).
		WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest(http.MethodGet, "/tasks/99", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", "99")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rec := httptest.NewRecorder()

	h.Get(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskHandler_Get_InvalidID(t *testing.T) {
	h, _ := newTestTaskHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/tasks/abc", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", "abc")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rec := httptest.NewRecorder()

	h.Get(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskHandler_Cancel(t *testing.T) {
	h, mock := newTestTaskHandler(t)

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"id", "state"}).AddRow(int64(1), "queued")
	mock.ExpectQuery(`SELECT \* FROM tasks WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(1)).
		WillReturnRows(rows)
	mock.ExpectExec(`UPDATE tasks`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT t.id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	req := httptest.NewRequest(http.MethodPost, "/tasks/1/cancel", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", "1")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	rec := httptest.NewRecorder()

	h.Cancel(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
