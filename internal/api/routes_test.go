package api

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halbzeit/reviewqueue/internal/api/middleware"
	"github.com/halbzeit/reviewqueue/internal/completion"
	"github.com/halbzeit/reviewqueue/internal/config"
	"github.com/halbzeit/reviewqueue/internal/deck"
	"github.com/halbzeit/reviewqueue/internal/dispatcher"
	"github.com/halbzeit/reviewqueue/internal/progress"
	"github.com/halbzeit/reviewqueue/internal/queue"
	"github.com/halbzeit/reviewqueue/internal/registry"
	"github.com/halbzeit/reviewqueue/internal/task"
)

func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	cfg := &config.Config{
		Queue: config.QueueConfig{
			LeaseDuration: time.Minute,
			MaxAttempts:   3,
		},
		Metrics: config.MetricsConfig{Enabled: false},
		Auth:    config.AuthConfig{Enabled: false},
	}

	deps := Deps{
		Dispatcher: dispatcher.New(queue.NewStore(db), deck.NewStore(db)),
		Queue:      queue.NewStore(db),
		Progress:   progress.NewRecorder(db, time.Minute),
		Completion: completion.NewHandler(db, task.DefaultRetryPolicy()),
		Registry:   registry.NewRegistry(db, nil, time.Minute),
	}
	return NewServer(cfg, deps), mock
}

func TestServer_HealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_GetTask_NotFound(t *testing.T) {
	srv, mock := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	mock.ExpectQuery(`SELECT \* FROM tasks WHERE id = \$1`).
		WithArgs(int64(404)).
		WillReturnError(sql.ErrNoRows)

	resp, err := http.Get(ts.URL + "/tasks/404")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestServer_WorkerRoutesRequireAuthWhenEnabled(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	db := sqlx.NewDb(mockDB, "sqlmock")
	cfg := &config.Config{
		Queue:   config.QueueConfig{LeaseDuration: time.Minute, MaxAttempts: 3},
		Metrics: config.MetricsConfig{Enabled: false},
		Auth:    config.AuthConfig{Enabled: true, APIKeys: []string{"secret"}},
	}
	deps := Deps{
		Dispatcher: dispatcher.New(queue.NewStore(db), deck.NewStore(db)),
		Queue:      queue.NewStore(db),
		Progress:   progress.NewRecorder(db, time.Minute),
		Completion: completion.NewHandler(db, task.DefaultRetryPolicy()),
		Registry:   registry.NewRegistry(db, nil, time.Minute),
	}
	srv := NewServer(cfg, deps)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/workers/register", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestServer_MaintenanceRequiresAdminRole(t *testing.T) {
	const jwtSecret = "test-secret"

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	db := sqlx.NewDb(mockDB, "sqlmock")
	cfg := &config.Config{
		Queue:   config.QueueConfig{LeaseDuration: time.Minute, MaxAttempts: 3},
		Metrics: config.MetricsConfig{Enabled: false},
		Auth:    config.AuthConfig{Enabled: true, JWTSecret: jwtSecret},
	}
	deps := Deps{
		Dispatcher: dispatcher.New(queue.NewStore(db), deck.NewStore(db)),
		Queue:      queue.NewStore(db),
		Progress:   progress.NewRecorder(db, time.Minute),
		Completion: completion.NewHandler(db, task.DefaultRetryPolicy()),
		Registry:   registry.NewRegistry(db, nil, time.Minute),
	}
	srv := NewServer(cfg, deps)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	tokenFor := func(role string) string {
		claims := middleware.Claims{Role: role}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
		require.NoError(t, err)
		return signed
	}

	post := func(token string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/workers/worker-1/maintenance", strings.NewReader(`{"on":true}`))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := post(tokenFor("worker"))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	mock.ExpectExec(`UPDATE workers SET state = \$1 WHERE id = \$2`).
		WithArgs(registry.StateMaintenance, "worker-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	resp = post(tokenFor("admin"))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}
