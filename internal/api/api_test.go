package api_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskd-io/taskd/internal/api"
	"github.com/taskd-io/taskd/internal/metrics"
	"github.com/taskd-io/taskd/internal/migrate"
	"github.com/taskd-io/taskd/internal/model"
	"github.com/taskd-io/taskd/internal/queue"
	"github.com/taskd-io/taskd/internal/store"
	"github.com/taskd-io/taskd/internal/testutil"
)

type testEnv struct {
	router http.Handler
	client *queue.Client
	store  *store.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	js := testutil.StartJetStream(t)

	db, err := sql.Open("sqlite3",
		filepath.Join(t.TempDir(), "api_test.db")+"?_journal_mode=WAL&_busy_timeout=5000&_loc=UTC")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	source, err := migrate.EmbeddedSource()
	require.NoError(t, err)
	migrator, err := migrate.New(db, source, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, migrator.Upgrade(context.Background(), ""))

	st := store.Wrap(db, zap.NewNop())
	client, err := queue.NewClient(js, st, metrics.NewNop(), queue.Options{}, zap.NewNop())
	require.NoError(t, err)

	srv := api.NewServer(client, st, migrator, "default", zap.NewNop())
	return &testEnv{router: srv.Router(), client: client, store: st}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestEnqueueEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"name":    "email.send",
		"payload": map[string]any{"to": []string{"a@b.c"}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decode[map[string]string](t, rec)
	require.NotEmpty(t, resp["task_id"])
	assert.Equal(t, "default", resp["queue"])

	// The task is on the broker and pending in the status view.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	lease, err := env.client.Consume(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, resp["task_id"], lease.Task.ID)
	require.NoError(t, lease.Ack(ctx))

	rec = env.do(t, http.MethodGet, "/api/v1/tasks/"+resp["task_id"], nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[store.TaskStatusRow](t, rec)
	assert.Equal(t, model.TaskStatusSucceeded, status.Status)
}

func TestEnqueueEndpointValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"payload": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{
		"name": "n", "queue": "bad.queue",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTaskNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/tasks/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduleEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/schedules", map[string]any{
		"name":       "nightly",
		"expression": "0 3 * * *",
		"task_name":  "maintenance.cleanup",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[model.ScheduleEntry](t, rec)
	require.NotEmpty(t, created.ID)
	assert.True(t, created.Enabled)
	assert.Equal(t, "default", created.Queue)
	assert.True(t, created.NextDue.After(time.Now().Add(-time.Minute)))

	rec = env.do(t, http.MethodGet, "/api/v1/schedules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]model.ScheduleEntry](t, rec)
	require.Len(t, list, 1)

	disabled := false
	rec = env.do(t, http.MethodPut, "/api/v1/schedules/"+created.ID, map[string]any{
		"name":       "nightly",
		"expression": "0 3 * * *",
		"task_name":  "maintenance.cleanup",
		"enabled":    disabled,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decode[model.ScheduleEntry](t, rec)
	assert.False(t, updated.Enabled)

	rec = env.do(t, http.MethodDelete, "/api/v1/schedules/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/schedules/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduleValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/schedules", map[string]any{
		"name":       "bad",
		"expression": "not cron",
		"task_name":  "n",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/schedules", map[string]any{
		"expression": "@hourly",
		"task_name":  "n",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeadLetterEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Produce a dead letter through the queue path.
	_, err := env.client.Enqueue(ctx, "default", "webhook.call", json.RawMessage(`{"url":"x"}`))
	require.NoError(t, err)
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	lease, err := env.client.Consume(cctx, "default")
	require.NoError(t, err)
	require.NoError(t, lease.Bury(ctx, errors.New("status 410")))

	rec := env.do(t, http.MethodGet, "/api/v1/dead-letters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	letters := decode[[]model.DeadLetter](t, rec)
	require.Len(t, letters, 1)

	rec = env.do(t, http.MethodPost, "/api/v1/dead-letters/"+letters[0].ID+"/requeue", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[map[string]string](t, rec)
	require.NotEmpty(t, resp["task_id"])

	rec = env.do(t, http.MethodGet, "/api/v1/dead-letters", nil)
	letters = decode[[]model.DeadLetter](t, rec)
	assert.Empty(t, letters)

	rec = env.do(t, http.MethodPost, "/api/v1/dead-letters/missing/requeue", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzRefusesStaleSchema(t *testing.T) {
	js := testutil.StartJetStream(t)

	db, err := sql.Open("sqlite3",
		filepath.Join(t.TempDir(), "stale.db")+"?_journal_mode=WAL&_busy_timeout=5000&_loc=UTC")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	source, err := migrate.EmbeddedSource()
	require.NoError(t, err)
	migrator, err := migrate.New(db, source, zap.NewNop())
	require.NoError(t, err)
	// Apply only the first migration; the record is behind head.
	require.NoError(t, migrator.Upgrade(context.Background(), source[0].ID))

	st := store.Wrap(db, zap.NewNop())
	client, err := queue.NewClient(js, st, metrics.NewNop(), queue.Options{}, zap.NewNop())
	require.NoError(t, err)

	srv := api.NewServer(client, st, migrator, "default", zap.NewNop())
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
