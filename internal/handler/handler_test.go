package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskd-io/taskd/internal/handler"
	"github.com/taskd-io/taskd/internal/model"
	"github.com/taskd-io/taskd/internal/testutil"
	"github.com/taskd-io/taskd/internal/worker"
)

func TestEmailHandlerRejectsBadPayloads(t *testing.T) {
	h := handler.NewEmailHandler(handler.EmailConfig{Host: "localhost", Port: 25}, zap.NewNop())
	assert.Equal(t, "email.send", h.Name())

	err := h.Handle(context.Background(), json.RawMessage(`not json`))
	assert.True(t, worker.IsPermanent(err))

	err = h.Handle(context.Background(), json.RawMessage(`{"subject":"x","body":"y"}`))
	assert.True(t, worker.IsPermanent(err), "missing recipients is unfixable")
}

func TestWebhookHandlerStatusMapping(t *testing.T) {
	var gotMethod, gotBody string
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	h := handler.NewWebhookHandler(zap.NewNop())
	assert.Equal(t, "webhook.call", h.Name())
	ctx := context.Background()

	payload := func(s string) json.RawMessage {
		p, err := json.Marshal(handler.WebhookPayload{URL: srv.URL, Body: s})
		require.NoError(t, err)
		return p
	}

	// 2xx succeeds; POST is the default method.
	require.NoError(t, h.Handle(ctx, payload(`{"event":"ok"}`)))
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, `{"event":"ok"}`, gotBody)

	// 4xx is permanent, 5xx is retryable.
	status = http.StatusNotFound
	err := h.Handle(ctx, payload(""))
	assert.True(t, worker.IsPermanent(err))

	status = http.StatusBadGateway
	err = h.Handle(ctx, payload(""))
	require.Error(t, err)
	assert.False(t, worker.IsPermanent(err))
}

func TestWebhookHandlerRejectsBadPayloads(t *testing.T) {
	h := handler.NewWebhookHandler(zap.NewNop())
	ctx := context.Background()

	assert.True(t, worker.IsPermanent(h.Handle(ctx, json.RawMessage(`not json`))))
	assert.True(t, worker.IsPermanent(h.Handle(ctx, json.RawMessage(`{"method":"GET"}`))))
}

func TestWebhookHandlerConnectionErrorIsRetryable(t *testing.T) {
	h := handler.NewWebhookHandler(zap.NewNop())
	p, _ := json.Marshal(handler.WebhookPayload{URL: "http://127.0.0.1:1/unreachable"})

	err := h.Handle(context.Background(), p)
	require.Error(t, err)
	assert.False(t, worker.IsPermanent(err))
}

func TestCleanupHandlerPurgesOldRows(t *testing.T) {
	st := testutil.OpenStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := &model.DeadLetter{TaskID: "old", Queue: "default", Name: "n", Error: "e", DiedAt: now.AddDate(0, 0, -40)}
	recent := &model.DeadLetter{TaskID: "recent", Queue: "default", Name: "n", Error: "e", DiedAt: now}
	require.NoError(t, st.AddDeadLetter(ctx, old))
	require.NoError(t, st.AddDeadLetter(ctx, recent))

	h := handler.NewCleanupHandler(st, zap.NewNop())
	assert.Equal(t, "maintenance.cleanup", h.Name())
	require.NoError(t, h.Handle(ctx, json.RawMessage(`{"retention_days":30}`)))

	letters, err := st.ListDeadLetters(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "recent", letters[0].TaskID)

	// Defaults apply when the payload is empty; a second run is a no-op.
	require.NoError(t, h.Handle(ctx, nil))
	letters, err = st.ListDeadLetters(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, letters, 1)
}

func TestCleanupHandlerRejectsBadPayload(t *testing.T) {
	st := testutil.OpenStore(t)
	h := handler.NewCleanupHandler(st, zap.NewNop())

	err := h.Handle(context.Background(), json.RawMessage(`"nope"`))
	assert.True(t, worker.IsPermanent(err))
}
