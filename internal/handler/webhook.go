package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taskd-io/taskd/internal/worker"
)

// WebhookPayload is the payload for webhook.call tasks.
type WebhookPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// WebhookHandler delivers outbound HTTP callbacks. Server errors are retried;
// client errors are permanent since resending the same request cannot fix a
// 4xx.
type WebhookHandler struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// NewWebhookHandler creates the webhook.call handler.
func NewWebhookHandler(logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		logger: logger.Named("webhook"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (h *WebhookHandler) Name() string { return "webhook.call" }

func (h *WebhookHandler) Handle(ctx context.Context, payload json.RawMessage) error {
	var p WebhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return worker.Permanent(fmt.Errorf("decode webhook payload: %w", err))
	}
	if p.URL == "" {
		return worker.Permanent(fmt.Errorf("webhook payload has no url"))
	}
	method := p.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, p.URL, strings.NewReader(p.Body))
	if err != nil {
		return worker.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	for key, value := range p.Headers {
		req.Header.Set(key, value)
	}
	if req.Header.Get("Content-Type") == "" && p.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	h.logger.Info("Calling webhook",
		zap.String("method", method),
		zap.String("url", p.URL))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode < 400:
		return nil
	case resp.StatusCode < 500:
		return worker.Permanent(fmt.Errorf("webhook rejected with status %d", resp.StatusCode))
	default:
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}
}
