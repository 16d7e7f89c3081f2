package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskd-io/taskd/internal/store"
	"github.com/taskd-io/taskd/internal/worker"
)

const defaultRetentionDays = 30

// CleanupPayload is the payload for maintenance.cleanup tasks.
type CleanupPayload struct {
	RetentionDays int `json:"retention_days,omitempty"`
}

// CleanupHandler purges old terminal task-status rows and dead letters.
// Typically fired nightly from a schedule entry. Re-running it is harmless.
type CleanupHandler struct {
	logger *zap.Logger
	store  *store.Store
}

// NewCleanupHandler creates the maintenance.cleanup handler.
func NewCleanupHandler(st *store.Store, logger *zap.Logger) *CleanupHandler {
	return &CleanupHandler{
		logger: logger.Named("cleanup"),
		store:  st,
	}
}

func (h *CleanupHandler) Name() string { return "maintenance.cleanup" }

func (h *CleanupHandler) Handle(ctx context.Context, payload json.RawMessage) error {
	p := CleanupPayload{RetentionDays: defaultRetentionDays}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return worker.Permanent(fmt.Errorf("decode cleanup payload: %w", err))
		}
	}
	if p.RetentionDays <= 0 {
		p.RetentionDays = defaultRetentionDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -p.RetentionDays)

	statuses, err := h.store.PurgeTaskStatusBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge task status: %w", err)
	}
	letters, err := h.store.PurgeDeadLettersBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge dead letters: %w", err)
	}

	h.logger.Info("Cleanup finished",
		zap.Time("cutoff", cutoff),
		zap.Int64("task_statuses_removed", statuses),
		zap.Int64("dead_letters_removed", letters))
	return nil
}
