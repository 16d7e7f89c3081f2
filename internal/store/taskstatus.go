package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/taskd-io/taskd/internal/model"
)

// TaskStatusRow mirrors a task's last observed state for the API's task
// views. The broker owns delivery; this table is bookkeeping, not a second
// queue.
type TaskStatusRow struct {
	TaskID     string           `json:"task_id"`
	Queue      string           `json:"queue"`
	Name       string           `json:"name"`
	Status     model.TaskStatus `json:"status"`
	Attempts   int              `json:"attempts"`
	Error      string           `json:"error,omitempty"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// RecordTaskEnqueued inserts or resets the status row for a task.
func (s *Store) RecordTaskEnqueued(ctx context.Context, t *model.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_status (task_id, queue, name, status, attempts, error, enqueued_at, updated_at)
		VALUES (?, ?, ?, ?, 0, NULL, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			status = excluded.status,
			attempts = 0,
			error = NULL,
			updated_at = excluded.updated_at`,
		t.ID, t.Queue, t.Name, model.TaskStatusPending, t.EnqueuedAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record task enqueued %s: %w", t.ID, err)
	}
	return nil
}

// RecordTaskOutcome updates the status row after an execution attempt.
func (s *Store) RecordTaskOutcome(ctx context.Context, taskID string, status model.TaskStatus, attempts int, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_status
		SET status = ?, attempts = ?, error = ?, updated_at = ?
		WHERE task_id = ?`,
		status, attempts, sql.NullString{String: errMsg, Valid: errMsg != ""},
		time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("record task outcome %s: %w", taskID, err)
	}
	return nil
}

// GetTaskStatus returns the status row for a task.
func (s *Store) GetTaskStatus(ctx context.Context, taskID string) (*TaskStatusRow, error) {
	var r TaskStatusRow
	var errMsg sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, queue, name, status, attempts, error, enqueued_at, updated_at
		FROM task_status WHERE task_id = ?`, taskID).
		Scan(&r.TaskID, &r.Queue, &r.Name, &r.Status, &r.Attempts, &errMsg, &r.EnqueuedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task status %s: %w", taskID, err)
	}
	if errMsg.Valid {
		r.Error = errMsg.String
	}
	return &r, nil
}

// PurgeTaskStatusBefore deletes terminal status rows older than the cutoff.
func (s *Store) PurgeTaskStatusBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM task_status
		WHERE updated_at < ? AND status IN (?, ?)`,
		before.UTC(), model.TaskStatusSucceeded, model.TaskStatusDead)
	if err != nil {
		return 0, fmt.Errorf("purge task status: %w", err)
	}
	return res.RowsAffected()
}
