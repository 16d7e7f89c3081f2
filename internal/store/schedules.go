package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskd-io/taskd/internal/model"
)

const scheduleColumns = `id, name, expression, queue, task_name, payload,
	max_attempts, enabled, last_fired, next_due, created_at, updated_at`

// CreateSchedule inserts a new schedule entry. A zero ID is generated.
func (s *Store) CreateSchedule(ctx context.Context, e *model.ScheduleEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedule_entries
			(id, name, expression, queue, task_name, payload, max_attempts, enabled, last_fired, next_due, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.Expression, e.Queue, e.TaskName, payloadString(e.Payload),
		e.MaxAttempts, e.Enabled, e.LastFired, e.NextDue.UTC(), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create schedule %s: %w", e.Name, err)
	}
	return nil
}

// GetSchedule returns one entry by ID.
func (s *Store) GetSchedule(ctx context.Context, id string) (*model.ScheduleEntry, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+scheduleColumns+" FROM schedule_entries WHERE id = ?", id)
	return scanSchedule(row)
}

// ListSchedules returns all entries ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]*model.ScheduleEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+scheduleColumns+" FROM schedule_entries ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var entries []*model.ScheduleEntry
	for rows.Next() {
		e, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DueSchedules returns enabled entries whose next_due is at or before now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]*model.ScheduleEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+scheduleColumns+" FROM schedule_entries WHERE enabled = 1 AND next_due <= ? ORDER BY next_due",
		now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()

	var entries []*model.ScheduleEntry
	for rows.Next() {
		e, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ClaimSchedule atomically transitions a due entry to fired. The update is
// conditional on next_due still holding the value the caller read, so with
// several scheduler instances racing on one due firing exactly one update
// succeeds; the others get ErrClaimConflict and yield.
func (s *Store) ClaimSchedule(ctx context.Context, id string, observedDue, firedAt, nextDue time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedule_entries
		SET last_fired = ?, next_due = ?, updated_at = ?
		WHERE id = ? AND enabled = 1 AND next_due = ?`,
		firedAt.UTC(), nextDue.UTC(), time.Now().UTC(), id, observedDue.UTC())
	if err != nil {
		return fmt.Errorf("claim schedule %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim schedule %s: %w", id, err)
	}
	if n == 0 {
		return ErrClaimConflict
	}
	return nil
}

// UpdateSchedule replaces the mutable fields of an entry.
func (s *Store) UpdateSchedule(ctx context.Context, e *model.ScheduleEntry) error {
	e.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedule_entries
		SET name = ?, expression = ?, queue = ?, task_name = ?, payload = ?,
			max_attempts = ?, enabled = ?, next_due = ?, updated_at = ?
		WHERE id = ?`,
		e.Name, e.Expression, e.Queue, e.TaskName, payloadString(e.Payload),
		e.MaxAttempts, e.Enabled, e.NextDue.UTC(), e.UpdatedAt, e.ID)
	if err != nil {
		return fmt.Errorf("update schedule %s: %w", e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSchedule removes an entry.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM schedule_entries WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.logger.Info("Deleted schedule", zap.String("id", id))
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*model.ScheduleEntry, error) {
	var e model.ScheduleEntry
	var payload sql.NullString
	var lastFired sql.NullTime

	err := row.Scan(&e.ID, &e.Name, &e.Expression, &e.Queue, &e.TaskName, &payload,
		&e.MaxAttempts, &e.Enabled, &lastFired, &e.NextDue, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}

	if payload.Valid && payload.String != "" {
		e.Payload = json.RawMessage(payload.String)
	}
	if lastFired.Valid {
		t := lastFired.Time
		e.LastFired = &t
	}
	return &e, nil
}

func payloadString(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}
