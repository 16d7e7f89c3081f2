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

const deadLetterColumns = "id, task_id, queue, name, payload, attempts, error, died_at"

// AddDeadLetter records a task that exhausted its attempts.
func (s *Store) AddDeadLetter(ctx context.Context, d *model.DeadLetter) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.DiedAt.IsZero() {
		d.DiedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, task_id, queue, name, payload, attempts, error, died_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TaskID, d.Queue, d.Name, payloadString(d.Payload), d.Attempts, d.Error, d.DiedAt.UTC())
	if err != nil {
		return fmt.Errorf("add dead letter for task %s: %w", d.TaskID, err)
	}

	s.logger.Warn("Task dead-lettered",
		zap.String("task_id", d.TaskID),
		zap.String("queue", d.Queue),
		zap.Int("attempts", d.Attempts),
		zap.String("error", d.Error))
	return nil
}

// GetDeadLetter returns one dead letter by ID.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (*model.DeadLetter, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+deadLetterColumns+" FROM dead_letters WHERE id = ?", id)
	return scanDeadLetter(row)
}

// ListDeadLetters returns the most recent dead letters, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, queue string, limit int) ([]*model.DeadLetter, error) {
	query := "SELECT " + deadLetterColumns + " FROM dead_letters"
	args := []any{}
	if queue != "" {
		query += " WHERE queue = ?"
		args = append(args, queue)
	}
	query += " ORDER BY died_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*model.DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		letters = append(letters, d)
	}
	return letters, rows.Err()
}

// RemoveDeadLetter deletes a dead letter, typically after requeueing.
func (s *Store) RemoveDeadLetter(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM dead_letters WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("remove dead letter %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeDeadLettersBefore deletes dead letters older than the cutoff and
// returns how many were removed.
func (s *Store) PurgeDeadLettersBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM dead_letters WHERE died_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	return res.RowsAffected()
}

func scanDeadLetter(row rowScanner) (*model.DeadLetter, error) {
	var d model.DeadLetter
	var payload sql.NullString

	err := row.Scan(&d.ID, &d.TaskID, &d.Queue, &d.Name, &payload, &d.Attempts, &d.Error, &d.DiedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dead letter: %w", err)
	}
	if payload.Valid && payload.String != "" {
		d.Payload = json.RawMessage(payload.String)
	}
	return &d, nil
}
