package model

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusLeased    TaskStatus = "leased"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusDead      TaskStatus = "dead"
)

// Terminal reports whether a status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusDead
}

// Task is a unit of work flowing through the broker. The queue client owns a
// task from enqueue until it reaches a terminal status; while leased it is
// exclusively owned by the worker holding the lease.
type Task struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`

	// NotBefore delays visibility: consumers that receive the task earlier
	// return it to the broker without burning an attempt.
	NotBefore time.Time `json:"not_before,omitempty"`

	// Timeout bounds a single handler execution. Zero means the worker default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Visible reports whether the task may be delivered at the given time.
func (t *Task) Visible(now time.Time) bool {
	return t.NotBefore.IsZero() || !now.Before(t.NotBefore)
}

// TaskResult records the outcome of a single execution attempt.
type TaskResult struct {
	TaskID      string     `json:"task_id"`
	WorkerID    string     `json:"worker_id"`
	Status      TaskStatus `json:"status"`
	Attempt     int        `json:"attempt"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at"`
}

// DeadLetter is a task that exhausted its attempts. Terminal until an operator
// requeues it.
type DeadLetter struct {
	ID       string          `json:"id"`
	TaskID   string          `json:"task_id"`
	Queue    string          `json:"queue"`
	Name     string          `json:"name"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Attempts int             `json:"attempts"`
	Error    string          `json:"error"`
	DiedAt   time.Time       `json:"died_at"`
}
