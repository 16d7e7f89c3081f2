package model

import (
	"encoding/json"
	"time"
)

// ScheduleEntry is a recurring task definition. Entries are persisted so a
// restarted scheduler can recompute whether a firing was missed; the store is
// the single source of truth across scheduler instances.
type ScheduleEntry struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Expression string          `json:"expression"`
	Queue      string          `json:"queue"`
	TaskName   string          `json:"task_name"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	MaxAttempts int  `json:"max_attempts"`
	Enabled     bool `json:"enabled"`

	LastFired *time.Time `json:"last_fired,omitempty"`
	NextDue   time.Time  `json:"next_due"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MigrationRecord is one applied migration. The sequence of records is
// append-only except for explicit downgrade, which removes tail entries.
type MigrationRecord struct {
	ID        string    `json:"id"`
	Checksum  string    `json:"checksum"`
	AppliedAt time.Time `json:"applied_at"`
}
