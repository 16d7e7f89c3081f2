// Package schedule parses recurrence expressions and computes firing times.
// Expressions use the standard 5-field cron syntax plus descriptors such as
// @hourly and @every 90s. All computations are in UTC so that every scheduler
// instance derives the same next-due instant from the same entry.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Recurrence is a parsed recurrence expression.
type Recurrence struct {
	expr string
	spec cron.Schedule
}

// Parse validates and compiles a recurrence expression.
func Parse(expr string) (*Recurrence, error) {
	spec, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse recurrence %q: %w", expr, err)
	}
	return &Recurrence{expr: expr, spec: spec}, nil
}

// Next returns the first firing time strictly after from, in UTC.
func (r *Recurrence) Next(from time.Time) time.Time {
	return r.spec.Next(from.UTC()).UTC()
}

// String returns the original expression.
func (r *Recurrence) String() string { return r.expr }

// Validate reports whether expr is a well-formed recurrence expression.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// NextAfter is a convenience for one-shot next-due computation, used when
// creating or updating an entry.
func NextAfter(expr string, from time.Time) (time.Time, error) {
	r, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return r.Next(from), nil
}
