// Package scheduler fires due schedule entries into the task queue. Several
// instances may run against the same store; a conditional update on next_due
// guarantees each firing is claimed by exactly one instance.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/taskd-io/taskd/internal/metrics"
	"github.com/taskd-io/taskd/internal/model"
	"github.com/taskd-io/taskd/internal/queue"
	"github.com/taskd-io/taskd/internal/schedule"
	"github.com/taskd-io/taskd/internal/store"
)

// Scheduler drives the periodic tick loop.
type Scheduler struct {
	logger  *zap.Logger
	store   *store.Store
	client  *queue.Client
	metrics *metrics.Metrics
	tick    time.Duration
}

// New creates a scheduler ticking at the given interval.
func New(st *store.Store, client *queue.Client, m *metrics.Metrics, tick time.Duration, logger *zap.Logger) *Scheduler {
	if tick <= 0 {
		tick = 15 * time.Second
	}
	return &Scheduler{
		logger:  logger.Named("scheduler"),
		store:   st,
		client:  client,
		metrics: m,
		tick:    tick,
	}
}

// Run ticks until ctx is done. Tick failures are logged and retried on the
// next tick; they never stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Starting scheduler", zap.Duration("tick", s.tick))

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	// Fire anything already due instead of waiting out the first tick.
	s.Tick(ctx, time.Now().UTC())

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx, time.Now().UTC())
		}
	}
}

// Tick fires every enabled entry whose next_due is at or before now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	entries, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("Failed to load due schedules", zap.Error(err))
		return
	}

	for _, entry := range entries {
		if err := s.fire(ctx, entry, now); err != nil {
			s.logger.Error("Failed to fire schedule",
				zap.String("schedule", entry.Name),
				zap.Error(err))
		}
	}
}

// fire claims one due firing and enqueues its task. Losing the claim to
// another instance is a normal outcome, not an error.
func (s *Scheduler) fire(ctx context.Context, entry *model.ScheduleEntry, now time.Time) error {
	rec, err := schedule.Parse(entry.Expression)
	if err != nil {
		// The entry can never fire; leave it for the operator to fix.
		return err
	}

	// Overdue entries get a single catch-up firing: next_due advances from
	// now, skipped occurrences are not backfilled.
	next := rec.Next(now)
	if rec.Next(entry.NextDue).Before(now) {
		s.logger.Info("Schedule overdue, firing once and skipping missed occurrences",
			zap.String("schedule", entry.Name),
			zap.Time("was_due", entry.NextDue),
			zap.Time("next_due", next))
	}

	err = s.store.ClaimSchedule(ctx, entry.ID, entry.NextDue, now, next)
	if errors.Is(err, store.ErrClaimConflict) {
		s.metrics.ClaimConflicts.WithLabelValues(entry.Name).Inc()
		s.logger.Debug("Schedule claimed by another instance",
			zap.String("schedule", entry.Name))
		return nil
	}
	if err != nil {
		return err
	}

	opts := []queue.EnqueueOption{}
	if entry.MaxAttempts > 0 {
		opts = append(opts, queue.WithMaxAttempts(entry.MaxAttempts))
	}
	taskID, err := s.client.Enqueue(ctx, entry.Queue, entry.TaskName, entry.Payload, opts...)
	if err != nil {
		// The claim already advanced next_due; this firing is lost. The
		// entry fires again at its next occurrence.
		return err
	}

	s.metrics.SchedulerFires.WithLabelValues(entry.Name).Inc()
	s.logger.Info("Schedule fired",
		zap.String("schedule", entry.Name),
		zap.String("task_id", taskID),
		zap.Time("next_due", next))
	return nil
}
