package queue

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/taskd-io/taskd/internal/model"
)

// Lease is exclusive ownership of one delivered task. It stays valid for the
// client's lease duration; Extend renews it. Exactly one of Ack, Nack or
// Bury settles it. An unsettled lease expires at the broker and the task is
// redelivered to another consumer.
type Lease struct {
	Task *model.Task

	client *Client
	msg    *nats.Msg

	mu         sync.Mutex
	receivedAt time.Time
	settled    bool
}

func newLease(c *Client, msg *nats.Msg, task *model.Task) *Lease {
	return &Lease{Task: task, client: c, msg: msg, receivedAt: time.Now()}
}

// Attempts returns the 1-based number of this delivery. A delayed task's
// first delivery happens before it is visible and is returned unprocessed,
// so it is not counted.
func (l *Lease) Attempts() int {
	meta, err := l.msg.Metadata()
	if err != nil {
		return 1
	}
	n := int(meta.NumDelivered)
	if !l.Task.NotBefore.IsZero() && n > 1 {
		n--
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Ack settles the lease as succeeded. The task will not be redelivered.
func (l *Lease) Ack(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.settled {
		return ErrLeaseSettled
	}
	if err := l.msg.Ack(); err != nil {
		return err
	}
	l.settled = true

	if err := l.client.store.RecordTaskOutcome(ctx, l.Task.ID, model.TaskStatusSucceeded, l.Attempts(), ""); err != nil {
		l.client.logger.Warn("Failed to record success", zap.String("task_id", l.Task.ID), zap.Error(err))
	}
	l.client.metrics.TasksSucceeded.WithLabelValues(l.Task.Queue, l.Task.Name).Inc()
	return nil
}

// Nack settles the lease as a failed attempt. While attempts remain the task
// is redelivered after a backoff delay; once the budget is exhausted it is
// dead-lettered and removed from the queue.
func (l *Lease) Nack(ctx context.Context, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.settled {
		return ErrLeaseSettled
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	attempts := l.Attempts()
	if attempts >= l.Task.MaxAttempts {
		return l.bury(ctx, attempts, msg)
	}

	delay := l.client.opts.Strategy.NextRetry(attempts)
	if err := l.msg.NakWithDelay(delay); err != nil {
		return err
	}
	l.settled = true

	if err := l.client.store.RecordTaskOutcome(ctx, l.Task.ID, model.TaskStatusFailed, attempts, msg); err != nil {
		l.client.logger.Warn("Failed to record failure", zap.String("task_id", l.Task.ID), zap.Error(err))
	}
	l.client.metrics.TasksRetried.WithLabelValues(l.Task.Queue, l.Task.Name).Inc()
	l.client.logger.Info("Task attempt failed, will retry",
		zap.String("task_id", l.Task.ID),
		zap.Int("attempt", attempts),
		zap.Int("max_attempts", l.Task.MaxAttempts),
		zap.Duration("delay", delay),
		zap.String("error", msg))
	return nil
}

// Bury settles the lease by dead-lettering immediately, skipping remaining
// attempts. Used for permanent failures where retrying cannot help.
func (l *Lease) Bury(ctx context.Context, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.settled {
		return ErrLeaseSettled
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return l.bury(ctx, l.Attempts(), msg)
}

func (l *Lease) bury(ctx context.Context, attempts int, cause string) error {
	if err := l.client.deadLetter(ctx, l.Task, attempts, cause); err != nil {
		// Keep the lease unsettled; the broker will redeliver and the
		// dead-letter insert gets another chance.
		return err
	}
	if err := l.msg.Ack(); err != nil {
		return err
	}
	l.settled = true
	return nil
}

// Extend renews the lease for another full lease duration. Safe to call from
// a keep-alive goroutine concurrently with settlement.
func (l *Lease) Extend() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.settled {
		return ErrLeaseSettled
	}
	if err := l.msg.InProgress(); err != nil {
		return err
	}
	l.receivedAt = time.Now()
	return nil
}

// Deadline returns when the current lease period expires, measured from the
// last delivery or extension observed by this process.
func (l *Lease) Deadline() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.receivedAt.Add(l.client.opts.LeaseDuration)
}
