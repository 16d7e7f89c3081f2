// Package queue is the broker-mediated task queue client. Tasks travel
// through NATS JetStream; delivery is at-least-once, so handlers must be
// idempotent. Per-queue durable pull consumers hold a lease for AckWait and
// redeliver on expiry.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/taskd-io/taskd/internal/metrics"
	"github.com/taskd-io/taskd/internal/model"
	"github.com/taskd-io/taskd/internal/store"
)

const (
	taskStreamName = "TASKS"
	deadStreamName = "TASKS_DEAD"

	taskSubjectPrefix = "task.queue."
	deadSubjectPrefix = "task.dead."

	// Published tasks carrying an ID already seen inside this window are
	// dropped by the broker, which makes Enqueue idempotent per task ID.
	dedupeWindow = 10 * time.Minute

	streamMaxAge     = 7 * 24 * time.Hour
	operationTimeout = 30 * time.Second
)

// Options configure a Client.
type Options struct {
	// LeaseDuration is how long a delivered task is exclusively owned
	// before the broker redelivers it.
	LeaseDuration time.Duration

	// DefaultMaxAttempts applies to tasks enqueued without an explicit
	// max_attempts.
	DefaultMaxAttempts int

	// Strategy computes retry delays. Nil means DefaultBackoff.
	Strategy RetryStrategy
}

func (o *Options) withDefaults() {
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 30 * time.Second
	}
	if o.DefaultMaxAttempts <= 0 {
		o.DefaultMaxAttempts = 5
	}
	if o.Strategy == nil {
		o.Strategy = DefaultBackoff()
	}
}

// Client publishes and consumes tasks.
type Client struct {
	js      nats.JetStreamContext
	store   *store.Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	opts    Options

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewClient creates the task stream and dead-letter stream if they do not
// exist and returns a ready client.
func NewClient(js nats.JetStreamContext, st *store.Store, m *metrics.Metrics, opts Options, logger *zap.Logger) (*Client, error) {
	opts.withDefaults()
	c := &Client{
		js:      js,
		store:   st,
		logger:  logger.Named("queue"),
		metrics: m,
		opts:    opts,
		subs:    make(map[string]*nats.Subscription),
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := c.setupStreams(ctx); err != nil {
		return nil, fmt.Errorf("setup streams: %w", err)
	}
	return c, nil
}

func (c *Client) setupStreams(ctx context.Context) error {
	streams := []*nats.StreamConfig{
		{
			Name:       taskStreamName,
			Subjects:   []string{taskSubjectPrefix + "*"},
			Storage:    nats.FileStorage,
			MaxAge:     streamMaxAge,
			Duplicates: dedupeWindow,
		},
		{
			Name:     deadStreamName,
			Subjects: []string{deadSubjectPrefix + "*"},
			Storage:  nats.FileStorage,
		},
	}
	for _, cfg := range streams {
		_, err := c.js.AddStream(cfg, nats.Context(ctx))
		if err == nil {
			c.logger.Info("Stream created", zap.String("stream", cfg.Name))
			continue
		}
		if err == nats.ErrStreamNameAlreadyInUse {
			continue
		}
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	return nil
}

// EnqueueOption customizes a single enqueue.
type EnqueueOption func(*model.Task)

// WithTaskID fixes the task ID. Re-enqueueing the same ID inside the dedupe
// window is a no-op, which gives callers idempotent submission.
func WithTaskID(id string) EnqueueOption {
	return func(t *model.Task) { t.ID = id }
}

// WithMaxAttempts overrides the default attempt budget.
func WithMaxAttempts(n int) EnqueueOption {
	return func(t *model.Task) { t.MaxAttempts = n }
}

// WithNotBefore delays visibility until the given time.
func WithNotBefore(at time.Time) EnqueueOption {
	return func(t *model.Task) { t.NotBefore = at.UTC() }
}

// WithDelay delays visibility by d from now.
func WithDelay(d time.Duration) EnqueueOption {
	return func(t *model.Task) { t.NotBefore = time.Now().UTC().Add(d) }
}

// WithTimeout bounds a single handler execution for this task.
func WithTimeout(d time.Duration) EnqueueOption {
	return func(t *model.Task) { t.Timeout = d }
}

// Enqueue publishes a task and records its pending status. Returns the task
// ID.
func (c *Client) Enqueue(ctx context.Context, queue, name string, payload json.RawMessage, opts ...EnqueueOption) (string, error) {
	if queue == "" {
		return "", ErrQueueRequired
	}
	if strings.ContainsAny(queue, ".*> ") {
		return "", fmt.Errorf("%w: %q", ErrInvalidQueue, queue)
	}

	task := &model.Task{
		Queue:       queue,
		Name:        name,
		Payload:     payload,
		MaxAttempts: c.opts.DefaultMaxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(task)
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}

	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}

	ack, err := c.js.Publish(taskSubjectPrefix+queue, data,
		nats.MsgId(task.ID), nats.Context(ctx))
	if err != nil {
		return "", fmt.Errorf("publish task: %w", err)
	}
	if ack.Duplicate {
		c.logger.Debug("Duplicate enqueue suppressed", zap.String("task_id", task.ID))
		return task.ID, nil
	}

	if err := c.store.RecordTaskEnqueued(ctx, task); err != nil {
		// The task is already in flight; status bookkeeping must not
		// fail the enqueue.
		c.logger.Warn("Failed to record task status", zap.String("task_id", task.ID), zap.Error(err))
	}

	c.metrics.TasksEnqueued.WithLabelValues(queue, name).Inc()
	c.logger.Info("Task enqueued",
		zap.String("task_id", task.ID),
		zap.String("queue", queue),
		zap.String("name", name))
	return task.ID, nil
}

// Consume blocks until a visible task is available on the queue or ctx is
// done. Tasks delivered before their NotBefore instant are returned to the
// broker with the remaining delay and do not reach the caller.
func (c *Client) Consume(ctx context.Context, queue string) (*Lease, error) {
	sub, err := c.subscription(queue)
	if err != nil {
		return nil, err
	}

	for {
		msgs, err := sub.Fetch(1, nats.Context(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if err == nats.ErrTimeout {
				continue
			}
			return nil, fmt.Errorf("fetch from queue %s: %w", queue, err)
		}
		if len(msgs) == 0 {
			continue
		}
		msg := msgs[0]

		var task model.Task
		if err := json.Unmarshal(msg.Data, &task); err != nil {
			// Undecodable payloads can never succeed; drop them.
			c.logger.Error("Dropping malformed task message", zap.Error(err))
			_ = msg.Term()
			continue
		}

		now := time.Now().UTC()
		if !task.Visible(now) {
			if err := msg.NakWithDelay(task.NotBefore.Sub(now)); err != nil {
				c.logger.Warn("Failed to delay task", zap.String("task_id", task.ID), zap.Error(err))
			}
			continue
		}

		return newLease(c, msg, &task), nil
	}
}

func (c *Client) subscription(queue string) (*nats.Subscription, error) {
	if queue == "" {
		return nil, ErrQueueRequired
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if sub, ok := c.subs[queue]; ok {
		return sub, nil
	}

	// Per-task attempt budgets are enforced client-side, so the consumer
	// itself never gives up on a message.
	sub, err := c.js.PullSubscribe(
		taskSubjectPrefix+queue,
		"workers-"+queue,
		nats.BindStream(taskStreamName),
		nats.AckExplicit(),
		nats.AckWait(c.opts.LeaseDuration),
		nats.MaxDeliver(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe to queue %s: %w", queue, err)
	}
	c.subs[queue] = sub
	return sub, nil
}

// Requeue re-enqueues a dead letter with a fresh attempt budget and removes
// it from the dead-letter store. This is the operator path back from dead.
func (c *Client) Requeue(ctx context.Context, deadLetterID string) (string, error) {
	d, err := c.store.GetDeadLetter(ctx, deadLetterID)
	if err != nil {
		return "", err
	}

	taskID, err := c.Enqueue(ctx, d.Queue, d.Name, d.Payload)
	if err != nil {
		return "", fmt.Errorf("requeue dead letter %s: %w", deadLetterID, err)
	}
	if err := c.store.RemoveDeadLetter(ctx, deadLetterID); err != nil {
		return "", err
	}

	c.logger.Info("Dead letter requeued",
		zap.String("dead_letter_id", deadLetterID),
		zap.String("task_id", taskID))
	return taskID, nil
}

// Ping verifies broker connectivity.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.js.AccountInfo(nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("ping broker: %w", err)
	}
	return nil
}

func (c *Client) deadLetter(ctx context.Context, task *model.Task, attempts int, cause string) error {
	d := &model.DeadLetter{
		TaskID:   task.ID,
		Queue:    task.Queue,
		Name:     task.Name,
		Payload:  task.Payload,
		Attempts: attempts,
		Error:    cause,
		DiedAt:   time.Now().UTC(),
	}

	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if _, err := c.js.Publish(deadSubjectPrefix+task.Queue, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	if err := c.store.AddDeadLetter(ctx, d); err != nil {
		return err
	}
	if err := c.store.RecordTaskOutcome(ctx, task.ID, model.TaskStatusDead, attempts, cause); err != nil {
		c.logger.Warn("Failed to record dead status", zap.String("task_id", task.ID), zap.Error(err))
	}

	c.metrics.TasksDead.WithLabelValues(task.Queue, task.Name).Inc()
	return nil
}
