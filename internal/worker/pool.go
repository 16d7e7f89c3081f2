// Package worker runs task handlers against the queue with a fixed pool of
// executor goroutines. Each executor consumes one task at a time, runs its
// handler under a hard timeout, and settles the lease.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskd-io/taskd/internal/metrics"
	"github.com/taskd-io/taskd/internal/queue"
)

// Options configure a Pool.
type Options struct {
	// Queues to consume from. Executors are spread across them
	// round-robin. Empty means the "default" queue.
	Queues []string

	// Concurrency is the number of executor goroutines.
	Concurrency int

	// DefaultTimeout bounds handler execution for tasks that do not carry
	// their own timeout.
	DefaultTimeout time.Duration

	// GracePeriod is how long shutdown waits for in-flight handlers
	// before cancelling them. Abandoned leases expire at the broker and
	// the tasks are redelivered.
	GracePeriod time.Duration

	// MaxCPUPercent and MaxMemoryPercent pause consumption while the
	// host is above the watermark. Zero disables the gate.
	MaxCPUPercent    float64
	MaxMemoryPercent float64
}

func (o *Options) withDefaults() {
	if len(o.Queues) == 0 {
		o.Queues = []string{"default"}
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = time.Minute
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 30 * time.Second
	}
}

// Pool consumes tasks and dispatches them to registered handlers.
type Pool struct {
	logger  *zap.Logger
	client  *queue.Client
	metrics *metrics.Metrics
	gate    *resourceGate
	opts    Options

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewPool creates a pool. Handlers are registered before Run.
func NewPool(client *queue.Client, m *metrics.Metrics, opts Options, logger *zap.Logger) *Pool {
	opts.withDefaults()
	log := logger.Named("worker")
	return &Pool{
		logger:   log,
		client:   client,
		metrics:  m,
		gate:     newResourceGate(opts.MaxCPUPercent, opts.MaxMemoryPercent, m, log),
		opts:     opts,
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for its task name.
func (p *Pool) Register(h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.handlers[h.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, h.Name())
	}
	p.handlers[h.Name()] = h
	p.logger.Info("Registered handler", zap.String("task", h.Name()))
	return nil
}

func (p *Pool) handler(name string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[name]
	return h, ok
}

// Run consumes until ctx is done, then waits up to the grace period for
// in-flight handlers. Handlers still running after the grace period are
// cancelled; their leases expire and the tasks are redelivered.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("Starting worker pool",
		zap.Int("concurrency", p.opts.Concurrency),
		zap.Strings("queues", p.opts.Queues))

	// Handler lifetimes are decoupled from the consume context so that
	// shutdown stops intake first and in-flight work gets the grace
	// period.
	execCtx, execCancel := context.WithCancel(context.Background())
	defer execCancel()

	var wg sync.WaitGroup
	for i := 0; i < p.opts.Concurrency; i++ {
		queueName := p.opts.Queues[i%len(p.opts.Queues)]
		wg.Add(1)
		go func(id int, queueName string) {
			defer wg.Done()
			p.executorLoop(ctx, execCtx, id, queueName)
		}(i, queueName)
	}

	<-ctx.Done()
	p.logger.Info("Shutting down, waiting for in-flight tasks",
		zap.Duration("grace", p.opts.GracePeriod))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool drained")
	case <-time.After(p.opts.GracePeriod):
		p.logger.Warn("Grace period elapsed, cancelling in-flight tasks")
		execCancel()
		<-done
	}
	return nil
}

func (p *Pool) executorLoop(consumeCtx, execCtx context.Context, id int, queueName string) {
	logger := p.logger.With(zap.Int("executor", id), zap.String("queue", queueName))

	for {
		if err := p.gate.Wait(consumeCtx); err != nil {
			return
		}

		lease, err := p.client.Consume(consumeCtx, queueName)
		if err != nil {
			if consumeCtx.Err() != nil {
				return
			}
			logger.Error("Consume failed", zap.Error(err))
			select {
			case <-consumeCtx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		p.execute(execCtx, logger, lease)
	}
}

func (p *Pool) execute(ctx context.Context, logger *zap.Logger, lease *queue.Lease) {
	task := lease.Task
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = p.opts.DefaultTimeout
	}

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p.metrics.WorkerBusy.Inc()
	defer p.metrics.WorkerBusy.Dec()

	stopKeepAlive := p.keepAlive(hctx, logger, lease)
	defer stopKeepAlive()

	start := time.Now()
	err := p.runHandler(hctx, task.Name, task.Payload)
	duration := time.Since(start)

	status := "ok"
	switch {
	case err == nil:
	case IsPermanent(err):
		status = "permanent"
	case hctx.Err() != nil:
		status = "timeout"
		err = fmt.Errorf("handler exceeded %s: %w", timeout, hctx.Err())
	default:
		status = "error"
	}
	p.metrics.HandlerDuration.WithLabelValues(task.Queue, task.Name, status).Observe(duration.Seconds())

	stopKeepAlive()

	// Settlement must not be cut short by handler timeout or shutdown.
	settleCtx, settleCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer settleCancel()

	switch {
	case err == nil:
		if ackErr := lease.Ack(settleCtx); ackErr != nil {
			logger.Error("Ack failed", zap.String("task_id", task.ID), zap.Error(ackErr))
		}
		logger.Info("Task succeeded",
			zap.String("task_id", task.ID),
			zap.String("name", task.Name),
			zap.Duration("duration", duration))
	case IsPermanent(err):
		if buryErr := lease.Bury(settleCtx, err); buryErr != nil {
			logger.Error("Bury failed", zap.String("task_id", task.ID), zap.Error(buryErr))
		}
	default:
		if nackErr := lease.Nack(settleCtx, err); nackErr != nil {
			logger.Error("Nack failed", zap.String("task_id", task.ID), zap.Error(nackErr))
		}
	}
}

// runHandler dispatches to the handler, converting panics to errors so a
// misbehaving handler never takes down the pool.
func (p *Pool) runHandler(ctx context.Context, name string, payload []byte) error {
	h, ok := p.handler(name)
	if !ok {
		// Another worker build may register this handler; retry there.
		return unknownTask(name)
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Handler panicked",
					zap.String("task", name),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- h.Handle(ctx, payload)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// The handler goroutine is abandoned; the hard timeout already
		// decides the task's fate.
		return ctx.Err()
	}
}

// keepAlive extends the lease at half-lease intervals while the handler runs,
// so long tasks are not redelivered mid-execution.
func (p *Pool) keepAlive(ctx context.Context, logger *zap.Logger, lease *queue.Lease) func() {
	stop := make(chan struct{})
	var once sync.Once

	go func() {
		for {
			wait := time.Until(lease.Deadline()) / 2
			if wait < time.Second {
				wait = time.Second
			}
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-time.After(wait):
				if err := lease.Extend(); err != nil {
					logger.Warn("Lease extension failed",
						zap.String("task_id", lease.Task.ID),
						zap.Error(err))
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}
