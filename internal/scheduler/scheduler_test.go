package scheduler_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskd-io/taskd/internal/metrics"
	"github.com/taskd-io/taskd/internal/model"
	"github.com/taskd-io/taskd/internal/queue"
	"github.com/taskd-io/taskd/internal/scheduler"
	"github.com/taskd-io/taskd/internal/store"
	"github.com/taskd-io/taskd/internal/testutil"
)

func newTestScheduler(t *testing.T) (*scheduler.Scheduler, *queue.Client, *store.Store) {
	t.Helper()

	js := testutil.StartJetStream(t)
	st := testutil.OpenStore(t)
	m := metrics.NewNop()

	client, err := queue.NewClient(js, st, m, queue.Options{}, zap.NewNop())
	require.NoError(t, err)

	return scheduler.New(st, client, m, time.Second, zap.NewNop()), client, st
}

func createEntry(t *testing.T, st *store.Store, name, expr string, nextDue time.Time) *model.ScheduleEntry {
	t.Helper()
	entry := &model.ScheduleEntry{
		Name:        name,
		Expression:  expr,
		Queue:       "default",
		TaskName:    "maintenance.cleanup",
		Payload:     json.RawMessage(`{"retention_days":30}`),
		MaxAttempts: 2,
		Enabled:     true,
		NextDue:     nextDue,
	}
	require.NoError(t, st.CreateSchedule(context.Background(), entry))
	return entry
}

func consumeOne(t *testing.T, c *queue.Client, timeout time.Duration) (*queue.Lease, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	lease, err := c.Consume(ctx, "default")
	if err != nil {
		return nil, false
	}
	return lease, true
}

func TestTickFiresDueEntry(t *testing.T) {
	s, client, st := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	entry := createEntry(t, st, "cleanup", "@every 1h", now.Add(-time.Minute))
	s.Tick(ctx, now)

	lease, ok := consumeOne(t, client, 5*time.Second)
	require.True(t, ok, "no task enqueued")
	assert.Equal(t, "maintenance.cleanup", lease.Task.Name)
	assert.Equal(t, 2, lease.Task.MaxAttempts)
	assert.JSONEq(t, `{"retention_days":30}`, string(lease.Task.Payload))
	require.NoError(t, lease.Ack(ctx))

	got, err := st.GetSchedule(ctx, entry.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastFired)
	assert.True(t, got.LastFired.Equal(now))
	assert.True(t, got.NextDue.After(now))
}

func TestTickSkipsFutureAndDisabled(t *testing.T) {
	s, client, st := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	createEntry(t, st, "future", "@every 1h", now.Add(time.Hour))
	disabled := createEntry(t, st, "disabled", "@every 1h", now.Add(-time.Minute))
	disabled.Enabled = false
	require.NoError(t, st.UpdateSchedule(ctx, disabled))

	s.Tick(ctx, now)

	_, ok := consumeOne(t, client, time.Second)
	assert.False(t, ok, "nothing should have been enqueued")
}

func TestConcurrentTicksFireExactlyOnce(t *testing.T) {
	// Two scheduler instances share the store and observe the same due
	// entry; the conditional claim lets exactly one of them enqueue.
	js := testutil.StartJetStream(t)
	st := testutil.OpenStore(t)
	m := metrics.NewNop()

	client1, err := queue.NewClient(js, st, m, queue.Options{}, zap.NewNop())
	require.NoError(t, err)
	client2, err := queue.NewClient(js, st, metrics.NewNop(), queue.Options{}, zap.NewNop())
	require.NoError(t, err)

	s1 := scheduler.New(st, client1, m, time.Second, zap.NewNop())
	s2 := scheduler.New(st, client2, metrics.NewNop(), time.Second, zap.NewNop())

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	entry := createEntry(t, st, "contended", "@every 1h", now.Add(-time.Minute))

	var wg sync.WaitGroup
	for _, s := range []*scheduler.Scheduler{s1, s2} {
		wg.Add(1)
		go func(s *scheduler.Scheduler) {
			defer wg.Done()
			s.Tick(ctx, now)
		}(s)
	}
	wg.Wait()

	lease, ok := consumeOne(t, client1, 5*time.Second)
	require.True(t, ok, "the winning claim should have enqueued")
	require.NoError(t, lease.Ack(ctx))

	_, ok = consumeOne(t, client1, time.Second)
	assert.False(t, ok, "the losing claim must not enqueue")

	got, err := st.GetSchedule(ctx, entry.ID)
	require.NoError(t, err)
	assert.True(t, got.NextDue.After(now), "next_due advanced exactly once")
}

func TestOverdueEntryGetsOneCatchUpFiring(t *testing.T) {
	s, client, st := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	// Ten missed one-minute occurrences; only one catch-up firing happens
	// and next_due is recomputed from now.
	entry := createEntry(t, st, "lagging", "@every 1m", now.Add(-10*time.Minute))
	s.Tick(ctx, now)

	lease, ok := consumeOne(t, client, 5*time.Second)
	require.True(t, ok)
	require.NoError(t, lease.Ack(ctx))

	_, ok = consumeOne(t, client, time.Second)
	assert.False(t, ok, "missed occurrences must not be backfilled")

	got, err := st.GetSchedule(ctx, entry.ID)
	require.NoError(t, err)
	assert.True(t, got.NextDue.After(now))
	assert.True(t, got.NextDue.Sub(now) <= time.Minute)
}

func TestTickSurvivesBadExpression(t *testing.T) {
	s, client, st := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	createEntry(t, st, "broken", "not a recurrence", now.Add(-time.Minute))
	good := createEntry(t, st, "good", "@every 1h", now.Add(-time.Minute))

	s.Tick(ctx, now)

	lease, ok := consumeOne(t, client, 5*time.Second)
	require.True(t, ok, "healthy entries still fire")
	require.NoError(t, lease.Ack(ctx))

	got, err := st.GetSchedule(ctx, good.ID)
	require.NoError(t, err)
	assert.True(t, got.NextDue.After(now))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
