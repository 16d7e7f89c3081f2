// Package metrics exposes Prometheus instrumentation shared by the queue
// client, the worker pool and the scheduler. All processes register into the
// default registry; the API serves it on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	TasksEnqueued  *prometheus.CounterVec
	TasksSucceeded *prometheus.CounterVec
	TasksRetried   *prometheus.CounterVec
	TasksDead      *prometheus.CounterVec

	SchedulerFires    *prometheus.CounterVec
	ClaimConflicts    *prometheus.CounterVec
	HandlerDuration   *prometheus.HistogramVec
	WorkerBusy        prometheus.Gauge
	ConsumePausedGate prometheus.Gauge
}

// New creates the metric set and registers it with reg. Pass
// prometheus.DefaultRegisterer in binaries; tests use a private registry so
// parallel tests do not collide on metric names.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskd_tasks_enqueued_total",
				Help: "Total number of tasks published to the broker",
			},
			[]string{"queue", "name"},
		),
		TasksSucceeded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskd_tasks_succeeded_total",
				Help: "Total number of tasks acknowledged after success",
			},
			[]string{"queue", "name"},
		),
		TasksRetried: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskd_tasks_retried_total",
				Help: "Total number of failed attempts returned for retry",
			},
			[]string{"queue", "name"},
		),
		TasksDead: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskd_tasks_dead_lettered_total",
				Help: "Total number of tasks moved to the dead-letter store",
			},
			[]string{"queue", "name"},
		),
		SchedulerFires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskd_scheduler_fires_total",
				Help: "Total number of schedule entries fired into the broker",
			},
			[]string{"schedule"},
		),
		ClaimConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskd_scheduler_claim_conflicts_total",
				Help: "Total number of schedule claims lost to another instance",
			},
			[]string{"schedule"},
		),
		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskd_handler_duration_seconds",
				Help:    "Wall-clock duration of handler executions",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"queue", "name", "status"},
		),
		WorkerBusy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskd_worker_busy",
				Help: "Number of executor goroutines currently running a handler",
			},
		),
		ConsumePausedGate: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskd_worker_consume_paused",
				Help: "1 while the resource gate is pausing consumption",
			},
		),
	}

	reg.MustRegister(
		m.TasksEnqueued,
		m.TasksSucceeded,
		m.TasksRetried,
		m.TasksDead,
		m.SchedulerFires,
		m.ClaimConflicts,
		m.HandlerDuration,
		m.WorkerBusy,
		m.ConsumePausedGate,
	)
	return m
}

// NewNop returns metrics registered into a throwaway registry, for tests and
// callers that do not export metrics.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
