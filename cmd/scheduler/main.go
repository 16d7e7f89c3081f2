// taskd-scheduler fires due schedule entries into the task queue. Several
// instances may run at once; the store's conditional claim keeps each firing
// single.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/taskd-io/taskd/internal/app"
	"github.com/taskd-io/taskd/internal/config"
	"github.com/taskd-io/taskd/internal/metrics"
	"github.com/taskd-io/taskd/internal/queue"
	"github.com/taskd-io/taskd/internal/scheduler"
)

func main() {
	logger, err := app.NewLogger()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, _, err := app.OpenStoreAtHead(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Startup check failed", zap.Error(err))
	}
	defer st.Close()

	nc, js, err := app.ConnectNATS(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer nc.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	client, err := queue.NewClient(js, st, m, app.QueueOptions(cfg), logger)
	if err != nil {
		logger.Fatal("Failed to create queue client", zap.Error(err))
	}

	// The scheduler starts last in the topology; make sure the broker is
	// actually answering before the first tick.
	if err := client.Ping(ctx); err != nil {
		logger.Fatal("Broker not reachable", zap.Error(err))
	}

	sched := scheduler.New(st, client, m, cfg.SchedulerTick, logger)
	if err := sched.Run(ctx); err != nil {
		logger.Fatal("Scheduler failed", zap.Error(err))
	}
}
