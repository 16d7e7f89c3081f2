// taskd-worker consumes tasks from the broker and runs the registered
// handlers with a fixed concurrency pool.
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
	"github.com/taskd-io/taskd/internal/handler"
	"github.com/taskd-io/taskd/internal/metrics"
	"github.com/taskd-io/taskd/internal/queue"
	"github.com/taskd-io/taskd/internal/worker"
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

	pool := worker.NewPool(client, m, worker.Options{
		Queues:           cfg.WorkerQueues,
		Concurrency:      cfg.WorkerConcurrency,
		DefaultTimeout:   cfg.HandlerTimeout,
		GracePeriod:      cfg.WorkerGracePeriod,
		MaxCPUPercent:    cfg.MaxCPUPercent,
		MaxMemoryPercent: cfg.MaxMemoryPercent,
	}, logger)

	handlers := []worker.Handler{
		handler.NewEmailHandler(handler.EmailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}, logger),
		handler.NewWebhookHandler(logger),
		handler.NewCleanupHandler(st, logger),
	}
	for _, h := range handlers {
		if err := pool.Register(h); err != nil {
			logger.Fatal("Failed to register handler",
				zap.String("handler", h.Name()),
				zap.Error(err))
		}
	}

	if err := pool.Run(ctx); err != nil {
		logger.Fatal("Worker pool failed", zap.Error(err))
	}
}
