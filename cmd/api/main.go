// taskd-api serves the HTTP API: task submission, schedule and dead-letter
// administration, health and metrics.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/taskd-io/taskd/internal/api"
	"github.com/taskd-io/taskd/internal/app"
	"github.com/taskd-io/taskd/internal/config"
	"github.com/taskd-io/taskd/internal/metrics"
	"github.com/taskd-io/taskd/internal/queue"
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

	st, migrator, err := app.OpenStoreAtHead(ctx, cfg, logger)
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

	server := api.NewServer(client, st, migrator, cfg.DefaultQueue, logger)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.Router(),
	}

	go func() {
		logger.Info("API listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", zap.Error(err))
	}
}
