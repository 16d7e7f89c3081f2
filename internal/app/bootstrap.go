// Package app holds the startup plumbing shared by the taskd binaries.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/taskd-io/taskd/internal/config"
	"github.com/taskd-io/taskd/internal/migrate"
	"github.com/taskd-io/taskd/internal/queue"
	"github.com/taskd-io/taskd/internal/store"
)

// NewLogger builds the process logger. TASKD_DEBUG switches to the human
// development encoder.
func NewLogger() (*zap.Logger, error) {
	if os.Getenv("TASKD_DEBUG") != "" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// ConnectNATS connects with reconnect handling and a short startup retry
// loop, then opens a JetStream context.
func ConnectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, nats.JetStreamContext, error) {
	opts := []nats.Option{
		nats.Name(cfg.NATSName),
		nats.MaxReconnects(cfg.NATSMaxReconnect),
		nats.ReconnectWait(cfg.NATSReconnectWait),
		nats.Timeout(cfg.NATSTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	var err error
	for attempt := 1; attempt <= 5; attempt++ {
		nc, err = nats.Connect(cfg.NATSURL, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(attempt))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("connect to NATS at %s: %w", cfg.NATSURL, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("open JetStream context: %w", err)
	}

	logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nc, js, nil
}

// OpenStoreAtHead opens the store and verifies the migration record is at
// head. Processes must refuse to run against a stale or tampered schema, so
// any mismatch is an error.
func OpenStoreAtHead(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*store.Store, *migrate.Migrator, error) {
	st, err := store.Open(cfg.StoreDSN, logger)
	if err != nil {
		return nil, nil, err
	}

	source, err := migrate.EmbeddedSource()
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	migrator, err := migrate.New(st.DB(), source, logger)
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	atHead, err := migrator.AtHead(ctx)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("verify migration record: %w", err)
	}
	if !atHead {
		st.Close()
		return nil, nil, fmt.Errorf("migrations not at head; run taskd-migrate first")
	}
	return st, migrator, nil
}

// QueueOptions maps configuration to queue client options.
func QueueOptions(cfg *config.Config) queue.Options {
	return queue.Options{
		LeaseDuration:      cfg.LeaseDuration,
		DefaultMaxAttempts: cfg.DefaultMaxAttempts,
		Strategy: &queue.ExponentialBackoff{
			InitialDelay: cfg.BackoffBase,
			MaxDelay:     cfg.BackoffCap,
			Multiplier:   2,
		},
	}
}
