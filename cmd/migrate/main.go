// taskd-migrate applies, reverts or generates schema migrations. It is the
// only process allowed to change the schema; the other binaries refuse to
// start until it has brought the migration record to head.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/taskd-io/taskd/internal/app"
	"github.com/taskd-io/taskd/internal/config"
	"github.com/taskd-io/taskd/internal/migrate"
	"github.com/taskd-io/taskd/internal/store"
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

	mode, err := migrate.ParseMode(cfg.MigrateMode, cfg.MigrateTarget, cfg.MigrateDesc)
	if err != nil {
		logger.Fatal("Invalid migration mode", zap.Error(err))
	}

	st, err := store.Open(cfg.StoreDSN, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	source, err := migrate.EmbeddedSource()
	if err != nil {
		logger.Fatal("Failed to load migration source", zap.Error(err))
	}
	migrator, err := migrate.New(st.DB(), source, logger)
	if err != nil {
		logger.Fatal("Failed to create migrator", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := migrator.Run(ctx, mode, cfg.MigrationsDir); err != nil {
		logger.Fatal("Migration failed",
			zap.String("mode", mode.String()),
			zap.Error(err))
	}
	logger.Info("Migration finished", zap.String("mode", mode.String()))
}
