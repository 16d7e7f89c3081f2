package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskd-io/taskd/internal/model"
)

const recordTable = "schema_migrations"

// Migrator applies and reverts versioned schema changes. Each step runs in
// its own transaction together with its record row, so the live schema always
// equals the schema implied by the recorded sequence.
type Migrator struct {
	logger *zap.Logger
	db     *sql.DB
	source []Migration
}

// New creates a migrator over db with the given migration source.
func New(db *sql.DB, source []Migration, logger *zap.Logger) (*Migrator, error) {
	m := &Migrator{
		logger: logger.Named("migrate"),
		db:     db,
		source: source,
	}
	if err := m.ensureRecordTable(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Migrator) ensureRecordTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS ` + recordTable + ` (
			id         TEXT PRIMARY KEY,
			checksum   TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return fmt.Errorf("create migration record table: %w", err)
	}
	return nil
}

// Run dispatches on the resolved mode. MigrationsDir is only consulted for
// Generate.
func (m *Migrator) Run(ctx context.Context, mode Mode, migrationsDir string) error {
	switch v := mode.(type) {
	case Upgrade:
		return m.Upgrade(ctx, v.Target)
	case Downgrade:
		return m.Downgrade(ctx, v.Target)
	case Generate:
		path, err := WriteArtifact(migrationsDir, v.Description)
		if err != nil {
			return err
		}
		m.logger.Info("Created migration artifact", zap.String("path", path))
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrInvalidMode, mode)
	}
}

// Records returns the applied migration sequence in order.
func (m *Migrator) Records(ctx context.Context) ([]model.MigrationRecord, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT id, checksum, applied_at FROM "+recordTable+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query migration records: %w", err)
	}
	defer rows.Close()

	var records []model.MigrationRecord
	for rows.Next() {
		var r model.MigrationRecord
		if err := rows.Scan(&r.ID, &r.Checksum, &r.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan migration record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// AtHead reports whether every source migration has been applied. Dependent
// processes call this at startup and refuse to run against a stale schema.
func (m *Migrator) AtHead(ctx context.Context) (bool, error) {
	records, err := m.Records(ctx)
	if err != nil {
		return false, err
	}
	if err := m.verify(records); err != nil {
		return false, err
	}
	return len(records) == len(m.source), nil
}

// verify checks every record against the source: the sequence must be a
// prefix of the source with matching checksums.
func (m *Migrator) verify(records []model.MigrationRecord) error {
	if len(records) > len(m.source) {
		return fmt.Errorf("%w: record lists %d migrations, source has %d",
			ErrUnknownMigration, len(records), len(m.source))
	}
	for i, r := range records {
		src := m.source[i]
		if src.ID != r.ID {
			return fmt.Errorf("%w: %s at position %d, source has %s",
				ErrUnknownMigration, r.ID, i, src.ID)
		}
		if src.Checksum() != r.Checksum {
			return fmt.Errorf("%w: %s", ErrChecksumMismatch, r.ID)
		}
	}
	return nil
}

// Upgrade applies all unapplied migrations in order, up to and including
// target (empty target means head). Already-applied steps are skipped, so
// re-running after a partial failure resumes at the failed step. The first
// failing step aborts the run and leaves the store at the last committed step.
func (m *Migrator) Upgrade(ctx context.Context, target string) error {
	records, err := m.Records(ctx)
	if err != nil {
		return err
	}
	if err := m.verify(records); err != nil {
		return err
	}

	stop := len(m.source)
	if target != "" {
		idx := m.indexOf(target)
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrUnknownTarget, target)
		}
		stop = idx + 1
	}

	pending := m.source[len(records):]
	applied := 0
	for _, mig := range pending {
		if m.indexOf(mig.ID) >= stop {
			break
		}
		if err := m.applyStep(ctx, mig); err != nil {
			return fmt.Errorf("apply migration %s: %w", mig.ID, err)
		}
		applied++
	}

	if applied == 0 {
		m.logger.Info("Schema already up to date", zap.Int("applied", len(records)))
	} else {
		m.logger.Info("Schema upgraded",
			zap.Int("steps", applied),
			zap.Int("total", len(records)+applied))
	}
	return nil
}

// Downgrade reverts applied migrations in reverse order, down to and
// excluding target. Target "0" reverts everything.
func (m *Migrator) Downgrade(ctx context.Context, target string) error {
	if target == "" {
		return ErrDowngradeTarget
	}
	records, err := m.Records(ctx)
	if err != nil {
		return err
	}
	if err := m.verify(records); err != nil {
		return err
	}

	keep := 0
	if target != "0" {
		idx := m.indexOf(target)
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrUnknownTarget, target)
		}
		keep = idx + 1
	}

	reverted := 0
	for i := len(records) - 1; i >= keep; i-- {
		mig := m.source[i]
		if err := m.revertStep(ctx, mig); err != nil {
			return fmt.Errorf("revert migration %s: %w", mig.ID, err)
		}
		reverted++
	}

	m.logger.Info("Schema downgraded",
		zap.String("target", target),
		zap.Int("steps", reverted))
	return nil
}

// applyStep runs one migration and records it in a single transaction.
func (m *Migrator) applyStep(ctx context.Context, mig Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	start := time.Now()
	if _, err := tx.ExecContext(ctx, mig.Up); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO "+recordTable+" (id, checksum, applied_at) VALUES (?, ?, ?)",
		mig.ID, mig.Checksum(), time.Now().UTC()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	m.logger.Info("Applied migration",
		zap.String("id", mig.ID),
		zap.Duration("took", time.Since(start)))
	return nil
}

// revertStep runs one Down script and removes its record in a single
// transaction.
func (m *Migrator) revertStep(ctx context.Context, mig Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if mig.Down != "" {
		if _, err := tx.ExecContext(ctx, mig.Down); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM "+recordTable+" WHERE id = ?", mig.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	m.logger.Info("Reverted migration", zap.String("id", mig.ID))
	return nil
}

func (m *Migrator) indexOf(id string) int {
	for i, mig := range m.source {
		if mig.ID == id {
			return i
		}
	}
	return -1
}
