package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrClaimConflict is returned when a schedule claim loses the race to
	// another scheduler instance. Expected under concurrency; callers skip
	// the entry, they do not report it.
	ErrClaimConflict = errors.New("schedule entry already claimed")
)

// Store provides transactional access to the shared relational state:
// schedule entries, dead letters and task status. All cross-process
// coordination goes through this store, never through process memory.
type Store struct {
	logger *zap.Logger
	db     *sql.DB
}

// Open connects to the SQLite store at dsn. The connection is configured for
// multi-process access: WAL journal and a busy timeout so concurrent writers
// queue instead of failing.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000&_loc=UTC"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// SQLite allows a single writer; serialize writes client-side.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	return &Store{logger: logger.Named("store"), db: db}, nil
}

// Wrap adapts an existing database handle, used by tests that share a handle
// with the migrator.
func Wrap(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{logger: logger.Named("store"), db: db}
}

// DB exposes the underlying handle for the migration runner.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }
