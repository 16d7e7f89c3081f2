package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskd-io/taskd/internal/migrate"
	"github.com/taskd-io/taskd/internal/store"
)

// OpenStore creates a temporary SQLite store with the bundled migrations
// applied.
func OpenStore(t *testing.T) *store.Store {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "taskd_test.db") + "?_journal_mode=WAL&_busy_timeout=5000&_loc=UTC"
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	source, err := migrate.EmbeddedSource()
	require.NoError(t, err)
	m, err := migrate.New(db, source, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Upgrade(context.Background(), ""))

	return store.Wrap(db, zap.NewNop())
}
