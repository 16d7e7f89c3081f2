package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(old) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir()) // no config.yaml

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "taskd.db", cfg.StoreDSN)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATSURL)
	assert.Equal(t, "upgrade", cfg.MigrateMode)
	assert.Equal(t, []string{"default"}, cfg.WorkerQueues)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, 30*time.Second, cfg.LeaseDuration)
	assert.Equal(t, 15*time.Second, cfg.SchedulerTick)
	assert.Equal(t, time.Second, cfg.BackoffBase)
	assert.Equal(t, 5*time.Minute, cfg.BackoffCap)
	assert.Equal(t, 5, cfg.DefaultMaxAttempts)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
}

func TestLoadEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("TASKD_STORE_DSN", "/var/lib/taskd/state.db")
	t.Setenv("TASKD_WORKER_CONCURRENCY", "8")
	t.Setenv("TASKD_SCHEDULER_TICK", "5s")
	t.Setenv("TASKD_MIGRATE_MODE", "downgrade")
	t.Setenv("TASKD_MIGRATE_TARGET", "0002_dead_letters")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/taskd/state.db", cfg.StoreDSN)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.Equal(t, 5*time.Second, cfg.SchedulerTick)
	assert.Equal(t, "downgrade", cfg.MigrateMode)
	assert.Equal(t, "0002_dead_letters", cfg.MigrateTarget)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/config.yaml", []byte(
		"worker:\n  concurrency: 2\nhttp:\n  addr: \":9090\"\n"), 0o644))
	chdir(t, dir)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.WorkerConcurrency)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("TASKD_WORKER_CONCURRENCY", "0")

	_, err := Load()
	assert.Error(t, err)
}
