package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albapepper/geonotify/internal/config"
	"github.com/albapepper/geonotify/internal/kv"
	"github.com/albapepper/geonotify/internal/maintenance"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func memoryConfig() *config.Config {
	return &config.Config{
		StoreBackend:     config.BackendMemory,
		KVBackend:        config.BackendMemory,
		QueueMaxAttempts: 3,
	}
}

func TestBuildMemory(t *testing.T) {
	a, err := Build(context.Background(), memoryConfig(), quiet())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Pool)
	assert.Nil(t, a.DBHealth())
	assert.IsType(t, &kv.Memory{}, a.KV)

	stats, err := a.KVStats(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, stats)

	report := a.Maintenance.ForceRun(context.Background())
	require.Len(t, report.Stages, 5)
	for _, st := range report.Stages {
		assert.Empty(t, st.Error, st.Name)
	}
	_, ok := report.Stage(maintenance.StageRetries)
	assert.True(t, ok)
}

func TestBuildSQLiteKV(t *testing.T) {
	cfg := memoryConfig()
	cfg.KVBackend = config.BackendSQLite
	cfg.KVSQLitePath = filepath.Join(t.TempDir(), "queue.db")

	a, err := Build(context.Background(), cfg, quiet())
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &kv.SQLite{}, a.KV)
	_, err = a.KVStats(context.Background())
	require.NoError(t, err)
}

func TestBuildRejectsBadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dedup_window: [nope"), 0o600))

	cfg := memoryConfig()
	cfg.PolicyFile = path
	_, err := Build(context.Background(), cfg, quiet())
	assert.Error(t, err)
}
