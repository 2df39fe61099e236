package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresDatabaseURLForPostgres(t *testing.T) {
	t.Setenv("STORE_BACKEND", "")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_MemoryDefaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("KV_BACKEND", "memory")
	t.Setenv("LISTENER_ENABLED", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("MAINTENANCE_INTERVAL_SECONDS", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.StoreBackend)
	assert.Equal(t, 5*time.Minute, cfg.MaintenanceInterval)
	assert.Equal(t, 5*time.Minute, cfg.QuietHoursTolerance)
	assert.Equal(t, 30*24*time.Hour, cfg.HistoryRetention)
	assert.False(t, cfg.ListenerEnabled, "listener needs postgres")
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/geonotify")
	t.Setenv("QUEUE_MAX_ATTEMPTS", "7")
	t.Setenv("MAINTENANCE_INTERVAL_SECONDS", "60")
	t.Setenv("MAINTENANCE_MUTE_EXPIRY_ENABLED", "false")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("LISTENER_ENABLED", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.QueueMaxAttempts)
	assert.Equal(t, time.Minute, cfg.MaintenanceInterval)
	assert.False(t, cfg.MuteExpiryEnabled)
	assert.True(t, cfg.ListenerEnabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "mongo")
	_, err := Load()
	assert.Error(t, err)
}
