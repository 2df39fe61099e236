// Package config provides centralized configuration loaded from environment
// variables. Shared by cmd/api and cmd/admin.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage backends.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
)

// --------------------------------------------------------------------------
// Config struct populated from environment variables
// --------------------------------------------------------------------------

type Config struct {
	// Database
	StoreBackend   string // postgres | memory
	DatabaseURL    string
	DBPoolMinConns int
	DBPoolMaxConns int
	DBPoolMaxLife  time.Duration

	// Queue / lease store
	KVBackend    string // memory | sqlite
	KVSQLitePath string

	// API server
	APIHost     string
	APIPort     int
	Environment string // development, staging, production
	Debug       bool

	// CORS
	CORSAllowOrigins []string

	// Rate limiting
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Event queue
	QueueMaxAttempts  int
	QueueBaseBackoff  time.Duration
	QueueMaxBackoff   time.Duration
	QueueWorkers      int
	QueueLeaseTTL     time.Duration
	QueueAttemptLimit time.Duration

	// Notification scheduler
	NotifyMaxAttempts    int
	NotifyRetryBackoff   time.Duration
	QuietHoursTolerance  time.Duration
	NotifyDispatchBatch  int
	DefaultQuietStart    string
	DefaultQuietEnd      string
	SnoozeTomorrowAtHour int

	// Maintenance loop
	MaintenanceInterval    time.Duration
	MaintenanceTickTimeout time.Duration
	SnoozeExpiryEnabled    bool
	MuteExpiryEnabled      bool
	RetryEnabled           bool
	PendingSweepEnabled    bool
	HistoryCleanupEnabled  bool
	HistoryRetention       time.Duration

	// Pipeline tuning override file (YAML)
	PolicyFile string

	// Ingestion
	ListenerEnabled bool
	KafkaBrokers    []string
	KafkaTopic      string
	KafkaGroupID    string

	// Push transport
	FCMCredentialsFile string
	PushRelayURL       string
	PushRelayToken     string
	PushRelayRPM       int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	backend := envOr("STORE_BACKEND", BackendPostgres)
	dbURL := envOr("DATABASE_URL", "")
	if backend == BackendPostgres && dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL must be set (or STORE_BACKEND=memory)")
	}
	if backend != BackendPostgres && backend != BackendMemory {
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", backend)
	}
	kvBackend := envOr("KV_BACKEND", BackendSQLite)
	if kvBackend != BackendSQLite && kvBackend != BackendMemory {
		return nil, fmt.Errorf("unknown KV_BACKEND %q", kvBackend)
	}

	return &Config{
		StoreBackend:   backend,
		DatabaseURL:    dbURL,
		DBPoolMinConns: envInt("DB_POOL_MIN_CONNS", 2),
		DBPoolMaxConns: envInt("DB_POOL_MAX_CONNS", 10),
		DBPoolMaxLife:  time.Duration(envInt("DB_POOL_MAX_LIFE_MINUTES", 30)) * time.Minute,

		KVBackend:    kvBackend,
		KVSQLitePath: envOr("KV_SQLITE_PATH", "geonotify-queue.db"),

		APIHost:     envOr("API_HOST", "0.0.0.0"),
		APIPort:     envInt("API_PORT", envInt("PORT", 8000)),
		Environment: envOr("ENVIRONMENT", "development"),
		Debug:       envBool("DEBUG", false),

		CORSAllowOrigins: envList("CORS_ALLOW_ORIGINS", []string{
			"http://localhost:3000",
			"http://localhost:5173",
		}),

		RateLimitEnabled:  envBool("RATE_LIMIT_ENABLED", true),
		RateLimitRequests: envInt("RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:   envSeconds("RATE_LIMIT_WINDOW", 60),

		QueueMaxAttempts:  envInt("QUEUE_MAX_ATTEMPTS", 5),
		QueueBaseBackoff:  envSeconds("QUEUE_BASE_BACKOFF_SECONDS", 30),
		QueueMaxBackoff:   envSeconds("QUEUE_MAX_BACKOFF_SECONDS", 30*60),
		QueueWorkers:      envInt("QUEUE_WORKERS", 4),
		QueueLeaseTTL:     envSeconds("QUEUE_LEASE_SECONDS", 120),
		QueueAttemptLimit: envSeconds("QUEUE_ATTEMPT_TIMEOUT_SECONDS", 30),

		NotifyMaxAttempts:    envInt("NOTIFY_MAX_ATTEMPTS", 3),
		NotifyRetryBackoff:   envSeconds("NOTIFY_RETRY_BACKOFF_SECONDS", 60),
		QuietHoursTolerance:  time.Duration(envInt("QUIET_HOURS_TOLERANCE_MINUTES", 5)) * time.Minute,
		NotifyDispatchBatch:  envInt("NOTIFY_DISPATCH_BATCH", 100),
		DefaultQuietStart:    envOr("DEFAULT_QUIET_START", ""),
		DefaultQuietEnd:      envOr("DEFAULT_QUIET_END", ""),
		SnoozeTomorrowAtHour: envInt("SNOOZE_TOMORROW_HOUR", 9),

		MaintenanceInterval:    envSeconds("MAINTENANCE_INTERVAL_SECONDS", 5*60),
		MaintenanceTickTimeout: envSeconds("MAINTENANCE_TICK_TIMEOUT_SECONDS", 2*60),
		SnoozeExpiryEnabled:    envBool("MAINTENANCE_SNOOZE_EXPIRY_ENABLED", true),
		MuteExpiryEnabled:      envBool("MAINTENANCE_MUTE_EXPIRY_ENABLED", true),
		RetryEnabled:           envBool("MAINTENANCE_RETRY_ENABLED", true),
		PendingSweepEnabled:    envBool("MAINTENANCE_PENDING_SWEEP_ENABLED", true),
		HistoryCleanupEnabled:  envBool("MAINTENANCE_HISTORY_CLEANUP_ENABLED", true),
		HistoryRetention:       time.Duration(envInt("HISTORY_RETENTION_DAYS", 30)) * 24 * time.Hour,

		PolicyFile: envOr("POLICY_FILE", ""),

		ListenerEnabled: envBool("LISTENER_ENABLED", backend == BackendPostgres),
		KafkaBrokers:    envList("KAFKA_BROKERS", nil),
		KafkaTopic:      envOr("KAFKA_TOPIC", "geofence-events"),
		KafkaGroupID:    envOr("KAFKA_GROUP_ID", "geonotify"),

		FCMCredentialsFile: envOr("FIREBASE_CREDENTIALS_FILE", ""),
		PushRelayURL:       envOr("PUSH_RELAY_URL", ""),
		PushRelayToken:     envOr("PUSH_RELAY_TOKEN", ""),
		PushRelayRPM:       envInt("PUSH_RELAY_RPM", 600),
	}, nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// --------------------------------------------------------------------------
// Env helpers
// --------------------------------------------------------------------------

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envSeconds(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Second
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return fallback
}
