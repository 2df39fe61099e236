// Package db provides a pgxpool-based connection pool with prepared statement
// registration, schema bootstrap, and health checking.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/albapepper/geonotify/internal/config"
)

// Pool wraps pgxpool.Pool with application-specific helpers.
type Pool struct {
	*pgxpool.Pool
}

// New bootstraps the schema and creates a validated connection pool.
func New(ctx context.Context, cfg *config.Config) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	// Statements can only be prepared once their tables exist.
	if err := Bootstrap(ctx, cfg.DatabaseURL); err != nil {
		return nil, err
	}

	poolCfg.MinConns = int32(cfg.DBPoolMinConns)
	poolCfg.MaxConns = int32(cfg.DBPoolMaxConns)
	poolCfg.MaxConnLifetime = cfg.DBPoolMaxLife
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	// Register prepared statements on every new connection.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return registerPreparedStatements(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// Bootstrap applies Schema over a dedicated connection.
func Bootstrap(ctx context.Context, databaseURL string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("connect for schema bootstrap: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("bootstrap schema: %w", err)
	}
	return nil
}

// HealthCheck runs a trivial query to verify the database is reachable.
func (p *Pool) HealthCheck(ctx context.Context) error {
	var n int
	return p.QueryRow(ctx, "health_check").Scan(&n)
}

// registerPreparedStatements registers the read paths the event pipeline and
// scheduler hit on every event. Prepared statements eliminate parse overhead.
func registerPreparedStatements(ctx context.Context, conn *pgx.Conn) error {
	stmts := map[string]string{
		// Health
		"health_check": "SELECT 1",

		// Reference data
		"geofence_by_id": "SELECT id, task_id, COALESCE(place_id, ''), lat, lng, radius_m, tier, active FROM geofences WHERE id = $1",
		"task_by_id":     "SELECT id, user_id, title, status FROM tasks WHERE id = $1",
		"user_by_id":     "SELECT id, timezone, COALESCE(quiet_start, ''), COALESCE(quiet_end, ''), focus_mode FROM users WHERE id = $1",
		"place_by_id":    "SELECT id, name, lat, lng FROM places WHERE id = $1",
		"device_tokens":  "SELECT token FROM user_devices WHERE user_id = $1 AND is_active = true",

		// Event pipeline
		"event_by_id":           "SELECT " + EventColumns + " FROM geofence_events WHERE id = $1",
		"recent_events":         "SELECT " + EventColumns + " FROM geofence_events WHERE user_id = $1 AND created_at >= $2 ORDER BY created_at, id",
		"latest_cooldown":       "SELECT MAX(cooldown_until) FROM geofence_events WHERE user_id = $1 AND geofence_id = $2 AND status = 'processed'",
		"pending_events":        "SELECT " + EventColumns + " FROM geofence_events WHERE status = 'pending' ORDER BY created_at LIMIT $1",
		"notification_by_id":    "SELECT " + NotificationColumns + " FROM notifications WHERE id = $1",
		"open_notification_for": "SELECT " + NotificationColumns + " FROM notifications WHERE $1 = ANY(event_ids) AND status IN ('pending', 'snoozed') LIMIT 1",
		"active_snooze_for":     "SELECT " + SnoozeColumns + " FROM notification_snoozes WHERE notification_id = $1 AND status = 'active' LIMIT 1",
		"active_mute_for":       "SELECT " + MuteColumns + " FROM task_mutes WHERE task_id = $1 AND status = 'active' ORDER BY expires_at DESC LIMIT 1",
	}

	for name, sql := range stmts {
		if _, err := conn.Prepare(ctx, name, sql); err != nil {
			return fmt.Errorf("prepare %q: %w", name, err)
		}
	}
	return nil
}

// Column lists shared with the store's scan helpers.
const (
	EventColumns = "id, user_id, task_id, geofence_id, event_type, lat, lng, confidence, status, " +
		"COALESCE(reason, ''), bundled_with, cooldown_until, occurred_at, created_at"
	NotificationColumns = "id, user_id, event_ids, task_ids, title, body, data, status, scheduled_for, " +
		"attempts, COALESCE(last_error, ''), delivered_at, created_at, updated_at"
	SnoozeColumns = "id, notification_id, user_id, duration_seconds, expires_at, status, created_at"
	MuteColumns   = "id, task_id, user_id, duration_seconds, expires_at, status, created_at"
)
