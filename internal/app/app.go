// Package app assembles the store, lease store, scheduler, pipeline, and
// maintenance loop from configuration. Shared by cmd/api and cmd/admin.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/albapepper/geonotify/internal/config"
	"github.com/albapepper/geonotify/internal/db"
	"github.com/albapepper/geonotify/internal/kv"
	"github.com/albapepper/geonotify/internal/maintenance"
	"github.com/albapepper/geonotify/internal/notifications"
	"github.com/albapepper/geonotify/internal/pipeline"
	"github.com/albapepper/geonotify/internal/places"
	"github.com/albapepper/geonotify/internal/policy"
	"github.com/albapepper/geonotify/internal/processor"
	"github.com/albapepper/geonotify/internal/queue"
	"github.com/albapepper/geonotify/internal/store"
)

// App holds the wired components.
type App struct {
	Config      *config.Config
	Pool        *db.Pool // nil with the memory store
	Store       store.Store
	KV          kv.Store
	Scheduler   *notifications.Scheduler
	Pipeline    *pipeline.Pipeline
	Maintenance *maintenance.Loop

	logger *slog.Logger
}

// Build connects the configured backends and wires every component. The
// caller owns the result and must call Close.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, logger: logger}
	clock := clockwork.NewRealClock()

	pol, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	if err := pol.Validate(); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}

	switch cfg.StoreBackend {
	case config.BackendMemory:
		a.Store = store.NewMemory()
		logger.Warn("Using in-memory store; data is lost on restart")
	default:
		logger.Info("Connecting to database...")
		pool, err := db.New(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.Pool = pool
		a.Store = store.NewPostgres(pool.Pool)
		logger.Info("Database connected",
			"min_conns", cfg.DBPoolMinConns,
			"max_conns", cfg.DBPoolMaxConns)
	}

	switch cfg.KVBackend {
	case config.BackendMemory:
		a.KV = kv.NewMemory(clock)
	default:
		s, err := kv.OpenSQLite(cfg.KVSQLitePath, clock)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open kv store: %w", err)
		}
		a.KV = s
		logger.Info("Queue store opened", "path", cfg.KVSQLitePath)
	}

	proc := processor.New(a.Store, a.KV, pol, clock, logger)
	a.Scheduler = notifications.NewScheduler(a.Store, a.KV, a.sender(), notifications.OptionsFromConfig(cfg), clock, logger)
	resolver := places.New(a.Store, a.KV, 0, logger)
	a.Pipeline = pipeline.New(a.Store, proc, a.Scheduler, resolver, a.KV, queue.OptionsFromConfig(cfg), clock, logger)
	a.Maintenance = maintenance.New(maintenance.Deps{
		Scheduler: a.Scheduler,
		Queue:     a.Pipeline.Queue(),
		History:   a.Store,
		KV:        a.KV,
	}, maintenance.ConfigFrom(cfg), clock, logger)

	return a, nil
}

func (a *App) sender() notifications.Sender {
	if a.Config.PushRelayURL != "" {
		a.logger.Info("Push transport: relay", "url", a.Config.PushRelayURL)
		return notifications.NewRelaySender(a.Config.PushRelayURL, a.Config.PushRelayToken, a.Config.PushRelayRPM, a.logger)
	}
	if a.Config.FCMCredentialsFile == "" {
		a.logger.Info("Push transport disabled (no FIREBASE_CREDENTIALS_FILE or PUSH_RELAY_URL)")
	}
	return notifications.NewFCMSender(a.Config.FCMCredentialsFile, a.logger)
}

// DBHealth pings Postgres. It is nil with the memory store.
func (a *App) DBHealth() func(ctx context.Context) error {
	if a.Pool == nil {
		return nil
	}
	return a.Pool.HealthCheck
}

// KVStats reports key counts for whichever lease store backend is open.
func (a *App) KVStats(ctx context.Context) (map[string]interface{}, error) {
	switch s := a.KV.(type) {
	case *kv.SQLite:
		return s.Stats(ctx)
	case *kv.Memory:
		return s.Stats(), nil
	default:
		return map[string]interface{}{}, nil
	}
}

// Close stops the loop, drains the queue, and releases the backends.
func (a *App) Close() {
	if a.Maintenance != nil {
		a.Maintenance.Stop()
	}
	if a.Pipeline != nil {
		a.Pipeline.Close()
	}
	if a.KV != nil {
		if err := a.KV.Close(); err != nil {
			a.logger.Error("Close kv store", "error", err)
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
