// Command api is the Geonotify server: HTTP API, retry queue workers,
// event ingestion, and the maintenance loop.
//
// Usage:
//
//	geonotify-api
//	API_PORT=8080 STORE_BACKEND=memory KV_BACKEND=memory geonotify-api

// @title Geonotify API
// @version 1.0.0
// @description Turns raw geofence crossings into deduplicated, cooldown-aware, quiet-hours-aware push notifications.
// @host localhost:8000
// @BasePath /api/v1
// @schemes http https
// @contact.name Geonotify
// @license.name MIT
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/albapepper/geonotify/internal/api"
	"github.com/albapepper/geonotify/internal/api/handler"
	"github.com/albapepper/geonotify/internal/app"
	"github.com/albapepper/geonotify/internal/config"
	"github.com/albapepper/geonotify/internal/ingest"
	"github.com/albapepper/geonotify/internal/listener"

	_ "github.com/albapepper/geonotify/docs" // swagger docs
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	// Load .env if present
	_ = godotenv.Load(".env")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Debug {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
		slog.SetDefault(logger)
	}

	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// Maintenance ticker (snooze/mute expiry, retries, pending sweep, cleanup)
	a.Maintenance.Start()

	g, gctx := errgroup.WithContext(ctx)

	// LISTEN/NOTIFY ingestion of events inserted by other services
	if cfg.ListenerEnabled && a.Pool != nil {
		g.Go(func() error {
			listener.Start(gctx, cfg.DatabaseURL, a.Pipeline, logger)
			return nil
		})
	}

	// Kafka ingestion
	if len(cfg.KafkaBrokers) > 0 {
		consumer := ingest.NewConsumer(ingest.NewReader(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID), a.Pipeline, logger)
		logger.Info("Kafka consumer started", "topic", cfg.KafkaTopic, "group", cfg.KafkaGroupID)
		g.Go(func() error {
			defer consumer.Close()
			return consumer.Run(gctx)
		})
	}

	h := handler.New(handler.Deps{
		Pipeline:    a.Pipeline,
		Queue:       a.Pipeline.Queue(),
		Scheduler:   a.Scheduler,
		Maintenance: a.Maintenance,
		DBHealth:    a.DBHealth(),
		KVStats:     a.KVStats,
		Logger:      logger,
	})
	router := api.NewRouter(h, cfg, logger)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		logger.Info("Starting Geonotify API",
			"addr", addr,
			"environment", cfg.Environment,
			"store", cfg.StoreBackend,
			"kv", cfg.KVBackend,
			"docs", fmt.Sprintf("http://localhost:%d/docs/", cfg.APIPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})

	// Shut the server down once a signal arrives or any worker fails.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")

		// Graceful shutdown with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown error", "error", err)
		}
		h.Wait()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Stopped with error", "error", err)
		a.Close()
		os.Exit(1)
	}
	logger.Info("Server stopped")
}
