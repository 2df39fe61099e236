// Package listener provides a Postgres LISTEN/NOTIFY consumer for raw
// geofence crossings. It holds a dedicated pgx connection (not from the
// pool) listening on the `geofence_event` channel; each payload is a JSON
// raw event that is handed to the retry queue.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/albapepper/geonotify/internal/models"
)

const (
	Channel          = "geofence_event"
	reconnectBackoff = 5 * time.Second
	maxReconnect     = 30 * time.Second
)

// Enqueuer accepts raw events for background processing.
type Enqueuer interface {
	EnqueueEvent(ctx context.Context, raw models.RawEvent) (string, error)
}

// Start opens a dedicated connection and listens on the geofence_event
// channel. It reconnects automatically on connection loss. Blocks until ctx
// is cancelled. Intended to be called with `go`.
func Start(ctx context.Context, dbURL string, enq Enqueuer, logger *slog.Logger) {
	backoff := reconnectBackoff

	for {
		err := listenLoop(ctx, dbURL, enq, logger)
		if ctx.Err() != nil {
			logger.Info("Geofence listener stopped (context cancelled)")
			return
		}

		logger.Error("Geofence listener disconnected, reconnecting...",
			"error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
			backoff = min(backoff*2, maxReconnect)
		case <-ctx.Done():
			return
		}
	}
}

// listenLoop runs a single listen session. Returns when the connection drops
// or the context is cancelled.
func listenLoop(ctx context.Context, dbURL string, enq Enqueuer, logger *slog.Logger) error {
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	_, err = conn.Exec(ctx, "LISTEN "+Channel)
	if err != nil {
		return fmt.Errorf("LISTEN %s: %w", Channel, err)
	}
	logger.Info("Geofence listener connected", "channel", Channel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		if _, err := Handle(ctx, enq, []byte(notification.Payload)); err != nil {
			logger.Warn("Dropped geofence notification",
				"payload", notification.Payload, "error", err)
		}
	}
}

// Handle decodes one payload and enqueues it. Enqueue starts processing in
// the background, so the listener is never blocked on the pipeline.
func Handle(ctx context.Context, enq Enqueuer, payload []byte) (string, error) {
	var raw models.RawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return "", fmt.Errorf("%w: decode payload: %v", models.ErrInvalidEvent, err)
	}
	id, err := enq.EnqueueEvent(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}
