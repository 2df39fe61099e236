// Package store is the persistence boundary for geofences, tasks, users,
// events, notifications, snoozes, and mutes.
//
// Postgres is the production implementation (pgxpool + prepared
// statements). Memory backs tests and local development.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/albapepper/geonotify/internal/models"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("not found")

// Store is the full persistence surface. Consumers depend on the narrower
// interfaces they declare themselves.
type Store interface {
	GetGeofence(ctx context.Context, id string) (*models.Geofence, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetPlace(ctx context.Context, id string) (*models.Place, error)
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error
	DeviceTokens(ctx context.Context, userID string) ([]string, error)

	CreateEvent(ctx context.Context, e *models.GeofenceEvent) error
	UpdateEvent(ctx context.Context, e *models.GeofenceEvent) error
	GetEvent(ctx context.Context, id string) (*models.GeofenceEvent, error)
	// FindRecentEvents returns the user's events created at or after since,
	// oldest first.
	FindRecentEvents(ctx context.Context, userID string, since time.Time) ([]models.GeofenceEvent, error)
	// LatestCooldown returns the furthest cooldown_until among the user's
	// processed events on the geofence; ok is false when none exists.
	LatestCooldown(ctx context.Context, userID, geofenceID string) (until time.Time, ok bool, err error)
	FindPendingEvents(ctx context.Context, limit int) ([]models.GeofenceEvent, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error)

	CreateNotification(ctx context.Context, n *models.NotificationRecord) error
	UpdateNotification(ctx context.Context, n *models.NotificationRecord) error
	GetNotification(ctx context.Context, id string) (*models.NotificationRecord, error)
	// FindDueNotifications returns pending notifications scheduled at or
	// before now, earliest first.
	FindDueNotifications(ctx context.Context, now time.Time, limit int) ([]models.NotificationRecord, error)
	// FindOpenNotificationByEvent returns the pending or snoozed notification
	// that references eventID.
	FindOpenNotificationByEvent(ctx context.Context, eventID string) (*models.NotificationRecord, error)
	CountNotificationsByStatus(ctx context.Context) (map[models.NotificationStatus]int, error)
	// DeleteNotificationsBefore removes delivered, failed, and cancelled
	// notifications last updated before cutoff.
	DeleteNotificationsBefore(ctx context.Context, cutoff time.Time) (int, error)

	CreateSnooze(ctx context.Context, s *models.Snooze) error
	UpdateSnooze(ctx context.Context, s *models.Snooze) error
	FindActiveSnooze(ctx context.Context, notificationID string) (*models.Snooze, error)
	FindExpiredSnoozes(ctx context.Context, now time.Time) ([]models.Snooze, error)
	CountActiveSnoozes(ctx context.Context) (int, error)

	CreateMute(ctx context.Context, m *models.Mute) error
	UpdateMute(ctx context.Context, m *models.Mute) error
	// FindActiveMute returns the task's active mute that expires last.
	FindActiveMute(ctx context.Context, taskID string) (*models.Mute, error)
	FindExpiredMutes(ctx context.Context, now time.Time) ([]models.Mute, error)
	CountActiveMutes(ctx context.Context) (int, error)
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)
