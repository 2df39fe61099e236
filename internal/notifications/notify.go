// Package notifications schedules and delivers geofence reminders.
//
// Pipeline: schedule (quiet hours, focus mode) → persist → deliver through a
// Sender → retry with backoff → failed after max attempts. User actions
// (complete, snooze, mute) and the expiry of snoozes and mutes live here too;
// the maintenance loop drives the sweeps.
package notifications

import (
	"context"
	"errors"
	"time"

	"github.com/albapepper/geonotify/internal/config"
	"github.com/albapepper/geonotify/internal/models"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	leasePrefix       = "notification:lease:"
	defaultLeaseTTL   = 2 * time.Minute
	dispatchBatchSize = 100
	muteDuration      = 24 * time.Hour
)

// ErrNotificationBusy is returned when another writer holds the
// notification's lease.
var ErrNotificationBusy = errors.New("notification is being processed")

// ErrNotificationClosed is returned when merging into a notification that is
// no longer pending or snoozed.
var ErrNotificationClosed = errors.New("notification is no longer open")

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Item is a notification to schedule. Bundled notifications list every
// constituent event and task.
type Item struct {
	UserID   string            `json:"user_id"`
	EventIDs []string          `json:"event_ids"`
	TaskIDs  []string          `json:"task_ids"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	// ScheduledFor is the earliest delivery time; zero means now.
	ScheduledFor time.Time `json:"scheduled_for,omitempty"`
}

// Result summarizes one ProcessPending sweep.
type Result struct {
	Processed   int `json:"processed"`
	Delivered   int `json:"delivered"`
	Failed      int `json:"failed"`
	Rescheduled int `json:"rescheduled"`
	// Cancelled counts records closed because none of their tasks is open.
	Cancelled int `json:"cancelled"`
}

// Stats counts scheduled notifications. Snoozed records are open, so they
// are counted in Pending and broken out in Snoozed;
// Pending + Delivered + Failed + Cancelled == Total.
type Stats struct {
	Pending   int `json:"pending"`
	Snoozed   int `json:"snoozed"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

// Options tunes delivery.
type Options struct {
	MaxAttempts        int
	RetryBackoff       time.Duration
	QuietTolerance     time.Duration
	DispatchBatch      int
	DefaultQuietStart  string
	DefaultQuietEnd    string
	SnoozeTomorrowHour int
	LeaseTTL           time.Duration
}

// OptionsFromConfig maps the NOTIFY_* and quiet-hours settings.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxAttempts:        cfg.NotifyMaxAttempts,
		RetryBackoff:       cfg.NotifyRetryBackoff,
		QuietTolerance:     cfg.QuietHoursTolerance,
		DispatchBatch:      cfg.NotifyDispatchBatch,
		DefaultQuietStart:  cfg.DefaultQuietStart,
		DefaultQuietEnd:    cfg.DefaultQuietEnd,
		SnoozeTomorrowHour: cfg.SnoozeTomorrowAtHour,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Minute
	}
	if o.QuietTolerance < 0 {
		o.QuietTolerance = 0
	}
	if o.DispatchBatch < 1 {
		o.DispatchBatch = dispatchBatchSize
	}
	if o.SnoozeTomorrowHour < 0 || o.SnoozeTomorrowHour > 23 {
		o.SnoozeTomorrowHour = 9
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = defaultLeaseTTL
	}
	return o
}

// Store is the persistence the scheduler needs.
type Store interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error
	DeviceTokens(ctx context.Context, userID string) ([]string, error)

	CreateNotification(ctx context.Context, n *models.NotificationRecord) error
	UpdateNotification(ctx context.Context, n *models.NotificationRecord) error
	GetNotification(ctx context.Context, id string) (*models.NotificationRecord, error)
	FindDueNotifications(ctx context.Context, now time.Time, limit int) ([]models.NotificationRecord, error)
	CountNotificationsByStatus(ctx context.Context) (map[models.NotificationStatus]int, error)

	CreateSnooze(ctx context.Context, s *models.Snooze) error
	UpdateSnooze(ctx context.Context, s *models.Snooze) error
	FindActiveSnooze(ctx context.Context, notificationID string) (*models.Snooze, error)
	FindExpiredSnoozes(ctx context.Context, now time.Time) ([]models.Snooze, error)
	CountActiveSnoozes(ctx context.Context) (int, error)

	CreateMute(ctx context.Context, m *models.Mute) error
	UpdateMute(ctx context.Context, m *models.Mute) error
	FindActiveMute(ctx context.Context, taskID string) (*models.Mute, error)
	FindExpiredMutes(ctx context.Context, now time.Time) ([]models.Mute, error)
	CountActiveMutes(ctx context.Context) (int, error)
}
