// Package pipeline wires the event processor, the retry queue, and the
// notification scheduler into the operations the API and ingesters call.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/albapepper/geonotify/internal/kv"
	"github.com/albapepper/geonotify/internal/models"
	"github.com/albapepper/geonotify/internal/notifications"
	"github.com/albapepper/geonotify/internal/places"
	"github.com/albapepper/geonotify/internal/processor"
	"github.com/albapepper/geonotify/internal/queue"
	"github.com/albapepper/geonotify/internal/store"
)

// Store is the event and notification lookup bundling needs.
type Store interface {
	GetEvent(ctx context.Context, id string) (*models.GeofenceEvent, error)
	FindRecentEvents(ctx context.Context, userID string, since time.Time) ([]models.GeofenceEvent, error)
	FindOpenNotificationByEvent(ctx context.Context, eventID string) (*models.NotificationRecord, error)
}

// Pipeline is the entry point for raw events and notification actions.
type Pipeline struct {
	store     Store
	processor *processor.Processor
	scheduler *notifications.Scheduler
	places    *places.Resolver
	queue     *queue.Queue
	logger    *slog.Logger
}

// New creates a Pipeline and its retry queue over leases. Every queue
// attempt runs the full process-then-schedule path.
func New(
	st Store,
	proc *processor.Processor,
	sched *notifications.Scheduler,
	resolver *places.Resolver,
	leases kv.Store,
	opts queue.Options,
	clock clockwork.Clock,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		store:     st,
		processor: proc,
		scheduler: sched,
		places:    resolver,
		logger:    logger,
	}
	pol := proc.Policy()
	p.queue = queue.New(leases, p.handle, st, queue.DedupThresholds{
		DistanceMeters: pol.DedupDistanceMeters,
		Window:         pol.DedupWindow,
	}, opts, clock, logger)
	return p
}

// Queue returns the retry queue.
func (p *Pipeline) Queue() *queue.Queue { return p.queue }

// Scheduler returns the notification scheduler.
func (p *Pipeline) Scheduler() *notifications.Scheduler { return p.scheduler }

// Close stops accepting events and waits for in-flight attempts.
func (p *Pipeline) Close() { p.queue.Close() }

// --------------------------------------------------------------------------
// Events
// --------------------------------------------------------------------------

// EnqueueEvent queues raw and returns the queue item id. Processing starts
// in the background.
func (p *Pipeline) EnqueueEvent(ctx context.Context, raw models.RawEvent) (string, error) {
	return p.queue.Enqueue(ctx, raw)
}

// EnqueueBatchEvents queues every valid event. Rejected events are reported
// in the joined error.
func (p *Pipeline) EnqueueBatchEvents(ctx context.Context, raws []models.RawEvent) ([]string, error) {
	return p.queue.EnqueueBatch(ctx, raws)
}

// ProcessEvent runs raw through the pipeline synchronously, bypassing the
// queue, and returns the decision.
func (p *Pipeline) ProcessEvent(ctx context.Context, raw models.RawEvent) (*processor.Decision, error) {
	return p.handle(ctx, raw)
}

// SyncOfflineEvents flushes a reconnecting client's backlog.
func (p *Pipeline) SyncOfflineEvents(ctx context.Context, userID string, raws []models.RawEvent) (queue.SyncResult, error) {
	return p.queue.SyncOfflineEvents(ctx, userID, raws)
}

// handle processes one raw event and schedules its notification. A failed
// schedule fails the event too, so the queue's retry starts clean.
func (p *Pipeline) handle(ctx context.Context, raw models.RawEvent) (*processor.Decision, error) {
	d, err := p.processor.Process(ctx, raw)
	if err != nil {
		return nil, err
	}
	if !d.ShouldNotify {
		return d, nil
	}

	if err := p.notify(ctx, d); err != nil {
		if ferr := p.processor.Fail(ctx, &d.Event, err); ferr != nil {
			p.logger.Warn("Failed to mark event failed", "event_id", d.Event.ID, "error", ferr)
		}
		return nil, fmt.Errorf("schedule notification for %s: %w", d.Event.ID, err)
	}
	return d, nil
}

func (p *Pipeline) notify(ctx context.Context, d *processor.Decision) error {
	if d.BundledWith != "" {
		err := p.joinBundle(ctx, d)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, store.ErrNotFound), errors.Is(err, notifications.ErrNotificationClosed):
			// The bundle root was already delivered or cancelled.
			p.logger.Debug("Bundle closed, scheduling alone", "event_id", d.Event.ID, "bundled_with", d.BundledWith)
		default:
			return err
		}
	}

	title, body := notifications.Compose(d.Task.Title, p.placeName(ctx, d.Geofence), d.Geofence.Tier, d.DistanceMeters)
	_, err := p.scheduler.Schedule(ctx, notifications.Item{
		UserID:   d.Event.UserID,
		EventIDs: []string{d.Event.ID},
		TaskIDs:  []string{d.Event.TaskID},
		Title:    title,
		Body:     body,
		Data: map[string]string{
			"event_id":    d.Event.ID,
			"task_id":     d.Event.TaskID,
			"geofence_id": d.Event.GeofenceID,
			"tier":        string(d.Geofence.Tier),
		},
	})
	return err
}

// joinBundle merges the event into the open notification of its bundle
// root and rewrites the bundle text.
func (p *Pipeline) joinBundle(ctx context.Context, d *processor.Decision) error {
	rec, err := p.store.FindOpenNotificationByEvent(ctx, d.BundledWith)
	if err != nil {
		return err
	}

	events := make([]models.GeofenceEvent, 0, len(rec.EventIDs)+1)
	for _, id := range rec.EventIDs {
		ev, err := p.store.GetEvent(ctx, id)
		if err != nil {
			p.logger.Warn("Bundle member missing", "notification_id", rec.ID, "event_id", id, "error", err)
			continue
		}
		events = append(events, *ev)
	}
	events = append(events, d.Event)

	var bundle processor.Bundle
	for _, b := range p.processor.CreateNotificationBundles(events) {
		for _, e := range b.Events {
			if e.ID == d.Event.ID {
				bundle = b
			}
		}
	}

	_, err = p.scheduler.Merge(ctx, rec.ID, notifications.Item{
		EventIDs: bundle.EventIDs(),
		TaskIDs:  bundle.TaskIDs,
		Title:    notifications.BundleTitle,
		Body:     bundle.Message,
	})
	if errors.Is(err, models.ErrNotificationNotFound) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	p.logger.Debug("Event joined bundle", "event_id", d.Event.ID, "notification_id", rec.ID, "size", len(bundle.Events))
	return nil
}

func (p *Pipeline) placeName(ctx context.Context, g *models.Geofence) string {
	if p.places == nil || g == nil {
		return ""
	}
	return p.places.Name(ctx, g.PlaceID)
}

// --------------------------------------------------------------------------
// Notifications
// --------------------------------------------------------------------------

// ScheduleNotification schedules an ad hoc notification.
func (p *Pipeline) ScheduleNotification(ctx context.Context, item notifications.Item) (*models.NotificationRecord, error) {
	return p.scheduler.Schedule(ctx, item)
}

// HandleNotificationAction applies a user's response to a notification.
func (p *Pipeline) HandleNotificationAction(ctx context.Context, notificationID string, kind notifications.ActionKind, userID string) (*notifications.ActionResult, error) {
	return p.scheduler.HandleAction(ctx, notificationID, kind, userID)
}

// CancelNotification cancels an open notification and its active snooze.
func (p *Pipeline) CancelNotification(ctx context.Context, id string) (bool, error) {
	return p.scheduler.Cancel(ctx, id)
}
