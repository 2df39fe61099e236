// Package processor turns raw geofence crossings into notification decisions.
//
// Every raw event is persisted as its own record, validated against the
// geofence, task, and user it references, and then classified as filtered,
// duplicate, cooldown, or processed. Processed events may be bundled with an
// earlier nearby event of the same user.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/albapepper/geonotify/internal/geo"
	"github.com/albapepper/geonotify/internal/kv"
	"github.com/albapepper/geonotify/internal/models"
	"github.com/albapepper/geonotify/internal/policy"
	"github.com/albapepper/geonotify/internal/store"
)

// Reasons recorded on events that do not notify, or notify alone.
const (
	ReasonFiltered   = "filtered by on-device evaluation"
	ReasonDuplicate  = "duplicate of a recent nearby event"
	ReasonNoBundling = "no bundling required"
)

// Store is the persistence the processor needs.
type Store interface {
	GetGeofence(ctx context.Context, id string) (*models.Geofence, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	CreateEvent(ctx context.Context, e *models.GeofenceEvent) error
	UpdateEvent(ctx context.Context, e *models.GeofenceEvent) error
	FindRecentEvents(ctx context.Context, userID string, since time.Time) ([]models.GeofenceEvent, error)
	LatestCooldown(ctx context.Context, userID, geofenceID string) (time.Time, bool, error)
}

// Decision is the outcome of processing one raw event.
type Decision struct {
	Event        models.GeofenceEvent `json:"event"`
	ShouldNotify bool                 `json:"should_notify"`
	Reason       string               `json:"reason"`
	BundledWith  string               `json:"bundled_with,omitempty"`
	BundleSize   int                  `json:"bundle_size,omitempty"`
	// DistanceMeters is the distance from the event to the geofence center.
	DistanceMeters float64 `json:"distance_meters"`

	// Resolved references, for building notification text.
	Geofence *models.Geofence `json:"-"`
	Task     *models.Task     `json:"-"`
	User     *models.User     `json:"-"`
}

// Processor classifies raw events. Safe for concurrent use: events of one
// user are classified one at a time.
type Processor struct {
	store  Store
	leases kv.Store
	locks  userLocks
	policy policy.Policy
	clock  clockwork.Clock
	logger *slog.Logger
}

// New creates a Processor. leases may be nil for a single-process
// deployment. A nil clock uses the real clock; a nil logger uses
// slog.Default().
func New(st Store, leases kv.Store, p policy.Policy, clock clockwork.Clock, logger *slog.Logger) *Processor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: st, leases: leases, policy: p, clock: clock, logger: logger}
}

// Policy returns the thresholds the processor was built with.
func (p *Processor) Policy() policy.Policy {
	return p.policy
}

// --------------------------------------------------------------------------
// Process
// --------------------------------------------------------------------------

// Process persists raw as a new event and classifies it. Validation failures
// return one of the models validation errors; any other error leaves the
// event failed so the caller can retry with a fresh record. ErrUserBusy is
// returned, before anything is persisted, when another instance holds the
// user's lease.
func (p *Processor) Process(ctx context.Context, raw models.RawEvent) (*Decision, error) {
	if err := CheckRaw(raw); err != nil {
		return nil, err
	}

	var d *Decision
	err := p.withUser(ctx, raw.UserID, func() error {
		var err error
		d, err = p.process(ctx, raw)
		return err
	})
	return d, err
}

// process runs under the user's lock, so dedup, cooldown and bundling see
// every earlier decision of the same user.
func (p *Processor) process(ctx context.Context, raw models.RawEvent) (*Decision, error) {
	now := p.clock.Now()
	occurred := raw.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}
	ev := &models.GeofenceEvent{
		ID:         uuid.NewString(),
		UserID:     raw.UserID,
		TaskID:     raw.TaskID,
		GeofenceID: raw.GeofenceID,
		Type:       raw.Type,
		Location:   raw.Location,
		Confidence: raw.Confidence,
		Status:     models.EventPending,
		OccurredAt: occurred,
		CreatedAt:  now,
	}
	if err := p.store.CreateEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("persist event: %w", err)
	}

	d, err := p.classify(ctx, ev, now)
	if err != nil {
		if ferr := p.Fail(ctx, ev, err); ferr != nil {
			p.logger.Warn("Failed to mark event failed", "event_id", ev.ID, "error", ferr)
		}
		return nil, fmt.Errorf("process event %s: %w", ev.ID, err)
	}

	if err := p.store.UpdateEvent(ctx, &d.Event); err != nil {
		if ferr := p.Fail(ctx, ev, err); ferr != nil {
			p.logger.Warn("Failed to mark event failed", "event_id", ev.ID, "error", ferr)
		}
		return nil, fmt.Errorf("record decision for %s: %w", ev.ID, err)
	}

	p.logger.Debug("Event processed",
		"event_id", ev.ID,
		"user_id", ev.UserID,
		"status", d.Event.Status,
		"notify", d.ShouldNotify,
	)
	return d, nil
}

// Fail marks an event failed and drops any cooldown or bundle link it
// claimed, so a retried attempt is judged as if this one never happened.
func (p *Processor) Fail(ctx context.Context, ev *models.GeofenceEvent, cause error) error {
	ev.Status = models.EventFailed
	ev.Reason = cause.Error()
	ev.CooldownUntil = nil
	ev.BundledWith = nil
	return p.store.UpdateEvent(ctx, ev)
}

// CheckRaw rejects raw events that cannot be persisted at all.
func CheckRaw(raw models.RawEvent) error {
	switch {
	case raw.UserID == "":
		return fmt.Errorf("%w: user_id is required", models.ErrInvalidEvent)
	case raw.TaskID == "":
		return fmt.Errorf("%w: task_id is required", models.ErrInvalidEvent)
	case raw.GeofenceID == "":
		return fmt.Errorf("%w: geofence_id is required", models.ErrInvalidEvent)
	case !raw.Type.Valid():
		return fmt.Errorf("%w: unknown event_type %q", models.ErrInvalidEvent, raw.Type)
	case !geo.Valid(raw.Location):
		return fmt.Errorf("%w: coordinates out of range", models.ErrInvalidEvent)
	}
	return nil
}

// classify runs validation, containment, dedup, cooldown, and bundling. It
// works on a copy of ev and never writes.
func (p *Processor) classify(ctx context.Context, ev *models.GeofenceEvent, now time.Time) (*Decision, error) {
	g, t, u, err := p.resolve(ctx, ev)
	if err != nil {
		return nil, err
	}

	d := &Decision{Event: *ev, Geofence: g, Task: t, User: u}
	d.DistanceMeters = geo.Distance(ev.Location, g.Center)

	if d.DistanceMeters > g.Radius+p.policy.PlausibilityToleranceMeters {
		return nil, fmt.Errorf("%w: %.0f m from center of %.0f m geofence",
			models.ErrImplausibleLocation, d.DistanceMeters, g.Radius)
	}

	if !p.passesDeviceFilter(ev.Type, d.DistanceMeters, g.Radius) {
		d.Event.Status = models.EventFiltered
		d.Event.Reason = ReasonFiltered
		d.Reason = ReasonFiltered
		return d, nil
	}

	since := now.Add(-max(p.policy.DedupWindow, p.policy.BundleWindow))
	recent, err := p.store.FindRecentEvents(ctx, ev.UserID, since)
	if err != nil {
		return nil, fmt.Errorf("find recent events: %w", err)
	}

	if dup := p.findDuplicate(ev, recent, now); dup != nil {
		d.Event.Status = models.EventDuplicate
		d.Event.Reason = fmt.Sprintf("%s (%s)", ReasonDuplicate, dup.ID)
		d.Reason = d.Event.Reason
		return d, nil
	}

	until, ok, err := p.store.LatestCooldown(ctx, ev.UserID, ev.GeofenceID)
	if err != nil {
		return nil, fmt.Errorf("lookup cooldown: %w", err)
	}
	if ok && now.Before(until) {
		d.Event.Status = models.EventCooldown
		d.Event.Reason = fmt.Sprintf("cooldown active until %s", until.UTC().Format(time.RFC3339))
		d.Reason = d.Event.Reason
		return d, nil
	}
	next := now.Add(p.policy.Cooldown(g.Tier))
	d.Event.CooldownUntil = &next

	d.ShouldNotify = true
	d.Event.Status = models.EventProcessed
	root, size := p.findBundle(ev, recent, now)
	if root != nil {
		id := root.ID
		d.Event.BundledWith = &id
		d.BundledWith = id
		d.BundleSize = size
		d.Reason = fmt.Sprintf("bundled with %d nearby events", size)
	} else {
		d.Reason = ReasonNoBundling
	}
	d.Event.Reason = d.Reason
	return d, nil
}

// resolve loads the geofence, task, and user, mapping missing or inactive
// records to validation errors.
func (p *Processor) resolve(ctx context.Context, ev *models.GeofenceEvent) (*models.Geofence, *models.Task, *models.User, error) {
	g, err := p.store.GetGeofence(ctx, ev.GeofenceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil, fmt.Errorf("%w: %s", models.ErrGeofenceNotFound, ev.GeofenceID)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load geofence: %w", err)
	}
	if !g.Active {
		return nil, nil, nil, fmt.Errorf("%w: %s", models.ErrGeofenceInactive, g.ID)
	}
	if g.TaskID != ev.TaskID {
		return nil, nil, nil, fmt.Errorf("%w: geofence %s does not belong to task %s",
			models.ErrInvalidEvent, g.ID, ev.TaskID)
	}

	t, err := p.store.GetTask(ctx, ev.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil, fmt.Errorf("%w: %s", models.ErrTaskNotFound, ev.TaskID)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load task: %w", err)
	}
	if t.Status != models.TaskActive {
		return nil, nil, nil, fmt.Errorf("%w: %s is %s", models.ErrTaskInactive, t.ID, t.Status)
	}

	u, err := p.store.GetUser(ctx, ev.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil, fmt.Errorf("%w: %s", models.ErrUserNotFound, ev.UserID)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load user: %w", err)
	}
	if t.UserID != u.ID {
		return nil, nil, nil, fmt.Errorf("%w: task %s does not belong to user %s",
			models.ErrInvalidEvent, t.ID, u.ID)
	}
	return g, t, u, nil
}

// passesDeviceFilter re-applies the containment rule the client is expected
// to enforce. Exits must clear a hysteresis band inside the boundary.
func (p *Processor) passesDeviceFilter(typ models.EventType, distance, radius float64) bool {
	switch typ {
	case models.EventEnter, models.EventDwell:
		return distance <= radius
	case models.EventExit:
		return distance >= p.policy.ExitHysteresis*radius
	}
	return false
}

// findDuplicate returns an earlier crossing by the same user inside the dedup
// distance and window. Failed, filtered and pending records never count; a
// record still pending outside the user's lock is an abandoned attempt.
func (p *Processor) findDuplicate(ev *models.GeofenceEvent, recent []models.GeofenceEvent, now time.Time) *models.GeofenceEvent {
	since := now.Add(-p.policy.DedupWindow)
	for i := range recent {
		r := &recent[i]
		if r.ID == ev.ID || r.CreatedAt.Before(since) || r.CreatedAt.After(ev.CreatedAt) {
			continue
		}
		if r.Status == models.EventFailed || r.Status == models.EventFiltered || r.Status == models.EventPending {
			continue
		}
		if geo.Within(r.Location, ev.Location, p.policy.DedupDistanceMeters) {
			return r
		}
	}
	return nil
}

// findBundle returns the earliest processed, un-bundled event inside the
// bundle radius and window, and the bundle size including ev.
func (p *Processor) findBundle(ev *models.GeofenceEvent, recent []models.GeofenceEvent, now time.Time) (*models.GeofenceEvent, int) {
	since := now.Add(-p.policy.BundleWindow)
	var root *models.GeofenceEvent
	size := 1
	for i := range recent {
		r := &recent[i]
		if r.ID == ev.ID || r.CreatedAt.Before(since) {
			continue
		}
		if r.Status != models.EventProcessed || r.BundledWith != nil {
			continue
		}
		if !geo.Within(r.Location, ev.Location, p.policy.BundleDistanceMeters) {
			continue
		}
		size++
		if root == nil || r.CreatedAt.Before(root.CreatedAt) {
			root = r
		}
	}
	if root == nil {
		return nil, 0
	}
	// Members already attached to the root belong to the same bundle.
	for i := range recent {
		if b := recent[i].BundledWith; b != nil && *b == root.ID && recent[i].Status == models.EventProcessed {
			size++
		}
	}
	return root, size
}

// --------------------------------------------------------------------------
// Batch
// --------------------------------------------------------------------------

// ProcessBatch processes raws in order. Failed items are logged and skipped;
// only successful decisions are returned.
func (p *Processor) ProcessBatch(ctx context.Context, raws []models.RawEvent) []Decision {
	out := make([]Decision, 0, len(raws))
	for i, raw := range raws {
		d, err := p.Process(ctx, raw)
		if err != nil {
			p.logger.Warn("Batch event failed",
				"index", i,
				"user_id", raw.UserID,
				"geofence_id", raw.GeofenceID,
				"error", err,
			)
			continue
		}
		out = append(out, *d)
	}
	return out
}
