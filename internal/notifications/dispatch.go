package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/albapepper/geonotify/internal/kv"
	"github.com/albapepper/geonotify/internal/models"
	"github.com/albapepper/geonotify/internal/store"
)

// Scheduler decides when notifications may be delivered and drives the
// Sender. State transitions on a notification are made under its lease.
type Scheduler struct {
	store  Store
	leases kv.Store
	sender Sender
	opts   Options
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewScheduler creates a Scheduler. A nil clock uses the real clock; a nil
// logger uses slog.Default().
func NewScheduler(st Store, leases kv.Store, sender Sender, opts Options, clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  st,
		leases: leases,
		sender: sender,
		opts:   opts.withDefaults(),
		clock:  clock,
		logger: logger,
	}
}

// withLease runs fn while holding the notification's lease.
func (s *Scheduler) withLease(ctx context.Context, id string, fn func() error) error {
	owner := uuid.NewString()
	ok, err := s.leases.Acquire(ctx, leasePrefix+id, owner, s.opts.LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquire notification lease: %w", err)
	}
	if !ok {
		return ErrNotificationBusy
	}
	defer func() {
		if err := s.leases.Release(context.WithoutCancel(ctx), leasePrefix+id, owner); err != nil {
			s.logger.Warn("Failed to release notification lease", "notification_id", id, "error", err)
		}
	}()
	return fn()
}

func (s *Scheduler) load(ctx context.Context, id string) (*models.NotificationRecord, error) {
	n, err := s.store.GetNotification(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", models.ErrNotificationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load notification: %w", err)
	}
	return n, nil
}

func (s *Scheduler) user(ctx context.Context, id string) (*models.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", models.ErrUserNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return u, nil
}

// --------------------------------------------------------------------------
// Schedule
// --------------------------------------------------------------------------

// Schedule persists item as a pending notification. Inside quiet hours or
// focus mode it is deferred; otherwise delivery is attempted right away.
// Delivery failures are recorded on the returned record, not returned.
func (s *Scheduler) Schedule(ctx context.Context, item Item) (*models.NotificationRecord, error) {
	if item.UserID == "" || item.Title == "" || item.Body == "" {
		return nil, fmt.Errorf("%w: user_id, title and body are required", models.ErrInvalidNotification)
	}
	u, err := s.user(ctx, item.UserID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	at := item.ScheduledFor
	if at.Before(now) {
		at = now
	}
	deferred := false
	if next, blocked := s.deferral(u, at); blocked {
		at = next
		deferred = true
	}

	rec := &models.NotificationRecord{
		ID:           uuid.NewString(),
		UserID:       item.UserID,
		EventIDs:     slices.Clone(item.EventIDs),
		TaskIDs:      slices.Clone(item.TaskIDs),
		Title:        item.Title,
		Body:         item.Body,
		Data:         item.Data,
		Status:       models.NotificationPending,
		ScheduledFor: at,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateNotification(ctx, rec); err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}

	s.logger.Debug("Notification scheduled",
		"notification_id", rec.ID,
		"user_id", rec.UserID,
		"scheduled_for", rec.ScheduledFor,
		"deferred", deferred,
	)
	if deferred || at.After(now) {
		return rec, nil
	}

	if _, err := s.Deliver(ctx, rec.ID); err != nil && !errors.Is(err, ErrNotificationBusy) {
		s.logger.Warn("Immediate delivery failed", "notification_id", rec.ID, "error", err)
	}
	return s.load(ctx, rec.ID)
}

// Merge folds item into an open notification: event and task ids are added
// and the text replaced. Used when a new event joins an existing bundle.
func (s *Scheduler) Merge(ctx context.Context, id string, item Item) (*models.NotificationRecord, error) {
	var out *models.NotificationRecord
	err := s.withLease(ctx, id, func() error {
		rec, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		if !rec.Status.Open() {
			return ErrNotificationClosed
		}
		for _, e := range item.EventIDs {
			if !slices.Contains(rec.EventIDs, e) {
				rec.EventIDs = append(rec.EventIDs, e)
			}
		}
		for _, t := range item.TaskIDs {
			if !slices.Contains(rec.TaskIDs, t) {
				rec.TaskIDs = append(rec.TaskIDs, t)
			}
		}
		if item.Title != "" {
			rec.Title = item.Title
		}
		if item.Body != "" {
			rec.Body = item.Body
		}
		if item.Data != nil {
			rec.Data = item.Data
		}
		rec.UpdatedAt = s.clock.Now()
		if err := s.store.UpdateNotification(ctx, rec); err != nil {
			return fmt.Errorf("update notification: %w", err)
		}
		out = rec
		return nil
	})
	return out, err
}

// --------------------------------------------------------------------------
// Delivery
// --------------------------------------------------------------------------

type deliveryOutcome int

const (
	outcomeSkipped deliveryOutcome = iota
	outcomeDelivered
	outcomeDeferred
	outcomeRetry
	outcomeFailed
	outcomeCancelled
)

// Deliver attempts delivery of a pending notification now. It reports true
// only when the notification was delivered by this call.
func (s *Scheduler) Deliver(ctx context.Context, id string) (bool, error) {
	var out deliveryOutcome
	err := s.withLease(ctx, id, func() error {
		var err error
		out, err = s.deliver(ctx, id)
		return err
	})
	return out == outcomeDelivered, err
}

// deliver runs under the lease.
func (s *Scheduler) deliver(ctx context.Context, id string) (deliveryOutcome, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return outcomeSkipped, err
	}
	if rec.Status != models.NotificationPending {
		return outcomeSkipped, nil
	}

	now := s.clock.Now()
	u, err := s.user(ctx, rec.UserID)
	if errors.Is(err, models.ErrUserNotFound) {
		rec.Status = models.NotificationFailed
		rec.LastError = err.Error()
		rec.UpdatedAt = now
		return outcomeFailed, s.store.UpdateNotification(ctx, rec)
	}
	if err != nil {
		return outcomeSkipped, err
	}

	gate, until, err := s.taskGate(ctx, rec, now)
	if err != nil {
		return outcomeSkipped, err
	}
	switch gate {
	case gateClosed:
		rec.Status = models.NotificationCancelled
		rec.LastError = "no open task left"
		rec.UpdatedAt = now
		if err := s.store.UpdateNotification(ctx, rec); err != nil {
			return outcomeSkipped, fmt.Errorf("cancel notification: %w", err)
		}
		s.logger.Debug("Notification cancelled, tasks closed", "notification_id", rec.ID)
		return outcomeCancelled, s.cancelSnooze(ctx, rec.ID)
	case gateMuted:
		rec.ScheduledFor = until
		rec.UpdatedAt = now
		if err := s.store.UpdateNotification(ctx, rec); err != nil {
			return outcomeSkipped, fmt.Errorf("defer muted notification: %w", err)
		}
		return outcomeDeferred, nil
	}

	// Blocked deliveries keep their attempt count.
	if next, blocked := s.deferral(u, now); blocked {
		rec.ScheduledFor = next
		rec.UpdatedAt = now
		if err := s.store.UpdateNotification(ctx, rec); err != nil {
			return outcomeSkipped, fmt.Errorf("defer notification: %w", err)
		}
		return outcomeDeferred, nil
	}

	sendErr := s.send(ctx, rec)
	rec.UpdatedAt = s.clock.Now()
	if sendErr == nil {
		delivered := rec.UpdatedAt
		rec.Status = models.NotificationDelivered
		rec.DeliveredAt = &delivered
		rec.LastError = ""
		if err := s.store.UpdateNotification(ctx, rec); err != nil {
			return outcomeSkipped, fmt.Errorf("mark delivered: %w", err)
		}
		s.logger.Debug("Notification delivered", "notification_id", rec.ID, "user_id", rec.UserID)
		return outcomeDelivered, nil
	}

	rec.Attempts++
	rec.LastError = sendErr.Error()
	result := outcomeRetry
	if rec.Attempts >= s.opts.MaxAttempts {
		rec.Status = models.NotificationFailed
		result = outcomeFailed
		s.logger.Warn("Notification failed permanently",
			"notification_id", rec.ID,
			"attempts", rec.Attempts,
			"error", sendErr,
		)
	} else {
		rec.ScheduledFor = rec.UpdatedAt.Add(s.retryBackoff(rec.Attempts))
		s.logger.Warn("Notification send failed, will retry",
			"notification_id", rec.ID,
			"attempts", rec.Attempts,
			"next_attempt", rec.ScheduledFor,
			"error", sendErr,
		)
	}
	if err := s.store.UpdateNotification(ctx, rec); err != nil {
		return outcomeSkipped, fmt.Errorf("record send failure: %w", err)
	}
	return result, nil
}

type gateState int

const (
	gateOpen gateState = iota
	gateMuted
	gateClosed
)

// taskGate reports whether rec's tasks still want a reminder. Delivery goes
// ahead while any task is active. Otherwise muted tasks hold it until the
// last mute expires, and completed or deleted tasks close it.
func (s *Scheduler) taskGate(ctx context.Context, rec *models.NotificationRecord, now time.Time) (gateState, time.Time, error) {
	if len(rec.TaskIDs) == 0 {
		return gateOpen, time.Time{}, nil
	}
	recheck := now.Add(max(s.opts.QuietTolerance, time.Minute))
	muted := false
	var until time.Time
	for _, id := range rec.TaskIDs {
		t, err := s.store.GetTask(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return gateOpen, time.Time{}, fmt.Errorf("load task %s: %w", id, err)
		}
		switch t.Status {
		case models.TaskCompleted:
		case models.TaskMuted:
			muted = true
			m, err := s.store.FindActiveMute(ctx, id)
			switch {
			case errors.Is(err, store.ErrNotFound):
				// Mute ended; the expiry sweep has not reactivated the task yet.
				until = maxTime(until, recheck)
			case err != nil:
				return gateOpen, time.Time{}, fmt.Errorf("find active mute: %w", err)
			default:
				until = maxTime(until, m.ExpiresAt)
			}
		default:
			return gateOpen, time.Time{}, nil
		}
	}
	if !muted {
		return gateClosed, time.Time{}, nil
	}
	if !until.After(now) {
		until = recheck
	}
	return gateMuted, until, nil
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// send pushes to every active device. One accepting device is a success.
func (s *Scheduler) send(ctx context.Context, rec *models.NotificationRecord) error {
	tokens, err := s.store.DeviceTokens(ctx, rec.UserID)
	if err != nil {
		return fmt.Errorf("load device tokens: %w", err)
	}
	if len(tokens) == 0 {
		return fmt.Errorf("no active device tokens for user %s", rec.UserID)
	}

	payload := Payload{NotificationID: rec.ID, Title: rec.Title, Body: rec.Body, Data: rec.Data}
	var errs []error
	sent := 0
	for _, token := range tokens {
		if _, err := s.sender.Send(ctx, token, payload); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	if sent == 0 {
		return errors.Join(errs...)
	}
	if len(errs) > 0 {
		s.logger.Warn("Some devices rejected push",
			"notification_id", rec.ID,
			"sent", sent,
			"failed", len(errs),
		)
	}
	return nil
}

// retryBackoff doubles the base delay per failed attempt.
func (s *Scheduler) retryBackoff(attempts int) time.Duration {
	d := s.opts.RetryBackoff
	for i := 1; i < attempts && i < 16; i++ {
		d *= 2
	}
	return d
}

// ProcessPending attempts delivery of every pending notification that is
// due. Future-dated records are not touched. Per-item errors are logged and
// do not stop the sweep.
func (s *Scheduler) ProcessPending(ctx context.Context) (Result, error) {
	var result Result
	due, err := s.store.FindDueNotifications(ctx, s.clock.Now(), s.opts.DispatchBatch)
	if err != nil {
		return result, fmt.Errorf("find due notifications: %w", err)
	}

	for _, rec := range due {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		var out deliveryOutcome
		err := s.withLease(ctx, rec.ID, func() error {
			var err error
			out, err = s.deliver(ctx, rec.ID)
			return err
		})
		if err != nil {
			if !errors.Is(err, ErrNotificationBusy) {
				s.logger.Warn("Pending delivery error", "notification_id", rec.ID, "error", err)
			}
			continue
		}

		switch out {
		case outcomeSkipped:
			continue
		case outcomeDelivered:
			result.Delivered++
		case outcomeFailed:
			result.Failed++
		case outcomeDeferred, outcomeRetry:
			result.Rescheduled++
		case outcomeCancelled:
			result.Cancelled++
		}
		result.Processed++
	}

	if result.Processed > 0 {
		s.logger.Info("Pending sweep complete",
			"processed", result.Processed,
			"delivered", result.Delivered,
			"failed", result.Failed,
			"rescheduled", result.Rescheduled,
			"cancelled", result.Cancelled,
		)
	}
	return result, nil
}

// --------------------------------------------------------------------------
// Cancel
// --------------------------------------------------------------------------

// Cancel marks an open notification cancelled along with its active snooze.
// It returns false when the notification was already closed.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	cancelled := false
	err := s.withLease(ctx, id, func() error {
		var err error
		cancelled, err = s.cancel(ctx, id)
		return err
	})
	return cancelled, err
}

// cancel runs under the lease.
func (s *Scheduler) cancel(ctx context.Context, id string) (bool, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return false, err
	}
	if !rec.Status.Open() {
		return false, nil
	}
	rec.Status = models.NotificationCancelled
	rec.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateNotification(ctx, rec); err != nil {
		return false, fmt.Errorf("cancel notification: %w", err)
	}
	return true, s.cancelSnooze(ctx, id)
}

func (s *Scheduler) cancelSnooze(ctx context.Context, notificationID string) error {
	sn, err := s.store.FindActiveSnooze(ctx, notificationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find active snooze: %w", err)
	}
	sn.Status = models.SuppressionCancelled
	if err := s.store.UpdateSnooze(ctx, sn); err != nil {
		return fmt.Errorf("cancel snooze: %w", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Stats
// --------------------------------------------------------------------------

// Stats counts notifications by status.
func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	counts, err := s.store.CountNotificationsByStatus(ctx)
	if err != nil {
		return st, fmt.Errorf("count notifications: %w", err)
	}
	st.Snoozed = counts[models.NotificationSnoozed]
	st.Pending = counts[models.NotificationPending] + st.Snoozed
	st.Delivered = counts[models.NotificationDelivered]
	st.Failed = counts[models.NotificationFailed]
	st.Cancelled = counts[models.NotificationCancelled]
	for _, n := range counts {
		st.Total += n
	}
	return st, nil
}
