package notifications

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/albapepper/geonotify/internal/models"
	"github.com/albapepper/geonotify/internal/store"
)

// ActionKind is a user response to a delivered or pending notification.
type ActionKind int

const (
	ActionComplete ActionKind = iota + 1
	ActionSnooze15m
	ActionSnooze1h
	ActionSnoozeTomorrow
	ActionMute
	ActionOpenMap
)

var actionNames = map[ActionKind]string{
	ActionComplete:       "complete",
	ActionSnooze15m:      "snooze_15m",
	ActionSnooze1h:       "snooze_1h",
	ActionSnoozeTomorrow: "snooze_tomorrow",
	ActionMute:           "mute",
	ActionOpenMap:        "open_map",
}

func (k ActionKind) String() string {
	if s, ok := actionNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ActionKind(%d)", int(k))
}

// ParseAction maps the wire name of an action to its kind.
func ParseAction(s string) (ActionKind, error) {
	for k, name := range actionNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", models.ErrInvalidAction, s)
}

// MarshalText implements encoding.TextMarshaler.
func (k ActionKind) MarshalText() ([]byte, error) {
	if _, ok := actionNames[k]; !ok {
		return nil, fmt.Errorf("%w: %d", models.ErrInvalidAction, int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ActionKind) UnmarshalText(b []byte) error {
	parsed, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ActionResult describes the state changed by an action.
type ActionResult struct {
	Action         ActionKind     `json:"action"`
	NotificationID string         `json:"notification_id"`
	TasksCompleted []string       `json:"tasks_completed,omitempty"`
	Snooze         *models.Snooze `json:"snooze,omitempty"`
	Mutes          []models.Mute  `json:"mutes,omitempty"`
	Cancelled      bool           `json:"cancelled"`
}

// HandleAction applies a user's action to a notification. Complete and mute
// act on every task the notification covers, under the notification's lease,
// so a busy notification leaves its tasks untouched.
func (s *Scheduler) HandleAction(ctx context.Context, notificationID string, kind ActionKind, userID string) (*ActionResult, error) {
	rec, err := s.load(ctx, notificationID)
	if err != nil {
		return nil, err
	}
	// Other users' notifications are reported as missing.
	if rec.UserID != userID {
		return nil, fmt.Errorf("%w: %s", models.ErrNotificationNotFound, notificationID)
	}

	res := &ActionResult{Action: kind, NotificationID: notificationID}
	switch kind {
	case ActionComplete:
		err := s.withLease(ctx, notificationID, func() error {
			for _, taskID := range rec.TaskIDs {
				if err := s.setTaskStatus(ctx, taskID, models.TaskCompleted); err != nil {
					return err
				}
				res.TasksCompleted = append(res.TasksCompleted, taskID)
			}
			var err error
			res.Cancelled, err = s.cancel(ctx, notificationID)
			return err
		})
		if err != nil {
			return nil, err
		}

	case ActionSnooze15m, ActionSnooze1h, ActionSnoozeTomorrow:
		u, err := s.user(ctx, userID)
		if err != nil {
			return nil, err
		}
		now := s.clock.Now()
		var until time.Time
		switch kind {
		case ActionSnooze15m:
			until = now.Add(15 * time.Minute)
		case ActionSnooze1h:
			until = now.Add(time.Hour)
		default:
			until = tomorrowAt(u, now, s.opts.SnoozeTomorrowHour)
		}
		if res.Snooze, err = s.snooze(ctx, rec, until); err != nil {
			return nil, err
		}
		res.NotificationID = res.Snooze.NotificationID

	case ActionMute:
		now := s.clock.Now()
		err := s.withLease(ctx, notificationID, func() error {
			for _, taskID := range rec.TaskIDs {
				m := models.Mute{
					ID:        uuid.NewString(),
					TaskID:    taskID,
					UserID:    userID,
					Duration:  muteDuration,
					ExpiresAt: now.Add(muteDuration),
					Status:    models.SuppressionActive,
					CreatedAt: now,
				}
				if err := s.store.CreateMute(ctx, &m); err != nil {
					return fmt.Errorf("create mute: %w", err)
				}
				if err := s.setTaskStatus(ctx, taskID, models.TaskMuted); err != nil {
					return err
				}
				res.Mutes = append(res.Mutes, m)
			}
			var err error
			res.Cancelled, err = s.cancel(ctx, notificationID)
			return err
		})
		if err != nil {
			return nil, err
		}

	case ActionOpenMap:
		// Nothing to persist.

	default:
		return nil, fmt.Errorf("%w: %s", models.ErrInvalidAction, kind)
	}

	s.logger.Info("Notification action handled",
		"notification_id", notificationID,
		"user_id", userID,
		"action", kind.String(),
	)
	return res, nil
}

func (s *Scheduler) setTaskStatus(ctx context.Context, taskID string, status models.TaskStatus) error {
	err := s.store.UpdateTaskStatus(ctx, taskID, status)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", models.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return fmt.Errorf("update task %s: %w", taskID, err)
	}
	return nil
}

// snooze defers a notification until the given time. Open notifications are
// snoozed in place, replacing any active snooze. A delivered notification
// is copied into a new snoozed record so its history stays intact.
func (s *Scheduler) snooze(ctx context.Context, rec *models.NotificationRecord, until time.Time) (*models.Snooze, error) {
	now := s.clock.Now()
	switch {
	case rec.Status == models.NotificationDelivered:
		dup := &models.NotificationRecord{
			ID:           uuid.NewString(),
			UserID:       rec.UserID,
			EventIDs:     slices.Clone(rec.EventIDs),
			TaskIDs:      slices.Clone(rec.TaskIDs),
			Title:        rec.Title,
			Body:         rec.Body,
			Data:         rec.Data,
			Status:       models.NotificationSnoozed,
			ScheduledFor: until,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.store.CreateNotification(ctx, dup); err != nil {
			return nil, fmt.Errorf("create snoozed notification: %w", err)
		}
		return s.createSnooze(ctx, dup, until, now)

	case rec.Status.Open():
		var sn *models.Snooze
		err := s.withLease(ctx, rec.ID, func() error {
			cur, err := s.load(ctx, rec.ID)
			if err != nil {
				return err
			}
			if !cur.Status.Open() {
				return fmt.Errorf("%w: notification is %s", models.ErrInvalidAction, cur.Status)
			}
			if err := s.cancelSnooze(ctx, cur.ID); err != nil {
				return err
			}
			cur.Status = models.NotificationSnoozed
			cur.ScheduledFor = until
			cur.UpdatedAt = now
			if err := s.store.UpdateNotification(ctx, cur); err != nil {
				return fmt.Errorf("snooze notification: %w", err)
			}
			sn, err = s.createSnooze(ctx, cur, until, now)
			return err
		})
		return sn, err
	}
	return nil, fmt.Errorf("%w: notification is %s", models.ErrInvalidAction, rec.Status)
}

func (s *Scheduler) createSnooze(ctx context.Context, rec *models.NotificationRecord, until, now time.Time) (*models.Snooze, error) {
	sn := &models.Snooze{
		ID:             uuid.NewString(),
		NotificationID: rec.ID,
		UserID:         rec.UserID,
		Duration:       until.Sub(now),
		ExpiresAt:      until,
		Status:         models.SuppressionActive,
		CreatedAt:      now,
	}
	if err := s.store.CreateSnooze(ctx, sn); err != nil {
		return nil, fmt.Errorf("create snooze: %w", err)
	}
	return sn, nil
}

// --------------------------------------------------------------------------
// Expiry
// --------------------------------------------------------------------------

// ExpireSnoozes ends every snooze whose time has come and makes its
// notification pending and due now. It returns how many snoozes expired.
func (s *Scheduler) ExpireSnoozes(ctx context.Context) (int, error) {
	now := s.clock.Now()
	expired, err := s.store.FindExpiredSnoozes(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("find expired snoozes: %w", err)
	}

	n := 0
	var errs []error
	for _, sn := range expired {
		err := s.withLease(ctx, sn.NotificationID, func() error {
			rec, err := s.load(ctx, sn.NotificationID)
			if err != nil && !errors.Is(err, models.ErrNotificationNotFound) {
				return err
			}
			if rec != nil && rec.Status == models.NotificationSnoozed {
				rec.Status = models.NotificationPending
				rec.ScheduledFor = now
				rec.UpdatedAt = now
				if err := s.store.UpdateNotification(ctx, rec); err != nil {
					return fmt.Errorf("resume notification: %w", err)
				}
			}
			sn.Status = models.SuppressionExpired
			return s.store.UpdateSnooze(ctx, &sn)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("snooze %s: %w", sn.ID, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// ExpireMutes ends every mute whose time has come and reactivates its task
// if it is still muted. It returns how many mutes expired.
func (s *Scheduler) ExpireMutes(ctx context.Context) (int, error) {
	expired, err := s.store.FindExpiredMutes(ctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("find expired mutes: %w", err)
	}

	n := 0
	var errs []error
	for _, m := range expired {
		task, err := s.store.GetTask(ctx, m.TaskID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			errs = append(errs, fmt.Errorf("mute %s: %w", m.ID, err))
			continue
		case task.Status == models.TaskMuted:
			if err := s.setTaskStatus(ctx, m.TaskID, models.TaskActive); err != nil {
				errs = append(errs, fmt.Errorf("mute %s: %w", m.ID, err))
				continue
			}
		}
		m.Status = models.SuppressionExpired
		if err := s.store.UpdateMute(ctx, &m); err != nil {
			errs = append(errs, fmt.Errorf("mute %s: %w", m.ID, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// SuppressionCounts reports active snoozes and mutes.
func (s *Scheduler) SuppressionCounts(ctx context.Context) (snoozes, mutes int, err error) {
	snoozes, serr := s.store.CountActiveSnoozes(ctx)
	mutes, merr := s.store.CountActiveMutes(ctx)
	return snoozes, mutes, errors.Join(serr, merr)
}
