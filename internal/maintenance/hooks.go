package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/albapepper/geonotify/internal/models"
)

const stalePendingBatch = 500

// cleanupHistory deletes terminal history past retention, expired queue
// items and keys, and fails events stuck in pending.
func (l *Loop) cleanupHistory(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	var errs []error
	now := l.clock.Now()
	cutoff := now.Add(-l.cfg.Retention)

	if h := l.deps.History; h != nil {
		n, err := h.DeleteNotificationsBefore(ctx, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge notifications: %w", err))
		}
		counts["notifications"] = n

		n, err = failStalePending(ctx, h, now.Add(-l.cfg.StalePendingAfter))
		if err != nil {
			errs = append(errs, fmt.Errorf("fail stale events: %w", err))
		}
		counts["stale_events"] = n

		n, err = h.DeleteEventsBefore(ctx, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge events: %w", err))
		}
		counts["events"] = n
	}

	if q := l.deps.Queue; q != nil {
		n, err := q.ClearOldFailedEvents(ctx, l.cfg.Retention)
		if err != nil {
			errs = append(errs, fmt.Errorf("clear failed queue items: %w", err))
		}
		counts["queue_items"] = n
	}

	if kv := l.deps.KV; kv != nil {
		n, err := kv.Sweep(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep kv: %w", err))
		}
		counts["kv_keys"] = n
	}

	for name, n := range counts {
		if n > 0 {
			l.logger.Info("Cleanup: purged history", "kind", name, "count", n)
		}
	}
	return counts, errors.Join(errs...)
}

// failStalePending fails events that never left pending, which happens when
// a process dies between persisting an event and classifying it.
func failStalePending(ctx context.Context, h History, before time.Time) (int, error) {
	events, err := h.FindPendingEvents(ctx, stalePendingBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range events {
		ev := &events[i]
		if !ev.CreatedAt.Before(before) {
			continue
		}
		ev.Status = models.EventFailed
		ev.Reason = "abandoned while pending"
		if err := h.UpdateEvent(ctx, ev); err != nil {
			return n, fmt.Errorf("update event %s: %w", ev.ID, err)
		}
		n++
	}
	return n, nil
}
