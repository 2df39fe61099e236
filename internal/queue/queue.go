// Package queue is the durable retry queue in front of the event pipeline.
//
// Every enqueued event is attempted immediately in the background. Failed
// attempts stay in the key-value store with exponential backoff until a
// sweep retries them or they exhaust their attempts. Each attempt holds a
// lease on its item, so an immediate attempt and a sweep never process the
// same item at once.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/albapepper/geonotify/internal/config"
	"github.com/albapepper/geonotify/internal/geo"
	"github.com/albapepper/geonotify/internal/kv"
	"github.com/albapepper/geonotify/internal/models"
	"github.com/albapepper/geonotify/internal/processor"
)

const (
	itemPrefix  = "queue:item:"
	leasePrefix = "queue:lease:"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("queue closed")

// ProcessFunc runs one attempt of the pipeline for a raw event.
type ProcessFunc func(ctx context.Context, raw models.RawEvent) (*processor.Decision, error)

// State is the queue-level state of an item.
type State string

const (
	StatePending State = "pending"
	StateFailed  State = "failed"
)

// Item is a raw event awaiting its first attempt or a retry.
type Item struct {
	ID          string          `json:"id"`
	Raw         models.RawEvent `json:"raw"`
	State       State           `json:"state"`
	Attempts    int             `json:"attempts"`
	NextRetry   time.Time       `json:"next_retry"`
	LastAttempt time.Time       `json:"last_attempt,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// Options tunes retries and concurrency.
type Options struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	Workers        int
	LeaseTTL       time.Duration
	AttemptTimeout time.Duration
}

// OptionsFromConfig maps the QUEUE_* settings.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxAttempts:    cfg.QueueMaxAttempts,
		BaseBackoff:    cfg.QueueBaseBackoff,
		MaxBackoff:     cfg.QueueMaxBackoff,
		Workers:        cfg.QueueWorkers,
		LeaseTTL:       cfg.QueueLeaseTTL,
		AttemptTimeout: cfg.QueueAttemptLimit,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 5
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 30 * time.Second
	}
	if o.MaxBackoff < o.BaseBackoff {
		o.MaxBackoff = max(30*time.Minute, o.BaseBackoff)
	}
	if o.Workers < 1 {
		o.Workers = 1
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 2 * time.Minute
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 30 * time.Second
	}
	return o
}

// RecentEvents is the lookup offline sync uses to spot events that were
// already persisted in an earlier session.
type RecentEvents interface {
	FindRecentEvents(ctx context.Context, userID string, since time.Time) ([]models.GeofenceEvent, error)
}

// DedupThresholds bounds what offline sync treats as the same crossing.
type DedupThresholds struct {
	DistanceMeters float64
	Window         time.Duration
}

// Queue is the retry queue. Safe for concurrent use.
type Queue struct {
	kv      kv.Store
	process ProcessFunc
	recent  RecentEvents
	dedup   DedupThresholds
	opts    Options
	clock   clockwork.Clock
	logger  *slog.Logger

	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a queue over store. recent may be nil, in which case offline
// sync relies on the processor's own dedup only.
func New(store kv.Store, process ProcessFunc, recent RecentEvents, dedup DedupThresholds, opts Options, clock clockwork.Clock, logger *slog.Logger) *Queue {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		kv:      store,
		process: process,
		recent:  recent,
		dedup:   dedup,
		opts:    opts.withDefaults(),
		clock:   clock,
		logger:  logger,
	}
}

// Backoff returns the delay before the retry that follows attempt number
// attempts: base * 2^(attempts-1), capped at the maximum.
func (q *Queue) Backoff(attempts int) time.Duration {
	d := q.opts.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.opts.MaxBackoff {
			return q.opts.MaxBackoff
		}
	}
	return min(d, q.opts.MaxBackoff)
}

// --------------------------------------------------------------------------
// Enqueue
// --------------------------------------------------------------------------

// Enqueue stores raw and starts its first attempt without waiting for it.
// The returned id identifies the queue item.
func (q *Queue) Enqueue(ctx context.Context, raw models.RawEvent) (string, error) {
	if q.closed.Load() {
		return "", ErrClosed
	}
	if err := processor.CheckRaw(raw); err != nil {
		return "", err
	}

	now := q.clock.Now()
	item := &Item{
		ID:         uuid.NewString(),
		Raw:        raw,
		State:      StatePending,
		NextRetry:  now,
		EnqueuedAt: now,
	}
	if err := q.save(ctx, item); err != nil {
		return "", err
	}

	// The attempt outlives the request that enqueued it.
	bg := context.WithoutCancel(ctx)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if _, err := q.attempt(bg, item.ID); err != nil {
			q.logger.Warn("Immediate attempt failed", "item_id", item.ID, "error", err)
		}
	}()
	return item.ID, nil
}

// EnqueueBatch enqueues each event. Invalid events are skipped and reported
// in the joined error; ids holds only the accepted items.
func (q *Queue) EnqueueBatch(ctx context.Context, raws []models.RawEvent) ([]string, error) {
	ids := make([]string, 0, len(raws))
	var errs []error
	for i, raw := range raws {
		id, err := q.Enqueue(ctx, raw)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return ids, err
			}
			errs = append(errs, fmt.Errorf("event %d: %w", i, err))
			continue
		}
		ids = append(ids, id)
	}
	return ids, errors.Join(errs...)
}

// --------------------------------------------------------------------------
// Attempts
// --------------------------------------------------------------------------

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeProcessed
	outcomeRetried
	outcomeFailed
)

// attempt runs one pipeline attempt for the item under its lease.
func (q *Queue) attempt(ctx context.Context, id string) (outcome, error) {
	owner := uuid.NewString()
	ok, err := q.kv.Acquire(ctx, leasePrefix+id, owner, q.opts.LeaseTTL)
	if err != nil {
		return outcomeSkipped, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return outcomeSkipped, nil
	}
	defer func() {
		if err := q.kv.Release(context.WithoutCancel(ctx), leasePrefix+id, owner); err != nil {
			q.logger.Warn("Failed to release queue lease", "item_id", id, "error", err)
		}
	}()

	item, found, err := q.load(ctx, id)
	if err != nil {
		return outcomeSkipped, err
	}
	// Another worker finished or failed it between the scan and the lease.
	if !found || item.State != StatePending || item.NextRetry.After(q.clock.Now()) {
		return outcomeSkipped, nil
	}

	actx, cancel := context.WithTimeout(ctx, q.opts.AttemptTimeout)
	_, perr := q.process(actx, item.Raw)
	cancel()

	if perr == nil {
		if err := q.kv.Delete(ctx, itemPrefix+id); err != nil {
			return outcomeProcessed, fmt.Errorf("remove item: %w", err)
		}
		return outcomeProcessed, nil
	}

	now := q.clock.Now()
	item.Attempts++
	item.LastAttempt = now
	item.LastError = perr.Error()

	result := outcomeRetried
	if models.IsValidation(perr) || item.Attempts >= q.opts.MaxAttempts {
		item.State = StateFailed
		result = outcomeFailed
		q.logger.Warn("Queue item failed permanently",
			"item_id", id,
			"attempts", item.Attempts,
			"error", perr,
		)
	} else {
		item.NextRetry = now.Add(q.Backoff(item.Attempts))
		q.logger.Debug("Queue item scheduled for retry",
			"item_id", id,
			"attempts", item.Attempts,
			"next_retry", item.NextRetry,
		)
	}
	if err := q.save(ctx, item); err != nil {
		return result, err
	}
	return result, nil
}

// --------------------------------------------------------------------------
// Sweep
// --------------------------------------------------------------------------

// Result summarizes one ProcessQueue sweep.
type Result struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
}

// ProcessQueue retries every pending item whose backoff has elapsed, using a
// worker pool. Items leased by another attempt are skipped and not counted.
func (q *Queue) ProcessQueue(ctx context.Context) (Result, error) {
	var result Result

	items, err := q.items(ctx)
	if err != nil {
		return result, err
	}
	now := q.clock.Now()
	due := make([]Item, 0, len(items))
	for _, it := range items {
		if it.State == StatePending && !it.NextRetry.After(now) {
			due = append(due, it)
		}
	}
	if len(due) == 0 {
		return result, nil
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetry.Before(due[j].NextRetry) })

	// Worker pool: one channel of items, N workers
	workers := min(q.opts.Workers, len(due))
	ch := make(chan string, len(due))
	for _, it := range due {
		ch <- it.ID
	}
	close(ch)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range ch {
				if ctx.Err() != nil {
					return
				}
				out, err := q.attempt(ctx, id)
				if err != nil {
					q.logger.Warn("Queue retry error", "item_id", id, "error", err)
				}

				mu.Lock()
				switch out {
				case outcomeProcessed:
					result.Processed++
				case outcomeRetried:
					result.Retried++
				case outcomeFailed:
					result.Failed++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	q.logger.Info("Queue sweep complete",
		"processed", result.Processed,
		"retried", result.Retried,
		"failed", result.Failed,
	)
	return result, ctx.Err()
}

// --------------------------------------------------------------------------
// Offline sync
// --------------------------------------------------------------------------

// SyncResult summarizes an offline backlog flush.
type SyncResult struct {
	Processed  int `json:"processed"`
	Queued     int `json:"queued"`
	Failed     int `json:"failed"`
	Duplicates int `json:"duplicates"`
}

// SyncOfflineEvents handles a backlog flushed by a reconnecting client. Events
// matching an already persisted crossing are skipped; the rest are processed
// now, and transient failures are queued for retry instead of dropped.
func (q *Queue) SyncOfflineEvents(ctx context.Context, userID string, raws []models.RawEvent) (SyncResult, error) {
	var result SyncResult
	if q.closed.Load() {
		return result, ErrClosed
	}

	persisted, err := q.persistedSince(ctx, userID, raws)
	if err != nil {
		return result, err
	}

	for i, raw := range raws {
		if raw.UserID == "" {
			raw.UserID = userID
		}
		if raw.UserID != userID {
			q.logger.Warn("Offline event for another user", "index", i, "user_id", userID, "event_user_id", raw.UserID)
			result.Failed++
			continue
		}
		if err := processor.CheckRaw(raw); err != nil {
			result.Failed++
			continue
		}
		if q.isPersistedDuplicate(raw, persisted) {
			result.Duplicates++
			continue
		}

		d, err := q.process(ctx, raw)
		switch {
		case err == nil && d.Event.Status == models.EventDuplicate:
			result.Duplicates++
		case err == nil:
			result.Processed++
		case models.IsValidation(err):
			result.Failed++
		default:
			if qerr := q.requeue(ctx, raw, err); qerr != nil {
				q.logger.Warn("Failed to queue offline event", "index", i, "error", qerr)
				result.Failed++
				continue
			}
			result.Queued++
		}
	}

	q.logger.Info("Offline sync complete",
		"user_id", userID,
		"processed", result.Processed,
		"queued", result.Queued,
		"failed", result.Failed,
		"duplicates", result.Duplicates,
	)
	return result, nil
}

// persistedSince loads the user's events reaching back one dedup window
// before the oldest event in the backlog.
func (q *Queue) persistedSince(ctx context.Context, userID string, raws []models.RawEvent) ([]models.GeofenceEvent, error) {
	if q.recent == nil || len(raws) == 0 {
		return nil, nil
	}
	oldest := q.clock.Now()
	for _, raw := range raws {
		if !raw.OccurredAt.IsZero() && raw.OccurredAt.Before(oldest) {
			oldest = raw.OccurredAt
		}
	}
	events, err := q.recent.FindRecentEvents(ctx, userID, oldest.Add(-q.dedup.Window))
	if err != nil {
		return nil, fmt.Errorf("load persisted events: %w", err)
	}
	return events, nil
}

func (q *Queue) isPersistedDuplicate(raw models.RawEvent, persisted []models.GeofenceEvent) bool {
	occurred := raw.OccurredAt
	if occurred.IsZero() {
		occurred = q.clock.Now()
	}
	for _, e := range persisted {
		if e.Status == models.EventFailed || e.Status == models.EventFiltered {
			continue
		}
		gap := occurred.Sub(e.OccurredAt)
		if gap < 0 {
			gap = -gap
		}
		if gap <= q.dedup.Window && geo.Within(e.Location, raw.Location, q.dedup.DistanceMeters) {
			return true
		}
	}
	return false
}

// requeue stores a raw event whose first attempt already failed.
func (q *Queue) requeue(ctx context.Context, raw models.RawEvent, cause error) error {
	now := q.clock.Now()
	item := &Item{
		ID:          uuid.NewString(),
		Raw:         raw,
		State:       StatePending,
		Attempts:    1,
		LastAttempt: now,
		LastError:   cause.Error(),
		NextRetry:   now.Add(q.Backoff(1)),
		EnqueuedAt:  now,
	}
	if item.Attempts >= q.opts.MaxAttempts {
		item.State = StateFailed
	}
	return q.save(ctx, item)
}

// --------------------------------------------------------------------------
// Housekeeping
// --------------------------------------------------------------------------

// ClearOldFailedEvents deletes failed items whose last attempt is older than
// olderThan. It returns how many were removed.
func (q *Queue) ClearOldFailedEvents(ctx context.Context, olderThan time.Duration) (int, error) {
	items, err := q.items(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := q.clock.Now().Add(-olderThan)
	removed := 0
	for _, it := range items {
		if it.State != StateFailed || it.LastAttempt.After(cutoff) {
			continue
		}
		if err := q.kv.Delete(ctx, itemPrefix+it.ID); err != nil {
			return removed, fmt.Errorf("delete failed item: %w", err)
		}
		removed++
	}
	if removed > 0 {
		q.logger.Info("Cleared failed queue items", "count", removed)
	}
	return removed, nil
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Pending      int `json:"pending"`
	Processing   int `json:"processing"`
	Failed       int `json:"failed"`
	TotalRetries int `json:"total_retries"`
}

// Stats counts items by state. Leased pending items count as processing.
// TotalRetries sums the failed attempts recorded on queued items.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	items, err := q.items(ctx)
	if err != nil {
		return s, err
	}
	leases, err := q.kv.Scan(ctx, leasePrefix)
	if err != nil {
		return s, fmt.Errorf("scan leases: %w", err)
	}
	for _, it := range items {
		s.TotalRetries += it.Attempts
		switch {
		case it.State == StateFailed:
			s.Failed++
		case leases[leasePrefix+it.ID] != nil:
			s.Processing++
		default:
			s.Pending++
		}
	}
	return s, nil
}

// FailedItems returns items excluded from automatic retries, oldest first.
func (q *Queue) FailedItems(ctx context.Context) ([]Item, error) {
	items, err := q.items(ctx)
	if err != nil {
		return nil, err
	}
	var out []Item
	for _, it := range items {
		if it.State == StateFailed {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAttempt.Before(out[j].LastAttempt) })
	return out, nil
}

// Close rejects new work and waits for background attempts to finish.
func (q *Queue) Close() {
	q.closed.Store(true)
	q.wg.Wait()
}

// --------------------------------------------------------------------------
// Storage helpers
// --------------------------------------------------------------------------

func (q *Queue) save(ctx context.Context, item *Item) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode queue item: %w", err)
	}
	if err := q.kv.Set(ctx, itemPrefix+item.ID, raw, 0); err != nil {
		return fmt.Errorf("store queue item: %w", err)
	}
	return nil
}

func (q *Queue) load(ctx context.Context, id string) (*Item, bool, error) {
	raw, ok, err := q.kv.Get(ctx, itemPrefix+id)
	if err != nil {
		return nil, false, fmt.Errorf("load queue item: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, false, fmt.Errorf("decode queue item %s: %w", id, err)
	}
	return &item, true, nil
}

func (q *Queue) items(ctx context.Context) ([]Item, error) {
	raw, err := q.kv.Scan(ctx, itemPrefix)
	if err != nil {
		return nil, fmt.Errorf("scan queue: %w", err)
	}
	out := make([]Item, 0, len(raw))
	for key, val := range raw {
		var item Item
		if err := json.Unmarshal(val, &item); err != nil {
			q.logger.Warn("Skipping undecodable queue item", "key", strings.TrimPrefix(key, itemPrefix), "error", err)
			continue
		}
		out = append(out, item)
	}
	return out, nil
}
