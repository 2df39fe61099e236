// Package maintenance runs the periodic background pass that keeps the
// pipeline moving: snooze and mute expiry, queue retries, the scheduler's
// pending sweep, and history cleanup. All timing goes through a clockwork
// clock so tests can drive ticks.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/albapepper/geonotify/internal/config"
	"github.com/albapepper/geonotify/internal/models"
	"github.com/albapepper/geonotify/internal/notifications"
	"github.com/albapepper/geonotify/internal/queue"
)

// Config controls the loop. Disabled stages are skipped on every pass.
type Config struct {
	Interval    time.Duration
	TickTimeout time.Duration

	SnoozeExpiry   bool
	MuteExpiry     bool
	Retries        bool
	PendingSweep   bool
	HistoryCleanup bool

	Retention         time.Duration // terminal history older than this is deleted
	StalePendingAfter time.Duration // pending events older than this are failed
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:          5 * time.Minute,
		TickTimeout:       2 * time.Minute,
		SnoozeExpiry:      true,
		MuteExpiry:        true,
		Retries:           true,
		PendingSweep:      true,
		HistoryCleanup:    true,
		Retention:         30 * 24 * time.Hour,
		StalePendingAfter: time.Hour,
	}
}

// ConfigFrom maps the MAINTENANCE_* settings.
func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	c.Interval = cfg.MaintenanceInterval
	c.TickTimeout = cfg.MaintenanceTickTimeout
	c.SnoozeExpiry = cfg.SnoozeExpiryEnabled
	c.MuteExpiry = cfg.MuteExpiryEnabled
	c.Retries = cfg.RetryEnabled
	c.PendingSweep = cfg.PendingSweepEnabled
	c.HistoryCleanup = cfg.HistoryCleanupEnabled
	c.Retention = cfg.HistoryRetention
	return c
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = d.TickTimeout
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.StalePendingAfter <= 0 {
		c.StalePendingAfter = d.StalePendingAfter
	}
	return c
}

// --------------------------------------------------------------------------
// Collaborators
// --------------------------------------------------------------------------

// Scheduler is the notification side of a pass.
type Scheduler interface {
	ExpireSnoozes(ctx context.Context) (int, error)
	ExpireMutes(ctx context.Context) (int, error)
	ProcessPending(ctx context.Context) (notifications.Result, error)
	Stats(ctx context.Context) (notifications.Stats, error)
	SuppressionCounts(ctx context.Context) (snoozes, mutes int, err error)
}

// Queue is the event retry side of a pass.
type Queue interface {
	ProcessQueue(ctx context.Context) (queue.Result, error)
	ClearOldFailedEvents(ctx context.Context, olderThan time.Duration) (int, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// History is the persistence history cleanup works on.
type History interface {
	DeleteNotificationsBefore(ctx context.Context, cutoff time.Time) (int, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error)
	FindPendingEvents(ctx context.Context, limit int) ([]models.GeofenceEvent, error)
	UpdateEvent(ctx context.Context, e *models.GeofenceEvent) error
}

// Sweeper drops expired keys from the key-value store.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Deps are the loop's collaborators. A nil dependency skips its stages.
type Deps struct {
	Scheduler Scheduler
	Queue     Queue
	History   History
	KV        Sweeper
}

// --------------------------------------------------------------------------
// Reports
// --------------------------------------------------------------------------

// StageReport is the outcome of one stage of a pass.
type StageReport struct {
	Name     string         `json:"name"`
	Counts   map[string]int `json:"counts,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// RunReport is the outcome of one pass.
type RunReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Stages    []StageReport `json:"stages"`
}

// Stage returns the named stage report, if it ran.
func (r RunReport) Stage(name string) (StageReport, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageReport{}, false
}

// Status is the loop's scheduling state.
type Status struct {
	Running  bool          `json:"running"`
	Interval time.Duration `json:"interval"`
	NextRun  *time.Time    `json:"next_run,omitempty"`
	LastRun  *RunReport    `json:"last_run,omitempty"`
}

// Stats aggregates the counts of the swept subsystems. A count whose query
// failed is reported as zero.
type Stats struct {
	ActiveSnoozes int                 `json:"active_snoozes"`
	ActiveMutes   int                 `json:"active_mutes"`
	Notifications notifications.Stats `json:"notifications"`
	Queue         queue.Stats         `json:"queue"`
}

// Stage names.
const (
	StageSnoozeExpiry   = "snooze_expiry"
	StageMuteExpiry     = "mute_expiry"
	StageRetries        = "retries"
	StagePendingSweep   = "pending_sweep"
	StageHistoryCleanup = "history_cleanup"
)

// --------------------------------------------------------------------------
// Loop
// --------------------------------------------------------------------------

// Loop is the background maintenance orchestrator.
type Loop struct {
	deps   Deps
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	nextRun time.Time
	last    *RunReport

	// passMu serializes timer ticks and ForceRun.
	passMu sync.Mutex
}

// New creates a stopped Loop.
func New(deps Deps, cfg Config, clock clockwork.Clock, logger *slog.Logger) *Loop {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{deps: deps, cfg: cfg.withDefaults(), clock: clock, logger: logger}
}

// Start begins ticking. It is a no-op when the loop is already running.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		l.logger.Info("Maintenance loop already running")
		return
	}
	l.running = true
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	l.nextRun = l.clock.Now().Add(l.cfg.Interval)

	ticker := l.clock.NewTicker(l.cfg.Interval)
	go l.run(ticker, l.stop, l.done)

	l.logger.Info("Maintenance loop started",
		"interval", l.cfg.Interval,
		"tick_timeout", l.cfg.TickTimeout)
}

// Stop halts ticking and waits for an in-flight pass to finish. It is a
// no-op when the loop is not running.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		l.logger.Info("Maintenance loop not running")
		return
	}
	l.running = false
	close(l.stop)
	done := l.done
	l.mu.Unlock()

	<-done
	l.logger.Info("Maintenance loop stopped")
}

func (l *Loop) run(ticker clockwork.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			l.mu.Lock()
			l.nextRun = l.clock.Now().Add(l.cfg.Interval)
			l.mu.Unlock()
			l.pass(context.Background())
		}
	}
}

// ForceRun performs one pass now, outside the timer. It waits for any
// in-flight timer pass first.
func (l *Loop) ForceRun(ctx context.Context) RunReport {
	return l.pass(ctx)
}

// Status reports whether the loop is running and when it next fires.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{Running: l.running, Interval: l.cfg.Interval, LastRun: l.last}
	if l.running {
		next := l.nextRun
		st.NextRun = &next
	}
	return st
}

// Stats collects subsystem counts, zeroing any that cannot be read.
func (l *Loop) Stats(ctx context.Context) Stats {
	var st Stats
	if s := l.deps.Scheduler; s != nil {
		if snoozes, mutes, err := s.SuppressionCounts(ctx); err != nil {
			l.logger.Warn("Maintenance stats: suppression counts failed", "error", err)
		} else {
			st.ActiveSnoozes, st.ActiveMutes = snoozes, mutes
		}
		if ns, err := s.Stats(ctx); err != nil {
			l.logger.Warn("Maintenance stats: scheduler stats failed", "error", err)
		} else {
			st.Notifications = ns
		}
	}
	if q := l.deps.Queue; q != nil {
		if qs, err := q.Stats(ctx); err != nil {
			l.logger.Warn("Maintenance stats: queue stats failed", "error", err)
		} else {
			st.Queue = qs
		}
	}
	return st
}

// --------------------------------------------------------------------------
// Pass
// --------------------------------------------------------------------------

func (l *Loop) pass(parent context.Context) RunReport {
	l.passMu.Lock()
	defer l.passMu.Unlock()

	ctx, cancel := context.WithTimeout(parent, l.cfg.TickTimeout)
	defer cancel()

	start := l.clock.Now()
	report := RunReport{StartedAt: start}

	if l.cfg.SnoozeExpiry && l.deps.Scheduler != nil {
		report.Stages = append(report.Stages, l.stage(ctx, StageSnoozeExpiry, func(ctx context.Context) (map[string]int, error) {
			n, err := l.deps.Scheduler.ExpireSnoozes(ctx)
			return map[string]int{"expired": n}, err
		}))
	}
	if l.cfg.MuteExpiry && l.deps.Scheduler != nil {
		report.Stages = append(report.Stages, l.stage(ctx, StageMuteExpiry, func(ctx context.Context) (map[string]int, error) {
			n, err := l.deps.Scheduler.ExpireMutes(ctx)
			return map[string]int{"expired": n}, err
		}))
	}
	if l.cfg.Retries && l.deps.Queue != nil {
		report.Stages = append(report.Stages, l.stage(ctx, StageRetries, func(ctx context.Context) (map[string]int, error) {
			r, err := l.deps.Queue.ProcessQueue(ctx)
			return map[string]int{"processed": r.Processed, "retried": r.Retried, "failed": r.Failed}, err
		}))
	}
	if l.cfg.PendingSweep && l.deps.Scheduler != nil {
		report.Stages = append(report.Stages, l.stage(ctx, StagePendingSweep, func(ctx context.Context) (map[string]int, error) {
			r, err := l.deps.Scheduler.ProcessPending(ctx)
			return map[string]int{
				"processed":   r.Processed,
				"delivered":   r.Delivered,
				"failed":      r.Failed,
				"rescheduled": r.Rescheduled,
				"cancelled":   r.Cancelled,
			}, err
		}))
	}
	if l.cfg.HistoryCleanup {
		report.Stages = append(report.Stages, l.stage(ctx, StageHistoryCleanup, l.cleanupHistory))
	}

	report.Duration = l.clock.Since(start)

	l.mu.Lock()
	l.last = &report
	l.mu.Unlock()

	l.logger.Info("Maintenance pass complete", "stages", len(report.Stages), "duration", report.Duration)
	return report
}

// stage runs fn, recovering panics so one stage can never stop the rest.
func (l *Loop) stage(ctx context.Context, name string, fn func(context.Context) (map[string]int, error)) (sr StageReport) {
	sr.Name = name
	start := l.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			sr.Error = fmt.Sprintf("panic: %v", r)
			l.logger.Warn("Maintenance stage panicked", "stage", name, "panic", r)
		}
		sr.Duration = l.clock.Since(start).Round(time.Millisecond)
	}()

	counts, err := fn(ctx)
	sr.Counts = counts
	if err != nil {
		sr.Error = err.Error()
		l.logger.Warn("Maintenance stage failed", "stage", name, "error", err)
		return sr
	}
	l.logger.Debug("Maintenance stage complete", "stage", name, "counts", counts)
	return sr
}
