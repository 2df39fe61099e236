// Package handler provides HTTP handlers for all API endpoints.
// Handlers call the pipeline facade directly; there is no service layer
// between them and the queue, processor, and scheduler.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/albapepper/geonotify/internal/api/respond"
	"github.com/albapepper/geonotify/internal/maintenance"
	"github.com/albapepper/geonotify/internal/models"
	"github.com/albapepper/geonotify/internal/notifications"
	"github.com/albapepper/geonotify/internal/processor"
	"github.com/albapepper/geonotify/internal/queue"
)

// Pipeline is the facade the event and notification endpoints call.
type Pipeline interface {
	EnqueueEvent(ctx context.Context, raw models.RawEvent) (string, error)
	EnqueueBatchEvents(ctx context.Context, raws []models.RawEvent) ([]string, error)
	ProcessEvent(ctx context.Context, raw models.RawEvent) (*processor.Decision, error)
	SyncOfflineEvents(ctx context.Context, userID string, raws []models.RawEvent) (queue.SyncResult, error)
	ScheduleNotification(ctx context.Context, item notifications.Item) (*models.NotificationRecord, error)
	HandleNotificationAction(ctx context.Context, notificationID string, kind notifications.ActionKind, userID string) (*notifications.ActionResult, error)
	CancelNotification(ctx context.Context, id string) (bool, error)
}

// QueueInspector exposes retry queue state to the admin endpoints.
type QueueInspector interface {
	Stats(ctx context.Context) (queue.Stats, error)
	FailedItems(ctx context.Context) ([]queue.Item, error)
}

// SchedulerInspector exposes scheduler counts to the admin endpoints.
type SchedulerInspector interface {
	Stats(ctx context.Context) (notifications.Stats, error)
}

// Maintenance is the background loop as seen by the admin endpoints.
type Maintenance interface {
	Status() maintenance.Status
	Stats(ctx context.Context) maintenance.Stats
	ForceRun(ctx context.Context) maintenance.RunReport
}

// Deps are the handler's collaborators. DBHealth and KVStats may be nil.
type Deps struct {
	Pipeline    Pipeline
	Queue       QueueInspector
	Scheduler   SchedulerInspector
	Maintenance Maintenance
	DBHealth    func(ctx context.Context) error
	KVStats     func(ctx context.Context) (map[string]interface{}, error)
	Logger      *slog.Logger
}

// Handler holds shared dependencies for all endpoint handlers.
type Handler struct {
	Deps

	// maintenanceRunning guards against stacking forced passes.
	maintenanceRunning atomic.Bool
	wg                 sync.WaitGroup
}

// New creates a Handler with shared dependencies.
func New(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Handler{Deps: deps}
}

// Wait blocks until background work started by handlers has finished.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Root serves API info at /.
// @Summary API root info
// @Description Returns API name, version, and status.
// @Tags meta
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router / [get]
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"name":    "Geonotify API",
		"version": "1.0.0",
		"status":  "running",
		"docs":    "/docs",
	})
}

// HealthCheck returns basic health status.
// @Summary Health check
// @Description Returns basic health status and timestamp.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HealthCheckDB verifies database connectivity.
// @Summary Database health check
// @Description Verifies Postgres connectivity. Reports "memory" when running on the in-memory store.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /health/db [get]
func (h *Handler) HealthCheckDB(w http.ResponseWriter, r *http.Request) {
	if h.DBHealth == nil {
		respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
			"status":    "healthy",
			"database":  "memory",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	if err := h.DBHealth(r.Context()); err != nil {
		h.Logger.Warn("Database health check failed", "error", err)
		respond.WriteJSONObject(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "unhealthy",
			"database":  "disconnected",
			"error":     "Database connection check failed",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"database":  "connected",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HealthCheckKV returns key-value store statistics.
// @Summary Queue store health check
// @Description Returns key counts of the store backing the retry queue and leases.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /health/kv [get]
func (h *Handler) HealthCheckKV(w http.ResponseWriter, r *http.Request) {
	if h.KVStats == nil {
		respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{"status": "healthy"})
		return
	}
	stats, err := h.KVStats(r.Context())
	if err != nil {
		h.Logger.Warn("KV health check failed", "error", err)
		respond.WriteJSONObject(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"error":  "Queue store check failed",
		})
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"kv":        stats,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// --------------------------------------------------------------------------
// Error mapping
// --------------------------------------------------------------------------

// writeServiceError maps pipeline errors to HTTP responses. Validation
// errors are the caller's fault and carry their stable code.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrNotificationNotFound):
		respond.WriteErrorDetail(w, http.StatusNotFound, models.ValidationCode(err), "Notification not found", err.Error())
	case models.IsValidation(err):
		respond.WriteErrorDetail(w, http.StatusUnprocessableEntity, models.ValidationCode(err), "Request rejected", err.Error())
	case errors.Is(err, notifications.ErrNotificationBusy):
		w.Header().Set("Retry-After", "5")
		respond.WriteError(w, http.StatusConflict, "NOTIFICATION_BUSY", "Notification is being processed, retry shortly")
	case errors.Is(err, processor.ErrUserBusy):
		w.Header().Set("Retry-After", "5")
		respond.WriteError(w, http.StatusConflict, "EVENT_BUSY", "Events for this user are being processed, retry shortly")
	case errors.Is(err, queue.ErrClosed):
		respond.WriteError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "Server is shutting down")
	default:
		h.Logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}

func writeBadBody(w http.ResponseWriter, err error) {
	respond.WriteErrorDetail(w, http.StatusBadRequest, "INVALID_BODY", "Request body is not valid JSON for this endpoint", err.Error())
}
