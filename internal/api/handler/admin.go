package handler

import (
	"context"
	"net/http"

	"github.com/albapepper/geonotify/internal/api/respond"
)

// QueueStats reports retry queue counts and the failed items.
// @Summary Retry queue stats
// @Tags admin
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /admin/queue [get]
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Queue.Stats(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	failed, err := h.Queue.FailedItems(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"stats":  stats,
		"failed": failed,
	})
}

// SchedulerStats reports notification counts by status.
// @Summary Notification scheduler stats
// @Tags admin
// @Produce json
// @Success 200 {object} notifications.Stats
// @Router /admin/scheduler [get]
func (h *Handler) SchedulerStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Scheduler.Stats(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, stats)
}

// MaintenanceStatus reports the background loop's state and counts.
// @Summary Maintenance loop status
// @Tags admin
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /admin/maintenance [get]
func (h *Handler) MaintenanceStatus(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"status": h.Maintenance.Status(),
		"stats":  h.Maintenance.Stats(r.Context()),
	})
}

// RunMaintenance triggers one maintenance pass in the background. The pass
// never runs on the request goroutine; poll /admin/maintenance for its
// report.
// @Summary Trigger a maintenance pass
// @Tags admin
// @Produce json
// @Success 202 {object} map[string]interface{}
// @Failure 409 {object} respond.ErrorResponse
// @Router /admin/maintenance/run [post]
func (h *Handler) RunMaintenance(w http.ResponseWriter, r *http.Request) {
	if !h.maintenanceRunning.CompareAndSwap(false, true) {
		respond.WriteError(w, http.StatusConflict, "MAINTENANCE_RUNNING", "A forced maintenance pass is already running")
		return
	}

	ctx := context.WithoutCancel(r.Context())
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.maintenanceRunning.Store(false)
		report := h.Maintenance.ForceRun(ctx)
		h.Logger.Info("Forced maintenance pass finished", "stages", len(report.Stages), "duration", report.Duration)
	}()

	respond.WriteJSONObject(w, http.StatusAccepted, map[string]interface{}{"status": "started"})
}
