package handler

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/albapepper/geonotify/internal/api/respond"
	"github.com/albapepper/geonotify/internal/models"
	"github.com/albapepper/geonotify/internal/notifications"
)

// ActionRequest is the body of the notification action endpoint.
type ActionRequest struct {
	Action string `json:"action"`
	UserID string `json:"user_id"`
}

// ScheduleNotification schedules an ad hoc notification.
// @Summary Schedule a notification
// @Description Persists the notification; it is deferred inside quiet hours or focus mode and delivered immediately otherwise.
// @Tags notifications
// @Accept json
// @Produce json
// @Param item body notifications.Item true "Notification"
// @Success 201 {object} models.NotificationRecord
// @Failure 400 {object} respond.ErrorResponse
// @Failure 422 {object} respond.ErrorResponse
// @Router /notifications [post]
func (h *Handler) ScheduleNotification(w http.ResponseWriter, r *http.Request) {
	var item notifications.Item
	if err := respond.DecodeJSON(w, r, &item); err != nil {
		writeBadBody(w, err)
		return
	}
	rec, err := h.Pipeline.ScheduleNotification(r.Context(), item)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respond.WriteJSONObject(w, http.StatusCreated, rec)
}

// CancelNotification cancels an open notification.
// @Summary Cancel a notification
// @Description Cancels a pending or snoozed notification and its active snooze. cancelled is false when it was already closed.
// @Tags notifications
// @Produce json
// @Param id path string true "Notification ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} respond.ErrorResponse
// @Failure 409 {object} respond.ErrorResponse
// @Router /notifications/{id} [delete]
func (h *Handler) CancelNotification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := h.Pipeline.CancelNotification(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{"id": id, "cancelled": ok})
}

// HandleAction applies a user's response to a notification.
// @Summary Handle a notification action
// @Description complete, snooze_15m, snooze_1h, snooze_tomorrow, mute, or open_map.
// @Tags notifications
// @Accept json
// @Produce json
// @Param id path string true "Notification ID"
// @Param action body ActionRequest true "Action"
// @Success 200 {object} notifications.ActionResult
// @Failure 400 {object} respond.ErrorResponse
// @Failure 404 {object} respond.ErrorResponse
// @Failure 422 {object} respond.ErrorResponse
// @Router /notifications/{id}/actions [post]
func (h *Handler) HandleAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := respond.DecodeJSON(w, r, &req); err != nil {
		writeBadBody(w, err)
		return
	}
	if req.UserID == "" {
		h.writeServiceError(w, r, fmt.Errorf("%w: user_id is required", models.ErrInvalidAction))
		return
	}
	kind, err := notifications.ParseAction(req.Action)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	res, err := h.Pipeline.HandleNotificationAction(r.Context(), chi.URLParam(r, "id"), kind, req.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, res)
}
