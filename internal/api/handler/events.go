package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/albapepper/geonotify/internal/api/respond"
	"github.com/albapepper/geonotify/internal/models"
	"github.com/albapepper/geonotify/internal/queue"
)

const maxBatchEvents = 500

// EventBatch is the body of the batch and sync endpoints.
type EventBatch struct {
	Events []models.RawEvent `json:"events"`
}

// EnqueuedResponse acknowledges a queued event.
type EnqueuedResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// BatchResponse lists queued item ids and the per-event rejections.
type BatchResponse struct {
	IDs      []string `json:"ids"`
	Rejected []string `json:"rejected,omitempty"`
}

// EnqueueEvent queues one raw event.
// @Summary Enqueue a geofence event
// @Description Stores the event in the retry queue and starts processing it in the background.
// @Tags events
// @Accept json
// @Produce json
// @Param event body models.RawEvent true "Raw event"
// @Success 202 {object} EnqueuedResponse
// @Failure 400 {object} respond.ErrorResponse
// @Failure 422 {object} respond.ErrorResponse
// @Router /events [post]
func (h *Handler) EnqueueEvent(w http.ResponseWriter, r *http.Request) {
	var raw models.RawEvent
	if err := respond.DecodeJSON(w, r, &raw); err != nil {
		writeBadBody(w, err)
		return
	}
	id, err := h.Pipeline.EnqueueEvent(r.Context(), raw)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respond.WriteJSONObject(w, http.StatusAccepted, EnqueuedResponse{ID: id, Status: "queued"})
}

// EnqueueBatch queues several raw events.
// @Summary Enqueue a batch of geofence events
// @Description Queues every valid event; invalid events are listed in rejected.
// @Tags events
// @Accept json
// @Produce json
// @Param batch body EventBatch true "Events"
// @Success 202 {object} BatchResponse
// @Failure 400 {object} respond.ErrorResponse
// @Router /events/batch [post]
func (h *Handler) EnqueueBatch(w http.ResponseWriter, r *http.Request) {
	batch, ok := decodeBatch(w, r)
	if !ok {
		return
	}
	ids, err := h.Pipeline.EnqueueBatchEvents(r.Context(), batch.Events)
	if errors.Is(err, queue.ErrClosed) {
		h.writeServiceError(w, r, err)
		return
	}
	resp := BatchResponse{IDs: ids}
	if err != nil {
		resp.Rejected = splitErrors(err)
	}
	respond.WriteJSONObject(w, http.StatusAccepted, resp)
}

// ProcessEvent runs one event through the pipeline synchronously.
// @Summary Process a geofence event now
// @Description Bypasses the queue and returns the processing decision.
// @Tags events
// @Accept json
// @Produce json
// @Param event body models.RawEvent true "Raw event"
// @Success 200 {object} processor.Decision
// @Failure 400 {object} respond.ErrorResponse
// @Failure 409 {object} respond.ErrorResponse
// @Failure 422 {object} respond.ErrorResponse
// @Router /events/process [post]
func (h *Handler) ProcessEvent(w http.ResponseWriter, r *http.Request) {
	var raw models.RawEvent
	if err := respond.DecodeJSON(w, r, &raw); err != nil {
		writeBadBody(w, err)
		return
	}
	d, err := h.Pipeline.ProcessEvent(r.Context(), raw)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, d)
}

// SyncOfflineEvents flushes a reconnecting client's backlog.
// @Summary Sync offline events
// @Description Skips events already persisted in an earlier session, processes the rest, and queues transient failures for retry.
// @Tags events
// @Accept json
// @Produce json
// @Param userID path string true "User ID"
// @Param batch body EventBatch true "Backlog"
// @Success 200 {object} queue.SyncResult
// @Failure 400 {object} respond.ErrorResponse
// @Router /users/{userID}/events/sync [post]
func (h *Handler) SyncOfflineEvents(w http.ResponseWriter, r *http.Request) {
	batch, ok := decodeBatch(w, r)
	if !ok {
		return
	}
	res, err := h.Pipeline.SyncOfflineEvents(r.Context(), chi.URLParam(r, "userID"), batch.Events)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, res)
}

func decodeBatch(w http.ResponseWriter, r *http.Request) (EventBatch, bool) {
	var batch EventBatch
	if err := respond.DecodeJSON(w, r, &batch); err != nil {
		writeBadBody(w, err)
		return batch, false
	}
	if len(batch.Events) == 0 {
		respond.WriteError(w, http.StatusBadRequest, "EMPTY_BATCH", "events must not be empty")
		return batch, false
	}
	if len(batch.Events) > maxBatchEvents {
		respond.WriteError(w, http.StatusRequestEntityTooLarge, "BATCH_TOO_LARGE", "too many events in one request")
		return batch, false
	}
	return batch, true
}

// splitErrors flattens an errors.Join result into messages.
func splitErrors(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}
