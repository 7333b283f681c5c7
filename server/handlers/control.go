package handlers

import (
	"log/slog"
	"net/http"

	"github.com/nomis52/provision/server/types"
)

// RetryHandler handles POST /api/workflows/{id}/retry.
type RetryHandler struct {
	logger     *slog.Logger
	controller Controller
}

// NewRetryHandler creates a new RetryHandler.
func NewRetryHandler(logger *slog.Logger, controller Controller) *RetryHandler {
	return &RetryHandler{logger: logger, controller: controller}
}

// ServeHTTP implements http.Handler. The new instance's id is returned with 201.
func (h *RetryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := h.controller.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.Header().Set("Location", "/api/workflows/"+id)
	WriteJSON(w, http.StatusCreated, types.InstanceRef{ID: id})
}

// CancelHandler handles POST /api/workflows/{id}/cancel.
type CancelHandler struct {
	logger     *slog.Logger
	controller Controller
}

// NewCancelHandler creates a new CancelHandler.
func NewCancelHandler(logger *slog.Logger, controller Controller) *CancelHandler {
	return &CancelHandler{logger: logger, controller: controller}
}

// ServeHTTP implements http.Handler. Cancellation is cooperative, so 202 means the
// request was recorded, not that the instance has stopped.
func (h *CancelHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.controller.Cancel(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.logger.Info("cancel requested", "instance_id", id)
	w.WriteHeader(http.StatusAccepted)
}
