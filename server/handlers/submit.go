package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nomis52/provision/server/types"
)

// SubmitHandler handles POST /api/workflows.
type SubmitHandler struct {
	logger    *slog.Logger
	submitter Submitter
}

// NewSubmitHandler creates a new SubmitHandler.
func NewSubmitHandler(logger *slog.Logger, submitter Submitter) *SubmitHandler {
	return &SubmitHandler{
		logger:    logger,
		submitter: submitter,
	}
}

// ServeHTTP implements http.Handler. A created instance is answered with 201 and
// its id; the instance runs asynchronously.
func (h *SubmitHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req types.SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		badRequest(w, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	id, err := h.submitter.Submit(r.Context(), req.WorkflowType, req.TenantID, req.BusinessKey, req.Input)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	w.Header().Set("Location", "/api/workflows/"+id)
	WriteJSON(w, http.StatusCreated, types.InstanceRef{ID: id})
}
