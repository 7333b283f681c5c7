package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nomis52/provision/server/types"
	"github.com/nomis52/provision/workflow"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// WriteJSON writes v as the JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// writeError maps engine errors to HTTP statuses.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		conflict *workflow.ConflictError
		defErr   *workflow.DefinitionError
	)
	switch {
	case errors.As(err, &conflict):
		WriteJSON(w, http.StatusConflict, types.ErrorResponse{
			Error:      err.Error(),
			Code:       types.CodeConflict,
			ExistingID: conflict.ExistingID,
		})
	case errors.Is(err, workflow.ErrInvalidState):
		WriteJSON(w, http.StatusConflict, types.ErrorResponse{Error: err.Error(), Code: types.CodeInvalidState})
	case errors.Is(err, workflow.ErrNotFound):
		WriteJSON(w, http.StatusNotFound, types.ErrorResponse{Error: err.Error(), Code: types.CodeNotFound})
	case errors.As(err, &defErr):
		WriteJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: err.Error(), Code: types.CodeDefinition})
	case errors.Is(err, workflow.ErrInvalidArgument):
		WriteJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: err.Error(), Code: types.CodeInvalidArgument})
	default:
		logger.Error("request failed", "error", err)
		WriteJSON(w, http.StatusInternalServerError, types.ErrorResponse{Error: err.Error(), Code: types.CodeInternal})
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	WriteJSON(w, http.StatusBadRequest, types.ErrorResponse{Error: msg, Code: types.CodeInvalidArgument})
}
