package handlers

import (
	"net/http"
)

// DefinitionsHandler handles GET /api/definitions.
type DefinitionsHandler struct {
	provider DefinitionProvider
}

// NewDefinitionsHandler creates a new DefinitionsHandler.
func NewDefinitionsHandler(provider DefinitionProvider) *DefinitionsHandler {
	return &DefinitionsHandler{provider: provider}
}

// ServeHTTP implements http.Handler.
func (h *DefinitionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.provider.Definitions())
}
