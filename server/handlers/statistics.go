package handlers

import (
	"log/slog"
	"net/http"
)

// StatisticsHandler handles GET /api/statistics.
//
// tenant_id selects one tenant, all tenants when empty. The list filters other than
// paging narrow the summary further.
type StatisticsHandler struct {
	logger   *slog.Logger
	provider StatisticsProvider
}

// NewStatisticsHandler creates a new StatisticsHandler.
func NewStatisticsHandler(logger *slog.Logger, provider StatisticsProvider) *StatisticsHandler {
	return &StatisticsHandler{logger: logger, provider: provider}
}

// ServeHTTP implements http.Handler.
func (h *StatisticsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter, err := parseFilter(q)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	sum, err := h.provider.Statistics(r.Context(), q.Get("tenant_id"), filter)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, sum)
}
