package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nomis52/provision/server/types"
	"github.com/nomis52/provision/store"
	"github.com/nomis52/provision/workflow"
)

// GetHandler handles GET /api/workflows/{id}.
type GetHandler struct {
	logger *slog.Logger
	reader InstanceReader
}

// NewGetHandler creates a new GetHandler.
func NewGetHandler(logger *slog.Logger, reader InstanceReader) *GetHandler {
	return &GetHandler{logger: logger, reader: reader}
}

// ServeHTTP implements http.Handler.
func (h *GetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	inst, err := h.reader.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, inst)
}

// ListHandler handles GET /api/workflows.
//
// Query parameters: tenant_id, workflow_type, business_key, status (repeatable),
// created_after and created_before (RFC 3339), limit and offset.
type ListHandler struct {
	logger *slog.Logger
	reader InstanceReader
}

// NewListHandler creates a new ListHandler.
func NewListHandler(logger *slog.Logger, reader InstanceReader) *ListHandler {
	return &ListHandler{logger: logger, reader: reader}
}

// ServeHTTP implements http.Handler.
func (h *ListHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter, err := parseFilter(q)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	page, err := parsePage(q)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	res, err := h.reader.List(r.Context(), filter, page)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	items := res.Items
	if items == nil {
		items = []*workflow.Instance{}
	}
	WriteJSON(w, http.StatusOK, types.ListResponse{
		Items:      items,
		TotalCount: res.TotalCount,
		Limit:      page.Limit,
		Offset:     page.Offset,
	})
}

func parseFilter(q url.Values) (store.Filter, error) {
	filter := store.Filter{
		TenantID:     q.Get("tenant_id"),
		WorkflowType: q.Get("workflow_type"),
		BusinessKey:  q.Get("business_key"),
	}
	for _, s := range q["status"] {
		status, err := workflow.ParseStatus(s)
		if err != nil {
			return store.Filter{}, err
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	for name, dst := range map[string]**time.Time{
		"created_after":  &filter.CreatedAfter,
		"created_before": &filter.CreatedBefore,
	} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return store.Filter{}, fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = &t
	}
	return filter, nil
}

func parsePage(q url.Values) (store.Page, error) {
	var page store.Page
	for name, dst := range map[string]*int{"limit": &page.Limit, "offset": &page.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return store.Page{}, fmt.Errorf("invalid %s %q", name, v)
		}
		*dst = n
	}
	return page.Normalize(), nil
}

// LogsHandler handles GET /api/workflows/{id}/logs.
type LogsHandler struct {
	logger *slog.Logger
	reader InstanceReader
	logs   LogProvider
}

// NewLogsHandler creates a new LogsHandler.
func NewLogsHandler(logger *slog.Logger, reader InstanceReader, logs LogProvider) *LogsHandler {
	return &LogsHandler{logger: logger, reader: reader, logs: logs}
}

// ServeHTTP implements http.Handler. Logs are kept in memory by the engine process,
// so an existing instance may have none.
func (h *LogsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.reader.Get(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	entries := h.logs.GetLogs(id)
	if entries == nil {
		WriteJSON(w, http.StatusOK, []any{})
		return
	}
	WriteJSON(w, http.StatusOK, entries)
}
