// Package types holds the request and response bodies of the HTTP API. It is shared
// by the server handlers and the client.
package types

import (
	"time"

	"github.com/nomis52/provision/buildinfo"
	"github.com/nomis52/provision/workflow"
)

// ServerProperties holds metadata about the running server instance.
type ServerProperties struct {
	Build     buildinfo.Properties `json:"build"`
	StartedAt time.Time            `json:"started_at"`
	Hostname  string               `json:"hostname"`
	Owner     string               `json:"owner"`
}

// SubmitRequest is the body of POST /api/workflows.
type SubmitRequest struct {
	WorkflowType string         `json:"workflow_type"`
	TenantID     string         `json:"tenant_id"`
	BusinessKey  string         `json:"business_key"`
	Input        map[string]any `json:"input,omitempty"`
}

// InstanceRef identifies a created instance. It is returned by submit and retry.
type InstanceRef struct {
	ID string `json:"id"`
}

// ListResponse is one page of GET /api/workflows.
type ListResponse struct {
	Items      []*workflow.Instance `json:"items"`
	TotalCount int                  `json:"total_count"`
	Limit      int                  `json:"limit"`
	Offset     int                  `json:"offset"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
	// Code classifies the error: invalid_argument, not_found, conflict,
	// invalid_state, definition or internal.
	Code string `json:"code,omitempty"`
	// ExistingID is set on conflicts to the active instance's id.
	ExistingID string `json:"existing_id,omitempty"`
}

// Error codes.
const (
	CodeInvalidArgument = "invalid_argument"
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodeInvalidState    = "invalid_state"
	CodeDefinition      = "definition"
	CodeInternal        = "internal"
)
