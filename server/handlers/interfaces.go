// Package handlers provides HTTP handlers for the provisioning API.
//
// Each handler is in its own file and implements http.Handler.
// Handlers use interfaces to access server dependencies, avoiding
// circular imports.
package handlers

import (
	"context"

	"github.com/nomis52/provision/logging"
	"github.com/nomis52/provision/stats"
	"github.com/nomis52/provision/store"
	"github.com/nomis52/provision/workflow"
)

// Submitter starts new instances.
type Submitter interface {
	Submit(ctx context.Context, workflowType, tenantID, businessKey string, input map[string]any) (string, error)
}

// InstanceReader queries instances.
type InstanceReader interface {
	Get(ctx context.Context, id string) (*workflow.Instance, error)
	List(ctx context.Context, filter store.Filter, page store.Page) (*store.ListResult, error)
}

// Controller acts on existing instances.
type Controller interface {
	Retry(ctx context.Context, id string) (string, error)
	Cancel(ctx context.Context, id string) error
}

// StatisticsProvider summarises instances.
type StatisticsProvider interface {
	Statistics(ctx context.Context, tenantID string, filter store.Filter) (stats.Summary, error)
}

// DefinitionProvider lists the registered workflow definitions.
type DefinitionProvider interface {
	Definitions() []workflow.Definition
}

// LogProvider returns the captured logs of an instance.
type LogProvider interface {
	GetLogs(instanceID string) []logging.LogEntry
}
