// Package client provides a client for the provisioning server's HTTP API.
//
// Example usage:
//
//	c, err := client.New("http://localhost:8080")
//	id, err := c.Submit(ctx, "provision", "acme", "sub-42", map[string]any{"plan": "fibre-1g"})
//	inst, err := c.Wait(ctx, id, time.Second)
//
// Errors returned by the server are decoded into the same values the engine
// returns, so callers can use errors.Is with workflow.ErrNotFound,
// workflow.ErrInvalidState or workflow.ErrConflict, and errors.As with
// *workflow.ConflictError.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nomis52/provision/logging"
	"github.com/nomis52/provision/server/types"
	"github.com/nomis52/provision/stats"
	"github.com/nomis52/provision/store"
	"github.com/nomis52/provision/workflow"
)

const defaultTimeout = 30 * time.Second

// Client talks to a provisioning server. Use New() to create one.
type Client struct {
	Host   string
	Logger *slog.Logger
	client *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for request tracing.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.Logger = logger
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// WithTimeout sets the timeout of each request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.client = &http.Client{Timeout: d}
	}
}

// New creates a Client for the server at host, which must include the scheme,
// e.g. "http://localhost:8080".
func New(host string, opts ...Option) (*Client, error) {
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid host URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("host URL must include scheme and host: %q", host)
	}

	c := &Client{
		Host:   strings.TrimRight(host, "/"),
		Logger: slog.Default(),
		client: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// APIError is a non-2xx response that does not map to an engine error.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Submit creates an instance and returns its id.
func (c *Client) Submit(ctx context.Context, workflowType, tenantID, businessKey string, input map[string]any) (string, error) {
	var ref types.InstanceRef
	err := c.do(ctx, http.MethodPost, "/api/workflows", nil, types.SubmitRequest{
		WorkflowType: workflowType,
		TenantID:     tenantID,
		BusinessKey:  businessKey,
		Input:        input,
	}, &ref)
	if err != nil {
		var conflict *workflow.ConflictError
		if errors.As(err, &conflict) {
			conflict.TenantID, conflict.BusinessKey = tenantID, businessKey
		}
		return "", err
	}
	return ref.ID, nil
}

// Get returns the instance with the given id.
func (c *Client) Get(ctx context.Context, id string) (*workflow.Instance, error) {
	var inst workflow.Instance
	if err := c.do(ctx, http.MethodGet, "/api/workflows/"+url.PathEscape(id), nil, nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// List returns one page of instances matching filter.
func (c *Client) List(ctx context.Context, filter store.Filter, page store.Page) (*types.ListResponse, error) {
	q := filterQuery(filter)
	if page.Limit > 0 {
		q.Set("limit", strconv.Itoa(page.Limit))
	}
	if page.Offset > 0 {
		q.Set("offset", strconv.Itoa(page.Offset))
	}
	var res types.ListResponse
	if err := c.do(ctx, http.MethodGet, "/api/workflows", q, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Logs returns the log lines captured for an instance.
func (c *Client) Logs(ctx context.Context, id string) ([]logging.LogEntry, error) {
	var entries []logging.LogEntry
	if err := c.do(ctx, http.MethodGet, "/api/workflows/"+url.PathEscape(id)+"/logs", nil, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Retry starts a new instance from a FAILED or ROLLED_BACK one and returns its id.
func (c *Client) Retry(ctx context.Context, id string) (string, error) {
	var ref types.InstanceRef
	if err := c.do(ctx, http.MethodPost, "/api/workflows/"+url.PathEscape(id)+"/retry", nil, nil, &ref); err != nil {
		return "", err
	}
	return ref.ID, nil
}

// Cancel requests cancellation of a RUNNING instance. It returns once the request
// is recorded; use Wait to observe the outcome.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/workflows/"+url.PathEscape(id)+"/cancel", nil, nil, nil)
}

// Statistics returns summary counts for tenantID, or for all tenants when empty.
func (c *Client) Statistics(ctx context.Context, tenantID string, filter store.Filter) (stats.Summary, error) {
	q := filterQuery(filter)
	if tenantID != "" {
		q.Set("tenant_id", tenantID)
	}
	var sum stats.Summary
	err := c.do(ctx, http.MethodGet, "/api/statistics", q, nil, &sum)
	return sum, err
}

// Definitions returns the workflow definitions registered on the server.
func (c *Client) Definitions(ctx context.Context) ([]workflow.Definition, error) {
	var defs []workflow.Definition
	if err := c.do(ctx, http.MethodGet, "/api/definitions", nil, nil, &defs); err != nil {
		return nil, err
	}
	return defs, nil
}

// Server returns the server's build and runtime properties.
func (c *Client) Server(ctx context.Context) (types.ServerProperties, error) {
	var props types.ServerProperties
	err := c.do(ctx, http.MethodGet, "/api/server", nil, nil, &props)
	return props, err
}

// Wait polls the instance every interval until it reaches a terminal status or
// ctx is done, in which case the last instance seen is returned with ctx's error.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (*workflow.Instance, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last *workflow.Instance
	for {
		inst, err := c.Get(ctx, id)
		if err != nil {
			if ctx.Err() != nil && last != nil {
				return last, ctx.Err()
			}
			return nil, err
		}
		if inst.Status.Terminal() {
			return inst, nil
		}
		last = inst
		select {
		case <-ctx.Done():
			return inst, ctx.Err()
		case <-ticker.C:
		}
	}
}

func filterQuery(f store.Filter) url.Values {
	q := url.Values{}
	if f.TenantID != "" {
		q.Set("tenant_id", f.TenantID)
	}
	if f.WorkflowType != "" {
		q.Set("workflow_type", f.WorkflowType)
	}
	if f.BusinessKey != "" {
		q.Set("business_key", f.BusinessKey)
	}
	for _, s := range f.Statuses {
		q.Add("status", s.String())
	}
	if f.CreatedAfter != nil {
		q.Set("created_after", f.CreatedAfter.Format(time.RFC3339))
	}
	if f.CreatedBefore != nil {
		q.Set("created_before", f.CreatedBefore.Format(time.RFC3339))
	}
	return q
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.Host + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	c.Logger.Debug("api request", "method", method, "url", u)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeError maps an error body back onto the engine's error values.
func decodeError(status int, data []byte) error {
	var er types.ErrorResponse
	if err := json.Unmarshal(data, &er); err != nil || er.Error == "" {
		return &APIError{StatusCode: status, Message: strings.TrimSpace(string(data))}
	}

	switch er.Code {
	case types.CodeConflict:
		return &workflow.ConflictError{ExistingID: er.ExistingID}
	case types.CodeNotFound:
		return fmt.Errorf("%w: %s", workflow.ErrNotFound, er.Error)
	case types.CodeInvalidState:
		return fmt.Errorf("%w: %s", workflow.ErrInvalidState, er.Error)
	case types.CodeInvalidArgument:
		return fmt.Errorf("%w: %s", workflow.ErrInvalidArgument, er.Error)
	case types.CodeDefinition:
		return &workflow.DefinitionError{Reason: er.Error}
	}
	return &APIError{StatusCode: status, Code: er.Code, Message: er.Error}
}
