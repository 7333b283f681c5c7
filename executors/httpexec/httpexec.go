// Package httpexec provides a workflow.Executor that drives a target system over a
// small JSON/HTTP protocol.
//
// For a step named allocate_ip the executor calls
//
//	POST {base}/steps/allocate_ip/execute
//	POST {base}/steps/allocate_ip/compensate
//
// with the step request as the body and the idempotency key in the Idempotency-Key
// header. A 2xx response is success and its optional {"output": {...}} body becomes
// the step output. 408, 429 and 5xx responses and transport errors are retryable;
// any other 4xx is permanent. A compensation answered with 404 or 410 means the
// effect is already gone and counts as success.
package httpexec

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
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/nomis52/provision/workflow"
)

const (
	// IdempotencyHeader carries workflow.StepRequest.IdempotencyKey.
	IdempotencyHeader = "Idempotency-Key"
	// AttemptHeader carries the 1-based attempt number.
	AttemptHeader = "X-Provision-Attempt"

	defaultTimeout = 30 * time.Second
	// maxBody bounds how much of a response is read.
	maxBody = 1 << 20
)

// Executor calls a remote collaborator for every step of one target system.
// Use New() to create one.
type Executor struct {
	Host    string
	Logger  *slog.Logger
	headers map[string]string
	client  *http.Client
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.Logger = logger
	}
}

// WithTimeout bounds every HTTP call.
func WithTimeout(timeout time.Duration) Option {
	return func(e *Executor) {
		e.client.Timeout = timeout
	}
}

// WithHeaders adds headers to every request.
func WithHeaders(headers map[string]string) Option {
	return func(e *Executor) {
		for k, v := range headers {
			e.headers[k] = v
		}
	}
}

// WithHTTPClient replaces the HTTP client. Its transport is used as is.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Executor) {
		e.client = client
	}
}

// New creates an Executor for the collaborator at host, which must include a scheme.
func New(host string, opts ...Option) (*Executor, error) {
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid host URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("host URL must include scheme and host: %q", host)
	}

	e := &Executor{
		Host:    strings.TrimRight(host, "/"),
		headers: make(map[string]string),
		client:  &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	e.Logger = e.Logger.With("component", "httpexec", "host", e.Host)
	return e, nil
}

type compensateBody struct {
	workflow.StepRequest
	PriorOutput map[string]any `json:"prior_output"`
}

type executeResponse struct {
	Output map[string]any `json:"output"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Execute implements workflow.Executor.
func (e *Executor) Execute(ctx context.Context, req workflow.StepRequest) workflow.StepResult {
	status, body, err := e.post(ctx, req, "execute", req)
	if err != nil {
		return transportFailure(err)
	}
	if status >= 200 && status < 300 {
		var resp executeResponse
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, &resp); err != nil {
				return workflow.FailedPermanently("bad_response", "decode response from %s: %v", e.Host, err)
			}
		}
		return workflow.Succeeded(resp.Output)
	}
	detail := statusFailure(status, body)
	return workflow.StepResult{Error: detail}
}

// Compensate implements workflow.Executor.
func (e *Executor) Compensate(ctx context.Context, req workflow.StepRequest, priorOutput map[string]any) workflow.CompensationResult {
	status, body, err := e.post(ctx, req, "compensate", compensateBody{StepRequest: req, PriorOutput: priorOutput})
	if err != nil {
		detail := transportFailure(err).Error
		return workflow.CompensationResult{Error: detail}
	}
	switch {
	case status >= 200 && status < 300:
		return workflow.Compensated()
	case status == http.StatusNotFound || status == http.StatusGone:
		e.Logger.Debug("nothing to compensate", "step", req.StepName, "status", status)
		return workflow.Compensated()
	}
	return workflow.CompensationResult{Error: statusFailure(status, body)}
}

func (e *Executor) post(ctx context.Context, req workflow.StepRequest, action string, payload any) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/steps/%s/%s", e.Host, url.PathEscape(req.StepName), action)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(IdempotencyHeader, req.IdempotencyKey)
	httpReq.Header.Set(AttemptHeader, fmt.Sprint(req.Attempt))
	for k, v := range e.headers {
		httpReq.Header.Set(k, v)
	}
	// The collaborator joins the step's trace.
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", action, req.StepName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	e.Logger.Debug("collaborator responded",
		"step", req.StepName,
		"action", action,
		"status", resp.StatusCode,
		"duration", time.Since(start))
	return resp.StatusCode, body, nil
}

func transportFailure(err error) workflow.StepResult {
	code := "unreachable"
	if errors.Is(err, context.DeadlineExceeded) {
		code = "timeout"
	}
	return workflow.Failed(code, "%v", err)
}

// statusFailure builds the error for a non-2xx response.
func statusFailure(status int, body []byte) *workflow.ErrorDetail {
	detail := &workflow.ErrorDetail{
		Code:      fmt.Sprintf("http_%d", status),
		Message:   http.StatusText(status),
		Permanent: !retryable(status),
	}
	var resp errorResponse
	if json.Unmarshal(body, &resp) == nil {
		if resp.Code != "" {
			detail.Code = resp.Code
		}
		switch {
		case resp.Message != "":
			detail.Message = resp.Message
		case resp.Error != "":
			detail.Message = resp.Error
		}
	} else if text := strings.TrimSpace(string(body)); text != "" {
		detail.Message = text
	}
	detail.Message = fmt.Sprintf("status %d: %s", status, detail.Message)
	return detail
}

func retryable(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500
}
