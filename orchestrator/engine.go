package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nomis52/provision/logging"
	"github.com/nomis52/provision/metrics"
	"github.com/nomis52/provision/stats"
	"github.com/nomis52/provision/store"
	"github.com/nomis52/provision/workflow"
)

const tracerName = "github.com/nomis52/provision/orchestrator"

// ErrClosed is returned by Submit and Retry once Close has been called.
var ErrClosed = errors.New("engine is closed")

// Engine executes workflow instances against a store and a set of executors.
// It is safe for concurrent use.
type Engine struct {
	store    store.Store
	registry *workflow.Registry
	stats    *stats.Aggregator

	logger          *slog.Logger
	hook            logging.LoggerHook
	metricsRegistry metrics.Registry
	metrics         *engineMetrics
	tracer          trace.Tracer

	workers      int
	queueSize    int
	defaultRetry workflow.RetryPolicy
	lease        time.Duration
	heartbeat    time.Duration
	owner        string
	pollInterval time.Duration
	now          func() time.Time
	newID        func() string

	defsMu      sync.RWMutex
	definitions map[string]*plannedDefinition

	// queue feeds instance ids to the workers. It is closed by Close.
	queue   chan string
	baseCtx context.Context
	cancel  context.CancelFunc

	// runMu guards running and closed, and orders sends on queue against Close.
	runMu   sync.Mutex
	running map[string]chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

type plannedDefinition struct {
	def    workflow.Definition
	stages []workflow.Stage
}

// New creates an Engine that persists to st and calls the executors in registry.
// Executors must be registered before the definitions that use them.
func New(st store.Store, registry *workflow.Registry, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:           st,
		registry:        registry,
		stats:           stats.New(st),
		logger:          slog.Default().With("component", "orchestrator"),
		metricsRegistry: metrics.NopRegistry{},
		tracer:          otel.Tracer(tracerName),
		workers:         DefaultWorkers,
		queueSize:       DefaultQueueSize,
		defaultRetry:    DefaultRetryPolicy(),
		lease:           DefaultLease,
		pollInterval:    DefaultPollInterval,
		now:             func() time.Time { return time.Now().UTC() },
		newID:           uuid.NewString,
		definitions:     make(map[string]*plannedDefinition),
		running:         make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.owner == "" {
		e.owner = defaultOwner()
	}
	if e.heartbeat <= 0 || e.heartbeat >= e.lease {
		e.heartbeat = e.lease / 3
	}

	m, err := newEngineMetrics(e.metricsRegistry)
	if err != nil {
		return nil, err
	}
	e.metrics = m
	e.queue = make(chan string, e.queueSize)
	e.baseCtx, e.cancel = context.WithCancel(context.Background())
	for range e.workers {
		go e.work()
	}
	return e, nil
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "engine"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Owner returns the name the engine claims leases under.
func (e *Engine) Owner() string {
	return e.owner
}

// Register validates def and makes it available to Submit. Every target the
// definition uses must already have an executor.
func (e *Engine) Register(def workflow.Definition) error {
	if err := def.Validate(e.registry.Has); err != nil {
		return err
	}
	stages, err := def.Plan()
	if err != nil {
		return err
	}

	e.defsMu.Lock()
	defer e.defsMu.Unlock()
	if _, exists := e.definitions[def.Type]; exists {
		return &workflow.DefinitionError{WorkflowType: def.Type, Reason: "already registered"}
	}
	e.definitions[def.Type] = &plannedDefinition{def: def, stages: stages}
	e.logger.Debug("registered workflow definition", "workflow_type", def.Type, "steps", len(def.Steps), "stages", len(stages))
	return nil
}

// MustRegister is Register that panics on error, for static wiring.
func (e *Engine) MustRegister(def workflow.Definition) {
	if err := e.Register(def); err != nil {
		panic(err)
	}
}

// Definitions returns the registered definitions sorted by type.
func (e *Engine) Definitions() []workflow.Definition {
	e.defsMu.RLock()
	defer e.defsMu.RUnlock()
	out := make([]workflow.Definition, 0, len(e.definitions))
	for _, p := range e.definitions {
		out = append(out, p.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

func (e *Engine) planned(workflowType string) (*plannedDefinition, bool) {
	e.defsMu.RLock()
	defer e.defsMu.RUnlock()
	p, ok := e.definitions[workflowType]
	return p, ok
}

// Submit creates a PENDING instance and schedules it for execution. The instance
// is queryable as soon as Submit returns. It fails with *workflow.ConflictError
// when an active instance exists for the tenant and business key.
func (e *Engine) Submit(ctx context.Context, workflowType, tenantID, businessKey string, input map[string]any) (string, error) {
	if _, ok := e.planned(workflowType); !ok {
		return "", &workflow.DefinitionError{WorkflowType: workflowType, Reason: "workflow type is not registered"}
	}
	if tenantID == "" || businessKey == "" {
		return "", fmt.Errorf("%w: tenant id and business key are required", workflow.ErrInvalidArgument)
	}

	now := e.now()
	inst := &workflow.Instance{
		ID:           e.newID(),
		WorkflowType: workflowType,
		TenantID:     tenantID,
		BusinessKey:  businessKey,
		Status:       workflow.StatusPending,
		Input:        workflow.CloneMap(input),
		Context:      map[string]any{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if inst.Input == nil {
		inst.Input = map[string]any{}
	}
	if err := e.create(ctx, inst); err != nil {
		return "", err
	}
	e.logger.Info("workflow submitted",
		"instance_id", inst.ID, "workflow_type", workflowType, "tenant_id", tenantID, "business_key", businessKey)
	return inst.ID, nil
}

// Retry starts a new instance with the input of a FAILED or ROLLED_BACK instance.
// The original instance is not modified.
func (e *Engine) Retry(ctx context.Context, id string) (string, error) {
	orig, err := e.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if orig.Status != workflow.StatusFailed && orig.Status != workflow.StatusRolledBack {
		return "", fmt.Errorf("%w: instance %s is %s, only FAILED or ROLLED_BACK instances can be retried",
			workflow.ErrInvalidState, id, orig.Status)
	}
	if _, ok := e.planned(orig.WorkflowType); !ok {
		return "", &workflow.DefinitionError{WorkflowType: orig.WorkflowType, Reason: "workflow type is not registered"}
	}

	now := e.now()
	inst := &workflow.Instance{
		ID:           e.newID(),
		WorkflowType: orig.WorkflowType,
		TenantID:     orig.TenantID,
		BusinessKey:  orig.BusinessKey,
		Status:       workflow.StatusPending,
		Input:        workflow.CloneMap(orig.Input),
		Context:      map[string]any{},
		CreatedAt:    now,
		UpdatedAt:    now,
		RetryCount:   orig.RetryCount + 1,
		RetryOf:      orig.ID,
	}
	if err := e.create(ctx, inst); err != nil {
		return "", err
	}
	e.logger.Info("workflow retried",
		"instance_id", inst.ID, "retry_of", orig.ID, "retry_count", inst.RetryCount,
		"workflow_type", inst.WorkflowType, "tenant_id", inst.TenantID, "business_key", inst.BusinessKey)
	return inst.ID, nil
}

func (e *Engine) create(ctx context.Context, inst *workflow.Instance) error {
	if e.isClosed() {
		return ErrClosed
	}
	if err := e.store.Create(ctx, inst); err != nil {
		return err
	}
	e.metrics.submitted.With(map[string]string{"workflow_type": inst.WorkflowType}).Inc()
	e.dispatch(inst.ID)
	return nil
}

// Cancel asks a RUNNING instance to stop. The engine observes the request at the
// next stage boundary or between attempts, then unwinds completed steps.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	if err := e.store.RequestCancel(ctx, id); err != nil {
		return err
	}
	e.logger.Info("workflow cancel requested", "instance_id", id)
	return nil
}

// Get returns a copy of the instance.
func (e *Engine) Get(ctx context.Context, id string) (*workflow.Instance, error) {
	return e.store.Get(ctx, id)
}

// List returns instances matching filter, newest first.
func (e *Engine) List(ctx context.Context, filter store.Filter, page store.Page) (*store.ListResult, error) {
	return e.store.List(ctx, filter, page)
}

// Statistics summarises the tenant's instances. An empty tenantID covers every tenant.
func (e *Engine) Statistics(ctx context.Context, tenantID string, filter store.Filter) (stats.Summary, error) {
	return e.stats.Summary(ctx, tenantID, filter)
}

// Wait blocks until the instance is terminal and returns it.
func (e *Engine) Wait(ctx context.Context, id string) (*workflow.Instance, error) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		inst, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.Status.Terminal() {
			return inst, nil
		}

		e.runMu.Lock()
		done := e.running[id]
		e.runMu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done:
		case <-ticker.C:
		}
	}
}

// Recover schedules every active instance that no live engine holds: instances
// with no owner, and instances whose lease has expired. It returns the number of
// instances scheduled.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	now := e.now()
	filter := store.Filter{Statuses: []workflow.Status{workflow.StatusPending, workflow.StatusRunning}}

	var candidates []string
	for offset := 0; ; {
		page, err := e.store.List(ctx, filter, store.Page{Limit: store.MaxPageLimit, Offset: offset})
		if err != nil {
			return 0, fmt.Errorf("listing active instances: %w", err)
		}
		for _, inst := range page.Items {
			if inst.Owner == "" || inst.LeaseExpiresAt == nil || !inst.LeaseExpiresAt.After(now) {
				candidates = append(candidates, inst.ID)
			}
		}
		offset += len(page.Items)
		if len(page.Items) == 0 || offset >= page.TotalCount {
			break
		}
	}

	scheduled := 0
	for _, id := range candidates {
		if e.dispatch(id) {
			scheduled++
		}
	}
	if scheduled > 0 {
		e.logger.Info("recovered workflow instances", "count", scheduled)
	}
	return scheduled, nil
}

// Close stops accepting work and waits for executing instances to finish. If ctx
// ends first, running instances are interrupted where they stand and left for
// Recover to resume.
func (e *Engine) Close(ctx context.Context) error {
	e.runMu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.runMu.Unlock()

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.logger.Warn("shutdown deadline reached, interrupting running workflows")
		e.cancel()
		<-drained
		return ctx.Err()
	}
}

func (e *Engine) isClosed() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.closed
}

// dispatch queues id for the workers unless it is already scheduled here. When
// the queue is full the instance stays in the store for Recover to pick up.
func (e *Engine) dispatch(id string) bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.closed {
		return false
	}
	if _, ok := e.running[id]; ok {
		return false
	}

	e.running[id] = make(chan struct{})
	e.wg.Add(1)
	select {
	case e.queue <- id:
		return true
	default:
		delete(e.running, id)
		e.wg.Done()
		e.logger.Warn("work queue full, leaving instance for recovery", "instance_id", id, "queue_size", cap(e.queue))
		return false
	}
}

// work executes queued instances until Close closes the queue. Instances still
// queued after the engine was interrupted are released without running.
func (e *Engine) work() {
	for id := range e.queue {
		if e.baseCtx.Err() == nil {
			e.execute(e.baseCtx, id)
		}
		e.runMu.Lock()
		done := e.running[id]
		delete(e.running, id)
		e.runMu.Unlock()
		close(done)
		e.wg.Done()
	}
}

func (e *Engine) instanceLogger(inst *workflow.Instance) *slog.Logger {
	logger := e.logger
	if e.hook != nil {
		logger = e.hook.LoggerFor(logger, inst.ID)
	}
	return logger.With(
		"instance_id", inst.ID,
		"workflow_type", inst.WorkflowType,
		"tenant_id", inst.TenantID,
		"business_key", inst.BusinessKey,
	)
}
