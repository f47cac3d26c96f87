// Package orchestrator drives a swarm execution end to end: validation,
// credit reservation, the topology run, settlement and the durable record.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mtzanidakis/swarmd/internal/credits"
	"github.com/mtzanidakis/swarmd/internal/ledger"
	"github.com/mtzanidakis/swarmd/internal/pricing"
	"github.com/mtzanidakis/swarmd/internal/store"
	"github.com/mtzanidakis/swarmd/internal/swarm"
	"github.com/mtzanidakis/swarmd/internal/telemetry"
)

var (
	ErrValidationFailed = errors.New("validation failed")
	ErrExecutionFailed  = errors.New("execution failed")
)

// ExecutionError reports a run that failed after it started. Execution is
// the finalized failed record, partial history included.
type ExecutionError struct {
	Execution *store.Execution
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%v: execution %s: %v", ErrExecutionFailed, e.Execution.ID, e.Err)
}

func (e *ExecutionError) Unwrap() []error {
	return []error{ErrExecutionFailed, e.Err}
}

// BatchItem is the outcome of one spec of a batch.
type BatchItem struct {
	Execution *store.Execution
	Err       error
}

type Orchestrator struct {
	store   *store.Store
	ledger  *ledger.Ledger
	engine  *swarm.Engine
	events  telemetry.Emitter
	workers int
	clock   func() time.Time
	tracer  trace.Tracer

	mu     sync.RWMutex
	pricer pricing.Pricer
}

type Option func(*Orchestrator)

// WithClock sets the time used for pricing and timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithWorkers bounds how many specs of a batch run at once.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

func New(s *store.Store, l *ledger.Ledger, e *swarm.Engine, p pricing.Pricer, events telemetry.Emitter, opts ...Option) *Orchestrator {
	if events == nil {
		events = telemetry.Discard
	}
	o := &Orchestrator{
		store:   s,
		ledger:  l,
		engine:  e,
		pricer:  p,
		events:  events,
		workers: 4,
		clock:   time.Now,
		tracer:  otel.Tracer("github.com/mtzanidakis/swarmd/internal/orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetPricer swaps the price table for subsequent executions.
func (o *Orchestrator) SetPricer(p pricing.Pricer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pricer = p
}

func (o *Orchestrator) currentPricer() pricing.Pricer {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.pricer
}

// Execute runs spec for tenant and returns the finalized record.
// Validation and credit failures happen before any side effect; a failure
// after the reservation releases it before returning.
func (o *Orchestrator) Execute(ctx context.Context, tenantID string, spec swarm.SwarmSpec) (*store.Execution, error) {
	return o.execute(ctx, tenantID, "", spec)
}

// ExecuteJob runs a scheduled job's spec on behalf of its tenant.
func (o *Orchestrator) ExecuteJob(ctx context.Context, job *store.ScheduledJob) (*store.Execution, error) {
	var spec swarm.SwarmSpec
	if err := json.Unmarshal(job.Spec, &spec); err != nil {
		return nil, fmt.Errorf("%w: decode job spec: %w", ErrValidationFailed, err)
	}
	spec.Schedule = nil
	return o.execute(ctx, job.TenantID, job.ID, spec)
}

// ExecuteBatch runs every spec independently and returns one item per spec
// in input order.
func (o *Orchestrator) ExecuteBatch(ctx context.Context, tenantID string, specs []swarm.SwarmSpec) []BatchItem {
	items := make([]BatchItem, len(specs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for i, spec := range specs {
		g.Go(func() error {
			exec, err := o.execute(gctx, tenantID, "", spec)
			items[i] = BatchItem{Execution: exec, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, it := range items {
		if it.Err != nil {
			failed++
		}
	}
	o.events.Emit(telemetry.Event{
		Kind:     telemetry.KindBatch,
		TenantID: tenantID,
		Status:   batchStatus(failed, len(items)),
		Detail:   fmt.Sprintf("%d of %d succeeded", len(items)-failed, len(items)),
	})
	return items
}

func batchStatus(failed, total int) string {
	switch {
	case failed == 0:
		return store.ExecutionCompleted
	case failed == total:
		return store.ExecutionFailed
	default:
		return store.ExecutionDegraded
	}
}

// GetLogs returns the tenant's execution records, newest first.
func (o *Orchestrator) GetLogs(ctx context.Context, tenantID string, f store.ExecutionFilter) ([]store.Execution, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	return o.store.ListExecutions(ctx, tenantID, f)
}

// GetRequestLogs returns the tenant's telemetry rows, newest first. They
// cover outcomes without an execution of their own, such as batch summaries.
func (o *Orchestrator) GetRequestLogs(ctx context.Context, tenantID string, limit int) ([]store.RequestLog, error) {
	if limit <= 0 {
		limit = 100
	}
	return o.store.ListRequestLogs(ctx, tenantID, limit)
}

func (o *Orchestrator) execute(ctx context.Context, tenantID, jobID string, spec swarm.SwarmSpec) (*store.Execution, error) {
	spec = spec.WithDefaults()
	if err := swarm.Validate(spec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}
	typ := o.engine.Resolve(spec)
	if err := swarm.ValidateResolved(spec, typ); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.execute", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("swarm.type", string(typ)),
	))
	defer span.End()

	pricer := o.currentPricer()
	start := o.clock().UTC()
	estimate, err := pricer.Estimate(spec, start)
	if err != nil {
		return nil, fmt.Errorf("estimate cost: %w", err)
	}

	res, err := o.ledger.Reserve(ctx, tenantID, estimate)
	if err != nil {
		return nil, err
	}

	// Bookkeeping after this point must outlive a cancelled request.
	bg := context.WithoutCancel(ctx)

	specJSON, err := json.Marshal(spec)
	if err != nil {
		o.release(bg, res)
		return nil, fmt.Errorf("encode spec: %w", err)
	}
	exec := &store.Execution{
		ID:              uuid.New().String(),
		TenantID:        tenantID,
		JobID:           jobID,
		SwarmName:       spec.Name,
		SwarmType:       string(typ),
		Spec:            specJSON,
		Status:          store.ExecutionRunning,
		CreditsReserved: estimate,
		StartedAt:       start,
	}
	if err := o.store.InsertExecution(bg, exec); err != nil {
		o.release(bg, res)
		return nil, err
	}
	span.SetAttributes(attribute.String("execution.id", exec.ID))
	slog.Info("execution started", "id", exec.ID, "tenant", tenantID, "swarm", spec.Name,
		"type", typ, "reserved", estimate.String())

	result, runErr := o.engine.Run(ctx, spec)
	if result != nil {
		exec.SwarmType = string(result.SwarmType)
		exec.Output = result.Output
		exec.InputTokens = result.InputTokens
		exec.OutputTokens = result.OutputTokens
		if h, err := json.Marshal(result.History); err == nil {
			exec.History = h
		}
	}
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		return nil, o.fail(bg, exec, res, runErr)
	}

	actual, err := pricer.Actual(spec, result.History, start)
	if err != nil {
		return nil, o.fail(bg, exec, res, fmt.Errorf("price execution: %w", err))
	}
	charge := credits.Min(actual, estimate)

	if _, err := o.ledger.Commit(bg, res, charge, exec.ID); err != nil {
		return nil, o.fail(bg, exec, res, fmt.Errorf("settle credits: %w", err))
	}

	finished := o.clock().UTC()
	exec.Status = store.ExecutionCompleted
	if result.Degraded {
		exec.Status = store.ExecutionDegraded
	}
	exec.CreditsConsumed = charge
	exec.FinishedAt = &finished
	if err := o.store.FinalizeExecution(bg, exec); err != nil {
		// Credits are already settled; the record stays running.
		slog.Error("finalize execution failed", "id", exec.ID, "error", err)
		return nil, fmt.Errorf("finalize execution %s: %w", exec.ID, err)
	}

	o.emit(exec)
	slog.Info("execution finished", "id", exec.ID, "tenant", tenantID, "status", exec.Status,
		"consumed", charge.String(), "input_tokens", exec.InputTokens, "output_tokens", exec.OutputTokens)
	return exec, nil
}

// fail releases the reservation, finalizes the record as failed and
// returns the error for the caller.
func (o *Orchestrator) fail(ctx context.Context, exec *store.Execution, res ledger.Reservation, cause error) error {
	o.release(ctx, res)

	finished := o.clock().UTC()
	exec.Status = store.ExecutionFailed
	exec.Error = cause.Error()
	exec.CreditsConsumed = 0
	exec.FinishedAt = &finished
	if err := o.store.FinalizeExecution(ctx, exec); err != nil {
		slog.Error("finalize failed execution", "id", exec.ID, "error", err)
		return fmt.Errorf("%w: %w (finalize: %w)", ErrExecutionFailed, cause, err)
	}

	o.emit(exec)
	slog.Warn("execution failed", "id", exec.ID, "tenant", exec.TenantID, "error", cause)
	return &ExecutionError{Execution: exec, Err: cause}
}

func (o *Orchestrator) release(ctx context.Context, res ledger.Reservation) {
	if err := o.ledger.Release(ctx, res); err != nil {
		slog.Error("release reservation failed", "reservation", res.ID, "tenant", res.TenantID, "error", err)
	}
}

func (o *Orchestrator) emit(exec *store.Execution) {
	o.events.Emit(telemetry.Event{
		Kind:        telemetry.KindExecution,
		TenantID:    exec.TenantID,
		ExecutionID: exec.ID,
		JobID:       exec.JobID,
		SwarmName:   exec.SwarmName,
		Status:      exec.Status,
		Credits:     exec.CreditsConsumed,
		Detail:      exec.Error,
	})
}
