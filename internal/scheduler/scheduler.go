// Package scheduler persists deferred swarm runs and dispatches them to the
// orchestrator once their fire time has passed.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mtzanidakis/swarmd/internal/config"
	"github.com/mtzanidakis/swarmd/internal/orchestrator"
	"github.com/mtzanidakis/swarmd/internal/store"
	"github.com/mtzanidakis/swarmd/internal/swarm"
	"github.com/mtzanidakis/swarmd/internal/telemetry"
)

var (
	ErrSchedulingConflict = errors.New("scheduling conflict")
	ErrNotFound           = errors.New("job not found")
	ErrAlreadyTerminal    = errors.New("job already terminal")
	ErrJobRunning         = errors.New("job is running")
)

// Executor runs a claimed job. *orchestrator.Orchestrator satisfies it.
type Executor interface {
	ExecuteJob(ctx context.Context, job *store.ScheduledJob) (*store.Execution, error)
}

type Scheduler struct {
	store     *store.Store
	exec      Executor
	events    telemetry.Emitter
	clock     func() time.Time
	workers   int
	retention time.Duration
	batch     int

	mu           sync.Mutex
	pollInterval time.Duration
	reloadCh     chan struct{}
}

type Option func(*Scheduler)

// WithClock replaces time.Now for fire-time checks and timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

func New(s *store.Store, exec Executor, events telemetry.Emitter, cfg config.SchedulerConfig, opts ...Option) *Scheduler {
	if events == nil {
		events = telemetry.Discard
	}
	sched := &Scheduler{
		store:        s,
		exec:         exec,
		events:       events,
		clock:        time.Now,
		workers:      max(cfg.Workers, 1),
		retention:    cfg.Retention,
		batch:        100,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(sched)
	}
	return sched
}

// UpdateConfig applies a new poll interval and signals the run loop to reset
// its ticker.
func (s *Scheduler) UpdateConfig(cfg config.SchedulerConfig) {
	s.mu.Lock()
	s.pollInterval = cfg.PollInterval
	s.mu.Unlock()
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollInterval <= 0 {
		s.pollInterval = 5 * time.Second
	}
	return s.pollInterval
}

// Schedule validates spec and stores it as a pending job firing at sched.
// A fire time before now is a conflict.
func (s *Scheduler) Schedule(ctx context.Context, tenantID string, spec swarm.SwarmSpec, sched swarm.ScheduleSpec) (*store.ScheduledJob, error) {
	spec.Schedule = &sched
	spec = spec.WithDefaults()
	sched = *spec.Schedule

	verr := &swarm.ValidationError{}
	if err := swarm.Validate(spec); err != nil {
		if !errors.As(err, &verr) {
			return nil, fmt.Errorf("%w: %w", orchestrator.ErrValidationFailed, err)
		}
	}
	loc, err := LoadZone(sched.Timezone)
	if err != nil {
		verr.Add("schedule.timezone", "%v", err)
	}
	sched.Repeat = strings.TrimSpace(sched.Repeat)
	if sched.Repeat != "" && !ValidRepeat(sched.Repeat) {
		verr.Add("schedule.repeat", "invalid cron expression %q", sched.Repeat)
	}
	if err := verr.OrNil(); err != nil {
		return nil, fmt.Errorf("%w: %w", orchestrator.ErrValidationFailed, err)
	}

	now := s.clock().UTC()
	fireAt, err := ParseFireTime(sched.ScheduledTime, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSchedulingConflict, err)
	}
	if fireAt.Before(now) {
		return nil, fmt.Errorf("%w: %s is before %s", ErrSchedulingConflict,
			fireAt.Format(time.RFC3339), now.Format(time.RFC3339))
	}

	spec.Schedule = &sched
	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encode spec: %w", err)
	}
	job := &store.ScheduledJob{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Name:      spec.Name,
		Spec:      raw,
		FireAt:    fireAt,
		Timezone:  sched.Timezone,
		Repeat:    sched.Repeat,
		Status:    store.JobPending,
		CreatedAt: now,
	}
	if err := s.store.SaveJob(ctx, job); err != nil {
		return nil, err
	}

	slog.Info("job scheduled", "id", job.ID, "tenant", tenantID, "name", job.Name,
		"fire_at", fireAt.Format(time.RFC3339), "timezone", job.Timezone, "repeat", job.Repeat)
	s.events.Emit(telemetry.Event{
		Kind:      telemetry.KindSchedule,
		TenantID:  tenantID,
		JobID:     job.ID,
		SwarmName: job.Name,
		Status:    store.JobPending,
		Detail:    fireAt.Format(time.RFC3339),
	})
	return job, nil
}

// ListJobs returns the tenant's jobs ordered by fire time.
func (s *Scheduler) ListJobs(ctx context.Context, tenantID string) ([]store.ScheduledJob, error) {
	return s.store.ListJobs(ctx, tenantID)
}

// CancelJob cancels a pending job. Running and finished jobs cannot be
// cancelled; jobs of other tenants are reported as not found.
func (s *Scheduler) CancelJob(ctx context.Context, tenantID, id string) error {
	execID := uuid.New().String()
	ok, err := s.store.CancelJob(ctx, tenantID, id, execID, s.clock().UTC())
	if err != nil {
		return err
	}
	if ok {
		slog.Info("job cancelled", "id", id, "tenant", tenantID)
		if job, err := s.store.GetJob(ctx, id); err != nil || job == nil {
			slog.Error("load cancelled job failed", "id", id, "error", err)
		} else {
			s.recordOutcome(ctx, *job, execID, store.ExecutionCancelled, "cancelled before dispatch")
		}
		s.events.Emit(telemetry.Event{Kind: telemetry.KindJob, TenantID: tenantID, JobID: id, ExecutionID: execID, Status: store.JobCancelled})
		return nil
	}

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case job == nil || job.TenantID != tenantID:
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	case job.Status == store.JobRunning:
		return fmt.Errorf("%w: %s", ErrJobRunning, id)
	case store.IsTerminalJobStatus(job.Status):
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, job.Status)
	default:
		return fmt.Errorf("cancel job %s: status changed to %s", id, job.Status)
	}
}

// Start recovers interrupted jobs, then polls until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.recover(ctx)

	interval := s.interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", interval, "workers", s.workers)
	s.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			interval = s.interval()
			ticker.Reset(interval)
			slog.Info("scheduler config reloaded", "poll_interval", interval)
		case <-ticker.C:
			s.Poll(ctx)
			s.purge(ctx)
		}
	}
}

// recover returns jobs a crashed process left running to pending.
func (s *Scheduler) recover(ctx context.Context) {
	n, err := s.store.RequeueRunningJobs(ctx)
	if err != nil {
		slog.Error("requeue running jobs failed", "error", err)
	} else if n > 0 {
		slog.Warn("requeued interrupted jobs", "count", n)
	}
	s.purge(ctx)
}

func (s *Scheduler) purge(ctx context.Context) {
	if s.retention <= 0 {
		return
	}
	n, err := s.store.PurgeJobs(ctx, s.clock().UTC().Add(-s.retention))
	if err != nil {
		slog.Error("purge jobs failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("purged finished jobs", "count", n)
	}
}

// Poll claims every due job and runs the claimed ones on the worker pool.
// It returns after they finish, reporting how many it dispatched.
func (s *Scheduler) Poll(ctx context.Context) int {
	now := s.clock().UTC()
	jobs, err := s.store.ListDueJobs(ctx, now, s.batch)
	if err != nil {
		slog.Error("failed to get due jobs", "error", err)
		return 0
	}

	g := new(errgroup.Group)
	g.SetLimit(s.workers)
	dispatched := 0
	for _, job := range jobs {
		claimed, err := s.store.ClaimJob(ctx, job.ID, now)
		if err != nil {
			slog.Error("claim job failed", "id", job.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		dispatched++
		job.Status = store.JobRunning
		g.Go(func() error {
			s.run(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return dispatched
}

func (s *Scheduler) run(ctx context.Context, job store.ScheduledJob) {
	slog.Info("executing scheduled job", "id", job.ID, "tenant", job.TenantID, "name", job.Name)
	s.events.Emit(telemetry.Event{Kind: telemetry.KindJob, TenantID: job.TenantID, JobID: job.ID, SwarmName: job.Name, Status: store.JobRunning})

	exec, err := s.exec.ExecuteJob(ctx, &job)

	status, execID, errMsg := store.JobCompleted, "", ""
	if exec != nil {
		execID = exec.ID
	}
	if err != nil {
		status, errMsg = store.JobFailed, err.Error()
		var execErr *orchestrator.ExecutionError
		if errors.As(err, &execErr) && execErr.Execution != nil {
			execID = execErr.Execution.ID
		}
		slog.Error("scheduled job failed", "id", job.ID, "tenant", job.TenantID, "error", err)
	}

	bg := context.WithoutCancel(ctx)
	if err != nil && execID == "" {
		// Rejected before the swarm started, e.g. insufficient credits.
		execID = uuid.New().String()
		if !s.recordOutcome(bg, job, execID, store.ExecutionFailed, errMsg) {
			execID = ""
		}
	}
	if err := s.store.FinishJob(bg, job.ID, status, execID, errMsg, s.clock().UTC()); err != nil {
		slog.Error("failed to finish job", "id", job.ID, "error", err)
	}
	s.events.Emit(telemetry.Event{
		Kind:        telemetry.KindJob,
		TenantID:    job.TenantID,
		JobID:       job.ID,
		ExecutionID: execID,
		SwarmName:   job.Name,
		Status:      status,
		Detail:      errMsg,
	})

	if job.Repeat != "" {
		s.enqueueNext(bg, job)
	}
}

// recordOutcome persists a terminal execution record for a job whose swarm
// never ran, so the outcome shows up in the tenant's logs.
func (s *Scheduler) recordOutcome(ctx context.Context, job store.ScheduledJob, execID, status, reason string) bool {
	var spec swarm.SwarmSpec
	if err := json.Unmarshal(job.Spec, &spec); err != nil {
		slog.Warn("decode job spec for record", "id", job.ID, "error", err)
	}
	now := s.clock().UTC()
	rec := &store.Execution{
		ID:         execID,
		TenantID:   job.TenantID,
		JobID:      job.ID,
		SwarmName:  job.Name,
		SwarmType:  string(spec.SwarmType),
		Spec:       job.Spec,
		Status:     status,
		Error:      reason,
		StartedAt:  now,
		FinishedAt: &now,
	}
	if err := s.store.RecordExecution(ctx, rec); err != nil {
		slog.Error("record job outcome failed", "id", job.ID, "status", status, "error", err)
		return false
	}
	s.events.Emit(telemetry.Event{
		Kind:        telemetry.KindExecution,
		TenantID:    job.TenantID,
		ExecutionID: execID,
		JobID:       job.ID,
		SwarmName:   job.Name,
		Status:      status,
		Detail:      reason,
	})
	return true
}

// enqueueNext stores the successor of a repeating job at its next cron tick.
// Ticks missed while the job was overdue are skipped.
func (s *Scheduler) enqueueNext(ctx context.Context, job store.ScheduledJob) {
	loc, err := LoadZone(job.Timezone)
	if err != nil {
		slog.Error("repeat job has bad timezone", "id", job.ID, "error", err)
		return
	}
	ref := job.FireAt
	if now := s.clock().UTC(); now.After(ref) {
		ref = now
	}
	next, err := NextFire(job.Repeat, ref, loc)
	if err != nil {
		slog.Error("compute next run failed", "id", job.ID, "repeat", job.Repeat, "error", err)
		return
	}

	successor := &store.ScheduledJob{
		ID:        uuid.New().String(),
		TenantID:  job.TenantID,
		Name:      job.Name,
		Spec:      job.Spec,
		FireAt:    next,
		Timezone:  job.Timezone,
		Repeat:    job.Repeat,
		Status:    store.JobPending,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.store.SaveJob(ctx, successor); err != nil {
		slog.Error("enqueue repeat job failed", "id", job.ID, "error", err)
		return
	}
	slog.Info("repeat job enqueued", "id", successor.ID, "previous", job.ID, "fire_at", next.Format(time.RFC3339))
	s.events.Emit(telemetry.Event{
		Kind:      telemetry.KindSchedule,
		TenantID:  job.TenantID,
		JobID:     successor.ID,
		SwarmName: job.Name,
		Status:    store.JobPending,
		Detail:    next.Format(time.RFC3339),
	})
}
