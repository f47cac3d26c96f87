package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Job statuses. Pending moves to Running or Cancelled; Running moves to
// Completed or Failed.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// IsTerminalJobStatus reports whether a job in status can no longer change.
func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

type ScheduledJob struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Name        string          `json:"name"`
	Spec        json.RawMessage `json:"spec"`
	FireAt      time.Time       `json:"fire_at"`
	Timezone    string          `json:"timezone"`
	Repeat      string          `json:"repeat,omitempty"`
	Status      string          `json:"status"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

const jobColumns = `id, tenant_id, name, spec, fire_at, timezone, repeat, status,
	execution_id, error, created_at, started_at, finished_at`

func scanJob(row scanner) (*ScheduledJob, error) {
	j := &ScheduledJob{}
	var spec string
	var fireAt, created int64
	var execID, errMsg sql.NullString
	var started, finished sql.NullInt64
	err := row.Scan(&j.ID, &j.TenantID, &j.Name, &spec, &fireAt, &j.Timezone, &j.Repeat, &j.Status,
		&execID, &errMsg, &created, &started, &finished)
	if err != nil {
		return nil, err
	}
	j.Spec = json.RawMessage(spec)
	j.FireAt = fromMillis(fireAt)
	j.ExecutionID = execID.String
	j.Error = errMsg.String
	j.CreatedAt = fromMillis(created)
	j.StartedAt = fromNullMillis(started)
	j.FinishedAt = fromNullMillis(finished)
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]ScheduledJob, error) {
	defer rows.Close()
	var jobs []ScheduledJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *Store) SaveJob(ctx context.Context, j *ScheduledJob) error {
	if j.Status == "" {
		j.Status = JobPending
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (id, tenant_id, name, spec, fire_at, timezone, repeat, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.TenantID, j.Name, string(j.Spec), toMillis(j.FireAt), j.Timezone, j.Repeat, j.Status, toMillis(j.CreatedAt))
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*ScheduledJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *Store) ListJobs(ctx context.Context, tenantID string) ([]ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM scheduled_jobs
		WHERE tenant_id = ? ORDER BY fire_at, created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return scanJobs(rows)
}

// ListDueJobs returns pending jobs whose fire time is at or before now,
// oldest first. Jobs whose fire time passed while the process was down are
// included.
func (s *Store) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]ScheduledJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM scheduled_jobs
		WHERE status = ? AND fire_at <= ?
		ORDER BY fire_at, created_at LIMIT ?`, JobPending, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	return scanJobs(rows)
}

// ClaimJob moves a pending job to running. It reports false if another
// dispatcher or a cancellation got there first.
func (s *Store) ClaimJob(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`, JobRunning, toMillis(at), id, JobPending)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return n == 1, nil
}

// FinishJob records the outcome of a running job.
func (s *Store) FinishJob(ctx context.Context, id, status, executionID, errMsg string, at time.Time) error {
	if status != JobCompleted && status != JobFailed {
		return fmt.Errorf("finish job: invalid status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET status = ?, execution_id = ?, error = ?, finished_at = ?
		WHERE id = ? AND status = ?`,
		status, nullString(executionID), nullString(errMsg), toMillis(at), id, JobRunning)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finish job %s: not running", id)
	}
	return nil
}

// CancelJob cancels a pending job owned by tenantID and links it to the
// execution record describing the cancellation. It reports false when no
// pending job matched; callers use GetJob to tell why.
func (s *Store) CancelJob(ctx context.Context, tenantID, id, executionID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET status = ?, execution_id = ?, finished_at = ?
		WHERE id = ? AND tenant_id = ? AND status = ?`,
		JobCancelled, nullString(executionID), toMillis(at), id, tenantID, JobPending)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return n == 1, nil
}

// RequeueRunningJobs returns jobs left running by an interrupted process to
// pending so they are dispatched again.
func (s *Store) RequeueRunningJobs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET status = ?, started_at = NULL WHERE status = ?`,
		JobPending, JobRunning)
	if err != nil {
		return 0, fmt.Errorf("requeue running jobs: %w", err)
	}
	return res.RowsAffected()
}

// PurgeJobs deletes terminal jobs that finished before cutoff.
func (s *Store) PurgeJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM scheduled_jobs
		WHERE status IN (?, ?, ?) AND finished_at IS NOT NULL AND finished_at < ?`,
		JobCompleted, JobFailed, JobCancelled, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return res.RowsAffected()
}
