package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mtzanidakis/swarmd/internal/credits"
)

// Execution statuses.
const (
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionDegraded  = "degraded"
	ExecutionFailed    = "failed"
	ExecutionCancelled = "cancelled"
)

// ErrExecutionFinalized is returned when finalizing a record twice.
var ErrExecutionFinalized = errors.New("execution already finalized")

// Execution is the durable record of one swarm run.
type Execution struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	JobID           string          `json:"job_id,omitempty"`
	SwarmName       string          `json:"swarm_name"`
	SwarmType       string          `json:"swarm_type"`
	Spec            json.RawMessage `json:"spec"`
	Status          string          `json:"status"`
	Output          string          `json:"output,omitempty"`
	History         json.RawMessage `json:"history,omitempty"`
	InputTokens     int64           `json:"input_tokens"`
	OutputTokens    int64           `json:"output_tokens"`
	CreditsReserved credits.Amount  `json:"credits_reserved"`
	CreditsConsumed credits.Amount  `json:"credits_consumed"`
	Error           string          `json:"error,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

// ExecutionFilter narrows ListExecutions. Zero fields match everything.
type ExecutionFilter struct {
	Status string
	JobID  string
	Since  time.Time
	Until  time.Time
	Limit  int
}

const executionColumns = `id, tenant_id, job_id, swarm_name, swarm_type, spec, status, output, history,
	input_tokens, output_tokens, credits_reserved, credits_consumed, error, started_at, finished_at`

func scanExecution(row scanner) (*Execution, error) {
	e := &Execution{}
	var jobID, output, history, errMsg sql.NullString
	var spec string
	var started int64
	var finished sql.NullInt64
	err := row.Scan(&e.ID, &e.TenantID, &jobID, &e.SwarmName, &e.SwarmType, &spec, &e.Status, &output, &history,
		&e.InputTokens, &e.OutputTokens, &e.CreditsReserved, &e.CreditsConsumed, &errMsg, &started, &finished)
	if err != nil {
		return nil, err
	}
	e.JobID = jobID.String
	e.Spec = json.RawMessage(spec)
	e.Output = output.String
	if history.Valid && history.String != "" {
		e.History = json.RawMessage(history.String)
	}
	e.Error = errMsg.String
	e.StartedAt = fromMillis(started)
	e.FinishedAt = fromNullMillis(finished)
	return e, nil
}

// InsertExecution creates the running record at the start of an execution.
func (s *Store) InsertExecution(ctx context.Context, e *Execution) error {
	if e.Status == "" {
		e.Status = ExecutionRunning
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, tenant_id, job_id, swarm_name, swarm_type, spec, status,
			credits_reserved, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, nullString(e.JobID), e.SwarmName, e.SwarmType, string(e.Spec), e.Status,
		e.CreditsReserved, toMillis(e.StartedAt))
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// RecordExecution stores a record that is terminal from the start, such as
// a scheduled job that failed before its swarm could run.
func (s *Store) RecordExecution(ctx context.Context, e *Execution) error {
	if e.Status == ExecutionRunning || e.Status == "" {
		return fmt.Errorf("record execution: invalid status %q", e.Status)
	}
	if e.FinishedAt == nil {
		finished := e.StartedAt
		e.FinishedAt = &finished
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, tenant_id, job_id, swarm_name, swarm_type, spec, status,
			output, credits_reserved, credits_consumed, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, nullString(e.JobID), e.SwarmName, e.SwarmType, string(e.Spec), e.Status,
		nullString(e.Output), e.CreditsReserved, e.CreditsConsumed, nullString(e.Error),
		toMillis(e.StartedAt), nullMillis(e.FinishedAt))
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}

// FinalizeExecution writes the outcome of a running record. Finalized
// records are immutable: a second call returns ErrExecutionFinalized.
func (s *Store) FinalizeExecution(ctx context.Context, e *Execution) error {
	if e.Status == ExecutionRunning || e.Status == "" {
		return fmt.Errorf("finalize execution: invalid status %q", e.Status)
	}
	var history sql.NullString
	if len(e.History) > 0 {
		history = sql.NullString{String: string(e.History), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET
			swarm_type = ?, status = ?, output = ?, history = ?,
			input_tokens = ?, output_tokens = ?, credits_consumed = ?,
			error = ?, finished_at = ?
		WHERE id = ? AND status = ?`,
		e.SwarmType, e.Status, nullString(e.Output), history,
		e.InputTokens, e.OutputTokens, e.CreditsConsumed,
		nullString(e.Error), nullMillis(e.FinishedAt), e.ID, ExecutionRunning)
	if err != nil {
		return fmt.Errorf("finalize execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize execution: %w", err)
	}
	if n == 0 {
		return ErrExecutionFinalized
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns a tenant's records, newest first.
func (s *Store) ListExecutions(ctx context.Context, tenantID string, f ExecutionFilter) ([]Execution, error) {
	where := []string{"tenant_id = ?"}
	args := []any{tenantID}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, f.JobID)
	}
	if !f.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, toMillis(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "started_at < ?")
		args = append(args, toMillis(f.Until))
	}
	query := `SELECT ` + executionColumns + ` FROM executions WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY started_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
