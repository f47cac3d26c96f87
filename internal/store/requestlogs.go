package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mtzanidakis/swarmd/internal/credits"
)

// RequestLog is one append-only telemetry row.
type RequestLog struct {
	ID          int64          `json:"id"`
	Kind        string         `json:"kind"`
	TenantID    string         `json:"tenant_id"`
	ExecutionID string         `json:"execution_id,omitempty"`
	JobID       string         `json:"job_id,omitempty"`
	SwarmName   string         `json:"swarm_name,omitempty"`
	Status      string         `json:"status,omitempty"`
	Credits     credits.Amount `json:"credits"`
	Detail      string         `json:"detail,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

func (s *Store) AppendRequestLog(ctx context.Context, l *RequestLog) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO request_logs (kind, tenant_id, execution_id, job_id, swarm_name, status, credits, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.Kind, l.TenantID, nullString(l.ExecutionID), nullString(l.JobID), nullString(l.SwarmName),
		nullString(l.Status), l.Credits, nullString(l.Detail), toMillis(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("append request log: %w", err)
	}
	id, err := res.LastInsertId()
	if err == nil {
		l.ID = id
	}
	return nil
}

// ListRequestLogs returns a tenant's most recent log rows, newest first.
func (s *Store) ListRequestLogs(ctx context.Context, tenantID string, limit int) ([]RequestLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, tenant_id, execution_id, job_id, swarm_name, status, credits, detail, created_at
		FROM request_logs WHERE tenant_id = ?
		ORDER BY id DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list request logs: %w", err)
	}
	defer rows.Close()

	var logs []RequestLog
	for rows.Next() {
		var l RequestLog
		var execID, jobID, swarmName, status, detail sql.NullString
		var created int64
		if err := rows.Scan(&l.ID, &l.Kind, &l.TenantID, &execID, &jobID, &swarmName, &status,
			&l.Credits, &detail, &created); err != nil {
			return nil, fmt.Errorf("scan request log: %w", err)
		}
		l.ExecutionID = execID.String
		l.JobID = jobID.String
		l.SwarmName = swarmName.String
		l.Status = status.String
		l.Detail = detail.String
		l.CreatedAt = fromMillis(created)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
