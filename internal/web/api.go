package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/swarmd/internal/credits"
	"github.com/mtzanidakis/swarmd/internal/ledger"
	"github.com/mtzanidakis/swarmd/internal/orchestrator"
	"github.com/mtzanidakis/swarmd/internal/scheduler"
	"github.com/mtzanidakis/swarmd/internal/store"
	"github.com/mtzanidakis/swarmd/internal/swarm"
)

// maxBatch bounds the number of specs in one batch request.
const maxBatch = 50

func (s *Server) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.getHealth)

	// Swarms
	mux.HandleFunc("GET /v1/swarms/available", s.listSwarmTypes)
	mux.HandleFunc("POST /v1/swarm/completions", s.executeSwarm)
	mux.HandleFunc("POST /v1/swarm/batch/completions", s.executeBatch)

	// Scheduled jobs
	mux.HandleFunc("POST /v1/swarm/schedule", s.scheduleSwarm)
	mux.HandleFunc("GET /v1/swarm/schedule", s.listJobs)
	mux.HandleFunc("DELETE /v1/swarm/schedule/{id}", s.cancelJob)

	// Records
	mux.HandleFunc("GET /v1/swarm/logs", s.getLogs)
	mux.HandleFunc("GET /v1/credits", s.getCredits)
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{
		"status":    "ok",
		"version":   s.version,
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) listSwarmTypes(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{"swarm_types": swarm.SwarmTypes})
}

// executionResponse is an execution record as returned to clients. History
// is included only when the spec asked for it.
type executionResponse struct {
	ID              string         `json:"id"`
	JobID           string         `json:"job_id,omitempty"`
	SwarmName       string         `json:"swarm_name"`
	SwarmType       string         `json:"swarm_type"`
	Status          string         `json:"status"`
	Output          string         `json:"output"`
	History         []swarm.Step   `json:"history,omitempty"`
	InputTokens     int64          `json:"input_tokens"`
	OutputTokens    int64          `json:"output_tokens"`
	CreditsReserved credits.Amount `json:"credits_reserved"`
	CreditsConsumed credits.Amount `json:"credits_consumed"`
	Error           string         `json:"error,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
}

func toExecutionResponse(e *store.Execution, withHistory bool) executionResponse {
	resp := executionResponse{
		ID:              e.ID,
		JobID:           e.JobID,
		SwarmName:       e.SwarmName,
		SwarmType:       e.SwarmType,
		Status:          e.Status,
		Output:          e.Output,
		InputTokens:     e.InputTokens,
		OutputTokens:    e.OutputTokens,
		CreditsReserved: e.CreditsReserved,
		CreditsConsumed: e.CreditsConsumed,
		Error:           e.Error,
		StartedAt:       e.StartedAt,
		FinishedAt:      e.FinishedAt,
	}
	if withHistory && len(e.History) > 0 {
		if err := json.Unmarshal(e.History, &resp.History); err != nil {
			slog.Warn("decode execution history", "id", e.ID, "error", err)
		}
	}
	return resp
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) executeSwarm(w http.ResponseWriter, r *http.Request) {
	var spec swarm.SwarmSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	exec, err := s.orch.Execute(r.Context(), tenantFrom(r.Context()), spec)
	if err != nil {
		writeError(w, err, spec.ReturnHistory)
		return
	}
	jsonResponse(w, toExecutionResponse(exec, spec.ReturnHistory))
}

type batchItemResponse struct {
	Execution *executionResponse `json:"execution,omitempty"`
	Error     *errorBody         `json:"error,omitempty"`
}

func (s *Server) executeBatch(w http.ResponseWriter, r *http.Request) {
	var specs []swarm.SwarmSpec
	if !decodeBody(w, r, &specs) {
		return
	}
	if len(specs) == 0 || len(specs) > maxBatch {
		jsonError(w, fmt.Sprintf("batch must hold between 1 and %d specs", maxBatch), http.StatusBadRequest)
		return
	}

	items := s.orch.ExecuteBatch(r.Context(), tenantFrom(r.Context()), specs)
	out := make([]batchItemResponse, len(items))
	for i, it := range items {
		if it.Execution != nil {
			resp := toExecutionResponse(it.Execution, specs[i].ReturnHistory)
			out[i].Execution = &resp
		}
		if it.Err != nil {
			body, _ := toErrorBody(it.Err, specs[i].ReturnHistory)
			out[i].Error = &body
		}
	}
	jsonResponse(w, out)
}

func (s *Server) scheduleSwarm(w http.ResponseWriter, r *http.Request) {
	var spec swarm.SwarmSpec
	if !decodeBody(w, r, &spec) {
		return
	}
	if spec.Schedule == nil {
		writeError(w, fieldError("schedule", "is required"), false)
		return
	}
	job, err := s.sched.Schedule(r.Context(), tenantFrom(r.Context()), spec, *spec.Schedule)
	if err != nil {
		writeError(w, err, false)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.sched.ListJobs(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		writeError(w, err, false)
		return
	}
	if jobs == nil {
		jobs = []store.ScheduledJob{}
	}
	jsonResponse(w, jobs)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sched.CancelJob(r.Context(), tenantFrom(r.Context()), id); err != nil {
		writeError(w, err, false)
		return
	}
	jsonResponse(w, map[string]string{"status": store.JobCancelled, "id": id})
}

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ExecutionFilter{
		Status: q.Get("status"),
		JobID:  q.Get("job_id"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, fieldError("since", "must be an RFC 3339 timestamp"), false)
			return
		}
		f.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, fieldError("limit", "must be between 1 and 1000"), false)
			return
		}
		f.Limit = n
	}
	switch q.Get("source") {
	case "", "executions":
	case "requests":
		s.getRequestLogs(w, r, f.Limit)
		return
	default:
		writeError(w, fieldError("source", "must be executions or requests"), false)
		return
	}
	withHistory := q.Get("history") == "true"

	execs, err := s.orch.GetLogs(r.Context(), tenantFrom(r.Context()), f)
	if err != nil {
		writeError(w, err, false)
		return
	}
	out := make([]executionResponse, len(execs))
	for i := range execs {
		out[i] = toExecutionResponse(&execs[i], withHistory)
	}
	jsonResponse(w, out)
}

func (s *Server) getRequestLogs(w http.ResponseWriter, r *http.Request, limit int) {
	logs, err := s.orch.GetRequestLogs(r.Context(), tenantFrom(r.Context()), limit)
	if err != nil {
		writeError(w, err, false)
		return
	}
	if logs == nil {
		logs = []store.RequestLog{}
	}
	jsonResponse(w, logs)
}

func (s *Server) getCredits(w http.ResponseWriter, r *http.Request) {
	b, err := s.ledger.Balance(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		writeError(w, err, false)
		return
	}
	jsonResponse(w, map[string]any{
		"tenant_id":    b.TenantID,
		"free_credits": b.Free,
		"paid_credits": b.Paid,
		"reserved":     b.Reserved,
		"available":    b.Available(),
	})
}

func fieldError(field, msg string) error {
	v := &swarm.ValidationError{}
	v.Add(field, "%s", msg)
	return fmt.Errorf("%w: %w", orchestrator.ErrValidationFailed, v)
}

type errorBody struct {
	Error     string             `json:"error"`
	Fields    []swarm.FieldError `json:"fields,omitempty"`
	Execution *executionResponse `json:"execution,omitempty"`
}

// toErrorBody maps err to a client body and status code.
func toErrorBody(err error, withHistory bool) (errorBody, int) {
	body := errorBody{Error: err.Error()}

	var verr *swarm.ValidationError
	var execErr *orchestrator.ExecutionError
	switch {
	case errors.Is(err, orchestrator.ErrValidationFailed):
		if errors.As(err, &verr) {
			body.Fields = verr.Fields
		}
		return body, http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return body, http.StatusPaymentRequired
	case errors.Is(err, scheduler.ErrSchedulingConflict),
		errors.Is(err, scheduler.ErrAlreadyTerminal),
		errors.Is(err, scheduler.ErrJobRunning):
		return body, http.StatusConflict
	case errors.Is(err, scheduler.ErrNotFound):
		return body, http.StatusNotFound
	case errors.As(err, &execErr):
		resp := toExecutionResponse(execErr.Execution, withHistory)
		body.Execution = &resp
		return body, http.StatusInternalServerError
	default:
		slog.Error("request failed", "error", err)
		body.Error = "internal error"
		return body, http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error, withHistory bool) {
	body, code := toErrorBody(err, withHistory)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
