// Package telemetry records what happens to executions and jobs. Events go
// to the request log table and out on the event bus.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mtzanidakis/swarmd/internal/config"
	"github.com/mtzanidakis/swarmd/internal/credits"
	"github.com/mtzanidakis/swarmd/internal/natsbus"
	"github.com/mtzanidakis/swarmd/internal/store"
)

type Kind string

const (
	KindExecution Kind = "execution"
	KindBatch     Kind = "batch"
	KindSchedule  Kind = "schedule"
	KindJob       Kind = "job"
	KindCredits   Kind = "credits"
)

// Event is the single telemetry record produced by every component.
type Event struct {
	Kind        Kind           `json:"kind"`
	TenantID    string         `json:"tenant_id"`
	ExecutionID string         `json:"execution_id,omitempty"`
	JobID       string         `json:"job_id,omitempty"`
	SwarmName   string         `json:"swarm_name,omitempty"`
	Status      string         `json:"status,omitempty"`
	Credits     credits.Amount `json:"credits"`
	Detail      string         `json:"detail,omitempty"`
	Time        time.Time      `json:"time"`
}

// Emitter accepts events. Emit must be safe for concurrent use.
type Emitter interface {
	Emit(e Event)
}

// Discard drops every event.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}

// LogWriter persists events.
type LogWriter interface {
	AppendRequestLog(ctx context.Context, l *store.RequestLog) error
}

// Publisher broadcasts events.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

type Policy string

const (
	PolicyDropOldest Policy = "drop_oldest"
	PolicyBlock      Policy = "block"
)

// Sink queues events and writes them from a single goroutine so emitters
// never wait on storage.
type Sink struct {
	writer LogWriter
	pub    Publisher
	policy Policy
	clock  func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}

	dropped atomic.Int64
	written atomic.Int64
}

var _ Emitter = (*Sink)(nil)

type Option func(*Sink)

// WithClock stamps events with clock instead of time.Now.
func WithClock(clock func() time.Time) Option {
	return func(s *Sink) { s.clock = clock }
}

// NewSink starts the writer goroutine. pub may be nil.
func NewSink(cfg config.TelemetryConfig, w LogWriter, pub Publisher, opts ...Option) (*Sink, error) {
	policy := Policy(cfg.Policy)
	if policy == "" {
		policy = PolicyDropOldest
	}
	if policy != PolicyDropOldest && policy != PolicyBlock {
		return nil, fmt.Errorf("unknown telemetry policy %q", cfg.Policy)
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 1024
	}

	s := &Sink{
		writer: w,
		pub:    pub,
		policy: policy,
		clock:  time.Now,
		queue:  make(chan Event, size),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.run()
	return s, nil
}

// Emit queues e. Under drop_oldest a full queue discards its oldest event;
// under block the caller waits for room. Events emitted after Close are
// dropped.
func (s *Sink) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = s.clock()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.drop(e, "sink closed")
		return
	}

	if s.policy == PolicyBlock {
		s.queue <- e
		return
	}
	for {
		select {
		case s.queue <- e:
			return
		default:
		}
		select {
		case old := <-s.queue:
			s.drop(old, "queue full")
		default:
		}
	}
}

func (s *Sink) drop(e Event, reason string) {
	n := s.dropped.Add(1)
	slog.Warn("telemetry event dropped", "reason", reason, "kind", e.Kind, "tenant", e.TenantID, "dropped_total", n)
}

// Dropped is the number of events discarded so far.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Written is the number of events persisted so far.
func (s *Sink) Written() int64 {
	return s.written.Load()
}

// Close stops accepting events, drains the queue and waits for the writer.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
}

func (s *Sink) run() {
	defer close(s.done)
	for e := range s.queue {
		s.write(e)
	}
}

func (s *Sink) write(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	row := &store.RequestLog{
		Kind:        string(e.Kind),
		TenantID:    e.TenantID,
		ExecutionID: e.ExecutionID,
		JobID:       e.JobID,
		SwarmName:   e.SwarmName,
		Status:      e.Status,
		Credits:     e.Credits,
		Detail:      e.Detail,
		CreatedAt:   e.Time,
	}
	if err := s.writer.AppendRequestLog(ctx, row); err != nil {
		slog.Error("telemetry write failed", "kind", e.Kind, "tenant", e.TenantID, "error", err)
	} else {
		s.written.Add(1)
	}

	if s.pub != nil {
		if err := s.pub.PublishJSON(natsbus.TopicEvents(string(e.Kind), e.TenantID), e); err != nil {
			slog.Warn("telemetry publish failed", "kind", e.Kind, "error", err)
		}
	}
}
