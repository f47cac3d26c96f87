package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/swarmd/internal/auth"
	"github.com/mtzanidakis/swarmd/internal/config"
	"github.com/mtzanidakis/swarmd/internal/ledger"
	"github.com/mtzanidakis/swarmd/internal/natsbus"
	"github.com/mtzanidakis/swarmd/internal/orchestrator"
	"github.com/mtzanidakis/swarmd/internal/scheduler"
	"github.com/mtzanidakis/swarmd/internal/telemetry"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 4 << 20

type Server struct {
	orch      *orchestrator.Orchestrator
	sched     *scheduler.Scheduler
	ledger    *ledger.Ledger
	auth      *auth.Authenticator
	bus       *natsbus.Bus
	nats      *natsbus.Client
	hub       *Hub
	limiter   *ipLimiter
	cfg       config.WebConfig
	version   string
	startedAt time.Time
}

// NewServer wires the HTTP API. bus may be nil, in which case the event
// stream stays silent.
func NewServer(orch *orchestrator.Orchestrator, sched *scheduler.Scheduler, l *ledger.Ledger, a *auth.Authenticator, bus *natsbus.Bus, cfg config.WebConfig, version string) *Server {
	return &Server{
		orch:      orch,
		sched:     sched,
		ledger:    l,
		auth:      a,
		bus:       bus,
		hub:       NewHub(),
		limiter:   newIPLimiter(cfg.RateLimit, cfg.RateWindow),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
	}
}

// Handler returns the routed API with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("GET /v1/events", s.handleWebSocket)
	return s.withMiddleware(mux)
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	// Forward bus events to websocket clients.
	s.subscribeEvents()
	defer func() {
		if s.nats != nil {
			s.nats.Close()
		}
	}()

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("web server shutdown", "error", err)
			server.Close()
		}
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) subscribeEvents() {
	if s.bus == nil {
		return
	}
	client, err := natsbus.NewClient(s.bus)
	if err != nil {
		slog.Error("web server nats client failed", "error", err)
		return
	}
	s.nats = client

	_, err = client.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
		var event telemetry.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Warn("invalid NATS event payload", "subject", msg.Subject, "error", err)
			return
		}
		s.hub.Broadcast(event)
	})
	if err != nil {
		slog.Error("subscribe to events failed", "error", err)
	}
}
