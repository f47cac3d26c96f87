package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/swarmd/internal/agent"
	"github.com/mtzanidakis/swarmd/internal/auth"
	"github.com/mtzanidakis/swarmd/internal/config"
	"github.com/mtzanidakis/swarmd/internal/ledger"
	"github.com/mtzanidakis/swarmd/internal/natsbus"
	"github.com/mtzanidakis/swarmd/internal/orchestrator"
	"github.com/mtzanidakis/swarmd/internal/otel"
	"github.com/mtzanidakis/swarmd/internal/pricing"
	"github.com/mtzanidakis/swarmd/internal/scheduler"
	"github.com/mtzanidakis/swarmd/internal/store"
	"github.com/mtzanidakis/swarmd/internal/swarm"
	"github.com/mtzanidakis/swarmd/internal/telemetry"
	"github.com/mtzanidakis/swarmd/internal/web"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server, scheduler and event bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}
}

func runServe(opts *rootOptions) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	slog.Info("starting swarmd", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := otel.Setup(ctx, cfg.Otel, version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("tracing shutdown", "error", err)
		}
	}()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	pub, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("init nats client: %w", err)
	}
	defer pub.Close()

	// Telemetry sink; closed before the bus so queued events still publish.
	sink, err := telemetry.NewSink(cfg.Telemetry, db, pub)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer sink.Close()

	// Agent runners
	reg := agent.NewFromConfig(cfg.Agents)
	slog.Info("agent runners registered", "prefixes", reg.Prefixes())
	engine := swarm.NewEngine(agent.NewRetrying(reg, cfg.Agents))

	pricer, err := pricing.New(cfg.Pricing)
	if err != nil {
		return fmt.Errorf("init pricing: %w", err)
	}

	l := ledger.New(db)
	orch := orchestrator.New(db, l, engine, pricer, sink, orchestrator.WithWorkers(cfg.Orchestrator.Workers))

	// Scheduler
	sched := scheduler.New(db, orch, sink, cfg.Scheduler)
	go sched.Start(ctx)

	// HTTP API
	if cfg.Web.Enabled {
		srv := web.NewServer(orch, sched, l, auth.New(db, cfg.Auth), bus, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
				cancel()
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown signal; SIGHUP reloads config.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			return nil
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				cfg = reload(opts, cfg, sched, orch)
				continue
			}
			slog.Info("shutting down", "signal", sig)
			cancel()
			return nil
		}
	}
}

// reload applies the reloadable parts of a changed config file and returns
// the config now in effect.
func reload(opts *rootOptions, old *config.Config, sched *scheduler.Scheduler, orch *orchestrator.Orchestrator) *config.Config {
	next, err := opts.load()
	if err != nil {
		slog.Error("config reload failed", "error", err)
		return old
	}

	d := config.Diff(old, next)
	for _, field := range d.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	if !d.HasChanges() {
		slog.Info("config reloaded, nothing to apply")
		return next
	}

	if d.SchedulerChanged {
		sched.UpdateConfig(d.NewScheduler)
	}
	if d.PricingChanged {
		p, err := pricing.New(d.NewPricing)
		if err != nil {
			slog.Error("invalid pricing, keeping previous table", "error", err)
			next.Pricing = old.Pricing
		} else {
			orch.SetPricer(p)
			slog.Info("pricing reloaded")
		}
	}
	return next
}
