package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/gateway"
	"github.com/jkaninda/runbox/internal/gateway/httpapi"
	"github.com/jkaninda/runbox/internal/gateway/ws"
	"github.com/jkaninda/runbox/internal/scheduler"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, event stream and maintenance scheduler",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
}

// runServe starts runbox in server mode and blocks until SIGINT or SIGTERM.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.Server.ListenAddr = servePort
	}
	logger := newLogger(cfg.Logging)
	logger.Info("starting runbox",
		slog.String("version", version),
		slog.String("backend", cfg.Sandbox.Backend),
	)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Containers left by a previous crash are unknown to the fresh registry.
	if n, err := sc.Sandboxes.ReconcileOrphans(ctx); err != nil {
		logger.Warn("orphan reconciliation failed", slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("removed orphaned sandboxes", slog.Int("count", n))
	}

	// Hot-reload the extra rules file.
	if path := cfg.Security.RulesFile; path != "" {
		if err := sc.Policy.WatchRules(ctx, path); err != nil {
			logger.Warn("security rules watcher disabled", slog.String("path", path), slog.String("error", err.Error()))
		}
	}

	// Maintenance scheduler.
	cancelScheduler, err := startScheduler(ctx, sc)
	if err != nil {
		return err
	}
	defer cancelScheduler()

	gateways := buildGateways(sc)
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
			runErr = err
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	return runErr
}

// startScheduler registers the built-in maintenance tasks and starts the loop.
func startScheduler(ctx context.Context, sc *SharedComponents) (func(), error) {
	var metrics *scheduler.Metrics
	if sc.Obs.Metrics != nil {
		metrics = scheduler.NewMetrics(sc.Obs.Metrics.Registry)
	}
	sched := scheduler.New(metrics, sc.Logger)

	m := &scheduler.Maintenance{
		Sandboxes: sc.Sandboxes,
		History:   sc.Controller.History(),
		Analyzer:  sc.GitHub,
		Retention: sc.Config.Scheduler.ArchiveRetention(),
	}
	if sc.Limiter != nil {
		m.Limiter = sc.Limiter
	}
	if archive := sc.Archive(); archive != nil {
		m.Archive = archive
	}
	if err := m.Register(sched, sc.Config.Scheduler); err != nil {
		return nil, fmt.Errorf("registering maintenance tasks: %w", err)
	}
	return sched.Start(ctx), nil
}

// buildGateways creates the HTTP gateway, with the event stream mounted
// when enabled.
func buildGateways(sc *SharedComponents) []gateway.Gateway {
	cfg := sc.Config

	apiCfg := httpapi.Config{
		ListenAddr:     cfg.Server.Addr(),
		EnableDocs:     cfg.Server.EnableDocs,
		APIKeys:        cfg.Server.APIKeys,
		MaxRequestSize: cfg.Server.MaxBodyBytes(),
		HealthChecker:  sc.Obs.Health,
		Metrics:        sc.Obs.Metrics,
	}
	if sc.Obs.Metrics != nil {
		apiCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		if o := cfg.Observability; o != nil && o.Metrics != nil {
			apiCfg.MetricsPath = o.Metrics.Path
		}
	}
	if sc.Obs.Tracer != nil {
		apiCfg.Tracer = sc.Obs.SpanTracer()
	}

	api := httpapi.NewGateway(apiCfg, sc.Controller, sc.Sandboxes, sc.Logger).
		WithAnalyzer(sc.GitHub)
	if archive := sc.Archive(); archive != nil {
		api.WithArchive(archive)
	}

	if cfg.Server.EnableWebSocket {
		events := ws.NewServer(sc.Controller, sc.Controller.Events(), ws.Config{APIKeys: cfg.Server.APIKeys}, sc.Logger)
		api.WithHandler(events.Pattern(), events.Handler())
		sc.Logger.Debug("execution event stream enabled", slog.String("path", events.Pattern()))
	}

	return []gateway.Gateway{api}
}
