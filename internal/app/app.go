// Package app wires the engine together: storage, governor, freeze
// manager, dispatch workers, lifecycle scheduler and HTTP API.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lettermill/lettermill/internal/api"
	"github.com/lettermill/lettermill/internal/config"
	"github.com/lettermill/lettermill/internal/dispatch"
	"github.com/lettermill/lettermill/internal/fanout"
	"github.com/lettermill/lettermill/internal/freeze"
	"github.com/lettermill/lettermill/internal/governor"
	"github.com/lettermill/lettermill/internal/lifecycle"
	"github.com/lettermill/lettermill/internal/metrics"
	"github.com/lettermill/lettermill/internal/provider"
	"github.com/lettermill/lettermill/internal/resolver"
	"github.com/lettermill/lettermill/internal/store"
)

// App is the main application
type App struct {
	config    *config.Config
	store     *store.Store
	lifecycle *lifecycle.Service
	processor *dispatch.Processor
	apiServer *api.Server
	metrics   *metrics.Metrics
	sandbox   *provider.Sandbox
	logger    *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	gov := governor.New(st)
	freezer := freeze.New(st, freeze.Config{
		Threshold: cfg.Freeze.Threshold,
		Cooldown:  cfg.Freeze.Cooldown,
	}, logger.With("component", "freeze"))

	// The router picks the provider implementation per service. Sandbox
	// mode keeps everything in memory for local development.
	var sandbox *provider.Sandbox
	var router *provider.Router
	if cfg.Sandbox {
		sandbox = provider.NewSandbox()
		router = provider.NewRouter(map[string]provider.Provider{
			"smtp":    sandbox,
			"sandbox": sandbox,
		})
		logger.Info("sandbox mode enabled, no mail leaves the process")
	} else {
		router = provider.NewRouter(map[string]provider.Provider{
			"smtp":    provider.NewSMTP(),
			"sandbox": provider.NewSandbox(),
		})
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	processor := dispatch.New(st, gov, freezer, router, dispatch.Config{
		Workers:       cfg.Dispatch.Workers,
		BatchSize:     cfg.Dispatch.BatchSize,
		PollInterval:  cfg.Dispatch.PollInterval,
		MaxRetries:    cfg.Dispatch.MaxRetries,
		BackoffBase:   cfg.Dispatch.BackoffBase,
		BackoffCap:    cfg.Dispatch.BackoffCap,
		SendTimeout:   cfg.Dispatch.SendTimeout,
		PacePerSecond: cfg.Dispatch.PacePerSecond,
	}, m, logger.With("component", "dispatch"))

	lc := lifecycle.New(st, resolver.New(st), fanout.New(st, nil), logger.With("component", "lifecycle"))

	var metricsHandler http.Handler
	if m != nil {
		metricsHandler = m.Handler()
	}
	apiServer := api.NewServer(st, lc, gov, freezer, &cfg.API, metricsHandler, logger.With("component", "api"))

	return &App{
		config:    cfg,
		store:     st,
		lifecycle: lc,
		processor: processor,
		apiServer: apiServer,
		metrics:   m,
		sandbox:   sandbox,
		logger:    logger,
	}, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting lettermill",
		"api_addr", a.config.API.ListenAddr,
		"storage", a.config.Storage.Path,
		"workers", a.config.Dispatch.Workers,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.processor.Start(ctx)
	go a.schedulerLoop(ctx)
	if a.metrics != nil {
		go a.metricsLoop(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// schedulerLoop activates due scheduled tasks and sweeps sending tasks
// toward their terminal status.
func (a *App) schedulerLoop(ctx context.Context) {
	ticker := time.NewTicker(a.config.Scheduler.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			a.lifecycle.ActivateDue(now)
			if err := a.lifecycle.Sweep(now); err != nil {
				a.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// metricsLoop refreshes the queue and system gauges
func (a *App) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(a.config.Metrics.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := a.store.TaskStats("")
			if err != nil {
				a.logger.Error("failed to compute queue stats", "error", err)
				continue
			}
			a.metrics.UpdateQueue(stats)
			a.metrics.UpdateSystem()
		}
	}
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop workers first so no claims are in flight when storage closes
	a.processor.Stop()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if err := a.store.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
