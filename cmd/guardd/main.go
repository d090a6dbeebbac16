// Package main is the operational host for the guard core. It loads
// configuration, builds the circuit breaker registry and rate limiters,
// assembles the middleware stack around the diagnostics endpoints, and
// handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rgould/guardcore/internal/admin"
	"github.com/rgould/guardcore/internal/breaker"
	"github.com/rgould/guardcore/internal/config"
	"github.com/rgould/guardcore/internal/health"
	"github.com/rgould/guardcore/internal/logging"
	"github.com/rgould/guardcore/internal/metrics"
	"github.com/rgould/guardcore/internal/middleware"
	"github.com/rgould/guardcore/internal/ratelimit"
)

func main() {
	configPath := flag.String("config", "configs/guard.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logOut, logCloser, err := logging.Open(cfg.Logging)
	if err != nil {
		slog.Error("failed to open log output", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: slog.LevelInfo}))

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"dependencies", len(cfg.Breaker.Dependencies),
		"limiters", len(cfg.Limits),
		"global_limit_enabled", cfg.GlobalLimit.IsEnabled(),
		"admin_enabled", cfg.Admin.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	// Circuit breaker registry with per-dependency overrides.
	registry := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
	}, logger)
	configureDependencies(registry, cfg)

	// Feature-scoped limiters (contact form, post ingestion, ...).
	limiters := buildLimiters(cfg, logger)
	defer func() {
		for _, l := range limiters {
			l.Stop()
		}
	}()

	// Global per-IP request throttle.
	guard := ratelimit.NewGuard(cfg.GlobalLimit, cfg.Server.TrustedProxies, logger)
	defer guard.Stop()

	mux := http.NewServeMux()

	healthHandler := health.New(registry, logger)
	healthHandler.RegisterRoutes(mux)

	if cfg.Metrics.IsEnabled() {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
	}

	// Config hot reload: re-apply breaker settings and limiter windows.
	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.OnReload(func(newCfg *config.Config) {
		registry.SetDefaults(breaker.Settings{
			FailureThreshold: newCfg.Breaker.FailureThreshold,
			ResetTimeout:     newCfg.Breaker.ResetTimeout,
		})
		configureDependencies(registry, newCfg)
		guard.Apply(newCfg.GlobalLimit, newCfg.Server.TrustedProxies)
		applyLimitChanges(limiters, newCfg, logger)
	})
	reloader.Start()
	defer reloader.Stop()

	if cfg.Admin.Enabled {
		adminLimiters := make(map[string]*ratelimit.Limiter, len(limiters)+1)
		for name, l := range limiters {
			adminLimiters[name] = l
		}
		adminLimiters["global"] = guard.Limiter()

		adminHandler := admin.New(reloader, registry, adminLimiters, cfg.Admin.IPAllowlist, cfg.Admin.JWTSecret, logger)
		adminHandler.RegisterRoutes(mux)
	}

	// Middleware stack: Recovery → RequestID → Logging → Guard.
	var handler http.Handler = mux
	if cfg.GlobalLimit.IsEnabled() {
		handler = guard.Middleware()(handler)
	}
	handler = middleware.Logging(logger)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("guard server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		os.Exit(1)
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// configureDependencies applies per-dependency breaker overrides.
func configureDependencies(registry *breaker.Registry, cfg *config.Config) {
	for _, dep := range cfg.Breaker.Dependencies {
		registry.Configure(dep.Name, breaker.Settings{
			FailureThreshold: dep.FailureThreshold,
			ResetTimeout:     dep.ResetTimeout,
		})
	}
}

// applyLimitChanges swaps the windows of existing limiters on config
// reload. Adding or removing a limiter changes the set of routes and
// admin surfaces that reference it, so those changes require a restart.
func applyLimitChanges(limiters map[string]*ratelimit.Limiter, cfg *config.Config, logger *slog.Logger) {
	seen := make(map[string]bool, len(cfg.Limits))
	for _, lc := range cfg.Limits {
		seen[lc.Name] = true
		l, ok := limiters[lc.Name]
		if !ok {
			logger.Warn("new limiter in reloaded config requires a restart", "limiter", lc.Name)
			continue
		}
		windows := make([]ratelimit.Window, len(lc.Windows))
		for i, w := range lc.Windows {
			windows[i] = ratelimit.Window{Name: w.Name, Duration: w.Duration, Max: w.Max}
		}
		l.SetWindows(windows)
	}
	for name := range limiters {
		if !seen[name] {
			logger.Warn("limiter removed from config stays active until restart", "limiter", name)
		}
	}
}

// buildLimiters constructs the feature-scoped limiters from config.
func buildLimiters(cfg *config.Config, logger *slog.Logger) map[string]*ratelimit.Limiter {
	limiters := make(map[string]*ratelimit.Limiter, len(cfg.Limits))
	for _, lc := range cfg.Limits {
		windows := make([]ratelimit.Window, len(lc.Windows))
		for i, w := range lc.Windows {
			windows[i] = ratelimit.Window{Name: w.Name, Duration: w.Duration, Max: w.Max}
		}
		limiters[lc.Name] = ratelimit.New(lc.Name, windows, ratelimit.NewMemoryStore(), lc.CleanupInterval, logger)
	}
	return limiters
}
