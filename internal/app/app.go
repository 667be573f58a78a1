// Package app carries the bootstrap plumbing shared by the stage
// binaries: signal handling, dependency wait with the documented exit
// codes, and the ops HTTP endpoint every stage exposes.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/marinops/fleetcore/internal/config"
	"github.com/marinops/fleetcore/internal/logging"
	"github.com/marinops/fleetcore/internal/monitoring"
	"github.com/marinops/fleetcore/internal/pipeline"
	"github.com/marinops/fleetcore/internal/policy"
)

// Process exit codes. Deployment tooling keys restart behavior off
// these: 2 means a dependency never became reachable.
const (
	ExitOK                    = 0
	ExitError                 = 1
	ExitDependencyUnavailable = 2
)

const (
	// DependencyWait bounds how long a starting stage retries an
	// unreachable dependency before giving up with exit code 2.
	DependencyWait  = 60 * time.Second
	dependencyRetry = 2 * time.Second
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// SignalContext returns a context cancelled on SIGINT/SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// WaitForDependency retries connect until it succeeds or the dependency
// wait elapses. The returned error means the caller should exit with
// ExitDependencyUnavailable.
func WaitForDependency(ctx context.Context, logger logging.Logger, name string, connect func(context.Context) error) error {
	deadline := time.Now().Add(DependencyWait)
	var lastErr error

	for {
		attemptCtx, cancel := context.WithTimeout(ctx, dependencyRetry*2)
		lastErr = connect(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s unreachable after %s: %w", name, DependencyWait, lastErr)
		}
		logger.Warn("Dependency not ready; retrying", "dependency", name, "error", lastErr)

		select {
		case <-time.After(dependencyRetry):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// LoadPolicies opens the operator policy store. A missing document is
// not fatal: the stage runs on compiled-in defaults.
func LoadPolicies(cfg *config.Config, logger logging.Logger) (*policy.Store, error) {
	path := cfg.Policy.Path
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			logger.Warn("Policy document not found; using defaults", "path", path)
			path = ""
		}
	}
	return policy.NewStore(path, logger)
}

// WatchPolicies starts hot reload in the background when enabled.
func WatchPolicies(ctx context.Context, cfg *config.Config, store *policy.Store, logger logging.Logger) {
	if !cfg.Policy.HotReload {
		return
	}
	go func() {
		if err := store.Watch(ctx); err != nil {
			logger.Error("Policy watcher stopped", "error", err)
		}
	}()
}

// PoolSize resolves the configured worker pool size; 0 means the
// CPU-derived default.
func PoolSize(cfg *config.Config) int {
	if cfg.Workers.PoolSize > 0 {
		return cfg.Workers.PoolSize
	}
	return pipeline.DefaultPoolSize()
}

// StartOpsServer serves /health and /metrics for a worker stage (the
// incident API mounts these on its own router instead). The server is
// shut down by cancelling ctx.
func StartOpsServer(ctx context.Context, cfg *config.Config, component string, logger logging.Logger) {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"component": component,
			"time":      time.Now().UTC(),
		})
	})
	monitoring.SetupPrometheusMetrics(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Ops endpoint listening", "component", component, "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Ops endpoint failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
