package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/marinops/fleetcore/internal/app"
	"github.com/marinops/fleetcore/internal/bus"
	"github.com/marinops/fleetcore/internal/config"
	"github.com/marinops/fleetcore/internal/correlate"
	"github.com/marinops/fleetcore/internal/logging"
	"github.com/marinops/fleetcore/internal/monitoring"
	"github.com/marinops/fleetcore/internal/pipeline"
	"github.com/marinops/fleetcore/internal/storage"
	"github.com/marinops/fleetcore/internal/tracing"
	corelogger "github.com/marinops/fleetcore/pkg/logger"
)

const component = "correlator"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return app.ExitError
	}

	logger := logging.FromCoreLogger(corelogger.New(cfg.LogLevel))
	logger.Info("Starting fleetcore correlator", "version", app.Version, "environment", cfg.Environment)
	monitoring.SetBuildInfo(app.Version, component)

	ctx, stop := app.SignalContext()
	defer stop()

	tp, err := tracing.NewTracerProvider(cfg.Tracing, "fleetcore-"+component, app.Version)
	if err != nil {
		logger.Error("Failed to initialize tracing", "error", err)
		return app.ExitError
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	policies, err := app.LoadPolicies(cfg, logger)
	if err != nil {
		logger.Error("Failed to load operator policy", "error", err)
		return app.ExitError
	}
	defer policies.Stop()
	app.WatchPolicies(ctx, cfg, policies, logger)

	var broker *bus.RedisBus
	if err := app.WaitForDependency(ctx, logger, "bus", func(context.Context) error {
		b, err := bus.NewRedisBus(cfg.Bus, logger)
		if err != nil {
			return err
		}
		broker = b
		return nil
	}); err != nil {
		if ctx.Err() != nil {
			return app.ExitOK
		}
		logger.Error("Event bus unavailable", "error", err)
		return app.ExitDependencyUnavailable
	}
	defer broker.Close()

	var store *storage.Store
	if err := app.WaitForDependency(ctx, logger, "store", func(context.Context) error {
		s, err := storage.Connect(cfg.Store, logger)
		if err != nil {
			return err
		}
		store = s
		return nil
	}); err != nil {
		if ctx.Err() != nil {
			return app.ExitOK
		}
		logger.Error("Columnar store unavailable", "error", err)
		return app.ExitDependencyUnavailable
	}
	defer store.Close()

	// The dedup cache rides the same redis instance as the bus when the
	// redis backend is selected; a single correlator replica can run on
	// the in-process cache instead.
	var dedup correlate.DedupCache
	switch cfg.Correlator.DedupBackend {
	case "redis":
		dedup = correlate.NewRedisDedup(redis.NewClient(&redis.Options{
			Addr:     cfg.Bus.URL,
			Password: cfg.Bus.Password,
			DB:       cfg.Bus.DB,
		}))
		logger.Info("Using redis dedup backend", "addr", cfg.Bus.URL)
	default:
		dedup = correlate.NewMemoryDedup(pipeline.RealClock{})
		logger.Info("Using in-memory dedup backend")
	}

	correlator := correlate.NewCorrelator(cfg.Correlator, policies, dedup, pipeline.RealClock{}, logger)
	pool := pipeline.NewPool(component, app.PoolSize(cfg), cfg.Workers.QueueSize, logger)
	svc := correlate.NewService(cfg.Correlator, correlator, broker, pool, store, pipeline.RealClock{}, logger)
	if err := svc.Start(ctx); err != nil {
		logger.Error("Failed to start correlator", "error", err)
		return app.ExitError
	}

	app.StartOpsServer(ctx, cfg, component, logger)

	<-ctx.Done()
	logger.Info("Shutdown signal received")
	svc.Stop()
	logger.Info("Correlator shutdown complete")
	return app.ExitOK
}
