package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/marinops/fleetcore/internal/app"
	"github.com/marinops/fleetcore/internal/bus"
	"github.com/marinops/fleetcore/internal/config"
	"github.com/marinops/fleetcore/internal/enrich"
	"github.com/marinops/fleetcore/internal/logging"
	"github.com/marinops/fleetcore/internal/monitoring"
	"github.com/marinops/fleetcore/internal/pipeline"
	"github.com/marinops/fleetcore/internal/storage"
	"github.com/marinops/fleetcore/internal/tracing"
	corelogger "github.com/marinops/fleetcore/pkg/logger"
)

const component = "enricher"

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
	logger.Info("Starting fleetcore enricher", "version", app.Version, "environment", cfg.Environment)
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

	enricher := enrich.NewEnricher(cfg.Enricher, store, pipeline.RealClock{}, logger)
	pool := pipeline.NewPool(component, app.PoolSize(cfg), cfg.Workers.QueueSize, logger)
	svc := enrich.NewService(enricher, broker, pool, store, pipeline.RealClock{}, logger)
	if err := svc.Start(ctx); err != nil {
		logger.Error("Failed to start enricher", "error", err)
		return app.ExitError
	}

	app.StartOpsServer(ctx, cfg, component, logger)

	<-ctx.Done()
	logger.Info("Shutdown signal received")
	svc.Stop()
	logger.Info("Enricher shutdown complete")
	return app.ExitOK
}
