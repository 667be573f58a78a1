package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/marinops/fleetcore/internal/api"
	"github.com/marinops/fleetcore/internal/app"
	"github.com/marinops/fleetcore/internal/bus"
	"github.com/marinops/fleetcore/internal/config"
	"github.com/marinops/fleetcore/internal/incidents"
	"github.com/marinops/fleetcore/internal/logging"
	"github.com/marinops/fleetcore/internal/monitoring"
	"github.com/marinops/fleetcore/internal/pipeline"
	"github.com/marinops/fleetcore/internal/storage"
	"github.com/marinops/fleetcore/internal/tracing"
	corelogger "github.com/marinops/fleetcore/pkg/logger"
)

const component = "incident_api"

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
	logger.Info("Starting fleetcore incident API", "version", app.Version, "environment", cfg.Environment)
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

	hub := incidents.NewHub(logger)
	defer hub.Close()

	pool := pipeline.NewPool(component, app.PoolSize(cfg), cfg.Workers.QueueSize, logger)
	persister := incidents.NewPersister(store, broker, hub, pool, store, pipeline.RealClock{}, logger)
	if err := persister.Start(ctx); err != nil {
		logger.Error("Failed to start persister", "error", err)
		return app.ExitError
	}

	server := api.NewServer(cfg, store, hub, pipeline.RealClock{}, logger)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		logger.Error("API server failed", "error", err)
		persister.Stop()
		return app.ExitError
	case <-ctx.Done():
	}

	logger.Info("Shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown failed", "error", err)
	}
	persister.Stop()
	logger.Info("Incident API shutdown complete")
	return app.ExitOK
}
