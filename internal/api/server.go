// Package api exposes the incident query surface: stats, traces,
// incident CRUD and the live websocket stream. Errors leave the server
// as RFC 7807 problem bodies.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/marinops/fleetcore/internal/config"
	"github.com/marinops/fleetcore/internal/incidents"
	"github.com/marinops/fleetcore/internal/logging"
	"github.com/marinops/fleetcore/internal/models"
	"github.com/marinops/fleetcore/internal/monitoring"
	"github.com/marinops/fleetcore/internal/pipeline"
	"github.com/marinops/fleetcore/internal/storage"
)

// Store is the slice of the columnar store the API serves from.
type Store interface {
	GetIncident(ctx context.Context, incidentID string) (*storage.IncidentRow, error)
	ListIncidents(ctx context.Context, from, to time.Time, limit int) ([]*storage.IncidentRow, error)
	UpdateStatus(ctx context.Context, incidentID string, next models.Status, explanation string, now time.Time) (*storage.IncidentRow, error)
	GetStats(ctx context.Context, from, to time.Time) (*storage.Stats, error)
	Trace(ctx context.Context, trackingID models.TrackingID) ([]storage.StageEvent, error)
	AppendIncident(ctx context.Context, inc *models.IncidentCreated) error
}

// Server is the incident API HTTP server.
type Server struct {
	config     *config.Config
	logger     logging.Logger
	store      Store
	hub        *incidents.Hub // nil disables the live stream
	clock      pipeline.Clock
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer assembles the router with middleware and routes.
func NewServer(cfg *config.Config, store Store, hub *incidents.Hub, clock pipeline.Clock, logger logging.Logger) *Server {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config: cfg,
		logger: logger,
		store:  store,
		hub:    hub,
		clock:  clock,
		router: gin.New(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(recoverToProblem(s.logger))
	s.router.Use(corsHeaders())
	s.router.Use(requestLogger(s.logger))
	s.router.Use(requestMetrics())

	monitoring.SetupPrometheusMetrics(s.router)
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/ready", s.healthCheck)

	v3 := s.router.Group("/api/v3")
	v3.GET("/stats", s.getStats)
	v3.GET("/trace/:trackingId", s.getTrace)
	v3.POST("/incidents", s.createIncident)
	v3.GET("/incidents", s.listIncidents)
	v3.GET("/incidents/:incidentId", s.getIncident)
	v3.PUT("/incidents/:incidentId/status", s.updateStatus)
	v3.GET("/incidents/stream", s.streamIncidents)
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("Incident API listening", "port", s.config.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"component": "incident-api",
		"time":      s.clock.Now().UTC(),
	})
}

func (s *Server) streamIncidents(c *gin.Context) {
	if s.hub == nil {
		abortProblem(c, http.StatusServiceUnavailable,
			"Stream Unavailable", "the live incident stream is not enabled on this deployment")
		return
	}
	s.hub.HandleConnection(c.Writer, c.Request)
}
