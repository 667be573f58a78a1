package enrich

import (
	"context"
	"encoding/json"
	"time"

	"github.com/marinops/fleetcore/internal/bus"
	"github.com/marinops/fleetcore/internal/logging"
	"github.com/marinops/fleetcore/internal/models"
	"github.com/marinops/fleetcore/internal/monitoring"
	"github.com/marinops/fleetcore/internal/pipeline"
	"github.com/marinops/fleetcore/internal/storage"
	"github.com/marinops/fleetcore/internal/tracing"
)

const stageName = "enricher"

// TraceWriter records per-stage trace rows; nil disables tracing.
type TraceWriter interface {
	RecordStageEvent(ctx context.Context, ev storage.StageEvent) error
}

// Service wires the enricher to the bus: it consumes anomaly.detected
// and publishes anomaly.enriched.
type Service struct {
	enricher *Enricher
	broker   bus.Bus
	pub      *bus.RetryPublisher
	pool     *pipeline.Pool
	traces   TraceWriter
	tracer   *tracing.StageTracer
	clock    pipeline.Clock
	logger   logging.Logger
}

// NewService assembles the fast-enricher stage.
func NewService(enricher *Enricher, broker bus.Bus, pool *pipeline.Pool, traces TraceWriter, clock pipeline.Clock, logger logging.Logger) *Service {
	return &Service{
		enricher: enricher,
		broker:   broker,
		pub:      bus.NewRetryPublisher(broker, stageName, logger),
		pool:     pool,
		traces:   traces,
		tracer:   tracing.NewStageTracer(stageName),
		clock:    clock,
		logger:   logger,
	}
}

// Start subscribes to anomaly.detected and begins processing.
func (s *Service) Start(ctx context.Context) error {
	if err := s.broker.Subscribe(ctx, bus.SubjectAnomalyDetected, s.onDelivery); err != nil {
		return err
	}
	s.logger.Info("Fast enricher started")
	return nil
}

// Stop drains the worker pool.
func (s *Service) Stop() {
	s.pool.Shutdown()
}

func (s *Service) onDelivery(ctx context.Context, d bus.Delivery) {
	var a models.AnomalyDetected
	if err := json.Unmarshal(d.Payload, &a); err != nil {
		monitoring.RecordEventProcessed(stageName, "dropped")
		s.logger.Warn("Dropping undecodable anomaly", "error", err)
		return
	}
	if a.Score < 0 || a.Score > 1 {
		monitoring.RecordEventProcessed(stageName, "dropped")
		s.logger.Error("Dropping anomaly with out-of-range score",
			"tracking_id", a.TrackingID, "score", a.Score)
		return
	}

	s.pool.Dispatch(string(a.TrackingID), func() {
		s.process(ctx, &a)
	})
}

func (s *Service) process(ctx context.Context, a *models.AnomalyDetected) {
	start := time.Now()
	ctx, span := s.tracer.StartEventSpan(ctx, a.TrackingID, a.ShipID)
	defer span.End()

	enriched := s.enricher.Enrich(ctx, a)

	payload, err := json.Marshal(enriched)
	if err != nil {
		monitoring.RecordEventProcessed(stageName, "error")
		s.tracer.RecordError(span, err)
		s.logger.Error("Enriched anomaly marshal failed",
			"tracking_id", a.TrackingID, "error", err)
		return
	}

	result := "ok"
	if err := s.pub.Publish(ctx, bus.SubjectAnomalyEnriched, payload); err != nil {
		result = "dlq"
	} else {
		s.writeTrace(ctx, enriched)
	}

	monitoring.RecordEventProcessed(stageName, result)
	monitoring.RecordStageDuration(stageName, time.Since(start))
	s.tracer.RecordOutcome(span, result, time.Since(start))
}

func (s *Service) writeTrace(ctx context.Context, a *models.AnomalyEnriched) {
	if s.traces == nil {
		return
	}
	detail := string(a.Severity)
	if a.Meta.Degraded {
		detail += " (degraded)"
	}
	err := s.traces.RecordStageEvent(ctx, storage.StageEvent{
		TrackingID: a.TrackingID,
		Timestamp:  s.clock.Now(),
		Stage:      stageName,
		Event:      "anomaly_enriched",
		Detail:     detail,
	})
	if err != nil {
		s.logger.Warn("Stage trace write failed",
			"tracking_id", a.TrackingID, "error", err)
	}
}
