package detect

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

const stageName = "detector"

// TraceWriter records per-stage trace rows. Satisfied by
// *storage.Store; nil disables tracing.
type TraceWriter interface {
	RecordStageEvent(ctx context.Context, ev storage.StageEvent) error
}

// Service wires the engine to the bus: it consumes logs.anomalous and
// publishes anomaly.detected.
type Service struct {
	engine *Engine
	broker bus.Bus
	pub    *bus.RetryPublisher
	pool   *pipeline.Pool
	traces TraceWriter
	tracer *tracing.StageTracer
	clock  pipeline.Clock
	logger logging.Logger

	sweepStop chan struct{}
}

// NewService assembles the detector stage.
func NewService(engine *Engine, broker bus.Bus, pool *pipeline.Pool, traces TraceWriter, clock pipeline.Clock, logger logging.Logger) *Service {
	return &Service{
		engine:    engine,
		broker:    broker,
		pub:       bus.NewRetryPublisher(broker, stageName, logger),
		pool:      pool,
		traces:    traces,
		tracer:    tracing.NewStageTracer(stageName),
		clock:     clock,
		logger:    logger,
		sweepStop: make(chan struct{}),
	}
}

// Start subscribes to the ingress subject and begins processing.
func (s *Service) Start(ctx context.Context) error {
	if err := s.broker.Subscribe(ctx, bus.SubjectLogsAnomalous, s.onDelivery); err != nil {
		return err
	}
	go s.sweepLoop()
	s.logger.Info("Detector started")
	return nil
}

// Stop drains the worker pool and stops background work.
func (s *Service) Stop() {
	close(s.sweepStop)
	s.pool.Shutdown()
}

func (s *Service) onDelivery(ctx context.Context, d bus.Delivery) {
	var rec models.LogRecord
	if err := json.Unmarshal(d.Payload, &rec); err != nil {
		monitoring.RecordDetectorDrop("malformed_json")
		monitoring.RecordEventProcessed(stageName, "dropped")
		s.logger.Warn("Dropping undecodable log record", "error", err)
		return
	}

	// Same ship lands on the same worker so its rolling windows see
	// samples in order.
	s.pool.Dispatch(rec.ShipID, func() {
		s.process(ctx, &rec)
	})
}

func (s *Service) process(ctx context.Context, rec *models.LogRecord) {
	start := time.Now()
	ctx, span := s.tracer.StartEventSpan(ctx, rec.TrackingID, rec.ShipID)
	defer span.End()

	anomalies := s.engine.ProcessLog(rec)
	if anomalies == nil {
		monitoring.RecordEventProcessed(stageName, "dropped")
		monitoring.RecordStageDuration(stageName, time.Since(start))
		s.tracer.RecordOutcome(span, "dropped", time.Since(start))
		return
	}

	result := "ok"
	for i := range anomalies {
		a := &anomalies[i]
		payload, err := json.Marshal(a)
		if err != nil {
			s.logger.Error("Anomaly marshal failed",
				"tracking_id", a.TrackingID, "error", err)
			result = "error"
			continue
		}
		if err := s.pub.Publish(ctx, bus.SubjectAnomalyDetected, payload); err != nil {
			result = "dlq"
			continue
		}
		s.writeTrace(ctx, a)
	}

	monitoring.RecordEventProcessed(stageName, result)
	monitoring.RecordStageDuration(stageName, time.Since(start))
	s.tracer.RecordOutcome(span, result, time.Since(start))
}

func (s *Service) writeTrace(ctx context.Context, a *models.AnomalyDetected) {
	if s.traces == nil {
		return
	}
	err := s.traces.RecordStageEvent(ctx, storage.StageEvent{
		TrackingID: a.TrackingID,
		Timestamp:  s.clock.Now(),
		Stage:      stageName,
		Event:      "anomaly_detected",
		Detail:     a.Detector + "/" + a.AnomalyType,
	})
	if err != nil {
		s.logger.Warn("Stage trace write failed",
			"tracking_id", a.TrackingID, "error", err)
	}
}

func (s *Service) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.engine.SweepWindows(); n > 0 {
				s.logger.Debug("Swept idle rolling windows", "removed", n)
			}
		case <-s.sweepStop:
			return
		}
	}
}
