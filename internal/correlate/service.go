package correlate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/marinops/fleetcore/internal/bus"
	"github.com/marinops/fleetcore/internal/config"
	"github.com/marinops/fleetcore/internal/logging"
	"github.com/marinops/fleetcore/internal/models"
	"github.com/marinops/fleetcore/internal/monitoring"
	"github.com/marinops/fleetcore/internal/pipeline"
	"github.com/marinops/fleetcore/internal/storage"
	"github.com/marinops/fleetcore/internal/tracing"
)

const stageName = "correlator"

// TraceWriter records per-stage trace rows; nil disables tracing.
type TraceWriter interface {
	RecordStageEvent(ctx context.Context, ev storage.StageEvent) error
}

// Service wires the correlator to the bus: it consumes anomaly.enriched
// and publishes incidents.created. The worker pool dispatches by window
// key, which serializes incident emission per (ship_id, domain).
type Service struct {
	correlator *Correlator
	broker     bus.Bus
	pub        *bus.RetryPublisher
	pool       *pipeline.Pool
	traces     TraceWriter
	tracer     *tracing.StageTracer
	clock      pipeline.Clock
	logger     logging.Logger

	sweepInterval time.Duration
	sweepBudget   time.Duration
	sweepStop     chan struct{}
}

// NewService assembles the correlator stage.
func NewService(cfg config.CorrelatorConfig, correlator *Correlator, broker bus.Bus, pool *pipeline.Pool, traces TraceWriter, clock pipeline.Clock, logger logging.Logger) *Service {
	sweepInterval := time.Duration(cfg.SweepIntervalSec) * time.Second
	if sweepInterval <= 0 {
		sweepInterval = 10 * time.Second
	}
	sweepBudget := time.Duration(cfg.SweepBudgetMs) * time.Millisecond
	if sweepBudget <= 0 {
		sweepBudget = 100 * time.Millisecond
	}
	return &Service{
		correlator:    correlator,
		broker:        broker,
		pub:           bus.NewRetryPublisher(broker, stageName, logger),
		pool:          pool,
		traces:        traces,
		tracer:        tracing.NewStageTracer(stageName),
		clock:         clock,
		logger:        logger,
		sweepInterval: sweepInterval,
		sweepBudget:   sweepBudget,
		sweepStop:     make(chan struct{}),
	}
}

// Start subscribes to anomaly.enriched and starts the window sweeper.
func (s *Service) Start(ctx context.Context) error {
	if err := s.broker.Subscribe(ctx, bus.SubjectAnomalyEnriched, s.onDelivery); err != nil {
		return err
	}
	go s.sweepLoop()
	s.logger.Info("Correlator started")
	return nil
}

// Stop halts the sweeper and drains the worker pool.
func (s *Service) Stop() {
	close(s.sweepStop)
	s.pool.Shutdown()
}

func (s *Service) onDelivery(ctx context.Context, d bus.Delivery) {
	var a models.AnomalyEnriched
	if err := json.Unmarshal(d.Payload, &a); err != nil {
		monitoring.RecordEventProcessed(stageName, "dropped")
		s.logger.Warn("Dropping undecodable enriched anomaly", "error", err)
		return
	}
	if !a.Domain.Valid() || !a.Severity.Valid() {
		monitoring.RecordEventProcessed(stageName, "dropped")
		s.logger.Error("Dropping enriched anomaly with invalid domain or severity",
			"tracking_id", a.TrackingID, "domain", a.Domain, "severity", a.Severity)
		return
	}

	s.pool.Dispatch(WindowKey(a.ShipID, a.Domain), func() {
		s.process(ctx, &a)
	})
}

func (s *Service) process(ctx context.Context, a *models.AnomalyEnriched) {
	start := time.Now()
	ctx, span := s.tracer.StartEventSpan(ctx, a.TrackingID, a.ShipID)
	defer span.End()

	res, err := s.correlator.Observe(ctx, a)

	result := "ok"
	switch {
	case err != nil:
		result = "error"
		s.logger.Error("Correlation failed",
			"tracking_id", a.TrackingID, "error", err)

	case res.SuppressedBy != "":
		result = "suppressed"

	case res.Incident != nil:
		payload, merr := json.Marshal(res.Incident)
		if merr != nil {
			result = "error"
			s.logger.Error("Incident marshal failed",
				"incident_id", res.Incident.IncidentID, "error", merr)
			break
		}
		// The window stays fired and the dedup entry stands even when
		// the publish fails; a replay cannot double-emit.
		if perr := s.pub.Publish(ctx, bus.SubjectIncidentsCreated, payload); perr != nil {
			result = "dlq"
			break
		}
		s.writeTrace(ctx, res.Incident)
		s.logger.Info("Incident created",
			"incident_id", res.Incident.IncidentID,
			"ship_id", res.Incident.ShipID,
			"severity", res.Incident.Severity,
			"members", len(res.Incident.MemberAnomalyIDs))
	}

	monitoring.RecordEventProcessed(stageName, result)
	monitoring.RecordStageDuration(stageName, time.Since(start))
	s.tracer.RecordOutcome(span, result, time.Since(start))
}

func (s *Service) writeTrace(ctx context.Context, inc *models.IncidentCreated) {
	if s.traces == nil {
		return
	}
	err := s.traces.RecordStageEvent(ctx, storage.StageEvent{
		TrackingID: inc.TrackingID,
		Timestamp:  s.clock.Now(),
		Stage:      stageName,
		Event:      "incident_created",
		Detail:     inc.IncidentID,
	})
	if err != nil {
		s.logger.Warn("Stage trace write failed",
			"tracking_id", inc.TrackingID, "error", err)
	}
}

func (s *Service) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.correlator.Sweep(s.sweepBudget)
		case <-s.sweepStop:
			return
		}
	}
}
