package insight

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
	"github.com/marinops/fleetcore/internal/vector"
)

const stageName = "insight"

// TraceWriter records per-stage trace rows; nil disables tracing.
type TraceWriter interface {
	RecordStageEvent(ctx context.Context, ev storage.StageEvent) error
}

// Service wires the insight enricher to the bus: it consumes
// incidents.created and publishes incidents.enriched. Dispatch is by
// incident id, so retries of the same incident stay ordered.
type Service struct {
	enricher *Enricher
	broker   bus.Bus
	pub      *bus.RetryPublisher
	pool     *pipeline.Pool
	vectors  vector.SimilarityStore // nil disables indexing
	traces   TraceWriter
	tracer   *tracing.StageTracer
	clock    pipeline.Clock
	logger   logging.Logger
}

// NewService assembles the insight stage.
func NewService(enricher *Enricher, broker bus.Bus, pool *pipeline.Pool, vectors vector.SimilarityStore, traces TraceWriter, clock pipeline.Clock, logger logging.Logger) *Service {
	return &Service{
		enricher: enricher,
		broker:   broker,
		pub:      bus.NewRetryPublisher(broker, stageName, logger),
		pool:     pool,
		vectors:  vectors,
		traces:   traces,
		tracer:   tracing.NewStageTracer(stageName),
		clock:    clock,
		logger:   logger,
	}
}

// Start subscribes to incidents.created.
func (s *Service) Start(ctx context.Context) error {
	if err := s.broker.Subscribe(ctx, bus.SubjectIncidentsCreated, s.onDelivery); err != nil {
		return err
	}
	s.logger.Info("Insight enricher started")
	return nil
}

// Stop drains the worker pool.
func (s *Service) Stop() {
	s.pool.Shutdown()
}

func (s *Service) onDelivery(ctx context.Context, d bus.Delivery) {
	var inc models.IncidentCreated
	if err := json.Unmarshal(d.Payload, &inc); err != nil {
		monitoring.RecordEventProcessed(stageName, "dropped")
		s.logger.Warn("Dropping undecodable incident", "error", err)
		return
	}
	if inc.IncidentID == "" {
		monitoring.RecordEventProcessed(stageName, "dropped")
		s.logger.Error("Dropping incident without id", "tracking_id", inc.TrackingID)
		return
	}

	s.pool.Dispatch(inc.IncidentID, func() {
		s.process(ctx, &inc)
	})
}

func (s *Service) process(ctx context.Context, inc *models.IncidentCreated) {
	start := time.Now()
	ctx, span := s.tracer.StartEventSpan(ctx, inc.TrackingID, inc.ShipID)
	defer span.End()
	result := "ok"

	out, err := s.enricher.Enrich(ctx, inc)
	switch {
	case err != nil:
		result = "error"
		s.logger.Error("Insight enrichment failed",
			"incident_id", inc.IncidentID, "error", err)

	case out == nil:
		// Already enriched at this version.
		result = "skipped"

	default:
		payload, merr := json.Marshal(out)
		if merr != nil {
			result = "error"
			s.logger.Error("Enriched incident marshal failed",
				"incident_id", inc.IncidentID, "error", merr)
			break
		}
		if perr := s.pub.Publish(ctx, bus.SubjectIncidentsEnriched, payload); perr != nil {
			result = "dlq"
			break
		}
		s.indexIncident(ctx, out)
		s.writeTrace(ctx, out)
		s.logger.Info("Incident enriched",
			"incident_id", out.IncidentID,
			"confidence", out.Confidence,
			"cache_hit", out.CacheHit,
			"processing_ms", out.ProcessingTimeMs)
	}

	monitoring.RecordEventProcessed(stageName, result)
	monitoring.RecordStageDuration(stageName, time.Since(start))
	s.tracer.RecordOutcome(span, result, time.Since(start))
}

// indexIncident feeds the finished incident into the similarity index
// so future enrichments can retrieve it. Best effort.
func (s *Service) indexIncident(ctx context.Context, out *models.IncidentEnriched) {
	if s.vectors == nil {
		return
	}
	if err := s.vectors.UpsertIncident(ctx, out); err != nil {
		s.logger.Warn("Similarity index write failed",
			"incident_id", out.IncidentID, "error", err)
	}
}

func (s *Service) writeTrace(ctx context.Context, out *models.IncidentEnriched) {
	if s.traces == nil {
		return
	}
	detail := out.Confidence
	if out.CacheHit {
		detail += " (cached)"
	}
	err := s.traces.RecordStageEvent(ctx, storage.StageEvent{
		TrackingID: out.TrackingID,
		Timestamp:  s.clock.Now(),
		Stage:      stageName,
		Event:      "incident_enriched",
		Detail:     detail,
	})
	if err != nil {
		s.logger.Warn("Stage trace write failed",
			"tracking_id", out.TrackingID, "error", err)
	}
}
