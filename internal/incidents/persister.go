// Package incidents owns the durable incident record: it persists
// created and enriched incidents into the columnar store and fans the
// enriched stream out to live websocket subscribers.
package incidents

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

const (
	stageName = "incident_api"

	persistAttempts = 3
	persistBackoff  = 100 * time.Millisecond
)

// IncidentStore is the slice of the columnar store the persister needs.
type IncidentStore interface {
	AppendIncident(ctx context.Context, inc *models.IncidentCreated) error
	AppendEnriched(ctx context.Context, inc *models.IncidentEnriched) error
}

// TraceWriter records per-stage trace rows; nil disables tracing.
type TraceWriter interface {
	RecordStageEvent(ctx context.Context, ev storage.StageEvent) error
}

// Persister consumes incidents.created and incidents.enriched and
// appends both into the store. A write that still fails after the
// retry budget goes to the stage's dead-letter subject for replay.
type Persister struct {
	store  IncidentStore
	broker bus.Bus
	hub    *Hub // nil disables the live stream
	pool   *pipeline.Pool
	traces TraceWriter
	tracer *tracing.StageTracer
	clock  pipeline.Clock
	logger logging.Logger

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(context.Context, time.Duration)
}

// NewPersister assembles the persistence stage.
func NewPersister(store IncidentStore, broker bus.Bus, hub *Hub, pool *pipeline.Pool, traces TraceWriter, clock pipeline.Clock, logger logging.Logger) *Persister {
	return &Persister{
		store:  store,
		broker: broker,
		hub:    hub,
		pool:   pool,
		traces: traces,
		tracer: tracing.NewStageTracer(stageName),
		clock:  clock,
		logger: logger,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
			}
		},
	}
}

// Start subscribes to both incident subjects.
func (p *Persister) Start(ctx context.Context) error {
	if err := p.broker.Subscribe(ctx, bus.SubjectIncidentsCreated, p.onCreated); err != nil {
		return err
	}
	if err := p.broker.Subscribe(ctx, bus.SubjectIncidentsEnriched, p.onEnriched); err != nil {
		return err
	}
	p.logger.Info("Incident persister started")
	return nil
}

// Stop drains the worker pool.
func (p *Persister) Stop() {
	p.pool.Shutdown()
}

func (p *Persister) onCreated(ctx context.Context, d bus.Delivery) {
	var inc models.IncidentCreated
	if err := json.Unmarshal(d.Payload, &inc); err != nil {
		monitoring.RecordEventProcessed(stageName, "dropped")
		p.logger.Warn("Dropping undecodable incident", "subject", d.Subject, "error", err)
		return
	}
	// Dispatch by incident id so the created row lands before any
	// enrichment for the same incident.
	p.pool.Dispatch(inc.IncidentID, func() {
		ctx, span := p.tracer.StartEventSpan(ctx, inc.TrackingID, inc.ShipID)
		defer span.End()
		start := time.Now()
		ok := p.persist(ctx, d.Subject, d.Payload, func(ctx context.Context) error {
			return p.store.AppendIncident(ctx, &inc)
		})
		if ok {
			p.writeTrace(ctx, inc.TrackingID, inc.IncidentID)
			p.tracer.RecordOutcome(span, "ok", time.Since(start))
		} else {
			p.tracer.RecordOutcome(span, "dlq", time.Since(start))
		}
	})
}

func (p *Persister) onEnriched(ctx context.Context, d bus.Delivery) {
	var inc models.IncidentEnriched
	if err := json.Unmarshal(d.Payload, &inc); err != nil {
		monitoring.RecordEventProcessed(stageName, "dropped")
		p.logger.Warn("Dropping undecodable enriched incident", "subject", d.Subject, "error", err)
		return
	}
	p.pool.Dispatch(inc.IncidentID, func() {
		ctx, span := p.tracer.StartEventSpan(ctx, inc.TrackingID, inc.ShipID)
		defer span.End()
		start := time.Now()
		ok := p.persist(ctx, d.Subject, d.Payload, func(ctx context.Context) error {
			return p.store.AppendEnriched(ctx, &inc)
		})
		if ok && p.hub != nil {
			p.hub.Broadcast(d.Payload)
		}
		result := "ok"
		if !ok {
			result = "dlq"
		}
		p.tracer.RecordOutcome(span, result, time.Since(start))
	})
}

// persist retries the store write a bounded number of times, then
// routes the event to the dead-letter subject. Returns whether the
// write landed.
func (p *Persister) persist(ctx context.Context, subject string, payload []byte, write func(context.Context) error) bool {
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		lastErr = write(ctx)
		if lastErr == nil {
			monitoring.RecordEventProcessed(stageName, "ok")
			monitoring.RecordStageDuration(stageName, time.Since(start))
			return true
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		if attempt < persistAttempts {
			p.logger.Warn("Incident write failed; retrying",
				"subject", subject, "attempt", attempt, "error", lastErr)
			p.sleep(ctx, persistBackoff*time.Duration(attempt))
		}
	}

	p.deadLetter(ctx, subject, payload, lastErr)
	monitoring.RecordEventProcessed(stageName, "dlq")
	monitoring.RecordStageDuration(stageName, time.Since(start))
	return false
}

func (p *Persister) writeTrace(ctx context.Context, trackingID models.TrackingID, incidentID string) {
	if p.traces == nil {
		return
	}
	err := p.traces.RecordStageEvent(ctx, storage.StageEvent{
		TrackingID: trackingID,
		Timestamp:  p.clock.Now(),
		Stage:      stageName,
		Event:      "incident_persisted",
		Detail:     incidentID,
	})
	if err != nil {
		p.logger.Warn("Stage trace write failed",
			"tracking_id", trackingID, "error", err)
	}
}

func (p *Persister) deadLetter(ctx context.Context, subject string, payload []byte, cause error) {
	dlq := bus.DLQSubject(stageName)
	env := bus.DLQEnvelope{
		Stage:    stageName,
		Subject:  subject,
		Payload:  payload,
		Error:    cause.Error(),
		Attempts: persistAttempts,
		FailedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		p.logger.Error("DLQ envelope marshal failed; event lost",
			"subject", subject, "error", err)
		return
	}
	if err := p.broker.Publish(ctx, dlq, data); err != nil {
		p.logger.Error("DLQ publish failed; event lost",
			"subject", subject, "dlq", dlq, "error", err)
		return
	}
	monitoring.RecordDLQEvent(dlq)
	p.logger.Error("Incident routed to dead-letter subject",
		"subject", subject, "dlq", dlq, "cause", cause)
}
