// Package bus carries events between pipeline stages over named
// subjects. Production deployments run the redis-backed bus; tests use
// the in-memory bus.
package bus

import "context"

// Subjects on which the pipeline stages publish and subscribe.
const (
	SubjectLogsAnomalous     = "logs.anomalous"
	SubjectAnomalyDetected   = "anomaly.detected"
	SubjectAnomalyEnriched   = "anomaly.enriched"
	SubjectIncidentsCreated  = "incidents.created"
	SubjectIncidentsEnriched = "incidents.enriched"

	dlqPrefix = "dlq."
)

// DLQSubject returns the dead-letter subject for a stage, e.g.
// DLQSubject("enricher") == "dlq.enricher".
func DLQSubject(stage string) string {
	return dlqPrefix + stage
}

// Delivery is one event received from a subject.
type Delivery struct {
	Subject string
	Payload []byte
}

// Handler processes one delivery. Handlers must not block indefinitely;
// slow work belongs in the stage's worker pool.
type Handler func(ctx context.Context, d Delivery)

// Bus is the stage-facing messaging interface.
//
// Publish is fire-and-forget at this layer; callers needing delivery
// guarantees wrap the bus in a RetryPublisher. Subscribe registers a
// handler and returns immediately; deliveries arrive on bus-owned
// goroutines until ctx is done or the bus is closed.
type Bus interface {
	Publish(ctx context.Context, subject string, payload []byte) error
	Subscribe(ctx context.Context, subject string, handler Handler) error
	Close() error
}
