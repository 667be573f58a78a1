package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/marinops/fleetcore/internal/logging"
	"github.com/marinops/fleetcore/internal/monitoring"
)

const (
	retryMaxAttempts    = 5
	retryInitialBackoff = 50 * time.Millisecond
	retryMaxBackoff     = 2 * time.Second
)

// DLQEnvelope wraps an undeliverable event on its dead-letter subject
// so operators can inspect and replay it.
type DLQEnvelope struct {
	Stage    string          `json:"stage"`
	Subject  string          `json:"subject"`
	Payload  json.RawMessage `json:"payload"`
	Error    string          `json:"error"`
	Attempts int             `json:"attempts"`
	FailedAt time.Time       `json:"failed_at"`
}

// RetryPublisher wraps a Bus with bounded exponential backoff. After
// the final attempt fails, the event is wrapped in a DLQEnvelope and
// published to the stage's dead-letter subject as a best effort.
type RetryPublisher struct {
	bus    Bus
	stage  string
	logger logging.Logger

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(context.Context, time.Duration)
}

// NewRetryPublisher wraps bus for publishers of the named stage.
func NewRetryPublisher(b Bus, stage string, logger logging.Logger) *RetryPublisher {
	return &RetryPublisher{
		bus:    b,
		stage:  stage,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Publish delivers payload to subject, retrying transient failures with
// exponential backoff and jitter. The error returned reflects the last
// attempt; by then the event has already been routed to the DLQ.
func (r *RetryPublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	backoff := retryInitialBackoff
	var lastErr error

	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		lastErr = r.bus.Publish(ctx, subject, payload)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		if attempt < retryMaxAttempts {
			monitoring.RecordPublishRetry(subject)
			r.logger.Warn("Publish failed; retrying",
				"subject", subject, "attempt", attempt, "error", lastErr)
			// Full jitter keeps concurrent publishers from retrying in
			// lockstep after a broker hiccup.
			r.sleep(ctx, time.Duration(rand.Int63n(int64(backoff)+1)))
			backoff *= 2
			if backoff > retryMaxBackoff {
				backoff = retryMaxBackoff
			}
		}
	}

	r.deadLetter(ctx, subject, payload, lastErr)
	return fmt.Errorf("publish to %s failed after %d attempts: %w", subject, retryMaxAttempts, lastErr)
}

func (r *RetryPublisher) deadLetter(ctx context.Context, subject string, payload []byte, cause error) {
	dlq := DLQSubject(r.stage)
	env := DLQEnvelope{
		Stage:    r.stage,
		Subject:  subject,
		Payload:  payload,
		Error:    cause.Error(),
		Attempts: retryMaxAttempts,
		FailedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Error("DLQ envelope marshal failed; event lost",
			"subject", subject, "error", err)
		return
	}
	if err := r.bus.Publish(ctx, dlq, data); err != nil {
		r.logger.Error("DLQ publish failed; event lost",
			"subject", subject, "dlq", dlq, "error", err)
		return
	}
	monitoring.RecordDLQEvent(dlq)
	r.logger.Error("Event routed to dead-letter subject",
		"subject", subject, "dlq", dlq, "cause", cause)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
