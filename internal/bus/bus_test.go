package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marinops/fleetcore/internal/config"
	"github.com/marinops/fleetcore/internal/logging"
)

func TestDLQSubject(t *testing.T) {
	assert.Equal(t, "dlq.detector", DLQSubject("detector"))
	assert.Equal(t, "dlq.incident_api", DLQSubject("incident_api"))
}

func TestMemoryBusFanOutAndOrdering(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	var mu sync.Mutex
	first := make([]string, 0, 3)
	second := 0
	done := make(chan struct{}, 6)

	require.NoError(t, b.Subscribe(ctx, SubjectAnomalyDetected, func(_ context.Context, d Delivery) {
		mu.Lock()
		first = append(first, string(d.Payload))
		mu.Unlock()
		done <- struct{}{}
	}))
	require.NoError(t, b.Subscribe(ctx, SubjectAnomalyDetected, func(_ context.Context, d Delivery) {
		mu.Lock()
		second++
		mu.Unlock()
		done <- struct{}{}
	}))
	// A subscriber on another subject never sees these events.
	require.NoError(t, b.Subscribe(ctx, SubjectIncidentsCreated, func(_ context.Context, d Delivery) {
		t.Errorf("unexpected delivery on %s", d.Subject)
	}))

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, b.Publish(ctx, SubjectAnomalyDetected, []byte(p)))
	}
	for i := 0; i < 6; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for deliveries")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, first)
	assert.Equal(t, 3, second)
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryBus()
	require.NoError(t, b.Close())
	assert.Error(t, b.Publish(context.Background(), SubjectLogsAnomalous, []byte("x")))
	assert.Error(t, b.Subscribe(context.Background(), SubjectLogsAnomalous, func(context.Context, Delivery) {}))
	// Closing twice is safe.
	assert.NoError(t, b.Close())
}

func TestRedisBusPublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)

	b, err := NewRedisBus(config.BusConfig{URL: mr.Addr()}, logging.NewNop())
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Delivery, 1)
	require.NoError(t, b.Subscribe(ctx, SubjectIncidentsCreated, func(_ context.Context, d Delivery) {
		got <- d
	}))

	require.NoError(t, b.Publish(ctx, SubjectIncidentsCreated, []byte(`{"incident_id":"i1"}`)))

	select {
	case d := <-got:
		assert.Equal(t, SubjectIncidentsCreated, d.Subject)
		assert.JSONEq(t, `{"incident_id":"i1"}`, string(d.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for redis delivery")
	}
}

func TestRedisBusConnectFailure(t *testing.T) {
	_, err := NewRedisBus(config.BusConfig{URL: "127.0.0.1:1"}, logging.NewNop())
	assert.Error(t, err)
}

// flakyBus fails the first n publishes on the primary subject while
// accepting DLQ publishes.
type flakyBus struct {
	mu       sync.Mutex
	failures int
	attempts int
	inner    *MemoryBus
}

func newFlakyBus(failures int) *flakyBus {
	return &flakyBus{failures: failures, inner: NewMemoryBus()}
}

func (f *flakyBus) Publish(ctx context.Context, subject string, payload []byte) error {
	f.mu.Lock()
	if !isDLQ(subject) {
		f.attempts++
		if f.attempts <= f.failures {
			f.mu.Unlock()
			return errors.New("broker unavailable")
		}
	}
	f.mu.Unlock()
	return f.inner.Publish(ctx, subject, payload)
}

func (f *flakyBus) Subscribe(ctx context.Context, subject string, h Handler) error {
	return f.inner.Subscribe(ctx, subject, h)
}

func (f *flakyBus) Close() error { return f.inner.Close() }

func isDLQ(subject string) bool {
	return len(subject) > len(dlqPrefix) && subject[:len(dlqPrefix)] == dlqPrefix
}

func TestRetryPublisherRecovers(t *testing.T) {
	fb := newFlakyBus(2)
	defer fb.Close()

	rp := NewRetryPublisher(fb, "correlator", logging.NewNop())
	rp.sleep = func(context.Context, time.Duration) {}

	err := rp.Publish(context.Background(), SubjectIncidentsCreated, []byte("x"))
	assert.NoError(t, err)
	assert.Equal(t, 3, fb.attempts)
}

func TestRetryPublisherDeadLetters(t *testing.T) {
	fb := newFlakyBus(retryMaxAttempts)
	defer fb.Close()

	ctx := context.Background()
	got := make(chan Delivery, 1)
	require.NoError(t, fb.Subscribe(ctx, DLQSubject("correlator"), func(_ context.Context, d Delivery) {
		got <- d
	}))

	rp := NewRetryPublisher(fb, "correlator", logging.NewNop())
	rp.sleep = func(context.Context, time.Duration) {}

	err := rp.Publish(ctx, SubjectIncidentsCreated, []byte(`{"k":1}`))
	assert.Error(t, err)

	select {
	case d := <-got:
		assert.Contains(t, string(d.Payload), `"stage":"correlator"`)
		assert.Contains(t, string(d.Payload), `"subject":"incidents.created"`)
		assert.Contains(t, string(d.Payload), `"attempts":5`)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for DLQ envelope")
	}
}
