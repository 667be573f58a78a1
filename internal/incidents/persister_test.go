package incidents

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marinops/fleetcore/internal/bus"
	"github.com/marinops/fleetcore/internal/logging"
	"github.com/marinops/fleetcore/internal/models"
	"github.com/marinops/fleetcore/internal/pipeline"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

// stubIncidentStore counts writes and fails the first failWrites
// attempts.
type stubIncidentStore struct {
	mu         sync.Mutex
	failWrites int
	created    []string
	enriched   []string
	attempts   int
}

func (s *stubIncidentStore) fail() error {
	s.attempts++
	if s.attempts <= s.failWrites {
		return errors.New("store unavailable")
	}
	return nil
}

func (s *stubIncidentStore) AppendIncident(_ context.Context, inc *models.IncidentCreated) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	s.created = append(s.created, inc.IncidentID)
	return nil
}

func (s *stubIncidentStore) AppendEnriched(_ context.Context, inc *models.IncidentEnriched) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	s.enriched = append(s.enriched, inc.IncidentID)
	return nil
}

func (s *stubIncidentStore) createdCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created)
}

func (s *stubIncidentStore) enrichedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.enriched)
}

func newTestPersister(t *testing.T, store *stubIncidentStore, broker bus.Bus, hub *Hub) *Persister {
	t.Helper()
	logger := logging.NewNop()
	pool := pipeline.NewPool(stageName, 1, 16, logger)
	p := NewPersister(store, broker, hub, pool, nil, pipeline.NewFakeClock(testNow), logger)
	p.sleep = func(context.Context, time.Duration) {}
	return p
}

func createdIncident(id string) []byte {
	payload, _ := json.Marshal(models.IncidentCreated{
		IncidentID:   id,
		CreatedAt:    testNow,
		ShipID:       "mv-aurora",
		Domain:       models.DomainSystem,
		IncidentType: "cpu_pressure",
		Severity:     models.SeverityHigh,
		Status:       models.StatusOpen,
		TrackingID:   "trk-1",
	})
	return payload
}

func enrichedIncident(id string) []byte {
	payload, _ := json.Marshal(models.IncidentEnriched{
		IncidentCreated: models.IncidentCreated{
			IncidentID: id,
			CreatedAt:  testNow,
			ShipID:     "mv-aurora",
			Domain:     models.DomainSystem,
			Severity:   models.SeverityHigh,
			Status:     models.StatusOpen,
			TrackingID: "trk-1",
		},
		AI:                models.AIInsight{RootCause: "x"},
		Confidence:        models.ConfidenceMed,
		EnrichmentVersion: 1,
	})
	return payload
}

func TestPersisterWritesBothStreams(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	broker := bus.NewMemoryBus()
	defer broker.Close()

	store := &stubIncidentStore{}
	p := newTestPersister(t, store, broker, nil)
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	require.NoError(t, broker.Publish(ctx, bus.SubjectIncidentsCreated, createdIncident("inc-1")))
	require.NoError(t, broker.Publish(ctx, bus.SubjectIncidentsEnriched, enrichedIncident("inc-1")))

	assert.Eventually(t, func() bool {
		return store.createdCount() == 1 && store.enrichedCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPersisterRetriesTransientFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	broker := bus.NewMemoryBus()
	defer broker.Close()

	store := &stubIncidentStore{failWrites: 2}
	p := newTestPersister(t, store, broker, nil)
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	require.NoError(t, broker.Publish(ctx, bus.SubjectIncidentsCreated, createdIncident("inc-1")))

	assert.Eventually(t, func() bool {
		return store.createdCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPersisterDeadLettersAfterRetryBudget(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	broker := bus.NewMemoryBus()
	defer broker.Close()

	dlq := make(chan bus.DLQEnvelope, 1)
	require.NoError(t, broker.Subscribe(ctx, bus.DLQSubject(stageName), func(_ context.Context, d bus.Delivery) {
		var env bus.DLQEnvelope
		require.NoError(t, json.Unmarshal(d.Payload, &env))
		dlq <- env
	}))

	store := &stubIncidentStore{failWrites: 100}
	p := newTestPersister(t, store, broker, nil)
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	require.NoError(t, broker.Publish(ctx, bus.SubjectIncidentsCreated, createdIncident("inc-1")))

	select {
	case env := <-dlq:
		assert.Equal(t, stageName, env.Stage)
		assert.Equal(t, bus.SubjectIncidentsCreated, env.Subject)
		assert.Equal(t, persistAttempts, env.Attempts)
		var inc models.IncidentCreated
		require.NoError(t, json.Unmarshal(env.Payload, &inc))
		assert.Equal(t, "inc-1", inc.IncidentID)
	case <-ctx.Done():
		t.Fatal("no dead-letter envelope before timeout")
	}
	assert.Zero(t, store.createdCount())
}

func TestPersisterBroadcastsEnriched(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger := logging.NewNop()
	broker := bus.NewMemoryBus()
	defer broker.Close()

	hub := NewHub(logger)
	defer hub.Close()

	store := &stubIncidentStore{}
	p := newTestPersister(t, store, broker, hub)
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	received := make(chan []byte, 1)
	attachTestClient(t, hub, received)

	require.NoError(t, broker.Publish(ctx, bus.SubjectIncidentsEnriched, enrichedIncident("inc-9")))

	select {
	case payload := <-received:
		var inc models.IncidentEnriched
		require.NoError(t, json.Unmarshal(payload, &inc))
		assert.Equal(t, "inc-9", inc.IncidentID)
	case <-ctx.Done():
		t.Fatal("no websocket broadcast before timeout")
	}
}
