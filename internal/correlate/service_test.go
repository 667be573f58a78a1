package correlate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marinops/fleetcore/internal/bus"
	"github.com/marinops/fleetcore/internal/config"
	"github.com/marinops/fleetcore/internal/logging"
	"github.com/marinops/fleetcore/internal/models"
	"github.com/marinops/fleetcore/internal/pipeline"
	"github.com/marinops/fleetcore/internal/policy"
)

func TestServiceEmitsIncidentOverBus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger := logging.NewNop()
	clock := pipeline.NewFakeClock(testNow)
	broker := bus.NewMemoryBus()
	defer broker.Close()

	correlator := NewCorrelator(config.CorrelatorConfig{LockStripes: 8},
		policy.NewStaticStore(policy.Defaults()), NewMemoryDedup(clock), clock, logger)
	pool := pipeline.NewPool(stageName, 2, 16, logger)
	svc := NewService(config.CorrelatorConfig{}, correlator, broker, pool, nil, clock, logger)

	created := make(chan models.IncidentCreated, 1)
	require.NoError(t, broker.Subscribe(ctx, bus.SubjectIncidentsCreated, func(_ context.Context, d bus.Delivery) {
		var inc models.IncidentCreated
		require.NoError(t, json.Unmarshal(d.Payload, &inc))
		created <- inc
	}))

	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	for _, id := range []string{"trk-1", "trk-2", "trk-3"} {
		payload, err := json.Marshal(enriched("mv-aurora", models.DomainSystem, models.SeverityHigh, id))
		require.NoError(t, err)
		require.NoError(t, broker.Publish(ctx, bus.SubjectAnomalyEnriched, payload))
	}

	select {
	case inc := <-created:
		assert.Equal(t, []string{"trk-1", "trk-2", "trk-3"}, inc.MemberAnomalyIDs)
		assert.Equal(t, models.SeverityHigh, inc.Severity)
		assert.Equal(t, models.StatusOpen, inc.Status)
	case <-ctx.Done():
		t.Fatal("no incident published before timeout")
	}
}

func TestServiceDropsInvalidEnrichedAnomaly(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	logger := logging.NewNop()
	clock := pipeline.NewFakeClock(testNow)
	broker := bus.NewMemoryBus()
	defer broker.Close()

	correlator := NewCorrelator(config.CorrelatorConfig{LockStripes: 8},
		policy.NewStaticStore(policy.Defaults()), NewMemoryDedup(clock), clock, logger)
	pool := pipeline.NewPool(stageName, 1, 16, logger)
	svc := NewService(config.CorrelatorConfig{}, correlator, broker, pool, nil, clock, logger)

	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	// Garbage and invalid-domain events must not wedge the stage.
	require.NoError(t, broker.Publish(ctx, bus.SubjectAnomalyEnriched, []byte("{not json")))
	bad := enriched("mv-aurora", models.Domain("submarine"), models.SeverityHigh, "trk-bad")
	payload, err := json.Marshal(bad)
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, bus.SubjectAnomalyEnriched, payload))

	// A valid stream still correlates afterwards.
	created := make(chan struct{}, 1)
	require.NoError(t, broker.Subscribe(ctx, bus.SubjectIncidentsCreated, func(context.Context, bus.Delivery) {
		created <- struct{}{}
	}))
	for _, id := range []string{"g1", "g2", "g3"} {
		payload, err := json.Marshal(enriched("mv-aurora", models.DomainSystem, models.SeverityHigh, id))
		require.NoError(t, err)
		require.NoError(t, broker.Publish(ctx, bus.SubjectAnomalyEnriched, payload))
	}

	select {
	case <-created:
	case <-ctx.Done():
		t.Fatal("correlator wedged by invalid input")
	}
}
