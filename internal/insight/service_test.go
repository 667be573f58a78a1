package insight

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marinops/fleetcore/internal/bus"
	"github.com/marinops/fleetcore/internal/logging"
	"github.com/marinops/fleetcore/internal/models"
	"github.com/marinops/fleetcore/internal/pipeline"
)

func TestServicePublishesEnrichedIncident(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger := logging.NewNop()
	broker := bus.NewMemoryBus()
	defer broker.Close()

	llmStub := &stubLLM{responses: []string{
		longRootCause,
		"1. Identify the top CPU consumers\n2. Restart the aggregation job",
	}}
	vectors := &stubVectors{}
	e := newTestEnricher(newStubCache(), llmStub, vectors, nil)

	pool := pipeline.NewPool(stageName, 1, 16, logger)
	svc := NewService(e, broker, pool, vectors, nil, pipeline.NewFakeClock(testNow), logger)

	enriched := make(chan models.IncidentEnriched, 1)
	require.NoError(t, broker.Subscribe(ctx, bus.SubjectIncidentsEnriched, func(_ context.Context, d bus.Delivery) {
		var out models.IncidentEnriched
		require.NoError(t, json.Unmarshal(d.Payload, &out))
		enriched <- out
	}))

	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	payload, err := json.Marshal(incident())
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, bus.SubjectIncidentsCreated, payload))

	select {
	case out := <-enriched:
		assert.Equal(t, "inc-1234", out.IncidentID)
		assert.Equal(t, longRootCause, out.AI.RootCause)
		assert.Equal(t, models.ConfidenceMed, out.Confidence)
		// The finished incident lands in the similarity index.
		assert.Eventually(t, func() bool {
			return vectors.upsertCount() == 1
		}, time.Second, 10*time.Millisecond)
	case <-ctx.Done():
		t.Fatal("no enriched incident published before timeout")
	}
}

func TestServiceDropsIncidentWithoutID(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	logger := logging.NewNop()
	broker := bus.NewMemoryBus()
	defer broker.Close()

	llmStub := &stubLLM{}
	e := newTestEnricher(newStubCache(), llmStub, nil, nil)
	pool := pipeline.NewPool(stageName, 1, 16, logger)
	svc := NewService(e, broker, pool, nil, nil, pipeline.NewFakeClock(testNow), logger)

	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	inc := incident()
	inc.IncidentID = ""
	payload, err := json.Marshal(inc)
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, bus.SubjectIncidentsCreated, payload))
	require.NoError(t, broker.Publish(ctx, bus.SubjectIncidentsCreated, []byte("{broken")))

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, llmStub.callCount())
}
