package enrich

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marinops/fleetcore/internal/config"
	"github.com/marinops/fleetcore/internal/logging"
	"github.com/marinops/fleetcore/internal/models"
	"github.com/marinops/fleetcore/internal/pipeline"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

// stubStore answers enrichment queries from fixed fields. A positive
// delay simulates a slow store.
type stubStore struct {
	counts    models.EnrichmentContext
	device    map[string]any
	rates     *models.FailureRates
	similar   []models.AnomalyRef
	incidents []models.IncidentRef
	err       error
	delay     time.Duration

	inserted []*models.AnomalyEnriched
}

func (s *stubStore) wait(ctx context.Context) error {
	if s.err != nil {
		return s.err
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *stubStore) SimilarCounts(ctx context.Context, _, _ string, _ time.Time) (models.EnrichmentContext, error) {
	if err := s.wait(ctx); err != nil {
		return models.EnrichmentContext{}, err
	}
	return s.counts, nil
}

func (s *stubStore) DeviceMetadata(ctx context.Context, _, _ string) (map[string]any, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.device, nil
}

func (s *stubStore) FailureRates24h(ctx context.Context, _ string, _ models.Domain, _ time.Time) (*models.FailureRates, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.rates, nil
}

func (s *stubStore) SimilarAnomalies7d(ctx context.Context, _, _ string, _ time.Time, _ int) ([]models.AnomalyRef, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.similar, nil
}

func (s *stubStore) RecentIncidents24h(ctx context.Context, _ string, _ models.Domain, _ time.Time, _ int) ([]models.IncidentRef, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.incidents, nil
}

func (s *stubStore) InsertAnomaly(_ context.Context, a *models.AnomalyEnriched) error {
	s.inserted = append(s.inserted, a)
	return nil
}

func newTestEnricher(store ContextStore) *Enricher {
	return NewEnricher(config.EnricherConfig{QueryTimeoutMs: 150, QueryBudgetMs: 400},
		store, pipeline.NewFakeClock(testNow), logging.NewNop())
}

func anomaly(score float64) *models.AnomalyDetected {
	return &models.AnomalyDetected{
		TrackingID:  "trk-aaaa",
		Timestamp:   testNow.Add(-time.Second),
		ShipID:      "mv-aurora",
		Domain:      models.DomainSystem,
		AnomalyType: "cpu_pressure",
		Detector:    "zscore",
		Service:     "cpu-monitor",
		Score:       score,
	}
}

func TestComputeSeverity(t *testing.T) {
	tests := []struct {
		name  string
		score float64
		ctx   models.EnrichmentContext
		want  models.Severity
	}{
		{"crit by score", 0.9, models.EnrichmentContext{}, models.SeverityCrit},
		{"crit by hot recurrence", 0.7, models.EnrichmentContext{SimilarCount1h: 5}, models.SeverityCrit},
		{"crit by daily recurrence", 0.75, models.EnrichmentContext{SimilarCount24h: 20}, models.SeverityCrit},
		{"high by score", 0.7, models.EnrichmentContext{}, models.SeverityHigh},
		{"high by recurrence", 0.55, models.EnrichmentContext{SimilarCount1h: 4}, models.SeverityHigh},
		{"high by daily recurrence", 0.5, models.EnrichmentContext{SimilarCount24h: 10}, models.SeverityHigh},
		{"med", 0.4, models.EnrichmentContext{}, models.SeverityMed},
		{"med despite low recurrence", 0.45, models.EnrichmentContext{SimilarCount1h: 2}, models.SeverityMed},
		{"low", 0.1, models.EnrichmentContext{SimilarCount1h: 100}, models.SeverityLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeSeverity(tt.score, tt.ctx))
		})
	}
}

func TestEnrichAttachesContext(t *testing.T) {
	lastTS := testNow.Add(-2 * time.Hour)
	store := &stubStore{
		counts: models.EnrichmentContext{SimilarCount1h: 2, SimilarCount24h: 7, LastIncidentTS: &lastTS},
		device: map[string]any{"vendor": "acme", "criticality": "high"},
		rates:  &models.FailureRates{Count: 9, AvgScore: 0.6},
		similar: []models.AnomalyRef{
			{TrackingID: "trk-old", AnomalyType: "cpu_pressure", Score: 0.7},
		},
		incidents: []models.IncidentRef{
			{IncidentID: "inc-1", IncidentType: "cpu_pressure", Severity: models.SeverityHigh},
		},
	}
	e := newTestEnricher(store)

	out := e.Enrich(context.Background(), anomaly(0.6))
	require.NotNil(t, out)
	assert.False(t, out.Meta.Degraded)
	assert.Equal(t, 2, out.Context.SimilarCount1h)
	assert.Equal(t, "acme", out.Meta.DeviceMetadata["vendor"])
	assert.Len(t, out.Meta.SimilarAnomalies, 1)
	assert.Len(t, out.Meta.RecentIncidents, 1)
	assert.Equal(t, models.SeverityMed, out.Severity)
	assert.GreaterOrEqual(t, out.EnrichmentLatencyMs, int64(0))

	// The enriched row is persisted for future lookups.
	require.Len(t, store.inserted, 1)
	assert.Equal(t, out, store.inserted[0])
}

func TestEnrichSeverityEscalationViaContext(t *testing.T) {
	store := &stubStore{counts: models.EnrichmentContext{SimilarCount1h: 4}}
	e := newTestEnricher(store)

	out := e.Enrich(context.Background(), anomaly(0.55))
	assert.Equal(t, models.SeverityHigh, out.Severity)
}

func TestEnrichDegradedOnStoreTimeout(t *testing.T) {
	store := &stubStore{delay: 5 * time.Second}
	e := NewEnricher(config.EnricherConfig{QueryTimeoutMs: 30, QueryBudgetMs: 80},
		store, pipeline.NewFakeClock(testNow), logging.NewNop())

	start := time.Now()
	out := e.Enrich(context.Background(), anomaly(0.95))
	elapsed := time.Since(start)

	assert.True(t, out.Meta.Degraded)
	assert.Equal(t, models.SeverityCrit, out.Severity)
	assert.NotNil(t, out.Meta.SimilarAnomalies)
	assert.Empty(t, out.Meta.SimilarAnomalies)
	assert.Empty(t, out.Meta.RecentIncidents)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestEnrichDegradedOnStoreError(t *testing.T) {
	store := &stubStore{err: errors.New("connection refused")}
	e := newTestEnricher(store)

	out := e.Enrich(context.Background(), anomaly(0.45))
	assert.True(t, out.Meta.Degraded)
	assert.Equal(t, models.SeverityMed, out.Severity)
}
