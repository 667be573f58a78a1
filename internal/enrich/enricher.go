// Package enrich is the fast-path enricher: it decorates detected
// anomalies with historical context from the columnar store and
// derives the operational severity. End-to-end budget is tight (p99
// 500 ms), so every store query runs under its own timeout and a
// shared budget; whatever misses the budget is simply absent from the
// output.
package enrich

import (
	"context"
	"sync"
	"time"

	"github.com/marinops/fleetcore/internal/config"
	"github.com/marinops/fleetcore/internal/logging"
	"github.com/marinops/fleetcore/internal/models"
	"github.com/marinops/fleetcore/internal/pipeline"
)

const (
	similarAnomaliesLimit = 10
	recentIncidentsLimit  = 5
)

// ContextStore serves the historical lookups behind enrichment.
// Satisfied by *storage.Store; tests substitute a stub.
type ContextStore interface {
	SimilarCounts(ctx context.Context, shipID, anomalyType string, now time.Time) (models.EnrichmentContext, error)
	DeviceMetadata(ctx context.Context, shipID, deviceID string) (map[string]any, error)
	FailureRates24h(ctx context.Context, shipID string, domain models.Domain, now time.Time) (*models.FailureRates, error)
	SimilarAnomalies7d(ctx context.Context, shipID, anomalyType string, now time.Time, limit int) ([]models.AnomalyRef, error)
	RecentIncidents24h(ctx context.Context, shipID string, domain models.Domain, now time.Time, limit int) ([]models.IncidentRef, error)
	InsertAnomaly(ctx context.Context, a *models.AnomalyEnriched) error
}

// Enricher decorates one anomaly at a time.
type Enricher struct {
	store        ContextStore
	clock        pipeline.Clock
	logger       logging.Logger
	queryTimeout time.Duration
	queryBudget  time.Duration
}

// NewEnricher builds a fast-path enricher with the configured budgets.
func NewEnricher(cfg config.EnricherConfig, store ContextStore, clock pipeline.Clock, logger logging.Logger) *Enricher {
	queryTimeout := time.Duration(cfg.QueryTimeoutMs) * time.Millisecond
	if queryTimeout <= 0 {
		queryTimeout = 150 * time.Millisecond
	}
	queryBudget := time.Duration(cfg.QueryBudgetMs) * time.Millisecond
	if queryBudget <= 0 {
		queryBudget = 400 * time.Millisecond
	}
	return &Enricher{
		store:        store,
		clock:        clock,
		logger:       logger,
		queryTimeout: queryTimeout,
		queryBudget:  queryBudget,
	}
}

// Enrich attaches context and severity to a detected anomaly. It never
// fails: when the store cannot answer within budget the event goes out
// with empty context and meta.degraded set.
func (e *Enricher) Enrich(ctx context.Context, a *models.AnomalyDetected) *models.AnomalyEnriched {
	start := time.Now()
	now := e.clock.Now()

	budgetCtx, cancel := context.WithTimeout(ctx, e.queryBudget)
	defer cancel()

	out := &models.AnomalyEnriched{
		AnomalyDetected: *a,
		Meta: models.EnrichmentMeta{
			SimilarAnomalies: []models.AnomalyRef{},
			RecentIncidents:  []models.IncidentRef{},
		},
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		degraded bool
	)
	fail := func(query string, err error) {
		mu.Lock()
		degraded = true
		mu.Unlock()
		e.logger.Warn("Enrichment query degraded",
			"query", query, "tracking_id", a.TrackingID, "error", err)
	}
	run := func(query string, fn func(qctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			qctx, qcancel := context.WithTimeout(budgetCtx, e.queryTimeout)
			defer qcancel()
			if err := fn(qctx); err != nil {
				fail(query, err)
			}
		}()
	}

	run("similar_counts", func(qctx context.Context) error {
		ec, err := e.store.SimilarCounts(qctx, a.ShipID, a.AnomalyType, now)
		if err != nil {
			return err
		}
		mu.Lock()
		out.Context = ec
		mu.Unlock()
		return nil
	})
	run("device_metadata", func(qctx context.Context) error {
		meta, err := e.store.DeviceMetadata(qctx, a.ShipID, a.DeviceID)
		if err != nil {
			return err
		}
		mu.Lock()
		out.Meta.DeviceMetadata = meta
		mu.Unlock()
		return nil
	})
	run("failure_rates", func(qctx context.Context) error {
		fr, err := e.store.FailureRates24h(qctx, a.ShipID, a.Domain, now)
		if err != nil {
			return err
		}
		mu.Lock()
		out.Meta.HistoricalFailureRates = fr
		mu.Unlock()
		return nil
	})
	run("similar_anomalies", func(qctx context.Context) error {
		refs, err := e.store.SimilarAnomalies7d(qctx, a.ShipID, a.AnomalyType, now, similarAnomaliesLimit)
		if err != nil {
			return err
		}
		mu.Lock()
		if refs != nil {
			out.Meta.SimilarAnomalies = refs
		}
		mu.Unlock()
		return nil
	})
	run("recent_incidents", func(qctx context.Context) error {
		refs, err := e.store.RecentIncidents24h(qctx, a.ShipID, a.Domain, now, recentIncidentsLimit)
		if err != nil {
			return err
		}
		mu.Lock()
		if refs != nil {
			out.Meta.RecentIncidents = refs
		}
		mu.Unlock()
		return nil
	})
	wg.Wait()

	out.Meta.Degraded = degraded
	out.Severity = ComputeSeverity(a.Score, out.Context)
	out.EnrichmentLatencyMs = time.Since(start).Milliseconds()

	// Persist the anomaly row so later enrichments see this event in
	// their counts. Best effort under its own timeout; failure does not
	// hold up publishing.
	wctx, wcancel := context.WithTimeout(ctx, e.queryTimeout)
	defer wcancel()
	if err := e.store.InsertAnomaly(wctx, out); err != nil {
		e.logger.Warn("Anomaly persist failed",
			"tracking_id", a.TrackingID, "error", err)
	}

	return out
}
