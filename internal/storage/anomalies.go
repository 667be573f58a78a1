package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marinops/fleetcore/internal/models"
	"github.com/marinops/fleetcore/internal/monitoring"
)

// InsertAnomaly writes one enriched anomaly row. The full event is kept
// as a JSON payload next to the indexed columns so later pipeline
// versions can re-read fields the schema does not break out.
func (s *Store) InsertAnomaly(ctx context.Context, a *models.AnomalyEnriched) error {
	start := time.Now()
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal anomaly payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO anomalies
			(tracking_id, ts, ship_id, domain, anomaly_type, detector, service,
			 device_id, severity, score, metric_name, metric_value, threshold,
			 evidence_ref, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE severity = VALUES(severity), payload = VALUES(payload)`,
		string(a.TrackingID), a.Timestamp.UTC(), a.ShipID, string(a.Domain),
		a.AnomalyType, a.Detector, a.Service, a.DeviceID, string(a.Severity),
		a.Score, a.MetricName, a.MetricValue, a.Threshold, a.EvidenceRef,
		payload)

	monitoring.RecordDBOperation("insert", "anomalies", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("insert anomaly %s: %w", a.TrackingID, err)
	}
	return nil
}

// SimilarCounts returns how many anomalies of the same (ship, type)
// landed in the last hour and last 24 hours, relative to now.
func (s *Store) SimilarCounts(ctx context.Context, shipID, anomalyType string, now time.Time) (models.EnrichmentContext, error) {
	start := time.Now()
	var ec models.EnrichmentContext

	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN ts >= ? THEN 1 END),
			COUNT(CASE WHEN ts >= ? THEN 1 END)
		FROM anomalies
		WHERE ship_id = ? AND anomaly_type = ? AND ts <= ?`,
		now.Add(-1*time.Hour).UTC(), now.Add(-24*time.Hour).UTC(),
		shipID, anomalyType, now.UTC())
	err := row.Scan(&ec.SimilarCount1h, &ec.SimilarCount24h)
	monitoring.RecordDBOperation("select", "anomalies", time.Since(start), err == nil)
	if err != nil {
		return ec, fmt.Errorf("similar counts for %s/%s: %w", shipID, anomalyType, err)
	}

	var last sql.NullTime
	row = s.db.QueryRowContext(ctx, `
		SELECT MAX(created_at) FROM incidents WHERE ship_id = ?`, shipID)
	if err := row.Scan(&last); err != nil {
		return ec, fmt.Errorf("last incident ts for %s: %w", shipID, err)
	}
	if last.Valid {
		t := last.Time.UTC()
		ec.LastIncidentTS = &t
	}
	return ec, nil
}

// DeviceMetadata looks up the device registry entry for (ship, device).
// A missing row is not an error; enrichment proceeds without metadata.
func (s *Store) DeviceMetadata(ctx context.Context, shipID, deviceID string) (map[string]any, error) {
	if deviceID == "" {
		return nil, nil
	}
	start := time.Now()
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT metadata FROM devices WHERE ship_id = ? AND device_id = ?`,
		shipID, deviceID).Scan(&raw)
	monitoring.RecordDBOperation("select", "devices", time.Since(start), err == nil || err == sql.ErrNoRows)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("device metadata for %s/%s: %w", shipID, deviceID, err)
	}

	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode device metadata for %s/%s: %w", shipID, deviceID, err)
	}
	return meta, nil
}

// FailureRates24h summarizes the last 24 hours of anomalies for a
// (ship, domain) pair.
func (s *Store) FailureRates24h(ctx context.Context, shipID string, domain models.Domain, now time.Time) (*models.FailureRates, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT severity, COUNT(*), AVG(score)
		FROM anomalies
		WHERE ship_id = ? AND domain = ? AND ts >= ?
		GROUP BY severity`,
		shipID, string(domain), now.Add(-24*time.Hour).UTC())
	monitoring.RecordDBOperation("select", "anomalies", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("failure rates for %s/%s: %w", shipID, domain, err)
	}
	defer rows.Close()

	fr := &models.FailureRates{CountBySeverity: make(map[string]int64)}
	var weighted float64
	for rows.Next() {
		var severity string
		var count int64
		var avg float64
		if err := rows.Scan(&severity, &count, &avg); err != nil {
			return nil, fmt.Errorf("scan failure rates: %w", err)
		}
		fr.CountBySeverity[severity] = count
		fr.Count += count
		weighted += avg * float64(count)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failure rates: %w", err)
	}
	if fr.Count > 0 {
		fr.AvgScore = weighted / float64(fr.Count)
	}
	return fr, nil
}

// SimilarAnomalies7d returns up to limit recent anomalies of the same
// (ship, type) from the last 7 days, newest first.
func (s *Store) SimilarAnomalies7d(ctx context.Context, shipID, anomalyType string, now time.Time, limit int) ([]models.AnomalyRef, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT tracking_id, ts, anomaly_type, score, severity
		FROM anomalies
		WHERE ship_id = ? AND anomaly_type = ? AND ts >= ?
		ORDER BY ts DESC
		LIMIT ?`,
		shipID, anomalyType, now.Add(-7*24*time.Hour).UTC(), limit)
	monitoring.RecordDBOperation("select", "anomalies", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("similar anomalies for %s/%s: %w", shipID, anomalyType, err)
	}
	defer rows.Close()

	refs := make([]models.AnomalyRef, 0, limit)
	for rows.Next() {
		var ref models.AnomalyRef
		var tid, severity string
		if err := rows.Scan(&tid, &ref.Timestamp, &ref.AnomalyType, &ref.Score, &severity); err != nil {
			return nil, fmt.Errorf("scan similar anomaly: %w", err)
		}
		ref.TrackingID = models.TrackingID(tid)
		ref.Severity = models.Severity(severity)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
