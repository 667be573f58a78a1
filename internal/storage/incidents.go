package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/marinops/fleetcore/internal/models"
	"github.com/marinops/fleetcore/internal/monitoring"
)

// ErrNotFound is returned when an incident id has no rows.
var ErrNotFound = errors.New("incident not found")

// ErrInvalidTransition is returned when a status update would move an
// incident backwards in its lifecycle.
var ErrInvalidTransition = errors.New("invalid status transition")

// AppendIncident writes one incident version row. The table is
// append-only: every state change inserts a new (incident_id,
// updated_at) row and readers take the latest.
func (s *Store) AppendIncident(ctx context.Context, inc *models.IncidentCreated) error {
	return s.appendIncidentRow(ctx, inc, 0, nil)
}

// AppendEnriched writes the insight-enriched version of an incident.
// The enriched row must land under its own (incident_id, updated_at)
// key; if the caller did not stamp a later updated_at, bump it one
// millisecond past created_at so the row cannot collide with the
// creation row.
func (s *Store) AppendEnriched(ctx context.Context, inc *models.IncidentEnriched) error {
	if !inc.UpdatedAt.After(inc.CreatedAt) {
		inc.UpdatedAt = inc.CreatedAt.Add(time.Millisecond)
	}
	payload, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("marshal enriched incident payload: %w", err)
	}
	return s.appendIncidentRow(ctx, &inc.IncidentCreated, inc.EnrichmentVersion, payload)
}

func (s *Store) appendIncidentRow(ctx context.Context, inc *models.IncidentCreated, enrichmentVersion int, payload []byte) error {
	start := time.Now()
	if payload == nil {
		var err error
		payload, err = json.Marshal(inc)
		if err != nil {
			return fmt.Errorf("marshal incident payload: %w", err)
		}
	}

	updatedAt := inc.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = inc.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents
			(incident_id, updated_at, created_at, ship_id, domain, incident_type,
			 severity, status, suppress_key, tracking_id, enrichment_version, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.IncidentID, updatedAt.UTC(), inc.CreatedAt.UTC(), inc.ShipID,
		string(inc.Domain), inc.IncidentType, string(inc.Severity),
		string(inc.Status), string(inc.SuppressKey), string(inc.TrackingID),
		enrichmentVersion, payload)

	monitoring.RecordDBOperation("insert", "incidents", time.Since(start), err == nil || isDuplicateKey(err))
	if err != nil {
		// The bus delivers at least once. A duplicate key means this
		// exact version row was already written by a prior delivery.
		if isDuplicateKey(err) {
			return nil
		}
		return fmt.Errorf("append incident %s: %w", inc.IncidentID, err)
	}
	return nil
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

// HasEnrichment reports whether an (incident_id, enrichment_version)
// row already exists; the insight enricher uses it for idempotency.
func (s *Store) HasEnrichment(ctx context.Context, incidentID string, version int) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM incidents
		WHERE incident_id = ? AND enrichment_version = ?`,
		incidentID, version).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check enrichment version for %s: %w", incidentID, err)
	}
	return n > 0, nil
}

// IncidentRow is the latest stored version of an incident.
type IncidentRow struct {
	IncidentID        string          `json:"incident_id"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CreatedAt         time.Time       `json:"created_at"`
	ShipID            string          `json:"ship_id"`
	Domain            models.Domain   `json:"domain"`
	IncidentType      string          `json:"incident_type"`
	Severity          models.Severity `json:"severity"`
	Status            models.Status   `json:"status"`
	EnrichmentVersion int             `json:"enrichment_version"`
	Payload           json.RawMessage `json:"payload"`
}

const incidentColumns = `incident_id, updated_at, created_at, ship_id, domain,
	incident_type, severity, status, enrichment_version, payload`

func scanIncident(row interface{ Scan(...any) error }) (*IncidentRow, error) {
	var r IncidentRow
	var domain, severity, status string
	if err := row.Scan(&r.IncidentID, &r.UpdatedAt, &r.CreatedAt, &r.ShipID,
		&domain, &r.IncidentType, &severity, &status,
		&r.EnrichmentVersion, &r.Payload); err != nil {
		return nil, err
	}
	r.Domain = models.Domain(domain)
	r.Severity = models.Severity(severity)
	r.Status = models.Status(status)
	return &r, nil
}

// GetIncident returns the latest version row for an incident id.
func (s *Store) GetIncident(ctx context.Context, incidentID string) (*IncidentRow, error) {
	start := time.Now()
	row := s.db.QueryRowContext(ctx, `
		SELECT `+incidentColumns+`
		FROM incidents
		WHERE incident_id = ?
		ORDER BY updated_at DESC
		LIMIT 1`, incidentID)
	r, err := scanIncident(row)
	monitoring.RecordDBOperation("select", "incidents", time.Since(start), err == nil || err == sql.ErrNoRows)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get incident %s: %w", incidentID, err)
	}
	return r, nil
}

// ListIncidents returns the latest version of each incident created in
// [from, to), newest first.
func (s *Store) ListIncidents(ctx context.Context, from, to time.Time, limit int) ([]*IncidentRow, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+incidentColumns+`
		FROM incidents i
		WHERE created_at >= ? AND created_at < ?
		  AND updated_at = (SELECT MAX(updated_at) FROM incidents WHERE incident_id = i.incident_id)
		ORDER BY created_at DESC
		LIMIT ?`, from.UTC(), to.UTC(), limit)
	monitoring.RecordDBOperation("select", "incidents", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var out []*IncidentRow
	for rows.Next() {
		r, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentIncidents24h returns up to limit incidents for (ship, domain)
// created in the last 24 hours, newest first. Used by the fast
// enricher.
func (s *Store) RecentIncidents24h(ctx context.Context, shipID string, domain models.Domain, now time.Time, limit int) ([]models.IncidentRef, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT incident_id, created_at, incident_type, severity, status
		FROM incidents i
		WHERE ship_id = ? AND domain = ? AND created_at >= ?
		  AND updated_at = (SELECT MAX(updated_at) FROM incidents WHERE incident_id = i.incident_id)
		ORDER BY created_at DESC
		LIMIT ?`,
		shipID, string(domain), now.Add(-24*time.Hour).UTC(), limit)
	monitoring.RecordDBOperation("select", "incidents", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("recent incidents for %s/%s: %w", shipID, domain, err)
	}
	defer rows.Close()

	refs := make([]models.IncidentRef, 0, limit)
	for rows.Next() {
		var ref models.IncidentRef
		var severity, status string
		if err := rows.Scan(&ref.IncidentID, &ref.CreatedAt, &ref.IncidentType, &severity, &status); err != nil {
			return nil, fmt.Errorf("scan recent incident: %w", err)
		}
		ref.Severity = models.Severity(severity)
		ref.Status = models.Status(status)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// UpdateStatus appends a new version row with the requested status.
// Transitions are monotonic; moving a resolved incident back to open is
// rejected with ErrInvalidTransition.
func (s *Store) UpdateStatus(ctx context.Context, incidentID string, next models.Status, explanation string, now time.Time) (*IncidentRow, error) {
	current, err := s.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, next)
	}

	var inc models.IncidentCreated
	if err := json.Unmarshal(current.Payload, &inc); err != nil {
		return nil, fmt.Errorf("decode incident payload %s: %w", incidentID, err)
	}
	description := fmt.Sprintf("status %s -> %s", current.Status, next)
	if explanation != "" {
		description = explanation
	}
	inc.Status = next
	inc.UpdatedAt = now.UTC()
	inc.Timeline = append(inc.Timeline, models.TimelineEntry{
		Timestamp:   now.UTC(),
		Event:       "status_changed",
		Source:      "incident_api",
		Description: description,
	})

	if err := s.appendIncidentRow(ctx, &inc, current.EnrichmentVersion, nil); err != nil {
		return nil, err
	}
	return s.GetIncident(ctx, incidentID)
}

// Stats summarizes incidents created in [from, to).
type Stats struct {
	TotalIncidents    int64            `json:"total_incidents"`
	BySeverity        map[string]int64 `json:"by_severity"`
	ByDomain          map[string]int64 `json:"by_domain"`
	ByStatus          map[string]int64 `json:"by_status"`
	MTTRSeconds       *float64         `json:"mttr_seconds"`
	TopAnomalySources []SourceCount    `json:"top_anomaly_sources"`
	Notes             []string         `json:"notes,omitempty"`
}

// SourceCount is one (ship, incident_type) aggregate.
type SourceCount struct {
	ShipID       string `json:"ship_id"`
	IncidentType string `json:"incident_type"`
	Count        int64  `json:"count"`
}

// GetStats aggregates incident statistics for a time range. MTTR is
// null with an explanatory note when no incident in the range has been
// resolved yet.
func (s *Store) GetStats(ctx context.Context, from, to time.Time) (*Stats, error) {
	start := time.Now()
	stats := &Stats{
		BySeverity: make(map[string]int64),
		ByDomain:   make(map[string]int64),
		ByStatus:   make(map[string]int64),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT severity, domain, status, COUNT(*)
		FROM incidents i
		WHERE created_at >= ? AND created_at < ?
		  AND updated_at = (SELECT MAX(updated_at) FROM incidents WHERE incident_id = i.incident_id)
		GROUP BY severity, domain, status`, from.UTC(), to.UTC())
	monitoring.RecordDBOperation("select", "incidents", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("incident stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var severity, domain, status string
		var count int64
		if err := rows.Scan(&severity, &domain, &status, &count); err != nil {
			return nil, fmt.Errorf("scan incident stats: %w", err)
		}
		stats.BySeverity[severity] += count
		stats.ByDomain[domain] += count
		stats.ByStatus[status] += count
		stats.TotalIncidents += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incident stats: %w", err)
	}

	var mttr sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT AVG(TIMESTAMPDIFF(SECOND, created_at, updated_at))
		FROM incidents i
		WHERE created_at >= ? AND created_at < ? AND status = 'resolved'
		  AND updated_at = (SELECT MAX(updated_at) FROM incidents WHERE incident_id = i.incident_id)`,
		from.UTC(), to.UTC()).Scan(&mttr)
	if err != nil {
		return nil, fmt.Errorf("incident mttr: %w", err)
	}
	if mttr.Valid {
		stats.MTTRSeconds = &mttr.Float64
	} else {
		stats.Notes = append(stats.Notes, "mttr_seconds unavailable: no resolved incidents in range")
	}

	srcRows, err := s.db.QueryContext(ctx, `
		SELECT ship_id, incident_type, COUNT(*) AS n
		FROM incidents i
		WHERE created_at >= ? AND created_at < ?
		  AND updated_at = (SELECT MAX(updated_at) FROM incidents WHERE incident_id = i.incident_id)
		GROUP BY ship_id, incident_type
		ORDER BY n DESC
		LIMIT 10`, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("top anomaly sources: %w", err)
	}
	defer srcRows.Close()

	for srcRows.Next() {
		var sc SourceCount
		if err := srcRows.Scan(&sc.ShipID, &sc.IncidentType, &sc.Count); err != nil {
			return nil, fmt.Errorf("scan top source: %w", err)
		}
		stats.TopAnomalySources = append(stats.TopAnomalySources, sc)
	}
	return stats, srcRows.Err()
}
