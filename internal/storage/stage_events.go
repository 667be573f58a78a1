package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/marinops/fleetcore/internal/models"
	"github.com/marinops/fleetcore/internal/monitoring"
)

// StageEvent is one trace row written by a pipeline stage. The trace
// endpoint stitches these rows together by tracking id.
type StageEvent struct {
	TrackingID models.TrackingID `json:"tracking_id"`
	Timestamp  time.Time         `json:"ts"`
	Stage      string            `json:"stage"`
	Event      string            `json:"event"`
	Detail     string            `json:"detail,omitempty"`
}

// RecordStageEvent writes one trace row. Trace writes are best effort;
// stages log and continue when this fails.
func (s *Store) RecordStageEvent(ctx context.Context, ev StageEvent) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_events (tracking_id, ts, stage, event, detail)
		VALUES (?, ?, ?, ?, ?)`,
		string(ev.TrackingID), ev.Timestamp.UTC(), ev.Stage, ev.Event, ev.Detail)
	monitoring.RecordDBOperation("insert", "stage_events", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("record stage event for %s: %w", ev.TrackingID, err)
	}
	return nil
}

// Trace returns every stage event recorded for a tracking id in time
// order.
func (s *Store) Trace(ctx context.Context, trackingID models.TrackingID) ([]StageEvent, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT tracking_id, ts, stage, event, detail
		FROM stage_events
		WHERE tracking_id = ?
		ORDER BY ts ASC`, string(trackingID))
	monitoring.RecordDBOperation("select", "stage_events", time.Since(start), err == nil)
	if err != nil {
		return nil, fmt.Errorf("trace %s: %w", trackingID, err)
	}
	defer rows.Close()

	var events []StageEvent
	for rows.Next() {
		var ev StageEvent
		var tid string
		if err := rows.Scan(&tid, &ev.Timestamp, &ev.Stage, &ev.Event, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan stage event: %w", err)
		}
		ev.TrackingID = models.TrackingID(tid)
		events = append(events, ev)
	}
	return events, rows.Err()
}
