package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnomalyDetectedRoundTripPreservesUnknownFields(t *testing.T) {
	wire := `{
		"tracking_id": "trk-abc",
		"ts": "2026-08-01T12:00:00Z",
		"ship_id": "mv-aurora",
		"domain": "system",
		"anomaly_type": "cpu_pressure",
		"detector": "zscore",
		"service": "cpu-monitor",
		"score": 0.8,
		"fleet_build": "2026.31",
		"edge_site": {"berth": 4}
	}`

	var a AnomalyDetected
	require.NoError(t, json.Unmarshal([]byte(wire), &a))

	assert.Equal(t, TrackingID("trk-abc"), a.TrackingID)
	assert.Equal(t, DomainSystem, a.Domain)
	assert.Equal(t, 0.8, a.Score)
	require.Contains(t, a.Extensions, "fleet_build")
	require.Contains(t, a.Extensions, "edge_site")

	out, err := json.Marshal(a)
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &m))
	assert.JSONEq(t, `"2026.31"`, string(m["fleet_build"]))
	assert.JSONEq(t, `{"berth": 4}`, string(m["edge_site"]))
}

func TestKnownFieldsAreNotTreatedAsExtensions(t *testing.T) {
	wire := `{"tracking_id":"t1","ts":"2026-08-01T12:00:00Z","ship_id":"s","domain":"network","anomaly_type":"x","detector":"d","service":"svc","score":0.5,"device_id":"dev-1"}`

	var a AnomalyDetected
	require.NoError(t, json.Unmarshal([]byte(wire), &a))
	assert.Equal(t, "dev-1", a.DeviceID)
	assert.Empty(t, a.Extensions)
}

func TestAnomalyEnrichedRoundTrip(t *testing.T) {
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	e := AnomalyEnriched{
		AnomalyDetected: AnomalyDetected{
			TrackingID:  "trk-1",
			Timestamp:   ts,
			ShipID:      "mv-aurora",
			Domain:      DomainComms,
			AnomalyType: "link_flap",
			Detector:    "pattern",
			Service:     "vsat",
			Score:       0.7,
			Extensions:  map[string]json.RawMessage{"carrier": json.RawMessage(`"inmarsat"`)},
		},
		Severity:            SeverityHigh,
		Context:             EnrichmentContext{SimilarCount1h: 3, SimilarCount24h: 12},
		Meta:                EnrichmentMeta{SimilarAnomalies: []AnomalyRef{}, RecentIncidents: []IncidentRef{}},
		EnrichmentLatencyMs: 42,
	}

	out, err := json.Marshal(e)
	require.NoError(t, err)

	// Enriched events flatten to one JSON object: detected fields,
	// enrichment fields, and extensions side by side.
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Contains(t, m, "score")
	assert.Contains(t, m, "severity")
	assert.Contains(t, m, "context")
	assert.JSONEq(t, `"inmarsat"`, string(m["carrier"]))

	var back AnomalyEnriched
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, e.TrackingID, back.TrackingID)
	assert.Equal(t, e.Severity, back.Severity)
	assert.Equal(t, 3, back.Context.SimilarCount1h)
	assert.Equal(t, int64(42), back.EnrichmentLatencyMs)
	require.Contains(t, back.AnomalyDetected.Extensions, "carrier")
}

func TestIncidentEnrichedRoundTrip(t *testing.T) {
	wire := `{
		"incident_id": "3c9e4a2e-1111-2222-3333-444455556666",
		"created_at": "2026-08-01T12:00:00Z",
		"ship_id": "mv-aurora",
		"incident_type": "cpu_pressure",
		"severity": "high",
		"scope": [{"service":"cpu-monitor"}],
		"correlation_keys": ["mv-aurora/system"],
		"suppress_key": "sup-v1-00",
		"member_anomaly_ids": ["trk-1","trk-2","trk-3"],
		"evidence_refs": [],
		"timeline": [],
		"status": "open",
		"tracking_id": "trk-1",
		"domain": "system",
		"ai": {"root_cause":"load", "remediation_steps":["restart"], "similar_incidents":[]},
		"cache_hit": true,
		"processing_time_ms": 12,
		"confidence": "high",
		"enrichment_version": 1,
		"console_hint": "pin"
	}`

	var e IncidentEnriched
	require.NoError(t, json.Unmarshal([]byte(wire), &e))
	assert.True(t, e.CacheHit)
	assert.Equal(t, "load", e.AI.RootCause)
	assert.Equal(t, SeverityHigh, e.Severity)
	require.Contains(t, e.IncidentCreated.Extensions, "console_hint")

	out, err := json.Marshal(e)
	require.NoError(t, err)
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &m))
	assert.JSONEq(t, `"pin"`, string(m["console_hint"]))
	assert.Contains(t, m, "enrichment_version")
}

func TestExtensionNeverOverridesKnownField(t *testing.T) {
	a := AnomalyDetected{
		TrackingID:  "trk-real",
		Timestamp:   time.Now().UTC(),
		ShipID:      "s",
		Domain:      DomainSystem,
		AnomalyType: "x",
		Detector:    "d",
		Service:     "svc",
		Score:       0.9,
		Extensions: map[string]json.RawMessage{
			"score": json.RawMessage(`0.1`), // stale collision
		},
	}

	out, err := json.Marshal(a)
	require.NoError(t, err)
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &m))
	assert.JSONEq(t, `0.9`, string(m["score"]))
}
