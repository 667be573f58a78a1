package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marinops/fleetcore/internal/config"
	"github.com/marinops/fleetcore/internal/logging"
	"github.com/marinops/fleetcore/internal/models"
	"github.com/marinops/fleetcore/internal/pipeline"
	"github.com/marinops/fleetcore/internal/storage"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

type stubStore struct {
	incidents map[string]*storage.IncidentRow
	traces    map[models.TrackingID][]storage.StageEvent
	stats     *storage.Stats
	statsErr  error
	appendErr error

	appended        []*models.IncidentCreated
	lastExplanation string
}

func newStubStore() *stubStore {
	return &stubStore{
		incidents: map[string]*storage.IncidentRow{},
		traces:    map[models.TrackingID][]storage.StageEvent{},
		stats:     &storage.Stats{BySeverity: map[string]int64{}, ByDomain: map[string]int64{}, ByStatus: map[string]int64{}},
	}
}

func (s *stubStore) GetIncident(_ context.Context, id string) (*storage.IncidentRow, error) {
	row, ok := s.incidents[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return row, nil
}

func (s *stubStore) ListIncidents(context.Context, time.Time, time.Time, int) ([]*storage.IncidentRow, error) {
	var rows []*storage.IncidentRow
	for _, row := range s.incidents {
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *stubStore) UpdateStatus(_ context.Context, id string, next models.Status, explanation string, _ time.Time) (*storage.IncidentRow, error) {
	row, ok := s.incidents[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if !row.Status.CanTransition(next) {
		return nil, storage.ErrInvalidTransition
	}
	row.Status = next
	s.lastExplanation = explanation
	return row, nil
}

func (s *stubStore) GetStats(context.Context, time.Time, time.Time) (*storage.Stats, error) {
	if s.statsErr != nil {
		return nil, s.statsErr
	}
	return s.stats, nil
}

func (s *stubStore) Trace(_ context.Context, trackingID models.TrackingID) ([]storage.StageEvent, error) {
	return s.traces[trackingID], nil
}

func (s *stubStore) AppendIncident(_ context.Context, inc *models.IncidentCreated) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.appended = append(s.appended, inc)
	return nil
}

func newTestServer(store Store) *Server {
	cfg := &config.Config{Environment: "production", Port: 8080}
	return NewServer(cfg, store, nil, pipeline.NewFakeClock(testNow), logging.NewNop())
}

func doRequest(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(newStubStore())
	rec := doRequest(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "incident-api", body["component"])
}

func TestParseTimeRange(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30m", 30 * time.Minute, false},
		{"1h", time.Hour, false},
		{"24h", 24 * time.Hour, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"1w", 7 * 24 * time.Hour, false},
		{"52w", 52 * 7 * 24 * time.Hour, false},
		{"", 0, true},
		{"h", 0, true},
		{"24", 0, true},
		{"24x", 0, true},
		{"0h", 0, true},
		{"-1h", 0, true},
		{"2y", 0, true},
		{"9999w", 0, true}, // over one year
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, err := parseTimeRange(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d)
		})
	}
}

func TestGetStats(t *testing.T) {
	store := newStubStore()
	store.stats.TotalIncidents = 4
	store.stats.Notes = []string{"mttr_seconds unavailable: no resolved incidents in range"}
	s := newTestServer(store)

	rec := doRequest(t, s, http.MethodGet, "/api/v3/stats?time_range=1h", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		TimeRange string   `json:"time_range"`
		Total     int64    `json:"total_incidents"`
		MTTR      *float64 `json:"mttr_seconds"`
		Notes     []string `json:"notes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "1h", body.TimeRange)
	assert.Equal(t, int64(4), body.Total)
	assert.Nil(t, body.MTTR)
	require.Len(t, body.Notes, 1)
	assert.Contains(t, body.Notes[0], "mttr_seconds unavailable")
}

func TestGetStatsRejectsMalformedRange(t *testing.T) {
	s := newTestServer(newStubStore())

	for _, q := range []string{"bananas", "24", "2y", "0h"} {
		rec := doRequest(t, s, http.MethodGet, "/api/v3/stats?time_range="+q, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, q)
		assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"), q)

		var p Problem
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
		assert.Equal(t, http.StatusBadRequest, p.Status)
		assert.Equal(t, "Invalid time_range", p.Title)
	}
}

func TestGetTraceShape(t *testing.T) {
	store := newStubStore()
	store.traces["trk-1"] = []storage.StageEvent{
		{TrackingID: "trk-1", Timestamp: testNow, Stage: "detector", Event: "anomaly_detected"},
		{TrackingID: "trk-1", Timestamp: testNow.Add(40 * time.Millisecond), Stage: "enricher", Event: "anomaly_enriched"},
		{TrackingID: "trk-1", Timestamp: testNow.Add(100 * time.Millisecond), Stage: "correlator", Event: "incident_created"},
		{TrackingID: "trk-1", Timestamp: testNow.Add(130 * time.Millisecond), Stage: "incident_api", Event: "incident_persisted"},
	}
	s := newTestServer(store)

	rec := doRequest(t, s, http.MethodGet, "/api/v3/trace/trk-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body traceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, models.TrackingID("trk-1"), body.TrackingID)
	assert.Equal(t, int64(130), body.TotalLatencyMs)

	require.Len(t, body.Stages, 4)
	assert.Equal(t, []string{"detector", "enricher", "correlator", "incident_api"},
		[]string{body.Stages[0].Stage, body.Stages[1].Stage, body.Stages[2].Stage, body.Stages[3].Stage})
	assert.Equal(t, int64(0), body.Stages[0].LatencyMs)
	assert.Equal(t, int64(40), body.Stages[1].LatencyMs)
	assert.Equal(t, int64(60), body.Stages[2].LatencyMs)
	assert.Equal(t, int64(30), body.Stages[3].LatencyMs)
	for i := 1; i < len(body.Stages); i++ {
		assert.False(t, body.Stages[i].TS.Before(body.Stages[i-1].TS))
		assert.GreaterOrEqual(t, body.Stages[i].LatencyMs, int64(0))
	}
}

func TestGetTraceNotFound(t *testing.T) {
	s := newTestServer(newStubStore())
	rec := doRequest(t, s, http.MethodGet, "/api/v3/trace/trk-missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var p Problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "Trace Not Found", p.Title)
}

func TestCreateIncident(t *testing.T) {
	store := newStubStore()
	s := newTestServer(store)

	body, _ := json.Marshal(createIncidentRequest{
		ShipID:       "mv-aurora",
		Domain:       models.DomainSystem,
		IncidentType: "cpu_pressure",
		Severity:     models.SeverityHigh,
		Scope:        []models.ScopeEntry{{Service: "cpu-monitor"}},
	})
	rec := doRequest(t, s, http.MethodPost, "/api/v3/incidents", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	var inc models.IncidentCreated
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inc))
	assert.NotEmpty(t, inc.IncidentID)
	assert.Equal(t, models.StatusOpen, inc.Status)
	assert.True(t, inc.TrackingID.Synthetic())
	assert.True(t, inc.SuppressKey.Valid())
	assert.Equal(t, testNow, inc.CreatedAt)

	require.Len(t, store.appended, 1)
	assert.Equal(t, inc.IncidentID, store.appended[0].IncidentID)
}

func TestCreateIncidentValidation(t *testing.T) {
	s := newTestServer(newStubStore())

	// Missing ship, unknown domain, unknown severity, missing type.
	cases := []createIncidentRequest{
		{Domain: models.DomainSystem, IncidentType: "x", Severity: models.SeverityLow},
		{ShipID: "s", Domain: "submarine", IncidentType: "x", Severity: models.SeverityLow},
		{ShipID: "s", Domain: models.DomainSystem, IncidentType: "x", Severity: "fatal"},
		{ShipID: "s", Domain: models.DomainSystem, Severity: models.SeverityLow},
	}
	for i, req := range cases {
		body, _ := json.Marshal(req)
		rec := doRequest(t, s, http.MethodPost, "/api/v3/incidents", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "case %d", i)
	}
}

func TestCreateIncidentStoreDown(t *testing.T) {
	store := newStubStore()
	store.appendErr = errors.New("store unavailable")
	s := newTestServer(store)

	body, _ := json.Marshal(createIncidentRequest{
		ShipID:       "mv-aurora",
		Domain:       models.DomainSystem,
		IncidentType: "cpu_pressure",
		Severity:     models.SeverityHigh,
	})
	rec := doRequest(t, s, http.MethodPost, "/api/v3/incidents", body)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetIncidentNotFound(t *testing.T) {
	s := newTestServer(newStubStore())
	rec := doRequest(t, s, http.MethodGet, "/api/v3/incidents/inc-missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateStatus(t *testing.T) {
	store := newStubStore()
	store.incidents["inc-1"] = &storage.IncidentRow{
		IncidentID: "inc-1",
		Status:     models.StatusOpen,
	}
	s := newTestServer(store)

	rec := doRequest(t, s, http.MethodPut, "/api/v3/incidents/inc-1/status",
		[]byte(`{"status":"ack"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	var row storage.IncidentRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &row))
	assert.Equal(t, models.StatusAck, row.Status)
}

func TestUpdateStatusRecordsExplanation(t *testing.T) {
	store := newStubStore()
	store.incidents["inc-1"] = &storage.IncidentRow{
		IncidentID: "inc-1",
		Status:     models.StatusOpen,
	}
	s := newTestServer(store)

	rec := doRequest(t, s, http.MethodPut, "/api/v3/incidents/inc-1/status",
		[]byte(`{"status":"resolved","explanation":"replaced faulty coolant pump"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "replaced faulty coolant pump", store.lastExplanation)
}

func TestUpdateStatusRejectsBackwardTransition(t *testing.T) {
	store := newStubStore()
	store.incidents["inc-1"] = &storage.IncidentRow{
		IncidentID: "inc-1",
		Status:     models.StatusResolved,
	}
	s := newTestServer(store)

	rec := doRequest(t, s, http.MethodPut, "/api/v3/incidents/inc-1/status",
		[]byte(`{"status":"open"}`))
	require.Equal(t, http.StatusConflict, rec.Code)

	var p Problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "Invalid Status Transition", p.Title)
}

func TestUpdateStatusRejectsUnknownStatus(t *testing.T) {
	s := newTestServer(newStubStore())
	rec := doRequest(t, s, http.MethodPut, "/api/v3/incidents/inc-1/status",
		[]byte(`{"status":"escalated"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListIncidentsRejectsBadLimit(t *testing.T) {
	s := newTestServer(newStubStore())
	for _, q := range []string{"0", "-5", "9999", "abc"} {
		rec := doRequest(t, s, http.MethodGet, "/api/v3/incidents?limit="+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestStreamUnavailableWithoutHub(t *testing.T) {
	s := newTestServer(newStubStore())
	rec := doRequest(t, s, http.MethodGet, "/api/v3/incidents/stream", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
