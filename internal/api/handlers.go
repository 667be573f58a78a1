package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/marinops/fleetcore/internal/models"
	"github.com/marinops/fleetcore/internal/storage"
)

const (
	defaultTimeRange = "24h"
	defaultListLimit = 50
	maxListLimit     = 500
	handlerTimeout   = 10 * time.Second
	statusDegraded   = "degraded"
	statusOK         = "ok"
)

type statsResponse struct {
	TimeRange string    `json:"time_range"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
	*storage.Stats
}

func (s *Server) getStats(c *gin.Context) {
	rangeParam := c.DefaultQuery("time_range", defaultTimeRange)
	d, err := parseTimeRange(rangeParam)
	if err != nil {
		abortProblem(c, http.StatusBadRequest, "Invalid time_range", err.Error())
		return
	}

	ctx, cancel := contextWithTimeout(c)
	defer cancel()

	to := s.clock.Now()
	from := to.Add(-d)
	stats, err := s.store.GetStats(ctx, from, to)
	if err != nil {
		s.logger.Error("Stats query failed", "error", err)
		abortProblem(c, http.StatusServiceUnavailable,
			"Store Unavailable", "incident statistics could not be computed")
		return
	}

	c.JSON(http.StatusOK, statsResponse{
		TimeRange: rangeParam,
		From:      from,
		To:        to,
		Stats:     stats,
	})
}

type traceStage struct {
	Stage     string    `json:"stage"`
	TS        time.Time `json:"ts"`
	LatencyMs int64     `json:"latency_ms"`
	Status    string    `json:"status"`
}

type traceResponse struct {
	TrackingID     models.TrackingID `json:"tracking_id"`
	TotalLatencyMs int64             `json:"total_latency_ms"`
	Stages         []traceStage      `json:"stages"`
}

func (s *Server) getTrace(c *gin.Context) {
	trackingID := models.TrackingID(c.Param("trackingId"))
	if trackingID.IsZero() {
		abortProblem(c, http.StatusBadRequest, "Invalid tracking_id", "tracking_id is required")
		return
	}

	ctx, cancel := contextWithTimeout(c)
	defer cancel()

	rows, err := s.store.Trace(ctx, trackingID)
	if err != nil {
		s.logger.Error("Trace query failed", "tracking_id", trackingID, "error", err)
		abortProblem(c, http.StatusServiceUnavailable,
			"Store Unavailable", "the trace could not be read")
		return
	}
	if len(rows) == 0 {
		abortProblem(c, http.StatusNotFound, "Trace Not Found",
			"no pipeline stages recorded for tracking_id "+string(trackingID))
		return
	}

	stages := make([]traceStage, 0, len(rows))
	for i, row := range rows {
		latency := int64(0)
		if i > 0 {
			latency = row.Timestamp.Sub(rows[i-1].Timestamp).Milliseconds()
			if latency < 0 {
				latency = 0
			}
		}
		status := statusOK
		if strings.Contains(row.Detail, "degraded") {
			status = statusDegraded
		}
		stages = append(stages, traceStage{
			Stage:     row.Stage,
			TS:        row.Timestamp,
			LatencyMs: latency,
			Status:    status,
		})
	}

	total := rows[len(rows)-1].Timestamp.Sub(rows[0].Timestamp).Milliseconds()
	if total < 0 {
		total = 0
	}
	c.JSON(http.StatusOK, traceResponse{
		TrackingID:     trackingID,
		TotalLatencyMs: total,
		Stages:         stages,
	})
}

type createIncidentRequest struct {
	ShipID           string              `json:"ship_id"`
	Domain           models.Domain       `json:"domain"`
	IncidentType     string              `json:"incident_type"`
	Severity         models.Severity     `json:"severity"`
	Scope            []models.ScopeEntry `json:"scope"`
	MemberAnomalyIDs []string            `json:"member_anomaly_ids"`
	EvidenceRefs     []string            `json:"evidence_refs"`
	TrackingID       models.TrackingID   `json:"tracking_id"`
}

// createIncident backfills an incident directly into the store,
// bypassing the correlator. Used for imports and test fixtures.
func (s *Server) createIncident(c *gin.Context) {
	var req createIncidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortProblem(c, http.StatusBadRequest, "Invalid Request Body", err.Error())
		return
	}
	if req.ShipID == "" || req.IncidentType == "" {
		abortProblem(c, http.StatusBadRequest, "Invalid Request Body",
			"ship_id and incident_type are required")
		return
	}
	if !req.Domain.Valid() {
		abortProblem(c, http.StatusBadRequest, "Invalid Request Body",
			"domain must be one of system, network, comms, application, security")
		return
	}
	if !req.Severity.Valid() {
		abortProblem(c, http.StatusBadRequest, "Invalid Request Body",
			"severity must be one of low, med, high, crit")
		return
	}

	now := s.clock.Now()
	trackingID := req.TrackingID
	if trackingID.IsZero() {
		trackingID = models.NewTrackingID()
	}

	var service, deviceID string
	if len(req.Scope) > 0 {
		service = req.Scope[0].Service
		deviceID = req.Scope[0].DeviceID
	}

	inc := &models.IncidentCreated{
		IncidentID:       "inc-" + uuid.NewString(),
		CreatedAt:        now,
		UpdatedAt:        now,
		ShipID:           req.ShipID,
		Domain:           req.Domain,
		IncidentType:     req.IncidentType,
		Severity:         req.Severity,
		Scope:            req.Scope,
		CorrelationKeys:  []string{"ship_id:" + req.ShipID, "domain:" + string(req.Domain)},
		SuppressKey:      models.NewSuppressKey(req.ShipID, req.Domain, service, req.IncidentType, deviceID, req.Severity),
		MemberAnomalyIDs: req.MemberAnomalyIDs,
		EvidenceRefs:     req.EvidenceRefs,
		Timeline: []models.TimelineEntry{{
			Timestamp:   now,
			Event:       "incident_created",
			Source:      "incident_api",
			Description: "created via POST /api/v3/incidents",
		}},
		Status:     models.StatusOpen,
		TrackingID: trackingID,
	}

	ctx, cancel := contextWithTimeout(c)
	defer cancel()

	if err := s.store.AppendIncident(ctx, inc); err != nil {
		s.logger.Error("Incident backfill write failed",
			"incident_id", inc.IncidentID, "error", err)
		abortProblem(c, http.StatusServiceUnavailable,
			"Store Unavailable", "the incident could not be persisted")
		return
	}

	s.logger.Info("Incident backfilled",
		"incident_id", inc.IncidentID, "ship_id", inc.ShipID)
	c.JSON(http.StatusCreated, inc)
}

func (s *Server) getIncident(c *gin.Context) {
	incidentID := c.Param("incidentId")

	ctx, cancel := contextWithTimeout(c)
	defer cancel()

	row, err := s.store.GetIncident(ctx, incidentID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		abortProblem(c, http.StatusNotFound, "Incident Not Found",
			"no incident with id "+incidentID)
	case err != nil:
		s.logger.Error("Incident read failed", "incident_id", incidentID, "error", err)
		abortProblem(c, http.StatusServiceUnavailable,
			"Store Unavailable", "the incident could not be read")
	default:
		c.JSON(http.StatusOK, row)
	}
}

func (s *Server) listIncidents(c *gin.Context) {
	rangeParam := c.DefaultQuery("time_range", defaultTimeRange)
	d, err := parseTimeRange(rangeParam)
	if err != nil {
		abortProblem(c, http.StatusBadRequest, "Invalid time_range", err.Error())
		return
	}

	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxListLimit {
			abortProblem(c, http.StatusBadRequest, "Invalid limit",
				"limit must be an integer between 1 and "+strconv.Itoa(maxListLimit))
			return
		}
	}

	ctx, cancel := contextWithTimeout(c)
	defer cancel()

	to := s.clock.Now()
	rows, err := s.store.ListIncidents(ctx, to.Add(-d), to, limit)
	if err != nil {
		s.logger.Error("Incident list failed", "error", err)
		abortProblem(c, http.StatusServiceUnavailable,
			"Store Unavailable", "incidents could not be listed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"time_range": rangeParam,
		"count":      len(rows),
		"incidents":  rows,
	})
}

type updateStatusRequest struct {
	Status      models.Status `json:"status"`
	Explanation string        `json:"explanation"`
}

func (s *Server) updateStatus(c *gin.Context) {
	incidentID := c.Param("incidentId")

	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortProblem(c, http.StatusBadRequest, "Invalid Request Body", err.Error())
		return
	}
	if !req.Status.Valid() {
		abortProblem(c, http.StatusBadRequest, "Invalid Request Body",
			"status must be one of open, ack, resolved, suppressed")
		return
	}

	ctx, cancel := contextWithTimeout(c)
	defer cancel()

	row, err := s.store.UpdateStatus(ctx, incidentID, req.Status, req.Explanation, s.clock.Now())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		abortProblem(c, http.StatusNotFound, "Incident Not Found",
			"no incident with id "+incidentID)
	case errors.Is(err, storage.ErrInvalidTransition):
		abortProblem(c, http.StatusConflict, "Invalid Status Transition", err.Error())
	case err != nil:
		s.logger.Error("Status update failed", "incident_id", incidentID, "error", err)
		abortProblem(c, http.StatusServiceUnavailable,
			"Store Unavailable", "the status could not be updated")
	default:
		c.JSON(http.StatusOK, row)
	}
}

func contextWithTimeout(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), handlerTimeout)
}
