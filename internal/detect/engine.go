// Package detect classifies ingress log records and emits typed
// anomalies. The detectors themselves are selected and tuned by the
// operator policy; the engine only provides the mechanics.
package detect

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/marinops/fleetcore/internal/config"
	"github.com/marinops/fleetcore/internal/logging"
	"github.com/marinops/fleetcore/internal/models"
	"github.com/marinops/fleetcore/internal/monitoring"
	"github.com/marinops/fleetcore/internal/pipeline"
	"github.com/marinops/fleetcore/internal/policy"
)

// UnknownShipID tags records whose ship id is missing or not in the
// registry. Downstream stages group by it like any other ship.
const UnknownShipID = "unknown-ship"

// Detector names accepted in policy.detect.detectors.
const (
	DetectorSeverityTag = "severity_tag"
	DetectorPattern     = "pattern"
	DetectorZScore      = "zscore"
)

// Engine turns one LogRecord into zero or more AnomalyDetected events.
// Stateless per record apart from the rolling windows of the
// statistical detector.
type Engine struct {
	policies *policy.Store
	windows  *Windows
	clock    pipeline.Clock
	logger   logging.Logger

	mu      sync.Mutex
	regexes map[string]*regexp.Regexp
}

// NewEngine builds a detection engine.
func NewEngine(cfg config.DetectorConfig, policies *policy.Store, clock pipeline.Clock, logger logging.Logger) *Engine {
	return &Engine{
		policies: policies,
		windows: NewWindows(cfg.RollingWindowSize,
			time.Duration(cfg.RollingWindowTTLSec)*time.Second),
		clock:   clock,
		logger:  logger,
		regexes: make(map[string]*regexp.Regexp),
	}
}

// ProcessLog validates the record and runs the enabled detectors in
// policy order. A rejected record returns nil; a valid record that
// matched nothing returns an empty slice.
func (e *Engine) ProcessLog(rec *models.LogRecord) []models.AnomalyDetected {
	pol := e.policies.Snapshot()
	now := e.clock.Now()

	if rec.TrackingID.IsZero() {
		rec.TrackingID = models.NewTrackingID()
		if rec.Extensions == nil {
			rec.Extensions = make(map[string]json.RawMessage, 1)
		}
		rec.Extensions["synthetic"] = json.RawMessage("true")
	}

	if rec.Timestamp.IsZero() {
		e.drop(rec, "missing_timestamp")
		return nil
	}
	maxSkew := time.Duration(pol.Ingest.MaxClockSkewSec) * time.Second
	if skew := now.Sub(rec.Timestamp); skew > maxSkew || skew < -maxSkew {
		e.drop(rec, "clock_skew")
		return nil
	}

	if rec.ShipID == "" || !e.knownShip(pol, rec.ShipID) {
		rec.ShipID = UnknownShipID
	}

	out := make([]models.AnomalyDetected, 0, 2)
	for _, name := range pol.Detect.Detectors {
		switch name {
		case DetectorSeverityTag:
			out = append(out, e.runSeverityTag(pol, rec)...)
		case DetectorPattern:
			out = append(out, e.runPattern(pol, rec)...)
		case DetectorZScore:
			out = append(out, e.runZScore(pol, rec, now)...)
		default:
			e.logger.Warn("Unknown detector in policy; skipping", "detector", name)
		}
	}
	return out
}

func (e *Engine) drop(rec *models.LogRecord, reason string) {
	monitoring.RecordDetectorDrop(reason)
	e.logger.Warn("Dropping log record",
		"reason", reason, "tracking_id", rec.TrackingID, "ship_id", rec.ShipID)
}

// knownShip checks the registry from policy. An empty registry accepts
// every non-empty ship id.
func (e *Engine) knownShip(pol *policy.Policy, shipID string) bool {
	if len(pol.Detect.KnownShipIDs) == 0 {
		return true
	}
	for _, id := range pol.Detect.KnownShipIDs {
		if id == shipID {
			return true
		}
	}
	return false
}

func (e *Engine) base(rec *models.LogRecord, detector string) models.AnomalyDetected {
	return models.AnomalyDetected{
		TrackingID:  rec.TrackingID,
		Timestamp:   rec.Timestamp,
		ShipID:      rec.ShipID,
		Detector:    detector,
		Service:     rec.Service,
		DeviceID:    stringField(rec.ParsedFields, "device_id"),
		EvidenceRef: fmt.Sprintf("logs/%s", rec.TrackingID),
		Extensions:  rec.Extensions,
	}
}

func (e *Engine) runSeverityTag(pol *policy.Policy, rec *models.LogRecord) []models.AnomalyDetected {
	hint := strings.ToLower(rec.SeverityHint)
	if hint == "" {
		return nil
	}
	for _, rule := range pol.Detect.SeverityTags {
		if hint != rule.Keyword {
			continue
		}
		a := e.base(rec, DetectorSeverityTag)
		a.Domain = e.domainFor(pol, rec, rule.Domain)
		a.AnomalyType = rule.AnomalyType
		a.Score = clampScore(0.6 + 0.1*float64(rule.Rank))
		return []models.AnomalyDetected{a}
	}
	return nil
}

func (e *Engine) runPattern(pol *policy.Policy, rec *models.LogRecord) []models.AnomalyDetected {
	// First matching rule wins; rule order is config order.
	for _, rule := range pol.Detect.Patterns {
		re, err := e.compiled(rule.Pattern)
		if err != nil {
			e.logger.Warn("Invalid detection pattern; skipping",
				"pattern", rule.Pattern, "error", err)
			continue
		}
		if !re.MatchString(rec.RawMessage) {
			continue
		}
		a := e.base(rec, DetectorPattern)
		a.Domain = rule.Domain
		a.AnomalyType = rule.AnomalyType
		a.Score = clampScore(rule.Score)
		return []models.AnomalyDetected{a}
	}
	return nil
}

func (e *Engine) runZScore(pol *policy.Policy, rec *models.LogRecord, now time.Time) []models.AnomalyDetected {
	metricName := stringField(rec.ParsedFields, "metric_name")
	value, hasValue := numberField(rec.ParsedFields, "metric_value")
	if metricName == "" || !hasValue {
		return nil
	}

	z, ok := e.windows.Observe(rec.ShipID, metricName, value, now)
	if !ok || math.Abs(z) < pol.Detect.ZScoreMin {
		return nil
	}

	a := e.base(rec, DetectorZScore)
	a.Domain = e.domainFor(pol, rec, models.DomainSystem)
	a.AnomalyType = "metric_deviation"
	a.Score = clampScore(math.Abs(z) / 6)
	a.MetricName = metricName
	a.MetricValue = &value
	threshold := pol.Detect.ZScoreMin
	a.Threshold = &threshold
	return []models.AnomalyDetected{a}
}

// domainFor resolves the domain from policy hints (service first, then
// facility), falling back to the rule's own domain.
func (e *Engine) domainFor(pol *policy.Policy, rec *models.LogRecord, fallback models.Domain) models.Domain {
	for _, hint := range []string{rec.Service, rec.Facility} {
		if hint == "" {
			continue
		}
		if d, ok := pol.Detect.DomainByHints[hint]; ok && models.Domain(d).Valid() {
			return models.Domain(d)
		}
	}
	if fallback.Valid() {
		return fallback
	}
	return models.DomainSystem
}

func (e *Engine) compiled(pattern string) (*regexp.Regexp, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if re, ok := e.regexes[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	e.regexes[pattern] = re
	return re, nil
}

// SweepWindows drops idle rolling windows; the service calls it
// periodically.
func (e *Engine) SweepWindows() int {
	return e.windows.Sweep(e.clock.Now())
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

func stringField(fields map[string]any, key string) string {
	if fields == nil {
		return ""
	}
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

func numberField(fields map[string]any, key string) (float64, bool) {
	if fields == nil {
		return 0, false
	}
	switch v := fields[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
