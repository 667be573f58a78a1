package models

import (
	"encoding/json"
	"time"
)

// Domain is the coarse category of the signal source. Assigned by the
// detector and never changed downstream.
type Domain string

const (
	DomainSystem      Domain = "system"
	DomainNetwork     Domain = "network"
	DomainComms       Domain = "comms"
	DomainApplication Domain = "application"
	DomainSecurity    Domain = "security"
)

// Domains lists every valid domain value.
var Domains = []Domain{DomainSystem, DomainNetwork, DomainComms, DomainApplication, DomainSecurity}

func (d Domain) Valid() bool {
	for _, v := range Domains {
		if d == v {
			return true
		}
	}
	return false
}

// Severity is the operational severity of an anomaly or incident.
type Severity string

const (
	SeverityLow  Severity = "low"
	SeverityMed  Severity = "med"
	SeverityHigh Severity = "high"
	SeverityCrit Severity = "crit"
)

// Rank returns a comparable ordering (crit > high > med > low). Unknown
// severities rank below low so a malformed value never wins a max.
func (s Severity) Rank() int {
	switch s {
	case SeverityCrit:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMed:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

func (s Severity) Valid() bool { return s.Rank() > 0 }

// MaxSeverity returns the highest severity in the list, or low for an
// empty list.
func MaxSeverity(severities []Severity) Severity {
	max := SeverityLow
	for _, s := range severities {
		if s.Rank() > max.Rank() {
			max = s
		}
	}
	return max
}

// Status is the lifecycle state of an incident. Transitions are monotonic:
// open -> ack -> resolved|suppressed; open may also jump straight to a
// terminal state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusAck        Status = "ack"
	StatusResolved   Status = "resolved"
	StatusSuppressed Status = "suppressed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusAck, StatusResolved, StatusSuppressed:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusOpen:
		return next == StatusAck || next == StatusResolved || next == StatusSuppressed
	case StatusAck:
		return next == StatusResolved || next == StatusSuppressed
	}
	return false
}

// LogRecord is the ingest contract published by the ingestion agent on
// logs.anomalous. Read-only in this codebase.
type LogRecord struct {
	TrackingID   TrackingID     `json:"tracking_id"`
	Timestamp    time.Time      `json:"ts"`
	ShipID       string         `json:"ship_id"`
	Host         string         `json:"host"`
	Service      string         `json:"service"`
	SeverityHint string         `json:"severity_hint"`
	Facility     string         `json:"facility"`
	RawMessage   string         `json:"raw_message"`
	ParsedFields map[string]any `json:"parsed_fields,omitempty"`

	Extensions map[string]json.RawMessage `json:"-"`
}

// AnomalyDetected is emitted by the detector on anomaly.detected.
type AnomalyDetected struct {
	TrackingID  TrackingID `json:"tracking_id"`
	Timestamp   time.Time  `json:"ts"`
	ShipID      string     `json:"ship_id"`
	Domain      Domain     `json:"domain"`
	AnomalyType string     `json:"anomaly_type"`
	Detector    string     `json:"detector"`
	Service     string     `json:"service"`
	DeviceID    string     `json:"device_id,omitempty"`
	Score       float64    `json:"score"`
	MetricName  string     `json:"metric_name,omitempty"`
	MetricValue *float64   `json:"metric_value,omitempty"`
	Threshold   *float64   `json:"threshold,omitempty"`
	EvidenceRef string     `json:"evidence_ref,omitempty"`

	Extensions map[string]json.RawMessage `json:"-"`
}

// EnrichmentContext carries the historical counters the fast enricher
// derives from the columnar store. Counts are never negative.
type EnrichmentContext struct {
	SimilarCount1h  int        `json:"similar_count_1h"`
	SimilarCount24h int        `json:"similar_count_24h"`
	LastIncidentTS  *time.Time `json:"last_incident_ts,omitempty"`
}

// FailureRates summarizes 24h failure history for a (ship, domain) pair.
type FailureRates struct {
	Count           int64            `json:"count"`
	CountBySeverity map[string]int64 `json:"count_by_severity"`
	AvgScore        float64          `json:"avg_score"`
}

// AnomalyRef is a compact pointer to a historical anomaly row.
type AnomalyRef struct {
	TrackingID  TrackingID `json:"tracking_id"`
	Timestamp   time.Time  `json:"ts"`
	AnomalyType string     `json:"anomaly_type"`
	Score       float64    `json:"score"`
	Severity    Severity   `json:"severity,omitempty"`
}

// IncidentRef is a compact pointer to a historical incident row.
type IncidentRef struct {
	IncidentID   string    `json:"incident_id"`
	CreatedAt    time.Time `json:"created_at"`
	IncidentType string    `json:"incident_type"`
	Severity     Severity  `json:"severity"`
	Status       Status    `json:"status"`
}

// EnrichmentMeta holds the optional decorations attached by the fast
// enricher. Degraded is set when the store could not be queried within
// budget; the event is still valid.
type EnrichmentMeta struct {
	DeviceMetadata         map[string]any `json:"device_metadata,omitempty"`
	HistoricalFailureRates *FailureRates  `json:"historical_failure_rates,omitempty"`
	SimilarAnomalies       []AnomalyRef   `json:"similar_anomalies"`
	RecentIncidents        []IncidentRef  `json:"recent_incidents"`
	Degraded               bool           `json:"degraded,omitempty"`
}

// AnomalyEnriched is emitted by the fast enricher on anomaly.enriched.
type AnomalyEnriched struct {
	AnomalyDetected

	Severity            Severity          `json:"severity"`
	Context             EnrichmentContext `json:"context"`
	Meta                EnrichmentMeta    `json:"meta"`
	EnrichmentLatencyMs int64             `json:"enrichment_latency_ms"`
}

// ScopeEntry identifies one (device, service) pair touched by an incident.
type ScopeEntry struct {
	DeviceID string `json:"device_id,omitempty"`
	Service  string `json:"service,omitempty"`
}

// TimelineEntry is one event in an incident's timeline.
type TimelineEntry struct {
	Timestamp   time.Time `json:"ts"`
	Event       string    `json:"event"`
	Source      string    `json:"source"`
	Description string    `json:"description"`
}

// IncidentCreated is emitted by the correlator on incidents.created.
// Members are referenced by tracking id only; resolution is a store query.
type IncidentCreated struct {
	IncidentID       string          `json:"incident_id"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at,omitempty"`
	ShipID           string          `json:"ship_id"`
	IncidentType     string          `json:"incident_type"`
	Severity         Severity        `json:"severity"`
	Scope            []ScopeEntry    `json:"scope"`
	CorrelationKeys  []string        `json:"correlation_keys"`
	SuppressKey      SuppressKey     `json:"suppress_key"`
	MemberAnomalyIDs []string        `json:"member_anomaly_ids"`
	EvidenceRefs     []string        `json:"evidence_refs"`
	Timeline         []TimelineEntry `json:"timeline"`
	Status           Status          `json:"status"`
	TrackingID       TrackingID      `json:"tracking_id"`
	Domain           Domain          `json:"domain"`

	Extensions map[string]json.RawMessage `json:"-"`
}

// SimilarIncident is one retrieval-augmented lookup result.
type SimilarIncident struct {
	IncidentID      string  `json:"incident_id"`
	SimilarityScore float64 `json:"similarity_score"`
	Resolution      string  `json:"resolution,omitempty"`
}

// AIInsight is the narrative payload attached by the insight enricher.
type AIInsight struct {
	RootCause        string            `json:"root_cause"`
	RemediationSteps []string          `json:"remediation_steps"`
	SimilarIncidents []SimilarIncident `json:"similar_incidents"`
}

// Confidence buckets for AI-generated insight.
const (
	ConfidenceLow  = "low"
	ConfidenceMed  = "med"
	ConfidenceHigh = "high"
)

// IncidentEnriched is emitted by the insight enricher on incidents.enriched.
// When the LLM path fails, AI comes from the rule-based fallback and
// Confidence is "low". Publishing is idempotent on
// (incident_id, enrichment_version).
type IncidentEnriched struct {
	IncidentCreated

	AI                AIInsight `json:"ai"`
	CacheHit          bool      `json:"cache_hit"`
	ProcessingTimeMs  int64     `json:"processing_time_ms"`
	Confidence        string    `json:"confidence"`
	EnrichmentVersion int       `json:"enrichment_version"`
}
