package policy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marinops/fleetcore/internal/models"
)

// Policy is the operator-owned document governing runtime thresholds.
// It is read-only to the pipeline; stages consume immutable snapshots.
type Policy struct {
	SchemaVersion int `yaml:"schema_version"`

	Ingest    IngestPolicy    `yaml:"ingest"`
	Detect    DetectPolicy    `yaml:"detect"`
	Correlate CorrelatePolicy `yaml:"correlate"`
	Notify    NotifyPolicy    `yaml:"notify"`
	Remediate RemediatePolicy `yaml:"remediate"`
	LLM       LLMPolicy       `yaml:"llm"`
	Retention RetentionPolicy `yaml:"retention"`
	Privacy   PrivacyPolicy   `yaml:"privacy"`
	SLO       SLOPolicy       `yaml:"slo"`
}

// IngestPolicy bounds what the detector accepts at the pipeline boundary.
type IngestPolicy struct {
	// MaxClockSkewSec rejects records whose timestamp deviates more than
	// this from the local clock in either direction.
	MaxClockSkewSec int `yaml:"max_clock_skew_sec"`
}

// SeverityTagRule maps one parsed severity keyword to an anomaly.
// Score is 0.6 + 0.1*Rank.
type SeverityTagRule struct {
	Keyword     string        `yaml:"keyword"`
	Rank        int           `yaml:"rank"`
	AnomalyType string        `yaml:"anomaly_type"`
	Domain      models.Domain `yaml:"domain"`
}

// PatternRule maps a configured regex to a typed anomaly. Rules are
// evaluated in declaration order; first match wins.
type PatternRule struct {
	Pattern     string        `yaml:"pattern"`
	Domain      models.Domain `yaml:"domain"`
	AnomalyType string        `yaml:"anomaly_type"`
	Score       float64       `yaml:"score"`
}

// DetectPolicy selects and tunes detectors. Detectors lists the enabled
// detectors in emission order.
type DetectPolicy struct {
	Detectors     []string          `yaml:"detectors"`
	SeverityTags  []SeverityTagRule `yaml:"severity_tags"`
	Patterns      []PatternRule     `yaml:"patterns"`
	ZScoreMin     float64           `yaml:"zscore_min"`
	KnownShipIDs  []string          `yaml:"known_ship_ids"`
	DomainByHints map[string]string `yaml:"domain_by_hints"`
}

// CorrelatePolicy tunes incident formation.
type CorrelatePolicy struct {
	WindowByDomainSec map[string]int `yaml:"window_by_domain_sec"`
	DefaultWindowSec  int            `yaml:"default_window_sec"`
	Threshold         int            `yaml:"threshold"`
	DedupTTLSec       int            `yaml:"dedup_ttl_sec"`
}

// Window returns the tumbling window duration for a domain.
func (c CorrelatePolicy) Window(domain models.Domain) time.Duration {
	if sec, ok := c.WindowByDomainSec[string(domain)]; ok && sec > 0 {
		return time.Duration(sec) * time.Second
	}
	return time.Duration(c.DefaultWindowSec) * time.Second
}

// NotifyPolicy is carried for downstream alert routing; the core only
// validates and republishes it.
type NotifyPolicy struct {
	Channels []string `yaml:"channels"`
}

// FallbackRule is one entry of the rule-based insight fallback, keyed on
// (incident_type, severity). Empty severity matches any.
type FallbackRule struct {
	IncidentType     string          `yaml:"incident_type"`
	Severity         models.Severity `yaml:"severity"`
	RootCause        string          `yaml:"root_cause"`
	RemediationSteps []string        `yaml:"remediation_steps"`
}

// RemediatePolicy carries the canned remediation knowledge base.
type RemediatePolicy struct {
	Fallbacks []FallbackRule `yaml:"fallbacks"`
}

// LLMPolicy tunes the insight path.
type LLMPolicy struct {
	TimeoutMs   int    `yaml:"timeout_ms"`
	Model       string `yaml:"model"`
	CacheTTLSec int    `yaml:"cache_ttl_sec"`
}

// RetentionPolicy bounds store growth; enforced by external tooling.
type RetentionPolicy struct {
	AnomalyDays  int `yaml:"anomaly_days"`
	IncidentDays int `yaml:"incident_days"`
}

// PrivacyPolicy lists fields masked before leaving the edge.
type PrivacyPolicy struct {
	MaskFields []string `yaml:"mask_fields"`
}

// SLOPolicy carries the latency objectives stages derive deadlines from.
type SLOPolicy struct {
	FastPathP99Ms    int `yaml:"fast_path_p99_ms"`
	InsightPathP99Ms int `yaml:"insight_path_p99_ms"`
}

// Defaults returns the compiled-in policy used when no document is
// provided, and as the base merged under a partial document.
func Defaults() *Policy {
	return &Policy{
		SchemaVersion: 1,
		Ingest: IngestPolicy{
			MaxClockSkewSec: 24 * 3600,
		},
		Detect: DetectPolicy{
			Detectors: []string{"severity_tag", "pattern", "zscore"},
			SeverityTags: []SeverityTagRule{
				{Keyword: "error", Rank: 0, AnomalyType: "logged_error", Domain: models.DomainSystem},
				{Keyword: "critical", Rank: 1, AnomalyType: "logged_critical", Domain: models.DomainSystem},
				{Keyword: "emergency", Rank: 2, AnomalyType: "logged_emergency", Domain: models.DomainSystem},
			},
			Patterns:  []PatternRule{},
			ZScoreMin: 3.0,
		},
		Correlate: CorrelatePolicy{
			WindowByDomainSec: map[string]int{
				"comms":       300,
				"network":     300,
				"security":    600,
				"system":      600,
				"application": 1200,
			},
			DefaultWindowSec: 900,
			Threshold:        3,
			DedupTTLSec:      900,
		},
		Remediate: RemediatePolicy{
			Fallbacks: []FallbackRule{
				{
					IncidentType: "cpu_pressure",
					RootCause:    "Sustained CPU pressure on shipboard compute; likely runaway workload or undersized node.",
					RemediationSteps: []string{
						"Identify the top CPU consumers on the affected host",
						"Restart or throttle the offending workload",
						"Escalate to fleet engineering if pressure persists beyond 30 minutes",
					},
				},
				{
					IncidentType: "link_flap",
					RootCause:    "Unstable uplink between ship and shore; satellite handover or antenna obstruction is the usual cause.",
					RemediationSteps: []string{
						"Check antenna status and current satellite beam",
						"Verify no physical obstruction on deck equipment",
						"Fail over to the secondary carrier if flapping continues",
					},
				},
			},
		},
		LLM: LLMPolicy{
			TimeoutMs:   10000,
			Model:       "mistral",
			CacheTTLSec: 24 * 3600,
		},
		Retention: RetentionPolicy{
			AnomalyDays:  30,
			IncidentDays: 365,
		},
		SLO: SLOPolicy{
			FastPathP99Ms:    500,
			InsightPathP99Ms: 5000,
		},
	}
}

// LoadFile reads a policy document and merges it over Defaults.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML policy document over the compiled-in defaults.
func Parse(data []byte) (*Policy, error) {
	p := Defaults()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse policy document: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate rejects documents the pipeline cannot operate under.
func (p *Policy) Validate() error {
	if p.SchemaVersion < 1 {
		return fmt.Errorf("policy schema_version must be at least 1")
	}
	if p.Correlate.Threshold < 1 {
		return fmt.Errorf("correlate.threshold must be at least 1")
	}
	if p.Correlate.DedupTTLSec < 0 {
		return fmt.Errorf("correlate.dedup_ttl_sec cannot be negative")
	}
	if p.Correlate.DefaultWindowSec < 1 {
		return fmt.Errorf("correlate.default_window_sec must be at least 1")
	}
	for domain := range p.Correlate.WindowByDomainSec {
		if !models.Domain(domain).Valid() {
			return fmt.Errorf("correlate.window_by_domain_sec: unknown domain %q", domain)
		}
	}
	if p.Detect.ZScoreMin <= 0 {
		return fmt.Errorf("detect.zscore_min must be positive")
	}
	for i, rule := range p.Detect.Patterns {
		if rule.Pattern == "" {
			return fmt.Errorf("detect.patterns[%d]: empty pattern", i)
		}
		if !rule.Domain.Valid() {
			return fmt.Errorf("detect.patterns[%d]: unknown domain %q", i, rule.Domain)
		}
		if rule.Score < 0 || rule.Score > 1 {
			return fmt.Errorf("detect.patterns[%d]: score out of range", i)
		}
	}
	if p.LLM.TimeoutMs < 1 {
		return fmt.Errorf("llm.timeout_ms must be at least 1")
	}
	if p.SLO.FastPathP99Ms < 1 || p.SLO.InsightPathP99Ms < 1 {
		return fmt.Errorf("slo budgets must be at least 1ms")
	}
	return nil
}

// FallbackFor finds the best fallback rule for an incident. Exact
// (type, severity) matches win over type-only matches; a generic default
// is synthesized when nothing matches.
func (p *Policy) FallbackFor(incidentType string, severity models.Severity) FallbackRule {
	var typeOnly *FallbackRule
	for i := range p.Remediate.Fallbacks {
		rule := &p.Remediate.Fallbacks[i]
		if rule.IncidentType != incidentType {
			continue
		}
		if rule.Severity == severity {
			return *rule
		}
		if rule.Severity == "" && typeOnly == nil {
			typeOnly = rule
		}
	}
	if typeOnly != nil {
		return *typeOnly
	}
	return FallbackRule{
		IncidentType: incidentType,
		Severity:     severity,
		RootCause: fmt.Sprintf(
			"Correlated %s anomalies (%s severity) exceeded the incident threshold; no curated runbook matches this incident type.",
			incidentType, severity),
		RemediationSteps: []string{
			"Review the incident timeline and member anomalies",
			"Check recent changes on the affected ship and services",
			"Escalate to the fleet operations duty officer",
		},
	}
}
