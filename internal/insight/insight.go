// Package insight attaches AI-generated root-cause and remediation
// narratives to created incidents. The path is cache-first: a canned
// answer for the same (incident_type, severity, service) tuple is
// reused for the cache TTL. On any external failure the rule-based
// fallback from policy answers instead, marked with low confidence.
package insight

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/marinops/fleetcore/internal/config"
	"github.com/marinops/fleetcore/internal/llm"
	"github.com/marinops/fleetcore/internal/logging"
	"github.com/marinops/fleetcore/internal/models"
	"github.com/marinops/fleetcore/internal/monitoring"
	"github.com/marinops/fleetcore/internal/pipeline"
	"github.com/marinops/fleetcore/internal/policy"
	"github.com/marinops/fleetcore/internal/vector"
)

const (
	defaultEnrichmentVersion = 1
	similarIncidentsLimit    = 3
	cacheKeyPrefix           = "llm-v1-"

	// Below this many characters an LLM answer is treated as
	// non-substantive for confidence scoring.
	substantiveResponseLen = 80
)

// CacheStore is the slice of the columnar store the insight path needs.
type CacheStore interface {
	LLMCacheGet(ctx context.Context, key string, now time.Time) ([]byte, error)
	LLMCachePut(ctx context.Context, key string, response []byte, ttl time.Duration, now time.Time) error
	HasEnrichment(ctx context.Context, incidentID string, version int) (bool, error)
}

// cachedInsight is the llm_cache row payload.
type cachedInsight struct {
	AI         models.AIInsight `json:"ai"`
	Confidence string           `json:"confidence"`
}

// Enricher runs the insight path for one incident at a time.
type Enricher struct {
	policies *policy.Store
	store    CacheStore
	llm      llm.Client
	vectors  vector.SimilarityStore // nil disables retrieval
	clock    pipeline.Clock
	logger   logging.Logger

	vectorTimeout time.Duration
	version       int
}

// NewEnricher assembles the insight enricher. vectors may be nil when
// no similarity store is deployed.
func NewEnricher(cfg config.InsightConfig, policies *policy.Store, store CacheStore, llmClient llm.Client, vectors vector.SimilarityStore, clock pipeline.Clock, logger logging.Logger) *Enricher {
	vectorTimeout := time.Duration(cfg.VectorTimeoutMs) * time.Millisecond
	if vectorTimeout <= 0 {
		vectorTimeout = 5 * time.Second
	}
	version := cfg.EnrichmentVersion
	if version <= 0 {
		version = defaultEnrichmentVersion
	}
	return &Enricher{
		policies:      policies,
		store:         store,
		llm:           llmClient,
		vectors:       vectors,
		clock:         clock,
		logger:        logger,
		vectorTimeout: vectorTimeout,
		version:       version,
	}
}

// CacheKey fingerprints the insight request. Incidents with the same
// type, severity and leading service share one cached answer.
func CacheKey(incidentType string, severity models.Severity, service, metricName string) string {
	sum := sha256.Sum256([]byte(strings.Join(
		[]string{incidentType, string(severity), service, metricName}, "\x1f")))
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}

// Enrich produces the IncidentEnriched event for one incident. A nil
// result with a nil error means the incident was already enriched at
// this version and the caller must not publish again.
func (e *Enricher) Enrich(ctx context.Context, inc *models.IncidentCreated) (*models.IncidentEnriched, error) {
	start := time.Now()

	done, err := e.store.HasEnrichment(ctx, inc.IncidentID, e.version)
	if err != nil {
		e.logger.Warn("Enrichment idempotency check failed, proceeding",
			"incident_id", inc.IncidentID, "error", err)
	}
	if done {
		return nil, nil
	}

	pol := e.policies.Snapshot()
	key := CacheKey(inc.IncidentType, inc.Severity, leadService(inc), "")
	now := e.clock.Now()

	if payload, cerr := e.store.LLMCacheGet(ctx, key, now); cerr == nil && payload != nil {
		var cached cachedInsight
		if jerr := json.Unmarshal(payload, &cached); jerr == nil {
			monitoring.RecordCacheOperation("llm_cache", "hit")
			return e.finish(inc, cached.AI, cached.Confidence, true, start), nil
		}
		e.logger.Warn("Discarding undecodable llm_cache row", "cache_key", key)
	}
	monitoring.RecordCacheOperation("llm_cache", "miss")

	insight, confidence, lerr := e.generate(ctx, pol, inc)
	if lerr != nil {
		e.logger.Warn("Insight generation failed, using fallback",
			"incident_id", inc.IncidentID, "error", lerr)
		insight, confidence = e.fallback(pol, inc)
		return e.finish(inc, insight, confidence, false, start), nil
	}

	e.cachePut(ctx, pol, key, insight, confidence, now)
	return e.finish(inc, insight, confidence, false, start), nil
}

func (e *Enricher) finish(inc *models.IncidentCreated, ai models.AIInsight, confidence string, cacheHit bool, start time.Time) *models.IncidentEnriched {
	if ai.SimilarIncidents == nil {
		ai.SimilarIncidents = []models.SimilarIncident{}
	}
	enriched := *inc
	// Enrichment is a new incident version and gets its own updated_at.
	enriched.UpdatedAt = e.clock.Now().UTC()
	return &models.IncidentEnriched{
		IncidentCreated:   enriched,
		AI:                ai,
		CacheHit:          cacheHit,
		ProcessingTimeMs:  time.Since(start).Milliseconds(),
		Confidence:        confidence,
		EnrichmentVersion: e.version,
	}
}

// generate runs the two-call LLM sequence with vector retrieval in
// between. Any LLM error aborts to the fallback; vector errors only
// lose the retrieval context.
func (e *Enricher) generate(ctx context.Context, pol *policy.Policy, inc *models.IncidentCreated) (models.AIInsight, string, error) {
	llmTimeout := time.Duration(pol.LLM.TimeoutMs) * time.Millisecond
	if llmTimeout <= 0 {
		llmTimeout = 10 * time.Second
	}

	rcCtx, cancel := context.WithTimeout(ctx, llmTimeout)
	rootCause, err := e.llm.Generate(rcCtx, pol.LLM.Model, rootCausePrompt(inc))
	cancel()
	if err != nil {
		return models.AIInsight{}, "", fmt.Errorf("root cause generation: %w", err)
	}

	similar := e.searchSimilar(ctx, inc)

	remCtx, cancel := context.WithTimeout(ctx, llmTimeout)
	remediation, err := e.llm.Generate(remCtx, pol.LLM.Model, remediationPrompt(inc, rootCause, similar))
	cancel()
	if err != nil {
		return models.AIInsight{}, "", fmt.Errorf("remediation generation: %w", err)
	}

	insight := models.AIInsight{
		RootCause:        strings.TrimSpace(rootCause),
		RemediationSteps: parseSteps(remediation),
		SimilarIncidents: similar,
	}
	return insight, scoreConfidence(insight), nil
}

func (e *Enricher) searchSimilar(ctx context.Context, inc *models.IncidentCreated) []models.SimilarIncident {
	if e.vectors == nil {
		return nil
	}
	vctx, cancel := context.WithTimeout(ctx, e.vectorTimeout)
	defer cancel()
	query := strings.Join([]string{inc.IncidentType, string(inc.Domain), leadService(inc)}, " ")
	similar, err := e.vectors.SearchSimilar(vctx, query, similarIncidentsLimit)
	if err != nil {
		e.logger.Warn("Similarity search failed, continuing without retrieval",
			"incident_id", inc.IncidentID, "error", err)
		return nil
	}
	return similar
}

func (e *Enricher) fallback(pol *policy.Policy, inc *models.IncidentCreated) (models.AIInsight, string) {
	rule := pol.FallbackFor(inc.IncidentType, inc.Severity)
	return models.AIInsight{
		RootCause:        rule.RootCause,
		RemediationSteps: rule.RemediationSteps,
		SimilarIncidents: []models.SimilarIncident{},
	}, models.ConfidenceLow
}

// cachePut is best effort; a failed write only costs the next request
// a regeneration.
func (e *Enricher) cachePut(ctx context.Context, pol *policy.Policy, key string, ai models.AIInsight, confidence string, now time.Time) {
	payload, err := json.Marshal(cachedInsight{AI: ai, Confidence: confidence})
	if err != nil {
		return
	}
	ttl := time.Duration(pol.LLM.CacheTTLSec) * time.Second
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if err := e.store.LLMCachePut(ctx, key, payload, ttl, now); err != nil {
		monitoring.RecordCacheOperation("llm_cache", "error")
		e.logger.Warn("llm_cache write failed", "cache_key", key, "error", err)
	}
}

// scoreConfidence buckets the answer quality: substantive narratives
// backed by retrieved incidents score high, substantive narratives
// alone score med, anything thinner scores low.
func scoreConfidence(ai models.AIInsight) string {
	substantive := len(ai.RootCause) >= substantiveResponseLen && len(ai.RemediationSteps) > 0
	switch {
	case substantive && len(ai.SimilarIncidents) > 0:
		return models.ConfidenceHigh
	case substantive:
		return models.ConfidenceMed
	default:
		return models.ConfidenceLow
	}
}

// leadService returns the service of the first scope entry that has
// one, or empty.
func leadService(inc *models.IncidentCreated) string {
	for _, s := range inc.Scope {
		if s.Service != "" {
			return s.Service
		}
	}
	return ""
}

func rootCausePrompt(inc *models.IncidentCreated) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the operations copilot for a maritime vessel fleet.\n")
	fmt.Fprintf(&b, "An incident was raised on ship %s in the %s domain.\n", inc.ShipID, inc.Domain)
	fmt.Fprintf(&b, "Incident type: %s, severity: %s, correlated anomalies: %d.\n",
		inc.IncidentType, inc.Severity, len(inc.MemberAnomalyIDs))
	if svc := leadService(inc); svc != "" {
		fmt.Fprintf(&b, "Primary affected service: %s.\n", svc)
	}
	if len(inc.Timeline) > 0 {
		b.WriteString("Timeline:\n")
		for _, entry := range inc.Timeline {
			fmt.Fprintf(&b, "- %s %s: %s\n", entry.Timestamp.Format(time.RFC3339), entry.Event, entry.Description)
		}
	}
	b.WriteString("State the most likely root cause in two or three sentences. Answer with the root cause only.")
	return b.String()
}

func remediationPrompt(inc *models.IncidentCreated, rootCause string, similar []models.SimilarIncident) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incident %s (%s, severity %s) on ship %s.\n",
		inc.IncidentID, inc.IncidentType, inc.Severity, inc.ShipID)
	fmt.Fprintf(&b, "Diagnosed root cause: %s\n", strings.TrimSpace(rootCause))
	if len(similar) > 0 {
		b.WriteString("Resolutions of similar past incidents:\n")
		for _, s := range similar {
			if s.Resolution != "" {
				fmt.Fprintf(&b, "- %s\n", s.Resolution)
			}
		}
	}
	b.WriteString("List the remediation steps the crew should take, one step per line, most urgent first.")
	return b.String()
}

// parseSteps splits an LLM answer into individual remediation steps,
// stripping list markers. A prose answer with no line structure becomes
// a single step.
func parseSteps(s string) []string {
	var steps []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*• \t")
		// Numbered markers: "1." / "2)" up to two digits.
		for i := 0; i < len(line); i++ {
			if line[i] >= '0' && line[i] <= '9' {
				continue
			}
			if (line[i] == '.' || line[i] == ')') && i > 0 && i <= 2 {
				line = strings.TrimSpace(line[i+1:])
			}
			break
		}
		if line != "" {
			steps = append(steps, line)
		}
	}
	if len(steps) == 0 {
		if t := strings.TrimSpace(s); t != "" {
			steps = []string{t}
		}
	}
	return steps
}
