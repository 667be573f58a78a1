package enrich

import "github.com/marinops/fleetcore/internal/models"

// ComputeSeverity derives the operational severity from the detector
// score and the historical context. The rule is deterministic:
//
//	crit: score >= 0.9, or score >= 0.7 with a hot recurrence
//	      (similar_1h >= 5 or similar_24h >= 20)
//	high: score >= 0.7, or score >= 0.5 with a warm recurrence
//	      (similar_1h >= 3 or similar_24h >= 10)
//	med:  score >= 0.4
//	low:  otherwise
//
// With empty context (degraded mode) the score thresholds alone apply.
func ComputeSeverity(score float64, ctx models.EnrichmentContext) models.Severity {
	switch {
	case score >= 0.9,
		score >= 0.7 && (ctx.SimilarCount1h >= 5 || ctx.SimilarCount24h >= 20):
		return models.SeverityCrit
	case score >= 0.7,
		score >= 0.5 && (ctx.SimilarCount1h >= 3 || ctx.SimilarCount24h >= 10):
		return models.SeverityHigh
	case score >= 0.4:
		return models.SeverityMed
	default:
		return models.SeverityLow
	}
}
