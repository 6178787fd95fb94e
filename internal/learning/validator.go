package learning

import "github.com/axels2025/naked-put-agent/internal/models"

// Validator implements §4.7's Statistical Validator: a pattern or proposed
// parameter change is "significant" only when all three of sample size, p-value,
// and minimum effect size clear their thresholds. It wraps
// models.DetectedPattern.IsSignificant, which already encodes the exact
// three-condition rule, rather than re-deriving it here.
type Validator struct {
	minSamples      int
	pValueThreshold float64
	minEffectSize   float64
}

// NewValidator constructs a Validator from §6's learning config surface,
// defaulting any non-positive field to its spec default.
func NewValidator(minSamples int, pValueThreshold, minEffectSize float64) *Validator {
	if minSamples <= 0 {
		minSamples = models.DefaultMinSampleSize
	}
	if pValueThreshold <= 0 {
		pValueThreshold = models.DefaultPValueThreshold
	}
	if minEffectSize <= 0 {
		minEffectSize = models.DefaultMinEffectSize
	}
	return &Validator{minSamples: minSamples, pValueThreshold: pValueThreshold, minEffectSize: minEffectSize}
}

// Significant filters patterns down to those meeting all three conditions.
// Non-significant patterns are still returned by the detector/combinator and
// persisted, per §4.7's "reported but not significant" rule — this method is
// only the filter a caller applies when it needs just the actionable subset.
func (v *Validator) Significant(patterns []*models.DetectedPattern) []*models.DetectedPattern {
	var out []*models.DetectedPattern
	for _, p := range patterns {
		if p.IsSignificant(v.minSamples, v.pValueThreshold, v.minEffectSize) {
			out = append(out, p)
		}
	}
	return out
}
