package models

// DetectedPattern is one output of the LearningEngine's pattern detector, path
// analyzer, or combinator: a bucket of closed trades whose outcome metrics diverge
// from the overall baseline.
type DetectedPattern struct {
	ID              string             `json:"id"`
	PatternType     string             `json:"pattern_type"`
	PatternName     string             `json:"pattern_name"`
	SampleSize      int                `json:"sample_size"`
	WinRate         float64            `json:"win_rate"`
	AvgROI          float64            `json:"avg_roi"`
	BaselineWinRate float64            `json:"baseline_win_rate"`
	BaselineROI     float64            `json:"baseline_roi"`
	PValue          float64            `json:"p_value"`
	Confidence      float64            `json:"confidence"`
	EffectSize      float64            `json:"effect_size"`
	Predicates      map[string]string  `json:"predicates"`
}

// Default thresholds for significance testing, per §3 and §6 (learning config surface).
const (
	DefaultMinSampleSize  = 30
	DefaultPValueThreshold = 0.05
	DefaultMinEffectSize   = 0.005
)

// IsSignificant implements the §3 invariant:
// sample_size >= min_samples && p_value < 0.05 && |win_rate - baseline| >= 0.005.
func (p *DetectedPattern) IsSignificant(minSamples int, pValueThreshold, minEffect float64) bool {
	if minSamples <= 0 {
		minSamples = DefaultMinSampleSize
	}
	if pValueThreshold <= 0 {
		pValueThreshold = DefaultPValueThreshold
	}
	if minEffect <= 0 {
		minEffect = DefaultMinEffectSize
	}
	diff := p.WinRate - p.BaselineWinRate
	if diff < 0 {
		diff = -diff
	}
	return p.SampleSize >= minSamples && p.PValue < pValueThreshold && diff >= minEffect
}
