package learning

import (
	"github.com/google/uuid"

	"github.com/axels2025/naked-put-agent/internal/models"
)

// combo names one multi-dimensional pattern combination, per §4.7.
type combo struct {
	name string
	dims []string
}

// twoWayCombos is §4.7's Pattern Combinator two-way combination list.
var twoWayCombos = []combo{
	{"rsi_x_momentum", []string{"rsi_regime", "macd_histogram_bucket"}},
	{"iv_entry_x_exit", []string{"iv_rank_bucket", "iv_change_during_trade"}},
	{"trend_x_greeks", []string{"trend_direction", "delta_bucket"}},
	{"breadth_x_stock", []string{"market_breadth", "stock_movement"}},
	{"sector_x_exit_quality", []string{"sector", "trade_quality"}},
	{"vix_entry_x_exit", []string{"vix_regime", "vix_change_during_trade"}},
	{"support_x_drawdown", []string{"support_proximity", "max_drawdown"}},
}

// threeWayCombos is §4.7's Pattern Combinator three-way combination list.
var threeWayCombos = []combo{
	{"iv_x_path_x_exit", []string{"iv_rank_bucket", "max_drawdown", "exit_reason_distribution"}},
	{"rsi_x_momentum_x_quality", []string{"rsi_regime", "macd_histogram_bucket", "trade_quality"}},
	{"trend_x_greeks_x_drawdown", []string{"trend_direction", "delta_bucket", "max_drawdown"}},
}

// allDimensionFuncs merges the entry and path dimension tables so combos can
// reference either kind of dimension name.
func allDimensionFuncs() map[string]func(Record) string {
	out := make(map[string]func(Record) string, len(patternDetectorDimensions)+len(pathAnalyzerDimensions))
	for k, v := range patternDetectorDimensions {
		out[k] = v
	}
	for k, v := range pathAnalyzerDimensions {
		out[k] = v
	}
	return out
}

// Combinator implements §4.7's Pattern Combinator: two-way and three-way
// dimension combinations, plus a per-record composite score.
type Combinator struct {
	minSamples int
}

// NewCombinator constructs a Combinator. minSamples defaults to
// models.DefaultMinSampleSize when zero or negative.
func NewCombinator(minSamples int) *Combinator {
	if minSamples <= 0 {
		minSamples = models.DefaultMinSampleSize
	}
	return &Combinator{minSamples: minSamples}
}

// Combine runs every two-way and three-way combination over records, emitting a
// DetectedPattern for each joint bucket meeting minSamples.
func (c *Combinator) Combine(records []Record) []*models.DetectedPattern {
	if len(records) < c.minSamples {
		return nil
	}
	dims := allDimensionFuncs()
	baseline := computeBaseline(records)

	var out []*models.DetectedPattern
	for _, combo := range append(append([]combo{}, twoWayCombos...), threeWayCombos...) {
		out = append(out, c.combineOne(records, combo, dims, baseline)...)
	}
	return out
}

func (c *Combinator) combineOne(records []Record, cb combo, dims map[string]func(Record) string, baseline Baseline) []*models.DetectedPattern {
	labelFor := func(r Record) string {
		label := ""
		for _, dim := range cb.dims {
			fn, ok := dims[dim]
			if !ok {
				return ""
			}
			part := fn(r)
			if part == "" {
				return ""
			}
			if label != "" {
				label += "|"
			}
			label += part
		}
		return label
	}

	var out []*models.DetectedPattern
	for _, b := range groupBy(records, cb.name, labelFor) {
		if len(b.records) < c.minSamples {
			continue
		}
		pattern := patternFromBucket("combination", b, baseline)
		pattern.ID = uuid.NewString()
		out = append(out, pattern)
	}
	return out
}

// CompositeScore blends three [0,1] sub-scores into §4.7's per-opportunity
// composite score: 40% entry strength, 30% trajectory favorability, 30%
// exit-quality potential. entryStrength/trajectoryFavorability/exitQuality are
// each clamped to [0,1] here before blending.
func CompositeScore(entryStrength, trajectoryFavorability, exitQuality float64) float64 {
	return clamp01(entryStrength)*0.4 + clamp01(trajectoryFavorability)*0.3 + clamp01(exitQuality)*0.3
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
