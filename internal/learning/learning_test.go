package learning

import (
	"math"
	"testing"

	"github.com/axels2025/naked-put-agent/internal/models"
)

func sampleRecords(n int, winBias bool) []Record {
	records := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		roi := 0.05
		win := true
		delta := -0.16
		if winBias && i%3 == 0 {
			roi = -0.10
			win = false
		}
		if !winBias && i%2 == 0 {
			roi = -0.08
			win = false
			delta = -0.30
		}
		reason := models.ExitReasonProfitTarget
		records = append(records, Record{
			Trade: &models.Trade{TradeID: "t", ExitReason: &reason},
			Entry: &models.EntrySnapshot{
				Delta: delta, IVRank: 40, DTE: 10, VolRegime: models.VolRegimeNormal,
				TrendDirection: models.TrendUp, DayOfWeek: 2, Sector: "tech",
				RSI14: 55, MACDHistogram: 0.1, ADX: 25, BBPosition: 0.5,
				DistanceToSupportPct: 0.03, ATRPct: 0.015, MarketRegime: models.MarketBullish,
			},
			Exit: &models.ExitSnapshot{
				TradeQualityScore: 0.6, RiskAdjustedReturn: 1.2, IVChangeDuringTrade: 0.01,
				StockChangeDuringTradePct: 0.01, VIXChangeDuringTrade: 0.5, MaxDrawdownPct: 0.1,
				ROIPct: roi, Win: win,
			},
			Win: win,
			ROI: roi,
		})
	}
	return records
}

func TestWelchTTest_IdenticalSamplesGivesHighPValue(t *testing.T) {
	a := []float64{0.01, 0.02, 0.015, 0.018, 0.022}
	p := welchTTest(a, a)
	if p < 0.9 {
		t.Errorf("expected a high p-value comparing identical samples, got %v", p)
	}
}

func TestWelchTTest_ClearlyDifferentSamplesGivesLowPValue(t *testing.T) {
	a := make([]float64, 40)
	b := make([]float64, 40)
	for i := range a {
		a[i] = 0.10 + float64(i%3)*0.001
		b[i] = -0.10 + float64(i%3)*0.001
	}
	p := welchTTest(a, b)
	if p > 0.05 {
		t.Errorf("expected a low p-value comparing clearly different samples, got %v", p)
	}
}

func TestDetector_DetectEntry_FindsDivergentBucket(t *testing.T) {
	records := sampleRecords(90, false)
	d := NewDetector(30)
	patterns := d.DetectEntry(records)
	if len(patterns) == 0 {
		t.Fatal("expected at least one entry-dimension pattern")
	}
	for _, p := range patterns {
		if p.SampleSize < 30 {
			t.Errorf("pattern %s has sample size below min_samples: %d", p.PatternName, p.SampleSize)
		}
	}
}

func TestDetector_DetectEntry_BelowMinSamplesReturnsNothing(t *testing.T) {
	records := sampleRecords(10, false)
	d := NewDetector(30)
	if patterns := d.DetectEntry(records); patterns != nil {
		t.Errorf("expected no patterns below min_samples, got %d", len(patterns))
	}
}

func TestCombinator_Combine_ProducesJointBuckets(t *testing.T) {
	records := sampleRecords(90, false)
	c := NewCombinator(30)
	patterns := c.Combine(records)
	if len(patterns) == 0 {
		t.Fatal("expected at least one combined pattern")
	}
	for _, p := range patterns {
		if p.PatternType != "combination" {
			t.Errorf("expected pattern_type 'combination', got %q", p.PatternType)
		}
	}
}

func TestCompositeScore_WeightsAndClamps(t *testing.T) {
	got := CompositeScore(1, 1, 1)
	if math.Abs(got-1.0) > 1e-9 {
		t.Errorf("expected a perfect composite score of 1, got %v", got)
	}
	got = CompositeScore(2, -1, 0.5)
	if got < 0 || got > 1 {
		t.Errorf("expected the composite score to stay within [0,1] even with out-of-range inputs, got %v", got)
	}
}

func TestValidator_Significant_FiltersOnAllThreeConditions(t *testing.T) {
	v := NewValidator(30, 0.05, 0.005)
	patterns := []*models.DetectedPattern{
		{PatternName: "ok", SampleSize: 40, PValue: 0.01, WinRate: 0.7, BaselineWinRate: 0.5},
		{PatternName: "too_few_samples", SampleSize: 10, PValue: 0.01, WinRate: 0.7, BaselineWinRate: 0.5},
		{PatternName: "not_significant_p", SampleSize: 40, PValue: 0.5, WinRate: 0.7, BaselineWinRate: 0.5},
		{PatternName: "tiny_effect", SampleSize: 40, PValue: 0.01, WinRate: 0.501, BaselineWinRate: 0.5},
	}
	sig := v.Significant(patterns)
	if len(sig) != 1 || sig[0].PatternName != "ok" {
		t.Fatalf("expected only the 'ok' pattern to survive, got %+v", sig)
	}
}

func TestOptimizer_Propose_MapsKnownLeversAndFlagsAutoApply(t *testing.T) {
	o := NewOptimizer()
	patterns := []*models.DetectedPattern{
		{PatternName: "sector=tech", SampleSize: 40, PValue: 0.001, Confidence: 0.95, AvgROI: -0.05, BaselineROI: 0.02},
		{PatternName: "unmapped_dimension=foo", SampleSize: 40, PValue: 0.04, Confidence: 0.6, AvgROI: 0.01, BaselineROI: 0.02},
	}
	proposals := o.Propose(patterns)
	if len(proposals) != 2 {
		t.Fatalf("expected one proposal per pattern, got %d", len(proposals))
	}
	if proposals[0].Field != "strategy.excluded_sectors" || !proposals[0].AutoApply {
		t.Errorf("expected a high-confidence sector proposal to auto-apply, got %+v", proposals[0])
	}
	if proposals[1].Field != "" || proposals[1].AutoApply {
		t.Errorf("expected the unmapped, low-confidence pattern to not auto-apply with no field, got %+v", proposals[1])
	}
}

func TestProposalHistory_RollbackFindsPriorVersion(t *testing.T) {
	h := &ProposalHistory{}
	h.Record([]*ParameterProposal{
		{Field: "strategy.otm_range", Version: 1, Direction: "tighten"},
		{Field: "strategy.otm_range", Version: 2, Direction: "widen"},
	})
	prior := h.Rollback("strategy.otm_range", 2)
	if prior == nil || prior.Version != 1 {
		t.Fatalf("expected rollback to find version 1, got %+v", prior)
	}
}
