package learning

import (
	"fmt"
	"math"
	"time"
)

// bucketFloat buckets a value into fixed-width bands labeled by their lower edge,
// the same coarse-bucketing idiom used across all dimension funcs below.
func bucketFloat(v, width float64) string {
	band := math.Floor(v / width)
	return fmt.Sprintf("%.2f", band*width)
}

func deltaBucket(r Record) string {
	if r.Entry == nil {
		return ""
	}
	return bucketFloat(r.Entry.Delta, 0.05)
}

func ivRankBucket(r Record) string {
	if r.Entry == nil {
		return ""
	}
	return bucketFloat(r.Entry.IVRank, 10)
}

func dteBucket(r Record) string {
	if r.Entry == nil {
		return ""
	}
	switch {
	case r.Entry.DTE <= 7:
		return "0-7"
	case r.Entry.DTE <= 14:
		return "8-14"
	case r.Entry.DTE <= 30:
		return "15-30"
	case r.Entry.DTE <= 45:
		return "31-45"
	default:
		return "46+"
	}
}

func vixRegimeBucket(r Record) string {
	if r.Entry == nil {
		return ""
	}
	return string(r.Entry.VolRegime)
}

func trendDirectionBucket(r Record) string {
	if r.Entry == nil {
		return ""
	}
	return string(r.Entry.TrendDirection)
}

func dayOfWeekBucket(r Record) string {
	if r.Entry == nil {
		return ""
	}
	return time.Weekday(r.Entry.DayOfWeek).String()
}

func sectorBucket(r Record) string {
	if r.Entry == nil {
		return ""
	}
	return r.Entry.Sector
}

func rsiRegimeBucket(r Record) string {
	if r.Entry == nil {
		return ""
	}
	switch {
	case r.Entry.RSI14 < 30:
		return "oversold"
	case r.Entry.RSI14 > 70:
		return "overbought"
	default:
		return "neutral"
	}
}

func macdHistogramBucket(r Record) string {
	if r.Entry == nil {
		return ""
	}
	if r.Entry.MACDHistogram >= 0 {
		return "positive"
	}
	return "negative"
}

func adxBucket(r Record) string {
	if r.Entry == nil {
		return ""
	}
	switch {
	case r.Entry.ADX < 20:
		return "weak_trend"
	case r.Entry.ADX < 40:
		return "trending"
	default:
		return "strong_trend"
	}
}

func bollingerPositionBucket(r Record) string {
	if r.Entry == nil {
		return ""
	}
	return bucketFloat(r.Entry.BBPosition, 0.25)
}

func supportProximityBucket(r Record) string {
	if r.Entry == nil {
		return ""
	}
	return bucketFloat(r.Entry.DistanceToSupportPct, 0.02)
}

func atrBucket(r Record) string {
	if r.Entry == nil {
		return ""
	}
	return bucketFloat(r.Entry.ATRPct, 0.01)
}

func volRegimeBucket(r Record) string {
	if r.Entry == nil {
		return ""
	}
	return string(r.Entry.VolRegime)
}

func marketRegimeBucket(r Record) string {
	if r.Entry == nil {
		return ""
	}
	return string(r.Entry.MarketRegime)
}

func opexWeekBucket(r Record) string {
	if r.Entry == nil {
		return ""
	}
	if r.Entry.IsOpexWeek {
		return "opex_week"
	}
	return "non_opex_week"
}

func fomcProximityBucket(r Record) string {
	if r.Entry == nil {
		return ""
	}
	switch {
	case r.Entry.DaysToFOMC <= 2:
		return "imminent"
	case r.Entry.DaysToFOMC <= 7:
		return "near"
	default:
		return "far"
	}
}

func earningsTimingBucket(r Record) string {
	if r.Entry == nil || !r.Entry.EarningsInDTE {
		return "no_earnings_in_dte"
	}
	return string(r.Entry.EarningsTiming)
}

// marketBreadthBucket derives a breadth proxy from the small-cap/large-cap spread
// (IWM vs SPY) already captured on every EntrySnapshot; no dedicated breadth field
// (advance/decline, new highs/lows) is captured anywhere in the data model.
func marketBreadthBucket(r Record) string {
	if r.Entry == nil || r.Entry.SPY == 0 || r.Entry.IWM == 0 {
		return ""
	}
	spread := r.Entry.SPYChangePct - (r.Entry.IWM/r.Entry.SPY - 1)
	switch {
	case spread > 0.002:
		return "narrow"
	case spread < -0.002:
		return "broad"
	default:
		return "neutral"
	}
}

// patternDetectorDimensions is the ~19-dimension set of §4.7's Pattern Detector.
var patternDetectorDimensions = map[string]func(Record) string{
	"delta_bucket":          deltaBucket,
	"iv_rank_bucket":        ivRankBucket,
	"dte_bucket":            dteBucket,
	"vix_regime":            vixRegimeBucket,
	"trend_direction":       trendDirectionBucket,
	"day_of_week":           dayOfWeekBucket,
	"sector":                sectorBucket,
	"rsi_regime":            rsiRegimeBucket,
	"macd_histogram_bucket": macdHistogramBucket,
	"adx_bucket":            adxBucket,
	"bollinger_position":    bollingerPositionBucket,
	"support_proximity":     supportProximityBucket,
	"atr_bucket":            atrBucket,
	"vol_regime":            volRegimeBucket,
	"market_regime":         marketRegimeBucket,
	"opex_week":             opexWeekBucket,
	"fomc_proximity":        fomcProximityBucket,
	"earnings_timing":       earningsTimingBucket,
	"market_breadth":        marketBreadthBucket,
}

// --- Path Analyzer dimensions (over PositionSnapshots + ExitSnapshots) ---

func exitReasonBucket(r Record) string {
	if r.Trade.ExitReason == nil {
		return ""
	}
	return string(*r.Trade.ExitReason)
}

func tradeQualityBucket(r Record) string {
	if r.Exit == nil {
		return ""
	}
	return bucketFloat(r.Exit.TradeQualityScore, 0.1)
}

func riskAdjustedReturnBucket(r Record) string {
	if r.Exit == nil {
		return ""
	}
	return bucketFloat(r.Exit.RiskAdjustedReturn, 0.5)
}

func ivChangeBucket(r Record) string {
	if r.Exit == nil {
		return ""
	}
	return bucketFloat(r.Exit.IVChangeDuringTrade, 0.02)
}

func stockMovementBucket(r Record) string {
	if r.Exit == nil {
		return ""
	}
	return bucketFloat(r.Exit.StockChangeDuringTradePct, 0.01)
}

func vixChangeBucket(r Record) string {
	if r.Exit == nil {
		return ""
	}
	return bucketFloat(r.Exit.VIXChangeDuringTrade, 1)
}

func maxDrawdownBucket(r Record) string {
	if r.Exit == nil {
		return ""
	}
	return bucketFloat(r.Exit.MaxDrawdownPct, 0.1)
}

// pathAnalyzerDimensions is the seven additional dimensions of §4.7's Path
// Analyzer, run over PositionSnapshots/ExitSnapshots rather than entry data.
var pathAnalyzerDimensions = map[string]func(Record) string{
	"exit_reason_distribution": exitReasonBucket,
	"trade_quality":            tradeQualityBucket,
	"risk_adjusted_return":     riskAdjustedReturnBucket,
	"iv_change_during_trade":   ivChangeBucket,
	"stock_movement":           stockMovementBucket,
	"vix_change_during_trade":  vixChangeBucket,
	"max_drawdown":             maxDrawdownBucket,
}
