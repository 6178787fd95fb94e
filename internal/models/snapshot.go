package models

import (
	"reflect"
	"time"
)

// EarningsTiming classifies when an earnings release falls relative to market hours.
type EarningsTiming string

// Recognized earnings timings.
const (
	EarningsBMO EarningsTiming = "BMO" // before market open
	EarningsAMC EarningsTiming = "AMC" // after market close
)

// VolRegime classifies the current implied-vol environment.
type VolRegime string

// Recognized volatility regimes.
const (
	VolRegimeLow      VolRegime = "low"
	VolRegimeNormal   VolRegime = "normal"
	VolRegimeElevated VolRegime = "elevated"
	VolRegimeExtreme  VolRegime = "extreme"
)

// MarketRegime classifies the broad tape.
type MarketRegime string

// Recognized market regimes.
const (
	MarketBullish MarketRegime = "bullish"
	MarketBearish MarketRegime = "bearish"
	MarketNeutral MarketRegime = "neutral"
	MarketVolatile MarketRegime = "volatile"
)

// criticalFieldNames names the eight critical fields from the GLOSSARY, used for
// critical_field_count scoring. The names here must match EntrySnapshot struct field
// names below.
var criticalFieldNames = []string{
	"Delta", "IV", "IVRank", "VIX", "DTE", "TrendDirection", "DaysToEarnings", "MarginEfficiencyPct",
}

// EntrySnapshot captures the full feature vector at entry, one per Trade. Grouped per
// §3: option pricing & Greeks, volatility, liquidity, underlying, computed, trend,
// market, calendar, events, technicals, metadata.
type EntrySnapshot struct {
	ID      string `json:"id"`
	TradeID string `json:"trade_id"`

	// Option pricing & Greeks.
	Bid           float64 `json:"bid" score:"true"`
	Ask           float64 `json:"ask" score:"true"`
	Mid           float64 `json:"mid" score:"true"`
	EntryPremium  float64 `json:"entry_premium" score:"true"`
	SpreadPct     float64 `json:"spread_pct" score:"true"`
	Delta         float64 `json:"delta" score:"true"`
	Gamma         float64 `json:"gamma" score:"true"`
	Theta         float64 `json:"theta" score:"true"`
	Vega          float64 `json:"vega" score:"true"`
	Rho           float64 `json:"rho" score:"true"`

	// Volatility.
	IV         float64 `json:"iv" score:"true"`
	IVRank     float64 `json:"iv_rank" score:"true"`
	IVPercentile float64 `json:"iv_percentile" score:"true"`
	HV20       float64 `json:"hv_20" score:"true"`
	IVHVRatio  float64 `json:"iv_hv_ratio" score:"true"`

	// Liquidity.
	OptionVolume  int     `json:"option_volume" score:"true"`
	OpenInterest  int     `json:"open_interest" score:"true"`
	VolumeOIRatio float64 `json:"volume_oi_ratio" score:"true"`

	// Underlying.
	Open      float64 `json:"open" score:"true"`
	High      float64 `json:"high" score:"true"`
	Low       float64 `json:"low" score:"true"`
	PrevClose float64 `json:"prev_close" score:"true"`
	ChangePct float64 `json:"change_pct" score:"true"`

	// Computed.
	OTMPct              float64 `json:"otm_pct" score:"true"`
	OTMDollars          float64 `json:"otm_dollars" score:"true"`
	DTE                 int     `json:"dte" score:"true"`
	MarginRequirement   float64 `json:"margin_requirement" score:"true"`
	MarginEfficiencyPct float64 `json:"margin_efficiency_pct" score:"true"`

	// Trend.
	SMA20          float64        `json:"sma_20" score:"true"`
	SMA50          float64        `json:"sma_50" score:"true"`
	TrendDirection TrendDirection `json:"trend_direction" score:"true"`
	TrendStrength  float64        `json:"trend_strength" score:"true"`
	PriceVsSMA20   float64        `json:"price_vs_sma_20" score:"true"`
	PriceVsSMA50   float64        `json:"price_vs_sma_50" score:"true"`

	// Market.
	SPY           float64      `json:"spy" score:"true"`
	SPYChangePct  float64      `json:"spy_change_pct" score:"true"`
	VIX           float64      `json:"vix" score:"true"`
	VIXChangePct  float64      `json:"vix_change_pct" score:"true"`
	QQQ           float64      `json:"qqq" score:"true"`
	IWM           float64      `json:"iwm" score:"true"`
	Sector        string       `json:"sector" score:"true"`
	SectorETF     string       `json:"sector_etf" score:"true"`
	SectorChange1D float64     `json:"sector_change_1d" score:"true"`
	SectorChange5D float64     `json:"sector_change_5d" score:"true"`
	VolRegime     VolRegime    `json:"vol_regime" score:"true"`
	MarketRegime  MarketRegime `json:"market_regime" score:"true"`

	// Calendar.
	DayOfWeek   int  `json:"day_of_week" score:"true"`
	IsOpexWeek  bool `json:"is_opex_week" score:"true"`
	DaysToFOMC  int  `json:"days_to_fomc" score:"true"`

	// Events.
	EarningsDate    *time.Time     `json:"earnings_date,omitempty" score:"true"`
	DaysToEarnings  int            `json:"days_to_earnings" score:"true"`
	EarningsInDTE   bool           `json:"earnings_in_dte" score:"true"`
	EarningsTiming  EarningsTiming `json:"earnings_timing" score:"true"`

	// Technicals.
	RSI14             float64 `json:"rsi_14" score:"true"`
	RSI7              float64 `json:"rsi_7" score:"true"`
	MACD              float64 `json:"macd" score:"true"`
	MACDSignal        float64 `json:"macd_signal" score:"true"`
	MACDHistogram     float64 `json:"macd_histogram" score:"true"`
	ADX               float64 `json:"adx" score:"true"`
	PlusDI            float64 `json:"plus_di" score:"true"`
	MinusDI           float64 `json:"minus_di" score:"true"`
	ATR14             float64 `json:"atr_14" score:"true"`
	ATRPct            float64 `json:"atr_pct" score:"true"`
	BBUpper           float64 `json:"bb_upper" score:"true"`
	BBLower           float64 `json:"bb_lower" score:"true"`
	BBPosition        float64 `json:"bb_position" score:"true"`
	Support1          float64 `json:"support_1" score:"true"`
	Support2          float64 `json:"support_2" score:"true"`
	Resistance1       float64 `json:"resistance_1" score:"true"`
	Resistance2       float64 `json:"resistance_2" score:"true"`
	DistanceToSupportPct float64 `json:"distance_to_support_pct" score:"true"`

	// Metadata.
	CapturedAt        time.Time         `json:"captured_at"`
	DataQualityScore  float64           `json:"data_quality_score"`
	CriticalFieldCount int              `json:"critical_field_count"`
	Source            OpportunitySource `json:"source"`
}

// ComputeDataQuality sets DataQualityScore and CriticalFieldCount from the populated
// `score:"true"` fields, implementing §3/§4.6's
// "data_quality_score = populated_fields / total_fields" rule for EntrySnapshot.
// PositionSnapshot and ExitSnapshot carry no score tags and no data-quality fields,
// so no data-quality score is computed for them. Using reflection here (rather than hand-listing ~98 field
// checks) is an intentional stdlib choice: nothing in the example pack offers a
// populated-field-counting helper, and a hand-rolled struct walker is the idiomatic Go
// answer to "count non-zero fields" absent such a library.
func (e *EntrySnapshot) ComputeDataQuality() {
	populated, total := countPopulated(reflect.ValueOf(e).Elem())
	if total > 0 {
		e.DataQualityScore = float64(populated) / float64(total)
	}
	e.CriticalFieldCount = countPopulatedNamed(reflect.ValueOf(e).Elem(), criticalFieldNames)
}

// countPopulated walks the exported, `score:"true"`-tagged fields of a struct and
// returns (number non-zero, total scored fields).
func countPopulated(v reflect.Value) (int, int) {
	t := v.Type()
	populated, total := 0, 0
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Tag.Get("score") != "true" {
			continue
		}
		total++
		if !v.Field(i).IsZero() {
			populated++
		}
	}
	return populated, total
}

func countPopulatedNamed(v reflect.Value, names []string) int {
	t := v.Type()
	count := 0
	for _, name := range names {
		f, ok := t.FieldByName(name)
		if !ok {
			continue
		}
		fv := v.FieldByIndex(f.Index)
		if !fv.IsZero() {
			count++
		}
	}
	return count
}

// PositionSnapshot is one daily snapshot per Trade per trading day (~16 fields per §3).
type PositionSnapshot struct {
	ID                  string    `json:"id"`
	TradeID             string    `json:"trade_id"`
	SnapshotDate        time.Time `json:"snapshot_date"`
	CurrentPremium      float64   `json:"current_premium"`
	CurrentPnL          float64   `json:"current_pnl"`
	CurrentPnLPct       float64   `json:"current_pnl_pct"`
	DTERemaining        int       `json:"dte_remaining"`
	Delta               float64   `json:"delta"`
	Theta               float64   `json:"theta"`
	Gamma               float64   `json:"gamma"`
	Vega                float64   `json:"vega"`
	IV                  float64   `json:"iv"`
	StockPrice          float64   `json:"stock_price"`
	DistanceToStrikePct float64   `json:"distance_to_strike_pct"`
	VIX                 float64   `json:"vix"`
	SPYPrice            float64   `json:"spy_price"`
	CapturedAt          time.Time `json:"captured_at"`
}

// ExitSnapshot is captured once per Trade on exit fill (~24 fields per §3).
type ExitSnapshot struct {
	ID      string `json:"id"`
	TradeID string `json:"trade_id"`

	ExitDate             time.Time  `json:"exit_date"`
	ExitPremium          float64    `json:"exit_premium"`
	ExitReason           ExitReason `json:"exit_reason"`
	DaysHeld             int        `json:"days_held"`
	GrossProfit          float64    `json:"gross_profit"`
	NetProfit            float64    `json:"net_profit"`
	ROIPct               float64    `json:"roi_pct"`
	ROIOnMargin          float64    `json:"roi_on_margin"`
	Win                  bool       `json:"win"`
	MaxProfitCapturedPct float64    `json:"max_profit_captured_pct"`

	ExitIV                      float64 `json:"exit_iv"`
	IVChangeDuringTrade         float64 `json:"iv_change_during_trade"`
	StockChangeDuringTradePct   float64 `json:"stock_change_during_trade_pct"`
	VIXChangeDuringTrade        float64 `json:"vix_change_during_trade"`

	ClosestToStrikePct float64 `json:"closest_to_strike_pct"`
	MaxDrawdownPct     float64 `json:"max_drawdown_pct"`
	MaxProfitPct       float64 `json:"max_profit_pct"`

	TradeQualityScore  float64 `json:"trade_quality_score"`
	RiskAdjustedReturn float64 `json:"risk_adjusted_return"`
}

// ComputeRiskAdjustedReturn sets RiskAdjustedReturn = roi_pct / max_drawdown_pct, or 0
// when drawdown is 0, per §3.
func (e *ExitSnapshot) ComputeRiskAdjustedReturn() {
	if e.MaxDrawdownPct == 0 {
		e.RiskAdjustedReturn = 0
		return
	}
	e.RiskAdjustedReturn = e.ROIPct / e.MaxDrawdownPct
}

// ComputeMaxProfitCaptured sets the ratio of realized exit P&L% to the best unrealized
// P&L% seen during the trade, resolving the §9 open question distinguishing
// max_profit_pct (best unrealized during the trade) from max_profit_captured_pct (exit
// P&L as a ratio of that peak).
func (e *ExitSnapshot) ComputeMaxProfitCaptured() {
	if e.MaxProfitPct <= 0 {
		e.MaxProfitCapturedPct = 0
		return
	}
	e.MaxProfitCapturedPct = e.ROIPct / e.MaxProfitPct
}
