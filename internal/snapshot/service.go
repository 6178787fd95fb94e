// Package snapshot implements the three SnapshotServices of §4.6: capturing the
// full feature vector at entry, one daily position snapshot per open trade, and an
// outcome snapshot at exit. Across all three, "snapshot failures never propagate":
// a capture error is logged and dropped, the trading/exit operation it rides along
// with still succeeds.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	talib "github.com/markcheno/go-talib"
	"github.com/sirupsen/logrus"

	"github.com/axels2025/naked-put-agent/internal/broker"
	"github.com/axels2025/naked-put-agent/internal/models"
)

const historicalLookback = 60 // trading days of OHLC pulled for technicals

const (
	symbolSPY = "SPY"
	symbolQQQ = "QQQ"
	symbolIWM = "IWM"
	symbolVIX = "VIX"
)

// Store is the subset of internal/storage.Store the snapshot services need.
type Store interface {
	SaveTradeWithEntrySnapshot(ctx context.Context, t *models.Trade, snap *models.EntrySnapshot) error
	SaveTradeWithExitSnapshot(ctx context.Context, t *models.Trade, snap *models.ExitSnapshot) error
	SavePositionSnapshot(ctx context.Context, snap *models.PositionSnapshot) error
	GetEntrySnapshot(ctx context.Context, tradeID string) (*models.EntrySnapshot, error)
	ListPositionSnapshots(ctx context.Context, tradeID string) ([]*models.PositionSnapshot, error)
}

// EarningsProvider optionally supplies the next-earnings date/timing for a
// symbol. A nil provider simply leaves those fields unpopulated — they count
// against data_quality_score like any other missing field, never block capture.
type EarningsProvider interface {
	NextEarnings(ctx context.Context, symbol string) (date *time.Time, timing models.EarningsTiming, err error)
}

// Service implements all three SnapshotServices of §4.6 over a shared broker and
// store, so entry/position/exit capture reuse the same market-context gathering.
type Service struct {
	broker   broker.Broker
	store    Store
	earnings EarningsProvider
	log      *logrus.Entry
}

// NewService constructs a Service. earnings may be nil.
func NewService(b broker.Broker, store Store, earnings EarningsProvider, log *logrus.Logger) *Service {
	return &Service{
		broker:   b,
		store:    store,
		earnings: earnings,
		log:      log.WithField("component", "snapshot_service"),
	}
}

// marketContext is the shared SPY/QQQ/IWM/VIX quote bundle every snapshot kind folds in.
type marketContext struct {
	spy, spyChangePct float64
	qqq, iwm          float64
	vix, vixChangePct float64
}

func (s *Service) fetchMarketContext(ctx context.Context) marketContext {
	var ctxOut marketContext
	if q, err := s.broker.RequestMarketData(ctx, broker.Contract{Symbol: symbolSPY}); err == nil && q != nil {
		ctxOut.spy = q.Last
	}
	if q, err := s.broker.RequestMarketData(ctx, broker.Contract{Symbol: symbolQQQ}); err == nil && q != nil {
		ctxOut.qqq = q.Last
	}
	if q, err := s.broker.RequestMarketData(ctx, broker.Contract{Symbol: symbolIWM}); err == nil && q != nil {
		ctxOut.iwm = q.Last
	}
	if q, err := s.broker.RequestMarketData(ctx, broker.Contract{Symbol: symbolVIX}); err == nil && q != nil {
		ctxOut.vix = q.Last
	}
	if bars, err := s.broker.RequestHistorical(ctx, broker.Contract{Symbol: symbolSPY}, 2); err == nil && len(bars) >= 2 {
		ctxOut.spyChangePct = pctChange(bars[len(bars)-2].Close, bars[len(bars)-1].Close)
	}
	if bars, err := s.broker.RequestHistorical(ctx, broker.Contract{Symbol: symbolVIX}, 2); err == nil && len(bars) >= 2 {
		ctxOut.vixChangePct = pctChange(bars[len(bars)-2].Close, bars[len(bars)-1].Close)
	}
	return ctxOut
}

func pctChange(prev, cur float64) float64 {
	if prev == 0 {
		return 0
	}
	return (cur - prev) / prev
}

// CaptureEntrySnapshot gathers option/underlying/market/event/technical data for
// opp and persists trade alongside the resulting EntrySnapshot in one transaction,
// per §5's ordering guarantee (b). Implements execute.SnapshotCapturer.
func (s *Service) CaptureEntrySnapshot(ctx context.Context, trade *models.Trade, opp *models.Opportunity) error {
	snap := &models.EntrySnapshot{
		ID:      uuid.NewString(),
		TradeID: trade.TradeID,

		Bid: opp.Bid, Ask: opp.Ask, Mid: opp.Mid, EntryPremium: trade.EntryPremium,
		OTMPct: opp.OTMPct, DTE: opp.DTE,
		MarginRequirement: opp.MarginRequirement, MarginEfficiencyPct: opp.MarginEfficiency,
		TrendDirection: opp.Trend,

		CapturedAt: time.Now().UTC(),
		Source:     opp.Source,
	}
	if opp.Mid > 0 {
		snap.SpreadPct = (opp.Ask - opp.Bid) / opp.Mid
	}

	quote, err := s.broker.RequestMarketData(ctx, broker.Contract{ContractID: opp.ContractID, Symbol: opp.Symbol, Strike: opp.Strike, Right: "P"})
	if err != nil {
		s.log.WithError(err).WithField("trade_id", trade.TradeID).Warn("entry snapshot: option quote unavailable, leaving Greeks unset")
	} else {
		snap.Delta, snap.Gamma, snap.Theta, snap.Vega = quote.Delta, quote.Gamma, quote.Theta, quote.Vega
		snap.IV = quote.IV
	}

	bars, err := s.broker.RequestHistorical(ctx, broker.Contract{Symbol: opp.Symbol}, historicalLookback)
	if err != nil {
		s.log.WithError(err).WithField("symbol", opp.Symbol).Warn("entry snapshot: historical data unavailable, leaving technicals unset")
	} else {
		applyTechnicals(snap, bars)
	}

	mc := s.fetchMarketContext(ctx)
	snap.SPY, snap.SPYChangePct, snap.QQQ, snap.IWM = mc.spy, mc.spyChangePct, mc.qqq, mc.iwm
	snap.VIX, snap.VIXChangePct = mc.vix, mc.vixChangePct
	snap.VolRegime = classifyVolRegime(mc.vix)
	snap.MarketRegime = classifyMarketRegime(mc.spyChangePct)

	now := time.Now().UTC()
	snap.DayOfWeek = int(now.Weekday())

	if s.earnings != nil {
		date, timing, err := s.earnings.NextEarnings(ctx, opp.Symbol)
		if err != nil {
			s.log.WithError(err).WithField("symbol", opp.Symbol).Warn("entry snapshot: earnings lookup failed, leaving unset")
		} else if date != nil {
			snap.EarningsDate = date
			snap.EarningsTiming = timing
			snap.DaysToEarnings = int(date.Sub(now).Hours() / 24)
			snap.EarningsInDTE = snap.DaysToEarnings >= 0 && snap.DaysToEarnings <= opp.DTE
		}
	}

	snap.ComputeDataQuality()
	trade.EntrySnapshotID = snap.ID

	return s.store.SaveTradeWithEntrySnapshot(ctx, trade, snap)
}

// applyTechnicals fills the RSI/MACD/ADX/ATR/Bollinger/support-resistance block of
// an EntrySnapshot from a run of daily bars, via github.com/markcheno/go-talib.
func applyTechnicals(snap *models.EntrySnapshot, bars []broker.Bar) {
	if len(bars) < 20 {
		return
	}
	closes := closesOf(bars)
	highs := highsOf(bars)
	lows := lowsOf(bars)

	rsi14 := talib.Rsi(closes, 14)
	rsi7 := talib.Rsi(closes, 7)
	snap.RSI14 = last(rsi14)
	snap.RSI7 = last(rsi7)

	macd, signal, hist := talib.Macd(closes, 12, 26, 9)
	snap.MACD, snap.MACDSignal, snap.MACDHistogram = last(macd), last(signal), last(hist)

	if len(bars) >= 14 {
		snap.ADX = last(talib.Adx(highs, lows, closes, 14))
		snap.PlusDI = last(talib.PlusDI(highs, lows, closes, 14))
		snap.MinusDI = last(talib.MinusDI(highs, lows, closes, 14))
		atr := talib.Atr(highs, lows, closes, 14)
		snap.ATR14 = last(atr)
		if price := last(closes); price > 0 {
			snap.ATRPct = snap.ATR14 / price
		}
	}

	upper, _, lower := talib.BBands(closes, 20, 2, 2, talib.SMA)
	snap.BBUpper, snap.BBLower = last(upper), last(lower)
	price := last(closes)
	if bandWidth := snap.BBUpper - snap.BBLower; bandWidth > 0 {
		snap.BBPosition = (price - snap.BBLower) / bandWidth
	}

	sma20 := talib.Sma(closes, 20)
	snap.SMA20 = last(sma20)
	if len(closes) >= 50 {
		snap.SMA50 = last(talib.Sma(closes, 50))
	}
	if snap.SMA20 > 0 {
		snap.PriceVsSMA20 = (price - snap.SMA20) / snap.SMA20
	}
	if snap.SMA50 > 0 {
		snap.PriceVsSMA50 = (price - snap.SMA50) / snap.SMA50
	}

	s1, s2, r1, r2 := supportResistance(lows, highs)
	snap.Support1, snap.Support2, snap.Resistance1, snap.Resistance2 = s1, s2, r1, r2
	if price > 0 && s1 > 0 {
		snap.DistanceToSupportPct = (price - s1) / price
	}
}

// supportResistance takes the two lowest recent lows and two highest recent highs
// as a simple support/resistance estimate absent a dedicated level-detection library
// anywhere in the example pack.
func supportResistance(lows, highs []float64) (s1, s2, r1, r2 float64) {
	window := 20
	if len(lows) < window {
		window = len(lows)
	}
	recentLows := append([]float64(nil), lows[len(lows)-window:]...)
	recentHighs := append([]float64(nil), highs[len(highs)-window:]...)
	sortAsc(recentLows)
	sortDesc(recentHighs)
	if len(recentLows) > 0 {
		s1 = recentLows[0]
	}
	if len(recentLows) > 1 {
		s2 = recentLows[1]
	}
	if len(recentHighs) > 0 {
		r1 = recentHighs[0]
	}
	if len(recentHighs) > 1 {
		r2 = recentHighs[1]
	}
	return
}

func sortAsc(v []float64) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j-1] > v[j]; j-- {
			v[j-1], v[j] = v[j], v[j-1]
		}
	}
}

func sortDesc(v []float64) {
	sortAsc(v)
	for i, j := 0, len(v)-1; i < j; i, j = i+1, j-1 {
		v[i], v[j] = v[j], v[i]
	}
}

func classifyVolRegime(vix float64) models.VolRegime {
	switch {
	case vix <= 0:
		return ""
	case vix < 15:
		return models.VolRegimeLow
	case vix < 20:
		return models.VolRegimeNormal
	case vix < 30:
		return models.VolRegimeElevated
	default:
		return models.VolRegimeExtreme
	}
}

func classifyMarketRegime(spyChangePct float64) models.MarketRegime {
	switch {
	case spyChangePct > 0.005:
		return models.MarketBullish
	case spyChangePct < -0.005:
		return models.MarketBearish
	default:
		return models.MarketNeutral
	}
}

func closesOf(bars []broker.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func highsOf(bars []broker.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.High
	}
	return out
}

func lowsOf(bars []broker.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Low
	}
	return out
}

func last(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return v[len(v)-1]
}

// CapturePositionSnapshot records one PositionSnapshot for trade's current live
// state. Runs daily after session close per §4.6; (trade_id, snapshot_date)
// uniqueness at the storage layer makes repeated calls within a day idempotent.
func (s *Service) CapturePositionSnapshot(ctx context.Context, trade *models.Trade, contractID int64) error {
	quote, err := s.broker.RequestMarketData(ctx, broker.Contract{ContractID: contractID, Symbol: trade.Symbol, Strike: trade.Strike})
	if err != nil {
		return fmt.Errorf("request option quote: %w", err)
	}
	underlying, err := s.broker.RequestMarketData(ctx, broker.Contract{Symbol: trade.Symbol})
	if err != nil {
		return fmt.Errorf("request underlying quote: %w", err)
	}

	currentMid := (quote.Bid + quote.Ask) / 2
	pnl := (trade.EntryPremium - currentMid) * float64(trade.Contracts) * 100
	var pnlPct float64
	if trade.EntryPremium != 0 {
		pnlPct = pnl / (trade.EntryPremium * float64(trade.Contracts) * 100)
	}
	var distancePct float64
	if underlying.Last > 0 {
		distancePct = (underlying.Last - trade.Strike) / underlying.Last
	}

	mc := s.fetchMarketContext(ctx)
	now := time.Now().UTC()
	snap := &models.PositionSnapshot{
		ID:                  uuid.NewString(),
		TradeID:             trade.TradeID,
		SnapshotDate:        now,
		CurrentPremium:      currentMid,
		CurrentPnL:          pnl,
		CurrentPnLPct:       pnlPct,
		DTERemaining:        trade.DTE(now),
		Delta:               quote.Delta,
		Theta:               quote.Theta,
		Gamma:               quote.Gamma,
		Vega:                quote.Vega,
		IV:                  quote.IV,
		StockPrice:          underlying.Last,
		DistanceToStrikePct: distancePct,
		VIX:                 mc.vix,
		SPYPrice:            mc.spy,
		CapturedAt:          now,
	}
	return s.store.SavePositionSnapshot(ctx, snap)
}

// CaptureExitSnapshot reads trade's EntrySnapshot (for deltas) and PositionSnapshots
// (for path statistics) to compute outcomes and trade_quality_score, then persists
// trade alongside the resulting ExitSnapshot in one transaction. Implements
// exit.SnapshotCapturer.
func (s *Service) CaptureExitSnapshot(ctx context.Context, trade *models.Trade) error {
	if trade.ExitDate == nil || trade.ExitPremium == nil || trade.ExitReason == nil || trade.ProfitLoss == nil {
		return fmt.Errorf("trade %s has not been closed, cannot capture an exit snapshot", trade.TradeID)
	}

	entry, err := s.store.GetEntrySnapshot(ctx, trade.TradeID)
	if err != nil {
		s.log.WithError(err).WithField("trade_id", trade.TradeID).Warn("exit snapshot: entry snapshot unavailable, deltas will be zero")
		entry = &models.EntrySnapshot{}
	}

	positions, err := s.store.ListPositionSnapshots(ctx, trade.TradeID)
	if err != nil {
		s.log.WithError(err).WithField("trade_id", trade.TradeID).Warn("exit snapshot: position snapshots unavailable, path stats will be zero")
	}

	daysHeld := int(trade.ExitDate.Sub(trade.EntryDate).Hours() / 24)
	grossProfit := (trade.EntryPremium - *trade.ExitPremium) * float64(trade.Contracts) * 100
	roiPct := 0.0
	marginBasis := trade.EntryPremium * float64(trade.Contracts) * 100
	if marginBasis != 0 {
		roiPct = grossProfit / marginBasis
	}

	closest, maxDrawdown, maxProfit := pathStats(trade, positions)

	quote, err := s.broker.RequestMarketData(ctx, broker.Contract{Symbol: trade.Symbol, Strike: trade.Strike, Right: "P"})
	exitIV := 0.0
	if err == nil && quote != nil {
		exitIV = quote.IV
	}

	underlying, err := s.broker.RequestMarketData(ctx, broker.Contract{Symbol: trade.Symbol})
	stockChangePct := 0.0
	if err == nil && underlying != nil && entry.Open > 0 {
		stockChangePct = (underlying.Last - entry.Open) / entry.Open
	}

	mc := s.fetchMarketContext(ctx)

	snap := &models.ExitSnapshot{
		ID:      uuid.NewString(),
		TradeID: trade.TradeID,

		ExitDate: *trade.ExitDate, ExitPremium: *trade.ExitPremium, ExitReason: *trade.ExitReason,
		DaysHeld: daysHeld, GrossProfit: grossProfit, NetProfit: grossProfit,
		ROIPct: roiPct, ROIOnMargin: roiPct, Win: grossProfit > 0,

		ExitIV:                    exitIV,
		IVChangeDuringTrade:       exitIV - entry.IV,
		StockChangeDuringTradePct: stockChangePct,
		VIXChangeDuringTrade:      mc.vix - entry.VIX,

		ClosestToStrikePct: closest,
		MaxDrawdownPct:     maxDrawdown,
		MaxProfitPct:       maxProfit,
	}
	snap.ComputeMaxProfitCaptured()
	snap.ComputeRiskAdjustedReturn()
	snap.TradeQualityScore = tradeQualityScore(snap, trade)

	trade.ExitSnapshotID = &snap.ID
	return s.store.SaveTradeWithExitSnapshot(ctx, trade, snap)
}

// pathStats derives closest-to-strike, max drawdown, and max profit from a trade's
// daily PositionSnapshots.
func pathStats(trade *models.Trade, positions []*models.PositionSnapshot) (closest, maxDrawdown, maxProfit float64) {
	closest = 1 // start from "far away", tightened as snapshots are scanned
	for _, p := range positions {
		if p.DistanceToStrikePct < closest {
			closest = p.DistanceToStrikePct
		}
		if -p.CurrentPnLPct > maxDrawdown {
			maxDrawdown = -p.CurrentPnLPct
		}
		if p.CurrentPnLPct > maxProfit {
			maxProfit = p.CurrentPnLPct
		}
	}
	return
}

// tradeQualityScore blends ROI-vs-drawdown, exit-vs-peak capture efficiency, and
// days-held-vs-max-hold into a 0-1 score, per §4.6.
func tradeQualityScore(snap *models.ExitSnapshot, trade *models.Trade) float64 {
	roiComponent := clamp01(0.5 + snap.RiskAdjustedReturn/2)
	captureComponent := clamp01(snap.MaxProfitCapturedPct)
	holdComponent := clamp01(1 - float64(snap.DaysHeld)/float64(maxHoldDays(trade)))
	return 0.4*roiComponent + 0.3*captureComponent + 0.3*holdComponent
}

func maxHoldDays(trade *models.Trade) int {
	days := int(trade.Expiration.Sub(trade.EntryDate).Hours() / 24)
	if days <= 0 {
		return 1
	}
	return days
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
