// Package enrich implements the Enricher/Validator of §4.1: turning a bare
// (symbol, strike, expiration) candidate into a fully-priced Opportunity using live
// broker data, and optionally screening it against threshold-based validation rules.
package enrich

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/axels2025/naked-put-agent/internal/broker"
	"github.com/axels2025/naked-put-agent/internal/config"
	"github.com/axels2025/naked-put-agent/internal/models"
)

const (
	chainCacheTTL    = 12 * time.Hour
	trendCacheTTL    = 24 * time.Hour
	historicalLookback = 60 // trading days pulled to compute SMA-50
)

// ErrNotListed is returned when qualification yields a zero contract id: the
// strike/expiration is not actually listed on the chain, per §4.1.
var ErrNotListed = fmt.Errorf("contract not listed")

type chainCacheEntry struct {
	contracts []broker.Contract
	cachedAt  time.Time
}

type trendCacheEntry struct {
	trend    models.TrendDirection
	sma20    float64
	sma50    float64
	cachedAt time.Time
}

// Enricher resolves live broker data into Opportunity fields and screens
// opportunities against configurable thresholds. A single Enricher is shared
// across an Orchestrator cycle so its caches are actually useful.
type Enricher struct {
	broker broker.Broker
	log    *logrus.Entry

	mu            sync.Mutex
	chainCache    map[string]chainCacheEntry   // key: symbol|expiration
	trendCache    map[string]trendCacheEntry   // key: symbol
	contractCache map[string]int64             // key: symbol|strike|expiration, never expires
	sf            singleflight.Group           // collapses concurrent fetches for the same chain key
}

// NewEnricher constructs an Enricher backed by b.
func NewEnricher(b broker.Broker, log *logrus.Logger) *Enricher {
	return &Enricher{
		broker:        b,
		log:           log.WithField("component", "enricher"),
		chainCache:    make(map[string]chainCacheEntry),
		trendCache:    make(map[string]trendCacheEntry),
		contractCache: make(map[string]int64),
	}
}

func contractCacheKey(symbol string, strike float64, expiration string) string {
	return fmt.Sprintf("%s|%.4f|%s", symbol, strike, expiration)
}

// Enrich resolves opp's contract id, live quote, and computed fields. It returns
// ErrNotListed when the strike/expiration isn't qualified on the chain — callers
// should drop the candidate rather than retry within the same cycle, per §4.1.
func (e *Enricher) Enrich(ctx context.Context, opp *models.Opportunity) error {
	expiration := opp.Expiration.Format("20060102")

	contractID, err := e.qualify(ctx, opp.Symbol, opp.Strike, expiration)
	if err != nil {
		return fmt.Errorf("qualify %s %.2f %s: %w", opp.Symbol, opp.Strike, expiration, err)
	}
	// IBKRClient.QualifyContract already errors on conid==0, so this only fires
	// against a Broker implementation (e.g. a test double) that reports "not
	// listed" by returning a zero id instead of an error.
	if contractID == 0 {
		return ErrNotListed
	}
	opp.ContractID = contractID

	contract := broker.Contract{
		ContractID: contractID, Symbol: opp.Symbol, Strike: opp.Strike,
		Expiration: expiration, Right: "P",
	}

	quote, err := e.broker.RequestMarketData(ctx, contract)
	if err != nil {
		return fmt.Errorf("request market data: %w", err)
	}
	opp.Bid = quote.Bid
	opp.Ask = quote.Ask
	opp.Mid = (quote.Bid + quote.Ask) / 2

	underlying, err := e.broker.RequestMarketData(ctx, broker.Contract{Symbol: opp.Symbol})
	if err != nil {
		return fmt.Errorf("request underlying quote: %w", err)
	}
	opp.StockPrice = underlying.Last

	opp.OTMPct = 0
	if opp.StockPrice > 0 {
		opp.OTMPct = (opp.StockPrice - opp.Strike) / opp.StockPrice
	}
	opp.DTE = daysToExpiration(opp.Expiration, time.Now())
	opp.MarginRequirement = estimateMargin(opp.StockPrice, opp.Strike, opp.Mid)
	if opp.MarginRequirement > 0 {
		opp.MarginEfficiency = (opp.Mid * 100) / opp.MarginRequirement
	}

	trend, err := e.classifyTrend(ctx, opp.Symbol)
	if err != nil {
		e.log.WithError(err).WithField("symbol", opp.Symbol).Warn("trend classification failed, leaving unset")
	} else {
		opp.Trend = trend
	}

	return nil
}

// daysToExpiration returns whole days between asOf and expiration, per the
// GLOSSARY's DTE definition, floored at 0.
func daysToExpiration(expiration, asOf time.Time) int {
	days := int(expiration.Truncate(24*time.Hour).Sub(asOf.Truncate(24*time.Hour)).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// estimateMargin implements §4.1's standard naked-put margin formula for one
// contract: max(0.20*stock - (stock-strike), 0.10*stock) * 100 + premium*100.
// Opportunity.MarginRequirement stores this one-contract figure; RiskGovernor's
// CheckPreTrade scales it by the order's actual contract count before comparing
// it against buying power, utilization, and sector limits.
func estimateMargin(stock, strike, premium float64) float64 {
	otmBuffer := 0.20*stock - (stock - strike)
	floor := 0.10 * stock
	base := otmBuffer
	if floor > base {
		base = floor
	}
	if base < 0 {
		base = 0
	}
	return base*100 + premium*100
}

// qualify resolves a contract id, caching indefinitely since a listed contract's id
// never changes, per §4.1's "qualified-contract ids indefinitely" cache rule.
func (e *Enricher) qualify(ctx context.Context, symbol string, strike float64, expiration string) (int64, error) {
	key := contractCacheKey(symbol, strike, expiration)

	e.mu.Lock()
	if id, ok := e.contractCache[key]; ok {
		e.mu.Unlock()
		return id, nil
	}
	e.mu.Unlock()

	contract, err := e.broker.QualifyContract(ctx, broker.ContractSpec{
		Symbol: symbol, Strike: strike, Expiration: expiration, Right: "P",
	})
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	e.contractCache[key] = contract.ContractID
	e.mu.Unlock()
	return contract.ContractID, nil
}

// ListChain builds enrichable candidates for symbol within [dteMin, dteMax] days and
// an OTM window, per §4.1's chain-listing rule: strikes are requested
// per-expiration (never via a single full-chain pull), then qualified as one batch
// per expiration, keeping only contracts with a valid (nonzero) id.
func (e *Enricher) ListChain(ctx context.Context, symbol string, dteMin, dteMax int, otmMin, otmMax float64) ([]broker.Contract, error) {
	underlying, err := e.broker.RequestMarketData(ctx, broker.Contract{Symbol: symbol})
	if err != nil {
		return nil, fmt.Errorf("request underlying quote: %w", err)
	}
	stock := underlying.Last
	if stock <= 0 {
		return nil, fmt.Errorf("no underlying price for %s", symbol)
	}

	now := time.Now()
	var out []broker.Contract

	for dte := dteMin; dte <= dteMax; dte++ {
		expiration := now.AddDate(0, 0, dte).Format("20060102")
		contracts, err := e.chainForExpiration(ctx, symbol, expiration)
		if err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{"symbol": symbol, "expiration": expiration}).
				Warn("chain listing failed for expiration, skipping")
			continue
		}
		for _, c := range contracts {
			otm := (stock - c.Strike) / stock
			if otm >= otmMin && otm <= otmMax {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

// chainForExpiration fetches and caches all of one expiration's qualified strikes;
// ListChain applies the OTM window to the result. Concurrent callers for the same (symbol, expiration)
// collapse onto a single broker round trip via singleflight.
func (e *Enricher) chainForExpiration(ctx context.Context, symbol, expiration string) ([]broker.Contract, error) {
	key := symbol + "|" + expiration

	e.mu.Lock()
	if entry, ok := e.chainCache[key]; ok && time.Since(entry.cachedAt) < chainCacheTTL {
		e.mu.Unlock()
		return entry.contracts, nil
	}
	e.mu.Unlock()

	v, err, _ := e.sf.Do(key, func() (any, error) {
		strikes, err := e.broker.RequestStrikes(ctx, symbol, expiration)
		if err != nil {
			return nil, fmt.Errorf("request strikes: %w", err)
		}

		var contracts []broker.Contract
		for _, strike := range strikes {
			c, err := e.broker.QualifyContract(ctx, broker.ContractSpec{
				Symbol: symbol, Strike: strike, Expiration: expiration, Right: "P",
			})
			if err != nil {
				continue
			}
			if c.ContractID == 0 {
				continue
			}
			contracts = append(contracts, *c)
		}

		e.mu.Lock()
		e.chainCache[key] = chainCacheEntry{contracts: contracts, cachedAt: time.Now()}
		e.mu.Unlock()
		return contracts, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]broker.Contract), nil
}

// classifyTrend compares the underlying's current price against its SMA-20 and
// SMA-50, caching the result for 24 hours per §4.1.
func (e *Enricher) classifyTrend(ctx context.Context, symbol string) (models.TrendDirection, error) {
	e.mu.Lock()
	if entry, ok := e.trendCache[symbol]; ok && time.Since(entry.cachedAt) < trendCacheTTL {
		e.mu.Unlock()
		return entry.trend, nil
	}
	e.mu.Unlock()

	bars, err := e.broker.RequestHistorical(ctx, broker.Contract{Symbol: symbol}, historicalLookback)
	if err != nil {
		return "", fmt.Errorf("request historical: %w", err)
	}
	if len(bars) < 50 {
		return "", fmt.Errorf("insufficient history for %s: got %d bars, need 50", symbol, len(bars))
	}

	sma20 := sma(bars, 20)
	sma50 := sma(bars, 50)
	price := bars[len(bars)-1].Close

	var trend models.TrendDirection
	switch {
	case price > sma20 && sma20 > sma50:
		trend = models.TrendUp
	case price < sma20 && sma20 < sma50:
		trend = models.TrendDown
	default:
		trend = models.TrendSideway
	}

	e.mu.Lock()
	e.trendCache[symbol] = trendCacheEntry{trend: trend, sma20: sma20, sma50: sma50, cachedAt: time.Now()}
	e.mu.Unlock()
	return trend, nil
}

// sma computes the simple moving average of the last n closes in bars.
func sma(bars []broker.Bar, n int) float64 {
	if len(bars) < n {
		return 0
	}
	var sum float64
	for _, b := range bars[len(bars)-n:] {
		sum += b.Close
	}
	return sum / float64(n)
}

// Validate screens opp against cfg's thresholds, per §4.1. A nil cfg means
// validation is skipped entirely: the caller only wants enrichment.
func Validate(opp *models.Opportunity, cfg *config.StrategyConfig) (ok bool, reason string) {
	if cfg == nil {
		return true, ""
	}

	spreadPct := 0.0
	if opp.Mid > 0 {
		spreadPct = (opp.Ask - opp.Bid) / opp.Mid
	}
	if spreadPct > cfg.MaxSpreadPct {
		return false, fmt.Sprintf("spread too wide: %.2f%% > %.2f%%", spreadPct*100, cfg.MaxSpreadPct*100)
	}
	if opp.MarginEfficiency < cfg.MinMarginEfficiency {
		return false, fmt.Sprintf("margin efficiency too low: %.2f%% < %.2f%%", opp.MarginEfficiency*100, cfg.MinMarginEfficiency*100)
	}
	if cfg.RequireUptrend && opp.Trend != models.TrendUp {
		return false, fmt.Sprintf("trend %s is not an uptrend", opp.Trend)
	}
	return true, ""
}
