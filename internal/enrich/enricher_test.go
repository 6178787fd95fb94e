package enrich

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/axels2025/naked-put-agent/internal/broker"
	"github.com/axels2025/naked-put-agent/internal/config"
	"github.com/axels2025/naked-put-agent/internal/models"
)

type fakeBroker struct {
	contractID   int64
	optionQuote  broker.MarketData
	stockQuote   broker.MarketData
	bars         []broker.Bar
	qualifyCalls int
}

func (f *fakeBroker) Connect(ctx context.Context, host string, port int, clientID int) error { return nil }
func (f *fakeBroker) QualifyContract(ctx context.Context, spec broker.ContractSpec) (*broker.Contract, error) {
	f.qualifyCalls++
	return &broker.Contract{ContractID: f.contractID, Symbol: spec.Symbol, Strike: spec.Strike, Expiration: spec.Expiration, Right: spec.Right}, nil
}
func (f *fakeBroker) RequestOptionChain(ctx context.Context, symbol string) ([]broker.Contract, error) {
	return nil, nil
}
func (f *fakeBroker) RequestStrikes(ctx context.Context, symbol, expiration string) ([]float64, error) {
	return []float64{440, 445, 450}, nil
}
func (f *fakeBroker) RequestMarketData(ctx context.Context, contract broker.Contract) (*broker.MarketData, error) {
	if contract.Strike != 0 {
		return &f.optionQuote, nil
	}
	return &f.stockQuote, nil
}
func (f *fakeBroker) RequestHistorical(ctx context.Context, contract broker.Contract, days int) ([]broker.Bar, error) {
	return f.bars, nil
}
func (f *fakeBroker) PlaceOrder(ctx context.Context, order broker.Order) (*broker.OrderResult, error) {
	return nil, nil
}
func (f *fakeBroker) PollOrderStatus(ctx context.Context, orderID string) (*broker.OrderResult, error) {
	return nil, nil
}
func (f *fakeBroker) GetPositions(ctx context.Context) ([]broker.PositionItem, error) { return nil, nil }
func (f *fakeBroker) GetAccountSummary(ctx context.Context) (*broker.AccountSummary, error) {
	return nil, nil
}
func (f *fakeBroker) WhatIf(ctx context.Context, order broker.Order) (*broker.AccountSummary, error) {
	return nil, nil
}

func newTestEnricher(b broker.Broker) *Enricher {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewEnricher(b, log)
}

func risingBars(n int, start float64) []broker.Bar {
	bars := make([]broker.Bar, n)
	price := start
	for i := 0; i < n; i++ {
		bars[i] = broker.Bar{Date: time.Now().AddDate(0, 0, i-n), Close: price}
		price += 0.5
	}
	return bars
}

func TestEnrich_PopulatesQuoteAndComputedFields(t *testing.T) {
	fb := &fakeBroker{
		contractID:  12345,
		optionQuote: broker.MarketData{Bid: 1.0, Ask: 1.2},
		stockQuote:  broker.MarketData{Last: 450},
		bars:        risingBars(60, 400),
	}
	e := newTestEnricher(fb)

	opp := models.NewOpportunity("SPY", 430, time.Now().AddDate(0, 0, 10), models.SourceScreener)
	if err := e.Enrich(context.Background(), opp); err != nil {
		t.Fatalf("enrich: %v", err)
	}
	if opp.Mid != 1.1 {
		t.Errorf("expected mid 1.1, got %v", opp.Mid)
	}
	if opp.StockPrice != 450 {
		t.Errorf("expected stock price 450, got %v", opp.StockPrice)
	}
	if opp.ContractID != 12345 {
		t.Errorf("expected contract id 12345, got %v", opp.ContractID)
	}
	if opp.MarginRequirement <= 0 {
		t.Errorf("expected a positive margin requirement, got %v", opp.MarginRequirement)
	}
	if opp.Trend != models.TrendUp {
		t.Errorf("expected uptrend from rising bars, got %s", opp.Trend)
	}
}

func TestEnrich_NotListedReturnsErrNotListed(t *testing.T) {
	fb := &fakeBroker{contractID: 0, bars: risingBars(60, 400)}
	e := newTestEnricher(fb)
	opp := models.NewOpportunity("SPY", 430, time.Now().AddDate(0, 0, 10), models.SourceScreener)
	err := e.Enrich(context.Background(), opp)
	if err != ErrNotListed {
		t.Fatalf("expected ErrNotListed, got %v", err)
	}
}

func TestEnrich_QualifyIsCachedIndefinitely(t *testing.T) {
	fb := &fakeBroker{
		contractID:  1,
		optionQuote: broker.MarketData{Bid: 1.0, Ask: 1.2},
		stockQuote:  broker.MarketData{Last: 450},
		bars:        risingBars(60, 400),
	}
	e := newTestEnricher(fb)
	opp1 := models.NewOpportunity("SPY", 430, time.Now().AddDate(0, 0, 10), models.SourceScreener)
	opp2 := models.NewOpportunity("SPY", 430, opp1.Expiration, models.SourceScreener)

	if err := e.Enrich(context.Background(), opp1); err != nil {
		t.Fatalf("enrich 1: %v", err)
	}
	if err := e.Enrich(context.Background(), opp2); err != nil {
		t.Fatalf("enrich 2: %v", err)
	}
	if fb.qualifyCalls != 1 {
		t.Errorf("expected qualification to be cached across calls, got %d qualify calls", fb.qualifyCalls)
	}
}

func TestValidate_NilConfigSkipsValidation(t *testing.T) {
	opp := &models.Opportunity{}
	ok, reason := Validate(opp, nil)
	if !ok || reason != "" {
		t.Errorf("expected nil config to always pass, got ok=%v reason=%q", ok, reason)
	}
}

func TestValidate_RejectsWideSpread(t *testing.T) {
	opp := &models.Opportunity{Bid: 0.5, Ask: 1.5, Mid: 1.0, MarginEfficiency: 10}
	cfg := &config.StrategyConfig{MaxSpreadPct: 0.2, MinMarginEfficiency: 0}
	ok, reason := Validate(opp, cfg)
	if ok {
		t.Fatal("expected rejection for a spread wider than max_spread_pct")
	}
	if reason == "" {
		t.Error("expected a reason string")
	}
}

func TestValidate_RequiresUptrendWhenConfigured(t *testing.T) {
	opp := &models.Opportunity{Bid: 1.0, Ask: 1.1, Mid: 1.05, MarginEfficiency: 10, Trend: models.TrendDown}
	cfg := &config.StrategyConfig{MaxSpreadPct: 1, MinMarginEfficiency: 0, RequireUptrend: true}
	ok, _ := Validate(opp, cfg)
	if ok {
		t.Fatal("expected rejection when require_uptrend is set and trend is downtrend")
	}
}
