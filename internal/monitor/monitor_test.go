package monitor

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

type fakeMonitorBroker struct {
	optionQuote broker.MarketData
	stockQuote  broker.MarketData
}

func (f *fakeMonitorBroker) Connect(ctx context.Context, host string, port int, clientID int) error {
	return nil
}
func (f *fakeMonitorBroker) QualifyContract(ctx context.Context, spec broker.ContractSpec) (*broker.Contract, error) {
	return nil, nil
}
func (f *fakeMonitorBroker) RequestOptionChain(ctx context.Context, symbol string) ([]broker.Contract, error) {
	return nil, nil
}
func (f *fakeMonitorBroker) RequestStrikes(ctx context.Context, symbol, expiration string) ([]float64, error) {
	return nil, nil
}
func (f *fakeMonitorBroker) RequestMarketData(ctx context.Context, contract broker.Contract) (*broker.MarketData, error) {
	if contract.Strike != 0 {
		return &f.optionQuote, nil
	}
	return &f.stockQuote, nil
}
func (f *fakeMonitorBroker) RequestHistorical(ctx context.Context, contract broker.Contract, days int) ([]broker.Bar, error) {
	return nil, nil
}
func (f *fakeMonitorBroker) PlaceOrder(ctx context.Context, order broker.Order) (*broker.OrderResult, error) {
	return nil, nil
}
func (f *fakeMonitorBroker) PollOrderStatus(ctx context.Context, orderID string) (*broker.OrderResult, error) {
	return nil, nil
}
func (f *fakeMonitorBroker) GetPositions(ctx context.Context) ([]broker.PositionItem, error) {
	return nil, nil
}
func (f *fakeMonitorBroker) GetAccountSummary(ctx context.Context) (*broker.AccountSummary, error) {
	return nil, nil
}
func (f *fakeMonitorBroker) WhatIf(ctx context.Context, order broker.Order) (*broker.AccountSummary, error) {
	return nil, nil
}

func testMonitorLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestPositionID_DeterministicAcrossCalls(t *testing.T) {
	exp := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	a := PositionID("SPY", 430, exp)
	b := PositionID("SPY", 430, exp)
	if a != b {
		t.Fatal("expected PositionID to be deterministic for identical inputs")
	}
	c := PositionID("SPY", 435, exp)
	if a == c {
		t.Fatal("expected different strikes to produce different position ids")
	}
}

func TestPoll_ComputesPnLAndDistance(t *testing.T) {
	fb := &fakeMonitorBroker{
		optionQuote: broker.MarketData{Bid: 0.9, Ask: 1.1},
		stockQuote:  broker.MarketData{Last: 460},
	}
	exitCfg := &config.ExitConfig{ProfitTargetPct: 0.50, StopLossPct: -2.00, TimeExitDTE: 3}
	m := NewMonitor(fb, exitCfg, testMonitorLogger())

	trade := models.NewTrade("SPY", 430, time.Now().AddDate(0, 0, 10), 1, models.SourceScreener)
	trade.MarkOpen(2.0, time.Now(), "entry-1")

	snap, _, err := m.Poll(context.Background(), OpenPosition{Trade: trade, ContractID: 1})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if snap.CurrentPnL <= 0 {
		t.Errorf("expected positive pnl (credit sold above current mid), got %v", snap.CurrentPnL)
	}
	if snap.DistanceToStrikePct <= 0 {
		t.Errorf("expected positive distance to strike (stock above strike), got %v", snap.DistanceToStrikePct)
	}
}

func TestAlertsFor_ApproachingProfitTarget(t *testing.T) {
	exitCfg := &config.ExitConfig{ProfitTargetPct: 0.50, StopLossPct: -2.00, TimeExitDTE: 3}
	m := NewMonitor(nil, exitCfg, testMonitorLogger())

	trade := models.NewTrade("SPY", 430, time.Now().AddDate(0, 0, 10), 1, models.SourceScreener)
	snap := Snapshot{PositionID: "p1", Trade: trade, CurrentPnLPct: 0.48}
	alerts := m.alertsFor(snap)

	found := false
	for _, a := range alerts {
		if a.Kind == AlertApproachingProfitTarget {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an approaching_profit_target alert, got %+v", alerts)
	}
}

func TestAlertsFor_NoAlertsFarFromThresholds(t *testing.T) {
	exitCfg := &config.ExitConfig{ProfitTargetPct: 0.50, StopLossPct: -2.00, TimeExitDTE: 3}
	m := NewMonitor(nil, exitCfg, testMonitorLogger())

	trade := models.NewTrade("SPY", 430, time.Now().AddDate(0, 0, 10), 1, models.SourceScreener)
	snap := Snapshot{PositionID: "p1", Trade: trade, CurrentPnLPct: 0.05, DTE: 10}
	alerts := m.alertsFor(snap)
	if len(alerts) != 0 {
		t.Fatalf("expected no alerts far from any threshold, got %+v", alerts)
	}
}
