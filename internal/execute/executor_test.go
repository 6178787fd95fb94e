package execute

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

type fakeExecBroker struct {
	placeCalls int
	statuses   []broker.OrderStatus
	pollIdx    int
	fillPrice  float64
	placeErr   error
}

func (f *fakeExecBroker) Connect(ctx context.Context, host string, port int, clientID int) error {
	return nil
}
func (f *fakeExecBroker) QualifyContract(ctx context.Context, spec broker.ContractSpec) (*broker.Contract, error) {
	return nil, nil
}
func (f *fakeExecBroker) RequestOptionChain(ctx context.Context, symbol string) ([]broker.Contract, error) {
	return nil, nil
}
func (f *fakeExecBroker) RequestStrikes(ctx context.Context, symbol, expiration string) ([]float64, error) {
	return nil, nil
}
func (f *fakeExecBroker) RequestMarketData(ctx context.Context, contract broker.Contract) (*broker.MarketData, error) {
	return nil, nil
}
func (f *fakeExecBroker) RequestHistorical(ctx context.Context, contract broker.Contract, days int) ([]broker.Bar, error) {
	return nil, nil
}
func (f *fakeExecBroker) PlaceOrder(ctx context.Context, order broker.Order) (*broker.OrderResult, error) {
	f.placeCalls++
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	return &broker.OrderResult{OrderID: "order-1", Status: broker.OrderStatusPendingSubmit}, nil
}
func (f *fakeExecBroker) PollOrderStatus(ctx context.Context, orderID string) (*broker.OrderResult, error) {
	status := f.statuses[f.pollIdx]
	if f.pollIdx < len(f.statuses)-1 {
		f.pollIdx++
	}
	return &broker.OrderResult{OrderID: orderID, Status: status, AvgFillPrice: f.fillPrice}, nil
}
func (f *fakeExecBroker) GetPositions(ctx context.Context) ([]broker.PositionItem, error) {
	return nil, nil
}
func (f *fakeExecBroker) GetAccountSummary(ctx context.Context) (*broker.AccountSummary, error) {
	return nil, nil
}
func (f *fakeExecBroker) WhatIf(ctx context.Context, order broker.Order) (*broker.AccountSummary, error) {
	return nil, nil
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testOpp() *models.Opportunity {
	opp := models.NewOpportunity("SPY", 430, time.Now().AddDate(0, 0, 10), models.SourceScreener)
	opp.ContractID = 999
	opp.TradingClass = "SPY"
	opp.Mid = 2.0
	return opp
}

func TestExecuteTrade_PollsThroughWorkingStatesToFill(t *testing.T) {
	fb := &fakeExecBroker{
		statuses:  []broker.OrderStatus{broker.OrderStatusPreSubmitted, broker.OrderStatusSubmitted, broker.OrderStatusFilled},
		fillPrice: 1.95,
	}
	cfg := &config.TradingConfig{PaperTrading: true, IBKRHost: "localhost", IBKRPort: config.DefaultIBKRPort}
	e := NewExecutor(fb, cfg, nil, nil, testLogger())
	e.SetPollInterval(time.Millisecond)

	res, err := e.ExecuteTrade(context.Background(), testOpp())
	if err != nil {
		t.Fatalf("execute trade: %v", err)
	}
	if res.Trade.Status != models.TradeStatusOpen {
		t.Errorf("expected trade status open, got %s", res.Trade.Status)
	}
	if res.AvgFillPrice != 1.95 {
		t.Errorf("expected fill price 1.95, got %v", res.AvgFillPrice)
	}
	if fb.placeCalls != 1 {
		t.Errorf("expected exactly one PlaceOrder call, got %d", fb.placeCalls)
	}
}

func TestExecuteTrade_TerminalFailureReturnsError(t *testing.T) {
	fb := &fakeExecBroker{statuses: []broker.OrderStatus{broker.OrderStatusCancelled}}
	cfg := &config.TradingConfig{PaperTrading: true, IBKRHost: "localhost", IBKRPort: config.DefaultIBKRPort}
	e := NewExecutor(fb, cfg, nil, nil, testLogger())
	e.SetPollInterval(time.Millisecond)

	_, err := e.ExecuteTrade(context.Background(), testOpp())
	if err == nil {
		t.Fatal("expected an error on a cancelled order")
	}
}

func TestExecuteTrade_LiveModeInterlockBlocksNonPaperPort(t *testing.T) {
	fb := &fakeExecBroker{statuses: []broker.OrderStatus{broker.OrderStatusFilled}}
	cfg := &config.TradingConfig{PaperTrading: false, IBKRHost: "localhost", IBKRPort: 7496}
	e := NewExecutor(fb, cfg, nil, nil, testLogger())

	_, err := e.ExecuteTrade(context.Background(), testOpp())
	if err != ErrLiveModeInterlock {
		t.Fatalf("expected ErrLiveModeInterlock, got %v", err)
	}
	if fb.placeCalls != 0 {
		t.Error("expected the interlock to block before ever placing an order")
	}
}

func TestExecuteTrade_MissingTradingClassRejected(t *testing.T) {
	fb := &fakeExecBroker{}
	cfg := &config.TradingConfig{PaperTrading: true, IBKRHost: "localhost", IBKRPort: config.DefaultIBKRPort}
	e := NewExecutor(fb, cfg, nil, nil, testLogger())

	opp := testOpp()
	opp.TradingClass = ""
	_, err := e.ExecuteTrade(context.Background(), opp)
	if err != ErrMissingTradingClass {
		t.Fatalf("expected ErrMissingTradingClass, got %v", err)
	}
}

func TestExecuteTrade_DryRunNeverContactsBroker(t *testing.T) {
	fb := &fakeExecBroker{}
	cfg := &config.TradingConfig{PaperTrading: true, IBKRHost: "localhost", IBKRPort: config.DefaultIBKRPort, DryRun: true}
	e := NewExecutor(fb, cfg, nil, nil, testLogger())

	res, err := e.ExecuteTrade(context.Background(), testOpp())
	if err != nil {
		t.Fatalf("dry run execute: %v", err)
	}
	if res.Trade.Status != models.TradeStatusOpen {
		t.Errorf("expected a synthesized open trade, got %s", res.Trade.Status)
	}
	if fb.placeCalls != 0 {
		t.Error("expected dry run to never call PlaceOrder")
	}
}
