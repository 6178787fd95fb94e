package risk

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/axels2025/naked-put-agent/internal/config"
	"github.com/axels2025/naked-put-agent/internal/models"
)

func testGovernor(t *testing.T) *Governor {
	t.Helper()
	cfg := &config.RiskConfig{
		MaxDailyLoss:           -0.02,
		MaxPositionLoss:        -500,
		MaxPositions:           2,
		MaxPositionsPerDay:     2,
		MaxSectorConcentration: 0.30,
		MaxMarginUtilization:   0.80,
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	loc, _ := time.LoadLocation("America/New_York")
	return NewGovernor(cfg, loc, log)
}

func testOpportunity(marginReq float64) *models.Opportunity {
	o := models.NewOpportunity("SPY", 450, time.Now().AddDate(0, 0, 10), models.SourceScreener)
	o.MarginRequirement = marginReq
	return o
}

func TestCheckPreTrade_ApprovesWithinLimits(t *testing.T) {
	g := testGovernor(t)
	account := AccountState{Equity: 100000, BuyingPower: 50000, MarginUsed: 5000}
	approved, reason := g.CheckPreTrade(testOpportunity(1000), 1, nil, account, -0.005, "")
	if !approved {
		t.Fatalf("expected approval, got rejection: %s", reason)
	}
}

func TestCheckPreTrade_HaltTakesPriority(t *testing.T) {
	g := testGovernor(t)
	g.EmergencyHalt("manual stop")
	account := AccountState{Equity: 100000, BuyingPower: 50000, MarginUsed: 0}
	approved, reason := g.CheckPreTrade(testOpportunity(1000), 1, nil, account, -0.001, "")
	if approved {
		t.Fatal("expected rejection while halted")
	}
	if reason != "Trading halted: manual stop" {
		t.Errorf("unexpected reason: %q", reason)
	}
}

func TestCheckPreTrade_DailyLossHaltsAutomatically(t *testing.T) {
	g := testGovernor(t)
	account := AccountState{Equity: 100000, BuyingPower: 50000, MarginUsed: 0}
	approved, reason := g.CheckPreTrade(testOpportunity(1000), 1, nil, account, -0.03, "")
	if approved {
		t.Fatal("expected rejection on daily loss breach")
	}
	if reason != "Daily loss limit reached" {
		t.Errorf("unexpected reason: %q", reason)
	}

	halted, _ := g.IsHalted()
	if !halted {
		t.Fatal("expected the breach to engage the halt automatically")
	}

	// Once halted, the very next check must report the halt, not re-derive the daily loss reason.
	approved, reason = g.CheckPreTrade(testOpportunity(1000), 1, nil, account, -0.001, "")
	if approved {
		t.Fatal("expected rejection while halted")
	}
	if reason == "Daily loss limit reached" {
		t.Error("expected halted-state reason, not the daily loss reason, on the next check")
	}
}

func TestCheckPreTrade_MaxPositions(t *testing.T) {
	g := testGovernor(t)
	account := AccountState{Equity: 100000, BuyingPower: 50000, MarginUsed: 0}
	positions := []PositionSummary{{Symbol: "SPY"}, {Symbol: "QQQ"}}
	approved, reason := g.CheckPreTrade(testOpportunity(1000), 1, positions, account, 0, "")
	if approved {
		t.Fatal("expected rejection at max positions")
	}
	if reason != "Max positions" {
		t.Errorf("unexpected reason: %q", reason)
	}
}

func TestCheckPreTrade_MaxTradesPerDay(t *testing.T) {
	g := testGovernor(t)
	account := AccountState{Equity: 100000, BuyingPower: 50000, MarginUsed: 0}
	g.RecordTradeEntry()
	g.RecordTradeEntry()
	approved, reason := g.CheckPreTrade(testOpportunity(1000), 1, nil, account, 0, "")
	if approved {
		t.Fatal("expected rejection at max trades per day")
	}
	if reason != "Max trades per day reached: 2/2" {
		t.Errorf("unexpected reason: %q", reason)
	}
}

func TestCheckPreTrade_InsufficientMargin(t *testing.T) {
	g := testGovernor(t)
	account := AccountState{Equity: 100000, BuyingPower: 10000, MarginUsed: 9500}
	approved, reason := g.CheckPreTrade(testOpportunity(2000), 1, nil, account, 0, "")
	if approved {
		t.Fatal("expected rejection on insufficient margin")
	}
	if reason != "Insufficient margin" {
		t.Errorf("unexpected reason: %q", reason)
	}
}

func TestCheckPreTrade_SectorConcentration(t *testing.T) {
	g := testGovernor(t)
	account := AccountState{Equity: 100000, BuyingPower: 50000, MarginUsed: 8000}
	positions := []PositionSummary{{Symbol: "XLF", Sector: "financials", MarginUsed: 8000}}
	approved, reason := g.CheckPreTrade(testOpportunity(2000), 1, positions, account, 0, "financials")
	if approved {
		t.Fatal("expected rejection on sector concentration")
	}
	if reason != "Sector concentration" {
		t.Errorf("unexpected reason: %q", reason)
	}
}

func TestCheckPreTrade_UnknownSectorSkipsCheck(t *testing.T) {
	g := testGovernor(t)
	account := AccountState{Equity: 100000, BuyingPower: 50000, MarginUsed: 8000}
	positions := []PositionSummary{{Symbol: "XLF", Sector: "financials", MarginUsed: 8000}}
	approved, reason := g.CheckPreTrade(testOpportunity(2000), 1, positions, account, 0, "")
	if !approved {
		t.Fatalf("expected approval when sector is unknown, got rejection: %s", reason)
	}
}

func TestResumeTrading_ClearsHalt(t *testing.T) {
	g := testGovernor(t)
	g.EmergencyHalt("test")
	g.ResumeTrading()
	halted, reason := g.IsHalted()
	if halted || reason != "" {
		t.Errorf("expected halt cleared, got halted=%v reason=%q", halted, reason)
	}
}
