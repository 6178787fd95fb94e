// Package risk implements the RiskGovernor: the pre-trade gate and process-wide
// halt that every trade and every cycle must pass through (§4.2).
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/axels2025/naked-put-agent/internal/config"
	"github.com/axels2025/naked-put-agent/internal/models"
)

// PositionSummary is the minimal view of an open position the Governor needs to
// evaluate concurrency and sector-concentration limits.
type PositionSummary struct {
	Symbol     string
	Sector     string
	MarginUsed float64
}

// AccountState is the account snapshot a pre-trade check is evaluated against.
type AccountState struct {
	Equity      float64
	BuyingPower float64
	MarginUsed  float64
}

// Governor gates every trade and every cycle against the six limits of §4.2 and
// exposes a process-wide halt. A single Governor is shared by the Orchestrator and
// OrderExecutor for the lifetime of the process.
type Governor struct {
	cfg *config.RiskConfig
	loc *time.Location
	log *logrus.Entry

	mu          sync.Mutex
	halted      bool
	haltReason  string
	tradesToday int
	tradingDay  string // YYYY-MM-DD in loc, the exchange's local trading day
}

// NewGovernor constructs a Governor bound to cfg's limits, resetting its trade
// counter at midnight in loc (the configured exchange timezone).
func NewGovernor(cfg *config.RiskConfig, loc *time.Location, log *logrus.Logger) *Governor {
	return &Governor{
		cfg: cfg,
		loc: loc,
		log: log.WithField("component", "risk_governor"),
	}
}

// resetIfNewDay rolls tradesToday over at midnight local-exchange time. Must be
// called with mu held.
func (g *Governor) resetIfNewDay(now time.Time) {
	day := now.In(g.loc).Format("2006-01-02")
	if day != g.tradingDay {
		g.tradingDay = day
		g.tradesToday = 0
	}
}

// CheckPreTrade evaluates the six §4.2 limits in order, returning at the first
// failing check. sector may be empty when the opportunity's sector is unknown; the
// sector-concentration check is then skipped with a logged note rather than failing
// closed, since the risk it guards against cannot be evaluated without it. contracts
// is the order size this opportunity would be placed at; opp.MarginRequirement is
// estimateMargin's one-contract figure, so it is scaled by contracts here before
// any margin/utilization/sector check consumes it. A non-positive contracts is
// treated as one contract rather than letting the scaling collapse to zero.
func (g *Governor) CheckPreTrade(
	opp *models.Opportunity,
	contracts int,
	positions []PositionSummary,
	account AccountState,
	dailyPnLPct float64,
	sector string,
) (approved bool, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetIfNewDay(time.Now())

	if contracts <= 0 {
		contracts = 1
	}
	orderMargin := opp.MarginRequirement * float64(contracts)

	if g.halted {
		return false, fmt.Sprintf("Trading halted: %s", g.haltReason)
	}

	if dailyPnLPct <= g.cfg.MaxDailyLoss {
		g.halted = true
		g.haltReason = fmt.Sprintf("daily loss limit breached: %.2f%% <= %.2f%%", dailyPnLPct*100, g.cfg.MaxDailyLoss*100)
		g.log.WithFields(logrus.Fields{
			"daily_pnl_pct": dailyPnLPct,
			"limit_pct":     g.cfg.MaxDailyLoss,
		}).Error("daily loss limit breached, trading halted")
		return false, "Daily loss limit reached"
	}

	if len(positions) >= g.cfg.MaxPositions {
		return false, "Max positions"
	}

	if g.tradesToday >= g.cfg.MaxPositionsPerDay {
		return false, fmt.Sprintf("Max trades per day reached: %d/%d", g.tradesToday, g.cfg.MaxPositionsPerDay)
	}

	availableMargin := account.BuyingPower - account.MarginUsed
	if orderMargin > availableMargin {
		return false, "Insufficient margin"
	}
	projectedUtilization := 0.0
	if account.BuyingPower > 0 {
		projectedUtilization = (account.MarginUsed + orderMargin) / account.BuyingPower
	}
	if projectedUtilization > g.cfg.MaxMarginUtilization {
		return false, "Margin utilization too high"
	}

	if sector == "" {
		g.log.WithField("symbol", opp.Symbol).Debug("risk_check=sector_concentration skipped: sector unknown")
	} else {
		var sectorMargin, totalMargin float64
		for _, p := range positions {
			totalMargin += p.MarginUsed
			if p.Sector == sector {
				sectorMargin += p.MarginUsed
			}
		}
		projectedTotal := totalMargin + orderMargin
		if projectedTotal > 0 {
			projectedSectorPct := (sectorMargin + orderMargin) / projectedTotal
			if projectedSectorPct > g.cfg.MaxSectorConcentration {
				return false, "Sector concentration"
			}
		}
	}

	return true, ""
}

// RecordTradeEntry increments trades_today, called on an Opportunity's
// APPROVED -> EXECUTING transition per §4.2.
func (g *Governor) RecordTradeEntry() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetIfNewDay(time.Now())
	g.tradesToday++
}

// TradesToday returns the current trading day's trade count.
func (g *Governor) TradesToday() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetIfNewDay(time.Now())
	return g.tradesToday
}

// EmergencyHalt sets the halt flag, taking effect for the very next pre-trade check.
// The lock acquisition is the only cost, so this comfortably completes in well under
// a second per §4.2.
func (g *Governor) EmergencyHalt(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.halted = true
	g.haltReason = reason
	g.log.WithField("reason", reason).Error("emergency halt engaged")
}

// ResumeTrading manually clears the halt flag.
func (g *Governor) ResumeTrading() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.halted = false
	g.haltReason = ""
	g.log.Warn("trading resumed")
}

// IsHalted reports the current halt state and reason.
func (g *Governor) IsHalted() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.halted, g.haltReason
}
