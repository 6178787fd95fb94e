// Package monitor implements the PositionMonitor of §4.5: polling open positions
// at a configured interval and reporting live P&L, DTE, and distance-to-strike,
// raising alerts as thresholds are approached.
package monitor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/axels2025/naked-put-agent/internal/broker"
	"github.com/axels2025/naked-put-agent/internal/config"
	"github.com/axels2025/naked-put-agent/internal/models"
)

const defaultPollInterval = 15 * time.Minute

// alertApproachFraction is how close (as a fraction of the distance between entry
// and threshold) current_pnl_pct must be before an "approaching" alert fires.
const alertApproachFraction = 0.90

// PositionID is deterministic from (symbol, strike, expiration) so repeated scans
// stably refer to the same logical position, per §4.5.
func PositionID(symbol string, strike float64, expiration time.Time) string {
	input := fmt.Sprintf("%s|%.4f|%s", symbol, strike, expiration.UTC().Format("2006-01-02"))
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// AlertKind identifies which threshold a Snapshot is approaching.
type AlertKind string

const (
	AlertApproachingProfitTarget AlertKind = "approaching_profit_target"
	AlertApproachingStopLoss     AlertKind = "approaching_stop_loss"
	AlertApproachingTimeExit     AlertKind = "approaching_time_exit"
)

// Alert is emitted when a position's live state crosses an approach threshold.
type Alert struct {
	PositionID string
	Kind       AlertKind
	Trade      *models.Trade
}

// Snapshot is one poll's computed view of an open position.
type Snapshot struct {
	PositionID          string
	Trade               *models.Trade
	CurrentPnL          float64
	CurrentPnLPct       float64
	DTE                 int
	DistanceToStrikePct float64
}

// Monitor polls open positions on an interval and computes their live state.
type Monitor struct {
	broker       broker.Broker
	exitCfg      *config.ExitConfig
	log          *logrus.Entry
	pollInterval time.Duration
}

// NewMonitor constructs a Monitor bound to exitCfg's thresholds for alerting.
func NewMonitor(b broker.Broker, exitCfg *config.ExitConfig, log *logrus.Logger) *Monitor {
	return &Monitor{
		broker:       b,
		exitCfg:      exitCfg,
		log:          log.WithField("component", "position_monitor"),
		pollInterval: defaultPollInterval,
	}
}

// SetPollInterval overrides the polling cadence; intended for tests.
func (m *Monitor) SetPollInterval(d time.Duration) {
	m.pollInterval = d
}

// OpenPosition is the minimal data the Monitor needs to poll one open trade.
type OpenPosition struct {
	Trade      *models.Trade
	ContractID int64
	StockPrice float64 // last known underlying price, refreshed per poll
}

// Poll evaluates one position against a fresh broker quote, returning its
// computed Snapshot and any Alerts raised by approaching thresholds.
func (m *Monitor) Poll(ctx context.Context, pos OpenPosition) (Snapshot, []Alert, error) {
	contract := broker.Contract{ContractID: pos.ContractID, Symbol: pos.Trade.Symbol, Strike: pos.Trade.Strike}
	quote, err := m.broker.RequestMarketData(ctx, contract)
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("request market data for trade %s: %w", pos.Trade.TradeID, err)
	}

	underlying, err := m.broker.RequestMarketData(ctx, broker.Contract{Symbol: pos.Trade.Symbol})
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("request underlying quote for %s: %w", pos.Trade.Symbol, err)
	}

	currentMid := (quote.Bid + quote.Ask) / 2
	pnl := (pos.Trade.EntryPremium - currentMid) * float64(pos.Trade.Contracts) * 100
	var pnlPct float64
	if pos.Trade.EntryPremium != 0 {
		pnlPct = pnl / (pos.Trade.EntryPremium * float64(pos.Trade.Contracts) * 100)
	}

	var distancePct float64
	if underlying.Last > 0 {
		distancePct = (underlying.Last - pos.Trade.Strike) / underlying.Last
	}

	snap := Snapshot{
		PositionID:          PositionID(pos.Trade.Symbol, pos.Trade.Strike, pos.Trade.Expiration),
		Trade:               pos.Trade,
		CurrentPnL:          pnl,
		CurrentPnLPct:       pnlPct,
		DTE:                 pos.Trade.DTE(time.Now()),
		DistanceToStrikePct: distancePct,
	}

	return snap, m.alertsFor(snap), nil
}

// alertsFor raises an alert once a position's live state crosses
// alertApproachFraction of the distance to a configured exit threshold.
func (m *Monitor) alertsFor(snap Snapshot) []Alert {
	var alerts []Alert

	if m.exitCfg.ProfitTargetPct > 0 && snap.CurrentPnLPct >= m.exitCfg.ProfitTargetPct*alertApproachFraction {
		alerts = append(alerts, Alert{PositionID: snap.PositionID, Kind: AlertApproachingProfitTarget, Trade: snap.Trade})
	}
	if m.exitCfg.StopLossPct < 0 && snap.CurrentPnLPct <= m.exitCfg.StopLossPct*alertApproachFraction {
		alerts = append(alerts, Alert{PositionID: snap.PositionID, Kind: AlertApproachingStopLoss, Trade: snap.Trade})
	}
	approachDTE := int(float64(m.exitCfg.TimeExitDTE) / alertApproachFraction)
	if approachDTE < m.exitCfg.TimeExitDTE {
		approachDTE = m.exitCfg.TimeExitDTE
	}
	if snap.DTE <= approachDTE+1 && snap.DTE > m.exitCfg.TimeExitDTE {
		alerts = append(alerts, Alert{PositionID: snap.PositionID, Kind: AlertApproachingTimeExit, Trade: snap.Trade})
	}

	if len(alerts) > 0 {
		m.log.WithFields(logrus.Fields{
			"trade_id": snap.Trade.TradeID,
			"count":    len(alerts),
		}).Info("position monitor raised threshold-approach alerts")
	}
	return alerts
}

// Run polls all positions returned by list on m's configured interval until ctx
// is cancelled, invoking onAlert for every Alert raised. Per-position poll errors
// are logged and do not stop the loop.
func (m *Monitor) Run(ctx context.Context, list func(context.Context) ([]OpenPosition, error), onAlert func(Alert)) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			positions, err := list(ctx)
			if err != nil {
				m.log.WithError(err).Warn("failed to list open positions for monitoring cycle")
				continue
			}
			for _, pos := range positions {
				_, alerts, err := m.Poll(ctx, pos)
				if err != nil {
					m.log.WithError(err).WithField("trade_id", pos.Trade.TradeID).Warn("poll failed for position")
					continue
				}
				for _, a := range alerts {
					onAlert(a)
				}
			}
		}
	}
}
