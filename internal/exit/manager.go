// Package exit implements the ExitManager of §4.4: deciding when an open Trade
// should close, placing the exit order, and polling it to a terminal status without
// the single-shot-check defect the spec explicitly calls out.
package exit

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/axels2025/naked-put-agent/internal/broker"
	"github.com/axels2025/naked-put-agent/internal/config"
	"github.com/axels2025/naked-put-agent/internal/models"
	"github.com/axels2025/naked-put-agent/internal/util"
)

const defaultPollInterval = 1 * time.Second
const optionTick = 0.01

// Position is the minimal live view an exit decision needs: the Trade plus the
// current mark the broker reports for its short put.
type Position struct {
	Trade         *models.Trade
	CurrentPnLPct float64 // (entry_premium - current_premium) / entry_premium
	ContractID    int64
	TradingClass  string
	LimitPrice    float64 // limit price to use if the exit order type is LIMIT
}

// SnapshotCapturer persists a just-closed Trade alongside its ExitSnapshot.
type SnapshotCapturer interface {
	CaptureExitSnapshot(ctx context.Context, trade *models.Trade) error
}

// Manager evaluates exit conditions and carries closing trades through to a
// terminal broker status.
type Manager struct {
	broker       broker.Broker
	cfg          *config.ExitConfig
	snapshots    SnapshotCapturer
	log          *logrus.Entry
	pollInterval time.Duration
}

// NewManager constructs a Manager. snapshots may be nil to skip exit snapshot
// capture (tests, dry-run harnesses).
func NewManager(b broker.Broker, cfg *config.ExitConfig, snapshots SnapshotCapturer, log *logrus.Logger) *Manager {
	return &Manager{
		broker:       b,
		cfg:          cfg,
		snapshots:    snapshots,
		log:          log.WithField("component", "exit_manager"),
		pollInterval: defaultPollInterval,
	}
}

// SetPollInterval overrides the status-polling cadence; intended for tests.
func (m *Manager) SetPollInterval(d time.Duration) {
	m.pollInterval = d
}

// Decision is the outcome of evaluating a position's exit conditions.
type Decision struct {
	ShouldExit bool
	Reason     models.ExitReason
}

// Evaluate applies the §4.4 priority order — profit_target > stop_loss >
// time_exit — returning the highest-priority condition that matches.
func (m *Manager) Evaluate(pos Position) Decision {
	if pos.CurrentPnLPct >= m.cfg.ProfitTargetPct {
		return Decision{ShouldExit: true, Reason: models.ExitReasonProfitTarget}
	}
	if pos.CurrentPnLPct <= m.cfg.StopLossPct {
		return Decision{ShouldExit: true, Reason: models.ExitReasonStopLoss}
	}
	if pos.Trade.DTE(time.Now()) <= m.cfg.TimeExitDTE {
		return Decision{ShouldExit: true, Reason: models.ExitReasonTimeExit}
	}
	return Decision{}
}

// orderTypeFor returns the broker order type for reason, per §4.4: profit_target
// and time_exit use LIMIT, stop_loss and emergency use MARKET.
func orderTypeFor(reason models.ExitReason) string {
	switch reason {
	case models.ExitReasonStopLoss, models.ExitReasonEmergency:
		return "MARKET"
	default:
		return "LIMIT"
	}
}

func maxWaitFor(orderType string) time.Duration {
	if orderType == "MARKET" {
		return 30 * time.Second
	}
	return 10 * time.Second
}

// Exit places a closing BUY order for pos at reason's priority, polls it to a
// terminal status, and on fill atomically closes the Trade and captures its exit
// snapshot. It implements the exact polling contract of §4.4 to avoid the
// documented single-shot-check defect: every non-terminal status keeps polling,
// and exhausting max_wait is reported as a timeout, never as a failure.
func (m *Manager) Exit(ctx context.Context, pos Position, reason models.ExitReason) error {
	orderType := orderTypeFor(reason)

	order := broker.Order{
		ContractID:   pos.ContractID,
		TradingClass: pos.TradingClass,
		Action:       "BUY",
		Quantity:     pos.Trade.Contracts,
		OrderType:    orderType,
	}
	if orderType == "LIMIT" {
		order.LimitPrice = pos.CurrentLimitPrice()
	}

	placed, err := m.broker.PlaceOrder(ctx, order)
	if err != nil {
		return &broker.ConnectionError{Err: err}
	}

	final, err := m.pollToTerminal(ctx, placed.OrderID, maxWaitFor(orderType))
	if err != nil {
		return err
	}

	switch {
	case final.Status == broker.OrderStatusFilled:
		pos.Trade.Close(time.Now().UTC(), final.AvgFillPrice, reason, placed.OrderID)
		if m.snapshots != nil {
			if err := m.snapshots.CaptureExitSnapshot(ctx, pos.Trade); err != nil {
				m.log.WithError(err).WithField("trade_id", pos.Trade.TradeID).
					Warn("exit snapshot capture failed, position already closed")
			}
		}
		return nil
	case final.Status.IsTerminalFailure():
		return fmt.Errorf("exit order %s for trade %s terminated with status %s", placed.OrderID, pos.Trade.TradeID, final.Status)
	default:
		return fmt.Errorf("unexpected non-terminal status %s returned from pollToTerminal", final.Status)
	}
}

// pollToTerminal waits up to maxWait, probing every m.pollInterval, treating
// PendingSubmit/PreSubmitted/Submitted as working. It never concludes "failed"
// from a single working observation — only Filled/Cancelled/Inactive are
// terminal, and exhausting maxWait is reported as a timeout.
func (m *Manager) pollToTerminal(ctx context.Context, orderID string, maxWait time.Duration) (*broker.OrderResult, error) {
	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		status, err := m.broker.PollOrderStatus(ctx, orderID)
		if err != nil {
			m.log.WithError(err).WithField("order_id", orderID).Warn("poll exit order status failed, retrying")
		} else if status.Status == broker.OrderStatusFilled || status.Status.IsTerminalFailure() {
			return status, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("exit order %s: timeout waiting for terminal status after %s", orderID, maxWait)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CurrentLimitPrice is the limit price used for LIMIT exits, ceiled to the
// option tick since closing a short put is a buy-to-close debit.
func (p Position) CurrentLimitPrice() float64 {
	return util.CeilToTick(p.LimitPrice, optionTick)
}

// EmergencyExitAll iterates positions, logging each attempt at error level,
// continuing past individual failures, and returning every position's outcome
// per §4.4's emergency-exit-all semantics.
func (m *Manager) EmergencyExitAll(ctx context.Context, positions []Position) map[string]error {
	outcomes := make(map[string]error, len(positions))
	for _, pos := range positions {
		m.log.WithField("trade_id", pos.Trade.TradeID).Error("emergency exit: closing position")
		err := m.Exit(ctx, pos, models.ExitReasonEmergency)
		outcomes[pos.Trade.TradeID] = err
		if err != nil {
			m.log.WithError(err).WithField("trade_id", pos.Trade.TradeID).
				Error("emergency exit failed for position, continuing to next")
		}
	}
	return outcomes
}
