// Package execute implements the OrderExecutor of §4.3: turning an approved
// Opportunity into a placed order, polling it to a terminal status, and recording
// the resulting Trade.
package execute

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/axels2025/naked-put-agent/internal/broker"
	"github.com/axels2025/naked-put-agent/internal/config"
	"github.com/axels2025/naked-put-agent/internal/models"
	"github.com/axels2025/naked-put-agent/internal/util"
)

// optionTick is the minimum price increment IBKR quotes most equity options in.
const optionTick = 0.01

const (
	entryLimitFraction  = 0.5 // limit price is 0.5x mid premium, per §4.3
	defaultPollInterval = 1 * time.Second
	maxWaitMarket       = 30 * time.Second
	maxWaitLimit        = 10 * time.Second
)

// ErrLiveModeInterlock is returned when execute_trade is attempted outside paper
// mode without the broker port matching the configured paper port. No flag or
// option bypasses this interlock.
var ErrLiveModeInterlock = fmt.Errorf("live trading interlock: refusing to place a real order outside paper mode")

// ErrMissingTradingClass is returned when an Opportunity lacks the trading-class
// identifier the broker requires for short put orders.
var ErrMissingTradingClass = fmt.Errorf("trading class not specified")

// SnapshotCapturer persists a Trade alongside its EntrySnapshot in a single
// transaction. Capture failures never fail the trade itself, per §4.3.
type SnapshotCapturer interface {
	CaptureEntrySnapshot(ctx context.Context, trade *models.Trade, opp *models.Opportunity) error
}

// Executor places entry orders for approved opportunities and records the
// resulting Trade, enforcing the paper-mode interlock on every call.
type Executor struct {
	broker       broker.Broker
	cfg          *config.TradingConfig
	strategy     *config.StrategyConfig
	snapshots    SnapshotCapturer
	log          *logrus.Entry
	pollInterval time.Duration
}

// NewExecutor constructs an Executor. snapshots may be nil, in which case entry
// snapshot capture is skipped entirely (useful in tests and dry-run harnesses).
// strategy supplies the configured contract count (§6's contracts=5 default);
// a nil strategy or a non-positive Contracts falls back to one contract per
// order rather than panicking.
func NewExecutor(b broker.Broker, cfg *config.TradingConfig, strategy *config.StrategyConfig, snapshots SnapshotCapturer, log *logrus.Logger) *Executor {
	return &Executor{
		broker:       b,
		cfg:          cfg,
		strategy:     strategy,
		snapshots:    snapshots,
		log:          log.WithField("component", "executor"),
		pollInterval: defaultPollInterval,
	}
}

// contracts returns the configured order size, defaulting to one contract when
// no strategy config was supplied or it has not been normalized/validated yet.
func (e *Executor) contracts() int {
	if e.strategy == nil || e.strategy.Contracts <= 0 {
		return 1
	}
	return e.strategy.Contracts
}

// SetPollInterval overrides the status-polling cadence; intended for tests that
// need the poll loop to converge quickly.
func (e *Executor) SetPollInterval(d time.Duration) {
	e.pollInterval = d
}

// Result is the outcome of a successful ExecuteTrade call.
type Result struct {
	Trade        *models.Trade
	AvgFillPrice float64
	OrderID      string
}

// ExecuteTrade places a short put order for opp and polls it to a terminal
// status. The paper-mode interlock and the trading-class check run first on every
// call, dry runs included; DryRun then short-circuits to a synthetic fill without
// contacting the broker, per §4.3.
func (e *Executor) ExecuteTrade(ctx context.Context, opp *models.Opportunity) (*Result, error) {
	if err := e.checkInterlock(); err != nil {
		return nil, err
	}
	if opp.TradingClass == "" {
		return nil, ErrMissingTradingClass
	}

	if e.cfg.DryRun {
		return e.dryRunFill(opp), nil
	}

	// Flooring the sell credit to the tick keeps the ask at or below mid rather
	// than rounding it up past what the book will actually fill.
	limitPrice := util.FloorToTick(opp.Mid*entryLimitFraction, optionTick)
	contracts := e.contracts()
	order := broker.Order{
		ContractID:   opp.ContractID,
		TradingClass: opp.TradingClass,
		Action:       "SELL",
		Quantity:     contracts,
		OrderType:    "LIMIT",
		LimitPrice:   limitPrice,
	}

	placed, err := e.broker.PlaceOrder(ctx, order)
	if err != nil {
		return nil, &broker.ConnectionError{Host: e.cfg.IBKRHost, Port: e.cfg.IBKRPort, Err: err}
	}

	final, err := e.pollToTerminal(ctx, placed.OrderID, maxWaitLimit)
	if err != nil {
		return nil, err
	}
	if final.Status.IsTerminalFailure() {
		return nil, fmt.Errorf("order %s terminated with status %s", placed.OrderID, final.Status)
	}

	trade := models.NewTrade(opp.Symbol, opp.Strike, opp.Expiration, contracts, opp.Source)
	trade.MarkOpen(final.AvgFillPrice, time.Now().UTC(), placed.OrderID)

	if e.snapshots != nil {
		if err := e.snapshots.CaptureEntrySnapshot(ctx, trade, opp); err != nil {
			e.log.WithError(err).WithField("trade_id", trade.TradeID).
				Warn("entry snapshot capture failed, trade already recorded")
		}
	}

	return &Result{Trade: trade, AvgFillPrice: final.AvgFillPrice, OrderID: placed.OrderID}, nil
}

// checkInterlock enforces the paper-mode-or-paper-port rule of §4.3.
func (e *Executor) checkInterlock() error {
	if e.cfg.PaperTrading {
		return nil
	}
	if e.cfg.IBKRPort == config.DefaultIBKRPort {
		return nil
	}
	return ErrLiveModeInterlock
}

// dryRunFill synthesizes a filled trade without contacting the broker.
func (e *Executor) dryRunFill(opp *models.Opportunity) *Result {
	orderID := "dryrun-" + uuid.NewString()
	trade := models.NewTrade(opp.Symbol, opp.Strike, opp.Expiration, e.contracts(), opp.Source)
	trade.MarkOpen(opp.Mid, time.Now().UTC(), orderID)
	e.log.WithFields(logrus.Fields{"symbol": opp.Symbol, "strike": opp.Strike}).
		Info("dry run: synthesized fill without contacting the broker")
	return &Result{Trade: trade, AvgFillPrice: opp.Mid, OrderID: orderID}
}

// pollToTerminal polls orderID every pollInterval up to maxWait. PendingSubmit,
// PreSubmitted and Submitted keep it polling (not failure) per §4.3. Returns the
// last-observed OrderResult once Filled, Cancelled or Inactive is reached, or an
// error if maxWait elapses first.
func (e *Executor) pollToTerminal(ctx context.Context, orderID string, maxWait time.Duration) (*broker.OrderResult, error) {
	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		status, err := e.broker.PollOrderStatus(ctx, orderID)
		if err != nil {
			e.log.WithError(err).WithField("order_id", orderID).Warn("poll order status failed, retrying")
		} else if status.Status == broker.OrderStatusFilled || status.Status.IsTerminalFailure() {
			return status, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("order %s: timed out waiting for terminal status after %s", orderID, maxWait)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
