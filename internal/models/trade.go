package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TradeStatus is the coarse lifecycle status of a realized short-put position. Unlike
// the teacher's football-system StateMachine (first/second/third/fourth down, rolling,
// adjusting — a strangle-management concept this spec does not have), a Trade here only
// needs to distinguish "still working the fill", "open and being monitored", and
// "closed" — the richer per-position management state belongs to ExitManager decisions,
// not to the Trade record itself.
type TradeStatus string

// Recognized trade statuses.
const (
	TradeStatusWorking TradeStatus = "working" // entry order placed, not yet filled
	TradeStatusOpen    TradeStatus = "open"    // entry filled, position live
	TradeStatusClosed  TradeStatus = "closed"  // exit filled
)

// ExitReason enumerates why a Trade was closed, per §3/§4.4.
type ExitReason string

// Recognized exit reasons.
const (
	ExitReasonProfitTarget ExitReason = "profit_target"
	ExitReasonStopLoss     ExitReason = "stop_loss"
	ExitReasonTimeExit     ExitReason = "time_exit"
	ExitReasonManual       ExitReason = "manual"
	ExitReasonEmergency    ExitReason = "emergency"
	ExitReasonExpiration   ExitReason = "expiration"
)

// Trade is a realized short-put position after a successful entry fill.
type Trade struct {
	TradeID    string      `json:"trade_id"`
	Symbol     string      `json:"symbol"`
	Strike     float64     `json:"strike"`
	Expiration time.Time   `json:"expiration"`
	Contracts  int         `json:"contracts"`
	Status     TradeStatus `json:"status"`

	EntryPremium float64   `json:"entry_premium"`
	EntryDate    time.Time `json:"entry_date"`
	EntryOrderID string    `json:"entry_order_id"`

	// Nullable exit fields. Invariant (§8): all four are null, or all four are set.
	ExitDate    *time.Time  `json:"exit_date,omitempty"`
	ExitPremium *float64    `json:"exit_premium,omitempty"`
	ExitReason  *ExitReason `json:"exit_reason,omitempty"`
	ProfitLoss  *float64    `json:"profit_loss,omitempty"`
	ProfitPct   *float64    `json:"profit_pct,omitempty"`
	ExitOrderID string      `json:"exit_order_id,omitempty"`

	EntrySnapshotID string  `json:"entry_snapshot_id"`
	ExitSnapshotID  *string `json:"exit_snapshot_id,omitempty"`

	DataSource OpportunitySource `json:"data_source"`
}

// NewTrade creates a Trade in the "working" status from a filled-or-filling entry order.
func NewTrade(symbol string, strike float64, expiration time.Time, contracts int, source OpportunitySource) *Trade {
	return &Trade{
		TradeID:    uuid.New().String(),
		Symbol:     symbol,
		Strike:     strike,
		Expiration: expiration.Truncate(24 * time.Hour),
		Contracts:  contracts,
		Status:     TradeStatusWorking,
		DataSource: source,
	}
}

// MarkOpen transitions a working Trade to open once the entry order fills.
func (t *Trade) MarkOpen(entryPremium float64, entryDate time.Time, entryOrderID string) {
	t.EntryPremium = entryPremium
	t.EntryDate = entryDate
	t.EntryOrderID = entryOrderID
	t.Status = TradeStatusOpen
}

// DTE returns days-to-expiration, exclusive of today, per the GLOSSARY definition.
func (t *Trade) DTE(asOf time.Time) int {
	days := int(t.Expiration.Truncate(24*time.Hour).Sub(asOf.Truncate(24*time.Hour)).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// Close applies the exit quadruple atomically and computes profit_loss/profit_pct,
// enforcing the §8 invariant that the four exit fields are all-null or all-set.
func (t *Trade) Close(exitDate time.Time, exitPremium float64, reason ExitReason, exitOrderID string) {
	pnl := (t.EntryPremium - exitPremium) * float64(t.Contracts) * 100
	var pct float64
	if t.EntryPremium != 0 {
		pct = pnl / (t.EntryPremium * float64(t.Contracts) * 100)
	}
	t.ExitDate = &exitDate
	t.ExitPremium = &exitPremium
	t.ExitReason = &reason
	t.ProfitLoss = &pnl
	t.ProfitPct = &pct
	t.ExitOrderID = exitOrderID
	t.Status = TradeStatusClosed
}

// ValidateExitInvariant checks the §8 all-or-nothing rule on the four exit fields.
func (t *Trade) ValidateExitInvariant() error {
	set := 0
	total := 4
	if t.ExitDate != nil {
		set++
	}
	if t.ExitPremium != nil {
		set++
	}
	if t.ExitReason != nil {
		set++
	}
	if t.ProfitLoss != nil {
		set++
	}
	if set != 0 && set != total {
		return fmt.Errorf("trade %s has partial exit fields set (%d/%d)", t.TradeID, set, total)
	}
	return nil
}

// IsClosed reports whether the trade has a recorded exit.
func (t *Trade) IsClosed() bool {
	return t.Status == TradeStatusClosed
}
