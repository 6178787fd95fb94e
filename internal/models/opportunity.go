// Package models provides the data structures and lifecycle state machines for the
// trading agent's core entities: Opportunity, Trade, the three snapshot kinds,
// DetectedPattern, and Session.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OpportunitySource tags where a candidate trade originated.
type OpportunitySource string

// Recognized opportunity sources.
const (
	SourceManualWeb OpportunitySource = "manual_web"
	SourceManualFile OpportunitySource = "manual_file"
	SourceScreener   OpportunitySource = "screener"
	SourceHybrid     OpportunitySource = "hybrid"
)

// TrendDirection classifies the underlying's short-term trend at enrichment time.
type TrendDirection string

// Recognized trend directions.
const (
	TrendUp      TrendDirection = "uptrend"
	TrendDown    TrendDirection = "downtrend"
	TrendSideway TrendDirection = "sideways"
)

// StateTransitionRecord is an immutable log entry for one Opportunity state change.
type StateTransitionRecord struct {
	From      OpportunityState `json:"from"`
	To        OpportunityState `json:"to"`
	Timestamp time.Time        `json:"timestamp"`
	Reason    string           `json:"reason"`
	Actor     string           `json:"actor"`
}

// Opportunity represents a candidate short-put trade on one underlying, strike, and
// expiration, moving through the state machine defined in opportunity_state_machine.go.
type Opportunity struct {
	ID     string  `json:"id"`
	Symbol string  `json:"symbol" validate:"required"`
	Strike float64 `json:"strike" validate:"gt=0"`
	// Expiration is truncated to the calendar date; option type is fixed to PUT.
	Expiration time.Time         `json:"expiration"`
	Source     OpportunitySource `json:"source" validate:"required"`
	CreatedAt  time.Time         `json:"created_at"`

	// Premium quote.
	Bid float64 `json:"bid"`
	Ask float64 `json:"ask"`
	Mid float64 `json:"mid"`

	StockPrice float64 `json:"stock_price"`

	// Computed metrics, filled in by the Enricher.
	OTMPct            float64        `json:"otm_pct"`
	DTE               int            `json:"dte"`
	MarginRequirement float64        `json:"margin_requirement"`
	MarginEfficiency  float64        `json:"margin_efficiency_pct"`
	Trend             TrendDirection `json:"trend_direction"`
	RankScore         float64        `json:"rank_score"`

	ContractID int64  `json:"contract_id"`
	TradingClass string `json:"trading_class"`

	state          OpportunityState
	transitions    []StateTransitionRecord
	RejectReason   string `json:"reject_reason,omitempty"`
}

// NewOpportunity constructs a PENDING opportunity from its identity keys.
func NewOpportunity(symbol string, strike float64, expiration time.Time, source OpportunitySource) *Opportunity {
	now := time.Now().UTC()
	o := &Opportunity{
		ID:         uuid.New().String(),
		Symbol:     symbol,
		Strike:     strike,
		Expiration: expiration.Truncate(24 * time.Hour),
		Source:     source,
		CreatedAt:  now,
		state:       StatePending,
	}
	o.transitions = []StateTransitionRecord{{
		From:      "",
		To:        StatePending,
		Timestamp: now,
		Reason:    "created",
		Actor:     string(source),
	}}
	return o
}

// Hash returns the idempotency key hash(symbol,strike,expiration,type,creation_date).
// Option type is fixed to PUT per §3, so it is folded into the hash input as a constant
// to keep the key stable if the system ever grows call support.
func (o *Opportunity) Hash() string {
	return OpportunityHash(o.Symbol, o.Strike, o.Expiration, o.CreatedAt)
}

// OpportunityHash computes the idempotency hash independent of any Opportunity instance,
// so callers can compute it from raw candidate fields before an Opportunity exists.
func OpportunityHash(symbol string, strike float64, expiration, creationDate time.Time) string {
	input := fmt.Sprintf("%s|%.4f|%s|PUT|%s",
		symbol,
		strike,
		expiration.UTC().Format("2006-01-02"),
		creationDate.UTC().Format("2006-01-02"))
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// State returns the current lifecycle state.
func (o *Opportunity) State() OpportunityState { return o.state }

// Transitions returns a copy of the recorded transition history.
func (o *Opportunity) Transitions() []StateTransitionRecord {
	out := make([]StateTransitionRecord, len(o.transitions))
	copy(out, o.transitions)
	return out
}

// Transition validates and applies a state change, appending a timestamped record.
// Every transition is recorded per §3 ("Each transition is recorded with (from, to,
// timestamp, reason, actor)") and §8 ("every transition has a recorded timestamp").
func (o *Opportunity) Transition(to OpportunityState, reason, actor string) error {
	if err := validateOpportunityTransition(o.state, to); err != nil {
		return err
	}
	now := time.Now().UTC()
	o.transitions = append(o.transitions, StateTransitionRecord{
		From:      o.state,
		To:        to,
		Timestamp: now,
		Reason:    reason,
		Actor:     actor,
	})
	o.state = to
	return nil
}

// SetState forcibly sets the current state without validating a transition. Storage
// uses this to rehydrate an Opportunity read back from the database; callers driving
// the live pipeline should use Transition instead.
func (o *Opportunity) SetState(s OpportunityState) {
	o.state = s
}

// IsTerminal reports whether the opportunity has reached one of the lifecycle's
// terminal states (EXECUTED, FAILED, EXPIRED, REJECTED per §3).
func (o *Opportunity) IsTerminal() bool {
	switch o.state {
	case StateExecuted, StateFailed, StateExpired, StateRejected:
		return true
	default:
		return false
	}
}
