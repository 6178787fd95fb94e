// Package orchestrator drives the §2/§5 scan→enrich→risk-gate→offer→execute→capture
// cycle, wiring the Enricher, RiskGovernor, OrderExecutor, ExitManager,
// PositionMonitor, and SnapshotServices together around one shared broker
// connection and persisting a Session recovery marker at every phase boundary.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/axels2025/naked-put-agent/internal/broker"
	"github.com/axels2025/naked-put-agent/internal/config"
	"github.com/axels2025/naked-put-agent/internal/enrich"
	"github.com/axels2025/naked-put-agent/internal/execute"
	"github.com/axels2025/naked-put-agent/internal/exit"
	"github.com/axels2025/naked-put-agent/internal/models"
	"github.com/axels2025/naked-put-agent/internal/monitor"
	"github.com/axels2025/naked-put-agent/internal/risk"
	"github.com/axels2025/naked-put-agent/internal/screener"
)

// Candidate is the minimal scan-phase input the Orchestrator needs, satisfied by
// both screener.Candidate (converted) and manually submitted web/file candidates
// per §1's three entry sources.
type Candidate struct {
	Symbol     string
	Strike     float64
	Expiration time.Time
	Source     models.OpportunitySource
}

// Scanner supplies scan-phase candidates. The screener.Client implements this via
// ScanScreener; manual web/file submissions go through ScanManual instead.
type Scanner interface {
	Scan(ctx context.Context) ([]Candidate, error)
}

// Store is the subset of internal/storage.Store the Orchestrator needs for
// opportunity persistence and open-position/sector lookups.
type Store interface {
	UpsertOpportunity(ctx context.Context, o *models.Opportunity) error
	SaveOpportunityTransition(ctx context.Context, opportunityID string, rec models.StateTransitionRecord) error
	GetOpportunityByHash(ctx context.Context, hash string) (*models.Opportunity, error)
	ListOpenTrades(ctx context.Context) ([]*models.Trade, error)
	GetEntrySnapshot(ctx context.Context, tradeID string) (*models.EntrySnapshot, error)
}

// AccountSource supplies the account state the RiskGovernor checks against.
type AccountSource interface {
	GetAccountSummary(ctx context.Context) (*broker.AccountSummary, error)
	DailyPnLPct(ctx context.Context) (float64, error)
}

// toAccountState maps the broker's account figures onto the narrower view the
// RiskGovernor evaluates limits against.
func toAccountState(a *broker.AccountSummary) risk.AccountState {
	return risk.AccountState{
		Equity:      a.NetLiquidation,
		BuyingPower: a.BuyingPower,
		MarginUsed:  a.MaintenanceMargin,
	}
}

// sectorOf looks up a coarse sector classification for symbols this agent is
// likely to trade. No broker or data-provider endpoint supplies sector
// classification directly, so this is a small static table rather than a live
// call; an unknown symbol returns "", which CheckPreTrade treats as "skip the
// sector-concentration check" rather than failing closed.
var knownSectors = map[string]string{
	"SPY": "broad_market", "QQQ": "tech", "IWM": "small_cap",
	"XLF": "financials", "XLE": "energy", "XLK": "tech", "XLV": "healthcare",
}

func sectorOf(symbol string) string {
	return knownSectors[symbol]
}

// SessionStore persists a recovery marker for the current cycle.
type SessionStore interface {
	Save(sess *models.Session) error
	Resumable() ([]*models.Session, error)
}

// Orchestrator ties one trading cycle's components together.
type Orchestrator struct {
	scanner   Scanner
	enricher  *enrich.Enricher
	governor  *risk.Governor
	executor  Executor
	exitMgr   *exit.Manager
	monitor   *monitor.Monitor
	store     Store
	accounts  AccountSource
	sessions  SessionStore
	strategy  *config.StrategyConfig
	log       *logrus.Entry

	// contractMeta caches the (contract_id, trading_class) pair a Trade was
	// opened with, since neither Trade nor EntrySnapshot persists them and the
	// broker has no "look up the contract for this trade" call. Populated at
	// execution time by executeOne, and nowhere else; a process restart loses
	// this cache, and EvaluateExits then logs and skips such a trade on every
	// poll because it cannot place a closing order for it.
	contractMu   sync.Mutex
	contractMeta map[string]contractRef
}

type contractRef struct {
	ContractID   int64
	TradingClass string
	StockPrice   float64
}

// Executor is the subset of execute.Executor the Orchestrator drives.
type Executor interface {
	ExecuteTrade(ctx context.Context, opp *models.Opportunity) (*execute.Result, error)
}

// New constructs an Orchestrator from its already-built component dependencies.
func New(scanner Scanner, enricher *enrich.Enricher, governor *risk.Governor, executor Executor,
	exitMgr *exit.Manager, mon *monitor.Monitor, store Store, accounts AccountSource, sessions SessionStore,
	strategy *config.StrategyConfig, log *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		scanner:  scanner,
		enricher: enricher,
		governor: governor,
		executor: executor,
		exitMgr:  exitMgr,
		monitor:  mon,
		store:    store,
		accounts: accounts,
		sessions: sessions,
		strategy: strategy,
		log:      log.WithField("component", "orchestrator"),
		contractMeta: make(map[string]contractRef),
	}
}

// CycleResult summarizes one RunCycle invocation for logging and tests.
type CycleResult struct {
	Scanned  int
	Enriched int
	Offered  int
	Executed int
	Rejected int
	Errors   []error
}

// RunCycle executes one full scan→enrich→risk-gate→offer→execute→capture pass,
// persisting a Session recovery marker at every phase boundary per §5's
// crash-recovery requirement. A halted Governor short-circuits immediately after
// the scan phase so an in-flight halt never blocks the cycle from recording that
// it ran.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleResult, error) {
	sess := models.NewSession(uuid.NewString())
	result := &CycleResult{}

	candidates, err := o.scanner.Scan(ctx)
	if err != nil {
		return result, fmt.Errorf("scan phase: %w", err)
	}
	result.Scanned = len(candidates)
	sess.Advance(models.PhaseScan)
	o.saveSession(sess)

	if halted, reason := o.governor.IsHalted(); halted {
		o.log.WithField("reason", reason).Warn("trading halted, skipping enrich onward this cycle")
		sess.Complete()
		o.saveSession(sess)
		return result, nil
	}

	opps := make([]*models.Opportunity, 0, len(candidates))
	for _, c := range candidates {
		opp := models.NewOpportunity(c.Symbol, c.Strike, c.Expiration, c.Source)
		if existing, err := o.store.GetOpportunityByHash(ctx, opp.Hash()); err == nil && existing != nil {
			opp = existing
		}
		opps = append(opps, opp)
		sess.Opportunities = append(sess.Opportunities, opp.ID)
	}

	for _, opp := range opps {
		if err := o.enricher.Enrich(ctx, opp); err != nil {
			o.rejectOrSkip(opp, "enrichment failed: "+err.Error())
			result.Errors = append(result.Errors, err)
			continue
		}
		_ = opp.Transition(models.StateEnriched, "broker enrichment attached live data", "orchestrator")
		result.Enriched++

		if ok, reason := enrich.Validate(opp, o.strategy); !ok {
			o.rejectOrSkip(opp, reason)
			continue
		}
		_ = opp.Transition(models.StateValidated, "passed validator thresholds", "orchestrator")

		o.persist(ctx, opp)
	}
	sess.Advance(models.PhaseEnrich)
	o.saveSession(sess)

	ranked := o.offer(opps)
	sess.Advance(models.PhaseRiskGate)
	sess.Advance(models.PhaseOffer)
	o.saveSession(sess)

	o.riskGateAndExecute(ctx, ranked, sess, result)
	sess.Advance(models.PhaseExecute)
	o.saveSession(sess)

	sess.Advance(models.PhaseCapture)
	sess.Complete()
	o.saveSession(sess)

	return result, nil
}

// offer ranks validated opportunities by rank_score, highest first; §2 leaves
// offer-acceptance policy to the caller, so this Orchestrator considers every
// validated candidate, in that order, for the risk gate and execution below.
// The OFFERED/APPROVED transitions happen later, per candidate, in
// riskGateAndExecute — ranking a candidate here does not itself accept it.
func (o *Orchestrator) offer(opps []*models.Opportunity) []*models.Opportunity {
	var validated []*models.Opportunity
	for _, opp := range opps {
		if opp.State() == models.StateValidated {
			validated = append(validated, opp)
		}
	}
	sorted := append([]*models.Opportunity{}, validated...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1].RankScore < sorted[j].RankScore; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return sorted
}

// contractsPerOrder returns the configured order size, defaulting to one when
// unset, mirroring execute.Executor's own fallback.
func (o *Orchestrator) contractsPerOrder() int {
	if o.strategy == nil || o.strategy.Contracts <= 0 {
		return 1
	}
	return o.strategy.Contracts
}

// riskGateAndExecute walks ranked candidates highest rank_score first, gating
// and executing them one at a time rather than gating the whole batch against
// one pre-cycle snapshot. Every candidate is re-checked against the Governor's
// live state — including trades_today and the positions this very cycle has
// already opened — so a later candidate in the same cycle sees the effect of
// an earlier one's fill, per §4.2's "trades_today increments on an
// Opportunity's APPROVED -> EXECUTING transition" and concrete scenario 1
// (the 11th of 11 same-cycle candidates is rejected once the 10th fills).
func (o *Orchestrator) riskGateAndExecute(ctx context.Context, ranked []*models.Opportunity, sess *models.Session, result *CycleResult) {
	openTrades, err := o.store.ListOpenTrades(ctx)
	if err != nil {
		o.log.WithError(err).Error("failed to list open trades for risk gate, treating as zero positions")
	}
	positions := make([]risk.PositionSummary, 0, len(openTrades))
	for _, t := range openTrades {
		sector := ""
		if entry, err := o.store.GetEntrySnapshot(ctx, t.TradeID); err == nil && entry != nil {
			sector = entry.Sector
		}
		positions = append(positions, risk.PositionSummary{
			Symbol:     t.Symbol,
			Sector:     sector,
			MarginUsed: t.EntryPremium * float64(t.Contracts) * 100,
		})
	}

	account, err := o.accounts.GetAccountSummary(ctx)
	if err != nil {
		o.log.WithError(err).Error("failed to read account summary, skipping risk gate this cycle")
		return
	}
	dailyPnLPct, err := o.accounts.DailyPnLPct(ctx)
	if err != nil {
		o.log.WithError(err).Warn("failed to compute daily PnL pct, treating as zero")
	}

	accountState := toAccountState(account)
	contracts := o.contractsPerOrder()

	for _, opp := range ranked {
		ok, reason := o.governor.CheckPreTrade(opp, contracts, positions, accountState, dailyPnLPct, sectorOf(opp.Symbol))
		if !ok {
			_ = opp.Transition(models.StateRiskBlocked, reason, "risk_governor")
			_ = opp.Transition(models.StateSkipped, "risk-blocked candidate skipped for this cycle", "orchestrator")
			o.persist(ctx, opp)
			continue
		}
		_ = opp.Transition(models.StateOffered, "passed all RiskGovernor pre-trade checks", "orchestrator")
		_ = opp.Transition(models.StateApproved, "accepted for execution", "orchestrator")
		o.persist(ctx, opp)
		result.Offered++
		sess.Approved = append(sess.Approved, opp.ID)

		if err := o.executeOne(ctx, opp); err != nil {
			result.Errors = append(result.Errors, err)
			sess.Failed = append(sess.Failed, opp.ID)
			continue
		}
		result.Executed++
		sess.Executed = append(sess.Executed, opp.ID)

		// Grow the in-cycle position snapshot so the next candidate's risk gate
		// sees this fill's margin and sector, not just the pre-cycle state.
		positions = append(positions, risk.PositionSummary{
			Symbol:     opp.Symbol,
			Sector:     sectorOf(opp.Symbol),
			MarginUsed: opp.MarginRequirement * float64(contracts),
		})
	}
}

// executeOne places the entry order for an already-approved opportunity.
// RecordTradeEntry fires on the APPROVED -> EXECUTING transition, before
// ExecuteTrade is even called, per §4.2 — not after a successful fill, since
// the day's trade allowance must reflect an attempt in flight, not just
// attempts that happened to fill.
func (o *Orchestrator) executeOne(ctx context.Context, opp *models.Opportunity) error {
	_ = opp.Transition(models.StateExecuting, "order placement started", "orchestrator")
	o.governor.RecordTradeEntry()
	o.persist(ctx, opp)

	res, err := o.executor.ExecuteTrade(ctx, opp)
	if err != nil {
		_ = opp.Transition(models.StateFailed, "entry order cancelled or inactive: "+err.Error(), "orchestrator")
		o.persist(ctx, opp)
		return err
	}
	_ = opp.Transition(models.StateExecuted, "entry order filled", "orchestrator")
	if res.Trade != nil {
		o.contractMu.Lock()
		o.contractMeta[res.Trade.TradeID] = contractRef{
			ContractID:   opp.ContractID,
			TradingClass: opp.TradingClass,
			StockPrice:   opp.StockPrice,
		}
		o.contractMu.Unlock()
	}
	o.persist(ctx, opp)
	return nil
}

func (o *Orchestrator) rejectOrSkip(opp *models.Opportunity, reason string) {
	opp.RejectReason = reason
	_ = opp.Transition(models.StateRejected, reason, "orchestrator")
}

func (o *Orchestrator) persist(ctx context.Context, opp *models.Opportunity) {
	if err := o.store.UpsertOpportunity(ctx, opp); err != nil {
		o.log.WithError(err).WithField("opportunity_id", opp.ID).Error("failed to persist opportunity")
		return
	}
	transitions := opp.Transitions()
	if len(transitions) == 0 {
		return
	}
	if err := o.store.SaveOpportunityTransition(ctx, opp.ID, transitions[len(transitions)-1]); err != nil {
		o.log.WithError(err).WithField("opportunity_id", opp.ID).Error("failed to persist opportunity transition")
	}
}

func (o *Orchestrator) saveSession(sess *models.Session) {
	if err := o.sessions.Save(sess); err != nil {
		o.log.WithError(err).WithField("session_id", sess.ID).Error("failed to persist session recovery marker")
	}
}

// ExitResult summarizes one EvaluateExits pass.
type ExitResult struct {
	Polled  int
	Exited  int
	Alerts  []monitor.Alert
	Errors  []error
}

// EvaluateExits polls every open trade through the PositionMonitor, evaluates it
// against the ExitManager's priority order, and closes positions that clear a
// threshold. It is driven on its own interval, separate from RunCycle's
// scan→enrich→...→execute pipeline, since §4.4/§4.5 require continuous polling of
// open positions regardless of whether a new cycle is currently scanning.
func (o *Orchestrator) EvaluateExits(ctx context.Context) (*ExitResult, error) {
	trades, err := o.store.ListOpenTrades(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open trades: %w", err)
	}

	result := &ExitResult{}
	for _, t := range trades {
		o.contractMu.Lock()
		meta, known := o.contractMeta[t.TradeID]
		o.contractMu.Unlock()
		if !known {
			o.log.WithField("trade_id", t.TradeID).Warn("no cached contract metadata for open trade, skipping this poll")
			continue
		}

		snap, alerts, err := o.monitor.Poll(ctx, monitor.OpenPosition{
			Trade:      t,
			ContractID: meta.ContractID,
			StockPrice: meta.StockPrice,
		})
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		result.Polled++
		result.Alerts = append(result.Alerts, alerts...)

		pos := exit.Position{
			Trade:         t,
			CurrentPnLPct: snap.CurrentPnLPct,
			ContractID:    meta.ContractID,
			TradingClass:  meta.TradingClass,
		}
		decision := o.exitMgr.Evaluate(pos)
		if !decision.ShouldExit {
			continue
		}
		if err := o.exitMgr.Exit(ctx, pos, decision.Reason); err != nil {
			o.log.WithError(err).WithField("trade_id", t.TradeID).Error("exit order failed")
			result.Errors = append(result.Errors, err)
			continue
		}
		result.Exited++
	}
	return result, nil
}

// RecoverResumable logs every in-flight session found at startup, per §5's
// graceful-shutdown/crash-recovery contract. It does not resume, replay or clear
// those sessions; their markers stay in place, and the next scheduled RunCycle
// starts a fresh session from the scan phase. Re-running phases is safe because
// every phase here is idempotent against the opportunity_hash-keyed Upsert.
func (o *Orchestrator) RecoverResumable() {
	sessions, err := o.sessions.Resumable()
	if err != nil {
		o.log.WithError(err).Error("failed to enumerate resumable sessions at startup")
		return
	}
	for _, s := range sessions {
		o.log.WithFields(logrus.Fields{
			"session_id": s.ID,
			"phase":      s.Phase,
			"timestamp":  s.Timestamp,
		}).Warn("found an in-flight session from a prior run, interrupted at this phase")
	}
}

// ScanScreener adapts a screener.Client into a Scanner, converting its put-only
// Candidates into Orchestrator Candidates for the screener entry source of §1.
type ScanScreener struct {
	client *screener.Client
	req    screener.ScreenRequest
}

// NewScanScreener builds a Scanner backed by the Barchart OnDemand screener.
func NewScanScreener(client *screener.Client, req screener.ScreenRequest) *ScanScreener {
	return &ScanScreener{client: client, req: req}
}

// Scan runs one screener pass, per §5 one-shot with no fan-out.
func (s *ScanScreener) Scan(ctx context.Context) ([]Candidate, error) {
	candidates, err := s.client.Screen(ctx, s.req)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		expiration, err := time.Parse("2006-01-02", c.Expiration)
		if err != nil {
			continue
		}
		out = append(out, Candidate{Symbol: c.Underlying, Strike: c.Strike, Expiration: expiration, Source: models.SourceScreener})
	}
	return out, nil
}

// ManualCandidates is a Scanner over a fixed, pre-submitted list, used for the
// manual web and manual file entry sources of §1 — both just validate and hand
// the Orchestrator an already-known Candidate list instead of querying the
// screener.
type ManualCandidates struct {
	candidates []Candidate
}

// NewManualCandidates wraps a fixed candidate list as a Scanner.
func NewManualCandidates(candidates []Candidate) *ManualCandidates {
	return &ManualCandidates{candidates: candidates}
}

// Scan returns the fixed candidate list unmodified.
func (m *ManualCandidates) Scan(ctx context.Context) ([]Candidate, error) {
	return m.candidates, nil
}
