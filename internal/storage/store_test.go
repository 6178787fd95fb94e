package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/axels2025/naked-put-agent/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	sqlDB, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	s := &Store{db: sqlDB}
	if err := s.migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertOpportunity_MergesDuplicateHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exp := time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC)
	created := time.Date(2026, 7, 31, 9, 30, 0, 0, time.UTC)

	first := models.NewOpportunity("SPY", 450, exp, models.SourceScreener)
	first.CreatedAt = created
	first.Bid, first.Ask, first.Mid = 1.0, 1.2, 1.1
	if err := s.UpsertOpportunity(ctx, first); err != nil {
		t.Fatalf("upsert first: %v", err)
	}

	second := models.NewOpportunity("SPY", 450, exp, models.SourceManualWeb)
	second.CreatedAt = created
	second.Bid, second.Ask, second.Mid = 1.05, 1.25, 1.15
	if err := s.UpsertOpportunity(ctx, second); err != nil {
		t.Fatalf("upsert second: %v", err)
	}

	hash := first.Hash()
	got, err := s.GetOpportunityByHash(ctx, hash)
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if got.Source != models.SourceHybrid {
		t.Errorf("expected source to merge into hybrid, got %s", got.Source)
	}
	if got.Mid != 1.15 {
		t.Errorf("expected quote refreshed to latest mid 1.15, got %v", got.Mid)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM opportunities`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly one row for the duplicate hash, got %d", count)
	}
}

func TestGetOpportunityByHash_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetOpportunityByHash(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListOpportunitiesByState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	exp := time.Now().AddDate(0, 0, 14)

	pending := models.NewOpportunity("SPY", 440, exp, models.SourceScreener)
	if err := s.UpsertOpportunity(ctx, pending); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	enriched := models.NewOpportunity("QQQ", 380, exp, models.SourceScreener)
	if err := enriched.Transition(models.StateEnriched, "enriched", "test"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := s.UpsertOpportunity(ctx, enriched); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.ListOpportunitiesByState(ctx, models.StatePending)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Symbol != "SPY" {
		t.Errorf("expected exactly the SPY pending opportunity, got %+v", got)
	}
}

func TestSaveOpportunityTransition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	opp := models.NewOpportunity("SPY", 450, time.Now().AddDate(0, 0, 10), models.SourceScreener)
	if err := s.UpsertOpportunity(ctx, opp); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rec := models.StateTransitionRecord{
		From: models.StatePending, To: models.StateEnriched, Timestamp: time.Now().UTC(), Reason: "ok", Actor: "enricher",
	}
	if err := s.SaveOpportunityTransition(ctx, opp.ID, rec); err != nil {
		t.Fatalf("save transition: %v", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM opportunity_transitions WHERE opportunity_id = ?`, opp.ID).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected one transition row, got %d", count)
	}
}

func TestSaveTradeWithEntrySnapshot_Roundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	trade := models.NewTrade("SPY", 450, time.Now().AddDate(0, 0, 10), 5, models.SourceScreener)
	trade.MarkOpen(1.10, time.Now().UTC(), "order-1")

	snap := &models.EntrySnapshot{ID: "snap-1", TradeID: trade.TradeID, Bid: 1.05, Ask: 1.15, Mid: 1.10, Delta: -0.18}
	snap.CapturedAt = time.Now().UTC()
	snap.ComputeDataQuality()
	trade.EntrySnapshotID = snap.ID

	if err := s.SaveTradeWithEntrySnapshot(ctx, trade, snap); err != nil {
		t.Fatalf("save trade with entry snapshot: %v", err)
	}

	gotTrade, err := s.GetTrade(ctx, trade.TradeID)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if gotTrade.Status != models.TradeStatusOpen {
		t.Errorf("expected open status, got %s", gotTrade.Status)
	}

	gotSnap, err := s.GetEntrySnapshot(ctx, trade.TradeID)
	if err != nil {
		t.Fatalf("get entry snapshot: %v", err)
	}
	if gotSnap.Delta != -0.18 {
		t.Errorf("expected delta -0.18, got %v", gotSnap.Delta)
	}
	if gotSnap.DataQualityScore <= 0 {
		t.Errorf("expected a positive data quality score, got %v", gotSnap.DataQualityScore)
	}
}

func TestSaveTradeWithExitSnapshot_ClosesTrade(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	trade := models.NewTrade("SPY", 450, time.Now().AddDate(0, 0, 10), 5, models.SourceScreener)
	trade.MarkOpen(1.10, time.Now().UTC(), "order-1")
	if err := s.SaveTrade(ctx, trade); err != nil {
		t.Fatalf("save trade: %v", err)
	}

	trade.Close(time.Now().UTC(), 0.40, models.ExitReasonProfitTarget, "order-2")
	exitSnap := &models.ExitSnapshot{ID: "exit-1", TradeID: trade.TradeID, ROIPct: 0.64, Win: true}
	trade.ExitSnapshotID = &exitSnap.ID

	if err := s.SaveTradeWithExitSnapshot(ctx, trade, exitSnap); err != nil {
		t.Fatalf("save trade with exit snapshot: %v", err)
	}

	closed, err := s.ListClosedTrades(ctx)
	if err != nil {
		t.Fatalf("list closed trades: %v", err)
	}
	if len(closed) != 1 {
		t.Fatalf("expected one closed trade, got %d", len(closed))
	}
	if closed[0].ProfitLoss == nil {
		t.Fatal("expected profit_loss to be set on a closed trade")
	}

	gotExit, err := s.GetExitSnapshot(ctx, trade.TradeID)
	if err != nil {
		t.Fatalf("get exit snapshot: %v", err)
	}
	if !gotExit.Win {
		t.Error("expected win=true to round-trip")
	}
}

func TestSavePositionSnapshot_UniquePerDay(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	trade := models.NewTrade("SPY", 450, time.Now().AddDate(0, 0, 10), 5, models.SourceScreener)
	trade.MarkOpen(1.10, time.Now().UTC(), "order-1")
	if err := s.SaveTrade(ctx, trade); err != nil {
		t.Fatalf("save trade: %v", err)
	}

	day := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	snap1 := &models.PositionSnapshot{ID: "ps-1", TradeID: trade.TradeID, SnapshotDate: day, CurrentPnL: 50, CapturedAt: time.Now().UTC()}
	if err := s.SavePositionSnapshot(ctx, snap1); err != nil {
		t.Fatalf("save snapshot 1: %v", err)
	}

	snap2 := &models.PositionSnapshot{ID: "ps-2", TradeID: trade.TradeID, SnapshotDate: day, CurrentPnL: 75, CapturedAt: time.Now().UTC()}
	if err := s.SavePositionSnapshot(ctx, snap2); err != nil {
		t.Fatalf("save snapshot 2 (same day, should overwrite): %v", err)
	}

	snaps, err := s.ListPositionSnapshots(ctx, trade.TradeID)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected exactly one snapshot for the day, got %d", len(snaps))
	}
	if snaps[0].CurrentPnL != 75 {
		t.Errorf("expected the later snapshot's pnl to win, got %v", snaps[0].CurrentPnL)
	}
}

func TestSaveAndListPatterns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := &models.DetectedPattern{
		PatternType: "trend", PatternName: "uptrend_high_win_rate",
		SampleSize: 42, WinRate: 0.85, BaselineWinRate: 0.70, PValue: 0.01, EffectSize: 0.15,
		Predicates: map[string]string{"trend_direction": "uptrend"},
	}
	if err := s.SavePattern(ctx, p); err != nil {
		t.Fatalf("save pattern: %v", err)
	}

	got, err := s.ListPatterns(ctx, "trend")
	if err != nil {
		t.Fatalf("list patterns: %v", err)
	}
	if len(got) != 1 || got[0].PatternName != "uptrend_high_win_rate" {
		t.Fatalf("unexpected patterns: %+v", got)
	}
	if got[0].Predicates["trend_direction"] != "uptrend" {
		t.Errorf("expected predicates to round-trip through JSON, got %+v", got[0].Predicates)
	}
}
