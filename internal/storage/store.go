package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/axels2025/naked-put-agent/internal/models"
)

// UpsertOpportunity inserts a new Opportunity or, if one already exists for the same
// opportunity_hash, merges the incoming source and refreshes its quoted/computed
// fields — implementing §3's "duplicate sources for the same opportunity merge
// rather than duplicate" idempotency rule.
func (s *Store) UpsertOpportunity(ctx context.Context, o *models.Opportunity) error {
	hash := o.Hash()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO opportunities (
			id, opportunity_hash, symbol, strike, expiration, source, created_at,
			bid, ask, mid, stock_price, otm_pct, dte, margin_requirement,
			margin_efficiency, trend, rank_score, contract_id, trading_class,
			state, reject_reason
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(opportunity_hash) DO UPDATE SET
			source = CASE WHEN source != excluded.source THEN 'hybrid' ELSE source END,
			bid = excluded.bid,
			ask = excluded.ask,
			mid = excluded.mid,
			stock_price = excluded.stock_price,
			otm_pct = excluded.otm_pct,
			dte = excluded.dte,
			margin_requirement = excluded.margin_requirement,
			margin_efficiency = excluded.margin_efficiency,
			trend = excluded.trend,
			rank_score = excluded.rank_score,
			contract_id = excluded.contract_id,
			trading_class = excluded.trading_class
	`,
		o.ID, hash, o.Symbol, o.Strike, o.Expiration.UTC().Format(time.RFC3339), string(o.Source), o.CreatedAt.UTC().Format(time.RFC3339),
		o.Bid, o.Ask, o.Mid, o.StockPrice, o.OTMPct, o.DTE, o.MarginRequirement,
		o.MarginEfficiency, string(o.Trend), o.RankScore, o.ContractID, o.TradingClass,
		string(o.State()), o.RejectReason,
	)
	if err != nil {
		return fmt.Errorf("upsert opportunity: %w", err)
	}
	return nil
}

// SaveOpportunityTransition appends one state-transition record, per §3's
// requirement that each transition is recorded with (from, to, timestamp, reason,
// actor).
func (s *Store) SaveOpportunityTransition(ctx context.Context, opportunityID string, rec models.StateTransitionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO opportunity_transitions (opportunity_id, from_state, to_state, at, reason, actor)
		VALUES (?,?,?,?,?,?)
	`, opportunityID, string(rec.From), string(rec.To), rec.Timestamp.UTC().Format(time.RFC3339), rec.Reason, rec.Actor)
	if err != nil {
		return fmt.Errorf("save opportunity transition: %w", err)
	}
	return nil
}

// GetOpportunityByHash looks up an Opportunity by its idempotency hash.
func (s *Store) GetOpportunityByHash(ctx context.Context, hash string) (*models.Opportunity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, symbol, strike, expiration, source, created_at, bid, ask, mid,
		       stock_price, otm_pct, dte, margin_requirement, margin_efficiency,
		       trend, rank_score, contract_id, trading_class, state, reject_reason
		FROM opportunities WHERE opportunity_hash = ?
	`, hash)
	return scanOpportunity(row)
}

// ListOpportunitiesByState returns opportunities currently in the given state.
func (s *Store) ListOpportunitiesByState(ctx context.Context, state models.OpportunityState) ([]*models.Opportunity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, strike, expiration, source, created_at, bid, ask, mid,
		       stock_price, otm_pct, dte, margin_requirement, margin_efficiency,
		       trend, rank_score, contract_id, trading_class, state, reject_reason
		FROM opportunities WHERE state = ?
	`, string(state))
	if err != nil {
		return nil, fmt.Errorf("list opportunities by state: %w", err)
	}
	defer rows.Close()

	var out []*models.Opportunity
	for rows.Next() {
		opp, err := scanOpportunityRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, opp)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOpportunity(row rowScanner) (*models.Opportunity, error) {
	return scanOpportunityCommon(row)
}

func scanOpportunityRows(rows *sql.Rows) (*models.Opportunity, error) {
	return scanOpportunityCommon(rows)
}

func scanOpportunityCommon(row rowScanner) (*models.Opportunity, error) {
	var (
		o                                   models.Opportunity
		expirationStr, createdAtStr         string
		source, trend, state, rejectReason  string
	)
	err := row.Scan(
		&o.ID, &o.Symbol, &o.Strike, &expirationStr, &source, &createdAtStr,
		&o.Bid, &o.Ask, &o.Mid, &o.StockPrice, &o.OTMPct, &o.DTE,
		&o.MarginRequirement, &o.MarginEfficiency, &trend, &o.RankScore,
		&o.ContractID, &o.TradingClass, &state, &rejectReason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan opportunity: %w", err)
	}

	o.Expiration, _ = time.Parse(time.RFC3339, expirationStr)
	o.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	o.Source = models.OpportunitySource(source)
	o.Trend = models.TrendDirection(trend)
	o.RejectReason = rejectReason
	o.SetState(models.OpportunityState(state))
	return &o, nil
}

// SaveTradeWithEntrySnapshot persists a Trade and its EntrySnapshot atomically in a
// single database transaction, per §5's ordering guarantee (b).
func (s *Store) SaveTradeWithEntrySnapshot(ctx context.Context, t *models.Trade, snap *models.EntrySnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := upsertTradeTx(ctx, tx, t); err != nil {
		return err
	}
	if snap != nil {
		payload, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal entry snapshot: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO entry_snapshots (id, trade_id, data_quality_score, critical_field_count, captured_at, payload)
			VALUES (?,?,?,?,?,?)
			ON CONFLICT(trade_id) DO UPDATE SET
				data_quality_score = excluded.data_quality_score,
				critical_field_count = excluded.critical_field_count,
				captured_at = excluded.captured_at,
				payload = excluded.payload
		`, snap.ID, t.TradeID, snap.DataQualityScore, snap.CriticalFieldCount, snap.CapturedAt.UTC().Format(time.RFC3339), string(payload))
		if err != nil {
			return fmt.Errorf("save entry snapshot: %w", err)
		}
	}
	return tx.Commit()
}

// SaveTradeWithExitSnapshot persists a closed Trade and its ExitSnapshot atomically,
// per §5's ordering guarantee (b). Per §7, a failure to persist the snapshot is
// logged by the caller and never fails the trade itself — callers that want that
// behavior should call SaveTrade and attempt the snapshot separately instead.
func (s *Store) SaveTradeWithExitSnapshot(ctx context.Context, t *models.Trade, snap *models.ExitSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := upsertTradeTx(ctx, tx, t); err != nil {
		return err
	}
	if snap != nil {
		payload, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal exit snapshot: %w", err)
		}
		win := 0
		if snap.Win {
			win = 1
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO exit_snapshots (id, trade_id, win, roi_pct, payload)
			VALUES (?,?,?,?,?)
			ON CONFLICT(trade_id) DO UPDATE SET
				win = excluded.win, roi_pct = excluded.roi_pct, payload = excluded.payload
		`, snap.ID, t.TradeID, win, snap.ROIPct, string(payload))
		if err != nil {
			return fmt.Errorf("save exit snapshot: %w", err)
		}
	}
	return tx.Commit()
}

// SaveTrade persists a Trade without touching any snapshot table.
func (s *Store) SaveTrade(ctx context.Context, t *models.Trade) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := upsertTradeTx(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertTradeTx(ctx context.Context, tx *sql.Tx, t *models.Trade) error {
	if err := t.ValidateExitInvariant(); err != nil {
		return err
	}

	var exitDate, exitReason sql.NullString
	var exitPremium, profitLoss, profitPct sql.NullFloat64
	var exitSnapshotID sql.NullString

	if t.ExitDate != nil {
		exitDate = sql.NullString{String: t.ExitDate.UTC().Format(time.RFC3339), Valid: true}
	}
	if t.ExitPremium != nil {
		exitPremium = sql.NullFloat64{Float64: *t.ExitPremium, Valid: true}
	}
	if t.ExitReason != nil {
		exitReason = sql.NullString{String: string(*t.ExitReason), Valid: true}
	}
	if t.ProfitLoss != nil {
		profitLoss = sql.NullFloat64{Float64: *t.ProfitLoss, Valid: true}
	}
	if t.ProfitPct != nil {
		profitPct = sql.NullFloat64{Float64: *t.ProfitPct, Valid: true}
	}
	if t.ExitSnapshotID != nil {
		exitSnapshotID = sql.NullString{String: *t.ExitSnapshotID, Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO trades (
			trade_id, symbol, strike, expiration, contracts, status,
			entry_premium, entry_date, entry_order_id,
			exit_date, exit_premium, exit_reason, exit_order_id, profit_loss, profit_pct,
			entry_snapshot_id, exit_snapshot_id, data_source
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(trade_id) DO UPDATE SET
			status = excluded.status,
			entry_premium = excluded.entry_premium,
			entry_date = excluded.entry_date,
			entry_order_id = excluded.entry_order_id,
			exit_date = excluded.exit_date,
			exit_premium = excluded.exit_premium,
			exit_reason = excluded.exit_reason,
			exit_order_id = excluded.exit_order_id,
			profit_loss = excluded.profit_loss,
			profit_pct = excluded.profit_pct,
			entry_snapshot_id = excluded.entry_snapshot_id,
			exit_snapshot_id = excluded.exit_snapshot_id
	`,
		t.TradeID, t.Symbol, t.Strike, t.Expiration.UTC().Format(time.RFC3339), t.Contracts, string(t.Status),
		t.EntryPremium, t.EntryDate.UTC().Format(time.RFC3339), t.EntryOrderID,
		exitDate, exitPremium, exitReason, t.ExitOrderID, profitLoss, profitPct,
		t.EntrySnapshotID, exitSnapshotID, string(t.DataSource),
	)
	if err != nil {
		return fmt.Errorf("upsert trade: %w", err)
	}
	return nil
}

// GetTrade looks up a Trade by id.
func (s *Store) GetTrade(ctx context.Context, tradeID string) (*models.Trade, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT trade_id, symbol, strike, expiration, contracts, status,
		       entry_premium, entry_date, entry_order_id,
		       exit_date, exit_premium, exit_reason, exit_order_id, profit_loss, profit_pct,
		       entry_snapshot_id, exit_snapshot_id, data_source
		FROM trades WHERE trade_id = ?
	`, tradeID)
	return scanTrade(row)
}

// ListOpenTrades returns trades with status "open" — the set ExitManager and
// PositionMonitor poll each cycle.
func (s *Store) ListOpenTrades(ctx context.Context) ([]*models.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trade_id, symbol, strike, expiration, contracts, status,
		       entry_premium, entry_date, entry_order_id,
		       exit_date, exit_premium, exit_reason, exit_order_id, profit_loss, profit_pct,
		       entry_snapshot_id, exit_snapshot_id, data_source
		FROM trades WHERE status = ?
	`, string(models.TradeStatusOpen))
	if err != nil {
		return nil, fmt.Errorf("list open trades: %w", err)
	}
	defer rows.Close()

	var out []*models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListClosedTrades returns all closed trades, the population the LearningEngine
// mines for statistically significant patterns.
func (s *Store) ListClosedTrades(ctx context.Context) ([]*models.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trade_id, symbol, strike, expiration, contracts, status,
		       entry_premium, entry_date, entry_order_id,
		       exit_date, exit_premium, exit_reason, exit_order_id, profit_loss, profit_pct,
		       entry_snapshot_id, exit_snapshot_id, data_source
		FROM trades WHERE status = ?
	`, string(models.TradeStatusClosed))
	if err != nil {
		return nil, fmt.Errorf("list closed trades: %w", err)
	}
	defer rows.Close()

	var out []*models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTrade(row rowScanner) (*models.Trade, error) {
	var (
		t                                          models.Trade
		expirationStr, entryDateStr                string
		status, dataSource                         string
		exitDate, exitReason, exitSnapshotID       sql.NullString
		exitPremium, profitLoss, profitPct         sql.NullFloat64
	)
	err := row.Scan(
		&t.TradeID, &t.Symbol, &t.Strike, &expirationStr, &t.Contracts, &status,
		&t.EntryPremium, &entryDateStr, &t.EntryOrderID,
		&exitDate, &exitPremium, &exitReason, &t.ExitOrderID, &profitLoss, &profitPct,
		&t.EntrySnapshotID, &exitSnapshotID, &dataSource,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan trade: %w", err)
	}

	t.Expiration, _ = time.Parse(time.RFC3339, expirationStr)
	t.EntryDate, _ = time.Parse(time.RFC3339, entryDateStr)
	t.Status = models.TradeStatus(status)
	t.DataSource = models.OpportunitySource(dataSource)

	if exitDate.Valid {
		parsed, _ := time.Parse(time.RFC3339, exitDate.String)
		t.ExitDate = &parsed
	}
	if exitPremium.Valid {
		v := exitPremium.Float64
		t.ExitPremium = &v
	}
	if exitReason.Valid {
		r := models.ExitReason(exitReason.String)
		t.ExitReason = &r
	}
	if profitLoss.Valid {
		v := profitLoss.Float64
		t.ProfitLoss = &v
	}
	if profitPct.Valid {
		v := profitPct.Float64
		t.ProfitPct = &v
	}
	if exitSnapshotID.Valid {
		id := exitSnapshotID.String
		t.ExitSnapshotID = &id
	}
	return &t, nil
}

// SavePositionSnapshot records one daily position snapshot. Per §6, (trade_id,
// snapshot_date) is unique — an existing row for the same day is overwritten.
func (s *Store) SavePositionSnapshot(ctx context.Context, snap *models.PositionSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal position snapshot: %w", err)
	}
	dateKey := snap.SnapshotDate.UTC().Format("2006-01-02")
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO position_snapshots (id, trade_id, snapshot_date, captured_at, payload)
		VALUES (?,?,?,?,?)
		ON CONFLICT(trade_id, snapshot_date) DO UPDATE SET
			captured_at = excluded.captured_at, payload = excluded.payload
	`, snap.ID, snap.TradeID, dateKey, snap.CapturedAt.UTC().Format(time.RFC3339), string(payload))
	if err != nil {
		return fmt.Errorf("save position snapshot: %w", err)
	}
	return nil
}

// ListPositionSnapshots returns all daily snapshots for a trade, oldest first.
func (s *Store) ListPositionSnapshots(ctx context.Context, tradeID string) ([]*models.PositionSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM position_snapshots WHERE trade_id = ? ORDER BY snapshot_date ASC
	`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("list position snapshots: %w", err)
	}
	defer rows.Close()

	var out []*models.PositionSnapshot
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan position snapshot: %w", err)
		}
		var snap models.PositionSnapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			return nil, fmt.Errorf("unmarshal position snapshot: %w", err)
		}
		out = append(out, &snap)
	}
	return out, rows.Err()
}

// GetEntrySnapshot returns the EntrySnapshot captured for a trade, if any.
func (s *Store) GetEntrySnapshot(ctx context.Context, tradeID string) (*models.EntrySnapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM entry_snapshots WHERE trade_id = ?`, tradeID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry snapshot: %w", err)
	}
	var snap models.EntrySnapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal entry snapshot: %w", err)
	}
	return &snap, nil
}

// GetExitSnapshot returns the ExitSnapshot captured for a trade, if any.
func (s *Store) GetExitSnapshot(ctx context.Context, tradeID string) (*models.ExitSnapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM exit_snapshots WHERE trade_id = ?`, tradeID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get exit snapshot: %w", err)
	}
	var snap models.ExitSnapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal exit snapshot: %w", err)
	}
	return &snap, nil
}

// SavePattern persists one LearningEngine finding.
func (s *Store) SavePattern(ctx context.Context, p *models.DetectedPattern) error {
	predicates, err := json.Marshal(p.Predicates)
	if err != nil {
		return fmt.Errorf("marshal pattern predicates: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO patterns (
			pattern_type, pattern_name, sample_size, win_rate, avg_roi,
			baseline_win_rate, baseline_roi, p_value, confidence, effect_size,
			predicates, detected_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
	`, p.PatternType, p.PatternName, p.SampleSize, p.WinRate, p.AvgROI,
		p.BaselineWinRate, p.BaselineROI, p.PValue, p.Confidence, p.EffectSize,
		string(predicates), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save pattern: %w", err)
	}
	return nil
}

// ListPatterns returns previously detected patterns, optionally filtered by type.
func (s *Store) ListPatterns(ctx context.Context, patternType string) ([]*models.DetectedPattern, error) {
	query := `SELECT pattern_type, pattern_name, sample_size, win_rate, avg_roi,
	                 baseline_win_rate, baseline_roi, p_value, confidence, effect_size, predicates
	          FROM patterns`
	args := []any{}
	if patternType != "" {
		query += ` WHERE pattern_type = ?`
		args = append(args, patternType)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var out []*models.DetectedPattern
	for rows.Next() {
		var p models.DetectedPattern
		var predicates string
		if err := rows.Scan(&p.PatternType, &p.PatternName, &p.SampleSize, &p.WinRate, &p.AvgROI,
			&p.BaselineWinRate, &p.BaselineROI, &p.PValue, &p.Confidence, &p.EffectSize, &predicates); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		if strings.TrimSpace(predicates) != "" {
			if err := json.Unmarshal([]byte(predicates), &p.Predicates); err != nil {
				return nil, fmt.Errorf("unmarshal pattern predicates: %w", err)
			}
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
