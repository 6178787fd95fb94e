// Package learning implements §4.7's LearningEngine: Pattern Detector, Path
// Analyzer, Pattern Combinator, Statistical Validator, and Parameter Optimizer.
// It never blocks trading — Engine.RunWeekly is invoked from a scheduled job, and
// its only interaction with the trading path is reading persisted closed trades
// and writing persisted DetectedPatterns; nothing here is on the hot path of
// scan/enrich/execute/exit.
package learning

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/axels2025/naked-put-agent/internal/config"
	"github.com/axels2025/naked-put-agent/internal/models"
)

// Store is the subset of internal/storage.Store the learning engine reads and
// writes.
type Store interface {
	ListClosedTrades(ctx context.Context) ([]*models.Trade, error)
	GetEntrySnapshot(ctx context.Context, tradeID string) (*models.EntrySnapshot, error)
	GetExitSnapshot(ctx context.Context, tradeID string) (*models.ExitSnapshot, error)
	ListPositionSnapshots(ctx context.Context, tradeID string) ([]*models.PositionSnapshot, error)
	SavePattern(ctx context.Context, p *models.DetectedPattern) error
	ListPatterns(ctx context.Context, patternType string) ([]*models.DetectedPattern, error)
}

// Report is the weekly output §4.7 promises: every pattern found this run (not
// just the significant ones, per "reported but not significant") plus the
// proposals the Parameter Optimizer derived from the significant subset.
type Report struct {
	GeneratedAt    time.Time
	RecordCount    int
	AllPatterns    []*models.DetectedPattern
	Significant    []*models.DetectedPattern
	Proposals      []*ParameterProposal
}

// Engine ties the Detector, Combinator, Validator, and Optimizer together over a
// Store, producing and persisting one Report per run.
type Engine struct {
	store   Store
	cfg     *config.LearningConfig
	history *ProposalHistory
	log     *logrus.Entry

	detector   *Detector
	combinator *Combinator
	validator  *Validator
	optimizer  *Optimizer
}

// NewEngine constructs an Engine from the §6 learning config surface.
func NewEngine(store Store, cfg *config.LearningConfig, log *logrus.Logger) *Engine {
	return &Engine{
		store:      store,
		cfg:        cfg,
		history:    &ProposalHistory{},
		log:        log.WithField("component", "learning_engine"),
		detector:   NewDetector(cfg.MinSampleSize),
		combinator: NewCombinator(cfg.MinSampleSize),
		validator:  NewValidator(cfg.MinSampleSize, cfg.PValueThreshold, cfg.MinEffectSize),
		optimizer:  NewOptimizer(),
	}
}

// RunWeekly loads every closed trade, assembles feature Records, runs the
// detector/path-analyzer/combinator over them, persists every pattern found (not
// only the significant ones), and translates the significant subset into
// versioned Parameter Optimizer proposals.
func (e *Engine) RunWeekly(ctx context.Context) (*Report, error) {
	records, err := e.loadRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("load closed trade records: %w", err)
	}

	report := &Report{GeneratedAt: time.Now().UTC(), RecordCount: len(records)}
	if len(records) < e.cfg.MinSampleSize {
		e.log.WithField("record_count", len(records)).
			Info("fewer closed trades than min_sample_size, skipping pattern detection this run")
		return report, nil
	}

	report.AllPatterns = append(report.AllPatterns, e.detector.DetectEntry(records)...)
	report.AllPatterns = append(report.AllPatterns, e.detector.DetectPath(records)...)
	report.AllPatterns = append(report.AllPatterns, e.combinator.Combine(records)...)

	for _, p := range report.AllPatterns {
		if err := e.store.SavePattern(ctx, p); err != nil {
			e.log.WithError(err).WithField("pattern_name", p.PatternName).Warn("failed to persist detected pattern")
		}
	}

	report.Significant = e.validator.Significant(report.AllPatterns)
	report.Proposals = e.optimizer.Propose(report.Significant)
	e.history.Record(report.Proposals)

	e.log.WithFields(logrus.Fields{
		"records":     len(records),
		"patterns":    len(report.AllPatterns),
		"significant": len(report.Significant),
		"proposals":   len(report.Proposals),
	}).Info("learning engine weekly run complete")

	return report, nil
}

// loadRecords assembles one Record per closed trade, pulling its EntrySnapshot,
// ExitSnapshot, and PositionSnapshot path. A trade missing its entry or exit
// snapshot is skipped from bucketing (most dimension funcs need one or the
// other) but logged, since that gap itself is worth noticing in aggregate.
func (e *Engine) loadRecords(ctx context.Context) ([]Record, error) {
	trades, err := e.store.ListClosedTrades(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(trades))
	skipped := 0
	for _, t := range trades {
		entry, err := e.store.GetEntrySnapshot(ctx, t.TradeID)
		if err != nil {
			skipped++
			continue
		}
		exit, err := e.store.GetExitSnapshot(ctx, t.TradeID)
		if err != nil {
			skipped++
			continue
		}
		path, err := e.store.ListPositionSnapshots(ctx, t.TradeID)
		if err != nil {
			e.log.WithError(err).WithField("trade_id", t.TradeID).Warn("position snapshots unavailable, path stats will be empty for this trade")
		}

		roi := exit.ROIPct
		records = append(records, Record{
			Trade: t,
			Entry: entry,
			Exit:  exit,
			Path:  path,
			Win:   exit.Win,
			ROI:   roi,
		})
	}
	if skipped > 0 {
		e.log.WithField("skipped", skipped).Info("closed trades missing entry or exit snapshots were excluded from this run")
	}
	return records, nil
}
