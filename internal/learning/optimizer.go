package learning

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/axels2025/naked-put-agent/internal/models"
)

// autoApplyConfidence is §4.7's threshold above which a proposal may be applied
// without explicit approval.
const autoApplyConfidence = 0.90

// ParameterProposal is one Parameter Optimizer output: a validated pattern
// translated into a concrete adjustment to the baseline strategy config.
type ParameterProposal struct {
	ID          string
	Version     int
	CreatedAt   time.Time
	PatternName string
	Field       string
	Direction   string // "tighten", "avoid", "skip", "widen"
	Confidence  float64
	AutoApply   bool
	Rationale   string
}

// Optimizer implements §4.7's Parameter Optimizer: it only translates patterns
// the Statistical Validator has already confirmed significant, so every
// proposal here carries a real, tested effect.
type Optimizer struct {
	nextVersion int
}

// NewOptimizer constructs an Optimizer. Version numbering starts at 1 so version 0
// can mean "unversioned baseline" for rollback purposes.
func NewOptimizer() *Optimizer {
	return &Optimizer{nextVersion: 1}
}

// Propose translates each significant pattern into a proposal when the pattern's
// dimension maps to a known config lever (sector avoidance, OTM range, OpEx-week
// skip, DTE range); patterns outside that known set still produce a proposal, but
// with an empty Field, since §4.7 requires every significant finding to appear in
// the weekly report even when no mechanical config change follows from it.
func (o *Optimizer) Propose(patterns []*models.DetectedPattern) []*ParameterProposal {
	out := make([]*ParameterProposal, 0, len(patterns))
	for _, p := range patterns {
		field, direction := leverFor(p)
		confidence := p.Confidence
		proposal := &ParameterProposal{
			ID:          uuid.NewString(),
			Version:     o.nextVersion,
			CreatedAt:   time.Now().UTC(),
			PatternName: p.PatternName,
			Field:       field,
			Direction:   direction,
			Confidence:  confidence,
			AutoApply:   confidence > autoApplyConfidence,
			Rationale:   rationale(p),
		}
		o.nextVersion++
		out = append(out, proposal)
	}
	return out
}

// leverFor maps a pattern's dimension to a concrete config field and adjustment
// direction, where one is known; unmapped dimensions return ("", "").
func leverFor(p *models.DetectedPattern) (field, direction string) {
	worse := p.AvgROI < p.BaselineROI
	switch {
	case strings.HasPrefix(p.PatternName, "sector="):
		if worse {
			return "strategy.excluded_sectors", "avoid"
		}
	case strings.HasPrefix(p.PatternName, "opex_week=opex_week"):
		if worse {
			return "strategy.skip_opex_week", "skip"
		}
	case strings.HasPrefix(p.PatternName, "dte_bucket="):
		if worse {
			return "strategy.dte_range", "tighten"
		}
		return "strategy.dte_range", "widen"
	case strings.HasPrefix(p.PatternName, "delta_bucket="):
		if worse {
			return "strategy.otm_range", "tighten"
		}
		return "strategy.otm_range", "widen"
	}
	return "", ""
}

func rationale(p *models.DetectedPattern) string {
	return fmt.Sprintf("%s: win_rate %.1f%% vs baseline %.1f%%, avg_roi %.3f vs baseline %.3f (n=%d, p=%.4f)",
		p.PatternName, p.WinRate*100, p.BaselineWinRate*100, p.AvgROI, p.BaselineROI, p.SampleSize, p.PValue)
}

// ProposalHistory keeps every proposal ever generated, in version order, so a
// prior version can be located for rollback. It is in-memory: §4.7 requires
// DetectedPatterns to be persisted (internal/storage already does that), but
// names no persistence requirement for the proposals derived from them, and
// rollback only needs "the previous version" to be findable within a process
// lifetime of the Parameter Optimizer.
type ProposalHistory struct {
	entries []*ParameterProposal
}

// Record appends proposals to the history.
func (h *ProposalHistory) Record(proposals []*ParameterProposal) {
	h.entries = append(h.entries, proposals...)
}

// Rollback returns the proposal immediately preceding version for field, or nil
// if none exists.
func (h *ProposalHistory) Rollback(field string, version int) *ParameterProposal {
	var best *ParameterProposal
	for _, e := range h.entries {
		if e.Field != field || e.Version >= version {
			continue
		}
		if best == nil || e.Version > best.Version {
			best = e
		}
	}
	return best
}
