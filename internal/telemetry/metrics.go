// Package telemetry exposes the agent's operational health as §6's internal
// health/metrics endpoint: a Prometheus registry of counters and gauges covering
// the scan→enrich→risk-gate→offer→execute→capture cycle, plus a liveness check.
// This replaces the teacher's excluded web dashboard (templates, positions/stats
// partials, browser auth) with the narrower machine-readable surface the
// specification actually asks for, built the same way: a chi.Mux wrapped in a
// plain net/http.Server with Start/Shutdown lifecycle methods.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the fixed set of Prometheus instruments for the agent. One Metrics is
// constructed per process; cmd/agent's run loop records cycle, opportunity-state,
// trade-execution, open-position and learning-run results into it. No other
// component holds it, and nothing outside tests calls SetTradingHalted,
// RecordTradeExited or SetDailyPnLPct.
type Metrics struct {
	registry *prometheus.Registry

	cyclesTotal      *prometheus.CounterVec
	candidatesScanned prometheus.Counter
	opportunitiesByState *prometheus.CounterVec
	tradesExecutedTotal prometheus.Counter
	tradesExitedTotal   *prometheus.CounterVec
	tradingHalted       prometheus.Gauge
	openPositions       prometheus.Gauge
	dailyPnLPct         prometheus.Gauge
	learningPatternsFound *prometheus.CounterVec
	cycleDurationSeconds  prometheus.Histogram
}

// New constructs a Metrics bound to a fresh, isolated Prometheus registry (not
// the global default registerer), so multiple Metrics instances never collide in
// tests.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		cyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_cycles_total",
			Help: "Trading cycles run, labeled by outcome (completed, error).",
		}, []string{"outcome"}),
		candidatesScanned: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_candidates_scanned_total",
			Help: "Scan-phase candidates produced across all cycles.",
		}),
		opportunitiesByState: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_opportunities_total",
			Help: "Opportunities observed, labeled by the lifecycle state they reached.",
		}, []string{"state"}),
		tradesExecutedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_trades_executed_total",
			Help: "Entry orders filled.",
		}),
		tradesExitedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_trades_exited_total",
			Help: "Closed trades, labeled by exit reason.",
		}, []string{"reason"}),
		tradingHalted: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agent_trading_halted",
			Help: "1 if the RiskGovernor currently has trading halted, else 0.",
		}),
		openPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agent_open_positions",
			Help: "Currently open trades.",
		}),
		dailyPnLPct: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agent_daily_pnl_pct",
			Help: "Realized P&L today as a fraction of account equity.",
		}),
		learningPatternsFound: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_learning_patterns_found_total",
			Help: "Patterns detected by a weekly learning run, labeled by significance.",
		}, []string{"significant"}),
		cycleDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_cycle_duration_seconds",
			Help:    "Wall-clock duration of one full trading cycle.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// RecordCycle reports one RunCycle outcome and its wall-clock duration.
func (m *Metrics) RecordCycle(outcome string, seconds float64, candidatesScanned int) {
	m.cyclesTotal.WithLabelValues(outcome).Inc()
	m.cycleDurationSeconds.Observe(seconds)
	m.candidatesScanned.Add(float64(candidatesScanned))
}

// RecordOpportunityState increments the counter for one opportunity reaching state.
func (m *Metrics) RecordOpportunityState(state string) {
	m.opportunitiesByState.WithLabelValues(state).Inc()
}

// RecordTradeExecuted increments the entry-fill counter.
func (m *Metrics) RecordTradeExecuted() {
	m.tradesExecutedTotal.Inc()
}

// RecordTradeExited increments the exit counter for reason.
func (m *Metrics) RecordTradeExited(reason string) {
	m.tradesExitedTotal.WithLabelValues(reason).Inc()
}

// SetTradingHalted reflects the RiskGovernor's current halt state.
func (m *Metrics) SetTradingHalted(halted bool) {
	if halted {
		m.tradingHalted.Set(1)
		return
	}
	m.tradingHalted.Set(0)
}

// SetOpenPositions reflects the current open-trade count.
func (m *Metrics) SetOpenPositions(n int) {
	m.openPositions.Set(float64(n))
}

// SetDailyPnLPct reflects today's realized P&L fraction.
func (m *Metrics) SetDailyPnLPct(pct float64) {
	m.dailyPnLPct.Set(pct)
}

// RecordLearningRun reports one weekly learning pass's pattern counts.
func (m *Metrics) RecordLearningRun(totalPatterns, significantPatterns int) {
	m.learningPatternsFound.WithLabelValues("false").Add(float64(totalPatterns - significantPatterns))
	m.learningPatternsFound.WithLabelValues("true").Add(float64(significantPatterns))
}
