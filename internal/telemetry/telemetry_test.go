package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(discardWriter{})
	return l
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestMetrics_RecordCycle_IncrementsCounters(t *testing.T) {
	m := New()
	m.RecordCycle("completed", 1.5, 4)
	m.RecordOpportunityState("EXECUTED")
	m.RecordTradeExecuted()
	m.RecordTradeExited("profit_target")
	m.SetTradingHalted(true)
	m.SetOpenPositions(3)
	m.SetDailyPnLPct(-0.01)
	m.RecordLearningRun(10, 3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	srv := NewServer(0, m, nil, testLogger())
	srv.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected /metrics to return 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"agent_cycles_total",
		"agent_trades_executed_total",
		"agent_trading_halted 1",
		"agent_open_positions 3",
		"agent_learning_patterns_found_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected /metrics output to contain %q, got:\n%s", want, body)
		}
	}
}

func TestServer_HealthEndpoint_ReflectsHealthFn(t *testing.T) {
	m := New()
	now := time.Now()
	srv := NewServer(0, m, func() HealthStatus {
		return HealthStatus{Healthy: false, TradingHalted: true, LastCycleAt: now, OpenPositions: 2}
	}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for an unhealthy status, got %d", rr.Code)
	}
	var status HealthStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if !status.TradingHalted || status.OpenPositions != 2 {
		t.Errorf("expected the health response to reflect healthFn's values, got %+v", status)
	}
}

func TestServer_StartShutdown_NoError(t *testing.T) {
	m := New()
	srv := NewServer(0, m, nil, testLogger())
	// port 0 lets the OS pick a free port; Start/Shutdown should round-trip
	// cleanly without requiring a fixed listener address.
	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	// Give the listener a moment to bind before shutting it down.
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("unexpected Start error: %v", err)
	}
}
