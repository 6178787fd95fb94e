// Package main provides the entry point for the naked-put trading agent.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/sirupsen/logrus"

	"github.com/axels2025/naked-put-agent/internal/broker"
	"github.com/axels2025/naked-put-agent/internal/config"
	"github.com/axels2025/naked-put-agent/internal/enrich"
	"github.com/axels2025/naked-put-agent/internal/execute"
	"github.com/axels2025/naked-put-agent/internal/exit"
	"github.com/axels2025/naked-put-agent/internal/learning"
	"github.com/axels2025/naked-put-agent/internal/monitor"
	"github.com/axels2025/naked-put-agent/internal/orchestrator"
	"github.com/axels2025/naked-put-agent/internal/risk"
	"github.com/axels2025/naked-put-agent/internal/screener"
	"github.com/axels2025/naked-put-agent/internal/snapshot"
	"github.com/axels2025/naked-put-agent/internal/storage"
	"github.com/axels2025/naked-put-agent/internal/telemetry"
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	log := newLogger(cfg)
	log.WithFields(logrus.Fields{
		"mode": cfg.Environment.Mode,
	}).Info("starting naked-put-agent")

	if !cfg.IsPaperTrading() {
		log.Warn("LIVE TRADING MODE - real money at risk")
		if os.Getenv("AGENT_SKIP_LIVE_WAIT") != "1" {
			log.Info("waiting 10 seconds to confirm (set AGENT_SKIP_LIVE_WAIT=1 to skip)")
			time.Sleep(10 * time.Second)
		}
	}

	loc, err := cfg.ResolveLocation()
	if err != nil {
		log.WithError(err).Warn("failed to resolve configured timezone, using UTC")
		loc = time.UTC
	}

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		log.WithError(err).Error("failed to open storage")
		return 1
	}

	sessionDir := cfg.Storage.SessionDir
	if sessionDir == "" {
		sessionDir = "sessions"
	}
	sessions, err := storage.NewSessionStore(sessionDir)
	if err != nil {
		log.WithError(err).Error("failed to open session store")
		return 1
	}

	ibkr := broker.NewIBKRClient(log)
	brokerClient := broker.NewCircuitBreakerBroker(ibkr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientID := cfg.Trading.IBKRClientID
	if err := brokerClient.Connect(ctx, cfg.Trading.IBKRHost, cfg.Trading.IBKRPort, clientID); err != nil {
		log.WithError(err).Error("failed to connect to broker gateway")
		return 1
	}

	enricher := enrich.NewEnricher(brokerClient, log)
	governor := risk.NewGovernor(&cfg.Risk, loc, log)
	snapshots := snapshot.NewService(brokerClient, store, nil, log)
	executor := execute.NewExecutor(brokerClient, &cfg.Trading, &cfg.Strategy, snapshots, log)
	exitMgr := exit.NewManager(brokerClient, &cfg.Exit, snapshots, log)
	mon := monitor.NewMonitor(brokerClient, &cfg.Exit, log)

	scanner, err := buildScanner(cfg)
	if err != nil {
		log.WithError(err).Error("failed to configure scanner")
		return 1
	}

	accounts := &accountAdapter{broker: brokerClient, store: store, loc: loc}

	orch := orchestrator.New(scanner, enricher, governor, executor, exitMgr, mon,
		store, accounts, sessions, &cfg.Strategy, log)
	orch.RecoverResumable()

	metrics := telemetry.New()
	engine := learning.NewEngine(store, &cfg.Learning, log)

	var telemetrySrv *telemetry.Server
	if cfg.Telemetry.Enabled {
		telemetrySrv = telemetry.NewServer(cfg.Telemetry.Port, metrics, func() telemetry.HealthStatus {
			halted, _ := governor.IsHalted()
			open, _ := store.ListOpenTrades(ctx)
			return telemetry.HealthStatus{
				Healthy:       true,
				TradingHalted: halted,
				LastCycleAt:   time.Now().UTC(),
				OpenPositions: len(open),
			}
		}, log)
		go func() {
			if err := telemetrySrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("telemetry server stopped unexpectedly")
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := telemetrySrv.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Error("failed to shut down telemetry server")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutdown signal received, draining current cycle")
		cancel()
	}()

	runLoop(ctx, orch, engine, metrics, log)

	log.Info("naked-put-agent stopped")
	return 0
}

// runLoop drives the entry cycle, exit evaluation, and weekly learning run on
// their own cadences until ctx is cancelled, mirroring the teacher's single
// goroutine ticking its trading cycle on a fixed interval rather than spawning
// one goroutine per concern.
func runLoop(ctx context.Context, orch *orchestrator.Orchestrator, engine *learning.Engine, metrics *telemetry.Metrics, log *logrus.Logger) {
	cycleTicker := time.NewTicker(5 * time.Minute)
	defer cycleTicker.Stop()
	exitTicker := time.NewTicker(15 * time.Minute)
	defer exitTicker.Stop()
	learningTicker := time.NewTicker(7 * 24 * time.Hour)
	defer learningTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cycleTicker.C:
			start := time.Now()
			result, err := orch.RunCycle(ctx)
			outcome := "completed"
			if err != nil {
				outcome = "error"
				log.WithError(err).Error("trading cycle failed")
			}
			if result != nil {
				metrics.RecordCycle(outcome, time.Since(start).Seconds(), result.Scanned)
				for range result.Errors {
					metrics.RecordOpportunityState("FAILED")
				}
				for i := 0; i < result.Executed; i++ {
					metrics.RecordTradeExecuted()
				}
			}
		case <-exitTicker.C:
			result, err := orch.EvaluateExits(ctx)
			if err != nil {
				log.WithError(err).Error("exit evaluation failed")
				continue
			}
			metrics.SetOpenPositions(result.Polled - result.Exited)
		case <-learningTicker.C:
			report, err := engine.RunWeekly(ctx)
			if err != nil {
				log.WithError(err).Error("weekly learning run failed")
				continue
			}
			metrics.RecordLearningRun(len(report.AllPatterns), len(report.Significant))
		}
	}
}

func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	if cfg.Environment.Mode == "live" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if lvl, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		log.SetLevel(lvl)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}

// buildScanner selects the screener-backed Scanner when an API key is
// configured, per §1's screener entry source; without one, the agent falls
// back to an empty manual-candidate Scanner so the process still runs (e.g. to
// serve telemetry and drain open positions) rather than failing startup outright.
func buildScanner(cfg *config.Config) (orchestrator.Scanner, error) {
	if cfg.Screener.APIKey == "" {
		return orchestrator.NewManualCandidates(nil), nil
	}
	client := screener.NewClient(cfg.Screener.BaseURL, cfg.Screener.APIKey)
	req := screener.ScreenRequest{
		Type:      screener.OptionTypePut,
		MinDTE:    cfg.Strategy.DTEMin,
		MaxDTE:    cfg.Strategy.DTEMax,
		MinVolume: cfg.Strategy.MinVolume,
		MinOI:     cfg.Strategy.MinOpenInterest,
	}
	return orchestrator.NewScanScreener(client, req), nil
}

// accountAdapter implements orchestrator.AccountSource over the broker's
// account summary and the store's closed-trade history.
type accountAdapter struct {
	broker broker.Broker
	store  *storage.Store
	loc    *time.Location
}

func (a *accountAdapter) GetAccountSummary(ctx context.Context) (*broker.AccountSummary, error) {
	return a.broker.GetAccountSummary(ctx)
}

// DailyPnLPct sums every closed trade's realized P&L whose exit fell on today's
// local trading day and expresses it as a fraction of current net liquidation.
// internal/storage exposes no "trades closed today" query directly, so this
// filters ListClosedTrades' full history in memory; acceptable here since the
// RiskGovernor calls this once per cycle, not per candidate.
func (a *accountAdapter) DailyPnLPct(ctx context.Context) (float64, error) {
	trades, err := a.store.ListClosedTrades(ctx)
	if err != nil {
		return 0, fmt.Errorf("list closed trades: %w", err)
	}
	account, err := a.broker.GetAccountSummary(ctx)
	if err != nil {
		return 0, fmt.Errorf("get account summary: %w", err)
	}
	if account.NetLiquidation == 0 {
		return 0, nil
	}

	today := time.Now().In(a.loc).Format("2006-01-02")
	var pnl float64
	for _, t := range trades {
		if t.ExitDate == nil || t.ProfitLoss == nil {
			continue
		}
		if t.ExitDate.In(a.loc).Format("2006-01-02") != today {
			continue
		}
		pnl += *t.ProfitLoss
	}
	return pnl / account.NetLiquidation, nil
}
