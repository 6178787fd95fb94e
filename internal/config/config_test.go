package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad(t *testing.T) {
	configPath := filepath.Join("..", "..", "config.yaml.example")
	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Expected config to load successfully from example file, got error: %v", err)
	}
	if cfg.Trading.IBKRPort != 7497 {
		t.Errorf("expected paper port 7497, got %d", cfg.Trading.IBKRPort)
	}
}

func TestLoad_InvalidPath(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Error("Expected error when loading nonexistent config file, got nil")
	}
}

func validBaseConfig() *Config {
	cfg := &Config{
		Environment: EnvironmentConfig{Mode: "paper", LogLevel: "info"},
		Trading: TradingConfig{
			PaperTrading: true,
			IBKRHost:     "127.0.0.1",
			IBKRPort:     defaultIBKRPort,
			IBKRClientID: 1,
		},
		Risk: RiskConfig{
			MaxDailyLoss:           -0.02,
			MaxPositionLoss:        -500,
			MaxPositions:           10,
			MaxPositionsPerDay:     10,
			MaxSectorConcentration: 0.30,
			MaxMarginUtilization:   0.80,
		},
		Strategy: StrategyConfig{
			OTMRangeMin:     0.15,
			OTMRangeMax:     0.20,
			PremiumRangeMin: 0.30,
			PremiumRangeMax: 0.50,
			DTEMin:          7,
			DTEMax:          14,
			Contracts:       5,
			TrendFilter:     "uptrend",
			MaxSpreadPct:    0.10,
		},
		Exit: ExitConfig{
			ProfitTargetPct:  0.50,
			StopLossPct:      -2.00,
			TimeExitDTE:      3,
			PollIntervalSec:  1,
			MaxWaitMarketSec: 30,
			MaxWaitLimitSec:  10,
		},
		Learning: LearningConfig{
			MinSampleSize:             30,
			PValueThreshold:           0.05,
			MinEffectSize:             0.005,
			MinDataQualityForLearning: 0.70,
		},
		Snapshot: SnapshotConfig{DailySnapshotTime: "16:00", Timezone: "America/New_York"},
		Storage:  StorageConfig{Path: "test.db", SessionDir: "sessions"},
	}
	return cfg
}

func TestValidate_Valid(t *testing.T) {
	cfg := validBaseConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got error: %v", err)
	}
}

func TestValidate_PaperLiveInterlock(t *testing.T) {
	t.Run("paper_trading true requires paper port", func(t *testing.T) {
		cfg := validBaseConfig()
		cfg.Trading.PaperTrading = true
		cfg.Trading.IBKRPort = 7496
		err := cfg.Validate()
		if err == nil {
			t.Fatal("expected error for paper_trading=true with live port")
		}
		if !strings.Contains(err.Error(), "requires trading.ibkr_port") {
			t.Errorf("unexpected error message: %v", err)
		}
	})

	t.Run("paper_trading false forbids paper port", func(t *testing.T) {
		cfg := validBaseConfig()
		cfg.Trading.PaperTrading = false
		cfg.Trading.IBKRPort = 7497
		err := cfg.Validate()
		if err == nil {
			t.Fatal("expected error for paper_trading=false with paper port")
		}
	})

	t.Run("live mode with live port is valid", func(t *testing.T) {
		cfg := validBaseConfig()
		cfg.Trading.PaperTrading = false
		cfg.Trading.IBKRPort = 7496
		if err := cfg.Validate(); err != nil {
			t.Errorf("expected valid config, got error: %v", err)
		}
	})
}

func TestValidate_OTMRange(t *testing.T) {
	cfg := validBaseConfig()
	cfg.Strategy.OTMRangeMin = 0.20
	cfg.Strategy.OTMRangeMax = 0.15
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error when otm_range_min >= otm_range_max")
	}
}

func TestValidate_StopLossSign(t *testing.T) {
	cfg := validBaseConfig()
	cfg.Exit.StopLossPct = 2.00 // must be negative (fraction of premium)
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for non-negative stop_loss_pct")
	}
}

func TestValidate_MaxDailyLossSign(t *testing.T) {
	cfg := validBaseConfig()
	cfg.Risk.MaxDailyLoss = 0.02 // must be negative (fraction of equity)
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for non-negative max_daily_loss")
	}
}

func TestValidate_BadTimezone(t *testing.T) {
	cfg := validBaseConfig()
	cfg.Snapshot.Timezone = "Not/A_Zone"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid timezone")
	}
}

func TestValidate_BadSnapshotTime(t *testing.T) {
	cfg := validBaseConfig()
	cfg.Snapshot.DailySnapshotTime = "not-a-time"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid daily_snapshot_time")
	}
}

func TestNormalize_DefaultsToPaper(t *testing.T) {
	cfg := &Config{}
	cfg.Normalize()
	if !cfg.Trading.PaperTrading {
		t.Error("expected Normalize to default to paper trading when ibkr_port is unset")
	}
	if cfg.Trading.IBKRPort != defaultIBKRPort {
		t.Errorf("expected default paper port %d, got %d", defaultIBKRPort, cfg.Trading.IBKRPort)
	}
	if cfg.Risk.MaxPositions != defaultMaxPositions {
		t.Errorf("expected default max_positions %d, got %d", defaultMaxPositions, cfg.Risk.MaxPositions)
	}
	if cfg.Exit.StopLossPct != defaultStopLossPct {
		t.Errorf("expected default stop_loss_pct %v, got %v", defaultStopLossPct, cfg.Exit.StopLossPct)
	}
}

func TestIsPaperTrading(t *testing.T) {
	cfg := validBaseConfig()
	if !cfg.IsPaperTrading() {
		t.Error("expected IsPaperTrading to be true")
	}
}

func TestResolveLocation(t *testing.T) {
	cfg := validBaseConfig()
	loc, err := cfg.ResolveLocation()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loc.String() != "America/New_York" {
		t.Errorf("expected America/New_York, got %s", loc.String())
	}
}
