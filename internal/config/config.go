// Package config loads and validates the trading agent's configuration surface
// (§6 of the specification): trading/broker connection, risk limits, strategy entry
// criteria, exit thresholds, learning-engine parameters, and snapshot scheduling.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	yaml "gopkg.in/yaml.v3"
)

// DefaultIBKRPort is IBKR's standard paper-trading gateway port. The §4.3
// paper-mode interlock treats this port as proof of a paper connection even when
// paper_trading isn't explicitly set.
const DefaultIBKRPort = 7497

// Default values for the configuration surface enumerated in §6.
const (
	defaultIBKRPort            = DefaultIBKRPort // paper port; live is 7496
	defaultMaxDailyLoss        = -0.02
	defaultMaxPositionLoss     = -500.0
	defaultMaxPositions        = 10
	defaultMaxPositionsPerDay  = 10
	defaultSectorConcentration = 0.30
	defaultMarginUtilization   = 0.80
	defaultOTMMin              = 0.15
	defaultOTMMax              = 0.20
	defaultPremiumMin          = 0.30
	defaultPremiumMax          = 0.50
	defaultDTEMin              = 7
	defaultDTEMax              = 14
	defaultContracts           = 5
	defaultProfitTargetPct     = 0.50
	defaultStopLossPct         = -2.00
	defaultTimeExitDTE         = 3
	defaultPollIntervalSec     = 1
	defaultMaxWaitMarketSec    = 30
	defaultMaxWaitLimitSec     = 10
	defaultMinSampleSize       = 30
	defaultPValueThreshold     = 0.05
	defaultMinEffectSize       = 0.005
	defaultMinDataQuality      = 0.70
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Trading     TradingConfig     `yaml:"trading"`
	Screener    ScreenerConfig    `yaml:"screener"`
	Risk        RiskConfig        `yaml:"risk"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Exit        ExitConfig        `yaml:"exit"`
	Learning    LearningConfig    `yaml:"learning"`
	Snapshot    SnapshotConfig    `yaml:"snapshot"`
	Storage     StorageConfig     `yaml:"storage"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// EnvironmentConfig defines process-wide environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode" validate:"oneof=paper live"` // paper | live
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
}

// TradingConfig defines the IBKR connection and paper/live interlock per §4.3/§6.
type TradingConfig struct {
	PaperTrading bool   `yaml:"paper_trading"`
	IBKRHost     string `yaml:"ibkr_host" validate:"required"`
	IBKRPort     int    `yaml:"ibkr_port" validate:"required"`
	IBKRClientID int    `yaml:"ibkr_client_id"`
	DryRun       bool   `yaml:"dry_run"`
}

// ScreenerConfig defines Barchart OnDemand screener access.
type ScreenerConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// RiskConfig defines the six RiskGovernor limits of §4.2.
type RiskConfig struct {
	// MaxDailyLoss is a fraction of account equity (negative; e.g. -0.02 = -2%).
	MaxDailyLoss float64 `yaml:"max_daily_loss" validate:"lt=0"`
	// MaxPositionLoss is a dollar amount (negative; e.g. -500 = -$500 per position).
	MaxPositionLoss        float64 `yaml:"max_position_loss" validate:"lt=0"`
	MaxPositions           int     `yaml:"max_positions" validate:"gt=0"`
	MaxPositionsPerDay     int     `yaml:"max_positions_per_day" validate:"gt=0"`
	MaxSectorConcentration float64 `yaml:"max_sector_concentration" validate:"gt=0,lte=1"`
	MaxMarginUtilization   float64 `yaml:"max_margin_utilization" validate:"gt=0,lte=1"`
}

// StrategyConfig defines entry criteria per §6.
type StrategyConfig struct {
	OTMRangeMin         float64 `yaml:"otm_range_min" validate:"gt=0,lt=1"`
	OTMRangeMax         float64 `yaml:"otm_range_max" validate:"gt=0,lt=1"`
	PremiumRangeMin     float64 `yaml:"premium_range_min" validate:"gt=0"`
	PremiumRangeMax     float64 `yaml:"premium_range_max" validate:"gt=0"`
	DTEMin              int     `yaml:"dte_min" validate:"gt=0"`
	DTEMax              int     `yaml:"dte_max" validate:"gt=0"`
	Contracts           int     `yaml:"contracts" validate:"gt=0"`
	TrendFilter         string  `yaml:"trend_filter" validate:"omitempty,oneof=uptrend downtrend sideways"`
	MaxSpreadPct        float64 `yaml:"max_spread_pct" validate:"gt=0"`
	MinMarginEfficiency float64 `yaml:"min_margin_efficiency" validate:"gte=0"`
	RequireUptrend      bool    `yaml:"require_uptrend"`
	MinVolume           int64   `yaml:"min_volume" validate:"gte=0"`
	MinOpenInterest     int64   `yaml:"min_open_interest" validate:"gte=0"`
}

// ExitConfig defines the per-position exit thresholds of §4.4. StopLossPct is a
// fraction of premium (negative), distinct in unit from RiskConfig.MaxDailyLoss which
// is a fraction of account equity — resolving the §9 open question explicitly.
type ExitConfig struct {
	ProfitTargetPct  float64 `yaml:"profit_target_pct" validate:"gt=0,lt=1"`
	StopLossPct      float64 `yaml:"stop_loss_pct" validate:"lt=0"` // fraction of premium, e.g. -2.00 = -200%
	TimeExitDTE      int     `yaml:"time_exit_dte" validate:"gte=0"`
	PollIntervalSec  int     `yaml:"poll_interval_sec" validate:"gt=0"`
	MaxWaitMarketSec int     `yaml:"max_wait_market_sec" validate:"gt=0"`
	MaxWaitLimitSec  int     `yaml:"max_wait_limit_sec" validate:"gt=0"`
}

// LearningConfig defines the statistical-significance parameters of §4.7/§6.
type LearningConfig struct {
	MinSampleSize             int     `yaml:"min_sample_size" validate:"gt=0"`
	PValueThreshold           float64 `yaml:"p_value_threshold" validate:"gt=0,lt=1"`
	MinEffectSize             float64 `yaml:"min_effect_size" validate:"gt=0"`
	MinDataQualityForLearning float64 `yaml:"min_data_quality_for_learning" validate:"gte=0,lte=1"`
}

// SnapshotConfig defines snapshot scheduling.
type SnapshotConfig struct {
	DailySnapshotTime string `yaml:"daily_snapshot_time" validate:"required"` // "HH:MM"
	Timezone          string `yaml:"timezone"`
}

// StorageConfig defines the sqlite database path.
type StorageConfig struct {
	Path       string `yaml:"path" validate:"required"`
	SessionDir string `yaml:"session_dir"`
}

// TelemetryConfig defines the internal health/metrics endpoint (not the excluded web UI).
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

var validate = validator.New()

// Load reads, expands, decodes, normalizes, and validates the configuration file.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", configPath, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", configPath, err)
	}

	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Normalize sets default values per the enumerated defaults of §6.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Environment.Mode) == "" {
		c.Environment.Mode = "paper"
	}
	if strings.TrimSpace(c.Environment.LogLevel) == "" {
		c.Environment.LogLevel = "info"
	}
	if strings.TrimSpace(c.Trading.IBKRHost) == "" {
		c.Trading.IBKRHost = "127.0.0.1"
	}
	if c.Trading.IBKRPort == 0 {
		c.Trading.IBKRPort = defaultIBKRPort
		c.Trading.PaperTrading = true
	}
	if c.Trading.IBKRClientID == 0 {
		c.Trading.IBKRClientID = 1
	}
	if c.Risk.MaxDailyLoss == 0 {
		c.Risk.MaxDailyLoss = defaultMaxDailyLoss
	}
	if c.Risk.MaxPositionLoss == 0 {
		c.Risk.MaxPositionLoss = defaultMaxPositionLoss
	}
	if c.Risk.MaxPositions == 0 {
		c.Risk.MaxPositions = defaultMaxPositions
	}
	if c.Risk.MaxPositionsPerDay == 0 {
		c.Risk.MaxPositionsPerDay = defaultMaxPositionsPerDay
	}
	if c.Risk.MaxSectorConcentration == 0 {
		c.Risk.MaxSectorConcentration = defaultSectorConcentration
	}
	if c.Risk.MaxMarginUtilization == 0 {
		c.Risk.MaxMarginUtilization = defaultMarginUtilization
	}
	if c.Strategy.OTMRangeMin == 0 {
		c.Strategy.OTMRangeMin = defaultOTMMin
	}
	if c.Strategy.OTMRangeMax == 0 {
		c.Strategy.OTMRangeMax = defaultOTMMax
	}
	if c.Strategy.PremiumRangeMin == 0 {
		c.Strategy.PremiumRangeMin = defaultPremiumMin
	}
	if c.Strategy.PremiumRangeMax == 0 {
		c.Strategy.PremiumRangeMax = defaultPremiumMax
	}
	if c.Strategy.DTEMin == 0 {
		c.Strategy.DTEMin = defaultDTEMin
	}
	if c.Strategy.DTEMax == 0 {
		c.Strategy.DTEMax = defaultDTEMax
	}
	if c.Strategy.Contracts == 0 {
		c.Strategy.Contracts = defaultContracts
	}
	if strings.TrimSpace(c.Strategy.TrendFilter) == "" {
		c.Strategy.TrendFilter = "uptrend"
	}
	if c.Exit.ProfitTargetPct == 0 {
		c.Exit.ProfitTargetPct = defaultProfitTargetPct
	}
	if c.Exit.StopLossPct == 0 {
		c.Exit.StopLossPct = defaultStopLossPct
	}
	if c.Exit.TimeExitDTE == 0 {
		c.Exit.TimeExitDTE = defaultTimeExitDTE
	}
	if c.Exit.PollIntervalSec == 0 {
		c.Exit.PollIntervalSec = defaultPollIntervalSec
	}
	if c.Exit.MaxWaitMarketSec == 0 {
		c.Exit.MaxWaitMarketSec = defaultMaxWaitMarketSec
	}
	if c.Exit.MaxWaitLimitSec == 0 {
		c.Exit.MaxWaitLimitSec = defaultMaxWaitLimitSec
	}
	if c.Learning.MinSampleSize == 0 {
		c.Learning.MinSampleSize = defaultMinSampleSize
	}
	if c.Learning.PValueThreshold == 0 {
		c.Learning.PValueThreshold = defaultPValueThreshold
	}
	if c.Learning.MinEffectSize == 0 {
		c.Learning.MinEffectSize = defaultMinEffectSize
	}
	if c.Learning.MinDataQualityForLearning == 0 {
		c.Learning.MinDataQualityForLearning = defaultMinDataQuality
	}
	if strings.TrimSpace(c.Snapshot.DailySnapshotTime) == "" {
		c.Snapshot.DailySnapshotTime = "16:00"
	}
	if strings.TrimSpace(c.Snapshot.Timezone) == "" {
		c.Snapshot.Timezone = "America/New_York"
	}
	if strings.TrimSpace(c.Storage.SessionDir) == "" {
		c.Storage.SessionDir = "sessions"
	}
	if c.Telemetry.Port == 0 {
		c.Telemetry.Port = 9847
	}
}

// Validate applies struct-tag validation for the numeric limit surface, then
// cross-field invariants the tag validator can't express (unit/sign conventions,
// paper/live port coupling).
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	// §4.3 paper-mode interlock: paper_trading must agree with the configured port.
	if c.Trading.PaperTrading && c.Trading.IBKRPort != defaultIBKRPort {
		return fmt.Errorf("trading.paper_trading=true requires trading.ibkr_port=%d, got %d",
			defaultIBKRPort, c.Trading.IBKRPort)
	}
	if !c.Trading.PaperTrading && c.Trading.IBKRPort == defaultIBKRPort {
		return fmt.Errorf("trading.ibkr_port=%d is the paper port; set trading.paper_trading=true or use the live port", defaultIBKRPort)
	}

	if c.Strategy.OTMRangeMin >= c.Strategy.OTMRangeMax {
		return fmt.Errorf("strategy.otm_range_min must be < otm_range_max")
	}
	if c.Strategy.PremiumRangeMin >= c.Strategy.PremiumRangeMax {
		return fmt.Errorf("strategy.premium_range_min must be < premium_range_max")
	}
	if c.Strategy.DTEMin > c.Strategy.DTEMax {
		return fmt.Errorf("strategy.dte_min must be <= dte_max")
	}

	if _, err := time.ParseInLocation("15:04", c.Snapshot.DailySnapshotTime, time.UTC); err != nil {
		return fmt.Errorf("snapshot.daily_snapshot_time invalid: %w", err)
	}
	if _, err := time.LoadLocation(c.Snapshot.Timezone); err != nil {
		return fmt.Errorf("snapshot.timezone invalid: %w", err)
	}

	return nil
}

// IsPaperTrading reports whether the agent is configured for the paper sandbox.
func (c *Config) IsPaperTrading() bool {
	return c.Trading.PaperTrading
}

// ResolveLocation returns the configured snapshot/trading timezone.
func (c *Config) ResolveLocation() (*time.Location, error) {
	tz := c.Snapshot.Timezone
	if strings.TrimSpace(tz) == "" {
		tz = "America/New_York"
	}
	return time.LoadLocation(tz)
}
