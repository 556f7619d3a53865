// Package config handles configuration management with validation.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration document: a
// single YAML file supplying every threshold the core reads. Missing config
// at startup aborts the process; a missing key consulted mid-gate-evaluation
// is a BLOCK for that decision (callers enforce that, not this package).
type Config struct {
	Mode           string               `yaml:"mode" validate:"required,oneof=paper live"`
	System         SystemConfig         `yaml:"system"`
	Risk           RiskConfig           `yaml:"risk"`
	Sizing         SizingConfig         `yaml:"sizing"`
	PolicyGates    PolicyGatesConfig    `yaml:"policy_gates"`
	Scoring        ScoringConfig        `yaml:"scoring"`
	Sanad          SanadConfig          `yaml:"sanad"`
	Budget         BudgetConfig         `yaml:"budget"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breakers"`
	ColdPath       ColdPathConfig       `yaml:"cold_path"`
	Router         RouterConfig         `yaml:"router"`
	Concurrency    ConcurrencyConfig    `yaml:"concurrency"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	Store          StoreConfig          `yaml:"store"`
	Notify         NotifyConfig         `yaml:"notify"`
	LLM            LLMConfig            `yaml:"llm"`
	Feeds          FeedsConfig          `yaml:"feeds"`
}

// LLMConfig points at the inference gateway the oracle clients call.
type LLMConfig struct {
	Endpoint string `yaml:"endpoint" validate:"required"`
	APIKey   Secret `yaml:"api_key"`
}

// FeedsConfig carries the price-stream and on-chain collaborator settings.
type FeedsConfig struct {
	PriceStreamURL string   `yaml:"price_stream_url"`
	WatchedSymbols []string `yaml:"watched_symbols"`
	PriceCacheFile string   `yaml:"price_cache_file"`
	OnchainAPIURL  string   `yaml:"onchain_api_url"`
}

// SystemConfig holds process-wide ambient settings.
type SystemConfig struct {
	LogLevel    string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	DataDir     string `yaml:"data_dir" validate:"required"`
	LeaseDir    string `yaml:"lease_dir"`
	KillSwitchFile string `yaml:"kill_switch_file"`
	PauseFlagFile  string `yaml:"pause_flag_file"`
	FastPathFlagFile string `yaml:"fast_path_flag_file"`
}

// RiskConfig carries the capital-preservation and exit-rule thresholds of
// the router, the monitor, and the capital-preservation gate.
type RiskConfig struct {
	MaxDrawdownPct        float64 `yaml:"max_drawdown_pct" validate:"required,gt=0"`
	DailyLossLimitPct     float64 `yaml:"daily_loss_limit_pct" validate:"required,gt=0"`
	MaxMemeAllocationPct  float64 `yaml:"max_meme_allocation_pct" validate:"required,gt=0"`
	MaxSingleTokenPct     float64 `yaml:"max_single_token_pct" validate:"required,gt=0"`
	StopLossDefaultPct    float64 `yaml:"stop_loss_default_pct" validate:"required,gt=0"`
	TakeProfitDefaultPct  float64 `yaml:"take_profit_default_pct" validate:"required,gt=0"`
	BreakevenActivationPct float64 `yaml:"breakeven_activation_pct" validate:"required,gt=0"`
	TrailingActivationPct float64 `yaml:"trailing_activation_pct" validate:"required,gt=0"`
	TrailingDropPct       float64 `yaml:"trailing_drop_pct" validate:"required,gt=0"`
	PaperMaxHoldHours     float64 `yaml:"paper_max_hold_hours" validate:"required,gt=0"`
	MaxHoldHours          float64 `yaml:"max_hold_hours" validate:"required,gt=0"`
	MomentumDecayPct      float64 `yaml:"momentum_decay_volume_drop_pct" validate:"required,gt=0"`
	FlashCrashDropPct     float64 `yaml:"flash_crash_drop_pct" validate:"required,gt=0"`
	FlashCrashWindowMinutes int   `yaml:"flash_crash_window_minutes" validate:"required,gt=0"`
	FeeRatePct            float64 `yaml:"fee_rate_pct" validate:"required,gte=0"`
}

// SizingConfig carries the position-sizing thresholds.
type SizingConfig struct {
	KellyFraction     float64 `yaml:"kelly_fraction" validate:"required,gt=0,lte=1"`
	KellyDefaultPct   float64 `yaml:"kelly_default_pct" validate:"required,gt=0"`
	KellyMinTrades    int     `yaml:"kelly_min_trades" validate:"required,gt=0"`
	MaxPositionPct    float64 `yaml:"max_position_pct" validate:"required,gt=0"`
	PaperDefaultPct   float64 `yaml:"paper_default_pct" validate:"required,gt=0"`
	PaperMaxPositionPct float64 `yaml:"paper_max_position_pct" validate:"required,gt=0"`
	PaperRegimeFloor  float64 `yaml:"paper_regime_floor" validate:"gte=0"`
}

// PolicyGatesConfig carries the fifteen-gate thresholds.
type PolicyGatesConfig struct {
	PriceMaxAgeSec              int     `yaml:"price_max_age_sec" validate:"required,gt=0"`
	OnchainMaxAgeSec            int     `yaml:"onchain_max_age_sec" validate:"required,gt=0"`
	TokenMinAgeHours            float64 `yaml:"token_min_age_hours" validate:"required,gt=0"`
	MaxSlippageBps              int     `yaml:"max_slippage_bps" validate:"required,gt=0"`
	MaxSpreadBps                int     `yaml:"max_spread_bps" validate:"required,gt=0"`
	VolatilityHaltPct           float64 `yaml:"volatility_halt_pct" validate:"required,gt=0"`
	VolatilityHaltWindowMinutes int     `yaml:"volatility_halt_window_minutes" validate:"required,gt=0"`
	ExchangeErrorRatePct        float64 `yaml:"exchange_error_rate_pct" validate:"required,gt=0"`
	ReconciliationMaxAgeSec     int     `yaml:"reconciliation_max_age_sec" validate:"required,gt=0"`
	MaxConcurrentPositions      int     `yaml:"max_concurrent_positions" validate:"required,gt=0"`
	CooldownMinutes             int     `yaml:"cooldown_minutes" validate:"required,gt=0"`
}

// ScoringConfig carries Gate 15 (Verdict) thresholds.
type ScoringConfig struct {
	MinTrustScore      int `yaml:"min_trust_score" validate:"required,gte=0,lte=100"`
	MinConfidenceScore int `yaml:"min_confidence_score" validate:"required,gte=0,lte=100"`
}

// SanadConfig carries the signal-verification thresholds.
type SanadConfig struct {
	SignalMaxAgeMinutes int `yaml:"signal_max_age_minutes" validate:"required,gt=0"`
	MinimumTradeScore   int `yaml:"minimum_trade_score" validate:"required,gte=0"`
}

// BudgetConfig carries Gate 14 thresholds.
type BudgetConfig struct {
	DailyLLMSpendLimitUSD   float64 `yaml:"daily_llm_spend_limit_usd" validate:"required,gt=0"`
	MonthlyLLMSpendLimitUSD float64 `yaml:"monthly_llm_spend_limit_usd" validate:"required,gt=0"`
	CostPerTradeAlertUSD    float64 `yaml:"cost_per_trade_alert_usd" validate:"required,gt=0"`
}

// CircuitBreakerConfig carries the breaker thresholds, defaulted per-component.
type CircuitBreakerConfig struct {
	SimultaneousTripPause int                             `yaml:"simultaneous_trip_pause" validate:"required,gt=0"`
	Components            map[string]CircuitComponentConfig `yaml:"components"`
}

// CircuitComponentConfig is the per-component breaker tuning.
type CircuitComponentConfig struct {
	WindowSeconds   int `yaml:"window_seconds" validate:"required,gt=0"`
	TripThreshold   int `yaml:"trip_threshold" validate:"required,gt=0"`
	CooldownSeconds int `yaml:"cooldown_seconds" validate:"required,gt=0"`
}

// ColdPathConfig carries the async-queue tuning.
type ColdPathConfig struct {
	Model                         string  `yaml:"model" validate:"required"`
	JudgeModel                    string  `yaml:"judge_model" validate:"required"`
	TimeoutSeconds                int     `yaml:"timeout_seconds" validate:"required,gt=0"`
	MaxAttempts                   int     `yaml:"max_attempts" validate:"required,gt=0"`
	ParallelBullBear               bool    `yaml:"parallel_bull_bear"`
	CatastrophicConfidenceThreshold int    `yaml:"catastrophic_confidence_threshold" validate:"required,gte=0,lte=100"`
	WorkerPoolSize                 int     `yaml:"worker_pool_size" validate:"required,gt=0"`
	PollIntervalSeconds            int     `yaml:"poll_interval_seconds" validate:"required,gt=0"`
	PollBatchSize                  int     `yaml:"poll_batch_size" validate:"required,gt=0"`
}

// RouterConfig carries the signal-router tuning.
type RouterConfig struct {
	FeedDirs             []string `yaml:"feed_dirs" validate:"required,min=1"`
	StaleThresholdMinutes int      `yaml:"stale_threshold_minutes" validate:"required,gt=0"`
	DailyRunBudget       int      `yaml:"daily_run_budget" validate:"required,gt=0"`
	PerTokenRejectCooldownMinutes int `yaml:"per_token_reject_cooldown_minutes" validate:"required,gt=0"`
	PipelineTimeoutSeconds int    `yaml:"pipeline_timeout_seconds" validate:"required,gt=0"`
	StateFile            string   `yaml:"state_file" validate:"required"`
}

// ConcurrencyConfig carries worker-pool sizing shared across components.
type ConcurrencyConfig struct {
	SanadEnrichmentPoolSize int `yaml:"sanad_enrichment_pool_size" validate:"required,gt=0"`
	DebatePoolSize          int `yaml:"debate_pool_size" validate:"required,gt=0"`
}

// TelemetryConfig contains metrics server settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port" validate:"required,gt=0"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// StoreConfig contains State Store settings.
type StoreConfig struct {
	DBPath string `yaml:"db_path" validate:"required"`
}

// NotifyConfig contains notification channel settings.
type NotifyConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion. Missing config at startup aborts the process.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks the mode and the system, router, circuit breaker and
// store sections. Each failing section contributes its first field-level
// error; the errors are joined into one before returning.
func (c *Config) Validate() error {
	var errs []string

	if c.Mode != "paper" && c.Mode != "live" {
		errs = append(errs, ValidationError{Field: "mode", Value: c.Mode, Message: "must be 'paper' or 'live'"}.Error())
	}
	if err := c.validateSystem(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateRouter(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateCircuitBreakers(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateStore(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{Field: "system.log_level", Value: c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", "))}
	}
	if c.System.DataDir == "" {
		return ValidationError{Field: "system.data_dir", Message: "data_dir is required"}
	}
	return nil
}

func (c *Config) validateRouter() error {
	if len(c.Router.FeedDirs) == 0 {
		return ValidationError{Field: "router.feed_dirs", Message: "at least one feed directory is required"}
	}
	return nil
}

func (c *Config) validateCircuitBreakers() error {
	if c.CircuitBreaker.SimultaneousTripPause <= 0 {
		return ValidationError{Field: "circuit_breakers.simultaneous_trip_pause", Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateStore() error {
	if c.Store.DBPath == "" {
		return ValidationError{Field: "store.db_path", Message: "db_path is required"}
	}
	return nil
}

// String returns a YAML rendering of the configuration with secrets masked
// via Secret's own MarshalYAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// ComponentBreaker returns the per-component circuit-breaker tuning, falling
// back to a conservative default when the component has no explicit entry.
func (c *CircuitBreakerConfig) ComponentBreaker(component string) CircuitComponentConfig {
	if cfg, ok := c.Components[component]; ok {
		return cfg
	}
	return CircuitComponentConfig{WindowSeconds: 300, TripThreshold: 5, CooldownSeconds: 300}
}

// expandEnvVars expands ${VAR} / $VAR references in the YAML content.
func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a fully populated configuration suitable for tests.
func DefaultConfig() *Config {
	return &Config{
		Mode: "paper",
		System: SystemConfig{
			LogLevel:         "INFO",
			DataDir:          "./data",
			LeaseDir:         "./data/leases",
			KillSwitchFile:   "./data/kill_switch",
			PauseFlagFile:    "./data/router.pause",
			FastPathFlagFile: "./data/fast_path",
		},
		Risk: RiskConfig{
			MaxDrawdownPct: 20, DailyLossLimitPct: 5, MaxMemeAllocationPct: 30,
			MaxSingleTokenPct: 10, StopLossDefaultPct: 10, TakeProfitDefaultPct: 25,
			BreakevenActivationPct: 8, TrailingActivationPct: 15, TrailingDropPct: 5,
			PaperMaxHoldHours: 48, MaxHoldHours: 168, MomentumDecayPct: 30,
			FlashCrashDropPct: 10, FlashCrashWindowMinutes: 15, FeeRatePct: 0.1,
		},
		Sizing: SizingConfig{
			KellyFraction: 0.5, KellyDefaultPct: 2, KellyMinTrades: 20,
			MaxPositionPct: 10, PaperDefaultPct: 2, PaperMaxPositionPct: 5, PaperRegimeFloor: 0.5,
		},
		PolicyGates: PolicyGatesConfig{
			PriceMaxAgeSec: 60, OnchainMaxAgeSec: 300, TokenMinAgeHours: 24,
			MaxSlippageBps: 300, MaxSpreadBps: 100, VolatilityHaltPct: 40,
			VolatilityHaltWindowMinutes: 15, ExchangeErrorRatePct: 5,
			ReconciliationMaxAgeSec: 120, MaxConcurrentPositions: 10, CooldownMinutes: 60,
		},
		Scoring: ScoringConfig{MinTrustScore: 60, MinConfidenceScore: 55},
		Sanad:   SanadConfig{SignalMaxAgeMinutes: 30, MinimumTradeScore: 50},
		Budget:  BudgetConfig{DailyLLMSpendLimitUSD: 25, MonthlyLLMSpendLimitUSD: 400, CostPerTradeAlertUSD: 1},
		CircuitBreaker: CircuitBreakerConfig{
			SimultaneousTripPause: 3,
			Components:            map[string]CircuitComponentConfig{},
		},
		ColdPath: ColdPathConfig{
			Model: "sanad-deep", JudgeModel: "sanad-judge", TimeoutSeconds: 45,
			MaxAttempts: 4, ParallelBullBear: true, CatastrophicConfidenceThreshold: 85,
			WorkerPoolSize: 2, PollIntervalSeconds: 30, PollBatchSize: 10,
		},
		Router: RouterConfig{
			FeedDirs: []string{"./data/feeds"}, StaleThresholdMinutes: 30, DailyRunBudget: 200,
			PerTokenRejectCooldownMinutes: 30, PipelineTimeoutSeconds: 300, StateFile: "./data/router_state.json",
		},
		Concurrency: ConcurrencyConfig{SanadEnrichmentPoolSize: 4, DebatePoolSize: 2},
		Telemetry:   TelemetryConfig{MetricsPort: 9090, EnableMetrics: true},
		Store:       StoreConfig{DBPath: "./data/sanad.db"},
		LLM:         LLMConfig{Endpoint: "http://127.0.0.1:8901"},
		Feeds: FeedsConfig{
			PriceStreamURL: "ws://127.0.0.1:8902/stream",
			WatchedSymbols: []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
			PriceCacheFile: "./data/price_cache.json",
		},
	}
}
