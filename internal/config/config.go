// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Bitfinex   BitfinexConfig   `yaml:"bitfinex"`
	MarketData MarketDataConfig `yaml:"marketdata"`
	WS         WSConfig         `yaml:"ws"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Circuit    CircuitConfig    `yaml:"circuit"`
	Trading    TradingConfig    `yaml:"trading"`
	Risk       RiskConfig       `yaml:"risk"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	System     SystemConfig     `yaml:"system"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// BitfinexConfig contains exchange credentials and endpoints
type BitfinexConfig struct {
	APIKey      Secret `yaml:"api_key"`
	SecretKey   Secret `yaml:"secret_key"`
	RESTURL     string `yaml:"rest_url"`
	WSPublicURL string `yaml:"ws_public_url"`
	WSAuthURL   string `yaml:"ws_auth_url"`
	AffCode     string `yaml:"aff_code"`
}

// HasCredentials reports whether both API credentials are present.
func (b *BitfinexConfig) HasCredentials() bool {
	return b.APIKey != "" && b.SecretKey != ""
}

// MarketDataConfig controls the WS-first, REST-fallback market data facade
type MarketDataConfig struct {
	Mode                 string `yaml:"mode" validate:"oneof=auto rest_only ws_only"`
	WSTickerStaleSecs    int    `yaml:"ws_ticker_stale_secs"`
	WSTickerWarmupMS     int    `yaml:"ws_ticker_warmup_ms"` // capped at 500
	TickerCacheTTLSecs   int    `yaml:"ticker_cache_ttl_secs"`
	CandleCachePath      string `yaml:"candle_cache_path"`
	CandleRetentionDays  int    `yaml:"candle_cache_retention_days"`
	CandleMaxRowsPerPair int    `yaml:"candle_cache_max_rows_per_pair"`
	EMAPeriod            int    `yaml:"ema_period"`
	RSIPeriod            int    `yaml:"rsi_period"`
	ATRPeriod            int    `yaml:"atr_period"`
}

// WSConfig contains WebSocket pool and private session settings
type WSConfig struct {
	UsePool              bool `yaml:"use_pool"`
	MaxSubsPerSocket     int  `yaml:"max_subs_per_socket"`
	PublicSocketsMax     int  `yaml:"public_sockets_max"`
	DeadManSwitch        bool `yaml:"dead_man_switch"`
	DeadManTimeoutSecs   int  `yaml:"dead_man_timeout_secs"`
	PingIntervalSecs     int  `yaml:"ping_interval_secs"`
	PongWaitSecs         int  `yaml:"pong_wait_secs"`
	ReconnectInitialSecs int  `yaml:"reconnect_initial_secs"`
}

// RateLimitConfig contains token bucket settings for the REST transport
type RateLimitConfig struct {
	Enabled                bool     `yaml:"enabled"`
	PrivateRESTConcurrency int      `yaml:"private_rest_concurrency"`
	Patterns               []string `yaml:"patterns"` // ordered "regex=>CLASS" entries, first match wins
	Buckets                []Bucket `yaml:"buckets"`  // per-class capacity overrides
}

// Bucket overrides the capacity and refill window of one endpoint class.
type Bucket struct {
	Class      string `yaml:"class"`
	Capacity   int    `yaml:"capacity"`
	WindowSecs int    `yaml:"window_secs"`
}

// CircuitConfig contains transport circuit breaker settings
type CircuitConfig struct {
	Enabled            bool `yaml:"enabled"`
	ErrorWindowSecs    int  `yaml:"error_window_seconds"`
	MaxErrorsPerWindow int  `yaml:"max_errors_per_window"`
	CooldownBaseSecs   int  `yaml:"cooldown_base_secs"`
	CooldownMaxSecs    int  `yaml:"cooldown_max_secs"`
}

// TradingConfig contains order pipeline and trade constraint settings
type TradingConfig struct {
	MaxTradesPerDay          int                 `yaml:"max_trades_per_day"`
	MaxTradesPerSymbolPerDay int                 `yaml:"max_trades_per_symbol_per_day"`
	TradeCooldownSecs        int                 `yaml:"trade_cooldown_seconds"`
	TradingPaused            bool                `yaml:"trading_paused"`
	DryRun                   bool                `yaml:"dry_run_enabled"`
	Autotrade                bool                `yaml:"autotrade_enabled"`
	BracketPartialAdjust     bool                `yaml:"bracket_partial_adjust"`
	SubmitViaWS              bool                `yaml:"submit_via_ws"`
	Timezone                 string              `yaml:"timezone"`
	Windows                  map[string][]string `yaml:"windows"` // weekday -> ["HH:MM-HH:MM", ...]
	RulesPath                string              `yaml:"rules_path"`
	BracketStatePath         string              `yaml:"bracket_state_path"`
	IdempotencyTTLSecs       int                 `yaml:"idempotency_ttl_secs"`
	LocalOrderRate           float64             `yaml:"local_order_rate"`  // orders per second
	LocalOrderBurst          int                 `yaml:"local_order_burst"` // burst size
}

// RiskConfig contains runtime risk guard settings
type RiskConfig struct {
	MaxDailyLossPercent   float64 `yaml:"max_daily_loss_percent"`
	MaxDrawdownPercent    float64 `yaml:"max_drawdown_percent"`
	CooldownAfterLossSecs int     `yaml:"cooldown_after_loss_secs"`
	KillSwitch            bool    `yaml:"kill_switch"`
	EquityTimeoutSecs     int     `yaml:"equity_timeout_secs"`
	GuardsStatePath       string  `yaml:"guards_state_path"`
}

// SchedulerConfig contains periodic job intervals
type SchedulerConfig struct {
	EquitySnapshotSecs  int     `yaml:"equity_snapshot_secs"`
	CandleRetentionSecs int     `yaml:"candle_retention_secs"`
	ProbValidationSecs  int     `yaml:"prob_validation_secs"`
	ProbRetrainSecs     int     `yaml:"prob_retrain_secs"`
	RegimeUpdateSecs    int     `yaml:"regime_update_secs"`
	JitterFraction      float64 `yaml:"jitter_fraction"`
	JobTimeoutSecs      int     `yaml:"job_timeout_secs"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel     string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	StateDir     string `yaml:"state_dir"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// WeekdayKeys are the accepted lowercase keys of the trading window map.
var WeekdayKeys = []string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}

// EndpointClasses are the accepted rate limit class names.
var EndpointClasses = []string{"PUBLIC_MARKET", "PRIVATE_ACCOUNT", "PRIVATE_TRADING", "PRIVATE_MARGIN"}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateMarketData(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateWS(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateRateLimit(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateCircuit(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateTrading(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateRisk(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateMarketData() error {
	validModes := []string{"auto", "rest_only", "ws_only"}
	if !contains(validModes, c.MarketData.Mode) {
		return ValidationError{
			Field:   "marketdata.mode",
			Value:   c.MarketData.Mode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validModes, ", ")),
		}
	}
	if c.MarketData.WSTickerWarmupMS < 0 || c.MarketData.WSTickerWarmupMS > 500 {
		return ValidationError{
			Field:   "marketdata.ws_ticker_warmup_ms",
			Value:   c.MarketData.WSTickerWarmupMS,
			Message: "must be between 0 and 500",
		}
	}
	if c.MarketData.CandleRetentionDays < 1 {
		return ValidationError{
			Field:   "marketdata.candle_cache_retention_days",
			Value:   c.MarketData.CandleRetentionDays,
			Message: "must be at least 1",
		}
	}
	if c.MarketData.CandleMaxRowsPerPair < 1 {
		return ValidationError{
			Field:   "marketdata.candle_cache_max_rows_per_pair",
			Value:   c.MarketData.CandleMaxRowsPerPair,
			Message: "must be at least 1",
		}
	}
	return nil
}

func (c *Config) validateWS() error {
	if c.WS.MaxSubsPerSocket < 1 || c.WS.MaxSubsPerSocket > 30 {
		return ValidationError{
			Field:   "ws.max_subs_per_socket",
			Value:   c.WS.MaxSubsPerSocket,
			Message: "must be between 1 and 30 (exchange caps channels per connection)",
		}
	}
	if c.WS.PublicSocketsMax < 1 || c.WS.PublicSocketsMax > 20 {
		return ValidationError{
			Field:   "ws.public_sockets_max",
			Value:   c.WS.PublicSocketsMax,
			Message: "must be between 1 and 20",
		}
	}
	return nil
}

func (c *Config) validateRateLimit() error {
	if c.RateLimit.PrivateRESTConcurrency < 1 {
		return ValidationError{
			Field:   "rate_limit.private_rest_concurrency",
			Value:   c.RateLimit.PrivateRESTConcurrency,
			Message: "must be at least 1",
		}
	}
	for _, p := range c.RateLimit.Patterns {
		parts := strings.SplitN(p, "=>", 2)
		if len(parts) != 2 || parts[0] == "" {
			return ValidationError{
				Field:   "rate_limit.patterns",
				Value:   p,
				Message: "must have the form 'regex=>CLASS'",
			}
		}
		if !contains(EndpointClasses, parts[1]) {
			return ValidationError{
				Field:   "rate_limit.patterns",
				Value:   parts[1],
				Message: fmt.Sprintf("class must be one of: %s", strings.Join(EndpointClasses, ", ")),
			}
		}
	}
	for _, b := range c.RateLimit.Buckets {
		if !contains(EndpointClasses, b.Class) {
			return ValidationError{
				Field:   "rate_limit.buckets",
				Value:   b.Class,
				Message: fmt.Sprintf("class must be one of: %s", strings.Join(EndpointClasses, ", ")),
			}
		}
		if b.Capacity < 1 || b.WindowSecs < 1 {
			return ValidationError{
				Field:   "rate_limit.buckets",
				Value:   b.Class,
				Message: "capacity and window_secs must be at least 1",
			}
		}
	}
	return nil
}

func (c *Config) validateCircuit() error {
	if c.Circuit.ErrorWindowSecs < 1 {
		return ValidationError{
			Field:   "circuit.error_window_seconds",
			Value:   c.Circuit.ErrorWindowSecs,
			Message: "must be at least 1",
		}
	}
	if c.Circuit.MaxErrorsPerWindow < 1 {
		return ValidationError{
			Field:   "circuit.max_errors_per_window",
			Value:   c.Circuit.MaxErrorsPerWindow,
			Message: "must be at least 1",
		}
	}
	if c.Circuit.CooldownMaxSecs < c.Circuit.CooldownBaseSecs {
		return ValidationError{
			Field:   "circuit.cooldown_max_secs",
			Value:   c.Circuit.CooldownMaxSecs,
			Message: "must be >= cooldown_base_secs",
		}
	}
	return nil
}

func (c *Config) validateTrading() error {
	if _, err := time.LoadLocation(c.Trading.Timezone); err != nil {
		return ValidationError{
			Field:   "trading.timezone",
			Value:   c.Trading.Timezone,
			Message: "unknown timezone",
		}
	}
	for day := range c.Trading.Windows {
		if !contains(WeekdayKeys, strings.ToLower(day)) {
			return ValidationError{
				Field:   "trading.windows",
				Value:   day,
				Message: fmt.Sprintf("weekday key must be one of: %s", strings.Join(WeekdayKeys, ", ")),
			}
		}
	}
	if c.Trading.MaxTradesPerDay < 0 || c.Trading.MaxTradesPerSymbolPerDay < 0 {
		return ValidationError{
			Field:   "trading.max_trades_per_day",
			Message: "trade limits cannot be negative",
		}
	}
	return nil
}

func (c *Config) validateRisk() error {
	if c.Risk.MaxDailyLossPercent < 0 || c.Risk.MaxDailyLossPercent > 100 {
		return ValidationError{
			Field:   "risk.max_daily_loss_percent",
			Value:   c.Risk.MaxDailyLossPercent,
			Message: "must be between 0 and 100",
		}
	}
	if c.Risk.MaxDrawdownPercent < 0 || c.Risk.MaxDrawdownPercent > 100 {
		return ValidationError{
			Field:   "risk.max_drawdown_percent",
			Value:   c.Risk.MaxDrawdownPercent,
			Message: "must be between 0 and 100",
		}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		value := os.Getenv(key)
		if value == "" && isCriticalEnvVar(key) {
			return ""
		}
		return value
	})
}

// isCriticalEnvVar checks if an environment variable is critical for operation
func isCriticalEnvVar(key string) bool {
	criticalVars := []string{
		"BITFINEX_API_KEY", "BITFINEX_API_SECRET",
	}
	return contains(criticalVars, key)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the configuration defaults. LoadConfig overlays the
// YAML file on top of these, so absent keys keep their default.
func DefaultConfig() *Config {
	return &Config{
		Bitfinex: BitfinexConfig{
			RESTURL:     "https://api.bitfinex.com",
			WSPublicURL: "wss://api-pub.bitfinex.com/ws/2",
			WSAuthURL:   "wss://api.bitfinex.com/ws/2",
		},
		MarketData: MarketDataConfig{
			Mode:                 "auto",
			WSTickerStaleSecs:    10,
			WSTickerWarmupMS:     250,
			TickerCacheTTLSecs:   5,
			CandleCachePath:      "data/candles.db",
			CandleRetentionDays:  30,
			CandleMaxRowsPerPair: 10000,
			EMAPeriod:            20,
			RSIPeriod:            14,
			ATRPeriod:            14,
		},
		WS: WSConfig{
			UsePool:              true,
			MaxSubsPerSocket:     25,
			PublicSocketsMax:     3,
			DeadManSwitch:        true,
			DeadManTimeoutSecs:   60,
			PingIntervalSecs:     15,
			PongWaitSecs:         45,
			ReconnectInitialSecs: 1,
		},
		RateLimit: RateLimitConfig{
			Enabled:                true,
			PrivateRESTConcurrency: 2,
			Patterns: []string{
				`^(ticker|tickers|candles|trades|book|conf)=>PUBLIC_MARKET`,
				`^auth/w/order=>PRIVATE_TRADING`,
				`^auth/w/position=>PRIVATE_MARGIN`,
				`^auth/r/=>PRIVATE_ACCOUNT`,
				`^auth/w/=>PRIVATE_TRADING`,
			},
			Buckets: []Bucket{
				{Class: "PUBLIC_MARKET", Capacity: 30, WindowSecs: 60},
				{Class: "PRIVATE_ACCOUNT", Capacity: 45, WindowSecs: 60},
				{Class: "PRIVATE_TRADING", Capacity: 90, WindowSecs: 60},
				{Class: "PRIVATE_MARGIN", Capacity: 45, WindowSecs: 60},
			},
		},
		Circuit: CircuitConfig{
			Enabled:            true,
			ErrorWindowSecs:    60,
			MaxErrorsPerWindow: 5,
			CooldownBaseSecs:   30,
			CooldownMaxSecs:    300,
		},
		Trading: TradingConfig{
			MaxTradesPerDay:          10,
			MaxTradesPerSymbolPerDay: 0, // 0 disables the per-symbol cap
			TradeCooldownSecs:        60,
			TradingPaused:            false,
			DryRun:                   true,
			Autotrade:                false,
			BracketPartialAdjust:     true,
			SubmitViaWS:              false,
			Timezone:                 "UTC",
			Windows: map[string][]string{
				"mon": {"00:00-23:59"},
				"tue": {"00:00-23:59"},
				"wed": {"00:00-23:59"},
				"thu": {"00:00-23:59"},
				"fri": {"00:00-23:59"},
				"sat": {"00:00-23:59"},
				"sun": {"00:00-23:59"},
			},
			RulesPath:          "data/trading_rules.json",
			BracketStatePath:   "data/bracket_state.json",
			IdempotencyTTLSecs: 60,
			LocalOrderRate:     5,
			LocalOrderBurst:    10,
		},
		Risk: RiskConfig{
			MaxDailyLossPercent:   5,
			MaxDrawdownPercent:    15,
			CooldownAfterLossSecs: 300,
			KillSwitch:            false,
			EquityTimeoutSecs:     5,
			GuardsStatePath:       "data/risk_guards.json",
		},
		Scheduler: SchedulerConfig{
			EquitySnapshotSecs:  300,
			CandleRetentionSecs: 3600,
			ProbValidationSecs:  1800,
			ProbRetrainSecs:     21600,
			RegimeUpdateSecs:    300,
			JitterFraction:      0.1,
			JobTimeoutSecs:      60,
		},
		System: SystemConfig{
			LogLevel:     "INFO",
			StateDir:     "data",
			CancelOnExit: true,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
	}
}
