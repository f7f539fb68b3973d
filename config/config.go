package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"futures-trading-bot/internal/bot"
	"futures-trading-bot/internal/market"
	"futures-trading-bot/internal/signal"
)

// ErrInvalidConfig wraps validation failures. A rejected runtime update
// leaves the prior configuration in effect.
var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	ExchangeConfig ExchangeConfig `json:"exchange"`
	EngineConfig   EngineConfig   `json:"engine"`
	MarketConfig   MarketConfig   `json:"market"`
	MaturityConfig MaturityConfig `json:"maturity"`
	SyncConfig     SyncConfig     `json:"sync"`
	BreakerConfig  BreakerConfig  `json:"breaker"`
	WorkersConfig  WorkersConfig  `json:"workers"`
	AdvisorConfig  AdvisorConfig  `json:"advisor"`
	ServerConfig   ServerConfig   `json:"server"`
	AuthConfig     AuthConfig     `json:"auth"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	VaultConfig    VaultConfig    `json:"vault"`
	LoggingConfig  LoggingConfig  `json:"logging"`
}

// ExchangeConfig selects the exchange surface
type ExchangeConfig struct {
	TestNet      bool    `json:"testnet"`
	PaperTrading bool    `json:"paper_trading"` // simulated fills, no real orders
	PaperBalance float64 `json:"paper_balance"` // starting balance for paper trading
	StreamPrices bool    `json:"stream_prices"` // feed paper fills from the mark-price stream
	QuoteAsset   string  `json:"quote_asset" validate:"required"`
}

// EngineConfig is the runtime-mutable trading configuration. Updates
// arrive through the API as partial documents, are validated whole and
// swapped atomically; see Store.
type EngineConfig struct {
	Enabled         bool     `json:"enabled"`
	Symbols         []string `json:"symbols" validate:"dive,min=3"`
	MaxBots         int      `json:"max_bots" validate:"min=1,max=200"`
	PositionSizeUSD float64  `json:"position_size_usd" validate:"gt=0"`
	Leverage        int      `json:"leverage" validate:"min=1,max=125"`

	SignalConfig SignalConfig `json:"signal"`

	StopLossPercent   float64 `json:"stop_loss_percent" validate:"gte=0,lte=50"`
	TakeProfitPercent float64 `json:"take_profit_percent" validate:"gte=0,lte=500"`

	ProtectionConfig ProtectionConfig `json:"protection"`
}

// SignalConfig holds the evaluation thresholds
type SignalConfig struct {
	RSIOversold   float64 `json:"rsi_oversold" validate:"gte=0,lte=100"`   // LONG entry at or below
	RSIOverbought float64 `json:"rsi_overbought" validate:"gte=0,lte=100,gtfield=RSIOversold"` // SHORT entry at or above
	RSIExitLong   float64 `json:"rsi_exit_long" validate:"gte=0,lte=100"`  // close longs at or above
	RSIExitShort  float64 `json:"rsi_exit_short" validate:"gte=0,lte=100"` // close shorts at or below

	RequireTrend   bool `json:"require_trend"`
	MinTrendStreak int  `json:"min_trend_streak" validate:"gte=0"`

	RequireVolume    bool    `json:"require_volume"`
	VolumeSpikeRatio float64 `json:"volume_spike_ratio" validate:"gte=0"`

	RequireDivergence bool `json:"require_divergence"`

	UseML           bool    `json:"use_ml"`
	MLMinConfidence float64 `json:"ml_min_confidence" validate:"gte=0,lte=1"`

	MaxSnapshotAge time.Duration `json:"max_snapshot_age"` // stale snapshots force WAIT
}

// ProtectionConfig tunes stop management for open positions
type ProtectionConfig struct {
	BreakEvenTriggerPercent   float64 `json:"break_even_trigger_percent" validate:"gte=0"` // profit % that moves the stop to entry
	BreakEvenOffsetPercent    float64 `json:"break_even_offset_percent" validate:"gte=0"`  // stop offset past entry after break-even
	TrailingActivationPercent float64 `json:"trailing_activation_percent" validate:"gte=0"`
	TrailingStopPercent       float64 `json:"trailing_stop_percent" validate:"gte=0,lte=50"` // pullback distance from the watermark
	MaxLossPercent            float64 `json:"max_loss_percent" validate:"gte=0"`             // force-close beyond this loss
}

// MarketConfig tunes the indicator cache
type MarketConfig struct {
	Interval       string        `json:"interval"`      // kline interval, e.g. "5m"
	CandleLimit    int           `json:"candle_limit"`  // candles kept per symbol
	RSIPeriod      int           `json:"rsi_period"`
	EMAFastPeriod  int           `json:"ema_fast_period"`
	EMASlowPeriod  int           `json:"ema_slow_period"`
	ATRPeriod      int           `json:"atr_period"`
	VolumePeriod   int           `json:"volume_period"`
	MaxSnapshotAge time.Duration `json:"max_snapshot_age"`
	RefreshWorkers int           `json:"refresh_workers" validate:"gte=0,lte=64"`
}

// MaturityConfig gates symbol eligibility
type MaturityConfig struct {
	MinCandles     int           `json:"min_candles" validate:"gte=0"`
	RSIRangeMin    float64       `json:"rsi_range_min" validate:"gte=0,lte=100"`
	RSIRangeMax    float64       `json:"rsi_range_max" validate:"gte=0,lte=100"`
	MinVolatility  float64       `json:"min_volatility" validate:"gte=0"`
	VerifyInterval time.Duration `json:"verify_interval"`
}

// SyncConfig tunes position reconciliation
type SyncConfig struct {
	GracePeriod   time.Duration `json:"grace_period"`   // new bots exempt from missing-position checks
	EntryTimeout  time.Duration `json:"entry_timeout"`  // unfilled entries roll back after this
	MissingStreak int           `json:"missing_streak" validate:"gte=1"`
	MismatchDelay int           `json:"mismatch_delay" validate:"gte=1"`
	SizeTolerance float64       `json:"size_tolerance" validate:"gte=0"`
}

// BreakerConfig tunes the trading circuit breaker
type BreakerConfig struct {
	Enabled              bool    `json:"enabled"`
	MaxLossPerHour       float64 `json:"max_loss_per_hour"`      // Max loss % per hour
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"` // Max losing trades in a row
	CooldownMinutes      int     `json:"cooldown_minutes"`       // Cooldown after trip
	MaxTradesPerMinute   int     `json:"max_trades_per_minute"`  // Entry rate limit
	MaxDailyLoss         float64 `json:"max_daily_loss"`         // Max daily loss %
	MaxDailyTrades       int     `json:"max_daily_trades"`       // Max trades per day
}

// WorkersConfig sets the background loop intervals
type WorkersConfig struct {
	ScanInterval    time.Duration `json:"scan_interval"`
	SyncInterval    time.Duration `json:"sync_interval"`
	ProtectInterval time.Duration `json:"protect_interval"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// AdvisorConfig selects the ML advisor. An empty RemoteURL uses the
// built-in weighted predictor.
type AdvisorConfig struct {
	Enabled        bool          `json:"enabled"`
	RemoteURL      string        `json:"remote_url"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port" validate:"min=1,max=65535"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"` // CORS allowed origins
	ReadTimeout     int    `json:"read_timeout"`    // Seconds
	WriteTimeout    int    `json:"write_timeout"`   // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// AuthConfig holds API authentication configuration. The control API
// is operated by a single principal: login exchanges the operator
// token for a JWT.
type AuthConfig struct {
	Enabled       bool          `json:"enabled"`
	JWTSecret     string        `json:"jwt_secret" validate:"required_if=Enabled true"`
	APITokenHash  string        `json:"api_token_hash" validate:"required_if=Enabled true"` // bcrypt hash of the operator token
	TokenDuration time.Duration `json:"token_duration"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for bot state persistence
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // path of the control-plane secrets
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type LoggingConfig struct {
	Level   string `json:"level"`   // debug, info, warn, error
	Output  string `json:"output"`  // stdout, stderr, or file path
	Console bool   `json:"console"` // human-readable output instead of JSON
}

// Load reads config.json if present, then applies environment variable
// overrides. Environment takes precedence over the file; the file takes
// precedence over defaults.
func Load() (*Config, error) {
	cfg := Default()

	if fileCfg, err := loadFromFile("config.json"); err == nil {
		cfg = fileCfg
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the whole configuration. Invalid config fails startup;
// there is no partial acceptance.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

var validate = validator.New()

// Default returns the baseline configuration used when no file exists
func Default() *Config {
	return &Config{
		ExchangeConfig: ExchangeConfig{
			TestNet:      false,
			PaperTrading: true,
			PaperBalance: 10000,
			StreamPrices: false,
			QuoteAsset:   "USDT",
		},
		EngineConfig: EngineConfig{
			Enabled:         false,
			Symbols:         []string{},
			MaxBots:         5,
			PositionSizeUSD: 100,
			Leverage:        3,
			SignalConfig: SignalConfig{
				RSIOversold:      30,
				RSIOverbought:    70,
				RSIExitLong:      70,
				RSIExitShort:     30,
				RequireTrend:     true,
				MinTrendStreak:   3,
				VolumeSpikeRatio: 1.5,
				MLMinConfidence:  0.6,
				MaxSnapshotAge:   3 * time.Minute,
			},
			StopLossPercent:   2.0,
			TakeProfitPercent: 5.0,
			ProtectionConfig: ProtectionConfig{
				BreakEvenTriggerPercent:   1.0,
				BreakEvenOffsetPercent:    0.1,
				TrailingActivationPercent: 1.5,
				TrailingStopPercent:       1.0,
				MaxLossPercent:            10.0,
			},
		},
		MarketConfig: MarketConfig{
			Interval:       "5m",
			CandleLimit:    200,
			RSIPeriod:      14,
			EMAFastPeriod:  9,
			EMASlowPeriod:  21,
			ATRPeriod:      14,
			VolumePeriod:   20,
			MaxSnapshotAge: 3 * time.Minute,
			RefreshWorkers: 5,
		},
		MaturityConfig: MaturityConfig{
			MinCandles:     100,
			RSIRangeMin:    5,
			RSIRangeMax:    95,
			MinVolatility:  0.1,
			VerifyInterval: 30 * time.Minute,
		},
		SyncConfig: SyncConfig{
			GracePeriod:   2 * time.Minute,
			EntryTimeout:  3 * time.Minute,
			MissingStreak: 2,
			MismatchDelay: 2,
			SizeTolerance: 0.01,
		},
		BreakerConfig: BreakerConfig{
			Enabled:              true,
			MaxLossPerHour:       3.0,
			MaxConsecutiveLosses: 5,
			CooldownMinutes:      30,
			MaxTradesPerMinute:   10,
			MaxDailyLoss:         5.0,
			MaxDailyTrades:       100,
		},
		WorkersConfig: WorkersConfig{
			ScanInterval:    time.Minute,
			SyncInterval:    30 * time.Second,
			ProtectInterval: 15 * time.Second,
			CleanupInterval: 30 * time.Minute,
		},
		AdvisorConfig: AdvisorConfig{
			Enabled:        false,
			RequestTimeout: 5 * time.Second,
		},
		ServerConfig: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			AllowedOrigins:  "*",
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
		},
		AuthConfig: AuthConfig{
			Enabled:       false,
			TokenDuration: 12 * time.Hour,
		},
		DatabaseConfig: DatabaseConfig{
			Enabled:  false,
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Database: "trading_bot",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Enabled:  false,
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		VaultConfig: VaultConfig{
			Enabled:    false,
			Address:    "http://localhost:8200",
			MountPath:  "secret",
			SecretPath: "trading-bot/control",
		},
		LoggingConfig: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Exchange
	cfg.ExchangeConfig.TestNet = getEnvBoolOrDefault("EXCHANGE_TESTNET", cfg.ExchangeConfig.TestNet)
	cfg.ExchangeConfig.PaperTrading = getEnvBoolOrDefault("PAPER_TRADING", cfg.ExchangeConfig.PaperTrading)
	cfg.ExchangeConfig.PaperBalance = getEnvFloatOrDefault("PAPER_BALANCE", cfg.ExchangeConfig.PaperBalance)
	cfg.ExchangeConfig.StreamPrices = getEnvBoolOrDefault("EXCHANGE_STREAM_PRICES", cfg.ExchangeConfig.StreamPrices)
	cfg.ExchangeConfig.QuoteAsset = getEnvOrDefault("EXCHANGE_QUOTE_ASSET", cfg.ExchangeConfig.QuoteAsset)

	// Engine
	cfg.EngineConfig.Enabled = getEnvBoolOrDefault("ENGINE_ENABLED", cfg.EngineConfig.Enabled)
	cfg.EngineConfig.Symbols = getEnvListOrDefault("ENGINE_SYMBOLS", cfg.EngineConfig.Symbols)
	cfg.EngineConfig.MaxBots = getEnvIntOrDefault("ENGINE_MAX_BOTS", cfg.EngineConfig.MaxBots)
	cfg.EngineConfig.PositionSizeUSD = getEnvFloatOrDefault("ENGINE_POSITION_SIZE_USD", cfg.EngineConfig.PositionSizeUSD)
	cfg.EngineConfig.Leverage = getEnvIntOrDefault("ENGINE_LEVERAGE", cfg.EngineConfig.Leverage)
	cfg.EngineConfig.StopLossPercent = getEnvFloatOrDefault("ENGINE_STOP_LOSS_PERCENT", cfg.EngineConfig.StopLossPercent)
	cfg.EngineConfig.TakeProfitPercent = getEnvFloatOrDefault("ENGINE_TAKE_PROFIT_PERCENT", cfg.EngineConfig.TakeProfitPercent)
	cfg.EngineConfig.SignalConfig.UseML = getEnvBoolOrDefault("SIGNAL_USE_ML", cfg.EngineConfig.SignalConfig.UseML)
	cfg.EngineConfig.SignalConfig.RSIOversold = getEnvFloatOrDefault("SIGNAL_RSI_OVERSOLD", cfg.EngineConfig.SignalConfig.RSIOversold)
	cfg.EngineConfig.SignalConfig.RSIOverbought = getEnvFloatOrDefault("SIGNAL_RSI_OVERBOUGHT", cfg.EngineConfig.SignalConfig.RSIOverbought)

	// Market
	cfg.MarketConfig.Interval = getEnvOrDefault("MARKET_INTERVAL", cfg.MarketConfig.Interval)
	cfg.MarketConfig.CandleLimit = getEnvIntOrDefault("MARKET_CANDLE_LIMIT", cfg.MarketConfig.CandleLimit)
	cfg.MarketConfig.MaxSnapshotAge = getEnvDurationOrDefault("MARKET_MAX_SNAPSHOT_AGE", cfg.MarketConfig.MaxSnapshotAge)
	cfg.MarketConfig.RefreshWorkers = getEnvIntOrDefault("MARKET_REFRESH_WORKERS", cfg.MarketConfig.RefreshWorkers)

	// Maturity
	cfg.MaturityConfig.MinCandles = getEnvIntOrDefault("MATURITY_MIN_CANDLES", cfg.MaturityConfig.MinCandles)
	cfg.MaturityConfig.MinVolatility = getEnvFloatOrDefault("MATURITY_MIN_VOLATILITY", cfg.MaturityConfig.MinVolatility)
	cfg.MaturityConfig.VerifyInterval = getEnvDurationOrDefault("MATURITY_VERIFY_INTERVAL", cfg.MaturityConfig.VerifyInterval)

	// Sync
	cfg.SyncConfig.GracePeriod = getEnvDurationOrDefault("SYNC_GRACE_PERIOD", cfg.SyncConfig.GracePeriod)
	cfg.SyncConfig.EntryTimeout = getEnvDurationOrDefault("SYNC_ENTRY_TIMEOUT", cfg.SyncConfig.EntryTimeout)

	// Breaker
	cfg.BreakerConfig.Enabled = getEnvBoolOrDefault("BREAKER_ENABLED", cfg.BreakerConfig.Enabled)
	cfg.BreakerConfig.MaxConsecutiveLosses = getEnvIntOrDefault("BREAKER_MAX_CONSECUTIVE_LOSSES", cfg.BreakerConfig.MaxConsecutiveLosses)
	cfg.BreakerConfig.CooldownMinutes = getEnvIntOrDefault("BREAKER_COOLDOWN_MINUTES", cfg.BreakerConfig.CooldownMinutes)
	cfg.BreakerConfig.MaxDailyLoss = getEnvFloatOrDefault("BREAKER_MAX_DAILY_LOSS", cfg.BreakerConfig.MaxDailyLoss)

	// Workers
	cfg.WorkersConfig.ScanInterval = getEnvDurationOrDefault("WORKER_SCAN_INTERVAL", cfg.WorkersConfig.ScanInterval)
	cfg.WorkersConfig.SyncInterval = getEnvDurationOrDefault("WORKER_SYNC_INTERVAL", cfg.WorkersConfig.SyncInterval)
	cfg.WorkersConfig.ProtectInterval = getEnvDurationOrDefault("WORKER_PROTECT_INTERVAL", cfg.WorkersConfig.ProtectInterval)
	cfg.WorkersConfig.CleanupInterval = getEnvDurationOrDefault("WORKER_CLEANUP_INTERVAL", cfg.WorkersConfig.CleanupInterval)

	// Advisor
	cfg.AdvisorConfig.Enabled = getEnvBoolOrDefault("ADVISOR_ENABLED", cfg.AdvisorConfig.Enabled)
	cfg.AdvisorConfig.RemoteURL = getEnvOrDefault("ADVISOR_REMOTE_URL", cfg.AdvisorConfig.RemoteURL)
	cfg.AdvisorConfig.RequestTimeout = getEnvDurationOrDefault("ADVISOR_REQUEST_TIMEOUT", cfg.AdvisorConfig.RequestTimeout)

	// Server
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", cfg.ServerConfig.ReadTimeout)
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", cfg.ServerConfig.WriteTimeout)
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", cfg.ServerConfig.ShutdownTimeout)

	// Auth
	cfg.AuthConfig.Enabled = getEnvBoolOrDefault("AUTH_ENABLED", cfg.AuthConfig.Enabled)
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.APITokenHash = getEnvOrDefault("AUTH_API_TOKEN_HASH", cfg.AuthConfig.APITokenHash)
	cfg.AuthConfig.TokenDuration = getEnvDurationOrDefault("AUTH_TOKEN_DURATION", cfg.AuthConfig.TokenDuration)

	// Database
	cfg.DatabaseConfig.Enabled = getEnvBoolOrDefault("DB_ENABLED", cfg.DatabaseConfig.Enabled)
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Redis
	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", cfg.RedisConfig.PoolSize)

	// Vault
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)
	cfg.VaultConfig.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.VaultConfig.TLSEnabled)
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CACERT", cfg.VaultConfig.CACert)

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.Console = getEnvBoolOrDefault("LOG_CONSOLE", cfg.LoggingConfig.Console)
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(file, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ==================== SUBSYSTEM CONVERSIONS ====================

// ToParams flattens the engine configuration into the runtime snapshot
// the engine reads each cycle
func (c EngineConfig) ToParams(version int64) bot.Params {
	return bot.Params{
		Enabled:                   c.Enabled,
		Symbols:                   append([]string(nil), c.Symbols...),
		MaxBots:                   c.MaxBots,
		PositionSizeUSD:           c.PositionSizeUSD,
		Leverage:                  c.Leverage,
		Signal:                    c.SignalConfig.ToSignalConfig(),
		StopLossPercent:           c.StopLossPercent,
		TakeProfitPercent:         c.TakeProfitPercent,
		BreakEvenTriggerPercent:   c.ProtectionConfig.BreakEvenTriggerPercent,
		BreakEvenOffsetPercent:    c.ProtectionConfig.BreakEvenOffsetPercent,
		TrailingActivationPercent: c.ProtectionConfig.TrailingActivationPercent,
		TrailingStopPercent:       c.ProtectionConfig.TrailingStopPercent,
		MaxLossPercent:            c.ProtectionConfig.MaxLossPercent,
		Version:                   version,
	}
}

// ToSignalConfig converts to the evaluator's config
func (c SignalConfig) ToSignalConfig() signal.Config {
	return signal.Config{
		RSIOversold:       c.RSIOversold,
		RSIOverbought:     c.RSIOverbought,
		RSIExitLong:       c.RSIExitLong,
		RSIExitShort:      c.RSIExitShort,
		RequireTrend:      c.RequireTrend,
		MinTrendStreak:    c.MinTrendStreak,
		RequireVolume:     c.RequireVolume,
		VolumeSpikeRatio:  c.VolumeSpikeRatio,
		RequireDivergence: c.RequireDivergence,
		UseML:             c.UseML,
		MLMinConfidence:   c.MLMinConfidence,
		MaxSnapshotAge:    c.MaxSnapshotAge,
	}
}

// ToCacheConfig converts to the indicator cache's config
func (c MarketConfig) ToCacheConfig() market.CacheConfig {
	return market.CacheConfig{
		Interval:       c.Interval,
		CandleLimit:    c.CandleLimit,
		RSIPeriod:      c.RSIPeriod,
		EMAFastPeriod:  c.EMAFastPeriod,
		EMASlowPeriod:  c.EMASlowPeriod,
		ATRPeriod:      c.ATRPeriod,
		VolumePeriod:   c.VolumePeriod,
		MaxSnapshotAge: c.MaxSnapshotAge,
		RefreshWorkers: c.RefreshWorkers,
	}
}

// ToMaturityConfig converts to the maturity filter's config
func (c MaturityConfig) ToMaturityConfig() market.MaturityConfig {
	return market.MaturityConfig{
		MinCandles:     c.MinCandles,
		RSIRangeMin:    c.RSIRangeMin,
		RSIRangeMax:    c.RSIRangeMax,
		MinVolatility:  c.MinVolatility,
		VerifyInterval: c.VerifyInterval,
	}
}

// ToSyncConfig converts to the synchronizer's config
func (c SyncConfig) ToSyncConfig() bot.SyncConfig {
	return bot.SyncConfig{
		GracePeriod:   c.GracePeriod,
		EntryTimeout:  c.EntryTimeout,
		MissingStreak: c.MissingStreak,
		MismatchDelay: c.MismatchDelay,
		SizeTolerance: c.SizeTolerance,
	}
}

// ToBreakerConfig converts to the circuit breaker's config
func (c BreakerConfig) ToBreakerConfig() bot.BreakerConfig {
	return bot.BreakerConfig{
		Enabled:              c.Enabled,
		MaxLossPerHour:       c.MaxLossPerHour,
		MaxConsecutiveLosses: c.MaxConsecutiveLosses,
		CooldownMinutes:      c.CooldownMinutes,
		MaxTradesPerMinute:   c.MaxTradesPerMinute,
		MaxDailyLoss:         c.MaxDailyLoss,
		MaxDailyTrades:       c.MaxDailyTrades,
	}
}

// ToWorkerConfig converts to the worker supervisor's config
func (c WorkersConfig) ToWorkerConfig() bot.WorkerConfig {
	return bot.WorkerConfig{
		ScanInterval:    c.ScanInterval,
		SyncInterval:    c.SyncInterval,
		ProtectInterval: c.ProtectInterval,
		CleanupInterval: c.CleanupInterval,
	}
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
