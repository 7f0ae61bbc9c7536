package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
)

type Config struct {
	EngineConfig    EngineConfig    `json:"engine"`
	EnsembleConfig  EnsembleConfig  `json:"ensemble"`
	QualityConfig   QualityConfig   `json:"quality"`
	EntryConfig     EntryConfig     `json:"entry"`
	LifecycleConfig LifecycleConfig `json:"lifecycle"`
	RiskConfig      RiskConfig      `json:"risk"`
	BreakerConfig   BreakerConfig   `json:"circuit_breaker"`
	ServerConfig    ServerConfig    `json:"server"`
	LoggingConfig   LoggingConfig   `json:"logging"`
	DatabaseConfig  DatabaseConfig  `json:"database"`
	RedisConfig     RedisConfig     `json:"redis"`
}

// EngineConfig holds evaluation pipeline configuration
type EngineConfig struct {
	PrimaryTimeframe string   `json:"primary_timeframe"` // Bars required; empty/short is fatal per instrument
	Timeframes       []string `json:"timeframes"`        // All timeframes the extractor consumes
	MinBars          int      `json:"min_bars"`          // Minimum bars per timeframe to be considered present
	BarWindow        int      `json:"bar_window"`        // Expected trailing window length
}

// EnsembleConfig holds signal ensemble configuration
type EnsembleConfig struct {
	ModelDir       string  `json:"model_dir"`       // Directory with model JSON files
	MinProbability float64 `json:"min_probability"` // Absolute floor for the winning class
	MinMargin      float64 `json:"min_margin"`      // Required lead over second-best class
}

// QualityConfig holds the scoring rule weights.
// Weights are configuration, not code: each named rule in internal/quality
// looks up its weight here.
type QualityConfig struct {
	RuleWeights map[string]float64 `json:"rule_weights"`
}

// EntryConfig holds entry evaluation configuration
type EntryConfig struct {
	BaseMinConfidence      float64            `json:"base_min_confidence"`      // Starting point for the dynamic threshold
	AssetClassAdjustments  map[string]float64 `json:"asset_class_adjustments"`  // Additive per asset class
	SessionAdjustments     map[string]float64 `json:"session_adjustments"`      // Additive per session (asian/european/us)
	PerformanceSensitivity float64            `json:"performance_sensitivity"`  // How strongly recent win rate moves the threshold
	HighConfidenceBypass   float64            `json:"high_confidence_bypass"`   // Confidence that alone approves an entry
	BypassMinConfidence    float64            `json:"bypass_min_confidence"`    // Floor for the risk/reward bypass path
	BypassMinRiskReward    float64            `json:"bypass_min_risk_reward"`   // Required R:R for the bypass path
	RiskPerTradePercent    float64            `json:"risk_per_trade_percent"`   // % of balance risked per entry
	ATRPeriod              int                `json:"atr_period"`
	ATRMultiplierSL        float64            `json:"atr_multiplier_sl"`
	ATRMultiplierTP        float64            `json:"atr_multiplier_tp"`
	MinStopDistancePercent float64            `json:"min_stop_distance_percent"` // Floor so stops sit outside normal noise
}

// LifecycleConfig holds position management configuration
type LifecycleConfig struct {
	TargetMultiplierMin      float64 `json:"target_multiplier_min"`
	TargetMultiplierMax      float64 `json:"target_multiplier_max"`
	ExitQuorum               int     `json:"exit_quorum"`                // Signals required before CLOSE
	HardLossPercent          float64 `json:"hard_loss_percent"`          // Per-position catastrophic loss floor
	MinAgeBars               int     `json:"min_age_bars"`               // Grace period for non-critical exits
	MaxAverageDownAttempts   int     `json:"max_average_down_attempts"`
	RecoveryProbabilityMin   float64 `json:"recovery_probability_min"` // Floor for averaging down
	AverageDownDecay         float64 `json:"average_down_decay"`       // Size multiplier per successive attempt
	StructuralLevelProximity float64 `json:"structural_level_proximity"` // % distance counted as "at a level"
	LargePositionPercent     float64 `json:"large_position_percent"`     // Of balance; above this, scale-out applies
	MaxPositionPercent       float64 `json:"max_position_percent"`       // Cap for scale-in as % of balance
	ScaleInConfidenceMin     float64 `json:"scale_in_confidence_min"`
	ScaleOutProfitFraction   float64 `json:"scale_out_profit_fraction"` // Fraction of dynamic target that arms scale-out
}

// RiskConfig holds the account-level hard limits
type RiskConfig struct {
	MaxDailyLossPercent float64 `json:"max_daily_loss_percent"` // Hard daily loss ceiling
	MaxDrawdownPercent  float64 `json:"max_drawdown_percent"`   // Hard drawdown ceiling from peak balance
	NearLimitThreshold  float64 `json:"near_limit_threshold"`   // Fraction of a limit counted as "near"
	ConservativeFactor  float64 `json:"conservative_factor"`    // Size multiplier applied when near a limit
	RecentTradeWindow   int     `json:"recent_trade_window"`    // Closed trades kept for the adaptive threshold
}

// BreakerConfig holds trading circuit breaker configuration
type BreakerConfig struct {
	Enabled              bool    `json:"enabled"`
	MaxLossPerHour       float64 `json:"max_loss_per_hour"`      // Max loss % per hour
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"` // Max losing trades in a row
	CooldownMinutes      int     `json:"cooldown_minutes"`       // Cooldown after trip
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`  // CORS allowed origins
	ReadTimeout     int    `json:"read_timeout"`     // Seconds
	WriteTimeout    int    `json:"write_timeout"`    // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
	RateLimit       int    `json:"rate_limit"`       // Requests per window per client
	RateWindowSecs  int    `json:"rate_window_secs"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // JSON output instead of console
}

// DatabaseConfig holds PostgreSQL configuration for the decision audit log
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for the recent-action cache
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

func Load() (*Config, error) {
	// Base config from file, if present
	cfg, err := loadFromFile(getEnvOrDefault("CONFIG_FILE", "config.json"))
	if err != nil {
		cfg = &Config{}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults fills zero values with safe defaults so a missing config file
// still yields a runnable engine.
func applyDefaults(cfg *Config) {
	if cfg.EngineConfig.PrimaryTimeframe == "" {
		cfg.EngineConfig.PrimaryTimeframe = "15m"
	}
	if len(cfg.EngineConfig.Timeframes) == 0 {
		cfg.EngineConfig.Timeframes = []string{"5m", "15m", "1h", "4h"}
	}
	if cfg.EngineConfig.MinBars == 0 {
		cfg.EngineConfig.MinBars = 30
	}
	if cfg.EngineConfig.BarWindow == 0 {
		cfg.EngineConfig.BarWindow = 100
	}

	if cfg.EnsembleConfig.ModelDir == "" {
		cfg.EnsembleConfig.ModelDir = "models"
	}
	if cfg.EnsembleConfig.MinProbability == 0 {
		cfg.EnsembleConfig.MinProbability = 0.50
	}
	if cfg.EnsembleConfig.MinMargin == 0 {
		cfg.EnsembleConfig.MinMargin = 0.10
	}

	if len(cfg.QualityConfig.RuleWeights) == 0 {
		cfg.QualityConfig.RuleWeights = map[string]float64{
			"regime_alignment":    0.30,
			"confluence_strength": 0.25,
			"volume_confirmation": 0.20,
			"risk_reward":         0.15,
			"divergence_penalty":  0.10,
		}
	}

	if cfg.EntryConfig.BaseMinConfidence == 0 {
		cfg.EntryConfig.BaseMinConfidence = 0.55
	}
	if cfg.EntryConfig.PerformanceSensitivity == 0 {
		cfg.EntryConfig.PerformanceSensitivity = 0.10
	}
	if cfg.EntryConfig.HighConfidenceBypass == 0 {
		cfg.EntryConfig.HighConfidenceBypass = 0.80
	}
	if cfg.EntryConfig.BypassMinConfidence == 0 {
		cfg.EntryConfig.BypassMinConfidence = 0.50
	}
	if cfg.EntryConfig.BypassMinRiskReward == 0 {
		cfg.EntryConfig.BypassMinRiskReward = 2.0
	}
	if cfg.EntryConfig.RiskPerTradePercent == 0 {
		cfg.EntryConfig.RiskPerTradePercent = 1.0
	}
	if cfg.EntryConfig.ATRPeriod == 0 {
		cfg.EntryConfig.ATRPeriod = 14
	}
	if cfg.EntryConfig.ATRMultiplierSL == 0 {
		cfg.EntryConfig.ATRMultiplierSL = 1.5
	}
	if cfg.EntryConfig.ATRMultiplierTP == 0 {
		cfg.EntryConfig.ATRMultiplierTP = 2.0
	}
	if cfg.EntryConfig.MinStopDistancePercent == 0 {
		cfg.EntryConfig.MinStopDistancePercent = 0.15
	}

	if cfg.LifecycleConfig.TargetMultiplierMin == 0 {
		cfg.LifecycleConfig.TargetMultiplierMin = 1.0
	}
	if cfg.LifecycleConfig.TargetMultiplierMax == 0 {
		cfg.LifecycleConfig.TargetMultiplierMax = 3.5
	}
	if cfg.LifecycleConfig.ExitQuorum == 0 {
		cfg.LifecycleConfig.ExitQuorum = 3
	}
	if cfg.LifecycleConfig.HardLossPercent == 0 {
		cfg.LifecycleConfig.HardLossPercent = 2.5
	}
	if cfg.LifecycleConfig.MinAgeBars == 0 {
		cfg.LifecycleConfig.MinAgeBars = 3
	}
	if cfg.LifecycleConfig.MaxAverageDownAttempts == 0 {
		cfg.LifecycleConfig.MaxAverageDownAttempts = 2
	}
	if cfg.LifecycleConfig.RecoveryProbabilityMin == 0 {
		cfg.LifecycleConfig.RecoveryProbabilityMin = 0.55
	}
	if cfg.LifecycleConfig.AverageDownDecay == 0 {
		cfg.LifecycleConfig.AverageDownDecay = 0.6
	}
	if cfg.LifecycleConfig.StructuralLevelProximity == 0 {
		cfg.LifecycleConfig.StructuralLevelProximity = 0.4
	}
	if cfg.LifecycleConfig.LargePositionPercent == 0 {
		cfg.LifecycleConfig.LargePositionPercent = 15.0
	}
	if cfg.LifecycleConfig.MaxPositionPercent == 0 {
		cfg.LifecycleConfig.MaxPositionPercent = 25.0
	}
	if cfg.LifecycleConfig.ScaleInConfidenceMin == 0 {
		cfg.LifecycleConfig.ScaleInConfidenceMin = 0.65
	}
	if cfg.LifecycleConfig.ScaleOutProfitFraction == 0 {
		cfg.LifecycleConfig.ScaleOutProfitFraction = 0.8
	}

	if cfg.RiskConfig.MaxDailyLossPercent == 0 {
		cfg.RiskConfig.MaxDailyLossPercent = 3.0
	}
	if cfg.RiskConfig.MaxDrawdownPercent == 0 {
		cfg.RiskConfig.MaxDrawdownPercent = 10.0
	}
	if cfg.RiskConfig.NearLimitThreshold == 0 {
		cfg.RiskConfig.NearLimitThreshold = 0.8
	}
	if cfg.RiskConfig.ConservativeFactor == 0 {
		cfg.RiskConfig.ConservativeFactor = 0.5
	}
	if cfg.RiskConfig.RecentTradeWindow == 0 {
		cfg.RiskConfig.RecentTradeWindow = 20
	}

	if cfg.BreakerConfig.MaxLossPerHour == 0 {
		cfg.BreakerConfig.MaxLossPerHour = 3.0
	}
	if cfg.BreakerConfig.MaxConsecutiveLosses == 0 {
		cfg.BreakerConfig.MaxConsecutiveLosses = 5
	}
	if cfg.BreakerConfig.CooldownMinutes == 0 {
		cfg.BreakerConfig.CooldownMinutes = 30
	}

	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8080
	}
	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	if cfg.ServerConfig.AllowedOrigins == "" {
		cfg.ServerConfig.AllowedOrigins = "*"
	}
	if cfg.ServerConfig.ReadTimeout == 0 {
		cfg.ServerConfig.ReadTimeout = 30
	}
	if cfg.ServerConfig.WriteTimeout == 0 {
		cfg.ServerConfig.WriteTimeout = 30
	}
	if cfg.ServerConfig.ShutdownTimeout == 0 {
		cfg.ServerConfig.ShutdownTimeout = 10
	}
	if cfg.ServerConfig.RateLimit == 0 {
		cfg.ServerConfig.RateLimit = 120
	}
	if cfg.ServerConfig.RateWindowSecs == 0 {
		cfg.ServerConfig.RateWindowSecs = 60
	}

	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}

	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}

	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = 10
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over the config file.
func applyEnvOverrides(cfg *Config) {
	cfg.EngineConfig.PrimaryTimeframe = getEnvOrDefault("ENGINE_PRIMARY_TIMEFRAME", cfg.EngineConfig.PrimaryTimeframe)

	cfg.EnsembleConfig.ModelDir = getEnvOrDefault("ENSEMBLE_MODEL_DIR", cfg.EnsembleConfig.ModelDir)
	cfg.EnsembleConfig.MinProbability = getEnvFloatOrDefault("ENSEMBLE_MIN_PROBABILITY", cfg.EnsembleConfig.MinProbability)
	cfg.EnsembleConfig.MinMargin = getEnvFloatOrDefault("ENSEMBLE_MIN_MARGIN", cfg.EnsembleConfig.MinMargin)

	cfg.EntryConfig.RiskPerTradePercent = getEnvFloatOrDefault("ENTRY_RISK_PER_TRADE", cfg.EntryConfig.RiskPerTradePercent)

	cfg.RiskConfig.MaxDailyLossPercent = getEnvFloatOrDefault("RISK_MAX_DAILY_LOSS", cfg.RiskConfig.MaxDailyLossPercent)
	cfg.RiskConfig.MaxDrawdownPercent = getEnvFloatOrDefault("RISK_MAX_DRAWDOWN", cfg.RiskConfig.MaxDrawdownPercent)

	cfg.BreakerConfig.Enabled = getEnvOrDefault("CIRCUIT_BREAKER_ENABLED", strconv.FormatBool(cfg.BreakerConfig.Enabled)) == "true"

	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", strconv.FormatBool(cfg.LoggingConfig.JSONFormat)) == "true"

	cfg.DatabaseConfig.Enabled = getEnvOrDefault("DB_ENABLED", strconv.FormatBool(cfg.DatabaseConfig.Enabled)) == "true"
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", strconv.FormatBool(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
}

func validate(cfg *Config) error {
	primaryFound := false
	for _, tf := range cfg.EngineConfig.Timeframes {
		if tf == cfg.EngineConfig.PrimaryTimeframe {
			primaryFound = true
			break
		}
	}
	if !primaryFound {
		return fmt.Errorf("primary timeframe %q not in configured timeframes %v",
			cfg.EngineConfig.PrimaryTimeframe, cfg.EngineConfig.Timeframes)
	}

	if cfg.EnsembleConfig.MinProbability <= 1.0/3.0 {
		return fmt.Errorf("ensemble min_probability %.2f must exceed uniform baseline", cfg.EnsembleConfig.MinProbability)
	}

	if cfg.LifecycleConfig.TargetMultiplierMin > cfg.LifecycleConfig.TargetMultiplierMax {
		return fmt.Errorf("target multiplier bounds inverted: min %.2f > max %.2f",
			cfg.LifecycleConfig.TargetMultiplierMin, cfg.LifecycleConfig.TargetMultiplierMax)
	}

	if cfg.RiskConfig.ConservativeFactor <= 0 || cfg.RiskConfig.ConservativeFactor > 1 {
		return fmt.Errorf("conservative factor %.2f must be in (0, 1]", cfg.RiskConfig.ConservativeFactor)
	}

	weightSum := 0.0
	for _, w := range cfg.QualityConfig.RuleWeights {
		if w < 0 {
			return fmt.Errorf("quality rule weights must be non-negative, got %.2f", w)
		}
		weightSum += w
	}
	if math.Abs(weightSum-1.0) > 1e-6 {
		return fmt.Errorf("quality rule weights sum to %.4f, want 1", weightSum)
	}

	return nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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
