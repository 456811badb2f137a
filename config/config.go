package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full engine configuration. It is loaded once at startup and
// handed to the pipeline; no component reads configuration globally.
type Config struct {
	EngineConfig         EngineConfig         `json:"engine"`
	FeedConfig           FeedConfig           `json:"feed"`
	ValidatorConfig      ValidatorConfig      `json:"validator"`
	NormalizerConfig     NormalizerConfig     `json:"normalizer"`
	StrategyConfig       StrategyConfig       `json:"strategy"`
	LiquidationConfig    LiquidationConfig    `json:"liquidation"`
	AllocationConfig     AllocationConfig     `json:"allocation"`
	CorrelationConfig    CorrelationConfig    `json:"correlation"`
	EnsembleConfig       EnsembleConfig       `json:"ensemble"`
	RiskConfig           RiskConfig           `json:"risk"`
	CircuitBreakerConfig CircuitBreakerConfig `json:"circuit_breaker"`
	ExecutionConfig      ExecutionConfig      `json:"execution"`
	StoreConfig          StoreConfig          `json:"store"`
	LoggingConfig        LoggingConfig        `json:"logging"`
}

// EngineConfig holds top-level pipeline settings
type EngineConfig struct {
	Mode            string   `json:"mode"`             // "paper" or "live"
	Environment     string   `json:"environment"`      // "dev", "staging", "prod"
	Venue           string   `json:"venue"`            // order venue name; "paper" is built in
	Symbols         []string `json:"symbols"`          // traded symbol universe
	Interval        string   `json:"interval"`         // candle interval, e.g. "1m"
	TradingInterval int      `json:"trading_interval"` // seconds between ticks
	InitialCash     float64  `json:"initial_cash"`     // starting cash for paper mode
}

// FeedConfig holds market feed configuration
type FeedConfig struct {
	FetchTimeout    int `json:"fetch_timeout"`    // seconds per source fetch
	BreakerFailures int `json:"breaker_failures"` // consecutive failures before a source is skipped
	BreakerCooldown int `json:"breaker_cooldown"` // seconds a tripped source stays skipped
	MaxParallel     int `json:"max_parallel"`     // bounded fan-out across sources
	RetryAttempts   int `json:"retry_attempts"`   // transient I/O retries per fetch
}

// ValidatorConfig holds frame validation thresholds
type ValidatorConfig struct {
	MaxStalenessFactor float64 `json:"max_staleness_factor"` // multiple of the tick interval
	OutlierWindow      int     `json:"outlier_window"`       // closes kept for the median/MAD test
	OutlierMADFactor   float64 `json:"outlier_mad_factor"`   // k in |close-median| > k*MAD
}

// NormalizerConfig holds rolling z-score settings
type NormalizerConfig struct {
	Window int     `json:"window"` // rolling bars per symbol
	Clip   float64 `json:"clip"`   // z-scores clipped to [-clip, clip]
}

// StrategyConfig holds strategy registry settings
type StrategyConfig struct {
	SignalTimeout        int `json:"signal_timeout"`         // seconds per strategy per tick
	MaxConsecutiveFaults int `json:"max_consecutive_faults"` // faults before auto-disable
	PerformanceWindow    int `json:"performance_window"`     // realised returns kept per strategy
	MaxParallel          int `json:"max_parallel"`           // bounded signal fan-out
}

// LiquidationConfig holds cascade detector settings
type LiquidationConfig struct {
	WindowSeconds     int     `json:"window_seconds"`      // event ring span
	ClusteringWindow  int     `json:"clustering_window"`   // seconds; gaps below count as clustered
	CascadeThreshold  float64 `json:"cascade_threshold"`   // weighted score trigger
	CascadeAction     string  `json:"cascade_action"`      // HALT, REDUCE_50 or FLATTEN
	VolumeSpikeFactor float64 `json:"volume_spike_factor"` // spike ratio mapping to score 1.0
	PriceImpactNorm   float64 `json:"price_impact_norm"`   // price range fraction mapping to score 1.0
}

// AllocationConfig holds adaptive allocator settings
type AllocationConfig struct {
	RebalanceInterval int     `json:"rebalance_interval"` // seconds between rebalances
	ScoreMethod       string  `json:"score_method"`       // "sharpe" or "winrate"
	SmoothingAlpha    float64 `json:"smoothing_alpha"`    // EWMA weight on the previous allocation
	MinWeight         float64 `json:"min_weight"`         // floor before renormalising
}

// CorrelationConfig holds correlation manager settings
type CorrelationConfig struct {
	LookbackMinutes int     `json:"lookback_minutes"` // return samples kept per strategy
	Method          string  `json:"method"`           // "pearson" or "spearman"
	Threshold       float64 `json:"threshold"`        // penalty kicks in above this
}

// EnsembleConfig holds voter settings
type EnsembleConfig struct {
	VotingMethod          string  `json:"voting_method"`           // weighted_average, majority, blend
	ConfidenceThreshold   float64 `json:"confidence_threshold"`    // decisions below are suppressed
	MinAgreeingStrategies int     `json:"min_agreeing_strategies"` // contributors required
}

// RiskConfig holds Kelly sizing settings
type RiskConfig struct {
	KellyFraction  float64 `json:"kelly_fraction"`  // applied to raw Kelly
	PayoffRatio    float64 `json:"payoff_ratio"`    // b in (bp-q)/b
	MinProbability float64 `json:"min_probability"` // below this the size is zero
	MinSize        float64 `json:"min_size"`        // fraction of equity
	MaxSize        float64 `json:"max_size"`        // fraction of equity
}

// CircuitBreakerConfig holds the drawdown circuit breaker levels
type CircuitBreakerConfig struct {
	Level1Drawdown   float64 `json:"level1_drawdown"`   // e.g. -0.05
	Level2Drawdown   float64 `json:"level2_drawdown"`   // e.g. -0.10
	Level3Drawdown   float64 `json:"level3_drawdown"`   // e.g. -0.15
	Level1Multiplier float64 `json:"level1_multiplier"` // size multiplier at YELLOW_1
	Level2Multiplier float64 `json:"level2_multiplier"` // size multiplier at YELLOW_2
	CooldownMinutes  int     `json:"cooldown_minutes"`  // RED cooldown before recovery
}

// ExecutionConfig holds order optimiser and engine settings
type ExecutionConfig struct {
	Style            string  `json:"style"`              // AGGRESSIVE_MARKET, PATIENT_MAKER, HYBRID, SIZE_AWARE
	MaxExecutionTime int     `json:"max_execution_time"` // seconds for TWAP spreading
	SubmitTimeout    int     `json:"submit_timeout"`     // seconds per child order
	MinFillRatio     float64 `json:"min_fill_ratio"`     // below this the plan is reverted
	Volume30d        float64 `json:"volume_30d"`         // rolling venue volume for fee tiers
	LoyaltyToken     bool    `json:"loyalty_token"`      // venue loyalty discount eligibility
	Deterministic    bool    `json:"deterministic"`      // pin the simulated slippage jitter (backtests)
	Seed             int64   `json:"seed"`               // RNG seed for the paper venue
}

// StoreConfig holds durable-state configuration
type StoreConfig struct {
	Backend            string      `json:"backend"`     // "postgres" or "sqlite"
	SQLitePath         string      `json:"sqlite_path"` // file path for the embedded backend
	Postgres           PGConfig    `json:"postgres"`
	Redis              RedisConfig `json:"redis"`
	CheckpointInterval int         `json:"checkpoint_interval"` // seconds between scheduled checkpoints
	BackupDir          string      `json:"backup_dir"`          // disk snapshot directory
	BackupInterval     int         `json:"backup_interval"`     // seconds between disk snapshots
	RetentionDays      int         `json:"retention_days"`      // snapshot rotation
}

// PGConfig holds PostgreSQL connection settings
type PGConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds the optional checkpoint mirror settings
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // DEBUG, INFO, WARN, ERROR
	Output     string `json:"output"`      // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"` // structured JSON vs console
}

// Default returns a config with every documented default filled in.
func Default() *Config {
	return &Config{
		EngineConfig: EngineConfig{
			Mode:            "paper",
			Environment:     "dev",
			Venue:           "paper",
			Symbols:         []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
			Interval:        "1m",
			TradingInterval: 60,
			InitialCash:     10000,
		},
		FeedConfig: FeedConfig{
			FetchTimeout:    10,
			BreakerFailures: 3,
			BreakerCooldown: 60,
			MaxParallel:     4,
			RetryAttempts:   3,
		},
		ValidatorConfig: ValidatorConfig{
			MaxStalenessFactor: 2.0,
			OutlierWindow:      20,
			OutlierMADFactor:   5.0,
		},
		NormalizerConfig: NormalizerConfig{
			Window: 252,
			Clip:   3.0,
		},
		StrategyConfig: StrategyConfig{
			SignalTimeout:        1,
			MaxConsecutiveFaults: 10,
			PerformanceWindow:    20,
			MaxParallel:          8,
		},
		LiquidationConfig: LiquidationConfig{
			WindowSeconds:     300,
			ClusteringWindow:  60,
			CascadeThreshold:  0.6,
			CascadeAction:     "REDUCE_50",
			VolumeSpikeFactor: 3.0,
			PriceImpactNorm:   0.05,
		},
		AllocationConfig: AllocationConfig{
			RebalanceInterval: 3600,
			ScoreMethod:       "sharpe",
			SmoothingAlpha:    0.7,
			MinWeight:         0.02,
		},
		CorrelationConfig: CorrelationConfig{
			LookbackMinutes: 60,
			Method:          "pearson",
			Threshold:       0.7,
		},
		EnsembleConfig: EnsembleConfig{
			VotingMethod:          "weighted_average",
			ConfidenceThreshold:   0.5,
			MinAgreeingStrategies: 3,
		},
		RiskConfig: RiskConfig{
			KellyFraction:  0.25,
			PayoffRatio:    1.0,
			MinProbability: 0.5,
			MinSize:        0.01,
			MaxSize:        0.1,
		},
		CircuitBreakerConfig: CircuitBreakerConfig{
			Level1Drawdown:   -0.05,
			Level2Drawdown:   -0.10,
			Level3Drawdown:   -0.15,
			Level1Multiplier: 0.5,
			Level2Multiplier: 0.25,
			CooldownMinutes:  30,
		},
		ExecutionConfig: ExecutionConfig{
			Style:            "HYBRID",
			MaxExecutionTime: 300,
			SubmitTimeout:    30,
			MinFillRatio:     0.95,
		},
		StoreConfig: StoreConfig{
			Backend:            "sqlite",
			SQLitePath:         "engine_state.db",
			Postgres:           PGConfig{Host: "localhost", Port: 5432, User: "trading", Database: "trading", SSLMode: "disable"},
			Redis:              RedisConfig{Enabled: false, Address: "localhost:6379", PoolSize: 10},
			CheckpointInterval: 300,
			BackupDir:          "backups",
			BackupInterval:     3600,
			RetentionDays:      30,
		},
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
	}
}

// Load reads the config file (if present), fills defaults and applies
// environment overrides. Environment variables take precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Venue API keys are not read here; they are resolved per venue by
// CredentialsFor at construction time.
func applyEnvOverrides(cfg *Config) {
	cfg.EngineConfig.Mode = getEnvOrDefault("TRADING_MODE", cfg.EngineConfig.Mode)
	cfg.EngineConfig.Environment = getEnvOrDefault("ENVIRONMENT", cfg.EngineConfig.Environment)
	cfg.EngineConfig.Venue = getEnvOrDefault("TRADING_VENUE", cfg.EngineConfig.Venue)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	if v := os.Getenv("LOG_JSON"); v != "" {
		cfg.LoggingConfig.JSONFormat = v == "true"
	}

	cfg.StoreConfig.Backend = getEnvOrDefault("STORE_BACKEND", cfg.StoreConfig.Backend)
	cfg.StoreConfig.SQLitePath = getEnvOrDefault("STORE_SQLITE_PATH", cfg.StoreConfig.SQLitePath)
	cfg.StoreConfig.Postgres.Host = getEnvOrDefault("DB_HOST", cfg.StoreConfig.Postgres.Host)
	cfg.StoreConfig.Postgres.Port = getEnvIntOrDefault("DB_PORT", cfg.StoreConfig.Postgres.Port)
	cfg.StoreConfig.Postgres.User = getEnvOrDefault("DB_USER", cfg.StoreConfig.Postgres.User)
	cfg.StoreConfig.Postgres.Password = getEnvOrDefault("DB_PASSWORD", cfg.StoreConfig.Postgres.Password)
	cfg.StoreConfig.Postgres.Database = getEnvOrDefault("DB_NAME", cfg.StoreConfig.Postgres.Database)
	cfg.StoreConfig.Postgres.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.StoreConfig.Postgres.SSLMode)

	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.StoreConfig.Redis.Enabled = v == "true"
	}
	cfg.StoreConfig.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.StoreConfig.Redis.Address)
	cfg.StoreConfig.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.StoreConfig.Redis.Password)
	cfg.StoreConfig.Redis.DB = getEnvIntOrDefault("REDIS_DB", cfg.StoreConfig.Redis.DB)
}

// Validate checks for fatal misconfiguration. Errors here abort startup.
func (c *Config) Validate() error {
	switch c.EngineConfig.Mode {
	case "paper", "live":
	default:
		return fmt.Errorf("invalid trading mode %q: must be paper or live", c.EngineConfig.Mode)
	}
	if len(c.EngineConfig.Symbols) == 0 {
		return fmt.Errorf("no trading symbols configured")
	}
	if c.EngineConfig.TradingInterval <= 0 {
		return fmt.Errorf("trading_interval must be positive, got %d", c.EngineConfig.TradingInterval)
	}
	switch c.StoreConfig.Backend {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("invalid store backend %q: must be postgres or sqlite", c.StoreConfig.Backend)
	}
	switch c.EnsembleConfig.VotingMethod {
	case "weighted_average", "majority", "blend":
	default:
		return fmt.Errorf("invalid voting method %q", c.EnsembleConfig.VotingMethod)
	}
	switch c.LiquidationConfig.CascadeAction {
	case "HALT", "REDUCE_50", "FLATTEN":
	default:
		return fmt.Errorf("invalid cascade_action %q", c.LiquidationConfig.CascadeAction)
	}
	if c.RiskConfig.MaxSize < c.RiskConfig.MinSize {
		return fmt.Errorf("risk max_size %.4f below min_size %.4f", c.RiskConfig.MaxSize, c.RiskConfig.MinSize)
	}
	if !(c.CircuitBreakerConfig.Level3Drawdown <= c.CircuitBreakerConfig.Level2Drawdown &&
		c.CircuitBreakerConfig.Level2Drawdown <= c.CircuitBreakerConfig.Level1Drawdown &&
		c.CircuitBreakerConfig.Level1Drawdown < 0) {
		return fmt.Errorf("circuit breaker levels must satisfy L3 <= L2 <= L1 < 0")
	}
	return nil
}

// TickInterval returns the trading interval as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.EngineConfig.TradingInterval) * time.Second
}

// Credentials holds scoped venue API credentials. They are resolved from the
// environment once and passed to venue constructors; nothing caches them
// process-wide.
type Credentials struct {
	APIKey    string
	APISecret string
}

// CredentialsFor reads <VENUE>_API_KEY / <VENUE>_API_SECRET for a venue name.
func CredentialsFor(venue string) Credentials {
	prefix := strings.ToUpper(venue)
	return Credentials{
		APIKey:    os.Getenv(prefix + "_API_KEY"),
		APISecret: os.Getenv(prefix + "_API_SECRET"),
	}
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

// GenerateSampleConfig writes a fully populated sample configuration file.
func GenerateSampleConfig(filename string) error {
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
