package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/reelhouse/catalog-cli/internal/factcheck"
	"github.com/reelhouse/catalog-cli/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Ingest    IngestConfig    `yaml:"ingest" mapstructure:"ingest"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Circuit   CircuitConfig   `yaml:"circuit" mapstructure:"circuit"`
	FactCheck FactCheckConfig `yaml:"factcheck" mapstructure:"factcheck"`
	Match     MatchConfig     `yaml:"match" mapstructure:"match"`
	Franchise FranchiseConfig `yaml:"franchise" mapstructure:"franchise"`
}

// StoreConfig configures the content store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// IngestConfig configures batch ingestion.
type IngestConfig struct {
	BatchSize     int  `yaml:"batch_size" mapstructure:"batch_size"`
	BatchDelayMs  int  `yaml:"batch_delay_ms" mapstructure:"batch_delay_ms"`
	Concurrency   int  `yaml:"concurrency" mapstructure:"concurrency"`
	DeadLetter    bool `yaml:"dead_letter" mapstructure:"dead_letter"`
	MaxRetries    int  `yaml:"max_retries" mapstructure:"max_retries"`
	RetryBaseSecs int  `yaml:"retry_base_secs" mapstructure:"retry_base_secs"`
}

// BatchDelay is the pause between batches.
func (c IngestConfig) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMs) * time.Millisecond
}

// RetryBase is the delay before the first dead letter replay.
func (c IngestConfig) RetryBase() time.Duration {
	return time.Duration(c.RetryBaseSecs) * time.Second
}

// RetryConfig configures retries of transient store failures.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// Policy converts the section to a resilience.RetryConfig.
func (c RetryConfig) Policy() resilience.RetryConfig {
	return resilience.RetryFrom(c.MaxAttempts,
		time.Duration(c.InitialBackoffMs)*time.Millisecond,
		time.Duration(c.MaxBackoffMs)*time.Millisecond)
}

// CircuitConfig configures the store circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// Breaker converts the section to a resilience.CircuitBreakerConfig.
func (c CircuitConfig) Breaker() resilience.CircuitBreakerConfig {
	return resilience.CircuitFrom(c.FailureThreshold, time.Duration(c.ResetTimeoutSecs)*time.Second)
}

// FactCheckConfig selects a tolerance profile. Non-zero fields override
// single thresholds of that profile.
type FactCheckConfig struct {
	Profile        string `yaml:"profile" mapstructure:"profile"`
	MovieYears     int    `yaml:"movie_years" mapstructure:"movie_years"`
	SeriesYears    int    `yaml:"series_years" mapstructure:"series_years"`
	Episodes       int    `yaml:"episodes" mapstructure:"episodes"`
	RuntimeMinutes int    `yaml:"runtime_minutes" mapstructure:"runtime_minutes"`
}

// Thresholds resolves the profile and its overrides.
func (c FactCheckConfig) Thresholds() factcheck.Thresholds {
	th := factcheck.ForProfile(c.Profile)
	if c.MovieYears > 0 {
		th.MovieYears = c.MovieYears
	}
	if c.SeriesYears > 0 {
		th.SeriesYears = c.SeriesYears
	}
	if c.Episodes > 0 {
		th.Episodes = c.Episodes
	}
	if c.RuntimeMinutes > 0 {
		th.RuntimeMinutes = c.RuntimeMinutes
	}
	return th
}

// MatchConfig configures candidate search.
type MatchConfig struct {
	MaxCandidates int `yaml:"max_candidates" mapstructure:"max_candidates"`
}

// FranchiseConfig points at the static franchise table. Without one only
// the franchise and relation hints of provider records are linked.
type FranchiseConfig struct {
	TablePath string `yaml:"table_path" mapstructure:"table_path"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CATALOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "catalog.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("ingest.batch_size", 50)
	v.SetDefault("ingest.batch_delay_ms", 1000)
	v.SetDefault("ingest.concurrency", 1)
	v.SetDefault("ingest.dead_letter", true)
	v.SetDefault("ingest.max_retries", 3)
	v.SetDefault("ingest.retry_base_secs", 60)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 100)
	v.SetDefault("retry.max_backoff_ms", 5000)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("factcheck.profile", factcheck.ProfileLenient)
	v.SetDefault("match.max_candidates", 10)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. mode is one of "store"
// (any command touching the store), "ingest" or "serve".
func (c *Config) Validate(mode string) error {
	var errs []string

	checkStore := func() {
		switch c.Store.Driver {
		case "sqlite", "postgres":
		default:
			errs = append(errs, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
		}
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
		if c.Store.MaxConns < 0 || c.Store.MinConns < 0 || (c.Store.MaxConns > 0 && c.Store.MinConns > c.Store.MaxConns) {
			errs = append(errs, "store.min_conns must be between 0 and store.max_conns")
		}
	}
	checkPipeline := func() {
		switch strings.ToLower(c.FactCheck.Profile) {
		case "", factcheck.ProfileLenient, factcheck.ProfileStrict:
		default:
			errs = append(errs, fmt.Sprintf("factcheck.profile must be lenient or strict, got %q", c.FactCheck.Profile))
		}
		if c.Match.MaxCandidates < 0 {
			errs = append(errs, "match.max_candidates must be >= 0")
		}
	}

	switch mode {
	case "store":
		checkStore()
	case "ingest":
		checkStore()
		checkPipeline()
		if c.Ingest.BatchSize < 1 {
			errs = append(errs, "ingest.batch_size must be >= 1")
		}
		if c.Ingest.Concurrency < 1 || c.Ingest.Concurrency > 64 {
			errs = append(errs, fmt.Sprintf("ingest.concurrency must be between 1 and 64, got %d", c.Ingest.Concurrency))
		}
		if c.Ingest.BatchDelayMs < 0 {
			errs = append(errs, "ingest.batch_delay_ms must be >= 0")
		}
	case "serve":
		checkStore()
		checkPipeline()
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
