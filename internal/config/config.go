// Package config loads application configuration from file and environment.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Ingest IngestConfig `yaml:"ingest" mapstructure:"ingest"`
	Retry  RetryConfig  `yaml:"retry" mapstructure:"retry"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// IngestConfig configures the CSV ingestion pipeline.
type IngestConfig struct {
	InboundDir       string `yaml:"inbound_dir" mapstructure:"inbound_dir"`
	ProcessedDir     string `yaml:"processed_dir" mapstructure:"processed_dir"`
	LockFile         string `yaml:"lock_file" mapstructure:"lock_file"`
	BatchSize        int    `yaml:"batch_size" mapstructure:"batch_size"`
	MaxExecutionSecs int    `yaml:"max_execution_secs" mapstructure:"max_execution_secs"`
	Concurrency      int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// MaxExecution returns the per-file processing deadline.
func (c IngestConfig) MaxExecution() time.Duration {
	return time.Duration(c.MaxExecutionSecs) * time.Second
}

// RetryConfig configures the store retry policy.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMS     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LEADLOADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Every recognized key is registered here so AutomaticEnv can
	// feed it to Unmarshal; an env-only key viper has never seen is invisible
	// to it, which is why database_url registers an empty default.
	v.SetDefault("store.database_url", "")
	v.SetDefault("ingest.inbound_dir", "./uploads")
	v.SetDefault("ingest.processed_dir", "./processed")
	v.SetDefault("ingest.lock_file", "./process.lock")
	v.SetDefault("ingest.batch_size", 1000)
	v.SetDefault("ingest.max_execution_secs", 3600)
	v.SetDefault("ingest.concurrency", 3)
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot run with. Failures
// here are fatal before any file is touched.
func (c *Config) Validate() error {
	if c.Store.DatabaseURL == "" {
		return eris.New("config: store.database_url is required (LEADLOADER_STORE_DATABASE_URL)")
	}
	if c.Ingest.BatchSize < 1 {
		return eris.Errorf("config: ingest.batch_size must be >= 1, got %d", c.Ingest.BatchSize)
	}
	if c.Ingest.MaxExecutionSecs < 1 {
		return eris.Errorf("config: ingest.max_execution_secs must be >= 1, got %d", c.Ingest.MaxExecutionSecs)
	}
	if c.Ingest.Concurrency < 1 {
		return eris.Errorf("config: ingest.concurrency must be >= 1, got %d", c.Ingest.Concurrency)
	}
	if c.Ingest.LockFile == "" {
		return eris.New("config: ingest.lock_file is required")
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
