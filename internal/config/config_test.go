package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Store: StoreConfig{DatabaseURL: "postgres://localhost/leads"},
		Ingest: IngestConfig{
			InboundDir:       "./uploads",
			ProcessedDir:     "./processed",
			LockFile:         "./process.lock",
			BatchSize:        1000,
			MaxExecutionSecs: 3600,
			Concurrency:      3,
		},
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LEADLOADER_STORE_DATABASE_URL", "postgres://localhost/leads")

	cfg, err := Load()
	require.NoError(t, err)

	// The connection string has no default; it must arrive from the
	// environment alone.
	assert.Equal(t, "postgres://localhost/leads", cfg.Store.DatabaseURL)
	assert.Equal(t, 1000, cfg.Ingest.BatchSize)
	assert.Equal(t, 3600, cfg.Ingest.MaxExecutionSecs)
	assert.Equal(t, 3, cfg.Ingest.Concurrency)
	assert.Equal(t, "./uploads", cfg.Ingest.InboundDir)
	assert.Equal(t, "./processed", cfg.Ingest.ProcessedDir)
	assert.Equal(t, "./process.lock", cfg.Ingest.LockFile)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	t.Setenv("LEADLOADER_STORE_DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LEADLOADER_STORE_DATABASE_URL", "postgres://localhost/leads")
	t.Setenv("LEADLOADER_INGEST_BATCH_SIZE", "250")
	t.Setenv("LEADLOADER_INGEST_MAX_EXECUTION_SECS", "60")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.Ingest.BatchSize)
	assert.Equal(t, time.Minute, cfg.Ingest.MaxExecution())
}

func TestValidate_BatchSize(t *testing.T) {
	cfg := validConfig()
	cfg.Ingest.BatchSize = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch_size")
}

func TestValidate_MaxExecution(t *testing.T) {
	cfg := validConfig()
	cfg.Ingest.MaxExecutionSecs = -1
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_execution_secs")
}

func TestValidate_Concurrency(t *testing.T) {
	cfg := validConfig()
	cfg.Ingest.Concurrency = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "concurrency")
}

func TestValidate_LockFile(t *testing.T) {
	cfg := validConfig()
	cfg.Ingest.LockFile = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock_file")
}
