package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/aneshas/catalog/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()

	require.NoError(t, err)
	assert.Equal(t, "catalog.db", cfg.SQLitePath)
	assert.Empty(t, cfg.PostgresDSN)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 5*time.Second, cfg.QueryTimeout)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CATALOG_POSTGRES_DSN", "postgres://localhost/catalog")
	t.Setenv("CATALOG_BATCH_SIZE", "10")
	t.Setenv("CATALOG_BACKFILL_CHUNK_SIZE", "25")
	t.Setenv("CATALOG_QUERY_TIMEOUT", "250ms")
	t.Setenv("CATALOG_LOG_LEVEL", "debug")

	cfg, err := config.Load()

	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/catalog", cfg.PostgresDSN)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 25, cfg.BackfillChunkSize)
	assert.Equal(t, 250*time.Millisecond, cfg.QueryTimeout)

	logger, err := cfg.Logger()

	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestLoad_Rejects_Invalid_Values(t *testing.T) {
	t.Setenv("CATALOG_BATCH_SIZE", "0")

	_, err := config.Load()

	assert.Error(t, err)

	t.Setenv("CATALOG_BATCH_SIZE", "many")

	_, err = config.Load()

	assert.Error(t, err)
}

func TestLogger_Rejects_Unknown_Level(t *testing.T) {
	_, err := config.Config{LogLevel: "loud"}.Logger()

	assert.Error(t, err)
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "catalog.db?_busy_timeout=5000&_journal_mode=WAL", config.Config{SQLitePath: "catalog.db"}.SQLiteDSN())
	assert.Equal(t, "file:catalog.db?mode=ro", config.Config{SQLitePath: "file:catalog.db?mode=ro"}.SQLiteDSN())
}
