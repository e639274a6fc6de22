// Package config loads the catalog service configuration from the environment
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
)

// Config holds the CATALOG_* environment settings
type Config struct {
	SQLitePath  string `env:"CATALOG_SQLITE_PATH" envDefault:"catalog.db"`
	PostgresDSN string `env:"CATALOG_POSTGRES_DSN"`

	BatchSize    int           `env:"CATALOG_BATCH_SIZE"    envDefault:"100"`
	Workers      int           `env:"CATALOG_WORKERS"       envDefault:"8"`
	BatchTimeout time.Duration `env:"CATALOG_BATCH_TIMEOUT" envDefault:"30s"`
	PollInterval time.Duration `env:"CATALOG_POLL_INTERVAL" envDefault:"100ms"`

	ResolveConcurrency  int           `env:"CATALOG_RESOLVE_CONCURRENCY"  envDefault:"16"`
	BackfillConcurrency int           `env:"CATALOG_BACKFILL_CONCURRENCY" envDefault:"4"`
	BackfillChunkSize   int           `env:"CATALOG_BACKFILL_CHUNK_SIZE"  envDefault:"100"`
	QueryTimeout        time.Duration `env:"CATALOG_QUERY_TIMEOUT"        envDefault:"5s"`

	HTTPAddr    string `env:"CATALOG_HTTP_ADDR" envDefault:":8080"`
	LogLevel    string `env:"CATALOG_LOG_LEVEL" envDefault:"info"`
	Development bool   `env:"CATALOG_DEV"`
}

// Load parses the configuration from environment variables
func Load() (Config, error) {
	var cfg Config

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	if cfg.BatchSize < 1 {
		return cfg, fmt.Errorf("CATALOG_BATCH_SIZE should be at least 1")
	}

	return cfg, nil
}

// SQLiteDSN returns the sqlite path with the connection parameters
// needed by concurrent readers and the projection writer
func (c Config) SQLiteDSN() string {
	if c.SQLitePath == "" || strings.Contains(c.SQLitePath, "?") {
		return c.SQLitePath
	}

	return c.SQLitePath + "?_busy_timeout=5000&_journal_mode=WAL"
}

// Logger builds a zap logger at the configured level
func (c Config) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("CATALOG_LOG_LEVEL: %w", err)
	}

	zc := zap.NewProductionConfig()

	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}

	zc.Level = level

	return zc.Build()
}
