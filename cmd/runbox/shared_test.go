package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Default()
	require.NoError(t, err)
	cfg.DataDir = t.TempDir()
	cfg.Sandbox.Backend = "process"
	cfg.Sandbox.WorkRoot = t.TempDir()
	cfg.Storage = &config.StorageConfig{Driver: storage.DriverSQLite}
	cfg.Observability = &config.ObservabilityConfig{Metrics: &config.MetricsConfig{Enabled: true}}
	cfg.Security.RateLimit = config.RateLimitConfig{Driver: "local", RequestsPerMinute: 60}
	return cfg
}

func TestInitShared_WiresComponents(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sc, err := initShared(testConfig(t), logger)
	require.NoError(t, err)
	defer sc.Cleanup()

	assert.NotNil(t, sc.Controller)
	assert.NotNil(t, sc.Limiter)
	assert.NotNil(t, sc.Archive())
	assert.Equal(t, "process", sc.Sandboxes.BackendName())
	assert.True(t, sc.Obs.Health.CheckReady(context.Background()).Ready())

	stop, err := startScheduler(context.Background(), sc)
	require.NoError(t, err)
	stop()

	assert.Len(t, buildGateways(sc), 1)
}

func TestInitStore_None(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = storage.DriverNone
	store, err := initStore(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.Nil(t, store)
}

func TestInitStore_PostgresRequiresDSN(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = storage.DriverPostgres
	_, err := initStore(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestNewLogger_Levels(t *testing.T) {
	l := newLogger(config.LoggingConfig{Level: "debug", Format: "text"})
	assert.True(t, l.Enabled(context.Background(), slog.LevelDebug))

	l = newLogger(config.LoggingConfig{Level: "bogus"})
	assert.False(t, l.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, l.Enabled(context.Background(), slog.LevelInfo))
}
