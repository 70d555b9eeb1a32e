package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-lrs/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LRS_DATABASE_URL", "file::memory:")
	t.Setenv("LRS_DATABASE_DRIVER", "sqlite")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, config.DriverSQLite, cfg.DatabaseDriver)
	require.Equal(t, "1.0.3", cfg.XAPIVersion)
	require.True(t, cfg.SubStatementsQueryable)
	require.Equal(t, time.Hour, cfg.CanonicalCacheTTL)
	require.Equal(t, 120, cfg.RateLimitMax)
	require.Equal(t, time.Minute, cfg.RateLimitWindow)
	require.Equal(t, ":8080", cfg.HTTPAddress())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LRS_DATABASE_URL", "postgres://lrs@localhost/lrs")
	t.Setenv("LRS_APP_PORT", ":9090")
	t.Setenv("LRS_STATEMENTS_SUBSTATEMENTS_QUERYABLE", "false")
	t.Setenv("LRS_CANONICAL_CACHE_TTL", "5m")
	t.Setenv("LRS_XAPI_VERSION", "1.0.2")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, config.DriverPostgres, cfg.DatabaseDriver)
	require.Equal(t, ":9090", cfg.HTTPAddress())
	require.False(t, cfg.SubStatementsQueryable)
	require.Equal(t, 5*time.Minute, cfg.CanonicalCacheTTL)
	require.Equal(t, "1.0.2", cfg.XAPIVersion)
}

func TestLoadValidation(t *testing.T) {
	t.Run("missing database url", func(t *testing.T) {
		t.Setenv("LRS_DATABASE_URL", "")
		_, err := config.Load()
		require.Error(t, err)
	})

	t.Run("unsupported driver", func(t *testing.T) {
		t.Setenv("LRS_DATABASE_URL", "x")
		t.Setenv("LRS_DATABASE_DRIVER", "mysql")
		_, err := config.Load()
		require.Error(t, err)
	})

	t.Run("unsupported version", func(t *testing.T) {
		t.Setenv("LRS_DATABASE_URL", "x")
		t.Setenv("LRS_XAPI_VERSION", "2.0.0")
		_, err := config.Load()
		require.Error(t, err)
	})

	t.Run("bad duration", func(t *testing.T) {
		t.Setenv("LRS_DATABASE_URL", "x")
		t.Setenv("LRS_RATELIMIT_WINDOW", "soon")
		_, err := config.Load()
		require.Error(t, err)
	})
}
