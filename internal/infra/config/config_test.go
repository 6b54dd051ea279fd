package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	assert.NoError(t, Validate(Defaults()))
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8420", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.True(t, cfg.Scheduler.Enabled)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
  mode: dev
storage:
  driver: memory
cache:
  default_ttl: 90s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.True(t, cfg.Server.Dev())
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 90*time.Second, cfg.Cache.DefaultTTL)
	// Untouched sections keep their defaults.
	assert.Equal(t, 8*time.Hour, cfg.Security.SessionTTL)
	assert.Equal(t, "baseline", cfg.Models.Default)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not: a mapping"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9000\"\n"), 0o644))

	t.Setenv("NOWHERE_SERVER_ADDR", ":7777")
	t.Setenv("NOWHERE_SERVER_MODE", "dev")
	t.Setenv("NOWHERE_STORAGE_DRIVER", "memory")
	t.Setenv("NOWHERE_SESSION_TTL", "2h")
	t.Setenv("NOWHERE_SCHEDULER_ENABLED", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.Addr)
	assert.Equal(t, "dev", cfg.Server.Mode)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 2*time.Hour, cfg.Security.SessionTTL)
	assert.False(t, cfg.Scheduler.Enabled)
}

func TestEnvOverrideIgnoresBadDuration(t *testing.T) {
	cfg := Defaults()
	t.Setenv("NOWHERE_SESSION_TTL", "not-a-duration")
	ApplyEnvOverrides(cfg)
	assert.Equal(t, 8*time.Hour, cfg.Security.SessionTTL)
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Mode = "staging"
	cfg.Storage.Driver = "postgres"
	cfg.Security.SessionTTL = 0

	err := Validate(cfg)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "server.mode")
	assert.Contains(t, msg, "storage.driver")
	assert.Contains(t, msg, "security.session_ttl")
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"sqlite without path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"unknown log level", func(c *Config) { c.Logger.Level = "verbose" }, "logger.level"},
		{"unknown log format", func(c *Config) { c.Logger.Format = "xml" }, "logger.format"},
		{"unsupported tracer exporter", func(c *Config) {
			c.Tracer.Enabled = true
			c.Tracer.Exporter = "jaeger"
		}, "tracer.exporter"},
		{"http provider without base url", func(c *Config) {
			c.Models.Providers = append(c.Models.Providers, ProviderConfig{Name: "remote", Type: "http"})
		}, "base_url"},
		{"duplicate provider", func(c *Config) {
			c.Models.Providers = append(c.Models.Providers, ProviderConfig{Name: "local", Type: "static"})
		}, "duplicate name"},
		{"catalog entry with unknown provider", func(c *Config) {
			c.Models.Catalog = append(c.Models.Catalog,
				ModelEntryConfig{Name: "ghost", Provider: "nobody", ContextWindow: 1024})
		}, "unknown provider"},
		{"catalog entry without context window", func(c *Config) {
			c.Models.Catalog = append(c.Models.Catalog,
				ModelEntryConfig{Name: "flat", Provider: "local"})
		}, "context_window"},
		{"default not in catalog", func(c *Config) { c.Models.Default = "missing" }, "models.default"},
		{"zero cache shards", func(c *Config) { c.Cache.Shards = 0 }, "cache.shards"},
		{"retry factor below one", func(c *Config) { c.Dispatcher.Retry.Factor = 0.5 }, "dispatcher.retry"},
		{"non-positive anomaly sigma", func(c *Config) { c.Insights.AnomalySigma = 0 }, "anomaly_sigma"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Defaults()
			tc.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
