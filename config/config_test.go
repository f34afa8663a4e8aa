package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, "motion", cfg.Store.BucketPrefix)
	assert.Equal(t, 10*time.Second, cfg.Store.LockLease)
	assert.Equal(t, 24*time.Hour, cfg.Engine.CacheTTL)
	assert.Equal(t, 30*time.Second, cfg.Engine.LockWait)
	assert.True(t, cfg.Engine.LocalCache)
	assert.Equal(t, 4, cfg.Engine.MigrationWorkers)
	assert.Equal(t, ":8000", cfg.HTTP.ListenAddr)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	// Defaults validate as-is.
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, "motion.json", `{
		"store": {
			"backend": "nats",
			"url": "nats://store:4222",
			"bucket_prefix": "prod-motion",
			"lock_lease": "30s"
		},
		"engine": {
			"cache_ttl": "2d"
		},
		"logging": {"level": "debug"}
	}`)

	loader := NewLoader()
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, BackendNATS, cfg.Store.Backend)
	assert.Equal(t, "nats://store:4222", cfg.Store.URL)
	assert.Equal(t, "prod-motion", cfg.Store.BucketPrefix)
	assert.Equal(t, 30*time.Second, cfg.Store.LockLease)
	assert.Equal(t, 48*time.Hour, cfg.Engine.CacheTTL)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, ":8000", cfg.HTTP.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.Engine.LockWait)
}

func TestLoadLayersMergeInOrder(t *testing.T) {
	base := writeConfigFile(t, "base.json", `{
		"http": {"listen_addr": ":9000"},
		"logging": {"level": "warn"}
	}`)
	override := writeConfigFile(t, "override.json", `{
		"logging": {"level": "error"}
	}`)

	loader := NewLoader()
	loader.AddLayer(base)
	loader.AddLayer(override)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTP.ListenAddr)
	assert.Equal(t, "error", cfg.Logging.Level)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MOTION_STORE_BACKEND", "nats")
	t.Setenv("MOTION_STORE_URL", "nats://env:4222")
	t.Setenv("MOTION_ENGINE_CACHE_TTL", "1h")
	t.Setenv("MOTION_ENGINE_MIGRATION_WORKERS", "8")
	t.Setenv("MOTION_LOG_FORMAT", "text")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, BackendNATS, cfg.Store.Backend)
	assert.Equal(t, "nats://env:4222", cfg.Store.URL)
	assert.Equal(t, time.Hour, cfg.Engine.CacheTTL)
	assert.Equal(t, 8, cfg.Engine.MigrationWorkers)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestEnvOverrideBadDuration(t *testing.T) {
	t.Setenv("MOTION_ENGINE_LOCK_WAIT", "not-a-duration")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MOTION_ENGINE_LOCK_WAIT")
}

func TestValidate(t *testing.T) {
	valid := NewLoader().getDefaults()
	require.NoError(t, valid.Validate())

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing backend", func(c *Config) { c.Store.Backend = "" }, "store.backend is required"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "redis" }, "unknown store.backend"},
		{"nats needs url", func(c *Config) { c.Store.Backend = BackendNATS; c.Store.URL = "" }, "store.url"},
		{"bad bucket prefix", func(c *Config) {
			c.Store.Backend = BackendNATS
			c.Store.BucketPrefix = "with.dots"
		}, "bucket_prefix"},
		{"short lock lease", func(c *Config) { c.Store.LockLease = 100 * time.Millisecond }, "at least 1s"},
		{"negative cache ttl", func(c *Config) { c.Engine.CacheTTL = -time.Hour }, "cache_ttl"},
		{"missing listen addr", func(c *Config) { c.HTTP.ListenAddr = "" }, "listen_addr"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "yaml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid.Clone()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "warning", "error", "ERROR"} {
		_, err := ParseLogLevel(level)
		assert.NoError(t, err, level)
	}
	_, err := ParseLogLevel("trace")
	assert.Error(t, err)
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.json")

	cfg := NewLoader().getDefaults()
	cfg.HTTP.ListenAddr = ":7777"
	cfg.Engine.CacheTTL = 6 * time.Hour
	require.NoError(t, cfg.SaveToFile(path))

	reloaded, err := NewLoader().LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":7777", reloaded.HTTP.ListenAddr)
	assert.Equal(t, 6*time.Hour, reloaded.Engine.CacheTTL)
}

func TestSafeConfig(t *testing.T) {
	sc := NewSafeConfig(NewLoader().getDefaults())

	// Get returns a copy; mutating it does not leak back.
	snapshot := sc.Get()
	snapshot.HTTP.ListenAddr = ":1"
	assert.Equal(t, ":8000", sc.Get().HTTP.ListenAddr)

	updated := NewLoader().getDefaults()
	updated.HTTP.ListenAddr = ":7000"
	require.NoError(t, sc.Update(updated))
	assert.Equal(t, ":7000", sc.Get().HTTP.ListenAddr)

	// Invalid updates are rejected and the old config survives.
	broken := NewLoader().getDefaults()
	broken.Logging.Format = "yaml"
	require.Error(t, sc.Update(broken))
	assert.Equal(t, ":7000", sc.Get().HTTP.ListenAddr)

	require.Error(t, sc.Update(nil))
}

func TestLoadRejectsBadFiles(t *testing.T) {
	loader := NewLoader()

	t.Run("missing file", func(t *testing.T) {
		_, err := loader.LoadFile(filepath.Join(t.TempDir(), "missing.json"))
		assert.Error(t, err)
	})

	t.Run("non-json extension", func(t *testing.T) {
		path := writeConfigFile(t, "motion.json", `{}`)
		renamed := strings.TrimSuffix(path, ".json") + ".yaml"
		require.NoError(t, os.Rename(path, renamed))
		_, err := loader.LoadFile(renamed)
		assert.Error(t, err)
	})

	t.Run("malformed json", func(t *testing.T) {
		path := writeConfigFile(t, "bad.json", `{"store": {`)
		_, err := loader.LoadFile(path)
		assert.Error(t, err)
	})

	t.Run("excessive nesting", func(t *testing.T) {
		deep := strings.Repeat(`{"a":`, 40) + "1" + strings.Repeat("}", 40)
		path := writeConfigFile(t, "deep.json", deep)
		_, err := loader.LoadFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "nesting too deep")
	})
}

func TestParseDurationWithDays(t *testing.T) {
	d, err := parseDurationWithDays("14d")
	require.NoError(t, err)
	assert.Equal(t, 14*24*time.Hour, d)

	d, err = parseDurationWithDays("90s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = parseDurationWithDays("xd")
	assert.Error(t, err)
}
