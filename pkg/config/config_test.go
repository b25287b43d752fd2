package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/novelhub/pkg/storage"
)

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STRING", "custom")
	t.Setenv("TEST_BOOL_TRUE", "TRUE")
	t.Setenv("TEST_BOOL_ONE", "1")
	t.Setenv("TEST_BOOL_FALSE", "false")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INT_BAD", "forty-two")
	t.Setenv("TEST_DURATION", "90s")
	t.Setenv("TEST_DURATION_BAD", "soon")

	assert.Equal(t, "custom", getEnv("TEST_STRING", "default"))
	assert.Equal(t, "default", getEnv("TEST_STRING_UNSET", "default"))

	assert.True(t, getEnvBool("TEST_BOOL_TRUE", false))
	assert.True(t, getEnvBool("TEST_BOOL_ONE", false))
	assert.False(t, getEnvBool("TEST_BOOL_FALSE", true))
	assert.True(t, getEnvBool("TEST_BOOL_UNSET", true))

	assert.Equal(t, 42, getEnvInt("TEST_INT", 10))
	assert.Equal(t, 10, getEnvInt("TEST_INT_BAD", 10))
	assert.Equal(t, 10, getEnvInt("TEST_INT_UNSET", 10))

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_DURATION_BAD", time.Second))
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"A=1", "B=2"}, splitList(" A=1 , ,B=2,"))
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Addr())
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)

	assert.Equal(t, "/var/lib/novelhub/plugins", cfg.Plugins.Dir)
	assert.True(t, cfg.Plugins.HotReload)
	assert.Equal(t, "@every 10m", cfg.Plugins.RescanSchedule)
	assert.Equal(t, 4, cfg.Plugins.LoadConcurrency)
	assert.Nil(t, cfg.Plugins.Env)

	assert.Equal(t, 15*time.Second, cfg.Aggregator.BranchTimeout)
	assert.Equal(t, 200, cfg.Aggregator.MaxChapterPages)
	assert.True(t, cfg.Aggregator.CacheEnabled)
	assert.Equal(t, 10000, cfg.Aggregator.CacheSize)

	assert.Equal(t, 5*time.Minute, cfg.Export.Timeout)

	assert.Equal(t, storage.TypeFilesystem, cfg.Storage.Type)
	assert.Empty(t, cfg.Storage.RedisURL)

	assert.Equal(t, logrus.InfoLevel, cfg.Observability.LogLevel)
	assert.Equal(t, "json", cfg.Observability.LogFormat)
	assert.False(t, cfg.Observability.OTelEnabled)
	assert.Empty(t, cfg.Observability.OTelServiceVersion)
	assert.Equal(t, 1.0, cfg.Observability.OTelSampleRatio)
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	env := map[string]string{
		"NOVELHUB_PORT":                     "9191",
		"NOVELHUB_PLUGINS_DIR":              "/srv/plugins",
		"NOVELHUB_PLUGINS_HOT_RELOAD":       "false",
		"NOVELHUB_PLUGINS_RESCAN_SCHEDULE":  "*/5 * * * *",
		"NOVELHUB_PLUGINS_LOAD_CONCURRENCY": "8",
		"NOVELHUB_PLUGINS_ENV":              "HTTP_PROXY=http://proxy:3128, LANG=C",
		"NOVELHUB_BRANCH_TIMEOUT":           "3s",
		"NOVELHUB_CACHE_ENABLED":            "false",
		"NOVELHUB_STORAGE_TYPE":             "Postgres",
		"NOVELHUB_POSTGRES_URL":             "postgres://novelhub@db/novelhub?sslmode=disable",
		"NOVELHUB_POSTGRES_MAX_CONNS":       "40",
		"NOVELHUB_REDIS_URL":                "redis://cache:6379/1",
		"NOVELHUB_REDIS_DB":                 "0",
		"NOVELHUB_S3_BUCKET":                "novelhub-units",
		"NOVELHUB_S3_USE_PATH_STYLE":        "true",
		"NOVELHUB_LOG_LEVEL":                "debug",
		"NOVELHUB_LOG_FORMAT":               "TEXT",
		"NOVELHUB_OTEL_ENABLED":             "true",
		"NOVELHUB_OTEL_SAMPLE_RATIO":        "0.1",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9191", cfg.Server.Port)
	assert.Equal(t, "/srv/plugins", cfg.Plugins.Dir)
	assert.False(t, cfg.Plugins.HotReload)
	assert.Equal(t, "*/5 * * * *", cfg.Plugins.RescanSchedule)
	assert.Equal(t, 8, cfg.Plugins.LoadConcurrency)
	assert.Equal(t, []string{"HTTP_PROXY=http://proxy:3128", "LANG=C"}, cfg.Plugins.Env)

	assert.Equal(t, 3*time.Second, cfg.Aggregator.BranchTimeout)
	assert.False(t, cfg.Aggregator.CacheEnabled)

	assert.Equal(t, storage.TypePostgres, cfg.Storage.Type)
	assert.Equal(t, 40, cfg.Storage.PostgresMaxConns)
	assert.Equal(t, "redis://cache:6379/1", cfg.Storage.RedisURL)
	assert.Equal(t, "novelhub-units", cfg.Storage.S3Bucket)
	assert.Equal(t, "us-east-1", cfg.Storage.S3Region)
	assert.True(t, cfg.Storage.S3UsePathStyle)

	assert.Equal(t, logrus.DebugLevel, cfg.Observability.LogLevel)
	assert.Equal(t, "text", cfg.Observability.LogFormat)
	assert.True(t, cfg.Observability.OTelEnabled)
	assert.Equal(t, 0.1, cfg.Observability.OTelSampleRatio)
}

func TestLoadConfig_InvalidFailsValidation(t *testing.T) {
	t.Setenv("NOVELHUB_STORAGE_TYPE", "s3")

	cfg, err := LoadConfig()
	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "configuration validation failed")
	assert.Contains(t, err.Error(), "invalid storage type: s3")
}

func validConfig() *Config {
	return &Config{
		Server:        loadServerConfig(),
		Plugins:       loadPluginsConfig(),
		Aggregator:    loadAggregatorConfig(),
		Export:        loadExportConfig(),
		Storage:       storage.DefaultConfig(),
		Observability: loadObservabilityConfig(),
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "missing port",
			mutate:  func(c *Config) { c.Server.Port = "" },
			wantErr: "server port is required",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = "70000" },
			wantErr: "invalid server port: 70000",
		},
		{
			name:    "missing plugins dir",
			mutate:  func(c *Config) { c.Plugins.Dir = "" },
			wantErr: "plugins directory is required",
		},
		{
			name:    "zero load concurrency",
			mutate:  func(c *Config) { c.Plugins.LoadConcurrency = 0 },
			wantErr: "plugin load concurrency must be at least 1",
		},
		{
			name:    "zero load timeout",
			mutate:  func(c *Config) { c.Plugins.LoadTimeout = 0 },
			wantErr: "plugin load timeout must be positive",
		},
		{
			name:    "bad rescan schedule",
			mutate:  func(c *Config) { c.Plugins.RescanSchedule = "every tuesday" },
			wantErr: "invalid plugin rescan schedule",
		},
		{
			name:   "rescan disabled",
			mutate: func(c *Config) { c.Plugins.RescanSchedule = "" },
		},
		{
			name:    "bad plugin env",
			mutate:  func(c *Config) { c.Plugins.Env = []string{"LANG"} },
			wantErr: `invalid plugin environment entry "LANG"`,
		},
		{
			name:    "zero branch timeout",
			mutate:  func(c *Config) { c.Aggregator.BranchTimeout = 0 },
			wantErr: "branch timeout must be positive",
		},
		{
			name:    "enabled cache without size",
			mutate:  func(c *Config) { c.Aggregator.CacheSize = 0 },
			wantErr: "cache size must be at least 1",
		},
		{
			name: "disabled cache without size",
			mutate: func(c *Config) {
				c.Aggregator.CacheEnabled = false
				c.Aggregator.CacheSize = 0
			},
		},
		{
			name:    "filesystem without root",
			mutate:  func(c *Config) { c.Storage.FilesystemRoot = "" },
			wantErr: "filesystem root is required",
		},
		{
			name:    "postgres without URL",
			mutate:  func(c *Config) { c.Storage.Type = storage.TypePostgres },
			wantErr: "postgres URL is required",
		},
		{
			name: "postgres with URL",
			mutate: func(c *Config) {
				c.Storage.Type = storage.TypePostgres
				c.Storage.PostgresURL = "postgres://localhost/novelhub"
			},
		},
		{
			name: "bucket without region",
			mutate: func(c *Config) {
				c.Storage.S3Bucket = "units"
				c.Storage.S3Region = ""
			},
			wantErr: "S3 region is required",
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.Observability.LogFormat = "xml" },
			wantErr: "invalid log format: xml",
		},
		{
			name: "otel without endpoint",
			mutate: func(c *Config) {
				c.Observability.OTelEnabled = true
				c.Observability.OTelEndpoint = ""
			},
			wantErr: "OpenTelemetry endpoint is required",
		},
		{
			name: "otel without service name",
			mutate: func(c *Config) {
				c.Observability.OTelEnabled = true
				c.Observability.OTelServiceName = ""
			},
			wantErr: "OpenTelemetry service name is required",
		},
		{
			name: "otel sample ratio above one",
			mutate: func(c *Config) {
				c.Observability.OTelEnabled = true
				c.Observability.OTelSampleRatio = 2
			},
			wantErr: "sample ratio must be between 0 and 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
