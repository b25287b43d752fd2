package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/novelhub/pkg/observability"
	"github.com/platinummonkey/novelhub/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Ops listener configuration
	Server ServerConfig

	// Plugin runtime configuration
	Plugins PluginsConfig

	// Cross-source aggregation configuration
	Aggregator AggregatorConfig

	// Export dispatch configuration
	Export ExportConfig

	// Storage configuration
	Storage storage.Config

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds the ops HTTP listener configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// PluginsConfig holds plugin discovery and loading settings
type PluginsConfig struct {
	// Root of the unit directory, <dir>/<kind>/<name>/
	Dir string

	// Reload units when their files change
	HotReload      bool
	ReloadDebounce time.Duration

	// Cron schedule for periodic rediscovery, empty disables it
	RescanSchedule string

	LoadConcurrency int
	LoadTimeout     time.Duration
	StartTimeout    time.Duration // plugin process handshake

	// Extra KEY=VALUE environment for plugin processes
	Env []string
}

// AggregatorConfig holds fan-out and match cache settings
type AggregatorConfig struct {
	BranchTimeout   time.Duration
	MaxChapterPages int

	CacheEnabled     bool
	CacheSize        int
	CacheTTL         time.Duration
	CacheNegativeTTL time.Duration
	CacheRedisPrefix string
}

// ExportConfig holds export dispatch settings
type ExportConfig struct {
	Timeout time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel  logrus.Level
	LogFormat string

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool    // Use insecure gRPC connection
	OTelSampleRatio    float64 // Fraction of root traces kept
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Plugins:       loadPluginsConfig(),
		Aggregator:    loadAggregatorConfig(),
		Export:        loadExportConfig(),
		Storage:       loadStorageConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("NOVELHUB_HOST", "0.0.0.0"),
		Port:            getEnv("NOVELHUB_PORT", "9090"),
		ReadTimeout:     getEnvDuration("NOVELHUB_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("NOVELHUB_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("NOVELHUB_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("NOVELHUB_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func loadPluginsConfig() PluginsConfig {
	return PluginsConfig{
		Dir:             getEnv("NOVELHUB_PLUGINS_DIR", "/var/lib/novelhub/plugins"),
		HotReload:       getEnvBool("NOVELHUB_PLUGINS_HOT_RELOAD", true),
		ReloadDebounce:  getEnvDuration("NOVELHUB_PLUGINS_RELOAD_DEBOUNCE", 500*time.Millisecond),
		RescanSchedule:  getEnv("NOVELHUB_PLUGINS_RESCAN_SCHEDULE", "@every 10m"),
		LoadConcurrency: getEnvInt("NOVELHUB_PLUGINS_LOAD_CONCURRENCY", 4),
		LoadTimeout:     getEnvDuration("NOVELHUB_PLUGINS_LOAD_TIMEOUT", 30*time.Second),
		StartTimeout:    getEnvDuration("NOVELHUB_PLUGINS_START_TIMEOUT", 10*time.Second),
		Env:             splitList(getEnv("NOVELHUB_PLUGINS_ENV", "")),
	}
}

func loadAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		BranchTimeout:    getEnvDuration("NOVELHUB_BRANCH_TIMEOUT", 15*time.Second),
		MaxChapterPages:  getEnvInt("NOVELHUB_MAX_CHAPTER_PAGES", 200),
		CacheEnabled:     getEnvBool("NOVELHUB_CACHE_ENABLED", true),
		CacheSize:        getEnvInt("NOVELHUB_CACHE_SIZE", 10000),
		CacheTTL:         getEnvDuration("NOVELHUB_CACHE_TTL", 30*time.Minute),
		CacheNegativeTTL: getEnvDuration("NOVELHUB_CACHE_NEGATIVE_TTL", 5*time.Minute),
		CacheRedisPrefix: getEnv("NOVELHUB_CACHE_REDIS_PREFIX", "novelhub:match:"),
	}
}

func loadExportConfig() ExportConfig {
	return ExportConfig{
		Timeout: getEnvDuration("NOVELHUB_EXPORT_TIMEOUT", 5*time.Minute),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	// Repository type
	if storageType := getEnv("NOVELHUB_STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = strings.ToLower(storageType)
	}

	// Filesystem config
	if fsRoot := getEnv("NOVELHUB_FILESYSTEM_ROOT", ""); fsRoot != "" {
		cfg.FilesystemRoot = fsRoot
	}

	// PostgreSQL config
	if pgURL := getEnv("NOVELHUB_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if maxConns := getEnvInt("NOVELHUB_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("NOVELHUB_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("NOVELHUB_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	// S3 unit mirror config
	if s3Endpoint := getEnv("NOVELHUB_S3_ENDPOINT", ""); s3Endpoint != "" {
		cfg.S3Endpoint = s3Endpoint
	}
	if s3Region := getEnv("NOVELHUB_S3_REGION", ""); s3Region != "" {
		cfg.S3Region = s3Region
	}
	if s3Bucket := getEnv("NOVELHUB_S3_BUCKET", ""); s3Bucket != "" {
		cfg.S3Bucket = s3Bucket
	}
	if s3Prefix := getEnv("NOVELHUB_S3_PREFIX", ""); s3Prefix != "" {
		cfg.S3Prefix = s3Prefix
	}
	if s3AccessKey := getEnv("NOVELHUB_S3_ACCESS_KEY", ""); s3AccessKey != "" {
		cfg.S3AccessKey = s3AccessKey
	}
	if s3SecretKey := getEnv("NOVELHUB_S3_SECRET_KEY", ""); s3SecretKey != "" {
		cfg.S3SecretKey = s3SecretKey
	}
	cfg.S3UsePathStyle = getEnvBool("NOVELHUB_S3_USE_PATH_STYLE", cfg.S3UsePathStyle)

	// Redis config
	if redisURL := getEnv("NOVELHUB_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("NOVELHUB_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("NOVELHUB_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("NOVELHUB_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("NOVELHUB_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	return cfg
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLevel(getEnv("NOVELHUB_LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("NOVELHUB_LOG_FORMAT", observability.FormatJSON)),
		MetricsEnabled:     getEnvBool("NOVELHUB_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("NOVELHUB_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("NOVELHUB_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("NOVELHUB_OTEL_SERVICE_NAME", "novelhub"),
		OTelServiceVersion: getEnv("NOVELHUB_OTEL_SERVICE_VERSION", ""),
		OTelInsecure:       getEnvBool("NOVELHUB_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("NOVELHUB_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if port, err := strconv.Atoi(c.Server.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid server port: %s", c.Server.Port)
	}

	// Validate plugin runtime config
	if c.Plugins.Dir == "" {
		return fmt.Errorf("plugins directory is required")
	}
	if c.Plugins.LoadConcurrency < 1 {
		return fmt.Errorf("plugin load concurrency must be at least 1, got %d", c.Plugins.LoadConcurrency)
	}
	if c.Plugins.LoadTimeout <= 0 {
		return fmt.Errorf("plugin load timeout must be positive")
	}
	if c.Plugins.RescanSchedule != "" {
		if _, err := cron.ParseStandard(c.Plugins.RescanSchedule); err != nil {
			return fmt.Errorf("invalid plugin rescan schedule %q: %w", c.Plugins.RescanSchedule, err)
		}
	}
	for _, kv := range c.Plugins.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("invalid plugin environment entry %q (must be KEY=VALUE)", kv)
		}
	}

	// Validate aggregator config
	if c.Aggregator.BranchTimeout <= 0 {
		return fmt.Errorf("branch timeout must be positive")
	}
	if c.Aggregator.CacheEnabled && c.Aggregator.CacheSize < 1 {
		return fmt.Errorf("cache size must be at least 1 when the cache is enabled")
	}

	// Validate storage config based on type
	switch c.Storage.Type {
	case storage.TypeFilesystem:
		if c.Storage.FilesystemRoot == "" {
			return fmt.Errorf("filesystem root is required for filesystem storage")
		}
	case storage.TypePostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be filesystem or postgres)", c.Storage.Type)
	}
	if c.Storage.S3Bucket != "" && c.Storage.S3Region == "" {
		return fmt.Errorf("S3 region is required when an S3 bucket is configured")
	}

	// Validate observability config
	switch c.Observability.LogFormat {
	case observability.FormatJSON, observability.FormatText:
	default:
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Observability.LogFormat)
	}
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
		if r := c.Observability.OTelSampleRatio; r < 0 || r > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1, got %g", r)
		}
	}

	return nil
}

// Addr returns the ops listener address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// splitList splits a comma-separated value, dropping empty entries.
func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
