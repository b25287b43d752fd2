package storage

import "time"

// Repository backends.
const (
	TypeFilesystem = "filesystem"
	TypePostgres   = "postgres"
)

// Config selects and configures the plugin metadata repository and the
// optional Redis and S3 collaborators.
type Config struct {
	Type string // "filesystem" or "postgres"

	// Filesystem config
	FilesystemRoot string

	// PostgreSQL config
	PostgresURL      string
	PostgresMaxConns int
	PostgresMinConns int
	PostgresTimeout  time.Duration

	// Redis config
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int

	// S3 unit mirror config, enabled when S3Bucket is set
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3Prefix       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:             TypeFilesystem,
		FilesystemRoot:   "/var/lib/novelhub/repository",
		PostgresMaxConns: 20,
		PostgresMinConns: 2,
		PostgresTimeout:  10 * time.Second,
		RedisDB:          0,
		RedisMaxRetries:  3,
		RedisPoolSize:    10,
		S3Region:         "us-east-1",
		S3Prefix:         "units/",
	}
}
