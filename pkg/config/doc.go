// Package config loads novelhub configuration from environment variables.
//
// Every setting has a default; LoadConfig validates the result.
//
// Ops listener:
//
//	NOVELHUB_HOST="0.0.0.0"
//	NOVELHUB_PORT="9090"
//	NOVELHUB_SHUTDOWN_TIMEOUT="30s"
//
// Plugin runtime:
//
//	NOVELHUB_PLUGINS_DIR="/var/lib/novelhub/plugins"
//	NOVELHUB_PLUGINS_HOT_RELOAD="true"
//	NOVELHUB_PLUGINS_RESCAN_SCHEDULE="@every 10m"  # cron syntax, empty disables
//	NOVELHUB_PLUGINS_LOAD_CONCURRENCY="4"
//	NOVELHUB_PLUGINS_ENV="HTTP_PROXY=http://proxy:3128"
//
// Aggregation and export:
//
//	NOVELHUB_BRANCH_TIMEOUT="15s"
//	NOVELHUB_CACHE_SIZE="10000"
//	NOVELHUB_CACHE_TTL="30m"
//	NOVELHUB_EXPORT_TIMEOUT="5m"
//
// Storage:
//
//	NOVELHUB_STORAGE_TYPE="postgres"  # filesystem, postgres
//	NOVELHUB_POSTGRES_URL="postgres://localhost/novelhub"
//	NOVELHUB_REDIS_URL="redis://localhost:6379"   # enables the shared match cache
//	NOVELHUB_S3_BUCKET="novelhub-units"            # enables the unit mirror
//
// Observability:
//
//	NOVELHUB_LOG_LEVEL="info"
//	NOVELHUB_LOG_FORMAT="json"  # json, text
//	NOVELHUB_OTEL_ENABLED="true"
//	NOVELHUB_OTEL_ENDPOINT="otel-collector:4317"
package config
