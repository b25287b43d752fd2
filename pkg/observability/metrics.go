package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeMiss     = "miss"
	OutcomePanic    = "panic"
	OutcomeTimeout  = "timeout"
	OutcomeRejected = "rejected"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Ops HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Plugin lifecycle metrics
	PluginOperationsTotal   *prometheus.CounterVec
	PluginOperationDuration *prometheus.HistogramVec
	PluginsLoaded           *prometheus.GaugeVec

	// Aggregation metrics
	FanoutBranchesTotal  *prometheus.CounterVec
	FanoutBranchDuration *prometheus.HistogramVec
	CacheHitsTotal       *prometheus.CounterVec
	CacheMissesTotal     *prometheus.CounterVec

	// Export metrics
	ExportsTotal   *prometheus.CounterVec
	ExportDuration *prometheus.HistogramVec

	// Repository metrics
	RepositoryOperationsTotal *prometheus.CounterVec
	DBConnectionsActive       prometheus.Gauge
	DBConnectionsIdle         prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "novelhub_http_requests_total",
				Help: "Total number of ops HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "novelhub_http_request_duration_seconds",
				Help:    "Ops HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		PluginOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "novelhub_plugin_operations_total",
				Help: "Total number of plugin lifecycle operations",
			},
			[]string{"kind", "operation", "outcome"},
		),
		PluginOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "novelhub_plugin_operation_duration_seconds",
				Help:    "Plugin lifecycle operation duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind", "operation"},
		),
		PluginsLoaded: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "novelhub_plugins_loaded",
				Help: "Number of plugins currently loaded",
			},
			[]string{"kind"},
		),

		FanoutBranchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "novelhub_fanout_branches_total",
				Help: "Total number of cross-source fan-out branches by outcome",
			},
			[]string{"operation", "source", "outcome"},
		),
		FanoutBranchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "novelhub_fanout_branch_duration_seconds",
				Help:    "Cross-source fan-out branch duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30},
			},
			[]string{"operation", "source"},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "novelhub_cache_hits_total",
				Help: "Total number of match cache hits",
			},
			[]string{"cache_type"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "novelhub_cache_misses_total",
				Help: "Total number of match cache misses",
			},
			[]string{"cache_type"},
		),

		ExportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "novelhub_exports_total",
				Help: "Total number of exports",
			},
			[]string{"exporter", "outcome"},
		),
		ExportDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "novelhub_export_duration_seconds",
				Help:    "Export duration in seconds",
				Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"exporter"},
		),

		RepositoryOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "novelhub_repository_operations_total",
				Help: "Total number of plugin repository operations",
			},
			[]string{"operation", "backend", "status"},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "novelhub_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "novelhub_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PluginOperationsTotal,
		m.PluginOperationDuration,
		m.PluginsLoaded,
		m.FanoutBranchesTotal,
		m.FanoutBranchDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.ExportsTotal,
		m.ExportDuration,
		m.RepositoryOperationsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// RecordPluginOperation counts one lifecycle operation and its duration.
func (m *Metrics) RecordPluginOperation(kind, operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.PluginOperationsTotal.WithLabelValues(kind, operation, outcome(err)).Inc()
	m.PluginOperationDuration.WithLabelValues(kind, operation).Observe(duration.Seconds())
}

// SetPluginsLoaded sets the number of loaded plugins of kind.
func (m *Metrics) SetPluginsLoaded(kind string, n int) {
	if m == nil {
		return
	}
	m.PluginsLoaded.WithLabelValues(kind).Set(float64(n))
}

// RecordFanoutBranch counts one fan-out branch with its outcome label.
func (m *Metrics) RecordFanoutBranch(operation, source, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.FanoutBranchesTotal.WithLabelValues(operation, source, outcome).Inc()
	m.FanoutBranchDuration.WithLabelValues(operation, source).Observe(duration.Seconds())
}

// RecordCache counts a hit or miss on cacheType.
func (m *Metrics) RecordCache(cacheType string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(cacheType).Inc()
		return
	}
	m.CacheMissesTotal.WithLabelValues(cacheType).Inc()
}

// RecordExport counts one export through exporter.
func (m *Metrics) RecordExport(exporter string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.ExportsTotal.WithLabelValues(exporter, outcome(err)).Inc()
	m.ExportDuration.WithLabelValues(exporter).Observe(duration.Seconds())
}

// RecordRepositoryOperation counts one repository call against backend.
func (m *Metrics) RecordRepositoryOperation(operation, backend string, err error) {
	if m == nil {
		return
	}
	m.RepositoryOperationsTotal.WithLabelValues(operation, backend, outcome(err)).Inc()
}

// RecordDBStats publishes connection pool statistics.
func (m *Metrics) RecordDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeSuccess
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// It has the shape of a mux.MiddlewareFunc.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			status := strconv.Itoa(rw.statusCode)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
