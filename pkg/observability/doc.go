// Package observability provides structured logging, Prometheus metrics,
// health checks and OpenTelemetry setup for novelhub.
//
// # Structured Logging
//
// Loggers are plain logrus loggers:
//
//	log := observability.NewLogger(observability.ParseLevel("debug"), observability.FormatJSON, os.Stdout)
//	log.WithField("source", "royalroad").Info("Source loaded")
//
// Request-scoped loggers travel in the context:
//
//	ctx = observability.WithLogger(ctx, log)
//	observability.FromContext(ctx).Warn("Slow plugin")
//
// # Prometheus Metrics
//
// A nil *Metrics is valid, so components accept one unconditionally:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordFanoutBranch("novel_from_other_sources", "alpha", observability.OutcomeTimeout, d)
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(version)
//	checker.AddCheck("database", true, observability.DatabaseCheck(db))
//	checker.AddCheck("redis", false, observability.RedisCheck(client))
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	telemetry, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "novelhub",
//		SampleRatio: 0.2,
//	}, log)
//	defer telemetry.Shutdown(ctx, log)
package observability
