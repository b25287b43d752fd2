package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/novelhub/pkg/config"
	"github.com/platinummonkey/novelhub/pkg/observability"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if cfg.Observability.OTelServiceVersion == "" {
		cfg.Observability.OTelServiceVersion = version
	}

	log := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stderr)
	log.WithField("version", version).Info("Starting novelhub")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctx := context.Background()
	a, err := newApp(ctx, cfg, log, registry)
	if err != nil {
		log.WithError(err).Fatal("Failed to start novelhub")
	}
	if err := a.Run(ctx); err != nil {
		log.WithError(err).Fatal("novelhub stopped with errors")
	}
}
