package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/novelhub/pkg/config"
	"github.com/platinummonkey/novelhub/pkg/export/plaintext"
	"github.com/platinummonkey/novelhub/pkg/novel"
	"github.com/platinummonkey/novelhub/pkg/plugins"
)

// builtinExporters are compiled into the host and served from builtin://.
func builtinExporters() map[string]plugins.Factory {
	return map[string]plugins.Factory{
		plaintext.Name: func(context.Context) (any, error) { return plaintext.New(), nil },
	}
}

func plaintextMetadata() plugins.Metadata {
	return plugins.Metadata{
		Name:            plaintext.Name,
		Kind:            plugins.KindExporter,
		Description:     "Plain UTF-8 text",
		Version:         "1.0.0",
		Author:          "novelhub",
		UnitLocation:    plugins.BuiltinScheme + plaintext.Name,
		OutputExtension: plaintext.Extension,
	}
}

// ensureBuiltins installs bundled plugins that are not registered yet, so a
// fresh host always has at least one exporter.
func ensureBuiltins(ctx context.Context, exporters *plugins.Registry[novel.Exporter], log *logrus.Logger) error {
	meta := plaintextMetadata()
	_, err := exporters.Descriptor(meta.Name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, plugins.ErrNotFound) {
		return err
	}
	if _, err := exporters.Install(ctx, meta, nil); err != nil {
		return fmt.Errorf("install builtin exporter %s: %w", meta.Name, err)
	}
	log.WithField("plugin", meta.Name).Info("Installed builtin exporter")
	return nil
}

// pluginLogger routes go-plugin diagnostics and plugin stderr to the host's
// log output at a matching level.
func pluginLogger(log *logrus.Logger, obs config.ObservabilityConfig) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "plugin",
		Level:      hclogLevel(log.GetLevel()),
		Output:     log.Out,
		JSONFormat: obs.LogFormat != "text",
	})
}

func hclogLevel(level logrus.Level) hclog.Level {
	switch level {
	case logrus.TraceLevel:
		return hclog.Trace
	case logrus.DebugLevel:
		return hclog.Debug
	case logrus.InfoLevel:
		return hclog.Info
	case logrus.WarnLevel:
		return hclog.Warn
	default:
		return hclog.Error
	}
}
