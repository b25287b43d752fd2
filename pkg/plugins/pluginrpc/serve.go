package pluginrpc

import (
	"github.com/hashicorp/go-plugin"

	"github.com/platinummonkey/novelhub/pkg/novel"
)

// ServeSource serves impl to the host. Call it from the plugin's main; it
// returns when the host kills the process.
func ServeSource(impl novel.Source) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			SourcePluginName: &SourcePlugin{Impl: impl},
		},
	})
}

// ServeExporter serves impl to the host. Call it from the plugin's main.
func ServeExporter(impl novel.Exporter) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			ExporterPluginName: &ExporterPlugin{Impl: impl},
		},
	})
}
