// Package pluginrpc carries the Source and Exporter contracts across a
// process boundary using hashicorp/go-plugin over net/rpc.
//
// Plugin authors build an executable whose main calls ServeSource or
// ServeExporter. The host starts it with Dial, which performs the
// handshake and dispenses the capability named after the unit's kind.
package pluginrpc

import (
	"github.com/hashicorp/go-plugin"
)

const (
	// SourcePluginName and ExporterPluginName are the names dispensed for each kind.
	SourcePluginName   = "source"
	ExporterPluginName = "exporter"
)

// Handshake is shared by host and plugins. A binary that is not a novelhub
// plugin exits with a helpful message instead of hanging.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "NOVELHUB_PLUGIN",
	MagicCookieValue: "0f4b1e5c-novelhub-unit",
}

// pluginMap is the set of capabilities the host knows how to dispense.
var pluginMap = map[string]plugin.Plugin{
	SourcePluginName:   &SourcePlugin{},
	ExporterPluginName: &ExporterPlugin{},
}
