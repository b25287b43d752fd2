package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/novelhub/pkg/plugins"
)

func TestProbeCommand_Source(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a plugin process")
	}
	t.Setenv(helperEnv, "source")
	dir := writeUnit(t, sourceManifest("helper"), true)

	output, err := captureStdout(t, func() error {
		return runProbe([]string{"-dir", dir, "-query", "learning"})
	})
	require.NoError(t, err)

	assert.Contains(t, output, "categories: 0")
	assert.Contains(t, output, `search "learning": page 1 of 1`)
	assert.Regexp(t, `TITLE\s+SLUG\s+AUTHOR\s+CHAPTERS`, output)
	assert.Regexp(t, `Mother of Learning\s+mol\s+nobody103`, output)
	assert.NotContains(t, output, "Worm")
	assert.Contains(t, output, "source helper 0.1.0 loaded and answered in")
}

func TestProbeCommand_Exporter(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a plugin process")
	}
	t.Setenv(helperEnv, "exporter")
	dir := writeUnit(t, &plugins.Manifest{
		Name:       "text",
		Kind:       plugins.KindExporter,
		Version:    "1.0.0",
		APIVersion: plugins.CurrentAPIVersion,
		Extension:  "txt",
		Entry:      "text",
	}, true)
	out := filepath.Join(t.TempDir(), "sample.txt")

	output, err := captureStdout(t, func() error {
		return runProbe([]string{"-dir", dir, "-out", out})
	})
	require.NoError(t, err)

	assert.Regexp(t, `export: \d+ bytes \(\.txt\)`, output)
	assert.Contains(t, output, "wrote "+out)
	assert.Contains(t, output, "exporter text 1.0.0 loaded and answered in")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Probe Sample")
	assert.Contains(t, string(data), "The last chapter.")
}

func TestProbeCommand_RejectsBuiltin(t *testing.T) {
	dir := writeUnit(t, &plugins.Manifest{
		Name:       "plaintext",
		Kind:       plugins.KindExporter,
		Version:    "1.0.0",
		APIVersion: plugins.CurrentAPIVersion,
		Extension:  "txt",
		Entry:      plugins.BuiltinScheme + "plaintext",
	}, false)

	err := runProbe([]string{"-dir", dir})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "builtin unit")
}

func TestProbeCommand_RejectsInvalidUnit(t *testing.T) {
	dir := writeUnit(t, sourceManifest("missing"), false)

	err := runProbe([]string{"-dir", dir})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid unit")
	assert.Contains(t, err.Error(), "does not exist")
}
