package plugins

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnitStoreLayout(t *testing.T) {
	root := t.TempDir()
	store, err := NewUnitStore(root)
	require.NoError(t, err)

	assert.DirExists(t, filepath.Join(root, "source"))
	assert.DirExists(t, filepath.Join(root, "exporter"))
	assert.Equal(t, filepath.Join(root, "exporter", "epub"), store.Dir(KindExporter, "epub"))

	assert.True(t, store.Contains(filepath.Join(root, "source", "demo", "demo-source")))
	assert.False(t, store.Contains(root))
	assert.False(t, store.Contains("/usr/bin/env"))
	assert.False(t, store.Contains("builtin://demo"))

	kind, name, ok := store.UnitOf(filepath.Join(root, "source", "demo", "plugin.yaml"))
	assert.True(t, ok)
	assert.Equal(t, KindSource, kind)
	assert.Equal(t, "demo", name)

	_, _, ok = store.UnitOf(filepath.Join(root, "themes", "dark"))
	assert.False(t, ok)
	_, _, ok = store.UnitOf(filepath.Join(root, "source"))
	assert.False(t, ok)
}

func TestUnitStoreWriteAndScan(t *testing.T) {
	store, err := NewUnitStore(t.TempDir())
	require.NoError(t, err)

	meta := Metadata{Name: "demo", Kind: KindSource, Version: "1.0.0", Description: "demo source"}
	dir, err := store.Write(KindSource, "demo", "demo-source", strings.NewReader("binary"), ManifestFor(meta, "demo-source"))
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "demo-source"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0100, "units are executable")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".incoming-"), "no temporary files are left behind")
	}

	metas, errs := store.Scan(KindSource)
	assert.Empty(t, errs)
	require.Len(t, metas, 1)
	assert.Equal(t, "demo", metas[0].Name)
	assert.Equal(t, "demo source", metas[0].Description)
	assert.Equal(t, filepath.Join(dir, "demo-source"), metas[0].UnitLocation)

	exporters, errs := store.Scan(KindExporter)
	assert.Empty(t, errs)
	assert.Empty(t, exporters)
}

func TestUnitStoreScanReportsBadUnits(t *testing.T) {
	store, err := NewUnitStore(t.TempDir())
	require.NoError(t, err)

	// Manifest name does not match the directory.
	_, err = store.Write(KindSource, "alpha", "builtin://beta", nil,
		ManifestFor(Metadata{Name: "beta", Kind: KindSource, Version: "1.0.0"}, "builtin://beta"))
	require.NoError(t, err)
	// Missing manifest.
	require.NoError(t, os.MkdirAll(store.Dir(KindSource, "empty"), 0755))
	// Stray file at kind level is ignored.
	require.NoError(t, os.WriteFile(filepath.Join(store.KindDir(KindSource), "README"), []byte("hi"), 0644))

	metas, errs := store.Scan(KindSource)
	assert.Empty(t, metas)
	assert.Len(t, errs, 2)
}

func TestUnitStoreRemove(t *testing.T) {
	store, err := NewUnitStore(t.TempDir())
	require.NoError(t, err)
	_, err = store.Write(KindSource, "demo", "bin", strings.NewReader("x"), ManifestFor(Metadata{Name: "demo", Kind: KindSource, Version: "1.0.0"}, "bin"))
	require.NoError(t, err)

	require.NoError(t, store.Remove(KindSource, "demo"))
	assert.NoDirExists(t, store.Dir(KindSource, "demo"))
	assert.NoError(t, store.Remove(KindSource, "demo"), "removing twice is fine")

	assert.Error(t, store.Remove(KindSource, ".."))
	assert.Error(t, store.Remove(KindSource, ""))
	assert.DirExists(t, store.KindDir(KindSource))
}
