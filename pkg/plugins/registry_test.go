package plugins

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/novelhub/pkg/novel"
	"github.com/platinummonkey/novelhub/pkg/novel/noveltest"
	"github.com/platinummonkey/novelhub/pkg/observability"
)

type registryFixture struct {
	registry *Registry[novel.Source]
	repo     *memRepository
	units    *UnitStore
	metrics  *observability.Metrics
}

func newRegistryFixture(t *testing.T, factories map[string]Factory, seed ...Metadata) *registryFixture {
	t.Helper()
	units, err := NewUnitStore(t.TempDir())
	require.NoError(t, err)
	repo := newMemRepository(seed...)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	registry, err := NewRegistry(KindSource, builtinLoader(factories), RegistryOptions{
		Repository: repo,
		Units:      units,
		Logger:     nullLogger(),
		Metrics:    metrics,
	})
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close(context.Background()) })

	return &registryFixture{registry: registry, repo: repo, units: units, metrics: metrics}
}

func builtinMeta(name string) Metadata {
	return Metadata{Name: name, Kind: KindSource, Version: "1.0.0", UnitLocation: "builtin://" + name}
}

func TestNewRegistryValidation(t *testing.T) {
	_, err := NewRegistry(Kind("language"), builtinLoader(nil), RegistryOptions{Repository: newMemRepository()})
	assert.Error(t, err)

	_, err = NewRegistry[novel.Source](KindSource, nil, RegistryOptions{Repository: newMemRepository()})
	assert.Error(t, err)

	_, err = NewRegistry(KindSource, builtinLoader(nil), RegistryOptions{})
	assert.Error(t, err)
}

func TestRegistryInstallAndGet(t *testing.T) {
	src := noveltest.NewSource("alpha")
	f := newRegistryFixture(t, map[string]Factory{"alpha": sourceFactory(src, nil, nil)})

	info, err := f.registry.Install(context.Background(), builtinMeta("alpha"), nil)
	require.NoError(t, err)
	assert.Equal(t, StateLoaded, info.State)
	assert.NotEmpty(t, info.ID)
	assert.False(t, info.InstalledAt.IsZero())
	assert.True(t, f.repo.has(KindSource, "alpha"))

	h, err := f.registry.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", h.Name())
	assert.Equal(t, info.ID, h.Metadata().ID)

	_, err = Call(h, func(s novel.Source) (novel.NovelPage, error) {
		return s.GetHotNovels(context.Background(), 1)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, src.Calls("GetHotNovels"))

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.PluginsLoaded.WithLabelValues("source")))
}

func TestRegistryInstallDuplicateIsConflict(t *testing.T) {
	first := noveltest.NewSource("alpha")
	var calls int
	var mu sync.Mutex
	f := newRegistryFixture(t, map[string]Factory{"alpha": sourceFactory(first, &calls, &mu)})

	_, err := f.registry.Install(context.Background(), builtinMeta("alpha"), nil)
	require.NoError(t, err)
	before, err := f.registry.Descriptor("alpha")
	require.NoError(t, err)

	_, err = f.registry.Install(context.Background(), builtinMeta("alpha"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)

	after, err := f.registry.Descriptor("alpha")
	require.NoError(t, err)
	assert.Equal(t, before, after, "existing descriptor is untouched")
	assert.Equal(t, 1, calls, "no second load happened")

	h, err := f.registry.Get("alpha")
	require.NoError(t, err)
	require.NoError(t, h.Invoke(func(s novel.Source) error {
		_, err := s.GetCategories(context.Background())
		return err
	}))
}

func TestRegistryInstallMixedCaseNames(t *testing.T) {
	f := newRegistryFixture(t, map[string]Factory{
		"Alpha": sourceFactory(noveltest.NewSource("Alpha"), nil, nil),
		"Beta":  sourceFactory(noveltest.NewSource("Beta"), nil, nil),
	})

	for _, name := range []string{"Alpha", "Beta"} {
		info, err := f.registry.Install(context.Background(), builtinMeta(name), nil)
		require.NoError(t, err, name)
		assert.Equal(t, StateLoaded, info.State)
		assert.True(t, f.repo.has(KindSource, name))
	}

	h, err := f.registry.Get("Alpha")
	require.NoError(t, err)
	assert.Equal(t, "Alpha", h.Name())
	assert.Len(t, f.registry.ListLoaded(), 2)

	require.NoError(t, f.registry.Remove(context.Background(), "Beta"))
	_, err = f.registry.Get("Beta")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryInstallRejectsInvalidMetadata(t *testing.T) {
	f := newRegistryFixture(t, nil)

	_, err := f.registry.Install(context.Background(), Metadata{Name: "Bad Name", Version: "1.0.0", UnitLocation: "builtin://x"}, nil)
	assert.ErrorIs(t, err, ErrInvalidMetadata)
	assert.NotErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, http.StatusBadRequest, StatusCode(err))

	meta := builtinMeta("alpha")
	meta.Kind = KindExporter
	_, err = f.registry.Install(context.Background(), meta, nil)
	assert.ErrorIs(t, err, ErrInvalidMetadata)

	_, err = f.registry.Install(context.Background(), Metadata{Name: "proc", Version: "1.0.0"}, nil)
	assert.ErrorIs(t, err, ErrInvalidMetadata, "process units need contents")

	assert.Empty(t, f.registry.Descriptors())
}

func TestRegistryInstallLoadFailureStaysFaulted(t *testing.T) {
	f := newRegistryFixture(t, map[string]Factory{
		"broken": func(context.Context) (any, error) { return nil, errors.New("missing api key") },
	})

	info, err := f.registry.Install(context.Background(), builtinMeta("broken"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPluginLoad)
	assert.Equal(t, StateFaulted, info.State)
	assert.Contains(t, info.LastError, "missing api key")

	_, err = f.registry.Get("broken")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRegistryInstallWritesUnit(t *testing.T) {
	f := newRegistryFixture(t, nil)

	meta := Metadata{Name: "scraper", Version: "0.3.0", UnitLocation: "scraper-bin"}
	info, err := f.registry.Install(context.Background(), meta, strings.NewReader("#!/bin/sh\nexit 1\n"))
	require.Error(t, err, "the unit is not a real plugin")

	wantLocation := filepath.Join(f.units.Dir(KindSource, "scraper"), "scraper-bin")
	assert.Equal(t, wantLocation, info.UnitLocation)
	assert.Equal(t, StateFaulted, info.State)
	assert.FileExists(t, wantLocation)

	manifest, err := LoadManifestFromDir(f.units.Dir(KindSource, "scraper"))
	require.NoError(t, err)
	assert.Equal(t, "scraper-bin", manifest.Entry)
	assert.Equal(t, KindSource, manifest.Kind)
}

func TestRegistryInstallRollsBackOnRepositoryFailure(t *testing.T) {
	f := newRegistryFixture(t, nil)
	f.repo.failAdd = errors.New("database unavailable")

	_, err := f.registry.Install(context.Background(), builtinMeta("alpha"), nil)
	require.Error(t, err)
	assert.Empty(t, f.registry.Descriptors())
}

func TestRegistryStaleHandleAfterUnload(t *testing.T) {
	src := noveltest.NewSource("alpha")
	f := newRegistryFixture(t, map[string]Factory{"alpha": sourceFactory(src, nil, nil)})
	_, err := f.registry.Install(context.Background(), builtinMeta("alpha"), nil)
	require.NoError(t, err)

	h, err := f.registry.Get("alpha")
	require.NoError(t, err)

	require.NoError(t, f.registry.Unload(context.Background(), "alpha"))

	ran := false
	err = h.Invoke(func(novel.Source) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.False(t, ran, "no plugin code runs through a stale handle")

	info, err := f.registry.Descriptor("alpha")
	require.NoError(t, err)
	assert.Equal(t, StateUnloaded, info.State)
	assert.Empty(t, f.registry.ListLoaded())
}

func TestRegistryReloadSwapsInstance(t *testing.T) {
	var generation int
	var mu sync.Mutex
	instances := []*noveltest.Source{noveltest.NewSource("v1"), noveltest.NewSource("v2")}
	f := newRegistryFixture(t, map[string]Factory{
		"alpha": func(context.Context) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			src := instances[generation]
			generation++
			return src, nil
		},
	})
	_, err := f.registry.Install(context.Background(), builtinMeta("alpha"), nil)
	require.NoError(t, err)
	old, err := f.registry.Get("alpha")
	require.NoError(t, err)

	require.NoError(t, f.registry.Reload(context.Background(), "alpha"))

	current, err := f.registry.Get("alpha")
	require.NoError(t, err)
	page, err := Call(current, func(s novel.Source) (novel.NovelPage, error) {
		return s.GetLatestNovels(context.Background(), 1)
	})
	require.NoError(t, err)
	assert.NotNil(t, page.Novels)
	assert.Equal(t, 1, instances[1].Calls("GetLatestNovels"), "the new instance serves calls")
	assert.Zero(t, instances[0].Calls("GetLatestNovels"))

	assert.True(t, old.boundary.Closed(), "the old boundary was released")
	assert.ErrorIs(t, old.Invoke(func(novel.Source) error { return nil }), ErrInvalidState)
}

func TestRegistryReloadFailureLeavesFaulted(t *testing.T) {
	fail := false
	var mu sync.Mutex
	f := newRegistryFixture(t, map[string]Factory{
		"alpha": func(context.Context) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			if fail {
				return nil, errors.New("rebuilt unit is broken")
			}
			return noveltest.NewSource("alpha"), nil
		},
	})
	_, err := f.registry.Install(context.Background(), builtinMeta("alpha"), nil)
	require.NoError(t, err)

	mu.Lock()
	fail = true
	mu.Unlock()
	err = f.registry.Reload(context.Background(), "alpha")
	assert.ErrorIs(t, err, ErrPluginLoad)

	info, _ := f.registry.Descriptor("alpha")
	assert.Equal(t, StateFaulted, info.State)

	assert.ErrorIs(t, f.registry.Reload(context.Background(), "missing"), ErrNotFound)
}

func TestRegistryGetErrors(t *testing.T) {
	f := newRegistryFixture(t, nil, builtinMeta("dormant"))

	_, err := f.registry.Get("unknown")
	assert.ErrorIs(t, err, ErrNotFound)

	// Registered by Discover but its factory is missing, so it faults.
	require.NoError(t, f.registry.Discover(context.Background()))
	_, err = f.registry.Get("dormant")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRegistryDiscover(t *testing.T) {
	alpha := noveltest.NewSource("alpha")
	beta := noveltest.NewSource("beta")
	f := newRegistryFixture(t, map[string]Factory{
		"alpha": sourceFactory(alpha, nil, nil),
		"beta":  sourceFactory(beta, nil, nil),
		"gamma": func(context.Context) (any, error) { return nil, errors.New("gamma is broken") },
	}, builtinMeta("alpha"), builtinMeta("gamma"),
		Metadata{Name: "vanished", Kind: KindSource, Version: "1.0.0", UnitLocation: "/nonexistent/vanished"})

	// beta exists only on disk.
	_, err := f.units.Write(KindSource, "beta", "builtin://beta", nil, ManifestFor(builtinMeta("beta"), "builtin://beta"))
	require.NoError(t, err)
	// A unit with a broken manifest is skipped.
	require.NoError(t, os.MkdirAll(f.units.Dir(KindSource, "junk"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(f.units.Dir(KindSource, "junk"), ManifestFile), []byte("name: ["), 0644))

	require.NoError(t, f.registry.Discover(context.Background()))

	states := map[string]LoadState{}
	for _, d := range f.registry.Descriptors() {
		states[d.Name] = d.State
	}
	assert.Equal(t, map[string]LoadState{
		"alpha":    StateLoaded,
		"beta":     StateLoaded,
		"gamma":    StateFaulted,
		"vanished": StateNotLoaded,
	}, states)
	assert.True(t, f.repo.has(KindSource, "beta"), "discovered units are persisted")

	loaded := f.registry.ListLoaded()
	require.Len(t, loaded, 2)
	assert.Equal(t, "alpha", loaded[0].Name())
	assert.Equal(t, "beta", loaded[1].Name())

	// Running it again keeps loaded instances.
	first, _ := f.registry.Get("alpha")
	require.NoError(t, f.registry.Discover(context.Background()))
	second, _ := f.registry.Get("alpha")
	assert.Same(t, first.boundary, second.boundary)
}

func TestRegistryRemove(t *testing.T) {
	f := newRegistryFixture(t, map[string]Factory{"alpha": sourceFactory(noveltest.NewSource("alpha"), nil, nil)})
	_, err := f.registry.Install(context.Background(), builtinMeta("alpha"), nil)
	require.NoError(t, err)
	h, _ := f.registry.Get("alpha")

	require.NoError(t, f.registry.Remove(context.Background(), "alpha"))

	assert.False(t, f.repo.has(KindSource, "alpha"))
	assert.NoDirExists(t, f.units.Dir(KindSource, "alpha"))
	_, err = f.registry.Get("alpha")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, h.Invoke(func(novel.Source) error { return nil }), ErrInvalidState)

	assert.ErrorIs(t, f.registry.Remove(context.Background(), "alpha"), ErrNotFound)
}

func TestRegistryUnloadWaitsForInflightCall(t *testing.T) {
	f := newRegistryFixture(t, map[string]Factory{"alpha": sourceFactory(noveltest.NewSource("alpha"), nil, nil)})
	_, err := f.registry.Install(context.Background(), builtinMeta("alpha"), nil)
	require.NoError(t, err)
	h, _ := f.registry.Get("alpha")

	entered := make(chan struct{})
	release := make(chan struct{})
	callDone := make(chan struct{})
	go func() {
		h.Invoke(func(novel.Source) error {
			close(entered)
			<-release
			return nil
		})
		close(callDone)
	}()
	<-entered

	unloaded := make(chan struct{})
	go func() {
		f.registry.Unload(context.Background(), "alpha")
		close(unloaded)
	}()

	select {
	case <-unloaded:
		t.Fatal("unload finished while a call was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	// Other names are not blocked by the pending unload.
	assert.Empty(t, f.registry.ListLoaded())

	close(release)
	<-callDone
	<-unloaded
}

func TestRegistryLifecycleSerializedPerName(t *testing.T) {
	var active, peak int
	var mu sync.Mutex
	f := newRegistryFixture(t, map[string]Factory{
		"alpha": func(context.Context) (any, error) {
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			return noveltest.NewSource("alpha"), nil
		},
	})
	_, err := f.registry.Install(context.Background(), builtinMeta("alpha"), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.registry.Reload(context.Background(), "alpha")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, peak, "loads of one name never overlap")
	h, err := f.registry.Get("alpha")
	require.NoError(t, err)
	assert.NoError(t, h.Invoke(func(novel.Source) error { return nil }))
}

func TestHandleInvokeRecoversPanic(t *testing.T) {
	panicking := noveltest.NewSource("alpha")
	panicking.PanicWith = "index out of range"
	f := newRegistryFixture(t, map[string]Factory{"alpha": sourceFactory(panicking, nil, nil)})
	_, err := f.registry.Install(context.Background(), builtinMeta("alpha"), nil)
	require.NoError(t, err)
	h, _ := f.registry.Get("alpha")

	err = h.Invoke(func(s novel.Source) error {
		_, err := s.GetCategories(context.Background())
		return err
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPluginPanic)
	assert.Contains(t, err.Error(), "index out of range")

	// The boundary is still usable after a recovered panic.
	panicking.PanicWith = nil
	assert.NoError(t, h.Invoke(func(novel.Source) error { return nil }))
}

func TestRegistryClose(t *testing.T) {
	f := newRegistryFixture(t, map[string]Factory{
		"alpha": sourceFactory(noveltest.NewSource("alpha"), nil, nil),
		"beta":  sourceFactory(noveltest.NewSource("beta"), nil, nil),
	})
	for _, name := range []string{"alpha", "beta"} {
		_, err := f.registry.Install(context.Background(), builtinMeta(name), nil)
		require.NoError(t, err)
	}
	handles := f.registry.ListLoaded()
	require.Len(t, handles, 2)

	require.NoError(t, f.registry.Close(context.Background()))

	assert.Empty(t, f.registry.ListLoaded())
	for _, h := range handles {
		assert.True(t, h.boundary.Closed())
	}
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.PluginsLoaded.WithLabelValues("source")))
}

func TestRegistryInstallProcessUnit(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a plugin process")
	}
	units, err := NewUnitStore(t.TempDir())
	require.NoError(t, err)
	loader := NewLoader[novel.Source](KindSource, nullLogger(),
		DefaultOpeners(nil, &ProcessOpener{Env: []string{helperEnv + "=source"}, StartTimeout: 20 * time.Second})...)
	registry, err := NewRegistry(KindSource, loader, RegistryOptions{Repository: newMemRepository(), Units: units, Logger: nullLogger()})
	require.NoError(t, err)
	defer registry.Close(context.Background())

	binary, err := os.ReadFile(os.Args[0])
	require.NoError(t, err)

	info, err := registry.Install(context.Background(),
		Metadata{Name: "process", Version: "1.0.0", UnitLocation: "process-source"}, bytes.NewReader(binary))
	require.NoError(t, err)
	assert.Equal(t, StateLoaded, info.State)

	h, err := registry.Get("process")
	require.NoError(t, err)
	page, err := Call(h, func(s novel.Source) (novel.NovelPage, error) {
		return s.Search(context.Background(), novel.SearchQuery{Keyword: "tensei", Page: 1})
	})
	require.NoError(t, err)
	require.Len(t, page.Novels, 1)

	require.NoError(t, registry.Remove(context.Background(), "process"))
	assert.NoDirExists(t, units.Dir(KindSource, "process"))
}

// helperScript is a process unit that runs this test binary in mode.
func helperScript(t *testing.T, mode string) []byte {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return []byte("#!/bin/sh\n" + helperEnv + "=" + mode + " exec '" + exe + "' \"$@\"\n")
}

func TestRegistryReloadProcessUnitReplacedOnDisk(t *testing.T) {
	if testing.Short() {
		t.Skip("starts plugin processes")
	}
	if runtime.GOOS == "windows" {
		t.Skip("process unit is a shell script")
	}
	units, err := NewUnitStore(t.TempDir())
	require.NoError(t, err)
	loader := NewLoader[novel.Source](KindSource, nullLogger(),
		DefaultOpeners(nil, &ProcessOpener{StartTimeout: 20 * time.Second})...)
	registry, err := NewRegistry(KindSource, loader, RegistryOptions{Repository: newMemRepository(), Units: units, Logger: nullLogger()})
	require.NoError(t, err)
	defer registry.Close(context.Background())

	_, err = registry.Install(context.Background(),
		Metadata{Name: "process", Version: "1.0.0", UnitLocation: "process-source"}, bytes.NewReader(helperScript(t, "source")))
	require.NoError(t, err)

	titles := func(h *Handle[novel.Source], keyword string) []string {
		page, err := Call(h, func(s novel.Source) (novel.NovelPage, error) {
			return s.Search(context.Background(), novel.SearchQuery{Keyword: keyword, Page: 1})
		})
		require.NoError(t, err)
		var out []string
		for _, n := range page.Novels {
			out = append(out, n.Title)
		}
		return out
	}

	old, err := registry.Get("process")
	require.NoError(t, err)
	assert.Equal(t, []string{"Mushoku Tensei"}, titles(old, "tensei"))

	d, err := registry.Descriptor("process")
	require.NoError(t, err)
	replaceFile(t, d.Metadata.UnitLocation, helperScript(t, "source-rebuilt"))

	require.NoError(t, registry.Reload(context.Background(), "process"))

	current, err := registry.Get("process")
	require.NoError(t, err)
	assert.Equal(t, []string{"Re:Zero"}, titles(current, "zero"))
	assert.Empty(t, titles(current, "tensei"), "the replaced unit is what runs now")

	assert.True(t, old.Released())
	assert.ErrorIs(t, old.Invoke(func(novel.Source) error { return nil }), ErrInvalidState)

	d, err = registry.Descriptor("process")
	require.NoError(t, err)
	assert.Equal(t, StateLoaded, d.State)
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	var k keyedMutex
	unlock := k.Lock("a")
	unlockB := k.Lock("b")
	unlock()
	unlockB()
	assert.Empty(t, k.locks)
}
