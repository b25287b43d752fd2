package export

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/novelhub/pkg/novel"
	"github.com/platinummonkey/novelhub/pkg/novel/noveltest"
	"github.com/platinummonkey/novelhub/pkg/observability"
	"github.com/platinummonkey/novelhub/pkg/plugins"
	"github.com/platinummonkey/novelhub/pkg/storage"
)

type fixture struct {
	registry   *plugins.Registry[novel.Exporter]
	dispatcher *Dispatcher
	metrics    *observability.Metrics
}

// newFixture installs one builtin exporter per entry, keyed by name with
// its extension. A nil exporter fails to load.
func newFixture(t *testing.T, exporters map[string]*noveltest.Exporter, extensions map[string]string) *fixture {
	t.Helper()
	log, _ := test.NewNullLogger()
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	factories := map[string]plugins.Factory{}
	for name, e := range exporters {
		factories[name] = func(context.Context) (any, error) {
			if e == nil {
				return nil, errors.New("missing font files")
			}
			return e, nil
		}
	}

	repo, err := storage.NewFileSystemRepository(t.TempDir())
	require.NoError(t, err)
	loader := plugins.NewLoader[novel.Exporter](plugins.KindExporter, log, plugins.NewBuiltinOpener(factories))
	registry, err := plugins.NewRegistry(plugins.KindExporter, loader, plugins.RegistryOptions{
		Repository: repo,
		Logger:     log,
		Metrics:    metrics,
	})
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close(context.Background()) })

	for name, e := range exporters {
		_, err := registry.Install(context.Background(), plugins.Metadata{
			Name:            name,
			Version:         "1.0.0",
			Description:     name + " writer",
			UnitLocation:    plugins.BuiltinScheme + name,
			OutputExtension: extensions[name],
		}, nil)
		if e != nil {
			require.NoError(t, err)
		}
	}

	dispatcher, err := New(registry, Options{Logger: log, Metrics: metrics})
	require.NoError(t, err)
	return &fixture{registry: registry, dispatcher: dispatcher, metrics: metrics}
}

func book() *novel.Book {
	return &novel.Book{
		Novel: novel.Novel{Title: "Moon Blade", Slug: "moon-blade", Source: "beta"},
		Chapters: []novel.Chapter{
			{Title: "Chapter 1", Number: 1, Content: "It began."},
			{Title: "Chapter 2", Number: 2, Content: "It ended."},
		},
	}
}

func TestNew(t *testing.T) {
	_, err := New(nil, Options{})
	assert.Error(t, err)
}

func TestExport(t *testing.T) {
	plain := &noveltest.Exporter{}
	f := newFixture(t, map[string]*noveltest.Exporter{"plain": plain}, map[string]string{"plain": "txt"})

	var buf bytes.Buffer
	ext, err := f.dispatcher.Export(context.Background(), "plain", book(), &buf)
	require.NoError(t, err)
	assert.Equal(t, "txt", ext)
	assert.Equal(t, "Moon Blade\n\nChapter 1\n\nIt began.\n\nChapter 2\n\nIt ended.\n", buf.String())
	assert.Equal(t, 1, plain.Calls())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ExportsTotal.WithLabelValues("plain", observability.OutcomeSuccess)))
}

func TestExportErrors(t *testing.T) {
	ctx := context.Background()
	failing := &noveltest.Exporter{Err: errors.New("disk full")}
	plain := &noveltest.Exporter{}
	f := newFixture(t, map[string]*noveltest.Exporter{
		"plain":   plain,
		"failing": failing,
		"broken":  nil,
	}, map[string]string{"plain": "txt", "failing": "epub", "broken": "pdf"})

	t.Run("unknown exporter", func(t *testing.T) {
		_, err := f.dispatcher.Export(ctx, "docx", book(), &bytes.Buffer{})
		assert.ErrorIs(t, err, plugins.ErrNotFound)
		assert.Equal(t, 404, plugins.StatusCode(err))
	})

	t.Run("faulted exporter", func(t *testing.T) {
		_, err := f.dispatcher.Export(ctx, "broken", book(), &bytes.Buffer{})
		assert.ErrorIs(t, err, plugins.ErrInvalidState)
	})

	t.Run("unloaded exporter", func(t *testing.T) {
		require.NoError(t, f.registry.Unload(ctx, "plain"))
		_, err := f.dispatcher.Export(ctx, "plain", book(), &bytes.Buffer{})
		assert.ErrorIs(t, err, plugins.ErrInvalidState)
		assert.Equal(t, 0, plain.Calls(), "unloaded exporters never run")
	})

	t.Run("exporter failure", func(t *testing.T) {
		ext, err := f.dispatcher.Export(ctx, "failing", book(), &bytes.Buffer{})
		assert.ErrorContains(t, err, "disk full")
		assert.Empty(t, ext)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ExportsTotal.WithLabelValues("failing", observability.OutcomeError)))
	})

	t.Run("missing book", func(t *testing.T) {
		require.NoError(t, f.registry.Reload(ctx, "plain"))
		_, err := f.dispatcher.Export(ctx, "plain", nil, &bytes.Buffer{})
		assert.Error(t, err)
		assert.Equal(t, 0, plain.Calls())
	})
}

func TestExporters(t *testing.T) {
	f := newFixture(t, map[string]*noveltest.Exporter{
		"plain":  {},
		"broken": nil,
	}, map[string]string{"plain": "txt", "broken": "pdf"})

	infos := f.dispatcher.Exporters()
	require.Len(t, infos, 2)
	assert.Equal(t, ExporterInfo{Name: "broken", Extension: "pdf", Description: "broken writer", Version: "1.0.0", State: plugins.StateFaulted}, infos[0])
	assert.Equal(t, "plain", infos[1].Name)
	assert.Equal(t, "txt", infos[1].Extension)
	assert.Equal(t, plugins.StateLoaded, infos[1].State)
}
