package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/novelhub/pkg/novel"
	"github.com/platinummonkey/novelhub/pkg/observability"
	"github.com/platinummonkey/novelhub/pkg/plugins"
)

const (
	defaultBranchTimeout   = 15 * time.Second
	defaultMaxChapterPages = 200

	opNovelFanout   = "novel_from_other_sources"
	opChapterFanout = "chapter_from_other_sources"
)

// Sources is the view of the source registry the aggregator needs.
// *plugins.Registry[novel.Source] satisfies it.
type Sources interface {
	Get(name string) (*plugins.Handle[novel.Source], error)
	ListLoaded() []*plugins.Handle[novel.Source]
	Descriptors() []plugins.DescriptorInfo
}

// Options configures an Aggregator. The zero value is usable.
type Options struct {
	Logger  *logrus.Logger
	Metrics *observability.Metrics
	// BranchTimeout bounds each per-source branch of a fan-out, default 15s.
	BranchTimeout time.Duration
	// MaxChapterPages bounds how far a chapter lookup pages through one
	// source's chapter list, default 200.
	MaxChapterPages int
	// Cache remembers reconciliation results per source. Optional.
	Cache MatchCache
}

// Aggregator routes content calls to named source plugins and reconciles
// the same work across sources.
type Aggregator struct {
	sources         Sources
	log             *logrus.Logger
	metrics         *observability.Metrics
	branchTimeout   time.Duration
	maxChapterPages int
	cache           MatchCache
	tracer          trace.Tracer
	inflight        singleflight.Group
}

// New creates an Aggregator over sources.
func New(sources Sources, opts Options) (*Aggregator, error) {
	if sources == nil {
		return nil, errors.New("sources are required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.BranchTimeout <= 0 {
		opts.BranchTimeout = defaultBranchTimeout
	}
	if opts.MaxChapterPages <= 0 {
		opts.MaxChapterPages = defaultMaxChapterPages
	}
	a := &Aggregator{
		sources:         sources,
		log:             opts.Logger,
		metrics:         opts.Metrics,
		branchTimeout:   opts.BranchTimeout,
		maxChapterPages: opts.MaxChapterPages,
		cache:           opts.Cache,
		tracer:          otel.Tracer("github.com/platinummonkey/novelhub/pkg/aggregator"),
	}
	if n, ok := sources.(instanceNotifier); ok && a.cache != nil {
		n.OnInstanceChange(a.forgetSource)
	}
	return a, nil
}

// instanceNotifier is implemented by registries that report reloads.
type instanceNotifier interface {
	OnInstanceChange(fn func(ctx context.Context, name string))
}

// forgetSource drops cached matches made by a source instance that is gone.
func (a *Aggregator) forgetSource(ctx context.Context, source string) {
	a.cache.Forget(ctx, source)
	a.log.WithField("source", source).Debug("Dropped cached matches after plugin change")
}

// Sources returns descriptor snapshots of every registered source.
func (a *Aggregator) Sources() []plugins.DescriptorInfo {
	return a.sources.Descriptors()
}

// Search runs q against source.
func (a *Aggregator) Search(ctx context.Context, source string, q novel.SearchQuery) (novel.NovelPage, error) {
	return passThrough(ctx, a, source, "search", func(ctx context.Context, s novel.Source) (novel.NovelPage, error) {
		return s.Search(ctx, q)
	})
}

// GetNovelDetail returns the plugin's answer as is; a nil novel is not an error.
func (a *Aggregator) GetNovelDetail(ctx context.Context, source, slug string) (*novel.Novel, error) {
	return passThrough(ctx, a, source, "get_novel_detail", func(ctx context.Context, s novel.Source) (*novel.Novel, error) {
		return s.GetNovelDetail(ctx, slug)
	})
}

func (a *Aggregator) GetChaptersList(ctx context.Context, source, novelSlug string, page int) (novel.ChapterPage, error) {
	return passThrough(ctx, a, source, "get_chapters_list", func(ctx context.Context, s novel.Source) (novel.ChapterPage, error) {
		return s.GetChaptersList(ctx, novelSlug, page)
	})
}

func (a *Aggregator) GetChapterContent(ctx context.Context, source, novelSlug, chapterSlug string) (*novel.Chapter, error) {
	return passThrough(ctx, a, source, "get_chapter_content", func(ctx context.Context, s novel.Source) (*novel.Chapter, error) {
		return s.GetChapterContent(ctx, novelSlug, chapterSlug)
	})
}

func (a *Aggregator) GetCategories(ctx context.Context, source string) ([]novel.Category, error) {
	return passThrough(ctx, a, source, "get_categories", func(ctx context.Context, s novel.Source) ([]novel.Category, error) {
		return s.GetCategories(ctx)
	})
}

func (a *Aggregator) GetNovelsByCategory(ctx context.Context, source, categorySlug string, page int) (novel.NovelPage, error) {
	return passThrough(ctx, a, source, "get_novels_by_category", func(ctx context.Context, s novel.Source) (novel.NovelPage, error) {
		return s.GetNovelsByCategory(ctx, categorySlug, page)
	})
}

func (a *Aggregator) GetNovelsByAuthor(ctx context.Context, source, authorSlug string, page int) (novel.NovelPage, error) {
	return passThrough(ctx, a, source, "get_novels_by_author", func(ctx context.Context, s novel.Source) (novel.NovelPage, error) {
		return s.GetNovelsByAuthor(ctx, authorSlug, page)
	})
}

func (a *Aggregator) GetHotNovels(ctx context.Context, source string, page int) (novel.NovelPage, error) {
	return passThrough(ctx, a, source, "get_hot_novels", func(ctx context.Context, s novel.Source) (novel.NovelPage, error) {
		return s.GetHotNovels(ctx, page)
	})
}

func (a *Aggregator) GetLatestNovels(ctx context.Context, source string, page int) (novel.NovelPage, error) {
	return passThrough(ctx, a, source, "get_latest_novels", func(ctx context.Context, s novel.Source) (novel.NovelPage, error) {
		return s.GetLatestNovels(ctx, page)
	})
}

func (a *Aggregator) GetCompletedNovels(ctx context.Context, source string, page int) (novel.NovelPage, error) {
	return passThrough(ctx, a, source, "get_completed_novels", func(ctx context.Context, s novel.Source) (novel.NovelPage, error) {
		return s.GetCompletedNovels(ctx, page)
	})
}

// passThrough resolves source and runs fn against it. Registry errors are
// returned unchanged; plugin errors are wrapped with the source and operation.
func passThrough[R any](ctx context.Context, a *Aggregator, source, op string, fn func(context.Context, novel.Source) (R, error)) (R, error) {
	ctx, span := a.tracer.Start(ctx, "aggregator."+op, trace.WithAttributes(attribute.String("novelhub.source", source)))
	defer span.End()

	var zero R
	h, err := a.sources.Get(source)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "source unavailable")
		return zero, err
	}

	start := time.Now()
	result, err := plugins.Call(h, func(s novel.Source) (R, error) { return fn(ctx, s) })
	a.metrics.RecordPluginOperation(string(plugins.KindSource), op, err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "plugin call failed")
		return zero, fmt.Errorf("source %s: %s: %w", source, op, err)
	}
	return result, nil
}

// GetNovelFromOtherSources finds the same work as seed in every loaded
// source other than excluded. Each source gets exactly one title search. The
// result maps source name to its best match; sources that fail, time out or
// have no match are absent. Identical concurrent calls share one fan-out.
// An error is returned only when ctx ends first.
func (a *Aggregator) GetNovelFromOtherSources(ctx context.Context, excluded string, seed novel.Novel) (map[string]novel.Novel, error) {
	if NormalizeTitle(seed.Title) == "" {
		return map[string]novel.Novel{}, nil
	}

	key := excluded + "\x00" + seedKey(seed)
	ch := a.inflight.DoChan(key, func() (any, error) {
		return a.reconcile(context.WithoutCancel(ctx), excluded, seed), nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		shared := res.Val.(map[string]novel.Novel)
		out := make(map[string]novel.Novel, len(shared))
		for name, n := range shared {
			out[name] = n
		}
		return out, nil
	}
}

func (a *Aggregator) reconcile(ctx context.Context, excluded string, seed novel.Novel) map[string]novel.Novel {
	ctx, span := a.tracer.Start(ctx, "aggregator."+opNovelFanout, trace.WithAttributes(
		attribute.String("novelhub.excluded_source", excluded),
		attribute.String("novelhub.title", seed.Title),
	))
	defer span.End()

	var mu sync.Mutex
	found := make(map[string]novel.Novel)
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range a.sources.ListLoaded() {
		if h.Name() == excluded {
			continue
		}
		g.Go(func() error {
			if match, ok := a.matchIn(gctx, h, seed); ok {
				mu.Lock()
				found[h.Name()] = match
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(attribute.Int("novelhub.matches", len(found)))
	return found
}

// matchIn searches one source for seed and picks the best candidate.
func (a *Aggregator) matchIn(ctx context.Context, h *plugins.Handle[novel.Source], seed novel.Novel) (novel.Novel, bool) {
	source := h.Name()
	cacheKey := matchKey(source, h.Metadata().Version, seed)
	if a.cache != nil {
		if cached, hit := a.cache.Get(ctx, cacheKey); hit {
			if cached == nil {
				return novel.Novel{}, false
			}
			return *cached, true
		}
	}

	ctx, span := a.tracer.Start(ctx, "aggregator.search_branch", trace.WithAttributes(attribute.String("novelhub.source", source)))
	defer span.End()
	start := time.Now()

	query := novel.SearchQuery{Title: seed.Title, Author: seed.FirstAuthor(), Page: 1}
	page, err := callWithin(ctx, a.branchTimeout, h, func(ctx context.Context, s novel.Source) (novel.NovelPage, error) {
		return s.Search(ctx, query)
	})
	if err != nil {
		a.branchFailed(span, opNovelFanout, source, err, time.Since(start))
		return novel.Novel{}, false
	}

	idx := BestMatch(seed, page.Novels)
	if idx < 0 {
		a.metrics.RecordFanoutBranch(opNovelFanout, source, observability.OutcomeMiss, time.Since(start))
		a.remember(ctx, h, cacheKey, nil)
		return novel.Novel{}, false
	}

	match := page.Novels[idx]
	if match.Source == "" {
		match.Source = source
	}
	a.metrics.RecordFanoutBranch(opNovelFanout, source, observability.OutcomeSuccess, time.Since(start))
	a.remember(ctx, h, cacheKey, &match)
	return match, true
}

// remember caches an outcome unless the instance that produced it was
// unloaded meanwhile.
func (a *Aggregator) remember(ctx context.Context, h *plugins.Handle[novel.Source], key string, match *novel.Novel) {
	if a.cache == nil || h.Released() {
		return
	}
	a.cache.Set(ctx, key, match)
}

// GetChapterFromOtherSources fetches, from every source in novels, the
// chapter whose number equals current.Number. novels maps source name to
// that source's record of the work, as returned by GetNovelFromOtherSources.
// Sources without the chapter, or that fail, are absent from the result.
// An error is returned only when ctx ends first.
func (a *Aggregator) GetChapterFromOtherSources(ctx context.Context, novels map[string]novel.Novel, current novel.Chapter) (map[string]novel.Chapter, error) {
	ctx, span := a.tracer.Start(ctx, "aggregator."+opChapterFanout, trace.WithAttributes(
		attribute.Int("novelhub.chapter_number", current.Number),
		attribute.Int("novelhub.sources", len(novels)),
	))
	defer span.End()

	var mu sync.Mutex
	found := make(map[string]novel.Chapter)
	g, gctx := errgroup.WithContext(ctx)
	for source, n := range novels {
		h, err := a.sources.Get(source)
		if err != nil {
			a.metrics.RecordFanoutBranch(opChapterFanout, source, observability.OutcomeRejected, 0)
			a.log.WithError(err).WithField("source", source).Debug("Skipping source for chapter lookup")
			continue
		}
		g.Go(func() error {
			if chapter, ok := a.chapterIn(gctx, h, n, current.Number); ok {
				mu.Lock()
				found[source] = chapter
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("novelhub.matches", len(found)))
	return found, nil
}

// chapterIn pages through one source's chapter list looking for number,
// then fetches that chapter's content. The branch timeout covers the whole walk.
func (a *Aggregator) chapterIn(ctx context.Context, h *plugins.Handle[novel.Source], n novel.Novel, number int) (novel.Chapter, bool) {
	source := h.Name()
	ctx, span := a.tracer.Start(ctx, "aggregator.chapter_branch", trace.WithAttributes(attribute.String("novelhub.source", source)))
	defer span.End()
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, a.branchTimeout)
	defer cancel()

	var target *novel.Chapter
	for page := 1; page <= a.maxChapterPages && target == nil; page++ {
		list, err := callWithin(ctx, 0, h, func(ctx context.Context, s novel.Source) (novel.ChapterPage, error) {
			return s.GetChaptersList(ctx, n.Slug, page)
		})
		if err != nil {
			a.branchFailed(span, opChapterFanout, source, err, time.Since(start))
			return novel.Chapter{}, false
		}
		for i := range list.Chapters {
			if list.Chapters[i].Number == number {
				target = &list.Chapters[i]
				break
			}
		}
		if len(list.Chapters) == 0 || page >= list.TotalPages {
			break
		}
	}
	if target == nil {
		a.metrics.RecordFanoutBranch(opChapterFanout, source, observability.OutcomeMiss, time.Since(start))
		return novel.Chapter{}, false
	}

	chapter, err := callWithin(ctx, 0, h, func(ctx context.Context, s novel.Source) (*novel.Chapter, error) {
		return s.GetChapterContent(ctx, n.Slug, target.Slug)
	})
	if err != nil {
		a.branchFailed(span, opChapterFanout, source, err, time.Since(start))
		return novel.Chapter{}, false
	}
	if chapter == nil {
		a.metrics.RecordFanoutBranch(opChapterFanout, source, observability.OutcomeMiss, time.Since(start))
		return novel.Chapter{}, false
	}

	out := *chapter
	if out.Source == "" {
		out.Source = source
	}
	if out.NovelSlug == "" {
		out.NovelSlug = n.Slug
	}
	a.metrics.RecordFanoutBranch(opChapterFanout, source, observability.OutcomeSuccess, time.Since(start))
	return out, true
}

func (a *Aggregator) branchFailed(span trace.Span, op, source string, err error, elapsed time.Duration) {
	outcome := branchOutcome(err)
	a.metrics.RecordFanoutBranch(op, source, outcome, elapsed)
	span.RecordError(err)
	span.SetStatus(codes.Error, outcome)

	entry := a.log.WithError(err).WithFields(logrus.Fields{
		"operation": op,
		"source":    source,
		"outcome":   outcome,
		"elapsed":   elapsed,
	})
	if outcome == observability.OutcomePanic {
		entry.Error("Source plugin panicked during fan-out")
		return
	}
	entry.Warn("Source dropped from fan-out")
}

func branchOutcome(err error) string {
	switch {
	case errors.Is(err, plugins.ErrPluginPanic):
		return observability.OutcomePanic
	case errors.Is(err, context.DeadlineExceeded):
		return observability.OutcomeTimeout
	case errors.Is(err, plugins.ErrInvalidState), errors.Is(err, plugins.ErrNotFound):
		return observability.OutcomeRejected
	default:
		return observability.OutcomeError
	}
}

// callWithin runs fn inside h's boundary but stops waiting when ctx ends or
// timeout (if positive) elapses, so a plugin that ignores its context cannot
// hold the caller. The abandoned call still counts as in flight for the
// boundary until it returns.
func callWithin[R any](ctx context.Context, timeout time.Duration, h *plugins.Handle[novel.Source], fn func(context.Context, novel.Source) (R, error)) (R, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		val R
		err error
	}
	done := make(chan result, 1)
	go func() {
		val, err := plugins.Call(h, func(s novel.Source) (R, error) { return fn(ctx, s) })
		done <- result{val, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}
