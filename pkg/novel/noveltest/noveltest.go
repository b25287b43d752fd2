// Package noveltest provides in-memory Source and Exporter implementations
// for tests of packages that consume plugins.
package noveltest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/platinummonkey/novelhub/pkg/novel"
)

// Source is an in-memory novel.Source backed by a fixed catalog.
// Records it returns are stamped with Name.
type Source struct {
	Name     string
	Novels   []novel.Novel
	Chapters map[string][]novel.Chapter
	PageSize int

	// Err is returned by every method when set.
	Err error
	// PanicWith makes every method panic with this value when non-nil.
	PanicWith any
	// Delay is waited (or the context's end) before answering.
	Delay time.Duration

	mu    sync.Mutex
	calls map[string]int
	last  map[string]any
}

// NewSource returns a Source named name serving novels.
func NewSource(name string, novels ...novel.Novel) *Source {
	return &Source{Name: name, Novels: novels, Chapters: map[string][]novel.Chapter{}, PageSize: 20}
}

// Calls returns how many times method was invoked.
func (s *Source) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// LastArg returns the argument of the most recent call to method.
func (s *Source) LastArg(method string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[method]
}

func (s *Source) record(ctx context.Context, method string, arg any) error {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = map[string]int{}
		s.last = map[string]any{}
	}
	s.calls[method]++
	s.last[method] = arg
	s.mu.Unlock()

	if s.PanicWith != nil {
		panic(s.PanicWith)
	}
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.Err
}

func (s *Source) stamp(n novel.Novel) novel.Novel {
	n.Source = s.Name
	n.Authors = append([]novel.Author(nil), n.Authors...)
	n.Categories = append([]novel.Category(nil), n.Categories...)
	for i := range n.Authors {
		n.Authors[i].Source = s.Name
	}
	for i := range n.Categories {
		n.Categories[i].Source = s.Name
	}
	return n
}

func (s *Source) page(novels []novel.Novel, page int) novel.NovelPage {
	size := s.PageSize
	if size <= 0 {
		size = 20
	}
	if page < 1 {
		page = 1
	}
	total := (len(novels) + size - 1) / size
	if total == 0 {
		total = 1
	}
	out := novel.NovelPage{Page: page, TotalPages: total, Novels: []novel.Novel{}}
	start := (page - 1) * size
	for i := start; i < len(novels) && i < start+size; i++ {
		out.Novels = append(out.Novels, s.stamp(novels[i]))
	}
	return out
}

func (s *Source) filter(keep func(novel.Novel) bool) []novel.Novel {
	var out []novel.Novel
	for _, n := range s.Novels {
		if keep(n) {
			out = append(out, n)
		}
	}
	return out
}

// Search matches the query's keyword or title as a case-insensitive substring of the title.
func (s *Source) Search(ctx context.Context, q novel.SearchQuery) (novel.NovelPage, error) {
	if err := s.record(ctx, "Search", q); err != nil {
		return novel.NovelPage{}, err
	}
	needle := strings.ToLower(q.Keyword)
	if needle == "" {
		needle = strings.ToLower(q.Title)
	}
	return s.page(s.filter(func(n novel.Novel) bool {
		return strings.Contains(strings.ToLower(n.Title), needle)
	}), q.Page), nil
}

func (s *Source) GetNovelDetail(ctx context.Context, slug string) (*novel.Novel, error) {
	if err := s.record(ctx, "GetNovelDetail", slug); err != nil {
		return nil, err
	}
	for _, n := range s.Novels {
		if n.Slug == slug {
			stamped := s.stamp(n)
			return &stamped, nil
		}
	}
	return nil, nil
}

func (s *Source) GetChaptersList(ctx context.Context, novelSlug string, page int) (novel.ChapterPage, error) {
	if err := s.record(ctx, "GetChaptersList", novelSlug); err != nil {
		return novel.ChapterPage{}, err
	}
	chapters, ok := s.Chapters[novelSlug]
	if !ok {
		return novel.ChapterPage{}, fmt.Errorf("novel %q: %w", novelSlug, novel.ErrNotFound)
	}
	size := s.PageSize
	if size <= 0 {
		size = 20
	}
	if page < 1 {
		page = 1
	}
	total := (len(chapters) + size - 1) / size
	if total == 0 {
		total = 1
	}
	out := novel.ChapterPage{Page: page, TotalPages: total, Chapters: []novel.Chapter{}}
	start := (page - 1) * size
	for i := start; i < len(chapters) && i < start+size; i++ {
		c := chapters[i]
		c.Source = s.Name
		c.NovelSlug = novelSlug
		c.Content = ""
		out.Chapters = append(out.Chapters, c)
	}
	return out, nil
}

func (s *Source) GetChapterContent(ctx context.Context, novelSlug, chapterSlug string) (*novel.Chapter, error) {
	if err := s.record(ctx, "GetChapterContent", chapterSlug); err != nil {
		return nil, err
	}
	for _, c := range s.Chapters[novelSlug] {
		if c.Slug == chapterSlug {
			c.Source = s.Name
			c.NovelSlug = novelSlug
			return &c, nil
		}
	}
	return nil, fmt.Errorf("chapter %q: %w", chapterSlug, novel.ErrNotFound)
}

func (s *Source) GetCategories(ctx context.Context) ([]novel.Category, error) {
	if err := s.record(ctx, "GetCategories", nil); err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []novel.Category
	for _, n := range s.Novels {
		for _, c := range n.Categories {
			if !seen[c.Slug] {
				seen[c.Slug] = true
				c.Source = s.Name
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func (s *Source) GetNovelsByCategory(ctx context.Context, categorySlug string, page int) (novel.NovelPage, error) {
	if err := s.record(ctx, "GetNovelsByCategory", categorySlug); err != nil {
		return novel.NovelPage{}, err
	}
	return s.page(s.filter(func(n novel.Novel) bool {
		for _, c := range n.Categories {
			if c.Slug == categorySlug {
				return true
			}
		}
		return false
	}), page), nil
}

func (s *Source) GetNovelsByAuthor(ctx context.Context, authorSlug string, page int) (novel.NovelPage, error) {
	if err := s.record(ctx, "GetNovelsByAuthor", authorSlug); err != nil {
		return novel.NovelPage{}, err
	}
	return s.page(s.filter(func(n novel.Novel) bool {
		for _, a := range n.Authors {
			if a.Slug == authorSlug {
				return true
			}
		}
		return false
	}), page), nil
}

func (s *Source) GetHotNovels(ctx context.Context, page int) (novel.NovelPage, error) {
	if err := s.record(ctx, "GetHotNovels", page); err != nil {
		return novel.NovelPage{}, err
	}
	return s.page(s.Novels, page), nil
}

func (s *Source) GetLatestNovels(ctx context.Context, page int) (novel.NovelPage, error) {
	if err := s.record(ctx, "GetLatestNovels", page); err != nil {
		return novel.NovelPage{}, err
	}
	return s.page(s.Novels, page), nil
}

func (s *Source) GetCompletedNovels(ctx context.Context, page int) (novel.NovelPage, error) {
	if err := s.record(ctx, "GetCompletedNovels", page); err != nil {
		return novel.NovelPage{}, err
	}
	return s.page(s.filter(func(n novel.Novel) bool {
		return strings.EqualFold(n.Status, "completed")
	}), page), nil
}

// Exporter writes the title followed by each chapter as plain text.
type Exporter struct {
	Err error

	mu    sync.Mutex
	calls int
}

// Calls returns how many times Export was invoked.
func (e *Exporter) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *Exporter) Export(ctx context.Context, book *novel.Book, w io.Writer) error {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.Err != nil {
		return e.Err
	}
	if _, err := fmt.Fprintln(w, book.Novel.Title); err != nil {
		return err
	}
	for _, c := range book.Chapters {
		if _, err := fmt.Fprintf(w, "\n%s\n\n%s\n", c.Title, c.Content); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ novel.Source   = (*Source)(nil)
	_ novel.Exporter = (*Exporter)(nil)
)
