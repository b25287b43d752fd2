package novel

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by a Source when the requested novel, chapter or
// category does not exist on that source. It survives the process boundary.
var ErrNotFound = errors.New("not found")

// Source is the capability contract implemented by content provider plugins.
// Every record a Source returns must carry its name in the Source field.
type Source interface {
	Search(ctx context.Context, query SearchQuery) (NovelPage, error)
	GetNovelDetail(ctx context.Context, slug string) (*Novel, error)
	GetChaptersList(ctx context.Context, novelSlug string, page int) (ChapterPage, error)
	GetChapterContent(ctx context.Context, novelSlug, chapterSlug string) (*Chapter, error)
	GetCategories(ctx context.Context) ([]Category, error)
	GetNovelsByCategory(ctx context.Context, categorySlug string, page int) (NovelPage, error)
	GetNovelsByAuthor(ctx context.Context, authorSlug string, page int) (NovelPage, error)
	GetHotNovels(ctx context.Context, page int) (NovelPage, error)
	GetLatestNovels(ctx context.Context, page int) (NovelPage, error)
	GetCompletedNovels(ctx context.Context, page int) (NovelPage, error)
}

// Exporter is the capability contract implemented by output format plugins.
// Export streams the rendered book to w.
type Exporter interface {
	Export(ctx context.Context, book *Book, w io.Writer) error
}
