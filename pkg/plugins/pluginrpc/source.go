package pluginrpc

import (
	"context"
	"net/rpc"

	"github.com/hashicorp/go-plugin"

	"github.com/platinummonkey/novelhub/pkg/novel"
)

// SourcePlugin adapts novel.Source to go-plugin's net/rpc transport.
// Impl is only set on the plugin side.
type SourcePlugin struct {
	Impl novel.Source
}

func (p *SourcePlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &SourceServer{Impl: p.Impl}, nil
}

func (p *SourcePlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &SourceClient{client: c}, nil
}

// Requests and replies. Fields are exported for gob.

type SearchArgs struct {
	Deadline
	Query novel.SearchQuery
}

type SlugArgs struct {
	Deadline
	Slug string
	Page int
}

type ChapterArgs struct {
	Deadline
	NovelSlug   string
	ChapterSlug string
}

type PageArgs struct {
	Deadline
	Page int
}

type NovelPageReply struct {
	Status
	Page novel.NovelPage
}

type NovelReply struct {
	Status
	Novel *novel.Novel
}

type ChapterPageReply struct {
	Status
	Page novel.ChapterPage
}

type ChapterReply struct {
	Status
	Chapter *novel.Chapter
}

type CategoriesReply struct {
	Status
	Categories []novel.Category
}

// SourceServer runs inside the plugin process.
type SourceServer struct {
	Impl novel.Source
}

func (s *SourceServer) Search(args SearchArgs, reply *NovelPageReply) error {
	defer recovered(&reply.Status)
	ctx, cancel := args.context()
	defer cancel()
	page, err := s.Impl.Search(ctx, args.Query)
	*reply = NovelPageReply{Status: statusOf(err), Page: page}
	return nil
}

func (s *SourceServer) GetNovelDetail(args SlugArgs, reply *NovelReply) error {
	defer recovered(&reply.Status)
	ctx, cancel := args.context()
	defer cancel()
	n, err := s.Impl.GetNovelDetail(ctx, args.Slug)
	*reply = NovelReply{Status: statusOf(err), Novel: n}
	return nil
}

func (s *SourceServer) GetChaptersList(args SlugArgs, reply *ChapterPageReply) error {
	defer recovered(&reply.Status)
	ctx, cancel := args.context()
	defer cancel()
	page, err := s.Impl.GetChaptersList(ctx, args.Slug, args.Page)
	*reply = ChapterPageReply{Status: statusOf(err), Page: page}
	return nil
}

func (s *SourceServer) GetChapterContent(args ChapterArgs, reply *ChapterReply) error {
	defer recovered(&reply.Status)
	ctx, cancel := args.context()
	defer cancel()
	c, err := s.Impl.GetChapterContent(ctx, args.NovelSlug, args.ChapterSlug)
	*reply = ChapterReply{Status: statusOf(err), Chapter: c}
	return nil
}

func (s *SourceServer) GetCategories(args PageArgs, reply *CategoriesReply) error {
	defer recovered(&reply.Status)
	ctx, cancel := args.context()
	defer cancel()
	cats, err := s.Impl.GetCategories(ctx)
	*reply = CategoriesReply{Status: statusOf(err), Categories: cats}
	return nil
}

func (s *SourceServer) GetNovelsByCategory(args SlugArgs, reply *NovelPageReply) error {
	defer recovered(&reply.Status)
	ctx, cancel := args.context()
	defer cancel()
	page, err := s.Impl.GetNovelsByCategory(ctx, args.Slug, args.Page)
	*reply = NovelPageReply{Status: statusOf(err), Page: page}
	return nil
}

func (s *SourceServer) GetNovelsByAuthor(args SlugArgs, reply *NovelPageReply) error {
	defer recovered(&reply.Status)
	ctx, cancel := args.context()
	defer cancel()
	page, err := s.Impl.GetNovelsByAuthor(ctx, args.Slug, args.Page)
	*reply = NovelPageReply{Status: statusOf(err), Page: page}
	return nil
}

func (s *SourceServer) GetHotNovels(args PageArgs, reply *NovelPageReply) error {
	defer recovered(&reply.Status)
	ctx, cancel := args.context()
	defer cancel()
	page, err := s.Impl.GetHotNovels(ctx, args.Page)
	*reply = NovelPageReply{Status: statusOf(err), Page: page}
	return nil
}

func (s *SourceServer) GetLatestNovels(args PageArgs, reply *NovelPageReply) error {
	defer recovered(&reply.Status)
	ctx, cancel := args.context()
	defer cancel()
	page, err := s.Impl.GetLatestNovels(ctx, args.Page)
	*reply = NovelPageReply{Status: statusOf(err), Page: page}
	return nil
}

func (s *SourceServer) GetCompletedNovels(args PageArgs, reply *NovelPageReply) error {
	defer recovered(&reply.Status)
	ctx, cancel := args.context()
	defer cancel()
	page, err := s.Impl.GetCompletedNovels(ctx, args.Page)
	*reply = NovelPageReply{Status: statusOf(err), Page: page}
	return nil
}

// SourceClient is the host-side novel.Source backed by a plugin process.
type SourceClient struct {
	client *rpc.Client
}

var _ novel.Source = (*SourceClient)(nil)

func (c *SourceClient) Search(ctx context.Context, q novel.SearchQuery) (novel.NovelPage, error) {
	var reply NovelPageReply
	if err := call(ctx, c.client, "Plugin.Search", SearchArgs{Deadline: deadlineOf(ctx), Query: q}, &reply); err != nil {
		return novel.NovelPage{}, err
	}
	return reply.Page, reply.err()
}

func (c *SourceClient) GetNovelDetail(ctx context.Context, slug string) (*novel.Novel, error) {
	var reply NovelReply
	if err := call(ctx, c.client, "Plugin.GetNovelDetail", SlugArgs{Deadline: deadlineOf(ctx), Slug: slug}, &reply); err != nil {
		return nil, err
	}
	return reply.Novel, reply.err()
}

func (c *SourceClient) GetChaptersList(ctx context.Context, novelSlug string, page int) (novel.ChapterPage, error) {
	var reply ChapterPageReply
	args := SlugArgs{Deadline: deadlineOf(ctx), Slug: novelSlug, Page: page}
	if err := call(ctx, c.client, "Plugin.GetChaptersList", args, &reply); err != nil {
		return novel.ChapterPage{}, err
	}
	return reply.Page, reply.err()
}

func (c *SourceClient) GetChapterContent(ctx context.Context, novelSlug, chapterSlug string) (*novel.Chapter, error) {
	var reply ChapterReply
	args := ChapterArgs{Deadline: deadlineOf(ctx), NovelSlug: novelSlug, ChapterSlug: chapterSlug}
	if err := call(ctx, c.client, "Plugin.GetChapterContent", args, &reply); err != nil {
		return nil, err
	}
	return reply.Chapter, reply.err()
}

func (c *SourceClient) GetCategories(ctx context.Context) ([]novel.Category, error) {
	var reply CategoriesReply
	if err := call(ctx, c.client, "Plugin.GetCategories", PageArgs{Deadline: deadlineOf(ctx)}, &reply); err != nil {
		return nil, err
	}
	return reply.Categories, reply.err()
}

func (c *SourceClient) GetNovelsByCategory(ctx context.Context, categorySlug string, page int) (novel.NovelPage, error) {
	return c.slugPage(ctx, "Plugin.GetNovelsByCategory", categorySlug, page)
}

func (c *SourceClient) GetNovelsByAuthor(ctx context.Context, authorSlug string, page int) (novel.NovelPage, error) {
	return c.slugPage(ctx, "Plugin.GetNovelsByAuthor", authorSlug, page)
}

func (c *SourceClient) GetHotNovels(ctx context.Context, page int) (novel.NovelPage, error) {
	return c.listing(ctx, "Plugin.GetHotNovels", page)
}

func (c *SourceClient) GetLatestNovels(ctx context.Context, page int) (novel.NovelPage, error) {
	return c.listing(ctx, "Plugin.GetLatestNovels", page)
}

func (c *SourceClient) GetCompletedNovels(ctx context.Context, page int) (novel.NovelPage, error) {
	return c.listing(ctx, "Plugin.GetCompletedNovels", page)
}

func (c *SourceClient) slugPage(ctx context.Context, method, slug string, page int) (novel.NovelPage, error) {
	var reply NovelPageReply
	if err := call(ctx, c.client, method, SlugArgs{Deadline: deadlineOf(ctx), Slug: slug, Page: page}, &reply); err != nil {
		return novel.NovelPage{}, err
	}
	return reply.Page, reply.err()
}

func (c *SourceClient) listing(ctx context.Context, method string, page int) (novel.NovelPage, error) {
	var reply NovelPageReply
	if err := call(ctx, c.client, method, PageArgs{Deadline: deadlineOf(ctx), Page: page}, &reply); err != nil {
		return novel.NovelPage{}, err
	}
	return reply.Page, reply.err()
}
