package novel

// Author is a writer as reported by one source.
type Author struct {
	Name   string `json:"name"`
	Slug   string `json:"slug,omitempty"`
	Source string `json:"source"`
}

// Category is a genre or tag as reported by one source.
type Category struct {
	Name   string `json:"name"`
	Slug   string `json:"slug"`
	Source string `json:"source"`
}

// Novel is a work as reported by one source. Slug is unique only within Source.
type Novel struct {
	Title         string     `json:"title"`
	Slug          string     `json:"slug"`
	Source        string     `json:"source"`
	Authors       []Author   `json:"authors,omitempty"`
	Categories    []Category `json:"categories,omitempty"`
	Description   string     `json:"description,omitempty"`
	CoverURL      string     `json:"cover_url,omitempty"`
	Status        string     `json:"status,omitempty"`
	Rating        float64    `json:"rating,omitempty"`
	TotalChapters int        `json:"total_chapters,omitempty"`
}

// Chapter is one chapter of a novel. Content is empty in chapter listings.
type Chapter struct {
	Title     string `json:"title"`
	Slug      string `json:"slug"`
	Source    string `json:"source"`
	NovelSlug string `json:"novel_slug"`
	Number    int    `json:"number"`
	Content   string `json:"content,omitempty"`
}

// NovelPage is one page of a paged novel listing.
type NovelPage struct {
	Novels     []Novel `json:"novels"`
	Page       int     `json:"page"`
	TotalPages int     `json:"total_pages"`
}

// ChapterPage is one page of a novel's chapter list.
type ChapterPage struct {
	Chapters   []Chapter `json:"chapters"`
	Page       int       `json:"page"`
	TotalPages int       `json:"total_pages"`
}

// SearchQuery describes a search against a single source.
// Keyword is free text; Title and Author are hints for sources that support field search.
type SearchQuery struct {
	Keyword string `json:"keyword,omitempty"`
	Title   string `json:"title,omitempty"`
	Author  string `json:"author,omitempty"`
	Page    int    `json:"page"`
}

// Book is the payload handed to an exporter.
type Book struct {
	Novel    Novel     `json:"novel"`
	Chapters []Chapter `json:"chapters"`
}

// FirstAuthor returns the name of the first listed author, or "".
func (n *Novel) FirstAuthor() string {
	if n == nil || len(n.Authors) == 0 {
		return ""
	}
	return n.Authors[0].Name
}
