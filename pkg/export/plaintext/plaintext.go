// Package plaintext is the exporter bundled with novelhub. It renders a book
// as UTF-8 text: a header block followed by every chapter.
package plaintext

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/platinummonkey/novelhub/pkg/novel"
)

// Name and Extension identify the exporter when it is registered.
const (
	Name      = "plaintext"
	Extension = "txt"
)

const rule = "=========="

// Exporter implements novel.Exporter.
type Exporter struct {
	// Separator is written between chapters, rule when empty.
	Separator string
}

// New returns an Exporter with the default separator.
func New() *Exporter {
	return &Exporter{}
}

// Export writes book to w. It checks ctx between chapters, so a canceled
// export leaves a truncated document behind.
func (e *Exporter) Export(ctx context.Context, book *novel.Book, w io.Writer) error {
	if book == nil {
		return errors.New("plaintext: nil book")
	}
	sep := e.Separator
	if sep == "" {
		sep = rule
	}

	bw := bufio.NewWriter(w)
	writeHeader(bw, &book.Novel)

	for _, ch := range book.Chapters {
		if err := ctx.Err(); err != nil {
			bw.Flush()
			return err
		}
		fmt.Fprintf(bw, "\n%s\n\n", sep)
		fmt.Fprintln(bw, chapterHeading(ch))
		if content := strings.TrimSpace(ch.Content); content != "" {
			fmt.Fprintf(bw, "\n%s\n", normalizeNewlines(content))
		}
	}
	return bw.Flush()
}

func writeHeader(w io.Writer, n *novel.Novel) {
	fmt.Fprintln(w, n.Title)
	if names := authorNames(n.Authors); names != "" {
		fmt.Fprintf(w, "by %s\n", names)
	}
	if n.Source != "" {
		fmt.Fprintf(w, "Source: %s\n", n.Source)
	}
	if n.Status != "" {
		fmt.Fprintf(w, "Status: %s\n", n.Status)
	}
	if desc := strings.TrimSpace(n.Description); desc != "" {
		fmt.Fprintf(w, "\n%s\n", normalizeNewlines(desc))
	}
}

func chapterHeading(ch novel.Chapter) string {
	switch {
	case ch.Number > 0 && ch.Title != "":
		return fmt.Sprintf("Chapter %d: %s", ch.Number, ch.Title)
	case ch.Number > 0:
		return fmt.Sprintf("Chapter %d", ch.Number)
	default:
		return ch.Title
	}
}

func authorNames(authors []novel.Author) string {
	names := make([]string, 0, len(authors))
	for _, a := range authors {
		if a.Name != "" {
			names = append(names, a.Name)
		}
	}
	return strings.Join(names, ", ")
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", "\n"), "\r", "\n")
}

var _ novel.Exporter = (*Exporter)(nil)
