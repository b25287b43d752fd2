package plaintext

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/novelhub/pkg/novel"
)

func sampleBook() *novel.Book {
	return &novel.Book{
		Novel: novel.Novel{
			Title:       "The Wandering Inn",
			Source:      "alpha",
			Status:      "ongoing",
			Description: "An inn.\r\nA girl.",
			Authors:     []novel.Author{{Name: "pirateaba"}, {Name: ""}, {Name: "Guest"}},
		},
		Chapters: []novel.Chapter{
			{Number: 1, Title: "The First Night", Content: "  It was dark.\r\n"},
			{Number: 2, Content: "Morning."},
			{Title: "Interlude"},
		},
	}
}

func TestExport(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, New().Export(context.Background(), sampleBook(), &buf))

	want := "The Wandering Inn\n" +
		"by pirateaba, Guest\n" +
		"Source: alpha\n" +
		"Status: ongoing\n" +
		"\nAn inn.\nA girl.\n" +
		"\n==========\n\n" +
		"Chapter 1: The First Night\n" +
		"\nIt was dark.\n" +
		"\n==========\n\n" +
		"Chapter 2\n" +
		"\nMorning.\n" +
		"\n==========\n\n" +
		"Interlude\n"
	assert.Equal(t, want, buf.String())
}

func TestExport_CustomSeparator(t *testing.T) {
	var buf bytes.Buffer
	book := &novel.Book{
		Novel:    novel.Novel{Title: "Short"},
		Chapters: []novel.Chapter{{Number: 1, Title: "Only"}},
	}
	require.NoError(t, (&Exporter{Separator: "* * *"}).Export(context.Background(), book, &buf))
	assert.Equal(t, "Short\n\n* * *\n\nChapter 1: Only\n", buf.String())
}

func TestExport_NilBook(t *testing.T) {
	err := New().Export(context.Background(), nil, &bytes.Buffer{})
	assert.EqualError(t, err, "plaintext: nil book")
}

func TestExport_CanceledLeavesHeader(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	err := New().Export(ctx, sampleBook(), &buf)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, buf.String(), "The Wandering Inn")
	assert.NotContains(t, buf.String(), "Chapter 1")
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestExport_WriteError(t *testing.T) {
	err := New().Export(context.Background(), sampleBook(), failingWriter{})
	assert.EqualError(t, err, "disk full")
}
