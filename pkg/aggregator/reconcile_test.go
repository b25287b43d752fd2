package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/novelhub/pkg/novel"
)

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		a, b  string
		equal bool
	}{
		{"The Great Tale", "the   great tale", true},
		{"The Great Tale", "The Great Tales", false},
		{"  Moon\tBlade\n", "moon blade", true},
		{"Moon Blade", "moon blade", true},
		{"Moon　Blade", "MOON BLADE", true},
		{"ÉPÉE", "épée", true},
		{"Moon-Blade", "moon blade", false},
	}
	for _, tt := range tests {
		t.Run(tt.a+"|"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.equal, NormalizeTitle(tt.a) == NormalizeTitle(tt.b))
		})
	}

	assert.Equal(t, "the great tale", NormalizeTitle(" The  Great\tTale "))
	assert.Equal(t, "", NormalizeTitle(" \t\n"))
}

func TestBestMatch(t *testing.T) {
	seed := byAuthor("Moon Blade", "X", "Y")

	tests := []struct {
		name       string
		candidates []novel.Novel
		want       int
	}{
		{"no candidates", nil, -1},
		{"no title match", []novel.Novel{byAuthor("Moon Blades", "X")}, -1},
		{"single match without authors", []novel.Novel{byAuthor("moon blade")}, 0},
		{
			name: "largest overlap wins",
			candidates: []novel.Novel{
				byAuthor("Moon Blade", "Z"),
				byAuthor("Moon Blade", "x"),
				byAuthor("MOON  BLADE", "X", " y "),
			},
			want: 2,
		},
		{
			name: "tie keeps the earlier candidate",
			candidates: []novel.Novel{
				byAuthor("Moon Blade Returns", "X", "Y"),
				byAuthor("Moon Blade", "X"),
				byAuthor("Moon Blade", "Y"),
			},
			want: 1,
		},
		{
			name: "duplicate author names count once",
			candidates: []novel.Novel{
				byAuthor("Moon Blade", "X", "x", "X"),
				byAuthor("Moon Blade", "X", "Y"),
			},
			want: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BestMatch(seed, tt.candidates))
		})
	}

	assert.Equal(t, -1, BestMatch(byAuthor("  "), []novel.Novel{byAuthor("")}), "an empty seed title matches nothing")
}

func TestSeedKey(t *testing.T) {
	assert.Equal(t, seedKey(byAuthor("Moon Blade", "Y", "X")), seedKey(byAuthor("moon  blade", "x", "y")))
	assert.NotEqual(t, seedKey(byAuthor("Moon Blade", "X")), seedKey(byAuthor("Moon Blade", "Y")))
}
