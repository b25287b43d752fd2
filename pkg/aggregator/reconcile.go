package aggregator

import (
	"sort"
	"strings"

	"github.com/platinummonkey/novelhub/pkg/novel"
)

// NormalizeTitle lowercases title and collapses every run of Unicode
// whitespace into a single space, trimming both ends. Two records with equal
// normalized titles are candidates for the same work.
func NormalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

// normalizeAuthors returns the set of normalized author names.
func normalizeAuthors(authors []novel.Author) map[string]struct{} {
	set := make(map[string]struct{}, len(authors))
	for _, a := range authors {
		if name := NormalizeTitle(a.Name); name != "" {
			set[name] = struct{}{}
		}
	}
	return set
}

func authorOverlap(seed map[string]struct{}, authors []novel.Author) int {
	n := 0
	for name := range normalizeAuthors(authors) {
		if _, ok := seed[name]; ok {
			n++
		}
	}
	return n
}

// BestMatch picks the candidate that is the same work as seed. Only exact
// normalized-title matches qualify; among those the largest author overlap
// wins and ties keep the earlier candidate. It returns -1 when nothing qualifies.
func BestMatch(seed novel.Novel, candidates []novel.Novel) int {
	want := NormalizeTitle(seed.Title)
	if want == "" {
		return -1
	}
	seedAuthors := normalizeAuthors(seed.Authors)

	best, bestOverlap := -1, -1
	for i, c := range candidates {
		if NormalizeTitle(c.Title) != want {
			continue
		}
		if overlap := authorOverlap(seedAuthors, c.Authors); overlap > bestOverlap {
			best, bestOverlap = i, overlap
		}
	}
	return best
}

// matchKey identifies one source version's answer for seed. Source names
// never contain '@', so source+"@" prefixes every key of that source.
func matchKey(source, version string, seed novel.Novel) string {
	return source + "@" + version + "|" + seedKey(seed)
}

// seedKey identifies a reconciliation seed independently of the source it came from.
func seedKey(seed novel.Novel) string {
	authors := make([]string, 0, len(seed.Authors))
	for name := range normalizeAuthors(seed.Authors) {
		authors = append(authors, name)
	}
	sort.Strings(authors)
	return NormalizeTitle(seed.Title) + "|" + strings.Join(authors, ",")
}
