package search

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// MaxHighlights is the number of sentences returned per result.
const MaxHighlights = 3

// Cosine returns dot(a,b) / (|a| |b|). It is 0 when the lengths differ or
// either vector has zero magnitude.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Rank orders results by score descending, then by document creation time
// (newest first), then by document ID and chunk index so the order is total.
func Rank(results []RankedResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.DocumentCreatedAt.Equal(b.DocumentCreatedAt) {
			return a.DocumentCreatedAt.After(b.DocumentCreatedAt)
		}
		if a.DocumentID != b.DocumentID {
			return a.DocumentID.String() < b.DocumentID.String()
		}
		return a.ChunkIndex < b.ChunkIndex
	})
}

// Highlights picks up to MaxHighlights sentences of text with the most query
// token occurrences and returns them in their original order. Sentences with
// no occurrences are never chosen.
func Highlights(text, query string) []string {
	terms := make(map[string]bool)
	for _, t := range tokenize(query) {
		terms[t] = true
	}
	if len(terms) == 0 {
		return nil
	}

	type scored struct {
		pos   int
		text  string
		count int
	}
	var candidates []scored
	for i, s := range sentences(text) {
		n := 0
		for _, t := range tokenize(s) {
			if terms[t] {
				n++
			}
		}
		if n > 0 {
			candidates = append(candidates, scored{pos: i, text: s, count: n})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].count > candidates[j].count
	})
	if len(candidates) > MaxHighlights {
		candidates = candidates[:MaxHighlights]
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].pos < candidates[j].pos
	})

	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.text
	}
	return out
}

// sentences splits text after terminal punctuation and at line breaks,
// dropping blank pieces.
func sentences(text string) []string {
	var (
		out   []string
		start int
	)
	runes := []rune(text)
	flush := func(end int) {
		if s := strings.TrimSpace(string(runes[start:end])); s != "" {
			out = append(out, s)
		}
		start = end
	}
	for i, r := range runes {
		switch {
		case r == '\n':
			flush(i + 1)
		case r == '.' || r == '!' || r == '?':
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				flush(i + 1)
			}
		}
	}
	flush(len(runes))
	return out
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
