package align

import (
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// Similarity scores how close two words are on a 0..1 scale using classic
// Levenshtein edit distance: 1 − distance/max(len(a), len(b)), with lengths
// counted in runes. Identical words score 1.0; comparison against an empty
// word scores 0.0. Always bounded to the two word strings — whole-sentence
// distance is never computed.
func Similarity(a, b string) float64 {
	if a == b {
		if a == "" {
			return 0
		}
		return 1
	}
	if a == "" || b == "" {
		return 0
	}

	dist := matchr.Levenshtein(a, b)
	maxLen := utf8.RuneCountInString(a)
	if l := utf8.RuneCountInString(b); l > maxLen {
		maxLen = l
	}
	return 1 - float64(dist)/float64(maxLen)
}
