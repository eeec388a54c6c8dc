package norm

import "strings"

// latinFolds maps diacritic-marked Latin letters commonly used in Quran
// transliteration schemes to their plain-ASCII equivalents.
var latinFolds = map[rune]rune{
	'ā': 'a', 'á': 'a', 'à': 'a', 'â': 'a', 'ä': 'a',
	'ē': 'e', 'é': 'e', 'è': 'e', 'ê': 'e',
	'ī': 'i', 'í': 'i', 'ì': 'i', 'î': 'i',
	'ō': 'o', 'ó': 'o', 'ò': 'o', 'ô': 'o',
	'ū': 'u', 'ú': 'u', 'ù': 'u', 'û': 'u',
	'ḥ': 'h', 'ḍ': 'd', 'ṣ': 's', 'ṭ': 't', 'ẓ': 'z', 'ṯ': 't', 'ḏ': 'd', 'ġ': 'g', 'š': 's',
}

// apostrophes are the hamza/ayn marks and quote characters that carry no
// useful signal for edit-distance matching. They are folded to whitespace
// first so that "a'la" and "a la" reduce to the same token once all
// whitespace is removed.
const apostrophes = "'`’‘ʻʼʾʿ‛-"

// Transliteration returns the normal form of romanised Arabic used for
// matching: lowercased, Latin diacritics folded to ASCII, apostrophe-like
// marks dropped, and all whitespace removed. Unlike [Arabic] the result is a
// single unspaced token — transliterated words are compared by edit distance,
// not by word boundary.
func Transliteration(text string) string {
	if text == "" {
		return ""
	}

	lower := strings.ToLower(text)
	var b strings.Builder
	b.Grow(len(lower))
	for _, r := range lower {
		if strings.ContainsRune(apostrophes, r) {
			b.WriteRune(' ')
			continue
		}
		if mapped, ok := latinFolds[r]; ok {
			r = mapped
		}
		b.WriteRune(r)
	}

	return strings.Join(strings.Fields(b.String()), "")
}
