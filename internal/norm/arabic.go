// Package norm provides script normalization for fuzzy recitation matching.
//
// Two independent normal forms are produced: [Arabic] strips diacritics and
// harmonises orthographic variants while preserving word boundaries, and
// [Transliteration] reduces a romanised rendering to a single unspaced ASCII
// token suitable for edit-distance comparison. Both functions are pure,
// deterministic, and never fail — any input (including the empty string)
// yields a well-defined result.
package norm

import "strings"

// diacritics is the fixed set of combining marks removed from Arabic text:
// standard tashkeel (U+064B–U+065F), the superscript alef (U+0670), honorific
// signs (U+0610–U+061A), and the Quranic annotation block (U+06D6–U+06ED).
func isDiacritic(r rune) bool {
	switch {
	case r >= 0x0610 && r <= 0x061A:
		return true
	case r >= 0x064B && r <= 0x065F:
		return true
	case r == 0x0670:
		return true
	case r >= 0x06D6 && r <= 0x06ED:
		return true
	}
	return false
}

// tatweel is the kashida elongation character. It carries no phonetic value
// and is stripped outright.
const tatweel = 'ـ'

// letterVariants maps Alef variants (madda, hamza above/below, wasla) to bare
// Alef, Alef maksura to Yaa, and Taa marbuta to Haa.
var letterVariants = map[rune]rune{
	'آ': 'ا', // آ → ا
	'أ': 'ا', // أ → ا
	'إ': 'ا', // إ → ا
	'ٱ': 'ا', // ٱ → ا
	'ى': 'ي', // ى → ي
	'ة': 'ه', // ة → ه
}

// uthmaniWords maps whole words in Uthmani orthography (after diacritic
// stripping and letter-variant folding) to their standard spelling.
// Substitution is exact whole-word only — a key occurring as a substring of
// a longer word is left untouched.
var uthmaniWords = map[string]string{
	"الصرط":  "الصراط",
	"صرط":    "صراط",
	"الصلوه": "الصلاه",
	"الزكوه": "الزكاه",
	"الحيوه": "الحياه",
	"الربوا": "الربا",
	"السموت": "السماوات",
	"ابرهم":  "ابراهيم",
	"اسمعيل": "اسماعيل",
	"اسحق":   "اسحاق",
	"داود":   "داوود",
}

// Arabic returns the normal form of Arabic text used for matching: diacritics
// and kashida removed, letter variants folded, known Uthmani word spellings
// replaced, and runs of whitespace collapsed to single spaces.
//
// Arabic is idempotent: Arabic(Arabic(s)) == Arabic(s).
func Arabic(text string) string {
	if text == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if isDiacritic(r) || r == tatweel {
			continue
		}
		if mapped, ok := letterVariants[r]; ok {
			r = mapped
		}
		b.WriteRune(r)
	}

	words := strings.Fields(b.String())
	for i, w := range words {
		if std, ok := uthmaniWords[w]; ok {
			words[i] = std
		}
	}
	return strings.Join(words, " ")
}

// arabicBlocks reports whether r falls in one of the Unicode Arabic blocks.
func arabicRune(r rune) bool {
	switch {
	case r >= 0x0600 && r <= 0x06FF:
		return true
	case r >= 0x0750 && r <= 0x077F: // Arabic Supplement
		return true
	case r >= 0x08A0 && r <= 0x08FF: // Arabic Extended-A
		return true
	case r >= 0xFB50 && r <= 0xFDFF: // Presentation Forms-A
		return true
	case r >= 0xFE70 && r <= 0xFEFF: // Presentation Forms-B
		return true
	}
	return false
}

// IsArabic reports whether text contains at least one codepoint from the
// Arabic Unicode blocks. Used to decide whether an incoming transcription
// word should be matched against the Arabic or transliterated form.
func IsArabic(text string) bool {
	for _, r := range text {
		if arabicRune(r) {
			return true
		}
	}
	return false
}
