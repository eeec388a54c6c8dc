// Package quran loads the bundled ground-truth recitation text and exposes
// expected word sequences for alignment.
//
// Two bundled assets back the store: a plain-text file with one ayah per
// line, sequential across the whole Quran and indexed via precomputed
// per-surah cumulative offsets, and a JSON file mapping surah → ayah → the
// ordered word records ({index, arabic, transliteration}) used for romanised
// matching. The store is constructed once at startup and passed explicitly to
// whatever needs it — there is no package-level cache.
//
// Normal forms for every word are computed exactly once at load time; the
// aligner never re-normalises expected text per match.
package quran

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/hifzlab/tasmi/internal/norm"
)

// ayahCounts holds the canonical number of ayahs in each of the 114 surahs.
// Cumulative sums over this table index the one-ayah-per-line text file.
var ayahCounts = [114]int{
	7, 286, 200, 176, 120, 165, 206, 75, 129, 109,
	123, 111, 43, 52, 99, 128, 111, 110, 98, 135,
	112, 78, 118, 64, 77, 227, 93, 88, 69, 60,
	34, 30, 73, 54, 45, 83, 182, 88, 75, 85,
	54, 53, 89, 59, 37, 35, 38, 29, 18, 45,
	60, 49, 62, 55, 78, 96, 29, 22, 24, 13,
	14, 11, 11, 18, 12, 12, 30, 52, 52, 44,
	28, 28, 20, 56, 40, 31, 50, 40, 46, 42,
	29, 19, 36, 25, 22, 17, 19, 26, 30, 20,
	15, 21, 11, 8, 8, 19, 5, 8, 8, 11,
	11, 8, 3, 9, 5, 4, 7, 3, 6, 3,
	5, 4, 5, 6,
}

// surahOffsets[i] is the zero-based line index of surah i+1's first ayah in
// the bundled text file.
var surahOffsets = func() [114]int {
	var offsets [114]int
	total := 0
	for i, n := range ayahCounts {
		offsets[i] = total
		total += n
	}
	return offsets
}()

// Word is one expected word of the recitation, with its normal forms
// precomputed at load time. Immutable once loaded.
type Word struct {
	Surah           int
	Ayah            int
	Index           int // zero-based position within the ayah
	Arabic          string
	Transliteration string

	// Normalized is norm.Arabic(Arabic), computed once.
	Normalized string

	// NormalizedTranslit is norm.Transliteration(Transliteration), computed once.
	NormalizedTranslit string
}

// AyahWords is the ordered word group of a single ayah. Word indices are
// contiguous and zero-based within the group.
type AyahWords struct {
	Surah int
	Ayah  int
	Words []Word
}

// Selection identifies the recitation range for one session: an inclusive
// ayah range within a single surah.
type Selection struct {
	Surah     int
	StartAyah int
	EndAyah   int
}

// wordRecord mirrors one entry of the bundled words JSON file.
type wordRecord struct {
	Index           int    `json:"index"`
	Arabic          string `json:"arabic"`
	Transliteration string `json:"transliteration"`
}

// Store provides read-only access to the bundled Quran text and word data.
// Safe for concurrent use after construction — all state is immutable.
type Store struct {
	ayahLines []string
	words     map[int]map[int][]Word // surah → ayah → words
}

// Load reads the ayah-per-line text file and the word-records JSON file and
// returns a fully-initialised Store. Both files are parsed and normalised
// eagerly so that later lookups never touch the filesystem.
func Load(textPath, wordsPath string) (*Store, error) {
	lines, err := readAyahLines(textPath)
	if err != nil {
		return nil, fmt.Errorf("quran: read ayah text %q: %w", textPath, err)
	}

	words, err := readWords(wordsPath)
	if err != nil {
		return nil, fmt.Errorf("quran: read words %q: %w", wordsPath, err)
	}

	return &Store{ayahLines: lines, words: words}, nil
}

func readAyahLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func readWords(path string) (map[int]map[int][]Word, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// JSON keys are string-encoded surah and ayah numbers.
	var parsed map[string]map[string][]wordRecord
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}

	words := make(map[int]map[int][]Word, len(parsed))
	for surahKey, ayahs := range parsed {
		surah, err := strconv.Atoi(surahKey)
		if err != nil {
			return nil, fmt.Errorf("surah key %q is not a number", surahKey)
		}
		byAyah := make(map[int][]Word, len(ayahs))
		for ayahKey, records := range ayahs {
			ayah, err := strconv.Atoi(ayahKey)
			if err != nil {
				return nil, fmt.Errorf("ayah key %q is not a number", ayahKey)
			}
			// Every ayah has at least one word; an empty list would give the
			// aligner a group it can never advance past.
			if len(records) == 0 {
				return nil, fmt.Errorf("surah %d ayah %d: empty word list", surah, ayah)
			}
			sort.Slice(records, func(i, j int) bool { return records[i].Index < records[j].Index })
			ws := make([]Word, 0, len(records))
			for i, rec := range records {
				if rec.Index != i {
					return nil, fmt.Errorf("surah %d ayah %d: word indices not contiguous at %d", surah, ayah, rec.Index)
				}
				ws = append(ws, Word{
					Surah:              surah,
					Ayah:               ayah,
					Index:              rec.Index,
					Arabic:             rec.Arabic,
					Transliteration:    rec.Transliteration,
					Normalized:         norm.Arabic(rec.Arabic),
					NormalizedTranslit: norm.Transliteration(rec.Transliteration),
				})
			}
			byAyah[ayah] = ws
		}
		words[surah] = byAyah
	}
	return words, nil
}

// AyahCount returns the canonical number of ayahs in the given surah, or 0
// if the surah number is out of range.
func AyahCount(surah int) int {
	if surah < 1 || surah > len(ayahCounts) {
		return 0
	}
	return ayahCounts[surah-1]
}

// AyahText returns the ground-truth text of one ayah from the bundled text
// file.
func (s *Store) AyahText(surah, ayah int) (string, error) {
	if surah < 1 || surah > len(surahOffsets) {
		return "", fmt.Errorf("quran: surah %d out of range", surah)
	}
	if ayah < 1 || ayah > ayahCounts[surah-1] {
		return "", fmt.Errorf("quran: ayah %d out of range for surah %d", ayah, surah)
	}
	line := surahOffsets[surah-1] + ayah - 1
	if line >= len(s.ayahLines) {
		return "", fmt.Errorf("quran: text file has %d lines, need line %d", len(s.ayahLines), line+1)
	}
	return s.ayahLines[line], nil
}

// Sequence builds the ordered expected word sequence for a selection. The
// result is independent of the store's internal state and safe to hold for
// the lifetime of a session.
func (s *Store) Sequence(sel Selection) ([]AyahWords, error) {
	if sel.StartAyah > sel.EndAyah {
		return nil, fmt.Errorf("quran: selection start ayah %d after end ayah %d", sel.StartAyah, sel.EndAyah)
	}
	byAyah, ok := s.words[sel.Surah]
	if !ok {
		return nil, fmt.Errorf("quran: no word data for surah %d", sel.Surah)
	}

	seq := make([]AyahWords, 0, sel.EndAyah-sel.StartAyah+1)
	for ayah := sel.StartAyah; ayah <= sel.EndAyah; ayah++ {
		ws, ok := byAyah[ayah]
		if !ok {
			return nil, fmt.Errorf("quran: no word data for surah %d ayah %d", sel.Surah, ayah)
		}
		group := AyahWords{Surah: sel.Surah, Ayah: ayah, Words: make([]Word, len(ws))}
		copy(group.Words, ws)
		seq = append(seq, group)
	}
	return seq, nil
}
