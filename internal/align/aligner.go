// Package align implements word-by-word forced alignment of a live
// transcription against the expected recitation text.
//
// The Aligner holds the expected word sequence for the session and a cursor
// that only ever moves through it in response to stabilized transcription
// words: forward on a match, jumping over at most two words when the reciter
// skips ahead, or explicitly via resume/reset. Matching is deliberately
// lenient — this is a follow-along aid, not a grader — so below-threshold
// words are normally treated as noise and ignored rather than flagged.
//
// An Aligner is not safe for concurrent use; drive it from a single consumer
// goroutine.
package align

import (
	"log/slog"
	"strings"

	"github.com/hifzlab/tasmi/internal/norm"
	"github.com/hifzlab/tasmi/internal/quran"
)

const (
	// DefaultMatchThreshold is the minimum similarity for a word to count as
	// recognised at all.
	DefaultMatchThreshold = 0.50

	// DefaultExactThreshold separates Match from FuzzyMatch.
	DefaultExactThreshold = 0.70

	// lookaheadWindow is how many expected words past the cursor are checked
	// when the current word does not match. Exactly 2, never more, and never
	// across an ayah boundary.
	lookaheadWindow = 2
)

// ResultKind classifies an alignment result.
type ResultKind int

const (
	// Match is a confident hit at or above the exact threshold.
	Match ResultKind = iota

	// FuzzyMatch is a hit between the match and exact thresholds.
	FuzzyMatch

	// Mismatch marks a word-level error. Only emitted in strict mode; the
	// default lenient path ignores low-similarity words instead.
	Mismatch
)

// MismatchKind further classifies a Mismatch result.
type MismatchKind int

const (
	Incorrect MismatchKind = iota
	Skipped
	Extra
)

// Result is the outcome of processing one stabilized word. Ephemeral: the
// aligner retains nothing beyond current-ayah error bookkeeping.
type Result struct {
	Kind        ResultKind
	Surah       int
	Ayah        int
	WordIndex   int
	Expected    quran.Word
	Transcribed string
	Similarity  float64

	// MismatchKind is meaningful only when Kind == Mismatch.
	MismatchKind MismatchKind
}

// Position is a read-only snapshot of alignment progress.
type Position struct {
	Surah      int
	Ayah       int
	WordIndex  int
	AyahWords  int // words in the current ayah
	TotalAyahs int
	Complete   bool
}

// Option configures an Aligner.
type Option func(*Aligner)

// WithMatchThreshold overrides the minimum similarity for a word to be
// accepted. Default 0.50.
func WithMatchThreshold(threshold float64) Option {
	return func(a *Aligner) { a.matchThreshold = threshold }
}

// WithExactThreshold overrides the similarity above which a hit counts as an
// exact Match rather than a FuzzyMatch. Default 0.70.
func WithExactThreshold(threshold float64) Option {
	return func(a *Aligner) { a.exactThreshold = threshold }
}

// WithStrictMode makes the aligner emit a Mismatch after runLength
// consecutive below-threshold words at the same cursor position, instead of
// silently ignoring them. runLength must be at least 1. Off by default.
func WithStrictMode(runLength int) Option {
	return func(a *Aligner) {
		a.strict = true
		if runLength < 1 {
			runLength = 1
		}
		a.strictRunLength = runLength
	}
}

// Aligner is the forced-alignment state machine. Create one with [New],
// then call [Aligner.Initialize] for each session.
type Aligner struct {
	matchThreshold  float64
	exactThreshold  float64
	strict          bool
	strictRunLength int

	seq      []quran.AyahWords
	groupIdx int
	wordIdx  int

	// ayahErrors tracks word indices with unresolved mismatches in the
	// current ayah. Cleared on every ayah transition and on resume.
	ayahErrors map[int]struct{}

	// lowRun counts consecutive below-threshold words at the current cursor
	// position (strict mode bookkeeping).
	lowRun int

	matched   int
	processed int
}

// New creates an Aligner with no expected sequence. Call Initialize before
// processing transcription.
func New(opts ...Option) *Aligner {
	a := &Aligner{
		matchThreshold:  DefaultMatchThreshold,
		exactThreshold:  DefaultExactThreshold,
		strictRunLength: 3,
		ayahErrors:      map[int]struct{}{},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Initialize installs the expected sequence for a new session and resets the
// cursor to the first word. Safe to call repeatedly — each new session reuses
// the instance.
func (a *Aligner) Initialize(seq []quran.AyahWords) {
	a.seq = seq
	a.Reset()
}

// Reset moves the cursor back to the start and clears all error tracking and
// progress counters.
func (a *Aligner) Reset() {
	a.groupIdx = 0
	a.wordIdx = 0
	a.lowRun = 0
	a.matched = 0
	a.processed = 0
	clear(a.ayahErrors)
}

// IsComplete reports whether the cursor has moved past the final ayah group.
func (a *Aligner) IsComplete() bool {
	return a.groupIdx >= len(a.seq)
}

// ProcessTranscription consumes one stabilized word and returns the alignment
// result, or nil when the word is treated as noise (no match at the cursor or
// within the lookahead window). Callers must split batches into individual
// words before calling.
func (a *Aligner) ProcessTranscription(word string) *Result {
	if a.IsComplete() {
		return nil
	}

	// Roll into the next ayah group if the current one is exhausted.
	group := &a.seq[a.groupIdx]
	if a.wordIdx >= len(group.Words) {
		a.advanceAyah()
		if a.IsComplete() {
			return nil
		}
		group = &a.seq[a.groupIdx]
	}

	a.processed++
	isArabic := norm.IsArabic(word)

	expected := group.Words[a.wordIdx]
	sim := a.similarity(word, isArabic, expected)
	if sim >= a.matchThreshold {
		res := a.hit(expected, word, sim)
		a.advanceWord()
		return res
	}

	// Lookahead for a skipped word, within this ayah group only. On a hit the
	// cursor jumps straight to the matched position; the words skipped over
	// are abandoned silently.
	for off := 1; off <= lookaheadWindow; off++ {
		idx := a.wordIdx + off
		if idx >= len(group.Words) {
			break
		}
		candidate := group.Words[idx]
		if s := a.similarity(word, isArabic, candidate); s >= a.matchThreshold {
			slog.Debug("lookahead jump",
				"ayah", group.Ayah,
				"from_word", a.wordIdx,
				"to_word", idx,
				"transcribed", word,
			)
			a.wordIdx = idx
			res := a.hit(candidate, word, s)
			a.advanceWord()
			return res
		}
	}

	// No match anywhere in the window: lenient mode ignores the word.
	if a.strict {
		a.lowRun++
		if a.lowRun >= a.strictRunLength {
			a.lowRun = 0
			a.ayahErrors[a.wordIdx] = struct{}{}
			return &Result{
				Kind:         Mismatch,
				MismatchKind: Incorrect,
				Surah:        expected.Surah,
				Ayah:         expected.Ayah,
				WordIndex:    expected.Index,
				Expected:     expected,
				Transcribed:  word,
			}
		}
	}
	return nil
}

// hit builds a Match or FuzzyMatch result for the word at the cursor.
func (a *Aligner) hit(expected quran.Word, transcribed string, sim float64) *Result {
	a.lowRun = 0
	a.matched++
	kind := FuzzyMatch
	if sim >= a.exactThreshold {
		kind = Match
	}
	return &Result{
		Kind:        kind,
		Surah:       expected.Surah,
		Ayah:        expected.Ayah,
		WordIndex:   expected.Index,
		Expected:    expected,
		Transcribed: transcribed,
		Similarity:  sim,
	}
}

// similarity compares the incoming word against an expected word, choosing
// the Arabic or transliteration form based on the incoming script. Expected
// normal forms were computed once at load time.
func (a *Aligner) similarity(word string, isArabic bool, expected quran.Word) float64 {
	if isArabic {
		return Similarity(norm.Arabic(word), expected.Normalized)
	}
	return Similarity(norm.Transliteration(word), expected.NormalizedTranslit)
}

// advanceWord moves the cursor one word forward, rolling into the next ayah
// group when the current one is exhausted.
func (a *Aligner) advanceWord() {
	a.wordIdx++
	if a.groupIdx < len(a.seq) && a.wordIdx >= len(a.seq[a.groupIdx].Words) {
		a.advanceAyah()
	}
}

// advanceAyah moves the cursor to the start of the next ayah group. The
// transition always happens, even with unresolved mismatches in the ayah
// being left — the aligner never blocks progress waiting for a correction.
func (a *Aligner) advanceAyah() {
	if len(a.ayahErrors) > 0 {
		slog.Info("leaving ayah with unresolved mistakes",
			"ayah", a.seq[a.groupIdx].Ayah,
			"mistakes", len(a.ayahErrors),
		)
	}
	a.groupIdx++
	a.wordIdx = 0
	a.lowRun = 0
	clear(a.ayahErrors)
}

// ResumeFromAyah jumps the cursor to the first word of the given ayah number.
// Unknown ayah numbers fall back to a full reset. Error tracking for the ayah
// being resumed into is cleared either way.
func (a *Aligner) ResumeFromAyah(ayah int) {
	a.ResumeFromPosition(ayah, 0)
}

// ResumeFromPosition jumps the cursor to a specific word within the given
// ayah, clamping the word index into range. Unknown ayah numbers fall back to
// a full reset.
func (a *Aligner) ResumeFromPosition(ayah, wordIndex int) {
	for i := range a.seq {
		if a.seq[i].Ayah != ayah {
			continue
		}
		if wordIndex < 0 {
			wordIndex = 0
		}
		if last := len(a.seq[i].Words) - 1; wordIndex > last {
			wordIndex = last
		}
		a.groupIdx = i
		a.wordIdx = wordIndex
		a.lowRun = 0
		clear(a.ayahErrors)
		return
	}

	slog.Warn("resume target ayah not in sequence, resetting", "ayah", ayah)
	a.Reset()
}

// CurrentPosition returns a read-only snapshot of progress. When alignment is
// complete the snapshot carries the final ayah's coordinates with Complete
// set.
func (a *Aligner) CurrentPosition() Position {
	pos := Position{TotalAyahs: len(a.seq)}
	if len(a.seq) == 0 {
		pos.Complete = true
		return pos
	}
	if a.IsComplete() {
		last := a.seq[len(a.seq)-1]
		return Position{
			Surah:      last.Surah,
			Ayah:       last.Ayah,
			WordIndex:  len(last.Words),
			AyahWords:  len(last.Words),
			TotalAyahs: len(a.seq),
			Complete:   true,
		}
	}
	group := a.seq[a.groupIdx]
	return Position{
		Surah:      group.Surah,
		Ayah:       group.Ayah,
		WordIndex:  a.wordIdx,
		AyahWords:  len(group.Words),
		TotalAyahs: len(a.seq),
	}
}

// Accuracy returns the ratio of matched to processed words and the processed
// count. Ratio is 0 when nothing has been processed.
func (a *Aligner) Accuracy() (ratio float64, processed int) {
	if a.processed == 0 {
		return 0, 0
	}
	return float64(a.matched) / float64(a.processed), a.processed
}

// RemainingExpectedText joins the transliterations of up to maxWords expected
// words from the cursor forward. Used to condition prompt-aware providers on
// what the reciter is about to say.
func (a *Aligner) RemainingExpectedText(maxWords int) string {
	if maxWords <= 0 || a.IsComplete() {
		return ""
	}

	var parts []string
	wordIdx := a.wordIdx
	for g := a.groupIdx; g < len(a.seq) && len(parts) < maxWords; g++ {
		words := a.seq[g].Words
		for ; wordIdx < len(words) && len(parts) < maxWords; wordIdx++ {
			parts = append(parts, words[wordIdx].Transliteration)
		}
		wordIdx = 0
	}
	return strings.Join(parts, " ")
}
