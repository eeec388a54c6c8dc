// Package stabilize buffers incremental transcription deltas and releases
// words only once enough subsequent words have arrived to trust them.
//
// Streaming transcribers routinely revise the most recent word as more audio
// comes in. Acting on every delta immediately would feed the aligner text the
// provider is about to take back, so a word is "sealed" only after at least
// sealThreshold further words appear behind it. The tail is released on
// [Stabilizer.Flush] when the session completes.
//
// A Stabilizer is not safe for concurrent use; drive it from a single
// consumer goroutine.
package stabilize

import "strings"

// DefaultSealThreshold is the number of trailing words withheld until more
// text arrives. One word of lookback is enough for the providers in use.
const DefaultSealThreshold = 1

// Stabilizer accumulates raw transcription deltas and hands out stable words
// exactly once each.
type Stabilizer struct {
	buf           strings.Builder
	released      int
	sealThreshold int
}

// New creates a Stabilizer with the given seal threshold. Thresholds below
// zero are treated as zero (every word released immediately).
func New(sealThreshold int) *Stabilizer {
	if sealThreshold < 0 {
		sealThreshold = 0
	}
	return &Stabilizer{sealThreshold: sealThreshold}
}

// AddDelta appends a transcription delta and returns the words that became
// stable as a result. Words already returned by a previous call are never
// returned again: the internal released count only ever grows.
func (s *Stabilizer) AddDelta(text string) []string {
	s.buf.WriteString(text)

	words := s.words()
	stable := len(words) - s.sealThreshold
	if stable <= s.released {
		return nil
	}

	out := make([]string, stable-s.released)
	copy(out, words[s.released:stable])
	s.released = stable
	return out
}

// Flush releases every word not yet released, including the unsealed tail.
// Call it exactly once per session, after the provider's final transcription
// has been added.
func (s *Stabilizer) Flush() []string {
	words := s.words()
	if len(words) <= s.released {
		return nil
	}

	out := make([]string, len(words)-s.released)
	copy(out, words[s.released:])
	s.released = len(words)
	return out
}

// Reset clears the accumulator and released count for a new session. Skipping
// Reset between recitation attempts leaks words from the previous attempt
// into the next.
func (s *Stabilizer) Reset() {
	s.buf.Reset()
	s.released = 0
}

// Pending returns how many accumulated words have not been released yet.
func (s *Stabilizer) Pending() int {
	return len(s.words()) - s.released
}

// words cleans the accumulated text and splits it into words: punctuation is
// stripped, zero-width marks and exotic whitespace collapse into plain ASCII
// spaces.
func (s *Stabilizer) words() []string {
	cleaned := strings.Map(cleanRune, s.buf.String())
	return strings.Fields(cleaned)
}

// cleanRune maps punctuation and zero-width characters out of transcription
// text. Whitespace variants become ASCII space; punctuation is dropped.
func cleanRune(r rune) rune {
	switch r {
	case '\u200b', '\u200c', '\u200d', '\u200e', '\u200f', '\ufeff':
		return ' '
	case '\u00a0', '\t', '\n', '\r':
		return ' '
	case '.', ',', '!', '?', ';', ':', '"', '(', ')', '[', ']',
		'،', '؛', '؟', '۔':
		return -1
	}
	return r
}
