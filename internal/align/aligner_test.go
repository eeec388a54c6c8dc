package align_test

import (
	"testing"

	"github.com/hifzlab/tasmi/internal/align"
	"github.com/hifzlab/tasmi/internal/norm"
	"github.com/hifzlab/tasmi/internal/quran"
)

// ayahOf builds one ayah group from plain word strings. Each word doubles as
// its own transliteration so tests can feed either script.
func ayahOf(surah, ayah int, words ...string) quran.AyahWords {
	group := quran.AyahWords{Surah: surah, Ayah: ayah}
	for i, w := range words {
		group.Words = append(group.Words, quran.Word{
			Surah:              surah,
			Ayah:               ayah,
			Index:              i,
			Arabic:             w,
			Transliteration:    w,
			Normalized:         norm.Arabic(w),
			NormalizedTranslit: norm.Transliteration(w),
		})
	}
	return group
}

func TestAligner_BasicAdvance(t *testing.T) {
	t.Parallel()

	a := align.New()
	a.Initialize([]quran.AyahWords{ayahOf(1, 1, "بسم", "الله", "الرحمن")})

	for i, word := range []string{"بسم", "الله", "الرحمن"} {
		res := a.ProcessTranscription(word)
		if res == nil {
			t.Fatalf("word %d %q: no result", i, word)
		}
		if res.Kind != align.Match {
			t.Errorf("word %d: kind = %v, want Match", i, res.Kind)
		}
		if res.WordIndex != i {
			t.Errorf("word %d: WordIndex = %d, want %d", i, res.WordIndex, i)
		}
	}

	if !a.IsComplete() {
		t.Error("IsComplete = false after consuming all words, want true")
	}
	if res := a.ProcessTranscription("extra"); res != nil {
		t.Errorf("ProcessTranscription after complete = %+v, want nil", res)
	}
}

func TestAligner_LookaheadSkip(t *testing.T) {
	t.Parallel()

	a := align.New()
	a.Initialize([]quran.AyahWords{ayahOf(1, 1, "alpha", "bravo", "charlie", "delta")})

	res := a.ProcessTranscription("alpha")
	if res == nil || res.WordIndex != 0 {
		t.Fatalf("first word: got %+v, want match at index 0", res)
	}

	// "charlie" does not match "bravo" but is within the 2-word lookahead:
	// the cursor jumps, and no Mismatch is emitted for the skipped "bravo".
	res = a.ProcessTranscription("charlie")
	if res == nil {
		t.Fatal("skip word: no result, want lookahead match")
	}
	if res.WordIndex != 2 {
		t.Errorf("skip word: WordIndex = %d, want 2", res.WordIndex)
	}
	if res.Kind == align.Mismatch {
		t.Errorf("skip word: kind = Mismatch, want Match/FuzzyMatch")
	}

	// Cursor is now past "charlie", pointing at "delta".
	if pos := a.CurrentPosition(); pos.WordIndex != 3 {
		t.Errorf("position after skip = %d, want 3", pos.WordIndex)
	}
}

func TestAligner_LookaheadBoundedToTwoWords(t *testing.T) {
	t.Parallel()

	a := align.New()
	a.Initialize([]quran.AyahWords{ayahOf(1, 1, "alpha", "bravo", "charlie", "delta", "echo")})

	// "delta" is three words ahead of the cursor — outside the window, so
	// the word is ignored and the cursor stays put.
	if res := a.ProcessTranscription("delta"); res != nil {
		t.Fatalf("out-of-window word produced %+v, want nil", res)
	}
	if pos := a.CurrentPosition(); pos.WordIndex != 0 {
		t.Errorf("cursor moved to %d on ignored word, want 0", pos.WordIndex)
	}
}

func TestAligner_LookaheadDoesNotCrossAyahBoundary(t *testing.T) {
	t.Parallel()

	a := align.New()
	a.Initialize([]quran.AyahWords{
		ayahOf(1, 1, "alpha", "bravo"),
		ayahOf(1, 2, "charlie", "delta"),
	})

	if res := a.ProcessTranscription("alpha"); res == nil {
		t.Fatal("first word: no result")
	}

	// Cursor at (ayah 1, word 1). "charlie" starts ayah 2; lookahead must
	// not reach across the boundary.
	if res := a.ProcessTranscription("charlie"); res != nil {
		t.Fatalf("cross-ayah lookahead produced %+v, want nil", res)
	}
}

func TestAligner_RollsIntoNextAyah(t *testing.T) {
	t.Parallel()

	a := align.New()
	a.Initialize([]quran.AyahWords{
		ayahOf(1, 1, "alpha", "bravo"),
		ayahOf(1, 2, "charlie"),
	})

	a.ProcessTranscription("alpha")
	a.ProcessTranscription("bravo")

	pos := a.CurrentPosition()
	if pos.Ayah != 2 || pos.WordIndex != 0 {
		t.Errorf("position after ayah 1 = %d:%d, want 2:0", pos.Ayah, pos.WordIndex)
	}

	res := a.ProcessTranscription("charlie")
	if res == nil || res.Ayah != 2 || res.WordIndex != 0 {
		t.Fatalf("first word of ayah 2: got %+v, want match at 2:0", res)
	}
	if !a.IsComplete() {
		t.Error("IsComplete = false, want true")
	}
}

func TestAligner_FuzzyMatchClassification(t *testing.T) {
	t.Parallel()

	a := align.New()
	a.Initialize([]quran.AyahWords{ayahOf(1, 1, "bismillah")})

	// "bismilah" vs "bismillah": distance 1 over 9 runes ≈ 0.89 → Match.
	res := a.ProcessTranscription("bismilah")
	if res == nil || res.Kind != align.Match {
		t.Fatalf("got %+v, want exact Match above 0.70", res)
	}

	a.Initialize([]quran.AyahWords{ayahOf(1, 1, "qulhu")})
	// "qulxy" vs "qulhu": distance 2 over 5 → 0.60, between thresholds.
	res = a.ProcessTranscription("qulxy")
	if res == nil || res.Kind != align.FuzzyMatch {
		t.Fatalf("got %+v, want FuzzyMatch between 0.50 and 0.70", res)
	}
}

func TestAligner_ArabicScriptUsesArabicForms(t *testing.T) {
	t.Parallel()

	a := align.New()
	a.Initialize([]quran.AyahWords{ayahOf(1, 1, "الرحمن")})

	// Incoming Arabic with diacritics still matches the expected form.
	res := a.ProcessTranscription("الرَّحْمَن")
	if res == nil || res.Kind != align.Match {
		t.Fatalf("got %+v, want Match for diacritised Arabic input", res)
	}
}

func TestAligner_ResumeFromAyah(t *testing.T) {
	t.Parallel()

	a := align.New()
	a.Initialize([]quran.AyahWords{
		ayahOf(1, 1, "alpha", "bravo"),
		ayahOf(1, 2, "charlie", "delta"),
	})

	a.ProcessTranscription("alpha")

	a.ResumeFromAyah(2)
	pos := a.CurrentPosition()
	if pos.Ayah != 2 || pos.WordIndex != 0 {
		t.Errorf("after ResumeFromAyah(2): position %d:%d, want 2:0", pos.Ayah, pos.WordIndex)
	}

	// Unknown ayah falls back to a full reset.
	a.ResumeFromAyah(99)
	pos = a.CurrentPosition()
	if pos.Ayah != 1 || pos.WordIndex != 0 {
		t.Errorf("after ResumeFromAyah(99): position %d:%d, want 1:0", pos.Ayah, pos.WordIndex)
	}
}

func TestAligner_ResumeFromPositionClamps(t *testing.T) {
	t.Parallel()

	a := align.New()
	a.Initialize([]quran.AyahWords{ayahOf(1, 1, "alpha", "bravo", "charlie")})

	a.ResumeFromPosition(1, 99)
	if pos := a.CurrentPosition(); pos.WordIndex != 2 {
		t.Errorf("word index clamped to %d, want 2", pos.WordIndex)
	}

	a.ResumeFromPosition(1, -5)
	if pos := a.CurrentPosition(); pos.WordIndex != 0 {
		t.Errorf("negative word index clamped to %d, want 0", pos.WordIndex)
	}
}

func TestAligner_LenientDefaultIgnoresNoise(t *testing.T) {
	t.Parallel()

	a := align.New()
	a.Initialize([]quran.AyahWords{ayahOf(1, 1, "alpha", "bravo")})

	for range 5 {
		if res := a.ProcessTranscription("zzzzzz"); res != nil {
			t.Fatalf("lenient mode produced %+v for noise, want nil", res)
		}
	}
	if pos := a.CurrentPosition(); pos.WordIndex != 0 {
		t.Errorf("cursor moved to %d on noise, want 0", pos.WordIndex)
	}
}

func TestAligner_StrictModeEmitsMismatch(t *testing.T) {
	t.Parallel()

	a := align.New(align.WithStrictMode(3))
	a.Initialize([]quran.AyahWords{ayahOf(1, 1, "alpha", "bravo", "charlie", "delta")})

	if res := a.ProcessTranscription("zzzzzz"); res != nil {
		t.Fatalf("run 1: got %+v, want nil", res)
	}
	if res := a.ProcessTranscription("yyyyyy"); res != nil {
		t.Fatalf("run 2: got %+v, want nil", res)
	}
	res := a.ProcessTranscription("xxxxxx")
	if res == nil || res.Kind != align.Mismatch || res.MismatchKind != align.Incorrect {
		t.Fatalf("run 3: got %+v, want Mismatch/Incorrect", res)
	}
	// The cursor does not advance on a mismatch.
	if pos := a.CurrentPosition(); pos.WordIndex != 0 {
		t.Errorf("cursor moved to %d on mismatch, want 0", pos.WordIndex)
	}
}

func TestAligner_ReinitializeReuses(t *testing.T) {
	t.Parallel()

	a := align.New()
	a.Initialize([]quran.AyahWords{ayahOf(1, 1, "alpha")})
	a.ProcessTranscription("alpha")
	if !a.IsComplete() {
		t.Fatal("first session did not complete")
	}

	a.Initialize([]quran.AyahWords{ayahOf(1, 2, "bravo", "charlie")})
	if a.IsComplete() {
		t.Fatal("IsComplete = true right after re-Initialize")
	}
	if ratio, n := a.Accuracy(); ratio != 0 || n != 0 {
		t.Errorf("Accuracy after re-Initialize = %f/%d, want zeroes", ratio, n)
	}
}

func TestAligner_RemainingExpectedText(t *testing.T) {
	t.Parallel()

	a := align.New()
	a.Initialize([]quran.AyahWords{
		ayahOf(1, 1, "alpha", "bravo"),
		ayahOf(1, 2, "charlie", "delta"),
	})
	a.ProcessTranscription("alpha")

	if got := a.RemainingExpectedText(3); got != "bravo charlie delta" {
		t.Errorf("RemainingExpectedText(3) = %q, want %q", got, "bravo charlie delta")
	}
	if got := a.RemainingExpectedText(10); got != "bravo charlie delta" {
		t.Errorf("RemainingExpectedText(10) = %q, want %q", got, "bravo charlie delta")
	}
	if got := a.RemainingExpectedText(0); got != "" {
		t.Errorf("RemainingExpectedText(0) = %q, want empty", got)
	}
}

func TestAligner_Accuracy(t *testing.T) {
	t.Parallel()

	a := align.New()
	a.Initialize([]quran.AyahWords{ayahOf(1, 1, "alpha", "bravo", "charlie")})

	a.ProcessTranscription("alpha")
	a.ProcessTranscription("zzzzzz") // ignored noise, still processed
	a.ProcessTranscription("bravo")

	ratio, n := a.Accuracy()
	if n != 3 {
		t.Errorf("processed = %d, want 3", n)
	}
	if want := 2.0 / 3.0; ratio < want-1e-9 || ratio > want+1e-9 {
		t.Errorf("ratio = %f, want %f", ratio, want)
	}
}
