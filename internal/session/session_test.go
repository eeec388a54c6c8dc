package session

import (
	"context"
	"encoding/base64"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/hifzlab/tasmi/internal/align"
	"github.com/hifzlab/tasmi/internal/observe"
	"github.com/hifzlab/tasmi/internal/quran"
	"github.com/hifzlab/tasmi/pkg/audio"
	"github.com/hifzlab/tasmi/pkg/provider/transcribe/mock"
)

// fakeDevice satisfies audio.CaptureDevice with silent frames at a gentle
// pace so the read loop never spins.
type fakeDevice struct {
	mu     sync.Mutex
	closed bool
}

func (d *fakeDevice) Open(sampleRate, channels, frameSamples int) error { return nil }

func (d *fakeDevice) Read(buf []byte) (int, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return 0, audio.ErrDeviceClosed
	}
	time.Sleep(5 * time.Millisecond)
	return len(buf), nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// highlightRecorder collects highlight callbacks thread-safely.
type highlightRecorder struct {
	mu   sync.Mutex
	got  []Highlight
	taps int
}

func (r *highlightRecorder) record(h Highlight) {
	r.mu.Lock()
	r.got = append(r.got, h)
	r.mu.Unlock()
}

func (r *highlightRecorder) haptic() {
	r.mu.Lock()
	r.taps++
	r.mu.Unlock()
}

func (r *highlightRecorder) correct() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var idx []int
	for _, h := range r.got {
		if h.Status == HighlightCorrect {
			idx = append(idx, h.WordIndex)
		}
	}
	return idx
}

func (r *highlightRecorder) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, h := range r.got {
		if h.Status == HighlightError {
			n++
		}
	}
	return n
}

func loadStore(t *testing.T) *quran.Store {
	t.Helper()
	store, err := quran.Load("../quran/testdata/quran.txt", "../quran/testdata/words.json")
	if err != nil {
		t.Fatalf("load store: %v", err)
	}
	return store
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func waitState(t *testing.T, states <-chan State, kind StateKind, timeout time.Duration) State {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case st := <-states:
			if st.Kind == kind {
				return st
			}
		case <-deadline:
			t.Fatalf("no %v state within %v", kind, timeout)
		}
	}
}

func newSession(t *testing.T, provider *mock.Provider, rec *highlightRecorder, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{
		WithMetrics(testMetrics(t)),
		WithHighlightFunc(rec.record),
		WithHapticFunc(rec.haptic),
	}, opts...)
	return New(loadStore(t), audio.NewStreamer(&fakeDevice{}), provider, opts...)
}

func TestSession_FullRecitation(t *testing.T) {
	t.Parallel()

	provider := mock.New()
	rec := &highlightRecorder{}
	s := newSession(t, provider, rec)

	if err := s.Start(context.Background(), quran.Selection{Surah: 1, StartAyah: 1, EndAyah: 1}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitState(t, s.States(), Connecting, time.Second)
	waitState(t, s.States(), Streaming, time.Second)

	// The full first ayah; the stabilizer seals all but the last word, which
	// the stop flush releases.
	provider.EmitTranscription("بسم الله الرحمن الرحيم")
	s.Stop()

	done := waitState(t, s.States(), Completed, 2*time.Second)
	if done.Accuracy != 1.0 {
		t.Errorf("accuracy = %v, want 1.0", done.Accuracy)
	}
	if done.ErrorCount != 0 {
		t.Errorf("error count = %d, want 0", done.ErrorCount)
	}

	if got := rec.correct(); len(got) != 4 {
		t.Errorf("correct highlights = %v, want all 4 word indices", got)
	}
	if frames := provider.Frames(); len(frames) == 0 {
		t.Error("no audio frames reached the provider")
	}
}

func TestSession_FramesReachProviderPreEncoded(t *testing.T) {
	t.Parallel()

	provider := mock.New()
	rec := &highlightRecorder{}
	s := newSession(t, provider, rec)

	if err := s.Start(context.Background(), quran.Selection{Surah: 1, StartAyah: 1, EndAyah: 1}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, s.States(), Streaming, time.Second)

	// The provider takes base64 frames, so the pump hands over the
	// streamer's precomputed encoding instead of the raw bytes.
	deadline := time.Now().Add(2 * time.Second)
	for len(provider.Base64Frames()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no pre-encoded frames reached the provider")
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.Stop()

	b64 := provider.Base64Frames()
	frames := provider.Frames()
	if len(b64) != len(frames) {
		t.Fatalf("%d base64 frames but %d raw frames; want every frame on the encoded path", len(b64), len(frames))
	}
	if want := base64.StdEncoding.EncodeToString(frames[0]); b64[0] != want {
		t.Errorf("first frame encoding = %q, want %q", b64[0], want)
	}
}

func TestSession_UtteranceBoundariesKeepWordsSeparate(t *testing.T) {
	t.Parallel()

	provider := mock.New()
	rec := &highlightRecorder{}
	s := newSession(t, provider, rec)

	if err := s.Start(context.Background(), quran.Selection{Surah: 1, StartAyah: 1, EndAyah: 1}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, s.States(), Streaming, time.Second)

	// The ayah split across two utterances. Without a boundary between them
	// the last word of the first and the first word of the second would
	// merge into one token and the real word would be skipped by lookahead.
	provider.EmitUtterance("بسم الله")
	provider.EmitUtterance("الرحمن الرحيم")
	s.Stop()

	done := waitState(t, s.States(), Completed, 2*time.Second)
	if done.Accuracy != 1.0 {
		t.Errorf("accuracy = %v, want 1.0", done.Accuracy)
	}
	want := []int{0, 1, 2, 3}
	deadline := time.Now().Add(time.Second)
	for !reflect.DeepEqual(rec.correct(), want) {
		if time.Now().After(deadline) {
			t.Fatalf("correct highlights = %v, want %v", rec.correct(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSession_StrictModeSurfacesMistake(t *testing.T) {
	t.Parallel()

	provider := mock.New()
	rec := &highlightRecorder{}
	s := newSession(t, provider, rec,
		WithAlignerOptions(align.WithStrictMode(1)))

	if err := s.Start(context.Background(), quran.Selection{Surah: 1, StartAyah: 1, EndAyah: 1}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, s.States(), Streaming, time.Second)

	// The first word matches nothing at the cursor or in the lookahead
	// window; it is released once the second word arrives.
	provider.EmitTranscription("قلم الله")

	st := waitState(t, s.States(), MistakeDetected, 2*time.Second)
	if st.Mistake == nil || st.Mistake.Kind != align.Mismatch {
		t.Fatalf("MistakeDetected state carries %+v", st.Mistake)
	}
	if st.Mistake.WordIndex != 0 {
		t.Errorf("mistake word index = %d, want 0", st.Mistake.WordIndex)
	}

	rec.mu.Lock()
	taps := rec.taps
	rec.mu.Unlock()
	if taps != 1 {
		t.Errorf("haptic triggered %d times, want 1", taps)
	}
	if rec.errorCount() != 1 {
		t.Errorf("error highlights = %d, want 1", rec.errorCount())
	}

	s.Stop()
	done := waitState(t, s.States(), Completed, 2*time.Second)
	if done.ErrorCount != 1 {
		t.Errorf("completed error count = %d, want 1", done.ErrorCount)
	}
}

func TestSession_ResumeFromMistakeRefreshesHint(t *testing.T) {
	t.Parallel()

	provider := mock.New()
	rec := &highlightRecorder{}
	s := newSession(t, provider, rec)

	if err := s.Start(context.Background(), quran.Selection{Surah: 1, StartAyah: 1, EndAyah: 2}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, s.States(), Streaming, time.Second)

	before := len(provider.ExpectedTexts())
	s.ResumeFromMistake()
	waitState(t, s.States(), Streaming, time.Second)

	if after := provider.ExpectedTexts(); len(after) != before+1 {
		t.Fatalf("expected-text updates = %d, want %d", len(after), before+1)
	}
	s.Stop()
}

func TestSession_ResetReturnsToStart(t *testing.T) {
	t.Parallel()

	provider := mock.New()
	rec := &highlightRecorder{}
	s := newSession(t, provider, rec)

	if err := s.Start(context.Background(), quran.Selection{Surah: 1, StartAyah: 1, EndAyah: 1}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, s.States(), Streaming, time.Second)

	provider.EmitTranscription("بسم الله")
	// One word sealed and matched; wait for its highlight.
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.correct()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first word never matched")
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.Reset()
	waitState(t, s.States(), Idle, time.Second)

	// After reset the cursor is back at word 0.
	provider.EmitTranscription("بسم الله")
	deadline = time.Now().Add(2 * time.Second)
	for {
		if idx := rec.correct(); len(idx) >= 2 && idx[len(idx)-1] == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("post-reset match not at word 0: %v", rec.correct())
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.Stop()
}

func TestSession_ProviderStartFailure(t *testing.T) {
	t.Parallel()

	provider := mock.New()
	provider.StartFunc = func(ctx context.Context, hint string) error {
		return errors.New("backend down")
	}
	rec := &highlightRecorder{}
	s := newSession(t, provider, rec)

	if err := s.Start(context.Background(), quran.Selection{Surah: 1, StartAyah: 1, EndAyah: 1}); err == nil {
		t.Fatal("Start succeeded with a failing provider")
	}
	waitState(t, s.States(), Error, time.Second)
}

func TestSession_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	provider := mock.New()
	rec := &highlightRecorder{}
	s := newSession(t, provider, rec)

	if err := s.Start(context.Background(), quran.Selection{Surah: 1, StartAyah: 1, EndAyah: 1}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, s.States(), Streaming, time.Second)

	s.Stop()
	s.Stop() // no-op
	waitState(t, s.States(), Completed, 2*time.Second)
}

func TestSession_StartWhileActiveIsNoOp(t *testing.T) {
	t.Parallel()

	provider := mock.New()
	rec := &highlightRecorder{}
	s := newSession(t, provider, rec)

	sel := quran.Selection{Surah: 1, StartAyah: 1, EndAyah: 1}
	if err := s.Start(context.Background(), sel); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background(), sel); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if hints := provider.Hints(); len(hints) != 1 {
		t.Errorf("provider started %d times, want 1", len(hints))
	}
	s.Stop()
}

func TestSession_UnknownSelectionFailsStart(t *testing.T) {
	t.Parallel()

	provider := mock.New()
	rec := &highlightRecorder{}
	s := newSession(t, provider, rec)

	if err := s.Start(context.Background(), quran.Selection{Surah: 2, StartAyah: 1, EndAyah: 1}); err == nil {
		t.Fatal("Start succeeded for a surah with no word data")
	}
	waitState(t, s.States(), Error, time.Second)
}
