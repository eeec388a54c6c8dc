// Package session orchestrates one recitation-verification pipeline:
// audio streamer → transcription provider → stabilizer → aligner.
//
// The Session owns the goroutines that move data between stages and surfaces
// a simplified state stream (Idle, Connecting, Streaming, MistakeDetected,
// Completed, Error) plus word-highlight and haptic callbacks for the UI
// layer. Control flows the other way: Start, Stop, Reset, and
// ResumeFromMistake reposition the pipeline without restructuring it.
//
// The stabilizer and aligner are not internally synchronised; the Session
// serialises all access to them behind one mutex, so the event-consumer
// goroutine and external resume/reset calls never interleave.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hifzlab/tasmi/internal/align"
	"github.com/hifzlab/tasmi/internal/observe"
	"github.com/hifzlab/tasmi/internal/quran"
	"github.com/hifzlab/tasmi/internal/stabilize"
	"github.com/hifzlab/tasmi/pkg/audio"
	"github.com/hifzlab/tasmi/pkg/provider/transcribe"
)

const (
	// defaultHintWords caps the expected-text prompt handed to
	// prompt-conditioned providers.
	defaultHintWords = 30

	// defaultHintInterval is how many matches pass between expected-text
	// refreshes pushed to the provider.
	defaultHintInterval = 5

	// stateBuffer is the state channel capacity. Overflow drops the oldest
	// state; consumers only care about the latest.
	stateBuffer = 16
)

// StateKind tags the variant of a [State].
type StateKind int

const (
	Idle StateKind = iota
	Connecting
	Streaming
	MistakeDetected
	Completed
	Error
)

// String returns the lower-case name of the state kind.
func (k StateKind) String() string {
	switch k {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case MistakeDetected:
		return "mistake_detected"
	case Completed:
		return "completed"
	case Error:
		return "error"
	}
	return "unknown"
}

// State is one item on the session's observable state stream.
type State struct {
	Kind StateKind

	// Mistake carries the alignment result for MistakeDetected states.
	Mistake *align.Result

	// Accuracy and ErrorCount are set on Completed states: the ratio of
	// matched to processed words and the number of detected mistakes.
	Accuracy   float64
	ErrorCount int

	// Message describes the failure for Error states.
	Message string
}

// HighlightStatus classifies a word-highlight event.
type HighlightStatus int

const (
	// HighlightCurrent marks the word the reciter is expected to say next.
	HighlightCurrent HighlightStatus = iota

	// HighlightCorrect marks a word confirmed by alignment.
	HighlightCorrect

	// HighlightError marks a word flagged as a mistake.
	HighlightError
)

// Highlight is one word-highlight event keyed by canonical position.
type Highlight struct {
	Surah     int
	Ayah      int
	WordIndex int
	Status    HighlightStatus
}

// Option configures a Session.
type Option func(*Session)

// WithHighlightFunc registers the word-highlight callback. Called from the
// session's event goroutine; keep it fast.
func WithHighlightFunc(fn func(Highlight)) Option {
	return func(s *Session) { s.highlightFn = fn }
}

// WithHapticFunc registers the mistake haptic trigger. Called from the
// session's event goroutine.
func WithHapticFunc(fn func()) Option {
	return func(s *Session) { s.hapticFn = fn }
}

// WithMetrics wires metric instruments into the session. Defaults to
// [observe.DefaultMetrics] when not set.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithAlignerOptions forwards options to the session's aligner.
func WithAlignerOptions(opts ...align.Option) Option {
	return func(s *Session) { s.aligner = align.New(opts...) }
}

// WithSealThreshold overrides the stabilizer's seal threshold. Default 1.
func WithSealThreshold(n int) Option {
	return func(s *Session) { s.stab = stabilize.New(n) }
}

// WithHintWords caps the expected-text prompt length in words. Default 30.
func WithHintWords(n int) Option {
	return func(s *Session) { s.hintWords = n }
}

// Session wires one recitation pipeline. Create with [New]; a Session is
// reusable across Start/Stop cycles.
type Session struct {
	store    *quran.Store
	streamer *audio.Streamer
	provider transcribe.Provider
	metrics  *observe.Metrics

	highlightFn func(Highlight)
	hapticFn    func()
	hintWords   int

	states chan State

	// alignMu serialises the stabilizer and aligner between the event
	// consumer goroutine and external resume/reset calls.
	alignMu sync.Mutex
	aligner *align.Aligner
	stab    *stabilize.Stabilizer

	mu               sync.Mutex
	active           bool
	cancel           context.CancelFunc
	group            *errgroup.Group
	mistakes         int
	matchesSinceHint int
	completedSent    bool
}

// New creates a Session over the given store, streamer, and provider.
func New(store *quran.Store, streamer *audio.Streamer, provider transcribe.Provider, opts ...Option) *Session {
	s := &Session{
		store:     store,
		streamer:  streamer,
		provider:  provider,
		aligner:   align.New(),
		stab:      stabilize.New(stabilize.DefaultSealThreshold),
		hintWords: defaultHintWords,
		states:    make(chan State, stateBuffer),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// States returns the session's observable state stream.
func (s *Session) States() <-chan State { return s.states }

// Start begins a recitation session over the given selection. Calling Start
// while a session is active is a logged no-op.
func (s *Session) Start(ctx context.Context, sel quran.Selection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		slog.Info("session already started")
		return nil
	}

	s.emitState(State{Kind: Connecting})

	seq, err := s.store.Sequence(sel)
	if err != nil {
		err = fmt.Errorf("session: build sequence: %w", err)
		s.emitState(State{Kind: Error, Message: err.Error()})
		return err
	}

	s.alignMu.Lock()
	s.aligner.Initialize(seq)
	s.stab.Reset()
	hint := s.aligner.RemainingExpectedText(s.hintWords)
	s.alignMu.Unlock()
	s.mistakes = 0
	s.completedSent = false

	sessCtx, cancel := context.WithCancel(ctx)

	if err := s.provider.Start(sessCtx, hint); err != nil {
		cancel()
		err = fmt.Errorf("session: start provider: %w", err)
		s.emitState(State{Kind: Error, Message: err.Error()})
		return err
	}
	if err := s.streamer.Start(sessCtx); err != nil {
		s.provider.Stop()
		cancel()
		err = fmt.Errorf("session: start streamer: %w", err)
		s.emitState(State{Kind: Error, Message: err.Error()})
		return err
	}

	g, gctx := errgroup.WithContext(sessCtx)
	g.Go(func() error { return s.pumpAudio(gctx) })
	g.Go(func() error {
		// Once the provider's Completed settles the session, cancel the
		// session context so the pump and watcher drain too.
		defer cancel()
		return s.consumeEvents(gctx)
	})
	g.Go(func() error { return s.watchStreamer(gctx) })

	s.cancel = cancel
	s.group = g
	s.active = true
	s.metrics.ActiveSessions.Add(sessCtx, 1)
	return nil
}

// Stop ends the session: the provider flushes and settles, the capture
// device is released, and the pipeline goroutines drain. Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		slog.Info("session already stopped")
		return
	}
	s.active = false
	cancel, group := s.cancel, s.group
	s.mu.Unlock()

	s.streamer.Stop()
	s.provider.Stop()

	if err := group.Wait(); err != nil {
		slog.Warn("session pipeline ended with error", "err", err)
	}
	cancel()
	s.metrics.ActiveSessions.Add(context.Background(), -1)
}

// Reset returns the aligner and stabilizer to the start of the selection and
// clears mistake tracking. The session itself stays in whatever run state it
// is in; an Idle state is surfaced so the UI can clear highlights.
func (s *Session) Reset() {
	s.alignMu.Lock()
	s.aligner.Reset()
	s.stab.Reset()
	s.alignMu.Unlock()

	s.mu.Lock()
	s.mistakes = 0
	s.completedSent = false
	s.mu.Unlock()

	s.emitState(State{Kind: Idle})
}

// ResumeFromMistake repositions the aligner at the start of the current ayah,
// clears its error tracking, resets the stabilizer, and pushes a fresh
// expected-text hint to the provider.
func (s *Session) ResumeFromMistake() {
	s.alignMu.Lock()
	pos := s.aligner.CurrentPosition()
	s.aligner.ResumeFromAyah(pos.Ayah)
	s.stab.Reset()
	hint := s.aligner.RemainingExpectedText(s.hintWords)
	s.alignMu.Unlock()

	s.provider.UpdateExpectedText(hint)
	s.emitState(State{Kind: Streaming})
}

// base64Adder is implemented by providers with a JSON transport, which can
// take the streamer's precomputed base64 view directly instead of re-encoding
// the raw bytes.
type base64Adder interface {
	AddAudioBase64(frame string)
}

// pumpAudio moves captured frames into the provider until the streamer's
// frame channel closes or the session context ends. Each frame is handed over
// in whichever representation the provider transports.
func (s *Session) pumpAudio(ctx context.Context) error {
	frames := s.streamer.Frames()
	b64, useBase64 := s.provider.(base64Adder)
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if useBase64 {
				b64.AddAudioBase64(frame.Base64)
			} else {
				s.provider.AddAudio(frame.Data)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// watchStreamer surfaces a device failure as a fatal session error.
func (s *Session) watchStreamer(ctx context.Context) error {
	select {
	case err, ok := <-s.streamer.Errors():
		if !ok || err == nil {
			return nil
		}
		s.emitState(State{Kind: Error, Message: err.Error()})
		return err
	case <-ctx.Done():
		return nil
	}
}

// consumeEvents drives the stabilizer and aligner from the provider's event
// stream. Returns after the provider's Completed event settles the session.
func (s *Session) consumeEvents(ctx context.Context) error {
	events := s.provider.Events()
	for {
		select {
		case ev := <-events:
			if done := s.handleEvent(ctx, ev); done {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// handleEvent processes one provider event; reports true on the terminal
// Completed event.
func (s *Session) handleEvent(ctx context.Context, ev transcribe.Event) bool {
	switch ev.Kind {
	case transcribe.Ready:
		s.emitState(State{Kind: Streaming})

	case transcribe.Transcription:
		text := ev.Text
		if ev.Utterance {
			// Utterance texts are word-bounded; without the padding the last
			// word of one utterance would glue onto the first word of the
			// next inside the stabilizer's accumulator.
			text = " " + text + " "
		}
		s.alignMu.Lock()
		words := s.stab.AddDelta(text)
		s.alignMu.Unlock()
		for _, w := range words {
			s.applyWord(ctx, w)
		}

	case transcribe.Error:
		// Transient by contract: the session continues. Fatal device errors
		// arrive through the streamer's error channel instead.
		slog.Warn("provider error", "source", ev.Source, "message", ev.Message)
		s.metrics.RecordProviderError(ctx, string(ev.Source))

	case transcribe.Completed:
		s.alignMu.Lock()
		words := s.stab.Flush()
		s.alignMu.Unlock()
		for _, w := range words {
			s.applyWord(ctx, w)
		}
		s.emitCompleted()
		return true
	}
	return false
}

// applyWord runs one stabilized word through the aligner and fans out the
// side effects: highlights, haptics, state changes, and metrics.
func (s *Session) applyWord(ctx context.Context, word string) {
	s.alignMu.Lock()
	res := s.aligner.ProcessTranscription(word)
	pos := s.aligner.CurrentPosition()
	complete := s.aligner.IsComplete()
	var hint string
	if res != nil && res.Kind != align.Mismatch && !complete {
		hint = s.aligner.RemainingExpectedText(s.hintWords)
	}
	s.alignMu.Unlock()

	if res == nil {
		s.metrics.RecordWordAligned(ctx, "ignored")
		return
	}

	switch res.Kind {
	case align.Match, align.FuzzyMatch:
		if res.Kind == align.Match {
			s.metrics.RecordWordAligned(ctx, "match")
		} else {
			s.metrics.RecordWordAligned(ctx, "fuzzy")
		}
		s.highlight(Highlight{Surah: res.Surah, Ayah: res.Ayah, WordIndex: res.WordIndex, Status: HighlightCorrect})
		if !complete {
			s.highlight(Highlight{Surah: pos.Surah, Ayah: pos.Ayah, WordIndex: pos.WordIndex, Status: HighlightCurrent})
			s.maybeRefreshHint(hint)
		}

	case align.Mismatch:
		s.metrics.RecordWordAligned(ctx, "mismatch")
		s.mu.Lock()
		s.mistakes++
		s.mu.Unlock()
		s.highlight(Highlight{Surah: res.Surah, Ayah: res.Ayah, WordIndex: res.WordIndex, Status: HighlightError})
		if s.hapticFn != nil {
			s.hapticFn()
		}
		s.emitState(State{Kind: MistakeDetected, Mistake: res})
	}

	if complete {
		s.emitCompleted()
	}
}

// maybeRefreshHint pushes a fresh expected-text hint to the provider after
// every defaultHintInterval matches.
func (s *Session) maybeRefreshHint(hint string) {
	s.mu.Lock()
	s.matchesSinceHint++
	refresh := s.matchesSinceHint >= defaultHintInterval
	if refresh {
		s.matchesSinceHint = 0
	}
	s.mu.Unlock()

	if refresh && hint != "" {
		s.provider.UpdateExpectedText(hint)
	}
}

// emitCompleted surfaces the session's single Completed state with the final
// accuracy summary.
func (s *Session) emitCompleted() {
	s.mu.Lock()
	if s.completedSent {
		s.mu.Unlock()
		return
	}
	s.completedSent = true
	mistakes := s.mistakes
	s.mu.Unlock()

	s.alignMu.Lock()
	ratio, processed := s.aligner.Accuracy()
	s.alignMu.Unlock()

	slog.Info("session completed", "accuracy", ratio, "words", processed, "mistakes", mistakes)
	s.emitState(State{Kind: Completed, Accuracy: ratio, ErrorCount: mistakes})
}

// highlight invokes the highlight callback when one is registered.
func (s *Session) highlight(h Highlight) {
	if s.highlightFn != nil {
		s.highlightFn(h)
	}
}

// emitState queues one state, dropping the oldest queued state on overflow —
// consumers only ever need the most recent states.
func (s *Session) emitState(st State) {
	select {
	case s.states <- st:
		return
	default:
	}
	select {
	case <-s.states:
	default:
	}
	select {
	case s.states <- st:
	default:
	}
}
