// Package mock provides a scriptable transcribe.Provider for tests.
package mock

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/hifzlab/tasmi/pkg/provider/transcribe"
)

// Compile-time interface assertion.
var _ transcribe.Provider = (*Provider)(nil)

// Provider is a test double. By default Start emits Ready and Stop emits one
// Completed carrying CompletedText; tests push intermediate events through
// the Emit helpers or override behavior with the function fields.
type Provider struct {
	// StartFunc, when set, replaces the default Start behavior.
	StartFunc func(ctx context.Context, contextHint string) error

	// StopFunc, when set, replaces the default Stop behavior.
	StopFunc func()

	// CompletedText is the Text of the default Stop's Completed event.
	CompletedText string

	emitter *transcribe.Emitter

	mu           sync.Mutex
	started      bool
	stopped      bool
	hints        []string
	frames       [][]byte
	base64Frames []string
	expected     []string
}

// New creates a mock Provider.
func New() *Provider {
	return &Provider{emitter: transcribe.NewEmitter(transcribe.DefaultEventBuffer)}
}

func (p *Provider) Start(ctx context.Context, contextHint string) error {
	p.mu.Lock()
	p.started = true
	p.hints = append(p.hints, contextHint)
	p.mu.Unlock()

	if p.StartFunc != nil {
		return p.StartFunc(ctx, contextHint)
	}
	p.emitter.Emit(transcribe.Event{Kind: transcribe.Ready})
	return nil
}

func (p *Provider) AddAudio(frame []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := make([]byte, len(frame))
	copy(buf, frame)
	p.frames = append(p.frames, buf)
}

// AddAudioBase64 records a pre-encoded frame. The decoded bytes land in
// Frames alongside raw AddAudio frames; the encoded form is kept for
// assertions via Base64Frames.
func (p *Provider) AddAudioBase64(frame string) {
	decoded, err := base64.StdEncoding.DecodeString(frame)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.base64Frames = append(p.base64Frames, frame)
	p.frames = append(p.frames, decoded)
}

func (p *Provider) UpdateExpectedText(remaining string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expected = append(p.expected, remaining)
}

func (p *Provider) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	if p.StopFunc != nil {
		p.StopFunc()
		return
	}
	p.emitter.Emit(transcribe.Event{Kind: transcribe.Completed, Text: p.CompletedText})
}

func (p *Provider) Events() <-chan transcribe.Event { return p.emitter.Events() }

// EmitTranscription pushes one delta-style Transcription event onto the
// stream.
func (p *Provider) EmitTranscription(text string) {
	p.emitter.Emit(transcribe.Event{Kind: transcribe.Transcription, Text: text})
}

// EmitUtterance pushes one utterance-final Transcription event onto the
// stream.
func (p *Provider) EmitUtterance(text string) {
	p.emitter.Emit(transcribe.Event{Kind: transcribe.Transcription, Text: text, Utterance: true})
}

// EmitError pushes one Error event onto the stream.
func (p *Provider) EmitError(message string) {
	p.emitter.Emit(transcribe.Event{Kind: transcribe.Error, Message: message})
}

// Emit pushes an arbitrary event onto the stream.
func (p *Provider) Emit(ev transcribe.Event) { p.emitter.Emit(ev) }

// Started reports whether Start has been called.
func (p *Provider) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Stopped reports whether Stop has been called.
func (p *Provider) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Frames returns the audio frames received so far.
func (p *Provider) Frames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.frames...)
}

// Base64Frames returns the pre-encoded frames received via AddAudioBase64.
func (p *Provider) Base64Frames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.base64Frames...)
}

// Hints returns the contextHint values passed to Start.
func (p *Provider) Hints() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.hints...)
}

// ExpectedTexts returns the values passed to UpdateExpectedText.
func (p *Provider) ExpectedTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.expected...)
}
