// Package dual provides a composite transcription provider that drives two
// backends in parallel.
//
// Audio fans out to both inner providers; their event streams merge into one,
// each event tagged with the typed Source of the backend that produced it so
// downstream consumers can weigh, say, a recitation-tuned result against a
// general-purpose one. Ready is forwarded once per session (whichever backend
// confirms first), and the composite emits exactly one Completed after both
// backends settle — carrying the primary's final text, with the secondary's
// as a fallback when the primary produced nothing.
//
// One backend failing to start is degraded operation, not session failure:
// the error surfaces on the event stream and the session continues on the
// surviving backend.
package dual

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hifzlab/tasmi/pkg/provider/transcribe"
)

// Compile-time interface assertion.
var _ transcribe.Provider = (*Provider)(nil)

// Inner pairs a backend with the Source tag stamped on its events.
type Inner struct {
	Provider transcribe.Provider
	Source   transcribe.Source
}

// Provider implements transcribe.Provider over two inner backends.
type Provider struct {
	primary   Inner
	secondary Inner

	emitter *transcribe.Emitter

	mu sync.Mutex
	// started tracks which inner providers' Start succeeded this session;
	// only those are stopped, and the composite Completed fires when each
	// has delivered its own Completed.
	started       map[transcribe.Source]bool
	completedSeen int
	readySent     bool
	active        bool
	finalPrimary  string
	finalFallback string

	forwardOnce sync.Once
}

// New creates a dual Provider from a primary and a secondary backend.
func New(primary, secondary Inner) *Provider {
	return &Provider{
		primary:   primary,
		secondary: secondary,
		emitter:   transcribe.NewEmitter(2 * transcribe.DefaultEventBuffer),
	}
}

// Events returns the merged event stream.
func (p *Provider) Events() <-chan transcribe.Event { return p.emitter.Events() }

// Start begins a session on both backends. It fails only when neither
// backend starts; a single failure is emitted as an Error event and the
// session continues degraded. Calling Start while active is a logged no-op.
func (p *Provider) Start(ctx context.Context, contextHint string) error {
	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		slog.Info("dual provider already started")
		return nil
	}
	p.active = true
	p.started = make(map[transcribe.Source]bool, 2)
	p.completedSeen = 0
	p.readySent = false
	p.finalPrimary = ""
	p.finalFallback = ""
	p.mu.Unlock()

	p.forwardOnce.Do(func() {
		go p.forward(p.primary)
		go p.forward(p.secondary)
	})

	var firstErr error
	for _, inner := range []Inner{p.primary, p.secondary} {
		if err := inner.Provider.Start(ctx, contextHint); err != nil {
			slog.Warn("inner provider failed to start", "source", inner.Source, "err", err)
			p.emitter.Emit(transcribe.Event{
				Kind:    transcribe.Error,
				Message: fmt.Sprintf("%s failed to start: %v", inner.Source, err),
				Source:  inner.Source,
			})
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		p.mu.Lock()
		p.started[inner.Source] = true
		p.mu.Unlock()
	}

	p.mu.Lock()
	started := len(p.started)
	if started == 0 {
		p.active = false
	}
	p.mu.Unlock()

	if started == 0 {
		return fmt.Errorf("dual: no backend started: %w", firstErr)
	}
	return nil
}

// AddAudio fans one frame out to both backends.
func (p *Provider) AddAudio(frame []byte) {
	p.primary.Provider.AddAudio(frame)
	p.secondary.Provider.AddAudio(frame)
}

// UpdateExpectedText fans the new hint out to both backends.
func (p *Provider) UpdateExpectedText(remaining string) {
	p.primary.Provider.UpdateExpectedText(remaining)
	p.secondary.Provider.UpdateExpectedText(remaining)
}

// Stop ends the session on both backends. The composite Completed follows
// once every backend that started has delivered its own.
func (p *Provider) Stop() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		slog.Info("dual provider already stopped")
		return
	}
	stopPrimary := p.started[p.primary.Source]
	stopSecondary := p.started[p.secondary.Source]
	p.mu.Unlock()

	if stopPrimary {
		p.primary.Provider.Stop()
	}
	if stopSecondary {
		p.secondary.Provider.Stop()
	}
}

// forward relays one inner provider's events onto the merged stream for the
// provider's lifetime, stamping each with the inner's Source.
func (p *Provider) forward(inner Inner) {
	for ev := range inner.Provider.Events() {
		ev.Source = inner.Source
		switch ev.Kind {
		case transcribe.Ready:
			if p.markReady() {
				p.emitter.Emit(ev)
			}
		case transcribe.Completed:
			if done, text := p.recordCompleted(inner.Source, ev.Text); done {
				p.emitter.Emit(transcribe.Event{Kind: transcribe.Completed, Text: text, Source: inner.Source})
			}
		default:
			p.emitter.Emit(ev)
		}
	}
}

// markReady reports whether this is the session's first Ready.
func (p *Provider) markReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readySent {
		return false
	}
	p.readySent = true
	return true
}

// recordCompleted tracks inner Completed events and reports when the last
// one has arrived, returning the session's final text: the primary's when it
// produced anything, else the secondary's.
func (p *Provider) recordCompleted(source transcribe.Source, text string) (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started[source] {
		// A backend that never started this session still settles itself
		// when stopped directly; its Completed is not ours to count.
		return false, ""
	}
	if source == p.primary.Source {
		p.finalPrimary = text
	} else {
		p.finalFallback = text
	}
	p.completedSeen++
	if p.completedSeen < len(p.started) {
		return false, ""
	}

	p.active = false
	final := p.finalPrimary
	if final == "" {
		final = p.finalFallback
	}
	return true, final
}
