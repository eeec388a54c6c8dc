package transcribe

import "log/slog"

// DefaultEventBuffer is the event channel capacity used by the built-in
// providers.
const DefaultEventBuffer = 64

// Emitter is a bounded single-producer event stream with drop-oldest
// overflow. Late transcription events are stale by definition, so when the
// consumer falls behind, the oldest queued event is discarded rather than
// blocking the provider's network goroutines.
//
// Emit may be called from multiple goroutines; drop-oldest is best-effort
// under contention.
type Emitter struct {
	ch chan Event
}

// NewEmitter creates an Emitter with the given channel capacity.
func NewEmitter(buffer int) *Emitter {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	return &Emitter{ch: make(chan Event, buffer)}
}

// Events returns the read side of the stream.
func (e *Emitter) Events() <-chan Event { return e.ch }

// Emit queues ev, dropping the oldest queued event if the buffer is full.
func (e *Emitter) Emit(ev Event) {
	select {
	case e.ch <- ev:
		return
	default:
	}

	select {
	case dropped := <-e.ch:
		slog.Debug("event buffer full, dropping oldest", "dropped_kind", dropped.Kind.String())
	default:
	}
	select {
	case e.ch <- ev:
	default:
	}
}
