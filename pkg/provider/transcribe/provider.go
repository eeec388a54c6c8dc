// Package transcribe defines the Provider interface for streaming
// speech-transcription backends.
//
// A transcription provider wraps a remote recognition service (a chunked
// HTTP batch API, a persistent WebSocket with server-side VAD, or a
// recitation-specific protocol) behind one uniform event-driven contract:
// start and stop a session, feed audio frames, optionally update contextual
// hints, and consume a single stream of [Event] values. The composite dual
// provider holds two inner Providers and re-emits their events tagged with a
// typed [Source], so arbitrary N-way composition is possible without
// changing callers.
//
// Implementations must keep AddAudio non-blocking — internal buffering and
// network dispatch happen on the provider's own goroutines, never on the
// audio-delivery path.
package transcribe

import "context"

// Source identifies the backend that produced an event. Carried as a typed
// field rather than a text prefix so consumers never parse tags out of the
// transcription itself.
type Source string

const (
	SourceChunked  Source = "chunked"
	SourceRealtime Source = "realtime"
	SourceIqra     Source = "iqra"
)

// EventKind tags the variant of an [Event].
type EventKind int

const (
	// Ready signals the backend confirmed session availability.
	Ready EventKind = iota

	// Transcription carries incremental transcribed text in Text.
	Transcription

	// Completed carries the final transcription (possibly empty) in Text.
	// Exactly one Completed is emitted per Start/Stop pair once Stop has
	// been called and processing settles.
	Completed

	// Error carries a non-fatal or fatal failure message in Message.
	Error
)

// String returns the lower-case name of the event kind.
func (k EventKind) String() string {
	switch k {
	case Ready:
		return "ready"
	case Transcription:
		return "transcription"
	case Completed:
		return "completed"
	case Error:
		return "error"
	}
	return "unknown"
}

// Event is one item on a provider's event stream.
type Event struct {
	Kind EventKind

	// Text holds transcribed text for Transcription and Completed events.
	Text string

	// Utterance marks a Transcription whose Text is a complete utterance —
	// or, when Text is empty, the boundary closing a streamed one — rather
	// than a sub-word delta. Consumers appending Text to a running buffer
	// must insert word boundaries around utterance events; deltas are
	// appended verbatim.
	Utterance bool

	// Message holds the failure description for Error events.
	Message string

	// Source is set when the event passed through a composite provider.
	Source Source
}

// Provider is the abstraction over any transcription backend.
//
// The event stream contract: after Start, a Ready event is emitted once the
// backend confirms availability; zero or more Transcription events follow;
// after Stop, buffered audio is flushed and exactly one Completed event is
// emitted. Error events may appear at any point and are recoverable unless
// the implementation documents otherwise.
type Provider interface {
	// Start begins a session. contextHint conditions providers that support
	// prompting; others ignore it. Calling Start while a session is active
	// is a logged no-op — the session is not restarted.
	Start(ctx context.Context, contextHint string) error

	// AddAudio accepts one PCM16 frame. No-op if the session has not been
	// started. Never blocks the caller.
	AddAudio(frame []byte)

	// UpdateExpectedText replaces the contextual hint mid-session. Providers
	// without prompt conditioning accept and ignore it.
	UpdateExpectedText(remaining string)

	// Stop ends the session, flushing buffered-but-unsent audio first. A
	// final Completed event (possibly with empty text) is always emitted.
	Stop()

	// Events returns the provider's event stream.
	Events() <-chan Event
}
