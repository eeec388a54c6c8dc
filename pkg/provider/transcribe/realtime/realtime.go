// Package realtime provides a transcription provider over a persistent
// bidirectional WebSocket with server-side voice activity detection
// (OpenAI Realtime transcription protocol).
//
// One long-lived connection carries the whole session. Immediately after
// dialing, a session-configuration message is sent with the audio format, the
// model, and a natural-language prompt built from the expected recitation
// text; the backend's own VAD segments speech, so no local silence filtering
// happens here. Each utterance surfaces exactly once: incremental deltas are
// forwarded as they stream, and the per-utterance final either carries the
// whole transcript (when no deltas arrived) or collapses to an empty
// utterance-boundary event.
//
// Reconnection is deliberately not automatic: a connection failure resets the
// ready flag and emits an Error, and the orchestrator decides whether to
// start a fresh session.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/hifzlab/tasmi/pkg/provider/transcribe"
)

const (
	defaultBaseURL  = "wss://api.openai.com/v1/realtime"
	defaultModel    = "gpt-4o-transcribe"
	defaultLanguage = "ar"

	// fallbackPrompt conditions the model when no expected text is known yet.
	fallbackPrompt = "The speaker is reciting the Quran in Arabic."

	dialTimeout = 15 * time.Second

	// stopSettle bounds how long Stop waits for the server to deliver the
	// final transcription after the input buffer is committed.
	stopSettle = 2 * time.Second
)

// Compile-time interface assertion.
var _ transcribe.Provider = (*Provider)(nil)

// VADConfig carries the server-side voice activity detection parameters sent
// in the session configuration message.
type VADConfig struct {
	Threshold         float64
	PrefixPaddingMs   int
	SilenceDurationMs int
}

// defaultVAD mirrors the server defaults; explicit so they appear in the
// session config message.
var defaultVAD = VADConfig{Threshold: 0.5, PrefixPaddingMs: 300, SilenceDurationMs: 500}

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the transcription model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the transcription language code. Defaults to "ar".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithBaseURL overrides the WebSocket endpoint. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) { p.baseURL = baseURL }
}

// WithVAD overrides the server VAD parameters.
func WithVAD(cfg VADConfig) Option {
	return func(p *Provider) { p.vad = cfg }
}

// Provider implements transcribe.Provider over the realtime WebSocket
// protocol.
type Provider struct {
	apiKey   string
	model    string
	language string
	baseURL  string
	vad      VADConfig

	emitter *transcribe.Emitter

	mu   sync.Mutex
	sess *session
}

// New creates a realtime Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("realtime: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		baseURL:  defaultBaseURL,
		vad:      defaultVAD,
		emitter:  transcribe.NewEmitter(transcribe.DefaultEventBuffer),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Events returns the provider's event stream.
func (p *Provider) Events() <-chan transcribe.Event { return p.emitter.Events() }

// Start dials the backend and sends the session-configuration message.
// Ready is emitted once the server acknowledges the session. Calling Start
// while a session is active is a logged no-op.
func (p *Provider) Start(ctx context.Context, contextHint string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sess != nil {
		slog.Info("realtime provider already started")
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, p.baseURL+"?intent=transcription", &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		err = fmt.Errorf("realtime: dial: %w", err)
		p.emitter.Emit(transcribe.Event{Kind: transcribe.Error, Message: err.Error()})
		return err
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		conn:    conn,
		emitter: p.emitter,
		ctx:     sessCtx,
		cancel:  sessCancel,
		outbox:  make(chan []byte, 256),
		settled: make(chan struct{}),
	}

	if err := s.sendSessionConfig(p.model, p.language, prompt(contextHint), p.vad); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session config failed")
		err = fmt.Errorf("realtime: session config: %w", err)
		p.emitter.Emit(transcribe.Event{Kind: transcribe.Error, Message: err.Error()})
		return err
	}

	go s.readLoop()
	go s.writeLoop()

	p.sess = s
	return nil
}

// AddAudio queues one raw frame for the write loop, base64-encoding it for
// the JSON transport. Never blocks: when the outbox is full the frame is
// dropped. No-op if not started.
func (p *Provider) AddAudio(frame []byte) {
	p.enqueueAudio(base64.StdEncoding.EncodeToString(frame))
}

// AddAudioBase64 queues one frame that is already base64-encoded, so capture
// paths that carry both representations skip the re-encode. Same non-blocking
// contract as AddAudio.
func (p *Provider) AddAudioBase64(frame string) {
	p.enqueueAudio(frame)
}

func (p *Provider) enqueueAudio(encoded string) {
	p.mu.Lock()
	s := p.sess
	p.mu.Unlock()
	if s == nil {
		return
	}

	msg, err := json.Marshal(clientEvent{
		Type:  "input_audio_buffer.append",
		Audio: encoded,
	})
	if err != nil {
		return
	}
	select {
	case s.outbox <- msg:
	default:
		slog.Debug("realtime outbox full, dropping frame")
	}
}

// UpdateExpectedText sends a fresh session-configuration message carrying a
// prompt built from the remaining expected text.
func (p *Provider) UpdateExpectedText(remaining string) {
	p.mu.Lock()
	s := p.sess
	p.mu.Unlock()
	if s == nil {
		return
	}
	if err := s.sendPromptUpdate(prompt(remaining)); err != nil {
		slog.Warn("realtime prompt update failed", "err", err)
	}
}

// Stop commits the input buffer, waits briefly for the final transcription,
// emits exactly one Completed event, and tears the connection down.
func (p *Provider) Stop() {
	p.mu.Lock()
	s := p.sess
	p.sess = nil
	p.mu.Unlock()

	if s == nil {
		slog.Info("realtime provider already stopped")
		return
	}
	s.stop()
}

// prompt builds the natural-language conditioning prompt from expected text,
// falling back to a generic recitation prompt.
func prompt(expected string) string {
	expected = strings.TrimSpace(expected)
	if expected == "" {
		return fallbackPrompt
	}
	return "The speaker is reciting the Quran. Expected text: " + expected
}

// ── wire protocol ──────────────────────────────────────────────────────────

// clientEvent is the superset of client→server messages.
type clientEvent struct {
	Type    string         `json:"type"`
	Audio   string         `json:"audio,omitempty"`
	Session *sessionParams `json:"session,omitempty"`
}

type sessionParams struct {
	InputAudioFormat string             `json:"input_audio_format"`
	Transcription    transcriptionModel `json:"input_audio_transcription"`
	TurnDetection    turnDetection      `json:"turn_detection"`
}

type transcriptionModel struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// serverEvent is the superset of server→client messages, dispatched on the
// Type suffix.
type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────

type session struct {
	conn    *websocket.Conn
	emitter *transcribe.Emitter
	ctx     context.Context
	cancel  context.CancelFunc
	outbox  chan []byte

	// ready flips when the server acknowledges the session configuration
	// and is reset on any connection failure so a stale session is never
	// treated as configured.
	readyMu sync.Mutex
	ready   bool

	// finals accumulates per-utterance transcripts for the Completed event.
	// deltaSeen tracks whether the current utterance already surfaced as
	// delta events, so the final transcript is not emitted a second time.
	finalsMu  sync.Mutex
	finals    []string
	deltaSeen bool

	// settled closes when the read loop exits, bounding Stop's wait.
	settled chan struct{}

	stopOnce sync.Once
}

func (s *session) sendSessionConfig(model, language, promptText string, vad VADConfig) error {
	msg, err := json.Marshal(clientEvent{
		Type: "transcription_session.update",
		Session: &sessionParams{
			InputAudioFormat: "pcm16",
			Transcription:    transcriptionModel{Model: model, Language: language, Prompt: promptText},
			TurnDetection: turnDetection{
				Type:              "server_vad",
				Threshold:         vad.Threshold,
				PrefixPaddingMs:   vad.PrefixPaddingMs,
				SilenceDurationMs: vad.SilenceDurationMs,
			},
		},
	})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(s.ctx, dialTimeout)
	defer cancel()
	return s.conn.Write(writeCtx, websocket.MessageText, msg)
}

func (s *session) sendPromptUpdate(promptText string) error {
	msg, err := json.Marshal(clientEvent{
		Type: "transcription_session.update",
		Session: &sessionParams{
			InputAudioFormat: "pcm16",
			Transcription:    transcriptionModel{Prompt: promptText},
			TurnDetection: turnDetection{
				Type:              "server_vad",
				Threshold:         defaultVAD.Threshold,
				PrefixPaddingMs:   defaultVAD.PrefixPaddingMs,
				SilenceDurationMs: defaultVAD.SilenceDurationMs,
			},
		},
	})
	if err != nil {
		return err
	}
	select {
	case s.outbox <- msg:
		return nil
	default:
		return errors.New("outbox full")
	}
}

// writeLoop drains the outbox onto the connection until cancellation.
func (s *session) writeLoop() {
	for {
		select {
		case msg := <-s.outbox:
			if err := s.conn.Write(s.ctx, websocket.MessageText, msg); err != nil {
				s.setReady(false)
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// readLoop dispatches server events until the connection drops or the
// session is cancelled.
func (s *session) readLoop() {
	defer close(s.settled)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.setReady(false)
			if s.ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.emitter.Emit(transcribe.Event{
					Kind:    transcribe.Error,
					Message: fmt.Sprintf("realtime: connection: %v", err),
				})
			}
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("realtime: malformed server message dropped", "err", err)
			continue
		}
		s.dispatch(ev)
	}
}

// dispatch translates one protocol event into the uniform event contract.
func (s *session) dispatch(ev serverEvent) {
	switch {
	case strings.HasSuffix(ev.Type, "session.created"), strings.HasSuffix(ev.Type, "session.updated"):
		if s.markReadyOnce() {
			s.emitter.Emit(transcribe.Event{Kind: transcribe.Ready})
		}

	case strings.HasSuffix(ev.Type, ".delta"):
		if ev.Delta != "" {
			s.finalsMu.Lock()
			s.deltaSeen = true
			s.finalsMu.Unlock()
			s.emitter.Emit(transcribe.Event{Kind: transcribe.Transcription, Text: ev.Delta})
		}

	case strings.HasSuffix(ev.Type, "transcription.completed"):
		if ev.Transcript != "" {
			s.finalsMu.Lock()
			s.finals = append(s.finals, ev.Transcript)
			streamed := s.deltaSeen
			s.deltaSeen = false
			s.finalsMu.Unlock()

			// Each utterance surfaces exactly once. When its deltas were
			// already forwarded, the final collapses to an empty utterance
			// boundary; otherwise the full transcript is the utterance.
			text := ev.Transcript
			if streamed {
				text = ""
			}
			s.emitter.Emit(transcribe.Event{Kind: transcribe.Transcription, Text: text, Utterance: true})
		}

	case strings.HasSuffix(ev.Type, "speech_started"):
		slog.Debug("realtime: speech started")

	case strings.HasSuffix(ev.Type, "speech_stopped"):
		slog.Debug("realtime: speech stopped")

	case ev.Type == "error":
		msg := "unknown server error"
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		s.emitter.Emit(transcribe.Event{Kind: transcribe.Error, Message: msg})
	}
}

// stop commits pending audio, waits for the server to settle, and emits the
// session's single Completed event.
func (s *session) stop() {
	s.stopOnce.Do(func() {
		// The commit goes through the outbox so it never races the write
		// loop on the connection.
		if commit, err := json.Marshal(clientEvent{Type: "input_audio_buffer.commit"}); err == nil {
			select {
			case s.outbox <- commit:
			case <-time.After(time.Second):
			}
		}

		select {
		case <-s.settled:
		case <-time.After(stopSettle):
		}

		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session stopped")

		s.finalsMu.Lock()
		text := strings.Join(s.finals, " ")
		s.finalsMu.Unlock()
		s.emitter.Emit(transcribe.Event{Kind: transcribe.Completed, Text: text})
	})
}

func (s *session) setReady(ready bool) {
	s.readyMu.Lock()
	s.ready = ready
	s.readyMu.Unlock()
}

// markReadyOnce flips ready and reports whether it was previously unset, so
// Ready is emitted once per acknowledged configuration.
func (s *session) markReadyOnce() bool {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	if s.ready {
		return false
	}
	s.ready = true
	return true
}
