// Package iqra provides a transcription provider for a recitation-aware
// WebSocket service.
//
// Unlike generic speech backends, the service knows the expected passage by
// position: a start message names the surah and verse range, audio streams as
// raw binary frames, and a stop message ends the utterance. Server replies
// are JSON status messages (ready, processing, complete, error) carrying
// word-level recognition results tuned for Quranic Arabic.
package iqra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/hifzlab/tasmi/pkg/provider/transcribe"
)

const (
	dialTimeout = 15 * time.Second

	// stopSettle bounds how long Stop waits for the server's complete
	// message after the stop action is sent.
	stopSettle = 3 * time.Second
)

// Compile-time interface assertion.
var _ transcribe.Provider = (*Provider)(nil)

// Passage identifies the expected recitation range by position.
type Passage struct {
	SurahID    int
	VerseStart int
	VerseEnd   int
}

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithPassage sets the surah and verse range announced in the start message.
func WithPassage(p Passage) Option {
	return func(pr *Provider) { pr.passage = p }
}

// Provider implements transcribe.Provider over the recitation WebSocket
// protocol.
type Provider struct {
	baseURL string
	passage Passage

	emitter *transcribe.Emitter

	mu   sync.Mutex
	sess *session
}

// New creates an iqra Provider pointed at baseURL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("iqra: baseURL must not be empty")
	}
	p := &Provider{
		baseURL: baseURL,
		emitter: transcribe.NewEmitter(transcribe.DefaultEventBuffer),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Events returns the provider's event stream.
func (p *Provider) Events() <-chan transcribe.Event { return p.emitter.Events() }

// SetPassage replaces the announced verse range. Takes effect on the next
// Start; the protocol has no mid-session reposition message.
func (p *Provider) SetPassage(passage Passage) {
	p.mu.Lock()
	p.passage = passage
	p.mu.Unlock()
}

// Start dials the service and announces the passage. Ready is emitted when
// the server acknowledges with a ready status. Calling Start while a session
// is active is a logged no-op.
func (p *Provider) Start(ctx context.Context, contextHint string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sess != nil {
		slog.Info("iqra provider already started")
		return nil
	}
	_ = contextHint // the passage is announced by position, not text
	if p.passage.SurahID == 0 {
		return errors.New("iqra: passage not set")
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, p.baseURL, nil)
	if err != nil {
		err = fmt.Errorf("iqra: dial: %w", err)
		p.emitter.Emit(transcribe.Event{Kind: transcribe.Error, Message: err.Error()})
		return err
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		conn:    conn,
		emitter: p.emitter,
		ctx:     sessCtx,
		cancel:  sessCancel,
		outbox:  make(chan outMessage, 256),
		settled: make(chan struct{}),
	}

	start, err := json.Marshal(startAction{
		Action:     "start",
		SurahID:    p.passage.SurahID,
		VerseStart: p.passage.VerseStart,
		VerseEnd:   p.passage.VerseEnd,
	})
	if err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "start message failed")
		return fmt.Errorf("iqra: start message: %w", err)
	}
	if err := conn.Write(dialCtx, websocket.MessageText, start); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "start message failed")
		err = fmt.Errorf("iqra: start message: %w", err)
		p.emitter.Emit(transcribe.Event{Kind: transcribe.Error, Message: err.Error()})
		return err
	}

	go s.readLoop()
	go s.writeLoop()

	p.sess = s
	return nil
}

// AddAudio queues one raw binary frame for the write loop. Never blocks:
// when the outbox is full the frame is dropped. No-op if not started.
func (p *Provider) AddAudio(frame []byte) {
	p.mu.Lock()
	s := p.sess
	p.mu.Unlock()
	if s == nil {
		return
	}
	select {
	case s.outbox <- outMessage{kind: websocket.MessageBinary, data: frame}:
	default:
		slog.Debug("iqra outbox full, dropping frame")
	}
}

// UpdateExpectedText is accepted and ignored; the service tracks position
// from the start message.
func (p *Provider) UpdateExpectedText(remaining string) {}

// Stop sends the stop action, waits briefly for the server's complete
// message, emits exactly one Completed event, and tears the connection down.
func (p *Provider) Stop() {
	p.mu.Lock()
	s := p.sess
	p.sess = nil
	p.mu.Unlock()

	if s == nil {
		slog.Info("iqra provider already stopped")
		return
	}
	s.stop()
}

// ── wire protocol ──────────────────────────────────────────────────────────

type startAction struct {
	Action     string `json:"action"`
	SurahID    int    `json:"surah_id"`
	VerseStart int    `json:"verse_start"`
	VerseEnd   int    `json:"verse_end"`
}

type stopAction struct {
	Action string `json:"action"`
}

// serverMessage is one JSON status message from the service.
type serverMessage struct {
	Status     string       `json:"status"`
	Transcript string       `json:"transcript,omitempty"`
	Words      []serverWord `json:"words,omitempty"`
	Message    string       `json:"message,omitempty"`
}

type serverWord struct {
	Word  string `json:"word"`
	Index int    `json:"index"`
}

// text returns the message's transcript, reassembling it from word results
// when the transcript field is absent.
func (m serverMessage) text() string {
	if m.Transcript != "" {
		return m.Transcript
	}
	if len(m.Words) == 0 {
		return ""
	}
	words := make([]string, len(m.Words))
	for i, w := range m.Words {
		words[i] = w.Word
	}
	return strings.Join(words, " ")
}

// ── session ────────────────────────────────────────────────────────────────

type outMessage struct {
	kind websocket.MessageType
	data []byte
}

type session struct {
	conn    *websocket.Conn
	emitter *transcribe.Emitter
	ctx     context.Context
	cancel  context.CancelFunc
	outbox  chan outMessage

	// finalMu guards final, the transcript from the server's complete
	// message used for the Completed event.
	finalMu sync.Mutex
	final   string

	// settled closes when the server sends complete or the connection ends.
	settled  chan struct{}
	stopOnce sync.Once
}

// writeLoop drains the outbox onto the connection until cancellation.
func (s *session) writeLoop() {
	for {
		select {
		case msg := <-s.outbox:
			if err := s.conn.Write(s.ctx, msg.kind, msg.data); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// readLoop dispatches server status messages until complete arrives or the
// connection drops.
func (s *session) readLoop() {
	defer close(s.settled)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.emitter.Emit(transcribe.Event{
					Kind:    transcribe.Error,
					Message: fmt.Sprintf("iqra: connection: %v", err),
				})
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("iqra: malformed server message dropped", "err", err)
			continue
		}

		switch msg.Status {
		case "ready":
			s.emitter.Emit(transcribe.Event{Kind: transcribe.Ready})
		case "processing":
			if text := msg.text(); text != "" {
				// Each processing result is a self-contained utterance, never
				// a sub-word continuation of the previous one.
				s.emitter.Emit(transcribe.Event{Kind: transcribe.Transcription, Text: text, Utterance: true})
			}
		case "complete":
			s.finalMu.Lock()
			s.final = msg.text()
			s.finalMu.Unlock()
			return
		case "error":
			s.emitter.Emit(transcribe.Event{Kind: transcribe.Error, Message: msg.Message})
		default:
			slog.Debug("iqra: unknown status ignored", "status", msg.Status)
		}
	}
}

// stop sends the stop action, waits for the server to settle, and emits the
// session's single Completed event.
func (s *session) stop() {
	s.stopOnce.Do(func() {
		if stopMsg, err := json.Marshal(stopAction{Action: "stop"}); err == nil {
			select {
			case s.outbox <- outMessage{kind: websocket.MessageText, data: stopMsg}:
			case <-time.After(time.Second):
			}
		}

		select {
		case <-s.settled:
		case <-time.After(stopSettle):
		}

		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session stopped")

		s.finalMu.Lock()
		text := s.final
		s.finalMu.Unlock()
		s.emitter.Emit(transcribe.Event{Kind: transcribe.Completed, Text: text})
	})
}
