package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/hifzlab/tasmi/pkg/provider/transcribe"
)

// wsScript drives one mock server connection: it acknowledges the session
// config, forwards every client message to inbox, and sends each message
// queued on replies to the client. Receiving a commit closes the connection.
type wsScript struct {
	inbox   chan map[string]any
	replies chan string
}

func newScript() *wsScript {
	return &wsScript{
		inbox:   make(chan map[string]any, 64),
		replies: make(chan string, 64),
	}
}

func (s *wsScript) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx := r.Context()

		// First client message must be the session configuration.
		var cfg map[string]any
		if _, data, err := conn.Read(ctx); err != nil {
			return
		} else if err := json.Unmarshal(data, &cfg); err != nil {
			t.Errorf("bad session config: %v", err)
			return
		}
		s.inbox <- cfg
		if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"transcription_session.created"}`)); err != nil {
			return
		}

		readErr := make(chan struct{})
		go func() {
			defer close(readErr)
			for {
				_, data, err := conn.Read(ctx)
				if err != nil {
					return
				}
				var msg map[string]any
				if json.Unmarshal(data, &msg) == nil {
					s.inbox <- msg
					if msg["type"] == "input_audio_buffer.commit" {
						return
					}
				}
			}
		}()

		for {
			select {
			case reply := <-s.replies:
				if err := conn.Write(ctx, websocket.MessageText, []byte(reply)); err != nil {
					return
				}
			case <-readErr:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// waitFor consumes events until one of the wanted kind arrives.
func waitFor(t *testing.T, events <-chan transcribe.Event, kind transcribe.EventKind, timeout time.Duration) transcribe.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %v event within %v", kind, timeout)
		}
	}
}

// nextMessage pulls one client message from the script's inbox.
func nextMessage(t *testing.T, script *wsScript, timeout time.Duration) map[string]any {
	t.Helper()
	select {
	case msg := <-script.inbox:
		return msg
	case <-time.After(timeout):
		t.Fatal("no client message received")
		return nil
	}
}

func startProvider(t *testing.T, script *wsScript, hint string, opts ...Option) *Provider {
	t.Helper()
	srv := httptest.NewServer(script.handler(t))
	t.Cleanup(srv.Close)

	opts = append([]Option{WithBaseURL(srv.URL)}, opts...)
	p, err := New("test-key", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background(), hint); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return p
}

func TestProvider_SessionConfigAndReady(t *testing.T) {
	t.Parallel()

	script := newScript()
	p := startProvider(t, script, "بسم الله الرحمن الرحيم",
		WithModel("test-model"), WithLanguage("ar"),
		WithVAD(VADConfig{Threshold: 0.6, PrefixPaddingMs: 200, SilenceDurationMs: 400}))
	defer p.Stop()

	cfg := nextMessage(t, script, 3*time.Second)
	if cfg["type"] != "transcription_session.update" {
		t.Fatalf("first message type = %v, want session update", cfg["type"])
	}
	sess, _ := cfg["session"].(map[string]any)
	if sess["input_audio_format"] != "pcm16" {
		t.Errorf("input_audio_format = %v, want pcm16", sess["input_audio_format"])
	}
	tr, _ := sess["input_audio_transcription"].(map[string]any)
	if tr["model"] != "test-model" {
		t.Errorf("model = %v, want test-model", tr["model"])
	}
	if prompt, _ := tr["prompt"].(string); !strings.Contains(prompt, "بسم الله الرحمن الرحيم") {
		t.Errorf("prompt %q does not carry the expected text", prompt)
	}
	td, _ := sess["turn_detection"].(map[string]any)
	if td["type"] != "server_vad" {
		t.Errorf("turn_detection type = %v, want server_vad", td["type"])
	}
	if td["threshold"] != 0.6 {
		t.Errorf("threshold = %v, want 0.6", td["threshold"])
	}
	if td["silence_duration_ms"] != 400.0 {
		t.Errorf("silence_duration_ms = %v, want 400", td["silence_duration_ms"])
	}

	waitFor(t, p.Events(), transcribe.Ready, 3*time.Second)
}

func TestProvider_GenericPromptWithoutExpectedText(t *testing.T) {
	t.Parallel()

	script := newScript()
	p := startProvider(t, script, "")
	defer p.Stop()

	cfg := nextMessage(t, script, 3*time.Second)
	sess, _ := cfg["session"].(map[string]any)
	tr, _ := sess["input_audio_transcription"].(map[string]any)
	if tr["prompt"] != fallbackPrompt {
		t.Errorf("prompt = %v, want generic fallback", tr["prompt"])
	}
}

func TestProvider_EachUtteranceSurfacesExactlyOnce(t *testing.T) {
	t.Parallel()

	script := newScript()
	p := startProvider(t, script, "")

	waitFor(t, p.Events(), transcribe.Ready, 3*time.Second)

	// First utterance streams as deltas; its final must collapse to an
	// empty utterance boundary instead of repeating every word.
	script.replies <- `{"type":"conversation.item.input_audio_transcription.delta","delta":"بسم"}`
	ev := waitFor(t, p.Events(), transcribe.Transcription, 3*time.Second)
	if ev.Text != "بسم" || ev.Utterance {
		t.Errorf("delta event = %+v, want verbatim delta", ev)
	}
	script.replies <- `{"type":"conversation.item.input_audio_transcription.delta","delta":" الله"}`
	ev = waitFor(t, p.Events(), transcribe.Transcription, 3*time.Second)
	if ev.Text != " الله" || ev.Utterance {
		t.Errorf("delta event = %+v, want verbatim delta", ev)
	}
	script.replies <- `{"type":"conversation.item.input_audio_transcription.completed","transcript":"بسم الله"}`
	ev = waitFor(t, p.Events(), transcribe.Transcription, 3*time.Second)
	if ev.Text != "" || !ev.Utterance {
		t.Errorf("final after deltas = %+v, want empty utterance boundary", ev)
	}

	// Second utterance arrives with no deltas; its final carries the whole
	// transcript as one utterance.
	script.replies <- `{"type":"conversation.item.input_audio_transcription.completed","transcript":"الحمد لله"}`
	ev = waitFor(t, p.Events(), transcribe.Transcription, 3*time.Second)
	if ev.Text != "الحمد لله" || !ev.Utterance {
		t.Errorf("final without deltas = %+v, want full utterance", ev)
	}

	p.Stop()
	done := waitFor(t, p.Events(), transcribe.Completed, 5*time.Second)
	if done.Text != "بسم الله الحمد لله" {
		t.Errorf("Completed text = %q, want accumulated finals", done.Text)
	}
}

func TestProvider_AudioFramesAppendedAsBase64(t *testing.T) {
	t.Parallel()

	script := newScript()
	p := startProvider(t, script, "")
	defer p.Stop()

	waitFor(t, p.Events(), transcribe.Ready, 3*time.Second)
	nextMessage(t, script, 3*time.Second) // initial session config

	frame := []byte{0x01, 0x02, 0x03, 0x04}
	p.AddAudio(frame)

	msg := nextMessage(t, script, 3*time.Second)
	if msg["type"] != "input_audio_buffer.append" {
		t.Fatalf("message type = %v, want append", msg["type"])
	}
	audioB64, _ := msg["audio"].(string)
	decoded, err := base64.StdEncoding.DecodeString(audioB64)
	if err != nil {
		t.Fatalf("audio field is not base64: %v", err)
	}
	if string(decoded) != string(frame) {
		t.Errorf("decoded audio = %v, want %v", decoded, frame)
	}
}

func TestProvider_PreEncodedFramesSentWithoutReencoding(t *testing.T) {
	t.Parallel()

	script := newScript()
	p := startProvider(t, script, "")
	defer p.Stop()

	waitFor(t, p.Events(), transcribe.Ready, 3*time.Second)
	nextMessage(t, script, 3*time.Second) // initial session config

	encoded := base64.StdEncoding.EncodeToString([]byte{0x05, 0x06, 0x07, 0x08})
	p.AddAudioBase64(encoded)

	msg := nextMessage(t, script, 3*time.Second)
	if msg["type"] != "input_audio_buffer.append" {
		t.Fatalf("message type = %v, want append", msg["type"])
	}
	if audio, _ := msg["audio"].(string); audio != encoded {
		t.Errorf("audio field = %q, want the pre-encoded frame verbatim", audio)
	}
}

func TestProvider_UpdateExpectedTextSendsNewPrompt(t *testing.T) {
	t.Parallel()

	script := newScript()
	p := startProvider(t, script, "old text")
	defer p.Stop()

	waitFor(t, p.Events(), transcribe.Ready, 3*time.Second)
	nextMessage(t, script, 3*time.Second) // initial session config

	p.UpdateExpectedText("الحمد لله رب العالمين")

	msg := nextMessage(t, script, 3*time.Second)
	if msg["type"] != "transcription_session.update" {
		t.Fatalf("message type = %v, want session update", msg["type"])
	}
	sess, _ := msg["session"].(map[string]any)
	tr, _ := sess["input_audio_transcription"].(map[string]any)
	if prompt, _ := tr["prompt"].(string); !strings.Contains(prompt, "الحمد لله رب العالمين") {
		t.Errorf("updated prompt %q does not carry the new expected text", prompt)
	}
}

func TestProvider_ServerErrorIsRecoverable(t *testing.T) {
	t.Parallel()

	script := newScript()
	p := startProvider(t, script, "")

	waitFor(t, p.Events(), transcribe.Ready, 3*time.Second)

	script.replies <- `{"type":"error","error":{"message":"rate limited"}}`
	ev := waitFor(t, p.Events(), transcribe.Error, 3*time.Second)
	if ev.Message != "rate limited" {
		t.Errorf("error message = %q, want %q", ev.Message, "rate limited")
	}

	// The session survives a server-side error event.
	script.replies <- `{"type":"conversation.item.input_audio_transcription.delta","delta":"still here"}`
	ev = waitFor(t, p.Events(), transcribe.Transcription, 3*time.Second)
	if ev.Text != "still here" {
		t.Errorf("post-error delta = %q", ev.Text)
	}
	p.Stop()
}

func TestProvider_ConnectionDropEmitsErrorWithoutReconnect(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"transcription_session.created"}`)); err != nil {
			return
		}
		// Abrupt drop, no close frame.
		conn.CloseNow()
	}))
	defer srv.Close()

	p, err := New("key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, p.Events(), transcribe.Ready, 3*time.Second)

	ev := waitFor(t, p.Events(), transcribe.Error, 3*time.Second)
	if ev.Message == "" {
		t.Error("connection drop produced an Error with no message")
	}

	// No automatic reconnect: feeding audio after the drop must not panic
	// and no new Ready appears.
	p.AddAudio([]byte{0, 0})
	select {
	case got := <-p.Events():
		if got.Kind == transcribe.Ready {
			t.Error("provider reconnected on its own")
		}
	case <-time.After(300 * time.Millisecond):
	}
	p.Stop()
}

func TestProvider_DialFailureReturnsError(t *testing.T) {
	t.Parallel()

	p, err := New("key", WithBaseURL("http://127.0.0.1:1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background(), ""); err == nil {
		t.Fatal("Start succeeded against an unreachable endpoint")
	}
	ev := waitFor(t, p.Events(), transcribe.Error, 3*time.Second)
	if ev.Message == "" {
		t.Error("dial failure produced an Error with no message")
	}
}

func TestProvider_StartWhileActiveIsNoOp(t *testing.T) {
	t.Parallel()

	script := newScript()
	p := startProvider(t, script, "")
	defer p.Stop()

	waitFor(t, p.Events(), transcribe.Ready, 3*time.Second)

	if err := p.Start(context.Background(), ""); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	select {
	case ev := <-p.Events():
		if ev.Kind == transcribe.Ready {
			t.Error("duplicate Start emitted a second Ready")
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func TestProvider_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	script := newScript()
	p := startProvider(t, script, "")

	waitFor(t, p.Events(), transcribe.Ready, 3*time.Second)
	p.Stop()
	p.Stop() // no-op

	completed := 0
	deadline := time.After(5 * time.Second)
	for completed == 0 {
		select {
		case ev := <-p.Events():
			if ev.Kind == transcribe.Completed {
				completed++
			}
		case <-deadline:
			t.Fatal("no Completed after Stop")
		}
	}
	select {
	case ev := <-p.Events():
		if ev.Kind == transcribe.Completed {
			t.Error("second Completed after double Stop")
		}
	case <-time.After(300 * time.Millisecond):
	}
}
