// Package chunked provides a batch-style transcription provider over a
// chunked HTTP REST API (Deepgram-compatible prerecorded endpoint).
//
// Audio frames accumulate in a local buffer; once roughly chunkSeconds of
// audio is buffered the chunk's RMS energy is measured, silent chunks are
// discarded without a network call, and speech chunks are wrapped in a WAV
// container and submitted as one synchronous POST. Responses pass through a
// hallucination filter before being emitted, because batch recognisers fed
// near-silence routinely invent boilerplate phrases.
//
// A single HTTP failure is recoverable: the session continues and subsequent
// chunks may still succeed, since buffers are scoped per chunk. Repeated
// consecutive failures open a circuit breaker that skips the network call
// for a while instead of hammering a dead endpoint.
package chunked

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hifzlab/tasmi/internal/observe"
	"github.com/hifzlab/tasmi/internal/resilience"
	"github.com/hifzlab/tasmi/pkg/audio"
	"github.com/hifzlab/tasmi/pkg/provider/transcribe"
)

const (
	defaultModel        = "nova-2"
	defaultLanguage     = "ar"
	defaultChunkSeconds = 5
	defaultRMSThreshold = 300.0

	// pollInterval is how often the processing goroutine checks whether a
	// full chunk has accumulated.
	pollInterval = 100 * time.Millisecond
)

// Compile-time interface assertion.
var _ transcribe.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the recognition model (e.g., "nova-2").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 language code. Defaults to "ar".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithBaseURL overrides the API endpoint. Primarily used in tests to point
// at a local mock server.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) { p.baseURL = baseURL }
}

// WithChunkSeconds sets how many seconds of audio accumulate before a chunk
// is submitted. Values outside 3–7 are clamped into that range.
func WithChunkSeconds(seconds int) Option {
	return func(p *Provider) {
		if seconds < 3 {
			seconds = 3
		}
		if seconds > 7 {
			seconds = 7
		}
		p.chunkSeconds = seconds
	}
}

// WithRMSThreshold sets the silence threshold in 16-bit PCM units. Chunks
// below it are dropped without a network call. Default 300.
func WithRMSThreshold(threshold float64) Option {
	return func(p *Provider) { p.rmsThreshold = threshold }
}

// WithHallucinationRatio sets the fraction of a response that a known
// hallucinated phrase must occupy before the response is rejected. This is
// an empirically tuned heuristic, not a derived constant. Default 0.3.
func WithHallucinationRatio(ratio float64) Option {
	return func(p *Provider) { p.hallucinationRatio = ratio }
}

// WithHTTPClient replaces the HTTP client (and with it the request timeout).
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) { p.httpClient = client }
}

// WithBreaker replaces the circuit breaker guarding the submission path.
// Primarily used in tests to tighten the failure budget.
func WithBreaker(breaker *resilience.CircuitBreaker) Option {
	return func(p *Provider) { p.breaker = breaker }
}

// WithMetrics wires metric instruments into the provider. Defaults to
// [observe.DefaultMetrics] when not set.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Provider) { p.metrics = m }
}

// Provider implements transcribe.Provider over a chunked HTTP batch API.
type Provider struct {
	apiKey             string
	model              string
	language           string
	baseURL            string
	chunkSeconds       int
	rmsThreshold       float64
	hallucinationRatio float64
	httpClient         *http.Client
	breaker            *resilience.CircuitBreaker
	metrics            *observe.Metrics

	emitter *transcribe.Emitter

	mu      sync.Mutex
	active  bool
	buf     []byte
	final   []string
	stopCh  chan struct{}
	doneCh  chan struct{}
	loopCtx context.Context
}

// New creates a chunked HTTP Provider. apiKey must be non-empty.
func New(apiKey, baseURL string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("chunked: apiKey must not be empty")
	}
	if baseURL == "" {
		return nil, errors.New("chunked: baseURL must not be empty")
	}
	p := &Provider{
		apiKey:             apiKey,
		baseURL:            baseURL,
		model:              defaultModel,
		language:           defaultLanguage,
		chunkSeconds:       defaultChunkSeconds,
		rmsThreshold:       defaultRMSThreshold,
		hallucinationRatio: defaultHallucinationRatio,
		httpClient:         &http.Client{Timeout: 30 * time.Second},
		breaker:            resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "chunked"}),
		emitter:            transcribe.NewEmitter(transcribe.DefaultEventBuffer),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p, nil
}

// Events returns the provider's event stream.
func (p *Provider) Events() <-chan transcribe.Event { return p.emitter.Events() }

// Start begins a session. A Ready event is emitted once the processing loop
// is running; the batch API has no handshake to wait for. Calling Start
// while active is a logged no-op.
func (p *Provider) Start(ctx context.Context, contextHint string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active {
		slog.Info("chunked provider already started")
		return nil
	}
	_ = contextHint // batch API has no prompt conditioning

	p.active = true
	p.buf = nil
	p.final = nil
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.loopCtx = ctx

	go p.processLoop(ctx, p.stopCh, p.doneCh)

	p.emitter.Emit(transcribe.Event{Kind: transcribe.Ready})
	return nil
}

// AddAudio appends one frame to the chunk buffer. Never blocks: the buffer
// is guarded by a mutex held only for the append. No-op if not started.
func (p *Provider) AddAudio(frame []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return
	}
	p.buf = append(p.buf, frame...)
}

// UpdateExpectedText is accepted and ignored; the batch API does not use
// prompt conditioning.
func (p *Provider) UpdateExpectedText(remaining string) {}

// Stop ends the session. Buffered-but-unsent audio is flushed as a final
// chunk, then exactly one Completed event is emitted — with empty text when
// nothing (or only silence) remained.
func (p *Provider) Stop() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		slog.Info("chunked provider already stopped")
		return
	}
	p.active = false
	stop, done := p.stopCh, p.doneCh
	p.mu.Unlock()

	close(stop)
	<-done
}

// chunkBytes is the buffered-size threshold that triggers a submission.
func (p *Provider) chunkBytes() int {
	return audio.SampleRate * 2 * p.chunkSeconds
}

// processLoop periodically drains full chunks, and on stop performs the
// final flush and emits the session's single Completed event.
func (p *Provider) processLoop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if chunk := p.takeChunk(false); chunk != nil {
				p.processChunk(ctx, chunk, false)
			}
		case <-stop:
			chunk := p.takeChunk(true)
			p.processChunk(ctx, chunk, true)
			return
		case <-ctx.Done():
			// Cancellation without Stop: still settle the session with a
			// Completed so consumers can rely on exactly one per Start.
			p.mu.Lock()
			p.active = false
			p.mu.Unlock()
			p.emitCompleted()
			return
		}
	}
}

// takeChunk atomically reads and resets the audio buffer. For periodic
// drains it returns nil until a full chunk has accumulated; on the final
// flush it takes whatever is left. Read-and-reset happens as one unit under
// the lock so no bytes are lost or duplicated.
func (p *Provider) takeChunk(flush bool) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !flush && len(p.buf) < p.chunkBytes() {
		return nil
	}
	chunk := p.buf
	p.buf = nil
	return chunk
}

// processChunk runs the silence gate, submits speech chunks, and emits the
// resulting events. When isFinal is set a Completed event always follows,
// even for empty or silent chunks.
func (p *Provider) processChunk(ctx context.Context, chunk []byte, isFinal bool) {
	if len(chunk) == 0 {
		if isFinal {
			p.emitCompleted()
		}
		return
	}

	if rms := audio.RMS(chunk); rms < p.rmsThreshold {
		slog.Debug("discarding silent chunk", "rms", rms, "bytes", len(chunk))
		if isFinal {
			p.emitCompleted()
		}
		return
	}

	var text string
	err := p.breaker.Execute(func() error {
		reqStart := time.Now()
		var submitErr error
		text, submitErr = p.submit(ctx, chunk)
		p.metrics.RecordTranscriptionLatency(ctx, "chunked", time.Since(reqStart))
		status := "ok"
		if submitErr != nil {
			status = "error"
		}
		p.metrics.RecordProviderRequest(ctx, "chunked", status)
		return submitErr
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			slog.Debug("skipping chunk while breaker is open", "bytes", len(chunk))
		} else {
			p.emitter.Emit(transcribe.Event{Kind: transcribe.Error, Message: err.Error()})
		}
		if isFinal {
			p.emitCompleted()
		}
		return
	}

	text = strings.TrimSpace(text)
	if text != "" && !isHallucination(text, p.hallucinationRatio) {
		// Each chunk is a self-contained utterance; the flag tells consumers
		// to keep a word boundary between this chunk and its neighbours.
		p.emitter.Emit(transcribe.Event{Kind: transcribe.Transcription, Text: text, Utterance: true})
		p.mu.Lock()
		p.final = append(p.final, text)
		p.mu.Unlock()
	}
	if isFinal {
		p.emitCompleted()
	}
}

// emitCompleted emits the single terminal Completed event carrying the
// joined session transcript.
func (p *Provider) emitCompleted() {
	p.mu.Lock()
	text := strings.Join(p.final, " ")
	p.mu.Unlock()
	p.emitter.Emit(transcribe.Event{Kind: transcribe.Completed, Text: text})
}

// deepgramResponse is the JSON shape of a prerecorded transcription result.
type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// submit wraps the chunk in a WAV container and performs one synchronous
// transcription request.
func (p *Provider) submit(ctx context.Context, chunk []byte) (string, error) {
	reqURL, err := p.buildURL()
	if err != nil {
		return "", fmt.Errorf("chunked: build URL: %w", err)
	}

	wav := audio.EncodeWAV(chunk, audio.SampleRate, audio.Channels)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(wav))
	if err != nil {
		return "", fmt.Errorf("chunked: build request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/wav")
	req.Header.Set("Authorization", "Token "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chunked: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("chunked: server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed deepgramResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("chunked: parse response: %w", err)
	}
	if len(parsed.Results.Channels) == 0 || len(parsed.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}
	return parsed.Results.Channels[0].Alternatives[0].Transcript, nil
}

// buildURL constructs the transcription endpoint URL with punctuation and
// smart formatting disabled — downstream matching wants raw words.
func (p *Provider) buildURL() (string, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return "", err
	}
	u.Path = "/v1/listen"

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", p.language)
	q.Set("punctuate", "false")
	q.Set("smart_format", "false")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
