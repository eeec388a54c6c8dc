package audio

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"

	"github.com/hifzlab/tasmi/internal/observe"
)

// State is the streamer's coarse lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateError
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Frame is one captured audio frame in both representations providers need:
// raw bytes for binary transports and base64 text for JSON transports. Both
// views come from the same device read — the microphone is never sampled
// twice.
type Frame struct {
	Data   []byte
	Base64 string
}

// frameBuffer is the frame channel capacity. At 100 ms per frame this is
// ~3 s of backlog before the oldest frames start being dropped.
const frameBuffer = 32

// Streamer owns the capture device lifecycle and runs the continuous read
// loop. Start and Stop are safe for concurrent use; the read loop is the only
// writer to the output channels.
type Streamer struct {
	device  CaptureDevice
	metrics *observe.Metrics

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	done    chan struct{}
	frames  chan Frame
	errs    chan error
	stopped bool
}

// Option configures a Streamer.
type Option func(*Streamer)

// WithMetrics wires metric instruments into the streamer. Defaults to
// [observe.DefaultMetrics] when not set.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Streamer) { s.metrics = m }
}

// NewStreamer creates a Streamer over the given capture device. The device is
// opened on Start, not here.
func NewStreamer(device CaptureDevice, opts ...Option) *Streamer {
	s := &Streamer{
		device: device,
		state:  StateIdle,
		frames: make(chan Frame, frameBuffer),
		errs:   make(chan error, 1),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Frames returns the output channel of captured frames. Closed when the read
// loop exits. Each Start creates a fresh channel, so callers must fetch it
// after Start when reusing a Streamer.
func (s *Streamer) Frames() <-chan Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Errors returns a channel carrying at most one terminal device error.
func (s *Streamer) Errors() <-chan error { return s.errs }

// State returns the current lifecycle state.
func (s *Streamer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start acquires the capture device at the fixed format and launches the read
// loop. It fails fast if the device cannot be configured at exactly
// 24 kHz/mono/PCM16 — no fallback formats are attempted. Calling Start while
// already streaming is a logged no-op.
func (s *Streamer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStreaming {
		slog.Warn("audio streamer already started")
		return nil
	}

	if err := s.device.Open(SampleRate, Channels, FrameSamples); err != nil {
		s.state = StateError
		s.reportErr(err)
		return err
	}

	if s.done != nil {
		// Reusing the streamer after a previous run: the old frame channel
		// was closed by that run's read loop.
		s.frames = make(chan Frame, frameBuffer)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = StateStreaming
	s.stopped = false

	go s.readLoop(loopCtx)

	slog.Info("audio capture started",
		"sample_rate", SampleRate,
		"channels", Channels,
		"frame_bytes", FrameBytes,
	)
	return nil
}

// Stop terminates the read loop and waits for the device to be released.
// Idempotent: a second Stop is a logged no-op, and the device handle is never
// released twice.
func (s *Streamer) Stop() {
	s.mu.Lock()
	if s.stopped || s.cancel == nil {
		s.mu.Unlock()
		slog.Warn("audio streamer already stopped")
		return
	}
	s.stopped = true
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// readLoop pulls exactly one frame per iteration until cancellation or a
// device error. The device handle is released on every exit path.
func (s *Streamer) readLoop(ctx context.Context) {
	frames := s.frames
	defer close(s.done)
	defer close(frames)
	defer func() {
		if err := s.device.Close(); err != nil {
			slog.Warn("audio device close failed", "err", err)
		}
	}()

	buf := make([]byte, FrameBytes)
	for {
		// Cooperative cancellation, checked once per iteration. A cancelled
		// loop exits silently — no error is emitted.
		if ctx.Err() != nil {
			s.setState(StateIdle)
			return
		}

		n, err := s.device.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				s.setState(StateIdle)
				return
			}
			slog.Error("audio device read failed", "err", err)
			s.setState(StateError)
			s.reportErr(err)
			return
		}
		if n == 0 {
			continue
		}

		// Partial reads are truncated to actual length, never zero-padded.
		data := make([]byte, n)
		copy(data, buf[:n])

		frame := Frame{Data: data, Base64: base64.StdEncoding.EncodeToString(data)}
		select {
		case frames <- frame:
		default:
			// Consumer is behind; late audio is stale anyway.
			s.metrics.RecordFrameDropped(ctx, "capture")
			select {
			case <-frames:
			default:
			}
			select {
			case frames <- frame:
			default:
			}
		}
	}
}

func (s *Streamer) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// reportErr delivers err without blocking; only the first error is kept.
func (s *Streamer) reportErr(err error) {
	select {
	case s.errs <- err:
	default:
	}
}
