// Package audio captures microphone audio as fixed-size PCM16 mono frames and
// provides the PCM utilities (WAV framing, RMS energy) the transcription
// providers need.
//
// The capture format is fixed: 24 kHz, mono, 16-bit signed little-endian PCM
// in 100 ms frames. Providers that need a different rate must resample on
// their own side; the streamer deliberately refuses to fall back to other
// device formats.
package audio

import (
	"errors"
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// Capture format constants. FrameBytes follows from the rest:
// 24000 samples/s × 2 bytes × 0.1 s = 4800 bytes.
const (
	SampleRate    = 24000
	Channels      = 1
	FrameMillis   = 100
	FrameSamples  = SampleRate * FrameMillis / 1000
	FrameBytes    = FrameSamples * 2
	BitsPerSample = 16
)

// CaptureDevice abstracts the microphone so the streamer can be tested
// without audio hardware. Open must configure the device at exactly the
// requested format or fail; implementations must not substitute a fallback
// format.
type CaptureDevice interface {
	// Open acquires the device at the given sample rate, channel count, and
	// frame size in samples. Returns an error if the device cannot be
	// configured at exactly this format.
	Open(sampleRate, channels, frameSamples int) error

	// Read blocks until one frame is available and fills buf with PCM16
	// little-endian bytes, returning the number of bytes read. Partial
	// frames are valid — the caller truncates to n.
	Read(buf []byte) (int, error)

	// Close releases the device. Safe to call after a failed Open.
	Close() error
}

// ErrDeviceClosed is returned by Read after the device has been closed.
var ErrDeviceClosed = errors.New("audio: capture device is closed")

// PortAudioDevice is the production CaptureDevice backed by PortAudio's
// default input device.
type PortAudioDevice struct {
	stream *portaudio.Stream
	buf    []int16
}

// Compile-time interface assertion.
var _ CaptureDevice = (*PortAudioDevice)(nil)

// Open initialises PortAudio and opens the default input stream at exactly
// the requested format.
func (d *PortAudioDevice) Open(sampleRate, channels, frameSamples int) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("audio: initialize portaudio: %w", err)
	}

	d.buf = make([]int16, frameSamples*channels)
	stream, err := portaudio.OpenDefaultStream(channels, 0, float64(sampleRate), frameSamples, d.buf)
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("audio: open default stream at %dHz/%dch: %w", sampleRate, channels, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("audio: start stream: %w", err)
	}

	d.stream = stream
	return nil
}

// Read blocks for one hardware frame and serialises it as little-endian
// PCM16.
func (d *PortAudioDevice) Read(buf []byte) (int, error) {
	if d.stream == nil {
		return 0, ErrDeviceClosed
	}
	if err := d.stream.Read(); err != nil {
		return 0, fmt.Errorf("audio: read stream: %w", err)
	}

	n := len(d.buf) * 2
	if n > len(buf) {
		n = len(buf)
	}
	for i := 0; i < n/2; i++ {
		buf[i*2] = byte(d.buf[i])
		buf[i*2+1] = byte(d.buf[i] >> 8)
	}
	return n, nil
}

// Close stops and releases the PortAudio stream. Safe to call more than once.
func (d *PortAudioDevice) Close() error {
	if d.stream == nil {
		return nil
	}
	stream := d.stream
	d.stream = nil
	_ = stream.Stop()
	err := stream.Close()
	if terr := portaudio.Terminate(); err == nil {
		err = terr
	}
	return err
}
