// audio_pacer.go paces decoded playback audio into fixed 20 ms frames for a
// pull-based consumer such as a playback device callback. Deltas from the
// model arrive in bursts; the pacer absorbs them in a ring and serves exact
// frames with silence fill when the ring runs dry. After a clear it holds
// playout until a short accumulation threshold refills.

package audio

import (
	"log"
	"sync"
)

const (
	// LPCM16Rate is the sample rate of the raw/lpcm16 telephony media format.
	LPCM16Rate = 16000

	// UpstreamRate is the PCM16 sample rate spoken by the realtime API.
	UpstreamRate = 24000

	// pacerBufferMs is the ring capacity; audio older than this on overrun
	// is dropped.
	pacerBufferMs = 10000

	// pacerAccumulateMs is how much audio must buffer before playout resumes
	// after a clear.
	pacerAccumulateMs = 200
)

// AudioPacerConfig configures an AudioPacer.
type AudioPacerConfig struct {
	SampleRate int
	Channels   int
}

// DefaultAudioPacerConfig returns the configuration for the lpcm16 leg.
func DefaultAudioPacerConfig() AudioPacerConfig {
	return AudioPacerConfig{
		SampleRate: LPCM16Rate,
		Channels:   1,
	}
}

// AudioPacer buffers 16-bit PCM and serves it as fixed 20 ms frames.
//
// Behaviors:
//   - accumulation control after a clear to avoid restart stutter
//   - silence frames while paused or empty
//   - fast clear with optional fade-out for barge-in
type AudioPacer struct {
	mu           sync.Mutex
	ring         *RingBuffer
	accumulating bool
	paused       bool

	sampleRate    int
	channels      int
	bytesPerFrame int
	accumulateMin int
}

// NewAudioPacer creates a pacer with the default configuration.
func NewAudioPacer() (*AudioPacer, error) {
	return NewAudioPacerWithConfig(DefaultAudioPacerConfig())
}

// NewAudioPacerWithConfig creates a pacer for the given rate and channels.
func NewAudioPacerWithConfig(cfg AudioPacerConfig) (*AudioPacer, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = LPCM16Rate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}

	samplesPerFrame := cfg.SampleRate * FrameDurationMs / 1000
	bytesPerFrame := samplesPerFrame * BytesPerSample * cfg.Channels

	return &AudioPacer{
		ring:          NewRingBuffer(cfg.SampleRate*cfg.Channels, pacerBufferMs),
		accumulating:  false,
		sampleRate:    cfg.SampleRate,
		channels:      cfg.Channels,
		bytesPerFrame: bytesPerFrame,
		accumulateMin: cfg.SampleRate * pacerAccumulateMs / 1000 * BytesPerSample * cfg.Channels,
	}, nil
}

// Write buffers PCM for playout.
func (ap *AudioPacer) Write(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	ap.ring.Write(data)
	return nil
}

// ReadFrame returns the next 20 ms frame. While paused, accumulating, or
// empty it returns a silence frame of the same size.
func (ap *AudioPacer) ReadFrame() []byte {
	frame := make([]byte, ap.bytesPerFrame)

	ap.mu.Lock()
	if ap.paused {
		ap.mu.Unlock()
		return frame
	}
	if ap.accumulating {
		if ap.ring.Size() < ap.accumulateMin {
			ap.mu.Unlock()
			return frame
		}
		ap.accumulating = false
		log.Printf("[AudioPacer] accumulated %d bytes, starting playout", ap.ring.Size())
	}
	ap.mu.Unlock()

	// A short read leaves the tail of the frame as silence.
	ap.ring.Read(frame)
	return frame
}

// Clear drops buffered audio and re-enters accumulation.
func (ap *AudioPacer) Clear() {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	log.Printf("[AudioPacer] clear: dropping %d buffered bytes", ap.ring.Size())
	ap.ring.Clear()
	ap.accumulating = true
	ap.paused = false
}

// ClearWithFadeOut keeps the next fadeOutMs of buffered audio with a linear
// fade to silence applied, drops the rest, and re-enters accumulation. A
// fadeOutMs of 0 clears immediately.
func (ap *AudioPacer) ClearWithFadeOut(fadeOutMs int) {
	ap.mu.Lock()
	defer ap.mu.Unlock()

	if fadeOutMs > 0 && ap.ring.Size() > 0 {
		fadeOutBytes := ap.sampleRate * fadeOutMs / 1000 * BytesPerSample * ap.channels
		if fadeOutBytes > ap.ring.Size() {
			fadeOutBytes = ap.ring.Size()
		}
		fadeOutBytes -= fadeOutBytes % BytesPerSample

		faded := make([]byte, fadeOutBytes)
		ap.ring.Read(faded)
		samples := fadeOutBytes / BytesPerSample
		for i := 0; i < samples; i++ {
			factor := float32(samples-i) / float32(samples)
			idx := i * BytesPerSample
			sample := int16(faded[idx]) | int16(faded[idx+1])<<8
			sample = int16(float32(sample) * factor)
			faded[idx] = byte(sample)
			faded[idx+1] = byte(sample >> 8)
		}

		ap.ring.Clear()
		ap.ring.Write(faded)
		log.Printf("[AudioPacer] fading out %d bytes, rest dropped", fadeOutBytes)
	} else {
		ap.ring.Clear()
	}

	ap.accumulating = true
	ap.paused = false
}

// Pause makes ReadFrame return silence until Resume.
func (ap *AudioPacer) Pause() {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	if !ap.paused {
		ap.paused = true
		log.Printf("[AudioPacer] paused, buffered: %d bytes", ap.ring.Size())
	}
}

// Resume re-enables playout.
func (ap *AudioPacer) Resume() {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	if ap.paused {
		ap.paused = false
		log.Printf("[AudioPacer] resumed, buffered: %d bytes", ap.ring.Size())
	}
}

// IsPaused reports whether playout is paused.
func (ap *AudioPacer) IsPaused() bool {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return ap.paused
}

// Available returns the number of buffered bytes.
func (ap *AudioPacer) Available() int {
	return ap.ring.Size()
}

// BytesPerFrame returns the size of one 20 ms frame.
func (ap *AudioPacer) BytesPerFrame() int {
	return ap.bytesPerFrame
}

// SampleRate returns the configured sample rate.
func (ap *AudioPacer) SampleRate() int {
	return ap.sampleRate
}

// Close releases the buffer.
func (ap *AudioPacer) Close() {
	ap.Clear()
}
