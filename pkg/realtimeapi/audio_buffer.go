package realtimeapi

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/voicebridge-ai/voicebridge/pkg/realtimeapi/events"
)

// ErrBufferOverflow is returned when an append would exceed MaxSize.
var ErrBufferOverflow = errors.New("audio buffer overflow")

// AudioBufferConfig bounds and describes the uncommitted input audio a
// loopback session holds between input_audio_buffer.commit events.
type AudioBufferConfig struct {
	// MaxSize is the maximum buffered size in bytes; appends past it fail.
	MaxSize int
	// SampleRate of the buffered PCM.
	SampleRate int
	// Channels is the number of interleaved channels.
	Channels int
	// Format of the buffered audio.
	Format events.AudioFormat
}

// DefaultAudioBufferConfig matches the upstream session defaults: mono 16-bit
// PCM at 24 kHz, capped at 10 MiB (a bit over three minutes of speech).
func DefaultAudioBufferConfig() AudioBufferConfig {
	return AudioBufferConfig{
		MaxSize:    10 * 1024 * 1024,
		SampleRate: 24000,
		Channels:   1,
		Format:     events.AudioFormatPCM16,
	}
}

// AudioBuffer accumulates input audio between commits. Appends that would
// exceed MaxSize are rejected whole rather than truncated.
type AudioBuffer struct {
	mu     sync.Mutex
	config AudioBufferConfig
	data   []byte
}

func NewAudioBuffer(config AudioBufferConfig) *AudioBuffer {
	if config.MaxSize <= 0 {
		config = DefaultAudioBufferConfig()
	}
	return &AudioBuffer{config: config}
}

// Append decodes base64 audio and adds it to the buffer.
func (b *AudioBuffer) Append(base64Audio string) error {
	audio, err := base64.StdEncoding.DecodeString(base64Audio)
	if err != nil {
		return fmt.Errorf("invalid base64 audio data: %w", err)
	}
	return b.AppendRaw(audio)
}

// AppendRaw adds raw PCM to the buffer.
func (b *AudioBuffer) AppendRaw(audio []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.data)+len(audio) > b.config.MaxSize {
		return fmt.Errorf("%w: %d + %d exceeds %d bytes",
			ErrBufferOverflow, len(b.data), len(audio), b.config.MaxSize)
	}
	b.data = append(b.data, audio...)
	return nil
}

// Commit drains the buffer and returns its contents with their duration in
// milliseconds. Committing an empty buffer returns (nil, 0, nil); callers
// treat that as a no-op and emit nothing.
func (b *AudioBuffer) Commit() ([]byte, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.data) == 0 {
		return nil, 0, nil
	}

	data := b.data
	b.data = nil
	return data, b.durationMsLocked(len(data)), nil
}

// Clear discards all buffered audio.
func (b *AudioBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
}

// Size returns the buffered byte count.
func (b *AudioBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// DurationMs returns the duration of the buffered audio in milliseconds.
func (b *AudioBuffer) DurationMs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.durationMsLocked(len(b.data))
}

// IsEmpty reports whether the buffer holds no audio.
func (b *AudioBuffer) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data) == 0
}

// Config returns the buffer configuration.
func (b *AudioBuffer) Config() AudioBufferConfig {
	return b.config
}

// durationMsLocked assumes 16-bit samples.
func (b *AudioBuffer) durationMsLocked(byteCount int) int {
	samples := byteCount / 2 / b.config.Channels
	return samples * 1000 / b.config.SampleRate
}
