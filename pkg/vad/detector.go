//go:build vad

package vad

import (
	"fmt"
	"sync"
	"time"

	"github.com/streamer45/silero-vad-go/speech"
)

// SileroEngine emits speech boundaries from the Silero VAD model. The model
// consumes fixed windows (512 samples at 16 kHz, 256 at 8 kHz), so incoming
// audio is buffered and fed window by window; the detector keeps segment
// state across calls and reports stream-absolute times.
type SileroEngine struct {
	mu       sync.Mutex
	det      *speech.Detector
	window   int
	pending  []float32
	speaking bool
}

// NewSileroEngine loads the ONNX model and prepares the detector.
func NewSileroEngine(cfg SileroConfig) (*SileroEngine, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	det, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            cfg.ModelPath,
		SampleRate:           cfg.SampleRate,
		Threshold:            cfg.Threshold,
		MinSilenceDurationMs: cfg.MinSilenceDurationMs,
		SpeechPadMs:          cfg.SpeechPadMs,
	})
	if err != nil {
		return nil, fmt.Errorf("vad: create silero detector: %w", err)
	}

	window := cfg.windowSamples()
	return &SileroEngine{
		det:     det,
		window:  window,
		pending: make([]float32, 0, window*4),
	}, nil
}

// ProcessPCM16 consumes little-endian PCM16 mono audio and returns the
// speech boundaries the new audio produced.
func (s *SileroEngine) ProcessPCM16(pcm []byte) ([]Boundary, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("vad: pcm16 needs an even byte count, got %d", len(pcm))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i+1 < len(pcm); i += 2 {
		v := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		s.pending = append(s.pending, float32(v)/32768)
	}

	var boundaries []Boundary
	for len(s.pending) >= s.window {
		chunk := s.pending[:s.window]

		segments, err := s.det.Detect(chunk)
		if err != nil {
			return boundaries, fmt.Errorf("vad: silero detect: %w", err)
		}
		s.pending = s.pending[s.window:]

		for _, seg := range segments {
			if seg.SpeechStartAt > 0 && !s.speaking {
				s.speaking = true
				boundaries = append(boundaries, Boundary{
					Kind:   SpeechStart,
					Offset: time.Duration(seg.SpeechStartAt * float64(time.Second)),
				})
			}
			if seg.SpeechEndAt > 0 && s.speaking {
				s.speaking = false
				boundaries = append(boundaries, Boundary{
					Kind:   SpeechEnd,
					Offset: time.Duration(seg.SpeechEndAt * float64(time.Second)),
				})
			}
		}
	}
	return boundaries, nil
}

// Speaking reports whether the engine is currently inside a speech run.
func (s *SileroEngine) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Reset clears buffered audio and the model's segment state.
func (s *SileroEngine) Reset() error {
	s.mu.Lock()
	s.pending = s.pending[:0]
	s.speaking = false
	s.mu.Unlock()
	return s.det.Reset()
}

// Close releases the ONNX session.
func (s *SileroEngine) Close() error {
	return s.det.Destroy()
}

var _ SpeechDetector = (*SileroEngine)(nil)
