// Package vad detects voice activity on the caller's audio leg.
//
// The package exposes two layers. DetectorInterface scores audio windows
// with a speech probability; Engine turns those scores into speech
// start/stop boundaries with a configurable threshold and silence hangover.
// SileroEngine (build tag "vad") produces the same boundaries straight from
// the Silero ONNX model; without the tag its constructor reports that
// support is absent. The bridge consumes either through SpeechDetector and
// stays indifferent to which backend produced the events.
package vad

import (
	"fmt"
	"sync"
	"time"
)

// BoundaryKind distinguishes speech onsets from speech ends.
type BoundaryKind int

const (
	// SpeechStart marks the first window scored as speech after silence.
	SpeechStart BoundaryKind = iota
	// SpeechEnd marks the end of the silence hangover after speech.
	SpeechEnd
)

func (k BoundaryKind) String() string {
	switch k {
	case SpeechStart:
		return "speech_start"
	case SpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}

// Boundary is one detected speech transition. Offset is the position in the
// processed stream, measured from the first sample fed to the engine.
type Boundary struct {
	Kind   BoundaryKind
	Offset time.Duration
}

// SpeechDetector is the capability the bridge consumes: feed PCM16 audio,
// receive speech boundaries in stream order.
type SpeechDetector interface {
	// ProcessPCM16 consumes little-endian PCM16 mono audio and returns any
	// boundaries the new audio produced.
	ProcessPCM16(pcm []byte) ([]Boundary, error)
	// Reset clears detection state for a new stream.
	Reset() error
	// Close releases the underlying detector.
	Close() error
}

// EngineConfig tunes the threshold engine.
type EngineConfig struct {
	// SampleRate of the incoming PCM16 stream. 8000 or 16000.
	SampleRate int
	// Threshold is the speech probability at or above which a window counts
	// as speech.
	Threshold float32
	// MinSilenceMs is the hangover: how much continuous sub-threshold audio
	// ends a speech run.
	MinSilenceMs int
	// WindowSamples per inference. Zero picks 512 at 16 kHz, 256 at 8 kHz.
	WindowSamples int
}

// DefaultEngineConfig matches the Silero operating point: 16 kHz input,
// 512-sample windows, 0.5 threshold, 300 ms hangover.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		SampleRate:   16000,
		Threshold:    0.5,
		MinSilenceMs: 300,
	}
}

// Engine windows a PCM16 stream, scores each window through a
// DetectorInterface, and walks a speaking/hangover state machine to emit
// speech boundaries. Safe for one writer; all methods take the engine lock.
type Engine struct {
	mu  sync.Mutex
	det DetectorInterface
	cfg EngineConfig

	pending   []float32
	speaking  bool
	silence   int   // sub-threshold samples accumulated while speaking
	processed int64 // total samples consumed
}

// NewEngine wraps a window detector in the boundary state machine.
func NewEngine(det DetectorInterface, cfg EngineConfig) (*Engine, error) {
	if det == nil {
		return nil, fmt.Errorf("vad engine: detector is required")
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.SampleRate != 8000 && cfg.SampleRate != 16000 {
		return nil, fmt.Errorf("vad engine: sample rate %d not supported (want 8000 or 16000)", cfg.SampleRate)
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = 0.5
	}
	if cfg.MinSilenceMs <= 0 {
		cfg.MinSilenceMs = 300
	}
	if cfg.WindowSamples <= 0 {
		if cfg.SampleRate == 8000 {
			cfg.WindowSamples = 256
		} else {
			cfg.WindowSamples = 512
		}
	}
	return &Engine{
		det:     det,
		cfg:     cfg,
		pending: make([]float32, 0, cfg.WindowSamples*4),
	}, nil
}

// ProcessPCM16 consumes audio and returns the boundaries it produced. A
// detector failure returns the boundaries found so far along with the error;
// buffered remainder samples stay pending for the next call.
func (e *Engine) ProcessPCM16(pcm []byte) ([]Boundary, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("vad engine: pcm16 needs an even byte count, got %d", len(pcm))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		e.pending = append(e.pending, float32(s)/32768)
	}

	var boundaries []Boundary
	minSilence := e.cfg.SampleRate * e.cfg.MinSilenceMs / 1000

	for len(e.pending) >= e.cfg.WindowSamples {
		window := e.pending[:e.cfg.WindowSamples]

		prob, err := e.det.Infer(window)
		if err != nil {
			return boundaries, fmt.Errorf("vad engine: infer: %w", err)
		}

		e.pending = e.pending[e.cfg.WindowSamples:]
		e.processed += int64(e.cfg.WindowSamples)

		if prob >= e.cfg.Threshold {
			e.silence = 0
			if !e.speaking {
				e.speaking = true
				boundaries = append(boundaries, Boundary{Kind: SpeechStart, Offset: e.offset()})
			}
			continue
		}
		if e.speaking {
			e.silence += e.cfg.WindowSamples
			if e.silence >= minSilence {
				e.speaking = false
				e.silence = 0
				boundaries = append(boundaries, Boundary{Kind: SpeechEnd, Offset: e.offset()})
			}
		}
	}
	return boundaries, nil
}

// offset converts the processed sample count to stream time. Callers hold
// e.mu.
func (e *Engine) offset() time.Duration {
	return time.Duration(e.processed) * time.Second / time.Duration(e.cfg.SampleRate)
}

// Speaking reports whether the engine is currently inside a speech run.
func (e *Engine) Speaking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speaking
}

// Reset clears windowing and run state and resets the detector.
func (e *Engine) Reset() error {
	e.mu.Lock()
	e.pending = e.pending[:0]
	e.speaking = false
	e.silence = 0
	e.processed = 0
	e.mu.Unlock()
	return e.det.Reset()
}

// Close destroys the underlying detector.
func (e *Engine) Close() error {
	return e.det.Destroy()
}

var _ SpeechDetector = (*Engine)(nil)
