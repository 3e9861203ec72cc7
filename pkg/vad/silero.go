package vad

import "errors"

// ErrSileroUnavailable is returned by NewSileroEngine in binaries built
// without the "vad" tag.
var ErrSileroUnavailable = errors.New("vad: silero support not built in (rebuild with -tags vad)")

// SileroConfig configures the Silero-backed speech detector. The model runs
// through ONNX Runtime, so builds carrying it need the shared library
// installed alongside the silero_vad.onnx weights.
type SileroConfig struct {
	// ModelPath points at the silero_vad.onnx file. Required.
	ModelPath string
	// SampleRate of the incoming PCM16 stream. 8000 or 16000.
	SampleRate int
	// Threshold is the model's speech probability cutoff.
	Threshold float32
	// MinSilenceDurationMs ends a speech segment after this much silence.
	MinSilenceDurationMs int
	// SpeechPadMs pads detected segments at both edges.
	SpeechPadMs int
}

// DefaultSileroConfig mirrors the model's recommended operating point.
func DefaultSileroConfig() SileroConfig {
	return SileroConfig{
		SampleRate:           16000,
		Threshold:            0.5,
		MinSilenceDurationMs: 100,
		SpeechPadMs:          30,
	}
}

func (c *SileroConfig) normalize() error {
	if c.ModelPath == "" {
		return errors.New("vad: silero model path is required")
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.SampleRate != 8000 && c.SampleRate != 16000 {
		return errors.New("vad: silero supports 8000 or 16000 Hz only")
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = 0.5
	}
	if c.MinSilenceDurationMs <= 0 {
		c.MinSilenceDurationMs = 100
	}
	if c.SpeechPadMs < 0 {
		c.SpeechPadMs = 0
	}
	return nil
}

// windowSamples is the model's fixed inference window: 512 samples at
// 16 kHz, 256 at 8 kHz.
func (c SileroConfig) windowSamples() int {
	if c.SampleRate == 8000 {
		return 256
	}
	return 512
}
