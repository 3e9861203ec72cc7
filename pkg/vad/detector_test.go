//go:build vad

package vad

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

// modelPath finds the silero weights in the usual spots, or skips.
func modelPath(t *testing.T) string {
	t.Helper()
	paths := []string{
		os.Getenv("VAD_MODEL_PATH"),
		"../../models/silero_vad.onnx",
		"models/silero_vad.onnx",
		"/tmp/silero_vad.onnx",
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		if _, err := os.Stat(abs); err == nil {
			return abs
		}
	}
	t.Skip("silero_vad.onnx not found, skipping model test")
	return ""
}

func TestNewSileroEngine_BadModelPath(t *testing.T) {
	_, err := NewSileroEngine(SileroConfig{ModelPath: "/nonexistent/model.onnx"})
	if err == nil {
		t.Fatal("expected an error for a missing model file")
	}
}

func TestSileroEngine_SilenceAndTone(t *testing.T) {
	engine, err := NewSileroEngine(SileroConfig{
		ModelPath:  modelPath(t),
		SampleRate: 16000,
	})
	if err != nil {
		t.Fatalf("NewSileroEngine: %v", err)
	}
	defer engine.Close()

	// One second of silence should produce no boundaries.
	silence := make([]byte, 16000*2)
	boundaries, err := engine.ProcessPCM16(silence)
	if err != nil {
		t.Fatalf("ProcessPCM16(silence): %v", err)
	}
	if len(boundaries) != 0 {
		t.Fatalf("silence produced %d boundaries", len(boundaries))
	}
	if engine.Speaking() {
		t.Fatal("speaking after pure silence")
	}

	// A loud 300 Hz tone is not guaranteed to be classified as speech, but
	// processing it must not error and state must stay consistent.
	tone := make([]byte, 16000*2)
	for i := 0; i < 16000; i++ {
		v := int16(20000 * math.Sin(2*math.Pi*300*float64(i)/16000))
		tone[2*i] = byte(v)
		tone[2*i+1] = byte(v >> 8)
	}
	if _, err := engine.ProcessPCM16(tone); err != nil {
		t.Fatalf("ProcessPCM16(tone): %v", err)
	}

	if err := engine.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if engine.Speaking() {
		t.Fatal("speaking after reset")
	}
}
