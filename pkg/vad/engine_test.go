package vad

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pcm16Silence builds n samples of little-endian PCM16 zeros. The mock
// detector scores windows regardless of content, so silence is enough.
func pcm16Silence(n int) []byte {
	return make([]byte, n*2)
}

func TestNewEngine(t *testing.T) {
	t.Run("requires a detector", func(t *testing.T) {
		_, err := NewEngine(nil, DefaultEngineConfig())
		require.Error(t, err)
	})

	t.Run("rejects unsupported sample rates", func(t *testing.T) {
		_, err := NewEngine(NewMockDetector(), EngineConfig{SampleRate: 44100})
		require.Error(t, err)
	})

	t.Run("defaults window by rate", func(t *testing.T) {
		e16, err := NewEngine(NewMockDetector(), EngineConfig{})
		require.NoError(t, err)
		assert.Equal(t, 512, e16.cfg.WindowSamples)
		assert.Equal(t, 16000, e16.cfg.SampleRate)

		e8, err := NewEngine(NewMockDetector(), EngineConfig{SampleRate: 8000})
		require.NoError(t, err)
		assert.Equal(t, 256, e8.cfg.WindowSamples)
	})
}

func TestEngine_Boundaries(t *testing.T) {
	// Two speech windows, then silence. 512 samples = 32 ms at 16 kHz; a
	// 64 ms hangover means two silent windows end the run.
	mock := NewMockDetectorWithSequence([]float32{0.9, 0.9, 0.1, 0.1})
	engine, err := NewEngine(mock, EngineConfig{SampleRate: 16000, Threshold: 0.5, MinSilenceMs: 64})
	require.NoError(t, err)

	boundaries, err := engine.ProcessPCM16(pcm16Silence(4 * 512))
	require.NoError(t, err)
	require.Len(t, boundaries, 2)

	assert.Equal(t, SpeechStart, boundaries[0].Kind)
	assert.Equal(t, 32*time.Millisecond, boundaries[0].Offset)

	assert.Equal(t, SpeechEnd, boundaries[1].Kind)
	assert.Equal(t, 128*time.Millisecond, boundaries[1].Offset)

	assert.False(t, engine.Speaking())
	assert.Equal(t, 4, mock.GetInferCallCount())
}

func TestEngine_HangoverBridgesShortSilence(t *testing.T) {
	// One silent window (32 ms) is below the 300 ms hangover, so the speech
	// run continues through it.
	mock := NewMockDetectorWithSequence([]float32{0.9, 0.1, 0.9})
	engine, err := NewEngine(mock, EngineConfig{SampleRate: 16000, MinSilenceMs: 300})
	require.NoError(t, err)

	boundaries, err := engine.ProcessPCM16(pcm16Silence(3 * 512))
	require.NoError(t, err)
	require.Len(t, boundaries, 1)
	assert.Equal(t, SpeechStart, boundaries[0].Kind)
	assert.True(t, engine.Speaking())
}

func TestEngine_BuffersRemainder(t *testing.T) {
	mock := NewMockDetector()
	engine, err := NewEngine(mock, EngineConfig{SampleRate: 16000})
	require.NoError(t, err)

	// 500 samples: below one 512-sample window, nothing scored yet.
	_, err = engine.ProcessPCM16(pcm16Silence(500))
	require.NoError(t, err)
	assert.Equal(t, 0, mock.GetInferCallCount())

	// 12 more samples complete the window.
	_, err = engine.ProcessPCM16(pcm16Silence(12))
	require.NoError(t, err)
	assert.Equal(t, 1, mock.GetInferCallCount())
}

func TestEngine_OddByteCount(t *testing.T) {
	engine, err := NewEngine(NewMockDetector(), DefaultEngineConfig())
	require.NoError(t, err)

	_, err = engine.ProcessPCM16(make([]byte, 3))
	require.Error(t, err)
}

func TestEngine_DetectorError(t *testing.T) {
	boom := errors.New("model exploded")
	mock := NewMockDetector()
	mock.InferFunc = func([]float32) (float32, error) { return 0, boom }

	engine, err := NewEngine(mock, DefaultEngineConfig())
	require.NoError(t, err)

	_, err = engine.ProcessPCM16(pcm16Silence(512))
	require.ErrorIs(t, err, boom)
}

func TestEngine_Reset(t *testing.T) {
	mock := NewMockDetectorWithProb(0.9)
	engine, err := NewEngine(mock, DefaultEngineConfig())
	require.NoError(t, err)

	boundaries, err := engine.ProcessPCM16(pcm16Silence(512))
	require.NoError(t, err)
	require.Len(t, boundaries, 1)
	require.True(t, engine.Speaking())

	require.NoError(t, engine.Reset())
	assert.False(t, engine.Speaking())
	assert.True(t, mock.ResetCalled)

	// Stream time restarts: the next onset lands at the first window edge.
	boundaries, err = engine.ProcessPCM16(pcm16Silence(512))
	require.NoError(t, err)
	require.Len(t, boundaries, 1)
	assert.Equal(t, 32*time.Millisecond, boundaries[0].Offset)
}

func TestEngine_Close(t *testing.T) {
	mock := NewMockDetector()
	engine, err := NewEngine(mock, DefaultEngineConfig())
	require.NoError(t, err)

	require.NoError(t, engine.Close())
	assert.True(t, mock.DestroyCalled)
}

func TestSileroConfig_Normalize(t *testing.T) {
	t.Run("requires a model path", func(t *testing.T) {
		cfg := SileroConfig{}
		require.Error(t, cfg.normalize())
	})

	t.Run("fills defaults", func(t *testing.T) {
		cfg := SileroConfig{ModelPath: "model.onnx"}
		require.NoError(t, cfg.normalize())
		assert.Equal(t, 16000, cfg.SampleRate)
		assert.Equal(t, float32(0.5), cfg.Threshold)
		assert.Equal(t, 100, cfg.MinSilenceDurationMs)
		assert.Equal(t, 512, cfg.windowSamples())
	})

	t.Run("rejects odd sample rates", func(t *testing.T) {
		cfg := SileroConfig{ModelPath: "model.onnx", SampleRate: 44100}
		require.Error(t, cfg.normalize())
	})

	t.Run("window tracks rate", func(t *testing.T) {
		cfg := SileroConfig{ModelPath: "model.onnx", SampleRate: 8000}
		require.NoError(t, cfg.normalize())
		assert.Equal(t, 256, cfg.windowSamples())
	})
}
