package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAudioPacer(t *testing.T) {
	ap, err := NewAudioPacer()
	require.NoError(t, err)
	defer ap.Close()

	// 20ms at 16kHz mono: 16000 * 20 / 1000 * 2 = 640 bytes
	expectedFrameSize := ap.BytesPerFrame()
	assert.Equal(t, 640, expectedFrameSize)

	t.Run("Empty buffer returns silence", func(t *testing.T) {
		frame := ap.ReadFrame()
		assert.Equal(t, expectedFrameSize, len(frame))
		for _, b := range frame {
			assert.Equal(t, byte(0), b)
		}
	})

	t.Run("Write and read exact frame", func(t *testing.T) {
		testData := make([]byte, expectedFrameSize)
		for i := range testData {
			testData[i] = byte(i % 256)
		}

		err := ap.Write(testData)
		require.NoError(t, err)

		frame := ap.ReadFrame()
		assert.Equal(t, expectedFrameSize, len(frame))
		assert.Equal(t, testData, frame)
	})

	t.Run("Write partial frame pads with silence", func(t *testing.T) {
		halfFrame := expectedFrameSize / 2
		testData := make([]byte, halfFrame)
		for i := range testData {
			testData[i] = byte((i % 254) + 1)
		}

		err := ap.Write(testData)
		require.NoError(t, err)

		frame := ap.ReadFrame()
		assert.Equal(t, expectedFrameSize, len(frame))
		assert.Equal(t, testData, frame[:halfFrame])
		for _, b := range frame[halfFrame:] {
			assert.Equal(t, byte(0), b)
		}
	})

	t.Run("Write multiple frames", func(t *testing.T) {
		testData := make([]byte, expectedFrameSize*3)
		for i := range testData {
			testData[i] = byte((i % 254) + 1)
		}

		err := ap.Write(testData)
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			frame := ap.ReadFrame()
			assert.Equal(t, expectedFrameSize, len(frame))
			assert.Equal(t, testData[i*expectedFrameSize:(i+1)*expectedFrameSize], frame, "frame %d", i)
		}

		// Fourth frame is silence.
		frame := ap.ReadFrame()
		for _, b := range frame {
			assert.Equal(t, byte(0), b)
		}
	})

	t.Run("Clear drops buffer and re-arms accumulation", func(t *testing.T) {
		testData := make([]byte, expectedFrameSize)
		for i := range testData {
			testData[i] = byte((i % 254) + 1)
		}
		err := ap.Write(testData)
		require.NoError(t, err)

		ap.Clear()
		assert.Equal(t, 0, ap.Available())

		// One frame is not enough to leave accumulation; silence until
		// the threshold refills.
		err = ap.Write(testData)
		require.NoError(t, err)
		frame := ap.ReadFrame()
		for _, b := range frame {
			assert.Equal(t, byte(0), b)
		}

		// Ten frames (200ms) cross the threshold.
		more := make([]byte, expectedFrameSize*10)
		for i := range more {
			more[i] = byte((i % 254) + 1)
		}
		err = ap.Write(more)
		require.NoError(t, err)
		frame = ap.ReadFrame()
		assert.Equal(t, testData, frame)
	})

	t.Run("Write empty data", func(t *testing.T) {
		err := ap.Write([]byte{})
		assert.NoError(t, err)
	})
}

func TestAudioPacer_PauseResume(t *testing.T) {
	ap, err := NewAudioPacer()
	require.NoError(t, err)
	defer ap.Close()

	expectedFrameSize := ap.BytesPerFrame()

	testData := make([]byte, expectedFrameSize*5)
	for i := range testData {
		testData[i] = byte((i % 254) + 1)
	}
	err = ap.Write(testData)
	require.NoError(t, err)

	assert.True(t, ap.Available() > 0)
	assert.False(t, ap.IsPaused())

	ap.Pause()
	assert.True(t, ap.IsPaused())

	// Silence while paused, buffer intact.
	frame := ap.ReadFrame()
	assert.Equal(t, expectedFrameSize, len(frame))
	for _, b := range frame {
		assert.Equal(t, byte(0), b)
	}
	assert.Equal(t, expectedFrameSize*5, ap.Available())

	ap.Resume()
	assert.False(t, ap.IsPaused())

	frame = ap.ReadFrame()
	assert.Equal(t, testData[:expectedFrameSize], frame)
}

func TestAudioPacer_ClearWithFadeOut(t *testing.T) {
	ap, err := NewAudioPacerWithConfig(AudioPacerConfig{
		SampleRate: UpstreamRate,
		Channels:   1,
	})
	require.NoError(t, err)
	defer ap.Close()

	expectedFrameSize := ap.BytesPerFrame()

	t.Run("FadeOut keeps a decaying head", func(t *testing.T) {
		// 200ms of constant 0x4000 amplitude.
		testData := make([]byte, expectedFrameSize*10)
		for i := 0; i < len(testData); i += 2 {
			testData[i] = 0x00
			testData[i+1] = 0x40
		}
		err := ap.Write(testData)
		require.NoError(t, err)

		ap.ClearWithFadeOut(50)

		// At most 50ms survives, faded toward zero.
		fadeBytes := UpstreamRate * 50 / 1000 * BytesPerSample
		assert.LessOrEqual(t, ap.Available(), fadeBytes)
		kept := make([]byte, ap.Available())
		ap.ring.Read(kept)
		if len(kept) >= 4 {
			first := int16(kept[0]) | int16(kept[1])<<8
			last := int16(kept[len(kept)-2]) | int16(kept[len(kept)-1])<<8
			assert.Greater(t, first, last, "fade should decay toward silence")
		}
	})

	t.Run("Zero ms clears immediately", func(t *testing.T) {
		testData := make([]byte, expectedFrameSize*5)
		for i := range testData {
			testData[i] = byte(i % 256)
		}
		err := ap.Write(testData)
		require.NoError(t, err)

		ap.ClearWithFadeOut(0)
		assert.Equal(t, 0, ap.Available())
	})
}

func TestAudioPacerWithConfig(t *testing.T) {
	t.Run("Upstream rate 24kHz", func(t *testing.T) {
		ap, err := NewAudioPacerWithConfig(AudioPacerConfig{
			SampleRate: UpstreamRate,
			Channels:   1,
		})
		require.NoError(t, err)
		defer ap.Close()

		// 20ms at 24kHz: 24000 * 20 / 1000 * 2 = 960 bytes
		assert.Equal(t, 960, ap.BytesPerFrame())
		assert.Equal(t, 24000, ap.SampleRate())
	})

	t.Run("Telephony rate 8kHz", func(t *testing.T) {
		ap, err := NewAudioPacerWithConfig(AudioPacerConfig{
			SampleRate: TelephonyRate,
			Channels:   1,
		})
		require.NoError(t, err)
		defer ap.Close()

		// 20ms at 8kHz: 8000 * 20 / 1000 * 2 = 320 bytes
		assert.Equal(t, 320, ap.BytesPerFrame())
		assert.Equal(t, 8000, ap.SampleRate())
	})

	t.Run("Zero values fall back to defaults", func(t *testing.T) {
		ap, err := NewAudioPacerWithConfig(AudioPacerConfig{})
		require.NoError(t, err)
		defer ap.Close()

		assert.Equal(t, LPCM16Rate, ap.SampleRate())
	})
}
