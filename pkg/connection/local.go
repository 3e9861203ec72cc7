package connection

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// Device parameters for the dev softphone. Capture matches the AudioCodes
// lpcm16 leg so caller frames go on the wire without a resample; playback
// runs at a device-native rate and the softphone resamples into it.
const (
	CaptureRate  = 16000
	PlaybackRate = 48000

	deviceChannels = 1
	devicePeriodMs = 20

	// prebufferMs is how much audio accumulates before playback starts, so
	// the first bot turn does not stutter while deltas trickle in.
	prebufferMs = 100
)

// LocalAudio owns the machine's capture and playback devices. Captured PCM16
// frames are delivered to the constructor callback from the device thread;
// Play appends PCM16 at PlaybackRate to a buffer the playback device drains,
// padding underruns with silence.
type LocalAudio struct {
	ctx      *malgo.AllocatedContext
	capture  *malgo.Device
	playback *malgo.Device

	mu        sync.Mutex
	playBuf   []byte
	buffering bool
	prebuffer int
	closed    bool
}

// NewLocalAudio initializes both devices and starts capturing. onCapture is
// invoked with a copy of each 20 ms capture period and must not block.
func NewLocalAudio(onCapture func(pcm []byte)) (*LocalAudio, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio context: %w", err)
	}

	a := &LocalAudio{
		ctx:       mctx,
		buffering: true,
		prebuffer: PlaybackRate * prebufferMs / 1000 * 2 * deviceChannels,
	}

	if err := a.startCapture(onCapture); err != nil {
		_ = mctx.Uninit()
		return nil, err
	}
	if err := a.startPlayback(); err != nil {
		a.capture.Uninit()
		_ = mctx.Uninit()
		return nil, err
	}
	return a, nil
}

func (a *LocalAudio) startCapture(onCapture func(pcm []byte)) error {
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.PeriodSizeInMilliseconds = devicePeriodMs
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = deviceChannels
	cfg.SampleRate = CaptureRate
	cfg.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(a.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			pcm := make([]byte, len(input))
			copy(pcm, input)
			onCapture(pcm)
		},
	})
	if err != nil {
		return fmt.Errorf("capture device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("capture start: %w", err)
	}
	a.capture = dev
	return nil
}

func (a *LocalAudio) startPlayback() error {
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.PeriodSizeInMilliseconds = devicePeriodMs
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = deviceChannels
	cfg.SampleRate = PlaybackRate
	cfg.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(a.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) {
			a.mu.Lock()
			n := 0
			if !a.buffering {
				n = copy(out, a.playBuf)
				a.playBuf = a.playBuf[n:]
			}
			a.mu.Unlock()
			for i := n; i < len(out); i++ {
				out[i] = 0
			}
		},
	})
	if err != nil {
		return fmt.Errorf("playback device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("playback start: %w", err)
	}
	a.playback = dev
	return nil
}

// Play queues PCM16 at PlaybackRate for the speaker. Playback holds off until
// the prebuffer fills once.
func (a *LocalAudio) Play(pcm []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.playBuf = append(a.playBuf, pcm...)
	if a.buffering && len(a.playBuf) >= a.prebuffer {
		a.buffering = false
	}
}

// Close stops both devices and releases the audio context.
func (a *LocalAudio) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	if a.capture != nil {
		_ = a.capture.Stop()
		a.capture.Uninit()
	}
	if a.playback != nil {
		_ = a.playback.Stop()
		a.playback.Uninit()
	}
	return a.ctx.Uninit()
}
