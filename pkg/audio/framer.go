// framer.go slices an outbound byte stream into fixed-size telephony frames.
// Twilio media frames are exactly 160 µ-law bytes (20 ms at 8 kHz); audio
// arrives from the upstream model in arbitrary chunk sizes, so the framer
// accumulates a remainder between writes and only pads with silence when the
// stream is flushed or cut.

package audio

import (
	"sync"
)

// Telephony framing constants for the 8 kHz µ-law leg.
const (
	TelephonyRate   = 8000
	FrameDurationMs = 20
	FrameSizeMuLaw  = 160
)

// Framer accumulates encoded audio and emits exact fixed-size frames.
// Thread-safe: the upstream consumer writes while a barge-in may clear.
type Framer struct {
	mu         sync.Mutex
	buffer     []byte
	frameBytes int
	silence    byte
}

// NewFramer creates a framer emitting frameBytes-sized frames, padding with
// the given silence byte on flush.
func NewFramer(frameBytes int, silence byte) *Framer {
	if frameBytes <= 0 {
		frameBytes = FrameSizeMuLaw
	}
	return &Framer{
		buffer:     make([]byte, 0, frameBytes*50),
		frameBytes: frameBytes,
		silence:    silence,
	}
}

// Write appends data and returns every complete frame now available. The
// remainder stays buffered for the next write.
func (f *Framer) Write(data []byte) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.buffer = append(f.buffer, data...)

	n := len(f.buffer) / f.frameBytes
	if n == 0 {
		return nil
	}
	frames := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		frame := make([]byte, f.frameBytes)
		copy(frame, f.buffer[i*f.frameBytes:])
		frames = append(frames, frame)
	}
	f.buffer = append(f.buffer[:0], f.buffer[n*f.frameBytes:]...)
	return frames
}

// Flush returns the buffered remainder as one final frame, right-padded with
// silence to the frame size. Returns nil when nothing is buffered.
func (f *Framer) Flush() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.buffer) == 0 {
		return nil
	}
	frame := make([]byte, f.frameBytes)
	copy(frame, f.buffer)
	for i := len(f.buffer); i < f.frameBytes; i++ {
		frame[i] = f.silence
	}
	f.buffer = f.buffer[:0]
	return frame
}

// Clear drops all buffered audio and returns how many bytes were discarded.
// Used when the caller interrupts playback.
func (f *Framer) Clear() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	dropped := len(f.buffer)
	f.buffer = f.buffer[:0]
	return dropped
}

// Buffered returns the number of bytes awaiting a complete frame.
func (f *Framer) Buffered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buffer)
}
