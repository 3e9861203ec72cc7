// ring_buffer.go implements a fixed-size circular byte buffer. The playout
// pacer uses it as a jitter buffer for decoded telephony audio; when the
// producer outruns the consumer the oldest audio is overwritten rather than
// growing the buffer without bound.

package audio

import (
	"sync"
)

// RingBuffer is a fixed-size circular buffer for PCM bytes.
// Writes past capacity overwrite the oldest data. Thread-safe.
type RingBuffer struct {
	data     []byte
	capacity int
	readPos  int // next read position
	size     int // bytes currently buffered
	mu       sync.Mutex
}

// NewRingBuffer creates a ring sized for durationMs of 16-bit mono PCM at
// sampleRate.
func NewRingBuffer(sampleRate, durationMs int) *RingBuffer {
	capacity := sampleRate * durationMs / 1000 * BytesPerSample
	if capacity < BytesPerSample {
		capacity = BytesPerSample
	}
	return &RingBuffer{
		data:     make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends data. When the ring is full the oldest bytes are dropped to
// make room; a write larger than the whole ring keeps only its tail.
func (rb *RingBuffer) Write(data []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(data)
	if n == 0 {
		return
	}
	if n >= rb.capacity {
		copy(rb.data, data[n-rb.capacity:])
		rb.readPos = 0
		rb.size = rb.capacity
		return
	}

	writePos := (rb.readPos + rb.size) % rb.capacity
	spaceToEnd := rb.capacity - writePos
	if n <= spaceToEnd {
		copy(rb.data[writePos:], data)
	} else {
		copy(rb.data[writePos:], data[:spaceToEnd])
		copy(rb.data, data[spaceToEnd:])
	}

	rb.size += n
	if rb.size > rb.capacity {
		// Oldest bytes were overwritten; advance the read position past them.
		rb.readPos = (rb.readPos + rb.size - rb.capacity) % rb.capacity
		rb.size = rb.capacity
	}
}

// Read consumes up to len(p) of the oldest buffered bytes into p and returns
// how many were copied. Returns 0 when the ring is empty.
func (rb *RingBuffer) Read(p []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(p)
	if n > rb.size {
		n = rb.size
	}
	if n == 0 {
		return 0
	}

	firstPart := rb.capacity - rb.readPos
	if firstPart >= n {
		copy(p, rb.data[rb.readPos:rb.readPos+n])
	} else {
		copy(p, rb.data[rb.readPos:])
		copy(p[firstPart:], rb.data[:n-firstPart])
	}
	rb.readPos = (rb.readPos + n) % rb.capacity
	rb.size -= n
	return n
}

// ReadAll returns the buffered bytes in chronological order without
// consuming them.
func (rb *RingBuffer) ReadAll() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size == 0 {
		return nil
	}
	result := make([]byte, rb.size)
	firstPart := rb.capacity - rb.readPos
	if firstPart >= rb.size {
		copy(result, rb.data[rb.readPos:rb.readPos+rb.size])
	} else {
		copy(result, rb.data[rb.readPos:])
		copy(result[firstPart:], rb.data[:rb.size-firstPart])
	}
	return result
}

// Clear resets the buffer to empty.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.readPos = 0
	rb.size = 0
}

// Size returns the number of buffered bytes.
func (rb *RingBuffer) Size() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}

// Capacity returns the total capacity in bytes.
func (rb *RingBuffer) Capacity() int {
	return rb.capacity
}
