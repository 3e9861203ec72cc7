package realtimeapi

import (
	"context"
	"time"
)

// AudioChunk is one decoded audio delta received from the upstream model.
// ResponseID and ItemID identify the response turn the chunk belongs to so
// consumers can discard chunks from a cancelled response. Binary frames that
// arrive outside a response carry empty IDs.
type AudioChunk struct {
	ResponseID string
	ItemID     string
	Data       []byte
}

// audioQueue is the bounded FIFO between the receiver task and the consumer.
// The producer never blocks: when the queue is full the incoming chunk is
// dropped and the caller logs a warning. A soft watermark at 80% capacity
// reports backpressure so the consumer can throttle upstream sends.
type audioQueue struct {
	ch        chan AudioChunk
	watermark int
}

func newAudioQueue(capacity int) *audioQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &audioQueue{
		ch:        make(chan AudioChunk, capacity),
		watermark: (capacity*4 + 4) / 5,
	}
}

// Push enqueues a chunk without blocking. It returns false when the queue is
// full and the chunk was dropped.
func (q *audioQueue) Push(chunk AudioChunk) bool {
	select {
	case q.ch <- chunk:
		return true
	default:
		return false
	}
}

// TryPop returns the next chunk without waiting.
func (q *audioQueue) TryPop() (AudioChunk, bool) {
	select {
	case chunk := <-q.ch:
		return chunk, true
	default:
		return AudioChunk{}, false
	}
}

// Pop returns the next chunk, waiting up to timeout when the queue is empty.
// The second return value is false when no chunk arrived in time; that is not
// an error, just an empty poll.
func (q *audioQueue) Pop(ctx context.Context, timeout time.Duration) (AudioChunk, bool) {
	if chunk, ok := q.TryPop(); ok {
		return chunk, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case chunk := <-q.ch:
		return chunk, true
	case <-timer.C:
		return AudioChunk{}, false
	case <-ctx.Done():
		return AudioChunk{}, false
	}
}

// Pressure reports whether the queue depth is at or above the 80% watermark.
func (q *audioQueue) Pressure() bool {
	return len(q.ch) >= q.watermark
}

// Len returns the current queue depth.
func (q *audioQueue) Len() int {
	return len(q.ch)
}

// Drain discards all queued chunks and returns how many were dropped.
func (q *audioQueue) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}
