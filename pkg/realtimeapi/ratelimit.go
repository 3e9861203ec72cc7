package realtimeapi

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimited is returned by SendEvent when the sliding send window is
// exhausted. The caller decides whether to retry; the client never waits.
var ErrRateLimited = errors.New("rate limit exceeded")

const (
	defaultRateWindow     = 60 * time.Second
	defaultMaxRequests    = 100
	defaultMaxWindowBytes = 10 << 20 // 10 MiB
)

type rateEntry struct {
	at    time.Time
	bytes int64
}

// rateLimiter tracks sends over a sliding window. Audio appends are charged
// their serialized size; control events are charged zero bytes but still
// consume a request slot. A rejected send leaves the window untouched.
type rateLimiter struct {
	mu          sync.Mutex
	window      time.Duration
	maxRequests int
	maxBytes    int64
	entries     []rateEntry
	bytes       int64
	now         func() time.Time
}

func newRateLimiter(window time.Duration, maxRequests int, maxBytes int64) *rateLimiter {
	if window <= 0 {
		window = defaultRateWindow
	}
	if maxRequests <= 0 {
		maxRequests = defaultMaxRequests
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxWindowBytes
	}
	return &rateLimiter{
		window:      window,
		maxRequests: maxRequests,
		maxBytes:    maxBytes,
		now:         time.Now,
	}
}

// allow records one send of the given size, or returns ErrRateLimited when
// either budget would be exceeded. Expired entries are evicted first.
func (l *rateLimiter) allow(eventBytes int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evictLocked(now)

	if len(l.entries) >= l.maxRequests {
		return fmt.Errorf("%w: %d requests in the last %v", ErrRateLimited, len(l.entries), l.window)
	}
	if l.bytes+eventBytes > l.maxBytes {
		return fmt.Errorf("%w: %d bytes in the last %v", ErrRateLimited, l.bytes+eventBytes, l.window)
	}

	l.entries = append(l.entries, rateEntry{at: now, bytes: eventBytes})
	l.bytes += eventBytes
	return nil
}

func (l *rateLimiter) evictLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.entries) && !l.entries[i].at.After(cutoff) {
		l.bytes -= l.entries[i].bytes
		i++
	}
	if i > 0 {
		l.entries = append(l.entries[:0], l.entries[i:]...)
	}
}

// depth returns the current request count and byte sum after eviction.
func (l *rateLimiter) depth() (int, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked(l.now())
	return len(l.entries), l.bytes
}

// reset clears the window. Called on Close.
func (l *rateLimiter) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = l.entries[:0]
	l.bytes = 0
}
