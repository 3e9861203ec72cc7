package realtimeapi

import (
	"errors"
	"testing"
	"time"
)

func TestRateLimiter_RequestCap(t *testing.T) {
	now := time.Now()
	l := newRateLimiter(time.Minute, 3, 1<<20)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if err := l.allow(0); err != nil {
			t.Fatalf("request %d should be allowed: %v", i+1, err)
		}
	}

	if err := l.allow(0); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// A rejected send leaves the window untouched.
	count, _ := l.depth()
	if count != 3 {
		t.Errorf("expected 3 entries after rejection, got %d", count)
	}
}

func TestRateLimiter_HundredRequestWindow(t *testing.T) {
	now := time.Now()
	l := newRateLimiter(0, 0, 0) // defaults: 100 requests / 10 MiB per 60s
	l.now = func() time.Time { return now }

	for i := 0; i < 100; i++ {
		if err := l.allow(0); err != nil {
			t.Fatalf("request %d rejected: %v", i+1, err)
		}
	}
	if err := l.allow(0); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected the 101st request to be rejected, got %v", err)
	}
}

func TestRateLimiter_ByteCap(t *testing.T) {
	now := time.Now()
	l := newRateLimiter(time.Minute, 100, 10)
	l.now = func() time.Time { return now }

	if err := l.allow(6); err != nil {
		t.Fatalf("6 bytes should be allowed: %v", err)
	}
	if err := l.allow(5); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited at 11 bytes total, got %v", err)
	}
	// The rejection consumed nothing, so a smaller send still fits.
	if err := l.allow(4); err != nil {
		t.Fatalf("4 bytes should fit after the rejection: %v", err)
	}

	count, bytes := l.depth()
	if count != 2 || bytes != 10 {
		t.Errorf("expected 2 entries / 10 bytes in window, got %d / %d", count, bytes)
	}
}

func TestRateLimiter_Eviction(t *testing.T) {
	now := time.Now()
	l := newRateLimiter(time.Minute, 2, 1<<20)
	l.now = func() time.Time { return now }

	if err := l.allow(100); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if err := l.allow(100); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if err := l.allow(0); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// Entries older than the window are evicted on inspection.
	now = now.Add(61 * time.Second)

	if err := l.allow(0); err != nil {
		t.Fatalf("expected allow after window passed: %v", err)
	}
	count, bytes := l.depth()
	if count != 1 || bytes != 0 {
		t.Errorf("expected 1 entry / 0 bytes after eviction, got %d / %d", count, bytes)
	}
}

func TestRateLimiter_PartialEviction(t *testing.T) {
	base := time.Now()
	now := base
	l := newRateLimiter(time.Minute, 100, 1<<20)
	l.now = func() time.Time { return now }

	if err := l.allow(10); err != nil {
		t.Fatalf("allow: %v", err)
	}
	now = base.Add(30 * time.Second)
	if err := l.allow(20); err != nil {
		t.Fatalf("allow: %v", err)
	}

	// Only the first entry has aged out.
	now = base.Add(61 * time.Second)
	count, bytes := l.depth()
	if count != 1 || bytes != 20 {
		t.Errorf("expected 1 entry / 20 bytes, got %d / %d", count, bytes)
	}
}

func TestRateLimiter_Reset(t *testing.T) {
	l := newRateLimiter(time.Minute, 2, 1<<20)
	l.allow(100)
	l.allow(100)
	l.reset()

	count, bytes := l.depth()
	if count != 0 || bytes != 0 {
		t.Errorf("expected empty window after reset, got %d / %d", count, bytes)
	}
	if err := l.allow(0); err != nil {
		t.Errorf("expected allow after reset: %v", err)
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	l := newRateLimiter(0, 0, 0)
	if l.window != defaultRateWindow {
		t.Errorf("expected window %v, got %v", defaultRateWindow, l.window)
	}
	if l.maxRequests != defaultMaxRequests {
		t.Errorf("expected max requests %d, got %d", defaultMaxRequests, l.maxRequests)
	}
	if l.maxBytes != defaultMaxWindowBytes {
		t.Errorf("expected max bytes %d, got %d", int64(defaultMaxWindowBytes), l.maxBytes)
	}
}
