// Package state tracks per-session response lifecycles for the loopback
// upstream. At most one response is active per session; its accumulated
// output is retained until a terminal status is recorded.
package state

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicebridge-ai/voicebridge/pkg/realtimeapi/events"
)

// ResponseState is the lifecycle state of a tracked response.
type ResponseState int

const (
	ResponseStateIdle ResponseState = iota
	ResponseStateInProgress
	ResponseStateCompleted
	ResponseStateFailed
	ResponseStateCancelled
)

func (s ResponseState) String() string {
	switch s {
	case ResponseStateIdle:
		return "idle"
	case ResponseStateInProgress:
		return "in_progress"
	case ResponseStateCompleted:
		return "completed"
	case ResponseStateFailed:
		return "failed"
	case ResponseStateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

var (
	ErrNoActiveResponse      = errors.New("no active response")
	ErrResponseAlreadyActive = errors.New("response already active")
	ErrResponseFinished      = errors.New("response already finished")
)

// ResponseContext is a snapshot of one tracked response turn.
type ResponseContext struct {
	ResponseID   string
	ItemID       string
	OutputIndex  int
	ContentIndex int
	ContentType  events.ContentType
	State        ResponseState
	StartedAt    time.Time
	Audio        []byte
	Text         string
	Transcript   string
}

// Tracker serializes response turns for one session. Begin fails while a
// previous turn is still in progress; a finished turn stays readable until
// the next Begin overwrites it.
type Tracker struct {
	mu      sync.RWMutex
	current *ResponseContext
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Begin registers a new response turn and mints its response and item IDs.
func (t *Tracker) Begin(contentType events.ContentType) (ResponseContext, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current != nil && t.current.State == ResponseStateInProgress {
		return ResponseContext{}, ErrResponseAlreadyActive
	}
	t.current = &ResponseContext{
		ResponseID:  "resp_" + uuid.New().String()[:8],
		ItemID:      "item_" + uuid.New().String()[:8],
		ContentType: contentType,
		State:       ResponseStateInProgress,
		StartedAt:   time.Now(),
	}
	return t.snapshotLocked(), nil
}

// Active returns a snapshot of the in-progress response, if any.
func (t *Tracker) Active() (ResponseContext, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.current == nil || t.current.State != ResponseStateInProgress {
		return ResponseContext{}, false
	}
	return t.snapshotLocked(), true
}

// ActiveID returns the in-progress response ID, or "" when idle.
func (t *Tracker) ActiveID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.current == nil || t.current.State != ResponseStateInProgress {
		return ""
	}
	return t.current.ResponseID
}

// HasActive reports whether a response turn is in progress.
func (t *Tracker) HasActive() bool {
	return t.ActiveID() != ""
}

// AppendAudio accumulates streamed audio on the active response.
func (t *Tracker) AppendAudio(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil || t.current.State != ResponseStateInProgress {
		return ErrNoActiveResponse
	}
	t.current.Audio = append(t.current.Audio, p...)
	return nil
}

// AppendText accumulates streamed text on the active response.
func (t *Tracker) AppendText(s string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil || t.current.State != ResponseStateInProgress {
		return ErrNoActiveResponse
	}
	t.current.Text += s
	return nil
}

// AppendTranscript accumulates streamed audio transcript on the active
// response.
func (t *Tracker) AppendTranscript(s string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil || t.current.State != ResponseStateInProgress {
		return ErrNoActiveResponse
	}
	t.current.Transcript += s
	return nil
}

// Finish records the terminal status and returns the final snapshot. A second
// Finish on the same turn returns ErrResponseFinished.
func (t *Tracker) Finish(status events.ResponseStatus) (ResponseContext, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == nil {
		return ResponseContext{}, ErrNoActiveResponse
	}
	if t.current.State != ResponseStateInProgress {
		return ResponseContext{}, ErrResponseFinished
	}

	switch status {
	case events.ResponseStatusCancelled:
		t.current.State = ResponseStateCancelled
	case events.ResponseStatusFailed:
		t.current.State = ResponseStateFailed
	default:
		t.current.State = ResponseStateCompleted
	}
	return t.snapshotLocked(), nil
}

// Reset forgets any tracked response, active or finished.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = nil
}

// snapshotLocked copies the current context so callers cannot alias the
// accumulation buffers. Callers hold t.mu in at least read mode.
func (t *Tracker) snapshotLocked() ResponseContext {
	ctx := *t.current
	if len(t.current.Audio) > 0 {
		ctx.Audio = append([]byte(nil), t.current.Audio...)
	}
	return ctx
}
