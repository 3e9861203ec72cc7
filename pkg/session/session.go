// Package session models the telephony-side control plane for one call: the
// call lifecycle state machine, the user/play substream states, and the frame
// templates of both supported dialects.
//
// A Manager serves either end of the control plane. The bridge feeds inbound
// platform frames to the Handle* methods and emits replies from the Build*
// methods; a local client drives the same machine from the caller side with
// the caller-facing builders. Both ends walk the same lifecycle:
//
//	Disconnected -> Connecting -> Initiating -> Active <-> Resuming
//	                                              |
//	                                              v
//	                                      Ending | Error
//
// Transitions are monotonic except Active <-> Resuming; Ending and Error are
// terminal. The Twilio dialect collapses connected+start into the Active
// transition and has no Initiating state and no resume path.
package session

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Dialect selects the telephony wire protocol a call speaks.
type Dialect int

const (
	// DialectAudioCodes - AudioCodes VoiceAI Connect, "type"-keyed frames.
	DialectAudioCodes Dialect = iota
	// DialectTwilio - Twilio Media Streams, "event"-keyed frames.
	DialectTwilio
)

func (d Dialect) String() string {
	switch d {
	case DialectAudioCodes:
		return "audiocodes"
	case DialectTwilio:
		return "twilio"
	default:
		return "unknown"
	}
}

// Status is the lifecycle state of a call.
type Status int

const (
	// StatusDisconnected - no transport attached yet.
	StatusDisconnected Status = iota
	// StatusConnecting - transport attached, control plane not started.
	StatusConnecting
	// StatusInitiating - session.initiate sent or received, awaiting accept.
	StatusInitiating
	// StatusActive - call established, audio may flow.
	StatusActive
	// StatusResuming - transport lost, awaiting the resume handshake.
	StatusResuming
	// StatusEnding - orderly teardown requested. Terminal.
	StatusEnding
	// StatusError - call failed. Terminal.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusInitiating:
		return "initiating"
	case StatusActive:
		return "active"
	case StatusResuming:
		return "resuming"
	case StatusEnding:
		return "ending"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further status transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusEnding || s == StatusError
}

// StreamState is the state of one audio substream (user or play direction).
type StreamState int

const (
	StreamInactive StreamState = iota
	StreamActive
	StreamStopped
)

func (s StreamState) String() string {
	switch s {
	case StreamInactive:
		return "inactive"
	case StreamActive:
		return "active"
	case StreamStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidTransition rejects a lifecycle or stream move the state
	// machine does not allow.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrMalformedFrame rejects a frame that failed to parse or carries the
	// wrong type for the handler. State is never mutated on this error.
	ErrMalformedFrame = errors.New("malformed session frame")
	// ErrWrongConversation rejects a frame addressed to another call.
	ErrWrongConversation = errors.New("frame for wrong conversation")
	// ErrUnsupportedDialect rejects an operation the call's dialect has no
	// wire representation for.
	ErrUnsupportedDialect = errors.New("operation unsupported by dialect")
	// ErrNotActive rejects an operation requiring an established call.
	ErrNotActive = errors.New("session not active")
)

// Manager owns the control-plane state of one call. All methods are safe for
// concurrent use. The conversation ID is immutable once set.
type Manager struct {
	mu sync.Mutex

	dialect        Dialect
	conversationID string
	botName        string
	caller         string
	mediaFormat    string
	streamSid      string
	accountSid     string

	status      Status
	errorReason string
	endReason   string

	userStream      StreamState
	playStream      StreamState
	playStreamID    string
	speechActive    bool
	speechCommitted bool

	// Caller-side Twilio frame numbering.
	twilioSeq   int
	mediaChunks int

	createdAt    time.Time
	lastActivity time.Time
}

// NewManager creates the control-plane model for one call in status
// Connecting. An empty conversationID allocates a fresh UUID.
func NewManager(dialect Dialect, conversationID string) *Manager {
	if conversationID == "" {
		conversationID = uuid.New().String()
	}
	now := time.Now()
	return &Manager{
		dialect:        dialect,
		conversationID: conversationID,
		status:         StatusConnecting,
		createdAt:      now,
		lastActivity:   now,
	}
}

// Dialect returns the call's telephony dialect.
func (m *Manager) Dialect() Dialect { return m.dialect }

// ConversationID returns the immutable call identifier.
func (m *Manager) ConversationID() string { return m.conversationID }

// Status returns the current lifecycle state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// BotName returns the bot name recorded from the initiate exchange.
func (m *Manager) BotName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.botName
}

// Caller returns the caller identity recorded from the initiate exchange.
func (m *Manager) Caller() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.caller
}

// MediaFormat returns the negotiated platform-side media format. Empty until
// negotiation completes.
func (m *Manager) MediaFormat() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mediaFormat
}

// StreamSid returns the Twilio stream SID, empty for other dialects or before
// the start frame.
func (m *Manager) StreamSid() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamSid
}

// ErrorReason returns the reason recorded when the call entered Error.
func (m *Manager) ErrorReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errorReason
}

// EndReason returns the reason recorded when the call entered Ending.
func (m *Manager) EndReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endReason
}

// CreatedAt returns the call creation time.
func (m *Manager) CreatedAt() time.Time { return m.createdAt }

// LastActivity returns the time of the most recent frame in either direction.
func (m *Manager) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// Touch records control-plane activity for idle-session sweeping.
func (m *Manager) Touch() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()
}

// canTransition reports whether the lifecycle may move from one status to
// another under the call's dialect.
func (m *Manager) canTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusConnecting:
		return from == StatusDisconnected
	case StatusInitiating:
		return m.dialect == DialectAudioCodes && from == StatusConnecting
	case StatusActive:
		if m.dialect == DialectTwilio {
			return from == StatusConnecting
		}
		return from == StatusInitiating || from == StatusResuming
	case StatusResuming:
		return m.dialect == DialectAudioCodes && from == StatusActive
	case StatusEnding, StatusError:
		return true
	default:
		return false
	}
}

// setStatus performs one guarded transition. Callers hold m.mu.
func (m *Manager) setStatus(to Status) error {
	if m.status == to {
		return nil
	}
	if !m.canTransition(m.status, to) {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, m.status, to, m.dialect)
	}
	log.Printf("[Session %s] status %s -> %s", m.conversationID, m.status, to)
	m.status = to
	m.lastActivity = time.Now()
	return nil
}

// MarkConnectionLost records a dropped transport. AudioCodes calls park in
// Resuming and wait for a session.resume on a fresh socket; Twilio streams
// cannot resume and go straight to Ending. Returns the resulting status.
func (m *Manager) MarkConnectionLost() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Terminal() {
		return m.status
	}
	if m.dialect == DialectAudioCodes && (m.status == StatusActive || m.status == StatusResuming) {
		_ = m.setStatus(StatusResuming)
		return m.status
	}
	_ = m.setStatus(StatusEnding)
	return m.status
}

// Fail moves the call to Error and records the reason. Safe on terminal
// sessions, where only the reason is recorded.
func (m *Manager) Fail(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failLocked(reason)
}

func (m *Manager) failLocked(reason string) {
	if m.errorReason == "" {
		m.errorReason = reason
	}
	if m.status.Terminal() {
		return
	}
	_ = m.setStatus(StatusError)
}

// End moves the call to Ending. Idempotent.
func (m *Manager) End(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endLocked(reason)
}

func (m *Manager) endLocked(reason string) {
	if m.endReason == "" {
		m.endReason = reason
	}
	if m.status.Terminal() {
		return
	}
	_ = m.setStatus(StatusEnding)
}

// UserStreamStarted marks the platform->upstream audio substream active. The
// call itself must be Active.
func (m *Manager) UserStreamStarted() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startUserStreamLocked()
}

func (m *Manager) startUserStreamLocked() error {
	if m.status != StatusActive {
		return fmt.Errorf("%w: user stream start in status %s", ErrNotActive, m.status)
	}
	if m.userStream == StreamActive {
		return fmt.Errorf("%w: user stream already active", ErrInvalidTransition)
	}
	m.userStream = StreamActive
	m.speechCommitted = false
	m.lastActivity = time.Now()
	return nil
}

// UserStreamStopped marks the platform->upstream audio substream stopped.
func (m *Manager) UserStreamStopped() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopUserStreamLocked()
}

func (m *Manager) stopUserStreamLocked() error {
	if m.userStream != StreamActive {
		return fmt.Errorf("%w: user stream stop while %s", ErrInvalidTransition, m.userStream)
	}
	m.userStream = StreamStopped
	m.lastActivity = time.Now()
	return nil
}

// UserStream returns the user substream state.
func (m *Manager) UserStream() StreamState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userStream
}

// CanAcceptUserAudio reports whether an inbound audio chunk is valid right
// now: the call is Active and the user substream is open.
func (m *Manager) CanAcceptUserAudio() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == StatusActive && m.userStream == StreamActive
}

// PlayStreamStarted marks the upstream->platform substream active under the
// given stream ID. Only one play stream may be open at a time.
func (m *Manager) PlayStreamStarted(streamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startPlayStreamLocked(streamID)
}

func (m *Manager) startPlayStreamLocked(streamID string) error {
	if m.status != StatusActive {
		return fmt.Errorf("%w: play stream start in status %s", ErrNotActive, m.status)
	}
	if m.playStream == StreamActive {
		return fmt.Errorf("%w: play stream %s still open", ErrInvalidTransition, m.playStreamID)
	}
	if streamID == "" {
		return fmt.Errorf("%w: play stream needs a stream id", ErrInvalidTransition)
	}
	m.playStream = StreamActive
	m.playStreamID = streamID
	m.lastActivity = time.Now()
	return nil
}

// PlayStreamStopped closes the open play stream and returns its ID.
func (m *Manager) PlayStreamStopped() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopPlayStreamLocked()
}

func (m *Manager) stopPlayStreamLocked() (string, error) {
	if m.playStream != StreamActive {
		return "", fmt.Errorf("%w: play stream stop while %s", ErrInvalidTransition, m.playStream)
	}
	id := m.playStreamID
	m.playStream = StreamStopped
	m.playStreamID = ""
	m.lastActivity = time.Now()
	return id, nil
}

// PlayStream returns the play substream state.
func (m *Manager) PlayStream() StreamState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playStream
}

// PlayStreamID returns the open play stream's ID, empty when none is open.
func (m *Manager) PlayStreamID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playStreamID
}

// SetSpeechActive records whether voice activity is currently detected.
func (m *Manager) SetSpeechActive(active bool) {
	m.mu.Lock()
	m.speechActive = active
	m.mu.Unlock()
}

// SpeechActive reports whether voice activity is currently detected.
func (m *Manager) SpeechActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speechActive
}

// SetSpeechCommitted records that buffered user audio was committed upstream.
func (m *Manager) SetSpeechCommitted(committed bool) {
	m.mu.Lock()
	m.speechCommitted = committed
	m.mu.Unlock()
}

// SpeechCommitted reports whether the current user turn was committed.
func (m *Manager) SpeechCommitted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speechCommitted
}
