package session

import (
	"fmt"
	"time"

	"github.com/voicebridge-ai/voicebridge/pkg/audiocodes"
	"github.com/voicebridge-ai/voicebridge/pkg/twilio"
)

// Frame handlers. Each takes one raw wire frame, validates it against the
// call, and advances state. A malformed frame or a frame for another
// conversation returns an error without mutating anything, so handlers can be
// fed straight from the router.

// parseACLocked decodes an AudioCodes frame and checks it belongs to this
// call and carries the expected type. Callers hold m.mu.
func (m *Manager) parseACLocked(raw []byte, wantType string) (*audiocodes.Message, error) {
	if m.dialect != DialectAudioCodes {
		return nil, fmt.Errorf("%w: %s frame on %s call", ErrUnsupportedDialect, wantType, m.dialect)
	}
	msg, err := audiocodes.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if msg.Type != wantType {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrMalformedFrame, wantType, msg.Type)
	}
	if msg.ConversationID != "" && msg.ConversationID != m.conversationID {
		return nil, fmt.Errorf("%w: frame for %s", ErrWrongConversation, msg.ConversationID)
	}
	return msg, nil
}

// parseTwilioLocked decodes a Twilio frame and checks the expected event.
// Callers hold m.mu.
func (m *Manager) parseTwilioLocked(raw []byte, wantEvent string) (*twilio.Message, error) {
	if m.dialect != DialectTwilio {
		return nil, fmt.Errorf("%w: %s frame on %s call", ErrUnsupportedDialect, wantEvent, m.dialect)
	}
	msg, err := twilio.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if msg.Event != wantEvent {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrMalformedFrame, wantEvent, msg.Event)
	}
	return msg, nil
}

// Caller-side handlers: replies the platform receives from the bridge.

// HandleAccepted processes the session.accepted reply: records the media
// format the bridge chose and moves the call to Active.
func (m *Manager) HandleAccepted(raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, err := m.parseACLocked(raw, audiocodes.TypeSessionAccepted)
	if err != nil {
		return err
	}
	if msg.MediaFormat == "" {
		return fmt.Errorf("%w: accepted without mediaFormat", ErrMalformedFrame)
	}
	if err := m.setStatus(StatusActive); err != nil {
		return err
	}
	m.mediaFormat = msg.MediaFormat
	return nil
}

// HandleResumed processes the session.resumed reply and moves the call back
// to Active.
func (m *Manager) HandleResumed(raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.parseACLocked(raw, audiocodes.TypeSessionResumed); err != nil {
		return err
	}
	if m.status != StatusResuming {
		return fmt.Errorf("%w: resumed in status %s", ErrInvalidTransition, m.status)
	}
	return m.setStatus(StatusActive)
}

// HandleError processes a session.error frame. A well-formed error frame
// always moves a live call to Error and records the reason.
func (m *Manager) HandleError(raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, err := m.parseACLocked(raw, audiocodes.TypeSessionError)
	if err != nil {
		return err
	}
	reason := msg.Reason
	if reason == "" {
		reason = msg.ReasonCode
	}
	m.failLocked(reason)
	return nil
}

// HandleValidated processes the connection.validated reply. No state change.
func (m *Manager) HandleValidated(raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.parseACLocked(raw, audiocodes.TypeConnectionValidated); err != nil {
		return err
	}
	m.lastActivity = time.Now()
	return nil
}

// HandlePlayStreamStart tracks a bot-audio stream opened by the bridge.
func (m *Manager) HandlePlayStreamStart(raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, err := m.parseACLocked(raw, audiocodes.TypePlayStreamStart)
	if err != nil {
		return err
	}
	if msg.StreamID == "" {
		return fmt.Errorf("%w: playStream.start without streamId", ErrMalformedFrame)
	}
	return m.startPlayStreamLocked(msg.StreamID)
}

// HandlePlayStreamStop tracks the close of the bridge's bot-audio stream.
func (m *Manager) HandlePlayStreamStop(raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, err := m.parseACLocked(raw, audiocodes.TypePlayStreamStop)
	if err != nil {
		return err
	}
	if msg.StreamID != "" && msg.StreamID != m.playStreamID {
		return fmt.Errorf("%w: stop for unknown play stream %s", ErrInvalidTransition, msg.StreamID)
	}
	_, err = m.stopPlayStreamLocked()
	return err
}

// Bridge-side handlers: frames the platform sends to the bridge.

// HandleInitiate processes a session.initiate: negotiates the media format
// from the offered list, records the call metadata, and moves the call to
// Initiating. Failed negotiation leaves the call untouched so the server can
// reply with session.error.
func (m *Manager) HandleInitiate(raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, err := m.parseACLocked(raw, audiocodes.TypeSessionInitiate)
	if err != nil {
		return err
	}
	format, err := audiocodes.NegotiateMediaFormat(msg.SupportedMediaFormats)
	if err != nil {
		return err
	}
	if err := m.setStatus(StatusInitiating); err != nil {
		return err
	}
	m.botName = msg.BotName
	m.caller = msg.Caller
	m.mediaFormat = format
	return nil
}

// HandleResume processes a session.resume arriving on a fresh transport for
// this call. Valid while Active (the drop was not yet noticed) or Resuming.
func (m *Manager) HandleResume(raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.parseACLocked(raw, audiocodes.TypeSessionResume); err != nil {
		return err
	}
	if m.status == StatusResuming {
		m.lastActivity = time.Now()
		return nil
	}
	return m.setStatus(StatusResuming)
}

// HandleEnd processes a session.end and moves the call to Ending.
func (m *Manager) HandleEnd(raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, err := m.parseACLocked(raw, audiocodes.TypeSessionEnd)
	if err != nil {
		return err
	}
	reason := msg.Reason
	if reason == "" {
		reason = msg.ReasonCode
	}
	m.endLocked(reason)
	return nil
}

// HandleUserStreamStart opens the caller-audio substream and returns the
// userStream.started acknowledgement to send back.
func (m *Manager) HandleUserStreamStart(raw []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.parseACLocked(raw, audiocodes.TypeUserStreamStart); err != nil {
		return nil, err
	}
	if err := m.startUserStreamLocked(); err != nil {
		return nil, err
	}
	return marshalFrame(audiocodes.NewUserStreamStarted(m.conversationID))
}

// HandleUserStreamStop closes the caller-audio substream and returns the
// userStream.stopped acknowledgement to send back.
func (m *Manager) HandleUserStreamStop(raw []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.parseACLocked(raw, audiocodes.TypeUserStreamStop); err != nil {
		return nil, err
	}
	if err := m.stopUserStreamLocked(); err != nil {
		return nil, err
	}
	return marshalFrame(audiocodes.NewUserStreamStopped(m.conversationID))
}

// HandleStart processes the Twilio start frame: records the stream identity
// and media format, moves the call to Active, and opens the user substream
// (Twilio media flows without explicit stream markers).
func (m *Manager) HandleStart(raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, err := m.parseTwilioLocked(raw, twilio.EventStart)
	if err != nil {
		return err
	}
	if msg.Start.CallSid != "" && msg.Start.CallSid != m.conversationID {
		return fmt.Errorf("%w: start for call %s", ErrWrongConversation, msg.Start.CallSid)
	}
	if err := m.setStatus(StatusActive); err != nil {
		return err
	}
	m.streamSid = msg.Start.StreamSid
	if m.streamSid == "" {
		m.streamSid = msg.StreamSid
	}
	m.accountSid = msg.Start.AccountSid
	m.mediaFormat = msg.Start.MediaFormat.Encoding
	if m.mediaFormat == "" {
		m.mediaFormat = twilio.EncodingMuLaw
	}
	if params := msg.Start.CustomParameters; params != nil {
		m.botName = params["botName"]
		m.caller = params["caller"]
	}
	m.userStream = StreamActive
	return nil
}

// HandleStop processes the Twilio stop frame and moves the call to Ending.
func (m *Manager) HandleStop(raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, err := m.parseTwilioLocked(raw, twilio.EventStop)
	if err != nil {
		return err
	}
	if msg.StreamSid != "" && m.streamSid != "" && msg.StreamSid != m.streamSid {
		return fmt.Errorf("%w: stop for stream %s", ErrWrongConversation, msg.StreamSid)
	}
	m.endLocked("platform stop")
	return nil
}
