package session

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voicebridge-ai/voicebridge/pkg/audiocodes"
	"github.com/voicebridge-ai/voicebridge/pkg/twilio"
)

// Frame builders. Each returns one wire-ready JSON frame for the call's
// dialect and advances the lifecycle where the protocol implies it. Builders
// prefixed Build are split between the caller side (frames a telephony
// platform sends) and the bridge side (replies and notifications); a given
// program only uses one side's set, but both walk the same state machine.

func marshalFrame(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal session frame: %w", err)
	}
	return data, nil
}

// newTwilioSid fabricates a Twilio-style SID: a two-letter prefix followed by
// 32 hex characters.
func newTwilioSid(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.New().String(), "-", "")
}

func (m *Manager) nextSeqLocked() string {
	m.twilioSeq++
	return strconv.Itoa(m.twilioSeq)
}

// BuildInitiate opens the call from the caller side: an AudioCodes
// session.initiate offering the given media formats, or a Twilio start frame.
// Moves the call to Initiating (AudioCodes) or straight to Active (Twilio).
func (m *Manager) BuildInitiate(botName, caller string, formats []string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusConnecting {
		return nil, fmt.Errorf("%w: initiate in status %s", ErrInvalidTransition, m.status)
	}
	m.botName = botName
	m.caller = caller

	switch m.dialect {
	case DialectAudioCodes:
		if len(formats) == 0 {
			formats = []string{audiocodes.MediaFormatLPCM16, audiocodes.MediaFormatMuLaw8KHz}
		}
		frame, err := marshalFrame(&audiocodes.Message{
			Type:                  audiocodes.TypeSessionInitiate,
			ConversationID:        m.conversationID,
			BotName:               botName,
			Caller:                caller,
			ExpectAudioMessages:   true,
			SupportedMediaFormats: formats,
		})
		if err != nil {
			return nil, err
		}
		if err := m.setStatus(StatusInitiating); err != nil {
			return nil, err
		}
		return frame, nil

	case DialectTwilio:
		m.streamSid = newTwilioSid("MZ")
		m.accountSid = newTwilioSid("AC")
		m.mediaFormat = twilio.EncodingMuLaw
		params := map[string]string{}
		if botName != "" {
			params["botName"] = botName
		}
		if caller != "" {
			params["caller"] = caller
		}
		frame, err := marshalFrame(&twilio.Message{
			Event:          twilio.EventStart,
			SequenceNumber: m.nextSeqLocked(),
			StreamSid:      m.streamSid,
			Start: &twilio.StartPayload{
				AccountSid: m.accountSid,
				StreamSid:  m.streamSid,
				CallSid:    m.conversationID,
				Tracks:     []string{twilio.TrackInbound},
				MediaFormat: twilio.MediaFormat{
					Encoding:   twilio.EncodingMuLaw,
					SampleRate: twilio.SampleRate,
					Channels:   twilio.Channels,
				},
				CustomParameters: params,
			},
		})
		if err != nil {
			return nil, err
		}
		if err := m.setStatus(StatusActive); err != nil {
			return nil, err
		}
		m.userStream = StreamActive
		return frame, nil
	}
	return nil, ErrUnsupportedDialect
}

// BuildConnected is the Twilio protocol preamble sent before the start frame.
func (m *Manager) BuildConnected() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialect != DialectTwilio {
		return nil, fmt.Errorf("%w: connected is a twilio frame", ErrUnsupportedDialect)
	}
	if m.status != StatusConnecting {
		return nil, fmt.Errorf("%w: connected in status %s", ErrInvalidTransition, m.status)
	}
	return marshalFrame(&twilio.Message{
		Event:    twilio.EventConnected,
		Protocol: "Call",
		Version:  "1.0.0",
	})
}

// BuildResume re-opens an interrupted AudioCodes call on a fresh transport.
// Valid from Active (the caller noticed the drop first) or Resuming.
func (m *Manager) BuildResume() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialect != DialectAudioCodes {
		return nil, fmt.Errorf("%w: %s cannot resume", ErrUnsupportedDialect, m.dialect)
	}
	if m.botName == "" {
		return nil, fmt.Errorf("%w: resume before initiate", ErrInvalidTransition)
	}
	if m.status != StatusResuming {
		if err := m.setStatus(StatusResuming); err != nil {
			return nil, err
		}
	}
	return marshalFrame(&audiocodes.Message{
		Type:           audiocodes.TypeSessionResume,
		ConversationID: m.conversationID,
		BotName:        m.botName,
		Caller:         m.caller,
	})
}

// BuildValidate probes the peer without starting a session.
func (m *Manager) BuildValidate() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialect != DialectAudioCodes {
		return nil, fmt.Errorf("%w: %s has no validate probe", ErrUnsupportedDialect, m.dialect)
	}
	m.lastActivity = time.Now()
	return marshalFrame(&audiocodes.Message{
		Type:           audiocodes.TypeConnectionValidate,
		ConversationID: m.conversationID,
	})
}

// BuildEnd closes the call from the caller side and moves it to Ending.
func (m *Manager) BuildEnd(reasonCode, reason string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.Terminal() {
		return nil, fmt.Errorf("%w: end in status %s", ErrInvalidTransition, m.status)
	}

	var frame []byte
	var err error
	switch m.dialect {
	case DialectAudioCodes:
		frame, err = marshalFrame(&audiocodes.Message{
			Type:           audiocodes.TypeSessionEnd,
			ConversationID: m.conversationID,
			ReasonCode:     reasonCode,
			Reason:         reason,
		})
	case DialectTwilio:
		frame, err = marshalFrame(&twilio.Message{
			Event:          twilio.EventStop,
			SequenceNumber: m.nextSeqLocked(),
			StreamSid:      m.streamSid,
			Stop: &twilio.StopPayload{
				AccountSid: m.accountSid,
				CallSid:    m.conversationID,
			},
		})
	default:
		return nil, ErrUnsupportedDialect
	}
	if err != nil {
		return nil, err
	}
	m.endLocked(reason)
	return frame, nil
}

// BuildDTMF reports one keypad digit from the caller.
func (m *Manager) BuildDTMF(digit string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusActive {
		return nil, fmt.Errorf("%w: dtmf in status %s", ErrNotActive, m.status)
	}
	switch m.dialect {
	case DialectAudioCodes:
		return marshalFrame(audiocodes.NewActivities(m.conversationID, audiocodes.NewDTMFActivity(digit)))
	case DialectTwilio:
		return marshalFrame(&twilio.Message{
			Event:          twilio.EventDTMF,
			SequenceNumber: m.nextSeqLocked(),
			StreamSid:      m.streamSid,
			DTMF:           &twilio.DTMFPayload{Track: twilio.TrackInbound, Digit: digit},
		})
	}
	return nil, ErrUnsupportedDialect
}

// BuildHangup asks the platform to terminate the call. AudioCodes only; a
// Twilio stream ends with its stop frame instead.
func (m *Manager) BuildHangup() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialect != DialectAudioCodes {
		return nil, fmt.Errorf("%w: %s has no hangup activity", ErrUnsupportedDialect, m.dialect)
	}
	if m.status != StatusActive {
		return nil, fmt.Errorf("%w: hangup in status %s", ErrNotActive, m.status)
	}
	return marshalFrame(audiocodes.NewActivities(m.conversationID, audiocodes.NewHangupActivity()))
}

// BuildActivity wraps an arbitrary activity for the AudioCodes activities
// channel.
func (m *Manager) BuildActivity(act audiocodes.Activity) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialect != DialectAudioCodes {
		return nil, fmt.Errorf("%w: %s has no activities channel", ErrUnsupportedDialect, m.dialect)
	}
	if m.status != StatusActive {
		return nil, fmt.Errorf("%w: activity in status %s", ErrNotActive, m.status)
	}
	return marshalFrame(audiocodes.NewActivities(m.conversationID, act))
}

// BuildUserStreamStart opens the caller-audio substream. AudioCodes only;
// Twilio media flows without stream markers.
func (m *Manager) BuildUserStreamStart() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialect != DialectAudioCodes {
		return nil, fmt.Errorf("%w: %s has no user stream markers", ErrUnsupportedDialect, m.dialect)
	}
	if err := m.startUserStreamLocked(); err != nil {
		return nil, err
	}
	return marshalFrame(&audiocodes.Message{
		Type:           audiocodes.TypeUserStreamStart,
		ConversationID: m.conversationID,
	})
}

// BuildUserStreamChunk carries one base64 caller-audio chunk: a
// userStream.chunk frame or a Twilio inbound media frame. The user substream
// must be open.
func (m *Manager) BuildUserStreamChunk(audioB64 string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userStream != StreamActive {
		return nil, fmt.Errorf("%w: audio chunk while user stream %s", ErrInvalidTransition, m.userStream)
	}
	switch m.dialect {
	case DialectAudioCodes:
		return marshalFrame(&audiocodes.Message{
			Type:           audiocodes.TypeUserStreamChunk,
			ConversationID: m.conversationID,
			AudioChunk:     audioB64,
		})
	case DialectTwilio:
		m.mediaChunks++
		return marshalFrame(&twilio.Message{
			Event:          twilio.EventMedia,
			SequenceNumber: m.nextSeqLocked(),
			StreamSid:      m.streamSid,
			Media: &twilio.MediaPayload{
				Track:     twilio.TrackInbound,
				Chunk:     strconv.Itoa(m.mediaChunks),
				Timestamp: strconv.FormatInt(time.Since(m.createdAt).Milliseconds(), 10),
				Payload:   audioB64,
			},
		})
	}
	return nil, ErrUnsupportedDialect
}

// BuildUserStreamStop closes the caller-audio substream. AudioCodes only.
func (m *Manager) BuildUserStreamStop() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialect != DialectAudioCodes {
		return nil, fmt.Errorf("%w: %s has no user stream markers", ErrUnsupportedDialect, m.dialect)
	}
	if err := m.stopUserStreamLocked(); err != nil {
		return nil, err
	}
	return marshalFrame(&audiocodes.Message{
		Type:           audiocodes.TypeUserStreamStop,
		ConversationID: m.conversationID,
	})
}

// Bridge-side reply builders.

// BuildAccepted confirms an initiated AudioCodes call with the negotiated
// media format and moves it to Active.
func (m *Manager) BuildAccepted() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialect != DialectAudioCodes {
		return nil, fmt.Errorf("%w: %s has no accept frame", ErrUnsupportedDialect, m.dialect)
	}
	if m.mediaFormat == "" {
		return nil, fmt.Errorf("%w: accept before format negotiation", ErrInvalidTransition)
	}
	if err := m.setStatus(StatusActive); err != nil {
		return nil, err
	}
	return marshalFrame(audiocodes.NewSessionAccepted(m.conversationID, m.mediaFormat))
}

// BuildResumed confirms a resumed AudioCodes call and moves it back to
// Active.
func (m *Manager) BuildResumed() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialect != DialectAudioCodes {
		return nil, fmt.Errorf("%w: %s cannot resume", ErrUnsupportedDialect, m.dialect)
	}
	if err := m.setStatus(StatusActive); err != nil {
		return nil, err
	}
	return marshalFrame(audiocodes.NewSessionResumed(m.conversationID))
}

// BuildValidated answers a connection.validate probe. No state change.
func (m *Manager) BuildValidated() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialect != DialectAudioCodes {
		return nil, fmt.Errorf("%w: %s has no validate probe", ErrUnsupportedDialect, m.dialect)
	}
	m.lastActivity = time.Now()
	return marshalFrame(audiocodes.NewConnectionValidated(m.conversationID))
}

// BuildError reports a fatal bridge-side failure to the platform and moves
// the call to Error. AudioCodes only; a failed Twilio stream is simply
// closed.
func (m *Manager) BuildError(reason string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialect != DialectAudioCodes {
		return nil, fmt.Errorf("%w: %s has no error frame", ErrUnsupportedDialect, m.dialect)
	}
	m.failLocked(reason)
	return marshalFrame(audiocodes.NewSessionError(m.conversationID, reason))
}

// BuildSpeechStarted notifies the platform that user speech onset was
// detected and records the flag.
func (m *Manager) BuildSpeechStarted() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialect != DialectAudioCodes {
		return nil, fmt.Errorf("%w: %s has no speech events", ErrUnsupportedDialect, m.dialect)
	}
	if m.status != StatusActive {
		return nil, fmt.Errorf("%w: speech event in status %s", ErrNotActive, m.status)
	}
	m.speechActive = true
	return marshalFrame(audiocodes.NewUserStreamSpeechStarted(m.conversationID))
}

// BuildSpeechStopped notifies the platform that user speech ended.
func (m *Manager) BuildSpeechStopped() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialect != DialectAudioCodes {
		return nil, fmt.Errorf("%w: %s has no speech events", ErrUnsupportedDialect, m.dialect)
	}
	if m.status != StatusActive {
		return nil, fmt.Errorf("%w: speech event in status %s", ErrNotActive, m.status)
	}
	m.speechActive = false
	return marshalFrame(audiocodes.NewUserStreamSpeechStopped(m.conversationID))
}

// BuildHypothesis forwards interim recognition alternatives to the platform.
func (m *Manager) BuildHypothesis(alternatives []audiocodes.Hypothesis) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialect != DialectAudioCodes {
		return nil, fmt.Errorf("%w: %s has no hypothesis frame", ErrUnsupportedDialect, m.dialect)
	}
	if m.status != StatusActive {
		return nil, fmt.Errorf("%w: hypothesis in status %s", ErrNotActive, m.status)
	}
	return marshalFrame(audiocodes.NewUserStreamHypothesis(m.conversationID, alternatives))
}

// BuildCommitted notifies the platform that the buffered user turn was
// committed upstream and records the flag.
func (m *Manager) BuildCommitted() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialect != DialectAudioCodes {
		return nil, fmt.Errorf("%w: %s has no commit frame", ErrUnsupportedDialect, m.dialect)
	}
	if m.status != StatusActive {
		return nil, fmt.Errorf("%w: commit in status %s", ErrNotActive, m.status)
	}
	m.speechCommitted = true
	return marshalFrame(audiocodes.NewUserStreamCommitted(m.conversationID))
}

// BuildPlayStreamStart opens a bot-audio stream to the platform under a fresh
// stream ID and returns the frame plus the ID.
func (m *Manager) BuildPlayStreamStart() ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialect != DialectAudioCodes {
		return nil, "", fmt.Errorf("%w: %s has no play stream markers", ErrUnsupportedDialect, m.dialect)
	}
	if m.mediaFormat == "" {
		return nil, "", fmt.Errorf("%w: play stream before format negotiation", ErrInvalidTransition)
	}
	streamID := "ps_" + uuid.New().String()[:8]
	if err := m.startPlayStreamLocked(streamID); err != nil {
		return nil, "", err
	}
	frame, err := marshalFrame(audiocodes.NewPlayStreamStart(m.conversationID, streamID, m.mediaFormat))
	if err != nil {
		return nil, "", err
	}
	return frame, streamID, nil
}

// BuildPlayStreamChunk carries one base64 bot-audio chunk on the open play
// stream.
func (m *Manager) BuildPlayStreamChunk(audioB64 string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialect != DialectAudioCodes {
		return nil, fmt.Errorf("%w: %s has no play stream markers", ErrUnsupportedDialect, m.dialect)
	}
	if m.playStream != StreamActive {
		return nil, fmt.Errorf("%w: audio chunk while play stream %s", ErrInvalidTransition, m.playStream)
	}
	return marshalFrame(audiocodes.NewPlayStreamChunk(m.conversationID, m.playStreamID, audioB64))
}

// BuildPlayStreamStop closes the open play stream.
func (m *Manager) BuildPlayStreamStop() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialect != DialectAudioCodes {
		return nil, fmt.Errorf("%w: %s has no play stream markers", ErrUnsupportedDialect, m.dialect)
	}
	streamID, err := m.stopPlayStreamLocked()
	if err != nil {
		return nil, err
	}
	return marshalFrame(audiocodes.NewPlayStreamStop(m.conversationID, streamID))
}

// BuildMedia carries one base64 µ-law frame of bot audio to Twilio.
func (m *Manager) BuildMedia(payloadB64 string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialect != DialectTwilio {
		return nil, fmt.Errorf("%w: media is a twilio frame", ErrUnsupportedDialect)
	}
	if m.status != StatusActive {
		return nil, fmt.Errorf("%w: media in status %s", ErrNotActive, m.status)
	}
	return marshalFrame(twilio.NewMediaMessage(m.streamSid, payloadB64))
}

// BuildMark asks Twilio to echo a marker once queued media has played.
func (m *Manager) BuildMark(name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialect != DialectTwilio {
		return nil, fmt.Errorf("%w: mark is a twilio frame", ErrUnsupportedDialect)
	}
	if m.status != StatusActive {
		return nil, fmt.Errorf("%w: mark in status %s", ErrNotActive, m.status)
	}
	return marshalFrame(twilio.NewMarkMessage(m.streamSid, name))
}

// BuildClear discards Twilio's buffered, unplayed bot audio (barge-in).
func (m *Manager) BuildClear() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dialect != DialectTwilio {
		return nil, fmt.Errorf("%w: clear is a twilio frame", ErrUnsupportedDialect)
	}
	if m.status != StatusActive {
		return nil, fmt.Errorf("%w: clear in status %s", ErrNotActive, m.status)
	}
	return marshalFrame(twilio.NewClearMessage(m.streamSid))
}
