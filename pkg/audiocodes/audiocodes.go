// Package audiocodes defines the AudioCodes VoiceAI Connect wire protocol:
// flat JSON frames keyed by the "type" discriminator, carrying the
// conversationId of the call they belong to, plus decode-time validation and
// outbound frame constructors.
package audiocodes

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound frame types (platform → bridge).
const (
	TypeSessionInitiate    = "session.initiate"
	TypeSessionResume      = "session.resume"
	TypeSessionEnd         = "session.end"
	TypeConnectionValidate = "connection.validate"
	TypeUserStreamStart    = "userStream.start"
	TypeUserStreamStop     = "userStream.stop"
	TypeUserStreamChunk    = "userStream.chunk"
	TypeActivities         = "activities"
)

// Outbound frame types (bridge → platform).
const (
	TypeSessionAccepted         = "session.accepted"
	TypeSessionResumed          = "session.resumed"
	TypeSessionError            = "session.error"
	TypeConnectionValidated     = "connection.validated"
	TypeUserStreamStarted       = "userStream.started"
	TypeUserStreamStopped       = "userStream.stopped"
	TypeUserStreamHypothesis    = "userStream.hypothesis"
	TypeUserStreamCommitted     = "userStream.committed"
	TypeUserStreamSpeechStarted = "userStream.speech.started"
	TypeUserStreamSpeechStopped = "userStream.speech.stopped"
	TypePlayStreamStart         = "playStream.start"
	TypePlayStreamChunk         = "playStream.chunk"
	TypePlayStreamStop          = "playStream.stop"
)

// Media formats the bridge can accept from supportedMediaFormats.
const (
	MediaFormatLPCM16    = "raw/lpcm16"
	MediaFormatMuLaw8KHz = "raw/mulaw"
)

// preferredMediaFormats orders negotiation: linear PCM avoids a lossy
// telephony codec when the platform offers it.
var preferredMediaFormats = []string{MediaFormatLPCM16, MediaFormatMuLaw8KHz}

// ErrNoSupportedFormat reports a supportedMediaFormats list with nothing the
// bridge can speak.
var ErrNoSupportedFormat = errors.New("no supported media format")

// NegotiateMediaFormat picks the bridge's preferred format from the
// platform's supportedMediaFormats list.
func NegotiateMediaFormat(supported []string) (string, error) {
	for _, want := range preferredMediaFormats {
		for _, have := range supported {
			if have == want {
				return want, nil
			}
		}
	}
	return "", fmt.Errorf("%w: offered %v", ErrNoSupportedFormat, supported)
}

// FormatSampleRate returns the sample rate in Hz of a negotiated media
// format, or 0 for an unknown format.
func FormatSampleRate(format string) int {
	switch format {
	case MediaFormatLPCM16:
		return 16000
	case MediaFormatMuLaw8KHz:
		return 8000
	default:
		return 0
	}
}

// Activity shapes carried by activities frames.
const (
	ActivityTypeEvent   = "event"
	ActivityTypeMessage = "message"

	ActivityEventDTMF   = "dtmf"
	ActivityEventHangup = "hangup"
)

// Message is the flat envelope for every VoiceAI Connect frame. Fields beyond
// Type and ConversationID are populated only for the frame types that carry
// them.
type Message struct {
	Type                  string       `json:"type"`
	ConversationID        string       `json:"conversationId,omitempty"`
	BotName               string       `json:"botName,omitempty"`
	Caller                string       `json:"caller,omitempty"`
	ExpectAudioMessages   bool         `json:"expectAudioMessages,omitempty"`
	SupportedMediaFormats []string     `json:"supportedMediaFormats,omitempty"`
	MediaFormat           string       `json:"mediaFormat,omitempty"`
	ReasonCode            string       `json:"reasonCode,omitempty"`
	Reason                string       `json:"reason,omitempty"`
	AudioChunk            string       `json:"audioChunk,omitempty"` // Base64 encoded audio
	StreamID              string       `json:"streamId,omitempty"`
	Alternatives          []Hypothesis `json:"alternatives,omitempty"`
	Activities            []Activity   `json:"activities,omitempty"`
}

// Hypothesis is one interim recognition alternative in userStream.hypothesis.
type Hypothesis struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Activity is one entry of an activities frame: DTMF digits, hangup requests,
// or custom platform events. Unrecognized activities are passed through.
type Activity struct {
	ID         string                 `json:"id,omitempty"`
	Timestamp  string                 `json:"timestamp,omitempty"`
	Type       string                 `json:"type"`
	Name       string                 `json:"name,omitempty"`
	Value      string                 `json:"value,omitempty"`
	Text       string                 `json:"text,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// IsDTMF reports whether the activity carries a keypad digit.
func (a Activity) IsDTMF() bool {
	return a.Type == ActivityTypeEvent && a.Name == ActivityEventDTMF
}

// IsHangup reports whether the activity requests call termination.
func (a Activity) IsHangup() bool {
	return a.Type == ActivityTypeEvent && a.Name == ActivityEventHangup
}

// Parse decodes and validates one inbound VoiceAI Connect frame against the
// required fields of its type. Frames without a type discriminator are
// rejected; unknown types pass through for the router to log and drop.
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse audiocodes frame: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("audiocodes frame missing type discriminator")
	}

	switch msg.Type {
	case TypeSessionInitiate:
		if msg.ConversationID == "" {
			return nil, fmt.Errorf("session.initiate missing conversationId")
		}
		if msg.BotName == "" {
			return nil, fmt.Errorf("session.initiate missing botName")
		}
		if msg.Caller == "" {
			return nil, fmt.Errorf("session.initiate missing caller")
		}
		if len(msg.SupportedMediaFormats) == 0 {
			return nil, fmt.Errorf("session.initiate missing supportedMediaFormats")
		}
	case TypeSessionResume:
		if msg.ConversationID == "" {
			return nil, fmt.Errorf("session.resume missing conversationId")
		}
		if msg.BotName == "" {
			return nil, fmt.Errorf("session.resume missing botName")
		}
	case TypeSessionEnd, TypeConnectionValidate, TypeUserStreamStart, TypeUserStreamStop:
		if msg.ConversationID == "" {
			return nil, fmt.Errorf("%s missing conversationId", msg.Type)
		}
	case TypeUserStreamChunk:
		if msg.ConversationID == "" {
			return nil, fmt.Errorf("userStream.chunk missing conversationId")
		}
		if msg.AudioChunk == "" {
			return nil, fmt.Errorf("userStream.chunk missing audioChunk")
		}
	case TypeActivities:
		if msg.ConversationID == "" {
			return nil, fmt.Errorf("activities missing conversationId")
		}
		if len(msg.Activities) == 0 {
			return nil, fmt.Errorf("activities frame carries no activities")
		}
	}

	return &msg, nil
}

// NewSessionAccepted builds the acceptance reply carrying the negotiated
// media format.
func NewSessionAccepted(conversationID, mediaFormat string) *Message {
	return &Message{
		Type:           TypeSessionAccepted,
		ConversationID: conversationID,
		MediaFormat:    mediaFormat,
	}
}

// NewSessionResumed builds the resume acknowledgement.
func NewSessionResumed(conversationID string) *Message {
	return &Message{
		Type:           TypeSessionResumed,
		ConversationID: conversationID,
	}
}

// NewSessionError builds the error notification sent before closing a call.
func NewSessionError(conversationID, reason string) *Message {
	return &Message{
		Type:           TypeSessionError,
		ConversationID: conversationID,
		Reason:         reason,
	}
}

// NewConnectionValidated answers a connection.validate keepalive probe.
func NewConnectionValidated(conversationID string) *Message {
	return &Message{
		Type:           TypeConnectionValidated,
		ConversationID: conversationID,
	}
}

// NewUserStreamStarted acknowledges that user audio is now being consumed.
func NewUserStreamStarted(conversationID string) *Message {
	return &Message{
		Type:           TypeUserStreamStarted,
		ConversationID: conversationID,
	}
}

// NewUserStreamStopped acknowledges that user audio is no longer consumed.
func NewUserStreamStopped(conversationID string) *Message {
	return &Message{
		Type:           TypeUserStreamStopped,
		ConversationID: conversationID,
	}
}

// NewUserStreamCommitted signals that buffered user audio was committed as a
// conversation turn.
func NewUserStreamCommitted(conversationID string) *Message {
	return &Message{
		Type:           TypeUserStreamCommitted,
		ConversationID: conversationID,
	}
}

// NewUserStreamHypothesis carries interim recognition text to the platform.
func NewUserStreamHypothesis(conversationID string, alternatives []Hypothesis) *Message {
	return &Message{
		Type:           TypeUserStreamHypothesis,
		ConversationID: conversationID,
		Alternatives:   alternatives,
	}
}

// NewUserStreamSpeechStarted signals detected user speech onset.
func NewUserStreamSpeechStarted(conversationID string) *Message {
	return &Message{
		Type:           TypeUserStreamSpeechStarted,
		ConversationID: conversationID,
	}
}

// NewUserStreamSpeechStopped signals detected end of user speech.
func NewUserStreamSpeechStopped(conversationID string) *Message {
	return &Message{
		Type:           TypeUserStreamSpeechStopped,
		ConversationID: conversationID,
	}
}

// NewPlayStreamStart opens an outbound audio stream to the platform.
func NewPlayStreamStart(conversationID, streamID, mediaFormat string) *Message {
	return &Message{
		Type:           TypePlayStreamStart,
		ConversationID: conversationID,
		StreamID:       streamID,
		MediaFormat:    mediaFormat,
	}
}

// NewPlayStreamChunk carries one base64 audio chunk on an open play stream.
func NewPlayStreamChunk(conversationID, streamID, audioChunk string) *Message {
	return &Message{
		Type:           TypePlayStreamChunk,
		ConversationID: conversationID,
		StreamID:       streamID,
		AudioChunk:     audioChunk,
	}
}

// NewPlayStreamStop closes an open play stream.
func NewPlayStreamStop(conversationID, streamID string) *Message {
	return &Message{
		Type:           TypePlayStreamStop,
		ConversationID: conversationID,
		StreamID:       streamID,
	}
}

// NewActivities wraps activities for either direction.
func NewActivities(conversationID string, activities ...Activity) *Message {
	return &Message{
		Type:           TypeActivities,
		ConversationID: conversationID,
		Activities:     activities,
	}
}

// NewDTMFActivity builds a DTMF digit activity.
func NewDTMFActivity(digit string) Activity {
	return Activity{Type: ActivityTypeEvent, Name: ActivityEventDTMF, Value: digit}
}

// NewHangupActivity builds a hangup request activity.
func NewHangupActivity() Activity {
	return Activity{Type: ActivityTypeEvent, Name: ActivityEventHangup}
}
