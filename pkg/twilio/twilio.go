// Package twilio defines the Twilio Media Streams wire protocol: the JSON
// frames exchanged over a stream WebSocket, keyed by the "event"
// discriminator, plus decode-time validation and outbound frame constructors.
//
// Reference: https://www.twilio.com/docs/voice/media-streams
package twilio

import (
	"encoding/json"
	"fmt"
)

// Media Streams audio constants. Twilio always streams mono μ-law at 8 kHz in
// 20 ms frames of exactly 160 bytes.
const (
	SampleRate    = 8000
	Channels      = 1
	FrameBytes    = 160
	FrameDuration = 20 // milliseconds
	EncodingMuLaw = "audio/x-mulaw"
	TrackInbound  = "inbound"
	TrackOutbound = "outbound"
)

// Event discriminator values.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventDTMF      = "dtmf"
	EventMark      = "mark"
	EventClear     = "clear"
)

// Message is the envelope for every Media Streams frame. Exactly one payload
// pointer is set, matching Event.
type Message struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSid      string        `json:"streamSid,omitempty"`
	Protocol       string        `json:"protocol,omitempty"`
	Version        string        `json:"version,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
	DTMF           *DTMFPayload  `json:"dtmf,omitempty"`
}

// StartPayload contains stream initialization data.
type StartPayload struct {
	AccountSid       string            `json:"accountSid"`
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaFormat describes the audio format announced in the start frame.
type MediaFormat struct {
	Encoding   string `json:"encoding"`   // "audio/x-mulaw"
	SampleRate int    `json:"sampleRate"` // 8000
	Channels   int    `json:"channels"`   // 1
}

// MediaPayload carries one audio frame.
type MediaPayload struct {
	Track     string `json:"track,omitempty"` // "inbound" or "outbound"
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // Base64 encoded μ-law audio
}

// StopPayload contains stream termination data.
type StopPayload struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
}

// MarkPayload names a playback position marker.
type MarkPayload struct {
	Name string `json:"name"`
}

// DTMFPayload carries one keypad digit.
type DTMFPayload struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// Parse decodes and validates one inbound Media Streams frame. Frames without
// an event discriminator, or missing the payload their event requires, are
// rejected so downstream handlers see total values only.
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse twilio frame: %w", err)
	}
	if msg.Event == "" {
		return nil, fmt.Errorf("twilio frame missing event discriminator")
	}

	switch msg.Event {
	case EventStart:
		if msg.Start == nil {
			return nil, fmt.Errorf("start frame missing start payload")
		}
		if msg.Start.StreamSid == "" && msg.StreamSid == "" {
			return nil, fmt.Errorf("start frame missing streamSid")
		}
	case EventMedia:
		if msg.Media == nil || msg.Media.Payload == "" {
			return nil, fmt.Errorf("media frame missing payload")
		}
	case EventDTMF:
		if msg.DTMF == nil || msg.DTMF.Digit == "" {
			return nil, fmt.Errorf("dtmf frame missing digit")
		}
	case EventMark:
		if msg.Mark == nil || msg.Mark.Name == "" {
			return nil, fmt.Errorf("mark frame missing name")
		}
	case EventConnected, EventStop, EventClear:
		// No required payload beyond the discriminator.
	default:
		// Unknown events pass through; the router logs and drops them.
	}

	return &msg, nil
}

// NewMediaMessage builds an outbound media frame carrying base64 μ-law audio.
func NewMediaMessage(streamSid, payload string) *Message {
	return &Message{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     &MediaPayload{Payload: payload},
	}
}

// NewMarkMessage builds an outbound mark frame. Twilio echoes the mark back
// once all media queued before it has been played.
func NewMarkMessage(streamSid, name string) *Message {
	return &Message{
		Event:     EventMark,
		StreamSid: streamSid,
		Mark:      &MarkPayload{Name: name},
	}
}

// NewClearMessage builds an outbound clear frame, discarding any buffered
// audio Twilio has not yet played.
func NewClearMessage(streamSid string) *Message {
	return &Message{
		Event:     EventClear,
		StreamSid: streamSid,
	}
}
