package events

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ClientEventType represents the type of client event.
type ClientEventType string

const (
	ClientEventTypeSessionUpdate              ClientEventType = "session.update"
	ClientEventTypeTranscriptionSessionUpdate ClientEventType = "transcription_session.update"
	ClientEventTypeInputAudioBufferAppend     ClientEventType = "input_audio_buffer.append"
	ClientEventTypeInputAudioBufferCommit     ClientEventType = "input_audio_buffer.commit"
	ClientEventTypeInputAudioBufferClear      ClientEventType = "input_audio_buffer.clear"
	ClientEventTypeConversationItemCreate     ClientEventType = "conversation.item.create"
	ClientEventTypeConversationItemRetrieve   ClientEventType = "conversation.item.retrieve"
	ClientEventTypeConversationItemTruncate   ClientEventType = "conversation.item.truncate"
	ClientEventTypeConversationItemDelete     ClientEventType = "conversation.item.delete"
	ClientEventTypeResponseCreate             ClientEventType = "response.create"
	ClientEventTypeResponseCancel             ClientEventType = "response.cancel"
)

// ClientEvent is the interface for all client events.
type ClientEvent interface {
	ClientEventType() ClientEventType
	GetEventID() string
}

// BaseClientEvent contains common fields for all client events.
type BaseClientEvent struct {
	EventID string          `json:"event_id,omitempty"`
	Type    ClientEventType `json:"type"`
}

func (e BaseClientEvent) ClientEventType() ClientEventType {
	return e.Type
}

func (e BaseClientEvent) GetEventID() string {
	return e.EventID
}

// NewBaseClientEvent creates a new base client event with a generated event ID.
func NewBaseClientEvent(eventType ClientEventType) BaseClientEvent {
	return BaseClientEvent{
		EventID: "evt_" + uuid.New().String()[:8],
		Type:    eventType,
	}
}

// SessionUpdateEvent updates the session configuration.
type SessionUpdateEvent struct {
	BaseClientEvent
	Session SessionConfig `json:"session"`
}

func NewSessionUpdateEvent(config SessionConfig) *SessionUpdateEvent {
	return &SessionUpdateEvent{
		BaseClientEvent: NewBaseClientEvent(ClientEventTypeSessionUpdate),
		Session:         config,
	}
}

// TranscriptionSessionUpdateEvent updates the transcription session configuration.
type TranscriptionSessionUpdateEvent struct {
	BaseClientEvent
	Session TranscriptionSessionConfig `json:"session"`
}

func NewTranscriptionSessionUpdateEvent(config TranscriptionSessionConfig) *TranscriptionSessionUpdateEvent {
	return &TranscriptionSessionUpdateEvent{
		BaseClientEvent: NewBaseClientEvent(ClientEventTypeTranscriptionSessionUpdate),
		Session:         config,
	}
}

// InputAudioBufferAppendEvent appends audio data to the input buffer.
type InputAudioBufferAppendEvent struct {
	BaseClientEvent
	Audio string `json:"audio"` // Base64 encoded audio data
}

func NewInputAudioBufferAppendEvent(audio string) *InputAudioBufferAppendEvent {
	return &InputAudioBufferAppendEvent{
		BaseClientEvent: NewBaseClientEvent(ClientEventTypeInputAudioBufferAppend),
		Audio:           audio,
	}
}

// InputAudioBufferCommitEvent commits the audio buffer into a user item.
type InputAudioBufferCommitEvent struct {
	BaseClientEvent
}

func NewInputAudioBufferCommitEvent() *InputAudioBufferCommitEvent {
	return &InputAudioBufferCommitEvent{
		BaseClientEvent: NewBaseClientEvent(ClientEventTypeInputAudioBufferCommit),
	}
}

// InputAudioBufferClearEvent discards any uncommitted buffered audio.
type InputAudioBufferClearEvent struct {
	BaseClientEvent
}

func NewInputAudioBufferClearEvent() *InputAudioBufferClearEvent {
	return &InputAudioBufferClearEvent{
		BaseClientEvent: NewBaseClientEvent(ClientEventTypeInputAudioBufferClear),
	}
}

// ConversationItemCreateEvent creates a new conversation item.
type ConversationItemCreateEvent struct {
	BaseClientEvent
	PreviousItemID string           `json:"previous_item_id,omitempty"`
	Item           ItemCreateConfig `json:"item"`
}

func NewConversationItemCreateEvent(item ItemCreateConfig, previousItemID string) *ConversationItemCreateEvent {
	return &ConversationItemCreateEvent{
		BaseClientEvent: NewBaseClientEvent(ClientEventTypeConversationItemCreate),
		PreviousItemID:  previousItemID,
		Item:            item,
	}
}

// ConversationItemRetrieveEvent asks the server to return an item by id.
type ConversationItemRetrieveEvent struct {
	BaseClientEvent
	ItemID string `json:"item_id"`
}

func NewConversationItemRetrieveEvent(itemID string) *ConversationItemRetrieveEvent {
	return &ConversationItemRetrieveEvent{
		BaseClientEvent: NewBaseClientEvent(ClientEventTypeConversationItemRetrieve),
		ItemID:          itemID,
	}
}

// ConversationItemTruncateEvent truncates a conversation item's audio.
type ConversationItemTruncateEvent struct {
	BaseClientEvent
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int    `json:"audio_end_ms"`
}

func NewConversationItemTruncateEvent(itemID string, contentIndex, audioEndMs int) *ConversationItemTruncateEvent {
	return &ConversationItemTruncateEvent{
		BaseClientEvent: NewBaseClientEvent(ClientEventTypeConversationItemTruncate),
		ItemID:          itemID,
		ContentIndex:    contentIndex,
		AudioEndMs:      audioEndMs,
	}
}

// ConversationItemDeleteEvent deletes a conversation item.
type ConversationItemDeleteEvent struct {
	BaseClientEvent
	ItemID string `json:"item_id"`
}

func NewConversationItemDeleteEvent(itemID string) *ConversationItemDeleteEvent {
	return &ConversationItemDeleteEvent{
		BaseClientEvent: NewBaseClientEvent(ClientEventTypeConversationItemDelete),
		ItemID:          itemID,
	}
}

// ResponseCreateEvent triggers the creation of a response.
type ResponseCreateEvent struct {
	BaseClientEvent
	Response *ResponseConfig `json:"response,omitempty"`
}

func NewResponseCreateEvent(config *ResponseConfig) *ResponseCreateEvent {
	return &ResponseCreateEvent{
		BaseClientEvent: NewBaseClientEvent(ClientEventTypeResponseCreate),
		Response:        config,
	}
}

// ResponseCancelEvent cancels the in-progress response. ResponseID may be
// empty, in which case the currently active response is cancelled.
type ResponseCancelEvent struct {
	BaseClientEvent
	ResponseID string `json:"response_id,omitempty"`
}

func NewResponseCancelEvent(responseID string) *ResponseCancelEvent {
	return &ResponseCancelEvent{
		BaseClientEvent: NewBaseClientEvent(ClientEventTypeResponseCancel),
		ResponseID:      responseID,
	}
}

// ParseClientEvent parses a JSON message into a ClientEvent. Malformed frames
// and frames failing required-field validation are rejected here so internal
// types stay total.
func ParseClientEvent(data []byte) (ClientEvent, error) {
	var base BaseClientEvent
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("failed to parse event type: %w", err)
	}
	if base.Type == "" {
		return nil, fmt.Errorf("client event missing type discriminator")
	}

	var event ClientEvent
	var err error

	switch base.Type {
	case ClientEventTypeSessionUpdate:
		var e SessionUpdateEvent
		err = json.Unmarshal(data, &e)
		event = &e

	case ClientEventTypeTranscriptionSessionUpdate:
		var e TranscriptionSessionUpdateEvent
		err = json.Unmarshal(data, &e)
		event = &e

	case ClientEventTypeInputAudioBufferAppend:
		var e InputAudioBufferAppendEvent
		err = json.Unmarshal(data, &e)
		if err == nil && e.Audio == "" {
			return nil, fmt.Errorf("input_audio_buffer.append missing audio field")
		}
		event = &e

	case ClientEventTypeInputAudioBufferCommit:
		var e InputAudioBufferCommitEvent
		err = json.Unmarshal(data, &e)
		event = &e

	case ClientEventTypeInputAudioBufferClear:
		var e InputAudioBufferClearEvent
		err = json.Unmarshal(data, &e)
		event = &e

	case ClientEventTypeConversationItemCreate:
		var e ConversationItemCreateEvent
		err = json.Unmarshal(data, &e)
		if err == nil && e.Item.Type == "" {
			return nil, fmt.Errorf("conversation.item.create missing item type")
		}
		event = &e

	case ClientEventTypeConversationItemRetrieve:
		var e ConversationItemRetrieveEvent
		err = json.Unmarshal(data, &e)
		if err == nil && e.ItemID == "" {
			return nil, fmt.Errorf("conversation.item.retrieve missing item_id")
		}
		event = &e

	case ClientEventTypeConversationItemTruncate:
		var e ConversationItemTruncateEvent
		err = json.Unmarshal(data, &e)
		if err == nil && e.ItemID == "" {
			return nil, fmt.Errorf("conversation.item.truncate missing item_id")
		}
		event = &e

	case ClientEventTypeConversationItemDelete:
		var e ConversationItemDeleteEvent
		err = json.Unmarshal(data, &e)
		if err == nil && e.ItemID == "" {
			return nil, fmt.Errorf("conversation.item.delete missing item_id")
		}
		event = &e

	case ClientEventTypeResponseCreate:
		var e ResponseCreateEvent
		err = json.Unmarshal(data, &e)
		event = &e

	case ClientEventTypeResponseCancel:
		var e ResponseCancelEvent
		err = json.Unmarshal(data, &e)
		event = &e

	default:
		return nil, fmt.Errorf("unknown client event type: %s", base.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse %s event: %w", base.Type, err)
	}

	return event, nil
}
