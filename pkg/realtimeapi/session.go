package realtimeapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voicebridge-ai/voicebridge/pkg/realtimeapi/events"
	"github.com/voicebridge-ai/voicebridge/pkg/realtimeapi/state"
)

// sessionEventBuffer bounds the per-session outbound event queue. The write
// loop drains it; if a client stops reading, further events are dropped with
// a warning rather than blocking the handlers.
const sessionEventBuffer = 100

// defaultSessionState is what session.created advertises before any client
// session.update is applied.
func defaultSessionState(id, model string) events.Session {
	return events.Session{
		ID:                id,
		Object:            "realtime.session",
		Model:             model,
		Modalities:        []events.Modality{events.ModalityText, events.ModalityAudio},
		Voice:             "alloy",
		InputAudioFormat:  events.AudioFormatPCM16,
		OutputAudioFormat: events.AudioFormatPCM16,
		TurnDetection: &events.TurnDetection{
			Type:              events.TurnDetectionTypeServerVAD,
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
		},
		Temperature:     0.8,
		MaxOutputTokens: 4096,
	}
}

// Session is the server side of one loopback connection. It owns the input
// audio buffer, the conversation item store and the responder, applies
// client events to them, and serializes all outbound events through a single
// write loop.
type Session struct {
	ID string

	mu     sync.RWMutex
	state  events.Session
	closed bool

	conversation *Conversation
	inputBuffer  *AudioBuffer
	responder    *Responder
	transport    Transport

	eventChan chan events.ServerEvent
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closedCh  chan struct{}
	onClose   func()
}

// NewSession wraps a WebSocket connection in a session.
func NewSession(parent context.Context, conn *websocket.Conn, model string, config events.SessionConfig, responder ResponderConfig) *Session {
	return NewSessionWithTransport(parent, NewWebSocketTransport(conn), model, config, responder)
}

// NewSessionWithTransport builds a session over any Transport. Tests use
// this with a recording transport to assert event sequences without sockets.
func NewSessionWithTransport(parent context.Context, transport Transport, model string, config events.SessionConfig, responder ResponderConfig) *Session {
	id := "sess_" + uuid.New().String()[:8]
	ctx, cancel := context.WithCancel(parent)

	sessionState := defaultSessionState(id, model)
	mergeSessionConfig(&sessionState, config)

	s := &Session{
		ID:           id,
		state:        sessionState,
		conversation: NewConversation(),
		inputBuffer:  NewAudioBuffer(DefaultAudioBufferConfig()),
		transport:    transport,
		eventChan:    make(chan events.ServerEvent, sessionEventBuffer),
		ctx:          ctx,
		cancel:       cancel,
		closedCh:     make(chan struct{}),
	}
	s.responder = newResponder(s, responder)

	s.wg.Add(1)
	go s.writeLoop()
	return s
}

// Start announces the session. Called once, before any client event is
// processed.
func (s *Session) Start() {
	s.SendEvent(events.NewSessionCreatedEvent(s.State()))
	s.SendEvent(events.NewConversationCreatedEvent(s.conversation.ID))
}

// State returns a copy of the current session state.
func (s *Session) State() events.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Instructions returns the current instructions string.
func (s *Session) Instructions() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Instructions
}

// SetOnClose registers a callback invoked once when the session closes.
func (s *Session) SetOnClose(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = f
}

// Done is closed when the session begins closing.
func (s *Session) Done() <-chan struct{} {
	return s.closedCh
}

// HandleClientEvent applies one parsed client event. Protocol-level problems
// are answered with error events and a nil return; only internal failures
// surface as errors.
func (s *Session) HandleClientEvent(event events.ClientEvent) error {
	switch ev := event.(type) {
	case *events.SessionUpdateEvent:
		return s.handleSessionUpdate(ev)
	case *events.TranscriptionSessionUpdateEvent:
		return s.handleTranscriptionSessionUpdate(ev)
	case *events.InputAudioBufferAppendEvent:
		return s.handleInputAudioBufferAppend(ev)
	case *events.InputAudioBufferCommitEvent:
		return s.handleInputAudioBufferCommit(ev)
	case *events.InputAudioBufferClearEvent:
		return s.handleInputAudioBufferClear(ev)
	case *events.ConversationItemCreateEvent:
		return s.handleConversationItemCreate(ev)
	case *events.ConversationItemRetrieveEvent:
		return s.handleConversationItemRetrieve(ev)
	case *events.ConversationItemTruncateEvent:
		return s.handleConversationItemTruncate(ev)
	case *events.ConversationItemDeleteEvent:
		return s.handleConversationItemDelete(ev)
	case *events.ResponseCreateEvent:
		return s.handleResponseCreate(ev)
	case *events.ResponseCancelEvent:
		return s.handleResponseCancel(ev)
	default:
		s.SendEvent(events.NewErrorEvent(events.ErrorTypeInvalidRequest, "invalid_event_type",
			fmt.Sprintf("unknown event type: %s", event.ClientEventType()), "type"))
		return nil
	}
}

// SendEvent queues an event for the write loop. Never blocks: on a closed
// session it is a no-op, on a full queue the event is dropped with a warning.
func (s *Session) SendEvent(event events.ServerEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}

	select {
	case s.eventChan <- event:
	case <-s.ctx.Done():
	default:
		log.Printf("[Loopback] session %s: event queue full, dropping %s", s.ID, event.ServerEventType())
	}
}

// Close tears the session down: stops the responder, flushes queued events,
// closes the transport and fires the onClose callback. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	onClose := s.onClose
	s.mu.Unlock()

	close(s.closedCh)
	s.responder.Close()
	s.cancel()
	close(s.eventChan)
	s.wg.Wait()
	err := s.transport.Close()
	if onClose != nil {
		onClose()
	}
	log.Printf("[Loopback] session %s closed", s.ID)
	return err
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for event := range s.eventChan {
		if err := s.transport.SendEvent(event); err != nil {
			log.Printf("[Loopback] session %s: send %s: %v", s.ID, event.ServerEventType(), err)
		}
	}
}

func (s *Session) handleSessionUpdate(ev *events.SessionUpdateEvent) error {
	s.mu.Lock()
	mergeSessionConfig(&s.state, ev.Session)
	updated := s.state
	s.mu.Unlock()

	s.SendEvent(events.NewSessionUpdatedEvent(updated))
	return nil
}

func (s *Session) handleTranscriptionSessionUpdate(ev *events.TranscriptionSessionUpdateEvent) error {
	s.mu.Lock()
	if ev.Session.InputAudioFormat != "" {
		s.state.InputAudioFormat = ev.Session.InputAudioFormat
	}
	if ev.Session.InputAudioTranscription != nil {
		s.state.InputAudioTranscription = ev.Session.InputAudioTranscription
	}
	if ev.Session.TurnDetection != nil {
		s.state.TurnDetection = ev.Session.TurnDetection
	}
	updated := s.state
	s.mu.Unlock()

	s.SendEvent(events.NewSessionUpdatedEvent(updated))
	return nil
}

func (s *Session) handleInputAudioBufferAppend(ev *events.InputAudioBufferAppendEvent) error {
	if err := s.inputBuffer.Append(ev.Audio); err != nil {
		code := "invalid_audio"
		if errors.Is(err, ErrBufferOverflow) {
			code = "audio_buffer_overflow"
		}
		s.SendEvent(events.NewErrorEvent(events.ErrorTypeInvalidRequest, code, err.Error(), "audio"))
	}
	return nil
}

// handleInputAudioBufferCommit turns the buffered audio into a user item.
// Committing an empty buffer (including right after a clear) emits nothing.
func (s *Session) handleInputAudioBufferCommit(_ *events.InputAudioBufferCommitEvent) error {
	audio, durationMs, err := s.inputBuffer.Commit()
	if err != nil {
		return err
	}
	if len(audio) == 0 {
		return nil
	}

	itemID := "item_" + uuid.New().String()[:8]
	previousItemID := s.conversation.LastItemID()
	item := events.ConversationItem{
		ID:     itemID,
		Object: "realtime.item",
		Type:   events.ItemTypeMessage,
		Status: events.ItemStatusCompleted,
		Role:   events.RoleUser,
		Content: []events.Content{{
			Type:  events.ContentTypeInputAudio,
			Audio: base64.StdEncoding.EncodeToString(audio),
		}},
	}
	s.conversation.AddItem(item)

	s.SendEvent(events.NewInputAudioBufferCommittedEvent(itemID, previousItemID))
	s.SendEvent(events.NewConversationItemCreatedEvent(item, previousItemID))
	log.Printf("[Loopback] session %s: committed %d bytes (%d ms) as %s", s.ID, len(audio), durationMs, itemID)
	return nil
}

func (s *Session) handleInputAudioBufferClear(_ *events.InputAudioBufferClearEvent) error {
	s.inputBuffer.Clear()
	s.SendEvent(events.NewInputAudioBufferClearedEvent())
	return nil
}

func (s *Session) handleConversationItemCreate(ev *events.ConversationItemCreateEvent) error {
	itemID := ev.Item.ID
	if itemID == "" {
		itemID = "item_" + uuid.New().String()[:8]
	}
	itemType := ev.Item.Type
	if itemType == "" {
		itemType = events.ItemTypeMessage
	}
	item := events.ConversationItem{
		ID:        itemID,
		Object:    "realtime.item",
		Type:      itemType,
		Status:    events.ItemStatusCompleted,
		Role:      ev.Item.Role,
		Content:   ev.Item.Content,
		CallID:    ev.Item.CallID,
		Name:      ev.Item.Name,
		Arguments: ev.Item.Arguments,
		Output:    ev.Item.Output,
	}

	previousItemID := ev.PreviousItemID
	if previousItemID != "" {
		if err := s.conversation.InsertItemAfter(previousItemID, item); err != nil {
			s.SendEvent(events.NewErrorEvent(events.ErrorTypeInvalidRequest, "item_not_found",
				err.Error(), "previous_item_id"))
			return nil
		}
	} else {
		previousItemID = s.conversation.LastItemID()
		s.conversation.AddItem(item)
	}

	s.SendEvent(events.NewConversationItemCreatedEvent(item, previousItemID))
	return nil
}

func (s *Session) handleConversationItemRetrieve(ev *events.ConversationItemRetrieveEvent) error {
	item, ok := s.conversation.GetItem(ev.ItemID)
	if !ok {
		s.SendEvent(events.NewErrorEvent(events.ErrorTypeInvalidRequest, "item_not_found",
			fmt.Sprintf("item %s not found", ev.ItemID), "item_id"))
		return nil
	}
	s.SendEvent(events.NewConversationItemRetrievedEvent(item))
	return nil
}

func (s *Session) handleConversationItemTruncate(ev *events.ConversationItemTruncateEvent) error {
	cfg := s.inputBuffer.Config()
	byteEnd := ev.AudioEndMs * cfg.SampleRate * 2 * cfg.Channels / 1000

	if err := s.conversation.TruncateAudio(ev.ItemID, ev.ContentIndex, byteEnd); err != nil {
		code := "invalid_truncate"
		if errors.Is(err, ErrItemNotFound) {
			code = "item_not_found"
		}
		s.SendEvent(events.NewErrorEvent(events.ErrorTypeInvalidRequest, code, err.Error(), "item_id"))
		return nil
	}
	s.SendEvent(events.NewConversationItemTruncatedEvent(ev.ItemID, ev.ContentIndex, ev.AudioEndMs))
	return nil
}

func (s *Session) handleConversationItemDelete(ev *events.ConversationItemDeleteEvent) error {
	if err := s.conversation.DeleteItem(ev.ItemID); err != nil {
		s.SendEvent(events.NewErrorEvent(events.ErrorTypeInvalidRequest, "item_not_found",
			err.Error(), "item_id"))
		return nil
	}
	s.SendEvent(events.NewConversationItemDeletedEvent(ev.ItemID))
	return nil
}

func (s *Session) handleResponseCreate(ev *events.ResponseCreateEvent) error {
	err := s.responder.Start(ev.Response)
	if err == nil {
		return nil
	}
	if errors.Is(err, state.ErrResponseAlreadyActive) {
		s.SendEvent(events.NewErrorEvent(events.ErrorTypeInvalidRequest,
			"conversation_already_has_active_response",
			"conversation already has an active response", ""))
		return nil
	}
	return err
}

func (s *Session) handleResponseCancel(ev *events.ResponseCancelEvent) error {
	if !s.responder.Cancel(ev.ResponseID) {
		s.SendEvent(events.NewErrorEvent(events.ErrorTypeInvalidRequest,
			"response_cancel_not_active", "no active response to cancel", "response_id"))
	}
	return nil
}

// mergeSessionConfig overlays the non-empty fields of a session.update onto
// the session state. Zero values leave the existing setting untouched, so
// partial updates are safe.
func mergeSessionConfig(state *events.Session, config events.SessionConfig) {
	if len(config.Modalities) > 0 {
		state.Modalities = config.Modalities
	}
	if config.Model != "" {
		state.Model = config.Model
	}
	if config.Voice != "" {
		state.Voice = config.Voice
	}
	if config.Instructions != "" {
		state.Instructions = config.Instructions
	}
	if config.InputAudioFormat != "" {
		state.InputAudioFormat = config.InputAudioFormat
	}
	if config.OutputAudioFormat != "" {
		state.OutputAudioFormat = config.OutputAudioFormat
	}
	if config.InputAudioTranscription != nil {
		state.InputAudioTranscription = config.InputAudioTranscription
	}
	if config.TurnDetection != nil {
		state.TurnDetection = config.TurnDetection
	}
	if len(config.Tools) > 0 {
		state.Tools = config.Tools
	}
	if config.ToolChoice != "" {
		state.ToolChoice = config.ToolChoice
	}
	if config.Temperature != 0 {
		state.Temperature = config.Temperature
	}
	if config.MaxOutputTokens != 0 {
		state.MaxOutputTokens = config.MaxOutputTokens
	}
}
