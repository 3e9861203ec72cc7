package realtimeapi

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/voicebridge-ai/voicebridge/pkg/realtimeapi/events"
	"github.com/voicebridge-ai/voicebridge/pkg/realtimeapi/state"
)

// ResponderConfig shapes how the loopback streams a response turn.
type ResponderConfig struct {
	// ChunkBytes is the raw PCM size of each audio delta.
	ChunkBytes int
	// ChunkInterval is the pause between consecutive deltas. It gives
	// clients a window to cancel mid-response.
	ChunkInterval time.Duration
	// Transcript, when set, is emitted as an audio transcript alongside
	// audio turns.
	Transcript string
}

// DefaultResponderConfig streams 100 ms chunks at 24 kHz with a short pause
// between deltas.
func DefaultResponderConfig() ResponderConfig {
	return ResponderConfig{
		ChunkBytes:    4800,
		ChunkInterval: 10 * time.Millisecond,
	}
}

// errResponderClosed reports a Start against a session that is tearing down.
var errResponderClosed = errors.New("responder closed")

// Responder generates response turns for one loopback session. It drives the
// full server event chain for each turn:
//
//	response.created
//	response.output_item.added
//	conversation.item.created
//	response.content_part.added
//	response.audio.delta ... | response.text.delta
//	response.audio.done | response.text.done
//	response.content_part.done
//	response.output_item.done
//	response.done
//
// The loopback has no model behind it; a turn echoes the most recent user
// audio back, echoes user text, or falls back to the instructions string.
// Cancellation stops the delta stream and terminates the chain with
// response.cancelled followed by response.done with status cancelled.
type Responder struct {
	session *Session
	tracker *state.Tracker
	config  ResponderConfig

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

func newResponder(session *Session, config ResponderConfig) *Responder {
	if config.ChunkBytes <= 0 {
		config.ChunkBytes = DefaultResponderConfig().ChunkBytes
	}
	if config.ChunkInterval <= 0 {
		config.ChunkInterval = DefaultResponderConfig().ChunkInterval
	}
	return &Responder{
		session: session,
		tracker: state.NewTracker(),
		config:  config,
	}
}

// Start begins a response turn. The preamble events through
// response.content_part.added are emitted before Start returns; deltas and
// the closing chain stream from a separate goroutine. Returns
// state.ErrResponseAlreadyActive while a previous turn is still streaming.
func (r *Responder) Start(cfg *events.ResponseConfig) error {
	contentType, pcm, text := r.pickSource(cfg)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errResponderClosed
	}
	turn, err := r.tracker.Begin(contentType)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	ctx, cancel := context.WithCancel(r.session.ctx)
	r.cancel = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	log.Printf("[Loopback] session %s: response %s started (%s, %d audio bytes)",
		r.session.ID, turn.ResponseID, contentType, len(pcm))

	r.session.SendEvent(events.NewResponseCreatedEvent(events.Response{
		ID:     turn.ResponseID,
		Object: "realtime.response",
		Status: events.ResponseStatusInProgress,
		Output: []events.ConversationItem{},
	}))

	item := events.ConversationItem{
		ID:     turn.ItemID,
		Object: "realtime.item",
		Type:   events.ItemTypeMessage,
		Status: events.ItemStatusInProgress,
		Role:   events.RoleAssistant,
	}
	r.session.SendEvent(events.NewResponseOutputItemAddedEvent(turn.ResponseID, turn.OutputIndex, item))

	previousItemID := r.session.conversation.LastItemID()
	r.session.conversation.AddItem(item)
	r.session.SendEvent(events.NewConversationItemCreatedEvent(item, previousItemID))

	r.session.SendEvent(events.NewResponseContentPartAddedEvent(
		turn.ResponseID, turn.ItemID, turn.OutputIndex, turn.ContentIndex,
		events.Content{Type: contentType}))

	go r.stream(ctx, turn, pcm, text)
	return nil
}

// Cancel aborts the active turn. A non-empty responseID must match the
// active turn's ID. Returns false when nothing is streaming.
func (r *Responder) Cancel(responseID string) bool {
	active := r.tracker.ActiveID()
	if active == "" || (responseID != "" && responseID != active) {
		return false
	}

	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// ActiveResponseID returns the streaming turn's response ID, or "".
func (r *Responder) ActiveResponseID() string {
	return r.tracker.ActiveID()
}

// Close aborts any active turn, waits for its goroutine, and rejects
// further Start calls.
func (r *Responder) Close() {
	r.mu.Lock()
	r.closed = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	r.tracker.Reset()
}

// pickSource chooses what the turn will stream. Audio from the last user
// item wins unless the response config narrows modalities to text; user text
// is echoed verbatim; with no usable user content the turn speaks the
// instructions string.
func (r *Responder) pickSource(cfg *events.ResponseConfig) (events.ContentType, []byte, string) {
	wantAudio := true
	if cfg != nil && len(cfg.Modalities) > 0 {
		wantAudio = false
		for _, m := range cfg.Modalities {
			if m == events.ModalityAudio {
				wantAudio = true
			}
		}
	}

	item, hasUser := r.session.conversation.LastItemByRole(events.RoleUser)
	if hasUser {
		if wantAudio {
			for _, part := range item.Content {
				if part.Type != events.ContentTypeInputAudio && part.Type != events.ContentTypeAudio {
					continue
				}
				if part.Audio == "" {
					continue
				}
				audio, err := base64.StdEncoding.DecodeString(part.Audio)
				if err == nil && len(audio) > 0 {
					return events.ContentTypeAudio, audio, ""
				}
			}
		}
		for _, part := range item.Content {
			if part.Type == events.ContentTypeInputText && part.Text != "" {
				return events.ContentTypeText, nil, part.Text
			}
		}
	}

	text := "OK"
	if cfg != nil && cfg.Instructions != "" {
		text = cfg.Instructions
	} else if instructions := r.session.Instructions(); instructions != "" {
		text = instructions
	}
	return events.ContentTypeText, nil, text
}

// stream emits the delta phase and the closing chain for one turn. It is the
// only emitter of the turn's terminal events, including the cancelled pair.
func (r *Responder) stream(ctx context.Context, turn state.ResponseContext, pcm []byte, text string) {
	defer r.wg.Done()

	if turn.ContentType == events.ContentTypeAudio {
		if !r.streamAudio(ctx, turn, pcm) {
			r.finish(turn, events.ResponseStatusCancelled)
			return
		}
	} else {
		r.tracker.AppendText(text)
		r.session.SendEvent(events.NewResponseTextDeltaEvent(
			turn.ResponseID, turn.ItemID, turn.OutputIndex, turn.ContentIndex, text))
		r.session.SendEvent(events.NewResponseTextDoneEvent(
			turn.ResponseID, turn.ItemID, turn.OutputIndex, turn.ContentIndex, text))
	}

	r.finish(turn, events.ResponseStatusCompleted)
}

// streamAudio sends paced audio deltas. Returns false when the turn was
// cancelled mid-stream.
func (r *Responder) streamAudio(ctx context.Context, turn state.ResponseContext, pcm []byte) bool {
	for offset := 0; offset < len(pcm); offset += r.config.ChunkBytes {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		end := offset + r.config.ChunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		chunk := pcm[offset:end]

		r.tracker.AppendAudio(chunk)
		r.session.SendEvent(events.NewResponseAudioDeltaEvent(
			turn.ResponseID, turn.ItemID, turn.OutputIndex, turn.ContentIndex,
			base64.StdEncoding.EncodeToString(chunk)))

		if end < len(pcm) {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(r.config.ChunkInterval):
			}
		}
	}

	if r.config.Transcript != "" {
		r.tracker.AppendTranscript(r.config.Transcript)
		r.session.SendEvent(events.NewResponseAudioTranscriptDeltaEvent(
			turn.ResponseID, turn.ItemID, turn.OutputIndex, turn.ContentIndex, r.config.Transcript))
	}

	r.session.SendEvent(events.NewResponseAudioDoneEvent(
		turn.ResponseID, turn.ItemID, turn.OutputIndex, turn.ContentIndex))
	if r.config.Transcript != "" {
		r.session.SendEvent(events.NewResponseAudioTranscriptDoneEvent(
			turn.ResponseID, turn.ItemID, turn.OutputIndex, turn.ContentIndex, r.config.Transcript))
	}
	return true
}

// finish records the terminal status and emits the closing chain. The
// completed path closes the content part and output item before
// response.done; the cancelled path jumps straight to the cancelled pair.
func (r *Responder) finish(turn state.ResponseContext, status events.ResponseStatus) {
	final, err := r.tracker.Finish(status)
	if err != nil {
		// Already finished through another path; nothing left to emit.
		return
	}

	part := events.Content{Type: final.ContentType}
	itemStatus := events.ItemStatusCompleted
	switch final.ContentType {
	case events.ContentTypeAudio:
		part.Audio = base64.StdEncoding.EncodeToString(final.Audio)
		part.Transcript = final.Transcript
	default:
		part.Text = final.Text
	}
	if status == events.ResponseStatusCancelled {
		itemStatus = events.ItemStatusIncomplete
	}

	item := events.ConversationItem{
		ID:      final.ItemID,
		Object:  "realtime.item",
		Type:    events.ItemTypeMessage,
		Status:  itemStatus,
		Role:    events.RoleAssistant,
		Content: []events.Content{part},
	}
	if err := r.session.conversation.UpdateItem(item); err != nil {
		log.Printf("[Loopback] session %s: finalize response %s: %v", r.session.ID, final.ResponseID, err)
	}

	response := events.Response{
		ID:     final.ResponseID,
		Object: "realtime.response",
		Status: status,
		Output: []events.ConversationItem{item},
	}

	if status == events.ResponseStatusCancelled {
		log.Printf("[Loopback] session %s: response %s cancelled after %d audio bytes",
			r.session.ID, final.ResponseID, len(final.Audio))
		r.session.SendEvent(events.NewResponseCancelledEvent(response))
		r.session.SendEvent(events.NewResponseDoneEvent(response))
		return
	}

	r.session.SendEvent(events.NewResponseContentPartDoneEvent(
		final.ResponseID, final.ItemID, final.OutputIndex, final.ContentIndex, part))
	r.session.SendEvent(events.NewResponseOutputItemDoneEvent(final.ResponseID, final.OutputIndex, item))
	r.session.SendEvent(events.NewResponseDoneEvent(response))

	log.Printf("[Loopback] session %s: response %s completed (%d audio bytes, %d text chars)",
		r.session.ID, final.ResponseID, len(final.Audio), len(final.Text))
}
