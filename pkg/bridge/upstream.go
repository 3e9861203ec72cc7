// upstream.go carries the upstream-to-platform half of the call: server-event
// handlers registered on the realtime client's router, the playout task that
// drains the audio queue into platform frames, and the barge-in path that
// cancels an interrupted response on both legs.

package bridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/voicebridge-ai/voicebridge/pkg/audio"
	"github.com/voicebridge-ai/voicebridge/pkg/audiocodes"
	"github.com/voicebridge-ai/voicebridge/pkg/realtimeapi"
	"github.com/voicebridge-ai/voicebridge/pkg/realtimeapi/events"
	"github.com/voicebridge-ai/voicebridge/pkg/router"
	"github.com/voicebridge-ai/voicebridge/pkg/session"
)

func (b *Bridge) registerUpstreamHandlers(r *router.Router) {
	reg := func(t events.ServerEventType, h router.Handler) {
		r.Register(router.SourceUpstream, string(t), h)
	}
	reg(events.ServerEventTypeError, b.onUpstreamError)
	reg(events.ServerEventTypeInputAudioBufferSpeechStarted, b.onServerSpeechStarted)
	reg(events.ServerEventTypeInputAudioBufferSpeechStopped, b.onServerSpeechStopped)
	reg(events.ServerEventTypeInputAudioBufferCommitted, b.onUpstreamCommitted)
	reg(events.ServerEventTypeResponseCreated, b.onResponseCreated)
	reg(events.ServerEventTypeResponseDone, b.onResponseFinished)
	reg(events.ServerEventTypeResponseCancelled, b.onResponseFinished)
	reg(events.ServerEventTypeConversationItemInputAudioTranscriptionDelta, b.onUserTranscriptDelta)
	reg(events.ServerEventTypeConversationItemInputAudioTranscriptionCompleted, b.onUserTranscriptDone)
	reg(events.ServerEventTypeResponseAudioTranscriptDone, b.onBotTranscriptDone)
	reg(events.ServerEventTypeResponseTextDone, b.onBotTextDone)
}

// onUpstreamError logs a recoverable upstream error and fails the call on a
// fatal one.
func (b *Bridge) onUpstreamError(_ context.Context, frame []byte) error {
	var ev events.ErrorEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return fmt.Errorf("error event: %w", err)
	}
	if !ev.Error.IsFatal() {
		log.Printf("[Bridge %s] upstream %s: %s", b.convID, ev.Error.Type, ev.Error.Message)
		return nil
	}
	b.failCall(fmt.Sprintf("upstream error: %s", ev.Error.Message))
	return nil
}

func (b *Bridge) onServerSpeechStarted(_ context.Context, _ []byte) error {
	b.onSpeechOnset("server vad")
	return nil
}

func (b *Bridge) onServerSpeechStopped(_ context.Context, _ []byte) error {
	b.onSpeechEnd("server vad")
	return nil
}

// onUpstreamCommitted acknowledges a committed user turn: the input buffer is
// empty again, and AudioCodes callers get a userStream.committed frame.
func (b *Bridge) onUpstreamCommitted(_ context.Context, _ []byte) error {
	b.mu.Lock()
	b.pendingAudio = false
	b.mu.Unlock()

	if b.sess.Dialect() != session.DialectAudioCodes {
		b.sess.SetSpeechCommitted(true)
		return nil
	}
	frame, err := b.sess.BuildCommitted()
	if err != nil {
		return nil
	}
	return b.writePlatform(frame)
}

func (b *Bridge) onResponseCreated(_ context.Context, frame []byte) error {
	var ev events.ResponseCreatedEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return fmt.Errorf("response.created: %w", err)
	}
	if ev.Response.ID == "" {
		return nil
	}
	b.mu.Lock()
	b.activeResponse = ev.Response.ID
	b.mu.Unlock()
	return nil
}

// onResponseFinished retires a response on its done or cancelled event. A
// cancelled response joins the discard set so deltas still in flight never
// reach the platform.
func (b *Bridge) onResponseFinished(_ context.Context, frame []byte) error {
	var ev events.ResponseDoneEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return fmt.Errorf("response done: %w", err)
	}
	id := ev.Response.ID
	if id == "" {
		return nil
	}
	b.mu.Lock()
	if b.activeResponse == id {
		b.activeResponse = ""
	}
	if ev.Response.Status == events.ResponseStatusCancelled {
		b.discarded[id] = true
	}
	b.mu.Unlock()
	log.Printf("[Bridge %s] response %s finished: %s", b.convID, id, ev.Response.Status)
	return nil
}

// onUserTranscriptDelta accumulates the interim user transcript per item and
// surfaces it as an AudioCodes hypothesis frame.
func (b *Bridge) onUserTranscriptDelta(_ context.Context, frame []byte) error {
	if b.sess.Dialect() != session.DialectAudioCodes {
		return nil
	}
	var ev events.ConversationItemInputAudioTranscriptionDeltaEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return fmt.Errorf("transcription delta: %w", err)
	}
	if ev.Delta == "" {
		return nil
	}
	b.mu.Lock()
	b.userTranscripts[ev.ItemID] += ev.Delta
	text := b.userTranscripts[ev.ItemID]
	b.mu.Unlock()

	reply, err := b.sess.BuildHypothesis([]audiocodes.Hypothesis{{Text: text}})
	if err != nil {
		return nil
	}
	return b.writePlatform(reply)
}

// onUserTranscriptDone emits the final user transcript as a full-confidence
// hypothesis and drops the accumulator for the item.
func (b *Bridge) onUserTranscriptDone(_ context.Context, frame []byte) error {
	var ev events.ConversationItemInputAudioTranscriptionCompletedEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return fmt.Errorf("transcription completed: %w", err)
	}
	b.mu.Lock()
	delete(b.userTranscripts, ev.ItemID)
	b.mu.Unlock()

	if b.sess.Dialect() != session.DialectAudioCodes || ev.Transcript == "" {
		return nil
	}
	reply, err := b.sess.BuildHypothesis([]audiocodes.Hypothesis{{Text: ev.Transcript, Confidence: 1}})
	if err != nil {
		return nil
	}
	return b.writePlatform(reply)
}

func (b *Bridge) onBotTranscriptDone(_ context.Context, frame []byte) error {
	if b.sess.Dialect() != session.DialectAudioCodes {
		return nil
	}
	var ev events.ResponseAudioTranscriptDoneEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return fmt.Errorf("transcript done: %w", err)
	}
	return b.sendBotMessage(ev.Transcript)
}

func (b *Bridge) onBotTextDone(_ context.Context, frame []byte) error {
	if b.sess.Dialect() != session.DialectAudioCodes {
		return nil
	}
	var ev events.ResponseTextDoneEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return fmt.Errorf("text done: %w", err)
	}
	return b.sendBotMessage(ev.Text)
}

// sendBotMessage surfaces the model's finished utterance text to AudioCodes
// as a message activity, so the platform can log or display what was said.
func (b *Bridge) sendBotMessage(text string) error {
	if text == "" {
		return nil
	}
	frame, err := b.sess.BuildActivity(audiocodes.Activity{
		Type: audiocodes.ActivityTypeMessage,
		Text: text,
	})
	if err != nil {
		return nil
	}
	return b.writePlatform(frame)
}

// onSpeechOnset handles a speech-start signal from either VAD. The first
// signal inside the de-dup window wins; a fresh onset during active playback
// triggers the barge-in path and, for AudioCodes, a speech.started frame.
func (b *Bridge) onSpeechOnset(origin string) {
	now := time.Now()
	b.mu.Lock()
	if !b.lastSpeechStart.IsZero() && now.Sub(b.lastSpeechStart) < speechDedupWindow {
		b.mu.Unlock()
		log.Printf("[Bridge %s] duplicate speech onset from %s suppressed", b.convID, origin)
		return
	}
	b.lastSpeechStart = now
	b.mu.Unlock()

	log.Printf("[Bridge %s] user speech started (%s)", b.convID, origin)
	b.interruptPlayback("user speech")

	if b.sess.Dialect() == session.DialectAudioCodes {
		if frame, err := b.sess.BuildSpeechStarted(); err == nil {
			_ = b.writePlatform(frame)
		}
		return
	}
	b.sess.SetSpeechActive(true)
}

// onSpeechEnd mirrors the onset path for speech stop. Duplicate stops are
// suppressed by the speech-active flag rather than a time window.
func (b *Bridge) onSpeechEnd(origin string) {
	if !b.sess.SpeechActive() {
		return
	}
	log.Printf("[Bridge %s] user speech stopped (%s)", b.convID, origin)
	if b.sess.Dialect() == session.DialectAudioCodes {
		if frame, err := b.sess.BuildSpeechStopped(); err == nil {
			_ = b.writePlatform(frame)
		}
		return
	}
	b.sess.SetSpeechActive(false)
}

// interruptPlayback cancels the active response upstream, marks its deltas
// for discard, and clears whatever the platform has buffered but not yet
// played: AudioCodes gets playStream.stop, Twilio gets a clear frame and the
// framer drops its remainder.
func (b *Bridge) interruptPlayback(reason string) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	active := b.activeResponse
	if active != "" {
		b.discarded[active] = true
		b.activeResponse = ""
	}
	b.mu.Unlock()

	if active != "" {
		if err := b.upstream.SendEvent(events.NewResponseCancelEvent(active)); err != nil {
			log.Printf("[Bridge %s] response cancel failed: %v", b.convID, err)
		} else {
			log.Printf("[Bridge %s] cancelled response %s: %s", b.convID, active, reason)
		}
	}

	switch b.sess.Dialect() {
	case session.DialectAudioCodes:
		if b.sess.PlayStream() != session.StreamActive {
			return
		}
		if frame, err := b.sess.BuildPlayStreamStop(); err == nil {
			_ = b.writePlatform(frame)
		}
	case session.DialectTwilio:
		b.audioMu.Lock()
		framer := b.framer
		b.audioMu.Unlock()
		if framer != nil {
			if n := framer.Clear(); n > 0 {
				log.Printf("[Bridge %s] dropped %d buffered playout bytes", b.convID, n)
			}
		}
		if frame, err := b.sess.BuildClear(); err == nil {
			_ = b.writePlatform(frame)
		}
	}
}

func (b *Bridge) shouldDiscard(responseID string) bool {
	if responseID == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.discarded[responseID]
}

// forwardModelAudio is the playout task: it drains the upstream audio queue
// in arrival order, drops deltas of cancelled responses, and closes out the
// platform-side stream once a finished response has fully drained. Chunk
// order per response is preserved end to end because this is the queue's
// only consumer and platform writes are serialized.
func (b *Bridge) forwardModelAudio(ctx context.Context) {
	defer b.wg.Done()
	for {
		chunk, ok := b.upstream.ReceiveAudioChunk(ctx, b.cfg.PlayoutPoll)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			b.finishIdlePlayout()
			continue
		}
		if b.shouldDiscard(chunk.ResponseID) {
			log.Printf("[Bridge %s] discarding %d bytes from cancelled response %s",
				b.convID, len(chunk.Data), chunk.ResponseID)
			continue
		}
		if err := b.writeModelAudio(chunk); err != nil {
			log.Printf("[Bridge %s] playout write failed: %v", b.convID, err)
		}
	}
}

// writeModelAudio resamples one model audio chunk to the platform rate and
// writes it in the dialect's framing: exact 160-byte µ-law media frames for
// Twilio, playStream chunks for AudioCodes.
func (b *Bridge) writeModelAudio(chunk realtimeapi.AudioChunk) error {
	b.audioMu.Lock()
	if b.outResampler == nil {
		b.audioMu.Unlock()
		return fmt.Errorf("audio path not ready")
	}
	pcm := b.outResampler.Process(chunk.Data)
	framer := b.framer
	b.audioMu.Unlock()
	if len(pcm) == 0 {
		return nil
	}
	// The response may have been cancelled while the chunk sat in the queue.
	if b.shouldDiscard(chunk.ResponseID) {
		return nil
	}

	switch b.sess.Dialect() {
	case session.DialectTwilio:
		for _, f := range framer.Write(audio.PCMToMuLaw(pcm)) {
			frame, err := b.sess.BuildMedia(base64.StdEncoding.EncodeToString(f))
			if err != nil {
				return err
			}
			if err := b.writePlatform(frame); err != nil {
				return err
			}
		}
		b.mu.Lock()
		b.playoutDirty = true
		b.mu.Unlock()
	case session.DialectAudioCodes:
		payload := pcm
		if b.sess.MediaFormat() == audiocodes.MediaFormatMuLaw8KHz {
			payload = audio.PCMToMuLaw(pcm)
		}
		if err := b.ensurePlayStream(); err != nil {
			return err
		}
		frame, err := b.sess.BuildPlayStreamChunk(base64.StdEncoding.EncodeToString(payload))
		if err != nil {
			return err
		}
		if err := b.writePlatform(frame); err != nil {
			return err
		}
	}
	return nil
}

// ensurePlayStream opens the AudioCodes bot-audio stream if it is not
// already open. Streams close after each response and reopen for the next.
func (b *Bridge) ensurePlayStream() error {
	if b.sess.PlayStream() == session.StreamActive {
		return nil
	}
	frame, streamID, err := b.sess.BuildPlayStreamStart()
	if err != nil {
		return err
	}
	if err := b.writePlatform(frame); err != nil {
		return err
	}
	log.Printf("[Bridge %s] play stream %s open", b.convID, streamID)
	return nil
}

// finishIdlePlayout closes out platform-side playback once the queue has
// gone idle with no response in flight: AudioCodes gets playStream.stop,
// Twilio gets the silence-padded final frame and a playback mark.
func (b *Bridge) finishIdlePlayout() {
	b.mu.Lock()
	idle := b.activeResponse == ""
	b.mu.Unlock()
	if !idle {
		return
	}

	switch b.sess.Dialect() {
	case session.DialectAudioCodes:
		if b.sess.PlayStream() != session.StreamActive {
			return
		}
		if frame, err := b.sess.BuildPlayStreamStop(); err == nil {
			_ = b.writePlatform(frame)
			log.Printf("[Bridge %s] play stream closed", b.convID)
		}
	case session.DialectTwilio:
		b.mu.Lock()
		dirty := b.playoutDirty
		b.playoutDirty = false
		if dirty {
			b.markSeq++
		}
		seq := b.markSeq
		b.mu.Unlock()
		if !dirty {
			return
		}
		b.audioMu.Lock()
		framer := b.framer
		b.audioMu.Unlock()
		if framer != nil {
			if final := framer.Flush(); final != nil {
				if frame, err := b.sess.BuildMedia(base64.StdEncoding.EncodeToString(final)); err == nil {
					_ = b.writePlatform(frame)
				}
			}
		}
		if frame, err := b.sess.BuildMark(fmt.Sprintf("playout-%d", seq)); err == nil {
			_ = b.writePlatform(frame)
		}
	}
}
