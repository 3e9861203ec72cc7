// platform.go carries the platform-to-upstream half of the call: dialect
// frame handlers registered on the bridge's router, the audio ingest path
// (decode, client VAD, resample, append), and activity forwarding.

package bridge

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"

	"github.com/voicebridge-ai/voicebridge/pkg/audio"
	"github.com/voicebridge-ai/voicebridge/pkg/audiocodes"
	"github.com/voicebridge-ai/voicebridge/pkg/realtimeapi/events"
	"github.com/voicebridge-ai/voicebridge/pkg/router"
	"github.com/voicebridge-ai/voicebridge/pkg/session"
	"github.com/voicebridge-ai/voicebridge/pkg/twilio"
	"github.com/voicebridge-ai/voicebridge/pkg/vad"
)

func (b *Bridge) registerPlatformHandlers() {
	switch b.sess.Dialect() {
	case session.DialectAudioCodes:
		b.router.Register(router.SourceAudioCodes, audiocodes.TypeSessionInitiate, b.handleSessionInitiate)
		b.router.Register(router.SourceAudioCodes, audiocodes.TypeSessionResume, b.handleSessionResume)
		b.router.Register(router.SourceAudioCodes, audiocodes.TypeSessionEnd, b.handleSessionEnd)
		b.router.Register(router.SourceAudioCodes, audiocodes.TypeConnectionValidate, b.handleConnectionValidate)
		b.router.Register(router.SourceAudioCodes, audiocodes.TypeUserStreamStart, b.handleUserStreamStart)
		b.router.Register(router.SourceAudioCodes, audiocodes.TypeUserStreamStop, b.handleUserStreamStop)
		b.router.Register(router.SourceAudioCodes, audiocodes.TypeUserStreamChunk, b.handleUserStreamChunk)
		b.router.Register(router.SourceAudioCodes, audiocodes.TypeActivities, b.handleActivities)
	case session.DialectTwilio:
		b.router.Register(router.SourceTwilio, twilio.EventConnected, b.handleTwilioConnected)
		b.router.Register(router.SourceTwilio, twilio.EventStart, b.handleTwilioStart)
		b.router.Register(router.SourceTwilio, twilio.EventMedia, b.handleTwilioMedia)
		b.router.Register(router.SourceTwilio, twilio.EventStop, b.handleTwilioStop)
		b.router.Register(router.SourceTwilio, twilio.EventDTMF, b.handleTwilioDTMF)
		b.router.Register(router.SourceTwilio, twilio.EventMark, b.handleTwilioMark)
	}
}

// handleSessionInitiate negotiates the media format, builds the transcode
// path, confirms the call with session.accepted and requests the greeting
// turn. A failed negotiation answers with session.error instead.
func (b *Bridge) handleSessionInitiate(_ context.Context, frame []byte) error {
	if err := b.sess.HandleInitiate(frame); err != nil {
		if reply, berr := b.sess.BuildError("unsupported media format"); berr == nil {
			_ = b.writePlatform(reply)
		}
		return fmt.Errorf("session initiate: %w", err)
	}
	if err := b.setupAudio(); err != nil {
		if reply, berr := b.sess.BuildError("audio setup failed"); berr == nil {
			_ = b.writePlatform(reply)
		}
		return fmt.Errorf("audio setup: %w", err)
	}
	reply, err := b.sess.BuildAccepted()
	if err != nil {
		return err
	}
	if err := b.writePlatform(reply); err != nil {
		return err
	}
	log.Printf("[Bridge %s] call accepted: bot %q caller %q format %s",
		b.convID, b.sess.BotName(), b.sess.Caller(), b.sess.MediaFormat())
	b.sendGreeting()
	return nil
}

// handleSessionResume confirms a resume arriving on a fresh transport. The
// upstream leg survived the platform drop, so only the platform side needs
// the acknowledgement.
func (b *Bridge) handleSessionResume(_ context.Context, frame []byte) error {
	if err := b.sess.HandleResume(frame); err != nil {
		return err
	}
	reply, err := b.sess.BuildResumed()
	if err != nil {
		return err
	}
	if err := b.writePlatform(reply); err != nil {
		return err
	}
	log.Printf("[Bridge %s] call resumed", b.convID)
	return nil
}

func (b *Bridge) handleSessionEnd(_ context.Context, frame []byte) error {
	if err := b.sess.HandleEnd(frame); err != nil {
		return err
	}
	log.Printf("[Bridge %s] platform ended call: %s", b.convID, b.sess.EndReason())
	return b.close(true)
}

func (b *Bridge) handleConnectionValidate(_ context.Context, frame []byte) error {
	if _, err := audiocodes.Parse(frame); err != nil {
		return err
	}
	b.sess.Touch()
	reply, err := b.sess.BuildValidated()
	if err != nil {
		return err
	}
	return b.writePlatform(reply)
}

func (b *Bridge) handleUserStreamStart(_ context.Context, frame []byte) error {
	ack, err := b.sess.HandleUserStreamStart(frame)
	if err != nil {
		return err
	}
	return b.writePlatform(ack)
}

func (b *Bridge) handleUserStreamStop(_ context.Context, frame []byte) error {
	ack, err := b.sess.HandleUserStreamStop(frame)
	if err != nil {
		return err
	}
	return b.writePlatform(ack)
}

// handleUserStreamChunk feeds one caller audio chunk into the upstream input
// buffer. Chunks are accepted whenever the call is active: VoiceAI Connect
// emits userStream.start markers, but some deployments stream audio without
// them, and dropping caller audio is the worse failure.
func (b *Bridge) handleUserStreamChunk(_ context.Context, frame []byte) error {
	msg, err := audiocodes.Parse(frame)
	if err != nil {
		return err
	}
	if msg.ConversationID != "" && msg.ConversationID != b.convID {
		return fmt.Errorf("%w: chunk for %s", session.ErrWrongConversation, msg.ConversationID)
	}
	if b.sess.Status() != session.StatusActive {
		log.Printf("[Bridge %s] dropping audio chunk in status %s", b.convID, b.sess.Status())
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(msg.AudioChunk)
	if err != nil {
		return fmt.Errorf("user chunk base64: %w", err)
	}
	b.sess.Touch()

	pcm := raw
	if b.sess.MediaFormat() == audiocodes.MediaFormatMuLaw8KHz {
		pcm = audio.MuLawToPCM(raw)
	}
	return b.ingestUserAudio(pcm)
}

// handleActivities processes DTMF, hangup and custom platform activities.
func (b *Bridge) handleActivities(_ context.Context, frame []byte) error {
	msg, err := audiocodes.Parse(frame)
	if err != nil {
		return err
	}
	for _, act := range msg.Activities {
		switch {
		case act.IsHangup():
			log.Printf("[Bridge %s] hangup activity", b.convID)
			b.sess.End("hangup activity")
			return b.close(true)
		case act.IsDTMF():
			b.forwardDTMF(act.Value)
		default:
			log.Printf("[Bridge %s] ignoring %s activity %q", b.convID, act.Type, act.Name)
		}
	}
	return nil
}

func (b *Bridge) handleTwilioConnected(_ context.Context, frame []byte) error {
	msg, err := twilio.Parse(frame)
	if err != nil {
		return err
	}
	log.Printf("[Bridge %s] twilio connected: protocol %s %s", b.convID, msg.Protocol, msg.Version)
	return nil
}

// handleTwilioStart activates the stream, builds the 8 kHz µ-law transcode
// path and requests the greeting turn.
func (b *Bridge) handleTwilioStart(_ context.Context, frame []byte) error {
	if err := b.sess.HandleStart(frame); err != nil {
		return err
	}
	if err := b.setupAudio(); err != nil {
		b.sess.Fail("audio setup failed")
		return fmt.Errorf("audio setup: %w", err)
	}
	log.Printf("[Bridge %s] twilio stream %s started", b.convID, b.sess.StreamSid())
	b.sendGreeting()
	return nil
}

// handleTwilioMedia feeds one inbound µ-law frame into the upstream input
// buffer. Frames for the outbound track are our own audio echoed back and
// are ignored.
func (b *Bridge) handleTwilioMedia(_ context.Context, frame []byte) error {
	msg, err := twilio.Parse(frame)
	if err != nil {
		return err
	}
	if msg.Media.Track == twilio.TrackOutbound {
		return nil
	}
	if b.sess.Status() != session.StatusActive {
		log.Printf("[Bridge %s] dropping media frame in status %s", b.convID, b.sess.Status())
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
	if err != nil {
		return fmt.Errorf("media payload base64: %w", err)
	}
	b.sess.Touch()
	return b.ingestUserAudio(audio.MuLawToPCM(raw))
}

func (b *Bridge) handleTwilioStop(_ context.Context, frame []byte) error {
	if err := b.sess.HandleStop(frame); err != nil {
		return err
	}
	log.Printf("[Bridge %s] platform stopped stream", b.convID)
	return b.close(true)
}

func (b *Bridge) handleTwilioDTMF(_ context.Context, frame []byte) error {
	msg, err := twilio.Parse(frame)
	if err != nil {
		return err
	}
	b.forwardDTMF(msg.DTMF.Digit)
	return nil
}

// handleTwilioMark logs a playback marker echo. Twilio returns each mark once
// all media queued before it has been played out.
func (b *Bridge) handleTwilioMark(_ context.Context, frame []byte) error {
	msg, err := twilio.Parse(frame)
	if err != nil {
		return err
	}
	log.Printf("[Bridge %s] playback reached mark %q", b.convID, msg.Mark.Name)
	return nil
}

// setupAudio builds the transcode path for the negotiated platform format:
// resamplers between the platform rate and the upstream rate, the µ-law
// framer for Twilio output, and the optional client-side VAD.
func (b *Bridge) setupAudio() error {
	rate := twilio.SampleRate
	if b.sess.Dialect() == session.DialectAudioCodes {
		rate = audiocodes.FormatSampleRate(b.sess.MediaFormat())
		if rate == 0 {
			return fmt.Errorf("unknown media format %q", b.sess.MediaFormat())
		}
	}
	in, err := audio.NewResampler(rate, b.cfg.UpstreamRate)
	if err != nil {
		return err
	}
	out, err := audio.NewResampler(b.cfg.UpstreamRate, rate)
	if err != nil {
		return err
	}

	var det vad.SpeechDetector
	if b.cfg.NewDetector != nil {
		det, err = b.cfg.NewDetector(rate)
		if err != nil {
			log.Printf("[Bridge %s] client VAD unavailable, relying on upstream VAD: %v", b.convID, err)
			det = nil
		}
	}

	b.audioMu.Lock()
	b.platformRate = rate
	b.inResampler = in
	b.outResampler = out
	if b.sess.Dialect() == session.DialectTwilio {
		b.framer = audio.NewFramer(twilio.FrameBytes, audio.MuLawSilence)
	}
	b.detector = det
	b.audioMu.Unlock()

	log.Printf("[Bridge %s] audio path ready: platform %d Hz <-> upstream %d Hz", b.convID, rate, b.cfg.UpstreamRate)
	return nil
}

// ingestUserAudio runs one platform-rate PCM16 chunk through the client VAD,
// resamples it to the upstream rate and appends it to the input buffer.
// Speech boundaries are handled before the append so a barge-in cancel
// reaches the upstream ahead of the chunk that triggered it.
func (b *Bridge) ingestUserAudio(pcm []byte) error {
	b.audioMu.Lock()
	if b.inResampler == nil {
		b.audioMu.Unlock()
		return fmt.Errorf("audio path not ready")
	}
	var bounds []vad.Boundary
	if b.detector != nil {
		var derr error
		bounds, derr = b.detector.ProcessPCM16(pcm)
		if derr != nil {
			log.Printf("[Bridge %s] client VAD error: %v", b.convID, derr)
		}
	}
	up := b.inResampler.Process(pcm)
	b.audioMu.Unlock()

	for _, bd := range bounds {
		switch bd.Kind {
		case vad.SpeechStart:
			b.onSpeechOnset("client vad")
		case vad.SpeechEnd:
			b.onSpeechEnd("client vad")
		}
	}

	if len(up) == 0 {
		return nil
	}
	if err := b.upstream.AppendAudio(up); err != nil {
		return fmt.Errorf("append audio: %w", err)
	}
	b.mu.Lock()
	b.pendingAudio = true
	b.mu.Unlock()
	return nil
}

// forwardDTMF surfaces a keypad digit to the model as a user text item.
func (b *Bridge) forwardDTMF(digit string) {
	if digit == "" {
		return
	}
	log.Printf("[Bridge %s] forwarding DTMF digit %q", b.convID, digit)
	item := events.ItemCreateConfig{
		Type: events.ItemTypeMessage,
		Role: events.RoleUser,
		Content: []events.Content{
			{Type: events.ContentTypeInputText, Text: "DTMF digit: " + digit},
		},
	}
	if err := b.upstream.SendEvent(events.NewConversationItemCreateEvent(item, "")); err != nil {
		log.Printf("[Bridge %s] DTMF forward failed: %v", b.convID, err)
	}
}
