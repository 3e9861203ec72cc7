// Package bridge wires one telephony call to one upstream realtime session.
// Each Bridge owns the complete component set for its call: the session state
// machine, the platform-side router, the upstream realtime client, and the
// transcode path between the platform's telephony codec and the upstream
// PCM16 leg. Calls share nothing; a server creates one Bridge per accepted
// connection and feeds it every inbound platform frame.
//
// Platform to upstream: dialect frames dispatch through the router to the
// handlers in platform.go; user audio is decoded, resampled to the upstream
// rate and appended to the input buffer, while control frames drive the
// session lifecycle. Upstream to platform: the server-event handlers in
// upstream.go track the response lifecycle and a playout task drains the
// client's audio queue, resampling model audio into the negotiated telephony
// format. Deltas of a cancelled response are dropped by response id; speech
// onsets reported by the client-side VAD and the upstream VAD are
// de-duplicated inside a 200 ms window, and an onset during active playback
// cancels the response upstream and clears platform-side audio.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/voicebridge-ai/voicebridge/pkg/audio"
	"github.com/voicebridge-ai/voicebridge/pkg/realtimeapi"
	"github.com/voicebridge-ai/voicebridge/pkg/realtimeapi/events"
	"github.com/voicebridge-ai/voicebridge/pkg/router"
	"github.com/voicebridge-ai/voicebridge/pkg/session"
	"github.com/voicebridge-ai/voicebridge/pkg/vad"
)

// speechDedupWindow is how close together two speech-start signals must be to
// count as the same onset. The client VAD and the upstream VAD may both fire
// for one utterance; the first signal wins.
const speechDedupWindow = 200 * time.Millisecond

var (
	// ErrBridgeClosed is returned by operations on a torn-down call.
	ErrBridgeClosed = errors.New("bridge closed")

	// ErrAlreadyStarted is returned by a second Start on the same call.
	ErrAlreadyStarted = errors.New("bridge already started")
)

// PlatformConn is the bridge's view of the telephony-side socket. The server
// layer implements it over a WebSocket write pump; tests substitute a
// recording stub.
type PlatformConn interface {
	// WriteMessage sends one complete text frame.
	WriteMessage(data []byte) error

	// Close closes the socket. Safe to call more than once.
	Close() error
}

// Upstream is the bridge's view of the realtime client.
// *realtimeapi.Client implements it.
type Upstream interface {
	Connect(ctx context.Context) error
	SendEvent(ev events.ClientEvent) error
	AppendAudio(pcm []byte) error
	ReceiveAudioChunk(ctx context.Context, timeout time.Duration) (realtimeapi.AudioChunk, bool)
	SessionID() string
	Close() error
}

// Config holds the per-call settings. Zero fields fall back to the package
// defaults.
type Config struct {
	// Dialect selects the telephony wire protocol of the platform socket.
	Dialect session.Dialect

	// ConversationID identifies the call. Empty allocates a fresh UUID.
	ConversationID string

	// UpstreamURL, APIKey and Model configure the realtime client dial.
	// APIKey is required.
	UpstreamURL string
	APIKey      string
	Model       string

	// Voice, Instructions and Tools are opaque pass-through values for the
	// session.update handshake.
	Voice        string
	Instructions string
	Tools        []events.Tool

	// Greeting, when set, is sent upstream as a response.create instruction
	// once the call goes active, so the bot speaks first.
	Greeting string

	// TranscriptionModel enables input audio transcription upstream. The
	// resulting transcript events surface as AudioCodes hypothesis frames.
	TranscriptionModel string

	// UpstreamRate is the PCM16 sample rate of the upstream leg.
	UpstreamRate int

	// NewDetector, when set, is invoked with the negotiated platform sample
	// rate once the audio path is ready. The returned detector sees every
	// inbound user frame and its speech boundaries feed the barge-in logic
	// alongside the upstream VAD. A constructor error disables the client
	// VAD for the call without failing it.
	NewDetector func(sampleRate int) (vad.SpeechDetector, error)

	// PlayoutPoll bounds how long the playout task waits for the next audio
	// chunk before checking whether a finished response's platform stream
	// should be closed.
	PlayoutPoll time.Duration
}

// DefaultConfig returns the default bridge configuration. APIKey and the
// dial target still need to be filled in by the caller.
func DefaultConfig() Config {
	return Config{
		UpstreamURL:  realtimeapi.DefaultRealtimeURL,
		Model:        realtimeapi.DefaultRealtimeModel,
		UpstreamRate: audio.UpstreamRate,
		PlayoutPoll:  200 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.UpstreamURL == "" {
		c.UpstreamURL = def.UpstreamURL
	}
	if c.Model == "" {
		c.Model = def.Model
	}
	if c.UpstreamRate <= 0 {
		c.UpstreamRate = def.UpstreamRate
	}
	if c.PlayoutPoll <= 0 {
		c.PlayoutPoll = def.PlayoutPoll
	}
	return c
}

// sessionConfig builds the session.update payload for the handshake. The
// result depends only on the Config, so identical call setups produce
// identical handshake frames.
func (c Config) sessionConfig() events.SessionConfig {
	sc := events.SessionConfig{
		Modalities:        []events.Modality{events.ModalityText, events.ModalityAudio},
		Voice:             c.Voice,
		Instructions:      c.Instructions,
		InputAudioFormat:  events.AudioFormatPCM16,
		OutputAudioFormat: events.AudioFormatPCM16,
		TurnDetection:     &events.TurnDetection{Type: events.TurnDetectionTypeServerVAD},
		Tools:             c.Tools,
	}
	if c.TranscriptionModel != "" {
		sc.InputAudioTranscription = &events.TranscriptionConfig{Model: c.TranscriptionModel}
	}
	return sc
}

// Bridge orchestrates one call. All exported methods are safe for concurrent
// use; inbound platform frames must be fed sequentially through
// HandlePlatformFrame to preserve wire order.
type Bridge struct {
	cfg      Config
	convID   string
	sess     *session.Manager
	upstream Upstream
	router   *router.Router

	mu              sync.Mutex
	ctx             context.Context
	cancel          context.CancelFunc
	started         bool
	closed          bool
	greetingSent    bool
	pendingAudio    bool
	activeResponse  string
	discarded       map[string]bool
	lastSpeechStart time.Time
	userTranscripts map[string]string
	playoutDirty    bool
	markSeq         int

	// audioMu guards the transcode path, built lazily once the platform
	// format is known.
	audioMu      sync.Mutex
	platformRate int
	inResampler  *audio.Resampler
	outResampler *audio.Resampler
	framer       *audio.Framer
	detector     vad.SpeechDetector

	// writeMu serializes platform socket writes so handler goroutines and
	// the playout task never interleave frames.
	writeMu  sync.Mutex
	platform PlatformConn

	wg sync.WaitGroup
}

// New creates the bridge for one call: the session state machine, both
// routers, and a realtime client pointed at cfg.UpstreamURL. The upstream
// socket is not dialed until Start.
func New(cfg Config, platform PlatformConn) (*Bridge, error) {
	if platform == nil {
		return nil, fmt.Errorf("bridge: platform connection is required")
	}
	cfg = cfg.withDefaults()

	upRouter := router.NewRouter(router.Config{LogOnlyTypes: map[string]bool{
		"rate_limits.updated": true,
	}})
	b := newBridge(cfg, platform, nil, upRouter)

	clientCfg := realtimeapi.DefaultClientConfig()
	clientCfg.URL = cfg.UpstreamURL
	clientCfg.APIKey = cfg.APIKey
	clientCfg.Model = cfg.Model
	clientCfg.Session = cfg.sessionConfig()
	clientCfg.Router = upRouter
	clientCfg.OnReconnected = func() {
		log.Printf("[Bridge %s] upstream session restored", b.convID)
	}
	clientCfg.OnConnectionLost = func(err error) {
		b.failCall(fmt.Sprintf("upstream connection lost: %v", err))
	}
	client, err := realtimeapi.NewClient(clientCfg)
	if err != nil {
		return nil, err
	}
	b.upstream = client
	return b, nil
}

// newBridge wires the component set around an already-built upstream. Tests
// substitute a fake upstream and dispatch server events on upRouter directly.
func newBridge(cfg Config, platform PlatformConn, up Upstream, upRouter *router.Router) *Bridge {
	b := &Bridge{
		cfg:             cfg,
		sess:            session.NewManager(cfg.Dialect, cfg.ConversationID),
		upstream:        up,
		router:          router.NewRouter(router.DefaultConfig()),
		platform:        platform,
		discarded:       make(map[string]bool),
		userTranscripts: make(map[string]string),
	}
	b.convID = b.sess.ConversationID()
	b.registerPlatformHandlers()
	b.registerUpstreamHandlers(upRouter)
	return b
}

// Start dials the upstream leg and launches the playout task. A failed dial
// aborts the platform side: AudioCodes callers get a session.error frame,
// then the socket closes.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBridgeClosed
	}
	if b.started {
		b.mu.Unlock()
		return ErrAlreadyStarted
	}
	b.started = true
	b.ctx, b.cancel = context.WithCancel(ctx)
	runCtx := b.ctx
	b.mu.Unlock()

	if err := b.upstream.Connect(runCtx); err != nil {
		log.Printf("[Bridge %s] upstream dial failed: %v", b.convID, err)
		if b.sess.Dialect() == session.DialectAudioCodes {
			if frame, berr := b.sess.BuildError("upstream unavailable"); berr == nil {
				_ = b.writePlatform(frame)
			}
		} else {
			b.sess.Fail("upstream unavailable")
		}
		_ = b.close(false)
		return fmt.Errorf("upstream connect: %w", err)
	}

	b.wg.Add(1)
	go b.forwardModelAudio(runCtx)
	log.Printf("[Bridge %s] upstream session %s established", b.convID, b.upstream.SessionID())
	return nil
}

// HandlePlatformFrame dispatches one raw platform frame through the call's
// router. A malformed frame is reported without touching call state; the
// read pump logs it and keeps going.
func (b *Bridge) HandlePlatformFrame(raw []byte) error {
	src := router.SourceAudioCodes
	if b.sess.Dialect() == session.DialectTwilio {
		src = router.SourceTwilio
	}
	return b.router.Dispatch(b.runCtx(), src, raw)
}

func (b *Bridge) runCtx() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}

// Close tears the call down without committing buffered input audio.
// Idempotent.
func (b *Bridge) Close() error {
	return b.close(false)
}

// close is the single teardown path. With commit set, buffered input audio
// is committed upstream before the client closes, so an orderly platform
// hangup never strands a user turn.
func (b *Bridge) close(commit bool) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pending := b.pendingAudio
	b.pendingAudio = false
	cancel := b.cancel
	b.mu.Unlock()

	if commit && pending && b.upstream != nil {
		if err := b.upstream.SendEvent(events.NewInputAudioBufferCommitEvent()); err != nil {
			log.Printf("[Bridge %s] final commit failed: %v", b.convID, err)
		}
	}
	if cancel != nil {
		cancel()
	}
	if b.upstream != nil {
		if err := b.upstream.Close(); err != nil {
			log.Printf("[Bridge %s] upstream close: %v", b.convID, err)
		}
	}
	b.wg.Wait()

	b.audioMu.Lock()
	det := b.detector
	b.detector = nil
	b.audioMu.Unlock()
	if det != nil {
		_ = det.Close()
	}

	b.writeMu.Lock()
	err := b.platform.Close()
	b.writeMu.Unlock()
	if err != nil {
		log.Printf("[Bridge %s] platform close: %v", b.convID, err)
	}
	log.Printf("[Bridge %s] closed", b.convID)
	return nil
}

// failCall surfaces a fatal upstream failure to the platform in its own
// dialect, then tears the call down. AudioCodes callers get a session.error
// frame; a failed Twilio stream is simply closed.
func (b *Bridge) failCall(reason string) {
	if b.Closed() {
		return
	}
	log.Printf("[Bridge %s] call failed: %s", b.convID, reason)
	if b.sess.Dialect() == session.DialectAudioCodes {
		if frame, err := b.sess.BuildError(reason); err == nil {
			_ = b.writePlatform(frame)
		}
	} else {
		b.sess.Fail(reason)
	}
	_ = b.close(false)
}

// AttachPlatform swaps in a fresh platform socket after an AudioCodes
// transport drop. The session stays parked in Resuming until the platform's
// session.resume arrives on the new socket.
func (b *Bridge) AttachPlatform(conn PlatformConn) {
	b.writeMu.Lock()
	old := b.platform
	b.platform = conn
	b.writeMu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	log.Printf("[Bridge %s] platform transport replaced", b.convID)
}

// MarkPlatformLost records a dropped platform transport. AudioCodes calls
// park in Resuming and keep the upstream leg alive for a resume; Twilio
// streams cannot resume, so the call tears down.
func (b *Bridge) MarkPlatformLost() {
	status := b.sess.MarkConnectionLost()
	if status == session.StatusResuming {
		log.Printf("[Bridge %s] platform transport lost, awaiting resume", b.convID)
		return
	}
	_ = b.close(false)
}

// writePlatform sends one frame on the platform socket.
func (b *Bridge) writePlatform(frame []byte) error {
	b.writeMu.Lock()
	err := b.platform.WriteMessage(frame)
	b.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("platform write: %w", err)
	}
	return nil
}

// sendGreeting asks the model for the opening turn. Sent at most once per
// call, when the session first goes active.
func (b *Bridge) sendGreeting() {
	if b.cfg.Greeting == "" {
		return
	}
	b.mu.Lock()
	if b.greetingSent {
		b.mu.Unlock()
		return
	}
	b.greetingSent = true
	b.mu.Unlock()

	ev := events.NewResponseCreateEvent(&events.ResponseConfig{
		Instructions: b.cfg.Greeting,
	})
	if err := b.upstream.SendEvent(ev); err != nil {
		log.Printf("[Bridge %s] greeting request failed: %v", b.convID, err)
	}
}

// ConversationID returns the call's conversation id.
func (b *Bridge) ConversationID() string { return b.convID }

// Session exposes the call's control-plane state for registries and sweeps.
func (b *Bridge) Session() *session.Manager { return b.sess }

// Closed reports whether the call has been torn down.
func (b *Bridge) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
