package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"github.com/voicebridge-ai/voicebridge/pkg/audiocodes"
	"github.com/voicebridge-ai/voicebridge/pkg/bridge"
	"github.com/voicebridge-ai/voicebridge/pkg/connection"
	"github.com/voicebridge-ai/voicebridge/pkg/session"
	"github.com/voicebridge-ai/voicebridge/pkg/trace"
)

// AudioCodesServerConfig holds configuration for AudioCodesServer.
type AudioCodesServerConfig struct {
	// Addr is the listen address (e.g. ":8080").
	Addr string

	// Path is the WebSocket endpoint VoiceAI Connect is pointed at.
	Path string

	// ReadBufferSize and WriteBufferSize size the WebSocket buffers.
	ReadBufferSize  int
	WriteBufferSize int

	// MaxSessions caps concurrent calls. 0 means the default cap.
	MaxSessions int

	// StartTimeout bounds how long a fresh socket may take to send its
	// session.initiate or session.resume.
	StartTimeout time.Duration

	// IdleTimeout reaps calls with no platform frames. ResumeWindow bounds
	// how long a call dropped mid-transport waits for a session.resume.
	IdleTimeout   time.Duration
	ResumeWindow  time.Duration
	SweepInterval time.Duration

	// Bridge is the per-call template: upstream dial settings, greeting,
	// transcription, VAD. Dialect and ConversationID are filled per call.
	Bridge bridge.Config
}

// DefaultAudioCodesServerConfig returns the default server configuration.
// The bridge template still needs the upstream credentials filled in.
func DefaultAudioCodesServerConfig() AudioCodesServerConfig {
	return AudioCodesServerConfig{
		Addr:            ":8080",
		Path:            "/voice",
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		MaxSessions:     100,
		StartTimeout:    defaultStartTimeout,
		IdleTimeout:     5 * time.Minute,
		ResumeWindow:    time.Minute,
		SweepInterval:   30 * time.Second,
		Bridge:          bridge.DefaultConfig(),
	}
}

func (c AudioCodesServerConfig) withDefaults() AudioCodesServerConfig {
	def := DefaultAudioCodesServerConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.Path == "" {
		c.Path = def.Path
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = def.WriteBufferSize
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = def.MaxSessions
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = def.StartTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.ResumeWindow <= 0 {
		c.ResumeWindow = def.ResumeWindow
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	return c
}

// AudioCodesServer terminates VoiceAI Connect WebSocket connections. Each
// socket carries one call; the first meaningful frame identifies it: a
// session.initiate opens a new bridge, a session.resume re-attaches the
// socket to a call parked by a transport drop, and connection.validate
// probes are answered in place without creating a call.
type AudioCodesServer struct {
	cfg      AudioCodesServerConfig
	calls    *registry
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewAudioCodesServer creates the server. Start begins listening; Handler
// exposes the mux for embedding instead.
func NewAudioCodesServer(cfg AudioCodesServerConfig) *AudioCodesServer {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &AudioCodesServer{
		cfg:      cfg,
		calls:    newRegistry(cfg.MaxSessions),
		upgrader: newUpgrader(cfg.ReadBufferSize, cfg.WriteBufferSize),
		mux:      http.NewServeMux(),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.mux.HandleFunc(cfg.Path, s.handleWebSocket)
	s.mux.HandleFunc("/health", healthHandler(s.calls))
	return s
}

// Start begins listening. It returns once the listener is up, or with the
// startup error if binding fails immediately.
func (s *AudioCodesServer) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	s.wg.Add(1)
	go s.sweepLoop()

	select {
	case err := <-errCh:
		return fmt.Errorf("audiocodes server failed to start: %w", err)
	case <-time.After(100 * time.Millisecond):
		log.Printf("[ACServer] listening on %s%s", s.cfg.Addr, s.cfg.Path)
		return nil
	}
}

// Stop tears down every live call and shuts the listener down.
func (s *AudioCodesServer) Stop() error {
	s.cancel()
	s.calls.closeAll()
	s.wg.Wait()

	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the server's mux (WebSocket endpoint plus /health) for
// embedding in an existing server or a test listener.
func (s *AudioCodesServer) Handler() http.Handler { return s.mux }

// SessionCount returns the number of live calls, including calls parked for
// resume.
func (s *AudioCodesServer) SessionCount() int { return s.calls.count() }

func (s *AudioCodesServer) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.calls.sweep(s.cfg.IdleTimeout, s.cfg.ResumeWindow)
		}
	}
}

func (s *AudioCodesServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ACServer] upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}
	s.serveConn(connection.NewWSConn(wsConn))
}

// serveConn identifies the call behind a fresh socket, then pumps its frames.
// Probes may precede the initiate on the same socket; everything else as a
// first frame is a protocol error.
func (s *AudioCodesServer) serveConn(conn *connection.WSConn) {
	deadline := time.Now().Add(s.cfg.StartTimeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		raw, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[ACServer] %s: no call identified: %v", conn.RemoteAddr(), err)
			_ = conn.Close()
			return
		}
		msg, err := audiocodes.Parse(raw)
		if err != nil {
			log.Printf("[ACServer] %s: bad first frame: %v", conn.RemoteAddr(), err)
			s.reject(conn, "", "malformed frame")
			return
		}
		switch msg.Type {
		case audiocodes.TypeConnectionValidate:
			if reply, err := json.Marshal(audiocodes.NewConnectionValidated(msg.ConversationID)); err == nil {
				_ = conn.WriteMessage(reply)
			}
		case audiocodes.TypeSessionInitiate:
			s.startCall(conn, msg, raw)
			return
		case audiocodes.TypeSessionResume:
			s.resumeCall(conn, msg, raw)
			return
		default:
			s.reject(conn, msg.ConversationID, "expected session.initiate")
			return
		}
	}
}

// startCall opens a bridge for a new conversation and runs it on this socket.
func (s *AudioCodesServer) startCall(conn *connection.WSConn, msg *audiocodes.Message, raw []byte) {
	ctx, span := trace.StartCallSpan(s.ctx, msg.ConversationID, session.DialectAudioCodes.String())
	trace.SetAttributes(span,
		attribute.String(trace.AttrBotName, msg.BotName),
		attribute.String(trace.AttrCaller, msg.Caller))

	cfg := s.cfg.Bridge
	cfg.Dialect = session.DialectAudioCodes
	cfg.ConversationID = msg.ConversationID

	b, err := bridge.New(cfg, conn)
	if err != nil {
		log.Printf("[ACServer] call %s: %v", msg.ConversationID, err)
		trace.EndCallSpan(span, err)
		s.reject(conn, msg.ConversationID, "bridge setup failed")
		return
	}
	if err := s.calls.add(b); err != nil {
		log.Printf("[ACServer] call %s rejected: %v", msg.ConversationID, err)
		reason := "session limit reached"
		if errors.Is(err, ErrDuplicateConversation) {
			reason = "conversation already active"
		}
		trace.EndCallSpan(span, err)
		s.reject(conn, msg.ConversationID, reason)
		return
	}
	trace.AddEvent(span, trace.EventCallRegistered)
	log.Printf("[ACServer] call %s: bot %q caller %q from %s",
		msg.ConversationID, msg.BotName, msg.Caller, conn.RemoteAddr())

	if err := b.Start(ctx); err != nil {
		// Start already surfaced session.error and closed both legs.
		log.Printf("[ACServer] call %s: %v", msg.ConversationID, err)
		s.calls.remove(msg.ConversationID)
		trace.EndCallSpan(span, err)
		return
	}
	trace.AddEvent(span, trace.EventUpstreamConnected)
	if err := b.HandlePlatformFrame(raw); err != nil {
		log.Printf("[ACServer] call %s: initiate rejected: %v", msg.ConversationID, err)
		trace.RecordError(span, err)
	} else {
		trace.SetAttributes(span,
			attribute.String(trace.AttrMediaFormat, b.Session().MediaFormat()),
			attribute.String(trace.AttrLLMModel, cfg.Model))
	}
	trace.EndCallSpan(span, nil)
	runCall(conn, b, s.calls, "ACServer")
}

// resumeCall re-attaches a fresh socket to a call whose previous transport
// dropped. The bridge's upstream leg survived the drop.
func (s *AudioCodesServer) resumeCall(conn *connection.WSConn, msg *audiocodes.Message, raw []byte) {
	_, span := trace.StartResumeSpan(s.ctx, msg.ConversationID)

	b, ok := s.calls.get(msg.ConversationID)
	if !ok || b.Closed() {
		log.Printf("[ACServer] resume for unknown call %s from %s", msg.ConversationID, conn.RemoteAddr())
		trace.EndCallSpan(span, ErrUnknownConversation)
		s.reject(conn, msg.ConversationID, "unknown conversation")
		return
	}
	b.AttachPlatform(conn)
	if err := b.HandlePlatformFrame(raw); err != nil {
		log.Printf("[ACServer] call %s: resume rejected: %v", msg.ConversationID, err)
		trace.RecordError(span, err)
	}
	trace.AddEvent(span, trace.EventCallResumed)
	trace.EndCallSpan(span, nil)
	runCall(conn, b, s.calls, "ACServer")
}

// reject answers a pre-call protocol failure with session.error and closes
// the socket.
func (s *AudioCodesServer) reject(conn *connection.WSConn, convID, reason string) {
	if frame, err := json.Marshal(audiocodes.NewSessionError(convID, reason)); err == nil {
		_ = conn.WriteMessage(frame)
	}
	_ = conn.Close()
}
