package server

import (
	"context"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"github.com/voicebridge-ai/voicebridge/pkg/bridge"
	"github.com/voicebridge-ai/voicebridge/pkg/connection"
	"github.com/voicebridge-ai/voicebridge/pkg/session"
	"github.com/voicebridge-ai/voicebridge/pkg/trace"
	"github.com/voicebridge-ai/voicebridge/pkg/twilio"
)

// twimlDocument is served to Twilio's voice webhook so a phone number can be
// pointed directly at the stream endpoint.
const twimlDocument = `<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Connect>
        <Stream url="{{.StreamURL}}">
            {{- range $key, $value := .Parameters}}
            <Parameter name="{{$key}}" value="{{$value}}" />
            {{- end}}
        </Stream>
    </Connect>
</Response>`

// TwilioServerConfig holds configuration for TwilioServer.
type TwilioServerConfig struct {
	// Addr is the listen address (e.g. ":8081").
	Addr string

	// WebSocketPath is the Media Streams endpoint (default "/media").
	WebSocketPath string

	// TwiMLPath is the voice webhook path (default "/twiml").
	TwiMLPath string

	// StreamURL is the public WebSocket URL placed in the TwiML
	// <Connect><Stream>, e.g. "wss://bridge.example.com/media".
	StreamURL string

	// CustomParameters are emitted as TwiML <Parameter> elements and come
	// back in the start frame (botName, caller, ...).
	CustomParameters map[string]string

	// ReadBufferSize and WriteBufferSize size the WebSocket buffers.
	ReadBufferSize  int
	WriteBufferSize int

	// MaxSessions caps concurrent calls. 0 means the default cap.
	MaxSessions int

	// StartTimeout bounds how long a fresh socket may take to send its
	// start frame.
	StartTimeout time.Duration

	// IdleTimeout reaps calls with no platform frames.
	IdleTimeout   time.Duration
	SweepInterval time.Duration

	// Bridge is the per-call template: upstream dial settings, greeting,
	// transcription, VAD. Dialect and ConversationID are filled per call.
	Bridge bridge.Config
}

// DefaultTwilioServerConfig returns the default server configuration. The
// bridge template still needs the upstream credentials, and StreamURL must
// point at the deployment's public address for the TwiML webhook to work.
func DefaultTwilioServerConfig() TwilioServerConfig {
	return TwilioServerConfig{
		Addr:            ":8081",
		WebSocketPath:   "/media",
		TwiMLPath:       "/twiml",
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxSessions:     100,
		StartTimeout:    defaultStartTimeout,
		IdleTimeout:     5 * time.Minute,
		SweepInterval:   30 * time.Second,
		Bridge:          bridge.DefaultConfig(),
	}
}

func (c TwilioServerConfig) withDefaults() TwilioServerConfig {
	def := DefaultTwilioServerConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.WebSocketPath == "" {
		c.WebSocketPath = def.WebSocketPath
	}
	if c.TwiMLPath == "" {
		c.TwiMLPath = def.TwiMLPath
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
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	return c
}

// TwilioServer terminates Twilio Media Streams WebSocket connections and
// serves the TwiML document that routes calls into them. The stream identity
// arrives in the start frame, so frames are buffered until it shows up, then
// replayed into the new call's bridge. Media Streams transports cannot
// resume: a dropped socket ends its call.
type TwilioServer struct {
	cfg      TwilioServerConfig
	calls    *registry
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	twiml    *template.Template

	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewTwilioServer creates the server. Start begins listening; Handler
// exposes the mux for embedding instead.
func NewTwilioServer(cfg TwilioServerConfig) *TwilioServer {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &TwilioServer{
		cfg:      cfg,
		calls:    newRegistry(cfg.MaxSessions),
		upgrader: newUpgrader(cfg.ReadBufferSize, cfg.WriteBufferSize),
		mux:      http.NewServeMux(),
		twiml:    template.Must(template.New("twiml").Parse(twimlDocument)),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.mux.HandleFunc(cfg.WebSocketPath, s.handleWebSocket)
	s.mux.HandleFunc(cfg.TwiMLPath, s.handleTwiML)
	s.mux.HandleFunc("/health", healthHandler(s.calls))
	return s
}

// Start begins listening. It returns once the listener is up, or with the
// startup error if binding fails immediately.
func (s *TwilioServer) Start() error {
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
		return fmt.Errorf("twilio server failed to start: %w", err)
	case <-time.After(100 * time.Millisecond):
		log.Printf("[TwilioServer] listening on %s%s (twiml %s)",
			s.cfg.Addr, s.cfg.WebSocketPath, s.cfg.TwiMLPath)
		return nil
	}
}

// Stop tears down every live call and shuts the listener down.
func (s *TwilioServer) Stop() error {
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

// Handler exposes the server's mux (stream endpoint, TwiML webhook, /health)
// for embedding in an existing server or a test listener.
func (s *TwilioServer) Handler() http.Handler { return s.mux }

// SessionCount returns the number of live calls.
func (s *TwilioServer) SessionCount() int { return s.calls.count() }

func (s *TwilioServer) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.calls.sweep(s.cfg.IdleTimeout, 0)
		}
	}
}

func (s *TwilioServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[TwilioServer] upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}
	s.serveConn(connection.NewWSConn(wsConn))
}

// serveConn buffers frames until the start frame identifies the call, then
// replays them into the bridge and pumps the rest of the stream.
func (s *TwilioServer) serveConn(conn *connection.WSConn) {
	deadline := time.Now().Add(s.cfg.StartTimeout)
	var pending [][]byte
	for {
		_ = conn.SetReadDeadline(deadline)
		raw, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[TwilioServer] %s: no stream started: %v", conn.RemoteAddr(), err)
			_ = conn.Close()
			return
		}
		msg, err := twilio.Parse(raw)
		if err != nil {
			log.Printf("[TwilioServer] %s: dropping bad frame: %v", conn.RemoteAddr(), err)
			continue
		}
		pending = append(pending, raw)
		if msg.Event == twilio.EventStart {
			s.startCall(conn, msg, pending)
			return
		}
	}
}

// startCall opens a bridge keyed by the stream's call SID and replays the
// frames that arrived before the start frame.
func (s *TwilioServer) startCall(conn *connection.WSConn, msg *twilio.Message, pending [][]byte) {
	ctx, span := trace.StartCallSpan(s.ctx, msg.Start.CallSid, session.DialectTwilio.String())
	trace.SetAttributes(span,
		attribute.String(trace.AttrStreamSid, msg.Start.StreamSid),
		attribute.String(trace.AttrMediaFormat, twilio.EncodingMuLaw),
		attribute.String(trace.AttrLLMModel, s.cfg.Bridge.Model))

	cfg := s.cfg.Bridge
	cfg.Dialect = session.DialectTwilio
	cfg.ConversationID = msg.Start.CallSid

	b, err := bridge.New(cfg, conn)
	if err != nil {
		log.Printf("[TwilioServer] call %s: %v", msg.Start.CallSid, err)
		trace.EndCallSpan(span, err)
		_ = conn.Close()
		return
	}
	convID := b.ConversationID()
	if err := s.calls.add(b); err != nil {
		// Media Streams has no error frame; the stream just drops.
		log.Printf("[TwilioServer] call %s rejected: %v", convID, err)
		trace.EndCallSpan(span, err)
		_ = conn.Close()
		return
	}
	trace.AddEvent(span, trace.EventCallRegistered)
	log.Printf("[TwilioServer] call %s stream %s from %s",
		convID, msg.Start.StreamSid, conn.RemoteAddr())

	if err := b.Start(ctx); err != nil {
		log.Printf("[TwilioServer] call %s: %v", convID, err)
		s.calls.remove(convID)
		trace.EndCallSpan(span, err)
		return
	}
	trace.AddEvent(span, trace.EventUpstreamConnected)
	for _, raw := range pending {
		if err := b.HandlePlatformFrame(raw); err != nil {
			log.Printf("[TwilioServer] call %s: frame dropped: %v", convID, err)
			trace.RecordError(span, err)
		}
	}
	trace.EndCallSpan(span, nil)
	runCall(conn, b, s.calls, "TwilioServer")
}

// handleTwiML answers Twilio's voice webhook with a <Connect><Stream>
// document pointing at the configured stream URL.
func (s *TwilioServer) handleTwiML(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err == nil {
		log.Printf("[TwilioServer] incoming call CallSid=%s From=%s To=%s",
			r.FormValue("CallSid"), r.FormValue("From"), r.FormValue("To"))
	}

	// html/template does not allowlist the wss scheme, so the
	// operator-supplied URL goes in pre-approved.
	data := struct {
		StreamURL  template.URL
		Parameters map[string]string
	}{
		StreamURL:  template.URL(s.cfg.StreamURL),
		Parameters: s.cfg.CustomParameters,
	}

	w.Header().Set("Content-Type", "application/xml")
	if err := s.twiml.Execute(w, data); err != nil {
		log.Printf("[TwilioServer] twiml render: %v", err)
	}
}
