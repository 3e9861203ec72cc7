package realtimeapi

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge-ai/voicebridge/pkg/realtimeapi/events"
)

// ServerConfig holds the configuration for the loopback upstream server.
type ServerConfig struct {
	// Addr is the address to listen on (e.g., ":8080").
	Addr string

	// Path is the WebSocket endpoint path.
	Path string

	// AuthToken is the bearer token clients must present. Empty disables
	// authentication, which is the usual setting for local development.
	AuthToken string

	// DefaultModel is used when the model query parameter is absent.
	DefaultModel string

	// AllowedModels restricts the model query parameter. Empty allows any.
	AllowedModels []string

	// MaxSessionsPerIP limits concurrent sessions per client IP. 0 means
	// no limit.
	MaxSessionsPerIP int

	// SessionTimeout caps a session's lifetime. 0 disables the cap.
	SessionTimeout time.Duration

	// DefaultSessionConfig seeds each session's state before the client's
	// own session.update arrives.
	DefaultSessionConfig events.SessionConfig

	// Responder shapes response streaming (chunk sizing, pacing,
	// optional canned transcript).
	Responder ResponderConfig

	// ReadBufferSize is the WebSocket read buffer size.
	ReadBufferSize int

	// WriteBufferSize is the WebSocket write buffer size.
	WriteBufferSize int
}

// DefaultServerConfig returns the default loopback configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:             ":8080",
		Path:             "/v1/realtime",
		DefaultModel:     DefaultRealtimeModel,
		MaxSessionsPerIP: 10,
		SessionTimeout:   30 * time.Minute,
		Responder:        DefaultResponderConfig(),
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
}

// Server is an in-process loopback implementation of the upstream realtime
// protocol. It accepts the same WebSocket handshake the production endpoint
// does, speaks the full event schema, and echoes committed user audio back
// as streamed response turns. The test suite and cmd/localcall run against
// it instead of a remote model endpoint.
type Server struct {
	config ServerConfig

	sessionsMu sync.RWMutex
	sessions   map[string]*Session

	ipMu       sync.Mutex
	ipSessions map[string]int

	httpServer *http.Server
	upgrader   websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(config ServerConfig) *Server {
	if config.Path == "" {
		config.Path = DefaultServerConfig().Path
	}
	if config.DefaultModel == "" {
		config.DefaultModel = DefaultServerConfig().DefaultModel
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:     config,
		sessions:   make(map[string]*Session),
		ipSessions: make(map[string]int),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins listening. It returns once the listener is up, or with the
// startup error if binding fails immediately.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:    s.config.Addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("loopback server failed to start: %w", err)
	case <-time.After(100 * time.Millisecond):
		log.Printf("[Loopback] listening on %s%s", s.config.Addr, s.config.Path)
		return nil
	}
}

// Stop closes every session and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.cancel()

	s.sessionsMu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.sessionsMu.Unlock()
	for _, session := range sessions {
		session.Close()
	}

	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// GetSession returns a registered session by ID.
func (s *Server) GetSession(id string) (*Session, bool) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	session, ok := s.sessions[id]
	return session, ok
}

// SessionCount returns the number of active sessions.
func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

// Handler exposes the WebSocket endpoint for embedding in an existing mux or
// test server instead of running the built-in listener via Start.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWebSocket)
}

// handleWebSocket authenticates, validates the model, enforces the per-IP
// cap, upgrades, and runs the session's read loop until the peer goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.config.AuthToken != "" {
		if r.Header.Get("Authorization") != "Bearer "+s.config.AuthToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	model := r.URL.Query().Get("model")
	if model == "" {
		model = s.config.DefaultModel
	}
	if !s.isModelAllowed(model) {
		http.Error(w, fmt.Sprintf("model %q is not allowed", model), http.StatusBadRequest)
		return
	}

	clientIP := getClientIP(r)
	if !s.acquireIPSlot(clientIP) {
		http.Error(w, "too many sessions from this address", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.releaseIPSlot(clientIP)
		log.Printf("[Loopback] upgrade failed for %s: %v", clientIP, err)
		return
	}

	session := NewSession(s.ctx, conn, model, s.config.DefaultSessionConfig, s.config.Responder)
	s.registerSession(session)
	session.SetOnClose(func() {
		s.unregisterSession(session.ID)
		s.releaseIPSlot(clientIP)
	})

	session.Start()

	if s.config.SessionTimeout > 0 {
		timer := time.AfterFunc(s.config.SessionTimeout, func() {
			log.Printf("[Loopback] session %s hit the %s lifetime cap", session.ID, s.config.SessionTimeout)
			session.Close()
		})
		defer timer.Stop()
	}

	s.handleSession(session, conn)
	session.Close()
}

// handleSession is the per-connection read loop.
func (s *Server) handleSession(session *Session, conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[Loopback] session %s: read error: %v", session.ID, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		event, err := events.ParseClientEvent(data)
		if err != nil {
			session.SendEvent(events.NewErrorEvent(events.ErrorTypeInvalidRequest, "invalid_event",
				fmt.Sprintf("failed to parse event: %v", err), ""))
			continue
		}

		if err := session.HandleClientEvent(event); err != nil {
			log.Printf("[Loopback] session %s: handle %s: %v", session.ID, event.ClientEventType(), err)
		}
	}
}

func (s *Server) registerSession(session *Session) {
	s.sessionsMu.Lock()
	s.sessions[session.ID] = session
	count := len(s.sessions)
	s.sessionsMu.Unlock()
	log.Printf("[Loopback] session %s registered (%d active)", session.ID, count)
}

func (s *Server) unregisterSession(id string) {
	s.sessionsMu.Lock()
	delete(s.sessions, id)
	count := len(s.sessions)
	s.sessionsMu.Unlock()
	log.Printf("[Loopback] session %s unregistered (%d active)", id, count)
}

func (s *Server) isModelAllowed(model string) bool {
	if len(s.config.AllowedModels) == 0 {
		return true
	}
	for _, allowed := range s.config.AllowedModels {
		if model == allowed {
			return true
		}
	}
	return false
}

// acquireIPSlot reserves a per-IP session slot; false when the cap is hit.
func (s *Server) acquireIPSlot(ip string) bool {
	if s.config.MaxSessionsPerIP <= 0 {
		return true
	}
	s.ipMu.Lock()
	defer s.ipMu.Unlock()
	if s.ipSessions[ip] >= s.config.MaxSessionsPerIP {
		return false
	}
	s.ipSessions[ip]++
	return true
}

func (s *Server) releaseIPSlot(ip string) {
	if s.config.MaxSessionsPerIP <= 0 {
		return
	}
	s.ipMu.Lock()
	defer s.ipMu.Unlock()
	if s.ipSessions[ip] <= 1 {
		delete(s.ipSessions, ip)
		return
	}
	s.ipSessions[ip]--
}

// getClientIP prefers proxy headers over the socket address.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
