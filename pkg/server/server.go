// Package server terminates platform WebSocket connections and runs one
// bridge per call. Each dialect has its own server type: AudioCodesServer
// speaks VoiceAI Connect and supports transport resume, TwilioServer speaks
// Media Streams and serves the TwiML document that points a phone number at
// the stream endpoint. Both share the call registry, the idle sweep, and the
// health endpoint.
package server

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge-ai/voicebridge/pkg/bridge"
	"github.com/voicebridge-ai/voicebridge/pkg/connection"
	"github.com/voicebridge-ai/voicebridge/pkg/session"
	"github.com/voicebridge-ai/voicebridge/pkg/trace"
)

const (
	// defaultStartTimeout bounds how long a fresh socket may take to
	// identify its call (AudioCodes session.initiate, Twilio start).
	defaultStartTimeout = 10 * time.Second

	// shutdownTimeout bounds the HTTP listener drain on Stop.
	shutdownTimeout = 5 * time.Second
)

var (
	// ErrServerFull rejects new calls once the registry is at capacity.
	ErrServerFull = errors.New("server: session limit reached")

	// ErrDuplicateConversation rejects a second call with a live call's id.
	ErrDuplicateConversation = errors.New("server: conversation already active")

	// ErrUnknownConversation rejects a resume for a call this server does not
	// hold.
	ErrUnknownConversation = errors.New("server: unknown conversation")
)

// registry tracks a server's live calls by conversation id.
type registry struct {
	mu    sync.RWMutex
	calls map[string]*bridge.Bridge
	max   int
}

func newRegistry(max int) *registry {
	return &registry{
		calls: make(map[string]*bridge.Bridge),
		max:   max,
	}
}

func (r *registry) add(b *bridge.Bridge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 && len(r.calls) >= r.max {
		return ErrServerFull
	}
	if _, ok := r.calls[b.ConversationID()]; ok {
		return ErrDuplicateConversation
	}
	r.calls[b.ConversationID()] = b
	return nil
}

func (r *registry) get(convID string) (*bridge.Bridge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.calls[convID]
	return b, ok
}

func (r *registry) remove(convID string) {
	r.mu.Lock()
	delete(r.calls, convID)
	r.mu.Unlock()
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// closeAll tears down every registered call. Bridges close their own sockets,
// which unblocks the per-connection read loops.
func (r *registry) closeAll() {
	r.mu.Lock()
	calls := r.calls
	r.calls = make(map[string]*bridge.Bridge)
	r.mu.Unlock()

	for _, b := range calls {
		_ = b.Close()
	}
}

// sweep reaps calls that finished, went idle, or outstayed their resume
// window. Closing happens outside the lock; a sweep never blocks accepts.
func (r *registry) sweep(idleTimeout, resumeWindow time.Duration) int {
	r.mu.RLock()
	snapshot := make(map[string]*bridge.Bridge, len(r.calls))
	for id, b := range r.calls {
		snapshot[id] = b
	}
	r.mu.RUnlock()

	removed := 0
	for id, b := range snapshot {
		idle := time.Since(b.Session().LastActivity())
		switch {
		case b.Closed():
		case b.Session().Status() == session.StatusResuming:
			// The resume window governs parked calls, not the idle cutoff.
			if resumeWindow <= 0 || idle <= resumeWindow {
				continue
			}
			log.Printf("[Server] call %s: resume window expired after %v", id, idle.Round(time.Millisecond))
			_ = b.Close()
			trace.CallTeardown(id, b.Session().Dialect().String(), "resume window expired")
		case idleTimeout > 0 && idle > idleTimeout:
			log.Printf("[Server] call %s: idle for %v, closing", id, idle.Round(time.Millisecond))
			_ = b.Close()
			trace.CallTeardown(id, b.Session().Dialect().String(), "idle timeout")
		default:
			continue
		}
		r.remove(id)
		removed++
	}
	return removed
}

// runCall pumps inbound frames into the bridge until the socket or the call
// dies. An orderly end unregisters the call; a transport drop defers to the
// bridge, which parks resumable AudioCodes calls and closes everything else.
func runCall(conn *connection.WSConn, b *bridge.Bridge, reg *registry, tag string) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			if b.Closed() {
				unregister(reg, b)
				return
			}
			if conn.State() == connection.StateClosed {
				// This transport was replaced by a resume; the call
				// lives on behind a newer socket.
				return
			}
			log.Printf("[%s] call %s: platform read: %v", tag, b.ConversationID(), err)
			b.MarkPlatformLost()
			if b.Closed() {
				unregister(reg, b)
			}
			return
		}
		if err := b.HandlePlatformFrame(raw); err != nil {
			log.Printf("[%s] call %s: frame dropped: %v", tag, b.ConversationID(), err)
		}
	}
}

// unregister drops a finished call from the registry and emits its teardown
// span.
func unregister(reg *registry, b *bridge.Bridge) {
	reg.remove(b.ConversationID())
	sess := b.Session()
	reason := sess.EndReason()
	if reason == "" {
		reason = sess.ErrorReason()
	}
	trace.CallTeardown(b.ConversationID(), sess.Dialect().String(), reason)
}

func newUpgrader(readBuf, writeBuf int) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  readBuf,
		WriteBufferSize: writeBuf,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

// healthHandler reports liveness and the live call count.
func healthHandler(reg *registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, reg.count())
	}
}
