// Package realtimeapi speaks the upstream realtime event protocol over
// WebSocket, in both directions. Client dials a remote realtime endpoint and
// is what the bridge uses in production; Server is an in-process loopback
// implementation of the same event schema, used by the test suite and by the
// local echo mode of cmd/localcall. Both sides exchange the event types
// defined in the events subpackage.
package realtimeapi

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge-ai/voicebridge/pkg/realtimeapi/events"
)

// Transport delivers server events to one connected client. Implementations
// must be safe for concurrent SendEvent calls.
type Transport interface {
	SendEvent(event events.ServerEvent) error
	Close() error
}

// WebSocketTransport writes server events as JSON text frames.
type WebSocketTransport struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	writeWait time.Duration
	closed    bool
}

func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{
		conn:      conn,
		writeWait: DefaultWriteWait,
	}
}

// SendEvent marshals the event and writes it to the socket. Sending on a
// closed transport returns an error rather than silently dropping.
func (t *WebSocketTransport) SendEvent(event events.ServerEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.ServerEventType(), err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transport is closed")
	}
	t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal-closure frame and closes the socket. Safe to call
// more than once.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
	t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return t.conn.Close()
}
