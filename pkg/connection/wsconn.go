package connection

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WSConn wraps an accepted platform WebSocket. Writes are serialized for
// gorilla's one-writer rule and carry a deadline; reads are expected from a
// single pump goroutine. Close is idempotent and safe concurrently with both.
type WSConn struct {
	conn   *websocket.Conn
	remote string

	writeMu sync.Mutex
	state   atomic.Int32
	once    sync.Once
}

// NewWSConn wraps an upgraded socket. The read limit and the liveness
// deadline are armed immediately; pongs and received frames re-arm it.
func NewWSConn(conn *websocket.Conn) *WSConn {
	c := &WSConn{
		conn:   conn,
		remote: conn.RemoteAddr().String(),
	}
	c.state.Store(int32(StateConnected))
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return c
}

// WriteMessage sends one complete text frame.
func (c *WSConn) WriteMessage(data []byte) error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadMessage returns the next inbound frame. A read failure marks the
// transport Disconnected unless this side already closed it; after a failure
// the connection is unusable and the caller must stop reading.
func (c *WSConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected))
		return nil, err
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	return data, nil
}

// SetReadDeadline overrides the liveness deadline for the next read. The
// servers use it to bound how long a fresh socket may take to identify its
// call; a successful read re-arms the normal deadline.
func (c *WSConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close sends the close handshake and tears the socket down. Safe to call
// more than once and concurrently with reads and writes.
func (c *WSConn) Close() error {
	c.once.Do(func() {
		c.state.Store(int32(StateClosed))
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	return nil
}

// State reports the transport lifecycle state.
func (c *WSConn) State() State {
	return State(c.state.Load())
}

// RemoteAddr returns the peer address captured at accept time.
func (c *WSConn) RemoteAddr() string { return c.remote }
