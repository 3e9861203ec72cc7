package realtimeapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge-ai/voicebridge/pkg/realtimeapi/events"
	"github.com/voicebridge-ai/voicebridge/pkg/router"
)

const (
	// DefaultRealtimeURL is the upstream endpoint; the model is appended as a
	// query parameter.
	DefaultRealtimeURL = "wss://api.openai.com/v1/realtime"

	// DefaultRealtimeModel is used when the configuration names no model.
	DefaultRealtimeModel = "gpt-4o-realtime-preview"

	// DefaultHandshakeTimeout bounds dial and the session.created wait on the
	// initial connect.
	DefaultHandshakeTimeout = 30 * time.Second

	// DefaultReconnectTimeout is the tighter handshake budget used during
	// reconnect attempts.
	DefaultReconnectTimeout = 20 * time.Second

	// DefaultPingInterval is the keepalive ping cadence.
	DefaultPingInterval = 5 * time.Second

	// DefaultHeartbeatInterval is how often the heartbeat task checks for a
	// silent connection and probes it.
	DefaultHeartbeatInterval = 60 * time.Second

	// DefaultPongTimeout is how long a heartbeat probe waits for its pong
	// before declaring the connection dead.
	DefaultPongTimeout = 5 * time.Second

	// DefaultWriteWait bounds individual socket writes.
	DefaultWriteWait = 10 * time.Second

	// DefaultPongWait is the read deadline re-armed on every frame and pong.
	DefaultPongWait = 60 * time.Second

	// DefaultReceiveTimeout is the consumer-side wait in ReceiveAudioChunk.
	DefaultReceiveTimeout = 2 * time.Second

	// DefaultMaxFrameBytes caps inbound frames.
	DefaultMaxFrameBytes = 16 << 20 // 16 MiB

	// DefaultQueueCapacity is the audio output queue depth.
	DefaultQueueCapacity = 32

	// DefaultMaxReconnectAttempts bounds the reconnect loop.
	DefaultMaxReconnectAttempts = 5
)

// ClientState represents the dial state of the upstream connection.
type ClientState int

const (
	// ClientStateDisconnected means no socket exists.
	ClientStateDisconnected ClientState = iota
	// ClientStateDialing means the WebSocket dial is in progress.
	ClientStateDialing
	// ClientStateHandshaking means the socket is open and session.created is
	// awaited.
	ClientStateHandshaking
	// ClientStateActive means the session is established.
	ClientStateActive
	// ClientStateClosing means Close was called and teardown is running.
	ClientStateClosing
	// ClientStateReconnecting means the connection was lost and the backoff
	// loop is running.
	ClientStateReconnecting
)

func (s ClientState) String() string {
	switch s {
	case ClientStateDisconnected:
		return "disconnected"
	case ClientStateDialing:
		return "dialing"
	case ClientStateHandshaking:
		return "handshaking"
	case ClientStateActive:
		return "active"
	case ClientStateClosing:
		return "closing"
	case ClientStateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

var (
	// ErrClientClosed is returned once Close has been called; the client never
	// reopens.
	ErrClientClosed = errors.New("realtime client closed")

	// ErrAlreadyConnected is returned by Connect when the client is not in the
	// Disconnected state.
	ErrAlreadyConnected = errors.New("realtime client already connected")

	// ErrNotConnected is returned by SendEvent when no active session exists.
	ErrNotConnected = errors.New("realtime client not connected")

	// ErrHandshakeTimeout is returned when session.created does not arrive
	// within the handshake budget.
	ErrHandshakeTimeout = errors.New("session handshake timed out")

	// ErrReconnectFailed is handed to OnConnectionLost after the reconnect
	// loop exhausts its attempts.
	ErrReconnectFailed = errors.New("reconnect attempts exhausted")

	errPongTimeout = errors.New("no pong within timeout")
)

// ClientConfig holds the upstream connection configuration. Zero fields are
// normalized to the package defaults by NewClient.
type ClientConfig struct {
	URL    string
	APIKey string
	Model  string

	// Session is sent verbatim in the session.update handshake; voice,
	// instructions and tools are opaque pass-through values.
	Session events.SessionConfig

	// Router receives every well-formed upstream frame in wire order. May be
	// nil, in which case frames are only handled internally.
	Router *router.Router

	HandshakeTimeout     time.Duration
	ReconnectTimeout     time.Duration
	PingInterval         time.Duration
	HeartbeatInterval    time.Duration
	PongTimeout          time.Duration
	WriteWait            time.Duration
	PongWait             time.Duration
	ReceiveTimeout       time.Duration
	MaxFrameBytes        int64
	QueueCapacity        int
	MaxReconnectAttempts int

	// OnReconnected fires after a lost connection is re-established and the
	// session handshake has been re-run. Conversation items are not replayed.
	OnReconnected func()

	// OnConnectionLost fires once the reconnect loop gives up permanently.
	OnConnectionLost func(error)
}

// DefaultClientConfig returns the default client configuration. URL, APIKey,
// Model and Session still need to be filled in by the caller.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		URL:                  DefaultRealtimeURL,
		Model:                DefaultRealtimeModel,
		HandshakeTimeout:     DefaultHandshakeTimeout,
		ReconnectTimeout:     DefaultReconnectTimeout,
		PingInterval:         DefaultPingInterval,
		HeartbeatInterval:    DefaultHeartbeatInterval,
		PongTimeout:          DefaultPongTimeout,
		WriteWait:            DefaultWriteWait,
		PongWait:             DefaultPongWait,
		ReceiveTimeout:       DefaultReceiveTimeout,
		MaxFrameBytes:        DefaultMaxFrameBytes,
		QueueCapacity:        DefaultQueueCapacity,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
	}
}

// Client owns the upstream Realtime API WebSocket over its whole lifetime:
// dial and session handshake, the receiver and heartbeat tasks, serialized
// sends with rate limiting, the bounded audio output queue, and reconnection
// with jittered exponential backoff.
//
// Two goroutines run per socket: the receiver reads frames, feeds audio
// deltas into the output queue and dispatches everything through the router;
// the heartbeat sends keepalive pings and probes silent connections.
// SendEvent may be called from any goroutine.
type Client struct {
	cfg ClientConfig

	mu           sync.Mutex
	state        ClientState
	conn         *websocket.Conn
	closing      bool
	reconnecting bool
	sessionID    string
	taskCancel   context.CancelFunc

	// writeMu serializes socket writes so concurrent SendEvent calls never
	// interleave bytes on the wire.
	writeMu sync.Mutex

	queue   *audioQueue
	limiter *rateLimiter

	lastActivity atomic.Int64 // unix nanos of the last received frame

	closeCtx    context.Context
	closeCancel context.CancelFunc
	wg          sync.WaitGroup

	backoff func(attempt int) time.Duration
}

// NewClient creates a realtime client. Zero config fields fall back to the
// package defaults; the API key is required.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("realtime client: API key is required")
	}
	if cfg.URL == "" {
		cfg.URL = DefaultRealtimeURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultRealtimeModel
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ReconnectTimeout <= 0 {
		cfg.ReconnectTimeout = DefaultReconnectTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = DefaultPongTimeout
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = DefaultWriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = DefaultPongWait
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = DefaultReceiveTimeout
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}

	closeCtx, closeCancel := context.WithCancel(context.Background())
	return &Client{
		cfg:         cfg,
		state:       ClientStateDisconnected,
		queue:       newAudioQueue(cfg.QueueCapacity),
		limiter:     newRateLimiter(defaultRateWindow, defaultMaxRequests, defaultMaxWindowBytes),
		closeCtx:    closeCtx,
		closeCancel: closeCancel,
		backoff:     backoffDelay,
	}, nil
}

// Connect dials the upstream endpoint and runs the session handshake. It is
// valid only from the Disconnected state, so each call performs exactly one
// Disconnected → Dialing transition.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.state != ClientStateDisconnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: client is %s", ErrAlreadyConnected, state)
	}
	c.setStateLocked(ClientStateDialing)
	c.mu.Unlock()

	if err := c.dial(ctx, c.cfg.HandshakeTimeout, false); err != nil {
		c.mu.Lock()
		if !c.closing {
			c.setStateLocked(ClientStateDisconnected)
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// dial opens the socket, starts the receiver and heartbeat tasks, and runs
// the session.update → session.created handshake within handshakeTimeout.
// During reconnects the state stays Reconnecting until the handshake lands.
func (c *Client) dial(ctx context.Context, handshakeTimeout time.Duration, viaReconnect bool) error {
	endpoint := fmt.Sprintf("%s?model=%s", c.cfg.URL, url.QueryEscape(c.cfg.Model))

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	header := http.Header{
		"Authorization": []string{"Bearer " + c.cfg.APIKey},
		"OpenAI-Beta":   []string{"realtime=v1"},
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %s)", c.cfg.URL, err, resp.Status)
		}
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	conn.SetReadLimit(c.cfg.MaxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	pongCh := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		select {
		case pongCh <- struct{}{}:
		default:
		}
		return nil
	})

	handshakeCh := make(chan events.Session, 1)
	taskCtx, taskCancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		taskCancel()
		conn.Close()
		return ErrClientClosed
	}
	c.conn = conn
	c.taskCancel = taskCancel
	if !viaReconnect {
		c.setStateLocked(ClientStateHandshaking)
	}
	c.wg.Add(2)
	c.mu.Unlock()

	go c.receiveLoop(taskCtx, conn, handshakeCh)
	go c.heartbeatLoop(taskCtx, conn, pongCh)

	if err := c.writeEvent(events.NewSessionUpdateEvent(c.cfg.Session)); err != nil {
		c.teardownSocket()
		return fmt.Errorf("handshake send: %w", err)
	}

	timer := time.NewTimer(handshakeTimeout)
	defer timer.Stop()

	select {
	case sess, ok := <-handshakeCh:
		if !ok {
			c.teardownSocket()
			return fmt.Errorf("handshake: connection closed before session.created")
		}
		c.mu.Lock()
		c.sessionID = sess.ID
		c.setStateLocked(ClientStateActive)
		c.mu.Unlock()
		c.touchActivity()
		log.Printf("[RealtimeClient] session established (id=%s, model=%s)", sess.ID, c.cfg.Model)
		return nil
	case <-timer.C:
		c.teardownSocket()
		return fmt.Errorf("%w: no session.created within %v", ErrHandshakeTimeout, handshakeTimeout)
	case <-c.closeCtx.Done():
		c.teardownSocket()
		return ErrClientClosed
	case <-ctx.Done():
		c.teardownSocket()
		return ctx.Err()
	}
}

// teardownSocket tears down the current socket and its tasks after a failed
// handshake or an aborted dial.
func (c *Client) teardownSocket() {
	c.mu.Lock()
	cancel := c.taskCancel
	conn := c.conn
	c.taskCancel = nil
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
}

// receiveLoop reads frames until the socket dies. The read deadline is
// re-armed before every frame; pongs re-arm it as well. handshakeCh is closed
// on exit so a pending handshake fails fast instead of waiting out its timer.
func (c *Client) receiveLoop(ctx context.Context, conn *websocket.Conn, handshakeCh chan events.Session) {
	defer c.wg.Done()
	defer close(handshakeCh)

	for {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || c.isClosing() {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[RealtimeClient] read error: %v", err)
			}
			c.scheduleReconnect(err)
			return
		}

		c.touchActivity()

		switch msgType {
		case websocket.TextMessage:
			c.handleTextFrame(ctx, data, handshakeCh)
		case websocket.BinaryMessage:
			c.handleBinaryFrame(data)
		}
	}
}

// handleTextFrame parses one JSON frame, applies client-internal handling
// (handshake completion, audio queueing), then hands the raw frame to the
// router in wire order. Malformed frames are dropped without state change.
func (c *Client) handleTextFrame(ctx context.Context, data []byte, handshakeCh chan events.Session) {
	ev, err := events.ParseServerEvent(data)
	if err != nil {
		log.Printf("[RealtimeClient] dropping malformed frame: %v", err)
		return
	}

	switch e := ev.(type) {
	case *events.SessionCreatedEvent:
		select {
		case handshakeCh <- e.Session:
		default:
		}

	case *events.ResponseAudioDeltaEvent:
		pcm, err := base64.StdEncoding.DecodeString(e.Delta)
		if err != nil {
			log.Printf("[RealtimeClient] dropping audio delta with invalid base64: %v", err)
			return
		}
		if !c.queue.Push(AudioChunk{ResponseID: e.ResponseID, ItemID: e.ItemID, Data: pcm}) {
			log.Printf("[RealtimeClient] audio queue full, dropping %d byte chunk (response %s)", len(pcm), e.ResponseID)
		}

	case *events.ErrorEvent:
		log.Printf("[RealtimeClient] upstream error: type=%s code=%s message=%q", e.Error.Type, e.Error.Code, e.Error.Message)
	}

	if c.cfg.Router != nil {
		_ = c.cfg.Router.Dispatch(ctx, router.SourceUpstream, data)
	}
}

// handleBinaryFrame queues a binary frame as audio. Frames carrying base64
// text are decoded first; anything else is taken as raw audio bytes. Empty
// frames are logged and dropped.
func (c *Client) handleBinaryFrame(data []byte) {
	if len(data) == 0 {
		log.Printf("[RealtimeClient] dropping empty binary frame")
		return
	}

	payload := data
	if decoded, err := base64.StdEncoding.DecodeString(string(data)); err == nil && len(decoded) > 0 {
		payload = decoded
	}

	if !c.queue.Push(AudioChunk{Data: payload}) {
		log.Printf("[RealtimeClient] audio queue full, dropping %d byte binary chunk", len(payload))
	}
}

// heartbeatLoop sends keepalive pings every PingInterval and, once per
// HeartbeatInterval, probes connections that have received nothing for longer
// than the interval. A probe that misses its pong marks the connection dead
// and schedules a reconnect.
func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn, pongCh chan struct{}) {
	defer c.wg.Done()

	keepalive := time.NewTicker(c.cfg.PingInterval)
	defer keepalive.Stop()
	probe := time.NewTicker(c.cfg.HeartbeatInterval)
	defer probe.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-keepalive.C:
			deadline := time.Now().Add(c.cfg.WriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				if ctx.Err() != nil || c.isClosing() {
					return
				}
				log.Printf("[RealtimeClient] keepalive ping failed: %v", err)
				c.scheduleReconnect(err)
				return
			}

		case <-probe.C:
			if time.Since(c.lastActivityTime()) <= c.cfg.HeartbeatInterval {
				continue
			}
			if c.probeConnection(ctx, conn, pongCh) {
				continue
			}
			if ctx.Err() != nil || c.isClosing() {
				return
			}
			log.Printf("[RealtimeClient] heartbeat: %v, scheduling reconnect", errPongTimeout)
			c.scheduleReconnect(errPongTimeout)
			return
		}
	}
}

// probeConnection pings the peer and waits up to PongTimeout for any pong.
func (c *Client) probeConnection(ctx context.Context, conn *websocket.Conn, pongCh chan struct{}) bool {
	select {
	case <-pongCh:
	default:
	}

	deadline := time.Now().Add(c.cfg.WriteWait)
	if err := conn.WriteControl(websocket.PingMessage, []byte("hb"), deadline); err != nil {
		return false
	}

	timer := time.NewTimer(c.cfg.PongTimeout)
	defer timer.Stop()

	select {
	case <-pongCh:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		// Shutting down; not a liveness verdict.
		return true
	}
}

// SendEvent serializes the event and writes it to the socket. It may be
// called from any goroutine; writes are serialized and never interleave. The
// send is charged against the sliding rate window first: audio appends count
// their serialized size, control events count zero bytes but one request.
func (c *Client) SendEvent(ev events.ClientEvent) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.state != ClientStateActive {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: client is %s", ErrNotConnected, state)
	}
	c.mu.Unlock()

	return c.writeEvent(ev)
}

// AppendAudio base64-encodes one audio chunk and sends it as an
// input_audio_buffer.append event.
func (c *Client) AppendAudio(pcm []byte) error {
	return c.SendEvent(events.NewInputAudioBufferAppendEvent(base64.StdEncoding.EncodeToString(pcm)))
}

func (c *Client) writeEvent(ev events.ClientEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.ClientEventType(), err)
	}

	var eventBytes int64
	if ev.ClientEventType() == events.ClientEventTypeInputAudioBufferAppend {
		eventBytes = int64(len(data))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if err := c.limiter.allow(eventBytes); err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", ev.ClientEventType(), err)
	}
	return nil
}

// ReceiveAudioChunk pops the next synthesized audio chunk. It tries a
// non-blocking read first, then waits up to timeout (ReceiveTimeout when
// timeout <= 0). A false return means no chunk arrived, which is not an
// error.
func (c *Client) ReceiveAudioChunk(ctx context.Context, timeout time.Duration) (AudioChunk, bool) {
	if timeout <= 0 {
		timeout = c.cfg.ReceiveTimeout
	}
	return c.queue.Pop(ctx, timeout)
}

// QueuePressure reports whether the audio output queue is at or above its 80%
// watermark. The orchestrator may throttle upstream sends in response.
func (c *Client) QueuePressure() bool {
	return c.queue.Pressure()
}

// State returns the current dial state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the upstream session id, or "" before the handshake.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// scheduleReconnect tears down the current socket and starts the backoff
// loop. At most one reconnect runs at a time; concurrent triggers are
// coalesced, and nothing fires once the client is closing. Only established
// connections reconnect: a failure during the initial handshake is reported
// to the Connect caller instead.
func (c *Client) scheduleReconnect(cause error) {
	c.mu.Lock()
	if c.closing || c.reconnecting || c.state != ClientStateActive {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.setStateLocked(ClientStateReconnecting)
	cancel := c.taskCancel
	conn := c.conn
	c.taskCancel = nil
	c.conn = nil
	c.wg.Add(1)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}

	log.Printf("[RealtimeClient] connection lost (%v), reconnecting", cause)
	go c.reconnectLoop()
}

// reconnectLoop retries the dial with jittered exponential backoff. On
// success the session handshake has been re-run; conversation items are never
// replayed. After the final attempt the lost handler fires permanently.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	maxAttempts := c.cfg.MaxReconnectAttempts
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		delay := c.backoff(attempt)
		log.Printf("[RealtimeClient] reconnect attempt %d/%d in %v", attempt, maxAttempts, delay.Round(time.Millisecond))

		select {
		case <-time.After(delay):
		case <-c.closeCtx.Done():
			return
		}

		err := c.dial(c.closeCtx, c.cfg.ReconnectTimeout, true)
		if err == nil {
			log.Printf("[RealtimeClient] reconnected after %d attempt(s)", attempt)
			if c.cfg.OnReconnected != nil {
				c.cfg.OnReconnected()
			}
			return
		}
		if errors.Is(err, ErrClientClosed) {
			return
		}
		log.Printf("[RealtimeClient] reconnect attempt %d/%d failed: %v", attempt, maxAttempts, err)

		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			return
		}
		c.setStateLocked(ClientStateReconnecting)
		c.mu.Unlock()
	}

	log.Printf("[RealtimeClient] giving up after %d reconnect attempts", maxAttempts)
	c.mu.Lock()
	if !c.closing {
		c.setStateLocked(ClientStateDisconnected)
	}
	c.mu.Unlock()
	if c.cfg.OnConnectionLost != nil {
		c.cfg.OnConnectionLost(ErrReconnectFailed)
	}
}

// backoffDelay returns the delay before reconnect attempt n (1-based):
// min(2·2^(n−1), 30s) plus up to 30% uniform jitter, so the base sequence is
// 2, 4, 8, 16, 30 seconds.
func backoffDelay(attempt int) time.Duration {
	base := time.Duration(2<<(attempt-1)) * time.Second
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := time.Duration(rand.Float64() * 0.3 * float64(base))
	return base + jitter
}

// Close shuts the client down: it asserts closing, cancels the receiver and
// heartbeat with a one second join, closes the socket, drains the audio
// queue and resets the send window and session id. closing stays asserted so
// no reconnect can fire afterwards. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.setStateLocked(ClientStateClosing)
	cancel := c.taskCancel
	conn := c.conn
	c.taskCancel = nil
	c.conn = nil
	c.mu.Unlock()

	c.closeCancel()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		log.Printf("[RealtimeClient] tasks did not stop within 1s")
	}

	if n := c.queue.Drain(); n > 0 {
		log.Printf("[RealtimeClient] discarded %d queued audio chunk(s)", n)
	}
	c.limiter.reset()

	c.mu.Lock()
	c.sessionID = ""
	c.setStateLocked(ClientStateDisconnected)
	c.mu.Unlock()

	log.Printf("[RealtimeClient] closed")
	return nil
}

func (c *Client) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *Client) touchActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Client) lastActivityTime() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Client) setStateLocked(next ClientState) {
	if c.state == next {
		return
	}
	log.Printf("[RealtimeClient] state %s -> %s", c.state, next)
	c.state = next
}
