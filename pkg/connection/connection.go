// Package connection provides the platform-side transport plumbing: a
// WebSocket wrapper that serializes writes and tracks transport state for the
// dialect servers, and a local audio device pair for the dev softphone.
package connection

import (
	"errors"
	"time"
)

const (
	// writeWait bounds a single frame write on the platform socket.
	writeWait = 10 * time.Second

	// pongWait is how long a platform socket may stay silent before the
	// transport is considered dead. Telephony platforms ping continuously;
	// every received frame or pong re-arms the deadline.
	pongWait = 60 * time.Second

	// maxFrameBytes caps one inbound platform frame. Audio chunks are the
	// largest frames on the wire and stay far below this.
	maxFrameBytes = 1 << 20

	// closeGracePeriod bounds the close handshake on teardown.
	closeGracePeriod = time.Second
)

// ErrClosed is returned by writes on a connection after Close.
var ErrClosed = errors.New("connection: closed")

// State tracks the transport lifecycle of a platform socket. The distinction
// between Disconnected and Closed matters to the caller: a read pump that
// finds its socket Disconnected lost the peer and may park the call for a
// resume, while Closed means this side hung up deliberately (call teardown or
// a resume replacing the transport).
type State int32

const (
	// StateConnected is the initial state of an accepted socket.
	StateConnected State = iota

	// StateDisconnected records a transport lost to a read failure.
	StateDisconnected

	// StateClosed records a deliberate local Close.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
