package connection

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// startEcho runs a WebSocket server that echoes every text frame back.
func startEcho(t *testing.T) string {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialConn(t *testing.T, url string) *WSConn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	c := NewWSConn(ws)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestWSConnRoundTrip(t *testing.T) {
	c := dialConn(t, startEcho(t))

	if got := c.State(); got != StateConnected {
		t.Fatalf("state = %v, want connected", got)
	}

	frame := []byte(`{"type":"connection.validate","conversationId":"conv-1"}`)
	if err := c.WriteMessage(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(frame) {
		t.Errorf("echo = %q, want %q", got, frame)
	}
}

func TestWSConnCloseIsIdempotent(t *testing.T) {
	c := dialConn(t, startEcho(t))

	if err := c.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if got := c.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
	if err := c.WriteMessage([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("write after close = %v, want ErrClosed", err)
	}
}

func TestWSConnPeerDropMarksDisconnected(t *testing.T) {
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	t.Cleanup(ts.Close)

	c := dialConn(t, "ws"+strings.TrimPrefix(ts.URL, "http"))
	if _, err := c.ReadMessage(); err == nil {
		t.Fatal("expected read error after peer drop")
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("state = %v, want disconnected", got)
	}
}

func TestWSConnLocalCloseWinsOverReadFailure(t *testing.T) {
	c := dialConn(t, startEcho(t))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.ReadMessage()
	}()

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read did not unblock after close")
	}
	// The failed read must not downgrade a deliberate close to a transport
	// loss; the servers branch on this to decide whether a call may resume.
	if got := c.State(); got != StateClosed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestWSConnReadDeadline(t *testing.T) {
	c := dialConn(t, startEcho(t))

	if err := c.SetReadDeadline(time.Now().Add(50 * time.Millisecond)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	start := time.Now()
	if _, err := c.ReadMessage(); err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("read returned after %v, want prompt timeout", elapsed)
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("state = %v, want disconnected", got)
	}
}

func TestWSConnConcurrentWrites(t *testing.T) {
	c := dialConn(t, startEcho(t))

	const writers, perWriter = 4, 25
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				frame := fmt.Sprintf(`{"writer":%d,"seq":%d}`, id, j)
				if err := c.WriteMessage([]byte(frame)); err != nil {
					t.Errorf("writer %d: %v", id, err)
					return
				}
			}
		}(i)
	}

	seen := make(map[string]bool)
	for i := 0; i < writers*perWriter; i++ {
		data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		seen[string(data)] = true
	}
	wg.Wait()

	if len(seen) != writers*perWriter {
		t.Errorf("received %d distinct frames, want %d", len(seen), writers*perWriter)
	}
}
