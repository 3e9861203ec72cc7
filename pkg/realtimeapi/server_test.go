package realtimeapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge-ai/voicebridge/pkg/realtimeapi/events"
)

// newLoopbackServer builds a Server and mounts its WebSocket handler on an
// httptest listener. Returns the server and the ws:// dial URL.
func newLoopbackServer(t *testing.T, mutate func(*ServerConfig)) (*Server, string) {
	t.Helper()

	config := DefaultServerConfig()
	if mutate != nil {
		mutate(&config)
	}
	server := NewServer(config)

	mux := http.NewServeMux()
	mux.HandleFunc(config.Path, server.handleWebSocket)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ts.Close()
		server.Stop()
	})

	return server, "ws" + strings.TrimPrefix(ts.URL, "http") + config.Path
}

func dialLoopback(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s failed (status %d): %v", url, status, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendClientEvent(t *testing.T, conn *websocket.Conn, event map[string]interface{}) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(event); err != nil {
		t.Fatalf("send %v: %v", event["type"], err)
	}
}

func readServerEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var event map[string]interface{}
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return event
}

// readUntilEvent skips intermediate events until eventType arrives. An error
// event on the way is a test failure.
func readUntilEvent(t *testing.T, conn *websocket.Conn, eventType string) map[string]interface{} {
	t.Helper()
	for i := 0; i < 100; i++ {
		event := readServerEvent(t, conn)
		if event["type"] == eventType {
			return event
		}
		if event["type"] == "error" {
			t.Fatalf("error event while waiting for %s: %v", eventType, event)
		}
	}
	t.Fatalf("no %s event after 100 reads", eventType)
	return nil
}

// readGreeting consumes the session.created / conversation.created pair and
// returns the session ID.
func readGreeting(t *testing.T, conn *websocket.Conn) string {
	t.Helper()

	created := readServerEvent(t, conn)
	if created["type"] != "session.created" {
		t.Fatalf("first event = %v, want session.created", created["type"])
	}
	session, ok := created["session"].(map[string]interface{})
	if !ok {
		t.Fatalf("session.created missing session object: %v", created)
	}
	id, _ := session["id"].(string)
	if id == "" {
		t.Fatalf("session.created missing session.id: %v", created)
	}

	convCreated := readServerEvent(t, conn)
	if convCreated["type"] != "conversation.created" {
		t.Fatalf("second event = %v, want conversation.created", convCreated["type"])
	}

	return id
}

// makePCM builds a deterministic PCM pattern of n bytes.
func makePCM(n int) []byte {
	pcm := make([]byte, n)
	for i := range pcm {
		pcm[i] = byte(i % 251)
	}
	return pcm
}

func waitForSessions(t *testing.T, server *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if server.SessionCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session count = %d, want %d", server.SessionCount(), want)
}

func errorCode(t *testing.T, event map[string]interface{}) string {
	t.Helper()
	detail, ok := event["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("event has no error detail: %v", event)
	}
	code, _ := detail["code"].(string)
	return code
}

func TestNewServer_Defaults(t *testing.T) {
	config := DefaultServerConfig()
	if config.Addr != ":8080" {
		t.Errorf("Addr = %q, want :8080", config.Addr)
	}
	if config.Path != "/v1/realtime" {
		t.Errorf("Path = %q, want /v1/realtime", config.Path)
	}
	if config.DefaultModel != DefaultRealtimeModel {
		t.Errorf("DefaultModel = %q, want %q", config.DefaultModel, DefaultRealtimeModel)
	}
	if config.MaxSessionsPerIP != 10 {
		t.Errorf("MaxSessionsPerIP = %d, want 10", config.MaxSessionsPerIP)
	}

	server := NewServer(ServerConfig{})
	if server.config.Path != "/v1/realtime" {
		t.Errorf("empty config Path = %q, want default", server.config.Path)
	}
	if server.config.DefaultModel != DefaultRealtimeModel {
		t.Errorf("empty config DefaultModel = %q, want default", server.config.DefaultModel)
	}
}

func TestServer_SessionCreated(t *testing.T) {
	server, url := newLoopbackServer(t, nil)
	conn := dialLoopback(t, url+"?model=test-model", nil)

	sessionID := readGreeting(t, conn)
	if !strings.HasPrefix(sessionID, "sess_") {
		t.Errorf("session ID %q missing sess_ prefix", sessionID)
	}

	session, ok := server.GetSession(sessionID)
	if !ok {
		t.Fatalf("session %s not registered", sessionID)
	}
	if session.State().Model != "test-model" {
		t.Errorf("session model = %q, want test-model", session.State().Model)
	}
}

func TestServer_SessionUpdate(t *testing.T) {
	_, url := newLoopbackServer(t, nil)
	conn := dialLoopback(t, url, nil)
	readGreeting(t, conn)

	sendClientEvent(t, conn, map[string]interface{}{
		"type": "session.update",
		"session": map[string]interface{}{
			"voice":        "nova",
			"instructions": "be brief",
		},
	})

	updated := readUntilEvent(t, conn, "session.updated")
	session := updated["session"].(map[string]interface{})
	if session["voice"] != "nova" {
		t.Errorf("voice = %v, want nova", session["voice"])
	}
	if session["instructions"] != "be brief" {
		t.Errorf("instructions = %v, want 'be brief'", session["instructions"])
	}
	// Untouched fields keep their defaults.
	if session["output_audio_format"] != "pcm16" {
		t.Errorf("output_audio_format = %v, want pcm16", session["output_audio_format"])
	}
}

func TestServer_TranscriptionSessionUpdate(t *testing.T) {
	_, url := newLoopbackServer(t, nil)
	conn := dialLoopback(t, url, nil)
	readGreeting(t, conn)

	sendClientEvent(t, conn, map[string]interface{}{
		"type": "transcription_session.update",
		"session": map[string]interface{}{
			"input_audio_transcription": map[string]interface{}{"model": "whisper-1"},
		},
	})

	updated := readUntilEvent(t, conn, "session.updated")
	session := updated["session"].(map[string]interface{})
	transcription, ok := session["input_audio_transcription"].(map[string]interface{})
	if !ok {
		t.Fatalf("session.updated missing input_audio_transcription: %v", session)
	}
	if transcription["model"] != "whisper-1" {
		t.Errorf("transcription model = %v, want whisper-1", transcription["model"])
	}
}

func TestServer_InvalidEvent(t *testing.T) {
	_, url := newLoopbackServer(t, nil)
	conn := dialLoopback(t, url, nil)
	readGreeting(t, conn)

	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	event := readServerEvent(t, conn)
	if event["type"] != "error" {
		t.Fatalf("event type = %v, want error", event["type"])
	}
	if code := errorCode(t, event); code != "invalid_event" {
		t.Errorf("error code = %q, want invalid_event", code)
	}

	// Unknown discriminators are rejected the same way.
	sendClientEvent(t, conn, map[string]interface{}{"type": "bogus.event"})
	event = readServerEvent(t, conn)
	if event["type"] != "error" {
		t.Fatalf("event type = %v, want error", event["type"])
	}
	if code := errorCode(t, event); code != "invalid_event" {
		t.Errorf("error code = %q, want invalid_event", code)
	}
}

func TestServer_Authentication(t *testing.T) {
	_, url := newLoopbackServer(t, func(c *ServerConfig) {
		c.AuthToken = "secret-token"
	})

	// No credentials.
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without token should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", resp)
	}

	// Wrong token.
	header := http.Header{"Authorization": []string{"Bearer wrong"}}
	_, resp, err = websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("dial with wrong token should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", resp)
	}

	// Correct token.
	header = http.Header{"Authorization": []string{"Bearer secret-token"}}
	conn := dialLoopback(t, url, header)
	readGreeting(t, conn)
}

func TestServer_ModelValidation(t *testing.T) {
	_, url := newLoopbackServer(t, func(c *ServerConfig) {
		c.DefaultModel = "echo-1"
		c.AllowedModels = []string{"echo-1"}
	})

	_, resp, err := websocket.DefaultDialer.Dial(url+"?model=other", nil)
	if err == nil {
		t.Fatal("dial with disallowed model should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", resp)
	}

	conn := dialLoopback(t, url+"?model=echo-1", nil)
	readGreeting(t, conn)

	// No model parameter falls back to the (allowed) default.
	conn2 := dialLoopback(t, url, nil)
	readGreeting(t, conn2)
}

func TestServer_SessionCount(t *testing.T) {
	server, url := newLoopbackServer(t, nil)

	conn1 := dialLoopback(t, url, nil)
	id1 := readGreeting(t, conn1)
	conn2 := dialLoopback(t, url, nil)
	readGreeting(t, conn2)
	waitForSessions(t, server, 2)

	if _, ok := server.GetSession(id1); !ok {
		t.Errorf("GetSession(%s) returned false", id1)
	}

	conn1.Close()
	waitForSessions(t, server, 1)
	if _, ok := server.GetSession(id1); ok {
		t.Errorf("session %s still registered after close", id1)
	}
}

func TestServer_MaxSessionsPerIP(t *testing.T) {
	server, url := newLoopbackServer(t, func(c *ServerConfig) {
		c.MaxSessionsPerIP = 1
	})

	conn := dialLoopback(t, url, nil)
	readGreeting(t, conn)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("second dial should hit the per-IP cap")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %v", resp)
	}

	// Closing the first session frees the slot.
	conn.Close()
	waitForSessions(t, server, 0)
	conn2 := dialLoopback(t, url, nil)
	readGreeting(t, conn2)
}

func TestServer_AppendCommit(t *testing.T) {
	server, url := newLoopbackServer(t, nil)
	conn := dialLoopback(t, url, nil)
	sessionID := readGreeting(t, conn)

	pcm := makePCM(9600)
	half := len(pcm) / 2
	sendClientEvent(t, conn, map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm[:half]),
	})
	sendClientEvent(t, conn, map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm[half:]),
	})
	sendClientEvent(t, conn, map[string]interface{}{"type": "input_audio_buffer.commit"})

	committed := readServerEvent(t, conn)
	if committed["type"] != "input_audio_buffer.committed" {
		t.Fatalf("event = %v, want input_audio_buffer.committed", committed["type"])
	}
	itemID, _ := committed["item_id"].(string)
	if !strings.HasPrefix(itemID, "item_") {
		t.Errorf("item_id = %q, want item_ prefix", itemID)
	}
	if prev, ok := committed["previous_item_id"]; ok && prev != "" {
		t.Errorf("first commit previous_item_id = %v, want empty", prev)
	}

	created := readServerEvent(t, conn)
	if created["type"] != "conversation.item.created" {
		t.Fatalf("event = %v, want conversation.item.created", created["type"])
	}
	item := created["item"].(map[string]interface{})
	if item["role"] != "user" {
		t.Errorf("item role = %v, want user", item["role"])
	}
	content := item["content"].([]interface{})[0].(map[string]interface{})
	if content["type"] != "input_audio" {
		t.Errorf("content type = %v, want input_audio", content["type"])
	}
	if content["audio"] != base64.StdEncoding.EncodeToString(pcm) {
		t.Error("item audio does not round-trip the appended chunks")
	}

	session, _ := server.GetSession(sessionID)
	if session.conversation.Count() != 1 {
		t.Errorf("conversation count = %d, want 1", session.conversation.Count())
	}

	// A second turn chains previous_item_id to the first item.
	sendClientEvent(t, conn, map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(makePCM(480)),
	})
	sendClientEvent(t, conn, map[string]interface{}{"type": "input_audio_buffer.commit"})
	committed2 := readServerEvent(t, conn)
	if committed2["previous_item_id"] != itemID {
		t.Errorf("second commit previous_item_id = %v, want %s", committed2["previous_item_id"], itemID)
	}
	readServerEvent(t, conn) // its conversation.item.created
}

// Committing after a clear must emit nothing: the cleared event is the only
// trace of the discarded audio.
func TestServer_AppendClearCommit(t *testing.T) {
	_, url := newLoopbackServer(t, nil)
	conn := dialLoopback(t, url, nil)
	readGreeting(t, conn)

	discarded := makePCM(4800)
	sendClientEvent(t, conn, map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(discarded),
	})
	sendClientEvent(t, conn, map[string]interface{}{"type": "input_audio_buffer.clear"})

	cleared := readServerEvent(t, conn)
	if cleared["type"] != "input_audio_buffer.cleared" {
		t.Fatalf("event = %v, want input_audio_buffer.cleared", cleared["type"])
	}

	// This commit hits an empty buffer and must be silent.
	sendClientEvent(t, conn, map[string]interface{}{"type": "input_audio_buffer.commit"})

	// The next audible turn proves nothing was queued in between: the very
	// next event is the committed for the fresh batch, and the item holds
	// only the fresh audio.
	fresh := makePCM(960)
	sendClientEvent(t, conn, map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(fresh),
	})
	sendClientEvent(t, conn, map[string]interface{}{"type": "input_audio_buffer.commit"})

	committed := readServerEvent(t, conn)
	if committed["type"] != "input_audio_buffer.committed" {
		t.Fatalf("event after silent commit = %v, want input_audio_buffer.committed", committed["type"])
	}
	created := readServerEvent(t, conn)
	item := created["item"].(map[string]interface{})
	content := item["content"].([]interface{})[0].(map[string]interface{})
	if content["audio"] != base64.StdEncoding.EncodeToString(fresh) {
		t.Error("committed item carries stale audio from before the clear")
	}
}

func TestServer_ResponseLifecycle(t *testing.T) {
	_, url := newLoopbackServer(t, func(c *ServerConfig) {
		c.Responder.ChunkInterval = time.Millisecond
	})
	conn := dialLoopback(t, url, nil)
	readGreeting(t, conn)

	pcm := makePCM(12000) // 3 chunks at the default 4800-byte sizing
	sendClientEvent(t, conn, map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
	sendClientEvent(t, conn, map[string]interface{}{"type": "input_audio_buffer.commit"})
	readUntilEvent(t, conn, "conversation.item.created")

	sendClientEvent(t, conn, map[string]interface{}{"type": "response.create"})

	var sequence []string
	var echoed []byte
	var done map[string]interface{}
	for done == nil {
		event := readServerEvent(t, conn)
		eventType := event["type"].(string)
		sequence = append(sequence, eventType)
		switch eventType {
		case "response.audio.delta":
			chunk, err := base64.StdEncoding.DecodeString(event["delta"].(string))
			if err != nil {
				t.Fatalf("delta is not base64: %v", err)
			}
			echoed = append(echoed, chunk...)
		case "response.done":
			done = event
		case "error":
			t.Fatalf("error event during response: %v", event)
		}
	}

	want := []string{
		"response.created",
		"response.output_item.added",
		"conversation.item.created",
		"response.content_part.added",
		"response.audio.delta",
		"response.audio.delta",
		"response.audio.delta",
		"response.audio.done",
		"response.content_part.done",
		"response.output_item.done",
		"response.done",
	}
	if len(sequence) != len(want) {
		t.Fatalf("event sequence = %v, want %v", sequence, want)
	}
	for i := range want {
		if sequence[i] != want[i] {
			t.Fatalf("sequence[%d] = %s, want %s (full: %v)", i, sequence[i], want[i], sequence)
		}
	}

	if string(echoed) != string(pcm) {
		t.Errorf("echoed %d bytes do not match committed %d bytes", len(echoed), len(pcm))
	}

	response := done["response"].(map[string]interface{})
	if response["status"] != "completed" {
		t.Errorf("response status = %v, want completed", response["status"])
	}
	output := response["output"].([]interface{})
	if len(output) != 1 {
		t.Fatalf("response output has %d items, want 1", len(output))
	}
	item := output[0].(map[string]interface{})
	if item["status"] != "completed" || item["role"] != "assistant" {
		t.Errorf("output item = %v, want completed assistant item", item)
	}
}

func TestServer_ResponseTranscript(t *testing.T) {
	_, url := newLoopbackServer(t, func(c *ServerConfig) {
		c.Responder.ChunkInterval = time.Millisecond
		c.Responder.Transcript = "echoed audio"
	})
	conn := dialLoopback(t, url, nil)
	readGreeting(t, conn)

	sendClientEvent(t, conn, map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(makePCM(4800)),
	})
	sendClientEvent(t, conn, map[string]interface{}{"type": "input_audio_buffer.commit"})
	readUntilEvent(t, conn, "conversation.item.created")

	sendClientEvent(t, conn, map[string]interface{}{"type": "response.create"})

	delta := readUntilEvent(t, conn, "response.audio_transcript.delta")
	if delta["delta"] != "echoed audio" {
		t.Errorf("transcript delta = %v, want 'echoed audio'", delta["delta"])
	}
	readUntilEvent(t, conn, "response.audio.done")
	transcriptDone := readServerEvent(t, conn)
	if transcriptDone["type"] != "response.audio_transcript.done" {
		t.Fatalf("event after audio.done = %v, want response.audio_transcript.done", transcriptDone["type"])
	}
	partDone := readUntilEvent(t, conn, "response.content_part.done")
	part := partDone["part"].(map[string]interface{})
	if part["transcript"] != "echoed audio" {
		t.Errorf("final part transcript = %v, want 'echoed audio'", part["transcript"])
	}
	readUntilEvent(t, conn, "response.done")
}

// With no user content the turn speaks the instructions string as text.
func TestServer_ResponseInstructionsFallback(t *testing.T) {
	_, url := newLoopbackServer(t, nil)
	conn := dialLoopback(t, url, nil)
	readGreeting(t, conn)

	sendClientEvent(t, conn, map[string]interface{}{
		"type": "response.create",
		"response": map[string]interface{}{
			"modalities":   []string{"text"},
			"instructions": "greetings caller",
		},
	})

	part := readUntilEvent(t, conn, "response.content_part.added")
	if part["part"].(map[string]interface{})["type"] != "text" {
		t.Errorf("content part type = %v, want text", part["part"].(map[string]interface{})["type"])
	}
	delta := readUntilEvent(t, conn, "response.text.delta")
	if delta["delta"] != "greetings caller" {
		t.Errorf("text delta = %v, want instructions echo", delta["delta"])
	}
	readUntilEvent(t, conn, "response.text.done")
	readUntilEvent(t, conn, "response.done")
}

// User text items are echoed verbatim.
func TestServer_ResponseTextEcho(t *testing.T) {
	_, url := newLoopbackServer(t, nil)
	conn := dialLoopback(t, url, nil)
	readGreeting(t, conn)

	sendClientEvent(t, conn, map[string]interface{}{
		"type": "conversation.item.create",
		"item": map[string]interface{}{
			"type": "message",
			"role": "user",
			"content": []map[string]interface{}{
				{"type": "input_text", "text": "ping"},
			},
		},
	})
	readUntilEvent(t, conn, "conversation.item.created")

	sendClientEvent(t, conn, map[string]interface{}{"type": "response.create"})
	delta := readUntilEvent(t, conn, "response.text.delta")
	if delta["delta"] != "ping" {
		t.Errorf("text delta = %v, want ping", delta["delta"])
	}
	done := readUntilEvent(t, conn, "response.done")
	output := done["response"].(map[string]interface{})["output"].([]interface{})
	content := output[0].(map[string]interface{})["content"].([]interface{})[0].(map[string]interface{})
	if content["text"] != "ping" {
		t.Errorf("final item text = %v, want ping", content["text"])
	}
}

func TestServer_ResponseCancel(t *testing.T) {
	_, url := newLoopbackServer(t, func(c *ServerConfig) {
		c.Responder.ChunkBytes = 1600
		c.Responder.ChunkInterval = 40 * time.Millisecond
	})
	conn := dialLoopback(t, url, nil)
	readGreeting(t, conn)

	sendClientEvent(t, conn, map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(makePCM(16000)),
	})
	sendClientEvent(t, conn, map[string]interface{}{"type": "input_audio_buffer.commit"})
	readUntilEvent(t, conn, "conversation.item.created")

	sendClientEvent(t, conn, map[string]interface{}{"type": "response.create"})
	created := readUntilEvent(t, conn, "response.created")
	responseID := created["response"].(map[string]interface{})["id"].(string)

	readUntilEvent(t, conn, "response.audio.delta")
	sendClientEvent(t, conn, map[string]interface{}{
		"type":        "response.cancel",
		"response_id": responseID,
	})

	// A delta or two may still be in flight; after them comes the
	// cancelled pair and then silence.
	cancelled := readUntilEvent(t, conn, "response.cancelled")
	if cancelled["response"].(map[string]interface{})["id"] != responseID {
		t.Errorf("cancelled wrong response: %v", cancelled)
	}
	done := readServerEvent(t, conn)
	if done["type"] != "response.done" {
		t.Fatalf("event after cancelled = %v, want response.done", done["type"])
	}
	response := done["response"].(map[string]interface{})
	if response["status"] != "cancelled" {
		t.Errorf("response status = %v, want cancelled", response["status"])
	}
	item := response["output"].([]interface{})[0].(map[string]interface{})
	if item["status"] != "incomplete" {
		t.Errorf("output item status = %v, want incomplete", item["status"])
	}

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("received an event after the cancelled response.done")
	}

	// The next turn starts cleanly after a cancel.
	sendClientEvent(t, conn, map[string]interface{}{"type": "response.create"})
	readUntilEvent(t, conn, "response.done")
}

func TestServer_ResponseWhileActive(t *testing.T) {
	_, url := newLoopbackServer(t, func(c *ServerConfig) {
		c.Responder.ChunkBytes = 1600
		c.Responder.ChunkInterval = 40 * time.Millisecond
	})
	conn := dialLoopback(t, url, nil)
	readGreeting(t, conn)

	sendClientEvent(t, conn, map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(makePCM(8000)),
	})
	sendClientEvent(t, conn, map[string]interface{}{"type": "input_audio_buffer.commit"})
	readUntilEvent(t, conn, "conversation.item.created")

	sendClientEvent(t, conn, map[string]interface{}{"type": "response.create"})
	readUntilEvent(t, conn, "response.created")

	sendClientEvent(t, conn, map[string]interface{}{"type": "response.create"})
	for i := 0; i < 100; i++ {
		event := readServerEvent(t, conn)
		if event["type"] == "error" {
			if code := errorCode(t, event); code != "conversation_already_has_active_response" {
				t.Errorf("error code = %q, want conversation_already_has_active_response", code)
			}
			break
		}
		if event["type"] == "response.done" {
			t.Fatal("no error event for the overlapping response.create")
		}
	}

	// The first response still runs to completion.
	done := readUntilEvent(t, conn, "response.done")
	if done["response"].(map[string]interface{})["status"] != "completed" {
		t.Errorf("first response did not complete: %v", done)
	}
}

func TestServer_ResponseCancelNotActive(t *testing.T) {
	_, url := newLoopbackServer(t, nil)
	conn := dialLoopback(t, url, nil)
	readGreeting(t, conn)

	sendClientEvent(t, conn, map[string]interface{}{"type": "response.cancel"})
	event := readServerEvent(t, conn)
	if event["type"] != "error" {
		t.Fatalf("event = %v, want error", event["type"])
	}
	if code := errorCode(t, event); code != "response_cancel_not_active" {
		t.Errorf("error code = %q, want response_cancel_not_active", code)
	}
}

func TestServer_ItemRetrieveDelete(t *testing.T) {
	_, url := newLoopbackServer(t, nil)
	conn := dialLoopback(t, url, nil)
	readGreeting(t, conn)

	sendClientEvent(t, conn, map[string]interface{}{
		"type": "conversation.item.create",
		"item": map[string]interface{}{
			"type": "message",
			"role": "user",
			"content": []map[string]interface{}{
				{"type": "input_text", "text": "keep me"},
			},
		},
	})
	created := readUntilEvent(t, conn, "conversation.item.created")
	itemID := created["item"].(map[string]interface{})["id"].(string)

	sendClientEvent(t, conn, map[string]interface{}{
		"type":    "conversation.item.retrieve",
		"item_id": itemID,
	})
	retrieved := readUntilEvent(t, conn, "conversation.item.retrieved")
	item := retrieved["item"].(map[string]interface{})
	content := item["content"].([]interface{})[0].(map[string]interface{})
	if content["text"] != "keep me" {
		t.Errorf("retrieved text = %v, want 'keep me'", content["text"])
	}

	sendClientEvent(t, conn, map[string]interface{}{
		"type":    "conversation.item.delete",
		"item_id": itemID,
	})
	deleted := readUntilEvent(t, conn, "conversation.item.deleted")
	if deleted["item_id"] != itemID {
		t.Errorf("deleted item_id = %v, want %s", deleted["item_id"], itemID)
	}

	sendClientEvent(t, conn, map[string]interface{}{
		"type":    "conversation.item.retrieve",
		"item_id": itemID,
	})
	event := readServerEvent(t, conn)
	if event["type"] != "error" || errorCode(t, event) != "item_not_found" {
		t.Errorf("retrieve after delete = %v, want item_not_found error", event)
	}
}

// Truncating an assistant audio item cuts the stored PCM at the millisecond
// offset and drops the stale transcript.
func TestServer_ItemTruncate(t *testing.T) {
	_, url := newLoopbackServer(t, func(c *ServerConfig) {
		c.Responder.ChunkInterval = time.Millisecond
		c.Responder.Transcript = "stale"
	})
	conn := dialLoopback(t, url, nil)
	readGreeting(t, conn)

	sendClientEvent(t, conn, map[string]interface{}{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(makePCM(9600)), // 200 ms
	})
	sendClientEvent(t, conn, map[string]interface{}{"type": "input_audio_buffer.commit"})
	readUntilEvent(t, conn, "conversation.item.created")

	sendClientEvent(t, conn, map[string]interface{}{"type": "response.create"})
	done := readUntilEvent(t, conn, "response.done")
	output := done["response"].(map[string]interface{})["output"].([]interface{})
	itemID := output[0].(map[string]interface{})["id"].(string)

	sendClientEvent(t, conn, map[string]interface{}{
		"type":          "conversation.item.truncate",
		"item_id":       itemID,
		"content_index": 0,
		"audio_end_ms":  100,
	})
	truncated := readUntilEvent(t, conn, "conversation.item.truncated")
	if truncated["item_id"] != itemID {
		t.Errorf("truncated item_id = %v, want %s", truncated["item_id"], itemID)
	}
	if truncated["audio_end_ms"] != float64(100) {
		t.Errorf("audio_end_ms = %v, want 100", truncated["audio_end_ms"])
	}

	sendClientEvent(t, conn, map[string]interface{}{
		"type":    "conversation.item.retrieve",
		"item_id": itemID,
	})
	retrieved := readUntilEvent(t, conn, "conversation.item.retrieved")
	content := retrieved["item"].(map[string]interface{})["content"].([]interface{})[0].(map[string]interface{})
	audio, err := base64.StdEncoding.DecodeString(content["audio"].(string))
	if err != nil {
		t.Fatalf("stored audio not base64: %v", err)
	}
	if len(audio) != 4800 { // 100 ms at 24 kHz mono pcm16
		t.Errorf("truncated audio = %d bytes, want 4800", len(audio))
	}
	if transcript, ok := content["transcript"]; ok && transcript != "" {
		t.Errorf("transcript survived truncation: %v", transcript)
	}

	// Truncating a missing item reports item_not_found.
	sendClientEvent(t, conn, map[string]interface{}{
		"type":          "conversation.item.truncate",
		"item_id":       "item_missing",
		"content_index": 0,
		"audio_end_ms":  10,
	})
	event := readServerEvent(t, conn)
	if event["type"] != "error" || errorCode(t, event) != "item_not_found" {
		t.Errorf("truncate missing item = %v, want item_not_found error", event)
	}
}

// recordingTransport captures events for socket-free session tests.
type recordingTransport struct {
	mu     sync.Mutex
	events []events.ServerEvent
	closed bool
}

func (r *recordingTransport) SendEvent(event events.ServerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingTransport) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingTransport) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = string(ev.ServerEventType())
	}
	return out
}

func TestSession_WithRecordingTransport(t *testing.T) {
	rec := &recordingTransport{}
	session := NewSessionWithTransport(context.Background(), rec, "test-model",
		events.SessionConfig{Voice: "sage"}, DefaultResponderConfig())
	session.Start()

	if session.State().Voice != "sage" {
		t.Errorf("voice = %q, want sage from seed config", session.State().Voice)
	}

	pcm := makePCM(960)
	if err := session.HandleClientEvent(events.NewInputAudioBufferAppendEvent(
		base64.StdEncoding.EncodeToString(pcm))); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := session.HandleClientEvent(events.NewInputAudioBufferCommitEvent()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := session.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !rec.closed {
		t.Error("transport not closed with session")
	}

	want := []string{
		"session.created",
		"conversation.created",
		"input_audio_buffer.committed",
		"conversation.item.created",
	}
	got := rec.types()
	if len(got) != len(want) {
		t.Fatalf("captured events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	// Closed sessions drop sends and a second Close is a no-op.
	session.SendEvent(events.NewInputAudioBufferClearedEvent())
	if len(rec.types()) != len(want) {
		t.Error("SendEvent after Close leaked an event")
	}
	if err := session.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
