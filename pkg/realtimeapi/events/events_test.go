package events

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseClientEventDispatch(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantType ClientEventType
	}{
		{
			name:     "session update",
			payload:  `{"type":"session.update","session":{"modalities":["text","audio"],"voice":"alloy"}}`,
			wantType: ClientEventTypeSessionUpdate,
		},
		{
			name:     "audio append",
			payload:  `{"type":"input_audio_buffer.append","audio":"AAAA"}`,
			wantType: ClientEventTypeInputAudioBufferAppend,
		},
		{
			name:     "commit",
			payload:  `{"type":"input_audio_buffer.commit"}`,
			wantType: ClientEventTypeInputAudioBufferCommit,
		},
		{
			name:     "item create",
			payload:  `{"type":"conversation.item.create","item":{"type":"message","role":"user","content":[{"type":"input_text","text":"hi"}]}}`,
			wantType: ClientEventTypeConversationItemCreate,
		},
		{
			name:     "item retrieve",
			payload:  `{"type":"conversation.item.retrieve","item_id":"item_1"}`,
			wantType: ClientEventTypeConversationItemRetrieve,
		},
		{
			name:     "response cancel",
			payload:  `{"type":"response.cancel","response_id":"resp_1"}`,
			wantType: ClientEventTypeResponseCancel,
		},
		{
			name:     "transcription session update",
			payload:  `{"type":"transcription_session.update","session":{"input_audio_format":"pcm16"}}`,
			wantType: ClientEventTypeTranscriptionSessionUpdate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, err := ParseClientEvent([]byte(tt.payload))
			if err != nil {
				t.Fatalf("ParseClientEvent() error = %v", err)
			}
			if evt.ClientEventType() != tt.wantType {
				t.Errorf("ClientEventType() = %v, want %v", evt.ClientEventType(), tt.wantType)
			}
		})
	}
}

func TestParseClientEventRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr string
	}{
		{"invalid json", `{"type":`, "failed to parse"},
		{"missing type", `{"audio":"AAAA"}`, "missing type discriminator"},
		{"unknown type", `{"type":"session.destroy"}`, "unknown client event type"},
		{"append without audio", `{"type":"input_audio_buffer.append"}`, "missing audio"},
		{"truncate without item", `{"type":"conversation.item.truncate","content_index":0}`, "missing item_id"},
		{"retrieve without item", `{"type":"conversation.item.retrieve"}`, "missing item_id"},
		{"create without item type", `{"type":"conversation.item.create","item":{}}`, "missing item type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseClientEvent([]byte(tt.payload))
			if err == nil {
				t.Fatalf("ParseClientEvent() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestParseServerEventDispatch(t *testing.T) {
	payload := `{
		"event_id": "evt_abc",
		"type": "response.audio.delta",
		"response_id": "resp_1",
		"item_id": "item_1",
		"output_index": 0,
		"content_index": 0,
		"delta": "UklGRg=="
	}`

	evt, err := ParseServerEvent([]byte(payload))
	if err != nil {
		t.Fatalf("ParseServerEvent() error = %v", err)
	}

	delta, ok := evt.(*ResponseAudioDeltaEvent)
	if !ok {
		t.Fatalf("expected *ResponseAudioDeltaEvent, got %T", evt)
	}
	if delta.ResponseID != "resp_1" {
		t.Errorf("ResponseID = %q, want resp_1", delta.ResponseID)
	}
	if delta.Delta != "UklGRg==" {
		t.Errorf("Delta = %q, want UklGRg==", delta.Delta)
	}
	if delta.GetEventID() != "evt_abc" {
		t.Errorf("GetEventID() = %q, want evt_abc", delta.GetEventID())
	}
}

func TestParseServerEventUnknownTypeFallsBack(t *testing.T) {
	evt, err := ParseServerEvent([]byte(`{"event_id":"evt_x","type":"response.reasoning.delta"}`))
	if err != nil {
		t.Fatalf("ParseServerEvent() error = %v", err)
	}
	if _, ok := evt.(*BaseServerEvent); !ok {
		t.Fatalf("expected base event for unknown type, got %T", evt)
	}
	if evt.ServerEventType() != "response.reasoning.delta" {
		t.Errorf("ServerEventType() = %v", evt.ServerEventType())
	}
}

func TestParseServerEventRejectsMissingDiscriminator(t *testing.T) {
	if _, err := ParseServerEvent([]byte(`{"event_id":"evt_x"}`)); err == nil {
		t.Fatal("expected error for server event without type")
	}
	if _, err := ParseServerEvent([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid json")
	}
}

func TestParseServerEventRejectsEmptyAudioDelta(t *testing.T) {
	payload := `{"type":"response.audio.delta","response_id":"resp_1","item_id":"item_1"}`
	if _, err := ParseServerEvent([]byte(payload)); err == nil {
		t.Fatal("expected error for audio delta without delta field")
	}
}

func TestNewBaseServerEventGeneratesIDs(t *testing.T) {
	a := NewBaseServerEvent(ServerEventTypeSessionCreated)
	b := NewBaseServerEvent(ServerEventTypeSessionCreated)

	if a.EventID == "" || b.EventID == "" {
		t.Fatal("event IDs must be generated")
	}
	if a.EventID == b.EventID {
		t.Errorf("event IDs should be unique, both = %q", a.EventID)
	}
	if !strings.HasPrefix(a.EventID, "evt_") {
		t.Errorf("event ID %q missing evt_ prefix", a.EventID)
	}
}

func TestSessionUpdateSerializationDeterminism(t *testing.T) {
	cfg := SessionConfig{
		Modalities:        []Modality{ModalityText, ModalityAudio},
		Voice:             "alloy",
		InputAudioFormat:  AudioFormatPCM16,
		OutputAudioFormat: AudioFormatPCM16,
		TurnDetection:     &TurnDetection{Type: TurnDetectionTypeServerVAD},
	}

	first, err := json.Marshal(SessionUpdateEvent{
		BaseClientEvent: BaseClientEvent{Type: ClientEventTypeSessionUpdate},
		Session:         cfg,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	second, err := json.Marshal(SessionUpdateEvent{
		BaseClientEvent: BaseClientEvent{Type: ClientEventTypeSessionUpdate},
		Session:         cfg,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(first) != string(second) {
		t.Errorf("identical configs produced different frames:\n%s\n%s", first, second)
	}
}

func TestErrorDetailIsFatal(t *testing.T) {
	tests := []struct {
		errType ErrorType
		fatal   bool
	}{
		{ErrorTypeRateLimit, false},
		{ErrorTypeInvalidRequest, false},
		{ErrorTypeServer, true},
		{ErrorTypeAuthentication, true},
		{ErrorTypeSession, true},
	}
	for _, tt := range tests {
		d := ErrorDetail{Type: tt.errType}
		if got := d.IsFatal(); got != tt.fatal {
			t.Errorf("IsFatal(%s) = %v, want %v", tt.errType, got, tt.fatal)
		}
	}
}
