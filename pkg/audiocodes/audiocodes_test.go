package audiocodes

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseDispatch(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "session initiate",
			raw: `{"type":"session.initiate","conversationId":"conv-1","botName":"support",
				"caller":"+15551234567","expectAudioMessages":true,
				"supportedMediaFormats":["raw/lpcm16","raw/mulaw"]}`,
			want: TypeSessionInitiate,
		},
		{
			name: "session resume",
			raw:  `{"type":"session.resume","conversationId":"conv-1","botName":"support","caller":"+15551234567"}`,
			want: TypeSessionResume,
		},
		{
			name: "session end",
			raw:  `{"type":"session.end","conversationId":"conv-1","reasonCode":"client-disconnected","reason":"caller hung up"}`,
			want: TypeSessionEnd,
		},
		{
			name: "connection validate",
			raw:  `{"type":"connection.validate","conversationId":"conv-1"}`,
			want: TypeConnectionValidate,
		},
		{
			name: "user stream start",
			raw:  `{"type":"userStream.start","conversationId":"conv-1"}`,
			want: TypeUserStreamStart,
		},
		{
			name: "user stream chunk",
			raw:  `{"type":"userStream.chunk","conversationId":"conv-1","audioChunk":"AAAA"}`,
			want: TypeUserStreamChunk,
		},
		{
			name: "user stream stop",
			raw:  `{"type":"userStream.stop","conversationId":"conv-1"}`,
			want: TypeUserStreamStop,
		},
		{
			name: "activities",
			raw:  `{"type":"activities","conversationId":"conv-1","activities":[{"type":"event","name":"dtmf","value":"5"}]}`,
			want: TypeActivities,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if msg.Type != tt.want {
				t.Errorf("expected type %q, got %q", tt.want, msg.Type)
			}
			if msg.ConversationID != "conv-1" {
				t.Errorf("expected conversationId conv-1, got %q", msg.ConversationID)
			}
		})
	}
}

func TestParseInitiateFields(t *testing.T) {
	raw := `{"type":"session.initiate","conversationId":"conv-7","botName":"support",
		"caller":"+15551234567","expectAudioMessages":true,
		"supportedMediaFormats":["raw/lpcm16","raw/mulaw"]}`

	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if msg.BotName != "support" {
		t.Errorf("expected botName support, got %q", msg.BotName)
	}
	if msg.Caller != "+15551234567" {
		t.Errorf("expected caller +15551234567, got %q", msg.Caller)
	}
	if !msg.ExpectAudioMessages {
		t.Error("expected expectAudioMessages true")
	}
	if len(msg.SupportedMediaFormats) != 2 || msg.SupportedMediaFormats[0] != MediaFormatLPCM16 {
		t.Errorf("unexpected supportedMediaFormats: %v", msg.SupportedMediaFormats)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		errPart string
	}{
		{
			name:    "invalid json",
			raw:     `{not json`,
			errPart: "failed to parse",
		},
		{
			name:    "missing type",
			raw:     `{"conversationId":"conv-1"}`,
			errPart: "missing type",
		},
		{
			name:    "initiate without caller",
			raw:     `{"type":"session.initiate","conversationId":"conv-1","botName":"support","supportedMediaFormats":["raw/lpcm16"]}`,
			errPart: "missing caller",
		},
		{
			name:    "initiate without formats",
			raw:     `{"type":"session.initiate","conversationId":"conv-1","botName":"support","caller":"+15551234567"}`,
			errPart: "missing supportedMediaFormats",
		},
		{
			name:    "resume without botName",
			raw:     `{"type":"session.resume","conversationId":"conv-1"}`,
			errPart: "missing botName",
		},
		{
			name:    "chunk without audio",
			raw:     `{"type":"userStream.chunk","conversationId":"conv-1"}`,
			errPart: "missing audioChunk",
		},
		{
			name:    "chunk without conversationId",
			raw:     `{"type":"userStream.chunk","audioChunk":"AAAA"}`,
			errPart: "missing conversationId",
		},
		{
			name:    "end without conversationId",
			raw:     `{"type":"session.end","reasonCode":"client-disconnected"}`,
			errPart: "missing conversationId",
		},
		{
			name:    "empty activities",
			raw:     `{"type":"activities","conversationId":"conv-1","activities":[]}`,
			errPart: "no activities",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errPart) {
				t.Errorf("expected error containing %q, got %q", tt.errPart, err.Error())
			}
		})
	}
}

func TestParseUnknownTypePassesThrough(t *testing.T) {
	msg, err := Parse([]byte(`{"type":"session.future","conversationId":"conv-1"}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if msg.Type != "session.future" {
		t.Errorf("expected passthrough type, got %q", msg.Type)
	}
}

func TestActivityClassification(t *testing.T) {
	dtmf := NewDTMFActivity("5")
	if !dtmf.IsDTMF() {
		t.Error("expected dtmf activity to report IsDTMF")
	}
	if dtmf.IsHangup() {
		t.Error("dtmf activity must not report IsHangup")
	}
	if dtmf.Value != "5" {
		t.Errorf("expected digit 5, got %q", dtmf.Value)
	}

	hangup := NewHangupActivity()
	if !hangup.IsHangup() {
		t.Error("expected hangup activity to report IsHangup")
	}

	custom := Activity{Type: ActivityTypeMessage, Text: "hello"}
	if custom.IsDTMF() || custom.IsHangup() {
		t.Error("message activity must not classify as event")
	}
}

func TestOutboundConstructors(t *testing.T) {
	accepted := NewSessionAccepted("conv-1", MediaFormatLPCM16)
	if accepted.Type != TypeSessionAccepted || accepted.MediaFormat != MediaFormatLPCM16 {
		t.Errorf("unexpected accepted frame: %+v", accepted)
	}

	chunk := NewPlayStreamChunk("conv-1", "stream-1", "AAAA")
	data, err := json.Marshal(chunk)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded["type"] != TypePlayStreamChunk {
		t.Errorf("expected type %s, got %v", TypePlayStreamChunk, decoded["type"])
	}
	if decoded["streamId"] != "stream-1" {
		t.Errorf("expected streamId stream-1, got %v", decoded["streamId"])
	}
	if _, ok := decoded["botName"]; ok {
		t.Error("empty fields must be omitted from outbound frames")
	}

	validated := NewConnectionValidated("conv-1")
	if validated.Type != TypeConnectionValidated || validated.ConversationID != "conv-1" {
		t.Errorf("unexpected validated frame: %+v", validated)
	}

	stop := NewPlayStreamStop("conv-1", "stream-1")
	if stop.AudioChunk != "" {
		t.Error("playStream.stop must not carry audio")
	}
}

func TestNegotiateMediaFormat(t *testing.T) {
	tests := []struct {
		name      string
		supported []string
		want      string
	}{
		{
			name:      "prefers lpcm16 over mulaw",
			supported: []string{MediaFormatMuLaw8KHz, MediaFormatLPCM16},
			want:      MediaFormatLPCM16,
		},
		{
			name:      "falls back to mulaw",
			supported: []string{"raw/opus", MediaFormatMuLaw8KHz},
			want:      MediaFormatMuLaw8KHz,
		},
		{
			name:      "single lpcm16",
			supported: []string{MediaFormatLPCM16},
			want:      MediaFormatLPCM16,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NegotiateMediaFormat(tt.supported)
			if err != nil {
				t.Fatalf("NegotiateMediaFormat failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestNegotiateMediaFormatRejectsUnknown(t *testing.T) {
	_, err := NegotiateMediaFormat([]string{"raw/opus", "raw/amr"})
	if !errors.Is(err, ErrNoSupportedFormat) {
		t.Fatalf("expected ErrNoSupportedFormat, got %v", err)
	}

	_, err = NegotiateMediaFormat(nil)
	if !errors.Is(err, ErrNoSupportedFormat) {
		t.Fatalf("expected ErrNoSupportedFormat for empty list, got %v", err)
	}
}

func TestFormatSampleRate(t *testing.T) {
	if got := FormatSampleRate(MediaFormatLPCM16); got != 16000 {
		t.Errorf("lpcm16 rate: expected 16000, got %d", got)
	}
	if got := FormatSampleRate(MediaFormatMuLaw8KHz); got != 8000 {
		t.Errorf("mulaw rate: expected 8000, got %d", got)
	}
	if got := FormatSampleRate("raw/opus"); got != 0 {
		t.Errorf("unknown format rate: expected 0, got %d", got)
	}
}
