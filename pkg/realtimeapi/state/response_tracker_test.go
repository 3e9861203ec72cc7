package state

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/voicebridge-ai/voicebridge/pkg/realtimeapi/events"
)

func TestTracker_Begin(t *testing.T) {
	tracker := NewTracker()

	ctx, err := tracker.Begin(events.ContentTypeAudio)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if !strings.HasPrefix(ctx.ResponseID, "resp_") {
		t.Errorf("response ID %q missing resp_ prefix", ctx.ResponseID)
	}
	if !strings.HasPrefix(ctx.ItemID, "item_") {
		t.Errorf("item ID %q missing item_ prefix", ctx.ItemID)
	}
	if ctx.State != ResponseStateInProgress {
		t.Errorf("state = %v, want in_progress", ctx.State)
	}
	if ctx.ContentType != events.ContentTypeAudio {
		t.Errorf("content type = %v, want audio", ctx.ContentType)
	}
	if !tracker.HasActive() {
		t.Error("HasActive should be true after Begin")
	}
	if tracker.ActiveID() != ctx.ResponseID {
		t.Errorf("ActiveID = %q, want %q", tracker.ActiveID(), ctx.ResponseID)
	}

	if _, err := tracker.Begin(events.ContentTypeText); !errors.Is(err, ErrResponseAlreadyActive) {
		t.Errorf("second Begin error = %v, want ErrResponseAlreadyActive", err)
	}
}

func TestTracker_Accumulation(t *testing.T) {
	tracker := NewTracker()

	if err := tracker.AppendAudio([]byte{1, 2, 3}); !errors.Is(err, ErrNoActiveResponse) {
		t.Errorf("AppendAudio with no response = %v, want ErrNoActiveResponse", err)
	}
	if err := tracker.AppendText("x"); !errors.Is(err, ErrNoActiveResponse) {
		t.Errorf("AppendText with no response = %v, want ErrNoActiveResponse", err)
	}

	tracker.Begin(events.ContentTypeAudio)

	if err := tracker.AppendAudio([]byte{1, 2, 3}); err != nil {
		t.Fatalf("AppendAudio failed: %v", err)
	}
	if err := tracker.AppendAudio([]byte{4, 5, 6}); err != nil {
		t.Fatalf("AppendAudio failed: %v", err)
	}
	if err := tracker.AppendText("hello"); err != nil {
		t.Fatalf("AppendText failed: %v", err)
	}
	if err := tracker.AppendText(" world"); err != nil {
		t.Fatalf("AppendText failed: %v", err)
	}
	if err := tracker.AppendTranscript("hi"); err != nil {
		t.Fatalf("AppendTranscript failed: %v", err)
	}

	ctx, ok := tracker.Active()
	if !ok {
		t.Fatal("Active returned no response")
	}
	if !bytes.Equal(ctx.Audio, []byte{1, 2, 3, 4, 5, 6}) {
		t.Errorf("audio = %v, want accumulated 6 bytes", ctx.Audio)
	}
	if ctx.Text != "hello world" {
		t.Errorf("text = %q, want %q", ctx.Text, "hello world")
	}
	if ctx.Transcript != "hi" {
		t.Errorf("transcript = %q, want %q", ctx.Transcript, "hi")
	}
}

func TestTracker_SnapshotDoesNotAlias(t *testing.T) {
	tracker := NewTracker()
	tracker.Begin(events.ContentTypeAudio)
	tracker.AppendAudio([]byte{1, 2, 3})

	ctx, _ := tracker.Active()
	ctx.Audio[0] = 99

	again, _ := tracker.Active()
	if again.Audio[0] != 1 {
		t.Error("mutating a snapshot leaked into tracker state")
	}
}

func TestTracker_Finish(t *testing.T) {
	tracker := NewTracker()

	if _, err := tracker.Finish(events.ResponseStatusCompleted); !errors.Is(err, ErrNoActiveResponse) {
		t.Errorf("Finish with no response = %v, want ErrNoActiveResponse", err)
	}

	tracker.Begin(events.ContentTypeText)
	tracker.AppendText("done")

	ctx, err := tracker.Finish(events.ResponseStatusCompleted)
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if ctx.State != ResponseStateCompleted {
		t.Errorf("state = %v, want completed", ctx.State)
	}
	if ctx.Text != "done" {
		t.Errorf("final text = %q, want %q", ctx.Text, "done")
	}
	if tracker.HasActive() {
		t.Error("HasActive should be false after Finish")
	}

	if _, err := tracker.Finish(events.ResponseStatusCompleted); !errors.Is(err, ErrResponseFinished) {
		t.Errorf("second Finish = %v, want ErrResponseFinished", err)
	}

	// A finished turn does not block the next one.
	if _, err := tracker.Begin(events.ContentTypeAudio); err != nil {
		t.Fatalf("Begin after Finish failed: %v", err)
	}
}

func TestTracker_FinishStatuses(t *testing.T) {
	cases := []struct {
		status events.ResponseStatus
		want   ResponseState
	}{
		{events.ResponseStatusCompleted, ResponseStateCompleted},
		{events.ResponseStatusCancelled, ResponseStateCancelled},
		{events.ResponseStatusFailed, ResponseStateFailed},
	}
	for _, tc := range cases {
		tracker := NewTracker()
		tracker.Begin(events.ContentTypeAudio)
		ctx, err := tracker.Finish(tc.status)
		if err != nil {
			t.Fatalf("Finish(%s) failed: %v", tc.status, err)
		}
		if ctx.State != tc.want {
			t.Errorf("Finish(%s) state = %v, want %v", tc.status, ctx.State, tc.want)
		}
	}
}

func TestTracker_Reset(t *testing.T) {
	tracker := NewTracker()
	tracker.Begin(events.ContentTypeAudio)
	tracker.Reset()

	if tracker.HasActive() {
		t.Error("HasActive should be false after Reset")
	}
	if _, err := tracker.Begin(events.ContentTypeAudio); err != nil {
		t.Fatalf("Begin after Reset failed: %v", err)
	}
}

func TestResponseState_String(t *testing.T) {
	cases := []struct {
		state ResponseState
		want  string
	}{
		{ResponseStateIdle, "idle"},
		{ResponseStateInProgress, "in_progress"},
		{ResponseStateCompleted, "completed"},
		{ResponseStateFailed, "failed"},
		{ResponseStateCancelled, "cancelled"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("ResponseState(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}
