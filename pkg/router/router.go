// Package router is the single dispatch point for every inbound frame, from
// the telephony platforms and from the upstream realtime API. Frames are
// classified by source and by their dialect's type discriminator and fanned
// out to registered handlers in registration order. A failing or panicking
// handler never aborts its siblings.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
)

// Source identifies where a frame came from, which fixes the discriminator
// field used to classify it.
type Source int

const (
	// SourceAudioCodes - VoiceAI Connect frames, keyed by "type".
	SourceAudioCodes Source = iota
	// SourceTwilio - Media Streams frames, keyed by "event".
	SourceTwilio
	// SourceUpstream - realtime API server events, keyed by "type".
	SourceUpstream
)

func (s Source) String() string {
	switch s {
	case SourceAudioCodes:
		return "audiocodes"
	case SourceTwilio:
		return "twilio"
	case SourceUpstream:
		return "upstream"
	default:
		return "unknown"
	}
}

// ErrNoDiscriminator reports a frame the router cannot classify. Such frames
// are logged and dropped without reaching any handler.
var ErrNoDiscriminator = errors.New("frame missing discriminator")

// Handler consumes one raw frame. Handlers run sequentially per connection to
// preserve frame order.
type Handler func(ctx context.Context, frame []byte) error

// Config tunes router behavior.
type Config struct {
	// LogOnlyTypes are upstream event types that get a structured log line
	// whenever they pass through, whether or not a handler is registered:
	// errors, rate-limit updates, and lifecycle done markers.
	LogOnlyTypes map[string]bool
}

// DefaultConfig returns the standard log-only set.
func DefaultConfig() Config {
	return Config{
		LogOnlyTypes: map[string]bool{
			"error":                          true,
			"rate_limits.updated":            true,
			"response.done":                  true,
			"response.output_item.done":      true,
			"response.content_part.done":     true,
			"response.audio.done":            true,
			"response.audio_transcript.done": true,
			"response.text.done":             true,
		},
	}
}

type routeKey struct {
	source Source
	event  string
}

// Router fans frames out to handlers. Registration and dispatch are safe for
// concurrent use.
type Router struct {
	cfg Config

	mu       sync.RWMutex
	handlers map[routeKey][]Handler
}

// NewRouter creates a router with the given config.
func NewRouter(cfg Config) *Router {
	if cfg.LogOnlyTypes == nil {
		cfg.LogOnlyTypes = DefaultConfig().LogOnlyTypes
	}
	return &Router{
		cfg:      cfg,
		handlers: make(map[routeKey][]Handler),
	}
}

// Register adds a handler for one source/event pair. Multiple handlers per
// pair are invoked in registration order.
func (r *Router) Register(source Source, eventType string, h Handler) {
	if h == nil {
		return
	}
	key := routeKey{source, eventType}
	r.mu.Lock()
	r.handlers[key] = append(r.handlers[key], h)
	r.mu.Unlock()
}

// Dispatch classifies one frame and invokes its handlers sequentially. A
// handler error or panic is logged and does not stop sibling handlers; all
// failures are joined into the returned error. Frames without a usable
// discriminator return ErrNoDiscriminator. Frames with no registered handler
// are a silent pass-through.
func (r *Router) Dispatch(ctx context.Context, source Source, frame []byte) error {
	event, err := discriminator(source, frame)
	if err != nil {
		log.Printf("[Router] dropping unclassifiable %s frame: %v", source, err)
		return err
	}

	if source == SourceUpstream && r.cfg.LogOnlyTypes[event] {
		if event == "error" {
			log.Printf("[Router] upstream error event: %s", frame)
		} else {
			log.Printf("[Router] upstream %s (%d bytes)", event, len(frame))
		}
	}

	r.mu.RLock()
	handlers := r.handlers[routeKey{source, event}]
	r.mu.RUnlock()
	if len(handlers) == 0 {
		return nil
	}

	var errs []error
	for i, h := range handlers {
		if err := invoke(ctx, h, frame); err != nil {
			log.Printf("[Router] %s/%s handler %d failed: %v", source, event, i, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// invoke runs one handler, converting a panic into an error so one bad
// handler cannot take down the connection's read loop.
func invoke(ctx context.Context, h Handler, frame []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, frame)
}

// discriminator extracts the classification key for a frame of the given
// source: "type" for AudioCodes and upstream events, "event" for Twilio.
func discriminator(source Source, frame []byte) (string, error) {
	var probe struct {
		Type  string `json:"type"`
		Event string `json:"event"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoDiscriminator, err)
	}

	var key string
	if source == SourceTwilio {
		key = probe.Event
	} else {
		key = probe.Type
	}
	if key == "" {
		return "", ErrNoDiscriminator
	}
	return key, nil
}
