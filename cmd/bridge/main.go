// voicebridge daemon.
//
// Terminates AudioCodes VoiceAI Connect and Twilio Media Streams WebSocket
// sessions and bridges every call to an OpenAI-style realtime endpoint.
//
// Environment variables:
//   - OPENAI_API_KEY: realtime API key (required)
//   - OPENAI_REALTIME_URL: upstream endpoint (default wss://api.openai.com/v1/realtime)
//   - OPENAI_REALTIME_MODEL: upstream model (default gpt-4o-realtime-preview)
//   - BOT_VOICE: upstream voice (default "alloy")
//   - BOT_NAME: bot name passed to Twilio streams (default "assistant")
//   - SYSTEM_PROMPT: session instructions
//   - GREETING: spoken first when a call goes active ("" keeps the bot quiet)
//   - TRANSCRIPTION_MODEL: caller transcription model ("" disables, default whisper-1)
//   - AC_LISTEN_ADDR / AC_PATH: AudioCodes listener (default ":8080" "/voice")
//   - TWILIO_LISTEN_ADDR: Twilio listener (default ":8081")
//   - TWILIO_STREAM_URL: public wss:// URL placed in the TwiML document
//   - MAX_SESSIONS: per-listener call cap (default 100)
//   - VAD_ENABLED / VAD_MODEL_PATH: client-side silero VAD (needs a -tags vad build)
//   - TRACE_EXPORTER / OTEL_SERVICE_NAME / TRACE_SAMPLING_RATE: tracing
//
// Usage:
//  1. Set OPENAI_API_KEY (a .env file works).
//  2. Run: go run ./cmd/bridge
//  3. Point VoiceAI Connect at ws://your-server:8080/voice, or a Twilio
//     number's voice webhook at http://your-server:8081/twiml.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/voicebridge-ai/voicebridge/pkg/bridge"
	"github.com/voicebridge-ai/voicebridge/pkg/realtimeapi"
	"github.com/voicebridge-ai/voicebridge/pkg/server"
	"github.com/voicebridge-ai/voicebridge/pkg/trace"
	"github.com/voicebridge-ai/voicebridge/pkg/vad"
)

type config struct {
	// Upstream leg
	APIKey             string
	UpstreamURL        string
	Model              string
	Voice              string
	Instructions       string
	Greeting           string
	TranscriptionModel string

	// AudioCodes listener
	ACAddr string
	ACPath string

	// Twilio listener
	TwilioAddr      string
	TwilioStreamURL string
	BotName         string

	// Client-side VAD
	VADEnabled   bool
	VADModelPath string

	MaxSessions int
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	godotenv.Load()
	log.Println("=== voicebridge ===")

	cfg := loadConfig()
	validateConfig(cfg)

	if err := trace.Initialize(context.Background(), trace.DefaultConfig()); err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = trace.Shutdown(ctx)
	}()

	bridgeCfg := bridge.DefaultConfig()
	bridgeCfg.UpstreamURL = cfg.UpstreamURL
	bridgeCfg.APIKey = cfg.APIKey
	bridgeCfg.Model = cfg.Model
	bridgeCfg.Voice = cfg.Voice
	bridgeCfg.Instructions = cfg.Instructions
	bridgeCfg.Greeting = cfg.Greeting
	bridgeCfg.TranscriptionModel = cfg.TranscriptionModel
	if cfg.VADEnabled {
		modelPath := cfg.VADModelPath
		bridgeCfg.NewDetector = func(sampleRate int) (vad.SpeechDetector, error) {
			sc := vad.DefaultSileroConfig()
			sc.ModelPath = modelPath
			sc.SampleRate = sampleRate
			return vad.NewSileroEngine(sc)
		}
	}

	acCfg := server.DefaultAudioCodesServerConfig()
	acCfg.Addr = cfg.ACAddr
	acCfg.Path = cfg.ACPath
	acCfg.MaxSessions = cfg.MaxSessions
	acCfg.Bridge = bridgeCfg

	twCfg := server.DefaultTwilioServerConfig()
	twCfg.Addr = cfg.TwilioAddr
	twCfg.StreamURL = cfg.TwilioStreamURL
	twCfg.CustomParameters = map[string]string{"botName": cfg.BotName}
	twCfg.MaxSessions = cfg.MaxSessions
	twCfg.Bridge = bridgeCfg

	acServer := server.NewAudioCodesServer(acCfg)
	if err := acServer.Start(); err != nil {
		log.Fatalf("Failed to start AudioCodes server: %v", err)
	}
	twServer := server.NewTwilioServer(twCfg)
	if err := twServer.Start(); err != nil {
		_ = acServer.Stop()
		log.Fatalf("Failed to start Twilio server: %v", err)
	}

	log.Printf("AudioCodes endpoint: ws://<host>%s%s", cfg.ACAddr, cfg.ACPath)
	log.Printf("Twilio stream endpoint: ws://<host>%s/media, webhook http://<host>%s/twiml",
		cfg.TwilioAddr, cfg.TwilioAddr)
	if cfg.TwilioStreamURL == "" {
		log.Printf("TWILIO_STREAM_URL is unset; the TwiML document will carry an empty stream URL")
	}
	log.Printf("Upstream: %s (model %s)", cfg.UpstreamURL, cfg.Model)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
	if err := twServer.Stop(); err != nil {
		log.Printf("Twilio server stop: %v", err)
	}
	if err := acServer.Stop(); err != nil {
		log.Printf("AudioCodes server stop: %v", err)
	}
	log.Println("Goodbye!")
}

func loadConfig() *config {
	maxSessions := 100
	if v := os.Getenv("MAX_SESSIONS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			maxSessions = parsed
		}
	}
	return &config{
		APIKey:             os.Getenv("OPENAI_API_KEY"),
		UpstreamURL:        getEnv("OPENAI_REALTIME_URL", realtimeapi.DefaultRealtimeURL),
		Model:              getEnv("OPENAI_REALTIME_MODEL", realtimeapi.DefaultRealtimeModel),
		Voice:              getEnv("BOT_VOICE", "alloy"),
		Instructions: getEnv("SYSTEM_PROMPT", `You are a helpful AI phone assistant.

Guidelines:
- Be concise and natural - this is a phone call
- Keep responses short (1-2 sentences when possible)
- Be friendly and professional
- If you don't understand, ask for clarification`),
		Greeting:           getEnv("GREETING", "Greet the caller briefly and ask how you can help."),
		TranscriptionModel: getEnv("TRANSCRIPTION_MODEL", "whisper-1"),
		ACAddr:             getEnv("AC_LISTEN_ADDR", ":8080"),
		ACPath:             getEnv("AC_PATH", "/voice"),
		TwilioAddr:         getEnv("TWILIO_LISTEN_ADDR", ":8081"),
		TwilioStreamURL:    os.Getenv("TWILIO_STREAM_URL"),
		BotName:            getEnv("BOT_NAME", "assistant"),
		VADEnabled:         getEnv("VAD_ENABLED", "false") == "true",
		VADModelPath:       getEnv("VAD_MODEL_PATH", "models/silero_vad.onnx"),
		MaxSessions:        maxSessions,
	}
}

func validateConfig(cfg *config) {
	var missing []string
	if cfg.APIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if len(missing) > 0 {
		log.Fatalf("Missing required environment variables: %s", strings.Join(missing, ", "))
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
