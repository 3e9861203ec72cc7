// localcall is a dev softphone: it places an AudioCodes-dialect call to a
// running voicebridge using the machine's microphone and speakers, so the
// bridge can be exercised end to end without a telephony account.
//
// Environment variables:
//   - BRIDGE_URL: bridge endpoint (default ws://localhost:8080/voice)
//   - CALLER: caller id sent in session.initiate (default "+15550100")
//   - BOT_NAME: bot name sent in session.initiate (default "assistant")
//   - DUMP_PLAYOUT_OUTPUT: "true" writes played audio to a WAV file
//
// Ctrl-C hangs up.
package main

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/voicebridge-ai/voicebridge/pkg/audio"
	"github.com/voicebridge-ai/voicebridge/pkg/audiocodes"
	"github.com/voicebridge-ai/voicebridge/pkg/connection"
)

const defaultBridgeURL = "ws://localhost:8080/voice"

// softphone is the client side of one AudioCodes-dialect call. All writes go
// through the out channel so the websocket has a single writer; the capture
// device thread drops frames rather than stall when the channel is full.
type softphone struct {
	conn   *websocket.Conn
	convID string

	out  chan []byte
	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	devices   *connection.LocalAudio
	resampler *audio.Resampler
	dumper    *audio.Dumper
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	godotenv.Load()

	url := getEnv("BRIDGE_URL", defaultBridgeURL)
	caller := getEnv("CALLER", "+15550100")
	botName := getEnv("BOT_NAME", "assistant")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		log.Fatalf("failed to dial bridge at %s: %v", url, err)
	}

	s := &softphone{
		conn:   conn,
		convID: uuid.New().String(),
		out:    make(chan []byte, 64),
		done:   make(chan struct{}),
	}

	if os.Getenv("DUMP_PLAYOUT_OUTPUT") == "true" {
		dumper, err := audio.NewDumper("playout_output", connection.PlaybackRate, 1)
		if err != nil {
			log.Printf("create audio dumper error: %v", err)
		} else {
			s.dumper = dumper
		}
	}

	go s.writeLoop()
	go s.readLoop()

	log.Printf("Calling %s as %s (conversation %s)", url, caller, s.convID)
	s.send(&audiocodes.Message{
		Type:                  audiocodes.TypeSessionInitiate,
		ConversationID:        s.convID,
		BotName:               botName,
		Caller:                caller,
		ExpectAudioMessages:   true,
		SupportedMediaFormats: []string{audiocodes.MediaFormatLPCM16},
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		log.Println("Hanging up...")
		s.send(&audiocodes.Message{Type: audiocodes.TypeUserStreamStop, ConversationID: s.convID})
		s.send(&audiocodes.Message{
			Type:           audiocodes.TypeSessionEnd,
			ConversationID: s.convID,
			ReasonCode:     "client-disconnected",
			Reason:         "caller hung up",
		})
		// Give the writer a beat to flush the goodbye frames.
		time.Sleep(200 * time.Millisecond)
	case <-s.done:
	}

	s.close()
	log.Println("Goodbye!")
}

func (s *softphone) writeLoop() {
	for {
		select {
		case frame := <-s.out:
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Printf("write error: %v", err)
				s.stop()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *softphone) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				log.Printf("connection closed: %v", err)
			}
			s.stop()
			return
		}
		msg, err := audiocodes.Parse(data)
		if err != nil {
			log.Printf("bad frame from bridge: %v", err)
			continue
		}
		s.handle(msg)
	}
}

func (s *softphone) handle(msg *audiocodes.Message) {
	switch msg.Type {
	case audiocodes.TypeSessionAccepted:
		log.Printf("Call accepted (format %s) - speak into the microphone", msg.MediaFormat)
		if msg.MediaFormat != audiocodes.MediaFormatLPCM16 {
			log.Printf("unexpected media format %s, hanging up", msg.MediaFormat)
			s.stop()
			return
		}
		if err := s.startDevices(audiocodes.FormatSampleRate(msg.MediaFormat)); err != nil {
			log.Printf("audio devices unavailable: %v", err)
			s.stop()
			return
		}
		s.send(&audiocodes.Message{Type: audiocodes.TypeUserStreamStart, ConversationID: s.convID})

	case audiocodes.TypePlayStreamStart:
		s.mu.Lock()
		if s.resampler != nil {
			s.resampler.Reset()
		}
		s.mu.Unlock()

	case audiocodes.TypePlayStreamChunk:
		pcm, err := base64.StdEncoding.DecodeString(msg.AudioChunk)
		if err != nil {
			log.Printf("bad audio chunk: %v", err)
			return
		}
		s.play(pcm)

	case audiocodes.TypePlayStreamStop:
		s.mu.Lock()
		if s.resampler != nil && s.devices != nil {
			if tail := s.resampler.Flush(); len(tail) > 0 {
				s.devices.Play(tail)
			}
		}
		s.mu.Unlock()

	case audiocodes.TypeUserStreamHypothesis:
		if len(msg.Alternatives) > 0 {
			log.Printf("you: %s", msg.Alternatives[0].Text)
		}

	case audiocodes.TypeUserStreamSpeechStarted:
		log.Println("(speech detected)")

	case audiocodes.TypeActivities:
		for _, act := range msg.Activities {
			if act.Text != "" {
				log.Printf("bot: %s", act.Text)
			}
		}

	case audiocodes.TypeSessionError:
		log.Printf("Bridge reported an error: %s", msg.Reason)
		s.stop()

	case audiocodes.TypeUserStreamStarted, audiocodes.TypeUserStreamStopped,
		audiocodes.TypeUserStreamCommitted, audiocodes.TypeUserStreamSpeechStopped:
		// Acks and VAD chatter, nothing for the console.

	default:
		log.Printf("unhandled frame type %q", msg.Type)
	}
}

// startDevices opens mic and speaker. The mic captures PCM16 at the lpcm16
// leg rate, so capture frames go on the wire as-is; playout resamples from
// the leg rate up to the device rate.
func (s *softphone) startDevices(legRate int) error {
	resampler, err := audio.NewResampler(legRate, connection.PlaybackRate)
	if err != nil {
		return err
	}
	devices, err := connection.NewLocalAudio(s.sendAudio)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.resampler = resampler
	s.devices = devices
	s.mu.Unlock()
	return nil
}

// sendAudio runs on the capture device thread and must not block.
func (s *softphone) sendAudio(pcm []byte) {
	frame, err := json.Marshal(&audiocodes.Message{
		Type:           audiocodes.TypeUserStreamChunk,
		ConversationID: s.convID,
		AudioChunk:     base64.StdEncoding.EncodeToString(pcm),
	})
	if err != nil {
		return
	}
	select {
	case s.out <- frame:
	default:
		// Writer is backed up; losing a mic frame beats stalling the device.
	}
}

func (s *softphone) play(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resampler == nil || s.devices == nil {
		return
	}
	out := s.resampler.Process(pcm)
	if len(out) == 0 {
		return
	}
	s.devices.Play(out)
	if s.dumper != nil {
		if err := s.dumper.Write(out); err != nil {
			log.Printf("dump audio data error: %v", err)
		}
	}
}

func (s *softphone) send(msg *audiocodes.Message) {
	frame, err := json.Marshal(msg)
	if err != nil {
		log.Printf("marshal frame: %v", err)
		return
	}
	select {
	case s.out <- frame:
	case <-s.done:
	}
}

func (s *softphone) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *softphone) close() {
	s.stop()
	_ = s.conn.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.devices != nil {
		_ = s.devices.Close()
		s.devices = nil
	}
	if s.dumper != nil {
		_ = s.dumper.Close()
		s.dumper = nil
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
