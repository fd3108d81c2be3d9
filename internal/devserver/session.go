package devserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/candra/internal/audio"
	"github.com/satriahrh/candra/internal/auth"
	"github.com/satriahrh/candra/internal/protocol"
)

const (
	// synthesisRate is the sample rate of the synthesized speech stream.
	synthesisRate = 24000

	// synthesisChunk is the duration of one streamed audio chunk.
	synthesisChunk = 200 * time.Millisecond
)

// Session handles one client connection end to end.
type Session struct {
	logger     *zap.Logger
	conn       *websocket.Conn
	issuer     *auth.Issuer
	replier    Replier
	recognizer Recognizer

	writeMu sync.Mutex

	authed    bool
	character string

	// streamBuf accumulates chunks of an open inbound audio stream.
	streamBuf  []byte
	streamRate int
}

// NewSession wraps an upgraded connection.
func NewSession(conn *websocket.Conn, issuer *auth.Issuer, replier Replier, recognizer Recognizer, logger *zap.Logger) *Session {
	return &Session{
		logger:     logger,
		conn:       conn,
		issuer:     issuer,
		replier:    replier,
		recognizer: recognizer,
	}
}

// Run reads and handles messages until the connection closes.
func (s *Session) Run() {
	defer s.conn.Close()
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("Connection error", zap.Error(err))
			}
			return
		}
		s.handleMessage(raw)
	}
}

func (s *Session) write(msg interface{}) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.conn.WriteJSON(msg); err != nil {
		s.logger.Warn("Failed to write message", zap.Error(err))
	}
}

func (s *Session) writeEvent(t protocol.MessageType) {
	s.write(map[string]interface{}{
		"type":      t,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Session) writeError(code, message string) {
	s.write(map[string]interface{}{
		"type":       protocol.MessageTypeError,
		"error_code": code,
		"message":    message,
	})
}

func (s *Session) handleMessage(raw []byte) {
	var base protocol.BaseMessage
	if err := json.Unmarshal(raw, &base); err != nil {
		s.logger.Warn("Ignoring malformed message", zap.Error(err))
		return
	}

	if !s.authed && base.Type != protocol.MessageTypeConnect {
		s.writeError("not_authenticated", "Send connect first")
		return
	}

	switch base.Type {
	case protocol.MessageTypeConnect:
		var msg protocol.ConnectMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.writeError("invalid_request", "Malformed connect message")
			return
		}
		claims, err := s.issuer.ValidateToken(msg.Token)
		if err != nil {
			s.writeError("invalid_token", "Invalid or expired token")
			return
		}
		s.authed = true
		s.character = msg.Character
		if s.character == "" {
			s.character = Catalog[0].Name
		}
		s.logger.Info("Session connected",
			zap.String("user", claims.UserID),
			zap.String("character", s.character))
		s.write(map[string]interface{}{
			"type":      protocol.MessageTypeConnected,
			"character": s.character,
		})

	case protocol.MessageTypeText:
		var msg protocol.TextMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.writeError("invalid_request", "Malformed text message")
			return
		}
		s.runTurn(msg.Content)

	case protocol.MessageTypeAudio:
		var msg protocol.AudioMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.writeError("invalid_request", "Malformed audio message")
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.AudioData)
		if err != nil {
			s.writeError("invalid_audio", "Audio payload is not valid base64")
			return
		}
		s.recognizeAndReply(pcm, msg.SampleRate)

	case protocol.MessageTypeAudioStreamStart, protocol.MessageTypeCallStart:
		var msg protocol.AudioStreamMessage
		_ = json.Unmarshal(raw, &msg)
		s.streamBuf = nil
		s.streamRate = msg.SampleRate
		if base.Type == protocol.MessageTypeCallStart {
			s.writeEvent(protocol.MessageTypeListeningReady)
		} else {
			s.writeEvent(protocol.MessageTypeStreamStarted)
		}

	case protocol.MessageTypeAudioStreamChunk, protocol.MessageTypeCallChunk:
		var msg protocol.AudioStreamMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.AudioData)
		if err != nil {
			s.logger.Warn("Dropping undecodable stream chunk", zap.Error(err))
			return
		}
		s.streamBuf = append(s.streamBuf, pcm...)

	case protocol.MessageTypeAudioStreamEnd, protocol.MessageTypeCallStop:
		pcm := s.streamBuf
		rate := s.streamRate
		s.streamBuf = nil
		s.recognizeAndReply(pcm, rate)

	case protocol.MessageTypeSwitchCharacter:
		var msg protocol.SwitchCharacterMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.writeError("invalid_request", "Malformed switch message")
			return
		}
		if FindCharacter(msg.Character) == nil {
			s.writeError("unknown_character", "No such character")
			return
		}
		s.character = msg.Character
		s.write(map[string]interface{}{
			"type":      protocol.MessageTypeCharacterSwitched,
			"character": s.character,
		})

	case protocol.MessageTypeClearHistory:
		s.writeEvent(protocol.MessageTypeHistoryCleared)

	case protocol.MessageTypePing:
		s.writeEvent(protocol.MessageTypePong)

	default:
		s.logger.Warn("Unknown message type", zap.String("type", string(base.Type)))
	}
}

// recognizeAndReply transcribes one utterance and runs the reply turn on it.
func (s *Session) recognizeAndReply(pcm []byte, sampleRate int) {
	s.writeEvent(protocol.MessageTypeRecognitionStart)
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	transcript, err := s.recognizer.Recognize(ctx, pcm, sampleRate)
	if err != nil {
		s.logger.Warn("Recognition failed", zap.Error(err))
		s.writeError("recognition_failed", "Could not understand the audio")
		return
	}

	s.write(map[string]interface{}{
		"type":  protocol.MessageTypeTranscript,
		"text":  transcript,
		"final": true,
	})
	s.writeEvent(protocol.MessageTypeRecognitionEnd)
	s.runTurn(transcript)
}

// runTurn produces one full assistant turn: thinking, reply text, synthesized
// audio stream, then the turn-end marker.
func (s *Session) runTurn(text string) {
	s.writeEvent(protocol.MessageTypeThinking)
	s.writeEvent(protocol.MessageTypeGenerationStart)
	started := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	content, emotion, err := s.replier.Reply(ctx, s.character, text)
	if err != nil {
		s.logger.Error("Reply generation failed", zap.Error(err))
		s.writeError("generation_failed", "Could not generate a reply")
		return
	}

	s.write(map[string]interface{}{
		"type":       protocol.MessageTypeGenerationEnd,
		"elapsed_ms": time.Since(started).Milliseconds(),
	})
	s.write(map[string]interface{}{
		"type":       protocol.MessageTypeReply,
		"message_id": uuid.NewString(),
		"content":    content,
		"emotion":    emotion,
	})

	s.writeEvent(protocol.MessageTypeSynthesisStart)
	for _, chunk := range synthesize(content) {
		s.write(map[string]interface{}{
			"type":        protocol.MessageTypeAudioChunk,
			"audio_data":  chunk,
			"sample_rate": synthesisRate,
		})
	}
	s.writeEvent(protocol.MessageTypeAudioEnd)
	s.writeEvent(protocol.MessageTypeTurnEnd)
}

// synthesize produces placeholder speech: an amplitude-modulated tone whose
// length tracks the reply text, split into encoded chunks the way a real
// synthesis backend streams them.
func synthesize(text string) []string {
	duration := time.Duration(len(text)) * 50 * time.Millisecond
	if duration < 500*time.Millisecond {
		duration = 500 * time.Millisecond
	}
	if duration > 4*time.Second {
		duration = 4 * time.Second
	}

	total := int(duration.Seconds() * synthesisRate)
	samples := make([]int16, total)
	for i := range samples {
		t := float64(i) / synthesisRate
		// 220Hz carrier with a 4Hz envelope, vaguely speech-shaped.
		envelope := 0.5 + 0.5*math.Sin(2*math.Pi*4*t)
		samples[i] = int16(0.3 * envelope * 0x7FFF * math.Sin(2*math.Pi*220*t))
	}

	perChunk := int(synthesisChunk.Seconds() * synthesisRate)
	var chunks []string
	for off := 0; off < total; off += perChunk {
		end := off + perChunk
		if end > total {
			end = total
		}
		chunks = append(chunks, audio.EncodeChunk(samples[off:end]))
	}
	return chunks
}
