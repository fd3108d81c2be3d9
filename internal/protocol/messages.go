// Package protocol owns the persistent backend connection: the typed message
// contract in both directions, the reconnect policy, the heartbeat, and the
// pipeline stage derived from the inbound message stream.
package protocol

import (
	"time"
)

// MessageType defines the type of a transport message.
type MessageType string

// Outbound message types.
const (
	MessageTypeConnect          MessageType = "connect"
	MessageTypeText             MessageType = "text"
	MessageTypeAudio            MessageType = "audio"
	MessageTypeAudioStreamStart MessageType = "audio_stream_start"
	MessageTypeAudioStreamChunk MessageType = "audio_stream_chunk"
	MessageTypeAudioStreamEnd   MessageType = "audio_stream_end"
	MessageTypeCallStart        MessageType = "call_start"
	MessageTypeCallChunk        MessageType = "call_chunk"
	MessageTypeCallStop         MessageType = "call_stop"
	MessageTypeSwitchCharacter  MessageType = "switch_character"
	MessageTypeClearHistory     MessageType = "clear_history"
	MessageTypePing             MessageType = "ping"
)

// Inbound message types.
const (
	MessageTypeConnected         MessageType = "connected"
	MessageTypeDisconnected      MessageType = "disconnected"
	MessageTypeThinking          MessageType = "thinking"
	MessageTypeRecognitionStart  MessageType = "recognition_start"
	MessageTypeRecognitionEnd    MessageType = "recognition_end"
	MessageTypeGenerationStart   MessageType = "generation_start"
	MessageTypeGenerationEnd     MessageType = "generation_end"
	MessageTypeSynthesisStart    MessageType = "synthesis_start"
	MessageTypeTranscript        MessageType = "transcript"
	MessageTypeAudioChunk        MessageType = "audio_chunk"
	MessageTypeAudioEnd          MessageType = "audio_end"
	MessageTypeTurnEnd           MessageType = "turn_end"
	MessageTypeReply             MessageType = "reply"
	MessageTypeStreamStarted     MessageType = "stream_started"
	MessageTypeListeningReady    MessageType = "listening_ready"
	MessageTypeCharacterSwitched MessageType = "character_switched"
	MessageTypeHistoryCleared    MessageType = "history_cleared"
	MessageTypePong              MessageType = "pong"
	MessageTypeError             MessageType = "error"
)

// BaseMessage defines the common structure for all transport messages.
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp,omitempty"`
	MessageID string      `json:"message_id,omitempty"`
}

func newBase(t MessageType, id string) BaseMessage {
	return BaseMessage{
		Type:      t,
		Timestamp: time.Now().Format(time.RFC3339),
		MessageID: id,
	}
}

// ConnectMessage is the handshake sent right after the transport opens.
type ConnectMessage struct {
	BaseMessage
	Token     string `json:"token"`
	Character string `json:"character,omitempty"`
}

// TextMessage carries one user text utterance.
type TextMessage struct {
	BaseMessage
	Content string `json:"content"`
}

// AudioMessage carries one complete base64-encoded utterance.
type AudioMessage struct {
	BaseMessage
	AudioData  string `json:"audio_data"`
	SampleRate int    `json:"sample_rate"`
}

// AudioStreamMessage starts, continues or ends a raw audio stream. Chunks
// carry base64 PCM; start and end carry only the stream parameters.
type AudioStreamMessage struct {
	BaseMessage
	AudioData  string `json:"audio_data,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// SwitchCharacterMessage requests a different active character.
type SwitchCharacterMessage struct {
	BaseMessage
	Character string `json:"character"`
}

// ConnectedMessage confirms the session and names the active character.
type ConnectedMessage struct {
	BaseMessage
	Character string `json:"character,omitempty"`
}

// DisconnectedMessage announces a server-side session end.
type DisconnectedMessage struct {
	BaseMessage
	Reason string `json:"reason,omitempty"`
}

// TranscriptMessage carries a speech-recognition result. Partial transcripts
// stay mutable until a final one (or recognition end) arrives.
type TranscriptMessage struct {
	BaseMessage
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// GenerationEndMessage reports the reply-generation duration.
type GenerationEndMessage struct {
	BaseMessage
	ElapsedMs int64 `json:"elapsed_ms,omitempty"`
}

// AudioChunkMessage delivers one base64 PCM chunk of synthesized speech at
// its declared sample rate.
type AudioChunkMessage struct {
	BaseMessage
	AudioData  string `json:"audio_data"`
	SampleRate int    `json:"sample_rate"`
}

// ReplyMessage delivers one assistant reply segment. A turn may contain
// several, delivered sentence by sentence.
type ReplyMessage struct {
	BaseMessage
	Content     string `json:"content"`
	Translation string `json:"translation,omitempty"`
	Emotion     string `json:"emotion,omitempty"`
}

// ErrorMessage carries a recoverable server-side failure.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"error_code,omitempty"`
	Message string `json:"message"`
}
