// Package state holds the process-wide store read by the UI and the avatar:
// connection status, conversation log, pipeline stage and capture/playback
// flags. All mutation goes through named methods; registered listeners are
// notified after every mutation. The one deliberate exception is the
// LoudnessCell, which is written once per rendered audio frame and read every
// visual frame, so it bypasses the listener path entirely.
package state

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionStatus represents the transport connection state.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

// Stage represents the backend pipeline stage derived from the message stream.
type Stage string

const (
	StageIdle         Stage = "idle"
	StageListening    Stage = "listening"
	StageThinking     Stage = "thinking"
	StageSynthesizing Stage = "synthesizing"
	StagePlaying      Stage = "playing"
)

// Role represents the sender of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one finalized entry in the conversation log.
type Message struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	Translation string    `json:"translation,omitempty"`
	Emotion     string    `json:"emotion,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Character describes one selectable assistant persona.
type Character struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	Voice       string `json:"voice"`
	ModelSet    string `json:"model_set,omitempty"`
}

// LoudnessCell is a single continuously overwritten scalar in [0, 1] driving
// lip sync. It is written on the audio frame cadence and read on the visual
// frame cadence, so it must never wait on the store's listener notification.
type LoudnessCell struct {
	bits atomic.Uint64
}

// Set overwrites the current loudness value.
func (c *LoudnessCell) Set(v float64) {
	c.bits.Store(math.Float64bits(v))
}

// Load returns the most recently written loudness value.
func (c *LoudnessCell) Load() float64 {
	return math.Float64frombits(c.bits.Load())
}

// Zero forces the loudness to 0, used the moment playback stops.
func (c *LoudnessCell) Zero() {
	c.bits.Store(0)
}

// Store is the single shared state container. A zero-value Store is not
// usable; construct with New.
type Store struct {
	// Loudness sits outside the mutex and the listener path.
	Loudness LoudnessCell

	mu        sync.RWMutex
	listeners []func()

	status            ConnectionStatus
	token             string
	theme             string
	characters        []Character
	currentCharacter  string
	messages          []Message
	partialTranscript string
	stage             Stage
	thinking          bool
	recording         bool
	playing           bool
	turnEnded         bool
	captureVolume     float64
	lastError         string
}

// New creates a store with default values.
func New() *Store {
	return &Store{
		status: StatusDisconnected,
		stage:  StageIdle,
		theme:  "light",
	}
}

// Subscribe registers a listener invoked after every named mutation.
func (s *Store) Subscribe(fn func()) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Store) notify() {
	s.mu.RLock()
	listeners := make([]func(), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}

// SetStatus updates the connection status.
func (s *Store) SetStatus(status ConnectionStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	s.notify()
}

// Status returns the current connection status.
func (s *Store) Status() ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetToken stores the auth token.
func (s *Store) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	s.notify()
}

// Token returns the auth token.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// SetTheme stores the UI theme preference.
func (s *Store) SetTheme(theme string) {
	s.mu.Lock()
	s.theme = theme
	s.mu.Unlock()
	s.notify()
}

// Theme returns the UI theme preference.
func (s *Store) Theme() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.theme
}

// SetCharacters replaces the available character list.
func (s *Store) SetCharacters(chars []Character) {
	s.mu.Lock()
	s.characters = chars
	s.mu.Unlock()
	s.notify()
}

// Characters returns the available character list.
func (s *Store) Characters() []Character {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Character, len(s.characters))
	copy(out, s.characters)
	return out
}

// SetCurrentCharacter records the active character.
func (s *Store) SetCurrentCharacter(name string) {
	s.mu.Lock()
	s.currentCharacter = name
	s.mu.Unlock()
	s.notify()
}

// CurrentCharacter returns the active character name.
func (s *Store) CurrentCharacter() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentCharacter
}

// AppendMessage adds a finalized message to the conversation log.
func (s *Store) AppendMessage(msg Message) {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	s.notify()
}

// Messages returns a copy of the conversation log.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// ClearMessages empties the conversation log and the partial transcript,
// used when the character switches or history is cleared.
func (s *Store) ClearMessages() {
	s.mu.Lock()
	s.messages = nil
	s.partialTranscript = ""
	s.turnEnded = false
	s.mu.Unlock()
	s.notify()
}

// SetPartialTranscript updates the in-flight transcription shown separately
// from finalized messages. It stays mutable until finalized.
func (s *Store) SetPartialTranscript(text string) {
	s.mu.Lock()
	s.partialTranscript = text
	s.mu.Unlock()
	s.notify()
}

// PartialTranscript returns the in-flight transcription.
func (s *Store) PartialTranscript() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.partialTranscript
}

// FinalizeTranscript promotes the partial transcript into a finalized user
// message and clears the partial slot. It is a no-op when there is no
// partial text.
func (s *Store) FinalizeTranscript(id string, at time.Time) {
	s.mu.Lock()
	text := s.partialTranscript
	if text == "" {
		s.mu.Unlock()
		return
	}
	s.partialTranscript = ""
	s.messages = append(s.messages, Message{
		ID:        id,
		Role:      RoleUser,
		Content:   text,
		Timestamp: at,
	})
	s.mu.Unlock()
	s.notify()
}

// SetStage updates the pipeline stage.
func (s *Store) SetStage(stage Stage) {
	s.mu.Lock()
	s.stage = stage
	s.mu.Unlock()
	s.notify()
}

// Stage returns the pipeline stage.
func (s *Store) Stage() Stage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stage
}

// SetThinking flips the thinking indicator.
func (s *Store) SetThinking(v bool) {
	s.mu.Lock()
	s.thinking = v
	s.mu.Unlock()
	s.notify()
}

// Thinking reports whether the assistant is generating a reply.
func (s *Store) Thinking() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thinking
}

// SetRecording flips the microphone-active indicator.
func (s *Store) SetRecording(v bool) {
	s.mu.Lock()
	s.recording = v
	s.mu.Unlock()
	s.notify()
}

// Recording reports whether capture is active.
func (s *Store) Recording() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recording
}

// SetPlaying flips the playback-active indicator.
func (s *Store) SetPlaying(v bool) {
	s.mu.Lock()
	s.playing = v
	s.mu.Unlock()
	s.notify()
}

// Playing reports whether synthesized speech is being played.
func (s *Store) Playing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playing
}

// SetTurnEnded records whether the server has closed the current turn.
func (s *Store) SetTurnEnded(v bool) {
	s.mu.Lock()
	s.turnEnded = v
	s.mu.Unlock()
	s.notify()
}

// TurnEnded reports whether the server has closed the current turn.
func (s *Store) TurnEnded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.turnEnded
}

// SetCaptureVolume records the live microphone level for UI feedback.
func (s *Store) SetCaptureVolume(v float64) {
	s.mu.Lock()
	s.captureVolume = v
	s.mu.Unlock()
	s.notify()
}

// CaptureVolume returns the live microphone level.
func (s *Store) CaptureVolume() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.captureVolume
}

// SetLastError records a short-lived user-visible failure message.
func (s *Store) SetLastError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
	s.notify()
}

// LastError returns the most recent user-visible failure message.
func (s *Store) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// ClearError dismisses the user-visible failure message.
func (s *Store) ClearError() {
	s.SetLastError("")
}

// Reset restores defaults, keeping registered listeners. The loudness cell
// is zeroed explicitly since it is not part of the reactive state.
func (s *Store) Reset() {
	s.mu.Lock()
	s.status = StatusDisconnected
	s.token = ""
	s.theme = "light"
	s.characters = nil
	s.currentCharacter = ""
	s.messages = nil
	s.partialTranscript = ""
	s.stage = StageIdle
	s.thinking = false
	s.recording = false
	s.playing = false
	s.turnEnded = false
	s.captureVolume = 0
	s.lastError = ""
	s.mu.Unlock()
	s.Loudness.Zero()
	s.notify()
}
