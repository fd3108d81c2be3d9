package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/candra/internal/state"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// defaultHeartbeatInterval is the application-level ping period. The
	// server may answer with a pong or silently drop it; both are fine.
	defaultHeartbeatInterval = 30 * time.Second

	// defaultReconnectDelay is the single-shot reconnect delay after an
	// unexpected drop.
	defaultReconnectDelay = 3 * time.Second
)

var (
	// ErrMissingCredential is returned by Connect when no auth token is set.
	ErrMissingCredential = errors.New("auth token is required")

	// ErrNotConnected is returned by outbound sends when the transport is
	// not open. Sends log it rather than surfacing it; callers are expected
	// to gate on connection status.
	ErrNotConnected = errors.New("not connected")
)

// Player is the playback scheduler surface the protocol drives.
type Player interface {
	EnqueueChunk(encoded string, sampleRate int)
	StreamEnded()
	TurnBoundary()
	Stop()
	Playing() bool
}

// Config configures a Client.
type Config struct {
	URL               string
	Logger            *zap.Logger
	Store             *state.Store
	Player            Player
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
}

// Client owns the single transport connection. At most one live connection
// exists at a time; Connect while open is a no-op.
type Client struct {
	logger            *zap.Logger
	store             *state.Store
	player            Player
	url               string
	heartbeatInterval time.Duration
	reconnectDelay    time.Duration

	mu             sync.Mutex
	conn           *websocket.Conn
	connecting     bool
	character      string
	userClosed     bool
	reconnectTimer *time.Timer
	heartbeatDone  chan struct{}
	inTurn         bool
	turnEnded      bool
	generationAt   time.Time

	writeMu sync.Mutex
}

// NewClient creates a protocol client.
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	return &Client{
		logger:            cfg.Logger,
		store:             cfg.Store,
		player:            cfg.Player,
		url:               cfg.URL,
		heartbeatInterval: cfg.HeartbeatInterval,
		reconnectDelay:    cfg.ReconnectDelay,
	}
}

// Connect opens the transport and sends the handshake for the given
// character. It is a no-op when a connection is already open, and fails with
// ErrMissingCredential before opening the transport when no token is set.
func (c *Client) Connect(character string) error {
	// The connecting flag holds the single-transport claim across the dial,
	// which must happen outside the lock.
	c.mu.Lock()
	if c.conn != nil || c.connecting {
		c.mu.Unlock()
		c.logger.Debug("Connect ignored, transport already open or opening")
		return nil
	}
	c.connecting = true
	c.mu.Unlock()

	token := c.store.Token()
	if token == "" {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		c.store.SetLastError("Sign in before connecting")
		return ErrMissingCredential
	}

	c.store.SetStatus(state.StatusConnecting)
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		c.logger.Error("Transport dial failed", zap.String("url", c.url), zap.Error(err))
		c.store.SetStatus(state.StatusError)
		c.store.SetLastError("Could not reach the server")
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	heartbeatDone := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.connecting = false
	c.character = character
	c.userClosed = false
	c.heartbeatDone = heartbeatDone
	c.mu.Unlock()

	if err := c.send(&ConnectMessage{
		BaseMessage: newBase(MessageTypeConnect, uuid.NewString()),
		Token:       token,
		Character:   character,
	}); err != nil {
		c.logger.Error("Handshake send failed", zap.Error(err))
	}

	go c.heartbeat(heartbeatDone)
	go c.readPump(conn)
	return nil
}

// Disconnect closes the transport on user request. No reconnect is scheduled.
// Safe to call when already disconnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.userClosed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = conn.Close()
	} else {
		c.store.SetStatus(state.StatusDisconnected)
	}
}

// readPump processes inbound messages strictly in arrival order on a single
// goroutine; there is no concurrent handling of two inbound messages.
func (c *Client) readPump(conn *websocket.Conn) {
	defer c.handleTransportClose(conn)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("Transport error", zap.Error(err))
			}
			return
		}
		c.handleMessage(raw)
	}
}

// handleTransportClose tears down connection state and schedules exactly one
// reconnect when the drop was unexpected while Connected.
func (c *Client) handleTransportClose(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		// Already replaced by a newer connection.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.heartbeatDone != nil {
		close(c.heartbeatDone)
		c.heartbeatDone = nil
	}
	userClosed := c.userClosed
	character := c.character
	c.inTurn = false
	c.turnEnded = false
	c.mu.Unlock()

	_ = conn.Close()

	prior := c.store.Status()
	if c.player != nil {
		c.player.Stop()
	}
	c.store.SetPlaying(false)
	c.store.SetThinking(false)
	c.store.SetStage(state.StageIdle)
	c.store.SetStatus(state.StatusDisconnected)

	if prior == state.StatusConnected && !userClosed {
		c.logger.Info("Unexpected drop, scheduling reconnect",
			zap.Duration("delay", c.reconnectDelay),
			zap.String("character", character))
		c.mu.Lock()
		c.reconnectTimer = time.AfterFunc(c.reconnectDelay, func() {
			c.mu.Lock()
			c.reconnectTimer = nil
			c.mu.Unlock()
			if err := c.Connect(character); err != nil {
				c.logger.Error("Reconnect attempt failed", zap.Error(err))
			}
		})
		c.mu.Unlock()
	}
}

// heartbeat sends an application-level ping on a fixed interval.
func (c *Client) heartbeat(done chan struct{}) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.send(&BaseMessage{Type: MessageTypePing, Timestamp: time.Now().Format(time.RFC3339)}); err != nil {
				c.logger.Debug("Heartbeat send failed", zap.Error(err))
			}
		}
	}
}

// send writes one typed message. It logs and reports ErrNotConnected when
// the transport is not open; it never surfaces that to the user.
func (c *Client) send(msg interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.logger.Debug("Dropping outbound message, transport not open")
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		c.logger.Warn("Failed to write message", zap.Error(err))
		return err
	}
	return nil
}

// handleMessage dispatches one inbound message by kind. Unrecognized or
// malformed messages are logged and ignored; the connection stays up.
func (c *Client) handleMessage(raw []byte) {
	var base BaseMessage
	if err := json.Unmarshal(raw, &base); err != nil {
		c.logger.Warn("Ignoring malformed message", zap.Error(err))
		return
	}

	switch base.Type {
	case MessageTypeConnected:
		var msg ConnectedMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("Ignoring malformed connected message", zap.Error(err))
			return
		}
		c.store.SetStatus(state.StatusConnected)
		if msg.Character != "" {
			c.store.SetCurrentCharacter(msg.Character)
		}
		c.store.ClearError()
		c.logger.Info("Session confirmed", zap.String("character", msg.Character))

	case MessageTypeDisconnected:
		var msg DisconnectedMessage
		_ = json.Unmarshal(raw, &msg)
		c.store.SetStatus(state.StatusDisconnected)
		if msg.Reason != "" {
			c.store.SetLastError(msg.Reason)
		}

	case MessageTypeThinking:
		c.beginTurn()
		c.store.SetThinking(true)
		c.store.SetStage(state.StageThinking)

	case MessageTypeRecognitionStart:
		c.beginTurn()
		c.store.SetStage(state.StageListening)

	case MessageTypeRecognitionEnd:
		c.store.FinalizeTranscript(uuid.NewString(), time.Now())

	case MessageTypeTranscript:
		var msg TranscriptMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("Ignoring malformed transcript", zap.Error(err))
			return
		}
		c.store.SetPartialTranscript(msg.Text)
		if msg.Final {
			c.store.FinalizeTranscript(uuid.NewString(), time.Now())
		}

	case MessageTypeGenerationStart:
		c.beginTurn()
		c.mu.Lock()
		c.generationAt = time.Now()
		c.mu.Unlock()
		c.store.SetThinking(true)
		c.store.SetStage(state.StageThinking)

	case MessageTypeGenerationEnd:
		var msg GenerationEndMessage
		_ = json.Unmarshal(raw, &msg)
		c.mu.Lock()
		started := c.generationAt
		c.mu.Unlock()
		elapsed := msg.ElapsedMs
		if elapsed == 0 && !started.IsZero() {
			elapsed = time.Since(started).Milliseconds()
		}
		c.logger.Info("Reply generated", zap.Int64("elapsedMs", elapsed))

	case MessageTypeSynthesisStart:
		c.store.SetThinking(false)
		c.store.SetStage(state.StageSynthesizing)

	case MessageTypeAudioChunk:
		var msg AudioChunkMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("Ignoring malformed audio chunk", zap.Error(err))
			return
		}
		if c.player != nil {
			c.player.EnqueueChunk(msg.AudioData, msg.SampleRate)
		}
		c.store.SetPlaying(true)
		c.store.SetStage(state.StagePlaying)

	case MessageTypeAudioEnd:
		// End of one synthesis segment. The stage stays as-is: more segments
		// may follow within this turn, and Idle is decided by the player's
		// own drain detection, never by this message.
		if c.player != nil {
			c.player.StreamEnded()
		}

	case MessageTypeReply:
		var msg ReplyMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("Ignoring malformed reply", zap.Error(err))
			return
		}
		c.store.AppendMessage(state.Message{
			ID:          uuid.NewString(),
			Role:        state.RoleAssistant,
			Content:     msg.Content,
			Translation: msg.Translation,
			Emotion:     msg.Emotion,
			Timestamp:   time.Now(),
		})

	case MessageTypeTurnEnd:
		c.mu.Lock()
		c.turnEnded = true
		c.mu.Unlock()
		c.store.SetTurnEnded(true)
		c.store.SetThinking(false)
		// Playback resolves independently; close the turn now only if the
		// player has already drained.
		if c.player == nil || !c.player.Playing() {
			c.closeTurn()
		}

	case MessageTypeCharacterSwitched:
		var msg SwitchCharacterMessage
		_ = json.Unmarshal(raw, &msg)
		if msg.Character != "" {
			c.store.SetCurrentCharacter(msg.Character)
		}
		c.store.ClearMessages()

	case MessageTypeHistoryCleared:
		c.store.ClearMessages()

	case MessageTypeStreamStarted, MessageTypeListeningReady, MessageTypePong:
		c.logger.Debug("Acknowledgement received", zap.String("type", string(base.Type)))

	case MessageTypeError:
		var msg ErrorMessage
		_ = json.Unmarshal(raw, &msg)
		c.store.SetLastError(msg.Message)
		c.store.SetThinking(false)
		c.store.SetStage(state.StageIdle)

	default:
		c.logger.Warn("Unknown message type", zap.String("type", string(base.Type)))
	}
}

// beginTurn marks the start of a new exchange once per turn and resets the
// player's scheduling baseline so the new turn's audio does not inherit
// timing state from the previous one.
func (c *Client) beginTurn() {
	c.mu.Lock()
	if c.inTurn {
		c.mu.Unlock()
		return
	}
	c.inTurn = true
	c.turnEnded = false
	c.mu.Unlock()

	c.store.SetTurnEnded(false)
	if c.player != nil {
		c.player.TurnBoundary()
	}
}

// HandleDrained is invoked by the playback scheduler on its Playing to Idle
// transition. Turn completion is the join of the server's turn-end signal
// and this drain: both must hold before the stage returns to Idle.
func (c *Client) HandleDrained() {
	c.store.SetPlaying(false)
	c.mu.Lock()
	ended := c.turnEnded
	c.mu.Unlock()
	if ended {
		c.closeTurn()
	}
}

// HandlePlaying is invoked by the playback scheduler on its Idle to Playing
// transition.
func (c *Client) HandlePlaying() {
	c.store.SetPlaying(true)
	c.store.SetStage(state.StagePlaying)
}

func (c *Client) closeTurn() {
	c.mu.Lock()
	c.inTurn = false
	c.mu.Unlock()
	c.store.SetStage(state.StageIdle)
}

// SendText sends one user text utterance and appends it to the local log.
func (c *Client) SendText(content string) error {
	id := uuid.NewString()
	if err := c.send(&TextMessage{
		BaseMessage: newBase(MessageTypeText, id),
		Content:     content,
	}); err != nil {
		return err
	}
	c.store.AppendMessage(state.Message{
		ID:        id,
		Role:      state.RoleUser,
		Content:   content,
		Timestamp: time.Now(),
	})
	return nil
}

// SendAudio sends one complete base64-encoded utterance.
func (c *Client) SendAudio(encoded string, sampleRate int) error {
	return c.send(&AudioMessage{
		BaseMessage: newBase(MessageTypeAudio, uuid.NewString()),
		AudioData:   encoded,
		SampleRate:  sampleRate,
	})
}

// StartAudioStream opens a raw audio stream at the given rate.
func (c *Client) StartAudioStream(sampleRate int) error {
	return c.send(&AudioStreamMessage{
		BaseMessage: newBase(MessageTypeAudioStreamStart, uuid.NewString()),
		SampleRate:  sampleRate,
	})
}

// SendAudioStreamChunk sends one chunk of an open raw audio stream.
func (c *Client) SendAudioStreamChunk(encoded string, sampleRate int) error {
	return c.send(&AudioStreamMessage{
		BaseMessage: newBase(MessageTypeAudioStreamChunk, ""),
		AudioData:   encoded,
		SampleRate:  sampleRate,
	})
}

// EndAudioStream closes the raw audio stream.
func (c *Client) EndAudioStream() error {
	return c.send(&AudioStreamMessage{
		BaseMessage: newBase(MessageTypeAudioStreamEnd, uuid.NewString()),
	})
}

// StartCall opens a continuous voice-call capture stream.
func (c *Client) StartCall(sampleRate int) error {
	return c.send(&AudioStreamMessage{
		BaseMessage: newBase(MessageTypeCallStart, uuid.NewString()),
		SampleRate:  sampleRate,
	})
}

// SendCallChunk sends one chunk of the continuous capture stream.
func (c *Client) SendCallChunk(encoded string, sampleRate int) error {
	return c.send(&AudioStreamMessage{
		BaseMessage: newBase(MessageTypeCallChunk, ""),
		AudioData:   encoded,
		SampleRate:  sampleRate,
	})
}

// StopCall closes the continuous capture stream.
func (c *Client) StopCall() error {
	return c.send(&AudioStreamMessage{
		BaseMessage: newBase(MessageTypeCallStop, uuid.NewString()),
	})
}

// SwitchCharacter requests a different active character.
func (c *Client) SwitchCharacter(name string) error {
	return c.send(&SwitchCharacterMessage{
		BaseMessage: newBase(MessageTypeSwitchCharacter, uuid.NewString()),
		Character:   name,
	})
}

// ClearHistory asks the server to reset the conversation.
func (c *Client) ClearHistory() error {
	return c.send(&BaseMessage{Type: MessageTypeClearHistory, Timestamp: time.Now().Format(time.RFC3339)})
}
