// Package avatar bridges pipeline state to the animated character renderer.
// The renderer itself lives outside this process; Controller is the surface
// it must implement, and the lip-sync driver feeds it mouth motion from the
// playback loudness signal.
package avatar

import (
	"sync"

	"go.uber.org/zap"
)

// Controller is the renderer surface the pipeline drives. Implementations
// must tolerate calls before the model finishes loading.
type Controller interface {
	// Loaded reports whether the character model is ready to animate.
	Loaded() bool
	// SetMouthOpen drives the mouth openness parameter in [0, 1].
	SetMouthOpen(v float64)
	// SetExpression switches the face to a named emotion expression.
	SetExpression(name string)
	// PlayMotion plays a named motion once.
	PlayMotion(group string)
	// PlayReaction plays the motion mapped to a reply emotion, if any.
	PlayReaction(emotion string)
	// StartIdleMotion begins the idle breathing loop.
	StartIdleMotion()
	// StopIdleMotion halts the idle loop, used while a motion plays.
	StopIdleMotion()
}

// reactionMotions maps reply emotions to motion groups. Emotions without a
// mapping fall back to an expression change only.
var reactionMotions = map[string]string{
	"happy":     "tap_body",
	"surprised": "flick_head",
	"sad":       "idle_sad",
}

// LoggingController is a Controller that records what it would have animated.
// It stands in when no renderer is attached, keeping the pipeline observable
// end to end.
type LoggingController struct {
	logger *zap.Logger

	mu         sync.Mutex
	loaded     bool
	mouthOpen  float64
	expression string
}

// NewLoggingController creates a stand-in controller.
func NewLoggingController(logger *zap.Logger) *LoggingController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingController{logger: logger, loaded: true}
}

func (c *LoggingController) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

func (c *LoggingController) SetMouthOpen(v float64) {
	c.mu.Lock()
	c.mouthOpen = v
	c.mu.Unlock()
}

// MouthOpen returns the last mouth openness value.
func (c *LoggingController) MouthOpen() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mouthOpen
}

func (c *LoggingController) SetExpression(name string) {
	c.mu.Lock()
	c.expression = name
	c.mu.Unlock()
	c.logger.Debug("Avatar expression", zap.String("expression", name))
}

// Expression returns the current expression name.
func (c *LoggingController) Expression() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expression
}

func (c *LoggingController) PlayMotion(group string) {
	c.logger.Debug("Avatar motion", zap.String("group", group))
}

func (c *LoggingController) PlayReaction(emotion string) {
	c.SetExpression(emotion)
	if group, ok := reactionMotions[emotion]; ok {
		c.PlayMotion(group)
	}
}

func (c *LoggingController) StartIdleMotion() {
	c.logger.Debug("Avatar idle motion started")
}

func (c *LoggingController) StopIdleMotion() {
	c.logger.Debug("Avatar idle motion stopped")
}
