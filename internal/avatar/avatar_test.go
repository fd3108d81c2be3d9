package avatar

import (
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/satriahrh/candra/internal/state"
)

// recordingController captures mouth values without a real renderer.
type recordingController struct {
	mu     sync.Mutex
	loaded bool
	mouth  []float64
}

func (c *recordingController) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

func (c *recordingController) SetMouthOpen(v float64) {
	c.mu.Lock()
	c.mouth = append(c.mouth, v)
	c.mu.Unlock()
}

func (c *recordingController) SetExpression(string) {}
func (c *recordingController) PlayMotion(string)    {}
func (c *recordingController) PlayReaction(string)  {}
func (c *recordingController) StartIdleMotion()     {}
func (c *recordingController) StopIdleMotion()      {}

func (c *recordingController) last() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.mouth) == 0 {
		return 0, false
	}
	return c.mouth[len(c.mouth)-1], true
}

func TestLipSyncStepTracksLoudness(t *testing.T) {
	var cell state.LoudnessCell
	ctrl := &recordingController{loaded: true}
	d := NewLipSyncDriver(&cell, ctrl, zap.NewNop())

	cell.Set(1.0)
	for i := 0; i < 10; i++ {
		d.step()
	}
	got, ok := ctrl.last()
	if !ok {
		t.Fatal("expected mouth updates")
	}
	if got < 0.9 {
		t.Errorf("expected smoothed mouth near 1.0, got %f", got)
	}

	cell.Zero()
	for i := 0; i < 20; i++ {
		d.step()
	}
	got, _ = ctrl.last()
	if got != 0 {
		t.Errorf("expected mouth fully closed after silence, got %f", got)
	}
}

func TestLipSyncSkipsUnloadedModel(t *testing.T) {
	var cell state.LoudnessCell
	ctrl := &recordingController{loaded: false}
	d := NewLipSyncDriver(&cell, ctrl, zap.NewNop())

	cell.Set(0.8)
	d.step()
	if _, ok := ctrl.last(); ok {
		t.Error("driver must not touch the mouth before the model loads")
	}
}

func TestLipSyncStopClosesMouth(t *testing.T) {
	var cell state.LoudnessCell
	ctrl := &recordingController{loaded: true}
	d := NewLipSyncDriver(&cell, ctrl, zap.NewNop())

	d.Start()
	d.Stop()
	got, ok := ctrl.last()
	if !ok || got != 0 {
		t.Errorf("expected mouth closed on stop, got %v %v", got, ok)
	}
	// Stop again is safe.
	d.Stop()
}

func TestLoggingControllerReaction(t *testing.T) {
	c := NewLoggingController(zap.NewNop())

	c.PlayReaction("happy")
	if c.Expression() != "happy" {
		t.Errorf("expected expression happy, got %q", c.Expression())
	}

	// Unmapped emotions still change the expression.
	c.PlayReaction("pensive")
	if c.Expression() != "pensive" {
		t.Errorf("expected expression pensive, got %q", c.Expression())
	}
}
