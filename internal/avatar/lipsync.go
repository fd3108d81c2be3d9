package avatar

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/candra/internal/state"
)

// lipSyncTick is the mouth update cadence, roughly one visual frame at 30fps.
const lipSyncTick = 33 * time.Millisecond

// mouthSmoothing blends the previous mouth value into the new one so the
// mouth does not flutter on every loudness spike.
const mouthSmoothing = 0.4

// LipSyncDriver polls the loudness cell on the visual frame cadence and
// drives the controller's mouth parameter. It reads the cell directly; the
// loudness path deliberately avoids store listener notifications.
type LipSyncDriver struct {
	logger     *zap.Logger
	loudness   *state.LoudnessCell
	controller Controller

	mu      sync.Mutex
	done    chan struct{}
	started bool
	prev    float64
}

// NewLipSyncDriver creates a driver reading loudness into the controller.
func NewLipSyncDriver(loudness *state.LoudnessCell, controller Controller, logger *zap.Logger) *LipSyncDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LipSyncDriver{
		logger:     logger,
		loudness:   loudness,
		controller: controller,
		done:       make(chan struct{}),
	}
}

// Start launches the polling loop. Idempotent.
func (d *LipSyncDriver) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()
	go d.run()
}

// Stop halts the loop and closes the mouth.
func (d *LipSyncDriver) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	d.mu.Unlock()
	close(d.done)
	d.controller.SetMouthOpen(0)
}

func (d *LipSyncDriver) run() {
	ticker := time.NewTicker(lipSyncTick)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.step()
		}
	}
}

// step applies one smoothed mouth update. Skipped entirely while the model
// is still loading.
func (d *LipSyncDriver) step() {
	if !d.controller.Loaded() {
		return
	}
	target := d.loudness.Load()

	d.mu.Lock()
	v := d.prev*mouthSmoothing + target*(1-mouthSmoothing)
	if v < 0.01 {
		v = 0
	}
	d.prev = v
	d.mu.Unlock()

	d.controller.SetMouthOpen(v)
}
