// Package capture turns a live microphone stream into outbound PCM. It owns
// the microphone exclusively: one acquisition per start/stop or start/cancel
// pair, with idempotent teardown that never fails.
package capture

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/candra/internal/audio"
	"github.com/satriahrh/candra/internal/state"
)

// Distinguished capture failures. Permission denial gets its own condition so
// the UI can show a specific message instead of a generic error.
var (
	ErrPermissionDenied = errors.New("microphone access denied")
	ErrUnsupported      = errors.New("audio capture not supported")
)

// Mode selects how captured audio leaves the pipeline.
type Mode int

const (
	// ModeBatch accumulates the whole utterance and returns it on Stop.
	ModeBatch Mode = iota
	// ModeStreaming flushes accumulated samples on a fixed interval.
	ModeStreaming
)

// defaultFlushInterval is the streaming-mode flush cadence.
const defaultFlushInterval = 100 * time.Millisecond

// Source abstracts the microphone device so the pipeline can be tested
// without hardware.
type Source interface {
	// Start begins delivering 16-bit mono frames at the returned device rate.
	// It reports ErrPermissionDenied or ErrUnsupported as appropriate.
	Start(onFrame func(samples []int16)) (sampleRate int, err error)
	// Stop tears the device down. Safe to call repeatedly or before Start.
	Stop()
}

// Options configure one recording session.
type Options struct {
	Mode          Mode
	FlushInterval time.Duration
	// OnChunk receives each encoded chunk in streaming mode.
	OnChunk func(encoded string, sampleRate int)
}

// Pipeline converts microphone frames into outbound PCM at the target rate,
// updating the live volume level in the store on every frame.
type Pipeline struct {
	logger     *zap.Logger
	source     Source
	store      *state.Store
	targetRate int

	mu         sync.Mutex
	active     bool
	mode       Mode
	deviceRate int
	buf        []int16
	onChunk    func(string, int)
	flushDone  chan struct{}
}

// NewPipeline creates a capture pipeline delivering PCM at targetRate.
func NewPipeline(source Source, store *state.Store, targetRate int, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		logger:     logger,
		source:     source,
		store:      store,
		targetRate: targetRate,
	}
}

// Start acquires the microphone and begins capturing. It is a no-op when a
// recording session is already active.
func (p *Pipeline) Start(opts Options) error {
	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		p.logger.Debug("Capture already active, ignoring start")
		return nil
	}
	p.active = true
	p.mode = opts.Mode
	p.buf = nil
	p.onChunk = opts.OnChunk
	p.mu.Unlock()

	rate, err := p.source.Start(p.handleFrame)
	if err != nil {
		p.mu.Lock()
		p.active = false
		p.mu.Unlock()
		p.store.SetRecording(false)
		p.store.SetCaptureVolume(0)
		p.logger.Error("Failed to start capture", zap.Error(err))
		return err
	}

	p.mu.Lock()
	p.deviceRate = rate
	if p.mode == ModeStreaming {
		interval := opts.FlushInterval
		if interval <= 0 {
			interval = defaultFlushInterval
		}
		p.flushDone = make(chan struct{})
		go p.flushLoop(interval, p.flushDone)
	}
	p.mu.Unlock()

	p.store.SetRecording(true)
	p.logger.Info("Capture started",
		zap.Int("deviceRate", rate),
		zap.Int("targetRate", p.targetRate),
		zap.Bool("streaming", opts.Mode == ModeStreaming))
	return nil
}

// handleFrame processes one raw device frame: volume for UI feedback, then
// resample to the target rate and accumulate.
func (p *Pipeline) handleFrame(samples []int16) {
	p.store.SetCaptureVolume(audio.NormalizeRMS(audio.RMSInt16(samples)))

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return
	}
	if p.deviceRate != 0 && p.deviceRate != p.targetRate {
		samples = audio.ResampleInt16(samples, p.deviceRate, p.targetRate)
	}
	p.buf = append(p.buf, samples...)
}

// flushLoop emits accumulated samples as encoded chunks on a fixed interval.
func (p *Pipeline) flushLoop(interval time.Duration, done chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			p.flushStreaming()
		}
	}
}

func (p *Pipeline) flushStreaming() {
	p.mu.Lock()
	if len(p.buf) == 0 {
		p.mu.Unlock()
		return
	}
	chunk := p.buf
	p.buf = nil
	onChunk := p.onChunk
	p.mu.Unlock()

	if onChunk != nil {
		onChunk(audio.EncodeChunk(chunk), p.targetRate)
	}
}

// Stop halts capture and tears down the device. In batch mode it returns the
// merged utterance base64-encoded; in streaming mode the returned string is
// empty. Safe to call when not recording.
func (p *Pipeline) Stop() string {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return ""
	}
	p.active = false
	if p.flushDone != nil {
		close(p.flushDone)
		p.flushDone = nil
	}
	mode := p.mode
	buf := p.buf
	p.buf = nil
	onChunk := p.onChunk
	p.mu.Unlock()

	p.source.Stop()
	p.store.SetRecording(false)
	p.store.SetCaptureVolume(0)

	if mode == ModeBatch && len(buf) > 0 {
		p.logger.Info("Capture stopped", zap.Int("samples", len(buf)))
		return audio.EncodeChunk(buf)
	}
	// Streaming: the tail accumulated since the last interval flush still
	// belongs to the utterance.
	if mode == ModeStreaming && len(buf) > 0 && onChunk != nil {
		onChunk(audio.EncodeChunk(buf), p.targetRate)
	}
	p.logger.Info("Capture stopped")
	return ""
}

// Cancel halts capture and discards any buffered audio. Safe to call when
// not recording.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.active = false
	if p.flushDone != nil {
		close(p.flushDone)
		p.flushDone = nil
	}
	p.buf = nil
	p.mu.Unlock()

	p.source.Stop()
	p.store.SetRecording(false)
	p.store.SetCaptureVolume(0)
	p.logger.Info("Capture cancelled")
}

// Active reports whether a recording session is in progress.
func (p *Pipeline) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}
