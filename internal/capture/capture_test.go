package capture

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/candra/internal/audio"
	"github.com/satriahrh/candra/internal/state"
)

// fakeSource delivers frames pushed by the test.
type fakeSource struct {
	mu       sync.Mutex
	rate     int
	startErr error
	onFrame  func([]int16)
	starts   int
	stops    int
}

func (f *fakeSource) Start(onFrame func([]int16)) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return 0, f.startErr
	}
	f.onFrame = onFrame
	return f.rate, nil
}

func (f *fakeSource) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.onFrame = nil
}

func (f *fakeSource) push(samples []int16) {
	f.mu.Lock()
	onFrame := f.onFrame
	f.mu.Unlock()
	if onFrame != nil {
		onFrame(samples)
	}
}

func frameOf(n int, amp int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = amp
	}
	return out
}

func TestBatchCaptureMergesFrames(t *testing.T) {
	source := &fakeSource{rate: 16000}
	store := state.New()
	p := NewPipeline(source, store, 16000, zap.NewNop())

	if err := p.Start(Options{Mode: ModeBatch}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !store.Recording() {
		t.Error("store should report recording")
	}

	source.push(frameOf(320, 1000))
	source.push(frameOf(160, 2000))
	source.push(frameOf(480, 3000))

	encoded := p.Stop()
	if encoded == "" {
		t.Fatal("expected batch buffer from Stop")
	}
	decoded, err := audio.DecodeChunk(encoded)
	if err != nil {
		t.Fatalf("returned buffer not decodable: %v", err)
	}
	if len(decoded) != 320+160+480 {
		t.Errorf("expected %d samples, got %d", 320+160+480, len(decoded))
	}
	if store.Recording() {
		t.Error("store should not report recording after stop")
	}
	if store.CaptureVolume() != 0 {
		t.Error("volume should reset to 0 after stop")
	}
	if source.stops != 1 {
		t.Errorf("expected exactly one device release, got %d", source.stops)
	}
}

func TestBatchCaptureResamplesDeviceRate(t *testing.T) {
	source := &fakeSource{rate: 48000}
	store := state.New()
	p := NewPipeline(source, store, 16000, zap.NewNop())

	if err := p.Start(Options{Mode: ModeBatch}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	source.push(frameOf(480, 1000)) // 10ms at 48k

	decoded, err := audio.DecodeChunk(p.Stop())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(decoded) != 160 { // 10ms at 16k
		t.Errorf("expected 160 samples after resample, got %d", len(decoded))
	}
}

func TestStreamingCaptureFlushesOnInterval(t *testing.T) {
	source := &fakeSource{rate: 16000}
	store := state.New()
	p := NewPipeline(source, store, 16000, zap.NewNop())

	var mu sync.Mutex
	var chunks []string
	err := p.Start(Options{
		Mode:          ModeStreaming,
		FlushInterval: 10 * time.Millisecond,
		OnChunk: func(encoded string, rate int) {
			if rate != 16000 {
				t.Errorf("expected chunk rate 16000, got %d", rate)
			}
			mu.Lock()
			chunks = append(chunks, encoded)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	source.push(frameOf(160, 1000))
	time.Sleep(30 * time.Millisecond)
	source.push(frameOf(160, 2000))
	time.Sleep(30 * time.Millisecond)

	if encoded := p.Stop(); encoded != "" {
		t.Error("streaming stop should not return a batch buffer")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(chunks) != 2 {
		t.Fatalf("expected 2 flushed chunks, got %d", len(chunks))
	}
	total := 0
	for _, c := range chunks {
		decoded, err := audio.DecodeChunk(c)
		if err != nil {
			t.Fatalf("chunk not decodable: %v", err)
		}
		total += len(decoded)
	}
	if total != 320 {
		t.Errorf("expected 320 samples across chunks, got %d", total)
	}
}

func TestStreamingStopFlushesTail(t *testing.T) {
	source := &fakeSource{rate: 16000}
	store := state.New()
	p := NewPipeline(source, store, 16000, zap.NewNop())

	var mu sync.Mutex
	var chunks []string
	err := p.Start(Options{
		Mode:          ModeStreaming,
		FlushInterval: time.Hour, // never fires; only Stop can deliver
		OnChunk: func(encoded string, _ int) {
			mu.Lock()
			chunks = append(chunks, encoded)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	source.push(frameOf(160, 1000))
	if encoded := p.Stop(); encoded != "" {
		t.Error("streaming stop should not return a batch buffer")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(chunks) != 1 {
		t.Fatalf("expected the tail flushed as one chunk, got %d", len(chunks))
	}
	decoded, err := audio.DecodeChunk(chunks[0])
	if err != nil {
		t.Fatalf("tail chunk not decodable: %v", err)
	}
	if len(decoded) != 160 {
		t.Errorf("expected 160 tail samples, got %d", len(decoded))
	}
}

func TestStartIsIdempotent(t *testing.T) {
	source := &fakeSource{rate: 16000}
	p := NewPipeline(source, state.New(), 16000, zap.NewNop())

	if err := p.Start(Options{Mode: ModeBatch}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := p.Start(Options{Mode: ModeBatch}); err != nil {
		t.Fatalf("second start should be a no-op, got %v", err)
	}
	if source.starts != 1 {
		t.Errorf("expected the device acquired once, got %d", source.starts)
	}
	p.Cancel()
}

func TestPermissionDenied(t *testing.T) {
	source := &fakeSource{startErr: ErrPermissionDenied}
	store := state.New()
	p := NewPipeline(source, store, 16000, zap.NewNop())

	err := p.Start(Options{Mode: ModeBatch})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if store.Recording() {
		t.Error("recording flag must be false after permission denial")
	}
	if store.CaptureVolume() != 0 {
		t.Error("volume must be 0 after permission denial")
	}
	if p.Active() {
		t.Error("pipeline must not stay active after failed start")
	}
	// No automatic retry.
	if source.starts != 1 {
		t.Errorf("expected one start attempt, got %d", source.starts)
	}
}

func TestCancelDiscardsAudio(t *testing.T) {
	source := &fakeSource{rate: 16000}
	store := state.New()
	p := NewPipeline(source, store, 16000, zap.NewNop())

	if err := p.Start(Options{Mode: ModeBatch}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	source.push(frameOf(320, 1000))
	p.Cancel()

	if source.stops != 1 {
		t.Errorf("expected device released once, got %d", source.stops)
	}
	if got := p.Stop(); got != "" {
		t.Errorf("stop after cancel must return nothing, got %q", got)
	}
	// Stop on an inactive pipeline must not touch the device again.
	if source.stops != 1 {
		t.Errorf("idempotent stop must not re-release the device, got %d", source.stops)
	}
}

func TestVolumeUpdatesPerFrame(t *testing.T) {
	source := &fakeSource{rate: 16000}
	store := state.New()
	p := NewPipeline(source, store, 16000, zap.NewNop())

	if err := p.Start(Options{Mode: ModeBatch}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	source.push(frameOf(160, 8000))
	if store.CaptureVolume() <= 0 {
		t.Error("expected nonzero volume after a loud frame")
	}
	source.push(frameOf(160, 0))
	if store.CaptureVolume() != 0 {
		t.Error("expected zero volume after a silent frame")
	}
	p.Cancel()
}
