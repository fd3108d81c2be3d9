package playback

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/candra/internal/audio"
	"github.com/satriahrh/candra/internal/state"
)

const testRate = 24000

type manualClock struct {
	mu  sync.Mutex
	now time.Duration
}

func (c *manualClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}

type captureSink struct {
	mu     sync.Mutex
	frames [][]int16
	resets int
}

func (s *captureSink) Write(pcm []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame := make([]int16, len(pcm))
	copy(frame, pcm)
	s.frames = append(s.frames, frame)
	return nil
}

func (s *captureSink) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

func (s *captureSink) Close() {}

func (s *captureSink) written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, f := range s.frames {
		total += len(f)
	}
	return total
}

// chunkOf builds an encoded chunk of n samples at the given amplitude.
func chunkOf(n int, amp int16) string {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = amp
	}
	return audio.EncodeChunk(samples)
}

func newTestScheduler(t *testing.T) (*Scheduler, *manualClock, *captureSink, *state.Store) {
	t.Helper()
	clock := &manualClock{}
	sink := &captureSink{}
	store := state.New()
	s := NewScheduler(Config{
		Logger:     zap.NewNop(),
		Clock:      clock,
		Sink:       sink,
		SampleRate: testRate,
		Loudness:   &store.Loudness,
	})
	return s, clock, sink, store
}

func TestGaplessScheduling(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)

	// Two 10ms chunks delivered back to back.
	s.EnqueueChunk(chunkOf(240, 1000), testRate)
	s.EnqueueChunk(chunkOf(240, 1000), testRate)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(s.segments))
	}
	first, second := s.segments[0], s.segments[1]
	if first.start != 0 {
		t.Errorf("expected first segment at clock 0, got %v", first.start)
	}
	if second.start != first.end(testRate) {
		t.Errorf("expected contiguous start %v, got %v", first.end(testRate), second.start)
	}
	if s.lastEnd != second.end(testRate) {
		t.Errorf("expected lastEnd %v, got %v", second.end(testRate), s.lastEnd)
	}
}

func TestLateChunkSnapsToNow(t *testing.T) {
	s, clock, _, _ := newTestScheduler(t)

	s.EnqueueChunk(chunkOf(240, 1000), testRate) // ends at 10ms

	// Deliver the next chunk well after the first finished.
	clock.Advance(50 * time.Millisecond)
	s.EnqueueChunk(chunkOf(240, 1000), testRate)

	s.mu.Lock()
	defer s.mu.Unlock()
	late := s.segments[1]
	if late.start != 50*time.Millisecond {
		t.Errorf("expected late chunk scheduled at now (50ms), got %v", late.start)
	}
}

func TestDrainRequiresStreamEnd(t *testing.T) {
	s, clock, _, _ := newTestScheduler(t)

	s.EnqueueChunk(chunkOf(240, 1000), testRate)
	if !s.Playing() {
		t.Fatal("expected Playing after first chunk")
	}

	// Clock far past the scheduled audio, but no stream-end signal.
	for i := 0; i < 20; i++ {
		clock.Advance(100 * time.Millisecond)
		s.renderTo(clock.Now())
		s.checkDrain(clock.Now())
	}
	if !s.Playing() {
		t.Error("drain must never fire while the stream-end flag is unset")
	}
}

func TestDrainAfterStreamEndAndClockCatchUp(t *testing.T) {
	s, clock, _, store := newTestScheduler(t)
	drained := 0
	s.onDrained = func() { drained++ }

	s.EnqueueChunk(chunkOf(2400, 8000), testRate) // 100ms
	s.StreamEnded()

	// Clock still inside the scheduled audio: not drained yet.
	clock.Advance(50 * time.Millisecond)
	s.renderTo(clock.Now())
	s.checkDrain(clock.Now())
	if !s.Playing() {
		t.Fatal("must stay Playing until the clock passes the last scheduled end")
	}
	if store.Loudness.Load() == 0 {
		t.Error("expected nonzero loudness while rendering audible samples")
	}

	clock.Advance(60 * time.Millisecond)
	s.renderTo(clock.Now())
	s.checkDrain(clock.Now())
	if s.Playing() {
		t.Error("expected Idle once stream ended and clock passed lastEnd")
	}
	if drained != 1 {
		t.Errorf("expected exactly one drain transition, got %d", drained)
	}
	if store.Loudness.Load() != 0 {
		t.Error("loudness must be zeroed on drain")
	}
}

func TestMalformedChunkDropped(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)

	s.EnqueueChunk("@@not-base64@@", testRate)
	if s.Playing() {
		t.Error("malformed chunk must not start playback")
	}

	// A bad chunk in the middle of a stream must not disturb scheduled audio.
	s.EnqueueChunk(chunkOf(240, 1000), testRate)
	s.EnqueueChunk("@@not-base64@@", testRate)
	s.EnqueueChunk(chunkOf(240, 1000), testRate)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(s.segments))
	}
	if s.segments[1].start != s.segments[0].end(testRate) {
		t.Error("valid chunks must remain contiguous around a dropped chunk")
	}
}

func TestTurnBoundaryResetsBaseline(t *testing.T) {
	s, clock, _, _ := newTestScheduler(t)

	s.EnqueueChunk(chunkOf(240, 1000), testRate)
	s.StreamEnded()

	clock.Advance(200 * time.Millisecond)
	s.renderTo(clock.Now())
	s.checkDrain(clock.Now())

	s.TurnBoundary()
	s.mu.Lock()
	if s.streamEnded {
		t.Error("turn boundary must clear the stream-ended flag")
	}
	if s.lastEnd != clock.Now() {
		t.Errorf("expected baseline reset to now, got %v", s.lastEnd)
	}
	s.mu.Unlock()

	// First chunk of the new turn starts at now, not at stale state.
	s.EnqueueChunk(chunkOf(240, 1000), testRate)
	s.mu.Lock()
	defer s.mu.Unlock()
	if got := s.segments[len(s.segments)-1].start; got != 200*time.Millisecond {
		t.Errorf("expected new turn to start at 200ms, got %v", got)
	}
}

func TestChunkAfterStreamEndRearmsStream(t *testing.T) {
	s, clock, _, _ := newTestScheduler(t)

	s.EnqueueChunk(chunkOf(240, 1000), testRate) // 10ms
	s.StreamEnded()

	// The next sub-segment of the same turn arrives before drain fires.
	s.EnqueueChunk(chunkOf(240, 1000), testRate) // ends at 20ms

	clock.Advance(15 * time.Millisecond)
	s.renderTo(clock.Now())
	s.checkDrain(clock.Now())
	if !s.Playing() {
		t.Fatal("a chunk after stream end must re-open the stream")
	}

	s.StreamEnded()
	clock.Advance(10 * time.Millisecond)
	s.renderTo(clock.Now())
	s.checkDrain(clock.Now())
	if s.Playing() {
		t.Error("expected Idle after the re-opened stream drained")
	}
}

func TestStopClearsEverything(t *testing.T) {
	s, _, sink, store := newTestScheduler(t)
	drained := 0
	s.onDrained = func() { drained++ }

	s.EnqueueChunk(chunkOf(2400, 8000), testRate)
	store.Loudness.Set(0.5)

	s.Stop()

	if s.Playing() {
		t.Error("expected Idle after Stop")
	}
	if store.Loudness.Load() != 0 {
		t.Error("expected loudness zeroed after Stop")
	}
	if sink.resets != 1 {
		t.Errorf("expected sink reset once, got %d", sink.resets)
	}
	if drained != 1 {
		t.Errorf("expected drain callback on Stop, got %d", drained)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.segments) != 0 {
		t.Error("expected no segments after Stop")
	}
}

func TestStopWhenIdleIsSafe(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)
	drained := 0
	s.onDrained = func() { drained++ }

	s.Stop()
	s.Stop()

	if drained != 0 {
		t.Errorf("Stop while Idle must not report a drain transition, got %d", drained)
	}
}

func TestEnqueueResamplesDeclaredRate(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)

	// 480 samples at 48k is 10ms; after resampling to 24k the duration holds.
	s.EnqueueChunk(chunkOf(480, 1000), 48000)

	s.mu.Lock()
	defer s.mu.Unlock()
	seg := s.segments[0]
	if len(seg.samples) != 240 {
		t.Errorf("expected 240 samples after resample, got %d", len(seg.samples))
	}
	if seg.end(testRate) != 10*time.Millisecond {
		t.Errorf("expected 10ms duration, got %v", seg.end(testRate))
	}
}

func TestRenderFillsGapsWithSilence(t *testing.T) {
	s, clock, sink, _ := newTestScheduler(t)

	s.EnqueueChunk(chunkOf(240, 8000), testRate) // 10ms of audio

	// Render 30ms: 10ms audio then 20ms of scheduled silence.
	clock.Advance(30 * time.Millisecond)
	s.renderTo(clock.Now())

	if sink.written() != durationToSamples(30*time.Millisecond, testRate) {
		t.Errorf("expected 30ms of samples written, got %d", sink.written())
	}
	sink.mu.Lock()
	frame := sink.frames[0]
	sink.mu.Unlock()
	if frame[0] != 8000 {
		t.Errorf("expected audible sample at frame start, got %d", frame[0])
	}
	if frame[len(frame)-1] != 0 {
		t.Errorf("expected silence at frame tail, got %d", frame[len(frame)-1])
	}
}
