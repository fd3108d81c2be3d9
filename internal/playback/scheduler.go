// Package playback schedules server-pushed audio chunks back to back on a
// monotonic output clock so one speaking turn plays with no audible gaps,
// exposes a live loudness signal for lip sync, and detects when scheduled
// audio has fully drained.
package playback

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/candra/internal/audio"
	"github.com/satriahrh/candra/internal/state"
)

const (
	// renderTick is the cadence at which buffered PCM is rendered to the sink.
	renderTick = 20 * time.Millisecond

	// drainTick is the cadence of the drain poll. Drain is detected by polling
	// the clock against the last scheduled end rather than by per-segment
	// completion callbacks, whose ordering is not reliable across overlapping
	// segments.
	drainTick = 100 * time.Millisecond
)

// Clock is the monotonic output clock playback is scheduled against.
type Clock interface {
	Now() time.Duration
}

type realClock struct {
	start time.Time
}

// NewRealClock returns a Clock anchored at the time of the call.
func NewRealClock() Clock {
	return &realClock{start: time.Now()}
}

func (c *realClock) Now() time.Duration {
	return time.Since(c.start)
}

// Sink consumes rendered PCM at the scheduler's output sample rate.
type Sink interface {
	// Write delivers one rendered frame of 16-bit mono PCM.
	Write(pcm []int16) error
	// Reset discards any audio the sink has buffered but not yet played.
	Reset()
	// Close releases the sink. Safe to call more than once.
	Close()
}

// segment is one decoded chunk placed on the output clock.
type segment struct {
	start   time.Duration
	samples []int16
}

func (s *segment) end(rate int) time.Duration {
	return s.start + samplesToDuration(len(s.samples), rate)
}

// Config configures a Scheduler.
type Config struct {
	Logger     *zap.Logger
	Clock      Clock
	Sink       Sink
	SampleRate int
	Loudness   *state.LoudnessCell

	// OnPlaying fires on the Idle to Playing transition.
	OnPlaying func()
	// OnDrained fires on the Playing to Idle transition, whether by natural
	// drain or by Stop.
	OnDrained func()
}

// Scheduler owns the output audio clock. At most one is active per process.
type Scheduler struct {
	logger     *zap.Logger
	clock      Clock
	sink       Sink
	sampleRate int
	loudness   *state.LoudnessCell
	onPlaying  func()
	onDrained  func()

	mu          sync.Mutex
	segments    []*segment
	lastEnd     time.Duration
	renderPos   time.Duration
	streamEnded bool
	playing     bool

	done    chan struct{}
	started bool
	closed  bool
}

// NewScheduler creates a scheduler. Call Start to begin the render loop.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = NewRealClock()
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	return &Scheduler{
		logger:     cfg.Logger,
		clock:      cfg.Clock,
		sink:       cfg.Sink,
		sampleRate: cfg.SampleRate,
		loudness:   cfg.Loudness,
		onPlaying:  cfg.OnPlaying,
		onDrained:  cfg.OnDrained,
		done:       make(chan struct{}),
	}
}

// Start launches the render and drain loop. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.run()
}

// Close stops the loop and releases the sink. Idempotent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	s.Stop()
	if started {
		close(s.done)
	}
	if s.sink != nil {
		s.sink.Close()
	}
}

func (s *Scheduler) run() {
	render := time.NewTicker(renderTick)
	drain := time.NewTicker(drainTick)
	defer render.Stop()
	defer drain.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-render.C:
			s.renderTo(s.clock.Now())
		case <-drain.C:
			s.checkDrain(s.clock.Now())
		}
	}
}

// EnqueueChunk decodes a base64 PCM chunk at its declared sample rate and
// schedules it at max(lastScheduledEnd, now). A chunk that cannot be decoded
// is logged and dropped; it never interrupts already-scheduled audio.
func (s *Scheduler) EnqueueChunk(encoded string, sampleRate int) {
	samples, err := audio.DecodeChunk(encoded)
	if err != nil {
		s.logger.Warn("Dropping undecodable audio chunk", zap.Error(err))
		return
	}
	if len(samples) == 0 {
		return
	}
	if sampleRate <= 0 {
		s.logger.Warn("Dropping audio chunk with invalid sample rate", zap.Int("sampleRate", sampleRate))
		return
	}
	samples = audio.ResampleInt16(samples, sampleRate, s.sampleRate)

	now := s.clock.Now()

	s.mu.Lock()
	// A chunk after a stream end opens a new sub-stream within the turn.
	s.streamEnded = false
	start := s.lastEnd
	if now > start {
		// Late delivery: snap to the clock and accept the audible gap.
		start = now
	}
	seg := &segment{start: start, samples: samples}
	s.segments = append(s.segments, seg)
	s.lastEnd = seg.end(s.sampleRate)
	startedPlaying := !s.playing
	if startedPlaying {
		s.playing = true
		if s.renderPos < now {
			s.renderPos = now
		}
	}
	s.mu.Unlock()

	if startedPlaying && s.onPlaying != nil {
		s.onPlaying()
	}
}

// StreamEnded records that no more chunks will arrive for this turn. Playback
// continues until the clock passes the last scheduled end; only then does the
// drain poll conclude the turn.
func (s *Scheduler) StreamEnded() {
	s.mu.Lock()
	s.streamEnded = true
	s.mu.Unlock()
}

// TurnBoundary resets the scheduling baseline to now and clears the
// stream-ended flag. It must be called once per chunk group, not per chunk:
// a turn delivered as several sub-segments stays contiguous, while a new turn
// must not inherit timing state from the previous one.
func (s *Scheduler) TurnBoundary() {
	now := s.clock.Now()
	s.mu.Lock()
	s.streamEnded = false
	if s.lastEnd < now {
		s.lastEnd = now
	}
	s.mu.Unlock()
}

// Stop hard-stops all scheduled audio, clears scheduling state, zeroes the
// loudness cell and returns to Idle unconditionally.
func (s *Scheduler) Stop() {
	now := s.clock.Now()

	s.mu.Lock()
	wasPlaying := s.playing
	s.segments = nil
	s.streamEnded = false
	s.lastEnd = now
	s.renderPos = now
	s.playing = false
	s.mu.Unlock()

	if s.loudness != nil {
		s.loudness.Zero()
	}
	if s.sink != nil {
		s.sink.Reset()
	}
	if wasPlaying && s.onDrained != nil {
		s.onDrained()
	}
}

// Playing reports whether the scheduler is in the Playing state.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// renderTo renders all PCM due between the previous render position and now,
// filling silence where no segment covers the clock, and updates the loudness
// cell from the rendered frame.
func (s *Scheduler) renderTo(now time.Duration) {
	s.mu.Lock()
	if !s.playing || now <= s.renderPos {
		s.mu.Unlock()
		return
	}

	from := s.renderPos
	n := durationToSamples(now-from, s.sampleRate)
	if n == 0 {
		s.mu.Unlock()
		return
	}
	frame := make([]int16, n)

	for _, seg := range s.segments {
		segEnd := seg.end(s.sampleRate)
		if segEnd <= from || seg.start >= now {
			continue
		}
		overlapStart := seg.start
		if from > overlapStart {
			overlapStart = from
		}
		frameOff := durationToSamples(overlapStart-from, s.sampleRate)
		segOff := durationToSamples(overlapStart-seg.start, s.sampleRate)
		if frameOff >= n || segOff >= len(seg.samples) {
			continue
		}
		copy(frame[frameOff:], seg.samples[segOff:])
	}

	// Drop segments fully behind the render position.
	kept := s.segments[:0]
	for _, seg := range s.segments {
		if seg.end(s.sampleRate) > now {
			kept = append(kept, seg)
		}
	}
	s.segments = kept
	s.renderPos = now
	s.mu.Unlock()

	if s.sink != nil {
		if err := s.sink.Write(frame); err != nil {
			s.logger.Warn("Failed to write rendered audio", zap.Error(err))
		}
	}
	if s.loudness != nil {
		s.loudness.Set(audio.NormalizeRMS(audio.RMSInt16(frame)))
	}
}

// checkDrain concludes Playing to Idle only when both the stream-end signal
// has arrived and the clock has passed the last scheduled segment end.
func (s *Scheduler) checkDrain(now time.Duration) {
	s.mu.Lock()
	drained := s.playing && s.streamEnded && now >= s.lastEnd && len(s.segments) == 0
	if drained {
		s.playing = false
		s.streamEnded = false
	}
	s.mu.Unlock()

	if drained {
		if s.loudness != nil {
			s.loudness.Zero()
		}
		if s.onDrained != nil {
			s.onDrained()
		}
	}
}

func samplesToDuration(n, rate int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(rate)
}

func durationToSamples(d time.Duration, rate int) int {
	if d <= 0 {
		return 0
	}
	return int(int64(d) * int64(rate) / int64(time.Second))
}
