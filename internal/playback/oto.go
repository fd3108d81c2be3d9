package playback

import (
	"fmt"
	"sync"

	"github.com/ebitengine/oto/v3"

	"github.com/satriahrh/candra/internal/audio"
)

// OtoSink plays rendered PCM through the system speaker. The player pulls
// from an internal buffer via io.Reader; Write appends to that buffer and
// lazily starts the player on first audio.
type OtoSink struct {
	otoCtx *oto.Context
	player *oto.Player

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	playing bool
	closed  bool
}

// NewOtoSink initializes the speaker at the given sample rate, 16-bit mono.
// The buffer size is kept small to favor latency over glitch resistance.
func NewOtoSink(sampleRate int) (*OtoSink, error) {
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   0,
	})
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready

	s := &OtoSink{otoCtx: otoCtx}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Write appends one rendered frame and starts the player if needed.
func (s *OtoSink) Write(pcm []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("speaker is closed")
	}
	s.buf = append(s.buf, audio.Int16ToBytes(pcm)...)
	if !s.playing {
		s.playing = true
		s.player = s.otoCtx.NewPlayer(s)
		s.player.Play()
	}
	s.cond.Signal()
	return nil
}

// Read implements io.Reader for the oto player. It blocks until audio is
// buffered, and feeds silence once the sink is closed so oto drains cleanly.
func (s *OtoSink) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed && len(s.buf) == 0 {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Reset discards buffered audio and tears down the current player so stale
// audio cannot bleed into the next turn.
func (s *OtoSink) Reset() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	player := s.player
	s.player = nil
	s.playing = false
	s.mu.Unlock()

	if player != nil {
		player.Pause()
		_ = player.Close()
	}
}

// Close releases the speaker. Safe to call more than once.
func (s *OtoSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	player := s.player
	s.player = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	if player != nil {
		_ = player.Close()
	}
}
