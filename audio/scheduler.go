package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/room4-2/sahayak/messages"
)

// ErrMalformedChunk is returned for inbound audio that cannot be decoded.
var ErrMalformedChunk = errors.New("malformed audio chunk")

// Output is an audio device with its own clock.
type Output interface {
	// Now is the current position of the device clock.
	Now() time.Duration
	// Play schedules samples to start sounding at the given clock time.
	Play(at time.Duration, samples []float32) error
}

// Slot is the interval a chunk occupies on the output clock.
type Slot struct {
	Start time.Duration
	End   time.Duration
}

// Scheduler plays inbound chunks back to back on an Output. A running play
// cursor marks where the previous chunk ends; each chunk starts at the later
// of the cursor and the device clock, so chunks never overlap and a stall
// only leaves a gap.
type Scheduler struct {
	out  Output
	rate int

	cursor  time.Duration
	started bool
	mu      sync.Mutex
}

// NewScheduler creates a scheduler for chunks at the given sample rate.
func NewScheduler(out Output, rate int) *Scheduler {
	if rate <= 0 {
		rate = InboundRate
	}
	return &Scheduler{out: out, rate: rate}
}

// Enqueue decodes a base64 PCM chunk and schedules it. A chunk that fails
// to decode leaves the cursor untouched.
func (s *Scheduler) Enqueue(data string) (Slot, error) {
	pcm, err := messages.DecodePCM(data)
	if err != nil {
		return Slot{}, fmt.Errorf("%w: %v", ErrMalformedChunk, err)
	}
	if len(pcm) == 0 {
		return Slot{}, fmt.Errorf("%w: empty", ErrMalformedChunk)
	}
	samples := make([]float32, len(pcm))
	for i, v := range pcm {
		samples[i] = Int16ToFloat(v)
	}
	return s.Schedule(samples)
}

// Schedule places already decoded samples after the previous chunk.
func (s *Scheduler) Schedule(samples []float32) (Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.out.Now()
	if !s.started {
		s.cursor = now
		s.started = true
	}
	start := s.cursor
	if now > start {
		start = now
	}
	slot := Slot{Start: start, End: start + SamplesDuration(len(samples), s.rate)}
	if err := s.out.Play(start, samples); err != nil {
		return Slot{}, fmt.Errorf("schedule audio at %s: %w", start, err)
	}
	s.cursor = slot.End
	return slot, nil
}

// Cursor returns the earliest start time for the next chunk.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}
