package audio

import (
	"sync"
)

// ChunkSink receives finished chunks. It must not block.
type ChunkSink func(chunk []int16)

// Encoder turns a float capture stream into fixed length int16 chunks.
// Chunks are emitted as soon as enough samples are buffered, so the emission
// cadence follows the audio actually captured rather than a timer.
type Encoder struct {
	chunkSize int
	resampler *Resampler
	sink      ChunkSink

	// OnLevel, if set, receives the RMS level of every processed block.
	OnLevel func(level float64)

	buf     []int16
	stopped bool
	mu      sync.Mutex
}

// NewEncoder creates an encoder for a source running at sourceRate.
func NewEncoder(sourceRate, chunkSize int, sink ChunkSink) *Encoder {
	if chunkSize <= 0 {
		chunkSize = ChunkSamples
	}
	return &Encoder{
		chunkSize: chunkSize,
		resampler: NewResampler(sourceRate, OutboundRate),
		sink:      sink,
		buf:       make([]int16, 0, chunkSize*2),
	}
}

// Process consumes one capture block.
func (e *Encoder) Process(block []float32) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	onLevel := e.OnLevel
	for _, s := range e.resampler.Process(block) {
		e.buf = append(e.buf, FloatToInt16(s))
	}
	// The sink is called under the lock so a concurrent Stop cannot
	// overtake a chunk that is already complete.
	for len(e.buf) >= e.chunkSize {
		chunk := make([]int16, e.chunkSize)
		copy(chunk, e.buf[:e.chunkSize])
		e.buf = append(e.buf[:0], e.buf[e.chunkSize:]...)
		e.sink(chunk)
	}
	e.mu.Unlock()

	if onLevel != nil {
		onLevel(Level(block))
	}
}

// Buffered returns the number of samples waiting for a full chunk.
func (e *Encoder) Buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buf)
}

// Stop flushes the partial remainder as one final short chunk. Further
// calls to Process or Stop do nothing.
func (e *Encoder) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	if len(e.buf) > 0 {
		rest := make([]int16, len(e.buf))
		copy(rest, e.buf)
		e.sink(rest)
	}
	e.buf = nil
}
