package audio

import (
	"fmt"
	"sync"
)

// Source is a callback driven capture device producing mono float samples.
type Source interface {
	// Start begins capturing and calls the callback with each block.
	Start(callback func(block []float32)) error
	// SampleRate is the rate of the blocks passed to the callback.
	SampleRate() int
	// Stop releases the device. It must be safe to call more than once.
	Stop()
}

// Recorder binds a capture Source to an Encoder.
type Recorder struct {
	source  Source
	encoder *Encoder

	once sync.Once
}

// NewRecorder wires a source to an encoder emitting chunkSize chunks to sink.
func NewRecorder(source Source, chunkSize int, sink ChunkSink) *Recorder {
	return &Recorder{
		source:  source,
		encoder: NewEncoder(source.SampleRate(), chunkSize, sink),
	}
}

// Encoder exposes the recorder's encoder.
func (r *Recorder) Encoder() *Encoder {
	return r.encoder
}

// Start acquires the device and begins streaming.
func (r *Recorder) Start() error {
	if err := r.source.Start(r.encoder.Process); err != nil {
		return fmt.Errorf("start audio capture: %w", err)
	}
	return nil
}

// Stop flushes buffered audio and releases the device before returning.
func (r *Recorder) Stop() {
	r.once.Do(func() {
		r.encoder.Stop()
		r.source.Stop()
	})
}
