package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResamplerPassthrough(t *testing.T) {
	r := NewResampler(16000, 16000)
	in := []float32{0.1, 0.2}
	assert.True(t, r.Passthrough())
	assert.Equal(t, in, r.Process(in))
}

func TestResamplerDownsampleLength(t *testing.T) {
	r := NewResampler(48000, 16000)
	total := 0
	for i := 0; i < 10; i++ {
		total += len(r.Process(make([]float32, 4096)))
	}
	// 40960 input samples at a 3:1 ratio.
	assert.InDelta(t, 40960/3, total, 1)
}

func TestResamplerInterpolatesAcrossBlocks(t *testing.T) {
	r := NewResampler(8000, 16000)
	out := append(r.Process([]float32{0, 1}), r.Process([]float32{1, 0})...)
	for _, s := range out {
		assert.GreaterOrEqual(t, s, float32(0))
		assert.LessOrEqual(t, s, float32(1))
	}
	assert.Len(t, out, 8)
	assert.Contains(t, out, float32(0.5))
}

func TestLevel(t *testing.T) {
	assert.Equal(t, 0.0, Level(nil))
	assert.Equal(t, 0.0, Level([]float32{0, 0}))
	assert.InDelta(t, 0.5*1.41421356, Level([]float32{0.5, -0.5}), 1e-6)
	assert.Equal(t, 1.0, Level([]float32{1, 1}))
}
