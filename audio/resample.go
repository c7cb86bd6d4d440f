package audio

// Resampler converts a continuous mono stream between sample rates by linear
// interpolation. It keeps state across blocks so block boundaries do not
// introduce discontinuities.
type Resampler struct {
	from, to int
	step     float64 // input samples advanced per output sample
	pos      float64 // position of the next output sample, relative to prev
	prev     float32
	primed   bool
}

// NewResampler returns a resampler from one rate to another.
func NewResampler(from, to int) *Resampler {
	return &Resampler{from: from, to: to, step: float64(from) / float64(to)}
}

// Passthrough reports whether the rates are equal.
func (r *Resampler) Passthrough() bool {
	return r.from == r.to
}

// Process resamples one block.
func (r *Resampler) Process(in []float32) []float32 {
	if r.Passthrough() || len(in) == 0 {
		return in
	}
	out := make([]float32, 0, int(float64(len(in))/r.step)+1)

	// The virtual input is prev followed by in, so index 0 is prev.
	src := func(i int) float32 {
		if i == 0 {
			return r.prev
		}
		return in[i-1]
	}
	if !r.primed {
		r.prev = in[0]
		r.primed = true
	}
	last := float64(len(in))
	for r.pos < last {
		i := int(r.pos)
		frac := float32(r.pos - float64(i))
		a, b := src(i), src(i+1)
		out = append(out, a+(b-a)*frac)
		r.pos += r.step
	}
	r.pos -= last
	r.prev = in[len(in)-1]
	return out
}
