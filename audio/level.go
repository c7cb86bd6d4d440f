package audio

import "math"

// Level returns the RMS level of a block, scaled so a full-scale sine reads 1.
func Level(block []float32) float64 {
	if len(block) == 0 {
		return 0
	}
	var sum float64
	for _, s := range block {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(block)))
	return math.Min(rms*math.Sqrt2, 1)
}
