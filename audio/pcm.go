package audio

import (
	"math"
	"time"
)

const (
	// OutboundRate is the microphone stream rate expected by the service.
	OutboundRate = 16000
	// InboundRate is the rate of audio produced by the service.
	InboundRate = 24000
	// ChunkSamples is one second of outbound audio.
	ChunkSamples = 16000
)

// FloatToInt16 converts a sample in [-1,1] to signed 16-bit, clamping out of
// range input. NaN becomes silence.
func FloatToInt16(s float32) int16 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return int16(math.Round(float64(s) * 32767))
}

// Int16ToFloat converts a signed 16-bit sample to float in [-1,1).
func Int16ToFloat(s int16) float32 {
	return float32(s) / 32768
}

// SamplesDuration returns the playback duration of n samples at rate.
func SamplesDuration(n, rate int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(rate)
}
