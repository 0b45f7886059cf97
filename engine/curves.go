package engine

import "math"

// The integer controls go through these curves before they become linear
// gains. Volume-like controls map 96 to 0 dB and span -40 dB..+12.9 dB; 0 is
// silence.

func dbToAmp(db float64) float32 {
	return float32(math.Pow(10, db/20))
}

func volumeGain(v int) float32 {
	if v <= 0 {
		return 0
	}
	return dbToAmp(float64(v-96) / 96 * 40)
}

// sendGain is the curve of system effect send and chain levels.
func sendGain(v int) float32 {
	return volumeGain(v)
}

// panGains returns the left and right multipliers of a panning control:
// below the center the left channel is scaled down, at or above it the right.
func panGains(p int) (l, r float32) {
	x := float32(p) / 127
	if x < 0.5 {
		return 2 * x, 1
	}
	return 1, (1 - x) * 2
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
