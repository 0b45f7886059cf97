package engine

import (
	"math"

	"github.com/viterin/vek/vek32"
	"github.com/vsariola/polysynth"
)

// Meter is the level metering state of an engine, updated at the end of every
// block.
type Meter struct {
	PeakL, PeakR       float32 // peak of the last block
	MaxPeakL, MaxPeakR float32 // highest peak since the last reset
	RMSL, RMSR         float32
	Clipped            bool
	// PartPeak is the peak of each part before summation. For disabled parts
	// it decays towards zero instead of dropping at once.
	PartPeak [polysynth.NumParts]float32
}

// partPeakDecay is the number of samples over which a disabled part's peak
// falls by a factor of e.
const partPeakDecay = 15000

func peak(buf []float32) float32 {
	if len(buf) == 0 {
		return 0
	}
	return max(vek32.Max(buf), -vek32.Min(buf))
}

func rms(buf []float32) float32 {
	if len(buf) == 0 {
		return 0
	}
	return float32(math.Sqrt(float64(vek32.Dot(buf, buf)) / float64(len(buf))))
}

func (m *Meter) updateOutput(l, r []float32) {
	m.PeakL, m.PeakR = peak(l), peak(r)
	m.MaxPeakL = max(m.MaxPeakL, m.PeakL)
	m.MaxPeakR = max(m.MaxPeakR, m.PeakR)
	m.RMSL, m.RMSR = rms(l), rms(r)
	if m.PeakL > 1 || m.PeakR > 1 {
		m.Clipped = true
	}
}

func (m *Meter) updatePart(i int, active bool, l, r []float32) {
	if active {
		m.PartPeak[i] = max(peak(l), peak(r))
		return
	}
	m.PartPeak[i] *= float32(math.Exp(-float64(len(l)) / partPeakDecay))
}

func (m *Meter) Reset() { *m = Meter{} }
