package engine

import "github.com/viterin/vek/vek32"

// Smoother applies a gain to blocks of samples. When the gain changes by an
// audible amount between two blocks, the block is multiplied by a linear ramp
// from the old gain to the new one instead of stepping.
type Smoother struct {
	old, new float32
}

// audibleThreshold is the relative change below which a gain step is applied
// uniformly.
const audibleThreshold = 1e-4

func NewSmoother(gain float32) Smoother {
	return Smoother{old: gain, new: gain}
}

// Set changes the target gain; it takes effect on the next Apply.
func (s *Smoother) Set(gain float32) { s.new = gain }

func (s *Smoother) Target() float32 { return s.new }

// Audible reports whether the next Apply will ramp.
func (s *Smoother) Audible() bool {
	d := s.new - s.old
	if d < 0 {
		d = -d
	}
	sum := s.old + s.new
	if sum < 0 {
		sum = -sum
	}
	return 2*d/(sum+1e-10) > audibleThreshold
}

// Apply multiplies buf by the gain, ramping if needed. Afterwards the old gain
// equals the target.
func (s *Smoother) Apply(buf []float32) {
	if !s.Audible() {
		vek32.MulNumber_Inplace(buf, s.new)
		s.old = s.new
		return
	}
	n := float32(len(buf))
	step := (s.new - s.old) / n
	for i := range buf {
		buf[i] *= s.old + step*float32(i)
	}
	s.old = s.new
}

// ApplyStereo is Apply for a pair of buffers sharing one gain.
func (s *Smoother) ApplyStereo(l, r []float32) {
	old := s.old
	s.Apply(l)
	s.old = old
	s.Apply(r)
}

// Step returns the per-sample gain step the next Apply of n samples would use.
func (s *Smoother) Step(n int) float32 {
	if !s.Audible() || n == 0 {
		return 0
	}
	return (s.new - s.old) / float32(n)
}

// Reset jumps to the target without a ramp.
func (s *Smoother) Reset() { s.old = s.new }
