package dsp

import (
	"math"

	"github.com/vsariola/polysynth"
)

// Parameter 0 of every effect is its output volume, the wet amount of an
// insertion effect or the return level of a system effect.
const paramVolume = 0

type params [polysynth.MaxEffectParams]byte

func (p *params) load(preset polysynth.EffectPreset, defaults ...byte) {
	for i := range p {
		def := 0
		if i < len(defaults) {
			def = int(defaults[i])
		}
		p[i] = byte(clamp(preset.Param(i, def), 0, polysynth.MaxParamValue))
	}
}

func (p *params) Param(index int) byte {
	if index < 0 || index >= len(p) {
		return 0
	}
	return p[index]
}

func (p *params) OutputVolume() float32 {
	return float32(p[paramVolume]) / 127
}

// Echo is a stereo delay with feedback. Parameters: 0 volume, 1 delay time
// (up to 1.5 s), 2 feedback, 3 left-right delay offset (64 is none), 4
// damping of the repeats.
type Echo struct {
	params
	bufL, bufR []float32
	pos        int
	delayL     int
	delayR     int
	feedback   float32
	damp       float32
	lpL, lpR   float32
	sampleRate float64
}

const maxEchoSeconds = 1.5

func NewEcho(preset polysynth.EffectPreset, cfg polysynth.Config) *Echo {
	n := int(maxEchoSeconds*float64(cfg.SampleRate)) + 1
	e := &Echo{bufL: make([]float32, n), bufR: make([]float32, n), sampleRate: float64(cfg.SampleRate)}
	e.load(preset, 64, 50, 50, 64, 20)
	e.update()
	return e
}

func (e *Echo) SetParamRealtime(index int, value byte) {
	if index < 0 || index >= len(e.params) {
		return
	}
	e.params[index] = min(value, polysynth.MaxParamValue)
	e.update()
}

func (e *Echo) update() {
	n := len(e.bufL) - 1
	base := float64(e.params[1]) / 127 * maxEchoSeconds * e.sampleRate
	offset := (float64(e.params[3]) - 64) / 64 * 0.1 * e.sampleRate
	e.delayL = clamp(int(base-offset), 1, n)
	e.delayR = clamp(int(base+offset), 1, n)
	e.feedback = float32(e.params[2]) / 128
	e.damp = 1 - float32(e.params[4])/128
}

func (e *Echo) Apply(l, r []float32) {
	n := len(e.bufL)
	r = r[:len(l)]
	for i := range l {
		dl := e.bufL[(e.pos-e.delayL+n)%n]
		dr := e.bufR[(e.pos-e.delayR+n)%n]
		e.lpL += e.damp * (dl - e.lpL)
		e.lpR += e.damp * (dr - e.lpR)
		e.bufL[e.pos] = l[i] + e.lpL*e.feedback
		e.bufR[e.pos] = r[i] + e.lpR*e.feedback
		l[i], r[i] = dl, dr
		e.pos++
		if e.pos == n {
			e.pos = 0
		}
	}
}

func (e *Echo) Cleanup() {
	clear(e.bufL)
	clear(e.bufR)
	e.lpL, e.lpR = 0, 0
}

// Distortion is a waveshaper. Parameters: 0 volume, 1 drive, 2 curve type
// (see the distortion* constants), 3 output level (64 is unity).
type Distortion struct {
	params
	drive float32
	level float32
}

const (
	distortionTanh = iota
	distortionHardClip
	distortionFold
	numDistortionTypes
)

func NewDistortion(preset polysynth.EffectPreset, cfg polysynth.Config) *Distortion {
	d := &Distortion{}
	d.load(preset, 127, 40, distortionTanh, 64)
	d.update()
	return d
}

func (d *Distortion) SetParamRealtime(index int, value byte) {
	if index < 0 || index >= len(d.params) {
		return
	}
	d.params[index] = min(value, polysynth.MaxParamValue)
	d.update()
}

func (d *Distortion) update() {
	d.drive = float32(math.Pow(10, float64(d.params[1])/127*2))
	d.level = float32(d.params[3]) / 64
}

func (d *Distortion) shape(x float32) float32 {
	x *= d.drive
	switch int(d.params[2]) % numDistortionTypes {
	case distortionHardClip:
		return max(-1, min(x, 1))
	case distortionFold:
		// triangle with period 4, identity on -1..1
		y := math.Mod(float64(x)+1, 4)
		if y < 0 {
			y += 4
		}
		if y > 2 {
			y = 4 - y
		}
		return float32(y - 1)
	default:
		return float32(math.Tanh(float64(x)))
	}
}

func (d *Distortion) Apply(l, r []float32) {
	r = r[:len(l)]
	for i := range l {
		l[i] = d.shape(l[i]) * d.level
		r[i] = d.shape(r[i]) * d.level
	}
}

func (d *Distortion) Cleanup() {}

// Lowpass is a state variable filter in its lowpass mode. Parameters: 0
// volume, 1 cutoff (20 Hz .. 20 kHz, exponential), 2 resonance.
type Lowpass struct {
	params
	g, k       float32
	ic1, ic2   [2]float32
	sampleRate float64
}

func NewLowpass(preset polysynth.EffectPreset, cfg polysynth.Config) *Lowpass {
	f := &Lowpass{sampleRate: float64(cfg.SampleRate)}
	f.load(preset, 127, 80, 20)
	f.update()
	return f
}

func (f *Lowpass) SetParamRealtime(index int, value byte) {
	if index < 0 || index >= len(f.params) {
		return
	}
	f.params[index] = min(value, polysynth.MaxParamValue)
	f.update()
}

func (f *Lowpass) update() {
	cutoff := 20 * math.Pow(1000, float64(f.params[1])/127)
	cutoff = min(cutoff, f.sampleRate*0.45)
	f.g = float32(math.Tan(math.Pi * cutoff / f.sampleRate))
	q := 0.5 + float64(f.params[2])/127*9.5
	f.k = float32(1 / q)
}

func (f *Lowpass) tick(ch int, x float32) float32 {
	a1 := 1 / (1 + f.g*(f.g+f.k))
	a2 := f.g * a1
	a3 := f.g * a2
	v3 := x - f.ic2[ch]
	v1 := a1*f.ic1[ch] + a2*v3
	v2 := f.ic2[ch] + a2*f.ic1[ch] + a3*v3
	f.ic1[ch] = 2*v1 - f.ic1[ch]
	f.ic2[ch] = 2*v2 - f.ic2[ch]
	return v2
}

func (f *Lowpass) Apply(l, r []float32) {
	r = r[:len(l)]
	for i := range l {
		l[i] = f.tick(0, l[i])
		r[i] = f.tick(1, r[i])
	}
}

func (f *Lowpass) Cleanup() {
	f.ic1, f.ic2 = [2]float32{}, [2]float32{}
}
