package dsp

import (
	"math"

	"github.com/vsariola/polysynth"
)

// Subtractive is a polyphonic part with one sawtooth oscillator per voice,
// an envelope and a one pole lowpass filter. The modulation wheel opens the
// filter.
//
// Instrument parameters, all 0..127: voices (1..32), attack, decay, sustain,
// release, cutoff, detune (64 is no detune, 1 step is a cent), glide
// (portamento time) and gain.
type Subtractive struct {
	voices     []subVoice
	times      envelopeTimes
	sampleRate float32
	cutoff     float32
	detune     float32
	glide      float32
	gain       float32

	bend       float32
	modulation float32
	sustain    bool
	portamento bool
	lastFreq   float32
	age        uint64
}

type subVoice struct {
	note      byte
	held      bool
	sustained bool
	velocity  float32
	freq      float32
	target    float32
	phase     float32
	filter    float32
	age       uint64
	env       envelope
}

func NewSubtractive(instr polysynth.Instrument, cfg polysynth.Config) *Subtractive {
	sr := float64(cfg.SampleRate)
	s := &Subtractive{
		voices:     make([]subVoice, clamp(param(instr, "voices", 8), 1, 32)),
		sampleRate: float32(sr),
		times: newEnvelopeTimes(
			param(instr, "attack", 2),
			param(instr, "decay", 40),
			param(instr, "sustain", 90),
			param(instr, "release", 30),
			sr),
		cutoff: float32(param(instr, "cutoff", 90)) / 127,
		detune: centsRatio(param(instr, "detune", 64) - 64),
		gain:   float32(param(instr, "gain", 64)) / 64 * 0.25,
		bend:   1,
	}
	if g := param(instr, "glide", 20); g > 0 {
		s.glide = float32(1 - math.Exp(-1/(seconds(g)*0.25*sr)))
	} else {
		s.glide = 1
	}
	return s
}

func (s *Subtractive) ComputeBlock(l, r []float32) {
	clear(l)
	clear(r)
	r = r[:len(l)]
	coef := min(s.cutoff+s.modulation*(1-s.cutoff), 1)
	coef *= coef
	for i := range s.voices {
		v := &s.voices[i]
		if v.env.idle() {
			continue
		}
		for j := range l {
			v.freq += (v.target - v.freq) * s.glide
			v.phase += v.freq * s.bend * s.detune / s.sampleRate
			v.phase -= float32(math.Floor(float64(v.phase)))
			saw := 2*v.phase - 1
			v.filter += coef * (saw - v.filter)
			out := v.filter * v.env.next() * v.velocity * s.gain
			l[j] += out
			r[j] += out
		}
	}
}

func (s *Subtractive) NoteOn(note, velocity byte, freq float32) {
	if freq <= 0 {
		freq = noteFrequency(note)
	}
	v := s.voiceFor(note)
	start := freq
	if s.portamento && s.lastFreq > 0 {
		start = s.lastFreq
	}
	if v.env.idle() {
		v.phase, v.filter = 0, 0
	}
	s.age++
	*v = subVoice{
		note:     note,
		held:     true,
		velocity: float32(velocity) / 127,
		freq:     start,
		target:   freq,
		phase:    v.phase,
		filter:   v.filter,
		age:      s.age,
		env:      v.env,
	}
	v.env.trigger(s.times)
	s.lastFreq = freq
}

// voiceFor returns the voice already playing note, a free voice, or steals
// the oldest one.
func (s *Subtractive) voiceFor(note byte) *subVoice {
	var free, oldest *subVoice
	for i := range s.voices {
		v := &s.voices[i]
		if !v.env.idle() && v.note == note {
			return v
		}
		if v.env.idle() && free == nil {
			free = v
		}
		if oldest == nil || v.age < oldest.age {
			oldest = v
		}
	}
	if free != nil {
		return free
	}
	return oldest
}

func (s *Subtractive) NoteOff(note byte) {
	for i := range s.voices {
		v := &s.voices[i]
		if v.note != note || !v.held {
			continue
		}
		v.held = false
		if s.sustain {
			v.sustained = true
			continue
		}
		v.env.off()
	}
}

func (s *Subtractive) SetController(typ, value int) {
	switch typ {
	case polysynth.CtlPitchWheel:
		s.bend = centsRatio(value)
	case polysynth.CtlModWheel:
		s.modulation = float32(clamp(value, 0, 127)) / 127
	case polysynth.CtlSustain:
		s.sustain = value != 0
		if !s.sustain {
			for i := range s.voices {
				if v := &s.voices[i]; v.sustained {
					v.sustained = false
					v.env.off()
				}
			}
		}
	case polysynth.CtlPortamento:
		s.portamento = value != 0
	case polysynth.CtlAllNotesOff:
		for i := range s.voices {
			s.voices[i].held, s.voices[i].sustained = false, false
			s.voices[i].env.off()
		}
	case polysynth.CtlResetAllControllers:
		s.bend, s.modulation, s.sustain, s.portamento = 1, 0, false, false
	case polysynth.CtlAllSoundOff:
		s.Cleanup()
	}
}

func (s *Subtractive) Cleanup() {
	clear(s.voices)
	s.lastFreq = 0
}

// param reads an instrument parameter in 0..127, def when it is missing.
func param(instr polysynth.Instrument, name string, def int) int {
	if v, ok := instr.Parameters[name]; ok {
		return clamp(v, 0, polysynth.MaxParamValue)
	}
	return def
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
