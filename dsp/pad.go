package dsp

import (
	"errors"
	"math"
	"math/rand/v2"

	"github.com/vsariola/polysynth"
)

// PadTable is a looping wavetable whose harmonics are spread into narrow
// bands of partials with random phases, which gives the ensemble like sound
// of a pad. Building one is slow; it is done outside the audio goroutine and
// handed to a Pad with SwapTable.
type PadTable struct {
	Samples []float32
	// Cycles is the number of fundamental periods in Samples.
	Cycles int
}

const padCycles = 8

var ErrNotPad = errors.New("instrument is not a pad")

// BuildPadTable computes the wavetable of a pad instrument. Its length is 16
// times cfg.OscilSize. Instrument parameters: harmonics (1..64), bandwidth
// (width of each band, 0..127), brightness (64 is a 1/n spectrum) and seed.
// The result depends only on its inputs.
func BuildPadTable(instr polysynth.Instrument, cfg polysynth.Config) (*PadTable, error) {
	if instr.Type != "pad" {
		return nil, ErrNotPad
	}
	n := cfg.OscilSize * 16
	harmonics := clamp(param(instr, "harmonics", 24), 1, 64)
	bandwidth := float64(param(instr, "bandwidth", 40)) / 127 * 0.05
	tilt := float64(param(instr, "brightness", 64)) / 64
	seed := uint64(param(instr, "seed", 1))
	rnd := rand.New(rand.NewPCG(seed, 0x70616474))

	acc := make([]float64, n)
	for h := 1; h <= harmonics; h++ {
		center := float64(h * padCycles)
		amp := math.Pow(float64(h), -2+tilt)
		width := max(center*bandwidth, 0.5)
		lo := max(1, int(center-3*width))
		hi := min(n/2-1, int(center+3*width))
		for bin := lo; bin <= hi; bin++ {
			d := (float64(bin) - center) / width
			a := amp * math.Exp(-d*d/2)
			if a < 1e-5 {
				continue
			}
			phase := rnd.Float64() * 2 * math.Pi
			w := 2 * math.Pi * float64(bin) / float64(n)
			for i := range acc {
				acc[i] += a * math.Sin(w*float64(i)+phase)
			}
		}
	}
	var peak float64
	for _, v := range acc {
		peak = max(peak, math.Abs(v))
	}
	t := &PadTable{Samples: make([]float32, n), Cycles: padCycles}
	if peak > 0 {
		for i, v := range acc {
			t.Samples[i] = float32(v / peak)
		}
	}
	return t, nil
}

// Pad plays back a PadTable. Until a table is installed it is silent. Every
// sounding voice holds a scratch block from the allocator of the engine; when
// none is left, new notes are dropped.
//
// Instrument parameters: voices (1..32), attack, decay, sustain, release and
// gain, all 0..127.
type Pad struct {
	table      *PadTable
	voices     []padVoice
	times      envelopeTimes
	sampleRate float32
	gain       float32
	bend       float32
	sustain    bool
	allocator  polysynth.Allocator
}

type padVoice struct {
	note      byte
	held      bool
	sustained bool
	velocity  float32
	freq      float32
	pos       float32
	scratch   []float32
	env       envelope
}

func NewPad(instr polysynth.Instrument, cfg polysynth.Config) *Pad {
	sr := float64(cfg.SampleRate)
	return &Pad{
		voices:     make([]padVoice, clamp(param(instr, "voices", 8), 1, 32)),
		sampleRate: float32(sr),
		times: newEnvelopeTimes(
			param(instr, "attack", 50),
			param(instr, "decay", 60),
			param(instr, "sustain", 100),
			param(instr, "release", 60),
			sr),
		gain: float32(param(instr, "gain", 64)) / 64 * 0.25,
		bend: 1,
	}
}

// SwapTable installs a *PadTable and returns the previous one, which may be
// nil.
func (p *Pad) SwapTable(table any) any {
	t, ok := table.(*PadTable)
	if !ok || len(t.Samples) == 0 {
		return table
	}
	old := p.table
	p.table = t
	if old == nil {
		return nil
	}
	return old
}

func (p *Pad) UseAllocator(a polysynth.Allocator) {
	if a == nil {
		for i := range p.voices {
			p.release(&p.voices[i])
		}
	}
	p.allocator = a
}

func (p *Pad) release(v *padVoice) {
	if v.scratch != nil && p.allocator != nil {
		p.allocator.Free(v.scratch)
	}
	*v = padVoice{}
}

func (p *Pad) ComputeBlock(l, r []float32) {
	clear(l)
	clear(r)
	r = r[:len(l)]
	if p.table == nil {
		return
	}
	samples := p.table.Samples
	n := float32(len(samples))
	base := p.sampleRate * float32(p.table.Cycles) / n
	for i := range p.voices {
		v := &p.voices[i]
		if v.scratch == nil {
			continue
		}
		step := v.freq * p.bend / base
		done := 0
		for done < len(l) {
			chunk := min(len(l)-done, len(v.scratch))
			for j := range chunk {
				k := int(v.pos)
				frac := v.pos - float32(k)
				a, b := samples[k], samples[(k+1)%len(samples)]
				v.scratch[j] = (a + (b-a)*frac) * v.env.next()
				v.pos += step
				for v.pos >= n {
					v.pos -= n
				}
			}
			g := v.velocity * p.gain
			for j := range chunk {
				l[done+j] += v.scratch[j] * g
				r[done+j] += v.scratch[j] * g
			}
			done += chunk
		}
		if v.env.idle() {
			p.release(v)
		}
	}
}

func (p *Pad) NoteOn(note, velocity byte, freq float32) {
	if freq <= 0 {
		freq = noteFrequency(note)
	}
	var v *padVoice
	for i := range p.voices {
		if c := &p.voices[i]; c.scratch != nil && c.note == note {
			v = c
			break
		}
	}
	if v == nil {
		for i := range p.voices {
			if p.voices[i].scratch == nil {
				v = &p.voices[i]
				break
			}
		}
		if v == nil || p.allocator == nil {
			return
		}
		block, ok := p.allocator.Alloc()
		if !ok {
			return
		}
		v.scratch = block
		if p.table != nil {
			v.pos = float32(uint32(note)*7919%uint32(len(p.table.Samples)))
		}
	}
	v.note, v.held, v.sustained = note, true, false
	v.velocity = float32(velocity) / 127
	v.freq = freq
	v.env.trigger(p.times)
}

func (p *Pad) NoteOff(note byte) {
	for i := range p.voices {
		v := &p.voices[i]
		if v.scratch == nil || v.note != note || !v.held {
			continue
		}
		v.held = false
		if p.sustain {
			v.sustained = true
		} else {
			v.env.off()
		}
	}
}

func (p *Pad) SetController(typ, value int) {
	switch typ {
	case polysynth.CtlPitchWheel:
		p.bend = centsRatio(value)
	case polysynth.CtlSustain:
		p.sustain = value != 0
		if !p.sustain {
			for i := range p.voices {
				if v := &p.voices[i]; v.sustained {
					v.sustained = false
					v.env.off()
				}
			}
		}
	case polysynth.CtlAllNotesOff:
		for i := range p.voices {
			p.voices[i].held, p.voices[i].sustained = false, false
			p.voices[i].env.off()
		}
	case polysynth.CtlResetAllControllers:
		p.bend, p.sustain = 1, false
	case polysynth.CtlAllSoundOff:
		p.Cleanup()
	}
}

func (p *Pad) Cleanup() {
	for i := range p.voices {
		p.release(&p.voices[i])
	}
}
