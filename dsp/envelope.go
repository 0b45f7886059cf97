package dsp

import "math"

type stage int

const (
	stageIdle stage = iota
	stageAttack
	stageDecay
	stageSustain
	stageRelease
)

// envelope is a linear attack-decay-sustain-release generator. Rates are in
// level units per sample.
type envelope struct {
	stage                  stage
	level                  float32
	attack, decay, release float32
	sustain                float32
}

// envelopeTimes are the segment times of an envelope in samples.
type envelopeTimes struct {
	attack, decay, release float32
	sustain                float32
}

// seconds maps a 0..127 control to 1 ms .. ~4 s with a square law.
func seconds(v int) float64 {
	x := float64(v) / 127
	return 0.001 + x*x*4
}

func newEnvelopeTimes(attack, decay, sustain, release int, sampleRate float64) envelopeTimes {
	rate := func(v int) float32 {
		return float32(1 / math.Max(1, seconds(v)*sampleRate))
	}
	return envelopeTimes{
		attack:  rate(attack),
		decay:   rate(decay),
		release: rate(release),
		sustain: float32(sustain) / 127,
	}
}

func (e *envelope) trigger(t envelopeTimes) {
	e.attack, e.decay, e.release, e.sustain = t.attack, t.decay, t.release, t.sustain
	e.stage = stageAttack
}

func (e *envelope) off() {
	if e.stage != stageIdle {
		e.stage = stageRelease
	}
}

func (e *envelope) next() float32 {
	switch e.stage {
	case stageAttack:
		e.level += e.attack
		if e.level >= 1 {
			e.level = 1
			e.stage = stageDecay
		}
	case stageDecay:
		e.level -= e.decay
		if e.level <= e.sustain {
			e.level = e.sustain
			e.stage = stageSustain
		}
	case stageRelease:
		e.level -= e.release
		if e.level <= 0 {
			e.level = 0
			e.stage = stageIdle
		}
	}
	return e.level
}

func (e *envelope) idle() bool { return e.stage == stageIdle }

func noteFrequency(note byte) float32 {
	return float32(440 * math.Pow(2, (float64(note)-69)/12))
}

// centsRatio is the frequency ratio of a pitch offset in cents.
func centsRatio(cents int) float32 {
	return float32(math.Pow(2, float64(cents)/1200))
}
