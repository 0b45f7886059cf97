package engine

import (
	"math/bits"

	"github.com/vsariola/polysynth"
)

// noteSet is a set of MIDI notes.
type noteSet [2]uint64

func (s *noteSet) add(n byte)      { s[n>>6] |= 1 << (n & 63) }
func (s *noteSet) remove(n byte)   { s[n>>6] &^= 1 << (n & 63) }
func (s *noteSet) has(n byte) bool { return s[n>>6]&(1<<(n&63)) != 0 }
func (s *noteSet) len() int        { return bits.OnesCount64(s[0]) + bits.OnesCount64(s[1]) }

// NoteOn starts a note on every enabled part listening to channel. Velocity
// 0 is a note off. freq, if non-zero, overrides the pitch derived from the
// note number.
func (e *Engine) NoteOn(channel, note, velocity byte, freq float32) {
	if velocity == 0 {
		e.NoteOff(channel, note)
		return
	}
	note &= 127
	shifted := int(note) + e.params.KeyShift - 64
	if shifted < 0 || shifted >= polysynth.NumNotes {
		return
	}
	for i := range e.parts {
		if !e.listens(i, channel) {
			continue
		}
		if l := e.params.Parts[i].KeyLimit; l > 0 && !e.partNotes[i].has(note) && e.partNotes[i].len() >= l {
			continue
		}
		if e.partNotes[i].has(note) && e.partKeys[i][note] != byte(shifted) {
			// retriggered after a key shift change
			old := e.partKeys[i][note]
			e.play(i, func(p polysynth.Part) { p.NoteOff(old) })
		}
		e.partNotes[i].add(note)
		e.partKeys[i][note] = byte(shifted)
		e.play(i, func(p polysynth.Part) { p.NoteOn(byte(shifted), velocity, freq) })
	}
	e.active.add(note)
	if e.recorder == recorderArmed {
		e.recorder = recorderRunning
		e.enc.Begin("/recorder/triggered")
		e.send()
	}
}

// NoteOff releases a note on every enabled part listening to channel. The
// part gets the note it was started with, even if the key shift changed
// since.
func (e *Engine) NoteOff(channel, note byte) {
	note &= 127
	for i := range e.parts {
		if !e.listens(i, channel) || !e.partNotes[i].has(note) {
			continue
		}
		e.partNotes[i].remove(note)
		played := e.partKeys[i][note]
		e.play(i, func(p polysynth.Part) { p.NoteOff(played) })
	}
	e.active.remove(note)
}

// SetController handles a controller on channel. NRPN sequences go to the
// addressed effect; everything else goes to the parts on the channel.
func (e *Engine) SetController(channel byte, typ, value int) {
	if e.nrpn.feed(typ, value) {
		if parhi, parlo, valhi, vallo, ok := e.nrpn.complete(); ok {
			e.setEffectParam(parhi, parlo, valhi, vallo)
		}
		return
	}
	switch typ {
	case polysynth.CtlAllSoundOff:
		for i := range e.parts {
			if e.listens(i, channel) {
				e.play(i, polysynth.Part.Cleanup)
				e.partNotes[i] = noteSet{}
			}
		}
		e.cleanupEffects()
		return
	case polysynth.CtlResetAllControllers:
		e.cleanupEffects()
	case polysynth.CtlAllNotesOff:
		e.active = noteSet{}
	}
	for i := range e.parts {
		if !e.listens(i, channel) {
			continue
		}
		if typ == polysynth.CtlAllNotesOff {
			e.partNotes[i] = noteSet{}
		}
		if v, ok := interpret(&e.params.Parts[i].Controller, typ, value); ok {
			e.play(i, func(p polysynth.Part) { p.SetController(typ, v) })
		}
	}
}

func (e *Engine) setEffectParam(parhi, parlo, index, value int) {
	if index >= polysynth.MaxEffectParams {
		return
	}
	var fx polysynth.Effect
	switch parhi {
	case nrpnSysEffect:
		if parlo < polysynth.NumSysEffects {
			fx = e.sysEffects[parlo]
		}
	case nrpnInsEffect:
		if parlo < polysynth.NumInsEffects {
			fx = e.insEffects[parlo]
		}
	}
	if fx != nil {
		fx.SetParamRealtime(index, byte(clamp(value, 0, 127)))
	}
}

func (e *Engine) listens(i int, channel byte) bool {
	return e.partActive(i) && e.params.Parts[i].Channel == int(channel&15)
}
