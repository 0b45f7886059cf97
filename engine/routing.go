package engine

import (
	"errors"

	"github.com/vsariola/polysynth"
)

// Routing holds the linear gains derived from the routing controls of a
// snapshot: how much each part feeds each system effect, how much each system
// effect feeds the later ones, and where each insertion effect is inserted.
type Routing struct {
	Send   [polysynth.NumSysEffects][polysynth.NumParts]float32
	Chain  [polysynth.NumSysEffects][polysynth.NumSysEffects]float32 // Chain[i][j]: effect i into effect j
	Target [polysynth.NumInsEffects]int
}

var (
	ErrFeedback     = errors.New("system effect can only feed a later system effect")
	ErrInvalidRoute = errors.New("routing index out of range")
)

// Reset silences all sends and chains and disables all insertion effects.
func (r *Routing) Reset() {
	*r = Routing{}
	for i := range r.Target {
		r.Target[i] = polysynth.InsertionDisabled
	}
}

// Load derives the gains from a validated snapshot.
func (r *Routing) Load(s *polysynth.Snapshot) {
	r.Reset()
	for i, e := range s.SysEffects {
		for p, v := range e.Sends {
			r.Send[i][p] = sendGain(v)
		}
		for j, v := range e.Chain {
			if j > i {
				r.Chain[i][j] = sendGain(v)
			}
		}
	}
	for i, e := range s.InsEffects {
		r.Target[i] = e.Target
	}
}

func (r *Routing) SetSend(effect, part, value int) error {
	if effect < 0 || effect >= polysynth.NumSysEffects || part < 0 || part >= polysynth.NumParts {
		return ErrInvalidRoute
	}
	r.Send[effect][part] = sendGain(value)
	return nil
}

// SetChain sets how much effect from feeds effect to. Only to > from is
// accepted, so within a block no effect ever sees its own output.
func (r *Routing) SetChain(from, to, value int) error {
	if from < 0 || from >= polysynth.NumSysEffects || to < 0 || to >= polysynth.NumSysEffects {
		return ErrInvalidRoute
	}
	if to <= from {
		return ErrFeedback
	}
	r.Chain[from][to] = sendGain(value)
	return nil
}

func (r *Routing) SetTarget(slot, target int) error {
	if slot < 0 || slot >= polysynth.NumInsEffects || target < polysynth.InsertionDisabled || target >= polysynth.NumParts {
		return ErrInvalidRoute
	}
	r.Target[slot] = target
	return nil
}
