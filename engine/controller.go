package engine

import "github.com/vsariola/polysynth"

// nrpn accumulates a non-registered parameter number and its value from a
// sequence of control changes. Parameter number 4 addresses the system
// effects and 8 the insertion effects: the low byte of the number selects the
// slot, the data entry high byte the effect parameter and the low byte the
// value.
type nrpn struct {
	parhi, parlo, valhi, vallo int
}

const (
	nrpnSysEffect = 4
	nrpnInsEffect = 8
)

func newNRPN() nrpn { return nrpn{-1, -1, -1, -1} }

// feed takes one control change. It returns false if the controller is not
// part of an NRPN sequence.
func (n *nrpn) feed(typ, value int) bool {
	switch typ {
	case polysynth.CtlNRPNHi:
		*n = nrpn{parhi: value, parlo: -1, valhi: -1, vallo: -1}
	case polysynth.CtlNRPNLo:
		n.parlo, n.valhi, n.vallo = value, -1, -1
	case polysynth.CtlDataEntryHi:
		n.valhi = value
	case polysynth.CtlDataEntryLo:
		n.vallo = value
	default:
		return false
	}
	return true
}

// complete returns the accumulated tuple once all four parts have arrived,
// and forgets the value so the next data entry starts a new one.
func (n *nrpn) complete() (parhi, parlo, valhi, vallo int, ok bool) {
	if n.parhi < 0 || n.parlo < 0 || n.valhi < 0 || n.vallo < 0 {
		return 0, 0, 0, 0, false
	}
	parhi, parlo, valhi, vallo = n.parhi, n.parlo, n.valhi, n.vallo
	n.valhi, n.vallo = -1, -1
	return parhi, parlo, valhi, vallo, true
}

// interpret turns a raw controller value into what a part receives, using
// the part's controller settings. It returns false if the part should not
// receive the controller at all.
func interpret(p *polysynth.ControllerParams, typ, value int) (int, bool) {
	switch typ {
	case polysynth.CtlPitchWheel:
		return clamp(value, -8192, 8191) * p.BendRange / 8192, true
	case polysynth.CtlModWheel:
		return clamp(clamp(value, 0, 127)*p.ModWheelDepth/64, 0, 127), true
	case polysynth.CtlSustain:
		if !p.SustainReceive {
			return 0, false
		}
		return boolInt(value >= 64), true
	case polysynth.CtlPortamento:
		if !p.Portamento {
			return 0, false
		}
		return boolInt(value >= 64), true
	}
	return clamp(value, 0, 127), true
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
