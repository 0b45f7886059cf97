package polysynth

import (
	"errors"
	"fmt"
	"slices"
)

type (
	// Snapshot is the full parameter tree of an engine: everything that is
	// reachable from path-addressed messages and survives a save and a load.
	// Transient state, like the frame counter, voices or meters, is not part
	// of it.
	Snapshot struct {
		// Version is the format version of the file the snapshot was read
		// from or will be written to.
		Version    string `yaml:",omitempty"`
		Volume     int    // master volume, 0..127, 96 is 0 dB
		KeyShift   int    // global transpose, 64 is no transpose
		SwapLR     bool   `yaml:",omitempty"`
		Parts      []PartParams
		InsEffects []InsEffect
		SysEffects []SysEffect
	}

	// PartParams are the parameters of one voice container.
	PartParams struct {
		Enabled    bool
		Channel    int // MIDI channel the part listens to, 0..15
		Volume     int // 0..127, 96 is 0 dB
		Panning    int // 0..127, 64 is center
		KeyLimit   int // maximum number of sounding notes, 0 is unlimited
		Controller ControllerParams
		Instrument Instrument
	}

	// ControllerParams tell how a part interprets MIDI controllers.
	ControllerParams struct {
		BendRange      int  // pitch wheel range in cents, -6400..6400
		ModWheelDepth  int  // 0..127, 64 is linear
		Portamento     bool `yaml:",omitempty"`
		SustainReceive bool
	}

	// Instrument is the preset a Factory turns into a Part: the voice type
	// and its parameters. The meaning of the parameters is up to the voice
	// type.
	Instrument struct {
		Type       string
		Name       string         `yaml:",omitempty"`
		Parameters map[string]int `yaml:",flow"`
	}

	// EffectPreset is the preset a Factory turns into an Effect. Type 0
	// means the slot is disabled.
	EffectPreset struct {
		Type   int
		Params []int `yaml:",flow"`
	}

	// InsEffect is an insertion effect slot: the effect and where it is
	// inserted.
	InsEffect struct {
		Target int // InsertionDisabled, InsertionMaster or a part index
		Effect EffectPreset
	}

	// SysEffect is a system effect slot. Sends[p] is the send level from part
	// p into this effect and Chain[j] the level from this effect into system
	// effect j; only j greater than the index of this effect may be non-zero.
	SysEffect struct {
		Effect EffectPreset
		Sends  []int `yaml:",flow"`
		Chain  []int `yaml:",flow"`
	}
)

const (
	EffectNone = iota
	EffectEcho
	EffectDistortion
	EffectLowpass
	NumEffectTypes
)

// MaxEffectParams is the number of parameter slots every effect has.
const MaxEffectParams = 16

var ErrInvalidSnapshot = errors.New("invalid snapshot")

// DefaultSnapshot returns the parameter tree of a freshly constructed engine:
// part 0 enabled, every part on its own channel, no effects and all routing
// levels at zero.
func DefaultSnapshot() Snapshot {
	s := Snapshot{
		Volume:     80,
		KeyShift:   64,
		Parts:      make([]PartParams, NumParts),
		InsEffects: make([]InsEffect, NumInsEffects),
		SysEffects: make([]SysEffect, NumSysEffects),
	}
	for i := range s.Parts {
		s.Parts[i] = DefaultPartParams(i)
	}
	s.Parts[0].Enabled = true
	for i := range s.InsEffects {
		s.InsEffects[i] = InsEffect{Target: InsertionDisabled}
	}
	for i := range s.SysEffects {
		s.SysEffects[i] = SysEffect{Sends: make([]int, NumParts), Chain: make([]int, NumSysEffects)}
	}
	return s
}

// DefaultPartParams returns the parameters of part i in a default engine.
func DefaultPartParams(i int) PartParams {
	return PartParams{
		Channel: i % NumMIDIChannels,
		Volume:  96,
		Panning: 64,
		Controller: ControllerParams{
			BendRange:      200,
			ModWheelDepth:  80,
			SustainReceive: true,
		},
		Instrument: Instrument{Type: "subtractive", Parameters: map[string]int{}},
	}
}

// Validate checks that every value is in its range and that every matrix has
// the right shape. A file that fails validation must not replace a running
// engine.
func (s *Snapshot) Validate() error {
	if len(s.Parts) != NumParts {
		return fmt.Errorf("%w: %d parts, expected %d", ErrInvalidSnapshot, len(s.Parts), NumParts)
	}
	if len(s.InsEffects) != NumInsEffects {
		return fmt.Errorf("%w: %d insertion effects, expected %d", ErrInvalidSnapshot, len(s.InsEffects), NumInsEffects)
	}
	if len(s.SysEffects) != NumSysEffects {
		return fmt.Errorf("%w: %d system effects, expected %d", ErrInvalidSnapshot, len(s.SysEffects), NumSysEffects)
	}
	if err := checkRange("Volume", s.Volume, 0, MaxParamValue); err != nil {
		return err
	}
	if err := checkRange("KeyShift", s.KeyShift, 0, MaxParamValue); err != nil {
		return err
	}
	for i, p := range s.Parts {
		if err := p.validate(); err != nil {
			return fmt.Errorf("part %d: %w", i, err)
		}
	}
	for i, e := range s.InsEffects {
		if e.Target < InsertionDisabled || e.Target >= NumParts {
			return fmt.Errorf("%w: insertion effect %d targets %d", ErrInvalidSnapshot, i, e.Target)
		}
		if err := e.Effect.validate(); err != nil {
			return fmt.Errorf("insertion effect %d: %w", i, err)
		}
	}
	for i, e := range s.SysEffects {
		if err := e.Effect.validate(); err != nil {
			return fmt.Errorf("system effect %d: %w", i, err)
		}
		if len(e.Sends) != NumParts || len(e.Chain) != NumSysEffects {
			return fmt.Errorf("%w: system effect %d has %d sends and %d chain levels", ErrInvalidSnapshot, i, len(e.Sends), len(e.Chain))
		}
		for p, v := range e.Sends {
			if err := checkRange(fmt.Sprintf("system effect %d send %d", i, p), v, 0, MaxParamValue); err != nil {
				return err
			}
		}
		for j, v := range e.Chain {
			if err := checkRange(fmt.Sprintf("system effect %d chain %d", i, j), v, 0, MaxParamValue); err != nil {
				return err
			}
			if v != 0 && j <= i {
				return fmt.Errorf("%w: system effect %d feeds system effect %d, only later effects can be fed", ErrInvalidSnapshot, i, j)
			}
		}
	}
	return nil
}

func (p *PartParams) validate() error {
	if err := checkRange("Channel", p.Channel, 0, NumMIDIChannels-1); err != nil {
		return err
	}
	if err := checkRange("Volume", p.Volume, 0, MaxParamValue); err != nil {
		return err
	}
	if err := checkRange("Panning", p.Panning, 0, MaxParamValue); err != nil {
		return err
	}
	if err := checkRange("KeyLimit", p.KeyLimit, 0, NumNotes); err != nil {
		return err
	}
	if err := checkRange("BendRange", p.Controller.BendRange, -6400, 6400); err != nil {
		return err
	}
	if err := checkRange("ModWheelDepth", p.Controller.ModWheelDepth, 0, MaxParamValue); err != nil {
		return err
	}
	if p.Instrument.Type == "" {
		return fmt.Errorf("%w: instrument has no type", ErrInvalidSnapshot)
	}
	return nil
}

func (e *EffectPreset) validate() error {
	if e.Type < 0 || e.Type >= NumEffectTypes {
		return fmt.Errorf("%w: unknown effect type %d", ErrInvalidSnapshot, e.Type)
	}
	if len(e.Params) > MaxEffectParams {
		return fmt.Errorf("%w: %d effect parameters, at most %d", ErrInvalidSnapshot, len(e.Params), MaxEffectParams)
	}
	for i, v := range e.Params {
		if err := checkRange(fmt.Sprintf("effect parameter %d", i), v, 0, MaxParamValue); err != nil {
			return err
		}
	}
	return nil
}

func checkRange(name string, value, min, max int) error {
	if value < min || value > max {
		return fmt.Errorf("%w: %s = %d, not in %d..%d", ErrInvalidSnapshot, name, value, min, max)
	}
	return nil
}

// Copy makes a deep copy of the snapshot.
func (s *Snapshot) Copy() Snapshot {
	ret := *s
	ret.Parts = make([]PartParams, len(s.Parts))
	for i, p := range s.Parts {
		ret.Parts[i] = p
		ret.Parts[i].Instrument = p.Instrument.Copy()
	}
	ret.InsEffects = make([]InsEffect, len(s.InsEffects))
	for i, e := range s.InsEffects {
		ret.InsEffects[i] = InsEffect{Target: e.Target, Effect: e.Effect.Copy()}
	}
	ret.SysEffects = make([]SysEffect, len(s.SysEffects))
	for i, e := range s.SysEffects {
		ret.SysEffects[i] = SysEffect{Effect: e.Effect.Copy(), Sends: slices.Clone(e.Sends), Chain: slices.Clone(e.Chain)}
	}
	return ret
}

func (instr *Instrument) Copy() Instrument {
	parameters := make(map[string]int, len(instr.Parameters))
	for k, v := range instr.Parameters {
		parameters[k] = v
	}
	return Instrument{Type: instr.Type, Name: instr.Name, Parameters: parameters}
}

func (e *EffectPreset) Copy() EffectPreset {
	return EffectPreset{Type: e.Type, Params: slices.Clone(e.Params)}
}

// Param returns the value of parameter i, or def when the preset does not
// have that many parameters.
func (e *EffectPreset) Param(i, def int) int {
	if i < 0 || i >= len(e.Params) {
		return def
	}
	return e.Params[i]
}
