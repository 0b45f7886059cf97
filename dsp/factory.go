// Package dsp holds the built-in parts and effects of the synthesizer and the
// Factory that constructs them from presets.
package dsp

import (
	"errors"
	"fmt"

	"github.com/vsariola/polysynth"
)

var (
	ErrUnknownInstrument = errors.New("unknown instrument type")
	ErrUnknownEffect     = errors.New("unknown effect type")
)

// Factory constructs the built-in collaborators. The zero value is ready to
// use.
type Factory struct{}

// InstrumentTypes lists the instrument types NewPart understands.
var InstrumentTypes = []string{"subtractive", "pad"}

func (Factory) NewPart(instr polysynth.Instrument, cfg polysynth.Config) (polysynth.Part, error) {
	switch instr.Type {
	case "subtractive", "":
		return NewSubtractive(instr, cfg), nil
	case "pad":
		return NewPad(instr, cfg), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownInstrument, instr.Type)
}

func (Factory) NewEffect(preset polysynth.EffectPreset, cfg polysynth.Config) (polysynth.Effect, error) {
	switch preset.Type {
	case polysynth.EffectNone:
		return nil, nil
	case polysynth.EffectEcho:
		return NewEcho(preset, cfg), nil
	case polysynth.EffectDistortion:
		return NewDistortion(preset, cfg), nil
	case polysynth.EffectLowpass:
		return NewLowpass(preset, cfg), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownEffect, preset.Type)
}

// NeedsTable tells whether parts of this instrument play back a table built
// with BuildPadTable.
func NeedsTable(instr polysynth.Instrument) bool {
	return instr.Type == "pad"
}
