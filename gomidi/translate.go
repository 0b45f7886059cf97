// Package gomidi feeds MIDI input devices into the engine's MIDI queue.
package gomidi

import (
	"gitlab.com/gomidi/midi/v2"

	"github.com/vsariola/polysynth"
	"github.com/vsariola/polysynth/bridge"
)

// Translate encodes msg as an engine message into enc. It returns false for
// messages the engine has no use for, such as clock or sysex.
func Translate(msg midi.Message, enc *bridge.Encoder) bool {
	var channel, key, velocity, controller, value uint8
	var relative int16
	var absolute uint16
	switch {
	case msg.GetNoteOn(&channel, &key, &velocity):
		enc.Begin("/noteOn").Int(int32(channel)).Int(int32(key)).Int(int32(velocity))
	case msg.GetNoteOff(&channel, &key, &velocity):
		enc.Begin("/noteOff").Int(int32(channel)).Int(int32(key))
	case msg.GetControlChange(&channel, &controller, &value):
		enc.Begin("/setController").Int(int32(channel)).Int(int32(controller)).Int(int32(value))
	case msg.GetPitchBend(&channel, &relative, &absolute):
		enc.Begin("/setController").Int(int32(channel)).Int(polysynth.CtlPitchWheel).Int(int32(relative))
	default:
		return false
	}
	return true
}
