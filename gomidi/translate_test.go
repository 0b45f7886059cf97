package gomidi

import (
	"testing"

	"gitlab.com/gomidi/midi/v2"

	"github.com/vsariola/polysynth"
	"github.com/vsariola/polysynth/bridge"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		msg  midi.Message
		path string
		args []int32
	}{
		{"note on", midi.NoteOn(2, 60, 100), "/noteOn", []int32{2, 60, 100}},
		{"note off", midi.NoteOff(3, 61), "/noteOff", []int32{3, 61}},
		{"control change", midi.ControlChange(0, polysynth.CtlSustain, 127), "/setController", []int32{0, polysynth.CtlSustain, 127}},
		{"pitch bend", midi.Pitchbend(1, -4096), "/setController", []int32{1, polysynth.CtlPitchWheel, -4096}},
	}
	enc := bridge.NewEncoder(bridge.MaxMessageSize)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !Translate(tt.msg, enc) {
				t.Fatal("message not translated")
			}
			b, err := enc.Bytes()
			if err != nil {
				t.Fatal(err)
			}
			m, err := bridge.Parse(b)
			if err != nil {
				t.Fatal(err)
			}
			if string(m.Path()) != tt.path {
				t.Fatalf("path = %s, want %s", m.Path(), tt.path)
			}
			if m.NumArgs() != len(tt.args) {
				t.Fatalf("%d arguments, want %d", m.NumArgs(), len(tt.args))
			}
			for i, want := range tt.args {
				if got, _ := m.Int(i); got != want {
					t.Errorf("argument %d = %d, want %d", i, got, want)
				}
			}
		})
	}
	if Translate(midi.TimingClock(), enc) {
		t.Error("timing clock translated")
	}
}

func TestHandleWritesToRing(t *testing.T) {
	ring := bridge.NewRing(64)
	in := &Input{ring: ring, enc: bridge.NewEncoder(bridge.MaxMessageSize)}
	for range 10 {
		in.handle(midi.NoteOn(0, 60, 100), 0)
	}
	if in.Dropped() == 0 {
		t.Fatal("overflowing a small ring dropped nothing")
	}
	buf := make([]byte, bridge.MaxMessageSize)
	n, ok, err := ring.Read(buf)
	if err != nil || !ok {
		t.Fatalf("nothing in the ring: %v", err)
	}
	m, err := bridge.Parse(buf[:n])
	if err != nil || string(m.Path()) != "/noteOn" {
		t.Fatalf("unexpected message %q, %v", m.Path(), err)
	}
}
