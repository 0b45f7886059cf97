package polysynth_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/vsariola/polysynth"
)

func TestDefaultSnapshotIsValid(t *testing.T) {
	s := polysynth.DefaultSnapshot()
	if err := s.Validate(); err != nil {
		t.Fatalf("default snapshot is invalid: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		modify func(s *polysynth.Snapshot)
	}{
		{"missing parts", func(s *polysynth.Snapshot) { s.Parts = s.Parts[:3] }},
		{"volume out of range", func(s *polysynth.Snapshot) { s.Volume = 128 }},
		{"part panning", func(s *polysynth.Snapshot) { s.Parts[5].Panning = -1 }},
		{"no instrument type", func(s *polysynth.Snapshot) { s.Parts[0].Instrument.Type = "" }},
		{"insertion target", func(s *polysynth.Snapshot) { s.InsEffects[0].Target = polysynth.NumParts }},
		{"effect type", func(s *polysynth.Snapshot) { s.SysEffects[0].Effect.Type = polysynth.NumEffectTypes }},
		{"send matrix shape", func(s *polysynth.Snapshot) { s.SysEffects[1].Sends = s.SysEffects[1].Sends[:2] }},
		{"backward chain", func(s *polysynth.Snapshot) { s.SysEffects[2].Chain[1] = 10 }},
		{"chain to itself", func(s *polysynth.Snapshot) { s.SysEffects[2].Chain[2] = 10 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := polysynth.DefaultSnapshot()
			tt.modify(&s)
			if err := s.Validate(); !errors.Is(err, polysynth.ErrInvalidSnapshot) {
				t.Fatalf("err = %v, want ErrInvalidSnapshot", err)
			}
		})
	}
	s := polysynth.DefaultSnapshot()
	s.SysEffects[0].Chain[3] = 127
	if err := s.Validate(); err != nil {
		t.Fatalf("forward chain rejected: %v", err)
	}
}

func TestCopyIsDeep(t *testing.T) {
	s := polysynth.DefaultSnapshot()
	s.Parts[0].Instrument.Parameters["cutoff"] = 10
	s.InsEffects[0].Effect.Params = []int{1, 2}
	c := s.Copy()
	c.Parts[0].Instrument.Parameters["cutoff"] = 20
	c.InsEffects[0].Effect.Params[0] = 99
	c.SysEffects[0].Sends[0] = 99
	if s.Parts[0].Instrument.Parameters["cutoff"] != 10 || s.InsEffects[0].Effect.Params[0] != 1 || s.SysEffects[0].Sends[0] != 0 {
		t.Fatal("copy shares memory with the original")
	}
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "preferences.yml")
	c, err := polysynth.ReadConfig(path)
	if err != nil || c != polysynth.DefaultConfig() {
		t.Fatalf("missing file: got %+v, %v, want the defaults", c, err)
	}
	c.SampleRate = 48000
	c.SwapLR = true
	if err := polysynth.WriteConfig(path, c); err != nil {
		t.Fatal(err)
	}
	got, err := polysynth.ReadConfig(path)
	if err != nil || got != c {
		t.Fatalf("read back %+v, %v, want %+v", got, err, c)
	}
	bad := polysynth.DefaultConfig()
	bad.OscilSize = 100
	if err := bad.Validate(); err == nil {
		t.Fatal("oscillator size that is not a power of two accepted")
	}
}
