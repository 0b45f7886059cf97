package dsp_test

import (
	"errors"
	"math"
	"testing"

	"github.com/vsariola/polysynth"
	"github.com/vsariola/polysynth/dsp"
)

func testConfig() polysynth.Config {
	cfg := polysynth.DefaultConfig()
	cfg.OscilSize = 64
	cfg.BufferSize = 64
	return cfg
}

func energy(l []float32) float64 {
	var s float64
	for _, v := range l {
		s += float64(v) * float64(v)
	}
	return s
}

func renderBlocks(p polysynth.Part, blocks int) (l, r []float32) {
	l, r = make([]float32, 64), make([]float32, 64)
	var outL, outR []float32
	for range blocks {
		p.ComputeBlock(l, r)
		outL = append(outL, l...)
		outR = append(outR, r...)
	}
	return outL, outR
}

type testAllocator struct {
	free  [][]float32
	inUse int
}

func newTestAllocator(n int) *testAllocator {
	a := &testAllocator{}
	for range n {
		a.free = append(a.free, make([]float32, 32))
	}
	return a
}

func (a *testAllocator) Alloc() ([]float32, bool) {
	if len(a.free) == 0 {
		return nil, false
	}
	b := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.inUse++
	return b, true
}

func (a *testAllocator) Free(b []float32) {
	a.free = append(a.free, b)
	a.inUse--
}

func (a *testAllocator) BlockSize() int { return 32 }

func TestSubtractiveNoteLifecycle(t *testing.T) {
	p, err := dsp.Factory{}.NewPart(polysynth.Instrument{Type: "subtractive", Parameters: map[string]int{"release": 0}}, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	l, _ := renderBlocks(p, 1)
	if energy(l) != 0 {
		t.Fatalf("part should be silent before any note")
	}
	p.NoteOn(69, 100, 0)
	l, r := renderBlocks(p, 4)
	if energy(l) == 0 {
		t.Fatalf("note did not sound")
	}
	for i := range l {
		if l[i] != r[i] {
			t.Fatalf("mono voice should render identical channels")
		}
	}
	p.NoteOff(69)
	renderBlocks(p, 10)
	if l, _ := renderBlocks(p, 1); energy(l) != 0 {
		t.Fatalf("voice kept sounding after release")
	}
}

func TestSubtractiveSustainPedal(t *testing.T) {
	p := dsp.NewSubtractive(polysynth.Instrument{Parameters: map[string]int{"release": 0}}, testConfig())
	p.SetController(polysynth.CtlSustain, 1)
	p.NoteOn(60, 100, 0)
	p.NoteOff(60)
	renderBlocks(p, 10)
	if l, _ := renderBlocks(p, 1); energy(l) == 0 {
		t.Fatalf("sustained note was released")
	}
	p.SetController(polysynth.CtlSustain, 0)
	renderBlocks(p, 10)
	if l, _ := renderBlocks(p, 1); energy(l) != 0 {
		t.Fatalf("releasing the pedal did not end the note")
	}
}

func TestSubtractiveCleanupSilences(t *testing.T) {
	p := dsp.NewSubtractive(polysynth.Instrument{}, testConfig())
	for n := byte(40); n < 80; n++ {
		p.NoteOn(n, 127, 0)
	}
	p.Cleanup()
	if l, _ := renderBlocks(p, 1); energy(l) != 0 {
		t.Fatalf("Cleanup did not silence the part")
	}
}

func TestUnknownInstrument(t *testing.T) {
	_, err := dsp.Factory{}.NewPart(polysynth.Instrument{Type: "theremin"}, testConfig())
	if !errors.Is(err, dsp.ErrUnknownInstrument) {
		t.Fatalf("expected ErrUnknownInstrument, got %v", err)
	}
	_, err = dsp.Factory{}.NewEffect(polysynth.EffectPreset{Type: polysynth.NumEffectTypes}, testConfig())
	if !errors.Is(err, dsp.ErrUnknownEffect) {
		t.Fatalf("expected ErrUnknownEffect, got %v", err)
	}
}

func TestBuildPadTable(t *testing.T) {
	instr := polysynth.Instrument{Type: "pad", Parameters: map[string]int{"harmonics": 4}}
	a, err := dsp.BuildPadTable(instr, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	b, _ := dsp.BuildPadTable(instr, testConfig())
	if len(a.Samples) != 64*16 {
		t.Fatalf("table length %d", len(a.Samples))
	}
	var peak float32
	for i, v := range a.Samples {
		if v != b.Samples[i] {
			t.Fatalf("table build is not deterministic at %d", i)
		}
		peak = max(peak, float32(math.Abs(float64(v))))
	}
	if math.Abs(float64(peak)-1) > 1e-6 {
		t.Fatalf("table should be normalized to 1, peak %v", peak)
	}
	if _, err := dsp.BuildPadTable(polysynth.Instrument{Type: "subtractive"}, testConfig()); !errors.Is(err, dsp.ErrNotPad) {
		t.Fatalf("expected ErrNotPad, got %v", err)
	}
}

func TestPadUsesAllocator(t *testing.T) {
	cfg := testConfig()
	instr := polysynth.Instrument{Type: "pad", Parameters: map[string]int{"harmonics": 2}}
	p := dsp.NewPad(instr, cfg)
	a := newTestAllocator(2)
	p.UseAllocator(a)
	p.NoteOn(60, 100, 0)
	if l, _ := renderBlocks(p, 1); energy(l) != 0 {
		t.Fatalf("pad without a table should be silent")
	}
	table, _ := dsp.BuildPadTable(instr, cfg)
	if old := p.SwapTable(table); old != nil {
		t.Fatalf("first swap should return nil, got %v", old)
	}
	if l, _ := renderBlocks(p, 2); energy(l) == 0 {
		t.Fatalf("pad with a table did not sound")
	}
	p.NoteOn(62, 100, 0)
	p.NoteOn(64, 100, 0)
	if a.inUse != 2 {
		t.Fatalf("expected 2 blocks in use, got %d", a.inUse)
	}
	if old := p.SwapTable(table); old != table {
		t.Fatalf("second swap should return the previous table")
	}
	p.UseAllocator(nil)
	if a.inUse != 0 {
		t.Fatalf("blocks were not given back: %d in use", a.inUse)
	}
}

func TestEffectParams(t *testing.T) {
	cfg := testConfig()
	for typ := polysynth.EffectEcho; typ < polysynth.NumEffectTypes; typ++ {
		fx, err := dsp.Factory{}.NewEffect(polysynth.EffectPreset{Type: typ, Params: []int{127, 10}}, cfg)
		if err != nil {
			t.Fatal(err)
		}
		if fx.Param(0) != 127 || fx.Param(1) != 10 || fx.OutputVolume() != 1 {
			t.Fatalf("effect %d: preset parameters were not loaded", typ)
		}
		fx.SetParamRealtime(0, 200)
		if fx.Param(0) != polysynth.MaxParamValue {
			t.Fatalf("effect %d: parameter not clamped", typ)
		}
		fx.SetParamRealtime(1, 64)
		fx.SetParamRealtime(polysynth.MaxEffectParams, 1)
		if fx.Param(1) != 64 || fx.Param(-1) != 0 {
			t.Fatalf("effect %d: unexpected parameters", typ)
		}
	}
}

func TestEchoDelaysAndCleans(t *testing.T) {
	cfg := testConfig()
	fx := dsp.NewEcho(polysynth.EffectPreset{Type: polysynth.EffectEcho, Params: []int{127, 1, 100, 64, 0}}, cfg)
	l, r := make([]float32, 4096), make([]float32, 4096)
	l[0], r[0] = 1, 1
	fx.Apply(l, r)
	if l[0] != 0 {
		t.Fatalf("output should be delayed")
	}
	if energy(l) == 0 || energy(r) == 0 {
		t.Fatalf("impulse was not echoed")
	}
	fx.Cleanup()
	clear(l)
	clear(r)
	fx.Apply(l, r)
	if energy(l) != 0 {
		t.Fatalf("Cleanup left data in the delay line")
	}
}

func TestDistortionBounds(t *testing.T) {
	for typ := 0; typ < 3; typ++ {
		fx := dsp.NewDistortion(polysynth.EffectPreset{Params: []int{127, 127, typ, 64}}, testConfig())
		l := []float32{-10, -1, -0.1, 0, 0.1, 1, 10}
		r := append([]float32(nil), l...)
		fx.Apply(l, r)
		for i, v := range l {
			if v < -1 || v > 1 || v != r[i] {
				t.Fatalf("curve %d: sample %d out of bounds: %v", typ, i, v)
			}
		}
	}
}

func TestLowpassAttenuatesHighFrequencies(t *testing.T) {
	cfg := testConfig()
	fx := dsp.NewLowpass(polysynth.EffectPreset{Params: []int{127, 60, 0}}, cfg)
	n := 8192
	low, high := make([]float32, n), make([]float32, n)
	for i := range n {
		low[i] = float32(math.Sin(2 * math.Pi * 50 * float64(i) / float64(cfg.SampleRate)))
		high[i] = float32(math.Sin(2 * math.Pi * 10000 * float64(i) / float64(cfg.SampleRate)))
	}
	inLow, inHigh := energy(low), energy(high)
	fx.Apply(low, append([]float32(nil), low...))
	fx.Cleanup()
	fx.Apply(high, append([]float32(nil), high...))
	if energy(high)/inHigh > 0.01 {
		t.Fatalf("high frequency passed: %v", energy(high)/inHigh)
	}
	if energy(low)/inLow < 0.5 {
		t.Fatalf("low frequency was attenuated: %v", energy(low)/inLow)
	}
}
