package middleware_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/hypebeast/go-osc/osc"

	"github.com/vsariola/polysynth"
	"github.com/vsariola/polysynth/bridge"
	"github.com/vsariola/polysynth/dsp"
	"github.com/vsariola/polysynth/engine"
	"github.com/vsariola/polysynth/middleware"
)

// fakeClock advances only when the control side sleeps. Every sleep also
// renders a block, standing in for the audio goroutine.
type fakeClock struct {
	now     time.Time
	onSleep func()
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.now = c.now.Add(d)
	if c.onSleep != nil {
		c.onSleep()
	}
}

type harness struct {
	t     *testing.T
	m     *middleware.MiddleWare
	clock *fakeClock
	l, r  []float32
}

func testConfig() polysynth.Config {
	cfg := polysynth.DefaultConfig()
	cfg.BufferSize = 64
	cfg.OscilSize = 64
	cfg.QueueSize = 1 << 14
	cfg.PoolBlocks = 8
	cfg.PoolCapacity = 64
	cfg.PoolWatermark = 2
	return cfg
}

func newHarness(t *testing.T, s polysynth.Snapshot) *harness {
	return newHarnessConfig(t, testConfig(), s)
}

func newHarnessConfig(t *testing.T, cfg polysynth.Config, s polysynth.Snapshot) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m, err := middleware.New(cfg, dsp.Factory{}, s, middleware.Options{
		Clock:         clock,
		FreezeTimeout: 100 * time.Millisecond,
		PollInterval:  time.Millisecond,
		OfflineAfter:  time.Hour,
	})
	if err != nil {
		t.Fatalf("could not create middleware: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	h := &harness{t: t, m: m, clock: clock, l: make([]float32, cfg.BufferSize), r: make([]float32, cfg.BufferSize)}
	clock.onSleep = h.render
	return h
}

func (h *harness) render() { h.m.Host().Fill(h.l, h.r) }

// step renders n blocks, each followed by a Tick.
func (h *harness) step(n int) {
	for range n {
		h.render()
		h.m.Tick()
	}
}

func (h *harness) snapshot() polysynth.Snapshot {
	h.t.Helper()
	s, err := h.m.Snapshot()
	if err != nil {
		h.t.Fatalf("snapshot failed: %v", err)
	}
	return s
}

func energy(buf []float32) float64 {
	var e float64
	for _, v := range buf {
		e += float64(v) * float64(v)
	}
	return e
}

func TestFreezeAtomicity(t *testing.T) {
	h := newHarness(t, polysynth.DefaultSnapshot())
	var replies []int32
	h.m.OnReply(func(msg bridge.Message) {
		if string(msg.Path()) == "/volume" {
			v, _ := msg.Int(0)
			replies = append(replies, v)
		}
	})
	if err := h.m.Send("/volume", 10); err != nil {
		t.Fatal(err)
	}
	if err := h.m.Send("/volume"); err != nil {
		t.Fatal(err)
	}
	err := h.m.DoReadOnlyOp(func(e *engine.Engine) error {
		if v := e.Snapshot().Volume; v != 10 {
			t.Errorf("volume seen while frozen = %d, want 10", v)
		}
		h.m.Send("/volume", 20)
		h.m.Send("/part1/Penabled", true)
		h.m.Send("/volume", 30)
		h.render()
		if v := e.Snapshot().Volume; v != 10 {
			t.Errorf("volume changed to %d while frozen", v)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read-only op failed: %v", err)
	}
	if len(replies) != 0 {
		t.Fatalf("replies delivered during the op: %v", replies)
	}
	h.step(1)
	if !reflect.DeepEqual(replies, []int32{10}) {
		t.Fatalf("replies = %v, want [10]", replies)
	}
	s := h.snapshot()
	if s.Volume != 30 || !s.Parts[1].Enabled {
		t.Fatalf("messages sent while frozen not applied in order: volume %d, part 1 enabled %v", s.Volume, s.Parts[1].Enabled)
	}
}

func TestFreezeTimeout(t *testing.T) {
	h := newHarness(t, polysynth.DefaultSnapshot())
	h.clock.onSleep = nil
	start := h.clock.Now()
	err := h.m.DoReadOnlyOp(func(*engine.Engine) error {
		t.Error("op ran without a freeze acknowledgement")
		return nil
	})
	if !errors.Is(err, middleware.ErrFreezeTimeout) {
		t.Fatalf("err = %v, want ErrFreezeTimeout", err)
	}
	if waited := h.clock.Now().Sub(start); waited < 100*time.Millisecond || waited > 200*time.Millisecond {
		t.Fatalf("waited %v for the freeze", waited)
	}
	// the engine comes back: the late ack must not confuse the next freeze
	h.clock.onSleep = h.render
	if err := h.m.Send("/volume", 7); err != nil {
		t.Fatal(err)
	}
	h.step(2)
	if s := h.snapshot(); s.Volume != 7 {
		t.Fatalf("volume = %d after the engine came back, want 7", s.Volume)
	}
	if s := h.snapshot(); s.Volume != 7 {
		t.Fatalf("second snapshot volume = %d, want 7", s.Volume)
	}
}

func TestFullQueueIsReported(t *testing.T) {
	h := newHarness(t, polysynth.DefaultSnapshot())
	last := -1
	for i := 0; ; i++ {
		err := h.m.Send("/volume", i%128)
		if errors.Is(err, bridge.ErrFull) {
			break
		}
		if err != nil {
			t.Fatalf("send failed: %v", err)
		}
		last = i % 128
		if i > 100000 {
			t.Fatal("queue never filled")
		}
	}
	h.step(2)
	if s := h.snapshot(); s.Volume != last {
		t.Fatalf("volume = %d, want the last accepted value %d", s.Volume, last)
	}
}

func richSnapshot() polysynth.Snapshot {
	s := polysynth.DefaultSnapshot()
	s.Volume = 100
	s.Parts[3].Enabled = true
	s.Parts[3].Instrument = polysynth.Instrument{Type: "subtractive", Name: "lead", Parameters: map[string]int{"cutoff": 30}}
	s.InsEffects[0] = polysynth.InsEffect{Target: polysynth.InsertionMaster, Effect: polysynth.EffectPreset{Type: polysynth.EffectLowpass, Params: []int{100, 50}}}
	s.SysEffects[1].Effect = polysynth.EffectPreset{Type: polysynth.EffectEcho}
	s.SysEffects[1].Sends[3] = 90
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	h := newHarness(t, richSnapshot())
	if err := h.m.Send("/part3/Pvolume", 70); err != nil {
		t.Fatal(err)
	}
	h.step(1)
	want := h.snapshot()
	for _, asJSON := range []bool{false, true} {
		var buf bytes.Buffer
		if err := h.m.Save(&buf, asJSON); err != nil {
			t.Fatalf("save (json %v) failed: %v", asJSON, err)
		}
		h2 := newHarness(t, polysynth.DefaultSnapshot())
		if err := h2.m.Load(&buf); err != nil {
			t.Fatalf("load (json %v) failed: %v", asJSON, err)
		}
		h2.step(2)
		if got := h2.snapshot(); !reflect.DeepEqual(got, want) {
			t.Errorf("round trip (json %v) changed the session:\ngot  %+v\nwant %+v", asJSON, got, want)
		}
	}
}

func TestLoadRejectsBadSessions(t *testing.T) {
	h := newHarness(t, polysynth.DefaultSnapshot())
	h.m.Send("/volume", 42)
	h.step(1)
	current := h.m.Host().Engine()

	future := polysynth.DefaultSnapshot()
	future.Version = "3.0.0"
	futureJSON, _ := json.Marshal(future)
	invalid := polysynth.DefaultSnapshot()
	invalid.Parts[2].Volume = 300
	invalidYAML, err := middleware.Marshal(invalid, false)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name  string
		input []byte
		want  error
	}{
		{"malformed", []byte("volume: [unterminated"), nil},
		{"empty", []byte("{}"), polysynth.ErrInvalidSnapshot},
		{"future version", futureJSON, middleware.ErrIncompatibleVersion},
		{"out of range", invalidYAML, polysynth.ErrInvalidSnapshot},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.m.Load(bytes.NewReader(tt.input))
			if err == nil {
				t.Fatal("load succeeded")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			h.step(1)
			if h.m.Host().Engine() != current {
				t.Fatal("engine replaced by a failed load")
			}
			if s := h.snapshot(); s.Volume != 42 {
				t.Fatalf("volume = %d after a failed load, want 42", s.Volume)
			}
		})
	}
	if len(h.m.Alerts().Active()) == 0 {
		t.Error("failed loads raised no alert")
	}
}

func TestLoadSnapshotReplacesEngine(t *testing.T) {
	h := newHarness(t, polysynth.DefaultSnapshot())
	old := h.m.Host().Engine()
	s := polysynth.DefaultSnapshot()
	s.Volume = 5
	if err := h.m.LoadSnapshot(s); err != nil {
		t.Fatal(err)
	}
	h.step(1)
	if h.m.Host().Engine() == old {
		t.Fatal("engine was not replaced")
	}
	if n := h.m.Pair().Handles.InUse(); n != 0 {
		t.Fatalf("%d handles still in use after the swap", n)
	}
	if v := h.snapshot().Volume; v != 5 {
		t.Fatalf("volume = %d, want 5", v)
	}
}

func TestSaveFileAndReadSession(t *testing.T) {
	h := newHarness(t, richSnapshot())
	path := t.TempDir() + "/session.json"
	if err := h.m.SaveFile(path); err != nil {
		t.Fatal(err)
	}
	if h.m.Path() != path {
		t.Fatalf("path = %q, want %q", h.m.Path(), path)
	}
	s, err := middleware.ReadSession(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.Version == "" || s.Parts[3].Instrument.Name != "lead" {
		t.Fatalf("unexpected session read back: version %q, part 3 %+v", s.Version, s.Parts[3].Instrument)
	}
	h2 := newHarness(t, polysynth.DefaultSnapshot())
	if err := h2.m.LoadFile(path); err != nil {
		t.Fatal(err)
	}
	h2.step(1)
	if v := h2.snapshot().Volume; v != 100 {
		t.Fatalf("volume = %d after LoadFile, want 100", v)
	}
}

func TestMemoryRequestIsGranted(t *testing.T) {
	cfg := testConfig()
	cfg.PoolBlocks = 1
	cfg.PoolCapacity = 16
	cfg.PoolWatermark = 4
	h := newHarnessConfig(t, cfg, polysynth.DefaultSnapshot())
	h.step(3)
	if g := h.m.Granted(); g != 8 {
		t.Fatalf("granted %d blocks, want 8", g)
	}
	if n := h.m.Pair().Handles.InUse(); n != 0 {
		t.Fatalf("%d handles still in use after the grant was consumed", n)
	}
	h.step(3)
	if g := h.m.Granted(); g != 8 {
		t.Fatalf("granted %d blocks after the pool was refilled, want 8", g)
	}
}

func TestRetiredEngineGivesUpGrantedMemory(t *testing.T) {
	cfg := testConfig()
	cfg.PoolBlocks = 1
	cfg.PoolCapacity = 16
	cfg.PoolWatermark = 4
	h := newHarnessConfig(t, cfg, polysynth.DefaultSnapshot())
	h.step(3)
	before := h.m.Granted()
	if before == 0 || h.m.Held() != before {
		t.Fatalf("held %d of %d granted blocks", h.m.Held(), before)
	}
	old := h.m.Host().Engine()
	if err := h.m.LoadSnapshot(polysynth.DefaultSnapshot()); err != nil {
		t.Fatal(err)
	}
	h.step(4)
	if h.m.Host().Engine() == old {
		t.Fatal("engine was not replaced")
	}
	if got, want := h.m.Held(), h.m.Granted()-before; got != want {
		t.Fatalf("held %d blocks after the swap, want %d granted to the new engine", got, want)
	}
	if n := h.m.Pair().Handles.InUse(); n != 0 {
		t.Fatalf("%d handles still in use", n)
	}
}

func TestPadTableIsBuiltAndDelivered(t *testing.T) {
	s := polysynth.DefaultSnapshot()
	s.Parts[0].Instrument = polysynth.Instrument{Type: "pad", Parameters: map[string]int{"harmonics": 4, "attack": 0}}
	h := newHarness(t, s)
	for i := 0; h.m.TablesPending() > 0; i++ {
		if i > 2000 {
			t.Fatal("wavetable was never built")
		}
		time.Sleep(time.Millisecond)
		h.m.Tick()
	}
	if err := h.m.NoteOn(0, 60, 100); err != nil {
		t.Fatal(err)
	}
	h.step(2)
	if energy(h.l)+energy(h.r) == 0 {
		t.Fatal("pad part silent after its table was delivered")
	}
	h.step(1)
	if n := h.m.Pair().Handles.InUse(); n != 0 {
		t.Fatalf("%d handles still in use", n)
	}
}

func TestOfflineEngine(t *testing.T) {
	h := newHarness(t, polysynth.DefaultSnapshot())
	h.clock.onSleep = nil
	h.clock.now = h.clock.now.Add(2 * time.Hour)
	h.m.Tick()
	if !h.m.Offline() {
		t.Fatal("engine not offline")
	}
	ran := false
	if err := h.m.DoReadOnlyOp(func(*engine.Engine) error { ran = true; return nil }); err != nil || !ran {
		t.Fatalf("read-only op on an offline engine: ran %v, err %v", ran, err)
	}
	found := false
	for _, a := range h.m.Alerts().Active() {
		found = found || a.Name == "offline"
	}
	if !found {
		t.Error("no offline alert")
	}

	s := polysynth.DefaultSnapshot()
	s.Volume = 3
	if err := h.m.LoadSnapshot(s); err != nil {
		t.Fatal(err)
	}
	if v := h.m.Host().Engine().Snapshot().Volume; v != 3 {
		t.Fatalf("offline load not installed, volume %d", v)
	}
	h.m.Send("/volume", 9)
	if !h.m.DrainOffline() {
		t.Fatal("DrainOffline did nothing")
	}
	if v := h.snapshot().Volume; v != 9 {
		t.Fatalf("volume = %d after draining, want 9", v)
	}

	h.clock.onSleep = h.render
	h.step(2)
	if h.m.Offline() {
		t.Fatal("engine still offline after it rendered again")
	}
}

func TestRecorder(t *testing.T) {
	h := newHarness(t, polysynth.DefaultSnapshot())
	if err := h.m.StartRecording(); err != nil {
		t.Fatal(err)
	}
	if err := h.m.StartRecording(); !errors.Is(err, middleware.ErrRecording) {
		t.Fatalf("second start: err = %v, want ErrRecording", err)
	}
	h.step(2)
	if armed, triggered := h.m.Recording(); !armed || triggered {
		t.Fatalf("armed %v, triggered %v before the first note", armed, triggered)
	}
	h.m.NoteOn(0, 60, 100)
	h.step(4)
	if _, triggered := h.m.Recording(); !triggered {
		t.Fatal("recording not triggered by the first note")
	}
	var buf bytes.Buffer
	if err := h.m.StopRecording(&buf, true); err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("RIFF")) || buf.Len() <= 44 {
		t.Fatalf("recording is not a WAV file with audio (%d bytes)", buf.Len())
	}
	if err := h.m.StopRecording(&buf, true); !errors.Is(err, middleware.ErrNotRecording) {
		t.Fatalf("second stop: err = %v, want ErrNotRecording", err)
	}
}

// runScript runs a script on its own goroutine while the test ticks.
func (h *harness) runScript(src string) error {
	errc := make(chan error, 1)
	go func() { errc <- h.m.RunScript(context.Background(), "test", src) }()
	for i := 0; i < 10000; i++ {
		select {
		case err := <-errc:
			return err
		default:
		}
		h.step(1)
		time.Sleep(100 * time.Microsecond)
	}
	h.t.Fatal("script did not finish")
	return nil
}

func TestRunScript(t *testing.T) {
	h := newHarness(t, polysynth.DefaultSnapshot())
	if err := h.runScript(`
		send("/volume", 33)
		send("/part2/Penabled", true)
		note_on(0, 60)
		log("done")
	`); err != nil {
		t.Fatalf("script failed: %v", err)
	}
	h.step(1)
	s := h.snapshot()
	if s.Volume != 33 || !s.Parts[2].Enabled {
		t.Fatalf("script had no effect: volume %d, part 2 enabled %v", s.Volume, s.Parts[2].Enabled)
	}
	if err := h.runScript(`send("/volume", {})`); err == nil {
		t.Fatal("script with a table argument succeeded")
	}
}

func TestOSCForwardsMessages(t *testing.T) {
	h := newHarness(t, polysynth.DefaultSnapshot())
	ep, err := h.m.ServeOSC("127.0.0.1:0", "")
	if err != nil {
		t.Skipf("cannot listen on UDP: %v", err)
	}
	defer ep.Close()
	port := ep.Addr().(*net.UDPAddr).Port
	client := osc.NewClient("127.0.0.1", port)
	if err := client.Send(osc.NewMessage("/volume", int32(55))); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.m.Host().Engine().Snapshot().Volume != 55 {
		if time.Now().After(deadline) {
			t.Fatal("OSC message never reached the engine")
		}
		time.Sleep(time.Millisecond)
		h.step(1)
	}
}

func TestReport(t *testing.T) {
	s := richSnapshot()
	var buf bytes.Buffer
	if err := middleware.Report(&buf, s); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"Subtractive", `"lead"`, "Lowpass on master", "Echo", "3:90"} {
		if !strings.Contains(out, want) {
			t.Errorf("report does not mention %q:\n%s", want, out)
		}
	}
}

func TestAlerts(t *testing.T) {
	h := newHarness(t, polysynth.DefaultSnapshot())
	a := h.m.Alerts()
	a.Add("hello", middleware.Info)
	a.AddNamed("x", "first", middleware.Warning)
	a.AddNamed("x", "second", middleware.Error)
	active := a.Active()
	if len(active) != 2 {
		t.Fatalf("%d alerts, want 2", len(active))
	}
	if active[0].Message != "second" || active[0].Priority != middleware.Error {
		t.Fatalf("first alert = %+v, want the replacing error", active[0])
	}
	h.clock.now = h.clock.now.Add(4 * time.Second)
	if n := len(a.Active()); n != 0 {
		t.Fatalf("%d alerts left after they expired", n)
	}
}
