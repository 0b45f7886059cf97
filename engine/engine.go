// Package engine implements the real-time side of the synthesizer: the engine
// that mixes parts and effects into stereo blocks, driven by messages read
// from a bridge.Pair.
package engine

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/viterin/vek/vek32"
	"github.com/vsariola/polysynth"
	"github.com/vsariola/polysynth/bridge"
)

type (
	// Engine owns the parts, effects, routing and metering of one
	// synthesizer instance. ProduceBuffer and everything reached from it run
	// on the audio goroutine and never block or allocate. All state except
	// the atomics is touched only by that goroutine, the control goroutine
	// talks to the engine through the message queues of its Pair.
	Engine struct {
		cfg  polysynth.Config
		pair *bridge.Pair

		// params holds every value reachable from path addressed messages;
		// effect parameters live in the effects themselves.
		params     polysynth.Snapshot
		parts      [polysynth.NumParts]polysynth.Part
		insEffects [polysynth.NumInsEffects]polysynth.Effect
		sysEffects [polysynth.NumSysEffects]polysynth.Effect
		routing    Routing

		faulted   [polysynth.NumParts]bool
		partNotes [polysynth.NumParts]noteSet
		// note number each held key was played with, after the key shift
		partKeys [polysynth.NumParts][polysynth.NumNotes]byte
		active   noteSet
		nrpn      nrpn

		partL, partR [polysynth.NumParts][]float32
		partGainL    [polysynth.NumParts]Smoother
		partGainR    [polysynth.NumParts]Smoother
		masterGain   Smoother
		sysL, sysR   [polysynth.NumSysEffects][]float32
		tmpL, tmpR   []float32
		dryL, dryR   []float32

		meter Meter
		pool  *Pool

		frozen   bool
		deferred *bridge.Ring
		shutup   bool
		recorder recorderState
		overrun  bool

		memRequested bool
		successor    *Engine

		unsentFree [8]bridge.Handle
		unfreed    int

		enc       *bridge.Encoder
		msgBuf    []byte
		deferBuf  []byte
		keyBuf    []byte
		recordBuf []byte

		frames  atomic.Int64
		dropped atomic.Int64
	}

	recorderState int
)

const (
	recorderIdle recorderState = iota
	recorderArmed
	recorderRunning
)

const maxPathLength = 128

// New constructs an engine from a snapshot. Parts and effects are built with
// factory on the calling goroutine, so New must not be called on the audio
// goroutine.
func New(cfg polysynth.Config, pair *bridge.Pair, factory polysynth.Factory, s polysynth.Snapshot) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	n := cfg.BufferSize
	e := &Engine{
		cfg:       cfg,
		pair:      pair,
		params:    s.Copy(),
		nrpn:      newNRPN(),
		pool:      NewPool(n, cfg.PoolBlocks, cfg.PoolCapacity),
		deferred:  bridge.NewRing(cfg.QueueSize),
		enc:       bridge.NewEncoder(bridge.MaxMessageSize),
		msgBuf:    make([]byte, bridge.MaxMessageSize),
		deferBuf:  make([]byte, bridge.MaxMessageSize),
		keyBuf:    make([]byte, 0, maxPathLength),
		recordBuf: make([]byte, 8*n),
		tmpL:      make([]float32, n),
		tmpR:      make([]float32, n),
		dryL:      make([]float32, n),
		dryR:      make([]float32, n),
	}
	e.params.Version = ""
	if cfg.SwapLR {
		e.params.SwapLR = true
	}
	for i, p := range e.params.Parts {
		part, err := factory.NewPart(p.Instrument, cfg)
		if err != nil {
			return nil, fmt.Errorf("part %d: %w", i, err)
		}
		if au, ok := part.(polysynth.AllocatorUser); ok {
			au.UseAllocator(e.pool)
		}
		e.parts[i] = part
		e.partL[i], e.partR[i] = make([]float32, n), make([]float32, n)
	}
	for i, fx := range e.params.InsEffects {
		effect, err := newEffect(factory, fx.Effect, cfg)
		if err != nil {
			return nil, fmt.Errorf("insertion effect %d: %w", i, err)
		}
		e.insEffects[i] = effect
		e.params.InsEffects[i].Effect.Params = nil
	}
	for i, fx := range e.params.SysEffects {
		effect, err := newEffect(factory, fx.Effect, cfg)
		if err != nil {
			return nil, fmt.Errorf("system effect %d: %w", i, err)
		}
		e.sysEffects[i] = effect
		e.params.SysEffects[i].Effect.Params = nil
		e.sysL[i], e.sysR[i] = make([]float32, n), make([]float32, n)
	}
	e.routing.Load(&e.params)
	for i := range e.parts {
		e.updatePartGain([2]int{i})
		e.partGainL[i].Reset()
		e.partGainR[i].Reset()
	}
	e.masterGain = NewSmoother(volumeGain(e.params.Volume))
	return e, nil
}

func newEffect(factory polysynth.Factory, preset polysynth.EffectPreset, cfg polysynth.Config) (polysynth.Effect, error) {
	if preset.Type == polysynth.EffectNone {
		return nil, nil
	}
	return factory.NewEffect(preset, cfg)
}

// ProduceBuffer renders one block into outL and outR. The block is as long as
// the shorter of the two, at most the configured buffer size. A panic while
// rendering silences the block and is reported with /engine-fault.
func (e *Engine) ProduceBuffer(outL, outR []float32) {
	n := min(len(outL), len(outR), e.cfg.BufferSize)
	outL, outR = outL[:n], outR[:n]
	defer func() {
		if recover() != nil {
			clear(outL)
			clear(outR)
			e.shutup = false
			e.enc.Begin("/engine-fault")
			e.send()
			e.frames.Add(int64(n))
			e.pair.Heartbeat.Echo()
		}
	}()
	e.produce(outL, outR, n)
}

func (e *Engine) produce(devL, devR []float32, n int) {
	outL, outR := devL, devR
	e.Drain()
	e.checkMemory()
	if e.params.SwapLR {
		outL, outR = outR, outL
	}
	clear(outL)
	clear(outR)
	for i := range e.parts {
		if e.partActive(i) {
			l, r := e.partL[i][:n], e.partR[i][:n]
			e.play(i, func(p polysynth.Part) { p.ComputeBlock(l, r) })
		}
	}
	for k, fx := range e.insEffects {
		if t := e.routing.Target[k]; fx != nil && t >= 0 && e.partActive(t) {
			e.insert(fx, e.partL[t][:n], e.partR[t][:n])
		}
	}
	for i := range e.parts {
		if e.partActive(i) {
			e.partGainL[i].Apply(e.partL[i][:n])
			e.partGainR[i].Apply(e.partR[i][:n])
		}
	}
	e.systemEffects(outL, outR, n)
	for i := range e.parts {
		if e.partActive(i) {
			vek32.Add_Inplace(outL, e.partL[i][:n])
			vek32.Add_Inplace(outR, e.partR[i][:n])
		}
	}
	for k, fx := range e.insEffects {
		if fx != nil && e.routing.Target[k] == polysynth.InsertionMaster {
			e.insert(fx, outL, outR)
		}
	}
	e.masterGain.ApplyStereo(outL, outR)
	e.meter.updateOutput(outL, outR)
	for i := range e.parts {
		e.meter.updatePart(i, e.partActive(i), e.partL[i][:n], e.partR[i][:n])
	}
	if e.shutup {
		fade(outL)
		fade(outR)
		e.cleanupAll()
	}
	e.record(devL, devR)
	e.frames.Add(int64(n))
	e.pair.Heartbeat.Echo()
}

// Drain applies pending inbound messages, at most MaxEventsPerBlock from each
// queue, the control queue first. ProduceBuffer calls it at the start of
// every block; the control side may only call it while the audio goroutine is
// known to be stopped.
func (e *Engine) Drain() {
	e.retryFree()
	if !e.frozen && e.deferred.Len() > 0 {
		// handed over by the engine this one replaced
		e.thaw()
	}
	e.drain(e.pair.ToEngine)
	e.drain(e.pair.MIDI)
}

func (e *Engine) drain(r *bridge.Ring) {
	for i := 0; i < e.cfg.MaxEventsPerBlock && e.successor == nil; i++ {
		size, ok, err := r.Next(e.msgBuf)
		if err != nil {
			r.Discard()
			e.enc.Begin("/malformed")
			e.send()
			continue
		}
		if !ok {
			return
		}
		m, err := bridge.Parse(e.msgBuf[:size])
		if err != nil {
			r.Discard()
			e.enc.Begin("/malformed")
			e.send()
			continue
		}
		if e.frozen && !e.deferred.Fits(size) {
			// leave it queued until thawed, unless it can run now
			if p, _, status := e.lookup(m); status == "" && p.defers(m, e.deferred.Len() > 0) {
				return
			}
		}
		r.Discard()
		e.apply(m)
	}
}

// ApplyEvent applies one encoded message. Unknown addresses, bad indices and
// malformed messages are reported on the outbound queue.
func (e *Engine) ApplyEvent(b []byte) {
	m, err := bridge.Parse(b)
	if err != nil {
		e.enc.Begin("/malformed")
		e.send()
		return
	}
	e.apply(m)
}

func (e *Engine) apply(m bridge.Message) {
	p, idx, status := e.lookup(m)
	if status != "" {
		e.status(status, m.Path())
		return
	}
	if e.frozen && p.defers(m, e.deferred.Len() > 0) {
		if e.deferred.Write(m) != nil {
			e.dropped.Add(1)
		}
		return
	}
	p.handle(e, m, idx)
}

// lookup finds the port of a message. On failure it returns the address of
// the status message to report.
func (e *Engine) lookup(m bridge.Message) (port, [2]int, string) {
	key, idx, n, ok := normalize(e.keyBuf[:0], m.Path())
	if !ok {
		return port{}, idx, "/undefined-path"
	}
	p, ok := ports[string(key)]
	if !ok {
		return port{}, idx, "/undefined-path"
	}
	for k := 0; k < n; k++ {
		if idx[k] >= p.limits[k] {
			return port{}, idx, "/invalid-index"
		}
	}
	return p, idx, ""
}

// thaw resumes normal operation and applies the messages set aside while
// frozen, in the order they arrived. Once a deferred /load-master installs a
// successor, the rest goes to the successor's queue.
func (e *Engine) thaw() {
	e.frozen = false
	for {
		if e.successor != nil {
			e.handOverDeferred(e.successor)
			return
		}
		n, ok, err := e.deferred.Read(e.deferBuf)
		if err != nil {
			e.deferred.Discard()
			e.dropped.Add(1)
			continue
		}
		if !ok {
			return
		}
		e.apply(bridge.Message(e.deferBuf[:n]))
	}
}

// adopt takes over the /free messages prev could not send yet.
func (e *Engine) adopt(prev *Engine) {
	for _, h := range prev.unsentFree[:prev.unfreed] {
		if e.unfreed == len(e.unsentFree) {
			e.dropped.Add(1)
			continue
		}
		e.unsentFree[e.unfreed] = h
		e.unfreed++
	}
	prev.unfreed = 0
}

func (e *Engine) handOverDeferred(next *Engine) {
	for {
		n, ok, err := e.deferred.Read(e.deferBuf)
		if err != nil {
			e.deferred.Discard()
			e.dropped.Add(1)
			continue
		}
		if !ok {
			return
		}
		if next.deferred.Write(e.deferBuf[:n]) != nil {
			e.dropped.Add(1)
		}
	}
}

func (e *Engine) send() {
	if e.enc.WriteTo(e.pair.ToControl) != nil {
		e.dropped.Add(1)
	}
}

// checkMemory asks the control side for more real-time memory when the pool
// runs low. Only one request is outstanding at a time.
func (e *Engine) checkMemory() {
	if e.memRequested || e.pool.Available() >= e.cfg.PoolWatermark {
		return
	}
	want := min(e.pool.Capacity()-e.pool.Available(), max(2*e.cfg.PoolWatermark, 1))
	if want <= 0 {
		return
	}
	e.enc.Begin("/request-memory").Int(int32(want))
	if e.enc.WriteTo(e.pair.ToControl) == nil {
		e.memRequested = true
	}
}

// play calls f with part i. A part that panics is disabled until it is
// enabled or replaced again, and reported with /part-fault.
func (e *Engine) play(i int, f func(polysynth.Part)) {
	defer func() {
		if recover() != nil {
			e.faulted[i] = true
			clear(e.partL[i])
			clear(e.partR[i])
			e.partNotes[i] = noteSet{}
			e.enc.Begin("/part-fault").Int(int32(i))
			e.send()
		}
	}()
	f(e.parts[i])
}

func (e *Engine) partActive(i int) bool {
	return e.params.Parts[i].Enabled && !e.faulted[i]
}

// insert applies an insertion effect in place, crossfading from the dry to
// the processed signal by the effect's output volume.
func (e *Engine) insert(fx polysynth.Effect, l, r []float32) {
	dryL, dryR := e.dryL[:len(l)], e.dryR[:len(r)]
	copy(dryL, l)
	copy(dryR, r)
	fx.Apply(l, r)
	wet := fx.OutputVolume()
	vek32.MulNumber_Inplace(l, wet)
	vek32.MulNumber_Inplace(r, wet)
	vek32.MulNumber_Inplace(dryL, 1-wet)
	vek32.MulNumber_Inplace(dryR, 1-wet)
	vek32.Add_Inplace(l, dryL)
	vek32.Add_Inplace(r, dryR)
}

// systemEffects runs the system effects in index order. The input of each is
// the mix of the part sends and of the outputs of earlier effects; its output
// is kept for later effects and added to the master bus.
func (e *Engine) systemEffects(outL, outR []float32, n int) {
	tmpL, tmpR := e.tmpL[:n], e.tmpR[:n]
	for k, fx := range e.sysEffects {
		if fx == nil {
			continue
		}
		inL, inR := e.sysL[k][:n], e.sysR[k][:n]
		clear(inL)
		clear(inR)
		for p := range e.parts {
			if g := e.routing.Send[k][p]; g != 0 && e.partActive(p) {
				mixInto(inL, inR, e.partL[p][:n], e.partR[p][:n], g, tmpL, tmpR)
			}
		}
		for j := 0; j < k; j++ {
			if g := e.routing.Chain[j][k]; g != 0 && e.sysEffects[j] != nil {
				mixInto(inL, inR, e.sysL[j][:n], e.sysR[j][:n], g, tmpL, tmpR)
			}
		}
		fx.Apply(inL, inR)
		mixInto(outL, outR, inL, inR, fx.OutputVolume(), tmpL, tmpR)
	}
}

// mixInto adds srcL, srcR times g to dstL, dstR, using tmpL, tmpR as scratch.
func mixInto(dstL, dstR, srcL, srcR []float32, g float32, tmpL, tmpR []float32) {
	vek32.MulNumber_Into(tmpL, srcL, g)
	vek32.MulNumber_Into(tmpR, srcR, g)
	vek32.Add_Inplace(dstL, tmpL)
	vek32.Add_Inplace(dstR, tmpR)
}

func fade(buf []float32) {
	n := float32(len(buf))
	for i := range buf {
		buf[i] *= 1 - float32(i)/n
	}
}

// ShutUp requests a fade to silence at the end of the current block, after
// which all voices, effect buffers, active notes and meters are cleared.
// Calling it again before that has no further effect.
func (e *Engine) ShutUp() { e.shutup = true }

func (e *Engine) cleanupAll() {
	for i := range e.parts {
		e.play(i, polysynth.Part.Cleanup)
		e.partNotes[i] = noteSet{}
		clear(e.partL[i])
		clear(e.partR[i])
	}
	e.cleanupEffects()
	e.active = noteSet{}
	e.nrpn = newNRPN()
	e.meter.Reset()
	e.shutup = false
}

func (e *Engine) cleanupEffects() {
	for _, fx := range e.insEffects {
		if fx != nil {
			fx.Cleanup()
		}
	}
	for k, fx := range e.sysEffects {
		if fx != nil {
			fx.Cleanup()
			clear(e.sysL[k])
			clear(e.sysR[k])
		}
	}
}

// resetRouting returns the routing matrices to their defaults: no sends, no
// chains and no insertion effects in use.
func (e *Engine) resetRouting() {
	e.routing.Reset()
	for i := range e.params.InsEffects {
		e.params.InsEffects[i].Target = polysynth.InsertionDisabled
	}
	for i := range e.params.SysEffects {
		clear(e.params.SysEffects[i].Sends)
		clear(e.params.SysEffects[i].Chain)
	}
}

// record streams the block to the audio queue as interleaved little endian
// float32 frames while the recorder runs.
func (e *Engine) record(l, r []float32) {
	if e.recorder != recorderRunning {
		return
	}
	b := e.recordBuf[:8*len(l)]
	for i := range l {
		binary.LittleEndian.PutUint32(b[8*i:], math.Float32bits(l[i]))
		binary.LittleEndian.PutUint32(b[8*i+4:], math.Float32bits(r[i]))
	}
	if e.pair.Audio.Write(b) != nil {
		if !e.overrun {
			e.overrun = true
			e.enc.Begin("/recorder/overrun")
			e.send()
		}
		return
	}
	e.overrun = false
}

// Snapshot returns a copy of the parameter tree. It may only be called while
// the audio goroutine cannot change parameters: while the engine is frozen,
// before it first runs or after it stopped for good.
func (e *Engine) Snapshot() polysynth.Snapshot {
	s := e.params.Copy()
	for i, fx := range e.insEffects {
		s.InsEffects[i].Effect.Params = effectParams(fx)
	}
	for i, fx := range e.sysEffects {
		s.SysEffects[i].Effect.Params = effectParams(fx)
	}
	return s
}

func effectParams(fx polysynth.Effect) []int {
	if fx == nil {
		return nil
	}
	ret := make([]int, polysynth.MaxEffectParams)
	for i := range ret {
		ret[i] = int(fx.Param(i))
	}
	return ret
}

func (e *Engine) Config() polysynth.Config { return e.cfg }
func (e *Engine) Pair() *bridge.Pair       { return e.pair }

// Frames returns the number of frames rendered so far.
func (e *Engine) Frames() int64 { return e.frames.Load() }

// Dropped returns the number of outbound messages lost because the outbound
// queue was full.
func (e *Engine) Dropped() int64 { return e.dropped.Load() }
