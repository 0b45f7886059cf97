package engine

import (
	"math"

	"github.com/vsariola/polysynth"
	"github.com/vsariola/polysynth/bridge"
)

type (
	// port is the handler of one address pattern. Numbers at the end of a
	// path segment are replaced with '#' to find the port, and passed to the
	// handler as indices, after checking them against limits.
	port struct {
		limits [2]int
		kind   portKind
		handle func(e *Engine, m bridge.Message, idx [2]int)
	}

	portKind int

	// LoadedPart carries a part constructed on the control goroutine to
	// /part#/load. The same value comes back with /free holding the part it
	// replaced.
	LoadedPart struct {
		Part       polysynth.Part
		Instrument polysynth.Instrument
	}

	// LoadedEffect carries an effect to /insefx#/load or /sysefx#/load. A nil
	// Effect with type EffectNone disables the slot.
	LoadedEffect struct {
		Effect polysynth.Effect
		Type   int
	}
)

const (
	// kindParam ports change state when set and only read it when called
	// without arguments.
	kindParam portKind = iota
	// kindCommand ports always change state.
	kindCommand
	// kindTransient ports never touch state that is part of a snapshot, so
	// they run even while the engine is frozen.
	kindTransient
	// kindNote ports play while frozen, but queue up behind deferred
	// messages so a note never overtakes the change it was sent after.
	kindNote
)

func (p *port) mutates(m bridge.Message) bool {
	switch p.kind {
	case kindParam:
		return m.NumArgs() > 0
	case kindCommand:
		return true
	}
	return false
}

// defers reports whether m has to wait for the thaw. pending is set when
// earlier messages already wait.
func (p *port) defers(m bridge.Message, pending bool) bool {
	return p.mutates(m) || (p.kind == kindNote && pending)
}

var (
	noIndex   = [2]int{}
	partIndex = [2]int{polysynth.NumParts}
	insIndex  = [2]int{polysynth.NumInsEffects}
	sysIndex  = [2]int{polysynth.NumSysEffects}
)

var ports map[string]port

func init() {
	ports = map[string]port{
		"/volume": intPort(0, 127, noIndex,
			func(e *Engine, _ [2]int) *int { return &e.params.Volume },
			func(e *Engine, _ [2]int) { e.masterGain.Set(volumeGain(e.params.Volume)) }),
		"/Pkeyshift": intPort(0, 127, noIndex,
			func(e *Engine, _ [2]int) *int { return &e.params.KeyShift }, nil),
		"/Pswaplr": boolPort(noIndex,
			func(e *Engine, _ [2]int) *bool { return &e.params.SwapLR }, nil),

		"/part#/Penabled": boolPort(partIndex,
			func(e *Engine, idx [2]int) *bool { return &e.params.Parts[idx[0]].Enabled },
			(*Engine).partEnabledChanged),
		"/part#/Pvolume": intPort(0, 127, partIndex,
			func(e *Engine, idx [2]int) *int { return &e.params.Parts[idx[0]].Volume },
			(*Engine).updatePartGain),
		"/part#/Ppanning": intPort(0, 127, partIndex,
			func(e *Engine, idx [2]int) *int { return &e.params.Parts[idx[0]].Panning },
			(*Engine).updatePartGain),
		"/part#/Prcvchn": intPort(0, polysynth.NumMIDIChannels-1, partIndex,
			func(e *Engine, idx [2]int) *int { return &e.params.Parts[idx[0]].Channel },
			(*Engine).releasePart),
		"/part#/Pkeylimit": intPort(0, polysynth.NumNotes, partIndex,
			func(e *Engine, idx [2]int) *int { return &e.params.Parts[idx[0]].KeyLimit }, nil),
		"/part#/load":  {limits: partIndex, kind: kindCommand, handle: (*Engine).loadPart},
		"/part#/table": {limits: partIndex, kind: kindTransient, handle: (*Engine).swapTable},

		"/part#/ctl/bendrange": intPort(-6400, 6400, partIndex,
			func(e *Engine, idx [2]int) *int { return &e.params.Parts[idx[0]].Controller.BendRange }, nil),
		"/part#/ctl/modwheel.depth": intPort(0, 127, partIndex,
			func(e *Engine, idx [2]int) *int { return &e.params.Parts[idx[0]].Controller.ModWheelDepth }, nil),
		"/part#/ctl/portamento": boolPort(partIndex,
			func(e *Engine, idx [2]int) *bool { return &e.params.Parts[idx[0]].Controller.Portamento }, nil),
		"/part#/ctl/sustain.receive": boolPort(partIndex,
			func(e *Engine, idx [2]int) *bool { return &e.params.Parts[idx[0]].Controller.SustainReceive }, nil),

		"/insefx#/target": intPort(polysynth.InsertionDisabled, polysynth.NumParts-1, insIndex,
			func(e *Engine, idx [2]int) *int { return &e.params.InsEffects[idx[0]].Target },
			func(e *Engine, idx [2]int) {
				e.routing.SetTarget(idx[0], e.params.InsEffects[idx[0]].Target)
			}),
		"/insefx#/load":   {limits: insIndex, kind: kindCommand, handle: (*Engine).loadInsEffect},
		"/insefx#/param#": effectParamPort([2]int{polysynth.NumInsEffects, polysynth.MaxEffectParams}, func(e *Engine, i int) polysynth.Effect { return e.insEffects[i] }),

		"/sysefx#/load":   {limits: sysIndex, kind: kindCommand, handle: (*Engine).loadSysEffect},
		"/sysefx#/param#": effectParamPort([2]int{polysynth.NumSysEffects, polysynth.MaxEffectParams}, func(e *Engine, i int) polysynth.Effect { return e.sysEffects[i] }),
		"/sysefx#/send#": intPort(0, 127, [2]int{polysynth.NumSysEffects, polysynth.NumParts},
			func(e *Engine, idx [2]int) *int { return &e.params.SysEffects[idx[0]].Sends[idx[1]] },
			func(e *Engine, idx [2]int) {
				e.routing.SetSend(idx[0], idx[1], e.params.SysEffects[idx[0]].Sends[idx[1]])
			}),
		"/sysefx#/chain#": {limits: [2]int{polysynth.NumSysEffects, polysynth.NumSysEffects}, kind: kindParam, handle: (*Engine).chain},

		"/noteOn":        {kind: kindNote, handle: (*Engine).noteOnMessage},
		"/noteOff":       {kind: kindNote, handle: (*Engine).noteOffMessage},
		"/setController": {kind: kindCommand, handle: (*Engine).controllerMessage},
		"/panic": {kind: kindCommand, handle: func(e *Engine, _ bridge.Message, _ [2]int) {
			e.ShutUp()
			e.resetRouting()
		}},
		"/reset-routing": {kind: kindCommand, handle: func(e *Engine, _ bridge.Message, _ [2]int) { e.resetRouting() }},

		"/freeze_state": {kind: kindTransient, handle: func(e *Engine, _ bridge.Message, _ [2]int) {
			e.frozen = true
			e.enc.Begin("/state_frozen")
			e.send()
		}},
		"/thaw_state":    {kind: kindTransient, handle: func(e *Engine, _ bridge.Message, _ [2]int) { e.thaw() }},
		"/add-rt-memory": {kind: kindTransient, handle: (*Engine).addMemory},
		"/load-master":   {kind: kindCommand, handle: (*Engine).loadMaster},
		"/get-vu":        {kind: kindTransient, handle: func(e *Engine, _ bridge.Message, _ [2]int) { e.sendMeter() }},
		"/recorder/arm": {kind: kindTransient, handle: func(e *Engine, _ bridge.Message, _ [2]int) {
			if e.recorder == recorderIdle {
				e.recorder = recorderArmed
			}
		}},
		"/recorder/stop": {kind: kindTransient, handle: func(e *Engine, _ bridge.Message, _ [2]int) {
			e.recorder = recorderIdle
		}},
	}
}

// Addresses returns the address patterns the engine understands, '#'
// standing for an index.
func Addresses() []string {
	ret := make([]string, 0, len(ports))
	for k := range ports {
		ret = append(ret, k)
	}
	return ret
}

func intPort(lo, hi int, limits [2]int, field func(e *Engine, idx [2]int) *int, changed func(e *Engine, idx [2]int)) port {
	return port{limits: limits, kind: kindParam, handle: func(e *Engine, m bridge.Message, idx [2]int) {
		f := field(e, idx)
		if m.NumArgs() == 0 {
			e.enc.BeginBytes(m.Path()).Int(int32(*f))
			e.send()
			return
		}
		v, ok := argInt(m, 0)
		if !ok {
			e.status("/bad-argument", m.Path())
			return
		}
		*f = clamp(v, lo, hi)
		if changed != nil {
			changed(e, idx)
		}
	}}
}

func boolPort(limits [2]int, field func(e *Engine, idx [2]int) *bool, changed func(e *Engine, idx [2]int)) port {
	return port{limits: limits, kind: kindParam, handle: func(e *Engine, m bridge.Message, idx [2]int) {
		f := field(e, idx)
		if m.NumArgs() == 0 {
			e.enc.BeginBytes(m.Path()).Bool(*f)
			e.send()
			return
		}
		v, ok := argBool(m, 0)
		if !ok {
			e.status("/bad-argument", m.Path())
			return
		}
		*f = v
		if changed != nil {
			changed(e, idx)
		}
	}}
}

func effectParamPort(limits [2]int, slot func(e *Engine, i int) polysynth.Effect) port {
	return port{limits: limits, kind: kindParam, handle: func(e *Engine, m bridge.Message, idx [2]int) {
		fx := slot(e, idx[0])
		if m.NumArgs() == 0 {
			var v byte
			if fx != nil {
				v = fx.Param(idx[1])
			}
			e.enc.BeginBytes(m.Path()).Int(int32(v))
			e.send()
			return
		}
		v, ok := argInt(m, 0)
		if !ok {
			e.status("/bad-argument", m.Path())
			return
		}
		if fx != nil {
			fx.SetParamRealtime(idx[1], byte(clamp(v, 0, 127)))
		}
	}}
}

// argInt reads an int or float argument, rounding floats.
func argInt(m bridge.Message, i int) (int, bool) {
	v, ok := m.Number(i)
	if !ok || math.IsNaN(v) {
		return 0, false
	}
	return int(math.Round(max(min(v, math.MaxInt32), math.MinInt32))), true
}

func argBool(m bridge.Message, i int) (bool, bool) {
	if b, ok := m.Bool(i); ok {
		return b, true
	}
	if v, ok := m.Int(i); ok {
		return v != 0, true
	}
	return false, false
}

// normalize writes the port key of path into dst: every number following a
// non-slash character is replaced with '#' and returned in idx.
func normalize(dst, path []byte) (key []byte, idx [2]int, n int, ok bool) {
	if len(path) > cap(dst) {
		return nil, idx, 0, false
	}
	for i := 0; i < len(path); {
		c := path[i]
		if !isDigit(c) || i == 0 || path[i-1] == '/' {
			dst = append(dst, c)
			i++
			continue
		}
		if n == len(idx) {
			return nil, idx, 0, false
		}
		v := 0
		for ; i < len(path) && isDigit(path[i]); i++ {
			if v < math.MaxInt32/10 {
				v = v*10 + int(path[i]-'0')
			}
		}
		idx[n] = v
		n++
		dst = append(dst, '#')
	}
	return dst, idx, n, true
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func (e *Engine) status(path string, arg []byte) {
	e.enc.Begin(path).StrBytes(arg)
	e.send()
}

func (e *Engine) partEnabledChanged(idx [2]int) {
	i := idx[0]
	e.faulted[i] = false
	if !e.params.Parts[i].Enabled {
		e.releasePart(idx)
	}
}

// releasePart silences a part that stops receiving the notes it was playing.
func (e *Engine) releasePart(idx [2]int) {
	i := idx[0]
	e.play(i, polysynth.Part.Cleanup)
	e.partNotes[i] = noteSet{}
}

func (e *Engine) updatePartGain(idx [2]int) {
	i := idx[0]
	g := volumeGain(e.params.Parts[i].Volume)
	l, r := panGains(e.params.Parts[i].Panning)
	e.partGainL[i].Set(g * l)
	e.partGainR[i].Set(g * r)
}

func (e *Engine) chain(m bridge.Message, idx [2]int) {
	from, to := idx[0], idx[1]
	f := &e.params.SysEffects[from].Chain[to]
	if m.NumArgs() == 0 {
		e.enc.BeginBytes(m.Path()).Int(int32(*f))
		e.send()
		return
	}
	v, ok := argInt(m, 0)
	if !ok {
		e.status("/bad-argument", m.Path())
		return
	}
	v = clamp(v, 0, 127)
	if err := e.routing.SetChain(from, to, v); err != nil {
		e.status("/bad-argument", m.Path())
		return
	}
	*f = v
}

func (e *Engine) noteOnMessage(m bridge.Message, _ [2]int) {
	ch, ok1 := argInt(m, 0)
	note, ok2 := argInt(m, 1)
	vel, ok3 := argInt(m, 2)
	if !ok1 || !ok2 || !ok3 {
		e.status("/bad-argument", m.Path())
		return
	}
	var freq float32
	if f, ok := m.Number(3); ok && f > 0 {
		freq = float32(f)
	}
	e.NoteOn(byte(clamp(ch, 0, 15)), byte(clamp(note, 0, 127)), byte(clamp(vel, 0, 127)), freq)
}

func (e *Engine) noteOffMessage(m bridge.Message, _ [2]int) {
	ch, ok1 := argInt(m, 0)
	note, ok2 := argInt(m, 1)
	if !ok1 || !ok2 {
		e.status("/bad-argument", m.Path())
		return
	}
	e.NoteOff(byte(clamp(ch, 0, 15)), byte(clamp(note, 0, 127)))
}

func (e *Engine) controllerMessage(m bridge.Message, _ [2]int) {
	ch, ok1 := argInt(m, 0)
	typ, ok2 := argInt(m, 1)
	val, ok3 := argInt(m, 2)
	if !ok1 || !ok2 || !ok3 {
		e.status("/bad-argument", m.Path())
		return
	}
	e.SetController(byte(clamp(ch, 0, 15)), typ, val)
}

// takeHandle takes the object of the handle argument. Every handle taken must
// be given back with free, so the control side can release its slot.
func (e *Engine) takeHandle(m bridge.Message) (bridge.Handle, any, bool) {
	h, ok := m.Handle(0)
	if !ok {
		e.status("/bad-argument", m.Path())
		return h, nil, false
	}
	return h, e.pair.Handles.Take(h), true
}

// free gives v back to the control side. A /free that does not fit in the
// outbound queue is kept and sent again at the start of the next blocks.
func (e *Engine) free(h bridge.Handle, v any) {
	h = e.pair.Handles.Reuse(h, v, bridge.SideControl)
	if e.unfreed == 0 && e.sendFree(h) {
		return
	}
	if e.unfreed == len(e.unsentFree) {
		e.dropped.Add(1)
		return
	}
	e.unsentFree[e.unfreed] = h
	e.unfreed++
}

func (e *Engine) sendFree(h bridge.Handle) bool {
	e.enc.Begin("/free").Handle(h)
	return e.enc.WriteTo(e.pair.ToControl) == nil
}

func (e *Engine) retryFree() {
	n := 0
	for n < e.unfreed && e.sendFree(e.unsentFree[n]) {
		n++
	}
	if n > 0 {
		copy(e.unsentFree[:], e.unsentFree[n:e.unfreed])
		e.unfreed -= n
	}
}

func (e *Engine) loadPart(m bridge.Message, idx [2]int) {
	h, v, ok := e.takeHandle(m)
	if !ok {
		return
	}
	lp, ok := v.(*LoadedPart)
	if !ok || lp.Part == nil {
		e.status("/bad-argument", m.Path())
		e.free(h, v)
		return
	}
	i := idx[0]
	if au, ok := e.parts[i].(polysynth.AllocatorUser); ok {
		au.UseAllocator(nil)
	}
	if au, ok := lp.Part.(polysynth.AllocatorUser); ok {
		au.UseAllocator(e.pool)
	}
	e.parts[i], lp.Part = lp.Part, e.parts[i]
	e.params.Parts[i].Instrument, lp.Instrument = lp.Instrument, e.params.Parts[i].Instrument
	e.faulted[i] = false
	e.partNotes[i] = noteSet{}
	e.free(h, lp)
}

func (e *Engine) swapTable(m bridge.Message, idx [2]int) {
	h, v, ok := e.takeHandle(m)
	if !ok {
		return
	}
	tr, ok := e.parts[idx[0]].(polysynth.TableReceiver)
	if !ok || v == nil {
		e.status("/bad-argument", m.Path())
		e.free(h, v)
		return
	}
	e.free(h, tr.SwapTable(v))
}

func (e *Engine) loadInsEffect(m bridge.Message, idx [2]int) {
	e.loadEffect(m, &e.insEffects[idx[0]], &e.params.InsEffects[idx[0]].Effect.Type)
}

func (e *Engine) loadSysEffect(m bridge.Message, idx [2]int) {
	e.loadEffect(m, &e.sysEffects[idx[0]], &e.params.SysEffects[idx[0]].Effect.Type)
}

func (e *Engine) loadEffect(m bridge.Message, slot *polysynth.Effect, typ *int) {
	h, v, ok := e.takeHandle(m)
	if !ok {
		return
	}
	le, ok := v.(*LoadedEffect)
	if !ok || (le.Effect == nil) != (le.Type == polysynth.EffectNone) {
		e.status("/bad-argument", m.Path())
		e.free(h, v)
		return
	}
	*slot, le.Effect = le.Effect, *slot
	*typ, le.Type = le.Type, *typ
	e.free(h, le)
}

func (e *Engine) addMemory(m bridge.Message, _ [2]int) {
	h, v, ok := e.takeHandle(m)
	if !ok {
		return
	}
	if g, ok := v.(*MemoryGrant); ok {
		if e.pool.Add(g) > 0 {
			g.Engine = e
		}
		e.memRequested = false
	} else {
		e.status("/bad-argument", m.Path())
	}
	e.free(h, v)
}

func (e *Engine) loadMaster(m bridge.Message, _ [2]int) {
	h, v, ok := e.takeHandle(m)
	if !ok {
		return
	}
	next, ok := v.(*Engine)
	if !ok || next == e || next.pair != e.pair {
		e.status("/bad-argument", m.Path())
		e.free(h, v)
		return
	}
	e.successor = next
	e.free(h, e)
}

func (e *Engine) sendMeter() {
	m := &e.meter
	e.enc.Begin("/vu-meter").
		Float(m.PeakL).Float(m.PeakR).
		Float(m.MaxPeakL).Float(m.MaxPeakR).
		Float(m.RMSL).Float(m.RMSR).
		Bool(m.Clipped)
	for _, p := range m.PartPeak {
		e.enc.Float(p)
	}
	e.send()
}
