// Package middleware is the control side of the synthesizer. A MiddleWare
// owns the non real-time end of the message queues of an engine: it sends
// parameter changes, answers the engine's requests for memory, builds
// wavetables on worker goroutines, takes consistent snapshots with the
// freeze/thaw protocol and persists them.
//
// All methods of MiddleWare must be called on one goroutine, the control
// goroutine, which calls Tick periodically. Other goroutines reach the
// MiddleWare with Do.
package middleware

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vsariola/polysynth"
	"github.com/vsariola/polysynth/bridge"
	"github.com/vsariola/polysynth/engine"
)

type (
	MiddleWare struct {
		cfg     polysynth.Config
		factory polysynth.Factory
		pair    *bridge.Pair
		host    *engine.Host
		logger  *slog.Logger
		clock   Clock
		alerts  Alerts

		freezeTimeout time.Duration
		pollInterval  time.Duration
		offlineAfter  time.Duration

		enc       *bridge.Encoder
		buf       []byte
		backlog   [][]byte
		listeners []func(bridge.Message)
		requests  chan func(*MiddleWare)

		staleAcks   int
		thawPending bool

		started time.Time
		offline bool

		workers   *workers
		tableGen  [polysynth.NumParts]uint64
		queued    []tableJob
		unsent    []tableResult
		pending   int
		grants    map[*engine.MemoryGrant]int
		held      map[*engine.Engine][]heldSlab
		granted   int
		recording *recording
		path      string
		savedAt   time.Time
		meter     Meter
	}

	// Options tune a MiddleWare. Zero values select the defaults.
	Options struct {
		Logger *slog.Logger
		Clock  Clock
		// FreezeTimeout bounds the wait for the engine to acknowledge a
		// freeze; PollInterval is the sleep between two polls.
		FreezeTimeout time.Duration
		PollInterval  time.Duration
		// OfflineAfter is how long the engine may go without echoing the
		// heartbeat before it is considered offline.
		OfflineAfter time.Duration
		// Workers is the number of goroutines building wavetables.
		Workers int
	}

	// Clock is the time source of the control goroutine. Tests inject a fake
	// one to make bounded waits deterministic.
	Clock interface {
		Now() time.Time
		Sleep(d time.Duration)
	}

	systemClock struct{}

	// Meter is the last /vu-meter report of the engine.
	Meter struct {
		PeakL, PeakR       float32
		MaxPeakL, MaxPeakR float32
		RMSL, RMSR         float32
		Clipped            bool
		PartPeak           [polysynth.NumParts]float32
	}
)

var (
	ErrFreezeTimeout = errors.New("engine did not acknowledge the freeze in time")
	ErrRecording     = errors.New("recorder already running")
	ErrNotRecording  = errors.New("recorder not running")
)

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// New constructs an engine from the snapshot, with its own message queues,
// and the MiddleWare that controls it. The engine does not run until an
// audio backend pulls from Host.
func New(cfg polysynth.Config, factory polysynth.Factory, s polysynth.Snapshot, opts Options) (*MiddleWare, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pair := bridge.NewPair(cfg.QueueSize)
	e, err := engine.New(cfg, pair, factory, s)
	if err != nil {
		return nil, fmt.Errorf("constructing engine: %w", err)
	}
	m := &MiddleWare{
		cfg:           cfg,
		factory:       factory,
		pair:          pair,
		host:          engine.NewHost(e),
		logger:        opts.Logger,
		clock:         opts.Clock,
		freezeTimeout: opts.FreezeTimeout,
		pollInterval:  opts.PollInterval,
		offlineAfter:  opts.OfflineAfter,
		enc:           bridge.NewEncoder(bridge.MaxMessageSize),
		buf:           make([]byte, max(bridge.MaxMessageSize, 8*cfg.BufferSize)),
		requests:      make(chan func(*MiddleWare), 256),
		grants:        map[*engine.MemoryGrant]int{},
		held:          map[*engine.Engine][]heldSlab{},
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.clock == nil {
		m.clock = systemClock{}
	}
	if m.freezeTimeout <= 0 {
		m.freezeTimeout = 2 * time.Second
	}
	if m.pollInterval <= 0 {
		m.pollInterval = time.Millisecond
	}
	if m.offlineAfter <= 0 {
		m.offlineAfter = time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	m.alerts.clock = m.clock
	m.started = m.clock.Now()
	m.workers = startWorkers(opts.Workers)
	m.requestTables(s)
	return m, nil
}

// Host is what the audio backend pulls audio from.
func (m *MiddleWare) Host() *engine.Host         { return m.host }
func (m *MiddleWare) Pair() *bridge.Pair         { return m.pair }
func (m *MiddleWare) Config() polysynth.Config   { return m.cfg }
func (m *MiddleWare) Alerts() *Alerts            { return &m.alerts }
func (m *MiddleWare) Meter() Meter               { return m.meter }
func (m *MiddleWare) Logger() *slog.Logger       { return m.logger }
func (m *MiddleWare) Factory() polysynth.Factory { return m.factory }

// OnReply registers f to be called on the control goroutine for every
// message the engine sends, after the MiddleWare has handled it. The message
// is only valid during the call.
func (m *MiddleWare) OnReply(f func(bridge.Message)) {
	m.listeners = append(m.listeners, f)
}

// Do queues f to be run on the control goroutine by the next Tick. It blocks
// while the request queue is full, so it must not be called from the control
// goroutine itself.
func (m *MiddleWare) Do(f func(*MiddleWare)) {
	m.requests <- f
}

// Call runs f on the control goroutine and waits for its result.
func (m *MiddleWare) Call(f func(*MiddleWare) error) error {
	done := make(chan error, 1)
	m.Do(func(m *MiddleWare) { done <- f(m) })
	return <-done
}

// Send encodes a message and queues it to the engine. A full queue is
// reported with an error wrapping bridge.ErrFull; nothing is dropped
// silently.
func (m *MiddleWare) Send(path string, args ...any) error {
	m.enc.Begin(path)
	for _, a := range args {
		if err := m.enc.Append(a); err != nil {
			return fmt.Errorf("send %s: %w", path, err)
		}
	}
	if err := m.enc.WriteTo(m.pair.ToEngine); err != nil {
		return fmt.Errorf("send %s: %w", path, err)
	}
	return nil
}

// SendRaw queues an already encoded message.
func (m *MiddleWare) SendRaw(b []byte) error {
	if err := m.pair.ToEngine.Write(b); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (m *MiddleWare) NoteOn(channel, note, velocity int) error {
	return m.Send("/noteOn", channel, note, velocity)
}

func (m *MiddleWare) NoteOff(channel, note int) error {
	return m.Send("/noteOff", channel, note)
}

func (m *MiddleWare) Panic() error {
	return m.Send("/panic")
}

// handOver parks v in the handle table and sends its handle to the engine,
// which becomes its owner.
func (m *MiddleWare) handOver(path string, v any) error {
	h, err := m.pair.Handles.Put(v, bridge.SideEngine)
	if err != nil {
		return fmt.Errorf("send %s: %w", path, err)
	}
	if err := m.Send(path, h); err != nil {
		m.pair.Handles.Take(h)
		m.pair.Handles.Release(h)
		return err
	}
	return nil
}

// Tick runs queued requests, stamps the heartbeat, handles everything the
// engine sent since the last Tick and hands finished wavetables over.
func (m *MiddleWare) Tick() {
	for drained := false; !drained; {
		select {
		case f := <-m.requests:
			f(m)
		default:
			drained = true
		}
	}
	m.beat()
	if m.thawPending && m.Send("/thaw_state") == nil {
		m.thawPending = false
	}
	for len(m.backlog) > 0 {
		b := m.backlog[0]
		m.backlog[0] = nil
		m.backlog = m.backlog[1:]
		m.dispatch(b)
	}
	for {
		n, ok, err := m.pair.ToControl.Read(m.buf)
		if err != nil {
			m.pair.ToControl.Discard()
			m.logger.Warn("dropping oversized message from engine", "err", err)
			continue
		}
		if !ok {
			break
		}
		m.dispatch(m.buf[:n])
	}
	m.collectTables()
	m.drainAudio()
}

func (m *MiddleWare) dispatch(b []byte) {
	msg, err := bridge.Parse(b)
	if err != nil {
		m.logger.Warn("malformed message from engine", "err", err)
		return
	}
	m.handle(msg)
	for _, f := range m.listeners {
		f(msg)
	}
}

func (m *MiddleWare) handle(msg bridge.Message) {
	switch string(msg.Path()) {
	case "/free":
		if h, ok := msg.Handle(0); ok {
			m.dispose(m.pair.Handles.Take(h))
			m.pair.Handles.Release(h)
		}
	case "/request-memory":
		if n, ok := msg.Int(0); ok {
			m.grantMemory(int(n))
		}
	case "/state_frozen":
		if m.staleAcks > 0 {
			m.staleAcks--
			return
		}
		m.logger.Warn("unexpected freeze acknowledgement")
	case "/vu-meter":
		m.readMeter(msg)
	case "/recorder/triggered":
		if m.recording != nil {
			m.recording.triggered = true
		}
		m.alerts.AddNamed("recorder", "Recording started", Info)
	case "/recorder/overrun":
		m.logger.Warn("recorder overrun, audio queue full")
		m.alerts.AddNamed("recorder", "Recording lost audio, the audio queue was full", Warning)
	case "/part-fault":
		i, _ := msg.Int(0)
		m.logger.Error("part faulted and was disabled", "part", i)
		m.alerts.AddNamed(fmt.Sprintf("part-fault-%d", i), fmt.Sprintf("Part %d failed and was disabled", i), Error)
	case "/engine-fault":
		m.logger.Error("engine faulted while rendering, block silenced")
		m.alerts.AddNamed("engine-fault", "Engine failed while rendering", Error)
	case "/undefined-path", "/invalid-index", "/bad-argument":
		path, _ := msg.Str(0)
		m.logger.Warn("engine rejected message", "status", string(msg.Path()), "path", string(path))
	case "/malformed":
		m.logger.Warn("engine received a malformed message")
	}
}

// dispose finishes the life of an object the engine gave back.
func (m *MiddleWare) dispose(v any) {
	switch v := v.(type) {
	case *engine.Engine:
		if v == m.host.Engine() {
			m.logger.Warn("engine rejected a replacement of itself")
			return
		}
		m.releaseEngine(v)
		if d := v.Dropped(); d > 0 {
			m.logger.Warn("previous engine dropped outbound messages", "count", d)
		}
		m.logger.Debug("previous engine returned", "frames", v.Frames())
	case *engine.LoadedPart:
		m.logger.Debug("part returned", "instrument", v.Instrument.Type)
	case *engine.LoadedEffect:
		m.logger.Debug("effect returned", "type", v.Type)
	case *engine.MemoryGrant:
		m.returnGrant(v)
	case nil:
		// a swap with an empty slot, e.g. the first wavetable of a part
	}
}

func (m *MiddleWare) readMeter(msg bridge.Message) {
	f := func(i int) float32 {
		v, _ := msg.Float(i)
		return v
	}
	m.meter.PeakL, m.meter.PeakR = f(0), f(1)
	m.meter.MaxPeakL, m.meter.MaxPeakR = f(2), f(3)
	m.meter.RMSL, m.meter.RMSR = f(4), f(5)
	m.meter.Clipped, _ = msg.Bool(6)
	for i := range m.meter.PartPeak {
		m.meter.PartPeak[i] = f(7 + i)
	}
}

// DoReadOnlyOp runs op with the engine frozen, so that op sees a consistent
// parameter tree: every message sent before the call has been applied and
// none sent afterwards. Messages the engine sends meanwhile are kept and
// handled by the next Tick, in order.
//
// If the engine does not acknowledge the freeze within the freeze timeout,
// op is not run and ErrFreezeTimeout is returned. In both cases the engine
// is told to thaw. An offline engine is not running, so op runs directly.
func (m *MiddleWare) DoReadOnlyOp(op func(e *engine.Engine) error) error {
	if m.offline {
		return op(m.host.Engine())
	}
	if err := m.Send("/freeze_state"); err != nil {
		return fmt.Errorf("freeze: %w", err)
	}
	var err error
	if m.waitFrozen() {
		err = op(m.host.Engine())
	} else {
		m.staleAcks++
		err = ErrFreezeTimeout
		m.logger.Error("freeze timed out", "timeout", m.freezeTimeout)
		m.alerts.AddNamed("freeze", "Engine did not respond, operation aborted", Error)
	}
	if terr := m.Send("/thaw_state"); terr != nil {
		m.thawPending = true
		m.logger.Warn("thaw deferred", "err", terr)
	} else {
		m.thawPending = false
	}
	return err
}

func (m *MiddleWare) waitFrozen() bool {
	deadline := m.clock.Now().Add(m.freezeTimeout)
	for {
		for {
			n, ok, err := m.pair.ToControl.Read(m.buf)
			if err != nil {
				m.pair.ToControl.Discard()
				continue
			}
			if !ok {
				break
			}
			b := m.buf[:n]
			if msg, err := bridge.Parse(b); err == nil && string(msg.Path()) == "/state_frozen" {
				if m.staleAcks == 0 {
					return true
				}
				m.staleAcks--
				continue
			}
			m.backlog = append(m.backlog, bytes.Clone(b))
		}
		if !m.clock.Now().Before(deadline) {
			return false
		}
		m.clock.Sleep(m.pollInterval)
	}
}

// Close stops the workers and unlocks memory that is no longer in use. The
// audio backend must be stopped first.
func (m *MiddleWare) Close() error {
	m.workers.close()
	var errs []error
	for e, slabs := range m.held {
		for _, s := range slabs {
			if s.lock != nil {
				errs = append(errs, munlock(s.lock))
			}
		}
		delete(m.held, e)
	}
	return errors.Join(errs...)
}
