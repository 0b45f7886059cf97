package gomidi

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"

	"github.com/vsariola/polysynth/bridge"
)

// Input listens to one MIDI input device and writes what it receives into a
// ring. The driver's callback goroutine is the only producer of the ring.
type Input struct {
	driver  drivers.Driver
	ring    *bridge.Ring
	enc     *bridge.Encoder
	current drivers.In
	stop    func()
	dropped atomic.Int64
}

var ErrNoDriver = errors.New("no MIDI driver available")

// NewInput opens the platform MIDI driver. Without one, the Input has no
// devices and Open fails with ErrNoDriver.
func NewInput(ring *bridge.Ring) *Input {
	// there's not much we can do if this fails, a nil driver means no MIDI
	d, _ := newDriver()
	return &Input{driver: d, ring: ring, enc: bridge.NewEncoder(bridge.MaxMessageSize)}
}

// Devices lists the names of the input devices.
func (m *Input) Devices() []string {
	if m.driver == nil {
		return nil
	}
	ins, err := m.driver.Ins()
	if err != nil {
		return nil
	}
	ret := make([]string, len(ins))
	for i, in := range ins {
		ret[i] = in.String()
	}
	return ret
}

// Open starts listening to the first device whose name starts with prefix,
// closing the one currently open. An empty prefix takes the first device.
func (m *Input) Open(prefix string) error {
	if m.driver == nil {
		return ErrNoDriver
	}
	ins, err := m.driver.Ins()
	if err != nil {
		return fmt.Errorf("listing MIDI inputs: %w", err)
	}
	for _, in := range ins {
		if !strings.HasPrefix(in.String(), prefix) {
			continue
		}
		m.closeCurrent()
		if err := in.Open(); err != nil {
			return fmt.Errorf("opening MIDI input failed: %w", err)
		}
		stop, err := midi.ListenTo(in, m.handle)
		if err != nil {
			in.Close()
			return fmt.Errorf("listening to MIDI input failed: %w", err)
		}
		m.current, m.stop = in, stop
		return nil
	}
	if prefix == "" {
		return errors.New("could not find any MIDI input")
	}
	return fmt.Errorf("could not find a MIDI input starting with %q", prefix)
}

// Current returns the name of the open device, or "".
func (m *Input) Current() string {
	if m.current == nil {
		return ""
	}
	return m.current.String()
}

// Dropped returns the number of messages lost because the ring was full.
func (m *Input) Dropped() int64 { return m.dropped.Load() }

func (m *Input) handle(msg midi.Message, _ int32) {
	if !Translate(msg, m.enc) {
		return
	}
	if err := m.enc.WriteTo(m.ring); err != nil {
		m.dropped.Add(1)
	}
}

func (m *Input) closeCurrent() {
	if m.stop != nil {
		m.stop()
		m.stop = nil
	}
	if m.current != nil && m.current.IsOpen() {
		m.current.Close()
	}
	m.current = nil
}

func (m *Input) Close() error {
	m.closeCurrent()
	if m.driver == nil {
		return nil
	}
	return m.driver.Close()
}
