// Package bridge connects the audio goroutine and the control goroutine:
// lock-free single-producer single-consumer queues of encoded messages, a
// table for handing object ownership across, and a heartbeat for liveness.
package bridge

import "sync/atomic"

type (
	// Pair is the set of queues shared by one engine and one control layer.
	// Each Ring has exactly one producer and one consumer:
	//
	//	ToEngine:  control goroutine -> audio goroutine
	//	ToControl: audio goroutine   -> control goroutine
	//	MIDI:      MIDI input driver -> audio goroutine
	//	Audio:     audio goroutine   -> control goroutine (recorded blocks)
	Pair struct {
		ToEngine  *Ring
		ToControl *Ring
		MIDI      *Ring
		Audio     *Ring
		Handles   *HandleTable
		Heartbeat Heartbeat
	}

	// Heartbeat lets the control goroutine detect an audio goroutine that
	// stopped running: the control side issues stamps, the engine echoes the
	// latest stamp back once per block.
	Heartbeat struct {
		issued atomic.Int64
		acked  atomic.Int64
	}
)

const numHandles = 256

// NewPair returns a pair with queues of queueSize bytes each. The audio
// queue is sized to hold a few blocks of recorded audio.
func NewPair(queueSize int) *Pair {
	return &Pair{
		ToEngine:  NewRing(queueSize),
		ToControl: NewRing(queueSize),
		MIDI:      NewRing(queueSize / 4),
		Audio:     NewRing(queueSize * 4),
		Handles:   NewHandleTable(numHandles),
	}
}

// Issue publishes a new stamp. Control side only.
func (h *Heartbeat) Issue(stamp int64) { h.issued.Store(stamp) }

// Echo acknowledges the latest issued stamp. Engine side only.
func (h *Heartbeat) Echo() { h.acked.Store(h.issued.Load()) }

func (h *Heartbeat) Issued() int64 { return h.issued.Load() }
func (h *Heartbeat) Acked() int64  { return h.acked.Load() }
