package engine

import (
	"sync/atomic"

	"github.com/vsariola/polysynth"
)

// Host drives an engine from an audio backend. It serves buffers of any size
// from the fixed size blocks of the engine, and switches to a successor
// engine sent with /load-master between two blocks.
type Host struct {
	current   atomic.Pointer[Engine]
	l, r      []float32
	pos       int
	blockSize int
}

func NewHost(e *Engine) *Host {
	n := e.cfg.BufferSize
	h := &Host{l: make([]float32, n), r: make([]float32, n), pos: n, blockSize: n}
	h.current.Store(e)
	return h
}

// Engine returns the engine currently producing audio.
func (h *Host) Engine() *Engine { return h.current.Load() }

// Install replaces the current engine without a handoff through the queues.
// Only valid while nothing renders from the host; leftover frames of the old
// engine are dropped.
func (h *Host) Install(e *Engine) {
	h.current.Store(e)
	h.pos = h.blockSize
}

func (h *Host) block() {
	e := h.current.Load()
	if n := e.cfg.BufferSize; n != h.blockSize {
		// only after a swap to an engine with another block size
		h.l, h.r = make([]float32, n), make([]float32, n)
		h.blockSize = n
	}
	e.ProduceBuffer(h.l, h.r)
	h.pos = 0
	if next := e.successor; next != nil {
		e.successor = nil
		next.adopt(e)
		h.current.Store(next)
	}
}

// Fill renders into two channel buffers of equal length.
func (h *Host) Fill(l, r []float32) {
	r = r[:len(l)]
	for len(l) > 0 {
		if h.pos >= h.blockSize {
			h.block()
		}
		n := copy(l, h.l[h.pos:h.blockSize])
		copy(r, h.r[h.pos:h.pos+n])
		l, r = l[n:], r[n:]
		h.pos += n
	}
}

// Process renders into an interleaved buffer. It has the signature of a
// polysynth.AudioSource.
func (h *Host) Process(buf polysynth.AudioBuffer) error {
	for len(buf) > 0 {
		if h.pos >= h.blockSize {
			h.block()
		}
		n := min(len(buf), h.blockSize-h.pos)
		for i := range n {
			buf[i] = [2]float32{h.l[h.pos+i], h.r[h.pos+i]}
		}
		buf = buf[n:]
		h.pos += n
	}
	return nil
}
