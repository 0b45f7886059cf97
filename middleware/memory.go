package middleware

import (
	"unsafe"

	"github.com/vsariola/polysynth/engine"
)

// heldSlab is a granted slab some of whose blocks an engine kept.
type heldSlab struct {
	lock   []byte
	blocks int
}

// grantMemory answers /request-memory: it allocates n blocks in one slab,
// locks the slab in RAM where the platform allows it, and hands the blocks to
// the engine.
func (m *MiddleWare) grantMemory(n int) {
	bs := m.cfg.BufferSize
	if n <= 0 || bs <= 0 {
		return
	}
	slab := make([]float32, n*bs)
	g := &engine.MemoryGrant{Blocks: make([][]float32, n)}
	for i := range g.Blocks {
		g.Blocks[i] = slab[i*bs : (i+1)*bs : (i+1)*bs]
	}
	lock := unsafe.Slice((*byte)(unsafe.Pointer(&slab[0])), len(slab)*4)
	if err := mlock(lock); err != nil {
		m.logger.Debug("could not lock real-time memory", "err", err)
	} else {
		g.Lock = lock
	}
	m.grants[g] = n
	if err := m.handOver("/add-rt-memory", g); err != nil {
		delete(m.grants, g)
		m.unlock(g.Lock)
		m.logger.Warn("could not grant real-time memory", "blocks", n, "err", err)
		return
	}
	m.granted += n
	m.logger.Debug("granted real-time memory", "blocks", n)
}

// returnGrant handles a grant coming back from the engine. Its memory stays
// locked as long as any of its blocks is in the pool of the engine that took
// them.
func (m *MiddleWare) returnGrant(g *engine.MemoryGrant) {
	n, ok := m.grants[g]
	delete(m.grants, g)
	if !ok {
		return
	}
	if taken := n - len(g.Blocks); taken > 0 && g.Engine != nil {
		m.held[g.Engine] = append(m.held[g.Engine], heldSlab{lock: g.Lock, blocks: taken})
		return
	}
	m.unlock(g.Lock)
}

// releaseEngine unlocks the memory granted to an engine that was retired.
// Its pool goes away with it.
func (m *MiddleWare) releaseEngine(e *engine.Engine) {
	for _, s := range m.held[e] {
		m.unlock(s.lock)
	}
	delete(m.held, e)
}

func (m *MiddleWare) unlock(b []byte) {
	if b == nil {
		return
	}
	if err := munlock(b); err != nil {
		m.logger.Debug("could not unlock memory", "err", err)
	}
}

// Granted returns the number of memory blocks handed to the engine so far.
func (m *MiddleWare) Granted() int { return m.granted }

// Held returns the number of granted blocks that sit in the pools of engines
// not yet returned.
func (m *MiddleWare) Held() int {
	n := 0
	for _, slabs := range m.held {
		for _, s := range slabs {
			n += s.blocks
		}
	}
	return n
}
