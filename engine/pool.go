package engine

// Pool is the real-time memory reserve of an engine: a free list of
// equally sized sample blocks. The free list is allocated with its final
// capacity up front, so Alloc, Free and Add never allocate.
type Pool struct {
	free      [][]float32
	blockSize int
}

// MemoryGrant carries blocks allocated on the control goroutine to the engine
// with /add-rt-memory. Blocks the pool had no room for are left in it when the
// grant comes back with /free.
type MemoryGrant struct {
	Blocks [][]float32
	// Lock is the memory backing Blocks, if any, kept so the control side
	// can unlock it once the grant is returned.
	Lock []byte
	// Engine is set by the engine whose pool took some of the blocks.
	Engine *Engine
}

// NewPool reserves blocks blocks of blockSize samples, and room for capacity
// blocks in total.
func NewPool(blockSize, blocks, capacity int) *Pool {
	if capacity < blocks {
		capacity = blocks
	}
	p := &Pool{free: make([][]float32, 0, capacity), blockSize: blockSize}
	mem := make([]float32, blocks*blockSize)
	for i := 0; i < blocks; i++ {
		p.free = append(p.free, mem[i*blockSize:(i+1)*blockSize:(i+1)*blockSize])
	}
	return p
}

// Alloc takes a zeroed block from the pool, or reports false if it is empty.
func (p *Pool) Alloc() ([]float32, bool) {
	if len(p.free) == 0 {
		return nil, false
	}
	b := p.free[len(p.free)-1]
	p.free[len(p.free)-1] = nil
	p.free = p.free[:len(p.free)-1]
	clear(b)
	return b, true
}

// Free returns a block to the pool. Blocks of the wrong size, or beyond the
// capacity of the pool, are dropped.
func (p *Pool) Free(b []float32) {
	if len(b) != p.blockSize || len(p.free) == cap(p.free) {
		return
	}
	p.free = append(p.free, b)
}

// Add moves as many blocks of the grant as fit into the pool and leaves the
// rest in it. It returns the number of blocks taken.
func (p *Pool) Add(g *MemoryGrant) int {
	n := 0
	for _, b := range g.Blocks {
		if len(b) != p.blockSize || len(p.free) == cap(p.free) {
			break
		}
		p.free = append(p.free, b)
		n++
	}
	clear(g.Blocks[:n])
	g.Blocks = g.Blocks[n:]
	return n
}

func (p *Pool) BlockSize() int { return p.blockSize }
func (p *Pool) Available() int { return len(p.free) }
func (p *Pool) Capacity() int  { return cap(p.free) }
