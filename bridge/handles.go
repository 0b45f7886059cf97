package bridge

import (
	"errors"
	"fmt"
	"sync"
)

// Side names an end of the bridge.
type Side uint8

const (
	SideEngine Side = iota + 1
	SideControl
)

func (s Side) String() string {
	switch s {
	case SideEngine:
		return "engine"
	case SideControl:
		return "control"
	}
	return fmt.Sprintf("Side(%d)", uint8(s))
}

// Handle refers to an object parked in a HandleTable while its ownership moves
// from one side of the bridge to the other. Owner is the side that must
// dispose of the object once it is done with it.
type Handle struct {
	Slot  uint32
	Owner Side
}

// HandleTable parks objects that move between the two goroutines. A slot is
// filled by the sending side before the message carrying its Handle is
// written to a Ring, and emptied by the receiving side after reading that
// message, so the ring's head/tail handoff orders every access to a slot and
// the slots themselves need no synchronization.
//
// Slots are allocated and released by the control side only. The engine
// never allocates a slot: when it gives an object back, it reuses the slot
// of the message it received, which keeps the audio goroutine free of
// allocation.
type HandleTable struct {
	slots []any

	mu   sync.Mutex // guards free; control side only
	free []uint32
}

var ErrNoHandles = errors.New("bridge: no free handle slots")

func NewHandleTable(size int) *HandleTable {
	t := &HandleTable{slots: make([]any, size), free: make([]uint32, size)}
	for i := range t.free {
		t.free[i] = uint32(size - 1 - i)
	}
	return t
}

// Put parks v in a free slot. Control side only.
func (t *HandleTable) Put(v any, owner Side) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.free) == 0 {
		return Handle{}, ErrNoHandles
	}
	s := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	t.slots[s] = v
	return Handle{Slot: s, Owner: owner}, nil
}

// Take empties the slot of h and returns what was parked there. It returns
// nil for an invalid handle.
func (t *HandleTable) Take(h Handle) any {
	if int(h.Slot) >= len(t.slots) {
		return nil
	}
	v := t.slots[h.Slot]
	t.slots[h.Slot] = nil
	return v
}

// Reuse parks v in the slot of h, which the caller has just taken, and
// returns a handle naming owner as the side to dispose of it.
func (t *HandleTable) Reuse(h Handle, v any, owner Side) Handle {
	if int(h.Slot) < len(t.slots) {
		t.slots[h.Slot] = v
	}
	return Handle{Slot: h.Slot, Owner: owner}
}

// Release returns the slot of h to the free list. Control side only; the
// slot must be empty.
func (t *HandleTable) Release(h Handle) {
	if int(h.Slot) >= len(t.slots) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots[h.Slot] = nil
	t.free = append(t.free, h.Slot)
}

// InUse returns the number of slots currently allocated.
func (t *HandleTable) InUse() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots) - len(t.free)
}
