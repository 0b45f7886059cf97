package bridge

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
)

// Ring is a single-producer, single-consumer queue of variable length
// records, backed by a fixed byte buffer. Neither end ever blocks: Write
// fails with ErrFull when there is no room, Read reports false when there is
// nothing to read.
//
// Each record is stored as a 4 byte little endian length followed by the
// payload; both may wrap around the end of the buffer. The producer only
// stores head and the consumer only stores tail, so the only memory the two
// ends share is handed over through those two atomics: the producer copies
// the record before publishing head, the consumer copies it out before
// publishing tail.
type Ring struct {
	buf  []byte
	mask uint64
	head atomic.Uint64 // total bytes written, stored by the producer
	tail atomic.Uint64 // total bytes read, stored by the consumer
}

const headerSize = 4

var (
	ErrFull        = errors.New("bridge: queue full")
	ErrTooLarge    = errors.New("bridge: record larger than queue")
	ErrShortBuffer = errors.New("bridge: destination buffer too small for record")
)

// NewRing returns a ring whose capacity is size rounded up to a power of two,
// at least 64 bytes.
func NewRing(size int) *Ring {
	c := 64
	for c < size {
		c <<= 1
	}
	return &Ring{buf: make([]byte, c), mask: uint64(c - 1)}
}

// Cap returns the size of the backing buffer in bytes.
func (r *Ring) Cap() int { return len(r.buf) }

// Len returns the number of bytes queued, headers included. It is exact only
// when called from one of the two ends while the other is idle.
func (r *Ring) Len() int { return int(r.head.Load() - r.tail.Load()) }

// Free returns the number of bytes that can still be written, headers
// included.
func (r *Ring) Free() int { return len(r.buf) - r.Len() }

// Fits reports whether a record of size bytes can be written now.
func (r *Ring) Fits(size int) bool { return size+headerSize <= r.Free() }

// Write appends one record. Only the producer may call it.
func (r *Ring) Write(rec []byte) error {
	n := uint64(len(rec)) + headerSize
	if n > uint64(len(r.buf)) {
		return ErrTooLarge
	}
	head := r.head.Load()
	tail := r.tail.Load()
	if uint64(len(r.buf))-(head-tail) < n {
		return ErrFull
	}
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(rec)))
	r.copyIn(head, hdr[:])
	r.copyIn(head+headerSize, rec)
	r.head.Store(head + n)
	return nil
}

// Peek returns the length of the next record without consuming it. Only the
// consumer may call it.
func (r *Ring) Peek() (size int, ok bool) {
	tail := r.tail.Load()
	if r.head.Load() == tail {
		return 0, false
	}
	var hdr [headerSize]byte
	r.copyOut(tail, hdr[:])
	return int(binary.LittleEndian.Uint32(hdr[:])), true
}

// Next copies the next record into dst without consuming it, returning its
// length. If dst is too small, ErrShortBuffer is returned. Only the consumer
// may call it.
func (r *Ring) Next(dst []byte) (int, bool, error) {
	size, ok := r.Peek()
	if !ok {
		return 0, false, nil
	}
	if size > len(dst) {
		return 0, false, ErrShortBuffer
	}
	r.copyOut(r.tail.Load()+headerSize, dst[:size])
	return size, true, nil
}

// Read copies the next record into dst and consumes it, returning its length.
// If dst is too small, the record is left in the queue and ErrShortBuffer is
// returned. Only the consumer may call it.
func (r *Ring) Read(dst []byte) (int, bool, error) {
	n, ok, err := r.Next(dst)
	if ok {
		r.tail.Store(r.tail.Load() + headerSize + uint64(n))
	}
	return n, ok, err
}

// Discard drops the next record. Only the consumer may call it.
func (r *Ring) Discard() bool {
	size, ok := r.Peek()
	if !ok {
		return false
	}
	r.tail.Store(r.tail.Load() + headerSize + uint64(size))
	return true
}

func (r *Ring) copyIn(pos uint64, src []byte) {
	i := int(pos & r.mask)
	n := copy(r.buf[i:], src)
	copy(r.buf, src[n:])
}

func (r *Ring) copyOut(pos uint64, dst []byte) {
	i := int(pos & r.mask)
	n := copy(dst, r.buf[i:])
	copy(dst[n:], r.buf)
}
