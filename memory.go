package fibre

import (
	"bytes"
	"fmt"
	"slices"
	"sync"
)

// Ref is a byte offset into a `Memory`. Offsets stay valid when the memory
// grows, only the backing slice is replaced.
type Ref uint32

const (
	// memAlign is the alignment of every allocation, large enough for a stub.
	memAlign = 8

	// memReserved bytes at the start of the memory are never handed out so
	// that offset 0 can mean "nothing".
	memReserved = memAlign
)

type span struct {
	off  uint32
	size uint32
}

// Memory is the byte-addressable buffer shared with the engine. Both sides
// allocate from it, the engine possibly from its own goroutines, so every
// method is safe for concurrent use.
//
// Data is only ever accessed by copy: callers never hold a slice aliasing
// the backing array across a growth.
type Memory struct {
	mu     sync.Mutex
	buf    []byte
	free   []span // sorted by offset, never adjacent
	allocs map[uint32]uint32
	inUse  int
}

// NewMemory returns a memory of `size` bytes, rounded up to the alignment.
func NewMemory(size int) *Memory {
	size = alignUp(max(size, 2*memReserved))
	return &Memory{
		buf:    make([]byte, size),
		free:   []span{{off: memReserved, size: uint32(size - memReserved)}},
		allocs: make(map[uint32]uint32),
	}
}

// Alloc reserves n bytes and returns their offset. The memory grows, by
// doubling, when no free span is large enough.
func (m *Memory) Alloc(n int) (Ref, error) {
	if n <= 0 {
		return 0, fmt.Errorf("%w: invalid size %d", ErrOutOfMemory, n)
	}
	size := alignUp(n)
	if uint64(size) > uint64(^uint32(0)) {
		return 0, fmt.Errorf("%w: %d bytes", ErrOutOfMemory, n)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.firstFit(uint32(size))
	if idx < 0 {
		if err := m.grow(size); err != nil {
			return 0, err
		}
		idx = m.firstFit(uint32(size))
	}

	s := &m.free[idx]
	off := s.off
	s.off += uint32(size)
	s.size -= uint32(size)
	if s.size == 0 {
		m.free = slices.Delete(m.free, idx, idx+1)
	}

	clear(m.buf[off : off+uint32(size)])
	m.allocs[off] = uint32(size)
	m.inUse += size
	return Ref(off), nil
}

// Free returns an allocation made by `Alloc`. Freeing offset 0 is a no-op.
func (m *Memory) Free(ref Ref) error {
	if ref == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	size, ok := m.allocs[uint32(ref)]
	if !ok {
		return fmt.Errorf("%w: %d is not allocated", ErrBadRef, ref)
	}
	delete(m.allocs, uint32(ref))
	m.inUse -= int(size)
	m.release(span{off: uint32(ref), size: size})
	return nil
}

// Write copies b at ref.
func (m *Memory) Write(ref Ref, b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(uint32(ref), uint64(ref)+uint64(len(b))); err != nil {
		return err
	}
	copy(m.buf[ref:], b)
	return nil
}

// Read returns a copy of the bytes in [begin, end).
func (m *Memory) Read(begin, end Ref) ([]byte, error) {
	if end < begin {
		return nil, fmt.Errorf("%w: range [%d, %d) is reversed", ErrBadRef, begin, end)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(uint32(begin), uint64(end)); err != nil {
		return nil, err
	}
	return slices.Clone(m.buf[begin:end]), nil
}

// Len is the current size of the memory.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buf)
}

// InUse is the number of bytes currently allocated.
func (m *Memory) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inUse
}

func (m *Memory) check(begin uint32, end uint64) error {
	if begin < memReserved || end > uint64(len(m.buf)) {
		return fmt.Errorf("%w: range [%d, %d) outside of [%d, %d)", ErrBadRef, begin, end, memReserved, len(m.buf))
	}
	return nil
}

func (m *Memory) firstFit(size uint32) int {
	for i, s := range m.free {
		if s.size >= size {
			return i
		}
	}
	return -1
}

func (m *Memory) grow(atLeast int) error {
	oldLen := len(m.buf)
	newLen := oldLen * 2
	for newLen-oldLen < atLeast {
		newLen *= 2
	}
	if uint64(newLen) > uint64(^uint32(0)) {
		return fmt.Errorf("%w: cannot grow past %d bytes", ErrOutOfMemory, oldLen)
	}

	buf := make([]byte, newLen)
	copy(buf, m.buf)
	m.buf = buf
	m.release(span{off: uint32(oldLen), size: uint32(newLen - oldLen)})
	return nil
}

// release inserts s in the free list, merging it with its neighbours.
func (m *Memory) release(s span) {
	idx, _ := slices.BinarySearchFunc(m.free, s.off, func(e span, off uint32) int {
		return int(int64(e.off) - int64(off))
	})
	m.free = slices.Insert(m.free, idx, s)

	if idx+1 < len(m.free) && m.free[idx].off+m.free[idx].size == m.free[idx+1].off {
		m.free[idx].size += m.free[idx+1].size
		m.free = slices.Delete(m.free, idx+1, idx+2)
	}
	if idx > 0 && m.free[idx-1].off+m.free[idx-1].size == m.free[idx].off {
		m.free[idx-1].size += m.free[idx].size
		m.free = slices.Delete(m.free, idx, idx+1)
	}
}

func alignUp(n int) int {
	return (n + memAlign - 1) &^ (memAlign - 1)
}

// ReadCString returns the NUL-terminated string starting at ref.
func (m *Memory) ReadCString(ref Ref) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(uint32(ref), uint64(ref)); err != nil {
		return "", err
	}
	end := bytes.IndexByte(m.buf[ref:], 0)
	if end < 0 {
		return "", fmt.Errorf("%w: string at %d is not terminated", ErrBadRef, ref)
	}
	return string(m.buf[ref : int(ref)+end]), nil
}
