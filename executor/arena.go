package executor

import (
	"fmt"
	"sync"
)

// Handle is an opaque reference handed across the binding boundary.
// The upper 32 bits are a generation, so a destroyed handle never aliases
// the resource that later reuses its slot. Zero is never a valid handle.
type Handle uint64

func makeHandle(gen, index uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(index))
}

func (h Handle) gen() uint32   { return uint32(h >> 32) }
func (h Handle) index() uint32 { return uint32(h) }

func (h Handle) String() string {
	return fmt.Sprintf("%d:%d", h.index(), h.gen())
}

type slot[T any] struct {
	gen  uint32
	used bool
	val  T
}

type arena[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  []uint32
}

func (a *arena[T]) insert(v T) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot[T]{})
		idx = uint32(len(a.slots) - 1)
	}
	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.used = true
	s.val = v
	return makeHandle(s.gen, idx)
}

func (a *arena[T]) get(h Handle) (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var zero T
	idx := h.index()
	if int(idx) >= len(a.slots) {
		return zero, false
	}
	s := a.slots[idx]
	if !s.used || s.gen != h.gen() {
		return zero, false
	}
	return s.val, true
}

func (a *arena[T]) remove(h Handle) (T, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var zero T
	idx := h.index()
	if int(idx) >= len(a.slots) {
		return zero, false
	}
	s := &a.slots[idx]
	if !s.used || s.gen != h.gen() {
		return zero, false
	}
	v := s.val
	s.used = false
	s.val = zero
	a.free = append(a.free, idx)
	return v, true
}

func (a *arena[T]) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots) - len(a.free)
}
