package fibre

import (
	"fmt"
	"iter"
	"maps"
	"math"
	"slices"
)

// Handle is a small integer naming an entry of a `HandleTable`. It is what
// crosses the boundary with the engine instead of a pointer.
type Handle uint32

type tableEntry[T any] struct {
	val  T
	refs int
}

// HandleTable is a bidirectional map between handles and values with a
// reference count per entry.
//
// It is not thread safe: a `Runtime` only touches its tables from its
// executor.
type HandleTable[T any] struct {
	entries map[Handle]*tableEntry[T]
	next    Handle

	// onChange, when set, is called with the number of live entries after
	// every insertion or removal.
	onChange func(live int)
}

// NewHandleTable returns an empty table whose first allocation starts
// looking for a free handle at `first`.
func NewHandleTable[T any](first Handle) *HandleTable[T] {
	return &HandleTable[T]{
		entries: make(map[Handle]*tableEntry[T]),
		next:    first,
	}
}

// Alloc stores v under a fresh handle with a reference count of 1.
// Handles are the first free value after the last allocated one and wrap
// around at the 32-bit boundary.
func (t *HandleTable[T]) Alloc(v T) (Handle, error) {
	if uint64(len(t.entries)) > math.MaxUint32 {
		return 0, ErrTableFull
	}
	h := t.next
	for {
		if _, used := t.entries[h]; !used {
			break
		}
		h++
	}
	t.entries[h] = &tableEntry[T]{val: v, refs: 1}
	t.next = h + 1
	t.changed()
	return h, nil
}

// Insert stores v under a handle chosen by someone else, typically the
// engine.
func (t *HandleTable[T]) Insert(h Handle, v T) error {
	if _, used := t.entries[h]; used {
		return fmt.Errorf("%w: %d", ErrHandleInUse, h)
	}
	t.entries[h] = &tableEntry[T]{val: v, refs: 1}
	t.changed()
	return nil
}

// Export returns the handle of an entry for which same reports true and
// takes a new reference on it, or allocates a new entry. Exported values
// are unique in the table so the scan order does not matter.
func (t *HandleTable[T]) Export(v T, same func(a, b T) bool) (Handle, error) {
	for h, e := range t.entries {
		if same(e.val, v) {
			e.refs++
			return h, nil
		}
	}
	return t.Alloc(v)
}

func (t *HandleTable[T]) Get(h Handle) (val T, ok bool) {
	e, ok := t.entries[h]
	if !ok {
		return val, false
	}
	return e.val, true
}

// Refs returns the reference count of h, 0 when h is not live.
func (t *HandleTable[T]) Refs(h Handle) int {
	if e, ok := t.entries[h]; ok {
		return e.refs
	}
	return 0
}

// Acquire takes an additional reference on h.
func (t *HandleTable[T]) Acquire(h Handle) error {
	e, ok := t.entries[h]
	if !ok {
		return fmt.Errorf("%w: %d", ErrHandleNotFound, h)
	}
	e.refs++
	return nil
}

// Release drops one reference on h. The entry is removed when its count
// reaches zero, in which case the value is returned with removed set.
func (t *HandleTable[T]) Release(h Handle) (val T, removed bool, err error) {
	e, ok := t.entries[h]
	if !ok {
		return val, false, fmt.Errorf("%w: %w: %d", ErrOverRelease, ErrHandleNotFound, h)
	}
	e.refs--
	if e.refs > 0 {
		return e.val, false, nil
	}
	delete(t.entries, h)
	t.changed()
	return e.val, true, nil
}

// Remove drops h regardless of its reference count.
func (t *HandleTable[T]) Remove(h Handle) (val T, ok bool) {
	e, ok := t.entries[h]
	if !ok {
		return val, false
	}
	delete(t.entries, h)
	t.changed()
	return e.val, true
}

func (t *HandleTable[T]) Len() int {
	return len(t.entries)
}

// All iterates over live entries in handle order. Entries may be removed
// while iterating.
func (t *HandleTable[T]) All() iter.Seq2[Handle, T] {
	return func(yield func(Handle, T) bool) {
		for _, h := range t.sortedHandles() {
			e, ok := t.entries[h]
			if !ok {
				continue
			}
			if !yield(h, e.val) {
				return
			}
		}
	}
}

func (t *HandleTable[T]) sortedHandles() []Handle {
	return slices.Sorted(maps.Keys(t.entries))
}

func (t *HandleTable[T]) changed() {
	if t.onChange != nil {
		t.onChange(len(t.entries))
	}
}
