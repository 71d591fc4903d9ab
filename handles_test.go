package fibre

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandleTable(t *testing.T) {
	t.Run("allocation skips live handles", func(t *testing.T) {
		tab := NewHandleTable[string](1)
		require.NoError(t, tab.Insert(2, "taken"))

		h1, err := tab.Alloc("a")
		require.NoError(t, err)
		h2, err := tab.Alloc("b")
		require.NoError(t, err)
		require.Equal(t, Handle(1), h1)
		require.Equal(t, Handle(3), h2)

		val, ok := tab.Get(h2)
		require.True(t, ok)
		require.Equal(t, "b", val)
	})

	t.Run("allocation wraps around", func(t *testing.T) {
		tab := NewHandleTable[int](math.MaxUint32)
		h1, err := tab.Alloc(1)
		require.NoError(t, err)
		h2, err := tab.Alloc(2)
		require.NoError(t, err)
		require.Equal(t, Handle(math.MaxUint32), h1)
		require.Equal(t, Handle(0), h2)
	})

	t.Run("exporting the same pointer shares the handle", func(t *testing.T) {
		tab := NewHandleTable[any](1)
		type thing struct{ n int }
		a, b := &thing{1}, &thing{1}

		h1, err := tab.Export(a, sameObject)
		require.NoError(t, err)
		for i := range 16 {
			_, err := tab.Export(&thing{i}, sameObject)
			require.NoError(t, err)
		}
		h2, err := tab.Export(a, sameObject)
		require.NoError(t, err)
		h3, err := tab.Export(b, sameObject)
		require.NoError(t, err)

		require.Equal(t, h1, h2)
		require.NotEqual(t, h1, h3)
		require.Equal(t, 2, tab.Refs(h1))
		require.Equal(t, 1, tab.Refs(h3))
	})

	t.Run("the last release removes the entry", func(t *testing.T) {
		tab := NewHandleTable[string](1)
		h, err := tab.Alloc("x")
		require.NoError(t, err)
		require.NoError(t, tab.Acquire(h))

		_, removed, err := tab.Release(h)
		require.NoError(t, err)
		require.False(t, removed)

		val, removed, err := tab.Release(h)
		require.NoError(t, err)
		require.True(t, removed)
		require.Equal(t, "x", val)

		_, _, err = tab.Release(h)
		require.ErrorIs(t, err, ErrOverRelease)
		require.ErrorIs(t, tab.Acquire(h), ErrHandleNotFound)
	})

	t.Run("inserting over a live handle fails", func(t *testing.T) {
		tab := NewHandleTable[string](1)
		require.NoError(t, tab.Insert(7, "a"))
		require.ErrorIs(t, tab.Insert(7, "b"), ErrHandleInUse)
	})

	t.Run("iteration is ordered and tolerates removal", func(t *testing.T) {
		tab := NewHandleTable[int](1)
		for i := range 4 {
			_, err := tab.Alloc(i)
			require.NoError(t, err)
		}

		var seen []Handle
		for h := range tab.All() {
			seen = append(seen, h)
			tab.Remove(h + 1)
		}
		require.Equal(t, []Handle{1, 3}, seen)
	})

	t.Run("changes are reported", func(t *testing.T) {
		tab := NewHandleTable[int](1)
		var live []int
		tab.onChange = func(n int) { live = append(live, n) }

		h, _ := tab.Alloc(1)
		_, _ = tab.Alloc(2)
		tab.Remove(h)
		require.Equal(t, []int{1, 2, 1}, live)
	})
}
