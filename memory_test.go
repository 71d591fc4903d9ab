package fibre

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	t.Run("offset zero is never allocated", func(t *testing.T) {
		mem := NewMemory(64)
		ref, err := mem.Alloc(1)
		require.NoError(t, err)
		require.Equal(t, Ref(memReserved), ref)

		_, err = mem.Read(0, 4)
		require.ErrorIs(t, err, ErrBadRef)
		require.NoError(t, mem.Free(0))
	})

	t.Run("allocations are aligned", func(t *testing.T) {
		mem := NewMemory(64)
		a, err := mem.Alloc(3)
		require.NoError(t, err)
		b, err := mem.Alloc(5)
		require.NoError(t, err)
		require.Zero(t, a%memAlign)
		require.Zero(t, b%memAlign)
		require.Equal(t, a+memAlign, b)
		require.Equal(t, 2*memAlign, mem.InUse())
	})

	t.Run("freed spans are merged and reused", func(t *testing.T) {
		mem := NewMemory(64)
		a, _ := mem.Alloc(8)
		b, _ := mem.Alloc(8)
		c, _ := mem.Alloc(8)

		require.NoError(t, mem.Free(a))
		require.NoError(t, mem.Free(b))
		d, err := mem.Alloc(16)
		require.NoError(t, err)
		require.Equal(t, a, d)

		require.NoError(t, mem.Free(c))
		require.NoError(t, mem.Free(d))
		require.Zero(t, mem.InUse())
		require.ErrorIs(t, mem.Free(d), ErrBadRef)
	})

	t.Run("growing keeps the content", func(t *testing.T) {
		mem := NewMemory(32)
		a, err := mem.Alloc(8)
		require.NoError(t, err)
		require.NoError(t, mem.Write(a, []byte("fibre!!!")))

		big, err := mem.Alloc(1000)
		require.NoError(t, err)
		require.GreaterOrEqual(t, mem.Len(), 1000)
		require.Greater(t, big, a)

		got, err := mem.Read(a, a+8)
		require.NoError(t, err)
		require.Equal(t, []byte("fibre!!!"), got)
	})

	t.Run("reads are copies", func(t *testing.T) {
		mem := NewMemory(64)
		a, _ := mem.Alloc(4)
		require.NoError(t, mem.Write(a, []byte{1, 2, 3, 4}))

		got, err := mem.Read(a, a+4)
		require.NoError(t, err)
		got[0] = 9

		again, _ := mem.Read(a, a+4)
		require.Equal(t, []byte{1, 2, 3, 4}, again)
	})

	t.Run("out of bounds accesses fail", func(t *testing.T) {
		mem := NewMemory(64)
		require.ErrorIs(t, mem.Write(Ref(mem.Len()-2), []byte{1, 2, 3}), ErrBadRef)
		_, err := mem.Read(16, 8)
		require.ErrorIs(t, err, ErrBadRef)
		_, err = mem.Alloc(0)
		require.ErrorIs(t, err, ErrOutOfMemory)
	})

	t.Run("strings are NUL terminated", func(t *testing.T) {
		mem := NewMemory(64)
		a, _ := mem.Alloc(6)
		require.NoError(t, mem.Write(a, []byte("hello\x00")))
		s, err := mem.ReadCString(a)
		require.NoError(t, err)
		require.Equal(t, "hello", s)
	})
}
