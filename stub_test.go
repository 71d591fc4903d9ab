package fibre

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type exported struct {
	Name string
}

func TestStubs(t *testing.T) {
	rt, _ := attachMock(t)

	roundTrip := func(t *testing.T, val any, depth int) any {
		t.Helper()
		var (
			got any
			err error
		)
		onExecutor(t, rt, func() {
			s := rt.newStorage()
			defer s.Close()
			var ref Ref
			if ref, err = s.Encode(val, depth); err != nil {
				return
			}
			got, err = rt.decodeStub(ref)
		})
		require.NoError(t, err)
		return got
	}

	t.Run("scalars", func(t *testing.T) {
		require.Nil(t, roundTrip(t, nil, 0))
		require.Nil(t, roundTrip(t, Undefined{}, 0))
		require.Equal(t, true, roundTrip(t, true, 0))
		require.Equal(t, -42, roundTrip(t, int64(-42), 0))
		require.Equal(t, "fibre", roundTrip(t, "fibre", 0))
		require.Equal(t, []byte{1, 2, 3}, roundTrip(t, []byte{1, 2, 3}, 0))
		require.Equal(t, []byte{}, roundTrip(t, []byte{}, 0))
	})

	t.Run("an int stub is 8 bytes", func(t *testing.T) {
		var (
			cell []byte
			err  error
		)
		onExecutor(t, rt, func() {
			s := rt.newStorage()
			defer s.Close()
			var ref Ref
			if ref, err = s.Encode(7, 0); err != nil {
				return
			}
			cell, err = rt.mem.Read(ref, ref+StubSize)
		})
		require.NoError(t, err)
		require.Equal(t, []byte{byte(StubInt), 0, 0, 0, 7, 0, 0, 0}, cell)
	})

	t.Run("containers", func(t *testing.T) {
		require.Equal(t, []any{1, "two", nil}, roundTrip(t, []any{1, "two", nil}, 0))
		require.Equal(t,
			map[any]any{"a": 1, "b": []any{true}},
			roundTrip(t, map[string]any{"a": 1, "b": []any{true}}, 1),
		)
	})

	t.Run("mappings need depth", func(t *testing.T) {
		var err error
		onExecutor(t, rt, func() {
			s := rt.newStorage()
			defer s.Close()
			_, err = s.Encode(map[string]any{"inner": map[string]int{"x": 1}}, 1)
		})
		require.ErrorIs(t, err, ErrDepthExceeded)

		got := roundTrip(t, map[string]any{"inner": map[string]int{"x": 1}}, 2)
		require.Equal(t, map[any]any{"inner": map[any]any{"x": 1}}, got)
	})

	t.Run("unsupported values", func(t *testing.T) {
		for _, val := range []any{int64(1) << 40, "nul\x00byte", 1.5, make(chan int)} {
			var err error
			onExecutor(t, rt, func() {
				s := rt.newStorage()
				defer s.Close()
				_, err = s.Encode(val, 0)
			})
			require.ErrorIs(t, err, ErrUnsupportedType, "%T", val)
		}
	})

	t.Run("objects are exported once per pointer", func(t *testing.T) {
		obj := &exported{Name: "x"}
		var (
			first       any
			h           Handle
			refs, after int
			err         error
		)
		onExecutor(t, rt, func() {
			s := rt.newStorage()
			defer func() {
				s.Close()
				after = rt.local.Refs(h)
			}()

			var ref Ref
			if ref, err = s.Encode([]any{obj, obj}, 0); err != nil {
				return
			}
			var list any
			if list, err = rt.decodeStub(ref); err != nil {
				return
			}
			first = list.([]any)[0]

			var cells, payload uint32
			if _, cells, err = readStub(rt.mem, ref); err != nil {
				return
			}
			if _, payload, err = readStub(rt.mem, Ref(cells)+StubSize); err != nil {
				return
			}
			h = Handle(payload)
			refs = rt.local.Refs(h)
		})
		require.NoError(t, err)
		require.Same(t, obj, first)
		require.Equal(t, 2, refs)
		require.Zero(t, after)
	})

	t.Run("closing a storage frees its memory", func(t *testing.T) {
		var (
			before, during, after int
			err                   error
		)
		onExecutor(t, rt, func() {
			before = rt.mem.InUse()
			s := rt.newStorage()
			_, err = s.Encode([]any{"a", "b", []byte("c")}, 0)
			during = rt.mem.InUse()
			s.Close()
			after = rt.mem.InUse()
		})
		require.NoError(t, err)
		require.Greater(t, during, before)
		require.Equal(t, before, after)
	})
}
