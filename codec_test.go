package fibre

import (
	"context"
	"maps"
	"math"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCodecs(t *testing.T) {
	codec := func(name string) Codec {
		c, err := LookupCodec(name)
		require.NoError(t, err)
		return c
	}

	t.Run("integers are little endian", func(t *testing.T) {
		b, err := codec("int32").Serialize(nil, nil, 42)
		require.NoError(t, err)
		require.Equal(t, []byte{42, 0, 0, 0}, b)

		b, err = codec("int16").Serialize(nil, nil, -2)
		require.NoError(t, err)
		require.Equal(t, []byte{0xfe, 0xff}, b)

		val, err := codec("int16").Deserialize(nil, b)
		require.NoError(t, err)
		require.Equal(t, int16(-2), val)

		val, err = codec("uint64").Deserialize(nil, []byte{1, 0, 0, 0, 0, 0, 0, 1})
		require.NoError(t, err)
		require.Equal(t, uint64(1<<56+1), val)
	})

	t.Run("integers must fit", func(t *testing.T) {
		_, err := codec("int8").Serialize(nil, nil, 200)
		require.ErrorIs(t, err, ErrUnsupportedType)
		_, err = codec("uint8").Serialize(nil, nil, -1)
		require.ErrorIs(t, err, ErrUnsupportedType)
		_, err = codec("uint32").Serialize(nil, nil, "1")
		require.ErrorIs(t, err, ErrUnsupportedType)
		_, err = codec("int32").Deserialize(nil, []byte{1, 2})
		require.ErrorIs(t, err, ErrShortBuffer)
	})

	t.Run("scalars", func(t *testing.T) {
		b, err := codec("float").Serialize(nil, nil, 1.5)
		require.NoError(t, err)
		val, err := codec("float").Deserialize(nil, b)
		require.NoError(t, err)
		require.Equal(t, float32(1.5), val)

		b, err = codec("bool").Serialize(nil, nil, true)
		require.NoError(t, err)
		require.Equal(t, []byte{1}, b)
		_, err = codec("bool").Serialize(nil, nil, 1)
		require.ErrorIs(t, err, ErrUnsupportedType)
	})

	t.Run("strings must be valid UTF-8", func(t *testing.T) {
		val, err := codec("string").Deserialize(nil, []byte("héllo"))
		require.NoError(t, err)
		require.Equal(t, "héllo", val)

		_, err = codec("string").Deserialize(nil, []byte{0xff, 0xfe})
		require.ErrorIs(t, err, ErrUnsupportedType)
	})

	t.Run("null object references", func(t *testing.T) {
		b, err := codec("object_ref").Serialize(nil, nil, nil)
		require.NoError(t, err)
		require.Equal(t, []byte{0, 0, 0, 0}, b)

		val, err := codec("object_ref").Deserialize(nil, b)
		require.NoError(t, err)
		require.Nil(t, val)

		_, err = codec("object_ref").Deserialize(nil, []byte{7, 0, 0, 0})
		require.ErrorIs(t, err, ErrUnresolvedReference)
	})

	t.Run("values survive a round trip", func(t *testing.T) {
		values := map[string][]any{
			"int8":   {int8(math.MinInt8), int8(0), int8(math.MaxInt8)},
			"uint8":  {uint8(0), uint8(math.MaxUint8)},
			"int16":  {int16(math.MinInt16), int16(-2), int16(math.MaxInt16)},
			"uint16": {uint16(0), uint16(math.MaxUint16)},
			"int32":  {int32(math.MinInt32), int32(42), int32(math.MaxInt32)},
			"uint32": {uint32(0), uint32(math.MaxUint32)},
			"int64":  {int64(math.MinInt64), int64(-1), int64(math.MaxInt64)},
			"uint64": {uint64(0), uint64(math.MaxUint64)},
			"float":  {float32(-0.25), float32(0), float32(math.MaxFloat32)},
			"bool":   {true, false},
			"string": {"", "héllo"},
			"bytes":  {[]byte("x"), []byte{0, 1, 0xff}},
			// Covered with a runtime below.
			"object_ref": {nil},
		}
		for _, name := range slices.Sorted(maps.Keys(codecs)) {
			samples, ok := values[name]
			require.True(t, ok, "no samples for codec %s", name)
			for _, val := range samples {
				b, err := codec(name).Serialize(nil, nil, val)
				require.NoError(t, err, name)
				if size := codec(name).Size(); size >= 0 {
					require.Len(t, b, size, name)
				}
				back, err := codec(name).Deserialize(nil, b)
				require.NoError(t, err, name)
				require.Equal(t, val, back, name)
			}
		}
	})

	t.Run("object references resolve to their proxy", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rt, eng, disc, obj := discoverDevice(t, ctx)

		var (
			b         []byte
			back      any
			encErr    error
			decErr    error
			staleErr  error
			unsentLen int
		)
		onExecutor(t, rt, func() {
			b, encErr = codec("object_ref").Serialize(rt, nil, obj)
			if encErr == nil {
				back, decErr = codec("object_ref").Deserialize(rt, b)
			}
		})
		require.NoError(t, encErr)
		require.Equal(t, []byte{byte(deviceObj), 0, 0, 0}, b)
		require.NoError(t, decErr)
		require.Same(t, obj, back)

		eng.binding.Lost(disc.id, deviceObj)
		<-obj.Lost()
		onExecutor(t, rt, func() {
			var unsent []byte
			unsent, staleErr = codec("object_ref").Serialize(rt, nil, obj)
			unsentLen = len(unsent)
			_, decErr = codec("object_ref").Deserialize(rt, b)
		})
		require.ErrorIs(t, staleErr, ErrStaleObject)
		require.ErrorIs(t, staleErr, ErrObjectLost)
		require.Zero(t, unsentLen)
		require.ErrorIs(t, decErr, ErrUnresolvedReference)
	})

	t.Run("unknown codec", func(t *testing.T) {
		_, err := LookupCodec("complex128")
		require.ErrorIs(t, err, ErrUnknownCodec)
	})
}

func TestTaskRecords(t *testing.T) {
	b := EncodeTasks(Task{
		Type:   TaskWrite,
		Handle: 3,
		Write: WriteTask{
			BBegin:    0x10,
			CBegin:    0x20,
			CEnd:      0x2c,
			Elevation: 1,
			Status:    StatusClosed,
		},
	})
	require.Len(t, b, TaskSize)
	require.Equal(t, []byte{1, 0, 0, 0, 3, 0, 0, 0}, b[:8])
	require.Equal(t, byte(0x10), b[8])
	require.Equal(t, byte(0x2c), b[16])
	require.Equal(t, byte(1), b[20])
	require.Equal(t, byte(StatusClosed), b[24])

	_, err := DecodeTasks(b[:TaskSize-1])
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestChunkRecords(t *testing.T) {
	mem := NewMemory(128)
	cBegin, cEnd, err := WriteChunks(mem, []Chunk{
		{Begin: 40, End: 44},
		FrameBoundary(),
	})
	require.NoError(t, err)
	require.Equal(t, Ref(2*ChunkSize), cEnd-cBegin)

	chunks, err := ReadChunks(mem, cBegin, cEnd)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, 4, chunks[0].Len())
	require.False(t, chunks[0].IsFrameBoundary())
	require.True(t, chunks[1].IsFrameBoundary())
	require.Zero(t, chunks[1].Len())

	_, err = ReadChunks(mem, cBegin, cBegin+5)
	require.ErrorIs(t, err, ErrBadRef)
}
