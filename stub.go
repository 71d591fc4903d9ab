package fibre

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strings"
)

// StubSize is the size of a stub cell in memory.
const StubSize = 8

// StubType tags the payload of a stub.
type StubType uint32

const (
	StubUndefined StubType = iota
	StubBool
	StubInt
	StubString
	StubList
	StubDict
	StubObject
	StubFunc
	StubArray
)

func (t StubType) String() string {
	switch t {
	case StubUndefined:
		return "undefined"
	case StubBool:
		return "bool"
	case StubInt:
		return "int"
	case StubString:
		return "string"
	case StubList:
		return "list"
	case StubDict:
		return "dict"
	case StubObject:
		return "object"
	case StubFunc:
		return "func"
	case StubArray:
		return "array"
	default:
		return fmt.Sprintf("stub(%d)", uint32(t))
	}
}

// Undefined encodes to an undefined stub, like nil.
type Undefined struct{}

// HostFunc is a function the engine can call back. Function stubs decode
// to a HostFunc forwarding its arguments to the engine.
type HostFunc func(args ...any) error

// EngineFunc is a function of the engine handed to the host, for example
// as the value of a property. It decodes back to a `HostFunc` forwarding to
// `Engine.InvokeCallback`.
type EngineFunc struct {
	Callback Handle
	Context  Handle
}

// funcDescriptorSize is {callback, context, depth} as three uint32.
const funcDescriptorSize = 12

func putStub(mem *Memory, at Ref, typ StubType, payload uint32) error {
	var cell [StubSize]byte
	binary.LittleEndian.PutUint32(cell[0:], uint32(typ))
	binary.LittleEndian.PutUint32(cell[4:], payload)
	return mem.Write(at, cell[:])
}

func readStub(mem *Memory, at Ref) (StubType, uint32, error) {
	cell, err := mem.Read(at, at+StubSize)
	if err != nil {
		return 0, 0, err
	}
	return StubType(binary.LittleEndian.Uint32(cell[0:])), binary.LittleEndian.Uint32(cell[4:]), nil
}

// EncodeInto writes the stub of val at ref, allocating whatever val needs
// in the storage. Mappings are only expanded while depth is positive.
func (s *Storage) EncodeInto(ref Ref, val any, depth int) error {
	if s.closed {
		return fmt.Errorf("%w: storage already released", ErrRuntimeClosed)
	}
	mem := s.rt.mem

	switch v := val.(type) {
	case nil, Undefined:
		return putStub(mem, ref, StubUndefined, 0)
	case bool:
		var payload uint32
		if v {
			payload = 1
		}
		return putStub(mem, ref, StubBool, payload)
	case string:
		return s.encodeString(ref, v)
	case []byte:
		return s.encodeArray(ref, v)
	case HostFunc:
		return s.encodeFunc(ref, v, depth)
	case func(args ...any) error:
		return s.encodeFunc(ref, v, depth)
	case EngineFunc:
		return s.encodeDescriptor(ref, v.Callback, v.Context, depth)
	}

	rv := reflect.ValueOf(val)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		i, err := asInt64(val)
		if err != nil {
			return err
		}
		if i < math.MinInt32 || i > math.MaxInt32 {
			return fmt.Errorf("%w: %d does not fit an int stub", ErrUnsupportedType, i)
		}
		return putStub(mem, ref, StubInt, uint32(int32(i)))
	case reflect.Slice, reflect.Array:
		return s.encodeList(ref, rv, depth)
	case reflect.Map:
		if depth <= 0 {
			return fmt.Errorf("%w: cannot expand %T", ErrDepthExceeded, val)
		}
		return s.encodeDict(ref, rv, depth)
	case reflect.Pointer:
		if rv.IsNil() {
			return putStub(mem, ref, StubUndefined, 0)
		}
		h, err := s.export(val)
		if err != nil {
			return err
		}
		return putStub(mem, ref, StubObject, uint32(h))
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedType, val)
	}
}

// Encode allocates a stub, encodes val into it and returns its offset.
func (s *Storage) Encode(val any, depth int) (Ref, error) {
	ref, err := s.alloc(StubSize)
	if err != nil {
		return 0, err
	}
	return ref, s.EncodeInto(ref, val, depth)
}

func (s *Storage) encodeString(ref Ref, v string) error {
	if strings.IndexByte(v, 0) >= 0 {
		return fmt.Errorf("%w: string contains a NUL byte", ErrUnsupportedType)
	}
	buf, err := s.alloc(len(v) + 1)
	if err != nil {
		return err
	}
	if err := s.rt.mem.Write(buf, append([]byte(v), 0)); err != nil {
		return err
	}
	return putStub(s.rt.mem, ref, StubString, uint32(buf))
}

func (s *Storage) encodeList(ref Ref, rv reflect.Value, depth int) error {
	n := rv.Len()
	cells, err := s.alloc(StubSize * (n + 1))
	if err != nil {
		return err
	}
	if err := s.EncodeInto(cells, n, depth); err != nil {
		return err
	}
	for i := range n {
		if err := s.EncodeInto(cells+Ref(StubSize*(i+1)), rv.Index(i).Interface(), depth-1); err != nil {
			return err
		}
	}
	return putStub(s.rt.mem, ref, StubList, uint32(cells))
}

func (s *Storage) encodeDict(ref Ref, rv reflect.Value, depth int) error {
	keys := rv.MapKeys()
	slices.SortFunc(keys, func(a, b reflect.Value) int {
		return strings.Compare(fmt.Sprint(a.Interface()), fmt.Sprint(b.Interface()))
	})

	cells, err := s.alloc(StubSize * (2*len(keys) + 1))
	if err != nil {
		return err
	}
	if err := s.EncodeInto(cells, len(keys), depth); err != nil {
		return err
	}
	for i, k := range keys {
		at := cells + Ref(StubSize*(2*i+1))
		if err := s.EncodeInto(at, k.Interface(), depth-1); err != nil {
			return err
		}
		if err := s.EncodeInto(at+StubSize, rv.MapIndex(k).Interface(), depth-1); err != nil {
			return err
		}
	}
	return putStub(s.rt.mem, ref, StubDict, uint32(cells))
}

func (s *Storage) encodeArray(ref Ref, v []byte) error {
	desc, err := s.alloc(8)
	if err != nil {
		return err
	}
	var start Ref
	if len(v) > 0 {
		if start, err = s.alloc(len(v)); err != nil {
			return err
		}
		if err := s.rt.mem.Write(start, v); err != nil {
			return err
		}
	}
	var d [8]byte
	binary.LittleEndian.PutUint32(d[0:], uint32(start))
	binary.LittleEndian.PutUint32(d[4:], uint32(start)+uint32(len(v)))
	if err := s.rt.mem.Write(desc, d[:]); err != nil {
		return err
	}
	return putStub(s.rt.mem, ref, StubArray, uint32(desc))
}

func (s *Storage) encodeFunc(ref Ref, fn HostFunc, depth int) error {
	if fn == nil {
		return putStub(s.rt.mem, ref, StubUndefined, 0)
	}
	cb, err := s.rt.local.Alloc(fn)
	if err != nil {
		return err
	}
	s.objects = append(s.objects, cb)
	return s.encodeDescriptor(ref, cb, 0, depth)
}

func (s *Storage) encodeDescriptor(ref Ref, cb, cbCtx Handle, depth int) error {
	desc, err := s.alloc(funcDescriptorSize)
	if err != nil {
		return err
	}
	var d [funcDescriptorSize]byte
	binary.LittleEndian.PutUint32(d[0:], uint32(cb))
	binary.LittleEndian.PutUint32(d[4:], uint32(cbCtx))
	binary.LittleEndian.PutUint32(d[8:], uint32(max(depth, 0)))
	if err := s.rt.mem.Write(desc, d[:]); err != nil {
		return err
	}
	return putStub(s.rt.mem, ref, StubFunc, uint32(desc))
}

// decodeStub is the inverse of `Storage.EncodeInto`. It must run on the
// executor.
func (rt *Runtime) decodeStub(ref Ref) (any, error) {
	typ, payload, err := readStub(rt.mem, ref)
	if err != nil {
		return nil, err
	}

	switch typ {
	case StubUndefined:
		return nil, nil
	case StubBool:
		return payload != 0, nil
	case StubInt:
		return int(int32(payload)), nil
	case StubString:
		return rt.mem.ReadCString(Ref(payload))
	case StubList:
		n, err := rt.decodeLength(Ref(payload))
		if err != nil {
			return nil, err
		}
		list := make([]any, n)
		for i := range n {
			if list[i], err = rt.decodeStub(Ref(payload) + Ref(StubSize*(i+1))); err != nil {
				return nil, err
			}
		}
		return list, nil
	case StubDict:
		n, err := rt.decodeLength(Ref(payload))
		if err != nil {
			return nil, err
		}
		dict := make(map[any]any, n)
		for i := range n {
			at := Ref(payload) + Ref(StubSize*(2*i+1))
			k, err := rt.decodeStub(at)
			if err != nil {
				return nil, err
			}
			if k != nil && !reflect.TypeOf(k).Comparable() {
				return nil, fmt.Errorf("%w: dict key of type %T", ErrBadStub, k)
			}
			if dict[k], err = rt.decodeStub(at + StubSize); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case StubObject:
		obj, ok := rt.local.Get(Handle(payload))
		if !ok {
			return nil, fmt.Errorf("%w: local object %d", ErrUnresolvedReference, payload)
		}
		return obj, nil
	case StubFunc:
		d, err := rt.mem.Read(Ref(payload), Ref(payload)+funcDescriptorSize)
		if err != nil {
			return nil, err
		}
		cb := Handle(binary.LittleEndian.Uint32(d[0:]))
		cbCtx := Handle(binary.LittleEndian.Uint32(d[4:]))
		depth := int(binary.LittleEndian.Uint32(d[8:]))
		return rt.remoteCallback(cb, cbCtx, depth), nil
	case StubArray:
		d, err := rt.mem.Read(Ref(payload), Ref(payload)+8)
		if err != nil {
			return nil, err
		}
		start := Ref(binary.LittleEndian.Uint32(d[0:]))
		end := Ref(binary.LittleEndian.Uint32(d[4:]))
		if start == end {
			return []byte{}, nil
		}
		return rt.mem.Read(start, end)
	default:
		return nil, fmt.Errorf("%w: unknown type %d", ErrBadStub, uint32(typ))
	}
}

func (rt *Runtime) decodeLength(ref Ref) (int, error) {
	typ, payload, err := readStub(rt.mem, ref)
	if err != nil {
		return 0, err
	}
	if typ != StubInt || int32(payload) < 0 {
		return 0, fmt.Errorf("%w: length is a %s stub", ErrBadStub, typ)
	}
	return int(payload), nil
}

// remoteCallback wraps a function the engine handed us. Calling it encodes
// the arguments in a fresh storage with the depth captured with the stub
// and blocks until the engine returns.
func (rt *Runtime) remoteCallback(cb, cbCtx Handle, depth int) HostFunc {
	depth = rt.encodeDepth(depth)
	return func(args ...any) error {
		ctx := context.Background()
		var (
			storage *Storage
			argv    Ref
			encErr  error
		)
		err := rt.exec.do(ctx, func() {
			storage = rt.newStorage()
			if len(args) == 0 {
				return
			}
			argv, encErr = storage.alloc(StubSize * len(args))
			if encErr != nil {
				return
			}
			for i, a := range args {
				if encErr = storage.EncodeInto(argv+Ref(StubSize*i), a, depth); encErr != nil {
					return
				}
			}
		})
		if err != nil {
			return err
		}
		defer rt.exec.post(storage.Close)
		if encErr != nil {
			return encErr
		}
		return rt.engine.InvokeCallback(cb, cbCtx, argv, len(args))
	}
}
