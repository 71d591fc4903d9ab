package fibre

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"unicode/utf8"
)

// Codec converts between Go values and the wire representation of one
// argument. Codecs are stateless; the runtime is only needed to resolve
// object references.
type Codec interface {
	// Size of the encoded value in bytes, -1 when it depends on the value.
	Size() int

	// Serialize appends the encoding of val to dst.
	Serialize(rt *Runtime, dst []byte, val any) ([]byte, error)

	// Deserialize decodes a complete argument frame.
	Deserialize(rt *Runtime, src []byte) (any, error)
}

var codecs = map[string]Codec{
	"int8":       intCodec{bits: 8, signed: true},
	"uint8":      intCodec{bits: 8},
	"int16":      intCodec{bits: 16, signed: true},
	"uint16":     intCodec{bits: 16},
	"int32":      intCodec{bits: 32, signed: true},
	"uint32":     intCodec{bits: 32},
	"int64":      intCodec{bits: 64, signed: true},
	"uint64":     intCodec{bits: 64},
	"float":      floatCodec{},
	"bool":       boolCodec{},
	"object_ref": objectRefCodec{},
	"string":     stringCodec{},
	"bytes":      bytesCodec{},
}

// LookupCodec returns the codec registered under a wire type name, as
// reported by the engine in function metadata.
func LookupCodec(name string) (Codec, error) {
	c, ok := codecs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	return c, nil
}

type intCodec struct {
	bits   int
	signed bool
}

func (c intCodec) Size() int {
	return c.bits / 8
}

func (c intCodec) Serialize(_ *Runtime, dst []byte, val any) ([]byte, error) {
	var raw uint64
	if c.signed {
		v, err := asInt64(val)
		if err != nil {
			return dst, err
		}
		if shift := 64 - c.bits; v<<shift>>shift != v {
			return dst, fmt.Errorf("%w: %d overflows int%d", ErrUnsupportedType, v, c.bits)
		}
		raw = uint64(v)
	} else {
		v, err := asUint64(val)
		if err != nil {
			return dst, err
		}
		if c.bits < 64 && v>>c.bits != 0 {
			return dst, fmt.Errorf("%w: %d overflows uint%d", ErrUnsupportedType, v, c.bits)
		}
		raw = v
	}

	switch c.bits {
	case 8:
		return append(dst, byte(raw)), nil
	case 16:
		return binary.LittleEndian.AppendUint16(dst, uint16(raw)), nil
	case 32:
		return binary.LittleEndian.AppendUint32(dst, uint32(raw)), nil
	default:
		return binary.LittleEndian.AppendUint64(dst, raw), nil
	}
}

func (c intCodec) Deserialize(_ *Runtime, src []byte) (any, error) {
	if len(src) < c.Size() {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrShortBuffer, c.Size(), len(src))
	}
	switch {
	case c.bits == 8 && c.signed:
		return int8(src[0]), nil
	case c.bits == 8:
		return src[0], nil
	case c.bits == 16 && c.signed:
		return int16(binary.LittleEndian.Uint16(src)), nil
	case c.bits == 16:
		return binary.LittleEndian.Uint16(src), nil
	case c.bits == 32 && c.signed:
		return int32(binary.LittleEndian.Uint32(src)), nil
	case c.bits == 32:
		return binary.LittleEndian.Uint32(src), nil
	case c.signed:
		return int64(binary.LittleEndian.Uint64(src)), nil
	default:
		return binary.LittleEndian.Uint64(src), nil
	}
}

type floatCodec struct{}

func (floatCodec) Size() int { return 4 }

func (floatCodec) Serialize(_ *Runtime, dst []byte, val any) ([]byte, error) {
	var f float32
	switch v := val.(type) {
	case float32:
		f = v
	case float64:
		f = float32(v)
	default:
		return dst, fmt.Errorf("%w: %T is not a float", ErrUnsupportedType, val)
	}
	return binary.LittleEndian.AppendUint32(dst, math.Float32bits(f)), nil
}

func (floatCodec) Deserialize(_ *Runtime, src []byte) (any, error) {
	if len(src) < 4 {
		return nil, fmt.Errorf("%w: need 4 bytes, have %d", ErrShortBuffer, len(src))
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(src)), nil
}

type boolCodec struct{}

func (boolCodec) Size() int { return 1 }

func (boolCodec) Serialize(_ *Runtime, dst []byte, val any) ([]byte, error) {
	v, ok := val.(bool)
	if !ok {
		return dst, fmt.Errorf("%w: %T is not a bool", ErrUnsupportedType, val)
	}
	if v {
		return append(dst, 1), nil
	}
	return append(dst, 0), nil
}

func (boolCodec) Deserialize(_ *Runtime, src []byte) (any, error) {
	if len(src) < 1 {
		return nil, fmt.Errorf("%w: need 1 byte", ErrShortBuffer)
	}
	return src[0] != 0, nil
}

// objectRefCodec carries the handle of a remote object, 0 meaning none.
type objectRefCodec struct{}

func (objectRefCodec) Size() int { return 4 }

func (objectRefCodec) Serialize(_ *Runtime, dst []byte, val any) ([]byte, error) {
	var h Handle
	switch v := val.(type) {
	case nil:
	case *RemoteObject:
		if v != nil {
			live, err := v.handle()
			if err != nil {
				return dst, err
			}
			h = live
		}
	default:
		return dst, fmt.Errorf("%w: %T is not a remote object", ErrUnsupportedType, val)
	}
	return binary.LittleEndian.AppendUint32(dst, uint32(h)), nil
}

func (objectRefCodec) Deserialize(rt *Runtime, src []byte) (any, error) {
	if len(src) < 4 {
		return nil, fmt.Errorf("%w: need 4 bytes, have %d", ErrShortBuffer, len(src))
	}
	h := Handle(binary.LittleEndian.Uint32(src))
	if h == 0 {
		return nil, nil
	}
	if rt == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnresolvedReference, h)
	}
	obj, ok := rt.remote.Get(h)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnresolvedReference, h)
	}
	return obj, nil
}

// stringCodec takes the whole argument frame as UTF-8 text.
type stringCodec struct{}

func (stringCodec) Size() int { return -1 }

func (stringCodec) Serialize(_ *Runtime, dst []byte, val any) ([]byte, error) {
	s, ok := val.(string)
	if !ok {
		return dst, fmt.Errorf("%w: %T is not a string", ErrUnsupportedType, val)
	}
	return append(dst, s...), nil
}

func (stringCodec) Deserialize(_ *Runtime, src []byte) (any, error) {
	if !utf8.Valid(src) {
		return nil, fmt.Errorf("%w: invalid UTF-8", ErrUnsupportedType)
	}
	return string(src), nil
}

type bytesCodec struct{}

func (bytesCodec) Size() int { return -1 }

func (bytesCodec) Serialize(_ *Runtime, dst []byte, val any) ([]byte, error) {
	b, ok := val.([]byte)
	if !ok {
		return dst, fmt.Errorf("%w: %T is not a byte slice", ErrUnsupportedType, val)
	}
	return append(dst, b...), nil
}

func (bytesCodec) Deserialize(_ *Runtime, src []byte) (any, error) {
	return append([]byte(nil), src...), nil
}

func asInt64(val any) (int64, error) {
	rv := reflect.ValueOf(val)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d overflows int64", ErrUnsupportedType, u)
		}
		return int64(u), nil
	default:
		return 0, fmt.Errorf("%w: %T is not an integer", ErrUnsupportedType, val)
	}
}

func asUint64(val any) (uint64, error) {
	rv := reflect.ValueOf(val)
	switch rv.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := rv.Int()
		if i < 0 {
			return 0, fmt.Errorf("%w: %d is negative", ErrUnsupportedType, i)
		}
		return uint64(i), nil
	default:
		return 0, fmt.Errorf("%w: %T is not an integer", ErrUnsupportedType, val)
	}
}
