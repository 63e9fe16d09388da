package crdt

import (
	"encoding/binary"
	"math"
	"sort"
)

// lib0 "any" tags.
const (
	anyUndefined = 127
	anyNull      = 126
	anyInteger   = 125
	anyFloat32   = 124
	anyFloat64   = 123
	anyBigInt    = 122
	anyFalse     = 121
	anyTrue      = 120
	anyString    = 119
	anyObject    = 118
	anyArray     = 117
	anyBytes     = 116
)

const (
	maxSafeInteger = 0x7FFFFFFF // larger integers travel as floats
	maxAnyDepth    = 128
)

// Undefined is the lib0 "undefined" value. It materializes to JSON null.
type Undefined struct{}

func (Undefined) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

// BigInt is a lib0 64-bit bigint value.
type BigInt int64

type encoder struct {
	buf []byte
}

func (e *encoder) bytes() []byte { return e.buf }

func (e *encoder) writeUint8(b byte) { e.buf = append(e.buf, b) }

func (e *encoder) writeVarUint(n uint64) { e.buf = binary.AppendUvarint(e.buf, n) }

// writeVarInt writes lib0's signed varint: the first byte carries a
// continuation bit, a sign bit and six value bits.
func (e *encoder) writeVarInt(n int64) {
	var u uint64
	var sign byte
	if n < 0 {
		sign = 0x40
		u = uint64(-n)
	} else {
		u = uint64(n)
	}
	b := byte(u&0x3f) | sign
	u >>= 6
	if u > 0 {
		b |= 0x80
	}
	e.buf = append(e.buf, b)
	for u > 0 {
		b = byte(u & 0x7f)
		u >>= 7
		if u > 0 {
			b |= 0x80
		}
		e.buf = append(e.buf, b)
	}
}

func (e *encoder) writeVarString(s string) {
	e.writeVarUint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) writeVarBytes(b []byte) {
	e.writeVarUint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) writeID(id ID) {
	e.writeVarUint(id.Client)
	e.writeVarUint(id.Clock)
}

// writeAny expects values produced by normalizeAny or readAny.
func (e *encoder) writeAny(v any) {
	switch v := v.(type) {
	case nil:
		e.writeUint8(anyNull)
	case Undefined:
		e.writeUint8(anyUndefined)
	case bool:
		if v {
			e.writeUint8(anyTrue)
		} else {
			e.writeUint8(anyFalse)
		}
	case string:
		e.writeUint8(anyString)
		e.writeVarString(v)
	case float64:
		e.writeNumber(v)
	case BigInt:
		e.writeUint8(anyBigInt)
		e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(v))
	case []byte:
		e.writeUint8(anyBytes)
		e.writeVarBytes(v)
	case []any:
		e.writeUint8(anyArray)
		e.writeVarUint(uint64(len(v)))
		for _, item := range v {
			e.writeAny(item)
		}
	case map[string]any:
		e.writeUint8(anyObject)
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		e.writeVarUint(uint64(len(keys)))
		for _, k := range keys {
			e.writeVarString(k)
			e.writeAny(v[k])
		}
	default:
		e.writeUint8(anyUndefined)
	}
}

// writeNumber picks the narrowest lib0 representation, the same way a
// JavaScript encoder would for the same number.
func (e *encoder) writeNumber(f float64) {
	switch {
	case f == 0 && math.Signbit(f):
		e.writeUint8(anyInteger)
		e.writeUint8(0x40)
	case f == math.Trunc(f) && math.Abs(f) <= maxSafeInteger:
		e.writeUint8(anyInteger)
		e.writeVarInt(int64(f))
	case float64(float32(f)) == f:
		e.writeUint8(anyFloat32)
		e.buf = binary.BigEndian.AppendUint32(e.buf, math.Float32bits(float32(f)))
	default:
		e.writeUint8(anyFloat64)
		e.buf = binary.BigEndian.AppendUint64(e.buf, math.Float64bits(f))
	}
}

type decoder struct {
	buf []byte
	pos int
}

func newDecoder(buf []byte) *decoder { return &decoder{buf: buf} }

func (d *decoder) fail(reason string) error {
	return &DecodeError{Offset: d.pos, Reason: reason}
}

func (d *decoder) remaining() int { return len(d.buf) - d.pos }

func (d *decoder) readUint8() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, d.fail("unexpected end of buffer")
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readVarUint() (uint64, error) {
	n, size := binary.Uvarint(d.buf[d.pos:])
	if size == 0 {
		return 0, d.fail("truncated varuint")
	}
	if size < 0 {
		return 0, d.fail("varuint overflows 64 bits")
	}
	d.pos += size
	return n, nil
}

// readLen reads a varuint that sizes something still to be read from the
// buffer, so it can never exceed what is left.
func (d *decoder) readLen(minElemSize int) (int, error) {
	start := d.pos
	n, err := d.readVarUint()
	if err != nil {
		return 0, err
	}
	if n > uint64(d.remaining()/minElemSize) {
		d.pos = start
		return 0, d.fail("length exceeds remaining buffer")
	}
	return int(n), nil
}

func (d *decoder) readVarInt() (int64, float64, error) {
	r, err := d.readUint8()
	if err != nil {
		return 0, 0, err
	}
	negative := r&0x40 != 0
	num := uint64(r & 0x3f)
	shift := uint(6)
	for r&0x80 != 0 {
		if r, err = d.readUint8(); err != nil {
			return 0, 0, err
		}
		if shift > 63 {
			return 0, 0, d.fail("varint overflows 64 bits")
		}
		num |= uint64(r&0x7f) << shift
		shift += 7
	}
	if num > math.MaxInt64 {
		return 0, 0, d.fail("varint overflows 64 bits")
	}
	if negative {
		if num == 0 {
			return 0, math.Copysign(0, -1), nil
		}
		return -int64(num), -float64(num), nil
	}
	return int64(num), float64(num), nil
}

func (d *decoder) readVarBytes() ([]byte, error) {
	n, err := d.readLen(1)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, d.buf[d.pos:d.pos+n])
	d.pos += n
	return out, nil
}

func (d *decoder) readVarString() (string, error) {
	n, err := d.readLen(1)
	if err != nil {
		return "", err
	}
	s := string(d.buf[d.pos : d.pos+n])
	d.pos += n
	return s, nil
}

func (d *decoder) readID() (ID, error) {
	client, err := d.readVarUint()
	if err != nil {
		return ID{}, err
	}
	clock, err := d.readVarUint()
	if err != nil {
		return ID{}, err
	}
	return ID{Client: client, Clock: clock}, nil
}

func (d *decoder) readFixed(n int) ([]byte, error) {
	if d.remaining() < n {
		return nil, d.fail("unexpected end of buffer")
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) readAny() (any, error) {
	return d.readAnyDepth(0)
}

func (d *decoder) readAnyDepth(depth int) (any, error) {
	if depth > maxAnyDepth {
		return nil, d.fail("value nested too deeply")
	}
	tag, err := d.readUint8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case anyUndefined:
		return Undefined{}, nil
	case anyNull:
		return nil, nil
	case anyInteger:
		_, f, err := d.readVarInt()
		return f, err
	case anyFloat32:
		b, err := d.readFixed(4)
		if err != nil {
			return nil, err
		}
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b))), nil
	case anyFloat64:
		b, err := d.readFixed(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	case anyBigInt:
		b, err := d.readFixed(8)
		if err != nil {
			return nil, err
		}
		return BigInt(int64(binary.BigEndian.Uint64(b))), nil
	case anyFalse:
		return false, nil
	case anyTrue:
		return true, nil
	case anyString:
		return d.readVarString()
	case anyBytes:
		return d.readVarBytes()
	case anyArray:
		n, err := d.readLen(1)
		if err != nil {
			return nil, err
		}
		arr := make([]any, 0, n)
		for i := 0; i < n; i++ {
			v, err := d.readAnyDepth(depth + 1)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	case anyObject:
		n, err := d.readLen(2)
		if err != nil {
			return nil, err
		}
		obj := make(map[string]any, n)
		for i := 0; i < n; i++ {
			k, err := d.readVarString()
			if err != nil {
				return nil, err
			}
			v, err := d.readAnyDepth(depth + 1)
			if err != nil {
				return nil, err
			}
			obj[k] = v
		}
		return obj, nil
	default:
		d.pos--
		return nil, d.fail("unknown value tag")
	}
}

// normalizeAny converts caller-supplied Go values into the closed set of
// types the any-encoder understands. Every number becomes a float64.
func normalizeAny(v any) (any, error) {
	switch v := v.(type) {
	case nil, Undefined, bool, string, float64, BigInt:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case []byte:
		out := make([]byte, len(v))
		copy(out, v)
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			n, err := normalizeAny(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			n, err := normalizeAny(item)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = item
		}
		return out, nil
	default:
		return nil, ErrUnsupportedValue
	}
}
