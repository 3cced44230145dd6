package replica

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Kind is the wire type of an actor field.
type Kind uint8

const (
	KindBool Kind = iota + 1
	KindInt
	KindUint
	KindFloat32
	KindFloat64
	KindString
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Value is one field value. Values are comparable with ==, which compares
// floats bitwise so NaN updates are still detected.
type Value struct {
	kind Kind
	bits uint64
	str  string
}

func Bool(b bool) Value {
	var n uint64
	if b {
		n = 1
	}
	return Value{kind: KindBool, bits: n}
}

func Int(i int64) Value { return Value{kind: KindInt, bits: uint64(i)} }
func Uint(u uint64) Value { return Value{kind: KindUint, bits: u} }
func Float32(f float32) Value { return Value{kind: KindFloat32, bits: uint64(math.Float32bits(f))} }
func Float64(f float64) Value { return Value{kind: KindFloat64, bits: math.Float64bits(f)} }
func String(s string) Value { return Value{kind: KindString, str: s} }

// Bytes copies b so later changes to the slice do not leak into the world.
func Bytes(b []byte) Value { return Value{kind: KindBytes, str: string(b)} }

func zeroValue(k Kind) Value { return Value{kind: k} }

func (v Value) Kind() Kind { return v.kind }
func (v Value) Bool() bool { return v.bits != 0 }
func (v Value) Int() int64 { return int64(v.bits) }
func (v Value) Uint() uint64 { return v.bits }
func (v Value) Float32() float32 { return math.Float32frombits(uint32(v.bits)) }
func (v Value) Float64() float64 { return math.Float64frombits(v.bits) }
func (v Value) Str() string { return v.str }
func (v Value) BytesValue() []byte { return []byte(v.str) }

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return fmt.Sprint(v.Bool())
	case KindInt:
		return fmt.Sprint(v.Int())
	case KindUint:
		return fmt.Sprint(v.Uint())
	case KindFloat32:
		return fmt.Sprint(v.Float32())
	case KindFloat64:
		return fmt.Sprint(v.Float64())
	case KindString:
		return fmt.Sprintf("%q", v.str)
	case KindBytes:
		return fmt.Sprintf("%x", v.str)
	}
	return "<invalid>"
}

func writeValue(b *buffer, v Value) {
	switch v.kind {
	case KindBool:
		b.writeUint8(uint8(v.bits))
	case KindInt:
		b.writeVarint(int64(v.bits))
	case KindUint:
		b.writeUvarint(v.bits)
	case KindFloat32:
		b.writeUint32(uint32(v.bits))
	case KindFloat64:
		b.writeUint64(v.bits)
	case KindString, KindBytes:
		b.writeUvarint(uint64(len(v.str)))
		b.writeBytes([]byte(v.str))
	}
}

// encodedSize is the number of bytes writeValue produces for v.
func encodedSize(v Value) int {
	switch v.kind {
	case KindBool:
		return sizeUint8
	case KindInt:
		return len(binary.AppendVarint(nil, int64(v.bits)))
	case KindUint:
		return len(binary.AppendUvarint(nil, v.bits))
	case KindFloat32:
		return sizeUint32
	case KindFloat64:
		return sizeUint64
	case KindString, KindBytes:
		return len(binary.AppendUvarint(nil, uint64(len(v.str)))) + len(v.str)
	}
	return 0
}

func stateSize(values []Value) int {
	n := 0
	for _, v := range values {
		n += encodedSize(v)
	}
	return n
}

func readValue(b *buffer, kind Kind) (Value, error) {
	v := Value{kind: kind}
	var err error
	switch kind {
	case KindBool:
		var n uint8
		n, err = b.getUint8()
		if n > 1 {
			return v, fmt.Errorf("bool value %d", n)
		}
		v.bits = uint64(n)
	case KindInt:
		var n int64
		n, err = b.getVarint()
		v.bits = uint64(n)
	case KindUint:
		v.bits, err = b.getUvarint()
	case KindFloat32:
		var n uint32
		n, err = b.getUint32()
		v.bits = uint64(n)
	case KindFloat64:
		v.bits, err = b.getUint64()
	case KindString, KindBytes:
		var raw []byte
		raw, err = b.getPrefixed()
		v.str = string(raw)
	default:
		return v, fmt.Errorf("unknown field kind %d", kind)
	}
	return v, err
}
