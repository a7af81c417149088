// Package value implements the SPOP typed-value union: the ten-variant
// tagged encoding HAProxy uses for NOTIFY arguments and action operands.
package value

import (
	"bytes"
	"errors"
	"net"
)

// Type is the wire tag identifying a Value's encoding.
type Type uint8

const (
	TypeNull Type = 0
	TypeBool Type = 1
	TypeInt32 Type = 2
	TypeUint32 Type = 3
	TypeInt64 Type = 4
	TypeUint64 Type = 5
	TypeIPv4 Type = 6
	TypeIPv6 Type = 7
	TypeString Type = 8
	TypeBinary Type = 9
)

var ErrUnknownType = errors.New("value: unknown type tag")

// Value is one typed argument or action operand.
//
// Only the field matching Type is meaningful; the rest are zero. IPv4,
// IPv6 and Binary each have their own field, so a caller can't confuse
// a 4-byte Binary value for an IPv4 value.
type Value struct {
	Typ Type

	Bool   bool
	Int32  int32
	Uint32 uint32
	Int64  int64
	Uint64 uint64
	IPv4   [4]byte
	IPv6   [16]byte
	Str    string
	Bin    []byte
}

func Null() Value                 { return Value{Typ: TypeNull} }
func Bool(v bool) Value           { return Value{Typ: TypeBool, Bool: v} }
func Int32(v int32) Value         { return Value{Typ: TypeInt32, Int32: v} }
func Uint32(v uint32) Value       { return Value{Typ: TypeUint32, Uint32: v} }
func Int64(v int64) Value         { return Value{Typ: TypeInt64, Int64: v} }
func Uint64(v uint64) Value       { return Value{Typ: TypeUint64, Uint64: v} }
func String(v string) Value       { return Value{Typ: TypeString, Str: v} }

// Binary copies v so the returned Value does not alias caller memory.
func Binary(v []byte) Value {
	buf := make([]byte, len(v))
	copy(buf, v)
	return Value{Typ: TypeBinary, Bin: buf}
}

// IPv4Value builds an IPv4 value from a 4-byte address. It panics if ip
// is not a valid 4-byte-representable IPv4 address, mirroring the wire
// format's fixed 4-byte layout.
func IPv4Value(ip net.IP) Value {
	v4 := ip.To4()
	if v4 == nil {
		panic("value: not an IPv4 address")
	}
	var out Value
	out.Typ = TypeIPv4
	copy(out.IPv4[:], v4)
	return out
}

// IPv6Value builds an IPv6 value from a 16-byte address.
func IPv6Value(ip net.IP) Value {
	v6 := ip.To16()
	if v6 == nil {
		panic("value: not an IPv6 address")
	}
	var out Value
	out.Typ = TypeIPv6
	copy(out.IPv6[:], v6)
	return out
}

// Equal reports whether two values carry the same type and content.
// IPv4, IPv6, Binary and String values compare by byte content, not by
// identity, matching invariant 6.
func (v Value) Equal(o Value) bool {
	if v.Typ != o.Typ {
		return false
	}
	switch v.Typ {
	case TypeNull:
		return true
	case TypeBool:
		return v.Bool == o.Bool
	case TypeInt32:
		return v.Int32 == o.Int32
	case TypeUint32:
		return v.Uint32 == o.Uint32
	case TypeInt64:
		return v.Int64 == o.Int64
	case TypeUint64:
		return v.Uint64 == o.Uint64
	case TypeIPv4:
		return v.IPv4 == o.IPv4
	case TypeIPv6:
		return v.IPv6 == o.IPv6
	case TypeString:
		return v.Str == o.Str
	case TypeBinary:
		return bytes.Equal(v.Bin, o.Bin)
	default:
		return false
	}
}

// AsIP reconstructs a net.IP for IPv4/IPv6 values; it returns nil for
// any other type.
func (v Value) AsIP() net.IP {
	switch v.Typ {
	case TypeIPv4:
		ip := make(net.IP, 4)
		copy(ip, v.IPv4[:])
		return ip
	case TypeIPv6:
		ip := make(net.IP, 16)
		copy(ip, v.IPv6[:])
		return ip
	default:
		return nil
	}
}
