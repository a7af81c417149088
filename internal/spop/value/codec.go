package value

import (
	"errors"
	"fmt"
	"math"

	"github.com/nullstream/spopagent/internal/spop/wire"
)

var (
	ErrTruncated = errors.New("value: truncated value")
	// ErrVarintOverflow marks a decoded varint whose value needs more
	// than 32 bits, rejected rather than silently truncated when the
	// target type is Int32/Uint32.
	ErrVarintOverflow = errors.New("value: varint overflows 32-bit width")
)

// Encode appends the tagged wire encoding of v to buf and returns the
// result.
func Encode(buf []byte, v Value) []byte {
	buf = append(buf, byte(v.Typ))
	switch v.Typ {
	case TypeNull:
		return buf
	case TypeBool:
		// Bool is carried as one payload byte after the type tag (1 for
		// true, 0 for false); Decode treats any non-zero byte as true.
		return encodeBool(buf, v.Bool)
	case TypeInt32:
		return wire.PutUvarint(buf, uint64(uint32(v.Int32)))
	case TypeUint32:
		return wire.PutUvarint(buf, uint64(v.Uint32))
	case TypeInt64:
		return wire.PutUvarint(buf, uint64(v.Int64))
	case TypeUint64:
		return wire.PutUvarint(buf, v.Uint64)
	case TypeIPv4:
		return append(buf, v.IPv4[:]...)
	case TypeIPv6:
		return append(buf, v.IPv6[:]...)
	case TypeString:
		return encodeBytes(buf, []byte(v.Str))
	case TypeBinary:
		return encodeBytes(buf, v.Bin)
	default:
		panic(fmt.Sprintf("value: encode of unknown type %d", v.Typ))
	}
}

func encodeBool(buf []byte, b bool) []byte {
	if b {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func encodeBytes(buf []byte, b []byte) []byte {
	buf = wire.PutUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

// Decode reads one tagged value from the front of buf and returns it
// plus the number of bytes consumed.
func Decode(buf []byte) (Value, int, error) {
	if len(buf) == 0 {
		return Value{}, 0, ErrTruncated
	}
	typ := Type(buf[0])
	rest := buf[1:]
	switch typ {
	case TypeNull:
		return Value{Typ: TypeNull}, 1, nil
	case TypeBool:
		if len(rest) < 1 {
			return Value{}, 0, ErrTruncated
		}
		return Value{Typ: TypeBool, Bool: rest[0] != 0}, 2, nil
	case TypeInt32:
		u, n, err := wire.DecodeUvarint(rest)
		if err != nil {
			return Value{}, 0, err
		}
		if u > math.MaxUint32 {
			return Value{}, 0, ErrVarintOverflow
		}
		return Value{Typ: TypeInt32, Int32: int32(uint32(u))}, 1 + n, nil
	case TypeUint32:
		u, n, err := wire.DecodeUvarint(rest)
		if err != nil {
			return Value{}, 0, err
		}
		if u > math.MaxUint32 {
			return Value{}, 0, ErrVarintOverflow
		}
		return Value{Typ: TypeUint32, Uint32: uint32(u)}, 1 + n, nil
	case TypeInt64:
		u, n, err := wire.DecodeUvarint(rest)
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Typ: TypeInt64, Int64: int64(u)}, 1 + n, nil
	case TypeUint64:
		u, n, err := wire.DecodeUvarint(rest)
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Typ: TypeUint64, Uint64: u}, 1 + n, nil
	case TypeIPv4:
		if len(rest) < 4 {
			return Value{}, 0, ErrTruncated
		}
		var out Value
		out.Typ = TypeIPv4
		copy(out.IPv4[:], rest[:4])
		return out, 5, nil
	case TypeIPv6:
		if len(rest) < 16 {
			return Value{}, 0, ErrTruncated
		}
		var out Value
		out.Typ = TypeIPv6
		copy(out.IPv6[:], rest[:16])
		return out, 17, nil
	case TypeString:
		s, n, err := decodeBytes(rest)
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Typ: TypeString, Str: string(s)}, 1 + n, nil
	case TypeBinary:
		b, n, err := decodeBytes(rest)
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Typ: TypeBinary, Bin: b}, 1 + n, nil
	default:
		return Value{}, 0, ErrUnknownType
	}
}

func decodeBytes(buf []byte) ([]byte, int, error) {
	length, n, err := wire.DecodeUvarint(buf)
	if err != nil {
		return nil, 0, err
	}
	end := n + int(length)
	if end < n || end > len(buf) {
		return nil, 0, ErrTruncated
	}
	out := make([]byte, length)
	copy(out, buf[n:end])
	return out, end, nil
}
