package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/Skelf-Research/ormdb/pkg/types"
)

// OrderEncode appends the order-preserving encoding of v to dst. Comparison
// of encoded byte strings is total and agrees with the typed ordering.
// Null values have no order encoding; callers skip them (a b-tree index
// holds one entry per live record with the field defined).
//
// Layout per kind:
//   - int32/int64/timestamp: big-endian int64 with the sign bit flipped
//   - float32/float64: big-endian float64 bits; positive flips the sign bit,
//     negative flips all bits
//   - string/json: raw UTF-8 bytes
//   - uuid: raw 16 bytes
//   - bytes: raw bytes
//   - bool: one byte
func OrderEncode(dst []byte, v types.Value) ([]byte, error) {
	switch v.Kind() {
	case types.KindNull:
		return nil, fmt.Errorf("null has no order encoding")
	case types.KindInt32, types.KindInt64, types.KindTimestamp:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(v.Int())^(1<<63))
		return append(dst, buf[:]...), nil
	case types.KindFloat32, types.KindFloat64:
		bits := math.Float64bits(v.Float())
		if bits&(1<<63) == 0 {
			bits ^= 1 << 63 // positive: flip sign bit
		} else {
			bits = ^bits // negative: flip everything
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], bits)
		return append(dst, buf[:]...), nil
	case types.KindString, types.KindJSON:
		return append(dst, v.Str()...), nil
	case types.KindUUID, types.KindBytes:
		return append(dst, v.Raw()...), nil
	case types.KindBool:
		b := byte(0)
		if v.Bool() {
			b = 1
		}
		return append(dst, b), nil
	}
	return nil, fmt.Errorf("unsupported kind %s", v.Kind())
}

// OrderDecode reverses OrderEncode for fixed-width kinds, consuming from buf.
// Variable-width kinds (string, bytes, json) decode the whole buffer.
func OrderDecode(kind types.Kind, buf []byte) (types.Value, error) {
	switch kind {
	case types.KindInt32, types.KindInt64, types.KindTimestamp:
		if len(buf) < 8 {
			return types.Null(), fmt.Errorf("short ordered int")
		}
		n := int64(binary.BigEndian.Uint64(buf[:8]) ^ (1 << 63))
		if kind == types.KindInt32 {
			return types.Int32(int32(n)), nil
		}
		if kind == types.KindTimestamp {
			return types.Timestamp(n), nil
		}
		return types.Int64(n), nil
	case types.KindFloat32, types.KindFloat64:
		if len(buf) < 8 {
			return types.Null(), fmt.Errorf("short ordered float")
		}
		bits := binary.BigEndian.Uint64(buf[:8])
		if bits&(1<<63) != 0 {
			bits ^= 1 << 63
		} else {
			bits = ^bits
		}
		f := math.Float64frombits(bits)
		if kind == types.KindFloat32 {
			return types.Float32(float32(f)), nil
		}
		return types.Float64(f), nil
	case types.KindString:
		return types.String(string(buf)), nil
	case types.KindJSON:
		return types.JSON(string(buf)), nil
	case types.KindBytes:
		return types.Bytes(append([]byte(nil), buf...)), nil
	case types.KindUUID:
		id, err := types.IDFromBytes(buf)
		if err != nil {
			return types.Null(), err
		}
		return types.UUID(id), nil
	case types.KindBool:
		if len(buf) < 1 {
			return types.Null(), fmt.Errorf("short ordered bool")
		}
		return types.Bool(buf[0] != 0), nil
	}
	return types.Null(), fmt.Errorf("unsupported kind %s", kind)
}

// PrefixSuccessor returns the smallest byte string strictly greater than every
// string with the given prefix, or nil when no such bound exists (all 0xff).
// Used for exclusive lower bounds and prefix upper bounds on b-tree scans.
func PrefixSuccessor(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}
