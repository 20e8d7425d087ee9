package types

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ID is the 16-byte primary-key identifier carried by every record.
type ID [16]byte

// NewID mints a random ID.
func NewID() ID {
	return ID(uuid.New())
}

// ParseID parses the canonical uuid text form.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return ID(u), nil
}

// IDFromBytes copies a 16-byte slice into an ID.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != 16 {
		return id, fmt.Errorf("invalid id length %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

func (id ID) IsZero() bool {
	return id == ID{}
}

func (id ID) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}

// CompareIDs orders ids by their raw bytes.
func CompareIDs(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}

// Kind identifies a field type.
type Kind uint8

const (
	KindNull Kind = iota
	KindUUID
	KindString
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindBool
	KindBytes
	KindTimestamp
	KindJSON
)

var kindNames = map[Kind]string{
	KindNull:      "null",
	KindUUID:      "uuid",
	KindString:    "string",
	KindInt32:     "int32",
	KindInt64:     "int64",
	KindFloat32:   "float32",
	KindFloat64:   "float64",
	KindBool:      "bool",
	KindBytes:     "bytes",
	KindTimestamp: "timestamp",
	KindJSON:      "json",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind resolves a type name as written in schema bundles.
func ParseKind(s string) (Kind, error) {
	for k, n := range kindNames {
		if n == s {
			return k, nil
		}
	}
	return KindNull, fmt.Errorf("unknown field type %q", s)
}

// Numeric reports whether values of this kind order numerically.
func (k Kind) Numeric() bool {
	switch k {
	case KindInt32, KindInt64, KindFloat32, KindFloat64, KindTimestamp:
		return true
	}
	return false
}

// Value is a typed field value. The zero Value is null.
type Value struct {
	kind Kind
	num  uint64 // ints, floats (IEEE bits), bool, timestamp
	str  string // string, json
	raw  []byte // bytes, uuid
}

func Null() Value                { return Value{} }
func UUID(id ID) Value           { return Value{kind: KindUUID, raw: id.Bytes()} }
func String(s string) Value      { return Value{kind: KindString, str: s} }
func Int32(v int32) Value        { return Value{kind: KindInt32, num: uint64(int64(v))} }
func Int64(v int64) Value        { return Value{kind: KindInt64, num: uint64(v)} }
func Float32(v float32) Value    { return Value{kind: KindFloat32, num: uint64(math.Float32bits(v))} }
func Float64(v float64) Value    { return Value{kind: KindFloat64, num: math.Float64bits(v)} }
func Bytes(b []byte) Value       { return Value{kind: KindBytes, raw: b} }
func Timestamp(us int64) Value   { return Value{kind: KindTimestamp, num: uint64(us)} }
func JSON(doc string) Value      { return Value{kind: KindJSON, str: doc} }

func Bool(v bool) Value {
	var n uint64
	if v {
		n = 1
	}
	return Value{kind: KindBool, num: n}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// UUID returns the id payload. Only valid for KindUUID.
func (v Value) UUID() ID {
	var id ID
	copy(id[:], v.raw)
	return id
}

func (v Value) Str() string { return v.str }

// Int returns the signed integer payload for int32, int64 and timestamp values.
func (v Value) Int() int64 { return int64(v.num) }

// Float returns the float payload, widening float32.
func (v Value) Float() float64 {
	if v.kind == KindFloat32 {
		return float64(math.Float32frombits(uint32(v.num)))
	}
	return math.Float64frombits(v.num)
}

func (v Value) Bool() bool   { return v.num != 0 }
func (v Value) Raw() []byte  { return v.raw }

// Number widens any numeric value to float64 for aggregation.
func (v Value) Number() (float64, bool) {
	switch v.kind {
	case KindInt32, KindInt64, KindTimestamp:
		return float64(int64(v.num)), true
	case KindFloat32, KindFloat64:
		return v.Float(), true
	}
	return 0, false
}

// Widen coerces a value toward a declared kind. The only coercions tolerated
// are int32 to int64 and float32 to float64.
func (v Value) Widen(to Kind) (Value, bool) {
	if v.kind == to || v.kind == KindNull {
		return v, true
	}
	switch {
	case v.kind == KindInt32 && to == KindInt64:
		return Int64(v.Int()), true
	case v.kind == KindFloat32 && to == KindFloat64:
		return Float64(v.Float()), true
	}
	return v, false
}

// Compare orders two values of the same (or widenable) kind. Null sorts first.
func Compare(a, b Value) int {
	if a.kind == KindNull || b.kind == KindNull {
		switch {
		case a.kind == b.kind:
			return 0
		case a.kind == KindNull:
			return -1
		default:
			return 1
		}
	}
	switch a.kind {
	case KindInt32, KindInt64, KindTimestamp:
		ai, bi := int64(a.num), int64(b.num)
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	case KindFloat32, KindFloat64:
		af, bf := a.Float(), b.Float()
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	case KindString, KindJSON:
		return strings.Compare(a.str, b.str)
	case KindBool:
		return int(a.num) - int(b.num)
	case KindUUID, KindBytes:
		return bytes.Compare(a.raw, b.raw)
	}
	return 0
}

// Equal reports typed equality.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		// Tolerate the two read-time widenings.
		if w, ok := a.Widen(b.kind); ok {
			a = w
		} else if w, ok := b.Widen(a.kind); ok {
			b = w
		} else {
			return false
		}
	}
	return Compare(a, b) == 0
}

// Display renders the value for error messages and logs.
func (v Value) Display() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindUUID:
		return v.UUID().String()
	case KindString:
		return v.str
	case KindJSON:
		return v.str
	case KindInt32, KindInt64:
		return strconv.FormatInt(v.Int(), 10)
	case KindTimestamp:
		return strconv.FormatInt(v.Int(), 10) + "us"
	case KindFloat32, KindFloat64:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool())
	case KindBytes:
		return fmt.Sprintf("0x%x", v.raw)
	}
	return "?"
}

// FieldMap is the stored field set of a record.
type FieldMap map[string]Value

// Clone returns a shallow copy of the map.
func (m FieldMap) Clone() FieldMap {
	out := make(FieldMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
