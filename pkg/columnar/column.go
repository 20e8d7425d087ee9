package columnar

import (
	"math"

	"github.com/Skelf-Research/ormdb/pkg/types"
)

// column is one logical column chunk: a NULL bitmap plus a kind-specific
// array. Strings and json are dictionary-encoded; fixed-width kinds are
// stored plain; uuid and bytes are raw slices.
type column struct {
	kind  types.Kind
	nulls bitmap

	nums  []uint64 // int32, int64, float bits, bool, timestamp
	codes []uint32 // dictionary codes
	dict  []string
	dictM map[string]uint32
	blobs [][]byte // uuid, bytes
}

func newColumn(kind types.Kind) *column {
	c := &column{kind: kind}
	if kind == types.KindString || kind == types.KindJSON {
		c.dictM = map[string]uint32{}
	}
	return c
}

func (c *column) grow(n int) {
	for c.nulls.len() < n {
		c.nulls.append(true)
	}
	switch c.kind {
	case types.KindString, types.KindJSON:
		for len(c.codes) < n {
			c.codes = append(c.codes, 0)
		}
	case types.KindUUID, types.KindBytes:
		for len(c.blobs) < n {
			c.blobs = append(c.blobs, nil)
		}
	default:
		for len(c.nums) < n {
			c.nums = append(c.nums, 0)
		}
	}
}

func (c *column) set(pos int, v types.Value) {
	c.grow(pos + 1)
	if v.IsNull() {
		c.nulls.set(pos, true)
		return
	}
	// A column created from an early null-kinded write adopts the first
	// concrete kind it sees.
	if c.kind == types.KindNull {
		c.kind = v.Kind()
		if c.kind == types.KindString || c.kind == types.KindJSON {
			c.dictM = map[string]uint32{}
		}
		c.grow(c.nulls.len())
	}
	c.nulls.set(pos, false)
	switch c.kind {
	case types.KindString, types.KindJSON:
		c.codes[pos] = c.code(v.Str())
	case types.KindUUID, types.KindBytes:
		c.blobs[pos] = v.Raw()
	case types.KindInt32, types.KindInt64, types.KindTimestamp:
		c.nums[pos] = uint64(v.Int())
	case types.KindFloat32, types.KindFloat64:
		c.nums[pos] = math.Float64bits(v.Float())
	case types.KindBool:
		if v.Bool() {
			c.nums[pos] = 1
		} else {
			c.nums[pos] = 0
		}
	}
}

func (c *column) get(pos int) types.Value {
	if pos >= c.nulls.len() || c.nulls.get(pos) {
		return types.Null()
	}
	switch c.kind {
	case types.KindString:
		return types.String(c.dict[c.codes[pos]])
	case types.KindJSON:
		return types.JSON(c.dict[c.codes[pos]])
	case types.KindUUID:
		id, err := types.IDFromBytes(c.blobs[pos])
		if err != nil {
			return types.Null()
		}
		return types.UUID(id)
	case types.KindBytes:
		return types.Bytes(c.blobs[pos])
	case types.KindInt32:
		return types.Int32(int32(c.nums[pos]))
	case types.KindInt64:
		return types.Int64(int64(c.nums[pos]))
	case types.KindTimestamp:
		return types.Timestamp(int64(c.nums[pos]))
	case types.KindFloat32:
		return types.Float32(float32(math.Float64frombits(c.nums[pos])))
	case types.KindFloat64:
		return types.Float64(math.Float64frombits(c.nums[pos]))
	case types.KindBool:
		return types.Bool(c.nums[pos] != 0)
	}
	return types.Null()
}

func (c *column) code(s string) uint32 {
	if code, ok := c.dictM[s]; ok {
		return code
	}
	code := uint32(len(c.dict))
	c.dict = append(c.dict, s)
	c.dictM[s] = code
	return code
}

// bitmap is a packed bit vector.
type bitmap struct {
	bits []uint64
	n    int
}

func (b *bitmap) len() int { return b.n }

func (b *bitmap) append(v bool) {
	if b.n%64 == 0 {
		b.bits = append(b.bits, 0)
	}
	if v {
		b.bits[b.n/64] |= 1 << (b.n % 64)
	}
	b.n++
}

func (b *bitmap) set(pos int, v bool) {
	for b.n <= pos {
		b.append(true)
	}
	if v {
		b.bits[pos/64] |= 1 << (pos % 64)
	} else {
		b.bits[pos/64] &^= 1 << (pos % 64)
	}
}

func (b *bitmap) get(pos int) bool {
	if pos >= b.n {
		return true
	}
	return b.bits[pos/64]&(1<<(pos%64)) != 0
}
