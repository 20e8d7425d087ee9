package codec

import (
	"lukechampine.com/blake3"

	"github.com/Skelf-Research/ormdb/pkg/types"
)

// HashSize is the truncated digest length used in hash-index keys.
const HashSize = 16

// HashValue computes the 16-byte BLAKE3 prefix of type-tag ‖ canonical-bytes.
// The tag makes equal bytes of different kinds hash apart; truncation
// collisions are still possible, so index readers re-verify the value against
// the row before trusting a hit.
func HashValue(v types.Value) [HashSize]byte {
	buf := make([]byte, 0, 32)
	buf = append(buf, byte(v.Kind()))
	if !v.IsNull() {
		enc, err := OrderEncode(buf, v)
		if err == nil {
			buf = enc
		}
	}
	sum := blake3.Sum256(buf)
	var out [HashSize]byte
	copy(out[:], sum[:HashSize])
	return out
}
