package internal

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// AsXXHash returns the XXHash128 over the concatenation of all inputs.
// Fast enough to be used on every cache-index lookup and shard pick.
func AsXXHash(inputs ...[]byte) []byte {
	h := xxh3.New()
	for _, input := range inputs {
		// Write on xxh3 never returns an error
		_, _ = h.Write(input)
	}

	return Uint128ToBytes(h.Sum128())
}

// Uint128ToBytes converts a uint128 to its 16 byte little-endian form
func Uint128ToBytes(a xxh3.Uint128) (b []byte) {
	b = make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], a.Lo)
	binary.LittleEndian.PutUint64(b[8:16], a.Hi)
	return
}

// ShardOf maps a key onto one of n shards. n must be > 0.
func ShardOf(key string, n uint64) uint64 {
	return xxh3.HashString(key) % n
}
