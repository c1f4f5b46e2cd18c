package migrate

import (
	"math/bits"

	"github.com/arkilian/oparchive/pkg/types"
)

// PivotFunc computes the pivot keys of a table for a shard count.
type PivotFunc func(shardCount int) []types.Key

// DefaultPivots splits the uint64 keyspace of a leading hash column into
// shardCount equal ranges. The first pivot is the empty key, pivot i is
// floor(i * 2^64 / shardCount). A shard count below one yields a single tablet.
func DefaultPivots(shardCount int) []types.Key {
	if shardCount < 1 {
		shardCount = 1
	}
	n := uint64(shardCount)
	pivots := make([]types.Key, 0, shardCount)
	pivots = append(pivots, types.Key{})
	for i := uint64(1); i < n; i++ {
		// (i << 64) / n, computed on 128 bits; i < n keeps the quotient in range.
		q, _ := bits.Div64(i, 0, n)
		pivots = append(pivots, types.Key{q})
	}
	return pivots
}
