// Package memory implements tiered slab arenas and compressed intra-cache
// pointers. A compressed pointer stores the tier id, the slab index and the
// alloc index of an allocation inside the slab. With slabs worth NumSlabBits
// of data and 64 byte minimum allocations, slab and alloc index fit the low
// 32 bits, leaving the high 32 bits for the tier id. Hence each tier can
// index 256 GiB of slab memory with a single 64-bit word.
package memory

import (
	"errors"

	"github.com/igchor/Cachelib/internal/tag"
)

const (
	// NumSlabBits is the power of two of a slab size.
	NumSlabBits = 22
	// SlabSize is the byte size of every slab.
	SlabSize = uint64(1) << NumSlabBits
	// MinAllocPower is the power of two of the smallest allocation that can
	// be compressed. Anything under it shares an alloc index.
	MinAllocPower = 6
	// MinAllocSize is the smallest compressible allocation size.
	MinAllocSize = uint32(1) << MinAllocPower

	// NumAllocIdxBits is the bit width of the alloc index within a slab.
	NumAllocIdxBits = NumSlabBits - MinAllocPower
	// NumTierIdxOffset is the shift of the tier id bits.
	NumTierIdxOffset = 32
	// NumSlabIdxBits is the bit width of the slab index.
	NumSlabIdxBits = 64 - NumTierIdxOffset - NumAllocIdxBits
)

// MaxAddressableSize is the largest arena one tier can cover with
// compressed pointers.
const MaxAddressableSize = uint64(1) << (NumSlabIdxBits + NumSlabBits)

// MaxSlabsPerTier excludes the all-ones slab index which, combined with an
// all-ones alloc index, forms the null sentinel.
const MaxSlabsPerTier = (uint32(1) << NumSlabIdxBits) - 1

// ErrOutOfMemory is returned when a tier arena has no slab left to carve.
var ErrOutOfMemory = errors.New("memory: out of slab capacity")

func assert(cond bool, msg string) {
	if tag.Debug && !cond {
		panic(msg)
	}
}
