package memory

import (
	"fmt"
	"unsafe"
)

// PtrCompressor routes compression across the ordered tier-allocator array.
// The array is immutable for the cache's life, so any number of readers may
// share one compressor. Tier identity is positional: allocators[tid] owns
// every pointer whose tier bits equal tid.
type PtrCompressor struct {
	allocators []*SlabAllocator
}

func NewPtrCompressor(allocators []*SlabAllocator) PtrCompressor {
	if len(allocators) == 0 {
		panic("ptr compressor with no tiers")
	}
	return PtrCompressor{allocators: allocators}
}

// Compress encodes p, probing tiers in order for the owning arena.
// nil compresses to NullPtr. An address owned by no tier is a programmer
// error.
func (c PtrCompressor) Compress(p unsafe.Pointer) CompressedPtr {
	if p == nil {
		return NullPtr
	}
	for tid, alloc := range c.allocators {
		if alloc.InMemoryRange(p) {
			return alloc.Compress(p).withTierID(TierID(tid))
		}
	}
	panic(fmt.Sprintf("compress of address %p outside all tiers", p))
}

// Decompress recovers the address of p. NullPtr decompresses to nil.
func (c PtrCompressor) Decompress(p CompressedPtr) unsafe.Pointer {
	if p.IsNull() {
		return nil
	}
	return c.allocators[p.TierID()].Decompress(p)
}

// Equal reports whether both compressors view the same tier array.
func (c PtrCompressor) Equal(o PtrCompressor) bool {
	return len(c.allocators) == len(o.allocators) &&
		(len(c.allocators) == 0 || &c.allocators[0] == &o.allocators[0])
}
