package memory

import (
	"unsafe"

	"github.com/igchor/Cachelib/log"
)

// SlabAllocator owns one tier's contiguous arena and carves it into
// slab-aligned windows. Slabs are a monotonic carve: nothing is ever handed
// back. The per-allocation free list lives one layer up.
//
// Compress and Decompress are pure arithmetic and safe for any number of
// concurrent callers. AllocateSlab is single-writer; the item layer
// synchronizes carving externally.
type SlabAllocator struct {
	log   log.Logger
	arena []byte
	// skip is the distance from the arena start to the first slab-aligned
	// byte; mappings are page-aligned, not slab-aligned.
	skip uint64
	// base caches the address of arena[skip]. Slab and alloc indices are
	// relative to it.
	base     uintptr
	numSlabs uint32
	carved   uint32
}

// NewSlabAllocator wraps an arena mapped from a tier backing. The usable
// capacity is the largest run of whole slabs after aligning up to a slab
// boundary.
func NewSlabAllocator(l log.Logger, arena []byte) (*SlabAllocator, error) {
	start := uintptr(unsafe.Pointer(&arena[0]))
	aligned := (start + uintptr(SlabSize) - 1) &^ (uintptr(SlabSize) - 1)
	skip := uint64(aligned - start)
	if uint64(len(arena)) < skip+SlabSize {
		return nil, ErrOutOfMemory
	}
	numSlabs := (uint64(len(arena)) - skip) / SlabSize
	if numSlabs > uint64(MaxSlabsPerTier) {
		numSlabs = uint64(MaxSlabsPerTier)
	}
	l.Debugf("slab allocator: %d slabs, %d alignment bytes skipped", numSlabs, skip)
	return &SlabAllocator{
		log:      l,
		arena:    arena,
		skip:     skip,
		base:     aligned,
		numSlabs: uint32(numSlabs),
	}, nil
}

// AllocateSlab carves the next slab. Returns ErrOutOfMemory past capacity.
func (s *SlabAllocator) AllocateSlab() ([]byte, error) {
	if s.carved == s.numSlabs {
		return nil, ErrOutOfMemory
	}
	idx := s.carved
	s.carved++
	return s.slab(idx), nil
}

// SlabMemory returns the carved slab with the given index.
func (s *SlabAllocator) SlabMemory(slabIdx uint32) []byte {
	assert(slabIdx < s.carved, "slab not carved")
	return s.slab(slabIdx)
}

func (s *SlabAllocator) slab(slabIdx uint32) []byte {
	off := s.skip + uint64(slabIdx)<<NumSlabBits
	return s.arena[off : off+SlabSize : off+SlabSize]
}

// InMemoryRange reports whether p lies within the slab-covered arena.
func (s *SlabAllocator) InMemoryRange(p unsafe.Pointer) bool {
	addr := uintptr(p)
	return addr >= s.base && addr < s.base+uintptr(uint64(s.numSlabs)<<NumSlabBits)
}

// Compress encodes an arena address. The tier bits are left zero; the
// multi-tier compressor stamps them. The address must lie within the arena
// and be MinAllocSize aligned.
func (s *SlabAllocator) Compress(p unsafe.Pointer) CompressedPtr {
	assert(s.InMemoryRange(p), "address outside arena")
	off := uintptr(p) - s.base
	assert(off&(uintptr(MinAllocSize)-1) == 0, "address not alloc aligned")
	slabIdx := uint32(off >> NumSlabBits)
	allocIdx := uint32((off & (uintptr(SlabSize) - 1)) >> MinAllocPower)
	return newCompressedPtr(slabIdx, allocIdx, 0)
}

// Decompress recovers the arena address of a pointer compressed by this
// tier. The tier bits are ignored.
func (s *SlabAllocator) Decompress(p CompressedPtr) unsafe.Pointer {
	off := s.skip + uint64(p.SlabIdx())<<NumSlabBits + uint64(p.AllocIdx())<<MinAllocPower
	return unsafe.Pointer(&s.arena[off])
}

// NumSlabs returns the carving capacity in slabs.
func (s *SlabAllocator) NumSlabs() uint32 { return s.numSlabs }

// CarvedSlabs returns how many slabs were handed out so far.
func (s *SlabAllocator) CarvedSlabs() uint32 { return s.carved }
