package blockcache

// RegionID indexes the engine's region array.
type RegionID uint32

// regionState is the per-region lifecycle:
// Clean -> Open -> Sealed -> Reclaiming -> Clean.
type regionState int

const (
	regionClean regionState = iota
	regionOpen
	regionSealed
	regionReclaiming
)

func (s regionState) String() string {
	switch s {
	case regionClean:
		return "clean"
	case regionOpen:
		return "open"
	case regionSealed:
		return "sealed"
	case regionReclaiming:
		return "reclaiming"
	}
	return "invalid"
}

// journalEntry remembers where an item landed inside its region so reclaim
// can walk the region without re-parsing the device.
type journalEntry struct {
	keyHash uint64
	offset  uint32
	size    uint32
}

type region struct {
	id    RegionID
	state regionState
	// writeOffset is the append cursor within the region.
	writeOffset uint32
	// sizeClass is the slot size of a size-classed region, 0 in stack mode.
	sizeClass uint32
	// buffer holds the whole region in RAM until seal when in-memory
	// buffering is on.
	buffer  []byte
	journal []journalEntry
}

func (r *region) reset() {
	r.state = regionClean
	r.writeOffset = 0
	r.sizeClass = 0
	r.buffer = nil
	r.journal = nil
}
