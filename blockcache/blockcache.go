// Package blockcache implements the medium-object flash engine: a
// region-structured log with pluggable eviction and reinsertion policies.
// Items append into the single open region; sealed regions are reclaimed
// in the background of the write path to keep a pool of clean regions.
package blockcache

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rcrowley/go-metrics"
	"go.uber.org/atomic"

	"github.com/igchor/Cachelib/device"
	"github.com/igchor/Cachelib/log"
)

var (
	// ErrNotFound reports a miss.
	ErrNotFound = errors.New("blockcache: key not found")
	// ErrItemTooLarge reports an item no region or size class can hold.
	ErrItemTooLarge = errors.New("blockcache: item too large")

	errNoCleanRegion = errors.New("blockcache: no clean region")
)

func errInvalidConfig(msg string) error {
	return fmt.Errorf("blockcache: invalid config: %s", msg)
}

// EvictionKind enumerates region eviction policies.
type EvictionKind int

const (
	// EvictionLRU evicts the least recently read region.
	EvictionLRU EvictionKind = iota
	// EvictionFIFO evicts the oldest sealed region.
	EvictionFIFO
	// EvictionSFIFO runs segmented FIFO over SegmentRatio.
	EvictionSFIFO
)

// EvictionConfig is the tagged eviction policy choice.
type EvictionConfig struct {
	Kind EvictionKind
	// SegmentRatio holds the relative segment lengths for EvictionSFIFO.
	SegmentRatio []uint32
}

func (c EvictionConfig) build() (EvictionPolicy, error) {
	switch c.Kind {
	case EvictionLRU:
		return newLRUPolicy(), nil
	case EvictionFIFO:
		return newFIFOPolicy(), nil
	case EvictionSFIFO:
		if len(c.SegmentRatio) < 2 {
			return nil, errInvalidConfig("segmented fifo needs at least two segments")
		}
		for _, r := range c.SegmentRatio {
			if r == 0 {
				return nil, errInvalidConfig("zero segment ratio")
			}
		}
		return newSFIFOPolicy(c.SegmentRatio), nil
	}
	return nil, errInvalidConfig("unknown eviction kind")
}

// Config describes the engine's device range and policies.
type Config struct {
	Log        log.Logger
	Device     device.Device
	BaseOffset uint64
	Size       uint64
	RegionSize uint32
	// Checksum verifies entries on read; mismatches count as misses.
	Checksum bool
	Eviction EvictionConfig
	// SizeClasses switches from the stack allocator to size-classed
	// regions. Each class is a slot size, a block multiple.
	SizeClasses []uint32
	// ReadBufferSize is the recommended read buffer in stack mode, a block
	// multiple.
	ReadBufferSize uint32
	// CleanRegionsPool is how many clean regions reclaim maintains.
	// Default 1.
	CleanRegionsPool uint32
	// NumInMemBuffers open regions are buffered in RAM and flushed whole
	// on seal.
	NumInMemBuffers uint32
	Reinsertion     ReinsertionConfig
	// OnEvict fires for every item dropped by reclaim.
	OnEvict func(key, value []byte)
}

type indexEntry struct {
	region RegionID
	offset uint32
	size   uint32
	hits   atomic.Uint32
}

// BlockCache is the medium-object engine.
type BlockCache struct {
	log        log.Logger
	dev        device.Device
	baseOffset uint64
	regionSize uint32
	blockSize  uint32
	numRegions uint32
	checksum   bool
	readBuffer uint32
	cleanPool  uint32
	classes    []uint32
	reinsert   ReinsertionPolicy
	onEvict    func(key, value []byte)

	// mu guards index, regions, clean list, open table and buffer pool.
	// Reads hold it shared across the device read so reclaim cannot
	// recycle a region under them.
	mu         sync.RWMutex
	index      map[uint64]*indexEntry
	regions    []*region
	clean      []RegionID
	open       map[uint32]RegionID
	bufferPool [][]byte
	reclaiming bool

	// policyMu guards policy. Lock order is mu before policyMu.
	policyMu sync.Mutex
	policy   EvictionPolicy

	hits           metrics.Counter
	misses         metrics.Counter
	reclaims       metrics.Counter
	reinserts      metrics.Counter
	checksumErrors metrics.Counter
}

// New validates cfg and creates the engine. All regions start clean.
func New(cfg Config) (*BlockCache, error) {
	if cfg.Device == nil {
		return nil, errInvalidConfig("nil device")
	}
	blockSize := cfg.Device.BlockSize()
	if cfg.RegionSize == 0 || cfg.RegionSize%blockSize != 0 {
		return nil, errInvalidConfig("region size not a block multiple")
	}
	if cfg.BaseOffset%uint64(blockSize) != 0 {
		return nil, errInvalidConfig("base offset not block aligned")
	}
	if cfg.Size%uint64(cfg.RegionSize) != 0 {
		return nil, errInvalidConfig("size not a region multiple")
	}
	numRegions := cfg.Size / uint64(cfg.RegionSize)
	if cfg.CleanRegionsPool == 0 {
		cfg.CleanRegionsPool = 1
	}
	if numRegions < uint64(cfg.CleanRegionsPool)+1 {
		return nil, errInvalidConfig("fewer regions than clean pool target")
	}
	if cfg.BaseOffset+cfg.Size > cfg.Device.Size() {
		return nil, errInvalidConfig("range past device end")
	}
	if cfg.ReadBufferSize%blockSize != 0 {
		return nil, errInvalidConfig("read buffer size not a block multiple")
	}
	classes := append([]uint32(nil), cfg.SizeClasses...)
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })
	for _, c := range classes {
		if c == 0 || c%blockSize != 0 || c > cfg.RegionSize {
			return nil, errInvalidConfig("bad size class")
		}
	}
	policy, err := cfg.Eviction.build()
	if err != nil {
		return nil, err
	}
	reinsert, err := cfg.Reinsertion.build()
	if err != nil {
		return nil, err
	}
	bc := &BlockCache{
		log:            cfg.Log,
		dev:            cfg.Device,
		baseOffset:     cfg.BaseOffset,
		regionSize:     cfg.RegionSize,
		blockSize:      blockSize,
		numRegions:     uint32(numRegions),
		checksum:       cfg.Checksum,
		readBuffer:     cfg.ReadBufferSize,
		cleanPool:      cfg.CleanRegionsPool,
		classes:        classes,
		reinsert:       reinsert,
		onEvict:        cfg.OnEvict,
		index:          make(map[uint64]*indexEntry),
		open:           make(map[uint32]RegionID),
		policy:         policy,
		hits:           metrics.NewCounter(),
		misses:         metrics.NewCounter(),
		reclaims:       metrics.NewCounter(),
		reinserts:      metrics.NewCounter(),
		checksumErrors: metrics.NewCounter(),
	}
	for i := uint32(0); i < bc.numRegions; i++ {
		bc.regions = append(bc.regions, &region{id: RegionID(i)})
		bc.clean = append(bc.clean, RegionID(i))
	}
	for i := uint32(0); i < cfg.NumInMemBuffers; i++ {
		bc.bufferPool = append(bc.bufferPool, make([]byte, cfg.RegionSize))
	}
	cfg.Log.Infof("blockcache: %d regions of %d bytes, %d size classes, %d in-mem buffers",
		numRegions, cfg.RegionSize, len(classes), cfg.NumInMemBuffers)
	return bc, nil
}

func (bc *BlockCache) regionBase(rid RegionID) uint64 {
	return bc.baseOffset + uint64(rid)*uint64(bc.regionSize)
}

func roundUp(n, multiple uint32) uint32 {
	return (n + multiple - 1) / multiple * multiple
}

// slotSize picks the slot for an item: the block-rounded wire size in
// stack mode, the smallest fitting size class otherwise.
func (bc *BlockCache) slotSize(wire uint32) (uint32, error) {
	if len(bc.classes) == 0 {
		slot := roundUp(wire, bc.blockSize)
		if slot > bc.regionSize {
			return 0, ErrItemTooLarge
		}
		return slot, nil
	}
	for _, c := range bc.classes {
		if c >= wire {
			return c, nil
		}
	}
	return 0, ErrItemTooLarge
}

// Insert appends the pair to the open region, sealing and rotating regions
// as they fill.
func (bc *BlockCache) Insert(keyHash uint64, key, value []byte) error {
	slot, err := bc.slotSize(entryWireSize(len(key), len(value)))
	if err != nil {
		return err
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.insertLocked(keyHash, key, value, slot)
}

func (bc *BlockCache) insertLocked(keyHash uint64, key, value []byte, slot uint32) error {
	r, err := bc.writableRegionLocked(slot)
	if err != nil {
		return err
	}
	off := r.writeOffset
	if r.buffer != nil {
		serializeEntry(key, value, bc.checksum, r.buffer[off:off+slot])
	} else {
		buf := make([]byte, slot)
		serializeEntry(key, value, bc.checksum, buf)
		if err := bc.dev.Write(bc.regionBase(r.id)+uint64(off), buf); err != nil {
			return err
		}
	}
	r.writeOffset += slot
	r.journal = append(r.journal, journalEntry{keyHash: keyHash, offset: off, size: slot})
	e := &indexEntry{region: r.id, offset: off, size: slot}
	bc.index[keyHash] = e
	return nil
}

// writableRegionLocked returns an open region for slot's class with space
// for slot, sealing full regions and opening clean ones as needed. Reclaim
// triggered by opening may reinsert items into the fresh region, so the
// fit is re-checked every pass.
func (bc *BlockCache) writableRegionLocked(slot uint32) (*region, error) {
	classKey := uint32(0)
	if len(bc.classes) > 0 {
		classKey = slot
	}
	for attempt := uint32(0); attempt <= bc.numRegions; attempt++ {
		rid, ok := bc.open[classKey]
		if !ok {
			if _, err := bc.openRegionLocked(classKey); err != nil {
				return nil, err
			}
			continue
		}
		r := bc.regions[rid]
		if r.writeOffset+slot <= bc.regionSize {
			return r, nil
		}
		if err := bc.sealLocked(r); err != nil {
			return nil, err
		}
	}
	return nil, errNoCleanRegion
}

func (bc *BlockCache) openRegionLocked(classKey uint32) (*region, error) {
	if len(bc.clean) == 0 {
		if bc.reclaiming {
			return nil, errNoCleanRegion
		}
		bc.reclaimLocked()
		if len(bc.clean) == 0 {
			return nil, errNoCleanRegion
		}
	}
	rid := bc.clean[0]
	bc.clean = bc.clean[1:]
	r := bc.regions[rid]
	r.state = regionOpen
	r.sizeClass = classKey
	if n := len(bc.bufferPool); n > 0 {
		r.buffer = bc.bufferPool[n-1]
		bc.bufferPool = bc.bufferPool[:n-1]
	}
	bc.open[classKey] = rid
	// Replenish the clean pool behind the new open region.
	if uint32(len(bc.clean)) < bc.cleanPool && !bc.reclaiming {
		bc.reclaimLocked()
	}
	return r, nil
}

// sealLocked closes the open region: flushes its buffer if any and hands
// it to the eviction policy.
func (bc *BlockCache) sealLocked(r *region) error {
	delete(bc.open, r.sizeClass)
	r.state = regionSealed
	if r.buffer != nil {
		if err := bc.dev.Write(bc.regionBase(r.id), r.buffer); err != nil {
			return err
		}
		bc.bufferPool = append(bc.bufferPool, r.buffer)
		r.buffer = nil
	}
	bc.policyMu.Lock()
	bc.policy.Track(r.id)
	bc.policyMu.Unlock()
	return nil
}

// reclaimLocked returns regions to the clean pool until it reaches the
// target. Surviving items pass the reinsertion policy; everything else is
// dropped from the index and reported evicted.
func (bc *BlockCache) reclaimLocked() {
	bc.reclaiming = true
	defer func() { bc.reclaiming = false }()
	for uint32(len(bc.clean)) < bc.cleanPool {
		bc.policyMu.Lock()
		rid, ok := bc.policy.Evict()
		bc.policyMu.Unlock()
		if !ok {
			return
		}
		bc.reclaimRegionLocked(bc.regions[rid])
	}
}

func (bc *BlockCache) reclaimRegionLocked(r *region) {
	r.state = regionReclaiming
	journal := r.journal
	r.journal = nil
	for _, je := range journal {
		e, ok := bc.index[je.keyHash]
		if !ok || e.region != r.id || e.offset != je.offset {
			continue // overwritten or removed since
		}
		key, value, err := bc.readSlotLocked(r, je.offset, je.size)
		if err != nil {
			bc.checksumErrors.Inc(1)
			delete(bc.index, je.keyHash)
			continue
		}
		if bc.reinsert != nil && bc.reinsert.ShouldReinsert(e.hits.Load()) {
			delete(bc.index, je.keyHash)
			if err := bc.insertLocked(je.keyHash, key, value, je.size); err == nil {
				bc.reinserts.Inc(1)
				continue
			}
			// No region for the reinsert; falls through to a plain drop.
		}
		delete(bc.index, je.keyHash)
		if bc.onEvict != nil {
			bc.onEvict(key, value)
		}
	}
	r.reset()
	bc.clean = append(bc.clean, r.id)
	bc.reclaims.Inc(1)
}

func (bc *BlockCache) readSlotLocked(r *region, offset, size uint32) (key, value []byte, err error) {
	var slot []byte
	if r.buffer != nil {
		slot = r.buffer[offset : offset+size]
	} else {
		n := size
		if bc.readBuffer > n && offset+bc.readBuffer <= bc.regionSize {
			n = bc.readBuffer
		}
		buf := make([]byte, n)
		if err := bc.dev.Read(bc.regionBase(r.id)+uint64(offset), buf); err != nil {
			return nil, nil, err
		}
		slot = buf[:size]
	}
	return deserializeEntry(slot, bc.checksum)
}

// Lookup returns the stored value. Checksum mismatches and hash collisions
// count as misses; a mismatching entry is dropped from the index.
func (bc *BlockCache) Lookup(keyHash uint64, key []byte) ([]byte, error) {
	bc.mu.RLock()
	e, ok := bc.index[keyHash]
	if !ok {
		bc.mu.RUnlock()
		bc.misses.Inc(1)
		return nil, ErrNotFound
	}
	r := bc.regions[e.region]
	storedKey, value, err := bc.readSlotLocked(r, e.offset, e.size)
	region, offset := e.region, e.offset
	bc.mu.RUnlock()

	if err != nil || string(storedKey) != string(key) {
		if errors.Is(err, ErrChecksumMismatch) {
			bc.checksumErrors.Inc(1)
			bc.dropEntry(keyHash, region, offset)
		}
		bc.misses.Inc(1)
		return nil, ErrNotFound
	}
	e.hits.Inc()
	bc.policyMu.Lock()
	bc.policy.Touch(region)
	bc.policyMu.Unlock()
	bc.hits.Inc(1)
	return value, nil
}

// dropEntry removes an index entry if it still points at the corrupt slot.
func (bc *BlockCache) dropEntry(keyHash uint64, rid RegionID, offset uint32) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if e, ok := bc.index[keyHash]; ok && e.region == rid && e.offset == offset {
		delete(bc.index, keyHash)
	}
}

// Remove deletes key and returns its value. The slot itself stays in its
// region until reclaim.
func (bc *BlockCache) Remove(keyHash uint64, key []byte) ([]byte, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	e, ok := bc.index[keyHash]
	if !ok {
		return nil, ErrNotFound
	}
	storedKey, value, err := bc.readSlotLocked(bc.regions[e.region], e.offset, e.size)
	if err != nil {
		delete(bc.index, keyHash)
		return nil, ErrNotFound
	}
	if string(storedKey) != string(key) {
		return nil, ErrNotFound
	}
	delete(bc.index, keyHash)
	return value, nil
}

// Flush writes out buffered open regions and syncs the device. The open
// region stays open; its flushed prefix is rewritten on seal.
func (bc *BlockCache) Flush() error {
	bc.mu.Lock()
	for _, rid := range bc.open {
		r := bc.regions[rid]
		if r.buffer == nil || r.writeOffset == 0 {
			continue
		}
		n := roundUp(r.writeOffset, bc.blockSize)
		if err := bc.dev.Write(bc.regionBase(rid), r.buffer[:n]); err != nil {
			bc.mu.Unlock()
			return err
		}
	}
	bc.mu.Unlock()
	return bc.dev.Flush()
}

// Close flushes; the device is owned by the driver.
func (bc *BlockCache) Close() error { return bc.Flush() }

// Stats returns hit, miss, reclaim, reinsert and checksum error counts.
func (bc *BlockCache) Stats() (hits, misses, reclaims, reinserts, checksumErrors int64) {
	return bc.hits.Count(), bc.misses.Count(), bc.reclaims.Count(),
		bc.reinserts.Count(), bc.checksumErrors.Count()
}
