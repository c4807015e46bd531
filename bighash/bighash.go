// Package bighash implements the small-object flash engine: a fixed array
// of device buckets addressed by key hash, each read and rewritten whole,
// with optional per-bucket Bloom filters gating lookups.
package bighash

import (
	"errors"
	"sync"

	"github.com/rcrowley/go-metrics"

	"github.com/igchor/Cachelib/device"
	"github.com/igchor/Cachelib/log"
)

// ErrNotFound reports a miss.
var ErrNotFound = errors.New("bighash: key not found")

const numLockStripes = 1024

// BloomConfig enables per-bucket Bloom filters.
type BloomConfig struct {
	// NumHashes probes per key.
	NumHashes uint32
	// BitSize bits per bucket, a multiple of 64.
	BitSize uint32
}

// Config describes the engine's device range.
type Config struct {
	Log        log.Logger
	Device     device.Device
	BaseOffset uint64
	Size       uint64
	BucketSize uint32
	// Bloom is optional; nil disables filtering.
	Bloom *BloomConfig
	// OnEvict fires for every entry displaced by bucket overflow.
	OnEvict func(key, value []byte)
}

// BigHash is the small-object engine.
type BigHash struct {
	log        log.Logger
	dev        device.Device
	baseOffset uint64
	bucketSize uint32
	numBuckets uint64
	bloom      *bloomFilter
	onEvict    func(key, value []byte)

	locks []sync.Mutex

	lookups      metrics.Counter
	hits         metrics.Counter
	bloomRejects metrics.Counter
	evictions    metrics.Counter
}

// New validates cfg and creates the engine.
func New(cfg Config) (*BigHash, error) {
	if cfg.Device == nil {
		return nil, errors.New("bighash: nil device")
	}
	blockSize := cfg.Device.BlockSize()
	if cfg.BucketSize == 0 || cfg.BucketSize%blockSize != 0 {
		return nil, errors.New("bighash: bucket size not a block multiple")
	}
	if cfg.BaseOffset%uint64(blockSize) != 0 {
		return nil, errors.New("bighash: base offset not block aligned")
	}
	numBuckets := cfg.Size / uint64(cfg.BucketSize)
	if numBuckets == 0 {
		return nil, errors.New("bighash: size below one bucket")
	}
	if cfg.BaseOffset+numBuckets*uint64(cfg.BucketSize) > cfg.Device.Size() {
		return nil, errors.New("bighash: range past device end")
	}
	stripes := numLockStripes
	if numBuckets < uint64(stripes) {
		stripes = int(numBuckets)
	}
	h := &BigHash{
		log:          cfg.Log,
		dev:          cfg.Device,
		baseOffset:   cfg.BaseOffset,
		bucketSize:   cfg.BucketSize,
		numBuckets:   numBuckets,
		onEvict:      cfg.OnEvict,
		locks:        make([]sync.Mutex, stripes),
		lookups:      metrics.NewCounter(),
		hits:         metrics.NewCounter(),
		bloomRejects: metrics.NewCounter(),
		evictions:    metrics.NewCounter(),
	}
	if cfg.Bloom != nil {
		h.bloom = newBloomFilter(numBuckets, cfg.Bloom.NumHashes, cfg.Bloom.BitSize)
	}
	cfg.Log.Infof("bighash: %d buckets of %d bytes, bloom=%v",
		numBuckets, cfg.BucketSize, cfg.Bloom != nil)
	return h, nil
}

// MaxItemSize is the largest key+value an empty bucket can hold.
func (h *BigHash) MaxItemSize() uint32 {
	return h.bucketSize - bucketHeaderSize - entryHeaderSize
}

func (h *BigHash) bucketID(keyHash uint64) uint64 {
	return keyHash % h.numBuckets
}

func (h *BigHash) lock(bid uint64) *sync.Mutex {
	return &h.locks[bid%uint64(len(h.locks))]
}

func (h *BigHash) bucketOffset(bid uint64) uint64 {
	return h.baseOffset + bid*uint64(h.bucketSize)
}

func (h *BigHash) readBucket(bid uint64) (*bucket, error) {
	buf := make([]byte, h.bucketSize)
	if err := h.dev.Read(h.bucketOffset(bid), buf); err != nil {
		return nil, err
	}
	return deserializeBucket(buf)
}

func (h *BigHash) writeBucket(bid uint64, b *bucket) error {
	buf := make([]byte, h.bucketSize)
	serializeBucket(b, buf)
	return h.dev.Write(h.bucketOffset(bid), buf)
}

func (h *BigHash) rebuildBloom(bid uint64, b *bucket) {
	if h.bloom == nil {
		return
	}
	h.bloom.reset(bid)
	for _, e := range b.entries {
		h.bloom.add(bid, e.key)
	}
}

// Insert stores the pair, replacing any previous copy of key and evicting
// the oldest entries on overflow.
func (h *BigHash) Insert(keyHash uint64, key, value []byte) error {
	itemSize := entryHeaderSize + uint32(len(key)) + uint32(len(value))
	if itemSize > h.bucketSize-bucketHeaderSize {
		return errors.New("bighash: item larger than bucket")
	}
	bid := h.bucketID(keyHash)
	mu := h.lock(bid)
	mu.Lock()
	defer mu.Unlock()

	b, err := h.readBucket(bid)
	if err != nil {
		return err
	}
	removedAny := false
	if i := b.find(key); i >= 0 {
		b.remove(i)
		removedAny = true
	}
	b.append(key, value)
	var evicted []entry
	for b.wireSize() > h.bucketSize {
		evicted = append(evicted, b.popOldest())
	}
	if removedAny || len(evicted) > 0 {
		h.rebuildBloom(bid, b)
	} else if h.bloom != nil {
		h.bloom.add(bid, key)
	}
	if err := h.writeBucket(bid, b); err != nil {
		return err
	}
	for _, e := range evicted {
		h.evictions.Inc(1)
		if h.onEvict != nil {
			h.onEvict(e.key, e.value)
		}
	}
	return nil
}

// Lookup returns the stored value. With a Bloom filter, a negative filter
// answer skips the bucket read entirely.
func (h *BigHash) Lookup(keyHash uint64, key []byte) ([]byte, error) {
	h.lookups.Inc(1)
	bid := h.bucketID(keyHash)
	mu := h.lock(bid)
	mu.Lock()
	defer mu.Unlock()

	if h.bloom != nil && !h.bloom.mayContain(bid, key) {
		h.bloomRejects.Inc(1)
		return nil, ErrNotFound
	}
	b, err := h.readBucket(bid)
	if err != nil {
		return nil, err
	}
	i := b.find(key)
	if i < 0 {
		return nil, ErrNotFound
	}
	h.hits.Inc(1)
	return b.entries[i].value, nil
}

// Remove deletes key and returns its value.
func (h *BigHash) Remove(keyHash uint64, key []byte) ([]byte, error) {
	bid := h.bucketID(keyHash)
	mu := h.lock(bid)
	mu.Lock()
	defer mu.Unlock()

	if h.bloom != nil && !h.bloom.mayContain(bid, key) {
		h.bloomRejects.Inc(1)
		return nil, ErrNotFound
	}
	b, err := h.readBucket(bid)
	if err != nil {
		return nil, err
	}
	i := b.find(key)
	if i < 0 {
		return nil, ErrNotFound
	}
	e := b.remove(i)
	h.rebuildBloom(bid, b)
	if err := h.writeBucket(bid, b); err != nil {
		return nil, err
	}
	return e.value, nil
}

// Flush syncs the device range.
func (h *BigHash) Flush() error { return h.dev.Flush() }

// Close flushes; the device is owned by the driver.
func (h *BigHash) Close() error { return h.Flush() }

// Stats returns lookup, hit, bloom-reject and eviction counts.
func (h *BigHash) Stats() (lookups, hits, bloomRejects, evictions int64) {
	return h.lookups.Count(), h.hits.Count(), h.bloomRejects.Count(), h.evictions.Count()
}
