package bighash

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/igchor/Cachelib/device"
	"github.com/igchor/Cachelib/log"
	"github.com/igchor/Cachelib/testutil"
)

const (
	testBlockSize  = 512
	testBucketSize = 512
)

// countingDevice counts reads to prove Bloom-rejected lookups never touch
// the device.
type countingDevice struct {
	device.Device
	reads int
}

func (d *countingDevice) Read(offset uint64, buf []byte) error {
	d.reads++
	return d.Device.Read(offset, buf)
}

func keyHash(key []byte) uint64 { return xxhash.Sum64(key) }

var _ = Describe("BigHash", func() {
	var (
		dev     *countingDevice
		h       *BigHash
		evicted [][]byte
	)
	newEngine := func(numBuckets uint64, bloom *BloomConfig) {
		evicted = nil
		dev = &countingDevice{
			Device: device.NewMemoryDevice(log.NewNop(), numBuckets*testBucketSize, testBlockSize),
		}
		var err error
		h, err = New(Config{
			Log:        log.NewNop(),
			Device:     dev,
			BaseOffset: 0,
			Size:       numBuckets * testBucketSize,
			BucketSize: testBucketSize,
			Bloom:      bloom,
			OnEvict: func(key, value []byte) {
				evicted = append(evicted, append([]byte(nil), key...))
			},
		})
		Expect(err).NotTo(HaveOccurred())
	}

	insert := func(key, value string) {
		Expect(h.Insert(keyHash([]byte(key)), []byte(key), []byte(value))).To(Succeed())
	}
	lookup := func(key string) (string, error) {
		v, err := h.Lookup(keyHash([]byte(key)), []byte(key))
		return string(v), err
	}

	It("round trips inserted items", func() {
		newEngine(16, nil)
		insert("alpha", "one")
		insert("beta", "two")
		v, err := lookup("alpha")
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal("one"))
		v, err = lookup("beta")
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal("two"))
	})

	It("misses unknown keys", func() {
		newEngine(16, nil)
		_, err := lookup("nothing")
		Expect(err).To(MatchError(ErrNotFound))
	})

	It("replaces same-key inserts in place", func() {
		newEngine(1, nil)
		insert("key", "old")
		insert("key", "new")
		v, err := lookup("key")
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal("new"))
		Expect(evicted).To(BeEmpty(), "replacement is not an eviction")
	})

	It("evicts FIFO on bucket overflow", func() {
		newEngine(1, nil)
		// Each entry is 8 + 4 + 100 bytes; a 512 byte bucket holds 4.
		for i := 0; i < 5; i++ {
			insert(fmt.Sprintf("ki-%d", i), string(testutil.RandBytes(100)))
		}
		Expect(evicted).To(HaveLen(1))
		Expect(string(evicted[0])).To(Equal("ki-0"))
		_, err := lookup("ki-0")
		Expect(err).To(MatchError(ErrNotFound))
		for i := 1; i < 5; i++ {
			_, err := lookup(fmt.Sprintf("ki-%d", i))
			Expect(err).NotTo(HaveOccurred())
		}
	})

	It("removes keys and returns their value", func() {
		newEngine(4, nil)
		insert("gone", "value")
		v, err := h.Remove(keyHash([]byte("gone")), []byte("gone"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(v)).To(Equal("value"))
		_, err = lookup("gone")
		Expect(err).To(MatchError(ErrNotFound))
		_, err = h.Remove(keyHash([]byte("gone")), []byte("gone"))
		Expect(err).To(MatchError(ErrNotFound))
	})

	It("rejects items larger than a bucket", func() {
		newEngine(1, nil)
		err := h.Insert(1, []byte("big"), testutil.RandBytes(testBucketSize))
		Expect(err).To(HaveOccurred())
	})

	Context("with bloom filter", func() {
		bloom := &BloomConfig{NumHashes: 4, BitSize: 512}

		It("never false-misses inserted keys", func() {
			newEngine(128, bloom)
			for i := 1; i <= 100; i++ {
				insert(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
			}
			for i := 1; i <= 100; i++ {
				v, err := lookup(fmt.Sprintf("k%d", i))
				Expect(err).NotTo(HaveOccurred())
				Expect(v).To(Equal(fmt.Sprintf("v%d", i)))
			}
		})

		It("rejects most unrelated keys without device reads", func() {
			newEngine(128, bloom)
			for i := 1; i <= 100; i++ {
				insert(fmt.Sprintf("k%d", i), "v")
			}
			readsBefore := dev.reads
			var rejects int
			const probes = 200
			for i := 0; i < probes; i++ {
				key := fmt.Sprintf("unrelated-%d", i)
				_, err := h.Lookup(keyHash([]byte(key)), []byte(key))
				Expect(err).To(MatchError(ErrNotFound))
			}
			_, _, bloomRejects, _ := h.Stats()
			rejects = int(bloomRejects)
			Expect(rejects).To(BeNumerically(">", probes*8/10),
				"with 512 bits per ~1-key bucket nearly all probes must filter out")
			Expect(dev.reads-readsBefore).To(Equal(probes-rejects),
				"filter-rejected lookups must not read the device")
		})

		It("rebuilds the filter after removal", func() {
			newEngine(1, bloom)
			insert("stay", "s")
			insert("gone", "g")
			_, err := h.Remove(keyHash([]byte("gone")), []byte("gone"))
			Expect(err).NotTo(HaveOccurred())
			v, err := lookup("stay")
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal("s"))
		})
	})

	It("validates configuration", func() {
		dev := device.NewMemoryDevice(log.NewNop(), 4*testBucketSize, testBlockSize)
		_, err := New(Config{Log: log.NewNop(), Device: dev, BucketSize: 100, Size: 400})
		Expect(err).To(HaveOccurred(), "bucket not a block multiple")
		_, err = New(Config{Log: log.NewNop(), Device: dev, BucketSize: testBucketSize, Size: 0})
		Expect(err).To(HaveOccurred(), "no buckets")
		_, err = New(Config{Log: log.NewNop(), Device: dev, BucketSize: testBucketSize,
			Size: 8 * testBucketSize})
		Expect(err).To(HaveOccurred(), "range past device end")
	})
})
