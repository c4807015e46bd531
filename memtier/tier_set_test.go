package memtier

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"unsafe"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/igchor/Cachelib/log"
	"github.com/igchor/Cachelib/memory"
)

// Two whole slabs per tier after page-to-slab alignment.
const testTierSize = 3 * memory.SlabSize

var _ = Describe("TierSet", func() {
	var (
		c      *Config
		ts     *TierSet
		tmpDir string
	)
	BeforeEach(func() {
		var err error
		tmpDir, err = ioutil.TempDir("", "memtier_test_")
		Expect(err).NotTo(HaveOccurred())
		c = &Config{CacheDir: tmpDir, UsePosixForShm: true}
	})
	AfterEach(func() {
		if ts != nil {
			Expect(ts.Close()).To(Succeed())
			ts = nil
		}
		os.RemoveAll(tmpDir)
	})

	It("maps dram tiers and compresses across them", func() {
		Expect(c.SetCacheSize(2 * testTierSize)).To(Succeed())
		Expect(c.ConfigureTiers([]TierConfig{
			NewDramTier().WithRatio(1),
			NewDramTier().WithRatio(1),
		})).To(Succeed())

		var err error
		ts, err = MapTiers(log.NewNop(), c)
		Expect(err).NotTo(HaveOccurred())
		Expect(ts.NumTiers()).To(Equal(2))

		comp := ts.Compressor()
		for tid := 0; tid < ts.NumTiers(); tid++ {
			slab, err := ts.Allocator(memory.TierID(tid)).AllocateSlab()
			Expect(err).NotTo(HaveOccurred())
			addr := unsafe.Pointer(&slab[0])
			p := comp.Compress(addr)
			Expect(p.TierID()).To(Equal(memory.TierID(tid)))
			Expect(comp.Decompress(p)).To(Equal(addr))
		}
	})

	It("maps file tiers from the cache dir", func() {
		path := filepath.Join(tmpDir, "tier0")
		Expect(c.SetCacheSize(testTierSize)).To(Succeed())
		Expect(c.ConfigureTiers([]TierConfig{
			NewFileTier(path).WithRatio(1),
		})).To(Succeed())

		var err error
		ts, err = MapTiers(log.NewNop(), c)
		Expect(err).NotTo(HaveOccurred())

		slab, err := ts.Allocator(0).AllocateSlab()
		Expect(err).NotTo(HaveOccurred())
		copy(slab, "persisted")
	})

	It("fails on unresolvable configs", func() {
		Expect(c.ConfigureTiers([]TierConfig{
			NewDramTier().WithRatio(1),
		})).To(Succeed())
		_, err := MapTiers(log.NewNop(), c)
		Expect(err).To(MatchError(ErrInvalidConfig))
	})
})
