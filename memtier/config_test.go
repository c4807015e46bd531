package memtier

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

const gib = uint64(1) << 30

const (
	testDaxPath  = "/dev/dax0.0"
	testPmemPath = "/dev/shm/p1"
)

var _ = Describe("Config resolver", func() {
	var c *Config
	BeforeEach(func() {
		c = &Config{CacheDir: "/var/metadataDir", UsePosixForShm: true}
	})

	expectResolved := func(sizes ...uint64) {
		Expect(c.Validate()).To(Succeed())
		Expect(c.TierSizes()).To(Equal(sizes))
		var sum uint64
		for _, s := range sizes {
			sum += s
			Expect(s).To(BeNumerically(">", 0))
		}
		Expect(sum).To(Equal(c.TotalCacheSize))
	}

	It("resolves one dax tier with ratio 1", func() {
		Expect(c.SetCacheSize(gib)).To(Succeed())
		Expect(c.ConfigureTiers([]TierConfig{
			NewDaxTier(testDaxPath).WithRatio(1),
		})).To(Succeed())
		expectResolved(gib)
	})

	It("resolves two equal-ratio tiers", func() {
		Expect(c.SetCacheSize(gib)).To(Succeed())
		Expect(c.ConfigureTiers([]TierConfig{
			NewDaxTier(testDaxPath).WithRatio(1),
			NewFileTier(testPmemPath).WithRatio(1),
		})).To(Succeed())
		expectResolved(gib/2, gib-gib/2)
	})

	It("resolves ratios (5, 2) with the last tier absorbing the remainder", func() {
		Expect(c.SetCacheSize(gib)).To(Succeed())
		Expect(c.ConfigureTiers([]TierConfig{
			NewDaxTier(testDaxPath).WithRatio(5),
			NewFileTier(testPmemPath).WithRatio(2),
		})).To(Succeed())
		first := (gib / 7) * 5
		expectResolved(first, gib-first)
	})

	It("infers the total from explicit sizes and freezes it", func() {
		var size1, size2 uint64 = 4321, 1234
		Expect(c.ConfigureTiers([]TierConfig{
			NewDaxTier(testDaxPath).WithSize(size1),
			NewFileTier(testPmemPath).WithSize(size2),
		})).To(Succeed())
		Expect(c.TotalCacheSize).To(Equal(size1 + size2))
		expectResolved(size1, size2)

		err := c.SetCacheSize(size1 + size2 + 1)
		Expect(err).To(MatchError(ErrInvalidConfig))
	})

	It("accepts explicit sizes matching a preset total", func() {
		Expect(c.SetCacheSize(gib)).To(Succeed())
		Expect(c.ConfigureTiers([]TierConfig{
			NewDaxTier(testDaxPath).WithSize(gib / 2),
			NewFileTier(testPmemPath).WithSize(gib / 2),
		})).To(Succeed())
		expectResolved(gib/2, gib/2)
	})

	It("rejects sizes not summing to the preset total", func() {
		Expect(c.SetCacheSize(gib)).To(Succeed())
		err := c.ConfigureTiers([]TierConfig{
			NewDaxTier(testDaxPath).WithSize(1),
			NewFileTier(testPmemPath).WithSize(1),
		})
		Expect(err).To(MatchError(ErrInvalidConfig))
	})

	It("rejects mixed sizes and ratios", func() {
		err := c.ConfigureTiers([]TierConfig{
			NewDaxTier(testDaxPath).WithSize(1),
			NewFileTier(testPmemPath).WithRatio(1),
		})
		Expect(err).To(MatchError(ErrMixedSizesAndRatios))

		err = c.ConfigureTiers([]TierConfig{
			NewDaxTier(testDaxPath).WithSize(1).WithRatio(1),
			NewFileTier(testPmemPath).WithRatio(1),
		})
		Expect(err).To(MatchError(ErrMixedSizesAndRatios))
	})

	It("rejects tiers with neither size nor ratio", func() {
		err := c.ConfigureTiers([]TierConfig{
			NewDaxTier(testDaxPath).WithRatio(1),
			NewFileTier(testPmemPath),
		})
		Expect(err).To(MatchError(ErrInvalidConfig))
	})

	It("rejects ratios without a cache size", func() {
		Expect(c.ConfigureTiers([]TierConfig{
			NewDaxTier(testDaxPath).WithRatio(1),
			NewFileTier(testPmemPath).WithRatio(1),
		})).To(Succeed())
		Expect(c.Validate()).To(MatchError(ErrInvalidConfig))
	})

	It("rejects partitions larger than the cache", func() {
		Expect(c.SetCacheSize(gib)).To(Succeed())
		Expect(c.ConfigureTiers([]TierConfig{
			NewDaxTier(testDaxPath).WithRatio(gib),
			NewFileTier(testPmemPath).WithRatio(1),
		})).To(Succeed())
		Expect(c.Validate()).To(MatchError(ErrPartitionsTooLarge))
	})

	It("rejects empty tier lists", func() {
		Expect(c.ConfigureTiers(nil)).To(MatchError(ErrInvalidConfig))
	})

	Context("shm usage", func() {
		It("requires posix shm for multi-tier shm configs", func() {
			c.UsePosixForShm = false
			Expect(c.SetCacheSize(gib)).To(Succeed())
			Expect(c.ConfigureTiers([]TierConfig{
				NewDaxTier(testDaxPath).WithRatio(1),
				NewShmTier(false).WithRatio(1),
			})).To(Succeed())
			Expect(c.ValidateShmUsage()).To(MatchError(ErrInvalidConfig))

			c.UsePosixForShm = true
			Expect(c.ValidateShmUsage()).To(Succeed())
		})

		It("allows single-tier shm without the flag", func() {
			c.UsePosixForShm = false
			Expect(c.SetCacheSize(gib)).To(Succeed())
			Expect(c.ConfigureTiers([]TierConfig{
				NewShmTier(true).WithRatio(1),
			})).To(Succeed())
			Expect(c.ValidateShmUsage()).To(Succeed())
		})
	})
})
