package memory

import (
	"unsafe"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/igchor/Cachelib/log"
)

var _ = Describe("PtrCompressor", func() {
	var (
		tiers []*SlabAllocator
		c     PtrCompressor
	)
	BeforeEach(func() {
		tiers = nil
		for i := 0; i < 2; i++ {
			a, err := NewSlabAllocator(log.NewNop(), newTestArena())
			Expect(err).NotTo(HaveOccurred())
			tiers = append(tiers, a)
		}
		c = NewPtrCompressor(tiers)
	})

	It("maps nil to the sentinel and back", func() {
		Expect(c.Compress(nil)).To(Equal(NullPtr))
		Expect(c.Decompress(NullPtr)).To(Equal(unsafe.Pointer(nil)))
	})

	It("stamps the owning tier and round trips", func() {
		for tid, tier := range tiers {
			slab, err := tier.AllocateSlab()
			Expect(err).NotTo(HaveOccurred())
			addr := unsafe.Pointer(&slab[3*MinAllocSize])
			p := c.Compress(addr)
			Expect(p.TierID()).To(Equal(TierID(tid)))
			Expect(c.Decompress(p)).To(Equal(addr))
		}
	})

	It("panics on foreign addresses", func() {
		var foreign [64]byte
		Expect(func() { c.Compress(unsafe.Pointer(&foreign[0])) }).To(Panic())
	})

	It("compares by tier array identity", func() {
		Expect(c.Equal(NewPtrCompressor(tiers))).To(BeTrue())
		other := []*SlabAllocator{tiers[0], tiers[1]}
		Expect(c.Equal(NewPtrCompressor(other))).To(BeFalse())
	})
})
