package cachelib

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/rcrowley/go-metrics"

	"github.com/igchor/Cachelib/log"
)

// newTestDynamicAP builds the policy without its adjustment goroutine so
// adjust runs only when the test calls it.
func newTestDynamicAP(cfg AdmissionConfig) *dynamicRandomAP {
	p := &dynamicRandomAP{
		log:        log.NewNop(),
		targetRate: cfg.TargetRate,
		maxRate:    cfg.MaxRate,
		lowerBound: 0.5,
		upperBound: 2,
		suffixLen:  cfg.DeterministicKeyHashSuffixLength,
		baseSize:   cfg.ItemBaseSize,
		writeMeter: metrics.NewMeter(),
		interval:   time.Second,
		stop:       make(chan struct{}),
	}
	p.probability.Store(1)
	return p
}

var _ = Describe("Admission policies", func() {
	Describe("reject random", func() {
		It("admits everything at probability 1", func() {
			p := &rejectRandomAP{probability: 1}
			for i := 0; i < 100; i++ {
				Expect(p.Accept([]byte("key"), 10)).To(BeTrue())
			}
		})

		It("rejects invalid configs", func() {
			_, err := (&AdmissionConfig{Probability: 1.5}).build(log.NewNop())
			Expect(err).To(HaveOccurred())
			_, err = (&AdmissionConfig{Probability: 0.5, TargetRate: 100}).build(log.NewNop())
			Expect(err).To(HaveOccurred())
			_, err = (&AdmissionConfig{}).build(log.NewNop())
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("dynamic random", func() {
		It("scales probability down when writes exceed the target", func() {
			p := newTestDynamicAP(AdmissionConfig{TargetRate: 1000})
			p.RecordWrite(1 << 20)
			p.adjust()
			// Factor target/observed clamps at the lower bound.
			Expect(p.probability.Load()).To(BeNumerically("~", 0.5, 1e-9))
			p.RecordWrite(1 << 20)
			p.adjust()
			Expect(p.probability.Load()).To(BeNumerically("~", 0.25, 1e-9))
		})

		It("recovers probability on idle intervals, capped at 1", func() {
			p := newTestDynamicAP(AdmissionConfig{TargetRate: 1000})
			p.probability.Store(0.3)
			p.adjust() // no writes recorded
			Expect(p.probability.Load()).To(BeNumerically("~", 0.6, 1e-9))
			p.adjust()
			Expect(p.probability.Load()).To(BeNumerically("~", 1, 1e-9))
		})

		It("clamps harder above the max rate", func() {
			p := newTestDynamicAP(AdmissionConfig{TargetRate: 1000, MaxRate: 2000})
			p.RecordWrite(4000)
			p.adjust()
			// factor 0.5 (lower bound), then scaled by maxRate/observed.
			Expect(p.probability.Load()).To(BeNumerically("~", 0.25, 1e-9))
		})

		It("decides deterministically ignoring the key suffix", func() {
			p := newTestDynamicAP(AdmissionConfig{
				TargetRate:                       1000,
				DeterministicKeyHashSuffixLength: 2,
			})
			p.probability.Store(0.5)
			for i := 0; i < 32; i++ {
				a := p.Accept([]byte{'p', byte(i), 'A', 0x01}, 10)
				b := p.Accept([]byte{'p', byte(i), 'B', 0x02}, 10)
				Expect(a).To(Equal(b), "keys sharing a prefix must decide identically")
			}
		})

		It("always admits at probability 1 and never at 0", func() {
			p := newTestDynamicAP(AdmissionConfig{TargetRate: 1000})
			Expect(p.Accept([]byte("any"), 10)).To(BeTrue())
			p.probability.Store(0)
			Expect(p.Accept([]byte("any"), 10)).To(BeFalse())
		})

		It("penalizes items above the base size", func() {
			p := newTestDynamicAP(AdmissionConfig{TargetRate: 1000, ItemBaseSize: 100})
			p.probability.Store(0.9)
			var small, large int
			for i := 0; i < 256; i++ {
				key := []byte{byte(i), byte(i >> 4), 'x'}
				if p.Accept(key, 50) {
					small++
				}
				if p.Accept(key, 10000) {
					large++
				}
			}
			Expect(large).To(BeNumerically("<", small))
		})
	})
})
