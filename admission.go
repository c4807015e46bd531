package cachelib

import (
	"errors"
	"math/rand"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rcrowley/go-metrics"
	"go.uber.org/atomic"

	"github.com/igchor/Cachelib/log"
)

// AdmissionPolicy gates inserts before they consume queue budget or flash
// write endurance.
type AdmissionPolicy interface {
	Accept(key []byte, size int) bool
	// RecordWrite feeds the observed write rate after a completed insert.
	RecordWrite(n int)
	Close()
}

// AdmissionConfig is the tagged policy choice: Probability selects
// reject-random, TargetRate selects dynamic-random.
type AdmissionConfig struct {
	// Probability admits with that fixed chance, (0, 1].
	Probability float64

	// TargetRate is the write budget in bytes/s the dynamic policy aims
	// for.
	TargetRate uint64
	// MaxRate is a ceiling beyond which the probability is clamped down
	// proportionally. 0 disables.
	MaxRate uint64
	// ProbFactorLowerBound and ProbFactorUpperBound bound the per-interval
	// adjustment factor. Defaults 0.5 and 2.
	ProbFactorLowerBound float64
	ProbFactorUpperBound float64
	// DeterministicKeyHashSuffixLength strips that many trailing key bytes
	// before hashing, so keys sharing a prefix decide identically.
	DeterministicKeyHashSuffixLength int
	// ItemBaseSize scales the per-item probability by baseSize/itemSize.
	// 0 disables size scaling.
	ItemBaseSize uint32
	// AdjustmentInterval of the rate control loop. Default 1s.
	AdjustmentInterval time.Duration
}

func (c *AdmissionConfig) build(l log.Logger) (AdmissionPolicy, error) {
	switch {
	case c.Probability > 0 && c.TargetRate > 0:
		return nil, errors.New("cachelib: both admission policies configured")
	case c.Probability > 0:
		if c.Probability > 1 {
			return nil, errors.New("cachelib: admission probability over 1")
		}
		return &rejectRandomAP{probability: c.Probability}, nil
	case c.TargetRate > 0:
		return newDynamicRandomAP(l, c), nil
	}
	return nil, errors.New("cachelib: empty admission config")
}

// rejectRandomAP admits with a fixed probability.
type rejectRandomAP struct {
	probability float64
}

func (p *rejectRandomAP) Accept([]byte, int) bool {
	return rand.Float64() < p.probability
}

func (p *rejectRandomAP) RecordWrite(int) {}
func (p *rejectRandomAP) Close()          {}

// dynamicRandomAP scales an admit probability to hit a target write rate.
// An adjustment loop compares the observed rate against the target and
// multiplies the probability by a bounded factor.
type dynamicRandomAP struct {
	log         log.Logger
	targetRate  uint64
	maxRate     uint64
	lowerBound  float64
	upperBound  float64
	suffixLen   int
	baseSize    uint32
	probability atomic.Float64

	writeMeter metrics.Meter
	lastCount  int64
	interval   time.Duration
	stop       chan struct{}
	stopped    atomic.Bool
}

func newDynamicRandomAP(l log.Logger, c *AdmissionConfig) *dynamicRandomAP {
	p := &dynamicRandomAP{
		log:        l,
		targetRate: c.TargetRate,
		maxRate:    c.MaxRate,
		lowerBound: c.ProbFactorLowerBound,
		upperBound: c.ProbFactorUpperBound,
		suffixLen:  c.DeterministicKeyHashSuffixLength,
		baseSize:   c.ItemBaseSize,
		writeMeter: metrics.NewMeter(),
		interval:   c.AdjustmentInterval,
		stop:       make(chan struct{}),
	}
	if p.lowerBound <= 0 {
		p.lowerBound = 0.5
	}
	if p.upperBound <= 0 {
		p.upperBound = 2
	}
	if p.interval <= 0 {
		p.interval = time.Second
	}
	p.probability.Store(1)
	go p.adjustLoop()
	return p
}

func (p *dynamicRandomAP) adjustLoop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.adjust()
		}
	}
}

func (p *dynamicRandomAP) adjust() {
	count := p.writeMeter.Count()
	observed := float64(count-p.lastCount) / p.interval.Seconds()
	p.lastCount = count
	if observed <= 0 {
		// Idle interval: drift back toward full admission.
		p.setProbability(p.probability.Load() * p.upperBound)
		return
	}
	factor := float64(p.targetRate) / observed
	if factor < p.lowerBound {
		factor = p.lowerBound
	} else if factor > p.upperBound {
		factor = p.upperBound
	}
	prob := p.probability.Load() * factor
	if p.maxRate > 0 && observed > float64(p.maxRate) {
		prob *= float64(p.maxRate) / observed
	}
	p.setProbability(prob)
	p.log.Debugf("dynamic admission: observed %.0f B/s, probability %.3f",
		observed, p.probability.Load())
}

func (p *dynamicRandomAP) setProbability(prob float64) {
	if prob > 1 {
		prob = 1
	}
	p.probability.Store(prob)
}

const probabilityGranularity = 1 << 20

func (p *dynamicRandomAP) Accept(key []byte, size int) bool {
	prob := p.probability.Load()
	if p.baseSize > 0 && size > int(p.baseSize) {
		prob *= float64(p.baseSize) / float64(size)
	}
	if prob >= 1 {
		return true
	}
	if prob <= 0 {
		return false
	}
	hashed := key
	if p.suffixLen > 0 && len(hashed) > p.suffixLen {
		hashed = hashed[:len(hashed)-p.suffixLen]
	}
	h := xxhash.Sum64(hashed)
	return float64(h%probabilityGranularity)/probabilityGranularity < prob
}

func (p *dynamicRandomAP) RecordWrite(n int) {
	p.writeMeter.Mark(int64(n))
}

func (p *dynamicRandomAP) Close() {
	if !p.stopped.Swap(true) {
		close(p.stop)
		p.writeMeter.Stop()
	}
}
