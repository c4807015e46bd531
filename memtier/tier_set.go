package memtier

import (
	"go.uber.org/multierr"

	"github.com/igchor/Cachelib/log"
	"github.com/igchor/Cachelib/memory"
)

// TierSet is the materialized tier hierarchy: one mapped arena and one slab
// allocator per tier, in config order, plus the pointer compressor routing
// across them. The arrays are immutable for the cache's life.
type TierSet struct {
	log        log.Logger
	mappings   []*Mapping
	allocators []*memory.SlabAllocator
	compressor memory.PtrCompressor
}

// MapTiers validates cfg and maps every tier. On any failure the mappings
// created so far are released.
func MapTiers(l log.Logger, cfg *Config) (*TierSet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ts := &TierSet{log: l}
	for i, tier := range cfg.Tiers() {
		m, err := tier.Backing.Map(l, tier.Size, cfg.CacheDir, i)
		if err != nil {
			ts.Close()
			return nil, err
		}
		alloc, err := memory.NewSlabAllocator(
			l.WithFields(log.Fields{"tier": i, "backing": tier.Backing.Kind.String()}),
			m.Data,
		)
		if err != nil {
			m.Close()
			ts.Close()
			return nil, err
		}
		ts.mappings = append(ts.mappings, m)
		ts.allocators = append(ts.allocators, alloc)
	}
	ts.compressor = memory.NewPtrCompressor(ts.allocators)
	l.Infof("mapped %d memory tiers", len(ts.allocators))
	return ts, nil
}

// Allocator returns the slab allocator of tier tid.
func (ts *TierSet) Allocator(tid memory.TierID) *memory.SlabAllocator {
	return ts.allocators[tid]
}

// NumTiers returns the tier count.
func (ts *TierSet) NumTiers() int { return len(ts.allocators) }

// Compressor returns the shared pointer compressor.
func (ts *TierSet) Compressor() memory.PtrCompressor { return ts.compressor }

// Close unmaps every tier arena.
func (ts *TierSet) Close() error {
	var err error
	for _, m := range ts.mappings {
		err = multierr.Append(err, m.Close())
	}
	ts.mappings = nil
	ts.allocators = nil
	return err
}
