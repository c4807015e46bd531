// Package memtier holds the memory tier configuration and the capacity
// resolver that turns per-tier ratios or absolute sizes into byte counts.
// Tier ordering is load-bearing: tier identity is positional, the last tier
// absorbs rounding, and changing the order changes every byte of the
// layout. Treat a resolved config as an immutable artifact.
package memtier

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig is the kind every freeze-time rejection wraps.
	ErrInvalidConfig = errors.New("memtier: invalid configuration")
	// ErrMixedSizesAndRatios rejects configs where some tiers carry sizes
	// and others ratios.
	ErrMixedSizesAndRatios = fmt.Errorf("%w: tiers mix absolute sizes and ratios", ErrInvalidConfig)
	// ErrPartitionsTooLarge rejects ratio sums that would produce
	// zero-sized partitions.
	ErrPartitionsTooLarge = fmt.Errorf("%w: partitions too large", ErrInvalidConfig)
)

// BackingKind enumerates tier memory backings.
type BackingKind int

const (
	// BackingDram is an anonymous DRAM mapping.
	BackingDram BackingKind = iota
	// BackingFile is a file-backed mapping.
	BackingFile
	// BackingShm is a shared memory segment.
	BackingShm
	// BackingDax is a dax character device mapping.
	BackingDax
)

func (k BackingKind) String() string {
	switch k {
	case BackingDram:
		return "dram"
	case BackingFile:
		return "file"
	case BackingShm:
		return "shm"
	case BackingDax:
		return "dax"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Backing is the tagged variant describing where a tier's arena lives.
type Backing struct {
	Kind BackingKind
	// Path of the backing file or dax node.
	Path string
	// NumaNode hint for DRAM backings, -1 when unset.
	NumaNode int
	// PosixShm selects POSIX over SysV shared memory.
	PosixShm bool
}

// TierConfig describes one memory tier. Exactly one of Size and Ratio must
// be set; the resolver rejects anything else.
type TierConfig struct {
	Backing Backing
	// Size in bytes, 0 meaning unset.
	Size uint64
	// Ratio in integer parts, 0 meaning unset.
	Ratio uint64
}

// NewDramTier returns an anonymous DRAM tier.
func NewDramTier() TierConfig {
	return TierConfig{Backing: Backing{Kind: BackingDram, NumaNode: -1}}
}

// NewNumaTier returns an anonymous DRAM tier bound to a NUMA node.
func NewNumaTier(node int) TierConfig {
	return TierConfig{Backing: Backing{Kind: BackingDram, NumaNode: node}}
}

// NewFileTier returns a tier backed by the file at path.
func NewFileTier(path string) TierConfig {
	return TierConfig{Backing: Backing{Kind: BackingFile, Path: path, NumaNode: -1}}
}

// NewShmTier returns a shared memory tier.
func NewShmTier(posix bool) TierConfig {
	return TierConfig{Backing: Backing{Kind: BackingShm, PosixShm: posix, NumaNode: -1}}
}

// NewDaxTier returns a tier backed by the dax device at path.
func NewDaxTier(path string) TierConfig {
	return TierConfig{Backing: Backing{Kind: BackingDax, Path: path, NumaNode: -1}}
}

// WithSize sets the absolute tier size.
func (t TierConfig) WithSize(size uint64) TierConfig {
	t.Size = size
	return t
}

// WithRatio sets the tier ratio.
func (t TierConfig) WithRatio(ratio uint64) TierConfig {
	t.Ratio = ratio
	return t
}

// Config is the cache-level memory configuration.
type Config struct {
	// TotalCacheSize in bytes across all tiers. May start at zero when
	// every tier carries an absolute size.
	TotalCacheSize uint64
	// CacheDir is the metadata persistence root; shm segment names derive
	// from it.
	CacheDir string
	// UsePosixForShm selects POSIX shm at the driver level. Multi-tier
	// configs bearing shm tiers require it.
	UsePosixForShm bool

	tiers      []TierConfig
	sizeFrozen bool
	resolved   bool
}

// SetCacheSize sets the total size. Rejected once tier configuration with
// absolute sizes froze the total.
func (c *Config) SetCacheSize(size uint64) error {
	if c.sizeFrozen {
		return fmt.Errorf("%w: cache size frozen by tier sizes", ErrInvalidConfig)
	}
	c.TotalCacheSize = size
	return nil
}

// Tiers returns the configured tiers, resolved if Validate already ran.
func (c *Config) Tiers() []TierConfig { return c.tiers }

// ConfigureTiers installs the ordered tier list. Size-based configurations
// are checked and frozen here; ratio resolution is deferred to Validate.
func (c *Config) ConfigureTiers(tiers []TierConfig) error {
	if len(tiers) == 0 {
		return fmt.Errorf("%w: no tiers", ErrInvalidConfig)
	}
	var numSized, numRatio int
	for i, t := range tiers {
		switch {
		case t.Size > 0 && t.Ratio > 0:
			return fmt.Errorf("%w (tier %d)", ErrMixedSizesAndRatios, i)
		case t.Size > 0:
			numSized++
		case t.Ratio > 0:
			numRatio++
		default:
			return fmt.Errorf("%w: tier %d has neither size nor ratio", ErrInvalidConfig, i)
		}
	}
	if numSized > 0 && numRatio > 0 {
		return ErrMixedSizesAndRatios
	}
	if numSized == len(tiers) {
		var sum uint64
		for _, t := range tiers {
			sum += t.Size
		}
		if c.TotalCacheSize == 0 {
			c.TotalCacheSize = sum
		} else if sum != c.TotalCacheSize {
			return fmt.Errorf("%w: tier sizes sum to %d, cache size is %d",
				ErrInvalidConfig, sum, c.TotalCacheSize)
		}
		c.sizeFrozen = true
	}
	c.tiers = append([]TierConfig(nil), tiers...)
	return nil
}

// Validate freezes the configuration, resolving ratio tiers into absolute
// sizes. After a successful Validate, sum of tier sizes equals
// TotalCacheSize exactly and every tier size is positive.
func (c *Config) Validate() error {
	if len(c.tiers) == 0 {
		return fmt.Errorf("%w: no tiers configured", ErrInvalidConfig)
	}
	if c.resolved {
		return nil
	}
	if c.sizeFrozen {
		c.resolved = true
		return nil
	}
	// All-ratio form.
	if c.TotalCacheSize == 0 {
		return fmt.Errorf("%w: ratio tiers require a cache size", ErrInvalidConfig)
	}
	var ratioSum uint64
	for _, t := range c.tiers {
		ratioSum += t.Ratio
	}
	if ratioSum > c.TotalCacheSize {
		return ErrPartitionsTooLarge
	}
	quotient := c.TotalCacheSize / ratioSum
	var used uint64
	for i := range c.tiers[:len(c.tiers)-1] {
		c.tiers[i].Size = quotient * c.tiers[i].Ratio
		used += c.tiers[i].Size
	}
	// The last tier absorbs the rounding remainder.
	c.tiers[len(c.tiers)-1].Size = c.TotalCacheSize - used
	for i, t := range c.tiers {
		if t.Size == 0 {
			return fmt.Errorf("%w: tier %d resolved to zero bytes", ErrInvalidConfig, i)
		}
	}
	c.resolved = true
	return nil
}

// ValidateShmUsage applies the driver-level rule that multi-tier
// configurations bearing shared memory require POSIX shm.
func (c *Config) ValidateShmUsage() error {
	if len(c.tiers) < 2 {
		return nil
	}
	for i, t := range c.tiers {
		if t.Backing.Kind == BackingShm && !c.UsePosixForShm {
			return fmt.Errorf("%w: tier %d uses shm without usePosixForShm", ErrInvalidConfig, i)
		}
	}
	return nil
}

// TierSizes returns the resolved byte size of every tier. Valid only after
// Validate.
func (c *Config) TierSizes() []uint64 {
	if !c.resolved {
		panic("tier sizes read before Validate")
	}
	sizes := make([]uint64, len(c.tiers))
	for i, t := range c.tiers {
		sizes[i] = t.Size
	}
	return sizes
}
