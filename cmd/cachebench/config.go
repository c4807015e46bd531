package main

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	cachelib "github.com/igchor/Cachelib"
	"github.com/igchor/Cachelib/bighash"
	"github.com/igchor/Cachelib/blockcache"
	"github.com/igchor/Cachelib/internal/util"
	"github.com/igchor/Cachelib/log"
	"github.com/igchor/Cachelib/memtier"
	"github.com/igchor/Cachelib/scheduler"
)

// InputConfig is the file surface. Size values accept 10g, 128m, 1024k,
// 4096.
type InputConfig struct {
	Cache struct {
		TotalCacheSize string `mapstructure:"total-cache-size"`
		CacheDir       string `mapstructure:"cache-dir"`
		UsePosixForShm bool   `mapstructure:"use-posix-for-shm"`
		Tiers          []struct {
			Backing string `mapstructure:"backing"` // dram, file, shm, dax
			Path    string `mapstructure:"path"`
			NumaNode *int  `mapstructure:"numa-node"`
			Ratio   uint64 `mapstructure:"ratio"`
			Size    string `mapstructure:"size"`
		} `mapstructure:"tiers"`
	} `mapstructure:"cache"`

	Flash struct {
		Device struct {
			Path         string   `mapstructure:"path"`
			RAIDPaths    []string `mapstructure:"raid-paths"`
			Size         string   `mapstructure:"size"`
			FDSize       string   `mapstructure:"fd-size"`
			BlockSize    uint32   `mapstructure:"block-size"`
			StripeSize   uint32   `mapstructure:"stripe-size"`
			MaxWriteSize uint32   `mapstructure:"max-write-size"`
		} `mapstructure:"device"`
		MetadataSize         string `mapstructure:"metadata-size"`
		SmallItemMaxSize     string `mapstructure:"small-item-max-size"`
		MaxConcurrentInserts int32  `mapstructure:"max-concurrent-inserts"`
		MaxParcelMemory      string `mapstructure:"max-parcel-memory"`
		SchedulerWorkers     uint32 `mapstructure:"scheduler-workers"`

		BigHash *struct {
			BaseOffset string `mapstructure:"base-offset"`
			Size       string `mapstructure:"size"`
			BucketSize uint32 `mapstructure:"bucket-size"`
			BloomHashes uint32 `mapstructure:"bloom-hashes"`
			BloomBits   uint32 `mapstructure:"bloom-bits"`
		} `mapstructure:"bighash"`

		BlockCache *struct {
			BaseOffset       string   `mapstructure:"base-offset"`
			Size             string   `mapstructure:"size"`
			RegionSize       uint32   `mapstructure:"region-size"`
			Checksum         bool     `mapstructure:"checksum"`
			Eviction         string   `mapstructure:"eviction"` // lru, fifo, sfifo
			SegmentRatio     []uint32 `mapstructure:"segment-ratio"`
			SizeClasses      []uint32 `mapstructure:"size-classes"`
			CleanRegionsPool uint32   `mapstructure:"clean-regions-pool"`
			NumInMemBuffers  uint32   `mapstructure:"num-in-mem-buffers"`
			HitsReinsertion  uint8    `mapstructure:"hits-reinsertion"`
			PctReinsertion   uint32   `mapstructure:"percentage-reinsertion"`
		} `mapstructure:"blockcache"`
	} `mapstructure:"flash"`
}

func loadConfig() (*InputConfig, error) {
	if configFile == "" {
		return nil, errors.New("no config file; pass --config")
	}
	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	conf := &InputConfig{}
	if err := v.Unmarshal(conf); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return conf, nil
}

func parseSize(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := util.ParseSize(s)
	return uint64(n), err
}

func (c *InputConfig) memtierConfig() (*memtier.Config, error) {
	total, err := parseSize(c.Cache.TotalCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "total-cache-size")
	}
	mc := &memtier.Config{
		TotalCacheSize: total,
		CacheDir:       c.Cache.CacheDir,
		UsePosixForShm: c.Cache.UsePosixForShm,
	}
	var tiers []memtier.TierConfig
	for i, t := range c.Cache.Tiers {
		var tier memtier.TierConfig
		switch strings.ToLower(t.Backing) {
		case "dram", "":
			if t.NumaNode != nil {
				tier = memtier.NewNumaTier(*t.NumaNode)
			} else {
				tier = memtier.NewDramTier()
			}
		case "file":
			tier = memtier.NewFileTier(t.Path)
		case "shm":
			tier = memtier.NewShmTier(c.Cache.UsePosixForShm)
		case "dax":
			tier = memtier.NewDaxTier(t.Path)
		default:
			return nil, errors.Errorf("tier %d: unknown backing %q", i, t.Backing)
		}
		size, err := parseSize(t.Size)
		if err != nil {
			return nil, errors.Wrapf(err, "tier %d size", i)
		}
		tiers = append(tiers, tier.WithSize(size).WithRatio(t.Ratio))
	}
	if err := mc.ConfigureTiers(tiers); err != nil {
		return nil, err
	}
	return mc, nil
}

func (c *InputConfig) cachelibConfig(l log.Logger) (*cachelib.Config, error) {
	devSize, err := parseSize(c.Flash.Device.Size)
	if err != nil {
		return nil, errors.Wrap(err, "device size")
	}
	fdSize, err := parseSize(c.Flash.Device.FDSize)
	if err != nil {
		return nil, errors.Wrap(err, "device fd-size")
	}
	metadataSize, err := parseSize(c.Flash.MetadataSize)
	if err != nil {
		return nil, errors.Wrap(err, "metadata-size")
	}
	smallItemMax, err := parseSize(c.Flash.SmallItemMaxSize)
	if err != nil {
		return nil, errors.Wrap(err, "small-item-max-size")
	}
	maxParcel, err := parseSize(c.Flash.MaxParcelMemory)
	if err != nil {
		return nil, errors.Wrap(err, "max-parcel-memory")
	}

	cfg := &cachelib.Config{
		Log:                  l,
		MetadataSize:         metadataSize,
		SmallItemMaxSize:     uint32(smallItemMax),
		MaxConcurrentInserts: c.Flash.MaxConcurrentInserts,
		MaxParcelMemory:      int64(maxParcel),
		Scheduler:            scheduler.Config{NumWorkers: c.Flash.SchedulerWorkers},
	}
	cfg.Device = cachelib.DeviceConfig{
		Kind:         cachelib.DeviceFile,
		Path:         c.Flash.Device.Path,
		Size:         devSize,
		BlockSize:    c.Flash.Device.BlockSize,
		MaxWriteSize: c.Flash.Device.MaxWriteSize,
	}
	if len(c.Flash.Device.RAIDPaths) > 0 {
		cfg.Device.Kind = cachelib.DeviceRAID0
		cfg.Device.RAIDPaths = c.Flash.Device.RAIDPaths
		cfg.Device.FDSize = fdSize
		cfg.Device.StripeSize = c.Flash.Device.StripeSize
	}

	if h := c.Flash.BigHash; h != nil {
		base, err := parseSize(h.BaseOffset)
		if err != nil {
			return nil, errors.Wrap(err, "bighash base-offset")
		}
		size, err := parseSize(h.Size)
		if err != nil {
			return nil, errors.Wrap(err, "bighash size")
		}
		hcfg := &bighash.Config{
			BaseOffset: base,
			Size:       size,
			BucketSize: h.BucketSize,
		}
		if h.BloomHashes > 0 {
			hcfg.Bloom = &bighash.BloomConfig{NumHashes: h.BloomHashes, BitSize: h.BloomBits}
		}
		cfg.BigHash = hcfg
	}

	if b := c.Flash.BlockCache; b != nil {
		base, err := parseSize(b.BaseOffset)
		if err != nil {
			return nil, errors.Wrap(err, "blockcache base-offset")
		}
		size, err := parseSize(b.Size)
		if err != nil {
			return nil, errors.Wrap(err, "blockcache size")
		}
		bcfg := &blockcache.Config{
			BaseOffset:       base,
			Size:             size,
			RegionSize:       b.RegionSize,
			Checksum:         b.Checksum,
			SizeClasses:      b.SizeClasses,
			CleanRegionsPool: b.CleanRegionsPool,
			NumInMemBuffers:  b.NumInMemBuffers,
			Reinsertion: blockcache.ReinsertionConfig{
				HitsThreshold: b.HitsReinsertion,
				Percentage:    b.PctReinsertion,
			},
		}
		switch strings.ToLower(b.Eviction) {
		case "lru", "":
			bcfg.Eviction = blockcache.EvictionConfig{Kind: blockcache.EvictionLRU}
		case "fifo":
			bcfg.Eviction = blockcache.EvictionConfig{Kind: blockcache.EvictionFIFO}
		case "sfifo":
			bcfg.Eviction = blockcache.EvictionConfig{
				Kind:         blockcache.EvictionSFIFO,
				SegmentRatio: b.SegmentRatio,
			}
		default:
			return nil, errors.Errorf("unknown eviction %q", b.Eviction)
		}
		cfg.BlockCache = bcfg
	}
	return cfg, nil
}
