package cachelib

import (
	"errors"
	"fmt"

	"github.com/igchor/Cachelib/bighash"
	"github.com/igchor/Cachelib/blockcache"
	"github.com/igchor/Cachelib/device"
	"github.com/igchor/Cachelib/log"
	"github.com/igchor/Cachelib/scheduler"
)

// DeviceKind enumerates device backends.
type DeviceKind int

const (
	// DeviceFile is a single direct file.
	DeviceFile DeviceKind = iota
	// DeviceRAID0 stripes several files.
	DeviceRAID0
	// DeviceInMemory is a byte buffer for tests and benchmarks.
	DeviceInMemory
)

// DeviceConfig is the tagged device choice.
type DeviceConfig struct {
	Kind DeviceKind
	// Path and Size describe a file device; Size alone an in-memory one.
	Path string
	Size uint64
	// RAIDPaths and FDSize describe a RAID-0 device of len(RAIDPaths)
	// files, StripeSize bytes per stripe unit.
	RAIDPaths  []string
	FDSize     uint64
	StripeSize uint32

	BlockSize    uint32
	MaxWriteSize uint32
	Encryptor    device.Encryptor
}

func (c *DeviceConfig) build(l log.Logger) (device.Device, error) {
	if c.BlockSize == 0 {
		return nil, errors.New("cachelib: zero device block size")
	}
	switch c.Kind {
	case DeviceFile:
		return device.NewFileDevice(l, c.Path, c.Size, c.BlockSize, c.MaxWriteSize, c.Encryptor)
	case DeviceRAID0:
		return device.NewRAID0Device(l, c.RAIDPaths, c.FDSize, c.BlockSize, c.StripeSize,
			c.MaxWriteSize, c.Encryptor)
	case DeviceInMemory:
		return device.NewMemoryDevice(l, c.Size, c.BlockSize), nil
	}
	return nil, fmt.Errorf("cachelib: unknown device kind %d", c.Kind)
}

// Config assembles the flash cache. Engine configs leave Log, Device and
// OnEvict unset; the driver wires them. The whole record is validated once
// by New and never mutated after.
type Config struct {
	Log log.Logger

	Device DeviceConfig
	// MetadataSize bytes at the device start are reserved for the engine
	// metadata header. Engines must live above it.
	MetadataSize uint64

	// BlockCache stores items above SmallItemMaxSize. Optional when
	// BigHash is set.
	BlockCache *blockcache.Config
	// BigHash stores items of at most SmallItemMaxSize. Optional when
	// BlockCache is set.
	BigHash          *bighash.Config
	SmallItemMaxSize uint32

	// MaxConcurrentInserts bounds in-flight inserts. 0 means unlimited.
	MaxConcurrentInserts int32
	// MaxParcelMemory bounds the bytes of queued (key, value) parcels.
	// 0 means unlimited.
	MaxParcelMemory int64

	Scheduler scheduler.Config

	// Admission is optional; nil admits everything.
	Admission *AdmissionConfig

	// OnDestructor is optional.
	OnDestructor DestructorCallback
}

type engineRange struct {
	name   string
	base   uint64
	length uint64
}

func (c *Config) validate(dev device.Device) error {
	if c.BlockCache == nil && c.BigHash == nil {
		return errors.New("cachelib: no engine configured")
	}
	if c.BigHash == nil && c.SmallItemMaxSize > 0 {
		return errors.New("cachelib: small item threshold without bighash")
	}
	if c.BigHash != nil && c.SmallItemMaxSize == 0 {
		return errors.New("cachelib: bighash without small item threshold")
	}
	if c.MetadataSize%uint64(dev.BlockSize()) != 0 {
		return errors.New("cachelib: metadata size not block aligned")
	}
	var ranges []engineRange
	if c.BlockCache != nil {
		ranges = append(ranges, engineRange{"blockcache", c.BlockCache.BaseOffset, c.BlockCache.Size})
	}
	if c.BigHash != nil {
		ranges = append(ranges, engineRange{"bighash", c.BigHash.BaseOffset, c.BigHash.Size})
	}
	for i, r := range ranges {
		if r.base < c.MetadataSize {
			return fmt.Errorf("cachelib: %s overlaps metadata", r.name)
		}
		if r.base+r.length > dev.Size() {
			return fmt.Errorf("cachelib: %s past device end", r.name)
		}
		for _, o := range ranges[:i] {
			if r.base < o.base+o.length && o.base < r.base+r.length {
				return fmt.Errorf("cachelib: %s overlaps %s", r.name, o.name)
			}
		}
	}
	return nil
}
