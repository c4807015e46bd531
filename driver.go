package cachelib

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/rcrowley/go-metrics"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/igchor/Cachelib/bighash"
	"github.com/igchor/Cachelib/blockcache"
	"github.com/igchor/Cachelib/device"
	"github.com/igchor/Cachelib/log"
	"github.com/igchor/Cachelib/scheduler"
)

// metadataMagic opens the reserved header at device offset 0.
var metadataMagic = [4]byte{'N', 'V', 'Y', 'C'}

const metadataVersion = 1

// driver multiplexes the two flash engines behind the Cache surface.
// Admission and the queue throttles run synchronously on the caller;
// engine work runs as per-key ordered jobs.
type driver struct {
	log   log.Logger
	dev   device.Device
	sched *scheduler.OrderedScheduler
	block *blockcache.BlockCache
	hash  *bighash.BigHash

	smallItemMaxSize uint32
	admission        AdmissionPolicy
	onDestructor     DestructorCallback
	instanceID       uuid.UUID
	metadataSize     uint64

	maxParcelMemory      int64
	maxConcurrentInserts int32
	parcelMemory         atomic.Int64
	concurrentInserts    atomic.Int32

	inserts          metrics.Counter
	lookupHits       metrics.Counter
	lookupMisses     metrics.Counter
	admissionRejects metrics.Counter
	queueFullRejects metrics.Counter
}

var _ Cache = (*driver)(nil)

// New builds the device, validates the whole configuration and assembles
// the engines, scheduler and admission policy.
func New(cfg Config) (Cache, error) {
	l := cfg.Log
	if l == nil {
		l = log.NewDefault()
	}
	dev, err := cfg.Device.build(l)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(dev); err != nil {
		dev.Close()
		return nil, err
	}
	d := &driver{
		log:                  l,
		dev:                  dev,
		smallItemMaxSize:     cfg.SmallItemMaxSize,
		onDestructor:         cfg.OnDestructor,
		instanceID:           uuid.New(),
		metadataSize:         cfg.MetadataSize,
		maxParcelMemory:      cfg.MaxParcelMemory,
		maxConcurrentInserts: cfg.MaxConcurrentInserts,
		inserts:              metrics.NewCounter(),
		lookupHits:           metrics.NewCounter(),
		lookupMisses:         metrics.NewCounter(),
		admissionRejects:     metrics.NewCounter(),
		queueFullRejects:     metrics.NewCounter(),
	}
	if cfg.Admission != nil {
		d.admission, err = cfg.Admission.build(l)
		if err != nil {
			dev.Close()
			return nil, err
		}
	}
	if cfg.BigHash != nil {
		hcfg := *cfg.BigHash
		hcfg.Log = l.WithFields(log.Fields{"engine": "bighash"})
		hcfg.Device = dev
		hcfg.OnEvict = d.onRecycled
		if d.hash, err = bighash.New(hcfg); err != nil {
			d.shutdownOnInitError()
			return nil, err
		}
	}
	if cfg.BlockCache != nil {
		bcfg := *cfg.BlockCache
		bcfg.Log = l.WithFields(log.Fields{"engine": "blockcache"})
		bcfg.Device = dev
		bcfg.OnEvict = d.onRecycled
		if d.block, err = blockcache.New(bcfg); err != nil {
			d.shutdownOnInitError()
			return nil, err
		}
	}
	if err := d.writeMetadata(); err != nil {
		d.shutdownOnInitError()
		return nil, err
	}
	d.sched = scheduler.New(l, cfg.Scheduler)
	l.Infof("cache %s up: device %d bytes, small item threshold %d",
		d.instanceID, dev.Size(), d.smallItemMaxSize)
	return d, nil
}

func (d *driver) shutdownOnInitError() {
	if d.admission != nil {
		d.admission.Close()
	}
	d.dev.Close()
}

// writeMetadata stamps the reserved header with the instance identity.
func (d *driver) writeMetadata() error {
	if d.metadataSize == 0 {
		return nil
	}
	buf := make([]byte, d.dev.BlockSize())
	copy(buf, metadataMagic[:])
	binary.LittleEndian.PutUint32(buf[4:], metadataVersion)
	copy(buf[8:], d.instanceID[:])
	binary.LittleEndian.PutUint64(buf[24:], d.configFingerprint())
	return d.dev.Write(0, buf)
}

// configFingerprint hashes the layout geometry so a later mount can tell
// whether persisted state still matches.
func (d *driver) configFingerprint() uint64 {
	h := xxhash.New()
	fmt.Fprintf(h, "meta=%d,small=%d", d.metadataSize, d.smallItemMaxSize)
	return h.Sum64()
}

func (d *driver) onRecycled(key, value []byte) {
	if d.onDestructor != nil {
		d.onDestructor(key, value, DestructorRecycled)
	}
}

func (d *driver) onRemoved(key, value []byte) {
	if d.onDestructor != nil {
		d.onDestructor(key, value, DestructorRemoved)
	}
}

func (d *driver) isSmall(key, value []byte) bool {
	return d.hash != nil && uint32(len(key)+len(value)) <= d.smallItemMaxSize
}

func (d *driver) releaseParcel(parcel int64) {
	if d.maxParcelMemory > 0 {
		d.parcelMemory.Sub(parcel)
	}
	if d.maxConcurrentInserts > 0 {
		d.concurrentInserts.Dec()
	}
}

// Insert admits, reserves queue budget and hands the write to the
// scheduler. The reject paths never block.
func (d *driver) Insert(key, value []byte) error {
	if !d.isSmall(key, value) && d.block == nil {
		return ErrItemTooLarge
	}
	parcel := int64(len(key) + len(value))
	if d.admission != nil && !d.admission.Accept(key, int(parcel)) {
		d.admissionRejects.Inc(1)
		return ErrAdmissionRejected
	}
	if d.maxParcelMemory > 0 && d.parcelMemory.Add(parcel) > d.maxParcelMemory {
		d.parcelMemory.Sub(parcel)
		d.queueFullRejects.Inc(1)
		return ErrQueueFull
	}
	if d.maxConcurrentInserts > 0 && d.concurrentInserts.Inc() > d.maxConcurrentInserts {
		d.concurrentInserts.Dec()
		if d.maxParcelMemory > 0 {
			d.parcelMemory.Sub(parcel)
		}
		d.queueFullRejects.Inc(1)
		return ErrQueueFull
	}
	// The parcel owns private copies; the caller may reuse its buffers.
	k := append([]byte(nil), key...)
	v := append([]byte(nil), value...)
	keyHash := xxhash.Sum64(k)
	err := d.sched.EnqueueWithKey(keyHash, "insert", func() scheduler.ExitCode {
		d.doInsert(keyHash, k, v)
		d.releaseParcel(parcel)
		return scheduler.Done
	})
	if err != nil {
		d.releaseParcel(parcel)
		return err
	}
	return nil
}

func (d *driver) doInsert(keyHash uint64, key, value []byte) {
	var err error
	if d.isSmall(key, value) {
		// The other engine may hold an older copy of the key.
		if d.block != nil {
			if old, rerr := d.block.Remove(keyHash, key); rerr == nil {
				d.onRemoved(key, old)
			}
		}
		err = d.hash.Insert(keyHash, key, value)
	} else {
		if d.hash != nil {
			if old, rerr := d.hash.Remove(keyHash, key); rerr == nil {
				d.onRemoved(key, old)
			}
		}
		err = d.block.Insert(keyHash, key, value)
	}
	if err != nil {
		// Steady-state failures are absorbed here; they never unwind
		// across the scheduler.
		d.log.Errorf("insert %q failed: %v", key, err)
		return
	}
	if d.admission != nil {
		d.admission.RecordWrite(len(key) + len(value))
	}
	d.inserts.Inc(1)
}

// Lookup runs as an ordered job so it observes every insert submitted
// before it on the same key.
func (d *driver) Lookup(key []byte) ([]byte, error) {
	keyHash := xxhash.Sum64(key)
	var value []byte
	var err error
	done := make(chan struct{})
	qerr := d.sched.EnqueueWithKey(keyHash, "lookup", func() scheduler.ExitCode {
		value, err = d.doLookup(keyHash, key)
		close(done)
		return scheduler.Done
	})
	if qerr != nil {
		return nil, qerr
	}
	<-done
	if err != nil {
		d.lookupMisses.Inc(1)
		return nil, err
	}
	d.lookupHits.Inc(1)
	return value, nil
}

func (d *driver) doLookup(keyHash uint64, key []byte) ([]byte, error) {
	if d.hash != nil {
		v, err := d.hash.Lookup(keyHash, key)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, bighash.ErrNotFound) {
			d.log.Errorf("bighash lookup %q failed: %v", key, err)
		}
	}
	if d.block != nil {
		v, err := d.block.Lookup(keyHash, key)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, blockcache.ErrNotFound) {
			d.log.Errorf("blockcache lookup %q failed: %v", key, err)
		}
	}
	return nil, ErrNotFound
}

// Remove deletes the key from whichever engine holds it and fires the
// removal destructor.
func (d *driver) Remove(key []byte) error {
	keyHash := xxhash.Sum64(key)
	var removed bool
	done := make(chan struct{})
	qerr := d.sched.EnqueueWithKey(keyHash, "remove", func() scheduler.ExitCode {
		if d.hash != nil {
			if old, err := d.hash.Remove(keyHash, key); err == nil {
				d.onRemoved(key, old)
				removed = true
			}
		}
		if d.block != nil {
			if old, err := d.block.Remove(keyHash, key); err == nil {
				d.onRemoved(key, old)
				removed = true
			}
		}
		close(done)
		return scheduler.Done
	})
	if qerr != nil {
		return qerr
	}
	<-done
	if !removed {
		return ErrNotFound
	}
	return nil
}

// Flush drains queued jobs and syncs engines and device.
func (d *driver) Flush() error {
	d.sched.Drain()
	var err error
	if d.hash != nil {
		err = multierr.Append(err, d.hash.Flush())
	}
	if d.block != nil {
		err = multierr.Append(err, d.block.Flush())
	}
	return multierr.Append(err, d.dev.Flush())
}

// Close drains, stops the scheduler and admission loop and closes the
// device.
func (d *driver) Close() error {
	d.sched.Finish()
	if d.admission != nil {
		d.admission.Close()
	}
	var err error
	if d.hash != nil {
		err = multierr.Append(err, d.hash.Close())
	}
	if d.block != nil {
		err = multierr.Append(err, d.block.Close())
	}
	return multierr.Append(err, d.dev.Close())
}
