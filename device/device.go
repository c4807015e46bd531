// Package device abstracts block-granular storage under the flash engines:
// a single file, a RAID-0 stripe set, or a memory buffer for tests. All
// offsets and lengths must be multiples of the block size; writes larger
// than the device's max write size are split before reaching the backend.
package device

import (
	"errors"

	"github.com/rcrowley/go-metrics"

	"github.com/igchor/Cachelib/internal/tag"
	"github.com/igchor/Cachelib/log"
)

var (
	// ErrInvalidAlignment reports I/O not aligned to the block size.
	ErrInvalidAlignment = errors.New("device: io not block aligned")
	// ErrOutOfRange reports I/O past the device end.
	ErrOutOfRange = errors.New("device: io out of range")
)

// Encryptor is the optional whole-device encryption hook. Both calls
// transform buf in place; offset identifies the block for IV derivation.
type Encryptor interface {
	Encrypt(buf []byte, offset uint64) error
	Decrypt(buf []byte, offset uint64) error
}

// Device is a block-granularity store. Concurrent reads are allowed;
// writes to overlapping ranges must be serialized by the owning engine.
type Device interface {
	Read(offset uint64, buf []byte) error
	Write(offset uint64, buf []byte) error
	Flush() error
	Size() uint64
	BlockSize() uint32
	Close() error
}

// backend is the raw addressed store under the shared alignment,
// splitting and encryption logic.
type backend interface {
	readAt(offset uint64, buf []byte) error
	writeAt(offset uint64, buf []byte) error
	flush() error
	close() error
}

type device struct {
	log          log.Logger
	b            backend
	size         uint64
	blockSize    uint32
	maxWriteSize uint32
	encryptor    Encryptor

	bytesRead    metrics.Counter
	bytesWritten metrics.Counter
	ioErrors     metrics.Counter
}

var _ Device = (*device)(nil)

func newDevice(l log.Logger, b backend, size uint64, blockSize, maxWriteSize uint32, enc Encryptor) *device {
	if blockSize == 0 {
		panic("zero block size")
	}
	if maxWriteSize != 0 && maxWriteSize%blockSize != 0 {
		panic("max write size not a block multiple")
	}
	return &device{
		log:          l,
		b:            b,
		size:         size,
		blockSize:    blockSize,
		maxWriteSize: maxWriteSize,
		encryptor:    enc,
		bytesRead:    metrics.NewCounter(),
		bytesWritten: metrics.NewCounter(),
		ioErrors:     metrics.NewCounter(),
	}
}

func (d *device) checkAlignment(offset uint64, n int) error {
	if offset%uint64(d.blockSize) != 0 || uint64(n)%uint64(d.blockSize) != 0 {
		if tag.Debug {
			d.log.Panicf("misaligned io: offset %d len %d block %d", offset, n, d.blockSize)
		}
		return ErrInvalidAlignment
	}
	if offset+uint64(n) > d.size {
		return ErrOutOfRange
	}
	return nil
}

func (d *device) Read(offset uint64, buf []byte) error {
	if err := d.checkAlignment(offset, len(buf)); err != nil {
		return err
	}
	if err := d.b.readAt(offset, buf); err != nil {
		d.ioErrors.Inc(1)
		return err
	}
	if d.encryptor != nil {
		if err := d.encryptor.Decrypt(buf, offset); err != nil {
			return err
		}
	}
	d.bytesRead.Inc(int64(len(buf)))
	return nil
}

func (d *device) Write(offset uint64, buf []byte) error {
	if err := d.checkAlignment(offset, len(buf)); err != nil {
		return err
	}
	if d.encryptor != nil {
		// Encrypt a private copy so the caller's buffer stays plaintext.
		enc := make([]byte, len(buf))
		copy(enc, buf)
		if err := d.encryptor.Encrypt(enc, offset); err != nil {
			return err
		}
		buf = enc
	}
	for len(buf) > 0 {
		n := len(buf)
		if d.maxWriteSize != 0 && n > int(d.maxWriteSize) {
			n = int(d.maxWriteSize)
		}
		if err := d.b.writeAt(offset, buf[:n]); err != nil {
			d.ioErrors.Inc(1)
			return err
		}
		d.bytesWritten.Inc(int64(n))
		offset += uint64(n)
		buf = buf[n:]
	}
	return nil
}

func (d *device) Flush() error        { return d.b.flush() }
func (d *device) Size() uint64        { return d.size }
func (d *device) BlockSize() uint32   { return d.blockSize }
func (d *device) Close() error        { return d.b.close() }
func (d *device) BytesWritten() int64 { return d.bytesWritten.Count() }
func (d *device) BytesRead() int64    { return d.bytesRead.Count() }
