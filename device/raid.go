package device

import (
	"os"

	"github.com/facebookgo/stackerr"
	"go.uber.org/multierr"

	"github.com/igchor/Cachelib/log"
)

// NewRAID0Device stripes N files into one logical device of N*fdSize
// bytes. Logical offset L maps to file (L/stripeSize) mod N at intra-file
// offset (L/(N*stripeSize))*stripeSize + L mod stripeSize.
func NewRAID0Device(l log.Logger, paths []string, fdSize uint64, blockSize, stripeSize, maxWriteSize uint32, enc Encryptor) (Device, error) {
	if len(paths) < 2 {
		return nil, stackerr.New("raid0 needs at least two files")
	}
	if stripeSize == 0 || stripeSize%blockSize != 0 {
		return nil, stackerr.Newf("stripe size %d not a multiple of block size %d", stripeSize, blockSize)
	}
	if fdSize%uint64(stripeSize) != 0 {
		return nil, stackerr.Newf("file size %d not a multiple of stripe size %d", fdSize, stripeSize)
	}
	files := make([]*os.File, 0, len(paths))
	for _, path := range paths {
		f, err := openDeviceFile(path, fdSize)
		if err != nil {
			for _, open := range files {
				open.Close()
			}
			return nil, err
		}
		files = append(files, f)
	}
	size := uint64(len(files)) * fdSize
	l.Infof("raid0 device: %d files x %d bytes, stripe %d", len(files), fdSize, stripeSize)
	b := &raidBackend{files: files, stripeSize: uint64(stripeSize)}
	return newDevice(l, b, size, blockSize, maxWriteSize, enc), nil
}

type raidBackend struct {
	files      []*os.File
	stripeSize uint64
}

func (b *raidBackend) translate(offset uint64) (fileIdx int, fileOffset, stripeLeft uint64) {
	n := uint64(len(b.files))
	stripe := offset / b.stripeSize
	inStripe := offset % b.stripeSize
	fileIdx = int(stripe % n)
	fileOffset = (stripe/n)*b.stripeSize + inStripe
	stripeLeft = b.stripeSize - inStripe
	return
}

func (b *raidBackend) forEachChunk(offset uint64, buf []byte,
	op func(f *os.File, fileOffset uint64, chunk []byte) error) error {
	for len(buf) > 0 {
		fileIdx, fileOffset, stripeLeft := b.translate(offset)
		n := uint64(len(buf))
		if n > stripeLeft {
			n = stripeLeft
		}
		if err := op(b.files[fileIdx], fileOffset, buf[:n]); err != nil {
			return stackerr.Wrap(err)
		}
		offset += n
		buf = buf[n:]
	}
	return nil
}

func (b *raidBackend) readAt(offset uint64, buf []byte) error {
	return b.forEachChunk(offset, buf, func(f *os.File, fileOffset uint64, chunk []byte) error {
		_, err := f.ReadAt(chunk, int64(fileOffset))
		return err
	})
}

func (b *raidBackend) writeAt(offset uint64, buf []byte) error {
	return b.forEachChunk(offset, buf, func(f *os.File, fileOffset uint64, chunk []byte) error {
		_, err := f.WriteAt(chunk, int64(fileOffset))
		return err
	})
}

func (b *raidBackend) flush() error {
	var err error
	for _, f := range b.files {
		err = multierr.Append(err, stackerr.Wrap(f.Sync()))
	}
	return err
}

func (b *raidBackend) close() error {
	err := b.flush()
	for _, f := range b.files {
		err = multierr.Append(err, stackerr.Wrap(f.Close()))
	}
	return err
}
