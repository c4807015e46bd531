package device

import (
	"os"

	"github.com/facebookgo/stackerr"

	"github.com/igchor/Cachelib/log"
)

// NewFileDevice opens (creating if needed) a single-file device of the
// given size.
func NewFileDevice(l log.Logger, path string, size uint64, blockSize, maxWriteSize uint32, enc Encryptor) (Device, error) {
	f, err := openDeviceFile(path, size)
	if err != nil {
		return nil, err
	}
	l.Infof("file device %s: %d bytes, block %d", path, size, blockSize)
	return newDevice(l, &fileBackend{file: f}, size, blockSize, maxWriteSize, enc), nil
}

func openDeviceFile(path string, size uint64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, stackerr.Wrap(err)
	}
	// Regular files are grown to size; block and dax nodes are used as-is.
	if stat.Mode().IsRegular() && uint64(stat.Size()) < size {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, stackerr.Wrap(err)
		}
	}
	return f, nil
}

type fileBackend struct {
	file *os.File
}

func (b *fileBackend) readAt(offset uint64, buf []byte) error {
	_, err := b.file.ReadAt(buf, int64(offset))
	return stackerr.Wrap(err)
}

func (b *fileBackend) writeAt(offset uint64, buf []byte) error {
	_, err := b.file.WriteAt(buf, int64(offset))
	return stackerr.Wrap(err)
}

func (b *fileBackend) flush() error {
	return stackerr.Wrap(b.file.Sync())
}

func (b *fileBackend) close() error {
	err := b.file.Sync()
	if cerr := b.file.Close(); err == nil {
		err = cerr
	}
	return stackerr.Wrap(err)
}
