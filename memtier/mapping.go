package memtier

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/facebookgo/stackerr"
	"golang.org/x/sys/unix"

	"github.com/igchor/Cachelib/log"
)

// Mapping is one tier's mapped arena.
type Mapping struct {
	Data    []byte
	backing Backing
	unmap   func() error
}

// Close unmaps the arena. Persisted compressed pointers inside file and dax
// arenas stay valid for the next mapping of the same layout.
func (m *Mapping) Close() error {
	if m.unmap == nil {
		return nil
	}
	unmap := m.unmap
	m.unmap = nil
	m.Data = nil
	return unmap()
}

// Map materializes the tier arena described by b. The ordinal and cacheDir
// name shm segments so restarts find the same segment.
func (b Backing) Map(l log.Logger, size uint64, cacheDir string, ordinal int) (*Mapping, error) {
	switch b.Kind {
	case BackingDram:
		return b.mapAnonymous(l, size)
	case BackingFile:
		return b.mapFile(size, true)
	case BackingShm:
		return b.mapShm(size, cacheDir, ordinal)
	case BackingDax:
		return b.mapFile(size, false)
	}
	return nil, stackerr.Newf("unknown backing kind %v", b.Kind)
}

func (b Backing) mapAnonymous(l log.Logger, size uint64) (*Mapping, error) {
	data, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	if b.NumaNode >= 0 {
		// Binding needs mbind(2), which has no wrapper here. The kernel's
		// first-touch policy places pages on the allocating node anyway.
		l.Warnf("numa node hint %d not enforced", b.NumaNode)
	}
	return &Mapping{Data: data, backing: b, unmap: func() error {
		return stackerr.Wrap(unix.Munmap(data))
	}}, nil
}

// mapFile maps a regular file (grown to size) or a dax node (used as-is).
func (b Backing) mapFile(size uint64, truncate bool) (*Mapping, error) {
	flags := os.O_RDWR
	if truncate {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(b.Path, flags, 0o644)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	defer f.Close()
	if truncate {
		if err := f.Truncate(int64(size)); err != nil {
			return nil, stackerr.Wrap(err)
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	return &Mapping{Data: data, backing: b, unmap: func() error {
		return stackerr.Wrap(unix.Munmap(data))
	}}, nil
}

func (b Backing) mapShm(size uint64, cacheDir string, ordinal int) (*Mapping, error) {
	if b.PosixShm {
		name := shmSegmentName(cacheDir, ordinal)
		shm := b
		shm.Path = filepath.Join("/dev/shm", name)
		return shm.mapFile(size, true)
	}
	return mapSysvShm(size, cacheDir, ordinal)
}

func mapSysvShm(size uint64, cacheDir string, ordinal int) (*Mapping, error) {
	key := int(xxhash.Sum64String(fmt.Sprintf("%s#%d", cacheDir, ordinal)) & 0x7fffffff)
	id, err := unix.SysvShmGet(key, int(size), unix.IPC_CREAT|0o600)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	data, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	return &Mapping{Data: data[:size], unmap: func() error {
		return stackerr.Wrap(unix.SysvShmDetach(data))
	}}, nil
}

func shmSegmentName(cacheDir string, ordinal int) string {
	return fmt.Sprintf("cachelib_%016x_tier%d", xxhash.Sum64String(cacheDir), ordinal)
}
