package device

import (
	"sync"

	"github.com/igchor/Cachelib/log"
)

// NewMemoryDevice returns a byte-slice backed device for tests and
// benchmarks.
func NewMemoryDevice(l log.Logger, size uint64, blockSize uint32) Device {
	return newDevice(l, &memoryBackend{data: make([]byte, size)}, size, blockSize, 0, nil)
}

type memoryBackend struct {
	mu   sync.RWMutex
	data []byte
}

func (b *memoryBackend) readAt(offset uint64, buf []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	copy(buf, b.data[offset:])
	return nil
}

func (b *memoryBackend) writeAt(offset uint64, buf []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.data[offset:], buf)
	return nil
}

func (b *memoryBackend) flush() error { return nil }
func (b *memoryBackend) close() error { return nil }
