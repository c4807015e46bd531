package bighash

import (
	"encoding/binary"

	"github.com/facebookgo/stackerr"
)

// Bucket wire format, FIFO oldest first:
//
//	[numEntries u32] then per entry [keyLen u32][valLen u32][key][value]
//
// Buckets are always read and written whole.
const (
	bucketHeaderSize = 4
	entryHeaderSize  = 8
)

type entry struct {
	key   []byte
	value []byte
}

func (e entry) wireSize() uint32 {
	return entryHeaderSize + uint32(len(e.key)) + uint32(len(e.value))
}

type bucket struct {
	entries []entry
}

func (b *bucket) wireSize() uint32 {
	size := uint32(bucketHeaderSize)
	for _, e := range b.entries {
		size += e.wireSize()
	}
	return size
}

// find returns the entry index of key, or -1.
func (b *bucket) find(key []byte) int {
	for i, e := range b.entries {
		if string(e.key) == string(key) { // No allocation.
			return i
		}
	}
	return -1
}

func (b *bucket) remove(i int) entry {
	e := b.entries[i]
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	return e
}

// popOldest evicts the FIFO head.
func (b *bucket) popOldest() entry {
	return b.remove(0)
}

func (b *bucket) append(key, value []byte) {
	b.entries = append(b.entries, entry{key: key, value: value})
}

func serializeBucket(b *bucket, buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint32(buf, uint32(len(b.entries)))
	off := bucketHeaderSize
	for _, e := range b.entries {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.key)))
		binary.LittleEndian.PutUint32(buf[off+4:], uint32(len(e.value)))
		off += entryHeaderSize
		off += copy(buf[off:], e.key)
		off += copy(buf[off:], e.value)
	}
}

func deserializeBucket(buf []byte) (*bucket, error) {
	b := &bucket{}
	if len(buf) < bucketHeaderSize {
		return nil, stackerr.New("bucket too short")
	}
	n := binary.LittleEndian.Uint32(buf)
	off := uint32(bucketHeaderSize)
	for i := uint32(0); i < n; i++ {
		if uint32(len(buf)) < off+entryHeaderSize {
			return nil, stackerr.Newf("bucket entry %d header out of bounds", i)
		}
		keyLen := binary.LittleEndian.Uint32(buf[off:])
		valLen := binary.LittleEndian.Uint32(buf[off+4:])
		off += entryHeaderSize
		if uint32(len(buf)) < off+keyLen+valLen {
			return nil, stackerr.Newf("bucket entry %d data out of bounds", i)
		}
		key := make([]byte, keyLen)
		copy(key, buf[off:])
		off += keyLen
		value := make([]byte, valLen)
		copy(value, buf[off:])
		off += valLen
		b.entries = append(b.entries, entry{key: key, value: value})
	}
	return b, nil
}
