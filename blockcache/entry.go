package blockcache

import (
	"encoding/binary"
	"errors"

	"github.com/cespare/xxhash/v2"
)

// ErrChecksumMismatch reports on-device corruption of an entry. The caller
// treats it as a miss and drops the index entry.
var ErrChecksumMismatch = errors.New("blockcache: entry checksum mismatch")

// Entry slot layout, padded to a block multiple:
//
//	[keyLen u32][valLen u32][checksum u64][key][value]
//
// The checksum covers key and value and is zero when checksumming is off.
const entryHeaderSize = 16

func entryWireSize(keyLen, valLen int) uint32 {
	return entryHeaderSize + uint32(keyLen) + uint32(valLen)
}

func entryChecksum(key, value []byte) uint64 {
	d := xxhash.New()
	d.Write(key)
	d.Write(value)
	return d.Sum64()
}

func serializeEntry(key, value []byte, withChecksum bool, buf []byte) {
	binary.LittleEndian.PutUint32(buf, uint32(len(key)))
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(value)))
	var sum uint64
	if withChecksum {
		sum = entryChecksum(key, value)
	}
	binary.LittleEndian.PutUint64(buf[8:], sum)
	off := entryHeaderSize
	off += copy(buf[off:], key)
	copy(buf[off:], value)
}

func deserializeEntry(buf []byte, verifyChecksum bool) (key, value []byte, err error) {
	if len(buf) < entryHeaderSize {
		return nil, nil, errors.New("blockcache: entry slot too short")
	}
	keyLen := binary.LittleEndian.Uint32(buf)
	valLen := binary.LittleEndian.Uint32(buf[4:])
	sum := binary.LittleEndian.Uint64(buf[8:])
	if uint64(len(buf)) < uint64(entryHeaderSize)+uint64(keyLen)+uint64(valLen) {
		return nil, nil, errors.New("blockcache: entry data out of bounds")
	}
	key = make([]byte, keyLen)
	copy(key, buf[entryHeaderSize:])
	value = make([]byte, valLen)
	copy(value, buf[entryHeaderSize+keyLen:])
	if verifyChecksum && sum != entryChecksum(key, value) {
		return nil, nil, ErrChecksumMismatch
	}
	return key, value, nil
}
