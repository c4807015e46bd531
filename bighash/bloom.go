package bighash

import (
	"math/bits"

	"github.com/cespare/xxhash/v2"
)

const bloomHashPrime = 0x9e3779b97f4a7c15

// bloomFilter holds one fixed-size bit array per bucket. Probes use double
// hashing over xxhash. Mutations happen under the owning bucket's lock;
// bucket segments are whole 64-bit words, so distinct buckets never share
// a word.
type bloomFilter struct {
	numHashes      uint32
	bitsPerBucket  uint32
	wordsPerBucket uint32
	words          []uint64
}

func newBloomFilter(numBuckets uint64, numHashes, bitSize uint32) *bloomFilter {
	if numHashes == 0 || bitSize == 0 || bitSize%64 != 0 {
		panic("bloom filter needs hashes and a word-multiple bit size")
	}
	wordsPerBucket := bitSize / 64
	return &bloomFilter{
		numHashes:      numHashes,
		bitsPerBucket:  bitSize,
		wordsPerBucket: wordsPerBucket,
		words:          make([]uint64, numBuckets*uint64(wordsPerBucket)),
	}
}

func bloomProbes(key []byte) (h1, h2 uint64) {
	h1 = xxhash.Sum64(key)
	h2 = bits.RotateLeft64(h1, 31) * bloomHashPrime
	return
}

func (f *bloomFilter) bucketWords(bucket uint64) []uint64 {
	start := bucket * uint64(f.wordsPerBucket)
	return f.words[start : start+uint64(f.wordsPerBucket)]
}

func (f *bloomFilter) add(bucket uint64, key []byte) {
	words := f.bucketWords(bucket)
	h1, h2 := bloomProbes(key)
	for i := uint32(0); i < f.numHashes; i++ {
		bit := (h1 + uint64(i)*h2) % uint64(f.bitsPerBucket)
		words[bit/64] |= 1 << (bit % 64)
	}
}

func (f *bloomFilter) mayContain(bucket uint64, key []byte) bool {
	words := f.bucketWords(bucket)
	h1, h2 := bloomProbes(key)
	for i := uint32(0); i < f.numHashes; i++ {
		bit := (h1 + uint64(i)*h2) % uint64(f.bitsPerBucket)
		if words[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// reset clears the bucket's bits before a rebuild from surviving keys.
func (f *bloomFilter) reset(bucket uint64) {
	words := f.bucketWords(bucket)
	for i := range words {
		words[i] = 0
	}
}
