package lsm

import (
	"encoding/binary"
	"hash/fnv"
	"math"
)

// BloomFilter is a probabilistic "possibly contains key" prefilter for an
// SSTable: false positives are possible, false negatives are not. Sized per
// spec §4.2 for a 1% false-positive rate (~9.6 bits/key, 7 hashes at typical
// item counts).
type BloomFilter struct {
	bits      []byte
	bitCount  int
	hashCount int
}

// NewBloomFilter sizes a filter for expectedItems keys at the given false
// positive rate (use 0.01 for the spec default).
func NewBloomFilter(expectedItems int, falsePositiveRate float64) *BloomFilter {
	if expectedItems <= 0 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	bitCount := int(math.Ceil(-float64(expectedItems) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if bitCount < 8 {
		bitCount = 8
	}
	hashCount := int(math.Round((float64(bitCount) / float64(expectedItems)) * math.Ln2))
	if hashCount < 1 {
		hashCount = 1
	}
	if hashCount > 30 {
		hashCount = 30
	}

	return &BloomFilter{
		bits:      make([]byte, (bitCount+7)/8),
		bitCount:  bitCount,
		hashCount: hashCount,
	}
}

// Add records key as a member of the set.
func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := bf.seedHashes(key)
	for i := 0; i < bf.hashCount; i++ {
		bit := bf.bitIndex(h1, h2, i)
		bf.bits[bit/8] |= 1 << (bit % 8)
	}
}

// MightContain reports whether key is possibly in the set. A false return
// means the key is definitely absent.
func (bf *BloomFilter) MightContain(key []byte) bool {
	h1, h2 := bf.seedHashes(key)
	for i := 0; i < bf.hashCount; i++ {
		bit := bf.bitIndex(h1, h2, i)
		if bf.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// bitIndex implements Kirsch-Mitzenmacher double hashing:
// hash(key, i) = (h1 + i*h2) mod bitCount.
func (bf *BloomFilter) bitIndex(h1, h2 uint64, i int) int {
	combined := h1 + uint64(i)*h2
	return int(combined % uint64(bf.bitCount))
}

func (bf *BloomFilter) seedHashes(key []byte) (uint64, uint64) {
	h1 := fnv.New64a()
	h1.Write(key)
	sum1 := h1.Sum64()

	h2 := fnv.New64a()
	h2.Write(key)
	h2.Write([]byte{0xff})
	sum2 := h2.Sum64()
	if sum2%2 == 0 {
		sum2++
	}
	return sum1, sum2
}

// MarshalBinary serializes bit_count, hash_count and the packed bit array,
// matching the bloom_block layout in spec §6.
func (bf *BloomFilter) MarshalBinary() []byte {
	buf := make([]byte, 0, 20+len(bf.bits))
	buf = binary.AppendUvarint(buf, uint64(bf.bitCount))
	buf = binary.AppendUvarint(buf, uint64(bf.hashCount))
	buf = append(buf, bf.bits...)
	return buf
}

// UnmarshalBloomFilter reads back a filter written by MarshalBinary,
// returning the number of bytes consumed.
func UnmarshalBloomFilter(data []byte) (*BloomFilter, int, error) {
	bitCount, n1 := binary.Uvarint(data)
	if n1 <= 0 {
		return nil, 0, ErrCorrupted
	}
	hashCount, n2 := binary.Uvarint(data[n1:])
	if n2 <= 0 {
		return nil, 0, ErrCorrupted
	}
	byteLen := int((bitCount + 7) / 8)
	offset := n1 + n2
	if offset+byteLen > len(data) {
		return nil, 0, ErrCorrupted
	}
	bits := make([]byte, byteLen)
	copy(bits, data[offset:offset+byteLen])

	return &BloomFilter{
		bits:      bits,
		bitCount:  int(bitCount),
		hashCount: int(hashCount),
	}, offset + byteLen, nil
}
