package hashtable

import (
	"encoding/binary"
	"math/bits"
)

// MurmurHash3 x86_32 constants
const (
	murmurC1 = 0xcc9e2d51
	murmurC2 = 0x1b873593
	murmurC3 = 0xe6546b64
	murmurC4 = 0x85ebca6b
	murmurC5 = 0xc2b2ae35
)

// Murmur32 computes the 32-bit MurmurHash3 (x86 variant) of data with the given seed.
// Blocks are read little-endian regardless of the host byte order, so the result is
// identical on every platform.
func Murmur32(data []byte, seed uint32) uint32 {
	hash := seed
	length := len(data)
	blockLen := length >> 2

	// body: 4 byte blocks
	for i := 0; i < blockLen; i++ {
		block := binary.LittleEndian.Uint32(data[i<<2:])

		block = RotL32(block*murmurC1, 15) * murmurC2
		hash = RotL32(hash^block, 13)*5 + murmurC3
	}

	// tail: remaining 0-3 bytes
	tail := data[blockLen<<2:]
	var tailBlock uint32

	switch length & 3 {
	case 3:
		tailBlock ^= uint32(tail[2]) << 16
		fallthrough
	case 2:
		tailBlock ^= uint32(tail[1]) << 8
		fallthrough
	case 1:
		tailBlock ^= uint32(tail[0])
		tailBlock = RotL32(tailBlock*murmurC1, 15) * murmurC2
		hash ^= tailBlock
	}

	// finalization: fold in the length, then avalanche
	hash ^= uint32(length)

	hash ^= hash >> 16
	hash *= murmurC4
	hash ^= hash >> 13
	hash *= murmurC5
	hash ^= hash >> 16

	return hash
}

// MurmurString is Murmur32 for strings.
func MurmurString(s string, seed uint32) uint32 {
	return Murmur32([]byte(s), seed)
}

// RotL32 rotates x left by n bits.
func RotL32(x uint32, n int) uint32 {
	return bits.RotateLeft32(x, n)
}
