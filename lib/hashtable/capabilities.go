package hashtable

import (
	"bytes"
)

// --------------------------------------------------------------------------
// Capability Interfaces
// --------------------------------------------------------------------------

// Capabilities is the capability set that parameterizes a Table for a key type.
// Hash must be deterministic and Equal must be consistent with it: keys that are
// equal must hash to the same value.
type Capabilities[K any] interface {
	// Hash returns the 32-bit hash of the key.
	Hash(key K) uint32
	// Equal reports whether two keys are equal.
	Equal(a, b K) bool
}

// KeyDuplicator is an optional capability. If present, the table stores a duplicate of
// every newly inserted key instead of aliasing the caller's key.
type KeyDuplicator[K any] interface {
	DuplicateKey(key K) K
}

// ValueDuplicator is an optional capability. If present, the table stores a duplicate of
// every inserted value instead of aliasing the caller's value.
type ValueDuplicator[V any] interface {
	DuplicateValue(value V) V
}

// KeyReleaser is an optional capability invoked when an entry is destroyed.
type KeyReleaser[K any] interface {
	ReleaseKey(key K)
}

// ValueReleaser is an optional capability invoked before a value is overwritten and
// when an entry is destroyed.
type ValueReleaser[V any] interface {
	ReleaseValue(value V)
}

// --------------------------------------------------------------------------
// Ready-made capability sets
// --------------------------------------------------------------------------

// BytesCaps is the capability set for []byte keys. Keys are hashed with Murmur32,
// compared with bytes.Equal and duplicated on insert, so callers may reuse their
// buffers after Insert returns.
type BytesCaps struct {
	Seed uint32
}

// NewBytesCaps creates the []byte capability set with the given hash seed.
func NewBytesCaps(seed uint32) BytesCaps {
	return BytesCaps{Seed: seed}
}

func (c BytesCaps) Hash(key []byte) uint32 {
	return Murmur32(key, c.Seed)
}

func (c BytesCaps) Equal(a, b []byte) bool {
	return bytes.Equal(a, b)
}

func (c BytesCaps) DuplicateKey(key []byte) []byte {
	dup := make([]byte, len(key))
	copy(dup, key)
	return dup
}

// StringCaps is the capability set for string keys. Strings are immutable, so no
// duplication hook is needed.
type StringCaps struct {
	Seed uint32
}

// NewStringCaps creates the string capability set with the given hash seed.
func NewStringCaps(seed uint32) StringCaps {
	return StringCaps{Seed: seed}
}

func (c StringCaps) Hash(key string) uint32 {
	return MurmurString(key, c.Seed)
}

func (c StringCaps) Equal(a, b string) bool {
	return a == b
}
