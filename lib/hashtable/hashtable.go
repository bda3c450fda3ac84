package hashtable

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/memdb/lib/util"
)

// --------------------------------------------------------------------------
// Constants and Errors
// --------------------------------------------------------------------------

const (
	// initialBuckets is the bucket count of a freshly created table
	initialBuckets = 2
	// growthNumerator / growthDenominator is the factor the bucket array grows by
	growthNumerator   = 3
	growthDenominator = 2
)

var (
	// ErrCapacity is returned when the bucket array would have to grow beyond the
	// configured maximum. The table is left unchanged.
	ErrCapacity = errors.New("hashtable: bucket capacity exhausted")
	// ErrInvalidBucketCount is returned by Rehash for bucket counts that would break
	// the load factor invariant.
	ErrInvalidBucketCount = errors.New("hashtable: invalid bucket count")
)

// --------------------------------------------------------------------------
// Entry
// --------------------------------------------------------------------------

// Entry is a single key/value pair in a bucket chain.
type Entry[K, V any] struct {
	key   K
	value V
	next  *Entry[K, V]
}

// Key returns the key of the entry.
func (e *Entry[K, V]) Key() K { return e.key }

// Value returns the value of the entry.
func (e *Entry[K, V]) Value() V { return e.value }

// --------------------------------------------------------------------------
// Table
// --------------------------------------------------------------------------

// Table is a separately chained hash table. See the package documentation for the
// invariants it maintains.
//
// Thread-safety: Table is not thread-safe.
type Table[K, V any] struct {
	caps    Capabilities[K]
	buckets []*Entry[K, V]
	count   int

	// optional hooks, resolved once at construction
	dupKey     KeyDuplicator[K]
	dupValue   ValueDuplicator[V]
	releaseKey KeyReleaser[K]
	releaseVal ValueReleaser[V]

	maxBuckets int
}

// Option configures a Table.
type Option func(*options)

type options struct {
	maxBuckets int
}

// WithMaxBuckets limits the size of the bucket array. An insert that would need a
// larger array fails with ErrCapacity. Zero or a negative value means unlimited.
func WithMaxBuckets(n int) Option {
	return func(o *options) {
		o.maxBuckets = n
	}
}

// New creates a table with two buckets and no entries. The optional duplicate and
// release hooks are looked up on caps (see KeyDuplicator, ValueDuplicator,
// KeyReleaser and ValueReleaser).
func New[K, V any](caps Capabilities[K], opts ...Option) *Table[K, V] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	t := &Table[K, V]{
		caps:       caps,
		buckets:    make([]*Entry[K, V], initialBuckets),
		maxBuckets: o.maxBuckets,
	}

	// resolve the optional capabilities
	var c any = caps
	t.dupKey, _ = c.(KeyDuplicator[K])
	t.dupValue, _ = c.(ValueDuplicator[V])
	t.releaseKey, _ = c.(KeyReleaser[K])
	t.releaseVal, _ = c.(ValueReleaser[V])

	return t
}

// Len returns the number of entries in the table.
func (t *Table[K, V]) Len() int {
	return t.count
}

// Buckets returns the current size of the bucket array.
func (t *Table[K, V]) Buckets() int {
	return len(t.buckets)
}

// index returns the bucket index of key for a bucket array of size n
func (t *Table[K, V]) index(key K, n int) int {
	return int(uint64(t.caps.Hash(key)) % uint64(n))
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

// Insert inserts or replaces the value for key.
//
// If an equal key is already present, its value is released and replaced; the stored
// key is kept and not duplicated again. Otherwise the entry count grows by one and,
// if it would reach the bucket count, the table is rehashed to 3/2 of its size before
// the new entry is appended to the tail of its chain.
//
// The only possible error is ErrCapacity, in which case the table is unchanged.
func (t *Table[K, V]) Insert(key K, value V) error {
	idx := t.index(key, len(t.buckets))

	// case update: the key is already present
	for e := t.buckets[idx]; e != nil; e = e.next {
		if t.caps.Equal(e.key, key) {
			if t.releaseVal != nil {
				t.releaseVal.ReleaseValue(e.value)
			}
			e.value = t.duplicateValue(value)
			return nil
		}
	}

	// case insert: restore the load factor bound before linking
	if t.count+1 >= len(t.buckets) {
		if err := t.Rehash(grow(len(t.buckets))); err != nil {
			return err
		}
		idx = t.index(key, len(t.buckets))
	}

	entry := &Entry[K, V]{
		key:   t.duplicateKey(key),
		value: t.duplicateValue(value),
	}
	t.appendTo(idx, entry)
	t.count++

	return nil
}

// Remove deletes the entry for key and reports whether it was present.
// The key and value are handed to the release hooks before the entry is unlinked.
func (t *Table[K, V]) Remove(key K) bool {
	idx := t.index(key, len(t.buckets))

	var prev *Entry[K, V]
	for e := t.buckets[idx]; e != nil; prev, e = e, e.next {
		if !t.caps.Equal(e.key, key) {
			continue
		}

		t.release(e)

		if prev == nil {
			t.buckets[idx] = e.next
		} else {
			prev.next = e.next
		}
		e.next = nil
		t.count--
		return true
	}

	return false
}

// Rehash rebuilds the table with n buckets and relinks every entry by its hash.
// The relative order of entries within a bucket is not preserved.
//
// n must be larger than the current entry count, otherwise ErrInvalidBucketCount is
// returned. ErrCapacity is returned if n exceeds the configured maximum. On error
// the table is unchanged.
func (t *Table[K, V]) Rehash(n int) error {
	if n <= 0 || n <= t.count {
		return fmt.Errorf("%w: %d (entries: %d)", ErrInvalidBucketCount, n, t.count)
	}
	if t.maxBuckets > 0 && n > t.maxBuckets {
		return fmt.Errorf("%w: need %d buckets, limit is %d", ErrCapacity, n, t.maxBuckets)
	}

	buckets := make([]*Entry[K, V], n)
	for _, head := range t.buckets {
		for e := head; e != nil; {
			next := e.next
			idx := t.index(e.key, n)

			// push front, order within a bucket is unspecified
			e.next = buckets[idx]
			buckets[idx] = e

			e = next
		}
	}
	t.buckets = buckets

	return nil
}

// grow returns the bucket count following n. The result is always larger than n,
// also for tables shrunk to a single bucket with Rehash.
func grow(n int) int {
	return max(n*growthNumerator/growthDenominator, n+1)
}

// Close releases every entry through the release hooks and resets the table to its
// initial state. The table can be reused afterward.
func (t *Table[K, V]) Close() {
	for i, head := range t.buckets {
		for e := head; e != nil; {
			next := e.next
			t.release(e)
			e.next = nil
			e = next
		}
		t.buckets[i] = nil
	}
	t.buckets = make([]*Entry[K, V], initialBuckets)
	t.count = 0
}

// --------------------------------------------------------------------------
// Read Operations
// --------------------------------------------------------------------------

// Lookup returns the entry for key or nil if the key is absent.
// The returned entry must not be used after the key was removed.
func (t *Table[K, V]) Lookup(key K) *Entry[K, V] {
	idx := t.index(key, len(t.buckets))
	for e := t.buckets[idx]; e != nil; e = e.next {
		if t.caps.Equal(e.key, key) {
			return e
		}
	}
	return nil
}

// Get returns the value for key. The boolean indicates whether the key was found.
func (t *Table[K, V]) Get(key K) (V, bool) {
	if e := t.Lookup(key); e != nil {
		return e.value, true
	}
	var zero V
	return zero, false
}

// Range calls fn for every entry until fn returns false.
// The table must not be modified while Range is running.
func (t *Table[K, V]) Range(fn func(key K, value V) bool) {
	for _, head := range t.buckets {
		for e := head; e != nil; e = e.next {
			if !fn(e.key, e.value) {
				return
			}
		}
	}
}

// --------------------------------------------------------------------------
// Statistics
// --------------------------------------------------------------------------

// Stats describes the shape of a table.
type Stats struct {
	Entries      int                    `json:"entries"`
	Buckets      int                    `json:"buckets"`
	EmptyBuckets int                    `json:"empty_buckets"`
	LongestChain int                    `json:"longest_chain"`
	LoadFactor   float64                `json:"load_factor"`
	Chains       util.DistributionStats `json:"chains"`
}

// Stats walks every bucket and returns the chain length distribution.
// This is O(n) and meant for diagnostics.
func (t *Table[K, V]) Stats() Stats {
	lengths := make([]float64, len(t.buckets))
	stats := Stats{
		Entries:    t.count,
		Buckets:    len(t.buckets),
		LoadFactor: float64(t.count) / float64(len(t.buckets)),
	}

	for i, head := range t.buckets {
		n := 0
		for e := head; e != nil; e = e.next {
			n++
		}
		if n == 0 {
			stats.EmptyBuckets++
		}
		if n > stats.LongestChain {
			stats.LongestChain = n
		}
		lengths[i] = float64(n)
	}
	stats.Chains = util.NewDistributionStats(lengths)

	return stats
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// appendTo links entry at the tail of bucket idx
func (t *Table[K, V]) appendTo(idx int, entry *Entry[K, V]) {
	if t.buckets[idx] == nil {
		t.buckets[idx] = entry
		return
	}
	tail := t.buckets[idx]
	for tail.next != nil {
		tail = tail.next
	}
	tail.next = entry
}

func (t *Table[K, V]) duplicateKey(key K) K {
	if t.dupKey != nil {
		return t.dupKey.DuplicateKey(key)
	}
	return key
}

func (t *Table[K, V]) duplicateValue(value V) V {
	if t.dupValue != nil {
		return t.dupValue.DuplicateValue(value)
	}
	return value
}

// release hands the key and value of e to the release hooks
func (t *Table[K, V]) release(e *Entry[K, V]) {
	if t.releaseKey != nil {
		t.releaseKey.ReleaseKey(e.key)
	}
	if t.releaseVal != nil {
		t.releaseVal.ReleaseValue(e.value)
	}
}
