// Package hashtable provides the generic chained hash table used as the data store
// of memdb, together with the hash function and diagnostic encoders it relies on.
//
// The package focuses on:
//   - A generic, separately chained hash table (Table) parameterized by a capability set
//   - A bit-exact MurmurHash3 (x86, 32-bit) implementation
//   - Binary and hexadecimal renderers for arbitrary byte buffers (diagnostics and tests)
//
// Key Components:
//
//   - Table: A hash table with a resizable array of bucket chains. It starts with two
//     buckets and keeps the load factor strictly below 1.0 by growing the bucket array
//     by a factor of 3/2 before an insert that would reach it is committed. Growth is
//     all-or-nothing: a failed rehash leaves the table exactly as it was.
//
//   - Capabilities: The only polymorphism of the table. All type-specific behavior
//     (hashing, key equality, optional key/value duplication and release) is injected
//     through a capability value, never through table-internal branching. The optional
//     hooks are discovered through the KeyDuplicator, ValueDuplicator, KeyReleaser and
//     ValueReleaser interfaces. Without duplicators the table aliases the caller's
//     memory and the caller stays the owner.
//
//   - Murmur32: MurmurHash3 x86_32 over an arbitrary byte sequence and seed. The
//     implementation reproduces the reference algorithm bit for bit.
//
//   - Bin / Hex: Render a byte buffer as MSB-first '0'/'1' characters or as lowercase
//     hex digits (high nibble first).
//
// Thread-safety:
//
//	Table has no internal synchronization. Callers that share a table between
//	goroutines must guard it themselves (see the lstore package, which wraps each
//	table shard in a sync.RWMutex).
//
// Usage Example:
//
//	t := hashtable.New[string, []byte](hashtable.NewStringCaps(0))
//	defer t.Close()
//
//	if err := t.Insert("user:1", []byte("alice")); err != nil {
//	  // the table refused to grow (see WithMaxBuckets)
//	}
//
//	value, ok := t.Get("user:1")
//	removed := t.Remove("user:1")
package hashtable
