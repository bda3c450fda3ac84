// Package lstore implements a local, in-memory, single-node key-value store based on the
// store.IStore interface. Data is stored entirely in memory and is not persisted
// between process restarts.
//
// Key Features:
//   - Pure in-memory storage without persistence
//   - Sharding over hashtable.Table instances, one read-write lock per shard
//   - Values are copied on write and on read, callers never share memory with the store
//   - Typed errors (store.RetCCapacity) when a shard cannot grow any further
//
// Implementation Details:
//
//   - Shard Selection: A key is mapped to its shard with Murmur32 using a per-store
//     random seed (fixed with WithSeed in tests). The tables inside the shards use a
//     seed derived from it, so the keys of one shard still spread over all of its
//     buckets.
//
//   - Locking: Lookup takes the shard's read lock, Upsert and Delete take the write
//     lock. A rehash triggered by an Upsert runs under the write lock of a single
//     shard and never blocks the others.
//
//   - Statistics: Stats samples up to 100 values per shard into a SizeHistogram and
//     reports the shard size distribution along with a size estimate.
//
// Thread Safety:
//
//	All operations in the local store are thread-safe.
//
// Usage Example:
//
//	kv := lstore.NewLocalStore(lstore.WithShards(16))
//	defer kv.Close()
//
//	// Store a value
//	err := kv.Upsert("session:123", sessionData)
//
//	// Retrieve the value
//	value, exists, err := kv.Lookup("session:123")
package lstore
