// Package store provides the interface a protocol layer uses to read and write
// key-value data, together with unified error handling.
//
// The package focuses on:
//   - A unified interface (IStore) for the lookup, upsert and delete operations
//   - A structured error type carrying a RetCode
//
// Key Components:
//
//   - IStore Interface: The core abstraction defining the operations workers perform
//     while serving a connection. Implementations must be safe for concurrent use,
//     since every worker of the pool calls the store directly.
//
//   - Error System: A structured error reporting mechanism using typed error codes
//     and descriptive messages. Callers can branch on the code (for example
//     RetCCapacity when the underlying hash table cannot grow) instead of parsing
//     error strings.
//
//   - Info: Diagnostics about the store (entry count, shard distribution, chain
//     lengths and value size estimates).
//
// Implementations:
//
//	- Local Store (lstore): A sharded in-memory store. Each shard is a
//	  hashtable.Table guarded by its own read-write lock, so lookups on different
//	  shards never contend and lookups on the same shard run in parallel.
//	  Available in the "github.com/ValentinKolb/memdb/lib/store/lstore" package.
//
// A conformance suite for any IStore implementation lives in
// "github.com/ValentinKolb/memdb/lib/store/testing".
package store
