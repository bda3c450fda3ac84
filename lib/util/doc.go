// Package util provides small building blocks shared by the memdb packages.
//
// The package contains:
//   - statistics: Summary and distribution statistics plus a SizeHistogram for tracking value sizes
//   - mpsc: A lock-free Multi-Producer Single-Consumer (MPSC) queue that is drained explicitly
//     by its consumer
//
// This package is particularly useful for:
//   - Diagnostics of hash tables and sharded stores (chain length and shard size distribution)
//   - Handing requests from many goroutines to a single event loop goroutine without locks
package util
