// Package testing provides standardised tests and benchmarks for
// store implementations that satisfy the store.IStore interface.
//
// The package contains:
//   - store_testing: A test suite for validating conformance to the IStore interface contract
//   - store_benchmarks: Performance tests for the lookup, upsert and delete operations
//
// Example usage:
//
//	// Creating a factory function for your implementation
//	factory := func() store.IStore {
//		return NewMyStore()
//	}
//
//	// Running the standard test suite
//	testing.RunStoreTests(t, "MyStore", factory)
//
//	// Running performance benchmarks
//	testing.RunStoreBenchmarks(b, "MyStore", factory)
package testing
