package testing

import (
	"fmt"
	"github.com/ValentinKolb/memdb/lib/store"
	"sync/atomic"
	"testing"
)

// RunStoreBenchmarks runs all benchmarks for an IStore implementation
func RunStoreBenchmarks(b *testing.B, name string, factory StoreFactory) {
	b.Run(name, func(b *testing.B) {
		b.Run("Upsert", func(b *testing.B) {
			benchmarkUpsert(b, factory())
		})

		b.Run("UpsertExisting", func(b *testing.B) {
			benchmarkUpsertExisting(b, factory())
		})

		b.Run("Lookup", func(b *testing.B) {
			benchmarkLookup(b, factory())
		})

		b.Run("MixedUsage", func(b *testing.B) {
			benchmarkMixedUsage(b, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

// prefill inserts n keys and returns them
func prefill(b *testing.B, kv store.IStore, n int) []string {
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		keys[i] = fmt.Sprintf("bench-key-%d", i)
		if err := kv.Upsert(keys[i], []byte(fmt.Sprintf("bench-value-%d", i))); err != nil {
			b.Fatalf("Upsert failed: %v", err)
		}
	}
	return keys
}

// Benchmark for Upsert of new keys
func benchmarkUpsert(b *testing.B, kv store.IStore) {
	b.Cleanup(func() {
		kv.Close()
	})

	value := []byte("benchmark-value")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = kv.Upsert(fmt.Sprintf("key-%d", i), value)
	}
}

// Benchmark for Upsert of existing keys
func benchmarkUpsertExisting(b *testing.B, kv store.IStore) {
	b.Cleanup(func() {
		kv.Close()
	})

	keys := prefill(b, kv, 1000)
	value := []byte("updated-value")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = kv.Upsert(keys[i%len(keys)], value)
	}
}

// Benchmark for parallel Lookup
func benchmarkLookup(b *testing.B, kv store.IStore) {
	b.Cleanup(func() {
		kv.Close()
	})

	keys := prefill(b, kv, 10_000)
	var counter int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			idx := int(atomic.AddInt64(&counter, 1)-1) % len(keys)
			_, _, _ = kv.Lookup(keys[idx])
		}
	})
}

// Benchmark for mixed usage patterns
func benchmarkMixedUsage(b *testing.B, kv store.IStore) {
	b.Cleanup(func() {
		kv.Close()
	})

	keys := prefill(b, kv, 10_000)
	var counter int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		localCounter := 0
		for pb.Next() {
			idx := int(atomic.AddInt64(&counter, 1)-1) % len(keys)
			key := keys[idx]

			// 0-2: lookup, 3: upsert, 4: delete
			switch localCounter % 5 {
			case 0, 1, 2:
				_, _, _ = kv.Lookup(key)
			case 3:
				_ = kv.Upsert(key, []byte("mixed-value"))
			case 4:
				_, _ = kv.Delete(key)
			}
			localCounter++
		}
	})
}
