package testing

import (
	"bytes"
	"errors"
	"fmt"
	"github.com/ValentinKolb/memdb/lib/store"
	"sync"
	"testing"
)

// StoreFactory is a function that creates a new, empty instance of an IStore implementation
type StoreFactory func() store.IStore

// RunStoreTests runs a comprehensive test suite for an IStore implementation.
func RunStoreTests(t *testing.T, name string, factory StoreFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Upsert&Lookup", func(t *testing.T) {
			testUpsertLookup(t, factory())
		})

		t.Run("Overwrite", func(t *testing.T) {
			testOverwrite(t, factory())
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory())
		})

		t.Run("EdgeCases", func(t *testing.T) {
			testEdgeCases(t, factory())
		})

		t.Run("Growth", func(t *testing.T) {
			testGrowth(t, factory())
		})

		t.Run("Stats", func(t *testing.T) {
			testStats(t, factory())
		})

		t.Run("Close", func(t *testing.T) {
			testClose(t, factory())
		})

		t.Run("RealisticUsage", func(t *testing.T) {
			testRealisticUsage(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// mustLookup fails the test if the lookup returned an error
func mustLookup(t testing.TB, kv store.IStore, key string) ([]byte, bool) {
	t.Helper()
	value, ok, err := kv.Lookup(key)
	if err != nil {
		t.Fatalf("Lookup(%q) failed: %v", key, err)
	}
	return value, ok
}

// mustUpsert fails the test if the upsert returned an error
func mustUpsert(t testing.TB, kv store.IStore, key string, value []byte) {
	t.Helper()
	if err := kv.Upsert(key, value); err != nil {
		t.Fatalf("Upsert(%q) failed: %v", key, err)
	}
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testUpsertLookup(t *testing.T, kv store.IStore) {
	defer kv.Close()

	testKey := "test-key"
	testValue := []byte("test-value")

	mustUpsert(t, kv, testKey, testValue)

	result, exists := mustLookup(t, kv, testKey)
	if !exists {
		t.Errorf("Expected key %s to exist after Upsert", testKey)
	}
	if !bytes.Equal(result, testValue) {
		t.Errorf("Expected value %s, got %s", testValue, result)
	}

	if _, exists = mustLookup(t, kv, "nonexistent-key"); exists {
		t.Errorf("Expected nonexistent key to return exists=false")
	}

	// the store must neither alias the input nor the output buffer
	testValue[0] = 'X'
	result[1] = 'X'

	again, _ := mustLookup(t, kv, testKey)
	if !bytes.Equal(again, []byte("test-value")) {
		t.Errorf("Store shares memory with the caller, got %s", again)
	}
}

func testOverwrite(t *testing.T, kv store.IStore) {
	defer kv.Close()

	mustUpsert(t, kv, "key", []byte("v1"))
	mustUpsert(t, kv, "key", []byte("v2"))

	result, exists := mustLookup(t, kv, "key")
	if !exists || !bytes.Equal(result, []byte("v2")) {
		t.Errorf("Expected v2 after overwrite, got %s (exists=%t)", result, exists)
	}

	info, err := kv.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if info.Entries != 1 {
		t.Errorf("Overwrite must not duplicate the entry, got %d entries", info.Entries)
	}
}

func testDelete(t *testing.T, kv store.IStore) {
	defer kv.Close()

	mustUpsert(t, kv, "key", []byte("value"))

	deleted, err := kv.Delete("key")
	if err != nil || !deleted {
		t.Errorf("Expected Delete to remove the key, got deleted=%t err=%v", deleted, err)
	}

	if _, exists := mustLookup(t, kv, "key"); exists {
		t.Errorf("Key should not exist after Delete")
	}

	deleted, err = kv.Delete("key")
	if err != nil || deleted {
		t.Errorf("Deleting a missing key should report false, got deleted=%t err=%v", deleted, err)
	}

	// re-insert after delete
	mustUpsert(t, kv, "key", []byte("again"))
	if result, exists := mustLookup(t, kv, "key"); !exists || !bytes.Equal(result, []byte("again")) {
		t.Errorf("Re-inserted key not found")
	}
}

func testEdgeCases(t *testing.T, kv store.IStore) {
	defer kv.Close()

	emptyKeyValue := []byte("value for empty key")
	mustUpsert(t, kv, "", emptyKeyValue)

	result, exists := mustLookup(t, kv, "")
	if !exists {
		t.Errorf("Empty key not found after Upsert")
	} else if !bytes.Equal(result, emptyKeyValue) {
		t.Errorf("Value mismatch for empty key")
	}

	mustUpsert(t, kv, "empty-value-key", []byte{})
	result, exists = mustLookup(t, kv, "empty-value-key")
	if !exists {
		t.Errorf("Key for empty value not found after Upsert")
	} else if len(result) != 0 {
		t.Errorf("Empty value resulted in non-empty value: %v", result)
	}

	mustUpsert(t, kv, "nil-value-key", nil)
	result, exists = mustLookup(t, kv, "nil-value-key")
	if !exists {
		t.Errorf("Key for nil value not found after Upsert")
	} else if len(result) != 0 {
		t.Errorf("Nil value resulted in non-empty value: %v", result)
	}

	largeKey := string(make([]byte, 1000))
	mustUpsert(t, kv, largeKey, []byte("value for large key"))
	if _, exists = mustLookup(t, kv, largeKey); !exists {
		t.Errorf("Large key not found after Upsert")
	}

	largeValue := make([]byte, 4*1024*1024)
	for i := range largeValue {
		largeValue[i] = byte(i % 256)
	}
	mustUpsert(t, kv, "large-value-key", largeValue)
	result, exists = mustLookup(t, kv, "large-value-key")
	if !exists {
		t.Errorf("Key for large value not found after Upsert")
	} else if !bytes.Equal(result, largeValue) {
		t.Errorf("Large value mismatch (len %d, expected %d)", len(result), len(largeValue))
	}
}

func testGrowth(t *testing.T, kv store.IStore) {
	defer kv.Close()

	prefix := "growth-test-"
	numKeys := 10_000

	for i := 0; i < numKeys; i++ {
		mustUpsert(t, kv, fmt.Sprintf("%s%d", prefix, i), []byte(fmt.Sprintf("value-%d", i)))
	}

	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("%s%d", prefix, i)
		expectedValue := []byte(fmt.Sprintf("value-%d", i))

		actualValue, exists := mustLookup(t, kv, key)
		if !exists {
			t.Errorf("Key %s not found", key)
			continue
		}
		if !bytes.Equal(actualValue, expectedValue) {
			t.Errorf("Value for key %s does not match: expected %s, got %s", key, expectedValue, actualValue)
		}
	}

	for i := 0; i < numKeys; i += 2 {
		if _, err := kv.Delete(fmt.Sprintf("%s%d", prefix, i)); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
	}

	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("%s%d", prefix, i)
		_, exists := mustLookup(t, kv, key)

		if i%2 == 0 && exists {
			t.Errorf("Key %s should be deleted", key)
		} else if i%2 == 1 && !exists {
			t.Errorf("Key %s should still exist", key)
		}
	}
}

func testStats(t *testing.T, kv store.IStore) {
	defer kv.Close()

	for i := 0; i < 500; i++ {
		mustUpsert(t, kv, fmt.Sprintf("key-%d", i), make([]byte, 10))
	}

	info, err := kv.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if info.Entries != 500 {
		t.Errorf("Expected 500 entries, got %d", info.Entries)
	}
	if info.Buckets <= info.Entries {
		t.Errorf("Bucket count %d must exceed entry count %d", info.Buckets, info.Entries)
	}
	if info.ShardCount < 1 {
		t.Errorf("Expected at least one shard, got %d", info.ShardCount)
	}
	if info.SizeBytes <= 0 {
		t.Errorf("Expected a positive size estimate, got %d", info.SizeBytes)
	}
}

func testClose(t *testing.T, kv store.IStore) {
	mustUpsert(t, kv, "key", []byte("value"))

	if err := kv.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	var storeErr *store.Error
	if err := kv.Upsert("key", []byte("value")); !errors.As(err, &storeErr) || storeErr.Code != store.RetCClosed {
		t.Errorf("Upsert after Close should fail with RetCClosed, got %v", err)
	}
	if _, _, err := kv.Lookup("key"); !errors.As(err, &storeErr) || storeErr.Code != store.RetCClosed {
		t.Errorf("Lookup after Close should fail with RetCClosed, got %v", err)
	}
	if _, err := kv.Delete("key"); !errors.As(err, &storeErr) || storeErr.Code != store.RetCClosed {
		t.Errorf("Delete after Close should fail with RetCClosed, got %v", err)
	}
}

func testRealisticUsage(t *testing.T, kv store.IStore) {
	defer kv.Close()

	numWorkers := 8
	opsPerWorker := 2_000

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	// every worker owns its key range and additionally hammers a set of shared hot keys
	for w := 0; w < numWorkers; w++ {
		go func(workerId int) {
			defer wg.Done()

			for i := 0; i < opsPerWorker; i++ {
				own := fmt.Sprintf("worker-%d-key-%d", workerId, i)
				hot := fmt.Sprintf("hot-key-%d", i%50)

				if err := kv.Upsert(own, []byte(own)); err != nil {
					t.Errorf("Upsert failed: %v", err)
					return
				}
				if err := kv.Upsert(hot, []byte(hot)); err != nil {
					t.Errorf("Upsert failed: %v", err)
					return
				}
				if _, _, err := kv.Lookup(hot); err != nil {
					t.Errorf("Lookup failed: %v", err)
					return
				}
				if i%3 == 0 {
					if _, err := kv.Delete(own); err != nil {
						t.Errorf("Delete failed: %v", err)
						return
					}
				}
			}
		}(w)
	}

	wg.Wait()

	for w := 0; w < numWorkers; w++ {
		for i := 0; i < opsPerWorker; i++ {
			key := fmt.Sprintf("worker-%d-key-%d", w, i)
			value, exists := mustLookup(t, kv, key)

			if i%3 == 0 {
				if exists {
					t.Errorf("Key %s should be deleted", key)
				}
				continue
			}
			if !exists || !bytes.Equal(value, []byte(key)) {
				t.Errorf("Key %s lost or corrupted under concurrency", key)
			}
		}
	}

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("hot-key-%d", i)
		if value, exists := mustLookup(t, kv, key); !exists || !bytes.Equal(value, []byte(key)) {
			t.Errorf("Hot key %s lost or corrupted under concurrency", key)
		}
	}
}
