package bench

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ValentinKolb/memdb/lib/store/lstore"
)

func TestGetKeysWrapAround(t *testing.T) {
	getKey := getKeys("t", 3)
	if getKey(0) != getKey(3) {
		t.Errorf("expected wraparound, got %q and %q", getKey(0), getKey(3))
	}
	if getKey(0) == getKey(1) {
		t.Errorf("expected distinct keys")
	}
	if !strings.HasPrefix(getKey(2), keyPrefix+"-t-") {
		t.Errorf("unexpected key format %q", getKey(2))
	}
}

func TestPrefill(t *testing.T) {
	kv := lstore.NewLocalStore()
	defer kv.Close()

	getKey := prefill(kv, "p", 10)
	for i := 0; i < 10; i++ {
		if _, ok, err := kv.Lookup(getKey(i)); err != nil || !ok {
			t.Errorf("key %q not prefilled (err: %v)", getKey(i), err)
		}
	}
}

func TestRunSkipsBenchmarks(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a real benchmark")
	}

	cfg := Config{Threads: 2, Keys: 10, LargeValueSizeKB: 1}
	for _, bm := range benchmarks {
		if bm.name != "pool-upsert" {
			cfg.Skip = append(cfg.Skip, bm.name)
		}
	}

	var out bytes.Buffer
	results := Run(cfg, &out)

	if len(results) != len(benchmarks) {
		t.Fatalf("expected %d results, got %d", len(benchmarks), len(results))
	}
	if results["pool-upsert"].N == 0 {
		t.Errorf("pool-upsert did not run")
	}
	if results["upsert"].N != 0 {
		t.Errorf("upsert should be skipped")
	}
	if !strings.Contains(out.String(), "upsert              skipped") {
		t.Errorf("missing skip line in output:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "ops/sec") {
		t.Errorf("missing result line in output:\n%s", out.String())
	}
}

func TestWriteResultsToCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	results := map[string]testing.BenchmarkResult{
		"lookup": {N: 1000, T: 1000000},
		"upsert": {},
	}
	cfg := Config{Threads: 4, Shards: 2, Keys: 100, LargeValueSizeKB: 10}

	if err := WriteResultsToCSV(path, results, cfg); err != nil {
		t.Fatalf("WriteResultsToCSV failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("invalid CSV: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header and 2 rows, got %d rows", len(rows))
	}

	// sorted by test name
	lookup, upsert := rows[1], rows[2]
	if lookup[0] != "lookup" || lookup[1] != "1000" || lookup[4] != "false" {
		t.Errorf("unexpected lookup row: %v", lookup)
	}
	if upsert[0] != "upsert" || upsert[4] != "true" {
		t.Errorf("unexpected upsert row: %v", upsert)
	}
	if lookup[5] != "4" || lookup[6] != "2" {
		t.Errorf("config columns missing: %v", lookup)
	}
}
