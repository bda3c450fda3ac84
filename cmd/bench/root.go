package bench

import (
	"context"
	"encoding/csv"
	"fmt"
	"github.com/ValentinKolb/memdb/cmd/util"
	"github.com/ValentinKolb/memdb/lib/pool"
	"github.com/ValentinKolb/memdb/lib/store"
	"github.com/ValentinKolb/memdb/lib/store/lstore"
	"github.com/ValentinKolb/memdb/lib/sys"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// Config holds the parameters of a benchmark run
type Config struct {
	Threads          int
	Shards           int
	Keys             int
	LargeValueSizeKB int
	Skip             []string
}

var (
	benchConfig = Config{Threads: 10, Keys: 100, LargeValueSizeKB: 100}
	BenchCmd    = &cobra.Command{
		Use:     "bench",
		Short:   "Benchmark the in-memory store and the worker pool",
		Long:    "Runs throughput benchmarks against a local sharded store, once with direct calls from parallel goroutines and once with every operation submitted as a job to the worker pool.",
		PreRunE: processBenchConfig,
		RunE:    run,
	}
)

const keyPrefix = "__bench"

func init() {
	key := "skip"
	BenchCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. upsert,lookup)"))
	key = "threads"
	BenchCmd.Flags().Int(key, 10, util.WrapString("Number of goroutines (direct benchmarks) and workers (pool benchmarks)"))
	key = "shards"
	BenchCmd.Flags().Int(key, 0, util.WrapString("Number of store shards. 0 uses one per available CPU"))
	key = "large-value-size"
	BenchCmd.Flags().Int(key, 100, util.WrapString("How large the value for the upsert-large test should be (in KB)"))
	key = "keys"
	BenchCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "csv"
	BenchCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processBenchConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	benchConfig.Threads = viper.GetInt("threads")
	benchConfig.Shards = viper.GetInt("shards")
	benchConfig.Keys = viper.GetInt("keys")
	benchConfig.LargeValueSizeKB = viper.GetInt("large-value-size")
	benchConfig.Skip = nil
	if skip := viper.GetString("skip"); skip != "" {
		benchConfig.Skip = strings.Split(skip, ",")
	}

	if benchConfig.Threads <= 0 {
		benchConfig.Threads = sys.Parallelism()
	}
	if benchConfig.Keys <= 0 {
		return fmt.Errorf("keys must be positive, got %d", benchConfig.Keys)
	}
	return nil
}

func run(_ *cobra.Command, _ []string) error {
	fmt.Println("Benchmarking the memdb store")
	fmt.Printf("\nThreads: %d, Shards: %d, Keys: %d, Large value: %d KB\n\n",
		benchConfig.Threads, benchConfig.Shards, benchConfig.Keys, benchConfig.LargeValueSizeKB)

	results := Run(benchConfig, os.Stdout)

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := WriteResultsToCSV(csvPath, results, benchConfig); err != nil {
			return fmt.Errorf("failed to export results to CSV: %w", err)
		}
		fmt.Println("Export complete")
	}
	return nil
}

// --------------------------------------------------------------------------
// Benchmarks
// --------------------------------------------------------------------------

// benchmark is a single named measurement against a fresh store
type benchmark struct {
	name string
	fn   func(b *testing.B, kv store.IStore, cfg Config)
}

var benchmarks = []benchmark{
	{"upsert", benchUpsert},
	{"upsert-large", benchUpsertLarge},
	{"lookup", benchLookup},
	{"delete", benchDelete},
	{"mixed", benchMixed},
	{"pool-upsert", benchPoolUpsert},
	{"pool-lookup", benchPoolLookup},
}

// Run executes all benchmarks that are not skipped and prints each result to w
func Run(cfg Config, w io.Writer) map[string]testing.BenchmarkResult {
	results := make(map[string]testing.BenchmarkResult)
	for _, bm := range benchmarks {
		var result testing.BenchmarkResult
		if !slices.Contains(cfg.Skip, bm.name) {
			result = testing.Benchmark(func(b *testing.B) {
				kv := lstore.NewLocalStore(lstore.WithShards(cfg.Shards))
				b.Cleanup(func() {
					_ = kv.Close()
				})
				bm.fn(b, kv, cfg)
			})
		}
		results[bm.name] = result
		printResult(w, bm.name, result)
	}
	return results
}

func benchUpsert(b *testing.B, kv store.IStore, cfg Config) {
	getKey := getKeys("upsert", cfg.Keys)
	value := []byte("test")

	b.SetParallelism(cfg.Threads)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			_ = kv.Upsert(getKey(counter), value)
			counter++
		}
	})
}

func benchUpsertLarge(b *testing.B, kv store.IStore, cfg Config) {
	getKey := getKeys("upsert-large", cfg.Keys)
	value := make([]byte, cfg.LargeValueSizeKB*1024)

	b.SetParallelism(cfg.Threads)
	b.SetBytes(int64(len(value)))
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			_ = kv.Upsert(getKey(counter), value)
			counter++
		}
	})
}

func benchLookup(b *testing.B, kv store.IStore, cfg Config) {
	getKey := prefill(kv, "lookup", cfg.Keys)

	b.SetParallelism(cfg.Threads)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			_, _, _ = kv.Lookup(getKey(counter))
			counter++
		}
	})
}

func benchDelete(b *testing.B, kv store.IStore, cfg Config) {
	getKey := prefill(kv, "delete", cfg.Keys)

	b.SetParallelism(cfg.Threads)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			_, _ = kv.Delete(getKey(counter))
			counter++
		}
	})
}

func benchMixed(b *testing.B, kv store.IStore, cfg Config) {
	getKey := getKeys("mixed", cfg.Keys)
	value := []byte("test")

	b.SetParallelism(cfg.Threads)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			key := getKey(counter)
			switch counter % 3 {
			case 0:
				_ = kv.Upsert(key, value)
			case 1:
				_, _, _ = kv.Lookup(key)
			case 2:
				_, _ = kv.Delete(key)
			}
			counter++
		}
	})
}

// benchPoolUpsert measures an upsert including the hand-off to a worker and the wait for its completion
func benchPoolUpsert(b *testing.B, kv store.IStore, cfg Config) {
	getKey := getKeys("pool-upsert", cfg.Keys)
	value := []byte("test")
	runThroughPool(b, cfg, func(i int) {
		_ = kv.Upsert(getKey(i), value)
	})
}

func benchPoolLookup(b *testing.B, kv store.IStore, cfg Config) {
	getKey := prefill(kv, "pool-lookup", cfg.Keys)
	runThroughPool(b, cfg, func(i int) {
		_, _, _ = kv.Lookup(getKey(i))
	})
}

// runThroughPool submits b.N jobs to a pool with cfg.Threads workers and waits for all of them
func runThroughPool(b *testing.B, cfg Config, op func(i int)) {
	workers := pool.New(cfg.Threads, pool.WithName("bench"))
	defer func() {
		_, _ = workers.Shutdown(context.Background())
	}()

	var wg sync.WaitGroup
	wg.Add(b.N)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		i := i
		if err := workers.Submit(func() {
			defer wg.Done()
			op(i)
		}); err != nil {
			wg.Done()
		}
	}
	wg.Wait()
	b.StopTimer()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// getKeys creates the key set of a benchmark and returns an accessor with wraparound
func getKeys(prefix string, n int) func(int) string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("%s-%s-%d", keyPrefix, prefix, i)
	}
	return func(i int) string {
		return keys[i%n]
	}
}

// prefill stores every key of the benchmark once
func prefill(kv store.IStore, prefix string, n int) func(int) string {
	getKey := getKeys(prefix, n)
	for i := 0; i < n; i++ {
		_ = kv.Upsert(getKey(i), []byte("test"))
	}
	return getKey
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(w io.Writer, test string, result testing.BenchmarkResult) {
	if result.N == 0 {
		fmt.Fprintf(w, "%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	fmt.Fprintf(w, "%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// WriteResultsToCSV writes benchmark results to a CSV file, sorted by test name
func WriteResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, cfg Config) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Threads", "Shards", "LargeValueSizeKB", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, test := range names {
		result := results[test]
		var nsPerOp, opsPerSec float64
		skipped := "true"

		if result.N > 0 {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			strconv.Itoa(cfg.Threads),
			strconv.Itoa(cfg.Shards),
			strconv.Itoa(cfg.LargeValueSizeKB),
			strconv.Itoa(cfg.Keys),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %w", test, err)
		}
	}

	writer.Flush()
	return writer.Error()
}
