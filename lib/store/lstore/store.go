package lstore

import (
	"errors"
	"github.com/ValentinKolb/memdb/lib/hashtable"
	"github.com/ValentinKolb/memdb/lib/store"
	"github.com/ValentinKolb/memdb/lib/sys"
	"github.com/ValentinKolb/memdb/lib/util"
	"math/rand"
	"sync"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Option configures a local store.
type Option func(*options)

type options struct {
	shards     int
	seed       uint32
	randomSeed bool
	maxBuckets int
}

// WithShards sets the number of shards. Zero or a negative value selects
// sys.Parallelism().
func WithShards(n int) Option {
	return func(o *options) {
		o.shards = n
	}
}

// WithSeed fixes the hash seed. Without this option a random seed is chosen per store.
func WithSeed(seed uint32) Option {
	return func(o *options) {
		o.seed = seed
		o.randomSeed = false
	}
}

// WithMaxBuckets bounds the bucket array of every shard (see hashtable.WithMaxBuckets).
func WithMaxBuckets(n int) Option {
	return func(o *options) {
		o.maxBuckets = n
	}
}

// --------------------------------------------------------------------------
// Shard
// --------------------------------------------------------------------------

// valueCaps hashes string keys and copies every value on insert
type valueCaps struct {
	hashtable.StringCaps
}

func (valueCaps) DuplicateValue(value []byte) []byte {
	return copyBytes(value)
}

type shard struct {
	mu    sync.RWMutex
	table *hashtable.Table[string, []byte]
}

// --------------------------------------------------------------------------
// Store
// --------------------------------------------------------------------------

type storeImpl struct {
	shards []*shard
	seed   uint32
	closed atomic.Bool
}

// NewLocalStore creates a new sharded in-memory store.
// This store implementation is not distributed and only works on a single node.
func NewLocalStore(opts ...Option) store.IStore {
	o := options{randomSeed: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.shards <= 0 {
		o.shards = sys.Parallelism()
	}
	if o.randomSeed {
		o.seed = rand.Uint32()
	}

	// the tables use a derived seed, otherwise all keys of one shard would share
	// the same residue and cluster in a fraction of the buckets
	caps := valueCaps{StringCaps: hashtable.NewStringCaps(hashtable.RotL32(o.seed, 16) ^ 0x9e3779b9)}

	s := &storeImpl{
		shards: make([]*shard, o.shards),
		seed:   o.seed,
	}
	for i := range s.shards {
		s.shards[i] = &shard{
			table: hashtable.New[string, []byte](caps, hashtable.WithMaxBuckets(o.maxBuckets)),
		}
	}

	return s
}

// shardFor returns the shard responsible for key.
//
// Thread-safety: This method is thread-safe since the shard slice never changes.
func (s *storeImpl) shardFor(key string) *shard {
	return s.shards[hashtable.MurmurString(key, s.seed)%uint32(len(s.shards))]
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Lookup(key string) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, errClosed()
	}

	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	value, ok := sh.table.Get(key)
	if !ok {
		return nil, false, nil
	}
	return copyBytes(value), true, nil
}

func (s *storeImpl) Upsert(key string, value []byte) error {
	if s.closed.Load() {
		return errClosed()
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if err := sh.table.Insert(key, value); err != nil {
		if errors.Is(err, hashtable.ErrCapacity) {
			return store.NewError(store.RetCCapacity, err.Error())
		}
		return store.NewError(store.RetCInternalError, err.Error())
	}
	return nil
}

func (s *storeImpl) Delete(key string) (bool, error) {
	if s.closed.Load() {
		return false, errClosed()
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	return sh.table.Remove(key), nil
}

func (s *storeImpl) Stats() (store.Info, error) {
	if s.closed.Load() {
		return store.Info{}, errClosed()
	}

	histogram := util.NewSizeHistogram()
	samplesPerShard := 100
	shardSizes := make([]float64, len(s.shards))
	info := store.Info{ShardCount: len(s.shards)}

	for i, sh := range s.shards {
		sh.mu.RLock()
		count := 0
		sh.table.Range(func(_ string, value []byte) bool {
			histogram.AddSample(len(value))
			count++
			return count < samplesPerShard
		})
		stats := sh.table.Stats()
		sh.mu.RUnlock()

		shardSizes[i] = float64(stats.Entries)
		info.Entries += stats.Entries
		info.Buckets += stats.Buckets
		if stats.LongestChain > info.LongestChain {
			info.LongestChain = stats.LongestChain
		}
	}

	info.ShardDistribution = util.NewDistributionStats(shardSizes)
	info.MedianValueSize = histogram.Percentile(50)
	info.AverageValueSize = histogram.AverageSize()

	// weighted estimate (60% median, 40% average) plus the entry and bucket overhead
	entryOverhead := 48 // key header, value header and next pointer
	perEntry := (info.MedianValueSize*60+info.AverageValueSize*40)/100 + entryOverhead
	info.SizeBytes = info.Entries*perEntry + info.Buckets*8

	return info, nil
}

func (s *storeImpl) Close() error {
	if s.closed.Swap(true) {
		return errClosed()
	}

	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.table.Close()
		sh.mu.Unlock()
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

func errClosed() error {
	return store.NewError(store.RetCClosed, "store is closed")
}

// copyBytes returns a copy of b, nil stays nil
func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	dup := make([]byte, len(b))
	copy(dup, b)
	return dup
}
