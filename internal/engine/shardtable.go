package engine

// shardTable is the set of N independently lockable partitions a key is
// routed to (spec.md §4.2, invariant I1). The hash is a plain FNV-1a over
// the key bytes - deterministic across process restarts and platforms,
// unlike Go's built-in map hash which is randomized per process. Grounded
// in IvanBrykalov-shardcache/internal/util/hash.go and shards.go, adapted
// from a generic Fnv64a[K] to a fixed string-keyed version since the
// engine's keys are always opaque byte strings.
type shardTable struct {
	shards []*shard
	mask   uint64 // count-1, valid because count is enforced to be a power of two
}

// newShardTable builds a table with the given shard count, rounded up to
// the next power of two (spec.md §3); defaultShardCount is used when the
// count is zero or negative.
const defaultShardCount = 16

func newShardTable(count int) *shardTable {
	if count <= 0 {
		count = defaultShardCount
	}
	if !isPowerOfTwo(count) {
		count = nextPowerOfTwo(count)
	}
	t := &shardTable{
		shards: make([]*shard, count),
		mask:   uint64(count - 1),
	}
	for i := range t.shards {
		t.shards[i] = newShard(0)
	}
	return t
}

func isPowerOfTwo(x int) bool { return x > 0 && x&(x-1) == 0 }

func nextPowerOfTwo(x int) int {
	if x < 1 {
		return 1
	}
	n := 1
	for n < x {
		n <<= 1
	}
	return n
}

// count returns the number of shards in the table.
func (t *shardTable) count() int { return len(t.shards) }

// indexFor returns the shard index for key, hash(key) mod N (I1).
func (t *shardTable) indexFor(key string) int {
	return int(fnv64a(key) & t.mask)
}

// For returns the shard responsible for key.
func (t *shardTable) For(key string) *shard {
	return t.shards[t.indexFor(key)]
}

// All returns every shard, in stable index order. Used by cross-shard
// operations (KEYS, DBSIZE, FLUSHDB, snapshot) which must acquire shard
// locks in a fixed order to satisfy the deadlock discipline of spec.md §5.
func (t *shardTable) All() []*shard { return t.shards }

const (
	fnvOffset64 = 1469598103934665603
	fnvPrime64  = 1099511628211
)

// fnv64a hashes key with 64-bit FNV-1a.
func fnv64a(key string) uint64 {
	h := uint64(fnvOffset64)
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= fnvPrime64
	}
	return h
}
