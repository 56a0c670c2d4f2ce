package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.ShardCount == 0 {
		cfg.ShardCount = 4
	}
	if cfg.Clock == nil {
		cfg.Clock = NewFakeClock(0)
	}
	return New(cfg)
}

func TestSetGetRoundTrip(t *testing.T) {
	e := newTestEngine(t, Config{})

	_, err := e.Set("foo", []byte("bar"), 0)
	require.NoError(t, err)

	val, ok, _ := e.Get("foo")
	require.True(t, ok)
	assert.Equal(t, []byte("bar"), val)
}

func TestGetMissingKey(t *testing.T) {
	e := newTestEngine(t, Config{})
	_, ok, _ := e.Get("missing")
	assert.False(t, ok)
}

func TestSetOverwriteClearsTTL(t *testing.T) {
	clock := NewFakeClock(0)
	e := newTestEngine(t, Config{Clock: clock})

	_, err := e.Set("k", []byte("v1"), time.Second)
	require.NoError(t, err)
	ttl, _ := e.TTL("k")
	assert.Equal(t, TTLResult(1), ttl)

	_, err = e.Set("k", []byte("v2"), 0)
	require.NoError(t, err)
	ttl, _ = e.TTL("k")
	assert.Equal(t, TTLNoTTL, ttl)
}

func TestDelReportsExistence(t *testing.T) {
	e := newTestEngine(t, Config{})
	_, err := e.Set("k", []byte("v"), 0)
	require.NoError(t, err)

	existed, _, err := e.Del("k")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, _, err = e.Del("k")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestExistsTracksLazyExpiry(t *testing.T) {
	clock := NewFakeClock(0)
	e := newTestEngine(t, Config{Clock: clock})

	_, err := e.Set("k", []byte("v"), time.Second)
	require.NoError(t, err)

	exists, _ := e.Exists("k")
	assert.True(t, exists)

	clock.Advance(2 * time.Second)
	exists, _ = e.Exists("k")
	assert.False(t, exists)
}

func TestExpireTouchesDeadlineOnly(t *testing.T) {
	clock := NewFakeClock(0)
	e := newTestEngine(t, Config{Clock: clock})

	_, err := e.Set("k", []byte("value"), 0)
	require.NoError(t, err)

	ok, _, err := e.Expire("k", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	val, exists, _ := e.Get("k")
	require.True(t, exists)
	assert.Equal(t, []byte("value"), val)

	ttl, _ := e.TTL("k")
	assert.Equal(t, TTLResult(5), ttl)
}

func TestExpireMissingKeyReturnsFalse(t *testing.T) {
	e := newTestEngine(t, Config{})
	ok, _, err := e.Expire("nope", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTTLNoKeyAndNoTTL(t *testing.T) {
	e := newTestEngine(t, Config{})
	ttl, _ := e.TTL("missing")
	assert.Equal(t, TTLNoKey, ttl)

	_, err := e.Set("k", []byte("v"), 0)
	require.NoError(t, err)
	ttl, _ = e.TTL("k")
	assert.Equal(t, TTLNoTTL, ttl)
}

func TestKeysGlobMatchesAcrossShards(t *testing.T) {
	e := newTestEngine(t, Config{ShardCount: 8})
	for _, k := range []string{"user:1", "user:2", "order:1"} {
		_, err := e.Set(k, []byte("v"), 0)
		require.NoError(t, err)
	}

	keys, _ := e.Keys("user:*")
	assert.ElementsMatch(t, []string{"user:1", "user:2"}, keys)
}

func TestDBSizeAndFlushDB(t *testing.T) {
	e := newTestEngine(t, Config{})
	for i := 0; i < 5; i++ {
		_, err := e.Set(string(rune('a'+i)), []byte("v"), 0)
		require.NoError(t, err)
	}
	n, _ := e.DBSize()
	assert.Equal(t, 5, n)

	_, err := e.FlushDB()
	require.NoError(t, err)
	n, _ = e.DBSize()
	assert.Equal(t, 0, n)
}

func TestReadOnlyEngineRejectsMutations(t *testing.T) {
	e := newTestEngine(t, Config{ReadOnly: true})

	_, err := e.Set("k", []byte("v"), 0)
	assert.ErrorIs(t, err, ErrReadOnlyReplica)

	_, _, err = e.Del("k")
	assert.ErrorIs(t, err, ErrReadOnlyReplica)

	_, _, err = e.Expire("k", time.Second)
	assert.ErrorIs(t, err, ErrReadOnlyReplica)
}

func TestEvictionNoneRefusesOverLimitWrite(t *testing.T) {
	e := newTestEngine(t, Config{
		EvictionPolicy: EvictionNone,
		MaxMemoryBytes: entrySize("k1", []byte("v")) + 1,
	})

	_, err := e.Set("k1", []byte("v"), 0)
	require.NoError(t, err)

	_, err = e.Set("k2", []byte("v"), 0)
	assert.ErrorIs(t, err, ErrOOM)

	_, exists, _ := e.Get("k2")
	assert.False(t, exists)
}

func TestEvictionNoneRefusedOverwriteKeepsPriorValue(t *testing.T) {
	e := newTestEngine(t, Config{
		EvictionPolicy: EvictionNone,
		MaxMemoryBytes: entrySize("k1", []byte("v1")) + 1,
	})

	_, err := e.Set("k1", []byte("v1"), 0)
	require.NoError(t, err)

	_, err = e.Set("k1", []byte("this value is far too large to fit"), 0)
	assert.ErrorIs(t, err, ErrOOM)

	value, exists, _ := e.Get("k1")
	require.True(t, exists, "refused overwrite must not delete the existing key")
	assert.Equal(t, []byte("v1"), value, "refused overwrite must leave the prior value intact")
}

func TestEvictionLRUEvictsOneKey(t *testing.T) {
	e := newTestEngine(t, Config{
		ShardCount:     1,
		EvictionPolicy: EvictionLRU,
		MaxMemoryBytes: entrySize("k1", []byte("v")) + 1,
	})

	_, err := e.Set("k1", []byte("v"), 0)
	require.NoError(t, err)
	_, err = e.Set("k2", []byte("v"), 0)
	require.NoError(t, err)

	_, exists1, _ := e.Get("k1")
	_, exists2, _ := e.Get("k2")
	assert.False(t, exists1, "k1 should have been evicted as the LRU victim")
	assert.True(t, exists2)
}

func TestInfoSnapshotReportsReadOnlyAndShardCount(t *testing.T) {
	e := newTestEngine(t, Config{ShardCount: 8, ReadOnly: true})
	info := e.InfoSnapshot()
	assert.Equal(t, 8, info.ShardCount)
	assert.True(t, info.ReadOnly)
}

func TestApplySETDoesNotTouchWALOrReplication(t *testing.T) {
	e := newTestEngine(t, Config{})
	require.NoError(t, e.ApplySET("k", []byte("v"), 0))
	val, ok, _ := e.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), val)
}

func TestSnapshotShardRoundTrip(t *testing.T) {
	e := newTestEngine(t, Config{ShardCount: 4})
	_, err := e.Set("k", []byte("v"), time.Minute)
	require.NoError(t, err)

	entries := e.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "k", entries[0].Key)
	assert.True(t, entries[0].HasTTL)
}
