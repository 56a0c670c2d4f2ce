package engine

import "sync/atomic"

// memoryAccountant tracks a running estimate of live-entry bytes (spec.md
// §4.5, invariant I4). The hot path updates an atomic counter on every
// mutation; periodically (resyncInterval ops, or on demand for INFO) the
// counter is corrected by walking every shard, bounding drift from the
// incremental updates to the ops since the last resync.
type memoryAccountant struct {
	current int64 // atomic
	ops     int64 // atomic, ops since last resync

	resyncInterval int64
}

func newMemoryAccountant(resyncInterval int64) *memoryAccountant {
	if resyncInterval <= 0 {
		resyncInterval = 1000
	}
	return &memoryAccountant{resyncInterval: resyncInterval}
}

// add applies a signed delta (positive for growth, negative for shrink)
// and reports whether a resync should now run.
func (m *memoryAccountant) add(delta int64) (shouldResync bool) {
	atomic.AddInt64(&m.current, delta)
	n := atomic.AddInt64(&m.ops, 1)
	return n >= m.resyncInterval
}

// bytes returns the current estimate without walking shards.
func (m *memoryAccountant) bytes() int64 {
	return atomic.LoadInt64(&m.current)
}

// resync replaces the estimate with an authoritative total, correcting
// whatever drift the incremental add()s accumulated, and resets the op
// counter. Caller passes the exact accounted bytes summed over every shard
// (engine.go locks each shard in turn while summing).
func (m *memoryAccountant) resync(total int64) {
	atomic.StoreInt64(&m.current, total)
	atomic.StoreInt64(&m.ops, 0)
}
