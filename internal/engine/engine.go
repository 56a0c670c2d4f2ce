// Package engine implements the core storage engine: the sharded,
// concurrently accessed key-value map, its LRU and TTL subsystems, and the
// latency-measuring command façade described in spec.md §4.1-§4.5.
//
// The engine never imports the WAL or replication packages directly. It
// depends on two small interfaces it declares itself (WALWriter,
// ReplicationSink) so that durability and replication remain pluggable
// collaborators wired in by cmd/server, exactly the "snapshot provider"
// seam SPEC_FULL.md's design notes describe for breaking the
// engine/replication cycle.
package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// WALWriter is the durability collaborator. AppendXxx is called once per
// mutating command, before the engine reports success to its caller, and
// must obey the fsync policy configured on the concrete writer.
// ttlRemainingNano carries nanoseconds-until-expiry as of the call (nil
// for no TTL) rather than an absolute deadline, since the deadline is a
// reading of this process's monotonic clock and means nothing once
// replayed by a process with a different clock origin.
type WALWriter interface {
	AppendSet(key string, value []byte, ttlRemainingNano *int64) error
	AppendDel(key string) error
	AppendExpire(key string, ttlRemainingNano *int64) error
}

// ReplicationSink is the replication collaborator. Append records one
// serialized command into the backlog and returns the offset of its
// first byte.
type ReplicationSink interface {
	Append(record []byte) (offset int64, err error)
}

// EvictionPolicy selects what happens when memory exceeds the ceiling.
type EvictionPolicy int

const (
	// EvictionLRU evicts the least-recently-used key in the shard that
	// just grew, one key per overflowing SET (spec.md §4.4).
	EvictionLRU EvictionPolicy = iota
	// EvictionNone refuses writes that would exceed max_memory_bytes
	// (SPEC_FULL.md §5 open-question decision) instead of evicting.
	EvictionNone
)

// Config are the engine's construction-time parameters (spec.md §6).
type Config struct {
	ShardCount        int
	MaxMemoryBytes    int64
	EvictionPolicy    EvictionPolicy
	TTLCheckInterval  time.Duration
	MemoryResyncOps   int64
	Clock             Clock
	Logger            *zap.Logger
	MetricsRegisterer prometheus.Registerer
	ReadOnly          bool // true when this engine backs a replica
}

// LatencyBreakdown reports where a command's time went, in microseconds,
// matching spec.md §4.1's contract consumed by the (out-of-scope) slow-log
// and metrics collaborators.
type LatencyBreakdown struct {
	LockWaitUs           float64
	MemoryMutationUs     float64
	EvictionUs           float64
	WALAppendUs          float64
	FsyncUs              float64
	ReplicationEnqueueUs float64
	TotalUs              float64
}

// Engine is the single entry point for all data commands (spec.md §4.1).
type Engine struct {
	table  *shardTable
	expiry *expirationWorker
	mem    *memoryAccountant
	mx     *metrics

	cfg    Config
	clock  Clock
	logger *zap.Logger

	wal      WALWriter       // nil until wired by cmd/server
	replSink ReplicationSink // nil until wired by cmd/server (master only)

	readOnly bool
}

// New constructs an Engine with no WAL or replication sink attached; call
// AttachWAL/AttachReplicationSink before serving real commands, or leave
// them nil for recovery replay / tests that only need the in-memory core.
func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = RealClock
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	e := &Engine{
		table:    newShardTable(cfg.ShardCount),
		mem:      newMemoryAccountant(cfg.MemoryResyncOps),
		mx:       newMetrics(cfg.MetricsRegisterer, nil),
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		readOnly: cfg.ReadOnly,
	}
	e.expiry = newExpirationWorker(e.table, e.clock, cfg.TTLCheckInterval, e.logger)
	e.expiry.onExpire = func(shardIdx int, ent *entry) {
		e.mem.add(-entrySize(ent.key, ent.value))
		e.mx.expirations.Inc()
		e.mx.keyCount.Dec()
	}
	e.expiry.expirationsTotal = func(int) {}
	return e
}

// AttachWAL wires the durability collaborator. Must be called before the
// engine serves mutating commands from clients.
func (e *Engine) AttachWAL(w WALWriter) { e.wal = w }

// AttachReplicationSink wires the backlog append path used on masters.
func (e *Engine) AttachReplicationSink(s ReplicationSink) { e.replSink = s }

// ShardCount reports how many shards the table was built with.
func (e *Engine) ShardCount() int { return e.table.count() }

// Clock exposes the engine's time source so collaborators that must
// rebase a durable, clock-origin-relative value (replication's Replica,
// recovery's startup rebase) read from the exact same clock the engine
// compares deadlines against.
func (e *Engine) Clock() Clock { return e.clock }

// ttlRemaining converts an absolute deadline (0 = no TTL) produced by
// e.clock into nanoseconds-remaining suitable for the WAL or replication
// wire, both of which may be read back by a process with a different
// clock origin. Returns nil for no TTL.
func (e *Engine) ttlRemaining(deadline int64) *int64 {
	if deadline == 0 {
		return nil
	}
	remaining := deadline - e.clock.NowNano()
	if remaining < 0 {
		remaining = 0
	}
	return &remaining
}

// ReadOnly reports whether this engine instance is running as a replica
// and therefore rejects client-issued mutations.
func (e *Engine) ReadOnly() bool { return e.readOnly }

// Start launches background workers (the expiration drain loop).
func (e *Engine) Start() { e.expiry.Start() }

// Stop shuts background workers down within the given deadline.
func (e *Engine) Stop(deadline time.Duration) { e.expiry.Stop(deadline) }

func microsSince(start time.Time) float64 {
	return float64(time.Since(start).Nanoseconds()) / 1000.0
}

// Set stores key=value, clearing any prior TTL unless ttl is non-zero
// (spec.md §4.1: "A SET without ttl clears any prior expiry").
//
// Eviction is per-shard LRU, not global: when memory exceeds the ceiling
// under EvictionLRU, only the least-recently-used key of this key's shard
// is evicted, one key per SET.
func (e *Engine) Set(key string, value []byte, ttl time.Duration) (LatencyBreakdown, error) {
	var lb LatencyBreakdown
	totalStart := time.Now()

	if e.readOnly {
		return lb, ErrReadOnlyReplica
	}

	var deadline int64
	if ttl > 0 {
		deadline = e.clock.NowNano() + int64(ttl)
	}

	sh := e.table.For(key)
	lockStart := time.Now()
	sh.Lock()
	lb.LockWaitUs = microsSince(lockStart)

	// Captured before the mutation so a EvictionNone refusal below can put
	// the shard back exactly as it was, without ever releasing sh's lock.
	prevEnt := sh.get(key)
	var prevValue []byte
	var prevDeadline int64
	existedBefore := prevEnt != nil
	if existedBefore {
		prevValue = prevEnt.value
		prevDeadline = prevEnt.deadline
	}

	memStart := time.Now()
	prevSize, existed := sh.set(key, value, deadline)
	newSize := entrySize(key, value)
	lb.MemoryMutationUs = microsSince(memStart)

	if deadline != 0 {
		e.expiry.push(deadline, key, e.table.indexFor(key))
	}

	delta := newSize
	if existed {
		delta = newSize - prevSize
	}
	shouldResync := e.mem.add(delta)
	if !existed {
		e.mx.keyCount.Inc()
	}

	if over := e.mem.bytes() > e.cfg.MaxMemoryBytes && e.cfg.MaxMemoryBytes > 0; over {
		switch e.cfg.EvictionPolicy {
		case EvictionLRU:
			evStart := time.Now()
			if victim := sh.evictLRU(); victim != nil {
				e.mem.add(-entrySize(victim.key, victim.value))
				e.mx.evictions.WithLabelValues("lru").Inc()
				e.mx.keyCount.Dec()
			}
			lb.EvictionUs = microsSince(evStart)
		case EvictionNone:
			// Refuse the write and restore whatever was there before,
			// still holding sh's lock so no other goroutine can ever
			// observe the transiently-committed new value. A brand-new
			// key is removed outright; an overwritten key gets its prior
			// value and deadline back in place.
			if existedBefore {
				prevEnt.value = prevValue
				prevEnt.deadline = prevDeadline
				if prevDeadline != 0 {
					sh.expiry[key] = prevDeadline
				} else {
					delete(sh.expiry, key)
				}
			} else {
				sh.delete(key)
				e.mx.keyCount.Dec()
			}
			e.mem.add(-delta)
			sh.Unlock()
			return lb, ErrOOM
		}
	}

	if shouldResync {
		total := e.resyncMemoryLocked(sh)
		e.mem.resync(total)
	}

	if e.wal != nil {
		walStart := time.Now()
		if err := e.wal.AppendSet(key, value, e.ttlRemaining(deadline)); err != nil {
			sh.Unlock()
			return lb, &IOError{Op: "wal append", Err: err}
		}
		lb.WALAppendUs = microsSince(walStart)
	}

	if e.replSink != nil {
		repStart := time.Now()
		if _, err := e.replSink.Append(encodeReplicatedSet(key, value, e.ttlRemaining(deadline))); err != nil {
			e.logger.Warn("replication backlog append failed", zap.Error(err))
		}
		lb.ReplicationEnqueueUs = microsSince(repStart)
	}

	sh.Unlock()
	e.mx.sets.Inc()
	lb.TotalUs = microsSince(totalStart)
	return lb, nil
}

// resyncMemoryLocked walks every shard (locking each briefly) to
// recompute the authoritative byte total. The shard the caller already
// holds (sh) is summed without a nested lock. May be nil.
func (e *Engine) resyncMemoryLocked(held *shard) int64 {
	var total int64
	for _, s := range e.table.All() {
		if s == held {
			total += shardBytes(s)
			continue
		}
		s.Lock()
		total += shardBytes(s)
		s.Unlock()
	}
	return total
}

func shardBytes(s *shard) int64 {
	var total int64
	for k, v := range s.items {
		total += entrySize(k, v.value)
	}
	return total
}

// Get returns the value for key, lazily deleting it first if expired
// (spec.md §4.1).
func (e *Engine) Get(key string) ([]byte, bool, LatencyBreakdown) {
	var lb LatencyBreakdown
	start := time.Now()

	sh := e.table.For(key)
	lockStart := time.Now()
	sh.Lock()
	defer sh.Unlock()
	lb.LockWaitUs = microsSince(lockStart)

	memStart := time.Now()
	e.expireIfDueLocked(sh, key)
	ent := sh.get(key)
	lb.MemoryMutationUs = microsSince(memStart)

	e.mx.gets.Inc()
	lb.TotalUs = microsSince(start)
	if ent == nil {
		return nil, false, lb
	}
	sh.touch(ent)
	return ent.value, true, lb
}

// expireIfDueLocked lazily removes key from sh if its deadline has
// passed. Caller holds sh's lock.
func (e *Engine) expireIfDueLocked(sh *shard, key string) {
	ent := sh.get(key)
	if ent == nil {
		return
	}
	if sh.expiredLocked(ent, e.clock.NowNano()) {
		freed, _ := sh.delete(key)
		e.mem.add(-freed)
		e.mx.expirations.Inc()
		e.mx.keyCount.Dec()
	}
}

// Exists reports whether key is live, lazily expiring it first.
func (e *Engine) Exists(key string) (bool, LatencyBreakdown) {
	var lb LatencyBreakdown
	start := time.Now()

	sh := e.table.For(key)
	lockStart := time.Now()
	sh.Lock()
	defer sh.Unlock()
	lb.LockWaitUs = microsSince(lockStart)

	e.expireIfDueLocked(sh, key)
	exists := sh.get(key) != nil
	lb.TotalUs = microsSince(start)
	return exists, lb
}

// Del removes key, returning whether it existed (spec.md §4.12: DEL
// returns the count of affected keys across the full command, but a
// single-key Del here composes that at the RESP layer).
func (e *Engine) Del(key string) (bool, LatencyBreakdown, error) {
	var lb LatencyBreakdown
	start := time.Now()

	if e.readOnly {
		return false, lb, ErrReadOnlyReplica
	}

	sh := e.table.For(key)
	lockStart := time.Now()
	sh.Lock()
	lb.LockWaitUs = microsSince(lockStart)

	memStart := time.Now()
	freed, existed := sh.delete(key)
	lb.MemoryMutationUs = microsSince(memStart)

	if existed {
		e.mem.add(-freed)
		e.mx.keyCount.Dec()
	}

	if existed && e.wal != nil {
		walStart := time.Now()
		if err := e.wal.AppendDel(key); err != nil {
			sh.Unlock()
			return false, lb, &IOError{Op: "wal append", Err: err}
		}
		lb.WALAppendUs = microsSince(walStart)
	}

	if existed && e.replSink != nil {
		repStart := time.Now()
		if _, err := e.replSink.Append(encodeReplicatedDel(key)); err != nil {
			e.logger.Warn("replication backlog append failed", zap.Error(err))
		}
		lb.ReplicationEnqueueUs = microsSince(repStart)
	}

	sh.Unlock()
	if existed {
		e.mx.deletes.Inc()
	}
	lb.TotalUs = microsSince(start)
	return existed, lb, nil
}

// Expire sets key's TTL without touching its value, per the SPEC_FULL.md
// §5 redesign decision (unlike the Python reference's re-SET). Returns
// false with no side effects if key is missing (spec.md §4.1).
func (e *Engine) Expire(key string, ttl time.Duration) (bool, LatencyBreakdown, error) {
	var lb LatencyBreakdown
	start := time.Now()

	if e.readOnly {
		return false, lb, ErrReadOnlyReplica
	}

	sh := e.table.For(key)
	lockStart := time.Now()
	sh.Lock()
	lb.LockWaitUs = microsSince(lockStart)

	e.expireIfDueLocked(sh, key)
	ent := sh.get(key)
	if ent == nil {
		sh.Unlock()
		lb.TotalUs = microsSince(start)
		return false, lb, nil
	}

	memStart := time.Now()
	deadline := e.clock.NowNano() + int64(ttl)
	ent.deadline = deadline
	sh.expiry[key] = deadline
	sh.touch(ent)
	lb.MemoryMutationUs = microsSince(memStart)

	e.expiry.push(deadline, key, e.table.indexFor(key))

	if e.wal != nil {
		walStart := time.Now()
		if err := e.wal.AppendExpire(key, e.ttlRemaining(deadline)); err != nil {
			sh.Unlock()
			return false, lb, &IOError{Op: "wal append", Err: err}
		}
		lb.WALAppendUs = microsSince(walStart)
	}
	if e.replSink != nil {
		repStart := time.Now()
		if _, err := e.replSink.Append(encodeReplicatedExpire(key, e.ttlRemaining(deadline))); err != nil {
			e.logger.Warn("replication backlog append failed", zap.Error(err))
		}
		lb.ReplicationEnqueueUs = microsSince(repStart)
	}

	sh.Unlock()
	lb.TotalUs = microsSince(start)
	return true, lb, nil
}

// TTLResult is the three-way TTL reply shape of spec.md §4.1.
type TTLResult int

const (
	TTLNoKey TTLResult = -2
	TTLNoTTL TTLResult = -1
)

// TTL returns the whole-seconds remaining TTL, TTLNoTTL if key has none,
// or TTLNoKey if key is missing or lazily expired.
func (e *Engine) TTL(key string) (TTLResult, LatencyBreakdown) {
	var lb LatencyBreakdown
	start := time.Now()

	sh := e.table.For(key)
	sh.Lock()
	defer sh.Unlock()

	e.expireIfDueLocked(sh, key)
	ent := sh.get(key)
	lb.TotalUs = microsSince(start)
	if ent == nil {
		return TTLNoKey, lb
	}
	if ent.deadline == 0 {
		return TTLNoTTL, lb
	}
	remaining := ent.deadline - e.clock.NowNano()
	if remaining < 0 {
		remaining = 0
	}
	seconds := remaining / int64(time.Second)
	return TTLResult(seconds), lb
}

// Keys returns every live key matching the shell-style glob pattern
// (spec.md §4.1, §9). Shards are locked one at a time, in table order,
// to satisfy the deadlock discipline of spec.md §5.
func (e *Engine) Keys(pattern string) ([]string, LatencyBreakdown) {
	var lb LatencyBreakdown
	start := time.Now()

	var out []string
	now := e.clock.NowNano()
	for _, sh := range e.table.All() {
		sh.Lock()
		for k, ent := range sh.items {
			if sh.expiredLocked(ent, now) {
				continue
			}
			if matchGlob(pattern, k) {
				out = append(out, k)
			}
		}
		sh.Unlock()
	}
	lb.TotalUs = microsSince(start)
	return out, lb
}

// DBSize returns the total number of live keys across all shards.
func (e *Engine) DBSize() (int, LatencyBreakdown) {
	var lb LatencyBreakdown
	start := time.Now()

	total := 0
	now := e.clock.NowNano()
	for _, sh := range e.table.All() {
		sh.Lock()
		for _, ent := range sh.items {
			if !sh.expiredLocked(ent, now) {
				total++
			}
		}
		sh.Unlock()
	}
	lb.TotalUs = microsSince(start)
	return total, lb
}

// FlushDB removes every key from every shard and clears the expiry heap.
func (e *Engine) FlushDB() (LatencyBreakdown, error) {
	var lb LatencyBreakdown
	start := time.Now()

	if e.readOnly {
		return lb, ErrReadOnlyReplica
	}

	for _, sh := range e.table.All() {
		sh.Lock()
		sh.items = make(map[string]*entry, len(sh.items))
		sh.expiry = make(map[string]int64)
		sh.head, sh.tail = nil, nil
		sh.Unlock()
	}
	e.expiry.heapMu.Lock()
	e.expiry.heap = e.expiry.heap[:0]
	e.expiry.heapMu.Unlock()
	e.mem.resync(0)
	e.mx.memoryBytes.Set(0)
	e.mx.keyCount.Set(0)

	lb.TotalUs = microsSince(start)
	return lb, nil
}

// Info reports engine status for the INFO command (spec.md §4.1,
// SPEC_FULL.md §4's INFO sections).
type Info struct {
	Keys           int
	MemoryBytes    int64
	MaxMemoryBytes int64
	EvictionPolicy string
	ShardCount     int
	ReadOnly       bool
}

func (e *Engine) InfoSnapshot() Info {
	keys, _ := e.DBSize()
	policy := "lru"
	if e.cfg.EvictionPolicy == EvictionNone {
		policy = "none"
	}
	e.mem.resync(e.resyncMemoryLocked(nil))
	e.mx.memoryBytes.Set(float64(e.mem.bytes()))
	e.mx.keyCount.Set(float64(keys))
	return Info{
		Keys:           keys,
		MemoryBytes:    e.mem.bytes(),
		MaxMemoryBytes: e.cfg.MaxMemoryBytes,
		EvictionPolicy: policy,
		ShardCount:     e.table.count(),
		ReadOnly:       e.readOnly,
	}
}

// ─── Replay / replication apply path ──────────────────────────────────────
//
// ApplySET/ApplyDEL/ApplyExpire mutate in-memory state only: no WAL write,
// no replication enqueue (spec.md §4.8 recovery, §4.11 replica apply).
// Engine implements these with the exact signatures replication.Applier
// expects, so it satisfies that interface structurally without this
// package importing the replication package.

func (e *Engine) ApplySET(key string, value []byte, deadlineNano int64) error {
	sh := e.table.For(key)
	sh.Lock()
	prevSize, existed := sh.set(key, value, deadlineNano)
	newSize := entrySize(key, value)
	if deadlineNano != 0 {
		e.expiry.push(deadlineNano, key, e.table.indexFor(key))
	}
	sh.Unlock()

	delta := newSize
	if existed {
		delta = newSize - prevSize
	} else {
		e.mx.keyCount.Inc()
	}
	e.mem.add(delta)
	return nil
}

func (e *Engine) ApplyDEL(key string) error {
	sh := e.table.For(key)
	sh.Lock()
	freed, existed := sh.delete(key)
	sh.Unlock()
	if existed {
		e.mem.add(-freed)
		e.mx.keyCount.Dec()
	}
	return nil
}

func (e *Engine) ApplyEXPIRE(key string, deadlineNano int64) error {
	sh := e.table.For(key)
	sh.Lock()
	ent := sh.get(key)
	if ent == nil {
		sh.Unlock()
		return nil
	}
	ent.deadline = deadlineNano
	sh.expiry[key] = deadlineNano
	sh.Unlock()
	e.expiry.push(deadlineNano, key, e.table.indexFor(key))
	return nil
}

// Snapshot copies out every live key, value, and remaining TTL under a
// brief per-shard lock (spec.md §4.7). Shards are visited in table order.
type SnapshotEntry struct {
	Key          string
	Value        []byte
	TTLRemaining time.Duration // 0 means no TTL
	HasTTL       bool
}

// SnapshotShard copies out the live keys of a single shard. The
// internal/snapshot package fans this out across shards with an errgroup
// (parallel per-shard copy-out, spec.md §4.7) without needing to reach
// into shard internals itself.
func (e *Engine) SnapshotShard(shardIdx int) []SnapshotEntry {
	now := e.clock.NowNano()
	sh := e.table.shards[shardIdx]
	sh.Lock()
	defer sh.Unlock()

	out := make([]SnapshotEntry, 0, len(sh.items))
	for k, ent := range sh.items {
		if sh.expiredLocked(ent, now) {
			continue
		}
		se := SnapshotEntry{Key: k, Value: append([]byte(nil), ent.value...)}
		if ent.deadline != 0 {
			se.HasTTL = true
			remaining := ent.deadline - now
			if remaining < 0 {
				remaining = 0
			}
			se.TTLRemaining = time.Duration(remaining)
		}
		out = append(out, se)
	}
	return out
}

// Snapshot copies out every live key, serially. Convenience wrapper over
// SnapshotShard for callers (tests, small datasets) that don't need the
// parallel fan-out internal/snapshot uses.
func (e *Engine) Snapshot() []SnapshotEntry {
	var out []SnapshotEntry
	for i := 0; i < e.table.count(); i++ {
		out = append(out, e.SnapshotShard(i)...)
	}
	return out
}
