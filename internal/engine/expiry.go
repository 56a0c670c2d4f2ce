package engine

import (
	"container/heap"
	"sync"
	"time"

	"go.uber.org/zap"
)

// expiryItem is one (deadline, key, shard) tuple on the global heap
// (spec.md §3, "Expiration heap entry"). Multiple stale tuples for the
// same key may coexist; only the one matching the shard's current expiry
// map entry is authoritative (I2).
type expiryItem struct {
	deadline int64
	key      string
	shardIdx int
}

// expiryQueue is a min-heap over expiryItem by deadline, implementing
// container/heap.Interface. The stdlib heap is used rather than a
// third-party priority queue: none of the retrieved example repos ship
// one, and container/heap is the idiomatic Go choice for this shape.
type expiryQueue []expiryItem

func (q expiryQueue) Len() int            { return len(q) }
func (q expiryQueue) Less(i, j int) bool  { return q[i].deadline < q[j].deadline }
func (q expiryQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *expiryQueue) Push(x interface{}) { *q = append(*q, x.(expiryItem)) }
func (q *expiryQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// expirationWorker drains the global expiry heap on a fixed interval
// (spec.md §4.3). Besides the worker's own pops, the heap is written only
// under heapMu: Engine.Set, Engine.Expire, ApplySET and ApplyEXPIRE push
// new deadlines, and Engine.FlushDB empties it.
type expirationWorker struct {
	heapMu sync.Mutex
	heap   expiryQueue

	clock    Clock
	interval time.Duration
	table    *shardTable
	logger   *zap.Logger

	onExpire func(shardIdx int, e *entry) // invoked under the shard lock, after removal

	stopCh chan struct{}
	doneCh chan struct{}

	expirationsTotal func(n int) // metrics hook, nil-safe
}

func newExpirationWorker(table *shardTable, clock Clock, interval time.Duration, logger *zap.Logger) *expirationWorker {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &expirationWorker{
		clock:    clock,
		interval: interval,
		table:    table,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// push adds a new (deadline, key, shard) tuple. Old tuples for the same
// key are left in place and become stale (spec.md §4.3, §9) - removing
// them would need a decrease-key operation the stdlib heap doesn't offer.
func (w *expirationWorker) push(deadline int64, key string, shardIdx int) {
	w.heapMu.Lock()
	heap.Push(&w.heap, expiryItem{deadline: deadline, key: key, shardIdx: shardIdx})
	w.heapMu.Unlock()
}

// Start launches the background drain loop. Call Stop to shut it down.
func (w *expirationWorker) Start() {
	go w.loop()
}

func (w *expirationWorker) loop() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.drainDue()
		case <-w.stopCh:
			return
		}
	}
}

// Stop signals the worker to exit and blocks until it does, or deadline
// elapses. Safe to call once.
func (w *expirationWorker) Stop(deadline time.Duration) {
	close(w.stopCh)
	select {
	case <-w.doneCh:
	case <-time.After(deadline):
	}
}

// drainDue pops every heap entry whose deadline has passed and deletes
// the key from its shard if the entry is still authoritative.
func (w *expirationWorker) drainDue() int {
	cleaned := 0
	for {
		now := w.clock.NowNano()

		w.heapMu.Lock()
		if w.heap.Len() == 0 || w.heap[0].deadline > now {
			w.heapMu.Unlock()
			break
		}
		item := heap.Pop(&w.heap).(expiryItem)
		w.heapMu.Unlock()

		sh := w.table.shards[item.shardIdx]
		sh.Lock()
		if dl, ok := sh.expiry[item.key]; ok && dl == item.deadline {
			e := sh.get(item.key)
			sh.delete(item.key)
			if w.onExpire != nil && e != nil {
				w.onExpire(item.shardIdx, e)
			}
			cleaned++
		}
		sh.Unlock()
	}
	if cleaned > 0 {
		if w.expirationsTotal != nil {
			w.expirationsTotal(cleaned)
		}
		if w.logger != nil {
			w.logger.Debug("expiration worker cleaned keys", zap.Int("count", cleaned))
		}
	}
	return cleaned
}
