// Package replication implements the replication backlog and the
// PSYNC/FULLSYNC master/replica handshake (spec.md §4.9-§4.11).
//
// It deliberately does not import internal/engine. The cyclic reference
// spec.md §9 calls out - the engine appends to the backlog, but the
// backlog's consumers (per-replica streaming tasks) must reach back into
// the engine only for FULLSYNC snapshots - is broken with two small
// interfaces declared here (Applier, SnapshotProvider). A concrete
// *engine.Engine satisfies Applier structurally; SnapshotProvider is
// implemented by a small adapter in cmd/server. cmd/server is the only
// package that imports both internal/engine and internal/replication and
// wires them together.
package replication

import (
	"fmt"
	"sync"
)

// Applier is the minimal surface a replica needs to apply a streamed
// mutation to its local engine, without enqueueing it again.
type Applier interface {
	ApplySET(key string, value []byte, deadlineNano int64) error
	ApplyDEL(key string) error
	ApplyEXPIRE(key string, deadlineNano int64) error
}

// SnapshotProvider produces the bytes a FULLSYNC response streams,
// together with the backlog offset the snapshot corresponds to (spec.md
// §9, "engine exposes snapshot_and_offset() -> (bytes, offset)").
type SnapshotProvider interface {
	SnapshotAndOffset() (data []byte, offset int64, err error)
}

// record is one framed entry in the backlog ring, newline-terminated on
// the wire (spec.md §6: "a stream of newline-terminated JSON records").
type record struct {
	offset int64 // offset of this record's first byte
	data   []byte
}

// Backlog is the bounded ring buffer of serialized replication records
// (spec.md §4.9). Oldest records are dropped once the buffer exceeds its
// byte capacity, advancing backlog_start_offset.
type Backlog struct {
	mu            sync.Mutex
	records       []record
	capacityBytes int64
	sizeBytes     int64
	offset        int64 // replication_offset: total bytes ever appended
	startOffset   int64 // backlog_start_offset = offset - sizeBytes

	replicationID string

	subscribers map[int]chan []byte
	nextSubID   int
}

// DefaultCapacityBytes is the backlog's default size (spec.md §4.9: 16 MiB).
const DefaultCapacityBytes = 16 * 1024 * 1024

// NewBacklog constructs an empty backlog. replicationID should be stable
// for the life of the master process (spec.md §4.9: "hash of startup
// timestamp" or similar).
func NewBacklog(capacityBytes int64, replicationID string) *Backlog {
	if capacityBytes <= 0 {
		capacityBytes = DefaultCapacityBytes
	}
	return &Backlog{
		capacityBytes: capacityBytes,
		replicationID: replicationID,
		subscribers:   make(map[int]chan []byte),
	}
}

// ReplicationID returns the master's stable replication identifier.
func (b *Backlog) ReplicationID() string { return b.replicationID }

// Offset returns replication_offset: total bytes ever appended.
func (b *Backlog) Offset() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offset
}

// StartOffset returns backlog_start_offset: the oldest byte still retained.
func (b *Backlog) StartOffset() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startOffset
}

// Append serializes one replication record onto the backlog, evicting the
// oldest records if the ring is now over capacity, and fans the new frame
// out to any live subscribers (per-replica streaming tasks). Returns the
// offset of the first byte of this record (spec.md §3: "equal to the
// master's total bytes written to the backlog before this record").
func (b *Backlog) Append(payload []byte) (int64, error) {
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, payload...)
	frame = append(frame, '\n')

	b.mu.Lock()
	startOffset := b.offset
	b.records = append(b.records, record{offset: startOffset, data: frame})
	b.sizeBytes += int64(len(frame))
	b.offset += int64(len(frame))

	for b.sizeBytes > b.capacityBytes && len(b.records) > 0 {
		evicted := b.records[0]
		b.records = b.records[1:]
		b.sizeBytes -= int64(len(evicted.data))
	}
	if len(b.records) > 0 {
		b.startOffset = b.records[0].offset
	} else {
		b.startOffset = b.offset
	}

	subs := make([]chan []byte, 0, len(b.subscribers))
	for _, ch := range b.subscribers {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- frame:
		default:
			// Slow subscriber: drop rather than block Append. The
			// replica connection that owns this channel will fall
			// behind the backlog window and have to reconnect, which
			// is exactly the "disconnected, must reconnect" behavior
			// spec.md §4.10 describes for a too-slow replica.
		}
	}

	return startOffset, nil
}

// ReadFrom returns every retained byte from requestedOffset up to the
// current tail, concatenated in order, and true - or false if
// requestedOffset has already fallen out of the window (the caller must
// FULLSYNC instead).
func (b *Backlog) ReadFrom(requestedOffset int64) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if requestedOffset < b.startOffset || requestedOffset > b.offset {
		return nil, false
	}
	var out []byte
	for _, r := range b.records {
		if r.offset >= requestedOffset {
			out = append(out, r.data...)
		}
	}
	return out, true
}

// Subscribe registers a channel that receives every frame appended from
// now on. The returned cancel function must be called when the
// subscriber (a per-replica streaming task) disconnects.
func (b *Backlog) Subscribe(buffer int) (ch <-chan []byte, cancel func()) {
	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	c := make(chan []byte, buffer)
	b.subscribers[id] = c
	b.mu.Unlock()

	return c, func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
}

func (b *Backlog) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("backlog{id=%s offset=%d start=%d size=%d}",
		b.replicationID, b.offset, b.startOffset, b.sizeBytes)
}
