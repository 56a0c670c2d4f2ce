// Package wal implements the append-only, crash-safe write-ahead log: one
// framed, CRC-protected record per mutating command, flushed in batches and
// fsynced according to a configurable policy.
//
// Record framing on disk: [length:u32 BE][json payload:length bytes][crc32:u32 BE].
// The CRC is computed over the payload only. JSON is chosen over a denser
// encoding for recovery debuggability; the key, value and ttl_remaining
// fields use the same JSON names as the replication stream's records.
package wal

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// FsyncPolicy selects when the writer forces data to stable storage.
type FsyncPolicy string

const (
	// FsyncAlways fsyncs after every successful write, before the
	// mutating command returns to its caller.
	FsyncAlways FsyncPolicy = "always"
	// FsyncEverySec fsyncs at most once per flush interval, in the
	// background; writes are never held up waiting for it.
	FsyncEverySec FsyncPolicy = "everysec"
	// FsyncNo never calls fsync explicitly; durability is whatever the
	// OS page cache eviction happens to provide.
	FsyncNo FsyncPolicy = "no"
)

// defaultBackpressureRecords is the pending-record count that forces a
// synchronous flush of the batch before Append returns, regardless of
// fsync policy (spec §4.6's "Back-pressure" rule).
const defaultBackpressureRecords = 1000

// Record is one WAL entry. Command is one of "SET", "DEL", "EXPIRE".
// TTLRemainingNano is the nanoseconds left on the entry's TTL as of the
// moment it was appended (nil means no TTL). It is deliberately a
// duration rather than an absolute deadline: the deadlines the engine
// works with are ticks of a monotonic clock that restarts from zero each
// process start, so an absolute value written by one process is
// meaningless to the process that replays it. Recovery rebases this back
// into an absolute deadline against its own clock reading at startup,
// the same way a loaded snapshot's ttl_remaining field is rebased.
type Record struct {
	Command          string `json:"command"`
	Key              string `json:"key"`
	Value            []byte `json:"value,omitempty"`
	TTLRemainingNano *int64 `json:"ttl_remaining,omitempty"`
	Timestamp        int64  `json:"timestamp"`
}

// Writer appends records to a single active WAL file. A mutex-protected
// queue of pending, encoded frames absorbs bursts; frames are written to
// the file descriptor in batches, and fsync is applied per Policy.
type Writer struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	pending [][]byte

	policy              FsyncPolicy
	backpressureRecords int
	flushInterval       time.Duration
	clockNow            func() int64

	logger *zap.Logger

	errorCount int64 // atomic, incremented on write/fsync failure

	stopCh chan struct{}
	doneCh chan struct{}
}

// Options configures a Writer.
type Options struct {
	Policy              FsyncPolicy
	FlushInterval       time.Duration // default 1s, used by everysec/no background flush
	BackpressureRecords int           // default 1000
	Logger              *zap.Logger
	NowNano             func() int64 // defaults to time.Now().UnixNano
}

// Open opens (or creates) the WAL file at path for appending and returns a
// Writer. Callers must call Start to launch the background flush loop for
// everysec/no policies, and Close on shutdown.
func Open(path string, opts Options) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	if opts.Policy == "" {
		opts.Policy = FsyncEverySec
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.BackpressureRecords <= 0 {
		opts.BackpressureRecords = defaultBackpressureRecords
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NowNano == nil {
		opts.NowNano = func() int64 { return time.Now().UnixNano() }
	}
	return &Writer{
		file:                f,
		path:                path,
		policy:              opts.Policy,
		backpressureRecords: opts.BackpressureRecords,
		flushInterval:       opts.FlushInterval,
		clockNow:            opts.NowNano,
		logger:              opts.Logger,
		stopCh:              make(chan struct{}),
		doneCh:              make(chan struct{}),
	}, nil
}

// Start launches the background flush loop. A no-op under FsyncAlways,
// since every Append already flushes and fsyncs synchronously.
func (w *Writer) Start() {
	if w.policy == FsyncAlways {
		close(w.doneCh)
		return
	}
	go w.loop()
}

func (w *Writer) loop() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			if err := w.flushLocked(); err != nil {
				w.logger.Warn("wal background flush failed", zap.Error(err))
			} else if w.policy == FsyncEverySec {
				if err := w.file.Sync(); err != nil {
					atomic.AddInt64(&w.errorCount, 1)
					w.logger.Warn("wal fsync failed", zap.Error(err))
				}
			}
			w.mu.Unlock()
		case <-w.stopCh:
			return
		}
	}
}

// Stop signals the background loop to exit and waits for it, performing a
// final flush (and fsync, if the policy wants one) first.
func (w *Writer) Stop(deadline time.Duration) {
	w.mu.Lock()
	if err := w.flushLocked(); err != nil {
		w.logger.Warn("wal final flush failed", zap.Error(err))
	} else if w.policy != FsyncNo {
		_ = w.file.Sync()
	}
	w.mu.Unlock()

	select {
	case <-w.stopCh:
		// already closed by a prior Stop call
	default:
		close(w.stopCh)
	}
	select {
	case <-w.doneCh:
	case <-time.After(deadline):
	}
}

// Close flushes and closes the underlying file. Callers should Stop the
// background loop first.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushLocked(); err != nil {
		return err
	}
	return w.file.Close()
}

// ErrorCount reports how many write/fsync failures have occurred.
func (w *Writer) ErrorCount() int64 { return atomic.LoadInt64(&w.errorCount) }

// encode frames rec as [len][json][crc32].
func encode(rec Record) ([]byte, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal wal record: %w", err)
	}
	sum := crc32.ChecksumIEEE(payload)

	buf := bytes.NewBuffer(make([]byte, 0, 4+len(payload)+4))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	buf.Write(lenBuf[:])
	buf.Write(payload)
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], sum)
	buf.Write(crcBuf[:])
	return buf.Bytes(), nil
}

// append is the shared enqueue path for AppendSet/AppendDel/AppendExpire.
func (w *Writer) append(rec Record) error {
	rec.Timestamp = w.clockNow()
	frame, err := encode(rec)
	if err != nil {
		atomic.AddInt64(&w.errorCount, 1)
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, frame)

	switch {
	case w.policy == FsyncAlways:
		if err := w.flushLocked(); err != nil {
			return err
		}
		if err := w.file.Sync(); err != nil {
			atomic.AddInt64(&w.errorCount, 1)
			return fmt.Errorf("wal fsync: %w", err)
		}
		return nil
	case len(w.pending) >= w.backpressureRecords:
		// Back-pressure (spec §4.6): the queue grew past the threshold,
		// so this caller pays for a synchronous flush of the whole batch.
		return w.flushLocked()
	default:
		return nil
	}
}

// flushLocked writes every pending frame to the file descriptor and clears
// the queue. It does not fsync; that is the caller's responsibility.
// Caller holds w.mu.
func (w *Writer) flushLocked() error {
	if len(w.pending) == 0 {
		return nil
	}
	for _, frame := range w.pending {
		if _, err := w.file.Write(frame); err != nil {
			atomic.AddInt64(&w.errorCount, 1)
			return fmt.Errorf("wal write: %w", err)
		}
	}
	w.pending = w.pending[:0]
	return nil
}

// AppendSet encodes and enqueues a SET record. ttlRemainingNano is nil for
// a key with no TTL. Satisfies internal/engine's WALWriter interface.
func (w *Writer) AppendSet(key string, value []byte, ttlRemainingNano *int64) error {
	return w.append(Record{Command: "SET", Key: key, Value: value, TTLRemainingNano: ttlRemainingNano})
}

// AppendDel encodes and enqueues a DEL record.
func (w *Writer) AppendDel(key string) error {
	return w.append(Record{Command: "DEL", Key: key})
}

// AppendExpire encodes and enqueues an EXPIRE record.
func (w *Writer) AppendExpire(key string, ttlRemainingNano *int64) error {
	return w.append(Record{Command: "EXPIRE", Key: key, TTLRemainingNano: ttlRemainingNano})
}

// Path returns the path of the active WAL file.
func (w *Writer) Path() string { return w.path }
