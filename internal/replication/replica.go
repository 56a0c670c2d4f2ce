package replication

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// streamOp mirrors internal/engine's replicatedOp wire shape (same JSON
// field names). Duplicated here rather than imported so this package
// never depends on internal/engine; any change to one must be mirrored
// in the other. TTLRemainingNano is relative, not an absolute deadline -
// see replica.apply for why.
type streamOp struct {
	Op               string `json:"op"`
	Key              string `json:"key"`
	Value            []byte `json:"value,omitempty"`
	TTLRemainingNano *int64 `json:"ttl_remaining,omitempty"`
}

// snapshotWire mirrors internal/snapshot's Document shape closely enough
// to decode a FULLSYNC payload without importing that package (which
// itself imports internal/engine - a replica must stay decoupled from
// the concrete engine type and only talk through Applier).
type snapshotWire struct {
	Keys map[string]struct {
		Value            []byte `json:"value"`
		TTLRemainingNano *int64 `json:"ttl_remaining,omitempty"`
	} `json:"keys"`
}

// Replica connects to a master, performs the PSYNC handshake, applies the
// resulting FULLSYNC snapshot or CONTINUE stream to a local Applier, and
// reconnects with exponential backoff on disconnect (spec.md §4.11).
type Replica struct {
	applier    Applier
	masterAddr string
	logger     *zap.Logger
	nowNano    func() int64

	mu         sync.Mutex
	replID     string
	lastOffset int64
	connected  bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewReplica constructs a Replica with a fresh ("?", -1) cursor. nowNano
// defaults to wall-clock time; call SetClock before Start to rebase
// incoming TTL-remaining values against the applier's own clock instead
// (required whenever applier is a *engine.Engine, since its deadlines are
// monotonic-clock ticks, not wall-clock time).
func NewReplica(applier Applier, masterAddr string, logger *zap.Logger) *Replica {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replica{
		applier:    applier,
		masterAddr: masterAddr,
		logger:     logger,
		nowNano:    func() int64 { return time.Now().UnixNano() },
		replID:     "?",
		lastOffset: -1,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// SetClock overrides the nowNano source used to rebase incoming
// TTL-remaining values (from both the FULLSYNC snapshot and the live
// stream) into this process's deadline domain. Must be called before
// Start.
func (r *Replica) SetClock(nowNano func() int64) { r.nowNano = nowNano }

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Start launches the connect/apply/reconnect loop in the background.
func (r *Replica) Start() { go r.runLoop() }

// Stop signals the loop to exit and waits up to deadline for it to do so.
func (r *Replica) Stop(deadline time.Duration) {
	close(r.stopCh)
	select {
	case <-r.doneCh:
	case <-time.After(deadline):
	}
}

// Connected reports whether the replica currently has a live connection
// to its master (surfaced by INFO replication).
func (r *Replica) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// LastOffset reports the last backlog offset successfully applied.
func (r *Replica) LastOffset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastOffset
}

func (r *Replica) runLoop() {
	defer close(r.doneCh)
	backoff := minBackoff
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		ranOK := r.connectAndStream()
		r.setConnected(false)
		if ranOK {
			backoff = minBackoff
		} else {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		select {
		case <-r.stopCh:
			return
		case <-time.After(backoff):
		}
	}
}

func (r *Replica) setConnected(v bool) {
	r.mu.Lock()
	r.connected = v
	r.mu.Unlock()
}

// connectAndStream dials the master, performs one PSYNC handshake, and
// applies whatever follows until the connection drops. Returns true if
// the handshake at least completed (used to decide whether to reset the
// backoff timer).
func (r *Replica) connectAndStream() bool {
	conn, err := net.DialTimeout("tcp", r.masterAddr, 5*time.Second)
	if err != nil {
		r.logger.Warn("replica dial failed", zap.String("master", r.masterAddr), zap.Error(err))
		return false
	}
	defer conn.Close()

	r.mu.Lock()
	replID, offset := r.replID, r.lastOffset
	r.mu.Unlock()

	if _, err := fmt.Fprintf(conn, "PSYNC %s %d\r\n", replID, offset); err != nil {
		r.logger.Warn("replica psync write failed", zap.Error(err))
		return false
	}

	reader := bufio.NewReader(conn)
	header, err := reader.ReadString('\n')
	if err != nil {
		r.logger.Warn("replica handshake response read failed", zap.Error(err))
		return false
	}

	kind, newID, newOffset, err := parseHandshakeReply(header)
	if err != nil {
		r.logger.Warn("malformed handshake reply", zap.Error(err), zap.String("header", header))
		return false
	}

	if kind == "FULLSYNC" {
		snapshot, err := readLengthPrefixed(reader)
		if err != nil {
			r.logger.Warn("replica fullsync snapshot read failed", zap.Error(err))
			return false
		}
		r.applySnapshot(snapshot)
		r.logger.Info("replica applied fullsync snapshot", zap.Int("bytes", len(snapshot)))
	}

	r.mu.Lock()
	r.replID = newID
	r.lastOffset = newOffset
	r.mu.Unlock()
	r.setConnected(true)

	for {
		select {
		case <-r.stopCh:
			return true
		default:
		}
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				r.logger.Warn("replica stream read failed", zap.Error(err))
			}
			return true
		}
		var op streamOp
		if err := json.Unmarshal(line[:len(line)-1], &op); err != nil {
			r.logger.Warn("replica dropping malformed stream record", zap.Error(err))
			continue
		}
		r.apply(op)

		r.mu.Lock()
		r.lastOffset += int64(len(line))
		r.mu.Unlock()
	}
}

func (r *Replica) apply(op streamOp) {
	var deadline int64
	if op.TTLRemainingNano != nil {
		deadline = r.nowNano() + *op.TTLRemainingNano
	}
	var err error
	switch op.Op {
	case "SET":
		err = r.applier.ApplySET(op.Key, op.Value, deadline)
	case "DEL":
		err = r.applier.ApplyDEL(op.Key)
	case "EXPIRE":
		err = r.applier.ApplyEXPIRE(op.Key, deadline)
	}
	if err != nil {
		r.logger.Warn("replica apply failed", zap.String("op", op.Op), zap.String("key", op.Key), zap.Error(err))
	}
}

func (r *Replica) applySnapshot(data []byte) {
	var doc snapshotWire
	if err := json.Unmarshal(data, &doc); err != nil {
		r.logger.Warn("replica could not decode fullsync snapshot", zap.Error(err))
		return
	}
	now := r.nowNano()
	for key, ke := range doc.Keys {
		var deadline int64
		if ke.TTLRemainingNano != nil {
			deadline = now + *ke.TTLRemainingNano
		}
		if err := r.applier.ApplySET(key, ke.Value, deadline); err != nil {
			r.logger.Warn("replica apply during fullsync failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// parseHandshakeReply parses "+FULLSYNC <id> <offset>\r\n" or
// "+CONTINUE <id> <offset>\r\n".
func parseHandshakeReply(line string) (kind, replID string, offset int64, err error) {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '+' {
		return "", "", 0, fmt.Errorf("expected a +FULLSYNC/+CONTINUE header, got %q", line)
	}
	fields := strings.Fields(trimmed[1:])
	if len(fields) != 3 {
		return "", "", 0, fmt.Errorf("malformed handshake header %q", line)
	}
	kind = fields[0]
	if kind != "FULLSYNC" && kind != "CONTINUE" {
		return "", "", 0, fmt.Errorf("unknown handshake kind %q", kind)
	}
	off, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return "", "", 0, fmt.Errorf("bad handshake offset %q: %w", fields[2], err)
	}
	return kind, fields[1], off, nil
}

// readLengthPrefixed reads "$<n>\r\n<n bytes>\r\n" and returns the n bytes.
func readLengthPrefixed(r *bufio.Reader) ([]byte, error) {
	header, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	header = strings.TrimSpace(header)
	if len(header) == 0 || header[0] != '$' {
		return nil, fmt.Errorf("expected $<len> header, got %q", header)
	}
	n, err := strconv.Atoi(header[1:])
	if err != nil {
		return nil, fmt.Errorf("bad length-prefix %q: %w", header, err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	trailer := make([]byte, 2)
	if _, err := io.ReadFull(r, trailer); err != nil {
		return nil, err
	}
	return buf, nil
}
