package replication

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// connEntry pairs a replica connection with the mutex that serializes
// every write to it. handleReplica holds this lock for the whole
// handshake response (fullsync or continue+catchup); broadcastLoop takes
// the same lock for each live frame. That ordering guarantees a frame
// appended the instant a replica is registered can never reach the wire
// ahead of the catch-up bytes the handshake is still writing.
type connEntry struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *connEntry) write(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(b)
	return err
}

// Master accepts replica connections and serves PSYNC/FULLSYNC handshakes
// (spec.md §4.10). It never blocks a client write on a slow replica: the
// backlog drops frames for subscribers that can't keep up, and a replica
// whose requested offset has fallen out of the backlog window is simply
// told to FULLSYNC again.
type Master struct {
	backlog   *Backlog
	snapshots SnapshotProvider
	logger    *zap.Logger

	mu       sync.Mutex
	conns    map[int]*connEntry
	nextConn int

	listener net.Listener
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewMaster(backlog *Backlog, snapshots SnapshotProvider, logger *zap.Logger) *Master {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Master{
		backlog:   backlog,
		snapshots: snapshots,
		logger:    logger,
		conns:     make(map[int]*connEntry),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Serve starts accepting replica connections on addr. Returns once the
// listener is bound; accepting happens in the background.
func (m *Master) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("replication listen: %w", err)
	}
	m.listener = ln
	go m.acceptLoop()
	go m.broadcastLoop()
	return nil
}

// Stop closes the listener and every replica connection.
func (m *Master) Stop() {
	close(m.stopCh)
	if m.listener != nil {
		m.listener.Close()
	}
	m.mu.Lock()
	for _, c := range m.conns {
		c.conn.Close()
	}
	m.mu.Unlock()
}

func (m *Master) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
				m.logger.Warn("replication accept failed", zap.Error(err))
				continue
			}
		}
		go m.handleReplica(conn)
	}
}

// broadcastLoop fans new backlog frames out to every currently connected
// replica in parallel (golang.org/x/sync/errgroup). A write that errors
// or times out drops that one replica without holding up the others or
// future Appends.
func (m *Master) broadcastLoop() {
	frames, cancel := m.backlog.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-m.stopCh:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			m.mu.Lock()
			targets := make(map[int]*connEntry, len(m.conns))
			for id, c := range m.conns {
				targets[id] = c
			}
			m.mu.Unlock()

			var g errgroup.Group
			for id, c := range targets {
				id, c := id, c
				g.Go(func() error {
					c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := c.write(frame); err != nil {
						m.removeConn(id)
						c.conn.Close()
					}
					return nil
				})
			}
			_ = g.Wait()
		}
	}
}

func (m *Master) addConn(c *connEntry) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextConn
	m.nextConn++
	m.conns[id] = c
	return id
}

func (m *Master) removeConn(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, id)
}

// ConnCount reports how many replicas are currently connected (surfaced
// by INFO replication).
func (m *Master) ConnCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// handleReplica runs the PSYNC handshake for one incoming connection,
// then registers it to receive live broadcast frames and blocks reading
// from it (purely to detect disconnect; replicas send nothing further).
//
// The connection is registered (added to m.conns, so broadcastLoop starts
// considering it a target) before the catch-up boundary is computed, not
// after: registering late leaves a window where a write landing between
// "read the current offset" and "subscribe this replica" is neither part
// of the catch-up read nor seen by the broadcast, producing a gap in the
// replica's offset stream. Registering early instead means broadcastLoop
// may try to write a live frame for this connection while the handshake
// response is still being written; connEntry's mutex (held for the
// entire handshake response below) makes broadcastLoop's write simply
// block until the catch-up bytes are flushed, so ordering is preserved.
func (m *Master) handleReplica(conn net.Conn) {
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		m.logger.Warn("replica handshake read failed", zap.Error(err))
		conn.Close()
		return
	}

	reqID, reqOffset, err := parsePSYNC(line)
	if err != nil {
		m.logger.Warn("malformed PSYNC", zap.Error(err), zap.String("line", line))
		conn.Close()
		return
	}

	ce := &connEntry{conn: conn}
	ce.mu.Lock()
	id := m.addConn(ce)
	defer func() {
		m.removeConn(id)
		conn.Close()
	}()

	currentID := m.backlog.ReplicationID()
	currentOffset := m.backlog.Offset()
	startOffset := m.backlog.StartOffset()

	var handshakeErr error
	if reqID != currentID || reqOffset < startOffset {
		handshakeErr = m.fullsyncLocked(conn, currentID, currentOffset)
	} else {
		catchup, ok := m.backlog.ReadFrom(reqOffset)
		if !ok {
			// Lost the race: the window closed between our check above
			// and ReadFrom. Fall back to a full resync.
			handshakeErr = m.fullsyncLocked(conn, currentID, m.backlog.Offset())
		} else {
			_, handshakeErr = fmt.Fprintf(conn, "+CONTINUE %s %d\r\n", currentID, currentOffset)
			if handshakeErr == nil && len(catchup) > 0 {
				_, handshakeErr = conn.Write(catchup)
			}
		}
	}
	ce.mu.Unlock()
	if handshakeErr != nil {
		m.logger.Warn("replica handshake response failed", zap.Error(handshakeErr))
		return
	}

	// Block on reads purely to notice disconnects; replicas never send
	// anything after the initial PSYNC line.
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

// fullsyncLocked writes the FULLSYNC handshake response directly to conn.
// Caller already holds the connEntry's write lock.
func (m *Master) fullsyncLocked(conn net.Conn, replID string, offset int64) error {
	if _, err := fmt.Fprintf(conn, "+FULLSYNC %s %d\r\n", replID, offset); err != nil {
		return err
	}
	data, snapOffset, err := m.snapshots.SnapshotAndOffset()
	if err != nil {
		return fmt.Errorf("build fullsync snapshot: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "$%d\r\n", len(data)); err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return err
	}
	if _, err := conn.Write([]byte("\r\n")); err != nil {
		return err
	}
	// Any writes that landed in the backlog between computing offset (in
	// the FULLSYNC header) and snapOffset (when the snapshot was actually
	// built) are re-delivered via the live broadcast this connection is
	// already registered for.
	_ = snapOffset
	return nil
}

// parsePSYNC parses "PSYNC <repl_id> <offset>\r\n" (or \n-terminated).
// repl_id "?" and offset -1 mean "fresh replica, no prior state".
func parsePSYNC(line string) (replID string, offset int64, err error) {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "PSYNC" {
		return "", 0, fmt.Errorf("expected PSYNC <repl_id> <offset>, got %q", line)
	}
	off, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("bad PSYNC offset %q: %w", fields[2], err)
	}
	return fields[1], off, nil
}
