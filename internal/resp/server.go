package resp

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"redislite/internal/engine"
)

// SupportedCommands is the exact verb list spec.md §4.12 names, returned
// by COMMAND (SPEC_FULL.md §4 supplemented feature).
var SupportedCommands = []string{
	"PING", "ECHO", "SET", "GET", "DEL", "EXISTS", "EXPIRE", "TTL",
	"KEYS", "FLUSHDB", "DBSIZE", "INFO", "COMMAND", "SAVE", "SHUTDOWN",
}

// ReplicationStatus is what INFO's "# Replication" section reports. The
// RESP server only reads it; internal/replication's Master/Replica types
// are the actual source of truth, wired in by cmd/server.
type ReplicationStatus struct {
	Mode              string // "master", "replica", "standalone"
	ReplicationID     string
	ReplicationOffset int64
	ConnectedReplicas int
	MasterConnected   bool
}

// Server is the RESP/TCP front end over an Engine (spec.md §6's TCP/RESP
// server). It owns nothing about durability or replication directly -
// SAVE and SHUTDOWN are hooks supplied by cmd/server.
type Server struct {
	eng         *engine.Engine
	addr        string
	idleTimeout time.Duration
	logger      *zap.Logger

	onSave            func() error
	onShutdown        func()
	replicationStatus func() ReplicationStatus

	listener net.Listener
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Options configures a Server.
type Options struct {
	Addr              string
	IdleTimeout       time.Duration // default 30s (spec.md §5)
	Logger            *zap.Logger
	OnSave            func() error
	OnShutdown        func()
	ReplicationStatus func() ReplicationStatus
}

func NewServer(eng *engine.Engine, opts Options) *Server {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReplicationStatus == nil {
		opts.ReplicationStatus = func() ReplicationStatus { return ReplicationStatus{Mode: "standalone"} }
	}
	return &Server{
		eng:               eng,
		addr:              opts.Addr,
		idleTimeout:       opts.IdleTimeout,
		logger:            opts.Logger,
		onSave:            opts.OnSave,
		onShutdown:        opts.OnShutdown,
		replicationStatus: opts.ReplicationStatus,
		stopCh:            make(chan struct{}),
	}
}

// Serve binds the listener and accepts connections until Stop is called.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("resp listen: %w", err)
	}
	s.listener = ln
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and waits (best-effort) for in-flight
// connections to notice and exit.
func (s *Server) Stop(deadline time.Duration) {
	close(s.stopCh)
	if s.listener != nil {
		s.listener.Close()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Warn("resp accept failed", zap.Error(err))
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	r := bufio.NewReader(conn)
	for {
		conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		args, err := ReadCommand(r)
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("resp connection closed", zap.Error(err))
			}
			return
		}
		if len(args) == 0 {
			continue
		}
		if shutdown := s.dispatch(conn, args); shutdown {
			return
		}
	}
}

// dispatch executes one command and writes its reply. It returns true if
// the connection should be closed (SHUTDOWN was issued).
func (s *Server) dispatch(w io.Writer, args []string) (closeConn bool) {
	cmd := strings.ToUpper(args[0])
	switch cmd {
	case "PING":
		if len(args) > 1 {
			writeErrIO(s.logger, WriteBulkString(w, []byte(args[1])))
		} else {
			writeErrIO(s.logger, WriteSimpleString(w, "PONG"))
		}

	case "ECHO":
		if len(args) != 2 {
			s.wrongArgs(w, "echo")
			return false
		}
		writeErrIO(s.logger, WriteBulkString(w, []byte(args[1])))

	case "SET":
		s.cmdSet(w, args)

	case "GET":
		if len(args) != 2 {
			s.wrongArgs(w, "get")
			return false
		}
		val, ok, _ := s.eng.Get(args[1])
		if !ok {
			writeErrIO(s.logger, WriteNullBulk(w))
		} else {
			writeErrIO(s.logger, WriteBulkString(w, val))
		}

	case "DEL":
		s.cmdDel(w, args)

	case "EXISTS":
		s.cmdExists(w, args)

	case "EXPIRE":
		s.cmdExpire(w, args)

	case "TTL":
		if len(args) != 2 {
			s.wrongArgs(w, "ttl")
			return false
		}
		ttl, _ := s.eng.TTL(args[1])
		writeErrIO(s.logger, WriteInteger(w, int64(ttl)))

	case "KEYS":
		if len(args) != 2 {
			s.wrongArgs(w, "keys")
			return false
		}
		keys, _ := s.eng.Keys(args[1])
		items := make([][]byte, len(keys))
		for i, k := range keys {
			items[i] = []byte(k)
		}
		writeErrIO(s.logger, WriteArray(w, items))

	case "FLUSHDB":
		if _, err := s.eng.FlushDB(); err != nil {
			s.writeEngineErr(w, err)
		} else {
			writeErrIO(s.logger, WriteSimpleString(w, "OK"))
		}

	case "DBSIZE":
		n, _ := s.eng.DBSize()
		writeErrIO(s.logger, WriteInteger(w, int64(n)))

	case "INFO":
		writeErrIO(s.logger, WriteBulkString(w, []byte(s.formatInfo())))

	case "COMMAND":
		items := make([][]byte, len(SupportedCommands))
		for i, c := range SupportedCommands {
			items[i] = []byte(c)
		}
		writeErrIO(s.logger, WriteArray(w, items))

	case "SAVE":
		if s.onSave == nil {
			writeErrIO(s.logger, WriteSimpleString(w, "OK"))
			return false
		}
		if err := s.onSave(); err != nil {
			writeErrIO(s.logger, WriteError(w, "ERR save failed: "+err.Error()))
		} else {
			writeErrIO(s.logger, WriteSimpleString(w, "OK"))
		}

	case "SHUTDOWN":
		if s.onShutdown != nil {
			s.onShutdown()
		}
		return true

	default:
		writeErrIO(s.logger, WriteError(w, "ERR unknown command '"+args[0]+"'"))
	}
	return false
}

func (s *Server) cmdSet(w io.Writer, args []string) {
	if len(args) != 3 && len(args) != 5 {
		s.wrongArgs(w, "set")
		return
	}
	key, value := args[1], args[2]
	var ttl time.Duration
	if len(args) == 5 {
		if strings.ToUpper(args[3]) != "EX" {
			writeErrIO(s.logger, WriteError(w, "ERR syntax error"))
			return
		}
		secs, err := strconv.ParseInt(args[4], 10, 64)
		if err != nil || secs <= 0 {
			writeErrIO(s.logger, WriteError(w, "ERR invalid expire time in 'set' command"))
			return
		}
		ttl = time.Duration(secs) * time.Second
	}
	if _, err := s.eng.Set(key, []byte(value), ttl); err != nil {
		s.writeEngineErr(w, err)
		return
	}
	writeErrIO(s.logger, WriteSimpleString(w, "OK"))
}

func (s *Server) cmdDel(w io.Writer, args []string) {
	if len(args) < 2 {
		s.wrongArgs(w, "del")
		return
	}
	var count int64
	for _, key := range args[1:] {
		existed, _, err := s.eng.Del(key)
		if err != nil {
			s.writeEngineErr(w, err)
			return
		}
		if existed {
			count++
		}
	}
	writeErrIO(s.logger, WriteInteger(w, count))
}

func (s *Server) cmdExists(w io.Writer, args []string) {
	if len(args) < 2 {
		s.wrongArgs(w, "exists")
		return
	}
	var count int64
	for _, key := range args[1:] {
		exists, _ := s.eng.Exists(key)
		if exists {
			count++
		}
	}
	writeErrIO(s.logger, WriteInteger(w, count))
}

func (s *Server) cmdExpire(w io.Writer, args []string) {
	if len(args) != 3 {
		s.wrongArgs(w, "expire")
		return
	}
	secs, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		writeErrIO(s.logger, WriteError(w, "ERR value is not an integer or out of range"))
		return
	}
	ok, _, err := s.eng.Expire(args[1], time.Duration(secs)*time.Second)
	if err != nil {
		s.writeEngineErr(w, err)
		return
	}
	if ok {
		writeErrIO(s.logger, WriteInteger(w, 1))
	} else {
		writeErrIO(s.logger, WriteInteger(w, 0))
	}
}

func (s *Server) wrongArgs(w io.Writer, cmd string) {
	writeErrIO(s.logger, WriteError(w, "ERR wrong number of arguments for '"+cmd+"' command"))
}

func (s *Server) writeEngineErr(w io.Writer, err error) {
	// Policy errors (OOM, read-only replica) and transient I/O errors
	// both surface as -ERR to the client per spec.md §7; only the
	// server-side logging differs, not the reply.
	if !engine.IsPolicyError(err) {
		s.logger.Warn("mutating command failed", zap.Error(err))
	}
	writeErrIO(s.logger, WriteError(w, "ERR "+err.Error()))
}

func writeErrIO(logger *zap.Logger, err error) {
	if err != nil {
		logger.Debug("resp write failed", zap.Error(err))
	}
}

// formatInfo builds the INFO bulk-string body, grouped into sections the
// way original_source/api/tcp_server.py::_cmd_info does (SPEC_FULL.md §4
// supplemented feature), folding in a "# Replication" section the Python
// reference computes separately.
func (s *Server) formatInfo() string {
	info := s.eng.InfoSnapshot()
	repl := s.replicationStatus()

	var b strings.Builder
	fmt.Fprintf(&b, "# Server\r\nshard_count:%d\r\n\r\n", info.ShardCount)
	fmt.Fprintf(&b, "# Memory\r\nused_memory:%d\r\nmaxmemory:%d\r\neviction_policy:%s\r\n\r\n",
		info.MemoryBytes, info.MaxMemoryBytes, info.EvictionPolicy)
	fmt.Fprintf(&b, "# Stats\r\nread_only:%t\r\n\r\n", info.ReadOnly)
	fmt.Fprintf(&b, "# Keyspace\r\ndb0:keys=%d\r\n\r\n", info.Keys)
	fmt.Fprintf(&b, "# Replication\r\nrole:%s\r\nreplication_id:%s\r\nreplication_offset:%d\r\nconnected_replicas:%d\r\nmaster_connected:%t\r\n",
		repl.Mode, repl.ReplicationID, repl.ReplicationOffset, repl.ConnectedReplicas, repl.MasterConnected)
	return b.String()
}
