package resp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"redislite/internal/engine"
)

func newTestServer(t *testing.T) (*Server, *bytes.Buffer) {
	t.Helper()
	eng := engine.New(engine.Config{ShardCount: 4, Clock: engine.NewFakeClock(0)})
	s := NewServer(eng, Options{Addr: "127.0.0.1:0"})
	return s, &bytes.Buffer{}
}

func TestDispatchPing(t *testing.T) {
	s, buf := newTestServer(t)
	closeConn := s.dispatch(buf, []string{"PING"})
	assert.False(t, closeConn)
	assert.Equal(t, "+PONG\r\n", buf.String())
}

func TestDispatchPingWithMessage(t *testing.T) {
	s, buf := newTestServer(t)
	s.dispatch(buf, []string{"PING", "hi"})
	assert.Equal(t, "$2\r\nhi\r\n", buf.String())
}

func TestDispatchSetAndGet(t *testing.T) {
	s, buf := newTestServer(t)
	s.dispatch(buf, []string{"SET", "k", "v"})
	assert.Equal(t, "+OK\r\n", buf.String())

	buf.Reset()
	s.dispatch(buf, []string{"GET", "k"})
	assert.Equal(t, "$1\r\nv\r\n", buf.String())
}

func TestDispatchSetWithEX(t *testing.T) {
	s, buf := newTestServer(t)
	s.dispatch(buf, []string{"SET", "k", "v", "EX", "10"})
	assert.Equal(t, "+OK\r\n", buf.String())

	buf.Reset()
	s.dispatch(buf, []string{"TTL", "k"})
	assert.Equal(t, ":10\r\n", buf.String())
}

func TestDispatchSetWithBadEXSyntax(t *testing.T) {
	s, buf := newTestServer(t)
	s.dispatch(buf, []string{"SET", "k", "v", "PX", "10"})
	assert.Contains(t, buf.String(), "-ERR syntax error")
}

func TestDispatchGetMissingKeyReturnsNullBulk(t *testing.T) {
	s, buf := newTestServer(t)
	s.dispatch(buf, []string{"GET", "missing"})
	assert.Equal(t, "$-1\r\n", buf.String())
}

func TestDispatchDelCountsExistingKeysOnly(t *testing.T) {
	s, buf := newTestServer(t)
	s.dispatch(buf, []string{"SET", "a", "1"})
	buf.Reset()

	s.dispatch(buf, []string{"DEL", "a", "b"})
	assert.Equal(t, ":1\r\n", buf.String())
}

func TestDispatchExistsCountsMatches(t *testing.T) {
	s, buf := newTestServer(t)
	s.dispatch(buf, []string{"SET", "a", "1"})
	buf.Reset()

	s.dispatch(buf, []string{"EXISTS", "a", "a", "b"})
	assert.Equal(t, ":2\r\n", buf.String())
}

func TestDispatchExpireMissingKeyReturnsZero(t *testing.T) {
	s, buf := newTestServer(t)
	s.dispatch(buf, []string{"EXPIRE", "missing", "5"})
	assert.Equal(t, ":0\r\n", buf.String())
}

func TestDispatchKeysGlob(t *testing.T) {
	s, buf := newTestServer(t)
	s.dispatch(&bytes.Buffer{}, []string{"SET", "user:1", "v"})
	s.dispatch(&bytes.Buffer{}, []string{"SET", "order:1", "v"})

	s.dispatch(buf, []string{"KEYS", "user:*"})
	assert.Equal(t, "*1\r\n$6\r\nuser:1\r\n", buf.String())
}

func TestDispatchDBSizeAndFlushDB(t *testing.T) {
	s, buf := newTestServer(t)
	s.dispatch(&bytes.Buffer{}, []string{"SET", "a", "1"})

	s.dispatch(buf, []string{"DBSIZE"})
	assert.Equal(t, ":1\r\n", buf.String())

	buf.Reset()
	s.dispatch(buf, []string{"FLUSHDB"})
	assert.Equal(t, "+OK\r\n", buf.String())

	buf.Reset()
	s.dispatch(buf, []string{"DBSIZE"})
	assert.Equal(t, ":0\r\n", buf.String())
}

func TestDispatchCommandListsSupportedVerbs(t *testing.T) {
	s, buf := newTestServer(t)
	s.dispatch(buf, []string{"COMMAND"})
	assert.Contains(t, buf.String(), "SET")
	assert.Contains(t, buf.String(), "SHUTDOWN")
}

func TestDispatchUnknownCommand(t *testing.T) {
	s, buf := newTestServer(t)
	s.dispatch(buf, []string{"NOPE"})
	assert.Contains(t, buf.String(), "-ERR unknown command")
}

func TestDispatchWrongArgCount(t *testing.T) {
	s, buf := newTestServer(t)
	s.dispatch(buf, []string{"GET"})
	assert.Contains(t, buf.String(), "wrong number of arguments")
}

func TestDispatchShutdownClosesConnectionAndFiresHook(t *testing.T) {
	eng := engine.New(engine.Config{ShardCount: 4, Clock: engine.NewFakeClock(0)})
	fired := false
	s := NewServer(eng, Options{Addr: "127.0.0.1:0", OnShutdown: func() { fired = true }})

	closeConn := s.dispatch(&bytes.Buffer{}, []string{"SHUTDOWN"})
	assert.True(t, closeConn)
	assert.True(t, fired)
}

func TestDispatchSaveCallsHook(t *testing.T) {
	eng := engine.New(engine.Config{ShardCount: 4, Clock: engine.NewFakeClock(0)})
	called := false
	s := NewServer(eng, Options{Addr: "127.0.0.1:0", OnSave: func() error { called = true; return nil }})

	buf := &bytes.Buffer{}
	s.dispatch(buf, []string{"SAVE"})
	assert.True(t, called)
	assert.Equal(t, "+OK\r\n", buf.String())
}

func TestDispatchInfoIncludesReplicationSection(t *testing.T) {
	eng := engine.New(engine.Config{ShardCount: 4, Clock: engine.NewFakeClock(0)})
	s := NewServer(eng, Options{
		Addr: "127.0.0.1:0",
		ReplicationStatus: func() ReplicationStatus {
			return ReplicationStatus{Mode: "master", ReplicationID: "abc", ConnectedReplicas: 2}
		},
	})

	buf := &bytes.Buffer{}
	s.dispatch(buf, []string{"INFO"})
	require.Contains(t, buf.String(), "role:master")
	assert.Contains(t, buf.String(), "connected_replicas:2")
}
