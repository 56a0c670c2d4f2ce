package wal

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestWAL(t *testing.T, policy FsyncPolicy) (*Writer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := Open(path, Options{Policy: policy, FlushInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	w.Start()
	t.Cleanup(func() { w.Stop(time.Second); w.Close() })
	return w, path
}

func TestAppendAlwaysFlushesSynchronously(t *testing.T) {
	w, path := openTestWAL(t, FsyncAlways)
	require.NoError(t, w.AppendSet("k", []byte("v"), nil))

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "SET", rec.Command)
	assert.Equal(t, "k", rec.Key)
	assert.Equal(t, []byte("v"), rec.Value)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestAppendEverysecRequiresStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := Open(path, Options{Policy: FsyncEverySec, FlushInterval: time.Hour})
	require.NoError(t, err)
	w.Start()

	require.NoError(t, w.AppendSet("k", []byte("v"), nil))
	w.Stop(time.Second)
	require.NoError(t, w.Close())

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()
	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "k", rec.Key)
}

func TestAppendDelAndExpireRecordShapes(t *testing.T) {
	w, path := openTestWAL(t, FsyncAlways)
	require.NoError(t, w.AppendDel("k"))
	ttl := int64(12345)
	require.NoError(t, w.AppendExpire("k", &ttl))

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "DEL", rec.Command)

	rec, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "EXPIRE", rec.Command)
	require.NotNil(t, rec.TTLRemainingNano)
	assert.Equal(t, int64(12345), *rec.TTLRemainingNano)
}

func TestBackpressureForcesFlushAtThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := Open(path, Options{Policy: FsyncNo, FlushInterval: time.Hour, BackpressureRecords: 4})
	require.NoError(t, err)
	w.Start()
	defer func() { w.Stop(time.Second); w.Close() }()

	for i := 0; i < 4; i++ {
		require.NoError(t, w.AppendSet("k", []byte("v"), nil))
	}

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0), "the append that reaches the backpressure threshold should have flushed to disk")
}

func TestReaderDetectsCorruptTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := Open(path, Options{Policy: FsyncAlways})
	require.NoError(t, err)
	w.Start()
	require.NoError(t, w.AppendSet("good", []byte("v"), nil))
	w.Stop(time.Second)
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 50}) // claims a 50-byte payload that doesn't exist
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "good", rec.Key)

	_, err = r.Next()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestReaderDetectsBadChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := Open(path, Options{Policy: FsyncAlways})
	require.NoError(t, err)
	w.Start()
	require.NoError(t, w.AppendSet("k", []byte("v"), nil))
	w.Stop(time.Second)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF // flip a bit in the trailing CRC
	require.NoError(t, os.WriteFile(path, data, 0o644))

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Next()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestErrorCountStartsZero(t *testing.T) {
	w, _ := openTestWAL(t, FsyncAlways)
	assert.Equal(t, int64(0), w.ErrorCount())
}
