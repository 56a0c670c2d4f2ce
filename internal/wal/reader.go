package wal

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// ErrCorrupt is returned by Reader.Next when a record's CRC does not match
// its payload, or the file ends mid-record. Per spec §4.8, recovery must
// stop replay at this point rather than skip forward: a torn tail is the
// expected failure mode of power loss, and anything after it is untrusted.
var ErrCorrupt = errors.New("wal: corrupt or truncated record")

// Reader reads framed records from a WAL file in order, starting at byte
// offset 0. It does not interpret records; that is recovery's job.
type Reader struct {
	r      *bufio.Reader
	f      *os.File
	offset int64
}

// OpenReader opens path for sequential record-by-record reading.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wal for read: %w", err)
	}
	return &Reader{r: bufio.NewReader(f), f: f}, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error { return r.f.Close() }

// Offset returns the byte offset of the next record to be read.
func (r *Reader) Offset() int64 { return r.offset }

// Next reads and validates the next record. It returns io.EOF when the
// file is exhausted cleanly (no partial frame at all remains), or
// ErrCorrupt when a length/CRC check fails or the file ends mid-frame.
func (r *Reader) Next() (Record, error) {
	var lenBuf [4]byte
	n, err := io.ReadFull(r.r, lenBuf[:])
	if err == io.EOF && n == 0 {
		return Record{}, io.EOF
	}
	if err != nil {
		return Record{}, ErrCorrupt
	}
	length := binary.BigEndian.Uint32(lenBuf[:])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return Record{}, ErrCorrupt
	}

	var crcBuf [4]byte
	if _, err := io.ReadFull(r.r, crcBuf[:]); err != nil {
		return Record{}, ErrCorrupt
	}
	want := binary.BigEndian.Uint32(crcBuf[:])
	got := crc32.ChecksumIEEE(payload)
	if want != got {
		return Record{}, ErrCorrupt
	}

	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, ErrCorrupt
	}

	r.offset += int64(4 + len(payload) + 4)
	return rec, nil
}
