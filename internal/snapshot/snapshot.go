// Package snapshot produces and loads the atomic point-in-time dump of
// live keys described in spec.md §4.7, and rotates the write-ahead log
// once a snapshot has safely landed on disk.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"redislite/internal/engine"
	"redislite/internal/wal"
)

// Document is the self-describing on-disk snapshot shape (spec.md §3).
type Document struct {
	Timestamp int64               `json:"timestamp"`
	Metadata  Metadata            `json:"metadata"`
	Keys      map[string]KeyEntry `json:"keys"`
}

type Metadata struct {
	Version string `json:"version"`
}

// KeyEntry is one snapshotted key. Value round-trips through JSON as a
// base64 string (encoding/json's default []byte handling), preserving
// binary safety. TTLRemainingNano is nil for keys with no expiry.
type KeyEntry struct {
	Value            []byte `json:"value"`
	TTLRemainingNano *int64 `json:"ttl_remaining,omitempty"`
}

// Writer builds and atomically persists Documents.
type Writer struct {
	path    string // e.g. <data_dir>/dump.json
	version string
	logger  *zap.Logger
}

func NewWriter(path, version string, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{path: path, version: version, logger: logger}
}

// Save builds a Document by fanning out a parallel per-shard copy-out
// across eng's shards (errgroup, since shards are independent and spec.md
// §4.2 promises no ordering between them), then writes it atomically via
// tmp-file + fsync + rename onto w.path.
func (w *Writer) Save(ctx context.Context, eng *engine.Engine, nowUnixNano int64) error {
	doc, err := w.build(ctx, eng, nowUnixNano)
	if err != nil {
		return fmt.Errorf("build snapshot: %w", err)
	}
	if err := writeAtomic(w.path, doc); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	w.logger.Info("snapshot written", zap.String("path", w.path), zap.Int("keys", len(doc.Keys)))
	return nil
}

func (w *Writer) build(ctx context.Context, eng *engine.Engine, nowUnixNano int64) (*Document, error) {
	n := eng.ShardCount()
	perShard := make([][]engine.SnapshotEntry, n)

	g, _ := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			perShard[i] = eng.SnapshotShard(i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	keys := make(map[string]KeyEntry)
	for _, entries := range perShard {
		for _, se := range entries {
			ke := KeyEntry{Value: se.Value}
			if se.HasTTL {
				nanos := int64(se.TTLRemaining)
				ke.TTLRemainingNano = &nanos
			}
			keys[se.Key] = ke
		}
	}

	return &Document{
		Timestamp: nowUnixNano,
		Metadata:  Metadata{Version: w.version},
		Keys:      keys,
	}, nil
}

// writeAtomic marshals doc to path+".tmp", fsyncs it, and renames it onto
// path - the tmp-file + fsync + rename pattern spec.md §4.7 requires so a
// reader never observes a half-written snapshot.
func writeAtomic(path string, doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create tmp snapshot: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write tmp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync tmp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close tmp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename snapshot into place: %w", err)
	}
	return nil
}

// Load reads the snapshot at path. A missing file is not an error: it
// just means there is nothing to recover from yet (returns nil, nil).
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot %s: %w", path, err)
	}
	return &doc, nil
}

// Apply installs every key in doc into eng as a SET, without touching the
// WAL or any replication backlog (spec.md §4.8 step 1). nowNano converts
// each key's remaining TTL back into an absolute deadline.
func Apply(eng *engine.Engine, doc *Document, nowNano int64) {
	if doc == nil {
		return
	}
	for key, ke := range doc.Keys {
		var deadline int64
		if ke.TTLRemainingNano != nil {
			deadline = nowNano + *ke.TTLRemainingNano
		}
		_ = eng.ApplySET(key, ke.Value, deadline)
	}
}

// ArchivePath names the archived WAL file a successful rotation produces:
// aof.log.<unix_ts> in dataDir (spec.md §6's file table).
func ArchivePath(dataDir string, unixTS int64) string {
	return filepath.Join(dataDir, fmt.Sprintf("aof.log.%d", unixTS))
}

// RotateWAL archives the active WAL and opens a fresh one in its place.
// Called after a snapshot has safely landed on disk (spec.md §4.7): the
// current WAL is renamed aside (not deleted - "the next snapshot will
// supersede it") and a new, empty WAL begins accepting writes. Writes
// that land between the snapshot copy-out and this rotation stay in the
// archived file and are simply covered by the next snapshot instead.
func RotateWAL(active *wal.Writer, dataDir string, activeWALPath string, opts wal.Options, unixTS int64, logger *zap.Logger) (*wal.Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	active.Stop(5 * time.Second)
	if err := active.Close(); err != nil {
		return nil, fmt.Errorf("close active wal: %w", err)
	}

	archivePath := ArchivePath(dataDir, unixTS)
	if err := os.Rename(activeWALPath, archivePath); err != nil {
		return nil, fmt.Errorf("archive wal: %w", err)
	}

	fresh, err := wal.Open(activeWALPath, opts)
	if err != nil {
		return nil, fmt.Errorf("open fresh wal: %w", err)
	}
	fresh.Start()
	logger.Info("wal rotated", zap.String("archived_to", archivePath))
	return fresh, nil
}
