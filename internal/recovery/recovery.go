// Package recovery implements startup recovery (spec.md §4.8): load the
// latest snapshot, then replay the active write-ahead log in order,
// stopping at the first corrupted or truncated record rather than
// skipping past it.
package recovery

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"redislite/internal/engine"
	"redislite/internal/snapshot"
	"redislite/internal/wal"
)

const (
	SnapshotFileName = "dump.json"
	WALFileName      = "aof.wal"
)

// Stats reports what recovery did, logged at startup rather than applied
// silently (SPEC_FULL.md §4 supplemented feature, grounded in
// original_source/api/persistence.py's RecoveryManager.recover).
type Stats struct {
	SnapshotKeys            int
	WALCommandsReplayed     int
	CorruptedRecordsSkipped int
	Duration                time.Duration
}

// Recover loads dataDir's snapshot (if any) and replays its active WAL
// (if any) into eng, applying each record with no WAL write and no
// replication enqueue. eng must not yet be serving client commands.
func Recover(dataDir string, eng *engine.Engine, nowNano int64, logger *zap.Logger) (Stats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	start := time.Now()
	var stats Stats

	snapPath := filepath.Join(dataDir, SnapshotFileName)
	doc, err := snapshot.Load(snapPath)
	if err != nil {
		return stats, fmt.Errorf("load snapshot: %w", err)
	}
	if doc != nil {
		snapshot.Apply(eng, doc, nowNano)
		stats.SnapshotKeys = len(doc.Keys)
	}

	walPath := filepath.Join(dataDir, WALFileName)
	if _, statErr := os.Stat(walPath); statErr == nil {
		if err := replayWAL(walPath, eng, nowNano, &stats, logger); err != nil {
			return stats, err
		}
	} else if !os.IsNotExist(statErr) {
		return stats, fmt.Errorf("stat wal: %w", statErr)
	}

	stats.Duration = time.Since(start)
	logger.Info("recovery complete",
		zap.Int("snapshot_keys", stats.SnapshotKeys),
		zap.Int("wal_commands_replayed", stats.WALCommandsReplayed),
		zap.Int("corrupted_records_skipped", stats.CorruptedRecordsSkipped),
		zap.Duration("duration", stats.Duration),
	)
	return stats, nil
}

func replayWAL(walPath string, eng *engine.Engine, nowNano int64, stats *Stats, logger *zap.Logger) error {
	r, err := wal.OpenReader(walPath)
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer r.Close()

	for {
		rec, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err == wal.ErrCorrupt {
			// Rationale: a torn tail is the expected failure mode of
			// power loss. Anything past it is untrustworthy, so replay
			// stops here instead of skipping forward.
			stats.CorruptedRecordsSkipped++
			logger.Warn("wal corruption detected, stopping replay",
				zap.String("path", walPath), zap.Int64("offset", r.Offset()))
			return nil
		}
		if err != nil {
			return fmt.Errorf("read wal record: %w", err)
		}
		applyRecord(eng, rec, nowNano)
		stats.WALCommandsReplayed++
	}
}

// applyRecord rebases rec's TTL-remaining value against nowNano - the
// engine's own clock reading at recovery startup - into an absolute
// deadline. The WAL stores relative TTLs precisely because an absolute
// deadline from a prior process's monotonic clock has no meaning here.
func applyRecord(eng *engine.Engine, rec wal.Record, nowNano int64) {
	var deadline int64
	if rec.TTLRemainingNano != nil {
		deadline = nowNano + *rec.TTLRemainingNano
	}
	switch rec.Command {
	case "SET":
		_ = eng.ApplySET(rec.Key, rec.Value, deadline)
	case "DEL":
		_ = eng.ApplyDEL(rec.Key)
	case "EXPIRE":
		_ = eng.ApplyEXPIRE(rec.Key, deadline)
	}
}
