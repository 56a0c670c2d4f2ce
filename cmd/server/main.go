// cmd/server is the main entrypoint for a single redislite node. A node
// is a TCP/RESP data-plane server plus an HTTP admin surface, backed by
// one sharded engine, a write-ahead log, and (depending on
// REDISLITE_REPLICATION_MODE) a replication master or replica.
//
// Configuration is entirely via REDISLITE_-prefixed environment
// variables (internal/config), so a single binary serves any role.
//
// Example — standalone node:
//
//	REDISLITE_DATA_DIR=/var/redislite/node1 ./server
//
// Example — master and replica:
//
//	REDISLITE_REPLICATION_MODE=master ./server
//	REDISLITE_REPLICATION_MODE=replica REDISLITE_REPLICA_HOST=localhost ./server
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"redislite/internal/api"
	"redislite/internal/config"
	"redislite/internal/engine"
	"redislite/internal/recovery"
	"redislite/internal/replication"
	"redislite/internal/resp"
	"redislite/internal/snapshot"
	"redislite/internal/wal"
)

const snapshotVersion = "1"

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal("create data dir", zap.String("dir", cfg.DataDir), zap.Error(err))
	}

	// ── Engine ───────────────────────────────────────────────────────────
	eng := engine.New(engine.Config{
		ShardCount:       cfg.LockStripeCount,
		MaxMemoryBytes:   cfg.MaxMemoryBytes,
		EvictionPolicy:   toEngineEviction(cfg.EvictionPolicy),
		TTLCheckInterval: time.Duration(cfg.TTLCheckIntervalMs) * time.Millisecond,
		MemoryResyncOps:  1000,
		Logger:           logger,
		ReadOnly:         cfg.ReplicationMode == config.ModeReplica,
	})

	// ── Recovery: load the last snapshot, then replay the WAL on top ───────
	walPath := filepath.Join(cfg.DataDir, recovery.WALFileName)
	snapshotPath := filepath.Join(cfg.DataDir, recovery.SnapshotFileName)
	stats, err := recovery.Recover(cfg.DataDir, eng, eng.Clock().NowNano(), logger)
	if err != nil {
		logger.Fatal("recovery failed", zap.Error(err))
	}
	logger.Info("recovery complete",
		zap.Int("snapshot_keys", stats.SnapshotKeys),
		zap.Int("wal_commands_replayed", stats.WALCommandsReplayed),
		zap.Int("corrupted_records_skipped", stats.CorruptedRecordsSkipped))

	// ── Write-ahead log ──────────────────────────────────────────────────
	// Wrapped in a rotatingWAL so periodic snapshot+rotate can swap the
	// underlying *wal.Writer without the engine ever needing to know.
	activeWAL, err := wal.Open(walPath, wal.Options{
		Policy:        toWALPolicy(cfg.AOFFsyncPolicy),
		FlushInterval: time.Duration(cfg.AOFFsyncIntervalSecs * float64(time.Second)),
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("open wal", zap.Error(err))
	}
	activeWAL.Start()
	rotWAL := newRotatingWAL(activeWAL)
	eng.AttachWAL(rotWAL)

	// ── Replication ──────────────────────────────────────────────────────
	var master *replication.Master
	var replica *replication.Replica
	var backlog *replication.Backlog

	switch cfg.ReplicationMode {
	case config.ModeMaster:
		backlog = replication.NewBacklog(replication.DefaultCapacityBytes, generateReplicationID())
		eng.AttachReplicationSink(backlog)
		master = replication.NewMaster(backlog, &masterSnapshotProvider{eng: eng, backlog: backlog}, logger)
		replAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.ReplicationPort)
		if err := master.Serve(replAddr); err != nil {
			logger.Fatal("replication master listen", zap.String("addr", replAddr), zap.Error(err))
		}
		logger.Info("replication master listening", zap.String("addr", replAddr))

	case config.ModeReplica:
		masterAddr := fmt.Sprintf("%s:%d", cfg.ReplicaHost, cfg.ReplicaPort)
		replica = replication.NewReplica(eng, masterAddr, logger)
		replica.SetClock(eng.Clock().NowNano)
		replica.Start()
		logger.Info("replica connecting to master", zap.String("master", masterAddr))
	}

	// ── Background snapshotting ──────────────────────────────────────────
	eng.Start()
	snapWriter := snapshot.NewWriter(snapshotPath, snapshotVersion, logger)
	stopSnapshots := make(chan struct{})
	go runSnapshotLoop(eng, rotWAL, snapWriter, cfg, walPath, logger, stopSnapshots)

	// ── RESP (data-plane) server ────────────────────────────────────────
	respAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.TCPPort)
	respServer := resp.NewServer(eng, resp.Options{
		Addr:   respAddr,
		Logger: logger,
		OnSave: func() error {
			return snapWriter.Save(context.Background(), eng, time.Now().UnixNano())
		},
		ReplicationStatus: func() resp.ReplicationStatus { return replicationStatus(cfg, master, replica, backlog) },
	})
	if err := respServer.Serve(); err != nil {
		logger.Fatal("resp server listen", zap.String("addr", respAddr), zap.Error(err))
	}
	logger.Info("resp server listening", zap.String("addr", respAddr))

	// ── HTTP admin server ────────────────────────────────────────────────
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(api.Logger(logger), api.Recovery(logger))

	handler := api.NewHandler(eng, func() error {
		return snapWriter.Save(context.Background(), eng, time.Now().UnixNano())
	}, nil, func() resp.ReplicationStatus { return replicationStatus(cfg, master, replica, backlog) })
	handler.Register(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	httpAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.TCPPort+1000)
	httpSrv := &http.Server{
		Addr:         httpAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http admin server listening", zap.String("addr", httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	close(stopSnapshots)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
	}
	respServer.Stop(5 * time.Second)
	if master != nil {
		master.Stop()
	}
	if replica != nil {
		replica.Stop(5 * time.Second)
	}

	if err := snapWriter.Save(context.Background(), eng, time.Now().UnixNano()); err != nil {
		logger.Warn("final snapshot failed", zap.Error(err))
	}
	eng.Stop(5 * time.Second)
	current := rotWAL.current()
	current.Stop(5 * time.Second)
	current.Close()

	logger.Info("shutdown complete")
}

// rotatingWAL lets the periodic snapshot loop swap the underlying
// *wal.Writer after each rotation without the engine (which only holds
// the engine.WALWriter interface) ever needing to know a swap happened.
type rotatingWAL struct {
	mu sync.RWMutex
	w  *wal.Writer
}

func newRotatingWAL(w *wal.Writer) *rotatingWAL { return &rotatingWAL{w: w} }

func (r *rotatingWAL) current() *wal.Writer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.w
}

func (r *rotatingWAL) swap(w *wal.Writer) {
	r.mu.Lock()
	r.w = w
	r.mu.Unlock()
}

func (r *rotatingWAL) AppendSet(key string, value []byte, ttlRemainingNano *int64) error {
	return r.current().AppendSet(key, value, ttlRemainingNano)
}

func (r *rotatingWAL) AppendDel(key string) error {
	return r.current().AppendDel(key)
}

func (r *rotatingWAL) AppendExpire(key string, ttlRemainingNano *int64) error {
	return r.current().AppendExpire(key, ttlRemainingNano)
}

// runSnapshotLoop takes a snapshot and rotates the WAL on the configured
// interval, archiving the prior WAL rather than deleting it (spec.md
// §4.7) so a crash mid-rotation still has something to replay.
func runSnapshotLoop(eng *engine.Engine, rotWAL *rotatingWAL, snapWriter *snapshot.Writer, cfg config.Config, walPath string, logger *zap.Logger, stop <-chan struct{}) {
	interval := time.Duration(cfg.SnapshotIntervalSecs * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := time.Now().UnixNano()
			if err := snapWriter.Save(context.Background(), eng, now); err != nil {
				logger.Warn("periodic snapshot failed", zap.Error(err))
				continue
			}
			fresh, err := snapshot.RotateWAL(rotWAL.current(), cfg.DataDir, walPath, wal.Options{
				Policy:        toWALPolicy(cfg.AOFFsyncPolicy),
				FlushInterval: time.Duration(cfg.AOFFsyncIntervalSecs * float64(time.Second)),
				Logger:        logger,
			}, now, logger)
			if err != nil {
				logger.Warn("wal rotation failed", zap.Error(err))
				continue
			}
			rotWAL.swap(fresh)
		}
	}
}

func toEngineEviction(p config.EvictionPolicy) engine.EvictionPolicy {
	if p == config.EvictionNone {
		return engine.EvictionNone
	}
	return engine.EvictionLRU
}

func toWALPolicy(p config.FsyncPolicy) wal.FsyncPolicy {
	switch p {
	case config.FsyncAlways:
		return wal.FsyncAlways
	case config.FsyncNo:
		return wal.FsyncNo
	default:
		return wal.FsyncEverySec
	}
}

// masterSnapshotProvider implements replication.SnapshotProvider by
// marshaling the live engine state the same way internal/snapshot would
// persist it to disk, paired with the backlog's current offset so a
// freshly FULLSYNC'd replica knows exactly where the streamed tail begins.
type masterSnapshotProvider struct {
	eng     *engine.Engine
	backlog *replication.Backlog
}

func (p *masterSnapshotProvider) SnapshotAndOffset() ([]byte, int64, error) {
	entries := p.eng.Snapshot()
	keys := make(map[string]snapshotKeyEntry, len(entries))
	for _, se := range entries {
		ke := snapshotKeyEntry{Value: se.Value}
		if se.HasTTL {
			nanos := int64(se.TTLRemaining)
			ke.TTLRemainingNano = &nanos
		}
		keys[se.Key] = ke
	}
	data, err := json.Marshal(snapshotWireDoc{Keys: keys})
	if err != nil {
		return nil, 0, fmt.Errorf("marshal fullsync snapshot: %w", err)
	}
	return data, p.backlog.Offset(), nil
}

// snapshotWireDoc/snapshotKeyEntry mirror internal/replication/replica.go's
// snapshotWire decoding shape - the FULLSYNC payload a replica reads.
type snapshotWireDoc struct {
	Keys map[string]snapshotKeyEntry `json:"keys"`
}

type snapshotKeyEntry struct {
	Value            []byte `json:"value"`
	TTLRemainingNano *int64 `json:"ttl_remaining,omitempty"`
}

func replicationStatus(cfg config.Config, master *replication.Master, replica *replication.Replica, backlog *replication.Backlog) resp.ReplicationStatus {
	switch cfg.ReplicationMode {
	case config.ModeMaster:
		return resp.ReplicationStatus{
			Mode:              "master",
			ReplicationID:     backlog.ReplicationID(),
			ReplicationOffset: backlog.Offset(),
			ConnectedReplicas: master.ConnCount(),
			MasterConnected:   true,
		}
	case config.ModeReplica:
		return resp.ReplicationStatus{
			Mode:              "replica",
			ReplicationOffset: replica.LastOffset(),
			MasterConnected:   replica.Connected(),
		}
	default:
		return resp.ReplicationStatus{Mode: "standalone"}
	}
}

func generateReplicationID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
