// Package config loads the server's configuration surface from
// REDISLITE_-prefixed environment variables, grounded in
// original_source/api/config.py's RedisLiteConfig.from_env. cmd/server
// takes no command-line flags; this package is its only configuration
// source.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// EvictionPolicy is a validated enum mirroring the Python reference's
// EvictionPolicy.
type EvictionPolicy string

const (
	EvictionLRU  EvictionPolicy = "lru"
	EvictionNone EvictionPolicy = "none"
)

// FsyncPolicy is a validated enum mirroring the Python reference's
// FsyncPolicy (Redis-compatible appendfsync values).
type FsyncPolicy string

const (
	FsyncAlways   FsyncPolicy = "always"
	FsyncEverySec FsyncPolicy = "everysec"
	FsyncNo       FsyncPolicy = "no"
)

// ReplicationMode selects the node's role (spec.md §6).
type ReplicationMode string

const (
	ModeMaster     ReplicationMode = "master"
	ModeReplica    ReplicationMode = "replica"
	ModeStandalone ReplicationMode = "standalone"
)

// Config is the complete, validated configuration surface spec.md §6
// enumerates.
type Config struct {
	TCPPort         int
	ReplicationPort int
	Host            string
	DataDir         string

	MaxMemoryBytes     int64
	EvictionPolicy     EvictionPolicy
	TTLCheckIntervalMs int
	LockStripeCount    int

	AOFFsyncPolicy       FsyncPolicy
	AOFFsyncIntervalSecs float64
	SnapshotIntervalSecs float64

	ReplicationMode ReplicationMode
	ReplicaHost     string
	ReplicaPort     int

	MaxClients               int
	MaxClientBufferBytes     int64
	SocketKeepalive          bool
	SocketKeepaliveIntervalS int

	LogLevel string
}

// FromEnv loads Config from REDISLITE_-prefixed environment variables,
// falling back to the defaults below for anything unset, then validates
// the result.
func FromEnv() (Config, error) {
	cfg := Config{
		TCPPort:         getInt("TCP_PORT", 6379),
		ReplicationPort: getInt("REPLICATION_PORT", 6380),
		Host:            getStr("HOST", "0.0.0.0"),
		DataDir:         getStr("DATA_DIR", "./data"),

		MaxMemoryBytes:     getInt64("MAX_MEMORY_BYTES", 100*1024*1024),
		EvictionPolicy:     EvictionPolicy(getStr("EVICTION_POLICY", string(EvictionLRU))),
		TTLCheckIntervalMs: getInt("TTL_CHECK_INTERVAL_MS", 100),
		LockStripeCount:    getInt("LOCK_STRIPE_COUNT", 16),

		AOFFsyncPolicy:       FsyncPolicy(getStr("AOF_FSYNC_POLICY", string(FsyncEverySec))),
		AOFFsyncIntervalSecs: getFloat("AOF_FSYNC_INTERVAL_SECS", 1.0),
		SnapshotIntervalSecs: getFloat("SNAPSHOT_INTERVAL_SECS", 30.0),

		ReplicationMode: ReplicationMode(getStr("REPLICATION_MODE", string(ModeStandalone))),
		ReplicaHost:     getStr("REPLICA_HOST", ""),
		ReplicaPort:     getInt("REPLICA_PORT", 6380),

		MaxClients:               getInt("MAX_CLIENTS", 1000),
		MaxClientBufferBytes:     getInt64("MAX_CLIENT_BUFFER_BYTES", 10*1024*1024),
		SocketKeepalive:          getBool("SOCKET_KEEPALIVE", true),
		SocketKeepaliveIntervalS: getInt("SOCKET_KEEPALIVE_INTERVAL_SEC", 300),

		LogLevel: getStr("LOG_LEVEL", "INFO"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the closed enums and basic sanity bounds, failing fast
// before any listener binds (SPEC_FULL.md §2.3).
func (c Config) Validate() error {
	switch c.EvictionPolicy {
	case EvictionLRU, EvictionNone:
	default:
		return fmt.Errorf("invalid eviction_policy %q: must be lru or none", c.EvictionPolicy)
	}
	switch c.AOFFsyncPolicy {
	case FsyncAlways, FsyncEverySec, FsyncNo:
	default:
		return fmt.Errorf("invalid aof_fsync_policy %q: must be always, everysec, or no", c.AOFFsyncPolicy)
	}
	switch c.ReplicationMode {
	case ModeMaster, ModeReplica, ModeStandalone:
	default:
		return fmt.Errorf("invalid replication_mode %q: must be master, replica, or standalone", c.ReplicationMode)
	}
	if c.ReplicationMode == ModeReplica && c.ReplicaHost == "" {
		return fmt.Errorf("replication_mode=replica requires replica_host to be set")
	}
	if c.TCPPort < 1 || c.TCPPort > 65535 {
		return fmt.Errorf("invalid tcp_port: %d", c.TCPPort)
	}
	if c.ReplicationPort < 1 || c.ReplicationPort > 65535 {
		return fmt.Errorf("invalid replication_port: %d", c.ReplicationPort)
	}
	if c.TCPPort == c.ReplicationPort {
		return fmt.Errorf("tcp_port and replication_port cannot be the same")
	}
	if c.MaxMemoryBytes < 0 {
		return fmt.Errorf("max_memory_bytes cannot be negative")
	}
	if c.TTLCheckIntervalMs < 1 {
		return fmt.Errorf("ttl_check_interval_ms too small: %d", c.TTLCheckIntervalMs)
	}
	if c.LockStripeCount < 1 {
		return fmt.Errorf("lock_stripe_count too small: %d", c.LockStripeCount)
	}
	if c.AOFFsyncIntervalSecs < 0.01 {
		return fmt.Errorf("aof_fsync_interval_secs too small: %f", c.AOFFsyncIntervalSecs)
	}
	if c.SnapshotIntervalSecs < 1 {
		return fmt.Errorf("snapshot_interval_secs too small: %f", c.SnapshotIntervalSecs)
	}
	return nil
}

const envPrefix = "REDISLITE_"

func getStr(key, def string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func getInt64(key string, def int64) int64 {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getFloat(key string, def float64) float64 {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def
	}
	return f
}

func getBool(key string, def bool) bool {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return def
	}
}
