// Package api wires up the Gin HTTP router with the admin/control-plane
// surface spec.md §6 names alongside the TCP/RESP data-plane server.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"redislite/internal/engine"
	"redislite/internal/resp"
)

// Handler holds all dependencies injected from cmd/server.
type Handler struct {
	eng               *engine.Engine
	onSave            func() error
	onShutdown        func()
	replicationStatus func() resp.ReplicationStatus
}

// NewHandler creates a Handler. onSave/onShutdown/replicationStatus mirror
// the hooks internal/resp.Server accepts, so SAVE/SHUTDOWN/INFO behave
// identically whether issued over RESP or HTTP.
func NewHandler(eng *engine.Engine, onSave func() error, onShutdown func(), replicationStatus func() resp.ReplicationStatus) *Handler {
	if replicationStatus == nil {
		replicationStatus = func() resp.ReplicationStatus { return resp.ReplicationStatus{Mode: "standalone"} }
	}
	return &Handler{eng: eng, onSave: onSave, onShutdown: onShutdown, replicationStatus: replicationStatus}
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	r.POST("/set", h.Set)
	r.GET("/get/:key", h.Get)
	r.DELETE("/delete/:key", h.Delete)
	r.GET("/exists/:key", h.Exists)
	r.POST("/expire/:key", h.Expire)
	r.GET("/ttl/:key", h.TTL)
	r.GET("/keys", h.Keys)
	r.GET("/info", h.Info)
	r.GET("/dbsize", h.DBSize)
	r.POST("/flushdb", h.FlushDB)
	r.POST("/save", h.Save)
	r.POST("/shutdown", h.Shutdown)
}

type setRequest struct {
	Value   string `json:"value" binding:"required"`
	TTLSecs int64  `json:"ttl_seconds"`
}

// Set handles POST /set. Body: {"key": "<string>", "value": "<string>", "ttl_seconds": <int>}.
func (h *Handler) Set(c *gin.Context) {
	var body struct {
		Key string `json:"key" binding:"required"`
		setRequest
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ttl := time.Duration(0)
	if body.TTLSecs > 0 {
		ttl = time.Duration(body.TTLSecs) * time.Second
	}
	if _, err := h.eng.Set(body.Key, []byte(body.Value), ttl); err != nil {
		writeEngineErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": body.Key})
}

// Get handles GET /get/:key.
func (h *Handler) Get(c *gin.Context) {
	key := c.Param("key")
	val, ok, _ := h.eng.Get(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": string(val)})
}

// Delete handles DELETE /delete/:key.
func (h *Handler) Delete(c *gin.Context) {
	key := c.Param("key")
	existed, _, err := h.eng.Del(key)
	if err != nil {
		writeEngineErr(c, err)
		return
	}
	if !existed {
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": key})
}

// Exists handles GET /exists/:key.
func (h *Handler) Exists(c *gin.Context) {
	key := c.Param("key")
	exists, _ := h.eng.Exists(key)
	c.JSON(http.StatusOK, gin.H{"key": key, "exists": exists})
}

// Expire handles POST /expire/:key. Body: {"ttl_seconds": <int>}.
func (h *Handler) Expire(c *gin.Context) {
	key := c.Param("key")
	var body struct {
		TTLSecs int64 `json:"ttl_seconds" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ok, _, err := h.eng.Expire(key, time.Duration(body.TTLSecs)*time.Second)
	if err != nil {
		writeEngineErr(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "ttl_seconds": body.TTLSecs})
}

// TTL handles GET /ttl/:key.
func (h *Handler) TTL(c *gin.Context) {
	key := c.Param("key")
	ttl, _ := h.eng.TTL(key)
	c.JSON(http.StatusOK, gin.H{"key": key, "ttl": int64(ttl)})
}

// Keys handles GET /keys?pattern=<glob>, defaulting to "*".
func (h *Handler) Keys(c *gin.Context) {
	pattern := c.DefaultQuery("pattern", "*")
	keys, _ := h.eng.Keys(pattern)
	if keys == nil {
		keys = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// DBSize handles GET /dbsize.
func (h *Handler) DBSize(c *gin.Context) {
	n, _ := h.eng.DBSize()
	c.JSON(http.StatusOK, gin.H{"dbsize": n})
}

// FlushDB handles POST /flushdb.
func (h *Handler) FlushDB(c *gin.Context) {
	if _, err := h.eng.FlushDB(); err != nil {
		writeEngineErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flushed": true})
}

// Info handles GET /info, mirroring the RESP server's INFO body as JSON.
func (h *Handler) Info(c *gin.Context) {
	info := h.eng.InfoSnapshot()
	repl := h.replicationStatus()
	c.JSON(http.StatusOK, gin.H{
		"keys":            info.Keys,
		"memory_bytes":    info.MemoryBytes,
		"max_memory_bytes": info.MaxMemoryBytes,
		"eviction_policy": info.EvictionPolicy,
		"shard_count":     info.ShardCount,
		"read_only":       info.ReadOnly,
		"replication": gin.H{
			"mode":               repl.Mode,
			"replication_id":     repl.ReplicationID,
			"replication_offset": repl.ReplicationOffset,
			"connected_replicas": repl.ConnectedReplicas,
			"master_connected":   repl.MasterConnected,
		},
	})
}

// Save handles POST /save, triggering an immediate snapshot via the hook
// cmd/server wires in.
func (h *Handler) Save(c *gin.Context) {
	if h.onSave == nil {
		c.JSON(http.StatusOK, gin.H{"saved": true})
		return
	}
	if err := h.onSave(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": true})
}

// Shutdown handles POST /shutdown, initiating graceful shutdown via the
// hook cmd/server wires in.
func (h *Handler) Shutdown(c *gin.Context) {
	if h.onShutdown != nil {
		h.onShutdown()
	}
	c.JSON(http.StatusOK, gin.H{"shutting_down": true})
}

func writeEngineErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if engine.IsPolicyError(err) {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
