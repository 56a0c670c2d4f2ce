package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"redislite/internal/engine"
	"redislite/internal/resp"
)

func newTestRouter(t *testing.T, h *Handler) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.Register(r)
	return r
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	eng := engine.New(engine.Config{ShardCount: 4, Clock: engine.NewFakeClock(0)})
	return NewHandler(eng, nil, nil, nil)
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestSetAndGetRoundTrip(t *testing.T) {
	h := newTestHandler(t)
	r := newTestRouter(t, h)

	rec := doJSON(r, http.MethodPost, "/set", map[string]any{"key": "k", "value": "v"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(r, http.MethodGet, "/get/k", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "v", out["value"])
}

func TestGetMissingKeyReturns404(t *testing.T) {
	h := newTestHandler(t)
	r := newTestRouter(t, h)

	rec := doJSON(r, http.MethodGet, "/get/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetMissingValueReturns400(t *testing.T) {
	h := newTestHandler(t)
	r := newTestRouter(t, h)

	rec := doJSON(r, http.MethodPost, "/set", map[string]any{"key": "k"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteReturns404WhenMissing(t *testing.T) {
	h := newTestHandler(t)
	r := newTestRouter(t, h)

	rec := doJSON(r, http.MethodDelete, "/delete/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteExistingKey(t *testing.T) {
	h := newTestHandler(t)
	r := newTestRouter(t, h)
	doJSON(r, http.MethodPost, "/set", map[string]any{"key": "k", "value": "v"})

	rec := doJSON(r, http.MethodDelete, "/delete/k", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(r, http.MethodGet, "/get/k", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExistsReportsBoolean(t *testing.T) {
	h := newTestHandler(t)
	r := newTestRouter(t, h)
	doJSON(r, http.MethodPost, "/set", map[string]any{"key": "k", "value": "v"})

	rec := doJSON(r, http.MethodGet, "/exists/k", nil)
	var out map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.True(t, out["exists"])
}

func TestExpireAndTTL(t *testing.T) {
	h := newTestHandler(t)
	r := newTestRouter(t, h)
	doJSON(r, http.MethodPost, "/set", map[string]any{"key": "k", "value": "v"})

	rec := doJSON(r, http.MethodPost, "/expire/k", map[string]any{"ttl_seconds": 30})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(r, http.MethodGet, "/ttl/k", nil)
	var out map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, int64(30), out["ttl"])
}

func TestKeysDefaultsToWildcard(t *testing.T) {
	h := newTestHandler(t)
	r := newTestRouter(t, h)
	doJSON(r, http.MethodPost, "/set", map[string]any{"key": "a", "value": "v"})
	doJSON(r, http.MethodPost, "/set", map[string]any{"key": "b", "value": "v"})

	rec := doJSON(r, http.MethodGet, "/keys", nil)
	var out map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.ElementsMatch(t, []string{"a", "b"}, out["keys"])
}

func TestDBSizeAndFlushDB(t *testing.T) {
	h := newTestHandler(t)
	r := newTestRouter(t, h)
	doJSON(r, http.MethodPost, "/set", map[string]any{"key": "a", "value": "v"})

	rec := doJSON(r, http.MethodGet, "/dbsize", nil)
	var out map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 1, out["dbsize"])

	rec = doJSON(r, http.MethodPost, "/flushdb", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(r, http.MethodGet, "/dbsize", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 0, out["dbsize"])
}

func TestInfoIncludesReplicationBlock(t *testing.T) {
	eng := engine.New(engine.Config{ShardCount: 4, Clock: engine.NewFakeClock(0)})
	h := NewHandler(eng, nil, nil, func() resp.ReplicationStatus {
		return resp.ReplicationStatus{Mode: "replica", MasterConnected: true}
	})
	r := newTestRouter(t, h)

	rec := doJSON(r, http.MethodGet, "/info", nil)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	repl := out["replication"].(map[string]any)
	assert.Equal(t, "replica", repl["mode"])
	assert.Equal(t, true, repl["master_connected"])
}

func TestSaveCallsHook(t *testing.T) {
	eng := engine.New(engine.Config{ShardCount: 4, Clock: engine.NewFakeClock(0)})
	called := false
	h := NewHandler(eng, func() error { called = true; return nil }, nil, nil)
	r := newTestRouter(t, h)

	rec := doJSON(r, http.MethodPost, "/save", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
}

func TestShutdownFiresHook(t *testing.T) {
	eng := engine.New(engine.Config{ShardCount: 4, Clock: engine.NewFakeClock(0)})
	fired := false
	h := NewHandler(eng, nil, func() { fired = true }, nil)
	r := newTestRouter(t, h)

	rec := doJSON(r, http.MethodPost, "/shutdown", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, fired)
}

func TestOOMSetReturns503(t *testing.T) {
	eng := engine.New(engine.Config{
		ShardCount:     1,
		EvictionPolicy: engine.EvictionNone,
		MaxMemoryBytes: 1,
		Clock:          engine.NewFakeClock(0),
	})
	h := NewHandler(eng, nil, nil, nil)
	r := newTestRouter(t, h)

	rec := doJSON(r, http.MethodPost, "/set", map[string]any{"key": "k", "value": "a very long value that exceeds the tiny memory limit"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
