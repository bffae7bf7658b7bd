package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"galion/internal/analytics"
	"galion/internal/queue"
	"galion/internal/security"
	"galion/internal/storage"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*ControlServer, string) {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set, skipping control-surface test")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	require.NoError(t, rdb.Ping(ctx).Err())
	require.NoError(t, rdb.FlushDB(ctx).Err())

	mgr := queue.NewWithClient(rdb)
	mirror, err := storage.Open(filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mirror.Close() })

	stats := analytics.NewStatsManager(mirror, t.TempDir())
	audit := newNoopAudit(t)

	const token = "test-token"
	return NewControlServer(mgr, stats, audit, noopLogger(), token, 4), token
}

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleQueueDownloadRequiresLoopback(t *testing.T) {
	s, token := newTestServer(t)

	body, _ := json.Marshal(EnqueueRequest{URL: "https://example.com/a"})
	req := httptest.NewRequest(http.MethodPost, "/v1/queue", bytes.NewReader(body))
	req.RemoteAddr = "203.0.113.5:1234"
	req.Header.Set("X-Galion-Token", token)
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleQueueDownloadRejectsBadToken(t *testing.T) {
	s, _ := newTestServer(t)

	body, _ := json.Marshal(EnqueueRequest{URL: "https://example.com/a"})
	req := httptest.NewRequest(http.MethodPost, "/v1/queue", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:1234"
	req.Header.Set("X-Galion-Token", "wrong")
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleQueueDownloadEnqueuesAndFetches(t *testing.T) {
	s, token := newTestServer(t)

	body, _ := json.Marshal(EnqueueRequest{URL: "https://example.com/a", Priority: 5})
	req := httptest.NewRequest(http.MethodPost, "/v1/queue", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:1234"
	req.Header.Set("X-Galion-Token", token)
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp EnqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.JobID)

	getReq := httptest.NewRequest(http.MethodGet, "/v1/tasks/"+resp.JobID, nil)
	getReq.RemoteAddr = "127.0.0.1:1234"
	getReq.Header.Set("X-Galion-Token", token)
	getRec := httptest.NewRecorder()

	s.router.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)
}

func TestHandleGetStatus(t *testing.T) {
	s, token := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	req.Header.Set("X-Galion-Token", token)
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func newNoopAudit(t *testing.T) *security.AuditLogger {
	t.Helper()
	a, err := security.NewAuditLogger(noopLogger(), filepath.Join(t.TempDir(), "audit.log"))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}
