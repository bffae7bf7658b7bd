package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"galion/internal/broadcast"
	"galion/internal/download"
	"galion/internal/platform"
	"galion/internal/queue"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

var downloadTransientErr = fmt.Errorf("%w: simulated", download.ErrNetworkTransient)

// newTestQueue mirrors internal/queue's own REDIS_TEST_ADDR skip-if-
// unavailable pattern rather than faking out the store.
func newTestQueue(t *testing.T) *queue.Manager {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set, skipping Redis-backed worker test")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	require.NoError(t, rdb.Ping(ctx).Err())
	require.NoError(t, rdb.FlushDB(ctx).Err())
	return queue.NewWithClient(rdb)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubDownloadHandler is a minimal Handler that records invocations and
// returns a scripted result, without touching the network or filesystem.
type stubDownloadHandler struct {
	id       string
	result   platform.DownloadResult
	err      error
	delay    time.Duration
	onCall   func()
	calls    int64
	overlaps *int32 // set non-nil to detect concurrent entries
	active   *int32
}

func (h *stubDownloadHandler) ID() string                   { return h.id }
func (h *stubDownloadHandler) Descriptor() platform.Descriptor { return platform.Descriptor{ID: h.id} }
func (h *stubDownloadHandler) Classify(string) (*platform.Classification, bool) {
	return &platform.Classification{PlatformID: h.id}, true
}
func (h *stubDownloadHandler) Info(context.Context, string) (platform.InfoResult, error) {
	return platform.InfoResult{}, nil
}
func (h *stubDownloadHandler) ValidateCredential(context.Context, string) (platform.CredentialValidation, error) {
	return platform.CredentialValidation{}, platform.ErrCredentialUnsupported
}

func (h *stubDownloadHandler) Download(ctx context.Context, rawURL string, opts platform.DownloadOptions, progress platform.ProgressFunc) (platform.DownloadResult, error) {
	atomic.AddInt64(&h.calls, 1)
	if h.active != nil {
		if atomic.AddInt32(h.active, 1) > 1 && h.overlaps != nil {
			atomic.AddInt32(h.overlaps, 1)
		}
		defer atomic.AddInt32(h.active, -1)
	}
	if h.onCall != nil {
		h.onCall()
	}
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	if progress != nil {
		progress(100, 10, 10, 0, 0)
	}
	return h.result, h.err
}

func newRegistryWith(t *testing.T, h platform.Handler) *platform.Registry {
	t.Helper()
	reg := platform.NewRegistry()
	require.NoError(t, reg.Register(h))
	return reg
}

func TestPoolCompletesSuccessfulJob(t *testing.T) {
	qm := newTestQueue(t)
	ctx := context.Background()

	handler := &stubDownloadHandler{id: "stub", result: platform.DownloadResult{Success: true, Path: "/tmp/x", Bytes: 10, Digest: "deadbeef"}}
	reg := newRegistryWith(t, handler)

	pool := New(qm, reg, broadcast.New(), nil, nil, testLogger())
	pool.Scale(1)
	defer pool.Stop()

	job, err := qm.Enqueue(ctx, "https://example.com/f.bin", "stub", nil, 5, false, 3)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.Eventually(t, func() bool {
		got, err := qm.Get(ctx, job.ID)
		return err == nil && got != nil && got.Status == queue.StatusCompleted
	}, 3*time.Second, 20*time.Millisecond)

	require.EqualValues(t, 1, atomic.LoadInt64(&handler.calls))
}

func TestPoolRetriesTransientFailureThenSucceeds(t *testing.T) {
	qm := newTestQueue(t)
	ctx := context.Background()

	var attempt int64
	handler := &stubDownloadHandler{
		id:     "flaky",
		result: platform.DownloadResult{Success: true},
		onCall: func() {
			atomic.AddInt64(&attempt, 1)
		},
	}
	// First call fails transiently, second succeeds.
	reg := platform.NewRegistry()
	flip := &flippingHandler{stubDownloadHandler: handler}
	require.NoError(t, reg.Register(flip))

	pool := New(qm, reg, broadcast.New(), nil, nil, testLogger())
	pool.Scale(1)
	defer pool.Stop()

	job, err := qm.Enqueue(ctx, "https://example.com/flaky.bin", "flaky", nil, 5, false, 3)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := qm.Get(ctx, job.ID)
		return err == nil && got != nil && got.Status == queue.StatusCompleted
	}, 3*time.Second, 20*time.Millisecond)

	require.GreaterOrEqual(t, atomic.LoadInt64(&attempt), int64(2))
}

// flippingHandler fails its first Download call with a network-transient
// error and succeeds on every subsequent call, to exercise the retry path.
type flippingHandler struct {
	*stubDownloadHandler
	failedOnce int32
}

func (h *flippingHandler) Download(ctx context.Context, rawURL string, opts platform.DownloadOptions, progress platform.ProgressFunc) (platform.DownloadResult, error) {
	if atomic.CompareAndSwapInt32(&h.failedOnce, 0, 1) {
		atomic.AddInt64(&h.stubDownloadHandler.calls, 1)
		if h.onCall != nil {
			h.onCall()
		}
		return platform.DownloadResult{Error: "transient"}, downloadTransientErr
	}
	return h.stubDownloadHandler.Download(ctx, rawURL, opts, progress)
}

func TestPoolFailsPermanentlyOnUnsupportedKind(t *testing.T) {
	qm := newTestQueue(t)
	ctx := context.Background()

	handler := &stubDownloadHandler{id: "bad", err: platform.ErrUnsupportedKind}
	reg := newRegistryWith(t, handler)

	pool := New(qm, reg, broadcast.New(), nil, nil, testLogger())
	pool.Scale(1)
	defer pool.Stop()

	job, err := qm.Enqueue(ctx, "https://example.com/bad.bin", "bad", nil, 5, false, 3)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := qm.Get(ctx, job.ID)
		return err == nil && got != nil && got.Status == queue.StatusFailed
	}, 3*time.Second, 20*time.Millisecond)

	require.EqualValues(t, 1, atomic.LoadInt64(&handler.calls))
}

func TestPoolSerializesJobsSharingTheSameURLFingerprint(t *testing.T) {
	qm := newTestQueue(t)
	ctx := context.Background()

	var active, overlaps int32
	handler := &stubDownloadHandler{
		id:       "slow",
		delay:    80 * time.Millisecond,
		active:   &active,
		overlaps: &overlaps,
		result:   platform.DownloadResult{Success: true},
	}
	reg := newRegistryWith(t, handler)

	pool := New(qm, reg, broadcast.New(), nil, nil, testLogger())
	pool.Scale(3)
	defer pool.Stop()

	const sameURL = "https://example.com/shared.bin"
	for i := 0; i < 3; i++ {
		_, err := qm.Enqueue(ctx, sameURL, "slow", nil, 5, false, 3)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&handler.calls) == 3
	}, 3*time.Second, 20*time.Millisecond)

	require.EqualValues(t, 0, atomic.LoadInt32(&overlaps))
}

func TestPoolScaleUpAndDown(t *testing.T) {
	qm := newTestQueue(t)
	handler := &stubDownloadHandler{id: "noop", result: platform.DownloadResult{Success: true}}
	reg := newRegistryWith(t, handler)

	pool := New(qm, reg, broadcast.New(), nil, nil, testLogger())
	pool.Scale(4)
	require.Equal(t, 4, pool.Count())

	pool.Scale(2)
	require.Equal(t, 2, pool.Count())

	pool.Scale(0)
	require.Equal(t, 0, pool.Count())
}

func TestPoolHealthTracksCompletedAndFailedCounts(t *testing.T) {
	qm := newTestQueue(t)
	ctx := context.Background()

	handler := &stubDownloadHandler{id: "health", result: platform.DownloadResult{Success: true}}
	reg := newRegistryWith(t, handler)

	pool := New(qm, reg, broadcast.New(), nil, nil, testLogger())
	pool.Scale(1)
	defer pool.Stop()

	job, err := qm.Enqueue(ctx, "https://example.com/h.bin", "health", nil, 5, false, 3)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := qm.Get(ctx, job.ID)
		return err == nil && got != nil && got.Status == queue.StatusCompleted
	}, 3*time.Second, 20*time.Millisecond)

	health := pool.Health()
	require.Len(t, health, 1)
	require.EqualValues(t, 1, health[0].JobsCompleted)
	require.EqualValues(t, 0, health[0].JobsFailed)
	require.Empty(t, health[0].CurrentJobID)
}

func TestClassifyRetryMapsTaxonomy(t *testing.T) {
	require.True(t, classifyRetry(nil))
	require.True(t, classifyRetry(downloadTransientErr))
	require.False(t, classifyRetry(platform.ErrUnsupportedKind))
}
