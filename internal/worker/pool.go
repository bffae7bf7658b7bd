// Package worker implements the worker pool: N long-lived consumers driving
// the Queue Manager through the platform registry's handlers, grounded on
// the teacher's internal/core download-loop idiom (dequeue, dispatch,
// progress callback, complete/fail) generalised from the teacher's
// single-queue-of-tasks shape to the spec's priority-queue-backed worker
// contract (spec §4.5).
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"galion/internal/broadcast"
	"galion/internal/download"
	"galion/internal/network"
	"galion/internal/platform"
	"galion/internal/queue"
	"galion/internal/storage"
)

// WorkerHealth is the per-worker observability counter set (spec §4.5
// "Health": jobs-completed, jobs-failed, start-time, current-job-id).
type WorkerHealth struct {
	ID            int
	JobsCompleted int64
	JobsFailed    int64
	StartTime     time.Time
	CurrentJobID  string
}

type workerState struct {
	id     int
	stopCh chan struct{}
	doneCh chan struct{}
	mu     sync.Mutex
	health WorkerHealth
}

// Pool runs N long-lived consumers against the Queue Manager (spec §4.5).
// The handler registry, broadcaster, and job-state mirror are read-only
// collaborators shared across all workers; the mirror and congestion
// controller are optional (nil is a valid no-op configuration).
type Pool struct {
	queueMgr    *queue.Manager
	registry    *platform.Registry
	broadcaster *broadcast.Broadcaster
	mirror      *storage.Mirror
	congestion  *network.CongestionController
	logger      *slog.Logger

	mu      sync.Mutex
	workers map[int]*workerState
	nextID  int

	pathLocks sync.Map // url_hash -> *sync.Mutex, serialises concurrent writes to the same destination
}

func New(queueMgr *queue.Manager, registry *platform.Registry, broadcaster *broadcast.Broadcaster, mirror *storage.Mirror, congestion *network.CongestionController, logger *slog.Logger) *Pool {
	return &Pool{
		queueMgr:    queueMgr,
		registry:    registry,
		broadcaster: broadcaster,
		mirror:      mirror,
		congestion:  congestion,
		logger:      logger,
		workers:     make(map[int]*workerState),
	}
}

// Scale adjusts the live worker count to m: spawning m-n workers immediately
// when growing, or requesting the trailing n-m workers to stop and awaiting
// their exit when shrinking (spec §4.5 "Scaling").
func (p *Pool) Scale(m int) {
	if m < 0 {
		m = 0
	}

	p.mu.Lock()
	n := len(p.workers)
	if m > n {
		for i := 0; i < m-n; i++ {
			p.spawnLocked()
		}
		p.mu.Unlock()
		return
	}
	if m == n {
		p.mu.Unlock()
		return
	}

	toStop := n - m
	ids := make([]int, 0, n)
	for id := range p.workers {
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ids)))
	stopped := make([]*workerState, 0, toStop)
	for _, id := range ids[:toStop] {
		stopped = append(stopped, p.workers[id])
		delete(p.workers, id)
	}
	p.mu.Unlock()

	for _, w := range stopped {
		close(w.stopCh)
	}
	for _, w := range stopped {
		<-w.doneCh
	}
}

// Count reports the current live worker count.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

func (p *Pool) spawnLocked() {
	p.nextID++
	w := &workerState{
		id:     p.nextID,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		health: WorkerHealth{ID: p.nextID, StartTime: time.Now()},
	}
	p.workers[w.id] = w
	go p.run(w)
}

// Stop requests every live worker to stop and blocks until all have exited
// (a full-pool Scale(0)).
func (p *Pool) Stop() {
	p.Scale(0)
}

// Health returns a point-in-time snapshot of every live worker's counters,
// sorted by worker id.
func (p *Pool) Health() []WorkerHealth {
	p.mu.Lock()
	workers := make([]*workerState, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	out := make([]WorkerHealth, 0, len(workers))
	for _, w := range workers {
		w.mu.Lock()
		out = append(out, w.health)
		w.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// run is the worker loop (spec §4.5 steps 1-8). Stop is observed only at the
// top of the loop and while idle-sleeping; a job already in flight always
// runs to completion — no forced kill of running handler work.
func (p *Pool) run(w *workerState) {
	defer close(w.doneCh)

	// Handler invocations use a context detached from w.stopCh so a scale-down
	// request never forcibly cancels an in-flight fetch or subprocess wait.
	ctx := context.Background()

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		job, err := p.queueMgr.Dequeue(ctx)
		if err != nil {
			p.logger.Warn("worker dequeue failed", "worker", w.id, "error", err)
			if p.idleSleep(w, time.Second) {
				return
			}
			continue
		}
		if job == nil {
			if p.idleSleep(w, time.Second) {
				return
			}
			continue
		}

		p.setCurrentJob(w, job.ID)
		p.processJob(ctx, w, job)
		p.setCurrentJob(w, "")
	}
}

// idleSleep waits d unless stopCh fires first, returning true if the worker
// should exit.
func (p *Pool) idleSleep(w *workerState, d time.Duration) bool {
	select {
	case <-w.stopCh:
		return true
	case <-time.After(d):
		return false
	}
}

func (p *Pool) setCurrentJob(w *workerState, id string) {
	w.mu.Lock()
	w.health.CurrentJobID = id
	w.mu.Unlock()
}

// processJob looks up a handler (falling back to generic), serialises on the
// job's destination via its URL fingerprint, invokes Download, and resolves
// the outcome back into the queue, mirror, and broadcaster.
func (p *Pool) processJob(ctx context.Context, w *workerState, job *queue.Job) {
	unlock := p.lockPath(job.URLHash)
	defer unlock()

	handler := p.resolveHandler(job)
	if handler == nil {
		p.fail(ctx, w, job, errors.New("worker: no handler available for job"), false)
		return
	}

	opts := optionsFromJob(job)
	sink := p.progressSink(ctx, job.ID)

	start := time.Now()
	result, err := handler.Download(ctx, job.URL, opts, sink)
	latency := time.Since(start)

	if p.congestion != nil {
		p.congestion.RecordOutcome(hostOf(job.URL), latency, err)
	}

	if err != nil || !result.Success {
		msg := result.Error
		if msg == "" {
			if err != nil {
				msg = err.Error()
			} else {
				msg = "download did not succeed"
			}
		}
		p.fail(ctx, w, job, fmt.Errorf("%s", msg), classifyRetry(err))
		return
	}

	p.complete(ctx, w, job, result)
}

// resolveHandler looks up the job's assigned platform, falling back to a
// fresh classification of its URL, and finally to the generic handler (spec
// §4.5 step 4's "fall back to generic").
func (p *Pool) resolveHandler(job *queue.Job) platform.Handler {
	if job.PlatformID != "" {
		if h := p.registry.HandlerFor(job.PlatformID); h != nil {
			return h
		}
	}
	class := p.registry.Classify(job.URL)
	if h := p.registry.HandlerFor(class.PlatformID); h != nil {
		return h
	}
	return p.registry.HandlerFor(platform.GenericPlatformID)
}

func (p *Pool) complete(ctx context.Context, w *workerState, job *queue.Job, result platform.DownloadResult) {
	res := map[string]string{
		"path":   result.Path,
		"bytes":  fmt.Sprintf("%d", result.Bytes),
		"digest": result.Digest,
	}
	if err := p.queueMgr.Complete(ctx, job.ID, res); err != nil {
		p.logger.Error("queue complete failed", "job", job.ID, "error", err)
	}

	w.mu.Lock()
	w.health.JobsCompleted++
	w.mu.Unlock()

	p.mirrorJob(job, queue.StatusCompleted, "", res)
	p.broadcastTerminal(job.ID, "completed")
}

func (p *Pool) fail(ctx context.Context, w *workerState, job *queue.Job, err error, retry bool) {
	msg := err.Error()
	if ferr := p.queueMgr.Fail(ctx, job.ID, msg, retry); ferr != nil {
		p.logger.Error("queue fail failed", "job", job.ID, "error", ferr)
	}

	w.mu.Lock()
	w.health.JobsFailed++
	w.mu.Unlock()

	status := queue.StatusFailed
	if retry {
		status = queue.StatusPending
	}
	p.mirrorJob(job, status, msg, nil)

	if !retry {
		p.broadcastTerminal(job.ID, "failed")
	}
	p.logger.Warn("job failed", "job", job.ID, "retry", retry, "error", msg)
}

// classifyRetry maps the error taxonomy (spec §7) onto the queue's retry
// flag: network-transient is recovered by retry, everything the taxonomy
// marks "not retried" (auth-required, digest-mismatch, unsupported-url-kind,
// io-failure, not-found) is failed permanently on the first attempt.
func classifyRetry(err error) bool {
	if err == nil {
		return true
	}
	switch {
	case errors.Is(err, download.ErrAuthRequired),
		errors.Is(err, download.ErrDigestMismatch),
		errors.Is(err, download.ErrIO),
		errors.Is(err, download.ErrNotFound),
		errors.Is(err, platform.ErrUnsupportedKind):
		return false
	default:
		return true
	}
}

func (p *Pool) progressSink(ctx context.Context, jobID string) platform.ProgressFunc {
	return func(percent float64, downloaded, total int64, speed float64, etaSeconds int64) {
		if err := p.queueMgr.UpdateProgress(ctx, jobID, percent, speed, etaSeconds); err != nil {
			p.logger.Debug("progress update failed", "job", jobID, "error", err)
		}
		if p.broadcaster != nil {
			p.broadcaster.OnProgress(jobID, broadcast.Snapshot{
				JobID: jobID, Status: "downloading", Progress: percent, Speed: speed, ETA: etaSeconds,
			})
		}
	}
}

func (p *Pool) broadcastTerminal(jobID, status string) {
	if p.broadcaster == nil {
		return
	}
	p.broadcaster.OnProgress(jobID, broadcast.Snapshot{JobID: jobID, Status: status, Progress: 100})
}

func (p *Pool) mirrorJob(job *queue.Job, status, errMsg string, result map[string]string) {
	if p.mirror == nil {
		return
	}
	snap := storage.JobSnapshot{
		ID: job.ID, URL: job.URL, URLHash: job.URLHash, PlatformID: job.PlatformID,
		Status: status, Priority: job.Priority, RetryCount: job.RetryCount, MaxRetries: job.MaxRetries,
		Progress: job.Progress, CreatedAt: job.CreatedAt, StartedAt: job.StartedAt,
		Error: errMsg, Result: result,
	}
	if err := p.mirror.MirrorJob(snap); err != nil {
		p.logger.Warn("mirror write failed", "job", job.ID, "error", err)
	}
}

// lockPath serialises concurrent writes to the same destination by the
// job's URL fingerprint — a practical proxy for the not-yet-resolved
// destination path, since the Handler contract only resolves a concrete
// path inside Download itself (see DESIGN.md).
func (p *Pool) lockPath(key string) func() {
	v, _ := p.pathLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func optionsFromJob(job *queue.Job) platform.DownloadOptions {
	opts := platform.DownloadOptions{}
	if job.Options == nil {
		return opts
	}
	opts.Quality = job.Options["quality"]
	opts.Subtitles = job.Options["subtitles"] == "true"
	opts.CredentialRef = job.Options["credential_ref"]
	opts.CustomFilename = job.Options["custom_filename"]
	return opts
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
