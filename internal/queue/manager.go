package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrQueueUnavailable is returned when the backing store cannot be reached;
// it maps to the spec's queue-unavailable error kind, surfaced to the caller.
var ErrQueueUnavailable = errors.New("queue: store unavailable")

// ErrNotActive is returned by Complete/Fail when the job is not a member of
// the active set (already completed, failed, or unknown).
var ErrNotActive = errors.New("queue: job not in active set")

// Manager is the durable priority queue: dedup, retries, dead-lettering, and
// stats, all living in Redis under the galion: keyspace (spec §4.4/§6).
type Manager struct {
	rdb *redis.Client
}

// New connects to Redis at addr and returns a Manager. The connection is a
// process singleton by lifecycle, constructed once at startup.
func New(addr, password string, db int) (*Manager, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return &Manager{rdb: rdb}, nil
}

// NewWithClient wraps an already-constructed client (used by tests against a
// local/fake Redis instance).
func NewWithClient(rdb *redis.Client) *Manager {
	return &Manager{rdb: rdb}
}

func (m *Manager) Close() error {
	return m.rdb.Close()
}

// Enqueue admits a job. If dedup is true and the URL's fingerprint is
// already held, it is a no-op that returns (nil, nil) — the spec's "no-op
// returning null".
func (m *Manager) Enqueue(ctx context.Context, url, platformID string, opts map[string]string, priority int, dedup bool, maxRetries int) (*Job, error) {
	fp := Fingerprint(url)

	if dedup {
		ok, err := m.rdb.SetNX(ctx, keyFingerprint(fp), "", 0).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
		}
		if !ok {
			return nil, nil
		}
	}

	now := time.Now().UTC()
	job := &Job{
		ID:         uuid.New().String(),
		URL:        url,
		URLHash:    fp,
		PlatformID: platformID,
		Options:    opts,
		Status:     StatusPending,
		Priority:   priority,
		MaxRetries: maxRetries,
		CreatedAt:  now.Format(time.RFC3339),
	}

	pipe := m.rdb.TxPipeline()
	pipe.Set(ctx, keyJob(job.ID), jobJSON(job), jobTTLSeconds*time.Second)
	pipe.ZAdd(ctx, keyPending, redis.Z{Score: score(priority, now), Member: job.ID})
	if dedup {
		pipe.Expire(ctx, keyFingerprint(fp), fingerprintTTLSeconds*time.Second)
		pipe.Set(ctx, keyFingerprint(fp), job.ID, fingerprintTTLSeconds*time.Second)
	}
	pipe.HIncrBy(ctx, keyStats, "total_queued", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	return job, nil
}

// Dequeue pops the lowest-score pending job, moves it to active, and marks
// it processing. Returns (nil, nil) when paused or empty — never an error
// for the empty case, matching the Worker's "sleep 1s, repeat" contract.
func (m *Manager) Dequeue(ctx context.Context) (*Job, error) {
	paused, err := m.rdb.Exists(ctx, keyPauseGate).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if paused == 1 {
		return nil, nil
	}

	ids, err := m.rdb.ZRangeWithScores(ctx, keyPending, 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	id := ids[0].Member.(string)

	removed, err := m.rdb.ZRem(ctx, keyPending, id).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if removed == 0 {
		// Lost a race with another consumer of the same score-ordered pop.
		return nil, nil
	}

	job, err := m.Get(ctx, id)
	if err != nil || job == nil {
		return nil, err
	}

	// Deferred-start jobs: not yet eligible, reinsert and let the caller
	// sleep and retry (mirrors the teacher's scheduler "too early" skip).
	if job.StartTime != "" {
		if t, perr := time.Parse(time.RFC3339, job.StartTime); perr == nil && time.Now().Before(t) {
			m.rdb.ZAdd(ctx, keyPending, redis.Z{Score: score(job.Priority, t.Add(-time.Hour)), Member: id})
			return nil, nil
		}
	}

	now := time.Now().UTC()
	job.Status = StatusProcessing
	job.StartedAt = now.Format(time.RFC3339)

	pipe := m.rdb.TxPipeline()
	pipe.SAdd(ctx, keyActive, id)
	pipe.Set(ctx, keyJob(id), jobJSON(job), jobTTLSeconds*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	return job, nil
}

// Get returns the current record for id, or (nil, nil) if unknown/expired.
func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	raw, err := m.rdb.Get(ctx, keyJob(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("queue: corrupt job record %s: %w", id, err)
	}
	return &job, nil
}

// Complete removes id from active, marks it completed, records the result,
// and prepends it to the capped completed log. Calling Complete twice on the
// same id is a no-op on the second call (id no longer in active).
func (m *Manager) Complete(ctx context.Context, id string, result map[string]string) error {
	removed, err := m.rdb.SRem(ctx, keyActive, id).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if removed == 0 {
		return nil
	}

	job, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}

	now := time.Now().UTC()
	job.Status = StatusCompleted
	job.CompletedAt = now.Format(time.RFC3339)
	job.Progress = 100
	job.Result = result

	pipe := m.rdb.TxPipeline()
	pipe.Set(ctx, keyJob(id), jobJSON(job), jobTTLSeconds*time.Second)
	pipe.LPush(ctx, keyCompleted, id)
	pipe.LTrim(ctx, keyCompleted, 0, completedCap-1)
	pipe.HIncrBy(ctx, keyStats, "total_completed", 1)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return nil
}

// Fail applies the retry policy: if retries remain and retry is requested,
// priority is decremented (min 0), retry-count incremented, and the job
// re-enters pending with a fresh score. Otherwise the job is marked failed
// and appended to the dead-letter log.
func (m *Manager) Fail(ctx context.Context, id string, errMsg string, retry bool) error {
	removed, err := m.rdb.SRem(ctx, keyActive, id).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if removed == 0 {
		return ErrNotActive
	}

	job, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}

	job.LastError = errMsg

	if retry && job.RetryCount < job.MaxRetries {
		job.RetryCount++
		if job.Priority > 0 {
			job.Priority--
		}
		job.Status = StatusPending
		job.StartedAt = ""

		now := time.Now().UTC()
		pipe := m.rdb.TxPipeline()
		pipe.Set(ctx, keyJob(id), jobJSON(job), jobTTLSeconds*time.Second)
		pipe.ZAdd(ctx, keyPending, redis.Z{Score: score(job.Priority, now), Member: id})
		_, err = pipe.Exec(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
		}
		return nil
	}

	now := time.Now().UTC()
	job.Status = StatusFailed
	job.FailedAt = now.Format(time.RFC3339)
	job.Error = errMsg

	pipe := m.rdb.TxPipeline()
	pipe.Set(ctx, keyJob(id), jobJSON(job), jobTTLSeconds*time.Second)
	pipe.RPush(ctx, keyFailed, id)
	pipe.HIncrBy(ctx, keyStats, "total_failed", 1)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return nil
}

// UpdateProgress overwrites the progress fields; cheap, safe to call every
// 500ms.
func (m *Manager) UpdateProgress(ctx context.Context, id string, percent, speed float64, eta int64) error {
	job, err := m.Get(ctx, id)
	if err != nil || job == nil {
		return err
	}
	job.Progress = percent
	job.Speed = speed
	job.ETA = eta
	if err := m.rdb.Set(ctx, keyJob(id), jobJSON(job), jobTTLSeconds*time.Second).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return nil
}

// Pause flips the gate consulted by Dequeue; in-flight workers finish their
// current job (advisory pause, per spec §4.4).
func (m *Manager) Pause(ctx context.Context) error {
	return m.rdb.Set(ctx, keyPauseGate, "1", 0).Err()
}

func (m *Manager) Resume(ctx context.Context) error {
	return m.rdb.Del(ctx, keyPauseGate).Err()
}

// ClearCompleted empties the completed log and returns the count cleared.
func (m *Manager) ClearCompleted(ctx context.Context) (int64, error) {
	n, err := m.rdb.LLen(ctx, keyCompleted).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if err := m.rdb.Del(ctx, keyCompleted).Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return n, nil
}

// GetStats returns a snapshot of set sizes and lifetime counters.
func (m *Manager) GetStats(ctx context.Context) (Stats, error) {
	pipe := m.rdb.TxPipeline()
	pending := pipe.ZCard(ctx, keyPending)
	active := pipe.SCard(ctx, keyActive)
	completed := pipe.LLen(ctx, keyCompleted)
	failed := pipe.LLen(ctx, keyFailed)
	counters := pipe.HGetAll(ctx, keyStats)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	c := counters.Val()
	return Stats{
		Pending:        pending.Val(),
		Active:         active.Val(),
		Completed:      completed.Val(),
		Failed:         failed.Val(),
		TotalQueued:    parseInt64(c["total_queued"]),
		TotalCompleted: parseInt64(c["total_completed"]),
		TotalFailed:    parseInt64(c["total_failed"]),
		TotalReaped:    parseInt64(c["total_reaped"]),
	}, nil
}

func jobJSON(j *Job) string {
	b, _ := json.Marshal(j)
	return string(b)
}

func parseInt64(s string) int64 {
	var v int64
	if s == "" {
		return 0
	}
	fmt.Sscanf(s, "%d", &v)
	return v
}
