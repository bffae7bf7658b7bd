package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Reaper periodically moves stale active jobs back to pending. The spec
// treats crash recovery as an implementation concern (§4.4/§9); this
// resolves it the way the teacher's RecoverInterruptedDownloads does at
// startup, but run continuously since the queue store, not the process, is
// the source of truth here.
type Reaper struct {
	mgr        *Manager
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
}

func NewReaper(mgr *Manager, interval, staleAfter time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{mgr: mgr, interval: interval, staleAfter: staleAfter, logger: logger}
}

// Run blocks, reaping on each tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.reapOnce(ctx); err != nil {
				r.logger.Warn("reaper pass failed", "error", err)
			} else if n > 0 {
				r.logger.Info("reaper requeued orphaned jobs", "count", n)
			}
		}
	}
}

func (r *Reaper) reapOnce(ctx context.Context) (int, error) {
	ids, err := r.mgr.rdb.SMembers(ctx, keyActive).Result()
	if err != nil {
		return 0, err
	}

	reaped := 0
	now := time.Now().UTC()
	for _, id := range ids {
		job, err := r.mgr.Get(ctx, id)
		if err != nil || job == nil {
			continue
		}
		started, err := time.Parse(time.RFC3339, job.StartedAt)
		if err != nil {
			continue
		}
		if now.Sub(started) < r.staleAfter {
			continue
		}

		job.Status = StatusPending
		job.StartedAt = ""

		pipe := r.mgr.rdb.TxPipeline()
		pipe.SRem(ctx, keyActive, id)
		pipe.Set(ctx, keyJob(id), jobJSON(job), jobTTLSeconds*time.Second)
		pipe.ZAdd(ctx, keyPending, redis.Z{Score: score(job.Priority, started), Member: id})
		pipe.HIncrBy(ctx, keyStats, "total_reaped", 1)
		if _, err := pipe.Exec(ctx); err != nil {
			continue
		}
		reaped++
	}
	return reaped, nil
}
