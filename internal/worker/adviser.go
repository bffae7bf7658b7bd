package worker

import (
	"context"
	"log/slog"
	"time"

	"galion/internal/network"
	"galion/internal/queue"
)

// Adviser periodically reconciles worker count with queue-depth and
// congestion pressure (SPEC_FULL.md §4.5's ambient auto-scale addition). Each
// tick starts from the pool's current size and moves it by at most one
// worker, never pushing it past its configured bounds. It keeps no record of
// manual Scale calls: a manually set size is the starting point of the next
// tick and is not held in place.
type Adviser struct {
	pool       *Pool
	queueMgr   *queue.Manager
	congestion *network.CongestionController
	minWorkers int
	maxWorkers int
	interval   time.Duration
	logger     *slog.Logger
}

func NewAdviser(pool *Pool, queueMgr *queue.Manager, congestion *network.CongestionController, minWorkers, maxWorkers int, interval time.Duration, logger *slog.Logger) *Adviser {
	return &Adviser{
		pool: pool, queueMgr: queueMgr, congestion: congestion,
		minWorkers: minWorkers, maxWorkers: maxWorkers, interval: interval, logger: logger,
	}
}

// Run blocks, reconciling on each tick until ctx is cancelled.
func (a *Adviser) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

// tick grows the pool when pending backlog outpaces current capacity and
// shrinks it back toward minWorkers once the backlog clears. Congestion
// pressure (high per-host error rate) further caps how high the adviser will
// push concurrency, independent of raw queue depth.
func (a *Adviser) tick(ctx context.Context) {
	stats, err := a.queueMgr.GetStats(ctx)
	if err != nil {
		a.logger.Debug("adviser: stats unavailable", "error", err)
		return
	}

	current := a.pool.Count()
	target := current

	switch {
	case stats.Pending > int64(current*2) && current < a.maxWorkers:
		target = current + 1
	case stats.Pending == 0 && current > a.minWorkers:
		target = current - 1
	}

	if a.congestion != nil && target > current {
		if ceiling := a.congestion.GlobalCeiling(); ceiling < target {
			if ceiling < a.minWorkers {
				ceiling = a.minWorkers
			}
			if ceiling < current {
				ceiling = current
			}
			a.logger.Debug("adviser: congestion caps growth", "wanted", target, "ceiling", ceiling)
			target = ceiling
		}
	}

	if target == current {
		return
	}

	a.logger.Info("adviser scaling pool", "from", current, "to", target, "pending", stats.Pending)
	a.pool.Scale(target)
}
