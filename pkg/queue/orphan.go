package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vulnforge/vulnforge/pkg/database"
)

// orphanState tracks orphan detection metrics (thread-safe).
type orphanState struct {
	mu               sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// runOrphanDetection periodically reclaims runs whose heartbeat has gone
// stale (worker crashed or was killed mid-run) back onto the pending
// queue. All pods run this independently; RequeueOrphans' UPDATE...
// RETURNING is atomic, so concurrent scans never double-requeue a SID.
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.detectAndRecoverOrphans(ctx); err != nil {
				slog.Error("orphan detection failed", "error", err)
			}
		}
	}
}

// detectAndRecoverOrphans requeues any in_progress run whose heartbeat is
// older than the configured threshold, so another worker can claim it.
func (p *WorkerPool) detectAndRecoverOrphans(ctx context.Context) error {
	requeued, err := p.repo.RequeueOrphans(ctx, p.config.OrphanThreshold)
	if err != nil {
		return err
	}

	p.orphans.mu.Lock()
	p.orphans.lastOrphanScan = time.Now()
	p.orphans.orphansRecovered += len(requeued)
	p.orphans.mu.Unlock()

	if len(requeued) > 0 {
		slog.Warn("requeued orphaned runs", "count", len(requeued), "sids", requeued)
	}
	return nil
}

// CleanupStartupOrphans performs a one-time sweep for runs left in_progress
// by a crashed worker, using the same threshold the periodic scan uses.
// Called once during startup, before the worker pool begins claiming, so a
// pod restart doesn't leave its prior in-flight SIDs stuck until the first
// ticker fires.
func CleanupStartupOrphans(ctx context.Context, repo *database.RunRepository, threshold time.Duration, podID string) error {
	requeued, err := repo.RequeueOrphans(ctx, threshold)
	if err != nil {
		return err
	}
	if len(requeued) > 0 {
		slog.Info("startup orphans recovered", "pod_id", podID, "count", len(requeued), "sids", requeued)
	}
	return nil
}
