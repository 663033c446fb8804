// Package queue provides the worker pool that claims pending SIDs from the
// Postgres run index and drives each through the PLAN→DRAFT→BUILD→RUN→
// VERIFY→REVIEW→PACK pipeline, with a poll loop and orphan-detection sweep
// (pkg/queue/pool.go, worker.go, orphan.go).
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/vulnforge/vulnforge/pkg/database"
)

// Sentinel errors for queue operations.
var (
	// ErrNoRunsAvailable indicates no pending runs are in the queue.
	ErrNoRunsAvailable = errors.New("no runs available")

	// ErrAtCapacity indicates the global concurrent run limit has been reached.
	ErrAtCapacity = errors.New("at capacity")
)

// RunExecutor drives one claimed run through every remaining pipeline
// stage. It owns the entire SID lifecycle: on failure it decides (via the
// Loop Controller) whether to retry from DRAFT or surface a terminal
// failure. The worker only handles claiming, heartbeat, and terminal
// status bookkeeping; it never inspects run.State transitions itself.
type RunExecutor interface {
	Execute(ctx context.Context, run *database.Run) error
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	ActiveRuns       int            `json:"active_runs"`
	MaxConcurrent    int            `json:"max_concurrent"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"` // "idle" or "working"
	CurrentSID   string    `json:"current_sid,omitempty"`
	RunsComplete int       `json:"runs_completed"`
	LastActivity time.Time `json:"last_activity"`
}
