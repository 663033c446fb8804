package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/vulnforge/vulnforge/pkg/config"
	"github.com/vulnforge/vulnforge/pkg/database"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// heartbeatInterval is how often a worker refreshes heartbeat_at for the
// run it is actively processing, keeping it out of RequeueOrphans' reach.
const heartbeatInterval = 15 * time.Second

// RunRegistry is the subset of WorkerPool used by Worker for run
// cancellation registration.
type RunRegistry interface {
	RegisterRun(sid string, cancel context.CancelFunc)
	UnregisterRun(sid string)
}

// Worker is a single queue worker that polls for and processes runs.
type Worker struct {
	id       string
	podID    string
	repo     *database.RunRepository
	config   *config.QueueConfig
	executor RunExecutor
	pool     RunRegistry
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu           sync.RWMutex
	status       WorkerStatus
	currentSID   string
	runsComplete int
	lastActivity time.Time
}

// NewWorker creates a new queue worker.
func NewWorker(id, podID string, repo *database.RunRepository, cfg *config.QueueConfig, executor RunExecutor, pool RunRegistry) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		repo:         repo,
		config:       cfg,
		executor:     executor,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:           w.id,
		Status:       string(w.status),
		CurrentSID:   w.currentSID,
		RunsComplete: w.runsComplete,
		LastActivity: w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("worker shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoRunsAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("error processing run", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess checks capacity, claims a run, and drives it through the
// remaining pipeline stages via the RunExecutor.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	active, err := w.repo.CountActive(ctx)
	if err != nil {
		return fmt.Errorf("checking active runs: %w", err)
	}
	if active >= w.config.MaxConcurrentRuns {
		return ErrAtCapacity
	}

	run, err := w.repo.ClaimNextPending(ctx, w.id)
	if err != nil {
		if errors.Is(err, database.ErrRunNotFound) {
			return ErrNoRunsAvailable
		}
		return fmt.Errorf("claiming run: %w", err)
	}

	log := slog.With("sid", run.SID, "worker_id", w.id)
	log.Info("run claimed")

	w.setStatus(WorkerStatusWorking, run.SID)
	defer w.setStatus(WorkerStatusIdle, "")

	runCtx, cancelRun := context.WithTimeout(ctx, w.config.RunTimeout)
	defer cancelRun()

	w.pool.RegisterRun(run.SID, cancelRun)
	defer w.pool.UnregisterRun(run.SID)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(runCtx)
	go w.runHeartbeat(heartbeatCtx, run.SID)

	execErr := w.executor.Execute(runCtx, run)
	cancelHeartbeat()

	succeeded := execErr == nil
	if !succeeded {
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			log.Error("run timed out", "timeout", w.config.RunTimeout, "error", execErr)
		case errors.Is(runCtx.Err(), context.Canceled):
			log.Warn("run cancelled", "error", execErr)
		default:
			log.Error("run failed", "error", execErr)
		}
	}

	// Use background context: runCtx may already be cancelled or expired.
	if err := w.repo.Complete(context.Background(), run.SID, succeeded); err != nil {
		log.Error("failed to record terminal status", "error", err)
		return err
	}

	w.mu.Lock()
	w.runsComplete++
	w.mu.Unlock()

	log.Info("run processing complete", "succeeded", succeeded)
	return nil
}

// runHeartbeat periodically refreshes heartbeat_at for orphan detection.
func (w *Worker) runHeartbeat(ctx context.Context, sid string) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.repo.Heartbeat(ctx, sid); err != nil {
				slog.Warn("heartbeat update failed", "sid", sid, "error", err)
			}
		}
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, sid string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentSID = sid
	w.lastActivity = time.Now()
}
