package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vulnforge/vulnforge/pkg/requirement"
	"github.com/vulnforge/vulnforge/pkg/statemachine"
)

// Run statuses, distinct from statemachine.State: status tracks queue
// lifecycle (is a worker actively advancing this SID?) while State tracks
// pipeline position (which stage it's at).
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ErrRunNotFound is returned when a SID has no matching row.
var ErrRunNotFound = errors.New("database: run not found")

// Run is the Postgres-backed index row mirroring one SID's queue and
// pipeline position, consumed by pkg/queue.WorkerPool and pkg/api.
type Run struct {
	SID         string
	State       statemachine.State
	Status      string
	Requirement requirement.Requirement
	CurrentLoop int
	MaxLoops    int
	LastResult  string
	WorkerID    string
	HeartbeatAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Evaluation is one verifier/reviewer verdict recorded against a SID,
// surfaced via GET /runs/:sid/evals.
type Evaluation struct {
	ID         int64
	SID        string
	LoopCount  int
	Stage      string
	Verdict    json.RawMessage
	Blocking   bool
	CreatedAt  time.Time
}

// RunRepository provides CRUD and claim operations over the runs table.
type RunRepository struct {
	pool *pgxpool.Pool
}

// NewRunRepository constructs a RunRepository over pool.
func NewRunRepository(pool *pgxpool.Pool) *RunRepository {
	return &RunRepository{pool: pool}
}

// Insert creates a new pending run row for sid.
func (r *RunRepository) Insert(ctx context.Context, sid string, req requirement.Requirement, maxLoops int) error {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("database: marshal requirement for %s: %w", sid, err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO runs (sid, state, status, requirement, max_loops)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (sid) DO NOTHING`,
		sid, string(statemachine.Plan), StatusPending, reqJSON, maxLoops,
	)
	if err != nil {
		return fmt.Errorf("database: insert run %s: %w", sid, err)
	}
	return nil
}

// Get fetches one run by SID.
func (r *RunRepository) Get(ctx context.Context, sid string) (*Run, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT sid, state, status, requirement, current_loop, max_loops,
		       last_result, worker_id, heartbeat_at, created_at, updated_at, completed_at
		FROM runs WHERE sid = $1`, sid)

	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, sid)
	}
	if err != nil {
		return nil, fmt.Errorf("database: get run %s: %w", sid, err)
	}
	return run, nil
}

// ClaimNextPending atomically claims one pending run for workerID,
// transitioning it to in_progress, using SELECT ... FOR UPDATE SKIP
// LOCKED so concurrent workers never claim the same row. Returns
// ErrRunNotFound (wrapped) when no pending run is available.
func (r *RunRepository) ClaimNextPending(ctx context.Context, workerID string) (*Run, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("database: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		SELECT sid, state, status, requirement, current_loop, max_loops,
		       last_result, worker_id, heartbeat_at, created_at, updated_at, completed_at
		FROM runs
		WHERE status = $1
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, StatusPending)

	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no pending runs", ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("database: scan claimable run: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE runs SET status = $1, worker_id = $2, heartbeat_at = $3, updated_at = $3
		WHERE sid = $4`, StatusInProgress, workerID, now, run.SID)
	if err != nil {
		return nil, fmt.Errorf("database: claim run %s: %w", run.SID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("database: commit claim for %s: %w", run.SID, err)
	}

	run.Status = StatusInProgress
	run.WorkerID = workerID
	run.HeartbeatAt = &now
	return run, nil
}

// Heartbeat refreshes heartbeat_at for a SID an in-progress worker is
// still actively advancing, so RequeueOrphans doesn't reclaim it.
func (r *RunRepository) Heartbeat(ctx context.Context, sid string) error {
	_, err := r.pool.Exec(ctx, `UPDATE runs SET heartbeat_at = now() WHERE sid = $1 AND status = $2`,
		sid, StatusInProgress)
	if err != nil {
		return fmt.Errorf("database: heartbeat %s: %w", sid, err)
	}
	return nil
}

// UpdateState records the SID's current pipeline stage and loop counter.
func (r *RunRepository) UpdateState(ctx context.Context, sid string, state statemachine.State, currentLoop int, lastResult string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE runs SET state = $1, current_loop = $2, last_result = $3, updated_at = now()
		WHERE sid = $4`, string(state), currentLoop, lastResult, sid)
	if err != nil {
		return fmt.Errorf("database: update state for %s: %w", sid, err)
	}
	return nil
}

// Complete marks a SID's run terminal (PACK reached, or loop exhausted).
func (r *RunRepository) Complete(ctx context.Context, sid string, succeeded bool) error {
	status := StatusCompleted
	if !succeeded {
		status = StatusFailed
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE runs SET status = $1, completed_at = now(), updated_at = now()
		WHERE sid = $2`, status, sid)
	if err != nil {
		return fmt.Errorf("database: complete run %s: %w", sid, err)
	}
	return nil
}

// RequeueOrphans resets any in_progress run whose heartbeat is older than
// threshold back to pending, so another worker picks it up. Returns the
// SIDs requeued; see pkg/queue/orphan.go for the sweep that calls this.
func (r *RunRepository) RequeueOrphans(ctx context.Context, threshold time.Duration) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE runs SET status = $1, worker_id = NULL, heartbeat_at = NULL, updated_at = now()
		WHERE status = $2 AND heartbeat_at < $3
		RETURNING sid`,
		StatusPending, StatusInProgress, time.Now().UTC().Add(-threshold))
	if err != nil {
		return nil, fmt.Errorf("database: requeue orphans: %w", err)
	}
	defer rows.Close()

	var sids []string
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			return nil, fmt.Errorf("database: scan requeued sid: %w", err)
		}
		sids = append(sids, sid)
	}
	return sids, rows.Err()
}

// CountActive returns the number of runs currently in_progress, used to
// enforce QueueConfig.MaxConcurrentRuns across replicas.
func (r *RunRepository) CountActive(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM runs WHERE status = $1`, StatusInProgress).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("database: count active runs: %w", err)
	}
	return n, nil
}

// RecordEvaluation persists one verifier/reviewer verdict for a SID.
func (r *RunRepository) RecordEvaluation(ctx context.Context, sid string, loopCount int, stage string, verdict json.RawMessage, blocking bool) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO run_evaluations (sid, loop_count, stage, verdict, blocking)
		VALUES ($1, $2, $3, $4, $5)`, sid, loopCount, stage, verdict, blocking)
	if err != nil {
		return fmt.Errorf("database: record evaluation for %s: %w", sid, err)
	}
	return nil
}

// ListEvaluations returns every evaluation recorded for sid, oldest first.
func (r *RunRepository) ListEvaluations(ctx context.Context, sid string) ([]Evaluation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, sid, loop_count, stage, verdict, blocking, created_at
		FROM run_evaluations WHERE sid = $1 ORDER BY created_at`, sid)
	if err != nil {
		return nil, fmt.Errorf("database: list evaluations for %s: %w", sid, err)
	}
	defer rows.Close()

	var evals []Evaluation
	for rows.Next() {
		var e Evaluation
		if err := rows.Scan(&e.ID, &e.SID, &e.LoopCount, &e.Stage, &e.Verdict, &e.Blocking, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("database: scan evaluation: %w", err)
		}
		evals = append(evals, e)
	}
	return evals, rows.Err()
}

// ListTerminalBefore returns SIDs whose run reached a terminal status
// (completed or failed) before cutoff, the set pkg/cleanup sweeps off disk
// once SPEC_FULL.md's retention window (config.RetentionConfig.RunRetentionDays)
// has elapsed.
func (r *RunRepository) ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT sid FROM runs
		WHERE status IN ($1, $2) AND completed_at IS NOT NULL AND completed_at < $3`,
		StatusCompleted, StatusFailed, cutoff)
	if err != nil {
		return nil, fmt.Errorf("database: list terminal runs before %s: %w", cutoff, err)
	}
	defer rows.Close()

	var sids []string
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			return nil, fmt.Errorf("database: scan terminal sid: %w", err)
		}
		sids = append(sids, sid)
	}
	return sids, rows.Err()
}

// Exists reports whether sid has any run row at all, used by pkg/cleanup to
// recognize workspace/artifact directories that never got an index row (a
// crash between mkdir and Insert) as orphans regardless of run status.
func (r *RunRepository) Exists(ctx context.Context, sid string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM runs WHERE sid = $1)`, sid).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("database: check run exists %s: %w", sid, err)
	}
	return exists, nil
}

// Delete removes sid's run row (and its run_evaluations rows, via the
// foreign key's ON DELETE CASCADE) once pkg/cleanup has swept its on-disk
// state.
func (r *RunRepository) Delete(ctx context.Context, sid string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM runs WHERE sid = $1`, sid)
	if err != nil {
		return fmt.Errorf("database: delete run %s: %w", sid, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var state, status, lastResult string
	var workerID *string
	var reqJSON []byte

	err := row.Scan(&run.SID, &state, &status, &reqJSON, &run.CurrentLoop, &run.MaxLoops,
		&lastResult, &workerID, &run.HeartbeatAt, &run.CreatedAt, &run.UpdatedAt, &run.CompletedAt)
	if err != nil {
		return nil, err
	}

	run.State = statemachine.State(state)
	run.Status = status
	run.LastResult = lastResult
	if workerID != nil {
		run.WorkerID = *workerID
	}
	if err := json.Unmarshal(reqJSON, &run.Requirement); err != nil {
		return nil, fmt.Errorf("unmarshal requirement for %s: %w", run.SID, err)
	}
	return &run, nil
}
