package cleanup

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/vulnforge/vulnforge/pkg/config"
	"github.com/vulnforge/vulnforge/pkg/database"
	"github.com/vulnforge/vulnforge/pkg/requirement"
	"github.com/vulnforge/vulnforge/pkg/store"
)

// testDB bundles a RunRepository with direct pool access, the latter used
// only to backdate completed_at past a retention cutoff in tests (the
// repository's own Complete always stamps now()).
type testDB struct {
	repo *database.RunRepository
	pool *pgxpool.Pool
}

func (d testDB) backdateCompletedAt(ctx context.Context, sid string, at time.Time) error {
	_, err := d.pool.Exec(ctx, "UPDATE runs SET completed_at = $1 WHERE sid = $2", at, sid)
	return err
}

// newTestDB starts a disposable Postgres container and returns a ready
// RunRepository, mirroring pkg/queue/pool_test.go's newTestRepo.
func newTestDB(t *testing.T) testDB {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("vulnforge_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	client, err := database.NewClient(ctx, database.Config{
		Host: host, Port: port.Int(), User: "test", Password: "test",
		Database: "vulnforge_test", SSLMode: "disable", MaxConns: 10, MinConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return testDB{repo: database.NewRunRepository(client.Pool()), pool: client.Pool()}
}

func newTestLayout(t *testing.T) store.Layout {
	t.Helper()
	return store.NewLayout(t.TempDir())
}

func TestService_PurgesExpiredCompletedRun(t *testing.T) {
	db := newTestDB(t)
	layout := newTestLayout(t)
	ctx := context.Background()

	sid := "sid-expired"
	require.NoError(t, db.repo.Insert(ctx, sid, requirement.Requirement{VulnID: "cwe-89"}, 3))
	require.NoError(t, db.repo.Complete(ctx, sid, true))
	require.NoError(t, db.backdateCompletedAt(ctx, sid, time.Now().Add(-40*24*time.Hour)))

	for _, dir := range []string{layout.WorkspacesDir(sid), layout.ArtifactsDir(sid), layout.MetadataDir(sid)} {
		_, err := store.EnsureDir(dir)
		require.NoError(t, err)
	}

	cfg := &config.RetentionConfig{RunRetentionDays: 30, OrphanWorkspaceTTL: time.Hour, CleanupInterval: time.Hour}
	svc := NewService(cfg, layout, db.repo)
	svc.RunAll(ctx)

	_, err := db.repo.Get(ctx, sid)
	assert.ErrorIs(t, err, database.ErrRunNotFound)

	assert.NoDirExists(t, layout.WorkspacesDir(sid))
	assert.NoDirExists(t, layout.ArtifactsDir(sid))
	assert.NoDirExists(t, layout.MetadataDir(sid))
}

func TestService_PreservesRecentlyCompletedRun(t *testing.T) {
	db := newTestDB(t)
	layout := newTestLayout(t)
	ctx := context.Background()

	sid := "sid-recent"
	require.NoError(t, db.repo.Insert(ctx, sid, requirement.Requirement{VulnID: "cwe-89"}, 3))
	require.NoError(t, db.repo.Complete(ctx, sid, true))

	_, err := store.EnsureDir(layout.WorkspacesDir(sid))
	require.NoError(t, err)

	cfg := &config.RetentionConfig{RunRetentionDays: 30, OrphanWorkspaceTTL: time.Hour, CleanupInterval: time.Hour}
	svc := NewService(cfg, layout, db.repo)
	svc.RunAll(ctx)

	_, err = db.repo.Get(ctx, sid)
	require.NoError(t, err)
	assert.DirExists(t, layout.WorkspacesDir(sid))
}

func TestService_PreservesPendingRunPastRetentionWindow(t *testing.T) {
	db := newTestDB(t)
	layout := newTestLayout(t)
	ctx := context.Background()

	sid := "sid-still-pending"
	require.NoError(t, db.repo.Insert(ctx, sid, requirement.Requirement{VulnID: "cwe-89"}, 3))
	// pending runs never get a completed_at, so they're never swept.

	cfg := &config.RetentionConfig{RunRetentionDays: 0, OrphanWorkspaceTTL: time.Hour, CleanupInterval: time.Hour}
	svc := NewService(cfg, layout, db.repo)
	svc.RunAll(ctx)

	_, err := db.repo.Get(ctx, sid)
	require.NoError(t, err)
}

func TestService_RemovesOrphanWorkspaceWithNoRunRow(t *testing.T) {
	db := newTestDB(t)
	layout := newTestLayout(t)
	ctx := context.Background()

	orphanDir := layout.WorkspacesDir("sid-orphan")
	_, err := store.EnsureDir(orphanDir)
	require.NoError(t, err)

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(orphanDir, old, old))

	cfg := &config.RetentionConfig{RunRetentionDays: 30, OrphanWorkspaceTTL: time.Hour, CleanupInterval: time.Hour}
	svc := NewService(cfg, layout, db.repo)
	svc.RunAll(ctx)

	assert.NoDirExists(t, orphanDir)
}

func TestService_PreservesFreshWorkspaceWithNoRunRow(t *testing.T) {
	db := newTestDB(t)
	layout := newTestLayout(t)
	ctx := context.Background()

	freshDir := layout.WorkspacesDir("sid-fresh-orphan")
	_, err := store.EnsureDir(freshDir)
	require.NoError(t, err)

	cfg := &config.RetentionConfig{RunRetentionDays: 30, OrphanWorkspaceTTL: time.Hour, CleanupInterval: time.Hour}
	svc := NewService(cfg, layout, db.repo)
	svc.RunAll(ctx)

	assert.DirExists(t, freshDir)
}

func TestService_PreservesOrphanWorkspaceWithMatchingRunRow(t *testing.T) {
	db := newTestDB(t)
	layout := newTestLayout(t)
	ctx := context.Background()

	sid := "sid-active"
	require.NoError(t, db.repo.Insert(ctx, sid, requirement.Requirement{VulnID: "cwe-89"}, 3))

	dir := layout.WorkspacesDir(sid)
	_, err := store.EnsureDir(dir)
	require.NoError(t, err)
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(dir, old, old))

	cfg := &config.RetentionConfig{RunRetentionDays: 30, OrphanWorkspaceTTL: time.Hour, CleanupInterval: time.Hour}
	svc := NewService(cfg, layout, db.repo)
	svc.RunAll(ctx)

	assert.DirExists(t, dir)
}

func TestService_StartStopIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	layout := newTestLayout(t)

	cfg := &config.RetentionConfig{RunRetentionDays: 30, OrphanWorkspaceTTL: time.Hour, CleanupInterval: time.Hour}
	svc := NewService(cfg, layout, db.repo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.Start(ctx)
	svc.Start(ctx) // second Start should be a no-op, not a second goroutine
	svc.Stop()
}

func TestService_NilConfigUsesDefaults(t *testing.T) {
	db := newTestDB(t)
	layout := newTestLayout(t)

	svc := NewService(nil, layout, db.repo)
	assert.Equal(t, config.DefaultRetentionConfig().RunRetentionDays, svc.config.RunRetentionDays)
}
