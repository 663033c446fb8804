package database

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/vulnforge/vulnforge/pkg/requirement"
)

// newTestClient starts a disposable Postgres container, applies embedded
// migrations through NewClient, and returns a ready client.
func newTestClient(t *testing.T) *Client {
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

	cfg := Config{
		Host:     host,
		Port:     port.Int(),
		User:     "test",
		Password: "test",
		Database: "vulnforge_test",
		SSLMode:  "disable",
		MaxConns: 10,
		MinConns: 1,
	}

	client, err := NewClient(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return client
}

func TestDatabaseClientConnectionPool(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	health, err := Health(ctx, client.Pool())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Greater(t, health.MaxConns, int32(0))
}

func TestRunRepositoryLifecycle(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	repo := NewRunRepository(client.Pool())

	req := requirement.Requirement{VulnID: "CWE-89", Language: "python"}
	require.NoError(t, repo.Insert(ctx, "sid-abc123", req, 3))

	run, err := repo.Get(ctx, "sid-abc123")
	require.NoError(t, err)
	assert.Equal(t, "CWE-89", run.Requirement.VulnID)
	assert.Equal(t, StatusPending, run.Status)

	claimed, err := repo.ClaimNextPending(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, "sid-abc123", claimed.SID)
	assert.Equal(t, StatusInProgress, claimed.Status)

	_, err = repo.ClaimNextPending(ctx, "worker-2")
	assert.ErrorIs(t, err, ErrRunNotFound, "second worker must not claim an already-claimed run")

	require.NoError(t, repo.Heartbeat(ctx, "sid-abc123"))

	active, err := repo.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, active)

	require.NoError(t, repo.UpdateState(ctx, "sid-abc123", "VERIFY", 1, "success"))
	run, err = repo.Get(ctx, "sid-abc123")
	require.NoError(t, err)
	assert.EqualValues(t, "VERIFY", run.State)
	assert.Equal(t, 1, run.CurrentLoop)

	require.NoError(t, repo.Complete(ctx, "sid-abc123", true))
	run, err = repo.Get(ctx, "sid-abc123")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.NotNil(t, run.CompletedAt)
}

func TestRunRepositoryRequeueOrphans(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	repo := NewRunRepository(client.Pool())

	require.NoError(t, repo.Insert(ctx, "sid-orphan", requirement.Requirement{VulnID: "CWE-79"}, 3))
	_, err := repo.ClaimNextPending(ctx, "worker-1")
	require.NoError(t, err)

	// Force the heartbeat far enough into the past to count as orphaned.
	_, err = client.Pool().Exec(ctx, `UPDATE runs SET heartbeat_at = now() - interval '1 hour' WHERE sid = $1`, "sid-orphan")
	require.NoError(t, err)

	requeued, err := repo.RequeueOrphans(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"sid-orphan"}, requeued)

	run, err := repo.Get(ctx, "sid-orphan")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, run.Status)
	assert.Empty(t, run.WorkerID)
}

func TestRunRepositoryEvaluations(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	repo := NewRunRepository(client.Pool())

	require.NoError(t, repo.Insert(ctx, "sid-eval", requirement.Requirement{VulnID: "CWE-89"}, 3))

	verdict, err := json.Marshal(map[string]any{"passed": true, "evidence": "FLAG{sql_injection}"})
	require.NoError(t, err)
	require.NoError(t, repo.RecordEvaluation(ctx, "sid-eval", 1, "VERIFY", verdict, false))
	require.NoError(t, repo.RecordEvaluation(ctx, "sid-eval", 1, "REVIEW", verdict, false))

	evals, err := repo.ListEvaluations(ctx, "sid-eval")
	require.NoError(t, err)
	require.Len(t, evals, 2)
	assert.Equal(t, "VERIFY", evals[0].Stage)
	assert.Equal(t, "REVIEW", evals[1].Stage)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: Config{
				Host: "localhost", Port: 5432, User: "test", Password: "test",
				Database: "test", SSLMode: "disable", MaxConns: 10, MinConns: 2,
			},
			wantErr: false,
		},
		{
			name: "missing password",
			cfg: Config{
				Host: "localhost", Port: 5432, User: "test", Password: "",
				Database: "test", MaxConns: 10, MinConns: 2,
			},
			wantErr: true,
		},
		{
			name: "min conns exceed max conns",
			cfg: Config{
				Host: "localhost", Port: 5432, User: "test", Password: "test",
				Database: "test", MaxConns: 5, MinConns: 10,
			},
			wantErr: true,
		},
		{
			name: "zero max conns",
			cfg: Config{
				Host: "localhost", Port: 5432, User: "test", Password: "test",
				Database: "test", MaxConns: 0, MinConns: 0,
			},
			wantErr: true,
		},
		{
			name: "negative min conns",
			cfg: Config{
				Host: "localhost", Port: 5432, User: "test", Password: "test",
				Database: "test", MaxConns: 10, MinConns: -1,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
