package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/vulnforge/vulnforge/pkg/config"
	"github.com/vulnforge/vulnforge/pkg/database"
	"github.com/vulnforge/vulnforge/pkg/store"
)

// newTestServer starts a disposable Postgres container and returns a
// ready Server, mirroring pkg/queue/pool_test.go's newTestRepo.
func newTestServer(t *testing.T) *Server {
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

	cfg := &config.Config{Defaults: &config.Defaults{MaxLoops: 3}}
	layout := store.NewLayout(t.TempDir())
	repo := database.NewRunRepository(client.Pool())

	return NewServer(cfg, client, repo, layout, nil)
}

func validRequirementBody() []byte {
	body, _ := json.Marshal(map[string]any{
		"vuln_id":        "CWE-89",
		"language":       "python",
		"framework":      "flask",
		"runtime":        map[string]any{"language": "python", "db": "sqlite"},
		"generator_mode": "template",
		"seed":           "42",
		"model_version":  "M0",
	})
	return body
}

func TestHandleCreateRunIsDeterministic(t *testing.T) {
	s := newTestServer(t)

	var sids [2]string
	for i := range sids {
		req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewReader(validRequirementBody()))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		s.Engine().ServeHTTP(rec, req)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		var resp RunCreatedResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotEmpty(t, resp.SID)
		require.Equal(t, []string{"CWE-89"}, resp.VulnIDs)
		sids[i] = resp.SID
	}
	require.Equal(t, sids[0], sids[1], "identical requirement must derive the same SID")
}

func TestHandleCreateRunRejectsNoVulnID(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(map[string]any{"language": "python"})
	req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetRunNotFound(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/runs/sid-000000000000", nil)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetRunAndEvals(t *testing.T) {
	s := newTestServer(t)

	createReq := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewReader(validRequirementBody()))
	createReq.Header.Set("Content-Type", "application/json")
	createRec := httptest.NewRecorder()
	s.Engine().ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusAccepted, createRec.Code)

	var created RunCreatedResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	getReq := httptest.NewRequest(http.MethodGet, "/runs/"+created.SID, nil)
	getRec := httptest.NewRecorder()
	s.Engine().ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	var run RunResponse
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &run))
	require.Equal(t, created.SID, run.SID)
	require.Equal(t, database.StatusPending, run.Status)

	// No evals.json yet: VERIFY hasn't run.
	evalsReq := httptest.NewRequest(http.MethodGet, "/runs/"+created.SID+"/evals", nil)
	evalsRec := httptest.NewRecorder()
	s.Engine().ServeHTTP(evalsRec, evalsReq)
	require.Equal(t, http.StatusNotFound, evalsRec.Code)

	require.NoError(t, store.WriteJSON(s.layout.EvalsPath(created.SID), map[string]any{
		"sid": created.SID, "overall_pass": true,
	}))

	evalsReq2 := httptest.NewRequest(http.MethodGet, "/runs/"+created.SID+"/evals", nil)
	evalsRec2 := httptest.NewRecorder()
	s.Engine().ServeHTTP(evalsRec2, evalsReq2)
	require.Equal(t, http.StatusOK, evalsRec2.Code)

	var evals map[string]any
	require.NoError(t, json.Unmarshal(evalsRec2.Body.Bytes(), &evals))
	require.Equal(t, true, evals["overall_pass"])
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, healthStatusHealthy, resp.Status)
}
