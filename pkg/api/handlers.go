package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vulnforge/vulnforge/pkg/database"
	"github.com/vulnforge/vulnforge/pkg/requirement"
	"github.com/vulnforge/vulnforge/pkg/sid"
	"github.com/vulnforge/vulnforge/pkg/store"
)

// handleCreateRun handles POST /runs: normalizes the inbound Requirement
// (at least one vuln id must resolve), derives the SID, and inserts a
// pending run row. The actual PLAN→PACK drive happens out of band:
// pkg/queue.WorkerPool claims pending rows on its own poll loop, so this
// handler never blocks on pipeline execution.
func (s *Server) handleCreateRun(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	norm, err := requirement.Normalize(req.Requirement, req.Requirement.MultiVuln)
	if err != nil {
		respondError(c, err)
		return
	}

	maxLoops := norm.Requirement.Loop.MaxLoops
	if maxLoops <= 0 {
		maxLoops = s.cfg.Defaults.MaxLoops
	}
	if maxLoops <= 0 {
		maxLoops = 3
	}

	components := sid.Components{
		ModelVersion:   norm.Requirement.ModelVersion,
		Seed:           norm.Requirement.Seed,
		CorpusSnapshot: norm.Requirement.Snapshot,
		PatternID:      norm.Requirement.PatternID,
		DepsDigest:     sid.SortedDigest(norm.Requirement.UserDeps),
	}
	if norm.MultiVuln {
		components.VulnIDs = norm.EffectiveVulnIDs
	}
	derivedSID, err := sid.Derive(components)
	if err != nil {
		respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	if err := s.repo.Insert(ctx, derivedSID, norm.Requirement, maxLoops); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, RunCreatedResponse{
		SID:      derivedSID,
		Status:   database.StatusPending,
		VulnIDs:  norm.EffectiveVulnIDs,
		Warnings: norm.Warnings,
	})
}

// handleGetRun handles GET /runs/:sid: the current Plan's pipeline
// position plus Loop State summary.
func (s *Server) handleGetRun(c *gin.Context) {
	runSID := c.Param("sid")
	run, err := s.repo.Get(c.Request.Context(), runSID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, RunResponse{
		SID:         run.SID,
		State:       string(run.State),
		Status:      run.Status,
		CurrentLoop: run.CurrentLoop,
		MaxLoops:    run.MaxLoops,
		LastResult:  run.LastResult,
		CreatedAt:   run.CreatedAt,
		UpdatedAt:   run.UpdatedAt,
		CompletedAt: run.CompletedAt,
	})
}

// handleGetEvals handles GET /runs/:sid/evals: the evals.json verdict
// artefact. A SID that has not yet reached VERIFY has no file on disk
// yet, reported as 404 rather than an empty body.
func (s *Server) handleGetEvals(c *gin.Context) {
	runSID := c.Param("sid")
	if _, err := s.repo.Get(c.Request.Context(), runSID); err != nil {
		respondError(c, err)
		return
	}

	path := s.layout.EvalsPath(runSID)
	if !store.Exists(path) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "evals not yet available for " + runSID})
		return
	}

	var evals map[string]any
	if err := store.ReadJSON(path, &evals); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, evals)
}
