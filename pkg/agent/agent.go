// Package agent provides the Researcher, Generator, and Reviewer façades
// that drive the per-bundle stages of a run. Each façade is created per
// bundle (not shared across SIDs) and composes the already-built pkg/llm,
// pkg/rules, pkg/synthesis, pkg/depguard, pkg/verifier, and pkg/loop
// packages rather than re-implementing their logic.
package agent

import (
	"context"

	"github.com/vulnforge/vulnforge/pkg/requirement"
)

// ExecutionStatus mirrors the coarse outcome of one agent's run.
type ExecutionStatus string

// Agent outcomes.
const (
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// ExecutionContext carries the SID/bundle/workspace scoping every façade
// needs.
type ExecutionContext struct {
	SID          string
	Bundle       requirement.VulnBundle
	MultiVuln    bool
	Requirement  requirement.Requirement
	WorkspaceDir string
	MetadataDir  string
	ArtifactsDir string

	// RAGContext, Hints, and FailureContext are opaque strings folded into
	// prompts; corpus ingestion is out of scope here, so callers supply
	// these pre-rendered rather than this package fetching them.
	RAGContext     string
	Hints          string
	FailureContext string
	CandidateK     int

	// PatternSeed is the plan's pattern_pool_seed, consumed by template-mode
	// candidate sampling.
	PatternSeed int
}

// ExecutionResult is returned by every façade's Execute. ReportPath points
// at the primary JSON artefact it wrote.
type ExecutionResult struct {
	Status     ExecutionStatus
	ReportPath string
	Error      error
}

// Agent is the common, single-method shape of the Researcher, Generator,
// and Reviewer façades: advance one bundle through a pipeline stage.
type Agent interface {
	Execute(ctx context.Context, execCtx ExecutionContext) (ExecutionResult, error)
}
