package agent

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/vulnforge/vulnforge/pkg/llm"
	"github.com/vulnforge/vulnforge/pkg/loop"
	"github.com/vulnforge/vulnforge/pkg/requirement"
	"github.com/vulnforge/vulnforge/pkg/rules"
	"github.com/vulnforge/vulnforge/pkg/synthesis"
)

// Generator drives the Synthesis Engine for one bundle and records the
// blocking/non-blocking outcome on the Loop Controller: it owns the
// DRAFT-stage retry decision, recording a blocking failure and re-entering
// the loop when synthesis can't produce a valid candidate.
type Generator struct {
	llm   llm.Client
	rules *rules.Registry
	loop  *loop.Controller
}

// NewGenerator returns a Generator backed by client for candidate
// completions, registry for PoC defaulting, and ctl for recording the
// DRAFT stage's outcome.
func NewGenerator(client llm.Client, registry *rules.Registry, ctl *loop.Controller) *Generator {
	return &Generator{llm: client, rules: registry, loop: ctl}
}

// Execute runs the Synthesis Engine for execCtx's bundle, materializes the
// winning candidate into execCtx.WorkspaceDir, and records the DRAFT
// stage's outcome on the Loop Controller: a blocking failure with a
// dependency-shaped fix hint when every candidate violated guard rails, or
// a success noting the selected candidate's digest.
func (g *Generator) Execute(ctx context.Context, execCtx ExecutionContext) (ExecutionResult, error) {
	if err := g.loop.StartLoop(); err != nil {
		return ExecutionResult{Status: StatusFailed, Error: err}, err
	}

	req := execCtx.Requirement
	limits := req.SynthesisLimits
	if len(limits.Allowlist) == 0 {
		limits = requirement.DefaultSynthesisLimits()
	}
	engine := synthesis.New(execCtx.SID, g.llm, limits, execCtx.WorkspaceDir, execCtx.MetadataDir, req.GeneratorMode, req.UserDeps, g.rules).
		WithTemplateSeed(execCtx.PatternSeed, g.loop.CurrentLoop())

	candidateK := execCtx.CandidateK
	if candidateK < 1 {
		candidateK = 1
	}
	outcome, err := engine.Run(ctx, req, execCtx.RAGContext, execCtx.Hints, execCtx.FailureContext, candidateK)
	if err != nil {
		var guardErr *synthesis.ManifestValidationError
		reason := err.Error()
		fixHint := "Re-run synthesis with adjusted limits or user-declared dependencies."
		if errors.As(err, &guardErr) {
			fixHint = fixHintFromViolations(guardErr.Violations)
		}
		if recErr := g.loop.RecordFailure("DRAFT", true, reason, fixHint, nil); recErr != nil {
			return ExecutionResult{Status: StatusFailed, Error: recErr}, recErr
		}
		return ExecutionResult{Status: StatusFailed, Error: err}, err
	}

	if err := g.loop.RecordSuccess("DRAFT", map[string]any{
		"manifest_digest": outcome.Selected.ManifestDigest(),
		"files_written":   len(outcome.WrittenFiles),
	}); err != nil {
		return ExecutionResult{Status: StatusFailed, Error: err}, err
	}

	return ExecutionResult{Status: StatusCompleted, ReportPath: execCtx.MetadataDir + "/generator_manifest.json"}, nil
}

// fixHintFromViolations produces the hint "declare and install the
// following dependencies in deps[] and requirements*.txt -> <deps>" when
// the violations name missing dependencies, falling back to a generic
// guard-rail hint otherwise.
var missingDepPattern = regexp.MustCompile(`missing dependency '([^']+)'`)

func fixHintFromViolations(violations []string) string {
	var missing []string
	for _, v := range violations {
		if m := missingDepPattern.FindStringSubmatch(v); m != nil {
			missing = append(missing, m[1])
		}
	}
	if len(missing) > 0 {
		return "declare and install the following dependencies in deps[] and requirements*.txt -> " + strings.Join(missing, ", ")
	}
	return "Inspect generator_candidates.json for the violated guard rails and adjust the manifest."
}
