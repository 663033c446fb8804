package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/vulnforge/vulnforge/pkg/loop"
	"github.com/vulnforge/vulnforge/pkg/store"
	"github.com/vulnforge/vulnforge/pkg/verifier"
)

// sqlInterpolationPattern flags raw string-interpolated SQL in generated
// workspaces.
var sqlInterpolationPattern = regexp.MustCompile(`(?is)SELECT.+\{.+\}`)

// Issue is one static or dynamic finding surfaced by the Reviewer.
type Issue struct {
	BundleSlug string `json:"bundle_slug"`
	File       string `json:"file"`
	Line       int    `json:"line"`
	Issue      string `json:"issue"`
	FixHint    string `json:"fix_hint"`
	Severity   string `json:"severity"`
	Blocking   bool   `json:"blocking"`
}

// Reviewer evaluates one bundle's run log against its verdict, scans its
// workspace for obvious vulnerability anti-patterns it did NOT intend to
// demonstrate, and records the REVIEW stage's success/failure on the Loop
// Controller.
type Reviewer struct {
	chain *verifier.Chain
	loop  *loop.Controller
}

// NewReviewer returns a Reviewer backed by chain for evidence gathering
// and ctl for recording the REVIEW stage's outcome.
func NewReviewer(chain *verifier.Chain, ctl *loop.Controller) *Reviewer {
	return &Reviewer{chain: chain, loop: ctl}
}

type reviewerReport struct {
	SID        string    `json:"sid"`
	Bundle     bundleRef `json:"bundle"`
	LoopCount  int       `json:"loop_count"`
	Issues     []Issue   `json:"issues"`
	Blocking   bool      `json:"blocking"`
	LogPath    string    `json:"log_path"`
	Success    bool      `json:"success"`
	CreatedAt  time.Time `json:"created_at"`
}

// Execute loads the bundle's run.log + summary.json, asks the Verifier
// Chain for a verdict, scans the materialized workspace for raw SQL
// string interpolation (an issue even in an intentionally vulnerable
// bundle, since it signals the app diverged from the candidate manifest),
// and records REVIEW success or a blocking failure accordingly.
func (r *Reviewer) Execute(ctx context.Context, execCtx ExecutionContext) (ExecutionResult, error) {
	if !r.loop.Active() {
		if err := r.loop.StartLoop(); err != nil {
			return ExecutionResult{Status: StatusFailed, Error: err}, err
		}
	}

	logPath := filepath.Join(execCtx.ArtifactsDir, "run.log")
	var issues []Issue
	var verdict verifier.Verdict
	if !store.Exists(logPath) {
		issues = append(issues, Issue{
			BundleSlug: execCtx.Bundle.Slug, File: "poc.py", Line: 1,
			Issue: "run.log missing", FixHint: "Repeat EXECUTOR RUN step for this bundle",
			Severity: "high", Blocking: true,
		})
	} else {
		v, err := r.chain.Verify(ctx, verifier.Input{
			VulnID:        execCtx.Bundle.VulnID,
			LogPath:       logPath,
			WorkspaceDirs: []string{execCtx.WorkspaceDir},
			Policy: verifier.Policy{
				PreferRule: execCtx.Requirement.Verifier.PreferRule,
				LLMAssist:  execCtx.Requirement.Verifier.LLMAssist,
			},
		})
		if err != nil {
			return ExecutionResult{Status: StatusFailed, Error: err}, err
		}
		verdict = v
		if !verdict.VerifyPass {
			issues = append(issues, Issue{
				BundleSlug: execCtx.Bundle.Slug, File: "poc.py", Line: 1,
				Issue: verdict.Evidence, FixHint: "Inspect application logs and PoC payload",
				Severity: "high", Blocking: true,
			})
		}
	}
	issues = append(issues, r.scanWorkspace(execCtx)...)

	blocking := false
	for _, issue := range issues {
		if issue.Blocking {
			blocking = true
			break
		}
	}

	report := reviewerReport{
		SID:       execCtx.SID,
		Bundle:    bundleRef{VulnID: execCtx.Bundle.VulnID, Slug: execCtx.Bundle.Slug},
		LoopCount: r.loop.CurrentLoop(),
		Issues:    issues,
		Blocking:  blocking,
		LogPath:   logPath,
		Success:   verdict.VerifyPass,
		CreatedAt: time.Now().UTC(),
	}
	path := filepath.Join(execCtx.MetadataDir, "reviewer_report.json")
	if err := store.WriteJSON(path, report); err != nil {
		return ExecutionResult{Status: StatusFailed, Error: err}, err
	}

	if blocking {
		reason := fmt.Sprintf("blocking issues detected in bundle %s", execCtx.Bundle.Slug)
		if recErr := r.loop.RecordFailure("REVIEW", true, reason,
			"Inspect reviewer bundle reports for remediation guidance.", map[string]any{"bundle": execCtx.Bundle.Slug}); recErr != nil {
			return ExecutionResult{Status: StatusFailed, Error: recErr}, recErr
		}
		return ExecutionResult{Status: StatusFailed, ReportPath: path}, nil
	}
	if err := r.loop.RecordSuccess("REVIEW", map[string]any{"bundle": execCtx.Bundle.Slug}); err != nil {
		return ExecutionResult{Status: StatusFailed, Error: err}, err
	}
	return ExecutionResult{Status: StatusCompleted, ReportPath: path}, nil
}

// scanWorkspace flags raw string-interpolated SQL in *.py files under the
// bundle's materialized workspace, mirroring
// ReviewerService._scan_workspace.
func (r *Reviewer) scanWorkspace(execCtx ExecutionContext) []Issue {
	var issues []Issue
	_ = filepath.WalkDir(execCtx.WorkspaceDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".py") {
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		text := string(data)
		loc := sqlInterpolationPattern.FindStringIndex(text)
		if loc == nil {
			return nil
		}
		line := strings.Count(text[:loc[0]], "\n") + 1
		rel, _ := filepath.Rel(execCtx.WorkspaceDir, path)
		issues = append(issues, Issue{
			BundleSlug: execCtx.Bundle.Slug, File: rel, Line: line,
			Issue:    "Raw SQL string interpolation detected",
			FixHint:  "Switch to parameterized queries or ORM bind parameters",
			Severity: "high", Blocking: false,
		})
		return nil
	})
	return issues
}
