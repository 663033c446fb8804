package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vulnforge/vulnforge/pkg/requirement"
	"github.com/vulnforge/vulnforge/pkg/rules"
	"github.com/vulnforge/vulnforge/pkg/verifier"
)

func writeFileForTest(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// TestReviewerExecutePassesDespiteIntentionalSQLInterpolation covers a
// legitimately-vulnerable CWE-89 bundle that contains raw SQL string
// interpolation by design, so the workspace-scan finding must not block
// the run even though it is surfaced as an issue.
func TestReviewerExecutePassesDespiteIntentionalSQLInterpolation(t *testing.T) {
	dirs := t.TempDir()
	workspaceDir := filepath.Join(dirs, "workspace")
	artifactsDir := filepath.Join(dirs, "artifacts")
	metadataDir := filepath.Join(dirs, "metadata")

	writeFileForTest(t, filepath.Join(workspaceDir, "app.py"),
		"query = f\"SELECT username FROM users WHERE username = '{username}'\"\n")
	writeFileForTest(t, filepath.Join(artifactsDir, "run.log"), "SQLi SUCCESS\nFLAG-sqli-demo-token\n")

	chain := verifier.NewChain(rules.NewRegistry(), nil, nil)
	ctl := newTestLoopController(t, "sid-review-pass")
	r := NewReviewer(chain, ctl)

	execCtx := ExecutionContext{
		SID:          "sid-review-pass",
		Bundle:       requirement.VulnBundle{VulnID: "CWE-89", Slug: "cwe-89", WorkspaceSubdir: "app"},
		Requirement:  requirement.Requirement{VulnID: "CWE-89", Verifier: requirement.VerifierPolicy{PreferRule: true}},
		WorkspaceDir: workspaceDir,
		ArtifactsDir: artifactsDir,
		MetadataDir:  metadataDir,
	}

	result, err := r.Execute(context.Background(), execCtx)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)

	var report reviewerReport
	data, err := os.ReadFile(filepath.Join(metadataDir, "reviewer_report.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &report))
	require.False(t, report.Blocking)
	require.NotEmpty(t, report.Issues)
	for _, issue := range report.Issues {
		require.False(t, issue.Blocking)
	}
}

func TestReviewerExecuteBlocksWhenRunLogMissing(t *testing.T) {
	dirs := t.TempDir()
	workspaceDir := filepath.Join(dirs, "workspace")
	artifactsDir := filepath.Join(dirs, "artifacts")
	metadataDir := filepath.Join(dirs, "metadata")
	require.NoError(t, os.MkdirAll(workspaceDir, 0o755))
	require.NoError(t, os.MkdirAll(artifactsDir, 0o755))

	chain := verifier.NewChain(rules.NewRegistry(), nil, nil)
	ctl := newTestLoopController(t, "sid-review-block")
	r := NewReviewer(chain, ctl)

	execCtx := ExecutionContext{
		SID:          "sid-review-block",
		Bundle:       requirement.VulnBundle{VulnID: "CWE-89", Slug: "cwe-89", WorkspaceSubdir: "app"},
		Requirement:  requirement.Requirement{VulnID: "CWE-89"},
		WorkspaceDir: workspaceDir,
		ArtifactsDir: artifactsDir,
		MetadataDir:  metadataDir,
	}

	result, err := r.Execute(context.Background(), execCtx)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, result.Status)
	require.Equal(t, 1, ctl.CurrentLoop())
	require.False(t, ctl.ShouldContinue() && ctl.Exhausted())
}
