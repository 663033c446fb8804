package evals

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulnforge/vulnforge/pkg/requirement"
	"github.com/vulnforge/vulnforge/pkg/rules"
	"github.com/vulnforge/vulnforge/pkg/store"
	"github.com/vulnforge/vulnforge/pkg/verifier"
)

func singleVulnPlan(sid string) requirement.Plan {
	return requirement.Plan{
		SID: sid,
		Requirement: requirement.Requirement{
			VulnID: "CWE-89", Language: "python", Framework: "flask",
			Verifier: requirement.VerifierPolicy{PreferRule: true},
		},
		RunMatrix: requirement.RunMatrix{VulnBundles: []requirement.VulnBundle{
			{VulnID: "CWE-89", Slug: "cwe-89", WorkspaceSubdir: "app"},
		}},
	}
}

func writeRunArtifacts(t *testing.T, layout store.Layout, plan requirement.Plan, logContent string) {
	t.Helper()
	bundle := plan.RunMatrix.VulnBundles[0]
	runDir := layout.ArtifactsDirForBundle(plan.SID, plan.IsMultiVuln(), bundle, "run")
	require.NoError(t, os.MkdirAll(runDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "run.log"), []byte(logContent), 0o644))
	index := map[string]any{"runs": []map[string]any{{
		"slug": bundle.Slug, "vuln_id": bundle.VulnID,
		"build_passed": true, "run_passed": true, "exit_code": 0,
	}}}
	require.NoError(t, store.WriteJSON(filepath.Join(layout.ArtifactsDir(plan.SID), "run", "index.json"), index))
}

func TestEvaluator_PassingBundle(t *testing.T) {
	layout := store.NewLayout(t.TempDir())
	plan := singleVulnPlan("sid-evalpass01")
	writeRunArtifacts(t, layout, plan, "request sent\nSQLi SUCCESS\nFLAG-sqli-demo-token\n")

	chain := verifier.NewChain(rules.NewRegistry(), nil, nil)
	report, err := NewEvaluator(layout, chain).Run(context.Background(), plan)
	require.NoError(t, err)

	assert.True(t, report.OverallPass)
	require.Len(t, report.Results, 1)
	result := report.Results[0]
	assert.Equal(t, "CWE-89", result.VulnID)
	assert.Equal(t, "cwe-89", result.Slug)
	assert.True(t, result.VerifyPass)
	assert.Equal(t, verifier.StatusEvaluated, result.Status)
	assert.Equal(t, "rule", result.VerifierMeta.Type)
	assert.Equal(t, true, result.RunSummary["run_passed"])

	var persisted Report
	require.NoError(t, store.ReadJSON(layout.EvalsPath(plan.SID), &persisted))
	assert.Equal(t, report.OverallPass, persisted.OverallPass)
	assert.Equal(t, plan.SID, persisted.SID)
}

func TestEvaluator_SignatureMissingFails(t *testing.T) {
	layout := store.NewLayout(t.TempDir())
	plan := singleVulnPlan("sid-evalfail01")
	writeRunArtifacts(t, layout, plan, "request sent\nno markers here\n")

	chain := verifier.NewChain(rules.NewRegistry(), nil, nil)
	report, err := NewEvaluator(layout, chain).Run(context.Background(), plan)
	require.NoError(t, err)

	assert.False(t, report.OverallPass)
	require.Len(t, report.Results, 1)
	assert.False(t, report.Results[0].VerifyPass)
}

func TestEvaluator_MissingRunIndexMarksSkipped(t *testing.T) {
	layout := store.NewLayout(t.TempDir())
	plan := singleVulnPlan("sid-evalskip01")

	chain := verifier.NewChain(rules.NewRegistry(), nil, nil)
	report, err := NewEvaluator(layout, chain).Run(context.Background(), plan)
	require.NoError(t, err)

	assert.False(t, report.OverallPass)
	require.Len(t, report.Results, 1)
	assert.Equal(t, verifier.StatusSkipped, report.Results[0].Status)
	assert.Equal(t, "run not recorded in index", report.Results[0].Evidence)
}

func TestEvaluator_MultiVulnOneFailingBundleFailsOverall(t *testing.T) {
	layout := store.NewLayout(t.TempDir())
	plan := requirement.Plan{
		SID: "sid-evalmulti1",
		Requirement: requirement.Requirement{
			VulnIDs: []string{"CWE-89", "CWE-352"}, MultiVuln: true, Language: "python",
			Verifier: requirement.VerifierPolicy{PreferRule: true},
		},
		RunMatrix: requirement.RunMatrix{VulnBundles: []requirement.VulnBundle{
			{VulnID: "CWE-89", Slug: "cwe-89", WorkspaceSubdir: "app/cwe-89"},
			{VulnID: "CWE-352", Slug: "cwe-352", WorkspaceSubdir: "app/cwe-352"},
		}},
	}

	var records []map[string]any
	for i, bundle := range plan.RunMatrix.VulnBundles {
		runDir := layout.ArtifactsDirForBundle(plan.SID, plan.IsMultiVuln(), bundle, "run")
		require.NoError(t, os.MkdirAll(runDir, 0o755))
		content := "nothing matched\n"
		if i == 0 {
			content = "SQLi SUCCESS\nFLAG-sqli-demo-token\n"
		}
		require.NoError(t, os.WriteFile(filepath.Join(runDir, "run.log"), []byte(content), 0o644))
		records = append(records, map[string]any{"slug": bundle.Slug, "vuln_id": bundle.VulnID, "exit_code": 0})
	}
	require.NoError(t, store.WriteJSON(
		filepath.Join(layout.ArtifactsDir(plan.SID), "run", "index.json"),
		map[string]any{"runs": records}))

	chain := verifier.NewChain(rules.NewRegistry(), nil, nil)
	report, err := NewEvaluator(layout, chain).Run(context.Background(), plan)
	require.NoError(t, err)

	assert.False(t, report.OverallPass)
	require.Len(t, report.Results, 2)
	assert.True(t, report.Results[0].VerifyPass)
	assert.False(t, report.Results[1].VerifyPass)
}
