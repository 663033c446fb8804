package evals

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulnforge/vulnforge/pkg/loop"
	"github.com/vulnforge/vulnforge/pkg/requirement"
	"github.com/vulnforge/vulnforge/pkg/store"
)

func writeCandidates(t *testing.T, dir string, tags ...[]string) {
	t.Helper()
	candidates := make([]map[string]any, 0, len(tags))
	for i, tag := range tags {
		candidates = append(candidates, map[string]any{"index": i, "pattern_tags": tag})
	}
	require.NoError(t, store.WriteJSON(
		filepath.Join(dir, "generator_candidates.json"),
		map[string]any{"mode": "synthesis", "candidates": candidates}))
}

func TestDiversityEvaluator_SingleVuln(t *testing.T) {
	layout := store.NewLayout(t.TempDir())
	plan := singleVulnPlan("sid-divsingle1")
	plan.Requirement.PatternID = "sqli-basic"
	plan.VariationKey = requirement.ForMode(requirement.ModeDiverse, 7)

	metadataDir := layout.MetadataDirForBundle(plan.SID, plan.IsMultiVuln(), plan.RunMatrix.VulnBundles[0])
	writeCandidates(t, metadataDir,
		[]string{"sqli-union"}, []string{"sqli-union"}, []string{"sqli-error"}, nil)

	require.NoError(t, store.WriteJSON(layout.LoopStatePath(plan.SID), loop.State{
		SID: plan.SID, MaxLoops: 3, CurrentLoop: 2,
		History: []loop.HistoryEntry{
			{Loop: 1, Stage: "DRAFT", Success: false, Timestamp: time.Now()},
			{Loop: 2, Stage: "DRAFT", Success: true, Timestamp: time.Now()},
			{Loop: 2, Stage: "REVIEW", Success: true, Timestamp: time.Now()},
		},
		LastResult: loop.ResultSuccess,
	}))

	report, err := NewDiversityEvaluator(layout).Run(plan)
	require.NoError(t, err)

	assert.Equal(t, plan.SID, report.SID)
	assert.Equal(t, 4, report.Metrics.CandidateCount)
	// Distribution: sqli-union x2, sqli-error x1, unknown x1 -> 1.5 bits.
	assert.InDelta(t, 1.5, report.Metrics.ShannonEntropy, 0.0001)
	assert.InDelta(t, 0.75, report.Metrics.ScenarioDistance, 0.0001)
	assert.InDelta(t, 2.0/3.0, report.Metrics.ReproducibilityRate, 0.0001)
	assert.Equal(t, "sqli-basic", report.Dimensions.PatternID)
	assert.Equal(t, "python", report.Dimensions.Language)

	var persisted DiversityReport
	require.NoError(t, store.ReadJSON(layout.DiversityPath(plan.SID), &persisted))
	assert.Equal(t, report.Metrics, persisted.Metrics)
}

func TestDiversityEvaluator_NoCandidatesOrLoopState(t *testing.T) {
	layout := store.NewLayout(t.TempDir())
	plan := singleVulnPlan("sid-divempty01")

	report, err := NewDiversityEvaluator(layout).Run(plan)
	require.NoError(t, err)

	assert.Zero(t, report.Metrics.CandidateCount)
	assert.Zero(t, report.Metrics.ShannonEntropy)
	assert.Zero(t, report.Metrics.ScenarioDistance)
	assert.Equal(t, 1.0, report.Metrics.ReproducibilityRate)
}

func TestDiversityEvaluator_MultiVulnAggregatesBundles(t *testing.T) {
	layout := store.NewLayout(t.TempDir())
	plan := requirement.Plan{
		SID:         "sid-divmulti01",
		Requirement: requirement.Requirement{VulnIDs: []string{"CWE-89", "CWE-352"}, Language: "python"},
		RunMatrix: requirement.RunMatrix{VulnBundles: []requirement.VulnBundle{
			{VulnID: "CWE-89", Slug: "cwe-89", WorkspaceSubdir: "app/cwe-89"},
			{VulnID: "CWE-352", Slug: "cwe-352", WorkspaceSubdir: "app/cwe-352"},
		}},
	}
	writeCandidates(t, layout.MetadataDirForBundle(plan.SID, true, plan.RunMatrix.VulnBundles[0]),
		[]string{"sqli-union"})
	writeCandidates(t, layout.MetadataDirForBundle(plan.SID, true, plan.RunMatrix.VulnBundles[1]),
		[]string{"csrf-token-missing"})

	report, err := NewDiversityEvaluator(layout).Run(plan)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Metrics.CandidateCount)
	assert.InDelta(t, 1.0, report.Metrics.ShannonEntropy, 0.0001)
	assert.InDelta(t, 1.0, report.Metrics.ScenarioDistance, 0.0001)
}
