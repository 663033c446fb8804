package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vulnforge/vulnforge/pkg/llm"
	"github.com/vulnforge/vulnforge/pkg/requirement"
	"github.com/vulnforge/vulnforge/pkg/rules"
)

func TestResearcherExecuteWritesReportAndCandidateRule(t *testing.T) {
	metadataDir := t.TempDir()
	fixture := &llm.Fixture{Responses: []string{"SQLi typically stems from string-built queries."}}
	r := NewResearcher(fixture, rules.NewRegistry())

	execCtx := ExecutionContext{
		SID:         "sid-deadbeef0000",
		Bundle:      requirement.VulnBundle{VulnID: "CWE-89", Slug: "cwe-89", WorkspaceSubdir: "app"},
		Requirement: requirement.Requirement{VulnID: "CWE-89", Language: "python", Framework: "flask"},
		MetadataDir: metadataDir,
		RAGContext:  "known sqli patterns",
	}

	result, err := r.Execute(context.Background(), execCtx)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	require.FileExists(t, filepath.Join(metadataDir, "researcher_report.json"))
	require.FileExists(t, filepath.Join(metadataDir, "runtime_rules", "cwe-89.yaml"))

	data, err := os.ReadFile(filepath.Join(metadataDir, "runtime_rules", "cwe-89.yaml"))
	require.NoError(t, err)
	require.Contains(t, string(data), "SQLi SUCCESS")
}

func TestResearcherExecuteSurvivesLLMFailure(t *testing.T) {
	metadataDir := t.TempDir()
	fixture := &llm.Fixture{} // exhausted immediately -> Complete errors
	r := NewResearcher(fixture, rules.NewRegistry())

	execCtx := ExecutionContext{
		SID:         "sid-deadbeef0001",
		Bundle:      requirement.VulnBundle{VulnID: "CWE-999", Slug: "cwe-999", WorkspaceSubdir: "app"},
		Requirement: requirement.Requirement{VulnID: "CWE-999", Language: "python"},
		MetadataDir: metadataDir,
	}

	result, err := r.Execute(context.Background(), execCtx)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
}
