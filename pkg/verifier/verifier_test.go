package verifier

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulnforge/vulnforge/pkg/llm"
	"github.com/vulnforge/vulnforge/pkg/rules"
)

func writeLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.log")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRunAssertions_EmptyProgramSucceedsVacuously(t *testing.T) {
	ok, outcomes := RunAssertions("anything", nil)
	assert.True(t, ok)
	assert.Empty(t, outcomes)
}

func TestRunAssertions_Contains(t *testing.T) {
	ok, outcomes := RunAssertions("hello world", []Assertion{{Op: "contains", String: "world"}})
	assert.True(t, ok)
	assert.Len(t, outcomes, 1)
}

func TestRunAssertions_NotContainsFails(t *testing.T) {
	ok, _ := RunAssertions("hello world", []Assertion{{Op: "not_contains", String: "world"}})
	assert.False(t, ok)
}

func TestRunAssertions_RegexContains(t *testing.T) {
	ok, _ := RunAssertions("status=200 OK", []Assertion{{Op: "regex_contains", Pattern: `status=\d+`}})
	assert.True(t, ok)
}

func TestRunAssertions_NumberDelta(t *testing.T) {
	log := "before=10\nafter=15\n"
	ok, _ := RunAssertions(log, []Assertion{{
		Op: "number_delta", PatternBefore: `before=(\d+)`, PatternAfter: `after=(\d+)`,
		Comparator: "gt", Delta: 0,
	}})
	assert.True(t, ok)
}

func TestRunAssertions_UnsupportedOpFails(t *testing.T) {
	ok, outcomes := RunAssertions("x", []Assertion{{Op: "bogus"}})
	assert.False(t, ok)
	assert.Equal(t, "bogus", outcomes[0].Op)
}

func TestChain_RuleBasedSignatureAndFlagMatch(t *testing.T) {
	logPath := writeLog(t, "query executed\nSQLi SUCCESS\nFLAG-sqli-demo-token\n")
	chain := NewChain(rules.NewRegistry(), nil, nil)

	verdict, err := chain.Verify(context.Background(), Input{VulnID: "CWE-89", LogPath: logPath})
	require.NoError(t, err)
	assert.True(t, verdict.VerifyPass)
	assert.Equal(t, StatusEvaluated, verdict.Status)
}

func TestChain_RuleBasedMissingSignatureFails(t *testing.T) {
	logPath := writeLog(t, "nothing interesting happened\n")
	chain := NewChain(rules.NewRegistry(), nil, nil)

	verdict, err := chain.Verify(context.Background(), Input{VulnID: "CWE-89", LogPath: logPath})
	require.NoError(t, err)
	assert.False(t, verdict.VerifyPass)
}

func TestChain_LogMissingReturnsStatus(t *testing.T) {
	chain := NewChain(rules.NewRegistry(), nil, nil)
	verdict, err := chain.Verify(context.Background(), Input{VulnID: "CWE-89", LogPath: "/no/such/file.log"})
	require.NoError(t, err)
	assert.Equal(t, StatusLogMissing, verdict.Status)
}

type stubPlugin struct {
	matched  bool
	evidence string
}

func (p stubPlugin) Matches(string) (bool, string) { return p.matched, p.evidence }

func TestChain_PluginFallbackWhenRuleFails(t *testing.T) {
	logPath := writeLog(t, "some custom marker: XSS_TRIGGERED\n")
	chain := NewChain(rules.NewRegistry(), map[string]Plugin{
		"cwe-79": stubPlugin{matched: true, evidence: "plugin matched XSS_TRIGGERED"},
	}, nil)

	verdict, err := chain.Verify(context.Background(), Input{VulnID: "CWE-79", LogPath: logPath, Policy: Policy{PreferRule: true}})
	require.NoError(t, err)
	assert.True(t, verdict.VerifyPass)
	assert.Equal(t, "plugin", verdict.VerifierMeta.Type)
}

func TestChain_UnsupportedWhenNoRuleOrPlugin(t *testing.T) {
	logPath := writeLog(t, "irrelevant\n")
	chain := NewChain(rules.NewRegistry(), nil, nil)
	verdict, err := chain.Verify(context.Background(), Input{VulnID: "CWE-0000", LogPath: logPath})
	require.NoError(t, err)
	assert.Equal(t, StatusUnsupported, verdict.Status)
}

const jsonOutputRule = `cwe: CWE-89
success_signature: SQLi SUCCESS
flag_token: FLAG-sqli-demo-token
output:
  format: json
  json:
    success_key: success
    success_value: "true"
    flag_key: flag
`

func writeRuntimeRule(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cwe-89.yaml"), []byte(content), 0o644))
	return dir
}

func TestChain_RuleJSONOutputInlineObject(t *testing.T) {
	logPath := writeLog(t, "starting poc\n{\"success\": true, \"flag\": \"FLAG-sqli-demo-token\"}\ndone\n")
	chain := NewChain(rules.NewRegistry(writeRuntimeRule(t, jsonOutputRule)), nil, nil)

	verdict, err := chain.Verify(context.Background(), Input{VulnID: "CWE-89", LogPath: logPath})
	require.NoError(t, err)
	assert.True(t, verdict.VerifyPass)
	assert.Contains(t, verdict.Evidence, "JSON success=true")
	assert.Contains(t, verdict.Evidence, "JSON flag matched")
}

func TestChain_RuleJSONOutputStructuredSummaryWins(t *testing.T) {
	logPath := writeLog(t, "no text markers at all\n")
	chain := NewChain(rules.NewRegistry(writeRuntimeRule(t, jsonOutputRule)), nil, nil)

	verdict, err := chain.Verify(context.Background(), Input{
		VulnID: "CWE-89", LogPath: logPath,
		RunSummary: map[string]any{"success": true, "flag": "FLAG-sqli-demo-token"},
	})
	require.NoError(t, err)
	assert.True(t, verdict.VerifyPass)
}

func TestChain_RuleSiblingSummaryJSONConsulted(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "run.log")
	require.NoError(t, os.WriteFile(logPath, []byte("no markers\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "summary.json"),
		[]byte(`{"success": true, "flag": "FLAG-sqli-demo-token"}`), 0o644))

	chain := NewChain(rules.NewRegistry(writeRuntimeRule(t, jsonOutputRule)), nil, nil)
	verdict, err := chain.Verify(context.Background(), Input{VulnID: "CWE-89", LogPath: logPath})
	require.NoError(t, err)
	assert.True(t, verdict.VerifyPass)
}

func TestChain_RuleWorkspacePatternEvidence(t *testing.T) {
	workspace := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "app.py"),
		[]byte("query = \"SELECT * FROM users WHERE name='\" + name + \"'\"\n"), 0o644))
	logPath := writeLog(t, "SQLi SUCCESS\nFLAG-sqli-demo-token\n")

	chain := NewChain(rules.NewRegistry(), nil, nil)
	verdict, err := chain.Verify(context.Background(), Input{
		VulnID: "CWE-89", LogPath: logPath, WorkspaceDirs: []string{workspace},
	})
	require.NoError(t, err)
	assert.True(t, verdict.VerifyPass)
	assert.Contains(t, verdict.Evidence, "app.py contains 'SELECT'")
}

func TestChain_RuleExitCodePolicyOverridesPass(t *testing.T) {
	logPath := writeLog(t, "SQLi SUCCESS\nFLAG-sqli-demo-token\n")
	chain := NewChain(rules.NewRegistry(), nil, nil)

	verdict, err := chain.Verify(context.Background(), Input{
		VulnID: "CWE-89", LogPath: logPath,
		RunSummary: map[string]any{"exit_code": float64(2)},
		Policy:     Policy{RequireExitCodeZero: true},
	})
	require.NoError(t, err)
	assert.False(t, verdict.VerifyPass)
	assert.Contains(t, verdict.Evidence, "exit_code=2 (expected 0)")
}

func TestExtractJSONObjects(t *testing.T) {
	text := "noise {\"a\": 1} more {broken} and {\"b\": {\"nested\": true}}\n"
	objects := extractJSONObjects(text)
	require.Len(t, objects, 2)
	assert.Equal(t, float64(1), objects[0]["a"])
	assert.NotNil(t, objects[1]["b"])
}

func TestChain_LLMAssistRescueWithNumberDelta(t *testing.T) {
	logPath := writeLog(t, "rows returned: 1\nretrying with payload\nrows returned: 42\n")
	fixture := &llm.Fixture{Responses: []string{`{
		"verify_pass": true,
		"confidence": 0.9,
		"rationale": "row count jumped after injection",
		"proposed_assertions": [{
			"op": "number_delta",
			"pattern_before": "rows returned: (1)\\b",
			"pattern_after": "rows returned: (42)",
			"comparator": "gt",
			"delta": 10
		}],
		"extracted_evidence": ["rows returned: 42"]
	}`}}
	chain := NewChain(rules.NewRegistry(), nil, fixture)

	verdict, err := chain.Verify(context.Background(), Input{
		VulnID: "CWE-89", LogPath: logPath, Policy: Policy{LLMAssist: true},
	})
	require.NoError(t, err)
	assert.True(t, verdict.VerifyPass)
	assert.Equal(t, StatusEvaluatedLLM, verdict.Status)
	assert.Equal(t, "llm-assist", verdict.VerifierMeta.Type)
	require.NotNil(t, verdict.LLM)
	assert.InDelta(t, 0.9, verdict.LLM.Confidence, 0.0001)
}

func TestChain_LLMAssistAssertionFailureOverridesVerdict(t *testing.T) {
	logPath := writeLog(t, "nothing conclusive\n")
	fixture := &llm.Fixture{Responses: []string{`{
		"verify_pass": true,
		"confidence": 0.4,
		"rationale": "guessing",
		"proposed_assertions": [{"op": "contains", "string": "definitely absent"}],
		"extracted_evidence": []
	}`}}
	chain := NewChain(rules.NewRegistry(), nil, fixture)

	verdict, err := chain.Verify(context.Background(), Input{
		VulnID: "CWE-89", LogPath: logPath, Policy: Policy{LLMAssist: true},
	})
	require.NoError(t, err)
	assert.False(t, verdict.VerifyPass)
	assert.Equal(t, StatusEvaluatedLLM, verdict.Status)
}
