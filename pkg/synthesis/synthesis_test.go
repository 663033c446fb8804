package synthesis

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulnforge/vulnforge/pkg/llm"
	"github.com/vulnforge/vulnforge/pkg/requirement"
	"github.com/vulnforge/vulnforge/pkg/rules"
)

func testRequirement() requirement.Requirement {
	return requirement.Requirement{
		VulnID:          "CWE-89",
		Language:        "python",
		Runtime:         requirement.RuntimeConfig{Language: "python", DB: "sqlite"},
		SynthesisLimits: requirement.DefaultSynthesisLimits(),
	}
}

// validManifestJSON satisfies the built-in CWE-89 rule (success_signature
// "SQLi SUCCESS", a file_contains pattern requiring app.py to mention
// SELECT) and carries strong static SQLi signals (UNION SELECT, tautology,
// request-concatenation) so it outscores a weaker accepted candidate.
const validManifestJSON = `{
  "intent": "sqli demo",
  "pattern_tags": ["sqli"],
  "files": [
    {"path": "Dockerfile", "content": "FROM python:3.11-slim\nCOPY . /app\nRUN pip install -r requirements.txt\nCMD [\"python\", \"app.py\"]\n"},
    {"path": "requirements.txt", "content": "flask==3.0.3\n"},
    {"path": "app.py", "content": "from flask import request\nquery = \"SELECT * FROM users WHERE name='\" + request.args.get('name') + \"'\"\n# UNION SELECT fallback\n# ' OR '1'='1\n"},
    {"path": "poc.py", "content": "print('SQLi SUCCESS')\nprint('FLAG-sqli-demo-token')\n"}
  ],
  "deps": ["flask==3.0.3"],
  "build": {"command": "pip install -r requirements.txt"},
  "run": {"command": "python app.py", "port": 8000},
  "poc": {"cmd": "python poc.py", "success_signature": "SQLi SUCCESS", "flag_token": "FLAG-sqli-demo-token"}
}`

func TestRun_AcceptsValidCandidate(t *testing.T) {
	client := &llm.Fixture{Responses: []string{validManifestJSON}}
	dirs := t.TempDir()
	engine := New("sid1", client, requirement.DefaultSynthesisLimits(), filepath.Join(dirs, "workspace"), filepath.Join(dirs, "metadata"), requirement.ModeSynthesis, nil, rules.NewRegistry())

	outcome, err := engine.Run(context.Background(), testRequirement(), "", "", "", 1)
	require.NoError(t, err)
	assert.Empty(t, outcome.Selected.Violations)
	assert.Contains(t, outcome.WrittenFiles, "poc.py")

	content, err := os.ReadFile(filepath.Join(dirs, "workspace", "poc.py"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "SQLi SUCCESS")
}

func TestRun_NonJSONResponseFallsBackAndStillAccepted(t *testing.T) {
	client := &llm.Fixture{Responses: []string{"not json at all"}}
	dirs := t.TempDir()
	engine := New("sid2", client, requirement.DefaultSynthesisLimits(), filepath.Join(dirs, "workspace"), filepath.Join(dirs, "metadata"), requirement.ModeSynthesis, nil, rules.NewRegistry())

	outcome, err := engine.Run(context.Background(), testRequirement(), "", "", "", 1)
	require.NoError(t, err)
	assert.Empty(t, outcome.Selected.Violations)
}

func TestRun_AllCandidatesViolateReturnsManifestValidationError(t *testing.T) {
	badManifest := `{"intent": "x", "pattern_tags": [], "files": [{"path": "../etc/passwd", "content": "x"}], "deps": [], "build": {"command":"x"}, "run": {"command":"x","port":1}, "poc": {"cmd":"x","success_signature":""}}`
	client := &llm.Fixture{Responses: []string{badManifest, badManifest}}
	dirs := t.TempDir()
	engine := New("sid3", client, requirement.DefaultSynthesisLimits(), filepath.Join(dirs, "workspace"), filepath.Join(dirs, "metadata"), requirement.ModeSynthesis, nil, rules.NewRegistry())

	_, err := engine.Run(context.Background(), testRequirement(), "", "", "", 2)
	require.Error(t, err)
	var verr *ManifestValidationError
	require.ErrorAs(t, err, &verr)

	_, statErr := os.Stat(filepath.Join(dirs, "metadata", "generator_failures.jsonl"))
	assert.NoError(t, statErr)
}

func TestRun_OnlyAcceptedCandidateIsSelected(t *testing.T) {
	// Missing app.py trips the CWE-89 rule's file_contains("app.py", "SELECT")
	// pattern, so this candidate is rejected even though its poc section is
	// otherwise well-formed; only the valid candidate should be selectable.
	rejected := `{"intent":"weak","pattern_tags":["sqli"],"files":[{"path":"poc.py","content":"print('SQLi SUCCESS')\n"}],"deps":[],"build":{"command":"true"},"run":{"command":"true","port":1},"poc":{"cmd":"python poc.py","success_signature":"SQLi SUCCESS"}}`
	client := &llm.Fixture{Responses: []string{rejected, validManifestJSON}}
	dirs := t.TempDir()
	engine := New("sid4", client, requirement.DefaultSynthesisLimits(), filepath.Join(dirs, "workspace"), filepath.Join(dirs, "metadata"), requirement.ModeSynthesis, nil, rules.NewRegistry())

	outcome, err := engine.Run(context.Background(), testRequirement(), "", "", "", 2)
	require.NoError(t, err)
	assert.Empty(t, outcome.Selected.Violations)
	assert.Equal(t, 2, outcome.Selected.Index)
	assert.NotEmpty(t, outcome.Reports[0].Violations, "candidate missing app.py should have been rejected")
}

func TestRun_InjectsUserDepsSkippingIncompatibleExternalDB(t *testing.T) {
	client := &llm.Fixture{Responses: []string{validManifestJSON}}
	dirs := t.TempDir()
	engine := New("sid5", client, requirement.DefaultSynthesisLimits(), filepath.Join(dirs, "workspace"), filepath.Join(dirs, "metadata"), requirement.ModeSynthesis, []string{"requests", "psycopg2"}, rules.NewRegistry())

	req := testRequirement() // runtime.db = sqlite, AllowExternalDB false
	outcome, err := engine.Run(context.Background(), req, "", "", "", 1)
	require.NoError(t, err)

	assert.Contains(t, outcome.Selected.Manifest.Deps, "requests")
	for _, d := range outcome.Selected.Manifest.Deps {
		assert.NotContains(t, d, "psycopg2")
	}
}

func TestScoreCandidate(t *testing.T) {
	assert.Equal(t, 1.0, scoreCandidate(0, 1.0))
	assert.Equal(t, 0.8, scoreCandidate(1, 0.0))
	assert.Equal(t, 0.0, scoreCandidate(10, 0.0))
}
