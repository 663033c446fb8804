package agent

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vulnforge/vulnforge/pkg/llm"
	"github.com/vulnforge/vulnforge/pkg/loop"
	"github.com/vulnforge/vulnforge/pkg/reflexion"
	"github.com/vulnforge/vulnforge/pkg/requirement"
	"github.com/vulnforge/vulnforge/pkg/rules"
)

const validGeneratorManifest = `{
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

const badGeneratorManifest = `{"intent": "x", "pattern_tags": [], "files": [{"path": "poc.py", "content": "import requests\n"}], "deps": [], "build": {"command":"x"}, "run": {"command":"x","port":1}, "poc": {"cmd":"x","success_signature":""}}`

func newTestLoopController(t *testing.T, sid string) *loop.Controller {
	t.Helper()
	dir := t.TempDir()
	refl := reflexion.New(filepath.Join(dir, "reflexion_store.jsonl"))
	ctl, err := loop.NewController(sid, filepath.Join(dir, "loop_state.json"), 3, refl)
	require.NoError(t, err)
	return ctl
}

func TestGeneratorExecuteAcceptsValidCandidate(t *testing.T) {
	dirs := t.TempDir()
	ctl := newTestLoopController(t, "sid-gen-accept")
	fixture := &llm.Fixture{Responses: []string{validGeneratorManifest}}
	g := NewGenerator(fixture, rules.NewRegistry(), ctl)

	execCtx := ExecutionContext{
		SID:          "sid-gen-accept",
		Bundle:       requirement.VulnBundle{VulnID: "CWE-89", Slug: "cwe-89", WorkspaceSubdir: "app"},
		Requirement:  requirement.Requirement{VulnID: "CWE-89", Language: "python", GeneratorMode: requirement.ModeSynthesis},
		WorkspaceDir: filepath.Join(dirs, "workspace"),
		MetadataDir:  filepath.Join(dirs, "metadata"),
		CandidateK:   1,
	}

	result, err := g.Execute(context.Background(), execCtx)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	require.Equal(t, loop.ResultSuccess, ctl.LastResult())
	require.FileExists(t, filepath.Join(dirs, "workspace", "poc.py"))
}

func TestGeneratorExecuteRecordsBlockingFailureOnGuardViolation(t *testing.T) {
	dirs := t.TempDir()
	ctl := newTestLoopController(t, "sid-gen-block")
	fixture := &llm.Fixture{Responses: []string{badGeneratorManifest, badGeneratorManifest}}
	g := NewGenerator(fixture, rules.NewRegistry(), ctl)

	execCtx := ExecutionContext{
		SID:          "sid-gen-block",
		Bundle:       requirement.VulnBundle{VulnID: "CWE-89", Slug: "cwe-89", WorkspaceSubdir: "app"},
		Requirement:  requirement.Requirement{VulnID: "CWE-89", Language: "python", GeneratorMode: requirement.ModeSynthesis},
		WorkspaceDir: filepath.Join(dirs, "workspace"),
		MetadataDir:  filepath.Join(dirs, "metadata"),
		CandidateK:   2,
	}

	result, err := g.Execute(context.Background(), execCtx)
	require.Error(t, err)
	require.Equal(t, StatusFailed, result.Status)
	require.Equal(t, loop.ResultFailure, ctl.LastResult())
	require.Equal(t, 1, ctl.CurrentLoop())

	history := ctl.History()
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	require.True(t, last.Blocking)
	require.Contains(t, last.FixHint, "requests")
}
