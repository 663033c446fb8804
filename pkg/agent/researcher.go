package agent

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vulnforge/vulnforge/pkg/llm"
	"github.com/vulnforge/vulnforge/pkg/requirement"
	"github.com/vulnforge/vulnforge/pkg/rules"
	"github.com/vulnforge/vulnforge/pkg/store"
)

// Researcher produces researcher_report.json for one bundle. It composes
// an opaque rag_context string (supplied by the caller — corpus ingestion
// itself is out of scope) with a candidate rule/template suggestion the
// Generator and Verifier can pick up for this bundle.
type Researcher struct {
	llm   llm.Client
	rules *rules.Registry
}

// NewResearcher returns a Researcher backed by client for drafting queries
// and a candidate rule/template summary, and registry for looking up any
// already-known rule for the bundle's vuln id.
func NewResearcher(client llm.Client, registry *rules.Registry) *Researcher {
	return &Researcher{llm: client, rules: registry}
}

// researcherReport is the JSON shape written to researcher_report.json.
type researcherReport struct {
	SID                string         `json:"sid"`
	Bundle             bundleRef      `json:"bundle"`
	Queries            []string       `json:"queries"`
	RAGContext         string         `json:"rag_context,omitempty"`
	FailureContext     string         `json:"failure_context,omitempty"`
	Notes              string         `json:"notes"`
	CandidateRule      map[string]any `json:"candidate_rule,omitempty"`
	CandidateRulePath  string         `json:"candidate_rule_path,omitempty"`
	RetrievalSnapshot  string         `json:"retrieval_snapshot_id,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

type bundleRef struct {
	VulnID string `json:"vuln_id"`
	Slug   string `json:"slug"`
}

// Execute drafts the retrieval queries a real researcher would issue,
// asks the LLM for a short rationale, derives a candidate Rule for the
// bundle's vuln id (falling back to a generic pattern when none is known),
// and persists both researcher_report.json and a runtime_rules/<cwe>.yaml
// candidate the Generator/Verifier can consume on this loop, mirroring
// _generate_candidate_rule + _write_candidate_rule in the original.
func (r *Researcher) Execute(ctx context.Context, execCtx ExecutionContext) (ExecutionResult, error) {
	req := execCtx.Requirement
	queries := buildQueries(req)

	prompt := fmt.Sprintf(
		"Summarize exploitation patterns for %s in a %s/%s application. "+
			"Known context:\n%s\nQueries considered: %s",
		req.VulnID, req.Language, req.Framework, execCtx.RAGContext, strings.Join(queries, "; "),
	)
	notes, err := r.llm.Complete(ctx, prompt, 0.2)
	if err != nil {
		slog.Warn("researcher: llm completion failed, continuing without notes", "sid", execCtx.SID, "error", err)
		notes = ""
	}

	rule := r.candidateRule(req.VulnID)
	rulePath, err := r.writeCandidateRule(execCtx, rule)
	if err != nil {
		slog.Warn("researcher: failed to write candidate rule", "sid", execCtx.SID, "error", err)
	}

	snapshot := req.Snapshot
	if snapshot == "" {
		snapshot = "mvp-sample"
	}

	report := researcherReport{
		SID: execCtx.SID,
		Bundle: bundleRef{
			VulnID: execCtx.Bundle.VulnID,
			Slug:   execCtx.Bundle.Slug,
		},
		Queries:           queries,
		RAGContext:        execCtx.RAGContext,
		FailureContext:    execCtx.FailureContext,
		Notes:             notes,
		CandidateRule:     ruleToMap(rule),
		CandidateRulePath: rulePath,
		RetrievalSnapshot: snapshot,
		CreatedAt:         time.Now().UTC(),
	}

	path := filepath.Join(execCtx.MetadataDir, "researcher_report.json")
	if err := store.WriteJSON(path, report); err != nil {
		return ExecutionResult{Status: StatusFailed, Error: err}, err
	}
	return ExecutionResult{Status: StatusCompleted, ReportPath: path}, nil
}

// buildQueries mirrors ReactLoop.queries_from_requirement's coarse
// templated query list.
func buildQueries(req requirement.Requirement) []string {
	return []string{
		fmt.Sprintf("%s exploitation technique", req.VulnID),
		fmt.Sprintf("%s %s %s vulnerable example", req.Language, req.Framework, req.VulnID),
		fmt.Sprintf("%s proof of concept payload", req.VulnID),
	}
}

// candidateRule returns a heuristic Rule suggestion for vulnID, falling
// back to the registry's built-in/runtime rule, and finally to a generic
// pattern, mirroring the original's CWE-89/CWE-352 special cases plus a
// catch-all default.
func (r *Researcher) candidateRule(vulnID string) rules.Rule {
	normalized := rules.Normalize(vulnID)
	switch normalized {
	case "cwe-89":
		return rules.Rule{
			CWE: "CWE-89", SuccessSignature: "SQLi SUCCESS", FlagToken: "FLAG-sqli-demo-token",
			StrictFlag: true, Output: &rules.Output{Format: "auto"},
			Patterns: []rules.Pattern{
				{Type: "file_contains", Path: "app.py", Contains: "SELECT"},
				{Type: "poc_contains", Contains: "SQLi SUCCESS"},
			},
		}
	case "cwe-352":
		return rules.Rule{
			CWE: "CWE-352", SuccessSignature: "CSRF SUCCESS", FlagToken: "FLAG-csrf-demo-token",
			StrictFlag: true, Output: &rules.Output{Format: "auto"},
			Patterns: []rules.Pattern{
				{Type: "file_contains", Path: "app.py", Contains: "@app.route('/transfer"},
				{Type: "poc_contains", Contains: "CSRF SUCCESS"},
			},
		}
	}
	if existing, err := r.rules.Load(vulnID); err == nil && existing.CWE != "" {
		return existing
	}
	return rules.Rule{
		CWE: strings.ToUpper(vulnID), SuccessSignature: "Exploit SUCCESS", FlagToken: "FLAG-auto-token",
		StrictFlag: true, Output: &rules.Output{Format: "text"},
	}
}

// writeCandidateRule persists rule as YAML under
// metadata/<sid>/runtime_rules/<cwe>.yaml, which pkg/rules.Registry
// already consults ahead of its built-in table.
func (r *Researcher) writeCandidateRule(execCtx ExecutionContext, rule rules.Rule) (string, error) {
	data, err := yaml.Marshal(rule)
	if err != nil {
		return "", fmt.Errorf("researcher: marshal candidate rule: %w", err)
	}
	runtimeDir := filepath.Join(execCtx.MetadataDir, "runtime_rules")
	if _, err := store.EnsureDir(runtimeDir); err != nil {
		return "", err
	}
	filename := rules.Normalize(execCtx.Bundle.VulnID) + ".yaml"
	path := filepath.Join(runtimeDir, filename)
	if err := writeFile(path, data); err != nil {
		return "", err
	}
	return path, nil
}

func ruleToMap(r rules.Rule) map[string]any {
	return map[string]any{
		"cwe":               r.CWE,
		"success_signature": r.SuccessSignature,
		"flag_token":        r.FlagToken,
		"strict_flag":       r.StrictFlag,
	}
}
