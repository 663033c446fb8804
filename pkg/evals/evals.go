// Package evals produces the SID-level verdict artefact
// (artifacts/<sid>/reports/evals.json) and the diversity metrics report
// consumed by the PACK stage. It walks every bundle in a plan's Run
// Matrix, feeds each bundle's run log and run-index record through the
// Verifier Chain, and aggregates the verdicts into one overall pass/fail.
package evals

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/vulnforge/vulnforge/pkg/requirement"
	"github.com/vulnforge/vulnforge/pkg/store"
	"github.com/vulnforge/vulnforge/pkg/verifier"
)

// Result is one bundle's entry in evals.json.
type Result struct {
	VulnID       string                  `json:"vuln_id"`
	Slug         string                  `json:"slug"`
	VerifyPass   bool                    `json:"verify_pass"`
	Evidence     string                  `json:"evidence"`
	Status       verifier.Status         `json:"status"`
	LogPath      string                  `json:"log_path"`
	RunSummary   map[string]any          `json:"run_summary"`
	Rule         string                  `json:"rule,omitempty"`
	VerifierMeta verifier.VerifierMeta   `json:"verifier_meta"`
	LLM          *verifier.LLMAssistInfo `json:"llm,omitempty"`
}

// Report is the evals.json wire shape.
type Report struct {
	SID         string   `json:"sid"`
	OverallPass bool     `json:"overall_pass"`
	Results     []Result `json:"results"`
}

// Evaluator runs the Verifier Chain over every bundle of a plan and
// persists the aggregated verdict.
type Evaluator struct {
	layout store.Layout
	chain  *verifier.Chain
}

// NewEvaluator returns an Evaluator writing under layout and deciding
// verdicts via chain.
func NewEvaluator(layout store.Layout, chain *verifier.Chain) *Evaluator {
	return &Evaluator{layout: layout, chain: chain}
}

// Run evaluates every bundle in plan's Run Matrix, writes
// artifacts/<sid>/reports/evals.json, and returns the report. A bundle
// with no run-index record is marked skipped rather than failing the
// whole evaluation; overall_pass is true only when every bundle
// evaluated (plainly or LLM-assisted) and passed.
func (e *Evaluator) Run(ctx context.Context, plan requirement.Plan) (Report, error) {
	log := slog.With("sid", plan.SID)
	runIndex := e.loadRunIndex(plan.SID)

	results := make([]Result, 0, len(plan.RunMatrix.VulnBundles))
	for _, bundle := range plan.RunMatrix.VulnBundles {
		record := runIndex[bundle.Slug]
		runDir := e.layout.ArtifactsDirForBundle(plan.SID, plan.IsMultiVuln(), bundle, "run")
		logPath := filepath.Join(runDir, "run.log")

		if record == nil {
			results = append(results, Result{
				VulnID: bundle.VulnID, Slug: bundle.Slug,
				Evidence: "run not recorded in index", LogPath: logPath,
				Status:       verifier.StatusSkipped,
				VerifierMeta: verifier.VerifierMeta{Type: "none"},
			})
			continue
		}

		req := plan.BundleRequirement(bundle)
		verdict, err := e.chain.Verify(ctx, verifier.Input{
			VulnID:        bundle.VulnID,
			LogPath:       logPath,
			Requirement:   toMap(req),
			RunSummary:    record,
			WorkspaceDirs: []string{e.layout.WorkspaceDirForBundle(plan.SID, bundle)},
			Policy: verifier.Policy{
				PreferRule:      req.Verifier.PreferRule,
				LLMAssist:       req.Verifier.LLMAssist,
				LogExcerptChars: req.Verifier.LogExcerptChars,
			},
		})
		if err != nil {
			return Report{}, fmt.Errorf("evals: verify bundle %s: %w", bundle.Slug, err)
		}
		results = append(results, Result{
			VulnID: bundle.VulnID, Slug: bundle.Slug,
			VerifyPass: verdict.VerifyPass, Evidence: verdict.Evidence,
			Status: verdict.Status, LogPath: verdict.LogPath,
			RunSummary: record, Rule: verdict.Rule,
			VerifierMeta: verdict.VerifierMeta, LLM: verdict.LLM,
		})
	}

	report := Report{SID: plan.SID, OverallPass: overallPass(results), Results: results}
	if err := store.WriteJSON(e.layout.EvalsPath(plan.SID), report); err != nil {
		return Report{}, fmt.Errorf("evals: write evals.json for %s: %w", plan.SID, err)
	}
	log.Info("evaluation report written", "overall_pass", report.OverallPass, "bundles", len(results))
	return report, nil
}

// loadRunIndex reads artifacts/<sid>/run/index.json into a slug-keyed map;
// a missing or malformed index yields an empty map, so every bundle
// evaluates as skipped rather than erroring.
func (e *Evaluator) loadRunIndex(sid string) map[string]map[string]any {
	path := filepath.Join(e.layout.ArtifactsDir(sid), "run", "index.json")
	var index struct {
		Runs []map[string]any `json:"runs"`
	}
	if err := store.ReadJSON(path, &index); err != nil {
		return map[string]map[string]any{}
	}
	out := make(map[string]map[string]any, len(index.Runs))
	for _, entry := range index.Runs {
		if slug, ok := entry["slug"].(string); ok && slug != "" {
			out[slug] = entry
		}
	}
	return out
}

// overallPass is true iff every result evaluated (status evaluated or
// evaluated-llm) and passed; an empty result set never passes.
func overallPass(results []Result) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if r.Status != verifier.StatusEvaluated && r.Status != verifier.StatusEvaluatedLLM {
			return false
		}
		if !r.VerifyPass {
			return false
		}
	}
	return true
}

// toMap round-trips a requirement through JSON so the Verifier Chain's
// free-form Requirement input carries the same field names the wire
// format uses.
func toMap(req requirement.Requirement) map[string]any {
	data, err := json.Marshal(req)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
