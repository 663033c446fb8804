// Package synthesis implements the Synthesis Engine: it turns an LLM's
// JSON manifest candidates into an on-disk workspace while enforcing guard
// rails (file allowlist/size limits, PoC signature/flag requirements,
// dependency completeness).
package synthesis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vulnforge/vulnforge/pkg/depguard"
	"github.com/vulnforge/vulnforge/pkg/llm"
	"github.com/vulnforge/vulnforge/pkg/requirement"
	"github.com/vulnforge/vulnforge/pkg/rules"
	"github.com/vulnforge/vulnforge/pkg/store"
)

// defaultSuccessSignatures/defaultFlagTokens seed the PoC template when no
// Rule is registered for a vuln id.
var defaultSuccessSignatures = map[string]string{
	"cwe-89":  "SQLi SUCCESS",
	"cwe-352": "CSRF SUCCESS",
}

var defaultFlagTokens = map[string]string{
	"cwe-89":  "FLAG-sqli-demo-token",
	"cwe-352": "FLAG-csrf-demo-token",
}

// externalDBDrivers mirrors depguard's externalDBPackages table; a
// user-supplied dependency naming one of these is skipped during merge
// unless the runtime explicitly allows an external DB.
var externalDBDrivers = map[string]bool{
	"pymysql": true, "mysqlclient": true, "mysql-connector": true,
	"mysql-connector-python": true, "psycopg2": true, "psycopg2-binary": true,
	"pg8000": true, "asyncpg": true,
}

// PoCTemplate seeds defaults onto a candidate's manifest.poc block.
type PoCTemplate struct {
	Cmd              string
	SuccessSignature string
	FlagToken        string
	Notes            string
}

// CandidateReport is the aggregated record of one synthesis trial.
type CandidateReport struct {
	Index        int
	Manifest     requirement.Manifest
	RawResponse  string
	Violations   []string
	Score        float64
	StaticReport StaticSignals
	GuardReport  depguard.Report
	DepInference DepInference
}

// ManifestDigest returns the sha256 of the candidate's manifest serialized
// with sorted keys, matching the original's manifest_digest property.
func (c CandidateReport) ManifestDigest() string {
	data, _ := json.Marshal(sortedManifest(c.Manifest))
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Summary returns the per-candidate record persisted to
// generator_candidates.json.
func (c CandidateReport) Summary() map[string]any {
	paths := make([]string, 0, len(c.Manifest.Files))
	for _, f := range c.Manifest.Files {
		paths = append(paths, f.Path)
	}
	excerpt := c.RawResponse
	if len(excerpt) > 200 {
		excerpt = excerpt[:200]
	}
	out := map[string]any{
		"index":           c.Index,
		"score":           c.Score,
		"violations":      c.Violations,
		"accepted":        len(c.Violations) == 0,
		"manifest_digest": c.ManifestDigest(),
		"file_paths":      paths,
		"pattern_tags":    c.Manifest.PatternTags,
		"raw_excerpt":     excerpt,
		"static_report":   c.StaticReport,
		"dep_guard":       c.GuardReport,
	}
	if c.DepInference.Status != "" && c.DepInference.Status != "skipped" {
		out["llm_dep_inference"] = c.DepInference
	}
	return out
}

// SynthesisOutcome is returned once the engine has selected and
// materialized a winning candidate.
type SynthesisOutcome struct {
	Selected     CandidateReport
	WrittenFiles []string
	Reports      []CandidateReport
}

// ManifestValidationError is returned when every candidate violated guard
// rails.
type ManifestValidationError struct {
	Violations []string
}

func (e *ManifestValidationError) Error() string {
	return fmt.Sprintf("synthesis: all candidates violated guard rails: %s", strings.Join(e.Violations, "; "))
}

// Engine drives candidate generation, guarding, scoring, and selection for
// one bundle.
type Engine struct {
	sid          string
	client       llm.Client
	limits       requirement.SynthesisLimits
	workspaceDir string
	metadataDir  string
	mode         requirement.GeneratorMode
	userDeps     []string
	rules        *rules.Registry
	templates    *TemplateRegistry
	patternSeed  int
	loopIndex    int
}

// New returns an Engine writing a candidate's workspace to workspaceDir
// and its records under metadataDir.
func New(sid string, client llm.Client, limits requirement.SynthesisLimits, workspaceDir, metadataDir string, mode requirement.GeneratorMode, userDeps []string, registry *rules.Registry) *Engine {
	return &Engine{
		sid: sid, client: client, limits: limits, workspaceDir: workspaceDir,
		metadataDir: metadataDir, mode: mode, userDeps: cleanDeps(userDeps), rules: registry,
	}
}

// WithTemplateSeed fixes the template-mode sampling inputs: the plan's
// pattern pool seed plus the current loop index, so each retry draws a
// different (but reproducible) candidate pool.
func (e *Engine) WithTemplateSeed(patternSeed, loopIndex int) *Engine {
	e.patternSeed = patternSeed
	e.loopIndex = loopIndex
	return e
}

// WithTemplateRegistry overrides the built-in template pool.
func (e *Engine) WithTemplateRegistry(registry *TemplateRegistry) *Engine {
	e.templates = registry
	return e
}

func cleanDeps(deps []string) []string {
	cleaned := make([]string, 0, len(deps))
	for _, d := range deps {
		d = strings.TrimSpace(d)
		if d != "" {
			cleaned = append(cleaned, d)
		}
	}
	return cleaned
}

// Run dispatches on the generator mode: template mode samples the
// built-in template pool with no LLM round trip, synthesis mode runs the
// full candidate pipeline, and hybrid tries synthesis first then falls
// back to a template when every candidate is rejected.
func (e *Engine) Run(ctx context.Context, req requirement.Requirement, ragContext, hints, failureContext string, candidateK int) (SynthesisOutcome, error) {
	if candidateK < 1 {
		candidateK = 1
	}
	switch e.mode {
	case requirement.ModeTemplate:
		return e.runTemplate(req, candidateK, "template")
	case requirement.ModeHybrid:
		outcome, err := e.runSynthesis(ctx, req, ragContext, hints, failureContext, candidateK)
		if err == nil {
			return outcome, nil
		}
		slog.Warn("synthesis guard rejected all candidates, falling back to template", "sid", e.sid, "error", err)
		return e.runTemplate(req, candidateK, "hybrid-template")
	default:
		return e.runSynthesis(ctx, req, ragContext, hints, failureContext, candidateK)
	}
}

// runSynthesis generates candidateK manifest candidates, guards and
// scores each, selects the best accepted one, materializes it to disk,
// and writes the engine's metadata records.
func (e *Engine) runSynthesis(ctx context.Context, req requirement.Requirement, ragContext, hints, failureContext string, candidateK int) (SynthesisOutcome, error) {
	vulnID := strings.ToLower(strings.TrimSpace(req.VulnID))
	rule, _ := e.rules.Load(vulnID)
	template := e.normalizePoCTemplate(vulnID, rule, PoCTemplate{Cmd: "python poc.py", SuccessSignature: "Exploit SUCCESS"})

	reports := make([]CandidateReport, 0, candidateK)
	for idx := 1; idx <= candidateK; idx++ {
		prompt := buildPrompt(req, ragContext, hints, failureContext, e.limits, idx, template)
		raw, err := e.client.Complete(ctx, prompt, 0.7)
		if err != nil {
			raw = ""
			slog.Warn("synthesis: llm completion failed, using fallback manifest", "sid", e.sid, "candidate", idx, "error", err)
		}
		manifest, usedFallback := parseManifest(raw, req)
		if usedFallback {
			slog.Warn("synthesis: candidate emitted non-JSON manifest, using fallback", "sid", e.sid, "candidate", idx)
		}
		manifest = applyPoCTemplate(manifest, template)
		manifest = ensureFallbackPoC(manifest, template)
		manifest = e.injectUserDeps(manifest, req)

		guardReport := depguard.Evaluate(&manifest, req.DepGuard.AutoPatch)
		violations := append([]string{}, guardReport.Violations...)
		violations = append(violations, e.guardManifest(manifest, rule, vulnID)...)

		var inference DepInference
		if req.DepGuard.LLMAssist {
			inference = e.inferDependencies(ctx, manifest, guardReport)
			violations = append(violations, inference.enforcedViolations(guardReport)...)
		}

		static := analyzeStaticSignals(vulnID, manifest)
		score := scoreCandidate(len(violations), static.Score)

		reports = append(reports, CandidateReport{
			Index: idx, Manifest: manifest, RawResponse: raw,
			Violations: violations, Score: score, StaticReport: static, GuardReport: guardReport,
			DepInference: inference,
		})
	}

	e.writeCandidateLog(reports)

	accepted := make([]CandidateReport, 0, len(reports))
	for _, r := range reports {
		if len(r.Violations) == 0 {
			accepted = append(accepted, r)
		}
	}
	if len(accepted) == 0 {
		e.recordGuardFailure(reports)
		var all []string
		for _, r := range reports {
			all = append(all, r.Violations...)
		}
		return SynthesisOutcome{}, &ManifestValidationError{Violations: all}
	}

	selected := accepted[0]
	for _, r := range accepted[1:] {
		if r.Score > selected.Score || (r.Score == selected.Score && r.Index < selected.Index) {
			selected = r
		}
	}

	written, err := e.materialize(selected.Manifest)
	if err != nil {
		return SynthesisOutcome{}, fmt.Errorf("synthesis: materialize: %w", err)
	}
	e.writeManifestRecord(selected, hints, ragContext, failureContext)

	return SynthesisOutcome{Selected: selected, WrittenFiles: written, Reports: reports}, nil
}

func (e *Engine) normalizePoCTemplate(vulnID string, rule rules.Rule, base PoCTemplate) PoCTemplate {
	successSignature := rule.SuccessSignature
	if successSignature == "" {
		successSignature = defaultSuccessSignatures[vulnID]
	}
	if successSignature == "" {
		successSignature = base.SuccessSignature
	}
	flagToken := rule.FlagToken
	if flagToken == "" {
		flagToken = defaultFlagTokens[vulnID]
	}
	if flagToken == "" {
		flagToken = "FLAG-demo-token"
	}
	notes := strings.TrimSpace(fmt.Sprintf("%s On exploit success, print '%s' and '%s'.", base.Notes, successSignature, flagToken))
	return PoCTemplate{Cmd: base.Cmd, SuccessSignature: successSignature, FlagToken: flagToken, Notes: notes}
}

// injectUserDeps merges operator-supplied dependencies into the
// candidate's deps list, skipping external DB drivers when the runtime
// hasn't opted into one.
func (e *Engine) injectUserDeps(m requirement.Manifest, req requirement.Requirement) requirement.Manifest {
	if len(e.userDeps) == 0 {
		return m
	}
	existing := map[string]bool{}
	for _, d := range m.Deps {
		existing[depguard.Canonicalize(d)] = true
	}
	for _, dep := range e.userDeps {
		canon := depguard.Canonicalize(dep)
		if existing[canon] {
			continue
		}
		if externalDBDrivers[canon] && !req.Runtime.AllowExternalDB {
			continue
		}
		m.Deps = append(m.Deps, dep)
		existing[canon] = true
	}
	return m
}

func scoreCandidate(violationCount int, signalScore float64) float64 {
	base := 1.0 - 0.2*float64(violationCount)
	if base < 0 {
		base = 0
	}
	if signalScore < 0 {
		signalScore = 0
	}
	if signalScore > 1 {
		signalScore = 1
	}
	score := base + 0.3*signalScore
	if score > 1 {
		score = 1
	}
	return roundTo(score, 3)
}

func roundTo(v float64, places int) float64 {
	mult := 1.0
	for i := 0; i < places; i++ {
		mult *= 10
	}
	return float64(int(v*mult+0.5)) / mult
}

func (e *Engine) writeCandidateLog(reports []CandidateReport) {
	summaries := make([]map[string]any, 0, len(reports))
	for _, r := range reports {
		summaries = append(summaries, r.Summary())
	}
	payload := map[string]any{"mode": e.mode, "candidates": summaries}
	path := filepath.Join(e.metadataDir, "generator_candidates.json")
	if err := store.WriteJSON(path, payload); err != nil {
		slog.Warn("synthesis: write candidate log failed", "path", path, "error", err)
	}
}

func (e *Engine) writeManifestRecord(selected CandidateReport, hints, ragContext, failureContext string) {
	payload := map[string]any{
		"sid":                e.sid,
		"mode":               e.mode,
		"limits":             e.limits,
		"selected_candidate": selected.Summary(),
		"manifest":           selected.Manifest,
		"failure_context":    failureContext,
		"hints_digest":       digestOrEmpty(hints),
		"rag_snapshot_digest": digestOrEmpty(ragContext),
		"user_deps":          e.userDeps,
	}
	path := filepath.Join(e.metadataDir, "generator_manifest.json")
	if err := store.WriteJSON(path, payload); err != nil {
		slog.Warn("synthesis: write manifest record failed", "path", path, "error", err)
	}
}

func (e *Engine) recordGuardFailure(reports []CandidateReport) {
	var notes []string
	for _, r := range reports {
		notes = append(notes, r.Violations...)
	}
	entry := map[string]any{
		"stage":        "GENERATOR",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"reason":       strings.Join(dedupe(notes), "; "),
		"fix_hint":     "Add the missing dependencies to manifest.deps and requirements*.txt, then re-run synthesis.",
		"notes":        notes,
	}
	path := filepath.Join(e.metadataDir, "generator_failures.jsonl")
	if err := store.AppendJSONLine(path, entry); err != nil {
		slog.Warn("synthesis: record guard failure", "path", path, "error", err)
	}
}

func digestOrEmpty(s string) string {
	if s == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func dedupe(items []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(items))
	for _, i := range items {
		if !seen[i] {
			seen[i] = true
			out = append(out, i)
		}
	}
	sort.Strings(out)
	return out
}

func sortedManifest(m requirement.Manifest) map[string]any {
	data, _ := json.Marshal(m)
	var generic map[string]any
	_ = json.Unmarshal(data, &generic)
	return generic
}
