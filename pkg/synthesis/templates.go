package synthesis

import (
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"sort"

	"github.com/vulnforge/vulnforge/pkg/requirement"
	"github.com/vulnforge/vulnforge/pkg/store"
)

// TemplateSpec is one baked-in vulnerable-app template the template-mode
// generator can materialize without an LLM round trip.
type TemplateSpec struct {
	ID                 string
	PatternID          string
	Stability          float64
	RequiresExternalDB bool
	Manifest           requirement.Manifest
}

// TemplateCandidate is one trial drawn during self-consistency sampling.
type TemplateCandidate struct {
	Template TemplateSpec
	Trial    int
	Score    float64
}

func (c TemplateCandidate) payload() map[string]any {
	return map[string]any{
		"trial":       c.Trial,
		"template_id": c.Template.ID,
		"score":       c.Score,
		"metadata": map[string]any{
			"pattern_id":           c.Template.PatternID,
			"stability_score":      c.Template.Stability,
			"requires_external_db": c.Template.RequiresExternalDB,
		},
	}
}

// TemplateRegistry holds the selectable template pool.
type TemplateRegistry struct {
	templates []TemplateSpec
}

// NewTemplateRegistry returns the built-in template pool plus any extras.
func NewTemplateRegistry(extra ...TemplateSpec) *TemplateRegistry {
	return &TemplateRegistry{templates: append(builtinTemplates(), extra...)}
}

// SampleCandidates draws k templates with replacement from a
// deterministically seeded pool, scoring each as stability plus a small
// sampled noise term so repeated trials of the same template can still be
// ranked.
func (r *TemplateRegistry) SampleCandidates(seed, k int) []TemplateCandidate {
	rng := rand.New(rand.NewSource(int64(seed)))
	candidates := make([]TemplateCandidate, 0, k)
	for trial := 1; trial <= k; trial++ {
		template := r.templates[rng.Intn(len(r.templates))]
		score := template.Stability + rng.Float64()*0.15
		candidates = append(candidates, TemplateCandidate{Template: template, Trial: trial, Score: score})
	}
	return candidates
}

// Select runs the majority vote over sampled candidates: most votes wins,
// stability breaks vote ties, and the best-scoring trial of the winning
// template is returned.
func (r *TemplateRegistry) Select(seed, k int) (TemplateCandidate, []TemplateCandidate) {
	candidates := r.SampleCandidates(seed, k)
	votes := map[string][]TemplateCandidate{}
	for _, c := range candidates {
		votes[c.Template.ID] = append(votes[c.Template.ID], c)
	}
	ids := make([]string, 0, len(votes))
	for id := range votes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		vi, vj := votes[ids[i]], votes[ids[j]]
		if len(vi) != len(vj) {
			return len(vi) > len(vj)
		}
		if vi[0].Template.Stability != vj[0].Template.Stability {
			return vi[0].Template.Stability > vj[0].Template.Stability
		}
		return ids[i] < ids[j]
	})
	tied := votes[ids[0]]
	winner := tied[0]
	for _, c := range tied[1:] {
		if c.Score > winner.Score {
			winner = c
		}
	}
	return winner, candidates
}

// runTemplate is the template/hybrid-fallback generator path: sample
// templates deterministically from the pattern-pool seed plus the current
// loop index, majority-vote a winner, materialize it, and persist the
// candidate log, template summary, and manifest record.
func (e *Engine) runTemplate(req requirement.Requirement, candidateK int, modeLabel string) (SynthesisOutcome, error) {
	registry := e.templates
	if registry == nil {
		registry = NewTemplateRegistry()
	}
	seed := e.patternSeed + e.loopIndex
	winner, candidates := registry.Select(seed, candidateK)

	manifest := winner.Template.Manifest
	manifest = e.injectUserDeps(manifest, req)

	written, err := e.materialize(manifest)
	if err != nil {
		return SynthesisOutcome{}, fmt.Errorf("synthesis: materialize template %s: %w", winner.Template.ID, err)
	}

	summaries := make([]map[string]any, 0, len(candidates))
	for _, c := range candidates {
		summaries = append(summaries, c.payload())
	}
	candidatesPath := filepath.Join(e.metadataDir, "generator_candidates.json")
	if err := store.WriteJSON(candidatesPath, map[string]any{"mode": modeLabel, "candidates": summaries}); err != nil {
		slog.Warn("synthesis: failed to write template candidate log", "sid", e.sid, "error", err)
	}
	templatePath := filepath.Join(e.metadataDir, "generator_template.json")
	if err := store.WriteJSON(templatePath, map[string]any{
		"sid":                  e.sid,
		"template_id":          winner.Template.ID,
		"pattern_id":           winner.Template.PatternID,
		"requires_external_db": winner.Template.RequiresExternalDB,
		"loop_index":           e.loopIndex,
		"pattern_pool_seed":    e.patternSeed,
		"written_files":        written,
	}); err != nil {
		slog.Warn("synthesis: failed to write template summary", "sid", e.sid, "error", err)
	}

	selected := CandidateReport{Index: winner.Trial, Manifest: manifest, Score: winner.Score}
	// Template mode still records generator_manifest.json so BUILD/RUN
	// consume one manifest shape regardless of generator mode.
	e.writeManifestRecord(selected, "", "", "")
	slog.Info("template materialized", "sid", e.sid, "template", winner.Template.ID, "files", len(written))

	return SynthesisOutcome{Selected: selected, WrittenFiles: written, Reports: []CandidateReport{selected}}, nil
}

func builtinTemplates() []TemplateSpec {
	return []TemplateSpec{
		{
			ID:        "flask-sqlite-raw",
			PatternID: "sqli-basic",
			Stability: 0.9,
			Manifest: requirement.Manifest{
				Intent:      "Flask user directory with a raw SQL profile lookup",
				PatternTags: []string{"sqli-basic"},
				Files: []requirement.FileEntry{
					{Path: "app.py", Content: sqliteAppPy},
					{Path: "schema.sql", Content: sqliteSchemaSQL},
					{Path: "Dockerfile", Content: sqliteDockerfile},
					{Path: "requirements.txt", Content: sqliteRequirements},
					{Path: "poc.py", Content: sqlitePoCPy},
				},
				Deps:  []string{"flask==3.0.0", "requests==2.31.0"},
				Build: requirement.Build{Command: "pip install --no-cache-dir -r requirements.txt"},
				Run:   requirement.Run{Command: "python app.py", Port: 5000},
				PoC: requirement.PoC{
					Cmd:              "python poc.py",
					SuccessSignature: "SQLi SUCCESS",
					FlagToken:        "FLAG-sqli-demo-token",
					Notes:            "Tautology payload against /profile returns every user row.",
				},
			},
		},
		{
			ID:                 "flask-mysql-union",
			PatternID:          "sqli-union-mysql",
			Stability:          0.7,
			RequiresExternalDB: true,
			Manifest: requirement.Manifest{
				Intent:      "Flask accounts API over MySQL with a UNION-injectable balance lookup",
				PatternTags: []string{"sqli-union-mysql"},
				Files: []requirement.FileEntry{
					{Path: "app.py", Content: mysqlAppPy},
					{Path: "Dockerfile", Content: mysqlDockerfile},
					{Path: "requirements.txt", Content: mysqlRequirements},
					{Path: "poc.py", Content: mysqlPoCPy},
				},
				Deps:  []string{"flask==3.0.0", "mysql-connector-python==8.4.0", "requests==2.31.0"},
				Build: requirement.Build{Command: "pip install --no-cache-dir -r requirements.txt"},
				Run:   requirement.Run{Command: "python app.py", Port: 5000},
				PoC: requirement.PoC{
					Cmd:              "python poc.py",
					SuccessSignature: "SQLi SUCCESS",
					FlagToken:        "FLAG-sqli-demo-token",
					Notes:            "UNION SELECT over audit_tokens exfiltrates the seeded flag.",
				},
			},
		},
	}
}
