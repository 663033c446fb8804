package evals

import (
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/vulnforge/vulnforge/pkg/loop"
	"github.com/vulnforge/vulnforge/pkg/requirement"
	"github.com/vulnforge/vulnforge/pkg/store"
)

// DiversityMetrics aggregates generator-candidate and loop-state
// statistics for one SID.
type DiversityMetrics struct {
	ShannonEntropy      float64 `json:"shannon_entropy"`
	ScenarioDistance    float64 `json:"scenario_distance"`
	ReproducibilityRate float64 `json:"reproducibility_rate"`
	CandidateCount      int     `json:"candidate_count"`
}

// DiversityDimensions records the requirement axes the metrics were
// computed over.
type DiversityDimensions struct {
	Language  string `json:"language"`
	Framework string `json:"framework"`
	PatternID string `json:"pattern_id"`
}

// DiversityReport is the diversity.json wire shape.
type DiversityReport struct {
	SID          string                   `json:"sid"`
	Timestamp    time.Time                `json:"timestamp"`
	VariationKey requirement.VariationKey `json:"variation_key"`
	Metrics      DiversityMetrics         `json:"metrics"`
	Dimensions   DiversityDimensions      `json:"dimensions"`
}

// DiversityEvaluator computes candidate-pool entropy, scenario distance,
// and loop reproducibility for a SID from its persisted metadata.
type DiversityEvaluator struct {
	layout store.Layout
	now    func() time.Time
}

// NewDiversityEvaluator returns a DiversityEvaluator reading and writing
// under layout.
func NewDiversityEvaluator(layout store.Layout) *DiversityEvaluator {
	return &DiversityEvaluator{layout: layout, now: time.Now}
}

// Run aggregates candidate summaries across every bundle's metadata
// directory, folds in the loop history's success ratio, and writes
// artifacts/<sid>/reports/diversity.json.
func (d *DiversityEvaluator) Run(plan requirement.Plan) (DiversityReport, error) {
	candidates := d.loadCandidates(plan)
	report := DiversityReport{
		SID:          plan.SID,
		Timestamp:    d.now().UTC(),
		VariationKey: plan.VariationKey,
		Metrics: DiversityMetrics{
			ShannonEntropy:      shannonEntropy(candidates),
			ScenarioDistance:    scenarioDistance(candidates),
			ReproducibilityRate: d.reproducibilityRate(plan.SID),
			CandidateCount:      len(candidates),
		},
		Dimensions: DiversityDimensions{
			Language:  plan.Requirement.Language,
			Framework: plan.Requirement.Framework,
			PatternID: plan.Requirement.PatternID,
		},
	}
	path := d.layout.DiversityPath(plan.SID)
	if err := store.WriteJSON(path, report); err != nil {
		return DiversityReport{}, fmt.Errorf("evals: write diversity.json for %s: %w", plan.SID, err)
	}
	return report, nil
}

// candidateSummary is the subset of a generator_candidates.json entry the
// metrics need; synthesis-mode entries carry pattern_tags, template-mode
// entries carry template_id and metadata.pattern_id.
type candidateSummary struct {
	PatternTags []string       `json:"pattern_tags"`
	TemplateID  string         `json:"template_id"`
	Metadata    map[string]any `json:"metadata"`
}

// loadCandidates reads generator_candidates.json from every bundle's
// metadata directory. Missing files are skipped; a SID whose generator
// never ran simply has zero candidates.
func (d *DiversityEvaluator) loadCandidates(plan requirement.Plan) []candidateSummary {
	var out []candidateSummary
	for _, bundle := range plan.RunMatrix.VulnBundles {
		dir := d.layout.MetadataDirForBundle(plan.SID, plan.IsMultiVuln(), bundle)
		var payload struct {
			Candidates []candidateSummary `json:"candidates"`
		}
		if err := store.ReadJSON(filepath.Join(dir, "generator_candidates.json"), &payload); err != nil {
			continue
		}
		out = append(out, payload.Candidates...)
	}
	return out
}

// patternKey collapses a candidate to the pattern identity the entropy and
// distance metrics bucket by: template id, metadata pattern id, first
// pattern tag, or "unknown".
func patternKey(c candidateSummary) string {
	if c.TemplateID != "" {
		return c.TemplateID
	}
	if pid, ok := c.Metadata["pattern_id"].(string); ok && pid != "" {
		return pid
	}
	if len(c.PatternTags) > 0 && c.PatternTags[0] != "" {
		return c.PatternTags[0]
	}
	return "unknown"
}

// shannonEntropy computes base-2 entropy over the candidates' pattern-key
// distribution, rounded to four decimals.
func shannonEntropy(candidates []candidateSummary) float64 {
	if len(candidates) == 0 {
		return 0
	}
	counts := map[string]int{}
	for _, c := range candidates {
		counts[patternKey(c)]++
	}
	total := float64(len(candidates))
	entropy := 0.0
	for _, count := range counts {
		p := float64(count) / total
		entropy -= p * math.Log2(p)
	}
	return round4(entropy)
}

// scenarioDistance is the ratio of distinct pattern keys to candidates.
func scenarioDistance(candidates []candidateSummary) float64 {
	if len(candidates) == 0 {
		return 0
	}
	distinct := map[string]bool{}
	for _, c := range candidates {
		distinct[patternKey(c)] = true
	}
	return round4(float64(len(distinct)) / float64(len(candidates)))
}

// reproducibilityRate is the fraction of loop history entries that
// succeeded; a SID with no loop state or empty history counts as fully
// reproducible.
func (d *DiversityEvaluator) reproducibilityRate(sid string) float64 {
	var state loop.State
	if err := store.ReadJSON(d.layout.LoopStatePath(sid), &state); err != nil {
		return 1
	}
	if len(state.History) == 0 {
		return 1
	}
	success := 0
	for _, entry := range state.History {
		if entry.Success {
			success++
		}
	}
	return round4(float64(success) / float64(len(state.History)))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
