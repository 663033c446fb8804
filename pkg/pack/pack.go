// Package pack implements the PACK stage: it snapshots a SID's workspace
// and aggregates every stage's artefacts into a single manifest.json,
// refusing to pack a SID whose loop controller last recorded a failure
// unless the plan's policy explicitly allows an intentional vulnerability.
package pack

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/vulnforge/vulnforge/pkg/loop"
	"github.com/vulnforge/vulnforge/pkg/requirement"
	"github.com/vulnforge/vulnforge/pkg/store"
)

// ErrReviewGateBlocked is returned when the loop controller's last result
// is a failure and the plan's policy does not allow bypassing the gate.
var ErrReviewGateBlocked = errors.New("pack: review gate blocked")

// BundleRecord is one vuln bundle's slice of the pack manifest, mirroring
// the original's _collect_bundle_records entry shape.
type BundleRecord struct {
	VulnID     string         `json:"vuln_id"`
	Slug       string         `json:"slug"`
	PatternID  string         `json:"pattern_id,omitempty"`
	Paths      BundlePaths    `json:"paths"`
	Artifacts  BundleArtifact `json:"artifacts"`
	Researcher map[string]any `json:"researcher_report,omitempty"`
	Generator  map[string]any `json:"generator_manifest,omitempty"`
	Reviewer   map[string]any `json:"reviewer_report,omitempty"`
}

// BundlePaths records where a bundle's workspace/metadata/build/run
// directories live on disk.
type BundlePaths struct {
	Workspace string `json:"workspace"`
	Metadata  string `json:"metadata"`
	Build     string `json:"build"`
	Run       string `json:"run"`
}

// BundleArtifact bundles the per-bundle artefact pointers and, where
// present, their parsed contents.
type BundleArtifact struct {
	BuildLog   string         `json:"build_log,omitempty"`
	SBOM       string         `json:"sbom,omitempty"`
	RunLog     string         `json:"run_log,omitempty"`
	RunSummary map[string]any `json:"run_summary,omitempty"`
	EvalResult map[string]any `json:"eval_result,omitempty"`
}

// Manifest is the complete artifacts/<sid>/reports/manifest.json shape.
type Manifest struct {
	SID           string                    `json:"sid"`
	PackedAt      time.Time                 `json:"packed_at"`
	VariationKey  requirement.VariationKey  `json:"variation_key"`
	Status        string                    `json:"status"`
	Policy        requirement.PlanPolicy    `json:"policy"`
	VulnIDs       []string                  `json:"vuln_ids"`
	Bundles       []BundleRecord            `json:"bundles"`
	Indices       map[string]string         `json:"indices"`
	Reports       ReportsSection            `json:"reports"`
	ContentDigest string                    `json:"content_digest"`
}

// ReportsSection carries the SID-level evaluation and diversity verdicts.
type ReportsSection struct {
	Evals     map[string]any `json:"evals,omitempty"`
	Diversity map[string]any `json:"diversity,omitempty"`
}

// Packer runs the PACK stage for one SID.
type Packer struct {
	layout store.Layout
}

// New returns a Packer rooted at layout.
func New(layout store.Layout) *Packer {
	return &Packer{layout: layout}
}

// AssertReviewGate enforces the packing gate: packing is refused unless
// the loop controller's last recorded result is not a failure, or the
// plan's policy allows an intentional vulnerability and the caller opted
// in.
func (p *Packer) AssertReviewGate(plan requirement.Plan, allowIntentional bool) error {
	path := p.layout.LoopStatePath(plan.SID)
	if !store.Exists(path) {
		return nil
	}
	var state loop.State
	if err := store.ReadJSON(path, &state); err != nil {
		return fmt.Errorf("pack: read loop state for %s: %w", plan.SID, err)
	}
	if state.LastResult == loop.ResultNone || state.LastResult == loop.ResultSuccess {
		return nil
	}
	if allowIntentional && plan.Policy.AllowIntentionalVuln {
		slog.Warn("bypassing review gate: intentional vulnerability flag enabled", "sid", plan.SID)
		return nil
	}
	return fmt.Errorf("%w: sid=%s last_result=%s (complete the review loop or pass --allow-intentional-vuln with policy.allow_intentional_vuln)",
		ErrReviewGateBlocked, plan.SID, state.LastResult)
}

// Run drives the whole PACK stage for plan: gate check, workspace
// snapshot, then manifest aggregation, mirroring the original's main().
func (p *Packer) Run(plan requirement.Plan, allowIntentional bool) (string, error) {
	if err := p.AssertReviewGate(plan, allowIntentional); err != nil {
		return "", err
	}
	if _, err := p.SnapshotWorkspace(plan.SID); err != nil {
		return "", err
	}
	return p.WriteManifest(plan)
}

// SnapshotWorkspace copies the SID's whole workspace tree into
// artifacts/<sid>/build/source_snapshot/app, replacing any prior snapshot.
func (p *Packer) SnapshotWorkspace(sid string) (string, error) {
	src := p.layout.WorkspacesDir(sid)
	dstRoot := filepath.Join(p.layout.ArtifactsDir(sid), "build", "source_snapshot")
	dst := filepath.Join(dstRoot, "app")
	if _, err := store.EnsureDir(dstRoot); err != nil {
		return "", fmt.Errorf("pack: ensure snapshot dir: %w", err)
	}
	if err := os.RemoveAll(dst); err != nil {
		return "", fmt.Errorf("pack: clear prior snapshot: %w", err)
	}
	if err := copyTree(src, dst); err != nil {
		return "", fmt.Errorf("pack: snapshot workspace for %s: %w", sid, err)
	}
	slog.Info("workspace snapshot copied", "sid", sid, "destination", dst)
	return dst, nil
}

func copyTree(src, dst string) error {
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		_, err := store.EnsureDir(dst)
		return err
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}

// WriteManifest aggregates every bundle's artefacts plus the SID-level
// evals/diversity reports into manifest.json and returns its path.
func (p *Packer) WriteManifest(plan requirement.Plan) (string, error) {
	bundles := make([]BundleRecord, 0, len(plan.RunMatrix.VulnBundles))
	multi := plan.IsMultiVuln()
	evalsPath := p.layout.EvalsPath(plan.SID)
	evalData := loadJSONMap(evalsPath)
	evalMap := indexEvalResults(evalData)
	runIndexData := loadJSONMap(filepath.Join(p.layout.ArtifactsDir(plan.SID), "run", "index.json"))
	runMap := indexRunRecords(runIndexData)

	for _, bundle := range plan.RunMatrix.VulnBundles {
		metadataDir := p.layout.MetadataDirForBundle(plan.SID, multi, bundle)
		workspaceDir := p.layout.WorkspaceDirForBundle(plan.SID, bundle)
		buildDir := p.layout.ArtifactsDirForBundle(plan.SID, multi, bundle, "build")
		runDir := p.layout.ArtifactsDirForBundle(plan.SID, multi, bundle, "run")

		generatorManifest := loadJSONMap(filepath.Join(metadataDir, "generator_manifest.json"))
		patternID := stringField(generatorManifest, "pattern_id")
		if patternID == "" {
			patternID = firstNonEmpty(plan.Requirement.VulnID)
		}

		bundles = append(bundles, BundleRecord{
			VulnID:    bundle.VulnID,
			Slug:      bundle.Slug,
			PatternID: patternID,
			Paths: BundlePaths{
				Workspace: workspaceDir,
				Metadata:  metadataDir,
				Build:     buildDir,
				Run:       runDir,
			},
			Artifacts: BundleArtifact{
				BuildLog:   existingPath(filepath.Join(buildDir, "build.log")),
				SBOM:       existingPath(filepath.Join(buildDir, "sbom.spdx.json")),
				RunLog:     existingPath(filepath.Join(runDir, "run.log")),
				RunSummary: runMap[bundle.Slug],
				EvalResult: firstNonNilMap(evalMap[bundle.Slug], evalMap[bundle.VulnID]),
			},
			Researcher: loadJSONMap(filepath.Join(metadataDir, "researcher_report.json")),
			Generator:  generatorManifest,
			Reviewer:   loadJSONMap(filepath.Join(metadataDir, "reviewer_report.json")),
		})
	}

	manifest := Manifest{
		SID:          plan.SID,
		PackedAt:     time.Now().UTC(),
		VariationKey: plan.VariationKey,
		Status:       "success",
		Policy:       plan.Policy,
		VulnIDs:      plan.EffectiveVulns,
		Bundles:      bundles,
		Indices:      p.collectIndices(plan.SID),
		Reports: ReportsSection{
			Evals:     evalData,
			Diversity: loadJSONMap(p.layout.DiversityPath(plan.SID)),
		},
	}
	digest, err := digestManifest(manifest)
	if err != nil {
		return "", fmt.Errorf("pack: digest manifest for %s: %w", plan.SID, err)
	}
	manifest.ContentDigest = digest

	path := p.layout.PackManifestPath(plan.SID)
	if err := store.WriteJSON(path, manifest); err != nil {
		return "", fmt.Errorf("pack: write manifest for %s: %w", plan.SID, err)
	}
	slog.Info("manifest written", "sid", plan.SID, "path", path)
	return path, nil
}

func (p *Packer) collectIndices(sid string) map[string]string {
	metadataDir := p.layout.MetadataDir(sid)
	artifactsDir := p.layout.ArtifactsDir(sid)
	candidates := map[string]string{
		"researcher_reports":    filepath.Join(metadataDir, "researcher_reports.json"),
		"generator_candidates":  filepath.Join(metadataDir, "generator_candidates.json"),
		"reviewer_report":       filepath.Join(metadataDir, "reviewer_report.json"),
		"reviewer_reports":      filepath.Join(metadataDir, "reviewer_reports.json"),
		"run_index":             filepath.Join(artifactsDir, "run", "index.json"),
		"evals":                 p.layout.EvalsPath(sid),
		"diversity":             p.layout.DiversityPath(sid),
	}
	indices := make(map[string]string, len(candidates))
	for key, path := range candidates {
		if v := existingPath(path); v != "" {
			indices[key] = v
		}
	}
	return indices
}

// digestManifest hashes a stable, key-sorted JSON encoding of the manifest
// (with the digest and packed_at fields zeroed) so repeated packs of an
// unchanged SID produce the same content_digest regardless of wall-clock
// time.
func digestManifest(m Manifest) (string, error) {
	m.ContentDigest = ""
	m.PackedAt = time.Time{}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		return "", err
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func loadJSONMap(path string) map[string]any {
	if !store.Exists(path) {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("pack: failed to read json", "path", path, "error", err)
		return nil
	}
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil {
		slog.Warn("pack: failed to parse json", "path", path, "error", err)
		return nil
	}
	return v
}

func indexEvalResults(evalData map[string]any) map[string]map[string]any {
	index := make(map[string]map[string]any)
	results, _ := evalData["results"].([]any)
	for _, raw := range results {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if slug := stringField(entry, "slug"); slug != "" {
			index[slug] = entry
		}
		if vulnID := stringField(entry, "vuln_id"); vulnID != "" {
			index[vulnID] = entry
		}
	}
	return index
}

func indexRunRecords(runIndexData map[string]any) map[string]map[string]any {
	index := make(map[string]map[string]any)
	runs, _ := runIndexData["runs"].([]any)
	for _, raw := range runs {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if slug := stringField(entry, "slug"); slug != "" {
			index[slug] = entry
		}
	}
	return index
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonNilMap(maps ...map[string]any) map[string]any {
	for _, m := range maps {
		if m != nil {
			return m
		}
	}
	return nil
}

func existingPath(path string) string {
	if store.Exists(path) {
		return path
	}
	return ""
}
