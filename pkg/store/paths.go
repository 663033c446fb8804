// Package store provides the filesystem layout conventions shared by every
// stage: metadata/<sid>/..., artifacts/<sid>/..., workspaces/<sid>/...
package store

import (
	"os"
	"path/filepath"

	"github.com/vulnforge/vulnforge/pkg/requirement"
)

// Layout roots the repo-relative paths every stage reads and writes under.
type Layout struct {
	Root string
}

// NewLayout returns a Layout rooted at root (an absolute or relative path).
func NewLayout(root string) Layout {
	return Layout{Root: root}
}

// EnsureDir creates dir (and parents) if missing and returns it.
func EnsureDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// MetadataDir returns metadata/<sid>.
func (l Layout) MetadataDir(sid string) string {
	return filepath.Join(l.Root, "metadata", sid)
}

// ArtifactsDir returns artifacts/<sid>.
func (l Layout) ArtifactsDir(sid string) string {
	return filepath.Join(l.Root, "artifacts", sid)
}

// WorkspacesDir returns workspaces/<sid>.
func (l Layout) WorkspacesDir(sid string) string {
	return filepath.Join(l.Root, "workspaces", sid)
}

// RAGMemoriesDir returns rag/memories.
func (l Layout) RAGMemoriesDir() string {
	return filepath.Join(l.Root, "rag", "memories")
}

// ReflexionStorePath returns rag/memories/reflexion_store.jsonl.
func (l Layout) ReflexionStorePath() string {
	return filepath.Join(l.RAGMemoriesDir(), "reflexion_store.jsonl")
}

// PlanPath returns metadata/<sid>/plan.json.
func (l Layout) PlanPath(sid string) string {
	return filepath.Join(l.MetadataDir(sid), "plan.json")
}

// LoopStatePath returns metadata/<sid>/loop_state.json.
func (l Layout) LoopStatePath(sid string) string {
	return filepath.Join(l.MetadataDir(sid), "loop_state.json")
}

// GeneratorFailuresPath returns metadata/<sid>/generator_failures.jsonl.
func (l Layout) GeneratorFailuresPath(sid string) string {
	return filepath.Join(l.MetadataDir(sid), "generator_failures.jsonl")
}

// MetadataDirForBundle returns the bundle-scoped metadata directory: the
// SID-level metadata dir in single-vuln mode, or
// metadata/<sid>/bundles/<slug> in multi-vuln mode.
func (l Layout) MetadataDirForBundle(sid string, multiVuln bool, bundle requirement.VulnBundle) string {
	base := l.MetadataDir(sid)
	if multiVuln {
		return filepath.Join(base, "bundles", bundle.Slug)
	}
	return base
}

// ArtifactsDirForBundle returns the bundle-scoped artefact directory for a
// given kind ("build", "run", "reports"): artifacts/<sid>/<kind> in
// single-vuln mode, artifacts/<sid>/<kind>/<slug> in multi-vuln mode.
func (l Layout) ArtifactsDirForBundle(sid string, multiVuln bool, bundle requirement.VulnBundle, kind string) string {
	base := filepath.Join(l.ArtifactsDir(sid), kind)
	if multiVuln {
		return filepath.Join(base, bundle.Slug)
	}
	return base
}

// WorkspaceDirForBundle returns workspaces/<sid>/<bundle.WorkspaceSubdir>.
func (l Layout) WorkspaceDirForBundle(sid string, bundle requirement.VulnBundle) string {
	return filepath.Join(l.WorkspacesDir(sid), bundle.WorkspaceSubdir)
}

// ReportsDir returns artifacts/<sid>/reports.
func (l Layout) ReportsDir(sid string) string {
	return filepath.Join(l.ArtifactsDir(sid), "reports")
}

// EvalsPath returns artifacts/<sid>/reports/evals.json.
func (l Layout) EvalsPath(sid string) string {
	return filepath.Join(l.ReportsDir(sid), "evals.json")
}

// DiversityPath returns artifacts/<sid>/reports/diversity.json.
func (l Layout) DiversityPath(sid string) string {
	return filepath.Join(l.ReportsDir(sid), "diversity.json")
}

// PackManifestPath returns artifacts/<sid>/reports/manifest.json.
func (l Layout) PackManifestPath(sid string) string {
	return filepath.Join(l.ReportsDir(sid), "manifest.json")
}

// RuntimeRuleDirsPath returns metadata/<sid>/runtime_rules.
func (l Layout) RuntimeRuleDirsPath(sid string) string {
	return filepath.Join(l.MetadataDir(sid), "runtime_rules")
}

// RuntimeTemplatesPath returns metadata/<sid>/runtime_templates.
func (l Layout) RuntimeTemplatesPath(sid string) string {
	return filepath.Join(l.MetadataDir(sid), "runtime_templates")
}
