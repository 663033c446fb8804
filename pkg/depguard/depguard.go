// Package depguard parses declared and required dependencies out of a
// generated manifest and reports mismatches. Python and Node source are
// scanned with tolerant regex-based heuristics rather than a real parser —
// see pyimports.go and DESIGN.md for why.
package depguard

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/vulnforge/vulnforge/pkg/requirement"
)

// moduleAliasMap canonicalises an import root to its distribution package
// name.
var moduleAliasMap = map[string]string{
	"bs4":             "beautifulsoup4",
	"pil":             "pillow",
	"pillow":          "pillow",
	"yaml":            "pyyaml",
	"pyyaml":          "pyyaml",
	"cv2":             "opencv-python",
	"dateutil":        "python-dateutil",
	"psycopg2":        "psycopg2-binary",
	"psycopg2-binary": "psycopg2-binary",
	"sklearn":         "scikit-learn",
	"bsddb3":          "bsddb3",
	"lxml":            "lxml",
	"pymysql":         "pymysql",
	"mysqlclient":     "mysqlclient",
}

// defaultVersions supplies a pinned version for auto-patched entries absent
// from the requirement's own declarations.
var defaultVersions = map[string]string{
	"requests":          "2.32.2",
	"pysqlite3-binary":  "0.5.2",
	"flask":             "3.0.3",
	"beautifulsoup4":    "4.12.3",
}

// autoPatchDenylist lists canonical names that must never be auto-patched
// in (they're stdlib-adjacent or otherwise always available).
var autoPatchDenylist = map[string]bool{"logging": true, "sqlite3": true}

// externalDBPackages are database drivers that may be incompatible with the
// configured runtime DB and are skipped during user-dep merge.
var externalDBPackages = map[string]bool{
	"pymysql": true, "mysqlclient": true, "mysql-connector": true,
	"mysql-connector-python": true, "psycopg2": true, "psycopg2-binary": true,
	"pg8000": true, "asyncpg": true,
}

// pythonStdlib is a baked-in subset of CPython's standard library module
// names, used to exclude stdlib imports from required-dependency sets.
var pythonStdlib = map[string]bool{
	"os": true, "sys": true, "re": true, "json": true, "io": true, "time": true,
	"math": true, "random": true, "subprocess": true, "sqlite3": true, "logging": true,
	"typing": true, "collections": true, "itertools": true, "functools": true,
	"pathlib": true, "hashlib": true, "base64": true, "datetime": true, "socket": true,
	"threading": true, "asyncio": true, "unittest": true, "http": true, "urllib": true,
	"string": true, "shutil": true, "tempfile": true, "dataclasses": true, "enum": true,
	"abc": true, "copy": true, "csv": true, "pickle": true, "struct": true, "uuid": true,
}

// Canonicalize normalises a raw dependency token: strips version
// specifiers/extras/markers, lowercases, maps underscores to hyphens, and
// applies the alias table.
func Canonicalize(raw string) string {
	name := raw
	for _, cut := range []string{"==", ">=", "<=", "~=", "!=", ">", "<", ";", "["} {
		if idx := strings.Index(name, cut); idx >= 0 {
			name = name[:idx]
		}
	}
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, "_", "-")
	if alias, ok := moduleAliasMap[name]; ok {
		return alias
	}
	return name
}

// IsStdlib reports whether name (canonicalized) is a Python
// standard-library module that must never be declared or installed.
func IsStdlib(name string) bool {
	return isStdlib(Canonicalize(name))
}

func isStdlib(name string) bool {
	return pythonStdlib[strings.ReplaceAll(name, "-", "_")]
}

// Report is the full Dependency Guard output for one manifest evaluation.
type Report struct {
	DeclaredFromDeps         []string            `json:"declared_from_deps"`
	DeclaredFromRequirements []string            `json:"declared_from_requirements"`
	RequiredStatic           []string            `json:"required_static"`
	InstalledFromBuild       []string            `json:"installed_from_build"`
	MissingDependency        []string            `json:"missing_dependency,omitempty"`
	MissingFromRequirements  []string            `json:"missing_from_requirements,omitempty"`
	MissingFromBuild         []string            `json:"missing_from_build,omitempty"`
	NodeRequired             []string            `json:"node_required,omitempty"`
	NodeDeclared             []string            `json:"node_declared,omitempty"`
	MissingNode              []string            `json:"missing_node,omitempty"`
	OSPackages               map[string][]string `json:"os_packages,omitempty"`
	Violations               []string            `json:"violations"`
	AutoPatched              []string            `json:"auto_patched,omitempty"`
}

// Blocking reports whether the guard produced any violation.
func (r Report) Blocking() bool { return len(r.Violations) > 0 }

// Evaluate computes the full dependency report for manifest. When
// autoPatch is true, missing static dependencies not in the denylist are
// deterministically added to manifest.Deps and to the first
// requirements*.txt file entry (creating one if absent), then re-evaluated
// so the patched state is reflected in the returned report.
func Evaluate(m *requirement.Manifest, autoPatch bool) Report {
	report := evaluateOnce(m)
	if !autoPatch || len(report.MissingDependency) == 0 {
		return report
	}

	var patched []string
	for _, dep := range report.MissingDependency {
		if autoPatchDenylist[dep] || isStdlib(dep) {
			continue
		}
		patched = append(patched, dep)
	}
	if len(patched) == 0 {
		return report
	}
	applyAutoPatch(m, patched)
	final := evaluateOnce(m)
	final.AutoPatched = patched
	return final
}

func evaluateOnce(m *requirement.Manifest) Report {
	declaredDeps := declaredFromDeps(m.Deps)
	declaredReqs, reqFiles := declaredFromRequirements(m)
	required := requiredStatic(m)
	installed := installedFromBuild(m, reqFiles)

	declaredCombined := union(declaredDeps, declaredReqs)
	var violations []string

	missingDep := sortedDiff(required, declaredCombined)
	for _, dep := range missingDep {
		violations = append(violations, fmt.Sprintf("missing dependency '%s' required by manifest files", dep))
	}

	var missingFromReqs []string
	if len(reqFiles) > 0 {
		missingFromReqs = sortedDiff(declaredDeps, declaredReqs)
		for _, dep := range missingFromReqs {
			violations = append(violations, fmt.Sprintf("declared in deps but not in requirements: '%s'", dep))
		}
	}

	var missingFromBuild []string
	if len(installed) > 0 {
		missingFromBuild = sortedDiff(subtractSlice(required, missingDep), installed)
		for _, dep := range missingFromBuild {
			violations = append(violations, fmt.Sprintf("dependency '%s' not installed by build commands", dep))
		}
	}

	nodeRequired := nodeRequired(m)
	nodeDeclared := nodeDeclared(m)
	missingNode := sortedDiff(nodeRequired, nodeDeclared)
	for _, dep := range missingNode {
		violations = append(violations, fmt.Sprintf("missing node dependency '%s' required by manifest files", dep))
	}

	return Report{
		DeclaredFromDeps:         sortedSlice(declaredDeps),
		DeclaredFromRequirements: sortedSlice(declaredReqs),
		RequiredStatic:           sortedSlice(required),
		InstalledFromBuild:       sortedSlice(installed),
		MissingDependency:        missingDep,
		MissingFromRequirements:  missingFromReqs,
		MissingFromBuild:         missingFromBuild,
		NodeRequired:             sortedSlice(nodeRequired),
		NodeDeclared:             sortedSlice(nodeDeclared),
		MissingNode:              missingNode,
		OSPackages:               detectOSPackages(m),
		Violations:               violations,
	}
}

func applyAutoPatch(m *requirement.Manifest, deps []string) {
	existing := map[string]bool{}
	for _, d := range m.Deps {
		existing[Canonicalize(d)] = true
	}
	for _, dep := range deps {
		if existing[dep] {
			continue
		}
		version := defaultVersions[dep]
		entry := dep
		if version != "" {
			entry = fmt.Sprintf("%s==%s", dep, version)
		}
		m.Deps = append(m.Deps, entry)
	}

	for i := range m.Files {
		if !isRequirementsPath(m.Files[i].Path) {
			continue
		}
		content := m.Files[i].Content
		for _, dep := range deps {
			version := defaultVersions[dep]
			line := dep
			if version != "" {
				line = fmt.Sprintf("%s==%s", dep, version)
			}
			if !strings.Contains(content, dep) {
				if content != "" && !strings.HasSuffix(content, "\n") {
					content += "\n"
				}
				content += line + "\n"
			}
		}
		m.Files[i].Content = content
		return
	}
	// No requirements file exists yet: synthesize one.
	var lines []string
	for _, dep := range deps {
		version := defaultVersions[dep]
		if version != "" {
			lines = append(lines, fmt.Sprintf("%s==%s", dep, version))
		} else {
			lines = append(lines, dep)
		}
	}
	m.Files = append(m.Files, requirement.FileEntry{
		Path: "requirements.txt", Content: strings.Join(lines, "\n") + "\n",
	})
}

func isRequirementsPath(path string) bool {
	base := strings.ToLower(path)
	return strings.HasPrefix(base, "requirements") && strings.HasSuffix(base, ".txt")
}

func declaredFromDeps(deps []string) map[string]bool {
	out := map[string]bool{}
	for _, d := range deps {
		if c := Canonicalize(d); c != "" {
			out[c] = true
		}
	}
	return out
}

func declaredFromRequirements(m *requirement.Manifest) (map[string]bool, []requirement.FileEntry) {
	out := map[string]bool{}
	var files []requirement.FileEntry
	for _, f := range m.Files {
		lower := strings.ToLower(f.Path)
		switch {
		case isRequirementsPath(f.Path):
			files = append(files, f)
			for _, line := range strings.Split(f.Content, "\n") {
				line = strings.TrimSpace(line)
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				if c := Canonicalize(line); c != "" {
					out[c] = true
				}
			}
		case lower == "pyproject.toml":
			files = append(files, f)
			for name := range parsePyprojectDeps(f.Content) {
				out[name] = true
			}
		case lower == "setup.cfg":
			files = append(files, f)
			for name := range parseSetupCfgDeps(f.Content) {
				out[name] = true
			}
		}
	}
	return out, files
}

func parsePyprojectDeps(content string) map[string]bool {
	out := map[string]bool{}
	var doc struct {
		Project struct {
			Dependencies []string `toml:"dependencies"`
		} `toml:"project"`
		Tool struct {
			Poetry struct {
				Dependencies map[string]any `toml:"dependencies"`
			} `toml:"poetry"`
		} `toml:"tool"`
	}
	if err := toml.Unmarshal([]byte(content), &doc); err != nil {
		return out
	}
	for _, dep := range doc.Project.Dependencies {
		if c := Canonicalize(dep); c != "" {
			out[c] = true
		}
	}
	for name := range doc.Tool.Poetry.Dependencies {
		if strings.EqualFold(name, "python") {
			continue
		}
		if c := Canonicalize(name); c != "" {
			out[c] = true
		}
	}
	return out
}

func parseSetupCfgDeps(content string) map[string]bool {
	out := map[string]bool{}
	inSection := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "install_requires") {
			inSection = true
			if idx := strings.Index(trimmed, "="); idx >= 0 {
				rest := strings.TrimSpace(trimmed[idx+1:])
				if rest != "" {
					if c := Canonicalize(rest); c != "" {
						out[c] = true
					}
				}
			}
			continue
		}
		if inSection {
			if trimmed == "" || strings.Contains(trimmed, "=") {
				inSection = false
				continue
			}
			if c := Canonicalize(trimmed); c != "" {
				out[c] = true
			}
		}
	}
	return out
}

func requiredStatic(m *requirement.Manifest) map[string]bool {
	out := map[string]bool{}
	for _, f := range m.Files {
		if !isPythonPath(f.Path) {
			continue
		}
		for _, root := range ExtractPythonImports(f.Content) {
			if isStdlib(root) {
				continue
			}
			out[Canonicalize(root)] = true
		}
	}
	return out
}

func isPythonPath(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".py") || strings.HasSuffix(lower, ".pyw")
}

var pipInstallRE = regexPipInstall()

func installedFromBuild(m *requirement.Manifest, reqFiles []requirement.FileEntry) map[string]bool {
	out := map[string]bool{}
	texts := []string{m.Build.Command}
	for _, f := range m.Files {
		if strings.EqualFold(f.Path, "Dockerfile") {
			texts = append(texts, f.Content)
		}
	}
	reqByPath := map[string]string{}
	for _, f := range reqFiles {
		reqByPath[f.Path] = f.Content
	}
	for _, text := range texts {
		for _, match := range pipInstallRE.FindAllStringSubmatch(text, -1) {
			tokens := strings.Fields(match[1])
			for _, tok := range tokens {
				if tok == "-r" || strings.HasPrefix(tok, "-") {
					continue
				}
				if content, ok := reqByPath[tok]; ok {
					for _, line := range strings.Split(content, "\n") {
						line = strings.TrimSpace(line)
						if line == "" || strings.HasPrefix(line, "#") {
							continue
						}
						out[Canonicalize(line)] = true
					}
					continue
				}
				if c := Canonicalize(tok); c != "" {
					out[c] = true
				}
			}
		}
	}
	return out
}

func union(a, b map[string]bool) map[string]bool {
	out := map[string]bool{}
	for k := range a {
		out[k] = true
	}
	for k := range b {
		out[k] = true
	}
	return out
}

func sortedDiff(a, b map[string]bool) []string {
	var out []string
	for k := range a {
		if !b[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func subtractSlice(set map[string]bool, remove []string) map[string]bool {
	out := map[string]bool{}
	removeSet := map[string]bool{}
	for _, r := range remove {
		removeSet[r] = true
	}
	for k := range set {
		if !removeSet[k] {
			out[k] = true
		}
	}
	return out
}

func sortedSlice(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func nodeRequired(m *requirement.Manifest) map[string]bool {
	out := map[string]bool{}
	for _, f := range m.Files {
		if !isJSPath(f.Path) {
			continue
		}
		for _, mod := range ExtractNodeModules(f.Content) {
			if strings.HasPrefix(mod, ".") || strings.HasPrefix(mod, "/") {
				continue
			}
			out[mod] = true
		}
	}
	return out
}

func isJSPath(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range []string{".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func nodeDeclared(m *requirement.Manifest) map[string]bool {
	out := map[string]bool{}
	for _, f := range m.Files {
		if strings.ToLower(f.Path) != "package.json" {
			continue
		}
		var pkg struct {
			Dependencies         map[string]string `json:"dependencies"`
			DevDependencies      map[string]string `json:"devDependencies"`
			OptionalDependencies map[string]string `json:"optionalDependencies"`
		}
		if err := json.Unmarshal([]byte(f.Content), &pkg); err != nil {
			continue
		}
		for name := range pkg.Dependencies {
			out[name] = true
		}
		for name := range pkg.DevDependencies {
			out[name] = true
		}
		for name := range pkg.OptionalDependencies {
			out[name] = true
		}
	}
	return out
}

func detectOSPackages(m *requirement.Manifest) map[string][]string {
	var dockerfile string
	for _, f := range m.Files {
		if strings.EqualFold(f.Path, "Dockerfile") {
			dockerfile = f.Content
		}
	}
	texts := []string{dockerfile, m.Build.Command}
	result := map[string][]string{}
	for name, re := range osPackageManagers() {
		set := map[string]bool{}
		for _, text := range texts {
			for _, match := range re.FindAllStringSubmatch(text, -1) {
				for _, tok := range strings.Fields(match[1]) {
					if tok != "" && !strings.HasPrefix(tok, "-") {
						set[tok] = true
					}
				}
			}
		}
		if len(set) > 0 {
			result[name] = sortedSlice(set)
		}
	}
	return result
}
