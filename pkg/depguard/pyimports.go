package depguard

import "regexp"

// importRE and fromImportRE are the tolerant Python-source import scanners.
// Go's go/parser and go/ast parse Go, not Python, so there is no stdlib or
// pack-provided way to really AST-parse the generated Python workspace
// files; this walks import/from-import statements with a best-effort regex
// instead. See DESIGN.md for the justification.
var (
	importRE     = regexp.MustCompile(`(?m)^\s*import\s+([A-Za-z_][A-Za-z0-9_.]*)`)
	fromImportRE = regexp.MustCompile(`(?m)^\s*from\s+([A-Za-z_][A-Za-z0-9_.]*)\s+import\s`)
)

// ExtractPythonImports returns the set of top-level import roots
// referenced in source (e.g. "import os.path" -> "os"; "from
// flask import Flask" -> "flask"). Relative imports ("from . import x")
// are skipped.
func ExtractPythonImports(source string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(root string) {
		if root != "" && !seen[root] {
			seen[root] = true
			out = append(out, root)
		}
	}
	for _, m := range importRE.FindAllStringSubmatch(source, -1) {
		add(firstSegment(m[1]))
	}
	for _, m := range fromImportRE.FindAllStringSubmatch(source, -1) {
		add(firstSegment(m[1]))
	}
	return out
}

func firstSegment(dotted string) string {
	for i, r := range dotted {
		if r == '.' {
			return dotted[:i]
		}
	}
	return dotted
}

// nodeImportRE / nodeRequireRE mirror node.py's IMPORT_RE / REQUIRE_RE.
var (
	nodeImportRE  = regexp.MustCompile(`import\s+[^;]*?from\s+['"]([^'"]+)['"]`)
	nodeRequireRE = regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`)
)

// ExtractNodeModules returns every module specifier referenced via ES
// import or CommonJS require in source.
func ExtractNodeModules(source string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(mod string) {
		if mod != "" && !seen[mod] {
			seen[mod] = true
			out = append(out, mod)
		}
	}
	for _, m := range nodeImportRE.FindAllStringSubmatch(source, -1) {
		add(m[1])
	}
	for _, m := range nodeRequireRE.FindAllStringSubmatch(source, -1) {
		add(m[1])
	}
	return out
}

func regexPipInstall() *regexp.Regexp {
	return regexp.MustCompile(`(?i)pip3?\s+install([^&;|\n]*)`)
}

// osPackageManagers mirrors os_pkgs.py's APT_RE/APK_RE/YUM_RE table.
func osPackageManagers() map[string]*regexp.Regexp {
	return map[string]*regexp.Regexp{
		"apt": regexp.MustCompile(`apt-get\s+install([^;&]+)`),
		"apk": regexp.MustCompile(`apk\s+add([^;&]+)`),
		"yum": regexp.MustCompile(`yum\s+install([^;&]+)`),
	}
}
