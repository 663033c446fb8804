// Package rules loads and serves per-CWE declarative verifier
// specifications ("Rules") consumed by the Synthesis Engine (PoC
// signature defaulting) and the Verifier Chain (rule-based verdicts).
package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// JSONOutput describes how a success verdict is located in a structured
// (JSON) run summary.
type JSONOutput struct {
	SuccessKey   string `yaml:"success_key,omitempty"`
	SuccessValue string `yaml:"success_value,omitempty"`
	FlagKey      string `yaml:"flag_key,omitempty"`
}

// Output describes the expected shape of PoC output.
type Output struct {
	Format string      `yaml:"format,omitempty"` // "text" | "json"
	JSON   *JSONOutput `yaml:"json,omitempty"`
}

// Pattern is a filesystem pattern check run against the generated
// workspace (e.g. "does the source actually concatenate SQL").
type Pattern struct {
	Type     string `yaml:"type"` // "file_contains" | "file_not_contains"
	Path     string `yaml:"path,omitempty"`
	Contains string `yaml:"contains"`
}

// Rule is the per-CWE declarative verifier spec.
type Rule struct {
	CWE                 string    `yaml:"cwe"`
	SuccessSignature     string    `yaml:"success_signature"`
	FlagToken            string    `yaml:"flag_token,omitempty"`
	StrictFlag           bool      `yaml:"strict_flag,omitempty"`
	Output               *Output   `yaml:"output,omitempty"`
	Patterns             []Pattern `yaml:"patterns,omitempty"`
	RequiresExternalDB   bool      `yaml:"requires_external_db,omitempty"`
}

// Registry loads Rules by CWE id, checking runtime rule directories before
// the built-in table: runtime-provided rule files override the baked-in
// defaults.
type Registry struct {
	runtimeDirs []string
	builtins    map[string]Rule
}

// NewRegistry returns a Registry seeded with the built-in rule table and
// the given runtime rule directories, searched in order before falling
// back to builtins.
func NewRegistry(runtimeDirs ...string) *Registry {
	return &Registry{runtimeDirs: runtimeDirs, builtins: builtinRules()}
}

// RuntimeRuleDirsEnv names extra runtime rule directories as an OS
// path-separator separated list. Callers parse it with RuntimeDirsFromEnv
// and pass the result to NewRegistry explicitly; the Registry itself never
// reads the environment.
const RuntimeRuleDirsEnv = "VULD_RUNTIME_RULE_DIRS"

// RuntimeDirsFromEnv returns the directories listed in RuntimeRuleDirsEnv,
// empty entries dropped.
func RuntimeDirsFromEnv() []string {
	var dirs []string
	for _, part := range strings.Split(os.Getenv(RuntimeRuleDirsEnv), string(os.PathListSeparator)) {
		if part = strings.TrimSpace(part); part != "" {
			dirs = append(dirs, part)
		}
	}
	return dirs
}

// Normalize maps a vuln id ("CWE-89", "89", "cwe-89") to the canonical
// lookup key "cwe-89".
func Normalize(vulnID string) string {
	v := strings.ToLower(strings.TrimSpace(vulnID))
	if v == "" {
		return ""
	}
	if strings.HasPrefix(v, "cwe-") {
		return v
	}
	return "cwe-" + v
}

// Load returns the Rule for vulnID, preferring a runtime YAML file over the
// built-in table; returns the zero Rule (CWE == "") if none is registered.
func (r *Registry) Load(vulnID string) (Rule, error) {
	key := Normalize(vulnID)
	if key == "" {
		return Rule{}, nil
	}
	for _, dir := range r.runtimeDirs {
		path := filepath.Join(dir, key+".yaml")
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return Rule{}, fmt.Errorf("rules: read %s: %w", path, err)
		}
		var rule Rule
		if err := yaml.Unmarshal(data, &rule); err != nil {
			return Rule{}, fmt.Errorf("rules: parse %s: %w", path, err)
		}
		return rule, nil
	}
	if rule, ok := r.builtins[key]; ok {
		return rule, nil
	}
	return Rule{}, nil
}

// List returns every built-in rule, sorted by CWE id.
func (r *Registry) List() []Rule {
	out := make([]Rule, 0, len(r.builtins))
	for _, rule := range r.builtins {
		out = append(out, rule)
	}
	return out
}

// builtinRules is the baked-in table for the handful of CWE classes this
// generator targets.
func builtinRules() map[string]Rule {
	return map[string]Rule{
		"cwe-89": {
			CWE: "CWE-89", SuccessSignature: "SQLi SUCCESS", FlagToken: "FLAG-sqli-demo-token",
			Patterns: []Pattern{{Type: "file_contains", Path: "app.py", Contains: "SELECT"}},
		},
		"cwe-79": {
			CWE: "CWE-79", SuccessSignature: "XSS_SUCCESS", FlagToken: "FLAG{xss}",
		},
		"cwe-78": {
			CWE: "CWE-78", SuccessSignature: "CMDI_SUCCESS", FlagToken: "FLAG{command_injection}",
		},
		"cwe-22": {
			CWE: "CWE-22", SuccessSignature: "PATH_TRAVERSAL_SUCCESS", FlagToken: "FLAG{path_traversal}",
		},
		"cwe-352": {
			CWE: "CWE-352", SuccessSignature: "CSRF SUCCESS", FlagToken: "FLAG-csrf-demo-token",
		},
		"cwe-502": {
			CWE: "CWE-502", SuccessSignature: "DESERIALIZATION_SUCCESS", FlagToken: "FLAG{insecure_deserialization}",
			RequiresExternalDB: false,
		},
	}
}
