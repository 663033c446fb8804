package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vulnforge/vulnforge/pkg/depguard"
	"github.com/vulnforge/vulnforge/pkg/requirement"
)

// DepSuggestion is one missing-dependency candidate the LLM auditor
// proposed; Enforce marks high-confidence entries that the guard turns
// into blocking violations.
type DepSuggestion struct {
	Name       string `json:"name"`
	Reason     string `json:"reason,omitempty"`
	Confidence string `json:"confidence"`
	Module     string `json:"module,omitempty"`
	Enforce    bool   `json:"enforce"`
}

// DepInference is the recorded outcome of one LLM dependency-audit call.
type DepInference struct {
	Status          string          `json:"status"`
	Suggestions     []DepSuggestion `json:"suggestions,omitempty"`
	MissingHighConf []string        `json:"missing_high_conf,omitempty"`
	RawExcerpt      string          `json:"raw_excerpt,omitempty"`
}

const depInferSnippetFiles = 6
const depInferSnippetChars = 400

// inferDependencies asks the LLM to audit the manifest for runtime
// dependencies the static scanners missed, constrained to the declared
// response schema. Failures never fail the candidate; they are recorded
// in the returned Status.
func (e *Engine) inferDependencies(ctx context.Context, m requirement.Manifest, guard depguard.Report) DepInference {
	out := DepInference{Status: "skipped"}

	prompt := buildDepInferPrompt(m, guard)
	raw, err := e.client.Complete(ctx, prompt, 0)
	if err != nil {
		out.Status = "error: " + err.Error()
		return out
	}
	if len(raw) > depInferSnippetChars {
		out.RawExcerpt = raw[:depInferSnippetChars]
	} else {
		out.RawExcerpt = raw
	}

	data := parseLooseJSON(raw)
	if data == nil {
		out.Status = "parse_error"
		return out
	}
	pythonSection, _ := data["python"].(map[string]any)
	out.Suggestions = normalizeDepSuggestions(pythonSection)
	out.Status = "ok"

	high := map[string]bool{}
	for _, s := range out.Suggestions {
		if s.Enforce {
			high[s.Name] = true
		}
	}
	for name := range high {
		out.MissingHighConf = append(out.MissingHighConf, name)
	}
	sort.Strings(out.MissingHighConf)
	return out
}

// enforcedViolations filters the inference's high-confidence names down
// to those that are neither stdlib, already declared, nor already
// auto-patched, each becoming a blocking guard violation.
func (inf DepInference) enforcedViolations(guard depguard.Report) []string {
	if len(inf.MissingHighConf) == 0 {
		return nil
	}
	declared := map[string]bool{}
	for _, d := range guard.DeclaredFromDeps {
		declared[d] = true
	}
	for _, d := range guard.DeclaredFromRequirements {
		declared[d] = true
	}
	for _, d := range guard.AutoPatched {
		declared[d] = true
	}
	var violations []string
	for _, name := range inf.MissingHighConf {
		canonical := depguard.Canonicalize(name)
		if canonical == "" || depguard.IsStdlib(canonical) || declared[canonical] {
			continue
		}
		violations = append(violations, fmt.Sprintf("llm-inferred missing dependency '%s'", canonical))
	}
	return violations
}

func buildDepInferPrompt(m requirement.Manifest, guard depguard.Report) string {
	schemaHint := map[string]any{
		"python": map[string]any{
			"missing":  []map[string]string{{"name": "package", "reason": "why", "confidence": "high|medium|low"}},
			"mappings": []map[string]string{{"module": "module name", "package": "distribution", "confidence": "high|medium|low"}},
		},
		"node": map[string]any{"missing": []any{}},
		"apt":  map[string]any{"missing": []any{}},
	}
	declared := append(append([]string{}, guard.DeclaredFromDeps...), guard.DeclaredFromRequirements...)
	sort.Strings(declared)
	payload := map[string]any{
		"static_analysis": map[string]any{
			"declared":        declared,
			"required_static": guard.RequiredStatic,
		},
		"file_snippets": gatherFileSnippets(m),
	}
	schemaJSON, _ := json.MarshalIndent(schemaHint, "", "  ")
	payloadJSON, _ := json.MarshalIndent(payload, "", "  ")

	var b strings.Builder
	b.WriteString("You are a dependency auditor for vulnerable app bundles. ")
	b.WriteString("Given code snippets and static detector output, infer missing runtime dependencies.\n")
	b.WriteString("Only include packages that are NOT clearly declared. ")
	b.WriteString("If unsure, mark confidence as low. High confidence entries should only be used when the import clearly maps to a package. ")
	b.WriteString("Respond with strict JSON matching this schema; omit empty sections.\n\n")
	fmt.Fprintf(&b, "# Schema\n%s\n\n# Context\n%s\n", schemaJSON, payloadJSON)
	return b.String()
}

type fileSnippet struct {
	Path     string `json:"path"`
	Language string `json:"language"`
	Snippet  string `json:"snippet"`
}

func gatherFileSnippets(m requirement.Manifest) []fileSnippet {
	var snippets []fileSnippet
	for _, f := range m.Files {
		if len(snippets) >= depInferSnippetFiles {
			break
		}
		if f.Path == "" || f.Content == "" || f.Encoding == requirement.EncodingBase64 {
			continue
		}
		content := f.Content
		if len(content) > depInferSnippetChars {
			content = content[:depInferSnippetChars]
		}
		language := strings.TrimPrefix(filepath.Ext(f.Path), ".")
		if language == "" {
			language = "text"
		}
		snippets = append(snippets, fileSnippet{Path: f.Path, Language: language, Snippet: content})
	}
	return snippets
}

// parseLooseJSON parses raw as a JSON object, falling back to the first
// '{' ... last '}' substring.
func parseLooseJSON(raw string) map[string]any {
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err == nil {
		return data
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &data); err != nil {
		return nil
	}
	return data
}

// normalizeDepSuggestions accepts both bare-string and object entries in
// python.missing, canonicalizing names and deriving the enforce flag from
// confidence.
func normalizeDepSuggestions(pythonSection map[string]any) []DepSuggestion {
	if pythonSection == nil {
		return nil
	}
	missing, _ := pythonSection["missing"].([]any)
	var suggestions []DepSuggestion
	for _, entry := range missing {
		var name, reason, confidence, module string
		switch v := entry.(type) {
		case string:
			name, confidence = v, "high"
		case map[string]any:
			name = firstString(v, "name", "package", "dependency")
			reason = firstString(v, "reason", "detail")
			module = firstString(v, "module")
			confidence = strings.ToLower(firstString(v, "confidence"))
			if confidence == "" {
				confidence = "medium"
			}
		default:
			continue
		}
		canonical := depguard.Canonicalize(name)
		if canonical == "" {
			continue
		}
		suggestions = append(suggestions, DepSuggestion{
			Name: canonical, Reason: reason, Confidence: confidence, Module: module,
			Enforce: confidence == "high" || confidence == "certain",
		})
	}
	return suggestions
}

func firstString(obj map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := obj[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
