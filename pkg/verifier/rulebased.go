package verifier

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vulnforge/vulnforge/pkg/rules"
)

// defaultFlagMarker satisfies a non-strict flag check when the rule's
// exact token is absent from the log.
const defaultFlagMarker = "FLAG"

// summaryData resolves the structured source for rule evaluation: the
// caller-provided run summary when present, otherwise the summary.json
// sibling of the run log.
func summaryData(in Input) map[string]any {
	if len(in.RunSummary) > 0 {
		return in.RunSummary
	}
	siblingPath := filepath.Join(filepath.Dir(in.LogPath), "summary.json")
	data, err := os.ReadFile(siblingPath)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// evaluateTextMarkers scans the raw log for the rule's success signature
// and flag token. When both are declared, both must hit.
func evaluateTextMarkers(rule rules.Rule, logText string, policy Policy) (bool, []string) {
	var evidence []string
	signature := strings.TrimSpace(rule.SuccessSignature)
	flagToken := strings.TrimSpace(rule.FlagToken)
	strictFlag := rule.StrictFlag || policy.StrictFlagDefault

	sigHit := signature != "" && strings.Contains(logText, signature)
	if sigHit {
		evidence = append(evidence, "Found signature: "+signature)
	}
	flagHit := matchFlagToken(flagToken, logText, strictFlag)
	if flagHit {
		marker := flagToken
		if marker == "" {
			marker = defaultFlagMarker
		}
		evidence = append(evidence, "Found flag token: "+marker)
	}

	var success bool
	switch {
	case signature != "" && flagToken != "":
		success = sigHit && flagHit
	case signature != "":
		success = sigHit
	case flagToken != "":
		success = flagHit
	}
	return success, evidence
}

func matchFlagToken(flagToken, logText string, strict bool) bool {
	if flagToken != "" {
		if strict {
			return strings.Contains(logText, flagToken)
		}
		return strings.Contains(logText, flagToken) || strings.Contains(logText, defaultFlagMarker)
	}
	if strict {
		return false
	}
	return strings.Contains(logText, defaultFlagMarker)
}

// evaluateJSONText extracts every balanced top-level JSON object embedded
// in the log and evaluates them newest-first against the rule's JSON
// output config.
func evaluateJSONText(rule rules.Rule, logText string) (bool, []string) {
	if rule.Output != nil {
		format := strings.ToLower(strings.TrimSpace(rule.Output.Format))
		if format != "" && format != "json" && format != "auto" {
			return false, nil
		}
	}
	objects := extractJSONObjects(logText)
	// Newest output wins: the last object a PoC prints reflects its final
	// state.
	for i, j := 0, len(objects)-1; i < j; i, j = i+1, j-1 {
		objects[i], objects[j] = objects[j], objects[i]
	}
	return evaluateJSONStructs(rule, objects)
}

// evaluateJSONStructs checks each structured object against the rule's
// output.json success/flag keys; the first matching object decides.
func evaluateJSONStructs(rule rules.Rule, objects []map[string]any) (bool, []string) {
	if rule.Output == nil || rule.Output.JSON == nil {
		return false, nil
	}
	cfg := rule.Output.JSON
	if cfg.SuccessKey == "" && cfg.FlagKey == "" {
		return false, nil
	}
	flagToken := strings.TrimSpace(rule.FlagToken)
	for _, obj := range objects {
		if ok, evidence := evaluateJSONObject(obj, cfg, flagToken); ok {
			return true, evidence
		}
	}
	return false, nil
}

func evaluateJSONObject(obj map[string]any, cfg *rules.JSONOutput, flagToken string) (bool, []string) {
	var evidence []string

	successHit := jsonSuccessMatch(obj, cfg.SuccessKey, cfg.SuccessValue)
	if cfg.SuccessKey != "" && !successHit {
		return false, nil
	}
	if cfg.SuccessKey != "" && successHit {
		evidence = append(evidence, fmt.Sprintf("JSON %s=%v", cfg.SuccessKey, obj[cfg.SuccessKey]))
	}

	flagHit := jsonFlagMatch(obj, cfg.FlagKey, flagToken)
	if cfg.FlagKey != "" && !flagHit {
		return false, nil
	}
	if cfg.FlagKey != "" && flagHit {
		evidence = append(evidence, fmt.Sprintf("JSON %s matched", cfg.FlagKey))
	}

	return len(evidence) > 0, evidence
}

// jsonSuccessMatch compares obj[key] to the configured success value; an
// empty configured value means any truthy value passes.
func jsonSuccessMatch(obj map[string]any, key, expected string) bool {
	if key == "" {
		return false
	}
	value, ok := obj[key]
	if !ok {
		return false
	}
	if expected == "" {
		return truthy(value)
	}
	return fmt.Sprint(value) == expected
}

func jsonFlagMatch(obj map[string]any, key, token string) bool {
	if key == "" {
		return false
	}
	value, ok := obj[key]
	if !ok {
		return false
	}
	if token != "" {
		return fmt.Sprint(value) == token
	}
	if s, isString := value.(string); isString {
		return strings.Contains(s, defaultFlagMarker)
	}
	return truthy(value)
}

func truthy(v any) bool {
	switch value := v.(type) {
	case nil:
		return false
	case bool:
		return value
	case string:
		return value != ""
	case float64:
		return value != 0
	default:
		return true
	}
}

// extractJSONObjects returns every balanced top-level {...} snippet in
// text that parses as a JSON object, in order of appearance.
func extractJSONObjects(text string) []map[string]any {
	var objects []map[string]any
	depth := 0
	start := -1
	for i, ch := range text {
		switch ch {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				var obj map[string]any
				if err := json.Unmarshal([]byte(text[start:i+1]), &obj); err == nil {
					objects = append(objects, obj)
				}
				start = -1
			}
		}
	}
	return objects
}

// applyExitPolicy overrides a success verdict when the policy requires a
// zero exit code and the structured summary reports otherwise.
func applyExitPolicy(success bool, summary map[string]any, policy Policy) (bool, []string) {
	if !policy.RequireExitCodeZero || len(summary) == 0 {
		return success, nil
	}
	value, ok := summary["exit_code"]
	if !ok || value == nil {
		return success, nil
	}
	if code, isNumber := value.(float64); isNumber && code != 0 {
		return false, []string{fmt.Sprintf("exit_code=%v (expected 0)", code)}
	}
	return success, nil
}

// evaluatePatterns records which rule workspace patterns actually hold in
// the materialized bundle. Pattern hits are evidence, not gates: a
// missing pattern never flips an otherwise-passing verdict.
func evaluatePatterns(rule rules.Rule, workspaceDirs []string) []string {
	if len(rule.Patterns) == 0 || len(workspaceDirs) == 0 {
		return nil
	}
	var evidence []string
	for _, pattern := range rule.Patterns {
		needle := pattern.Contains
		if needle == "" {
			continue
		}
		var relPath string
		switch strings.ToLower(strings.TrimSpace(pattern.Type)) {
		case "file_contains":
			if pattern.Path == "" {
				continue
			}
			relPath = pattern.Path
		case "poc_contains":
			relPath = pattern.Path
			if relPath == "" {
				relPath = "poc.py"
			}
		default:
			continue
		}
		if workspaceContains(workspaceDirs, relPath, needle) {
			evidence = append(evidence, fmt.Sprintf("%s contains '%s'", relPath, needle))
		}
	}
	return evidence
}

func workspaceContains(workspaceDirs []string, relPath, needle string) bool {
	for _, dir := range workspaceDirs {
		data, err := os.ReadFile(filepath.Join(dir, relPath))
		if err != nil {
			continue
		}
		if strings.Contains(string(data), needle) {
			return true
		}
	}
	return false
}
