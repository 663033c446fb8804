package synthesis

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/vulnforge/vulnforge/pkg/requirement"
	"github.com/vulnforge/vulnforge/pkg/rules"
)

// guardManifest runs the manifest-shape checks not already covered by
// pkg/depguard: file count/allowlist/size limits, PoC completeness and
// signature/flag requirements, and rule-declared file/poc content patterns.
func (e *Engine) guardManifest(m requirement.Manifest, rule rules.Rule, vulnID string) []string {
	var errors []string

	if len(m.Files) == 0 {
		return []string{"files array missing"}
	}
	if len(m.Files) > e.limits.MaxFiles {
		errors = append(errors, fmt.Sprintf("files exceeds limit (%d/%d)", len(m.Files), e.limits.MaxFiles))
	}

	for _, f := range m.Files {
		if f.Path == "" || filepath.IsAbs(f.Path) || strings.Contains(f.Path, "..") {
			errors = append(errors, fmt.Sprintf("invalid path: %s", f.Path))
			continue
		}
		if len(e.limits.Allowlist) > 0 && !pathInAllowlist(f.Path, e.limits.Allowlist) {
			errors = append(errors, fmt.Sprintf("path '%s' not in allowlist", f.Path))
		}
		if len(f.Content) > e.limits.MaxBytesPerFile {
			errors = append(errors, fmt.Sprintf("%s exceeds byte limit (%d)", f.Path, len(f.Content)))
		}
		if !f.Valid() {
			errors = append(errors, fmt.Sprintf("%s has unknown encoding", f.Path))
		}
	}

	if m.PoC.Cmd == "" || m.PoC.SuccessSignature == "" {
		errors = append(errors, "poc section incomplete")
	} else {
		expectedSignature := rule.SuccessSignature
		if expectedSignature == "" {
			expectedSignature = defaultSuccessSignatures[vulnID]
		}
		if expectedSignature != "" && !strings.Contains(m.PoC.SuccessSignature, expectedSignature) {
			errors = append(errors, fmt.Sprintf("success_signature must include '%s'", expectedSignature))
		}
		expectedFlag := rule.FlagToken
		if expectedFlag == "" {
			expectedFlag = defaultFlagTokens[vulnID]
		}
		if rule.StrictFlag && expectedFlag != "" && !manifestContainsLiteral(m, expectedFlag) {
			errors = append(errors, fmt.Sprintf("flag token '%s' missing from manifest", expectedFlag))
		}
	}

	if len(m.PatternTags) == 0 {
		errors = append(errors, "pattern_tags required")
	}

	for _, p := range rule.Patterns {
		switch strings.ToLower(p.Type) {
		case "file_contains":
			if p.Path != "" && p.Contains != "" && !fileContains(m, p.Path, p.Contains) {
				errors = append(errors, fmt.Sprintf("rule violation: file %s missing '%s'", p.Path, p.Contains))
			}
		case "poc_contains":
			if p.Contains != "" && !strings.Contains(pocSourceOf(m), p.Contains) {
				errors = append(errors, fmt.Sprintf("rule violation: poc missing '%s'", p.Contains))
			}
		}
	}

	return errors
}

func pathInAllowlist(path string, allowlist []string) bool {
	for _, pattern := range allowlist {
		if ok, _ := filepath.Match(pattern, path); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, filepath.Base(path)); ok {
			return true
		}
	}
	return false
}

func manifestContainsLiteral(m requirement.Manifest, literal string) bool {
	if strings.Contains(m.PoC.Cmd, literal) || strings.Contains(m.PoC.SuccessSignature, literal) || strings.Contains(m.PoC.FlagToken, literal) {
		return true
	}
	for _, f := range m.Files {
		if strings.Contains(f.Content, literal) {
			return true
		}
	}
	return false
}

func fileContains(m requirement.Manifest, path, needle string) bool {
	f, ok := m.FindFile(path)
	if !ok {
		return false
	}
	return strings.Contains(f.Content, needle)
}

func pocSourceOf(m requirement.Manifest) string {
	f, ok := m.FindFile("poc.py")
	if !ok {
		return ""
	}
	return f.Content
}
