package synthesis

import (
	"regexp"
	"strings"

	"github.com/vulnforge/vulnforge/pkg/requirement"
)

// sqliPatterns are the cheap static signals scored for SQL-injection
// candidates; order matters only for iteration determinism so it's kept
// as a slice of name/pattern pairs.
var sqliPatterns = []struct {
	name    string
	pattern *regexp.Regexp
}{
	{"union_select", regexp.MustCompile(`(?i)UNION\s+SELECT`)},
	{"tautology_or", regexp.MustCompile(`(?i)'\s*OR\s*'1'='1`)},
	{"comment_truncation", regexp.MustCompile(`(?i)--\s*[\r\n]`)},
	{"concat_request", regexp.MustCompile(`(?i)request\.(args|get_json).*\+`)},
	{"sql_success_marker", regexp.MustCompile(`(?i)SQLi\s+SUCCESS`)},
}

var sqliKeywords = []string{"UNION SELECT", "SQLi SUCCESS", "' OR '1'='1", "OR 1=1"}

// StaticSignals is the static-analysis heuristic report attached to one
// candidate.
type StaticSignals struct {
	Signals       map[string]bool `json:"signals"`
	HitCount      int             `json:"hit_count"`
	Score         float64         `json:"score"`
	KeywordsFound []string        `json:"keywords_found"`
}

// analyzeStaticSignals scores a manifest's SQLi-shaped heuristics when the
// bundle targets CWE-89; other vuln ids get a zero-value report, matching
// the original's vuln-id gate (only SQLi has a static scorer today).
func analyzeStaticSignals(vulnID string, m requirement.Manifest) StaticSignals {
	if vulnID != "cwe-89" && vulnID != "sqli" {
		return StaticSignals{Signals: map[string]bool{}}
	}
	combined := collectText(m)
	signals := make(map[string]bool, len(sqliPatterns))
	hits := 0
	for _, p := range sqliPatterns {
		matched := p.pattern.MatchString(combined)
		signals[p.name] = matched
		if matched {
			hits++
		}
	}
	var found []string
	lower := strings.ToLower(combined)
	for _, k := range sqliKeywords {
		if strings.Contains(lower, strings.ToLower(k)) {
			found = append(found, k)
		}
	}
	score := float64(hits) / float64(len(sqliPatterns))
	return StaticSignals{Signals: signals, HitCount: hits, Score: roundTo(score, 3), KeywordsFound: found}
}

func collectText(m requirement.Manifest) string {
	var b strings.Builder
	for _, f := range m.Files {
		b.WriteString(f.Content)
		b.WriteString("\n")
	}
	b.WriteString(m.PoC.Cmd)
	b.WriteString("\n")
	b.WriteString(m.PoC.Notes)
	return b.String()
}
