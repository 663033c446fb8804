// Package verifier implements the rule → plugin → LLM-assisted verdict
// chain that decides whether a PoC actually triggered its vulnerability.
package verifier

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Assertion is one entry in an LLM-assist proposed_assertions[] program.
type Assertion struct {
	Op            string   `json:"op"`
	Pattern       string   `json:"pattern,omitempty"`
	String        string   `json:"string,omitempty"`
	Flags         []string `json:"flags,omitempty"`
	PatternBefore string   `json:"pattern_before,omitempty"`
	PatternAfter  string   `json:"pattern_after,omitempty"`
	Comparator    string   `json:"comparator,omitempty"`
	Delta         float64  `json:"delta,omitempty"`
}

// AssertionOutcome is the per-assertion verdict.
type AssertionOutcome struct {
	Success bool   `json:"success"`
	Op      string `json:"op"`
	Details string `json:"details"`
}

// RunAssertions evaluates every assertion in program against logText,
// returning the conjunction of all outcomes (an empty program succeeds
// vacuously, per the original's `if not program: return True, []`).
func RunAssertions(logText string, program []Assertion) (bool, []AssertionOutcome) {
	if len(program) == 0 {
		return true, nil
	}
	overall := true
	outcomes := make([]AssertionOutcome, 0, len(program))
	for _, a := range program {
		op := strings.ToLower(a.Op)
		var success bool
		var details string
		switch op {
		case "regex_contains":
			success, details = assertRegexContains(logText, a)
		case "contains":
			success, details = assertContains(logText, a)
		case "not_contains":
			success, details = assertNotContains(logText, a)
		case "number_delta":
			success, details = assertNumberDelta(logText, a)
		default:
			success, details = false, "unsupported assertion"
			if op == "" {
				op = "unknown"
			}
		}
		outcomes = append(outcomes, AssertionOutcome{Success: success, Op: op, Details: details})
		if !success {
			overall = false
		}
	}
	return overall, outcomes
}

func regexFlags(flags []string) (caseInsensitive, multiline, dotall bool) {
	for _, f := range flags {
		switch f {
		case "i":
			caseInsensitive = true
		case "m":
			multiline = true
		case "s":
			dotall = true
		}
	}
	return
}

func compile(pattern string, flags []string) (*regexp.Regexp, error) {
	ci, ml, dotall := regexFlags(flags)
	prefix := ""
	if ci {
		prefix += "i"
	}
	if ml {
		prefix += "m"
	}
	if dotall {
		prefix += "s"
	}
	if prefix != "" {
		pattern = "(?" + prefix + ")" + pattern
	}
	return regexp.Compile(pattern)
}

func assertRegexContains(logText string, a Assertion) (bool, string) {
	if a.Pattern == "" {
		return false, "missing regex pattern"
	}
	re, err := compile(a.Pattern, a.Flags)
	if err != nil {
		return false, fmt.Sprintf("invalid pattern: %v", err)
	}
	found := re.MatchString(logText)
	state := "missing"
	if found {
		state = "found"
	}
	return found, fmt.Sprintf("pattern=%s: %s", state, a.Pattern)
}

func needle(a Assertion) string {
	if a.String != "" {
		return a.String
	}
	return a.Pattern
}

func assertContains(logText string, a Assertion) (bool, string) {
	n := needle(a)
	if n == "" {
		return false, "missing substring"
	}
	success := strings.Contains(logText, n)
	state := "missing"
	if success {
		state = "found"
	}
	return success, fmt.Sprintf("substring=%s", state)
}

func assertNotContains(logText string, a Assertion) (bool, string) {
	n := needle(a)
	if n == "" {
		return false, "missing substring"
	}
	success := !strings.Contains(logText, n)
	state := "present"
	if success {
		state = "absent"
	}
	return success, fmt.Sprintf("substring=%s", state)
}

var numericRE = regexp.MustCompile(`[-+]?[0-9]*\.?[0-9]+`)

func extractNumeric(pattern, logText string, flags []string) (float64, bool) {
	re, err := compile(pattern, flags)
	if err != nil {
		return 0, false
	}
	match := re.FindStringSubmatch(logText)
	if match == nil {
		return 0, false
	}
	for _, group := range match[1:] {
		if group != "" && numericRE.MatchString(group) {
			if v, err := strconv.ParseFloat(group, 64); err == nil {
				return v, true
			}
		}
	}
	if v, err := strconv.ParseFloat(match[0], 64); err == nil {
		return v, true
	}
	return 0, false
}

func assertNumberDelta(logText string, a Assertion) (bool, string) {
	if a.PatternBefore == "" || a.PatternAfter == "" {
		return false, "number_delta requires pattern_before/pattern_after"
	}
	before, ok1 := extractNumeric(a.PatternBefore, logText, a.Flags)
	after, ok2 := extractNumeric(a.PatternAfter, logText, a.Flags)
	if !ok1 || !ok2 {
		return false, "unable to parse numeric values"
	}
	delta := after - before
	comparator := strings.ToLower(a.Comparator)
	if comparator == "" {
		comparator = "eq"
	}
	var success bool
	switch comparator {
	case "lt":
		success = delta < a.Delta
	case "gt":
		success = delta > a.Delta
	default:
		success = delta == a.Delta
	}
	return success, fmt.Sprintf("delta=%v comparator=%s target=%v", delta, comparator, a.Delta)
}
