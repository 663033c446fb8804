package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/vulnforge/vulnforge/pkg/llm"
	"github.com/vulnforge/vulnforge/pkg/rules"
)

// Status is the verifier chain's verdict status enum.
type Status string

// Verdict statuses.
const (
	StatusEvaluated    Status = "evaluated"
	StatusEvaluatedLLM Status = "evaluated-llm"
	StatusSkipped      Status = "skipped"
	StatusLogMissing   Status = "log_missing"
	StatusUnsupported  Status = "unsupported"
	StatusLogError     Status = "log_error"
)

// Input bundles everything a Verifier needs to decide a verdict.
// WorkspaceDirs lists the bundle's materialized workspace roots for rule
// pattern checks; callers resolve them from the layout so the chain never
// guesses paths.
type Input struct {
	VulnID        string
	LogPath       string
	Requirement   map[string]any
	RunSummary    map[string]any
	WorkspaceDirs []string
	Policy        Policy
}

// Policy controls verifier decision order.
type Policy struct {
	PreferRule          bool
	StrictFlagDefault   bool
	RequireExitCodeZero bool
	LogExcerptChars     int
	LLMAssist           bool
}

// Verdict is the Verifier Chain's output shape.
type Verdict struct {
	VerifyPass   bool           `json:"verify_pass"`
	Evidence     string         `json:"evidence"`
	LogPath      string         `json:"log_path"`
	Status       Status         `json:"status"`
	Rule         string         `json:"rule,omitempty"`
	VerifierMeta VerifierMeta   `json:"verifier_meta"`
	LLM          *LLMAssistInfo `json:"llm,omitempty"`
}

// VerifierMeta records which verifier type produced the verdict.
type VerifierMeta struct {
	Type          string `json:"type"`
	RuleAvailable bool   `json:"rule_available"`
}

// LLMAssistInfo is the structured response from the LLM-assisted stage.
type LLMAssistInfo struct {
	VerifyPass         bool        `json:"verify_pass"`
	Confidence         float64     `json:"confidence"`
	Rationale          string      `json:"rationale"`
	ProposedAssertions []Assertion `json:"proposed_assertions"`
	ExtractedEvidence  []string    `json:"extracted_evidence"`
}

// Verifier decides a verdict for one Input.
type Verifier interface {
	Verify(ctx context.Context, in Input) (Verdict, error)
}

// Plugin is a lightweight CWE-specific matcher over log text, registered
// explicitly in Chain rather than discovered at import time (the same
// eager-registration style pkg/masking.NewMaskingService uses).
type Plugin interface {
	Matches(logText string) (bool, string)
}

// Chain composes RuleVerifier -> PluginVerifier -> LLMAssistedVerifier:
// prefer_rule picks whether the rule or a registered plugin is tried
// first; if the first choice is inconclusive, the other runs as fallback;
// LLM-assist is the last resort, gated on policy.LLMAssist.
type Chain struct {
	rules   *rules.Registry
	plugins map[string]Plugin
	llm     llm.Client
}

// NewChain builds a Chain. plugins maps a normalised CWE id ("cwe-89") to
// its Plugin, mirroring the original's CWE-keyed plugin registry.
func NewChain(registry *rules.Registry, plugins map[string]Plugin, client llm.Client) *Chain {
	if plugins == nil {
		plugins = map[string]Plugin{}
	}
	return &Chain{rules: registry, plugins: plugins, llm: client}
}

// Verify runs the full decision chain for in.
func (c *Chain) Verify(ctx context.Context, in Input) (Verdict, error) {
	logBytes, err := os.ReadFile(in.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Verdict{VerifyPass: false, Evidence: "log file not found", LogPath: in.LogPath, Status: StatusLogMissing}, nil
		}
		return Verdict{VerifyPass: false, Evidence: fmt.Sprintf("failed to read log: %v", err), LogPath: in.LogPath, Status: StatusLogError}, nil
	}
	logText := string(logBytes)

	rule, err := c.rules.Load(in.VulnID)
	if err != nil {
		return Verdict{}, err
	}
	hasRule := rule.CWE != ""
	plugin, hasPlugin := c.plugins[rules.Normalize(in.VulnID)]

	var verdict Verdict
	tryRuleFirst := in.Policy.PreferRule || !hasPlugin

	if tryRuleFirst && hasRule {
		verdict = c.verifyRule(rule, logText, in)
		if !verdict.VerifyPass && hasPlugin {
			if ok, evidence := plugin.Matches(logText); ok {
				verdict = Verdict{VerifyPass: true, Evidence: evidence, LogPath: in.LogPath, Status: StatusEvaluated,
					Rule: rule.CWE, VerifierMeta: VerifierMeta{Type: "plugin", RuleAvailable: true}}
			}
		}
	} else if hasPlugin {
		if ok, evidence := plugin.Matches(logText); ok {
			verdict = Verdict{VerifyPass: true, Evidence: evidence, LogPath: in.LogPath, Status: StatusEvaluated,
				Rule: rule.CWE, VerifierMeta: VerifierMeta{Type: "plugin", RuleAvailable: hasRule}}
		} else if hasRule {
			verdict = c.verifyRule(rule, logText, in)
		}
	} else if hasRule {
		verdict = c.verifyRule(rule, logText, in)
	} else {
		verdict = Verdict{VerifyPass: false, Evidence: fmt.Sprintf("no rule or plugin registered for %s", in.VulnID),
			LogPath: in.LogPath, Status: StatusUnsupported, VerifierMeta: VerifierMeta{Type: "none"}}
	}

	if !verdict.VerifyPass && in.Policy.LLMAssist && c.llm != nil {
		return c.verifyWithLLM(ctx, verdict, logText, in)
	}
	return verdict, nil
}

// verifyRule evaluates sources in priority order: the structured summary
// (run summary or the log's summary.json sibling), then JSON objects
// embedded in the log, then raw text markers. The exit-code policy can
// override a pass; workspace pattern hits are recorded as evidence.
func (c *Chain) verifyRule(rule rules.Rule, logText string, in Input) Verdict {
	var evidence []string
	summary := summaryData(in)

	success := false
	structHit := false
	if len(summary) > 0 {
		if ok, structEvidence := evaluateJSONStructs(rule, []map[string]any{summary}); ok {
			success, structHit = true, true
			evidence = append(evidence, structEvidence...)
		}
	}
	if !structHit {
		if ok, jsonEvidence := evaluateJSONText(rule, logText); ok {
			success = true
			evidence = append(evidence, jsonEvidence...)
		}
	}
	if !success {
		ok, textEvidence := evaluateTextMarkers(rule, logText, in.Policy)
		success = ok
		evidence = append(evidence, textEvidence...)
	}

	var exitEvidence []string
	success, exitEvidence = applyExitPolicy(success, summary, in.Policy)
	evidence = append(evidence, exitEvidence...)
	evidence = append(evidence, evaluatePatterns(rule, in.WorkspaceDirs)...)

	if len(evidence) == 0 {
		evidence = append(evidence, "Signature missing")
	}

	return Verdict{
		VerifyPass: success, Evidence: strings.Join(evidence, ", "), LogPath: in.LogPath,
		Status: StatusEvaluated, Rule: rule.CWE,
		VerifierMeta: VerifierMeta{Type: "rule", RuleAvailable: true},
	}
}

func (c *Chain) verifyWithLLM(ctx context.Context, prior Verdict, logText string, in Input) (Verdict, error) {
	excerptChars := in.Policy.LogExcerptChars
	if excerptChars <= 0 {
		excerptChars = 4000
	}
	excerpt := logText
	if len(excerpt) > excerptChars {
		excerpt = excerpt[len(excerpt)-excerptChars:]
	}

	prompt := fmt.Sprintf(
		"Vuln: %s\nRequirement: %v\nRunSummary: %v\nLog excerpt:\n%s\n\nRespond with strict JSON: "+
			`{"verify_pass":bool,"confidence":float,"rationale":string,"proposed_assertions":[],"extracted_evidence":[]}`,
		in.VulnID, in.Requirement, in.RunSummary, excerpt,
	)
	raw, err := c.llm.Complete(ctx, prompt, 0)
	if err != nil {
		return prior, fmt.Errorf("verifier: llm-assist request: %w", err)
	}

	var info LLMAssistInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		prior.Status = StatusEvaluatedLLM
		prior.Evidence += "; llm-assist response unparsable, falling back to prior verdict"
		return prior, nil
	}

	assertionsPass, _ := RunAssertions(logText, info.ProposedAssertions)
	finalPass := info.VerifyPass && assertionsPass

	return Verdict{
		VerifyPass: finalPass, Evidence: info.Rationale, LogPath: in.LogPath,
		Status: StatusEvaluatedLLM, Rule: prior.Rule,
		VerifierMeta: VerifierMeta{Type: "llm-assist", RuleAvailable: prior.VerifierMeta.RuleAvailable},
		LLM:          &info,
	}, nil
}
