package synthesis

import (
	"fmt"
	"strings"

	"github.com/vulnforge/vulnforge/pkg/requirement"
)

// buildPrompt composes the single text prompt sent to the LLM collaborator
// for one candidate, folding in the requirement, RAG context, prior-loop
// hints/failure context, and the guard limits, collapsed to one string
// since pkg/llm.Client is single-prompt, not chat-message based; see
// DESIGN.md.
func buildPrompt(req requirement.Requirement, ragContext, hints, failureContext string, limits requirement.SynthesisLimits, candidateIndex int, template PoCTemplate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generate candidate #%d: a vulnerable %s application targeting %s.\n", candidateIndex, req.Language, req.VulnID)
	if req.Framework != "" {
		fmt.Fprintf(&b, "Framework: %s\n", req.Framework)
	}
	fmt.Fprintf(&b, "Runtime: %s (db=%s)\n", req.Runtime.Language, req.Runtime.DB)
	fmt.Fprintf(&b, "Output a JSON manifest with fields: intent, pattern_tags, files, deps, build, run, poc, notes.\n")
	fmt.Fprintf(&b, "Files must stay within %d entries, each under %d bytes, matching one of: %s\n",
		limits.MaxFiles, limits.MaxBytesPerFile, strings.Join(limits.Allowlist, ", "))
	fmt.Fprintf(&b, "poc.success_signature must contain %q; on success also emit %q.\n", template.SuccessSignature, template.FlagToken)
	if ragContext != "" {
		fmt.Fprintf(&b, "\nPrior-pattern context:\n%s\n", ragContext)
	}
	if hints != "" {
		fmt.Fprintf(&b, "\nReviewer hints:\n%s\n", hints)
	}
	if failureContext != "" {
		fmt.Fprintf(&b, "\nPrior failures to avoid:\n%s\n", failureContext)
	}
	return b.String()
}
