// Package requirement models the user-supplied Requirement, its normalized
// Plan projection, and the Vuln Bundle / Variation Key value types shared
// across agents, the executor, and the verifier chain.
package requirement

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// GeneratorMode selects how the Synthesis Engine produces a bundle's files.
type GeneratorMode string

// Generator modes.
const (
	ModeTemplate  GeneratorMode = "template"
	ModeSynthesis GeneratorMode = "synthesis"
	ModeHybrid    GeneratorMode = "hybrid"
)

// ErrNoVulnID is returned by Normalize when neither vuln_id nor vuln_ids
// resolves to at least one identifier.
var ErrNoVulnID = errors.New("requirement: at least one vuln id is required")

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// SlugifyVulnID returns a workspace-safe slug for a vuln identifier.
func SlugifyVulnID(id string) string {
	slug := nonAlnum.ReplaceAllString(strings.ToLower(id), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "vuln"
	}
	return slug
}

// Sidecar describes an auxiliary container (typically a database) a bundle
// needs at run time.
type Sidecar struct {
	Name        string            `json:"name" yaml:"name"`
	Image       string            `json:"image" yaml:"image"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Aliases     []string          `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	NetworkMode string            `json:"network_mode,omitempty" yaml:"network_mode,omitempty"`
	ReadyProbe  ReadyProbe        `json:"ready_probe,omitempty" yaml:"ready_probe,omitempty"`
}

// ReadyProbe describes how the executor waits for a sidecar to be usable.
type ReadyProbe struct {
	Type     string `json:"type,omitempty" yaml:"type,omitempty"` // "mysql" | "wait_seconds"
	Retries  int    `json:"retries,omitempty" yaml:"retries,omitempty"`
	Interval int    `json:"interval_seconds,omitempty" yaml:"interval_seconds,omitempty"`
	Seconds  int    `json:"seconds,omitempty" yaml:"seconds,omitempty"` // for wait_seconds
}

// ExecutorPolicy governs network/sidecar/failure behaviour for a run.
type ExecutorPolicy struct {
	AllowNetwork        bool      `json:"allow_network"`
	NetworkMode         string    `json:"network_mode"`
	NetworkName         string    `json:"network_name,omitempty"`
	Sidecars            []Sidecar `json:"sidecars,omitempty"`
	StopOnFirstFailure  bool      `json:"stop_on_first_failure"`
	PoCPayloads         []string  `json:"poc_payloads,omitempty"`
}

// RuntimeConfig describes the target language/framework/database runtime.
type RuntimeConfig struct {
	Language        string `json:"language"`
	Framework       string `json:"framework,omitempty"`
	LanguageVersion string `json:"language_version,omitempty"`
	DB              string `json:"db,omitempty"` // "sqlite" | "mysql" | "postgres" | ""
	AllowExternalDB bool   `json:"allow_external_db"`
}

// DepGuardPolicy configures Dependency Guard behaviour for a requirement.
type DepGuardPolicy struct {
	AutoPatch bool `json:"auto_patch"`
	LLMAssist bool `json:"llm_assist"`
}

// VerifierPolicy configures the Verifier Chain's decision order and limits.
type VerifierPolicy struct {
	PreferRule      bool `json:"prefer_rule"`
	LLMAssist       bool `json:"llm_assist"`
	LogExcerptChars int  `json:"log_excerpt_chars"`
}

// LoopPolicy bounds the Loop Controller's retry budget for a SID.
type LoopPolicy struct {
	MaxLoops int `json:"max_loops"`
}

// SynthesisLimits bound the Synthesis Engine's candidate output.
type SynthesisLimits struct {
	MaxFiles        int      `json:"max_files"`
	MaxBytesPerFile int      `json:"max_bytes_per_file"`
	Allowlist       []string `json:"allowlist,omitempty"`
}

// DefaultSynthesisLimits mirrors the original implementation's defaults.
func DefaultSynthesisLimits() SynthesisLimits {
	return SynthesisLimits{
		MaxFiles:        12,
		MaxBytesPerFile: 64_000,
		Allowlist: []string{
			"Dockerfile", "app.py", "poc.py", "requirements.txt",
			"schema.sql", "seed_data.sql", "README.md",
			"*.py", "*.sql", "requirements*.txt", "poc.*",
		},
	}
}

// Requirement is the user-supplied, declarative input to the pipeline.
type Requirement struct {
	VulnID          string            `json:"vuln_id,omitempty"`
	VulnIDs         []string          `json:"vuln_ids,omitempty"`
	MultiVuln       bool              `json:"multi_vuln"`
	Language        string            `json:"language"`
	Framework       string            `json:"framework,omitempty"`
	Runtime         RuntimeConfig     `json:"runtime"`
	ModelVersion    string            `json:"model_version,omitempty"`
	Seed            string            `json:"seed,omitempty"`
	Snapshot        string            `json:"corpus_snapshot,omitempty"`
	PatternID       string            `json:"pattern_id,omitempty"`
	GeneratorMode   GeneratorMode     `json:"generator_mode"`
	UserDeps        []string          `json:"user_deps,omitempty"`
	SynthesisLimits SynthesisLimits   `json:"synthesis_limits,omitempty"`
	DepGuard        DepGuardPolicy    `json:"dep_guard,omitempty"`
	Verifier        VerifierPolicy    `json:"verifier,omitempty"`
	Loop            LoopPolicy        `json:"loop,omitempty"`
	Executor         ExecutorPolicyIn `json:"executor,omitempty"`
	VariationKeyRaw map[string]any    `json:"variation_key,omitempty"`
	AllowIntentionalVuln bool         `json:"allow_intentional_vuln,omitempty"`
}

// ExecutorPolicyIn is the wire-shape of the requirement's executor policy
// before defaulting; Normalize folds it into ExecutorPolicy.
type ExecutorPolicyIn struct {
	AllowNetwork       bool      `json:"allow_network,omitempty"`
	NetworkMode        string    `json:"network_mode,omitempty"`
	NetworkName        string    `json:"network_name,omitempty"`
	Sidecars           []Sidecar `json:"sidecars,omitempty"`
	StopOnFirstFailure bool      `json:"stop_on_first_failure,omitempty"`
	PoCPayloads        []string  `json:"poc_payloads,omitempty"`
}

// VulnBundle is the per-vuln unit within a SID: workspace + metadata +
// artefacts.
type VulnBundle struct {
	VulnID          string `json:"vuln_id"`
	Slug            string `json:"slug"`
	WorkspaceSubdir string `json:"workspace_subdir"`
}

// Normalization is the result of normalizing a raw Requirement.
type Normalization struct {
	Requirement      Requirement
	RequestedVulnIDs []string
	EffectiveVulnIDs []string
	MultiVuln        bool
	VulnIDsDigest    string
	Warnings         []string
	IgnoredVulnIDs   []string
	Bundles          []VulnBundle
	ExecutorPolicy   ExecutorPolicy
}

// Normalize reconciles vuln_id/vuln_ids, derives the effective vuln id list
// and vuln bundles, and defaults the executor policy.
func Normalize(req Requirement, multiVulnOptIn bool) (Normalization, error) {
	requested := extractVulnIDs(req)
	if len(requested) == 0 {
		return Normalization{}, ErrNoVulnID
	}

	multiVuln := (req.MultiVuln || multiVulnOptIn) && len(requested) > 1
	var warnings []string
	var ignored []string
	if !multiVuln && len(requested) > 1 {
		ignored = requested[1:]
		warnings = append(warnings, "multi_vuln disabled; ignoring additional vuln_ids: "+strings.Join(ignored, ", "))
	}

	effective := requested
	if !multiVuln {
		effective = requested[:1]
	}

	out := req
	out.VulnID = effective[0]
	out.VulnIDs = effective
	out.MultiVuln = multiVuln
	if out.GeneratorMode == "" {
		out.GeneratorMode = ModeTemplate
	}

	var digest string
	if multiVuln {
		sorted := append([]string(nil), effective...)
		sort.Strings(sorted)
		sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
		digest = hex.EncodeToString(sum[:])
	}

	singleBundle := len(effective) == 1
	bundles := make([]VulnBundle, 0, len(effective))
	for _, vid := range effective {
		slug := SlugifyVulnID(vid)
		subdir := "app"
		if !singleBundle {
			subdir = fmt.Sprintf("app/%s", slug)
		}
		bundles = append(bundles, VulnBundle{VulnID: vid, Slug: slug, WorkspaceSubdir: subdir})
	}

	return Normalization{
		Requirement:      out,
		RequestedVulnIDs: requested,
		EffectiveVulnIDs: effective,
		MultiVuln:        multiVuln,
		VulnIDsDigest:    digest,
		Warnings:         warnings,
		IgnoredVulnIDs:   ignored,
		Bundles:          bundles,
		ExecutorPolicy:   normalizeExecutorPolicy(req.Executor),
	}, nil
}

func normalizeExecutorPolicy(in ExecutorPolicyIn) ExecutorPolicy {
	mode := in.NetworkMode
	if mode == "" {
		if in.AllowNetwork {
			mode = "bridge"
		} else {
			mode = "none"
		}
	}
	return ExecutorPolicy{
		AllowNetwork:       in.AllowNetwork,
		NetworkMode:        mode,
		NetworkName:        in.NetworkName,
		Sidecars:           in.Sidecars,
		StopOnFirstFailure: in.StopOnFirstFailure,
		PoCPayloads:        in.PoCPayloads,
	}
}

func extractVulnIDs(req Requirement) []string {
	var declared []string
	seen := make(map[string]bool)
	for _, entry := range req.VulnIDs {
		id := coerceIdentifier(entry)
		if id != "" && !seen[id] {
			declared = append(declared, id)
			seen[id] = true
		}
	}
	primary := coerceIdentifier(req.VulnID)
	if primary != "" {
		// Move primary to front, de-duplicating.
		filtered := declared[:0:0]
		for _, id := range declared {
			if id != primary {
				filtered = append(filtered, id)
			}
		}
		declared = append([]string{primary}, filtered...)
	}
	return declared
}

func coerceIdentifier(value string) string {
	cleaned := strings.TrimSpace(value)
	if cleaned == "" {
		return ""
	}
	return strings.ToUpper(strings.ReplaceAll(cleaned, " ", ""))
}
