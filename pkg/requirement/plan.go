package requirement

import "time"

// RunMatrix holds the derived per-bundle fan-out for a Plan.
type RunMatrix struct {
	VulnBundles []VulnBundle `json:"vuln_bundles"`
}

// PlanPolicy groups the loop/executor/verifier policies carried by a Plan.
type PlanPolicy struct {
	Loop                 LoopPolicy     `json:"loop"`
	Executor             ExecutorPolicy `json:"executor"`
	Verifier             VerifierPolicy `json:"verifier"`
	AllowIntentionalVuln bool           `json:"allow_intentional_vuln"`
}

// Plan is the persistent, immutable-after-creation projection of a
// normalized requirement.
type Plan struct {
	SID            string        `json:"sid"`
	Requirement    Requirement   `json:"requirement"`
	VariationKey   VariationKey  `json:"variation_key"`
	Policy         PlanPolicy    `json:"policy"`
	EffectiveVulns []string      `json:"effective_vuln_ids"`
	RunMatrix      RunMatrix     `json:"run_matrix"`
	Warnings       []string      `json:"warnings,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// NewPlan builds the immutable Plan from a SID and a requirement
// normalization. It is the sole constructor used by the PLAN stage.
func NewPlan(sid string, norm Normalization, variation VariationKey, now time.Time) Plan {
	return Plan{
		SID:            sid,
		Requirement:    norm.Requirement,
		VariationKey:   variation,
		EffectiveVulns: norm.EffectiveVulnIDs,
		RunMatrix:      RunMatrix{VulnBundles: norm.Bundles},
		Warnings:       norm.Warnings,
		CreatedAt:      now,
		Policy: PlanPolicy{
			Loop:     norm.Requirement.Loop,
			Executor: norm.ExecutorPolicy,
			Verifier: norm.Requirement.Verifier,
		},
	}
}

// IsMultiVuln reports whether this plan spans more than one vuln bundle.
func (p Plan) IsMultiVuln() bool {
	return len(p.RunMatrix.VulnBundles) > 1
}

// BundleRequirement returns a copy of the plan's requirement scoped to a
// single bundle (vuln_id/vuln_ids narrowed to that bundle).
func (p Plan) BundleRequirement(bundle VulnBundle) Requirement {
	scoped := p.Requirement
	scoped.VulnID = bundle.VulnID
	scoped.VulnIDs = []string{bundle.VulnID}
	return scoped
}
