package api

import "github.com/vulnforge/vulnforge/pkg/requirement"

// CreateRunRequest is the HTTP request body for POST /runs: the raw
// Requirement plus an opt-in flag for multi-vuln fan-out, as the wire
// shape ahead of normalization.
type CreateRunRequest struct {
	requirement.Requirement
}
