package api

import "time"

// RunCreatedResponse is returned by POST /runs.
type RunCreatedResponse struct {
	SID      string   `json:"sid"`
	Status   string   `json:"status"`
	VulnIDs  []string `json:"vuln_ids"`
	Warnings []string `json:"warnings,omitempty"`
}

// RunResponse is returned by GET /runs/:sid.
type RunResponse struct {
	SID         string     `json:"sid"`
	State       string     `json:"state"`
	Status      string     `json:"status"`
	CurrentLoop int        `json:"current_loop"`
	MaxLoops    int         `json:"max_loops"`
	LastResult  string      `json:"last_result,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// HealthCheck represents the status of a single health check component.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
