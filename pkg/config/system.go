package config

import "time"

// GitHubConfig holds resolved GitHub integration configuration, used by
// pkg/runbook's go-github client to fetch CWE pattern corpora.
type GitHubConfig struct {
	TokenEnv string // Env var name containing GitHub PAT (default: "GITHUB_TOKEN")
}

// RunbookConfig holds resolved CWE pattern-corpus fetch configuration.
type RunbookConfig struct {
	RepoURL        string        // GitHub repo URL hosting per-CWE corpus docs (empty = disabled)
	CacheTTL       time.Duration // Cache duration (default: 1m)
	AllowedDomains []string      // Allowed URL domains (default: ["github.com", "raw.githubusercontent.com"])
}
