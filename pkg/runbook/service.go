package runbook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vulnforge/vulnforge/pkg/config"
)

// Service resolves per-CWE pattern-corpus reference material into the
// rag_context string the Synthesis Engine folds into its prompt, by
// looking up a CWE slug within a configured corpus repo. The corpus
// ingestion pipeline itself is out of scope — this only fetches one
// already-published document.
type Service struct {
	github *GitHubClient
	cache  *Cache
	cfg    *config.RunbookConfig
}

// NewService creates a Service. githubToken is the resolved PAT value
// (empty string = no auth, public repos only, lower rate limits).
func NewService(cfg *config.RunbookConfig, githubToken string) *Service {
	cacheTTL := 1 * time.Minute
	if cfg != nil && cfg.CacheTTL > 0 {
		cacheTTL = cfg.CacheTTL
	}

	return &Service{
		github: NewGitHubClient(githubToken),
		cache:  NewCache(cacheTTL),
		cfg:    cfg,
	}
}

// ResolveCWEContext fetches the corpus document for vulnID (e.g. "CWE-89")
// from the configured corpus repository and returns its content as a
// rag_context string. Returns "" with no error when no corpus repo is
// configured, so callers can treat an empty rag_context as "no corpus
// available" rather than a failure.
func (s *Service) ResolveCWEContext(ctx context.Context, vulnID string) (string, error) {
	if s.cfg == nil || s.cfg.RepoURL == "" {
		return "", nil
	}

	docURL, err := corpusDocURL(s.cfg.RepoURL, vulnID)
	if err != nil {
		return "", fmt.Errorf("derive corpus doc URL for %s: %w", vulnID, err)
	}

	content, err := s.fetchWithCache(ctx, docURL)
	if err != nil {
		return "", fmt.Errorf("fetch corpus doc for %s: %w", vulnID, err)
	}
	return content, nil
}

// ListCorpusDocs returns every corpus document URL published under the
// configured repository. Returns an empty slice if no repo is configured.
func (s *Service) ListCorpusDocs(ctx context.Context) ([]string, error) {
	if s.cfg == nil || s.cfg.RepoURL == "" {
		return []string{}, nil
	}

	if cached, ok := s.cache.Get(s.cfg.RepoURL); ok {
		return splitCachedList(cached), nil
	}

	files, err := s.github.ListMarkdownFiles(ctx, s.cfg.RepoURL)
	if err != nil {
		return nil, fmt.Errorf("list corpus docs from %s: %w", s.cfg.RepoURL, err)
	}

	if files == nil {
		files = []string{}
	}

	s.cache.Set(s.cfg.RepoURL, joinForCache(files))
	return files, nil
}

func (s *Service) fetchWithCache(ctx context.Context, rawURL string) (string, error) {
	var allowedDomains []string
	if s.cfg != nil {
		allowedDomains = s.cfg.AllowedDomains
	}
	if err := ValidateRunbookURL(rawURL, allowedDomains); err != nil {
		return "", err
	}

	normalizedURL := ConvertToRawURL(rawURL)
	if content, ok := s.cache.Get(normalizedURL); ok {
		return content, nil
	}

	content, err := s.github.DownloadContent(ctx, rawURL)
	if err != nil {
		return "", err
	}

	s.cache.Set(normalizedURL, content)
	return content, nil
}

// corpusDocURL derives the blob URL of a CWE's corpus document from a
// configured tree URL (e.g. "https://github.com/org/corpus/tree/main/cwes")
// and a vuln id, lowercasing the id into the corpus's slug convention
// ("CWE-89" -> "cwe-89.md").
func corpusDocURL(repoURL, vulnID string) (string, error) {
	parts, err := ParseRepoURL(repoURL)
	if err != nil {
		return "", fmt.Errorf("parse corpus repo URL: %w", err)
	}
	slug := strings.ToLower(strings.TrimSpace(vulnID)) + ".md"
	path := strings.Trim(parts.Path, "/")
	if path != "" {
		path += "/"
	}
	return fmt.Sprintf("https://github.com/%s/%s/blob/%s/%s%s", parts.Owner, parts.Repo, parts.Ref, path, slug), nil
}

func joinForCache(items []string) string {
	if len(items) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(items[0])
	for _, item := range items[1:] {
		sb.WriteByte('\x00')
		sb.WriteString(item)
	}
	return sb.String()
}

func splitCachedList(cached string) []string {
	if cached == "" {
		return []string{}
	}
	var result []string
	start := 0
	for i := 0; i < len(cached); i++ {
		if cached[i] == '\x00' {
			result = append(result, cached[start:i])
			start = i + 1
		}
	}
	result = append(result, cached[start:])
	return result
}
