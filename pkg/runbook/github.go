package runbook

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
)

// GitHubClient provides access to GitHub for downloading CWE pattern-corpus
// documents and listing the markdown files published under a corpus
// repository's directory tree. Directory listing goes through
// google/go-github's Contents API binding; raw document fetches stay a
// direct HTTP GET since they target an arbitrary raw.githubusercontent.com
// URL rather than a structured API endpoint.
type GitHubClient struct {
	httpClient *http.Client
	token      string
	logger     *slog.Logger
}

// NewGitHubClient creates an HTTP client for GitHub operations.
// token may be empty (public repos only, lower rate limits).
func NewGitHubClient(token string) *GitHubClient {
	return &GitHubClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		token:      token,
		logger:     slog.Default(),
	}
}

// client builds a go-github client from the current httpClient, so tests
// that swap httpClient's transport after construction still take effect.
func (c *GitHubClient) client() *github.Client {
	gh := github.NewClient(c.httpClient)
	if c.token != "" {
		gh = gh.WithAuthToken(c.token)
	}
	return gh
}

// DownloadContent fetches raw content from a GitHub URL.
// Converts blob URLs to raw.githubusercontent.com URLs.
// Handles authentication via bearer token.
func (c *GitHubClient) DownloadContent(ctx context.Context, rawURL string) (string, error) {
	downloadURL := ConvertToRawURL(rawURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch pattern corpus document from %s: %w", downloadURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GitHub returned HTTP %d for %s", resp.StatusCode, downloadURL)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}

	return string(body), nil
}

// githubContentItem mirrors the GitHub Contents API's JSON shape. It exists
// so tests can build fixture responses without depending on go-github's
// internal types; the field tags match github.RepositoryContent exactly, so
// both decode the same wire format.
type githubContentItem struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Type    string `json:"type"` // "file" or "dir"
	HTMLURL string `json:"html_url"`
}

// ListMarkdownFiles returns all .md file URLs under a GitHub directory,
// walking subdirectories via the Contents API.
func (c *GitHubClient) ListMarkdownFiles(ctx context.Context, repoURL string) ([]string, error) {
	parts, err := ParseRepoURL(repoURL)
	if err != nil {
		return nil, fmt.Errorf("parse repo URL: %w", err)
	}

	return c.listMarkdownFilesRecursive(ctx, parts.Owner, parts.Repo, parts.Ref, parts.Path)
}

func (c *GitHubClient) listMarkdownFilesRecursive(ctx context.Context, owner, repo, ref, path string) ([]string, error) {
	_, dirContents, _, err := c.client().Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return nil, fmt.Errorf("list contents at %s: %w", path, err)
	}

	var mdFiles []string
	for _, item := range dirContents {
		switch item.GetType() {
		case "file":
			if strings.HasSuffix(strings.ToLower(item.GetName()), ".md") {
				// Use the HTML URL (blob URL) as the canonical reference.
				mdFiles = append(mdFiles, item.GetHTMLURL())
			}
		case "dir":
			subFiles, err := c.listMarkdownFilesRecursive(ctx, owner, repo, ref, item.GetPath())
			if err != nil {
				c.logger.Warn("Failed to list subdirectory", "path", item.GetPath(), "error", err)
				continue
			}
			mdFiles = append(mdFiles, subFiles...)
		}
	}

	return mdFiles, nil
}

func (c *GitHubClient) setAuthHeader(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
