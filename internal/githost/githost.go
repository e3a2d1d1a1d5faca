// Package githost talks to the Git hosting provider's REST API for the
// questions plain git cannot answer, currently pull request merge state
// for session branches.
package githost

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kosuke-ai/kosuke/internal/config"
	"github.com/kosuke-ai/kosuke/internal/fault"
	"github.com/kosuke-ai/kosuke/pkg/models"
)

const requestTimeout = 15 * time.Second

// Client is a minimal GitHub REST v3 client. It works against github.com
// and GitHub Enterprise Server (api_base_url ending in /api/v3).
type Client struct {
	http    *http.Client
	baseURL string
}

// NewClient builds a client against the configured API base URL.
func NewClient(cfg config.GitHubConfig) *Client {
	base := strings.TrimRight(cfg.APIBaseURL, "/")
	if base == "" {
		base = "https://api.github.com"
	}
	return &Client{
		http:    &http.Client{Timeout: requestTimeout},
		baseURL: base,
	}
}

// PullRequest is the subset of the pulls payload the control plane reads.
// A non-nil merged_at is how the list endpoint reports a merged PR.
type PullRequest struct {
	Number    int        `json:"number"`
	HTMLURL   string     `json:"html_url"`
	State     string     `json:"state"`
	MergedAt  *time.Time `json:"merged_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ListPullsByHead returns the pull requests whose head is owner:branch,
// most recently updated first. Closed and merged PRs are included.
func (c *Client) ListPullsByHead(ctx context.Context, token, owner, repo, branch string) ([]PullRequest, error) {
	u := fmt.Sprintf("%s/repos/%s/%s/pulls?head=%s&state=all&sort=updated&direction=desc",
		c.baseURL, url.PathEscape(owner), url.PathEscape(repo),
		url.QueryEscape(owner+":"+branch))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build pulls request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list pulls for %s: %w", branch, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fault.New(fault.KindNotFound, "repository %s/%s not found", owner, repo)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fault.New(fault.KindUnauthorized, "github rejected credentials (HTTP %d)", resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("github returned HTTP %d listing pulls for %s", resp.StatusCode, branch)
	}

	var pulls []PullRequest
	if err := json.NewDecoder(resp.Body).Decode(&pulls); err != nil {
		return nil, fmt.Errorf("decode pulls response: %w", err)
	}
	return pulls, nil
}

// MergeState resolves the newest pull request for a session branch into
// MergeInfo. It returns nil when the branch never had a pull request.
func (c *Client) MergeState(ctx context.Context, token string, project *models.Project, branch string) (*models.MergeInfo, error) {
	pulls, err := c.ListPullsByHead(ctx, token, project.RepoOwner, project.RepoName, branch)
	if err != nil {
		return nil, err
	}
	if len(pulls) == 0 {
		return nil, nil
	}

	pr := pulls[0]
	return &models.MergeInfo{
		PRNumber:  pr.Number,
		PRURL:     pr.HTMLURL,
		MergedAt:  pr.MergedAt,
		CheckedAt: time.Now().UTC(),
	}, nil
}

// CloneURL builds the HTTPS clone URL for a project's repository. For
// Enterprise instances the web host is the API base without /api/v3.
func (c *Client) CloneURL(project *models.Project) string {
	host := "https://github.com"
	if c.baseURL != "https://api.github.com" {
		host = strings.TrimSuffix(c.baseURL, "/api/v3")
	}
	return fmt.Sprintf("%s/%s/%s.git", host, project.RepoOwner, project.RepoName)
}
