package codehost

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// GitHubRepository talks to the GitHub REST API directly over the quota-aware client.
type GitHubRepository struct {
	apiURL string
	client *http.Client
}

func NewGitHubRepository(apiURL string, client *http.Client) *GitHubRepository {
	if apiURL == "" || strings.Contains(apiURL, "://github.com") {
		apiURL = "https://api.github.com"
	}
	return &GitHubRepository{apiURL: strings.TrimSuffix(apiURL, "/"), client: client}
}

func (r *GitHubRepository) get(ctx context.Context, path string, query url.Values, accept string) (*http.Response, error) {
	u := r.apiURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if accept == "" {
		accept = "application/vnd.github+json"
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	return r.client.Do(req)
}

func (r *GitHubRepository) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	resp, err := r.get(ctx, path, query, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

func (r *GitHubRepository) Metadata(ctx context.Context, repo string) (*RepoInfo, error) {
	var payload struct {
		FullName      string `json:"full_name"`
		DefaultBranch string `json:"default_branch"`
		Description   string `json:"description"`
		HTMLURL       string `json:"html_url"`
	}
	if err := r.getJSON(ctx, "/repos/"+repo, nil, &payload); err != nil {
		return nil, fmt.Errorf("get repo %s: %w", repo, err)
	}
	return &RepoInfo{
		FullName:      payload.FullName,
		DefaultBranch: payload.DefaultBranch,
		Description:   payload.Description,
		WebURL:        payload.HTMLURL,
	}, nil
}

func (r *GitHubRepository) ListFiles(ctx context.Context, repo, ref string, limit int) ([]string, error) {
	if ref == "" {
		ref = "HEAD"
	}
	var payload struct {
		Tree []struct {
			Path string `json:"path"`
			Type string `json:"type"`
		} `json:"tree"`
	}
	path := fmt.Sprintf("/repos/%s/git/trees/%s", repo, url.PathEscape(ref))
	if err := r.getJSON(ctx, path, url.Values{"recursive": {"1"}}, &payload); err != nil {
		return nil, fmt.Errorf("list tree %s: %w", repo, err)
	}
	var files []string
	for _, node := range payload.Tree {
		if node.Type == "blob" {
			files = append(files, node.Path)
		}
	}
	return truncate(files, limit), nil
}

func (r *GitHubRepository) ReadFile(ctx context.Context, repo, path, ref string) ([]byte, error) {
	query := url.Values{}
	if ref != "" {
		query.Set("ref", ref)
	}
	resp, err := r.get(ctx, fmt.Sprintf("/repos/%s/contents/%s", repo, path), query, "application/vnd.github.raw+json")
	if err != nil {
		return nil, fmt.Errorf("read %s in %s: %w", path, repo, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

type githubTitled struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
}

func (r *GitHubRepository) ListIssues(ctx context.Context, repo string, limit int) ([]string, error) {
	var items []githubTitled
	if err := r.getJSON(ctx, "/repos/"+repo+"/issues", url.Values{"state": {"open"}, "per_page": {"100"}}, &items); err != nil {
		return nil, fmt.Errorf("list issues %s: %w", repo, err)
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, fmt.Sprintf("#%d %s", it.Number, it.Title))
	}
	return truncate(out, limit), nil
}

func (r *GitHubRepository) ListMergeRequests(ctx context.Context, repo string, limit int) ([]string, error) {
	var items []githubTitled
	if err := r.getJSON(ctx, "/repos/"+repo+"/pulls", url.Values{"state": {"open"}, "per_page": {"100"}}, &items); err != nil {
		return nil, fmt.Errorf("list pulls %s: %w", repo, err)
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, fmt.Sprintf("#%d %s", it.Number, it.Title))
	}
	return truncate(out, limit), nil
}

func (r *GitHubRepository) ListCommits(ctx context.Context, repo, ref string, limit int) ([]string, error) {
	query := url.Values{"per_page": {"100"}}
	if ref != "" {
		query.Set("sha", ref)
	}
	var items []struct {
		SHA    string `json:"sha"`
		Commit struct {
			Message string `json:"message"`
		} `json:"commit"`
	}
	if err := r.getJSON(ctx, "/repos/"+repo+"/commits", query, &items); err != nil {
		return nil, fmt.Errorf("list commits %s: %w", repo, err)
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		title, _, _ := strings.Cut(it.Commit.Message, "\n")
		sha := it.SHA
		if len(sha) > 8 {
			sha = sha[:8]
		}
		out = append(out, sha+" "+title)
	}
	return truncate(out, limit), nil
}
