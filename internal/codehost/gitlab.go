package codehost

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	gitlab "gitlab.com/gitlab-org/api/client-go"
)

type GitLabRepository struct {
	client *gitlab.Client
}

// NewGitLabRepository wraps client-go over an authenticated, quota-aware http.Client.
// client-go's own retries are disabled; the transport owns retry policy.
func NewGitLabRepository(instanceURL string, httpClient *http.Client) (*GitLabRepository, error) {
	baseURL := strings.TrimSuffix(instanceURL, "/") + "/api/v4"
	client, err := gitlab.NewClient(
		"",
		gitlab.WithBaseURL(baseURL),
		gitlab.WithHTTPClient(httpClient),
		gitlab.WithoutRetries(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gitlab client: %w", err)
	}
	return &GitLabRepository{client: client}, nil
}

func (r *GitLabRepository) Metadata(ctx context.Context, repo string) (*RepoInfo, error) {
	project, _, err := r.client.Projects.GetProject(repo, &gitlab.GetProjectOptions{}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", repo, err)
	}
	return &RepoInfo{
		FullName:      project.PathWithNamespace,
		DefaultBranch: project.DefaultBranch,
		Description:   project.Description,
		WebURL:        project.WebURL,
	}, nil
}

func (r *GitLabRepository) ListFiles(ctx context.Context, repo, ref string, limit int) ([]string, error) {
	opts := &gitlab.ListTreeOptions{
		ListOptions: gitlab.ListOptions{PerPage: 100},
		Recursive:   gitlab.Ptr(true),
	}
	if ref != "" {
		opts.Ref = gitlab.Ptr(ref)
	}

	var files []string
	for {
		nodes, resp, err := r.client.Repositories.ListTree(repo, opts, gitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("list tree %s: %w", repo, err)
		}
		for _, node := range nodes {
			if node.Type != "blob" {
				continue
			}
			files = append(files, node.Path)
			if limit > 0 && len(files) >= limit {
				return files, nil
			}
		}
		if resp == nil || resp.NextPage == 0 {
			return files, nil
		}
		opts.Page = resp.NextPage
	}
}

func (r *GitLabRepository) ReadFile(ctx context.Context, repo, path, ref string) ([]byte, error) {
	opts := &gitlab.GetRawFileOptions{}
	if ref != "" {
		opts.Ref = gitlab.Ptr(ref)
	}
	data, _, err := r.client.RepositoryFiles.GetRawFile(repo, path, opts, gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("read %s in %s: %w", path, repo, err)
	}
	return data, nil
}

func (r *GitLabRepository) ListIssues(ctx context.Context, repo string, limit int) ([]string, error) {
	issues, _, err := r.client.Issues.ListProjectIssues(repo, &gitlab.ListProjectIssuesOptions{
		ListOptions: gitlab.ListOptions{PerPage: 100},
		State:       gitlab.Ptr("opened"),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list issues %s: %w", repo, err)
	}
	out := make([]string, 0, len(issues))
	for _, issue := range issues {
		out = append(out, fmt.Sprintf("#%d %s", issue.IID, issue.Title))
	}
	return truncate(out, limit), nil
}

func (r *GitLabRepository) ListMergeRequests(ctx context.Context, repo string, limit int) ([]string, error) {
	mrs, _, err := r.client.MergeRequests.ListProjectMergeRequests(repo, &gitlab.ListProjectMergeRequestsOptions{
		ListOptions: gitlab.ListOptions{PerPage: 100},
		State:       gitlab.Ptr("opened"),
	}, gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list merge requests %s: %w", repo, err)
	}
	out := make([]string, 0, len(mrs))
	for _, mr := range mrs {
		out = append(out, fmt.Sprintf("!%d %s", mr.IID, mr.Title))
	}
	return truncate(out, limit), nil
}

func (r *GitLabRepository) ListCommits(ctx context.Context, repo, ref string, limit int) ([]string, error) {
	opts := &gitlab.ListCommitsOptions{ListOptions: gitlab.ListOptions{PerPage: 100}}
	if ref != "" {
		opts.RefName = gitlab.Ptr(ref)
	}
	commits, _, err := r.client.Commits.ListCommits(repo, opts, gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list commits %s: %w", repo, err)
	}
	out := make([]string, 0, len(commits))
	for _, c := range commits {
		out = append(out, c.ShortID+" "+c.Title)
	}
	return truncate(out, limit), nil
}

func truncate(items []string, limit int) []string {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
