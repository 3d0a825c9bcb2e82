package audit_test

import (
	"context"
	"encoding/json"

	"basegraph.app/conductor/common/llm"
	"basegraph.app/conductor/internal/codehost"
	"basegraph.app/conductor/internal/model"
)

type mockLLM struct {
	fn        func(req llm.Request) (string, error)
	requests  []llm.Request
	callCount int
}

func (m *mockLLM) Chat(_ context.Context, req llm.Request, result any) (*llm.Response, error) {
	m.callCount++
	m.requests = append(m.requests, req)
	body, err := m.fn(req)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(body), result); err != nil {
		return nil, err
	}
	return &llm.Response{PromptTokens: 100, CompletionTokens: 20}, nil
}

func (m *mockLLM) Model() string {
	return "test-model"
}

type mockRepository struct {
	files    map[string]string
	readErr  error
	listCall   int
	issues     []string
	issueCalls int
}

func (m *mockRepository) Metadata(context.Context, string) (*codehost.RepoInfo, error) {
	return &codehost.RepoInfo{FullName: "group/app"}, nil
}

func (m *mockRepository) ListFiles(context.Context, string, string, int) ([]string, error) {
	m.listCall++
	var out []string
	for f := range m.files {
		out = append(out, f)
	}
	return out, nil
}

func (m *mockRepository) ReadFile(_ context.Context, _, path, _ string) ([]byte, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}
	content, ok := m.files[path]
	if !ok {
		return nil, &codehost.StatusError{Status: 404, Body: "not found"}
	}
	return []byte(content), nil
}

func (m *mockRepository) ListIssues(context.Context, string, int) ([]string, error) {
	m.issueCalls++
	return m.issues, nil
}

func (m *mockRepository) ListMergeRequests(context.Context, string, int) ([]string, error) {
	return nil, nil
}

func (m *mockRepository) ListCommits(context.Context, string, string, int) ([]string, error) {
	return nil, nil
}

type staticRepos struct {
	repo *mockRepository
}

func (s staticRepos) ForAccount(model.Provider, string) (codehost.Repository, error) {
	return s.repo, nil
}
