package codehost

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"basegraph.app/conductor/internal/model"
	"basegraph.app/conductor/internal/resilience"
)

type RepoInfo struct {
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
	Description   string `json:"description"`
	WebURL        string `json:"web_url"`
}

// Repository is the read-only view of a hosted repository used by audits. Every method
// is one or more remote calls through the quota-aware transport.
type Repository interface {
	Metadata(ctx context.Context, repo string) (*RepoInfo, error)
	ListFiles(ctx context.Context, repo, ref string, limit int) ([]string, error)
	ReadFile(ctx context.Context, repo, path, ref string) ([]byte, error)
	ListIssues(ctx context.Context, repo string, limit int) ([]string, error)
	ListMergeRequests(ctx context.Context, repo string, limit int) ([]string, error)
	ListCommits(ctx context.Context, repo, ref string, limit int) ([]string, error)
}

type FactoryConfig struct {
	Provider  model.Provider
	BaseURL   string
	Retry     resilience.RetryConfig
	Transport TransportConfig
}

// Factory builds per-account repositories sharing one credential resolver, quota
// tracker and breaker registry.
type Factory struct {
	cfg      FactoryConfig
	tokens   TokenSource
	quota    *QuotaTracker
	breakers *resilience.Registry
	base     http.RoundTripper
}

func NewFactory(cfg FactoryConfig, tokens TokenSource, quota *QuotaTracker, breakers *resilience.Registry, base http.RoundTripper) *Factory {
	return &Factory{cfg: cfg, tokens: tokens, quota: quota, breakers: breakers, base: base}
}

// ServiceName is the breaker key for a provider base URL.
func ServiceName(baseURL string) string {
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		return "codehost:" + u.Host
	}
	return "codehost:" + strings.TrimSuffix(baseURL, "/")
}

// HTTPClient returns a client authenticated as accountID.
func (f *Factory) HTTPClient(accountID string) *http.Client {
	tcfg := f.cfg.Transport
	tcfg.AccountID = accountID
	tcfg.Retry = f.cfg.Retry
	if tcfg.Service == "" {
		tcfg.Service = ServiceName(f.cfg.BaseURL)
	}
	return &http.Client{Transport: NewTransport(f.base, f.tokens, f.quota, f.breakers, tcfg)}
}

func (f *Factory) ForAccount(provider model.Provider, accountID string) (Repository, error) {
	if provider == "" {
		provider = f.cfg.Provider
	}
	client := f.HTTPClient(accountID)

	switch provider {
	case model.ProviderGitLab:
		return NewGitLabRepository(f.cfg.BaseURL, client)
	case model.ProviderGitHub:
		return NewGitHubRepository(f.cfg.BaseURL, client), nil
	default:
		return nil, fmt.Errorf("unsupported code host provider: %s", provider)
	}
}
