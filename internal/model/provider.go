package model

// Provider identifies the code host an account belongs to.
type Provider string

const (
	ProviderGitLab Provider = "gitlab"
	ProviderGitHub Provider = "github"
)

func (p Provider) Valid() bool {
	return p == ProviderGitLab || p == ProviderGitHub
}
