// Package audit holds the LLM-backed Planner and Worker the orchestrator runs by default.
// Repository access goes through the quota-aware code-host client; model calls go
// through the AI retry preset and a breaker keyed by model.
package audit

import (
	"context"
	"fmt"
	"time"

	"basegraph.app/conductor/common/llm"
	"basegraph.app/conductor/internal/codehost"
	"basegraph.app/conductor/internal/model"
	"basegraph.app/conductor/internal/resilience"
)

// Repositories resolves a repository client for an account.
type Repositories interface {
	ForAccount(provider model.Provider, accountID string) (codehost.Repository, error)
}

// ModelCaller wraps LLM calls with the AI provider retry policy and breaker.
type ModelCaller struct {
	client   llm.Client
	retry    resilience.RetryConfig
	breakers *resilience.Registry
	timeout  time.Duration
}

// NewModelCaller builds a ModelCaller. timeout bounds each attempt; zero leaves
// attempts bounded only by ctx.
func NewModelCaller(client llm.Client, retry resilience.RetryConfig, breakers *resilience.Registry, timeout time.Duration) *ModelCaller {
	return &ModelCaller{client: client, retry: retry, breakers: breakers, timeout: timeout}
}

func (m *ModelCaller) service() string {
	return "ai:" + m.client.Model()
}

// Chat decodes the structured answer into result and returns the tokens spent.
// Tokens of failed attempts are not counted.
func (m *ModelCaller) Chat(ctx context.Context, req llm.Request, result any) (int, error) {
	resp, err := resilience.Execute(ctx, m.retry, func(ctx context.Context) (*llm.Response, error) {
		return resilience.Call(ctx, m.breakers, m.service(), func(ctx context.Context) (*llm.Response, error) {
			if m.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, m.timeout)
				defer cancel()
			}
			return m.client.Chat(ctx, req, result)
		})
	})
	if err != nil {
		return 0, fmt.Errorf("calling %s: %w", m.client.Model(), err)
	}
	return resp.TotalTokens(), nil
}
