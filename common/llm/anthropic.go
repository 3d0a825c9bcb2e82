package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/invopop/jsonschema"
)

type anthropicClient struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// NewAnthropic builds a client for the Anthropic Messages API. Structured output is
// obtained by forcing a single tool call whose input schema is the request schema.
func NewAnthropic(cfg Config, opts ...option.RequestOption) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)

	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-5-20250929"
	}

	return &anthropicClient{
		client:    anthropic.NewClient(reqOpts...),
		model:     model,
		maxTokens: defaultMaxTokens(cfg.MaxTokens),
	}, nil
}

func (c *anthropicClient) Chat(ctx context.Context, req Request, result any) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	toolName := req.SchemaName
	if toolName == "" {
		toolName = "respond"
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserPrompt)),
		},
		Tools: []anthropic.ToolUnionParam{{
			OfTool: &anthropic.ToolParam{
				Name:        toolName,
				Description: anthropic.String("Structured response schema"),
				InputSchema: inputSchema(req.Schema),
			},
		}},
		ToolChoice: anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: toolName},
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	start := time.Now()
	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, &APIError{Status: apiErr.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("anthropic chat: %w", err)
	}

	slog.DebugContext(ctx, "llm chat completed",
		"model", c.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"stop_reason", resp.StopReason)

	usage := &Response{
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}

	for _, block := range resp.Content {
		if block.Type == "tool_use" && block.Name == toolName {
			if err := json.Unmarshal(block.Input, result); err != nil {
				return usage, fmt.Errorf("unmarshal response: %w", err)
			}
			return usage, nil
		}
	}
	return usage, fmt.Errorf("no %s tool call in response (stop reason %s)", toolName, resp.StopReason)
}

func (c *anthropicClient) Model() string {
	return c.model
}

// inputSchema lifts the object properties out of a reflected schema.
func inputSchema(schema any) anthropic.ToolInputSchemaParam {
	param := anthropic.ToolInputSchemaParam{}
	if s, ok := schema.(*jsonschema.Schema); ok && s != nil {
		param.Properties = s.Properties
		param.Required = s.Required
	}
	return param
}
