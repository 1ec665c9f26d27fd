// Package anthropic implements the engine.ModelClient contract on top of
// Anthropic's Messages API. It converts the conversation log into the
// API's content-block format, advertises tool definitions, and maps
// tool_use blocks in the reply back into models.ToolCall values.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/conductorhq/conductor/internal/backoff"
	"github.com/conductorhq/conductor/internal/orchestration/engine"
	"github.com/conductorhq/conductor/pkg/models"
)

const defaultModel = "claude-sonnet-4-20250514"

// Config holds the client's connection settings.
type Config struct {
	// APIKey is required.
	APIKey string
	// BaseURL overrides the default API endpoint, e.g. for a proxy.
	BaseURL string
	// DefaultModel is used when the request doesn't name one.
	DefaultModel string
	// MaxRetries bounds transient-failure retries. Default 3.
	MaxRetries int
	// RetryDelay is the base backoff delay. Default 1s.
	RetryDelay time.Duration
	// DefaultMaxTokens caps the response when the request doesn't. Default 4096.
	DefaultMaxTokens int
}

// Client is a synchronous Anthropic-backed model client.
type Client struct {
	sdk              anthropic.Client
	defaultModel     string
	maxRetries       int
	retryDelay       time.Duration
	defaultMaxTokens int
}

// New creates a Client from cfg.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = 4096
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{
		sdk:              anthropic.NewClient(opts...),
		defaultModel:     cfg.DefaultModel,
		maxRetries:       cfg.MaxRetries,
		retryDelay:       cfg.RetryDelay,
		defaultMaxTokens: cfg.DefaultMaxTokens,
	}, nil
}

// Name returns the provider identifier used in logs and failover chains.
func (c *Client) Name() string { return "anthropic" }

func (c *Client) retryPolicy() backoff.Policy {
	policy := backoff.DefaultPolicy()
	policy.Initial = c.retryDelay
	return policy
}

// Send implements engine.ModelClient. Cancellation of ctx mid-request
// yields Interrupted=true rather than an error, per the model client
// contract.
func (c *Client) Send(ctx context.Context, messages []*models.Message, opts engine.ModelOptions) (engine.ModelResponse, error) {
	params, err := c.buildParams(messages, opts)
	if err != nil {
		return engine.ModelResponse{}, err
	}

	result, err := backoff.RetryWithBackoff(ctx, c.retryPolicy(), c.maxRetries+1,
		func(attempt int) (*anthropic.Message, error) {
			return c.sdk.Messages.New(ctx, params)
		})
	if err != nil {
		if ctx.Err() != nil {
			return engine.ModelResponse{Interrupted: true}, nil
		}
		return engine.ModelResponse{}, fmt.Errorf("anthropic: request failed after %d attempts: %w", result.Attempts, result.LastError)
	}

	return responseFromMessage(result.Value), nil
}

func (c *Client) buildParams(messages []*models.Message, opts engine.ModelOptions) (anthropic.MessageNewParams, error) {
	model := opts.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.defaultMaxTokens
	}

	converted, err := convertMessages(messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  converted,
		MaxTokens: int64(maxTokens),
	}
	if opts.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: opts.System}}
	}
	if len(opts.Tools) > 0 {
		tools, err := convertTools(opts.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// convertMessages maps the conversation log to Anthropic's content-block
// shape: tool-role messages become tool_result blocks on a user message,
// assistant tool calls become tool_use blocks, system messages inline as
// user-visible context (the top-level system prompt rides separately on
// params.System).
func convertMessages(messages []*models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg == nil || msg.Hidden {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		switch msg.Role {
		case models.RoleTool:
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		case models.RoleSystem:
			// Mid-conversation system reminders travel as user-role text.
			content = append(content, anthropic.NewTextBlock(msg.Content))
		default:
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				var input map[string]any
				if len(call.Input) > 0 {
					if err := json.Unmarshal(call.Input, &input); err != nil {
						return nil, fmt.Errorf("anthropic: invalid tool call input for %s: %w", call.Name, err)
					}
				}
				if input == nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
			}
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertTools(defs []engine.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var schema anthropic.ToolInputSchemaParam
		if len(def.Schema) > 0 {
			if err := json.Unmarshal(def.Schema, &schema); err != nil {
				return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", def.Name, err)
			}
		}
		tool := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if tool.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool definition for %s", def.Name)
		}
		tool.OfTool.Description = anthropic.String(def.Description)
		result = append(result, tool)
	}
	return result, nil
}

func responseFromMessage(resp *anthropic.Message) engine.ModelResponse {
	if resp == nil {
		return engine.ModelResponse{}
	}
	var text strings.Builder
	var calls []models.ToolCall
	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(v.Text)
		case anthropic.ToolUseBlock:
			input := v.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			calls = append(calls, models.ToolCall{ID: v.ID, Name: v.Name, Input: input})
		}
	}
	return engine.ModelResponse{Content: text.String(), ToolCalls: calls}
}
