// Package openai implements the engine.ModelClient contract on top of the
// OpenAI chat-completions API. It exists alongside the anthropic client to
// keep the model contract provider-agnostic: the same conversation log and
// tool definitions drive a completely different wire shape.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/conductorhq/conductor/internal/backoff"
	"github.com/conductorhq/conductor/internal/orchestration/engine"
	"github.com/conductorhq/conductor/pkg/models"
)

const defaultModel = "gpt-4o"

// Config holds the client's connection settings.
type Config struct {
	// APIKey is required.
	APIKey string
	// BaseURL overrides the default API endpoint (proxies, compatible servers).
	BaseURL string
	// DefaultModel is used when the request doesn't name one.
	DefaultModel string
	// MaxRetries bounds transient-failure retries. Default 3.
	MaxRetries int
	// RetryDelay is the base backoff delay. Default 1s.
	RetryDelay time.Duration
}

// Client is a synchronous OpenAI-backed model client.
type Client struct {
	sdk          *openai.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// New creates a Client from cfg.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
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

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Client{
		sdk:          openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

// Name returns the provider identifier used in logs and failover chains.
func (c *Client) Name() string { return "openai" }

func (c *Client) retryPolicy() backoff.Policy {
	policy := backoff.DefaultPolicy()
	policy.Initial = c.retryDelay
	return policy
}

// Send implements engine.ModelClient.
func (c *Client) Send(ctx context.Context, messages []*models.Message, opts engine.ModelOptions) (engine.ModelResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:    opts.Model,
		Messages: convertMessages(messages, opts.System),
	}
	if req.Model == "" {
		req.Model = c.defaultModel
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		req.Temperature = float32(opts.Temperature)
	}
	if len(opts.Tools) > 0 {
		req.Tools = convertTools(opts.Tools)
	}

	result, err := backoff.RetryWithBackoff(ctx, c.retryPolicy(), c.maxRetries+1,
		func(attempt int) (openai.ChatCompletionResponse, error) {
			return c.sdk.CreateChatCompletion(ctx, req)
		})
	if err != nil {
		if ctx.Err() != nil {
			return engine.ModelResponse{Interrupted: true}, nil
		}
		return engine.ModelResponse{}, fmt.Errorf("openai: request failed after %d attempts: %w", result.Attempts, result.LastError)
	}
	resp := result.Value

	if len(resp.Choices) == 0 {
		return engine.ModelResponse{}, errors.New("openai: response contained no choices")
	}
	choice := resp.Choices[0].Message

	out := engine.ModelResponse{Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	return out, nil
}

func convertMessages(messages []*models.Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		if msg == nil || msg.Hidden {
			continue
		}
		switch msg.Role {
		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, call := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Input),
					},
				})
			}
			result = append(result, oaiMsg)
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return result
}

func convertTools(defs []engine.ToolDefinition) []openai.Tool {
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		var params any
		if len(def.Schema) > 0 {
			if err := json.Unmarshal(def.Schema, &params); err != nil {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}
