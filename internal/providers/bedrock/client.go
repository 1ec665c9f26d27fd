// Package bedrock implements the engine.ModelClient contract on top of the
// AWS Bedrock Converse API, giving the conversation engine access to
// foundation models hosted on AWS under the same contract as the direct
// anthropic and openai clients.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/conductorhq/conductor/internal/backoff"
	"github.com/conductorhq/conductor/internal/orchestration/engine"
	"github.com/conductorhq/conductor/pkg/models"
)

const defaultModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"

// Config holds the client's AWS connection settings.
type Config struct {
	// Region is the AWS region. Default us-east-1.
	Region string
	// AccessKeyID / SecretAccessKey / SessionToken supply explicit
	// credentials; when empty the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	// DefaultModel is used when the request doesn't name one.
	DefaultModel string
	// MaxRetries bounds transient-failure retries. Default 3.
	MaxRetries int
	// RetryDelay is the base backoff delay. Default 1s.
	RetryDelay time.Duration
}

// Client is a synchronous Bedrock-backed model client.
type Client struct {
	sdk          *bedrockruntime.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// New creates a Client from cfg, loading AWS configuration from the
// environment unless explicit credentials are supplied.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
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

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return &Client{
		sdk:          bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

// Name returns the provider identifier used in logs and failover chains.
func (c *Client) Name() string { return "bedrock" }

func (c *Client) retryPolicy() backoff.Policy {
	policy := backoff.DefaultPolicy()
	policy.Initial = c.retryDelay
	return policy
}

// Send implements engine.ModelClient via the Converse API.
func (c *Client) Send(ctx context.Context, messages []*models.Message, opts engine.ModelOptions) (engine.ModelResponse, error) {
	model := opts.Model
	if model == "" {
		model = c.defaultModel
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: convertMessages(messages),
	}
	if opts.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: opts.System},
		}
	}
	if opts.MaxTokens > 0 {
		maxTokens := min(opts.MaxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		input.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(maxTokens))}
	}
	if len(opts.Tools) > 0 {
		input.ToolConfig = convertTools(opts.Tools)
	}

	result, err := backoff.RetryWithBackoff(ctx, c.retryPolicy(), c.maxRetries+1,
		func(attempt int) (*bedrockruntime.ConverseOutput, error) {
			return c.sdk.Converse(ctx, input)
		})
	if err != nil {
		if ctx.Err() != nil {
			return engine.ModelResponse{Interrupted: true}, nil
		}
		return engine.ModelResponse{}, fmt.Errorf("bedrock: request failed after %d attempts: %w", result.Attempts, result.LastError)
	}

	return responseFromOutput(result.Value)
}

func convertMessages(messages []*models.Message) []types.Message {
	result := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		if msg == nil || msg.Hidden {
			continue
		}

		var content []types.ContentBlock
		switch msg.Role {
		case models.RoleTool:
			content = append(content, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(msg.ToolCallID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: msg.Content},
					},
				},
			})
		case models.RoleSystem:
			// Mid-conversation system reminders travel as user-role text;
			// the top-level system prompt rides on input.System.
			content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
		default:
			if msg.Content != "" {
				content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				var inputDoc any
				if err := json.Unmarshal(call.Input, &inputDoc); err != nil {
					inputDoc = map[string]any{}
				}
				content = append(content, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(call.ID),
						Name:      aws.String(call.Name),
						Input:     document.NewLazyDocument(inputDoc),
					},
				})
			}
		}
		if len(content) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if msg.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}
	return result
}

func convertTools(defs []engine.ToolDefinition) *types.ToolConfiguration {
	tools := make([]types.Tool, 0, len(defs))
	for _, def := range defs {
		var schema any
		if err := json.Unmarshal(def.Schema, &schema); err != nil || schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(def.Name),
				Description: aws.String(def.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		})
	}
	return &types.ToolConfiguration{Tools: tools}
}

func responseFromOutput(out *bedrockruntime.ConverseOutput) (engine.ModelResponse, error) {
	if out == nil {
		return engine.ModelResponse{}, nil
	}
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return engine.ModelResponse{}, fmt.Errorf("bedrock: unexpected output type %T", out.Output)
	}

	var text strings.Builder
	var calls []models.ToolCall
	for _, block := range msg.Value.Content {
		switch v := block.(type) {
		case *types.ContentBlockMemberText:
			text.WriteString(v.Value)
		case *types.ContentBlockMemberToolUse:
			input := json.RawMessage("{}")
			if v.Value.Input != nil {
				if raw, err := v.Value.Input.MarshalSmithyDocument(); err == nil && len(raw) > 0 {
					input = raw
				}
			}
			calls = append(calls, models.ToolCall{
				ID:    aws.ToString(v.Value.ToolUseId),
				Name:  aws.ToString(v.Value.Name),
				Input: input,
			})
		}
	}
	return engine.ModelResponse{Content: text.String(), ToolCalls: calls}, nil
}
