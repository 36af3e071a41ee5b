package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"cortex/internal/domain"
	"cortex/internal/logging"
)

// MessagesClient is the SDK subset the adapter calls; *sdk.MessageService
// satisfies it, and tests can substitute a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicClient implements Client over the Anthropic Messages API.
type AnthropicClient struct {
	msg MessagesClient
}

// NewAnthropicClient wraps an SDK messages service.
func NewAnthropicClient(msg MessagesClient) (*AnthropicClient, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	return &AnthropicClient{msg: msg}, nil
}

// NewAnthropicClientFromAPIKey builds a client with the default HTTP stack.
func NewAnthropicClientFromAPIKey(apiKey string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicClient(&client.Messages)
}

func (c *AnthropicClient) CreateMessage(ctx context.Context, req Request) (Response, error) {
	params, err := encodeRequest(req)
	if err != nil {
		return Response{}, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return Response{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	resp := decodeMessage(msg)
	logging.LLM("model=%s stop=%s in=%d out=%d cache_read=%d",
		req.Model, resp.StopReason, resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.Usage.CacheReadTokens)
	return resp, nil
}

func encodeRequest(req Request) (*sdk.MessageNewParams, error) {
	if req.Model == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	if req.MaxTokens <= 0 {
		return nil, errors.New("anthropic: max_tokens must be positive")
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		block := sdk.TextBlockParam{Text: req.System}
		if req.CacheSystem {
			block.CacheControl = sdk.NewCacheControlEphemeralParam()
		}
		params.System = []sdk.TextBlockParam{block}
	}

	for _, msg := range req.Messages {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(msg.Blocks))
		for _, block := range msg.Blocks {
			switch block.Type {
			case "text":
				if block.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(block.Text))
				}
			case "tool_use":
				blocks = append(blocks, sdk.NewToolUseBlock(block.ID, block.Input, block.Name))
			case "tool_result":
				blocks = append(blocks, sdk.NewToolResultBlock(block.ToolUseID, block.Content, block.IsError))
			default:
				return nil, fmt.Errorf("anthropic: unsupported block type %q", block.Type)
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch msg.Role {
		case "user":
			params.Messages = append(params.Messages, sdk.NewUserMessage(blocks...))
		case "assistant":
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", msg.Role)
		}
	}
	if len(params.Messages) == 0 {
		return nil, errors.New("anthropic: at least one non-empty message is required")
	}

	for _, spec := range req.Tools {
		schema, err := encodeToolSchema(spec.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", spec.Name, err)
		}
		union := sdk.ToolUnionParamOfTool(schema, spec.Name)
		if union.OfTool != nil && spec.Description != "" {
			union.OfTool.Description = sdk.String(spec.Description)
		}
		params.Tools = append(params.Tools, union)
	}
	return params, nil
}

func encodeToolSchema(schema domain.InputSchema) (sdk.ToolInputSchemaParam, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: raw}, nil
}

func decodeMessage(msg *sdk.Message) Response {
	resp := Response{StopReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Blocks = append(resp.Blocks, Block{Type: "text", Text: block.Text})
		case "tool_use":
			input := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &input); err != nil {
					input = map[string]any{}
				}
			}
			resp.Blocks = append(resp.Blocks, Block{
				Type:  "tool_use",
				ID:    block.ID,
				Name:  block.Name,
				Input: input,
			})
		}
	}
	resp.Usage = Usage{
		InputTokens:      msg.Usage.InputTokens,
		OutputTokens:     msg.Usage.OutputTokens,
		CacheReadTokens:  msg.Usage.CacheReadInputTokens,
		CacheWriteTokens: msg.Usage.CacheCreationInputTokens,
	}
	return resp
}
