package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider adapts the Anthropic Messages API to the uniform
// provider interface. Anthropic exposes no embedding endpoint, so Embed
// always returns ErrEmbeddingsUnsupported.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	names        *NameMapper
}

// NewAnthropicProvider creates an Anthropic adapter. An empty API key is
// allowed for delayed configuration; calls will fail with an auth error.
func NewAnthropicProvider(apiKey, defaultModel string) *AnthropicProvider {
	if defaultModel == "" {
		defaultModel = "claude-sonnet-4-5"
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		defaultModel: defaultModel,
		names:        NewNameMapper(AnthropicNameRules()),
	}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Chat implements Provider.
func (p *AnthropicProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, BadRequest(p.Name(), model, err.Error(), err)
	}

	return chatWithRetry(ctx, func() (*ChatResult, error) {
		msg, err := p.client.Messages.New(ctx, params)
		if err != nil {
			return nil, p.wrapError(err, model)
		}
		res := p.convertResponse(msg)
		if emptyResult(res) {
			// Anthropic reports malformed tool invocations as end_turn with
			// no content; that is worth one more ask.
			retryable := msg.StopReason == anthropic.StopReasonEndTurn
			return nil, guardEmpty(p.Name(), model, retryable, fmt.Sprintf("stop_reason=%s", msg.StopReason))
		}
		return res, nil
	})
}

// Embed implements Provider.
func (p *AnthropicProvider) Embed(ctx context.Context, req *EmbedRequest) ([]float32, error) {
	return nil, embedUnsupported(p.Name())
}

func (p *AnthropicProvider) buildParams(req *ChatRequest, model string) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	var system string
	var messages []anthropic.MessageParam

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			// The Messages API takes the system prompt out of band; multiple
			// system messages concatenate in order.
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content

		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))

		case "tool_call":
			var input map[string]any
			if err := json.Unmarshal(msg.Arguments, &input); err != nil {
				return params, fmt.Errorf("invalid tool call arguments for %s: %w", msg.Name, err)
			}
			messages = append(messages, anthropic.NewAssistantMessage(
				anthropic.NewToolUseBlock(msg.ToolUseID, input, p.names.Sanitize(msg.Name)),
			))

		case "tool_result":
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolUseID, msg.Content, msg.IsError),
			))

		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	params.Messages = messages

	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return params, err
		}
		params.Tools = tools
	}

	return params, nil
}

func (p *AnthropicProvider) convertTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, p.names.Sanitize(tool.Name))
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

func (p *AnthropicProvider) convertResponse(msg *anthropic.Message) *ChatResult {
	res := &ChatResult{
		InputTokens:   int(msg.Usage.InputTokens),
		OutputTokens:  int(msg.Usage.OutputTokens),
		ModelReturned: string(msg.Model),
	}

	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			res.Text += variant.Text
		case anthropic.ToolUseBlock:
			res.ToolCalls = append(res.ToolCalls, ToolCallRequest{
				ToolName:  p.names.Original(variant.Name),
				Arguments: json.RawMessage(variant.JSON.Input.Raw()),
			})
		}
	}

	switch msg.StopReason {
	case anthropic.StopReasonToolUse:
		res.StopReason = StopToolUse
	case anthropic.StopReasonMaxTokens:
		res.StopReason = StopMaxTokens
	default:
		res.StopReason = StopEndTurn
	}
	return res
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return FromStatus(p.Name(), model, apiErr.StatusCode, err)
	}
	switch classifyMessage(err) {
	case KindAuth:
		return AuthError(p.Name(), model, err.Error(), err)
	case KindBadRequest:
		return BadRequest(p.Name(), model, err.Error(), err)
	default:
		return Transient(p.Name(), model, err.Error(), err)
	}
}
