package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider adapts the OpenAI chat completions and embeddings APIs.
type OpenAIProvider struct {
	client         *openai.Client
	defaultModel   string
	embeddingModel string
	names          *NameMapper
}

// NewOpenAIProvider creates an OpenAI adapter.
func NewOpenAIProvider(apiKey, defaultModel, embeddingModel string) *OpenAIProvider {
	if defaultModel == "" {
		defaultModel = openai.GPT4o
	}
	if embeddingModel == "" {
		embeddingModel = string(openai.SmallEmbedding3)
	}
	return &OpenAIProvider{
		client:         openai.NewClient(apiKey),
		defaultModel:   defaultModel,
		embeddingModel: embeddingModel,
		names:          NewNameMapper(OpenAINameRules()),
	}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

// Chat implements Provider.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	ocReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: p.convertMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		ocReq.MaxCompletionTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		ocReq.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		ocReq.Tools = p.convertTools(req.Tools)
	}

	return chatWithRetry(ctx, func() (*ChatResult, error) {
		resp, err := p.client.CreateChatCompletion(ctx, ocReq)
		if err != nil {
			return nil, p.wrapError(err, model)
		}
		if len(resp.Choices) == 0 {
			return nil, guardEmpty(p.Name(), model, true, "no choices returned")
		}
		res := p.convertResponse(&resp)
		if emptyResult(res) {
			finish := string(resp.Choices[0].FinishReason)
			// A bare stop with no content usually means a glitched completion;
			// content_filter and length will not improve on retry.
			retryable := resp.Choices[0].FinishReason == openai.FinishReasonStop
			return nil, guardEmpty(p.Name(), model, retryable, "finish_reason="+finish)
		}
		return res, nil
	})
}

// Embed implements Provider.
func (p *OpenAIProvider) Embed(ctx context.Context, req *EmbedRequest) ([]float32, error) {
	model := req.Model
	if model == "" {
		model = p.embeddingModel
	}

	embReq := openai.EmbeddingRequest{
		Input: []string{req.Text},
		Model: openai.EmbeddingModel(model),
	}
	if req.Dimensions > 0 {
		embReq.Dimensions = req.Dimensions
	}

	resp, err := p.client.CreateEmbeddings(ctx, embReq)
	if err != nil {
		return nil, p.wrapError(err, model)
	}
	if len(resp.Data) == 0 {
		return nil, Transient(p.Name(), model, "embedding response contained no data", nil)
	}
	return resp.Data[0].Embedding, nil
}

func (p *OpenAIProvider) convertMessages(messages []ChatMessage) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})

		case "assistant":
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			})

		case "tool_call":
			result = append(result, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:   msg.ToolUseID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      p.names.Sanitize(msg.Name),
						Arguments: string(msg.Arguments),
					},
				}},
			})

		case "tool_result":
			content := msg.Content
			if msg.IsError {
				content = "Error: " + content
			}
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    content,
				ToolCallID: msg.ToolUseID,
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

func (p *OpenAIProvider) convertTools(tools []ToolDef) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        p.names.Sanitize(tool.Name),
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return result
}

func (p *OpenAIProvider) convertResponse(resp *openai.ChatCompletionResponse) *ChatResult {
	choice := resp.Choices[0]
	res := &ChatResult{
		Text:          choice.Message.Content,
		InputTokens:   resp.Usage.PromptTokens,
		OutputTokens:  resp.Usage.CompletionTokens,
		ModelReturned: resp.Model,
	}

	for _, call := range choice.Message.ToolCalls {
		if call.Type != openai.ToolTypeFunction {
			continue
		}
		args := call.Function.Arguments
		if args == "" {
			args = "{}"
		}
		res.ToolCalls = append(res.ToolCalls, ToolCallRequest{
			ToolName:  p.names.Original(call.Function.Name),
			Arguments: json.RawMessage(args),
		})
	}

	switch choice.FinishReason {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		res.StopReason = StopToolUse
	case openai.FinishReasonLength:
		res.StopReason = StopMaxTokens
	default:
		res.StopReason = StopEndTurn
	}
	if len(res.ToolCalls) > 0 {
		res.StopReason = StopToolUse
	}
	return res
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		wrapped := FromStatus(p.Name(), model, apiErr.HTTPStatusCode, err)
		wrapped.Message = apiErr.Message
		return wrapped
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return FromStatus(p.Name(), model, reqErr.HTTPStatusCode, err)
	}
	switch classifyMessage(err) {
	case KindAuth:
		return AuthError(p.Name(), model, err.Error(), err)
	case KindBadRequest:
		return BadRequest(p.Name(), model, err.Error(), err)
	default:
		return Transient(p.Name(), model, fmt.Sprintf("request failed: %v", err), err)
	}
}
