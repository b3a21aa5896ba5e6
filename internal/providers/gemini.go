package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"google.golang.org/genai"
)

// GeminiProvider adapts the Google Gen AI SDK.
type GeminiProvider struct {
	client       *genai.Client
	defaultModel string
	names        *NameMapper
}

// NewGeminiProvider creates a Gemini adapter. Client construction only fails
// on malformed configuration, never on network access.
func NewGeminiProvider(ctx context.Context, apiKey, defaultModel string) (*GeminiProvider, error) {
	if defaultModel == "" {
		defaultModel = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &GeminiProvider{
		client:       client,
		defaultModel: defaultModel,
		names:        NewNameMapper(GeminiNameRules()),
	}, nil
}

// Name implements Provider.
func (p *GeminiProvider) Name() string { return "gemini" }

// Chat implements Provider.
func (p *GeminiProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	contents, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, BadRequest(p.Name(), model, err.Error(), err)
	}
	config := p.buildConfig(req)

	return chatWithRetry(ctx, func() (*ChatResult, error) {
		resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
		if err != nil {
			return nil, p.wrapError(err, model)
		}
		if len(resp.Candidates) == 0 {
			return nil, guardEmpty(p.Name(), model, true, "no candidates returned")
		}
		res := p.convertResponse(resp, model)
		if emptyResult(res) {
			finish := string(resp.Candidates[0].FinishReason)
			// Safety blocks and recitation stops will not improve on retry.
			retryable := resp.Candidates[0].FinishReason == genai.FinishReasonStop ||
				resp.Candidates[0].FinishReason == genai.FinishReasonUnspecified
			return nil, guardEmpty(p.Name(), model, retryable, "finish_reason="+finish)
		}
		return res, nil
	})
}

// Embed implements Provider.
func (p *GeminiProvider) Embed(ctx context.Context, req *EmbedRequest) ([]float32, error) {
	model := req.Model
	if model == "" {
		model = "text-embedding-004"
	}

	config := &genai.EmbedContentConfig{}
	if req.Dimensions > 0 && req.Dimensions <= math.MaxInt32 {
		dims := int32(req.Dimensions)
		config.OutputDimensionality = &dims
	}

	resp, err := p.client.Models.EmbedContent(ctx, model,
		[]*genai.Content{genai.NewContentFromText(req.Text, genai.RoleUser)}, config)
	if err != nil {
		return nil, p.wrapError(err, model)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, Transient(p.Name(), model, "embedding response contained no values", nil)
	}
	return resp.Embeddings[0].Values, nil
}

func (p *GeminiProvider) convertMessages(messages []ChatMessage) ([]*genai.Content, error) {
	var result []*genai.Content
	for _, msg := range messages {
		// System prompts travel out of band via SystemInstruction.
		if msg.Role == "system" {
			continue
		}

		content := &genai.Content{}
		switch msg.Role {
		case "assistant":
			content.Role = genai.RoleModel
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})

		case "tool_call":
			var args map[string]any
			if err := json.Unmarshal(msg.Arguments, &args); err != nil {
				return nil, fmt.Errorf("invalid tool call arguments for %s: %w", msg.Name, err)
			}
			content.Role = genai.RoleModel
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					Name: p.names.Sanitize(msg.Name),
					Args: args,
				},
			})

		case "tool_result":
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"result": msg.Content, "error": msg.IsError}
			}
			content.Role = genai.RoleUser
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     p.names.Sanitize(msg.Name),
					Response: response,
				},
			})

		default:
			content.Role = genai.RoleUser
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}

		result = append(result, content)
	}
	return result, nil
}

func (p *GeminiProvider) buildConfig(req *ChatRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	var system string
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		}
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}

	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		config.MaxOutputTokens = int32(maxTokens)
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		config.Temperature = &temp
	}
	if len(req.Tools) > 0 {
		config.Tools = p.convertTools(req.Tools)
	}
	return config
}

func (p *GeminiProvider) convertTools(tools []ToolDef) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Parameters, &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        p.names.Sanitize(tool.Name),
			Description: tool.Description,
			Parameters:  toGeminiSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGeminiSchema converts a JSON Schema map to Gemini's Schema type. Only the
// subset of keywords the function-calling API understands is carried over.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	return schema
}

func (p *GeminiProvider) convertResponse(resp *genai.GenerateContentResponse, model string) *ChatResult {
	res := &ChatResult{ModelReturned: model}
	if resp.ModelVersion != "" {
		res.ModelReturned = resp.ModelVersion
	}
	if resp.UsageMetadata != nil {
		res.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		res.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	candidate := resp.Candidates[0]
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				res.Text += part.Text
			}
			if part.FunctionCall != nil {
				args, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					args = []byte("{}")
				}
				res.ToolCalls = append(res.ToolCalls, ToolCallRequest{
					ToolName:  p.names.Original(part.FunctionCall.Name),
					Arguments: args,
				})
			}
		}
	}

	switch {
	case len(res.ToolCalls) > 0:
		res.StopReason = StopToolUse
	case candidate.FinishReason == genai.FinishReasonMaxTokens:
		res.StopReason = StopMaxTokens
	default:
		res.StopReason = StopEndTurn
	}
	return res
}

// wrapError classifies Gen AI SDK failures by message pattern; the SDK does
// not expose a stable structured status across transports.
func (p *GeminiProvider) wrapError(err error, model string) error {
	switch classifyMessage(err) {
	case KindAuth:
		return AuthError(p.Name(), model, err.Error(), err)
	case KindBadRequest:
		return BadRequest(p.Name(), model, err.Error(), err)
	default:
		return Transient(p.Name(), model, err.Error(), err)
	}
}
