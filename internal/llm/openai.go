package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/scalyclaw/scalyclaw/pkg/models"
)

// OpenAIProvider binds OpenAI-compatible chat APIs. A custom base URL covers
// self-hosted gateways speaking the same protocol.
type OpenAIProvider struct {
	client *openai.Client
	name   string
}

// NewOpenAIProvider creates the binding under the given provider name
// (usually "openai").
func NewOpenAIProvider(name, apiKey, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if name == "" {
		name = "openai"
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg), name: name}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Chat(ctx context.Context, req *models.ChatRequest) (*models.ChatResponse, error) {
	_, modelName, err := SplitModelID(req.Model)
	if err != nil {
		return nil, err
	}

	oaReq := openai.ChatCompletionRequest{
		Model:       modelName,
		Messages:    encodeOpenAIMessages(req.SystemPrompt, req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	}
	for _, d := range req.Tools {
		oaReq.Tools = append(oaReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.InputSchema,
			},
		})
	}

	resp, err := p.client.CreateChatCompletion(ctx, oaReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s: empty response", p.name)
	}
	return decodeOpenAIChoice(resp.Choices[0], resp.Usage), nil
}

func (p *OpenAIProvider) Ping(ctx context.Context, model string) error {
	_, err := p.Chat(ctx, &models.ChatRequest{
		Model:     p.name + ":" + model,
		Messages:  []models.ChatMessage{{Role: models.RoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	return err
}

func encodeOpenAIMessages(system string, msgs []models.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, m := range msgs {
		switch m.Role {
		case models.RoleAssistant:
			oam := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: m.Content,
			}
			for _, tc := range m.ToolCalls {
				oam.ToolCalls = append(oam.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			out = append(out, oam)
		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: m.Content,
			})
		}
	}
	return out
}

func decodeOpenAIChoice(choice openai.ChatCompletionChoice, usage openai.Usage) *models.ChatResponse {
	resp := &models.ChatResponse{
		Content: choice.Message.Content,
		Usage: models.TokenUsage{
			InputTokens:  usage.PromptTokens,
			OutputTokens: usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: []byte(tc.Function.Arguments),
		})
	}
	switch choice.FinishReason {
	case openai.FinishReasonToolCalls:
		resp.StopReason = models.StopToolUse
	case openai.FinishReasonLength:
		resp.StopReason = models.StopMaxTokens
	default:
		resp.StopReason = models.StopEndTurn
	}
	return resp
}
