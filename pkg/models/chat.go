package models

import "encoding/json"

// ChatMessage is one turn of a provider conversation. Unlike Message it is a
// wire type: tool call correlation ids and tool call payloads travel with it.
type ChatMessage struct {
	Role       Role            `json:"role"`
	Content    string          `json:"content,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	Name       string          `json:"name,omitempty"`
	Raw        json.RawMessage `json:"-"`
}

// ToolCall is a tool invocation requested by the model mid-generation.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolDef describes a tool exposed to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// StopReason explains why a completion ended.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopError     StopReason = "error"
)

// TokenUsage reports token counts for one provider call.
type TokenUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// ChatRequest is the provider-neutral completion request.
type ChatRequest struct {
	Model            string        `json:"model"`
	SystemPrompt     string        `json:"systemPrompt,omitempty"`
	Messages         []ChatMessage `json:"messages"`
	Tools            []ToolDef     `json:"tools,omitempty"`
	MaxTokens        int           `json:"maxTokens,omitempty"`
	Temperature      float64       `json:"temperature,omitempty"`
	ReasoningEnabled bool          `json:"reasoningEnabled,omitempty"`
}

// ChatResponse is the provider-neutral completion result.
type ChatResponse struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	StopReason StopReason `json:"stopReason"`
	Usage      TokenUsage `json:"usage"`
}
