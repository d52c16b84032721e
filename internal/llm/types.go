package llm

import (
	"context"
	"encoding/json"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Backend is a generative-text service that can answer a conversation or ask
// for tools to be called.
type Backend interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// Message is one entry of the conversation sent to a Backend.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a request from the model to run a named tool.
// Arguments holds the JSON object the model produced, unvalidated.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition advertises a callable tool. Parameters must marshal to a
// JSON Schema object.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"`
}

// ChatRequest is the provider-neutral request shape.
type ChatRequest struct {
	Model    string
	System   string
	Messages []Message
	Tools    []ToolDefinition

	// ToolChoice forces the named tool when non-empty; otherwise the model
	// decides.
	ToolChoice string

	// Temperature is left to the provider default when nil.
	Temperature *float64
	MaxTokens   int
}

type ChatResponse struct {
	Model        string
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// Usage counts tokens consumed by one or more backend calls.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add returns the element-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}

// Float64 is a convenience for filling ChatRequest.Temperature.
func Float64(v float64) *float64 {
	return &v
}
