// Package llm defines the chat provider boundary used by the agent loop
// and the Ollama implementation of it.
package llm

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// FinishError marks a response that carries an explanatory error text
// in Content instead of model output.
const FinishError = "error"

// levelTrace matches config.LevelTrace without importing config.
const levelTrace = slog.Level(-8)

// Message is one turn of conversation history.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	// Name is the tool name on tool-result turns.
	Name string `json:"name,omitempty"`
	// Reasoning is the model's thinking trace, replayed on assistant
	// turns when the model emitted one.
	Reasoning string `json:"reasoning_content,omitempty"`
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction names the tool and carries its arguments.
type ToolCallFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// NewToolCall builds a function-type tool call.
func NewToolCall(id, name string, args map[string]any) ToolCall {
	if args == nil {
		args = map[string]any{}
	}
	return ToolCall{
		ID:       id,
		Type:     "function",
		Function: ToolCallFunction{Name: name, Arguments: args},
	}
}

// Usage reports token counts for one chat call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatResponse is the normalized result of a chat call.
type ChatResponse struct {
	Model        string
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Reasoning    string
	Usage        Usage
}

// IsError reports whether the provider failed to produce model output.
func (r *ChatResponse) IsError() bool {
	return r != nil && r.FinishReason == FinishError
}

// Provider is the chat boundary the agent loop talks to. Chat never
// fails: transport and parse failures come back as a response with
// FinishReason [FinishError] and an explanatory Content.
type Provider interface {
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) *ChatResponse
}

// DecodeArguments normalizes a JSON-encoded argument string into an
// argument map. A JSON object is used as-is, any other JSON value is
// wrapped as {"value": v}, and text that is not JSON at all is kept as
// {"raw": s}.
func DecodeArguments(s string) map[string]any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return map[string]any{"raw": s}
	}
	return WrapArguments(v)
}

// WrapArguments returns v as an argument map, wrapping non-object
// values as {"value": v}.
func WrapArguments(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": v}
}
