package agent

import (
	"context"

	"github.com/nugget/yak/internal/llm"
)

// Executor runs one tool call. Failures come back as "Error..." text,
// never as a Go error.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]any) string
}

// ApplyToolCalls records a batch of tool calls in history, runs them in
// order and appends one tool turn per result.
//
// With nativeCalls the assistant turn carries the call batch. Calls
// recovered from free text are not echoed back as a batch; the
// assistant text is appended on its own when non-empty. Calls run one
// at a time so a later call can depend on an earlier one's effects.
func ApplyToolCalls(ctx context.Context, exec Executor, history []llm.Message, calls []llm.ToolCall, assistant llm.Message, nativeCalls bool) ([]llm.Message, []string) {
	assistant.Role = llm.RoleAssistant
	switch {
	case nativeCalls:
		assistant.ToolCalls = calls
		history = append(history, assistant)
	case assistant.Content != "":
		assistant.ToolCalls = nil
		assistant.Reasoning = ""
		history = append(history, assistant)
	}

	results := make([]string, 0, len(calls))
	for _, tc := range calls {
		result := exec.Execute(ctx, tc.Function.Name, tc.Function.Arguments)
		results = append(results, result)
		history = append(history, llm.Message{
			Role:       llm.RoleTool,
			Content:    result,
			ToolCallID: tc.ID,
			Name:       tc.Function.Name,
		})
	}
	return history, results
}
