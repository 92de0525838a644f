package agent

import (
	"context"
	"fmt"
	"testing"

	"github.com/nugget/yak/internal/llm"
)

// orderedExecutor records the order calls arrive in and returns a
// result naming each call.
type orderedExecutor struct {
	seen []string
}

func (e *orderedExecutor) Execute(_ context.Context, name string, args map[string]any) string {
	e.seen = append(e.seen, name)
	return fmt.Sprintf("%s:%v", name, args["n"])
}

func TestApplyToolCalls(t *testing.T) {
	calls := []llm.ToolCall{
		llm.NewToolCall("call_1", "first", map[string]any{"n": 1}),
		llm.NewToolCall("call_2", "second", map[string]any{"n": 2}),
	}
	base := []llm.Message{{Role: llm.RoleSystem, Content: "sys"}, {Role: llm.RoleUser, Content: "go"}}

	tests := []struct {
		name          string
		assistant     llm.Message
		native        bool
		wantAssistant bool
		wantCalls     int
	}{
		{"native batch recorded", llm.Message{Content: "working", Reasoning: "trace"}, true, true, 2},
		{"text fallback with content", llm.Message{Content: "working"}, false, true, 0},
		{"text fallback blank", llm.Message{}, false, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &orderedExecutor{}
			history := append([]llm.Message(nil), base...)
			out, results := ApplyToolCalls(context.Background(), exec, history, calls, tt.assistant, tt.native)

			if len(results) != 2 || results[0] != "first:1" || results[1] != "second:2" {
				t.Fatalf("results = %v", results)
			}
			if exec.seen[0] != "first" || exec.seen[1] != "second" {
				t.Errorf("execution order = %v", exec.seen)
			}

			i := len(base)
			if tt.wantAssistant {
				a := out[i]
				if a.Role != llm.RoleAssistant || len(a.ToolCalls) != tt.wantCalls {
					t.Errorf("assistant turn = %+v", a)
				}
				if !tt.native && a.Reasoning != "" {
					t.Error("reasoning kept on text fallback turn")
				}
				i++
			}
			if len(out) != i+2 {
				t.Fatalf("got %d messages, want %d", len(out), i+2)
			}
			for j, id := range []string{"call_1", "call_2"} {
				m := out[i+j]
				if m.Role != llm.RoleTool || m.ToolCallID != id || m.Content != results[j] {
					t.Errorf("tool turn %d = %+v", j, m)
				}
			}
		})
	}
}
