package llm

import (
	"strings"
)

// ParserDefectSignature appears in Ollama's error text when the server
// chokes on malformed JSON it echoes back from earlier tool-call
// history.
const ParserDefectSignature = "can't find closing '}' symbol"

// IsParserDefect reports whether an upstream error text carries
// [ParserDefectSignature].
func IsParserDefect(errText string) bool {
	return strings.Contains(errText, ParserDefectSignature)
}

// Diagnostic stage names, one per repair step.
const (
	StageInitial      = "initial_error"
	StageRetry        = "retry_error"
	StageCompactRetry = "compact_retry_error"
)

// SyntheticToolCallPrefix tags the ids of tool calls recovered from
// free text. SanitizeMessages strips batches carrying it.
const SyntheticToolCallPrefix = "react_"

// toolCallFiller replaces the empty content of an assistant turn whose
// tool-call annotation was stripped.
const toolCallFiller = "Tool call executed."

// compactTail is how many history turns survive compaction.
const compactTail = 10

// errorEchoes mark turns that quote an earlier upstream failure back at
// the model. Compaction drops them.
var errorEchoes = []string{
	"{...}",
	"Error calling Ollama: Value looks like object",
}

// repairStep is one rung of the ladder: rewrite the history, then call
// again. The first step has no transform.
type repairStep struct {
	stage     string
	transform func([]Message) []Message
}

// repairLadder is evaluated in order until a call succeeds. A step only
// runs when the previous failure carried the parser defect signature.
var repairLadder = []repairStep{
	{stage: StageInitial},
	{stage: StageRetry, transform: SanitizeMessages},
	{stage: StageCompactRetry, transform: CompactMessages},
}

// SanitizeMessages strips the history patterns that trip Ollama's JSON
// parser:
//   - reasoning traces are dropped from every turn;
//   - assistant turns carrying a synthetic tool-call batch (an id from
//     the free-text parser, or empty-object arguments) lose the batch,
//     and get a filler text if their content is blank;
//   - assistant content that is itself a bare JSON object is blanked.
//
// The input slice is not modified.
func SanitizeMessages(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		clean := m
		clean.Reasoning = ""

		if clean.Role == RoleAssistant && len(clean.ToolCalls) > 0 && hasSyntheticToolCall(clean.ToolCalls) {
			clean.ToolCalls = nil
			if strings.TrimSpace(clean.Content) == "" {
				clean.Content = toolCallFiller
			}
		}

		if clean.Role == RoleAssistant && strings.HasPrefix(strings.TrimSpace(clean.Content), "{") {
			clean.Content = ""
		}

		out = append(out, clean)
	}
	return out
}

func hasSyntheticToolCall(calls []ToolCall) bool {
	for _, tc := range calls {
		if strings.HasPrefix(tc.ID, SyntheticToolCallPrefix) || len(tc.Function.Arguments) == 0 {
			return true
		}
	}
	return false
}

// CompactMessages keeps the leading system turn plus at most the last
// ten turns of the remaining history, dropping any of those that echo a
// previous upstream error.
func CompactMessages(messages []Message) []Message {
	if len(messages) == 0 {
		return messages
	}

	var head []Message
	tail := messages
	if messages[0].Role == RoleSystem {
		head = messages[:1]
		tail = messages[1:]
	}
	if len(tail) > compactTail {
		tail = tail[len(tail)-compactTail:]
	}

	out := make([]Message, 0, len(head)+len(tail))
	out = append(out, head...)
	for _, m := range tail {
		if echoesError(m.Content) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func echoesError(content string) bool {
	for _, s := range errorEchoes {
		if strings.Contains(content, s) {
			return true
		}
	}
	return false
}
