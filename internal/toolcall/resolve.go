// Package toolcall recovers tool invocations from free-form model text
// for models that describe a call instead of emitting a structured one.
package toolcall

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/nugget/yak/internal/llm"
)

// IDPrefix tags the ids of calls recovered from text.
const IDPrefix = llm.SyntheticToolCallPrefix

var (
	fencedBlockRE = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	actionInputRE = regexp.MustCompile(`(?s)Action\s*:\s*([A-Za-z0-9_\-]+)\s*(?:\r?\n)+Action Input\s*:\s*(\{.*\})`)
	parenToolRE   = regexp.MustCompile(`(?s)\("tool"\s*:\s*"(?P<name>[A-Za-z0-9_\-]+)"\s*,\s*"arguments"\s*:\s*\((?P<args>.*)\)\s*\)`)
)

// Resolve extracts tool calls from text. All grammars are tried in
// order and every match is collected:
//
//  1. fenced ```json blocks holding a single object;
//  2. ReAct "Action: name" / "Action Input: {...}" pairs;
//  3. the whole trimmed text as one object, or one parenthesized
//     expression.
//
// Malformed fragments are skipped. Duplicates by (name, arguments) keep
// their first occurrence. An empty result means no call was found.
func Resolve(text string) []llm.ToolCall {
	if text == "" {
		return nil
	}

	var (
		calls  []llm.ToolCall
		cursor int
	)
	accept := func(name string, args map[string]any) {
		calls = append(calls, llm.NewToolCall(IDPrefix+strconv.Itoa(cursor), name, args))
		cursor++
	}

	for _, m := range fencedBlockRE.FindAllStringSubmatch(text, -1) {
		obj, ok := decodeObject(m[1])
		if !ok {
			continue
		}
		if name, args, ok := coerce(obj); ok {
			accept(name, args)
		}
	}

	for _, m := range actionInputRE.FindAllStringSubmatch(text, -1) {
		accept(m[1], llm.DecodeArguments(strings.TrimSpace(m[2])))
	}

	stripped := strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(stripped, "{") && strings.HasSuffix(stripped, "}"):
		if obj, ok := decodeObject(stripped); ok {
			if name, args, ok := coerce(obj); ok {
				accept(name, args)
			}
		}
	case strings.HasPrefix(stripped, "(") && strings.HasSuffix(stripped, ")"):
		inner := strings.TrimSpace(stripped[1 : len(stripped)-1])
		var v any
		if err := json.Unmarshal([]byte("{"+inner+"}"), &v); err == nil {
			if obj, ok := v.(map[string]any); ok {
				if name, args, ok := coerce(obj); ok {
					accept(name, args)
				}
			}
		} else if m := parenToolRE.FindStringSubmatch(stripped); m != nil {
			name := m[parenToolRE.SubexpIndex("name")]
			accept(name, parseKeyValues(m[parenToolRE.SubexpIndex("args")]))
		}
	}

	return dedupe(calls)
}

func decodeObject(s string) (map[string]any, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	obj, ok := v.(map[string]any)
	return obj, ok
}

// coerce pulls a name and argument map out of a loosely shaped call
// object. The name comes from the first truthy of tool, name, action;
// the arguments from the first truthy of arguments, input, args.
func coerce(obj map[string]any) (string, map[string]any, bool) {
	rawName := firstTruthy(obj, "tool", "name", "action")
	name, ok := rawName.(string)
	if !ok || strings.TrimSpace(name) == "" {
		return "", nil, false
	}

	var args map[string]any
	switch a := firstTruthy(obj, "arguments", "input", "args").(type) {
	case nil:
		args = map[string]any{}
	case string:
		args = llm.DecodeArguments(a)
	default:
		args = llm.WrapArguments(a)
	}
	return strings.TrimSpace(name), args, true
}

func firstTruthy(obj map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := obj[k]; ok && truthy(v) {
			return v
		}
	}
	return nil
}

// truthy treats JSON null, false, zero, "" and empty containers as
// absent.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	}
	return true
}

// parseKeyValues reads a comma-separated key=value list. Quoted values
// are kept verbatim without their quotes; other values are decoded as
// JSON literals when possible and kept as strings otherwise.
func parseKeyValues(raw string) map[string]any {
	args := map[string]any{}
	for _, piece := range strings.Split(strings.TrimSpace(raw), ",") {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		k, v, found := strings.Cut(piece, "=")
		if !found {
			continue
		}
		key := strings.Trim(strings.TrimSpace(k), `"'`)
		val := strings.TrimSpace(v)
		if len(val) >= 2 && ((val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'')) {
			args[key] = val[1 : len(val)-1]
			continue
		}
		var decoded any
		if err := json.Unmarshal([]byte(val), &decoded); err == nil {
			args[key] = decoded
		} else {
			args[key] = val
		}
	}
	return args
}

// Fingerprint is the identity used for deduplication: the tool name
// plus its arguments as sorted-key JSON.
func Fingerprint(tc llm.ToolCall) string {
	data, err := json.Marshal(tc.Function.Arguments)
	if err != nil {
		return tc.Function.Name + "\x00" + tc.ID
	}
	return tc.Function.Name + "\x00" + string(data)
}

func dedupe(calls []llm.ToolCall) []llm.ToolCall {
	if len(calls) < 2 {
		return calls
	}
	seen := make(map[string]struct{}, len(calls))
	out := calls[:0]
	for _, tc := range calls {
		fp := Fingerprint(tc)
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}
		out = append(out, tc)
	}
	return out
}
