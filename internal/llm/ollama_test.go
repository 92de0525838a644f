package llm

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type recordedDiagnostic struct {
	stage   string
	errText string
}

type memorySink struct {
	mu      sync.Mutex
	records []recordedDiagnostic
}

func (s *memorySink) Record(stage, errText string, _ any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, recordedDiagnostic{stage, errText})
}

func (s *memorySink) stages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.records))
	for i, r := range s.records {
		out[i] = r.stage
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedServer answers successive /api/chat calls with the given
// status/body pairs and captures every decoded request.
type scriptedServer struct {
	mu       sync.Mutex
	replies  []scriptedReply
	requests []chatRequest
}

type scriptedReply struct {
	status int
	body   string
}

func (s *scriptedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var req chatRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.requests = append(s.requests, req)

	reply := scriptedReply{status: http.StatusInternalServerError, body: `{"error":"script exhausted"}`}
	if n := len(s.requests) - 1; n < len(s.replies) {
		reply = s.replies[n]
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(reply.status)
	_, _ = io.WriteString(w, reply.body)
}

func newScriptedProvider(t *testing.T, replies ...scriptedReply) (*OllamaProvider, *scriptedServer, *memorySink) {
	t.Helper()
	script := &scriptedServer{replies: replies}
	srv := httptest.NewServer(script)
	t.Cleanup(srv.Close)

	sink := &memorySink{}
	p := NewOllamaProvider(srv.URL, discardLogger(), WithDiagnostics(sink))
	return p, script, sink
}

const defectBody = `{"error":"Value looks like object, but can't find closing '}' symbol"}`

func TestOllamaChat_ParsesResponse(t *testing.T) {
	p, script, _ := newScriptedProvider(t, scriptedReply{http.StatusOK, `{
		"model": "qwen3:8b",
		"message": {
			"role": "assistant",
			"content": "checking",
			"thinking": "let me look",
			"tool_calls": [
				{"id": "abc", "function": {"name": "web_search", "arguments": {"query": "go"}}},
				{"function": {"name": "", "arguments": "{\"n\": 2}"}},
				{"function": {"name": "echo", "arguments": "[1,2]"}}
			]
		},
		"done_reason": "",
		"prompt_eval_count": 12,
		"eval_count": 7
	}`})

	resp := p.Chat(t.Context(), "qwen3:8b", []Message{{Role: RoleUser, Content: "hi"}}, []map[string]any{{"type": "function"}})

	if resp.IsError() {
		t.Fatalf("unexpected error response: %q", resp.Content)
	}
	if resp.Content != "checking" {
		t.Errorf("Content = %q, want checking", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want stop", resp.FinishReason)
	}
	if resp.Reasoning != "let me look" {
		t.Errorf("Reasoning = %q", resp.Reasoning)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 7 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
	if len(resp.ToolCalls) != 3 {
		t.Fatalf("got %d tool calls, want 3", len(resp.ToolCalls))
	}

	first := resp.ToolCalls[0]
	if first.ID != "abc" || first.Function.Name != "web_search" || first.Function.Arguments["query"] != "go" {
		t.Errorf("first call = %+v", first)
	}

	second := resp.ToolCalls[1]
	if second.Function.Name != "unknown_tool" {
		t.Errorf("second name = %q, want unknown_tool", second.Function.Name)
	}
	if !strings.HasPrefix(second.ID, "call_") || len(second.ID) != len("call_")+10 {
		t.Errorf("second id = %q, want call_ plus 10 hex chars", second.ID)
	}
	if second.Function.Arguments["n"] != float64(2) {
		t.Errorf("second args = %v", second.Function.Arguments)
	}

	third := resp.ToolCalls[2]
	if _, ok := third.Function.Arguments["value"]; !ok {
		t.Errorf("third args = %v, want value-wrapped", third.Function.Arguments)
	}

	req := script.requests[0]
	if req.Stream {
		t.Error("request asked for streaming")
	}
	if req.Options.NumPredict != DefaultNumPredict || req.Options.Temperature != DefaultTemperature {
		t.Errorf("options = %+v", req.Options)
	}
	if len(req.Tools) != 1 {
		t.Errorf("tools = %v", req.Tools)
	}
}

func TestOllamaChat_OmitsEmptyTools(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&raw)
		_, _ = io.WriteString(w, `{"message":{"content":"ok"}}`)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, discardLogger())
	p.Chat(t.Context(), "m", []Message{{Role: RoleUser, Content: "hi"}}, nil)

	if _, ok := raw["tools"]; ok {
		t.Errorf("request carried tools key: %v", raw["tools"])
	}
}

func TestOllamaChat_RepairLadder(t *testing.T) {
	history := []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "make a video"},
		{Role: RoleAssistant, Content: "", Reasoning: "hmm", ToolCalls: []ToolCall{
			NewToolCall("react_0", "generate_video", map[string]any{"prompt": "cat"}),
		}},
		{Role: RoleTool, Content: "{...}", ToolCallID: "react_0", Name: "generate_video"},
	}

	tests := []struct {
		name        string
		replies     []scriptedReply
		wantCalls   int
		wantError   bool
		wantContent string
		wantStages  []string
	}{
		{
			name:        "success first try",
			replies:     []scriptedReply{{200, `{"message":{"content":"done"}}`}},
			wantCalls:   1,
			wantContent: "done",
		},
		{
			name: "defect then sanitized success",
			replies: []scriptedReply{
				{500, defectBody},
				{200, `{"message":{"content":"recovered"}}`},
			},
			wantCalls:   2,
			wantContent: "recovered",
			wantStages:  []string{StageInitial},
		},
		{
			name: "defect twice then compact success",
			replies: []scriptedReply{
				{500, defectBody},
				{500, defectBody},
				{200, `{"message":{"content":"compact"}}`},
			},
			wantCalls:   3,
			wantContent: "compact",
			wantStages:  []string{StageInitial, StageRetry},
		},
		{
			name: "all stages fail",
			replies: []scriptedReply{
				{500, defectBody},
				{500, defectBody},
				{500, defectBody},
			},
			wantCalls:   3,
			wantError:   true,
			wantContent: "Error calling Ollama: Value looks like object, but can't find closing '}' symbol",
			wantStages:  []string{StageInitial, StageRetry, StageCompactRetry},
		},
		{
			name:        "non-defect error is not retried",
			replies:     []scriptedReply{{404, `{"error":"model not found"}`}},
			wantCalls:   1,
			wantError:   true,
			wantContent: "Error calling Ollama: model not found",
		},
		{
			name: "retry stage failing differently stops the ladder",
			replies: []scriptedReply{
				{500, defectBody},
				{503, "overloaded"},
			},
			wantCalls:   2,
			wantError:   true,
			wantContent: "Error calling Ollama: overloaded",
			wantStages:  []string{StageInitial, StageRetry},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, script, sink := newScriptedProvider(t, tt.replies...)
			resp := p.Chat(t.Context(), "m", history, nil)

			if len(script.requests) != tt.wantCalls {
				t.Errorf("server saw %d calls, want %d", len(script.requests), tt.wantCalls)
			}
			if resp.IsError() != tt.wantError {
				t.Errorf("IsError() = %v, want %v (content %q)", resp.IsError(), tt.wantError, resp.Content)
			}
			if resp.Content != tt.wantContent {
				t.Errorf("Content = %q, want %q", resp.Content, tt.wantContent)
			}
			got := sink.stages()
			if strings.Join(got, ",") != strings.Join(tt.wantStages, ",") {
				t.Errorf("diagnostic stages = %v, want %v", got, tt.wantStages)
			}
		})
	}
}

func TestOllamaChat_RetrySendsSanitizedHistory(t *testing.T) {
	p, script, _ := newScriptedProvider(t,
		scriptedReply{500, defectBody},
		scriptedReply{200, `{"message":{"content":"ok"}}`},
	)
	history := []Message{
		{Role: RoleUser, Content: "go"},
		{Role: RoleAssistant, Reasoning: "secret", ToolCalls: []ToolCall{
			NewToolCall("react_0", "t", map[string]any{"a": 1}),
		}},
	}
	p.Chat(t.Context(), "m", history, nil)

	retry := script.requests[1].Messages
	if len(retry[1].ToolCalls) != 0 {
		t.Errorf("retry kept synthetic tool calls: %+v", retry[1].ToolCalls)
	}
	if retry[1].Content != toolCallFiller {
		t.Errorf("retry content = %q, want filler", retry[1].Content)
	}
	if retry[1].Reasoning != "" {
		t.Errorf("retry kept reasoning %q", retry[1].Reasoning)
	}
	if history[1].Reasoning != "secret" {
		t.Error("caller history was modified")
	}
}

func TestOllamaChat_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	sink := &memorySink{}
	p := NewOllamaProvider(url, discardLogger(), WithDiagnostics(sink), WithHTTPClient(&http.Client{}))
	resp := p.Chat(t.Context(), "m", []Message{{Role: RoleUser, Content: "hi"}}, nil)

	if !resp.IsError() {
		t.Fatal("expected error response")
	}
	if !strings.HasPrefix(resp.Content, "Error calling Ollama: ") {
		t.Errorf("Content = %q", resp.Content)
	}
	if len(sink.stages()) != 0 {
		t.Errorf("transport error recorded diagnostics: %v", sink.stages())
	}
}

func TestOllamaListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"models":[{"name":"qwen3:8b"},{"name":"nemotron-mini"}]}`)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL+"/", discardLogger())
	models, err := p.ListModels(t.Context())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if strings.Join(models, ",") != "qwen3:8b,nemotron-mini" {
		t.Errorf("models = %v", models)
	}
	if err := p.Ping(t.Context()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestParseRawArguments(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]any
	}{
		{"missing", ``, map[string]any{}},
		{"object", `{"a":"b"}`, map[string]any{"a": "b"}},
		{"string object", `"{\"a\":1}"`, map[string]any{"a": float64(1)}},
		{"string garbage", `"not json"`, map[string]any{"raw": "not json"}},
		{"number", `5`, map[string]any{"value": float64(5)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseRawArguments(json.RawMessage(tt.raw))
			gotJSON, _ := json.Marshal(got)
			wantJSON, _ := json.Marshal(tt.want)
			if string(gotJSON) != string(wantJSON) {
				t.Errorf("parseRawArguments(%s) = %s, want %s", tt.raw, gotJSON, wantJSON)
			}
		})
	}
}
