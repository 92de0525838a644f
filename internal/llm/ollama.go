package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/yak/internal/httpkit"
)

// Generation defaults sent in the request options.
const (
	DefaultNumPredict  = 4096
	DefaultTemperature = 0.7
)

// OllamaProvider talks to an Ollama server's native /api/chat endpoint.
// Chat wraps every call in the repair ladder (see [SanitizeMessages]
// and [CompactMessages]).
type OllamaProvider struct {
	baseURL     string
	httpClient  *http.Client
	logger      *slog.Logger
	diagnostics DiagnosticSink
	numPredict  int
	temperature float64
	newCallID   func() string
}

// OllamaOption configures an [OllamaProvider].
type OllamaOption func(*OllamaProvider)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) OllamaOption {
	return func(p *OllamaProvider) { p.httpClient = c }
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(d time.Duration) OllamaOption {
	return func(p *OllamaProvider) {
		p.httpClient = httpkit.NewClient(httpkit.WithTimeout(d), httpkit.WithRetry(2, time.Second), httpkit.WithLogger(p.logger))
	}
}

// WithDiagnostics sets where failed repair stages are recorded.
func WithDiagnostics(s DiagnosticSink) OllamaOption {
	return func(p *OllamaProvider) { p.diagnostics = s }
}

// WithGeneration overrides num_predict and temperature.
func WithGeneration(numPredict int, temperature float64) OllamaOption {
	return func(p *OllamaProvider) {
		p.numPredict = numPredict
		p.temperature = temperature
	}
}

// NewOllamaProvider creates a provider for the server at baseURL.
func NewOllamaProvider(baseURL string, logger *slog.Logger, opts ...OllamaOption) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &OllamaProvider{
		baseURL:     strings.TrimRight(baseURL, "/"),
		logger:      logger,
		diagnostics: discardSink{},
		numPredict:  DefaultNumPredict,
		temperature: DefaultTemperature,
		newCallID: func() string {
			return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
		},
	}
	p.httpClient = httpkit.NewClient(httpkit.WithTimeout(120*time.Second), httpkit.WithRetry(2, time.Second), httpkit.WithLogger(logger))
	for _, o := range opts {
		o(p)
	}
	return p
}

// chatRequest is the /api/chat request body. It is also the payload
// recorded by the diagnostic sink.
type chatRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Stream   bool             `json:"stream"`
	Options  chatOptions      `json:"options"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type chatOptions struct {
	NumPredict  int     `json:"num_predict"`
	Temperature float64 `json:"temperature"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Message struct {
		Role             string `json:"role"`
		Content          string `json:"content"`
		Thinking         string `json:"thinking"`
		ReasoningContent string `json:"reasoning_content"`
		ToolCalls        []struct {
			ID       string `json:"id"`
			Function struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	} `json:"message"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Chat sends one chat request, walking the repair ladder when the
// server reports its JSON parser defect. It never returns nil.
func (p *OllamaProvider) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) *ChatResponse {
	req := chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
		Options:  chatOptions{NumPredict: p.numPredict, Temperature: p.temperature},
		Tools:    tools,
	}

	var errText string
	for i, step := range repairLadder {
		if step.transform != nil {
			req.Messages = step.transform(req.Messages)
			p.logger.Warn("retrying chat with repaired history",
				"stage", step.stage,
				"model", model,
				"messages", len(req.Messages),
			)
		}

		resp, upstreamErr, err := p.post(ctx, req)
		if err != nil {
			p.logger.Error("ollama chat failed", "model", model, "error", err)
			return errorResponse(model, err.Error())
		}
		if upstreamErr == "" {
			return resp
		}

		errText = upstreamErr
		defect := IsParserDefect(errText)
		if i > 0 || defect {
			p.diagnostics.Record(step.stage, errText, req)
		}
		if !defect {
			break
		}
		p.logger.Warn("ollama parser defect", "stage", step.stage, "model", model, "error", errText)
	}

	return errorResponse(model, errText)
}

func errorResponse(model, errText string) *ChatResponse {
	return &ChatResponse{
		Model:        model,
		Content:      "Error calling Ollama: " + errText,
		FinishReason: FinishError,
	}
}

// post performs one HTTP round trip. A non-empty upstreamErr means the
// server answered with an HTTP error; err means no usable answer at all.
func (p *OllamaProvider) post(ctx context.Context, req chatRequest) (resp *ChatResponse, upstreamErr string, err error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, "", fmt.Errorf("marshal request: %w", err)
	}
	p.logger.Log(ctx, levelTrace, "ollama chat request", "body", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read response: %w", err)
	}
	p.logger.Log(ctx, levelTrace, "ollama chat response", "status", httpResp.StatusCode, "body", string(data))

	if httpResp.StatusCode >= http.StatusBadRequest {
		return nil, httpkit.ErrorMessage(data), nil
	}

	var cr chatResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return nil, "", fmt.Errorf("decode response: %w", err)
	}
	return p.parseResponse(&cr), "", nil
}

func (p *OllamaProvider) parseResponse(cr *chatResponse) *ChatResponse {
	resp := &ChatResponse{
		Model:        cr.Model,
		Content:      cr.Message.Content,
		FinishReason: cr.DoneReason,
		Reasoning:    cr.Message.ReasoningContent,
		Usage: Usage{
			InputTokens:  cr.PromptEvalCount,
			OutputTokens: cr.EvalCount,
		},
	}
	if resp.FinishReason == "" {
		resp.FinishReason = "stop"
	}
	if resp.Reasoning == "" {
		resp.Reasoning = cr.Message.Thinking
	}

	for _, tc := range cr.Message.ToolCalls {
		id := tc.ID
		if id == "" {
			id = p.newCallID()
		}
		name := tc.Function.Name
		if name == "" {
			name = "unknown_tool"
		}
		resp.ToolCalls = append(resp.ToolCalls, NewToolCall(id, name, parseRawArguments(tc.Function.Arguments)))
	}
	return resp
}

// parseRawArguments accepts tool arguments as an object, a JSON string
// holding an object, or anything else (wrapped as {"value": v}).
func parseRawArguments(raw json.RawMessage) map[string]any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	if s, ok := v.(string); ok {
		return DecodeArguments(s)
	}
	return WrapArguments(v)
}

// Ping checks that the server answers on /api/tags.
func (p *OllamaProvider) Ping(ctx context.Context) error {
	_, err := p.ListModels(ctx)
	return err
}

// ListModels returns the names of locally available models.
func (p *OllamaProvider) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, httpkit.ReadErrorMessage(resp.Body, 512))
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}
