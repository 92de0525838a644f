package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNewClient_Timeouts(t *testing.T) {
	tests := []struct {
		name string
		opts []ClientOption
		want time.Duration
	}{
		{name: "default", want: 30 * time.Second},
		{name: "custom", opts: []ClientOption{WithTimeout(5 * time.Second)}, want: 5 * time.Second},
		{name: "disabled", opts: []ClientOption{WithTimeout(0)}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(tt.opts...)
			if c.Timeout != tt.want {
				t.Errorf("Timeout = %v, want %v", c.Timeout, tt.want)
			}
		})
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	defer srv.Close()

	tests := []struct {
		name   string
		opts   []ClientOption
		preset string
		want   string
		prefix bool
	}{
		{name: "default", want: "yak/", prefix: true},
		{name: "override", opts: []ClientOption{WithUserAgent("TestBot/1.0")}, want: "TestBot/1.0"},
		{name: "caller header wins", preset: "Custom/2.0", want: "Custom/2.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
			if tt.preset != "" {
				req.Header.Set("User-Agent", tt.preset)
			}
			resp, err := NewClient(tt.opts...).Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			got := string(body)
			if tt.prefix && !strings.HasPrefix(got, tt.want) {
				t.Errorf("User-Agent = %q, want prefix %q", got, tt.want)
			}
			if !tt.prefix && got != tt.want {
				t.Errorf("User-Agent = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadErrorBody(t *testing.T) {
	if got := ReadErrorBody(io.NopCloser(strings.NewReader("boom")), 100); got != "boom" {
		t.Errorf("ReadErrorBody() = %q, want %q", got, "boom")
	}
	if got := ReadErrorBody(io.NopCloser(strings.NewReader("abcdef")), 3); got != "abc" {
		t.Errorf("ReadErrorBody() truncated = %q, want %q", got, "abc")
	}
	if got := ReadErrorBody(nil, 100); got != "" {
		t.Errorf("ReadErrorBody(nil) = %q, want empty", got)
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"ollama string", `{"error":"model 'qwen3' not found"}`, "model 'qwen3' not found"},
		{"nested message", `{"error":{"message":"rate limited","type":"api_error"}}`, "rate limited"},
		{"fastapi detail", `{"detail":"prompt is required"}`, "prompt is required"},
		{"fastapi validation list", `{"detail":[{"loc":["body","prompt"]}]}`, `[{"loc":["body","prompt"]}]`},
		{"error object without message", `{"error":{"code":7}}`, `{"code":7}`},
		{"plain text", "gpu on fire", "gpu on fire"},
		{"json without error", `{"status":"busy"}`, `{"status":"busy"}`},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorMessage([]byte(tt.body)); got != tt.want {
				t.Errorf("ErrorMessage(%s) = %q, want %q", tt.body, got, tt.want)
			}
		})
	}

	rc := io.NopCloser(strings.NewReader(`{"error":"boom"}`))
	if got := ReadErrorMessage(rc, 100); got != "boom" {
		t.Errorf("ReadErrorMessage() = %q, want boom", got)
	}
}

func TestIsConnectError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "refused", err: syscall.ECONNREFUSED, want: true},
		{name: "op error unreachable", err: &net.OpError{Op: "dial", Err: syscall.EHOSTUNREACH}, want: true},
		{name: "wrapped", err: fmt.Errorf("dial: %w", syscall.ENETUNREACH), want: true},
		{name: "reset is not retried", err: syscall.ECONNRESET, want: false},
		{name: "generic", err: errors.New("nope"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnectError(tt.err); got != tt.want {
				t.Errorf("IsConnectError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

type scriptedTransport struct {
	errs  []error
	calls int
}

func (s *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("ok")), Request: req}, nil
}

func TestRetryTransport(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		count     int
		wantErr   bool
		wantCalls int
	}{
		{name: "success first try", errs: nil, count: 2, wantCalls: 1},
		{name: "recovers", errs: []error{syscall.ECONNREFUSED}, count: 2, wantCalls: 2},
		{name: "exhausts", errs: []error{syscall.ECONNREFUSED, syscall.ECONNREFUSED, syscall.ECONNREFUSED}, count: 2, wantErr: true, wantCalls: 3},
		{name: "non-retryable", errs: []error{errors.New("tls")}, count: 2, wantErr: true, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := &scriptedTransport{errs: tt.errs}
			rt := &retryTransport{base: base, count: tt.count, delay: time.Millisecond}
			req, _ := http.NewRequest(http.MethodGet, "http://example.invalid/", nil)
			resp, err := rt.RoundTrip(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("RoundTrip() error = %v, wantErr %v", err, tt.wantErr)
			}
			if resp != nil {
				resp.Body.Close()
			}
			if base.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", base.calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryTransport_RespectsContext(t *testing.T) {
	base := &scriptedTransport{errs: []error{syscall.ECONNREFUSED, syscall.ECONNREFUSED}}
	rt := &retryTransport{base: base, count: 3, delay: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.invalid/", nil)

	_, err := rt.RoundTrip(req)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("RoundTrip() error = %v, want context.Canceled", err)
	}
}
