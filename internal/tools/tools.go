// Package tools defines the capability registry the agent calls into
// and the tools registered with it.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string                                                         `json:"name"`
	Description string                                                         `json:"description"`
	Parameters  map[string]any                                                 `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Registry holds available tools. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{tools: make(map[string]*Tool), logger: logger}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns the tool definitions in the function-calling schema the
// chat provider expects, sorted by name.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, name := range r.Names() {
		t := r.Get(name)
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// Call runs a tool and returns its handler's error unchanged. An
// unknown name yields *[ErrToolNotFound]. A panicking handler is
// recovered and reported as an error.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (out string, err error) {
	t := r.Get(name)
	if t == nil {
		return "", &ErrToolNotFound{ToolName: name}
	}
	if args == nil {
		args = map[string]any{}
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", rec, "stack", string(debug.Stack()))
			out, err = "", fmt.Errorf("panic: %v", rec)
		}
	}()
	return t.Handler(ctx, args)
}

// Execute runs a tool and folds every failure into the returned
// string, which always starts with "Error" on failure. This is the
// form the conversation loop feeds back to the model.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) string {
	start := time.Now()
	out, err := r.Call(ctx, name, args)

	var notFound *ErrToolNotFound
	switch {
	case errors.As(err, &notFound):
		r.logger.Warn("unknown tool requested", "tool", name)
		return fmt.Sprintf("Error: Tool '%s' not found", name)
	case err != nil:
		r.logger.Info("tool failed", "tool", name, "error", err, "elapsed", time.Since(start).Round(time.Millisecond))
		return fmt.Sprintf("Error executing %s: %v", name, err)
	}

	r.logger.Debug("tool executed", "tool", name, "bytes", len(out), "elapsed", time.Since(start).Round(time.Millisecond))
	return out
}
