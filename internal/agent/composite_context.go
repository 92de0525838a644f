package agent

import (
	"context"
	"log/slog"
	"strings"
)

// CompositeContextProvider combines multiple context providers.
// Each provider's output is separated by a blank line.
type CompositeContextProvider struct {
	providers []ContextProvider
	logger    *slog.Logger
}

// NewCompositeContextProvider creates a composite from multiple providers.
func NewCompositeContextProvider(logger *slog.Logger, providers ...ContextProvider) *CompositeContextProvider {
	if logger == nil {
		logger = slog.Default()
	}
	c := &CompositeContextProvider{logger: logger}
	for _, p := range providers {
		c.Add(p)
	}
	return c
}

// Add appends a provider to the composite.
func (c *CompositeContextProvider) Add(provider ContextProvider) {
	if provider != nil {
		c.providers = append(c.providers, provider)
	}
}

// GetContext calls all providers and combines their output. A failing
// provider is logged and skipped.
func (c *CompositeContextProvider) GetContext(ctx context.Context, userMessage string) (string, error) {
	var parts []string

	for _, p := range c.providers {
		content, err := p.GetContext(ctx, userMessage)
		if err != nil {
			c.logger.Warn("context provider failed", "provider", providerName(p), "error", err)
			continue
		}
		if content != "" {
			parts = append(parts, content)
		}
	}

	return strings.Join(parts, "\n\n"), nil
}

func providerName(p ContextProvider) string {
	switch p.(type) {
	case *ChannelProvider:
		return "channel"
	case *PersonaProvider:
		return "persona"
	default:
		return "other"
	}
}
