package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/nugget/yak/internal/llm"
	"github.com/nugget/yak/internal/tools"
)

// ContextProvider contributes a block of text to the system prompt.
type ContextProvider interface {
	GetContext(ctx context.Context, userMessage string) (string, error)
}

const identity = `You are Yak, a personal assistant that people reach over chat apps and email.

You can call tools. Use them when a request needs fresh information or an action; answer directly otherwise. When a tool returns an error, read it, fix the arguments and try again, or explain what went wrong.

Video generation takes minutes. Call text_to_video_workflow once per request and do not poll for it.`

// PersonaProvider reads a persona file on every turn, so edits made
// through the file tools take effect on the next message. A missing
// file contributes nothing.
type PersonaProvider struct {
	path string
}

// NewPersonaProvider returns a provider for path. An empty path yields
// a provider that always returns "".
func NewPersonaProvider(path string) *PersonaProvider {
	return &PersonaProvider{path: path}
}

// GetContext returns the trimmed persona file content.
func (p *PersonaProvider) GetContext(context.Context, string) (string, error) {
	if p.path == "" {
		return "", nil
	}
	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read persona: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ContextBuilder assembles the message list sent to the model for one
// turn: system prompt, replayed history, then the new user message.
type ContextBuilder struct {
	workspace string
	provider  ContextProvider
	now       func() time.Time
}

// NewContextBuilder creates a builder. provider may be nil.
func NewContextBuilder(workspace string, provider ContextProvider) *ContextBuilder {
	return &ContextBuilder{workspace: workspace, provider: provider, now: time.Now}
}

// SystemPrompt renders the system turn for the current context.
func (b *ContextBuilder) SystemPrompt(ctx context.Context, userMessage string) string {
	var sb strings.Builder
	sb.WriteString(identity)

	now := b.now()
	fmt.Fprintf(&sb, "\n\n## Current Time\n%s (%s)", now.Format("2006-01-02 15:04 MST"), now.Weekday())

	if b.workspace != "" {
		fmt.Fprintf(&sb, "\n\n## Workspace\nFile tools operate inside %s.", b.workspace)
	}

	if turn := tools.TurnFromContext(ctx); turn.Channel != "" {
		fmt.Fprintf(&sb, "\n\n## Session\nChannel: %s\nChat ID: %s", turn.Channel, turn.ChatID)
	}

	if b.provider != nil {
		extra, _ := b.provider.GetContext(ctx, userMessage)
		if extra != "" {
			sb.WriteString("\n\n")
			sb.WriteString(extra)
		}
	}
	return sb.String()
}

// Build returns the full message list for a turn. Media paths are
// listed after the user's text so tools can reach them.
func (b *ContextBuilder) Build(ctx context.Context, history []llm.Message, current string, media []string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: b.SystemPrompt(ctx, current)})
	msgs = append(msgs, history...)

	content := current
	if len(media) > 0 {
		var sb strings.Builder
		sb.WriteString(current)
		sb.WriteString("\n\n[Attached files]")
		for _, p := range media {
			sb.WriteString("\n- ")
			sb.WriteString(p)
		}
		content = sb.String()
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: content})
}
