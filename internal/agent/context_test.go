package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/yak/internal/llm"
	"github.com/nugget/yak/internal/tools"
)

func TestContextBuilder_Build(t *testing.T) {
	dir := t.TempDir()
	persona := filepath.Join(dir, "persona.md")
	if err := os.WriteFile(persona, []byte("  Speak like a ship's captain.\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	b := NewContextBuilder(dir, NewCompositeContextProvider(nil, NewPersonaProvider(persona), NewChannelProvider()))
	b.now = func() time.Time { return time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC) }

	ctx := tools.WithTurn(context.Background(), tools.Turn{Channel: "email", ChatID: "ann@example.com"})
	history := []llm.Message{{Role: llm.RoleUser, Content: "earlier"}, {Role: llm.RoleAssistant, Content: "reply"}}
	msgs := b.Build(ctx, history, "look at this", []string{"/tmp/a.png", "/tmp/b.png"})

	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	sys := msgs[0].Content
	for _, want := range []string{
		"You are Yak",
		"2026-03-02 09:30 UTC (Monday)",
		"File tools operate inside " + dir,
		"Channel: email\nChat ID: ann@example.com",
		"Speak like a ship's captain.",
		"[Channel: email.",
	} {
		if !strings.Contains(sys, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if msgs[1].Content != "earlier" || msgs[2].Content != "reply" {
		t.Errorf("history not replayed in order: %+v", msgs[1:3])
	}
	if msgs[3].Content != "look at this\n\n[Attached files]\n- /tmp/a.png\n- /tmp/b.png" {
		t.Errorf("user turn = %q", msgs[3].Content)
	}
}

func TestPersonaProvider_Missing(t *testing.T) {
	got, err := NewPersonaProvider(filepath.Join(t.TempDir(), "nope.md")).GetContext(context.Background(), "")
	if err != nil || got != "" {
		t.Errorf("missing persona = %q, %v", got, err)
	}
	got, err = NewPersonaProvider("").GetContext(context.Background(), "")
	if err != nil || got != "" {
		t.Errorf("empty path = %q, %v", got, err)
	}
}

func TestChannelProvider_Unknown(t *testing.T) {
	ctx := tools.WithTurn(context.Background(), tools.Turn{Channel: "pager"})
	if got, _ := NewChannelProvider().GetContext(ctx, ""); got != "" {
		t.Errorf("unknown channel note = %q", got)
	}
}
