package memory

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/yak/internal/llm"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := New(db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestAppendAndHistory(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := range 5 {
		err := s.Append(ctx, "discord:c1",
			llm.Message{Role: llm.RoleUser, Content: fmt.Sprintf("q%d", i)},
			llm.Message{Role: llm.RoleAssistant, Content: fmt.Sprintf("a%d", i)},
		)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	all, err := s.History(ctx, "discord:c1", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(all) != 10 || all[0].Content != "q0" || all[9].Content != "a4" {
		t.Fatalf("history = %+v", all)
	}

	tail, err := s.History(ctx, "discord:c1", 3)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	want := []string{"a3", "q4", "a4"}
	for i, m := range tail {
		if m.Content != want[i] {
			t.Errorf("tail[%d] = %q, want %q", i, m.Content, want[i])
		}
	}

	none, err := s.History(ctx, "email:nobody", 10)
	if err != nil || len(none) != 0 {
		t.Errorf("unknown session = %v, %v", none, err)
	}
}

func TestSessionsAndClear(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	s.Append(ctx, "a", llm.Message{Role: llm.RoleUser, Content: "hi"})
	base = base.Add(time.Minute)
	s.Append(ctx, "b", llm.Message{Role: llm.RoleUser, Content: "hi"}, llm.Message{Role: llm.RoleAssistant, Content: "hello"})

	sessions, err := s.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].Key != "b" || sessions[0].Messages != 2 {
		t.Fatalf("sessions = %+v", sessions)
	}
	if !sessions[0].UpdatedAt.Equal(base) {
		t.Errorf("UpdatedAt = %v, want %v", sessions[0].UpdatedAt, base)
	}

	if err := s.Clear(ctx, "b"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	sessions, _ = s.Sessions(ctx)
	if len(sessions) != 1 || sessions[0].Key != "a" {
		t.Errorf("after clear = %+v", sessions)
	}
}

func TestToolCalls(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i, name := range []string{"calendar", "generate_video"} {
		err := s.RecordToolCall(ctx, ToolCall{
			SessionKey: "cli:direct",
			ToolName:   name,
			Arguments:  map[string]any{"n": float64(i)},
			Result:     "Error: boom",
			Failed:     i == 1,
			StartedAt:  start.Add(time.Duration(i) * time.Second),
			Duration:   1500 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("RecordToolCall: %v", err)
		}
	}

	calls, err := s.ToolCalls(ctx, "cli:direct", 10)
	if err != nil {
		t.Fatalf("ToolCalls: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("got %d calls", len(calls))
	}
	first := calls[0]
	if first.ToolName != "generate_video" || !first.Failed || first.Arguments["n"] != float64(1) {
		t.Errorf("newest call = %+v", first)
	}
	if first.Duration != 1500*time.Millisecond || first.ID == "" {
		t.Errorf("duration/id = %v/%q", first.Duration, first.ID)
	}

	stats := s.Stats(ctx)
	if stats["tool_calls"] != 2 {
		t.Errorf("stats = %v", stats)
	}
}
