package cron

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/nugget/yak/internal/bus"
	"github.com/nugget/yak/internal/config"
	"github.com/nugget/yak/internal/events"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		jobs []config.CronJobConfig
	}{
		{"bad schedule", []config.CronJobConfig{{Name: "a", Schedule: "every tuesday", Message: "x"}}},
		{"duplicate", []config.CronJobConfig{
			{Name: "a", Schedule: "@daily", Message: "x"},
			{Name: "a", Schedule: "@hourly", Message: "y"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.jobs, bus.New(nil, 1), nil, slog.Default(), time.UTC); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestFire(t *testing.T) {
	b := bus.New(slog.Default(), 8)
	ev := events.New()
	sub := ev.Subscribe(4)

	s, err := New([]config.CronJobConfig{
		{Name: "morning", Schedule: "0 8 * * *", Message: "Summarize my calendar for today.", Channel: "whatsapp", ChatID: "123@lid"},
		{Schedule: "@every 1h", Message: "Check the inbox."},
	}, b, ev, slog.Default(), time.UTC)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.Fire(t.Context(), "morning"); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	msg, err := b.ConsumeInbound(t.Context(), time.Second)
	if err != nil {
		t.Fatalf("ConsumeInbound: %v", err)
	}
	if msg.Channel != "system" || msg.ChatID != "whatsapp:123@lid" || msg.SenderID != "cron:morning" {
		t.Errorf("routing = %s/%s/%s", msg.Channel, msg.ChatID, msg.SenderID)
	}
	if msg.Content != "Summarize my calendar for today." {
		t.Errorf("Content = %q", msg.Content)
	}

	select {
	case e := <-sub:
		if e.Kind != events.KindTaskFired || e.Data["task_name"] != "morning" {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Error("no task_fired event")
	}

	if err := s.Fire(t.Context(), "job-1"); err != nil {
		t.Fatalf("Fire(job-1): %v", err)
	}
	msg, _ = b.ConsumeInbound(t.Context(), time.Second)
	if msg.ChatID != "cli:direct" {
		t.Errorf("default target = %q, want cli:direct", msg.ChatID)
	}

	if err := s.Fire(t.Context(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Fire(missing) = %v, want ErrNotFound", err)
	}

	entries := s.Entries()
	if len(entries) != 2 || entries[0].Name != "job-1" || entries[1].Name != "morning" {
		t.Fatalf("Entries() = %+v", entries)
	}
	if entries[1].Runs != 1 || entries[1].Target != "whatsapp:123@lid" {
		t.Errorf("morning entry = %+v", entries[1])
	}
}

func TestStart_RunsSchedule(t *testing.T) {
	b := bus.New(slog.Default(), 8)
	s, err := New([]config.CronJobConfig{
		{Name: "tick", Schedule: "@every 1s", Message: "tick"},
	}, b, nil, slog.Default(), time.UTC)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Start(ctx)
	}()

	msg, err := b.ConsumeInbound(t.Context(), 3*time.Second)
	if err != nil {
		t.Fatalf("scheduled job never fired: %v", err)
	}
	if msg.Content != "tick" {
		t.Errorf("Content = %q", msg.Content)
	}
	if next := s.Entries()[0].Next; next.IsZero() {
		t.Error("Next should be set while running")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
