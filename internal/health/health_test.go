package health

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/yak/internal/events"
)

func testBackoff() Backoff {
	return Backoff{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   5,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDefaultBackoff(t *testing.T) {
	b := Backoff{}.withDefaults()
	if b != DefaultBackoff() {
		t.Errorf("zero backoff with defaults = %+v, want %+v", b, DefaultBackoff())
	}
	if b.InitialDelay != 2*time.Second || b.MaxDelay != time.Minute || b.MaxRetries != 10 {
		t.Errorf("unexpected defaults %+v", b)
	}
}

func TestWatcher_BackoffThenReady(t *testing.T) {
	t.Parallel()
	ev := events.New()
	sub := ev.Subscribe(16)

	var attempts atomic.Int32
	m := NewMonitor(slog.Default(), ev, testBackoff())
	m.Add("ollama", func(context.Context) error {
		if attempts.Add(1) <= 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	m.Start(t.Context())
	defer m.Stop()

	w, ok := m.Watcher("ollama")
	if !ok {
		t.Fatal("watcher not started")
	}
	waitFor(t, "ready", w.IsReady)

	select {
	case e := <-sub:
		if e.Source != events.SourceHealth || e.Kind != events.KindServiceState || e.Data["ready"] != true {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no service_state event")
	}
	if n := attempts.Load(); n < 4 {
		t.Errorf("attempts = %d, want >= 4", n)
	}
}

func TestWatcher_DownAndRecover(t *testing.T) {
	t.Parallel()
	var failing atomic.Bool
	m := NewMonitor(slog.Default(), nil, testBackoff())
	m.Add("image_server", func(context.Context) error {
		if failing.Load() {
			return errors.New("down")
		}
		return nil
	})
	m.Start(t.Context())
	defer m.Stop()

	w, _ := m.Watcher("image_server")
	waitFor(t, "initial ready", w.IsReady)

	failing.Store(true)
	waitFor(t, "down", func() bool { return !w.IsReady() })
	if st := w.Status(); st.LastError != "down" {
		t.Errorf("LastError = %q, want down", st.LastError)
	}

	failing.Store(false)
	waitFor(t, "recovered", w.IsReady)
}

func TestWatcher_ExhaustsRetries(t *testing.T) {
	t.Parallel()
	ev := events.New()
	sub := ev.Subscribe(16)

	var attempts atomic.Int32
	m := NewMonitor(slog.Default(), ev, testBackoff())
	m.Add("imap", func(context.Context) error {
		attempts.Add(1)
		return errors.New("always down")
	})
	m.Start(t.Context())
	defer m.Stop()

	select {
	case e := <-sub:
		if e.Data["ready"] != false || e.Data["error"] != "always down" {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no down event after retries")
	}
	if n := attempts.Load(); n < 5 {
		t.Errorf("attempts = %d, want >= 5", n)
	}
	w, _ := m.Watcher("imap")
	if w.IsReady() {
		t.Error("IsReady() = true for a service that never answered")
	}
}

func TestWatcher_StopOnCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(t.Context())
	m := NewMonitor(slog.Default(), nil, testBackoff())
	m.Add("svc", func(context.Context) error { return errors.New("down") })
	m.Start(ctx)
	w, _ := m.Watcher("svc")

	cancel()
	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	b := testBackoff()
	b.ProbeTimeout = 5 * time.Millisecond
	b.MaxRetries = 1

	m := NewMonitor(slog.Default(), nil, b)
	m.Add("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	m.Start(t.Context())
	defer m.Stop()

	w, _ := m.Watcher("slow")
	waitFor(t, "a recorded error", func() bool { return w.Status().LastError != "" })
	if w.IsReady() {
		t.Error("IsReady() = true for a probe that always times out")
	}
}

func TestMonitor_CheckAll(t *testing.T) {
	m := NewMonitor(slog.Default(), nil, testBackoff())
	m.Add("b-down", func(context.Context) error { return errors.New("refused") })
	m.Add("a-up", func(context.Context) error { return nil })

	got := m.CheckAll(t.Context())
	if len(got) != 2 {
		t.Fatalf("CheckAll returned %d results, want 2", len(got))
	}
	if got[0].Name != "a-up" || !got[0].Ready || got[0].LastError != "" {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[1].Name != "b-down" || got[1].Ready || got[1].LastError != "refused" {
		t.Errorf("got[1] = %+v", got[1])
	}
	if names := m.Names(); len(names) != 2 || names[0] != "a-up" {
		t.Errorf("Names() = %v", names)
	}
	if len(m.Status()) != 0 {
		t.Error("Status() should be empty before Start")
	}
}

func TestMonitor_AddPanics(t *testing.T) {
	m := NewMonitor(nil, nil, Backoff{})
	defer func() {
		if recover() == nil {
			t.Error("Add with nil probe should panic")
		}
	}()
	m.Add("x", nil)
}
