package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nugget/yak/internal/events"
)

// fakeQueue replays a fixed status sequence; the last entry repeats.
type fakeQueue struct {
	mu        sync.Mutex
	requestID string
	statuses  []string
	result    map[string]any
	data      []byte

	submitErr error
	polls     int
	downloads []string
}

func (q *fakeQueue) Submit(_ context.Context, model string, _ any) (Submission, error) {
	if q.submitErr != nil {
		return Submission{}, q.submitErr
	}
	return Submission{RequestID: q.requestID, Model: model}, nil
}

func (q *fakeQueue) Status(context.Context, Submission) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.polls
	if i >= len(q.statuses) {
		i = len(q.statuses) - 1
	}
	q.polls++
	return q.statuses[i], nil
}

func (q *fakeQueue) Result(context.Context, Submission) (map[string]any, error) {
	return q.result, nil
}

func (q *fakeQueue) Download(_ context.Context, url string) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.downloads = append(q.downloads, url)
	return q.data, nil
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleeps = append(s.sleeps, d)
	return nil
}

func newTestRunner(q Queue, interval, timeout time.Duration) (*Runner, *sleepRecorder) {
	rec := &sleepRecorder{}
	r := NewRunner(q, interval, timeout, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	r.Sleep = rec.sleep
	return r, rec
}

var videoResult = map[string]any{
	"response": map[string]any{
		"video": map[string]any{"url": "https://cdn.example/v.mp4"},
	},
}

func TestRun_CompletesAfterTwoPolls(t *testing.T) {
	q := &fakeQueue{
		requestID: "req-1",
		statuses:  []string{"IN_PROGRESS", "COMPLETED"},
		result:    videoResult,
		data:      []byte("mp4"),
	}
	r, rec := newTestRunner(q, 2*time.Second, 10*time.Second)

	var saved []byte
	sink := SinkFunc(func(_ context.Context, data []byte, h Handle) (string, error) {
		saved = data
		return "asset-" + h.RequestID, nil
	})

	res, err := r.Run(t.Context(), Job{Model: "m", MediaFields: []string{"video", "videos"}}, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if q.polls != 2 {
		t.Errorf("polls = %d, want 2", q.polls)
	}
	if len(rec.sleeps) != 1 || rec.sleeps[0] != 2*time.Second {
		t.Errorf("sleeps = %v, want one 2s sleep", rec.sleeps)
	}
	if res.Handle.Status != StatusCompleted || res.Handle.Polls != 2 {
		t.Errorf("handle = %+v", res.Handle)
	}
	if res.Handle.Elapsed != 2*time.Second {
		t.Errorf("elapsed = %v, want 2s", res.Handle.Elapsed)
	}
	if res.RemoteURL != "https://cdn.example/v.mp4" {
		t.Errorf("RemoteURL = %q", res.RemoteURL)
	}
	if res.LocalRef != "asset-req-1" || string(saved) != "mp4" {
		t.Errorf("LocalRef = %q, saved = %q", res.LocalRef, saved)
	}
	if res.Handle.Model != "m" {
		t.Errorf("Model = %q", res.Handle.Model)
	}
}

func TestRun_StatusIsCaseNormalized(t *testing.T) {
	q := &fakeQueue{requestID: "r", statuses: []string{" in_queue ", "completed"}, result: videoResult}
	r, _ := newTestRunner(q, time.Second, time.Minute)
	if _, err := r.Run(t.Context(), Job{Model: "m", MediaFields: []string{"video"}}, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRun_FailureStates(t *testing.T) {
	for _, state := range []string{"FAILED", "cancelled", "Error"} {
		t.Run(state, func(t *testing.T) {
			q := &fakeQueue{requestID: "req-2", statuses: []string{state}}
			r, rec := newTestRunner(q, time.Second, time.Minute)

			_, err := r.Run(t.Context(), Job{Model: "m"}, nil)
			var fe *FailedError
			if !errors.As(err, &fe) {
				t.Fatalf("err = %v, want *FailedError", err)
			}
			if fe.RequestID != "req-2" {
				t.Errorf("RequestID = %q", fe.RequestID)
			}
			if q.polls != 1 || len(rec.sleeps) != 0 {
				t.Errorf("polls = %d sleeps = %d, want immediate failure", q.polls, len(rec.sleeps))
			}
			if errors.Is(err, ErrTimeout) {
				t.Error("failure reported as timeout")
			}
		})
	}
}

func TestRun_Timeout(t *testing.T) {
	q := &fakeQueue{requestID: "req-3", statuses: []string{"IN_PROGRESS"}}
	r, rec := newTestRunner(q, 2*time.Second, 5*time.Second)

	_, err := r.Run(t.Context(), Job{Model: "m"}, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	// elapsed 2s, 4s, then 6s > 5s stops before a third sleep
	if q.polls != 3 {
		t.Errorf("polls = %d, want 3", q.polls)
	}
	if len(rec.sleeps) != 2 {
		t.Errorf("sleeps = %d, want 2", len(rec.sleeps))
	}
}

func TestRun_MissingRequestID(t *testing.T) {
	q := &fakeQueue{statuses: []string{"COMPLETED"}}
	r, _ := newTestRunner(q, time.Second, time.Minute)
	if _, err := r.Run(t.Context(), Job{Model: "m"}, nil); !errors.Is(err, ErrNoRequestID) {
		t.Errorf("err = %v, want ErrNoRequestID", err)
	}
	if q.polls != 0 {
		t.Errorf("polled %d times without a request id", q.polls)
	}
}

func TestRun_MissingMediaURL(t *testing.T) {
	q := &fakeQueue{requestID: "r", statuses: []string{"COMPLETED"}, result: map[string]any{"response": map[string]any{}}}
	r, _ := newTestRunner(q, time.Second, time.Minute)
	if _, err := r.Run(t.Context(), Job{Model: "m", MediaFields: []string{"video"}}, nil); !errors.Is(err, ErrNoMediaURL) {
		t.Errorf("err = %v, want ErrNoMediaURL", err)
	}
	if len(q.downloads) != 0 {
		t.Errorf("downloaded %v", q.downloads)
	}
}

func TestRun_SubmitError(t *testing.T) {
	boom := errors.New("submit failed (500)")
	q := &fakeQueue{submitErr: boom}
	r, _ := newTestRunner(q, time.Second, time.Minute)
	if _, err := r.Run(t.Context(), Job{Model: "m"}, nil); !errors.Is(err, boom) {
		t.Errorf("err = %v, want submit error", err)
	}
}

func TestRun_ContextCancelledDuringSleep(t *testing.T) {
	q := &fakeQueue{requestID: "r", statuses: []string{"IN_PROGRESS"}}
	r := NewRunner(q, time.Hour, 10*time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.Run(ctx, Job{Model: "m"}, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestRun_PublishesEvents(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	q := &fakeQueue{requestID: "r", statuses: []string{"COMPLETED"}, result: videoResult}
	r, _ := newTestRunner(q, time.Second, time.Minute)
	r.Events = bus

	if _, err := r.Run(t.Context(), Job{Model: "m", MediaFields: []string{"video"}}, nil); err != nil {
		t.Fatal(err)
	}

	var kinds []string
	for len(ch) > 0 {
		kinds = append(kinds, (<-ch).Kind)
	}
	if len(kinds) != 2 || kinds[0] != events.KindJobSubmitted || kinds[1] != events.KindJobFinished {
		t.Errorf("event kinds = %v", kinds)
	}
}

func TestFindMediaURL(t *testing.T) {
	fields := []string{"video", "videos"}
	tests := []struct {
		name    string
		payload map[string]any
		want    string
		wantOK  bool
	}{
		{
			name:    "nested object",
			payload: videoResult,
			want:    "https://cdn.example/v.mp4",
			wantOK:  true,
		},
		{
			name:    "top level object",
			payload: map[string]any{"video": map[string]any{"url": "a"}},
			want:    "a",
			wantOK:  true,
		},
		{
			name: "list skips items without url",
			payload: map[string]any{"response": map[string]any{
				"video": []any{"junk", map[string]any{"url": ""}, map[string]any{"url": "b"}},
			}},
			want:   "b",
			wantOK: true,
		},
		{
			name: "plural field",
			payload: map[string]any{"response": map[string]any{
				"videos": []any{map[string]any{"url": "c"}},
			}},
			want:   "c",
			wantOK: true,
		},
		{
			name:    "singular wins over plural",
			payload: map[string]any{"video": map[string]any{"url": "d"}, "videos": []any{map[string]any{"url": "e"}}},
			want:    "d",
			wantOK:  true,
		},
		{
			name:    "nothing",
			payload: map[string]any{"response": map[string]any{"image": map[string]any{"url": "x"}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FindMediaURL(tt.payload, fields...)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("FindMediaURL() = %q, %v; want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	for s, want := range map[Status]bool{
		StatusSubmitted:  false,
		StatusInProgress: false,
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusTimedOut:   true,
	} {
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, s.Terminal(), want)
		}
	}
}
