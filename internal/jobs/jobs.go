// Package jobs drives long-running external jobs through submit, poll,
// fetch and download. The queue service behind a job is pluggable; the
// state machine and its timeout accounting are shared.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/yak/internal/events"
)

// Status is a job's position in its lifecycle.
type Status string

// Job statuses. COMPLETED, FAILED and TIMED_OUT are terminal.
const (
	StatusSubmitted  Status = "SUBMITTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusTimedOut   Status = "TIMED_OUT"
)

// Terminal reports whether no further polling can change s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

var (
	// ErrTimeout means the job did not reach a terminal status within
	// the runner's timeout.
	ErrTimeout = errors.New("job timed out")
	// ErrNoRequestID means the queue accepted a submission without
	// returning an identifier to poll.
	ErrNoRequestID = errors.New("submit response missing request_id")
	// ErrNoMediaURL means a completed job's result carried no media URL
	// in any known shape.
	ErrNoMediaURL = errors.New("result does not include a media URL")
)

// FailedError reports a job the remote service marked as failed.
type FailedError struct {
	RequestID string
	Status    string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("request %s failed with status: %s", e.RequestID, e.Status)
}

// failureStates end polling with a [FailedError].
var failureStates = map[string]bool{
	"FAILED":    true,
	"CANCELLED": true,
	"ERROR":     true,
}

// Submission identifies an accepted job. StatusURL and ResponseURL are
// optional; queues that return them use them in preference to URLs
// derived from the model and request id.
type Submission struct {
	RequestID   string
	Model       string
	StatusURL   string
	ResponseURL string
}

// Queue is the remote side of a job.
type Queue interface {
	Submit(ctx context.Context, model string, payload any) (Submission, error)
	// Status returns the raw status string, in any letter case.
	Status(ctx context.Context, sub Submission) (string, error)
	Result(ctx context.Context, sub Submission) (map[string]any, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// Sink persists a downloaded payload and returns a local reference to
// it (an asset id or file path).
type Sink interface {
	Save(ctx context.Context, data []byte, h Handle) (string, error)
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, data []byte, h Handle) (string, error)

// Save calls f.
func (f SinkFunc) Save(ctx context.Context, data []byte, h Handle) (string, error) {
	return f(ctx, data, h)
}

// Handle tracks one job through the state machine.
type Handle struct {
	RequestID string
	Model     string
	Status    Status
	Elapsed   time.Duration
	Polls     int
}

// Result is the normalized outcome of a completed job.
type Result struct {
	Handle    Handle
	RemoteURL string
	// LocalRef is what the sink returned for the downloaded payload.
	LocalRef string
	// Raw is the full result document.
	Raw map[string]any
}

// Job describes one unit of work for [Runner.Run].
type Job struct {
	Model   string
	Payload any
	// MediaFields names the result fields that may hold the media
	// object or list, in lookup order.
	MediaFields []string
}

// Runner executes jobs against a queue. Timeout bounds the accumulated
// poll interval, not wall-clock time spent in HTTP calls, so each
// runner instance carries its own budget.
type Runner struct {
	Queue    Queue
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger
	Events   *events.Bus
	// Sleep waits between polls. Nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default polling parameters.
const (
	DefaultInterval = 2 * time.Second
	DefaultTimeout  = 600 * time.Second
)

// NewRunner returns a runner with the given interval and timeout,
// falling back to the defaults for non-positive values.
func NewRunner(q Queue, interval, timeout time.Duration, logger *slog.Logger, bus *events.Bus) *Runner {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{Queue: q, Interval: interval, Timeout: timeout, Logger: logger, Events: bus}
}

// Run submits job, polls it to a terminal status, fetches the result,
// downloads the media it points to and hands the bytes to sink.
func (r *Runner) Run(ctx context.Context, job Job, sink Sink) (*Result, error) {
	sub, err := r.Queue.Submit(ctx, job.Model, job.Payload)
	if err != nil {
		return nil, err
	}
	if sub.RequestID == "" {
		return nil, ErrNoRequestID
	}
	if sub.Model == "" {
		sub.Model = job.Model
	}

	h := Handle{RequestID: sub.RequestID, Model: sub.Model, Status: StatusSubmitted}
	r.Logger.Info("job submitted", "request_id", h.RequestID, "model", h.Model)
	r.Events.Emit(events.SourceJobs, events.KindJobSubmitted, map[string]any{
		"request_id": h.RequestID,
		"model":      h.Model,
	})

	if err := r.poll(ctx, sub, &h); err != nil {
		r.finished(h)
		return nil, err
	}
	r.finished(h)

	raw, err := r.Queue.Result(ctx, sub)
	if err != nil {
		return nil, err
	}
	url, ok := FindMediaURL(raw, job.MediaFields...)
	if !ok {
		return nil, fmt.Errorf("request %s: %w", h.RequestID, ErrNoMediaURL)
	}

	data, err := r.Queue.Download(ctx, url)
	if err != nil {
		return nil, err
	}

	res := &Result{Handle: h, RemoteURL: url, Raw: raw}
	if sink != nil {
		ref, err := sink.Save(ctx, data, h)
		if err != nil {
			return nil, fmt.Errorf("save media for request %s: %w", h.RequestID, err)
		}
		res.LocalRef = ref
	}

	r.Logger.Info("job completed",
		"request_id", h.RequestID,
		"model", h.Model,
		"elapsed", h.Elapsed,
		"bytes", len(data),
	)
	return res, nil
}

// poll advances h until it is terminal. Elapsed time grows by one
// interval per non-terminal poll; exceeding Timeout is a timeout.
func (r *Runner) poll(ctx context.Context, sub Submission, h *Handle) error {
	for {
		raw, err := r.Queue.Status(ctx, sub)
		if err != nil {
			return err
		}
		h.Polls++
		state := strings.ToUpper(strings.TrimSpace(raw))

		r.Logger.Debug("job status", "request_id", h.RequestID, "status", state, "elapsed", h.Elapsed)

		if state == string(StatusCompleted) {
			h.Status = StatusCompleted
			return nil
		}
		if failureStates[state] {
			h.Status = StatusFailed
			return &FailedError{RequestID: h.RequestID, Status: state}
		}

		h.Status = StatusInProgress
		h.Elapsed += r.Interval
		if h.Elapsed > r.Timeout {
			h.Status = StatusTimedOut
			return fmt.Errorf("request %s after %s: %w", h.RequestID, h.Elapsed, ErrTimeout)
		}
		if err := r.sleep(ctx, r.Interval); err != nil {
			return err
		}
	}
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Runner) finished(h Handle) {
	r.Events.Emit(events.SourceJobs, events.KindJobFinished, map[string]any{
		"request_id": h.RequestID,
		"model":      h.Model,
		"status":     string(h.Status),
		"elapsed_ms": h.Elapsed.Milliseconds(),
	})
}

// FindMediaURL looks for a media URL in a result document. Queue
// services commonly nest model output under "response"; when present
// that object is searched instead of the top level. Each field may
// hold an object with a "url", or a list whose first item carrying a
// "url" wins.
func FindMediaURL(payload map[string]any, fields ...string) (string, bool) {
	body := payload
	if inner, ok := payload["response"].(map[string]any); ok {
		body = inner
	}
	for _, f := range fields {
		switch v := body[f].(type) {
		case map[string]any:
			if u, ok := v["url"].(string); ok && u != "" {
				return u, true
			}
		case []any:
			for _, item := range v {
				m, ok := item.(map[string]any)
				if !ok {
					continue
				}
				if u, ok := m["url"].(string); ok && u != "" {
					return u, true
				}
			}
		}
	}
	return "", false
}
