// Package cron delivers configured prompts to the agent on a schedule.
// Each firing becomes a system message whose reply is routed to the
// job's target channel and chat.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/nugget/yak/internal/bus"
	"github.com/nugget/yak/internal/config"
	"github.com/nugget/yak/internal/events"
)

// systemChannel is the bus channel the agent treats as background
// work.
const systemChannel = "system"

// publishTimeout bounds how long a firing waits for room on a full
// inbound queue.
const publishTimeout = 30 * time.Second

// ErrNotFound is returned by Fire for an unknown job name.
var ErrNotFound = errors.New("cron job not found")

// Publisher accepts inbound messages. *bus.Bus satisfies it.
type Publisher interface {
	PublishInbound(ctx context.Context, msg bus.InboundMessage) error
}

// Entry describes one scheduled job.
type Entry struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Target   string    `json:"target"`
	Next     time.Time `json:"next,omitempty"`
	Prev     time.Time `json:"prev,omitempty"`
	Runs     int       `json:"runs"`
}

type job struct {
	cfg  config.CronJobConfig
	id   cronlib.EntryID
	runs int
}

// Service runs the configured jobs.
type Service struct {
	pub    Publisher
	events *events.Bus
	logger *slog.Logger
	sched  *cronlib.Cron

	mu   sync.Mutex
	ctx  context.Context
	jobs map[string]*job
}

// New parses every job schedule and returns a service ready to Start.
// Schedules use the standard five fields or a descriptor such as
// "@daily" or "@every 1h", evaluated in loc (time.Local when nil).
// Unnamed jobs are called job-<index>.
func New(jobs []config.CronJobConfig, pub Publisher, ev *events.Bus, logger *slog.Logger, loc *time.Location) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.Local
	}
	s := &Service{
		pub:    pub,
		events: ev,
		logger: logger,
		sched:  cronlib.New(cronlib.WithLocation(loc)),
		ctx:    context.Background(),
		jobs:   make(map[string]*job),
	}

	for i, cfg := range jobs {
		if cfg.Name == "" {
			cfg.Name = fmt.Sprintf("job-%d", i)
		}
		if _, dup := s.jobs[cfg.Name]; dup {
			return nil, fmt.Errorf("cron job %q defined twice", cfg.Name)
		}
		j := &job{cfg: cfg}
		id, err := s.sched.AddFunc(cfg.Schedule, func() { s.fire(j) })
		if err != nil {
			return nil, fmt.Errorf("cron job %q: schedule %q: %w", cfg.Name, cfg.Schedule, err)
		}
		j.id = id
		s.jobs[cfg.Name] = j
	}
	return s, nil
}

// Start runs the scheduler until ctx is cancelled, then waits for any
// firing in progress.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.logger.Info("cron scheduler started", "jobs", len(s.jobs))
	s.sched.Start()
	<-ctx.Done()
	<-s.sched.Stop().Done()
	s.logger.Info("cron scheduler stopped")
	return nil
}

// Entries lists the jobs sorted by name, with their next and previous
// run times once the scheduler is running.
func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.jobs))
	for _, j := range s.jobs {
		e := s.sched.Entry(j.id)
		out = append(out, Entry{
			Name:     j.cfg.Name,
			Schedule: j.cfg.Schedule,
			Target:   target(j.cfg),
			Next:     e.Next,
			Prev:     e.Prev,
			Runs:     j.runs,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Fire delivers a job immediately, outside its schedule.
func (s *Service) Fire(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return s.deliver(ctx, j)
}

func (s *Service) fire(j *job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := s.deliver(ctx, j); err != nil {
		s.logger.Error("cron job delivery failed", "job", j.cfg.Name, "error", err)
	}
}

func (s *Service) deliver(ctx context.Context, j *job) error {
	msg := bus.InboundMessage{
		Channel:  systemChannel,
		SenderID: "cron:" + j.cfg.Name,
		ChatID:   target(j.cfg),
		Content:  j.cfg.Message,
		Metadata: map[string]any{"cron_job": j.cfg.Name},
	}
	if err := s.pub.PublishInbound(ctx, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	s.mu.Lock()
	j.runs++
	s.mu.Unlock()

	s.logger.Info("cron job fired", "job", j.cfg.Name, "target", msg.ChatID)
	s.events.Emit(events.SourceCron, events.KindTaskFired, map[string]any{
		"task_name": j.cfg.Name,
		"schedule":  j.cfg.Schedule,
	})
	return nil
}

// target is the origin the agent replies to, "channel:chat_id".
// Without a channel the reply goes to the direct CLI session.
func target(cfg config.CronJobConfig) string {
	if cfg.Channel == "" {
		return "cli:direct"
	}
	return cfg.Channel + ":" + cfg.ChatID
}
