// Package health watches the upstream services Yak depends on: the
// chat model server, the image server, the mail server and so on.
//
// Each [Watcher] probes one service in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling (every 60s), logging and publishing
//     every ready/down transition
//
// [Monitor.CheckAll] runs every probe once for the health command and
// the HTTP health endpoint.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/yak/internal/events"
)

// Probe checks whether a service is reachable. Return nil if healthy.
type Probe func(ctx context.Context) error

// Backoff controls retry timing.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxRetries bounds the startup phase.
	MaxRetries   int
	PollInterval time.Duration
	ProbeTimeout time.Duration
}

// DefaultBackoff returns 2s doubling to 60s, ten startup retries and a
// 60 second background poll.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Status is the health of one service.
type Status struct {
	Name      string        `json:"name"`
	Ready     bool          `json:"ready"`
	LastCheck time.Time     `json:"last_check"`
	Latency   time.Duration `json:"latency_ns"`
	LastError string        `json:"last_error,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	name    string
	probe   Probe
	backoff Backoff
	events  *events.Bus
	logger  *slog.Logger

	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
	latency   time.Duration
}

// IsReady reports whether the service answered its last probe.
func (w *Watcher) IsReady() bool { return w.ready.Load() }

// Status returns the current health status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{
		Name:      w.name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
		Latency:   w.latency,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.backoff.InitialDelay
	for attempt := 1; attempt <= w.backoff.MaxRetries; attempt++ {
		err := w.check(ctx)
		if err == nil {
			w.transition(true, nil)
			w.logger.Info("service connected", "service", w.name, "after_attempts", attempt)
			break
		}
		if ctx.Err() != nil {
			return
		}
		if attempt == w.backoff.MaxRetries {
			w.logger.Warn("service unreachable at startup, polling in background",
				"service", w.name, "attempts", attempt, "error", err)
			w.transition(false, err)
			break
		}
		w.logger.Debug("startup probe failed, retrying",
			"service", w.name, "attempt", attempt, "next_delay", delay.String(), "error", err)

		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*w.backoff.Multiplier), w.backoff.MaxDelay)
	}

	ticker := time.NewTicker(w.backoff.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.check(ctx)
			if ctx.Err() != nil {
				return
			}
			wasReady := w.ready.Load()
			switch {
			case wasReady && err != nil:
				w.logger.Warn("service became unreachable", "service", w.name, "error", err)
				w.transition(false, err)
			case !wasReady && err == nil:
				w.logger.Info("service recovered", "service", w.name)
				w.transition(true, nil)
			case !wasReady:
				w.logger.Debug("service still unreachable", "service", w.name, "error", err)
			}
		}
	}
}

// check runs the probe with a timeout and records the outcome.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := w.probe(probeCtx)
	elapsed := time.Since(start)

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.latency = elapsed
	w.mu.Unlock()
	return err
}

func (w *Watcher) transition(ready bool, err error) {
	w.ready.Store(ready)
	data := map[string]any{"service": w.name, "ready": ready}
	if err != nil {
		data["error"] = err.Error()
	}
	w.events.Emit(events.SourceHealth, events.KindServiceState, data)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Monitor holds the probes of every upstream service and the watchers
// started for them.
type Monitor struct {
	logger  *slog.Logger
	events  *events.Bus
	backoff Backoff

	mu       sync.RWMutex
	probes   map[string]Probe
	watchers map[string]*Watcher
}

// NewMonitor creates a monitor. Zero backoff fields take the defaults.
// ev may be nil.
func NewMonitor(logger *slog.Logger, ev *events.Bus, backoff Backoff) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		logger:   logger,
		events:   ev,
		backoff:  backoff.withDefaults(),
		probes:   make(map[string]Probe),
		watchers: make(map[string]*Watcher),
	}
}

// Add registers a probe. It panics on an empty name or nil probe.
func (m *Monitor) Add(name string, probe Probe) {
	if name == "" {
		panic("health: probe name must not be empty")
	}
	if probe == nil {
		panic("health: probe must not be nil")
	}
	m.mu.Lock()
	m.probes[name] = probe
	m.mu.Unlock()
}

// Names returns the registered service names, sorted.
func (m *Monitor) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.probes))
	for n := range m.probes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Start launches one background watcher per registered probe. The
// watchers stop when ctx is cancelled or [Monitor.Stop] is called.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, probe := range m.probes {
		if _, running := m.watchers[name]; running {
			continue
		}
		wctx, cancel := context.WithCancel(ctx)
		w := &Watcher{
			name:    name,
			probe:   probe,
			backoff: m.backoff,
			events:  m.events,
			logger:  m.logger,
			cancel:  cancel,
			done:    make(chan struct{}),
		}
		m.watchers[name] = w
		go w.run(wctx)
	}
}

// Watcher returns the running watcher for name.
func (m *Monitor) Watcher(name string) (*Watcher, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.watchers[name]
	return w, ok
}

// Status returns the last known status of every watched service.
func (m *Monitor) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// CheckAll probes every registered service once, concurrently, and
// returns the results sorted by name.
func (m *Monitor) CheckAll(ctx context.Context) []Status {
	m.mu.RLock()
	probes := make(map[string]Probe, len(m.probes))
	for n, p := range m.probes {
		probes[n] = p
	}
	m.mu.RUnlock()

	results := make([]Status, 0, len(probes))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, probe := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, m.backoff.ProbeTimeout)
			defer cancel()

			start := time.Now()
			err := probe(pctx)
			st := Status{
				Name:      name,
				Ready:     err == nil,
				LastCheck: time.Now(),
				Latency:   time.Since(start),
			}
			if err != nil {
				st.LastError = err.Error()
			}
			mu.Lock()
			results = append(results, st)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Monitor) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()
	for _, w := range watchers {
		w.Stop()
	}
}
