package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/yak/internal/buildinfo"
	"github.com/nugget/yak/internal/events"
)

// Snapshot is the state payload published to <prefix>/state.
type Snapshot struct {
	InstanceID     string          `json:"instance_id"`
	Version        string          `json:"version"`
	Uptime         string          `json:"uptime"`
	ActiveSessions int             `json:"active_sessions"`
	Model          string          `json:"model"`
	Requests       int64           `json:"requests"`
	LastRequest    string          `json:"last_request"`
	TokensToday    int64           `json:"tokens_today"`
	ToolCalls      int64           `json:"tool_calls"`
	ToolFailures   int64           `json:"tool_failures"`
	Failovers      int64           `json:"failovers"`
	Messages       int64           `json:"messages_received"`
	Jobs           map[string]int  `json:"jobs"`
	Services       map[string]bool `json:"services"`
	Channels       map[string]bool `json:"channels"`
	EventsDropped  uint64          `json:"events_dropped"`
}

// SessionCounter reports how many sessions currently have a worker.
// *agent.Loop satisfies it.
type SessionCounter interface {
	ActiveSessions() int
}

// Tracker accumulates counters from the event bus. Token counts reset
// at local midnight. Safe for concurrent use.
type Tracker struct {
	started  time.Time
	instance string
	sessions SessionCounter
	now      func() time.Time
	loc      *time.Location

	mu          sync.Mutex
	model       string
	requests    int64
	lastRequest time.Time
	tokens      int64
	tokenDay    int
	toolCalls   int64
	toolFails   int64
	failovers   int64
	messages    int64
	jobs        map[string]int
	services    map[string]bool
	channels    map[string]bool
}

// NewTracker creates a tracker. model is the configured chat model,
// replaced by the model of each completed request. sessions may be nil.
func NewTracker(instanceID, model string, sessions SessionCounter, loc *time.Location) *Tracker {
	if loc == nil {
		loc = time.Local
	}
	now := time.Now()
	return &Tracker{
		started:  now,
		instance: instanceID,
		sessions: sessions,
		now:      time.Now,
		loc:      loc,
		model:    model,
		tokenDay: now.In(loc).YearDay(),
		jobs:     make(map[string]int),
		services: make(map[string]bool),
		channels: make(map[string]bool),
	}
}

// Observe folds one event into the counters.
func (t *Tracker) Observe(e events.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch e.Kind {
	case events.KindRequestComplete:
		t.rollover()
		t.requests++
		t.lastRequest = e.Timestamp
		t.tokens += intValue(e.Data["total_tokens_in"]) + intValue(e.Data["total_tokens_out"])
		if m, ok := e.Data["model"].(string); ok && m != "" {
			t.model = m
		}
	case events.KindToolDone:
		t.toolCalls++
		if ok, _ := e.Data["ok"].(bool); !ok {
			t.toolFails++
		}
	case events.KindFailover:
		t.failovers++
	case events.KindJobFinished:
		if s, ok := e.Data["status"].(string); ok {
			t.jobs[s]++
		}
	case events.KindMessageReceived:
		t.messages++
	case events.KindServiceState:
		if name, ok := e.Data["service"].(string); ok {
			t.services[name], _ = e.Data["ready"].(bool)
		}
	case events.KindChannelState:
		if name, ok := e.Data["channel"].(string); ok {
			t.channels[name], _ = e.Data["connected"].(bool)
		}
	}
}

// rollover zeroes the token count after local midnight. Caller must
// hold t.mu.
func (t *Tracker) rollover() {
	if day := t.now().In(t.loc).YearDay(); day != t.tokenDay {
		t.tokens = 0
		t.tokenDay = day
	}
}

// Snapshot returns the current counters.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()

	s := Snapshot{
		InstanceID:   t.instance,
		Version:      buildinfo.Version,
		Uptime:       t.now().Sub(t.started).Truncate(time.Second).String(),
		Model:        t.model,
		Requests:     t.requests,
		LastRequest:  "never",
		TokensToday:  t.tokens,
		ToolCalls:    t.toolCalls,
		ToolFailures: t.toolFails,
		Failovers:    t.failovers,
		Messages:     t.messages,
		Jobs:         make(map[string]int, len(t.jobs)),
		Services:     make(map[string]bool, len(t.services)),
		Channels:     make(map[string]bool, len(t.channels)),
	}
	if !t.lastRequest.IsZero() {
		s.LastRequest = t.lastRequest.Format(time.RFC3339)
	}
	if t.sessions != nil {
		s.ActiveSessions = t.sessions.ActiveSessions()
	}
	for k, v := range t.jobs {
		s.Jobs[k] = v
	}
	for k, v := range t.services {
		s.Services[k] = v
	}
	for k, v := range t.channels {
		s.Channels[k] = v
	}
	return s
}

func intValue(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}
