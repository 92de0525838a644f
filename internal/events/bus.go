// Package events carries operational events from the agent loop, the
// job runner, channels and the health monitor to observers such as the
// MQTT status publisher and the usage ledger. A nil *Bus accepts
// publishes and discards them.
package events

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the conversation loop.
	SourceAgent = "agent"
	// SourceJobs identifies events from external job polling.
	SourceJobs = "jobs"
	// SourceChannel identifies events from channel adapters.
	SourceChannel = "channel"
	// SourceCron identifies events from scheduled prompts.
	SourceCron = "cron"
	// SourceHealth identifies events from the upstream service monitor.
	SourceHealth = "health"
)

// Kind constants describe the type of event within a source.
const (
	// KindRequestStart signals the beginning of an agent request.
	// Data: request_id, session, channel.
	KindRequestStart = "request_start"
	// KindLLMCall signals the start of a chat call.
	// Data: request_id, iter, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a chat call.
	// Data: request_id, iter, model, tokens_in, tokens_out,
	// tool_calls, finish_reason.
	KindLLMResponse = "llm_response"
	// KindToolCall signals the start of a tool execution.
	// Data: request_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: request_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindFailover signals a switch to the fallback model.
	// Data: session, from, to, failures.
	KindFailover = "failover"
	// KindRequestComplete signals the end of an agent request.
	// Data: request_id, model, iterations, total_tokens_in,
	// total_tokens_out, elapsed_ms.
	KindRequestComplete = "request_complete"

	// KindJobSubmitted signals an accepted job submission.
	// Data: request_id, model.
	KindJobSubmitted = "job_submitted"
	// KindJobFinished signals a job reached a terminal state.
	// Data: request_id, model, status, elapsed_ms.
	KindJobFinished = "job_finished"

	// KindMessageReceived signals an inbound channel message.
	// Data: channel, sender, message_len.
	KindMessageReceived = "message_received"
	// KindChannelState signals a channel connecting or dropping.
	// Data: channel, connected.
	KindChannelState = "channel_state"

	// KindTaskFired signals a scheduled prompt was delivered.
	// Data: task_name, schedule.
	KindTaskFired = "task_fired"

	// KindServiceState signals an upstream service becoming reachable
	// or unreachable.
	// Data: service, ready, error.
	KindServiceState = "service_state"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus fans events out to subscribers without ever blocking the
// publisher. A subscriber whose buffer is full misses the event, and
// the miss is counted in Dropped.
type Bus struct {
	mu      sync.RWMutex
	subs    map[<-chan Event]*subscription
	dropped atomic.Uint64
}

type subscription struct {
	ch    chan Event
	kinds []string // empty means every kind
}

func (s *subscription) wants(kind string) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, kind)
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]*subscription)}
}

// Emit publishes an event stamped with the current time. Nil-safe.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Publish delivers e to every subscriber interested in its kind. Nil-safe.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Kind) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel receiving every published event. Call
// Unsubscribe when done; it closes the channel.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	return b.SubscribeKinds(bufSize)
}

// SubscribeKinds is Subscribe restricted to the listed kinds. With no
// kinds it receives everything.
func (b *Bus) SubscribeKinds(bufSize int, kinds ...string) <-chan Event {
	s := &subscription{ch: make(chan Event, bufSize), kinds: slices.Clone(kinds)}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[s.ch] = s
	return s.ch
}

// Unsubscribe removes the subscription and closes its channel. Unknown
// or already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(s.ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a
// subscriber's buffer was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
