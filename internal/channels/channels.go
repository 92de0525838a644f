// Package channels connects Yak to the outside world. Each [Channel]
// turns traffic from one messaging system into inbound bus messages
// and delivers the agent's outbound replies back to it.
package channels

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/nugget/yak/internal/bus"
	"github.com/nugget/yak/internal/events"
)

// Channel is one messaging integration.
type Channel interface {
	// Name is the bus channel name, e.g. "email" or "whatsapp".
	Name() string
	// Start receives messages until ctx is cancelled.
	Start(ctx context.Context) error
	// Send delivers one outbound message.
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// Publisher accepts inbound messages from channels. *bus.Bus
// satisfies it.
type Publisher interface {
	PublishInbound(ctx context.Context, msg bus.InboundMessage) error
}

// Subscriber routes outbound messages by channel name. *bus.Bus
// satisfies it.
type Subscriber interface {
	SubscribeOutbound(channel string, h bus.OutboundHandler)
}

// Manager owns the enabled channels and wires their Send methods to
// the outbound dispatcher.
type Manager struct {
	sub    Subscriber
	events *events.Bus
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]Channel
	running  map[string]bool
}

// NewManager creates a manager that subscribes channels on sub.
func NewManager(sub Subscriber, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sub:      sub,
		logger:   logger,
		channels: make(map[string]Channel),
		running:  make(map[string]bool),
	}
}

// SetEventBus makes the manager report channel state changes.
func (m *Manager) SetEventBus(ev *events.Bus) { m.events = ev }

// Add registers a channel. A later channel with the same name
// replaces the earlier one.
func (m *Manager) Add(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// Get returns a registered channel by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns the registered channel names, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status reports whether each registered channel is currently
// running.
func (m *Manager) Status() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.channels))
	for name := range m.channels {
		out[name] = m.running[name]
	}
	return out
}

// Start subscribes every channel for outbound delivery and runs them
// until ctx is cancelled. A channel that fails is logged and does not
// stop the others. Start returns once every channel has stopped.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	chans := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, ch := range chans {
		m.sub.SubscribeOutbound(ch.Name(), ch.Send)

		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			m.setRunning(ch.Name(), true)
			defer m.setRunning(ch.Name(), false)

			m.logger.Info("channel started", "channel", ch.Name())
			err := ch.Start(ctx)
			switch {
			case err == nil, errors.Is(err, context.Canceled):
				m.logger.Info("channel stopped", "channel", ch.Name())
			default:
				m.logger.Error("channel failed", "channel", ch.Name(), "error", err)
			}
		}(ch)
	}
	wg.Wait()
}

func (m *Manager) setRunning(name string, running bool) {
	m.mu.Lock()
	m.running[name] = running
	m.mu.Unlock()
	m.events.Emit(events.SourceChannel, events.KindChannelState, map[string]any{
		"channel":   name,
		"connected": running,
	})
}

// observedPublisher emits a message_received event for every inbound
// message it forwards.
type observedPublisher struct {
	next   Publisher
	events *events.Bus
}

// ObservePublisher wraps pub so inbound traffic shows up on the event
// bus. A nil bus returns pub unchanged.
func ObservePublisher(pub Publisher, ev *events.Bus) Publisher {
	if ev == nil {
		return pub
	}
	return &observedPublisher{next: pub, events: ev}
}

func (p *observedPublisher) PublishInbound(ctx context.Context, msg bus.InboundMessage) error {
	if err := p.next.PublishInbound(ctx, msg); err != nil {
		return err
	}
	p.events.Emit(events.SourceChannel, events.KindMessageReceived, map[string]any{
		"channel":     msg.Channel,
		"sender":      msg.SenderID,
		"message_len": len(msg.Content),
	})
	return nil
}
