package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrTimeout is returned by the consume methods when nothing arrived
// within the requested wait.
var ErrTimeout = errors.New("bus: timed out waiting for message")

// DefaultBufferSize is the queue depth used when New is given zero.
const DefaultBufferSize = 256

// OutboundHandler delivers one outbound message for a channel.
type OutboundHandler func(ctx context.Context, msg OutboundMessage) error

// Bus holds the inbound and outbound queues plus the per-channel
// outbound subscribers.
type Bus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	logger   *slog.Logger

	mu          sync.RWMutex
	subscribers map[string][]OutboundHandler
}

// New creates a bus whose queues hold up to bufSize messages each.
func New(logger *slog.Logger, bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		inbound:     make(chan InboundMessage, bufSize),
		outbound:    make(chan OutboundMessage, bufSize),
		logger:      logger,
		subscribers: make(map[string][]OutboundHandler),
	}
}

// PublishInbound queues a message for the agent. It blocks while the
// queue is full, until ctx is done.
func (b *Bus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case b.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound waits up to timeout for the next inbound message.
func (b *Bus) ConsumeInbound(ctx context.Context, timeout time.Duration) (InboundMessage, error) {
	return consume(ctx, b.inbound, timeout)
}

// PublishOutbound queues a reply for delivery.
func (b *Bus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	if msg.MessageType == "" {
		msg.MessageType = TypeText
	}
	select {
	case b.outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeOutbound waits up to timeout for the next outbound message.
// Use it instead of [Bus.DispatchOutbound] when a single reader drains
// everything, as the ask command does.
func (b *Bus) ConsumeOutbound(ctx context.Context, timeout time.Duration) (OutboundMessage, error) {
	return consume(ctx, b.outbound, timeout)
}

func consume[T any](ctx context.Context, ch <-chan T, timeout time.Duration) (T, error) {
	var zero T
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-ch:
		return msg, nil
	case <-timer.C:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// SubscribeOutbound registers h for messages addressed to channel.
func (b *Bus) SubscribeOutbound(channel string, h OutboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], h)
}

// DispatchOutbound delivers outbound messages to their channel's
// subscribers until ctx is cancelled. Delivery errors are logged and
// do not stop the loop. Messages for a channel nobody subscribed to
// are dropped with a warning.
func (b *Bus) DispatchOutbound(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-b.outbound:
			b.deliver(ctx, msg)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, msg OutboundMessage) {
	b.mu.RLock()
	handlers := b.subscribers[msg.Channel]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Warn("no subscriber for outbound channel", "channel", msg.Channel, "chat_id", msg.ChatID)
		return
	}
	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			b.logger.Error("outbound delivery failed",
				"channel", msg.Channel,
				"chat_id", msg.ChatID,
				"type", msg.MessageType,
				"error", err,
			)
		}
	}
}

// InboundDepth reports how many inbound messages are waiting.
func (b *Bus) InboundDepth() int { return len(b.inbound) }

// OutboundDepth reports how many outbound messages are waiting.
func (b *Bus) OutboundDepth() int { return len(b.outbound) }
