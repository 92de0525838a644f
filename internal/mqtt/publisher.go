package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/yak/internal/config"
	"github.com/nugget/yak/internal/events"
)

// eventBuffer is the event subscription depth. Events arriving while
// it is full are dropped by the bus.
const eventBuffer = 128

// Publisher owns the broker connection. It feeds every bus event to
// the tracker, forwards the event itself, and publishes the tracker
// snapshot on a fixed interval.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	tracker    *Tracker
	events     *events.Bus
	logger     *slog.Logger
	cm         atomic.Pointer[autopaho.ConnectionManager]
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin.
func New(cfg config.MQTTConfig, instanceID string, tracker *Tracker, ev *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		tracker:    tracker,
		events:     ev,
		logger:     logger,
	}
}

func (p *Publisher) availabilityTopic() string { return p.cfg.TopicPrefix + "/availability" }
func (p *Publisher) stateTopic() string        { return p.cfg.TopicPrefix + "/state" }

func (p *Publisher) eventTopic(e events.Event) string {
	return p.cfg.TopicPrefix + "/events/" + e.Source + "/" + e.Kind
}

// clientConfig builds the autopaho configuration. mqtts:// and ssl://
// brokers use TLS.
func (p *Publisher) clientConfig(ctx context.Context, brokerURL *url.URL) autopaho.ClientConfig {
	cfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
			p.publishState(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "yak-" + p.cfg.DeviceName + "-" + shortID(p.instanceID),
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		cfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cfg
}

// Start connects and runs until ctx is cancelled. Connection failures
// are retried by autopaho in the background; events observed while
// disconnected still update the tracker.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	sub := p.events.Subscribe(eventBuffer)
	defer p.events.Unsubscribe(sub)

	cm, err := autopaho.NewConnection(ctx, p.clientConfig(ctx, brokerURL))
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm.Store(cm)

	interval := time.Duration(p.cfg.PublishIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub:
			if !ok {
				return nil
			}
			p.tracker.Observe(e)
			p.publishEvent(ctx, e)
		case <-ticker.C:
			p.publishState(ctx, cm)
		}
	}
}

// Stop publishes "offline" and disconnects. ctx bounds both steps.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.cm.Load()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. Used as the health probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.cm.Load()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

func (p *Publisher) publishState(ctx context.Context, cm *autopaho.ConnectionManager) {
	snap := p.tracker.Snapshot()
	snap.EventsDropped = p.events.Dropped()
	payload, err := json.Marshal(snap)
	if err != nil {
		p.logger.Error("mqtt marshal state", "error", err)
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.stateTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt state publish failed", "error", err)
	}
}

func (p *Publisher) publishEvent(ctx context.Context, e events.Event) {
	cm := p.cm.Load()
	if cm == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Debug("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	// Events are best-effort; never block the loop on a slow broker.
	pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := cm.Publish(pubCtx, &paho.Publish{
		Topic:   p.eventTopic(e),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.logger.Debug("mqtt event publish failed", "topic", p.eventTopic(e), "error", err)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}
