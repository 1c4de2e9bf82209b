// Package notify forwards controller events to an MQTT broker.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/controller"
)

const (
	defaultBuffer         = 64
	defaultPublishTimeout = 5 * time.Second
)

// Client is the subset of mqtt.Client used by the publisher.
type Client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Config describes the broker connection and topic layout. Events are
// published to Topic + "/" + event type.
type Config struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      byte
	Buffer   int
	Timeout  time.Duration
}

// Publisher is a controller.Observer that publishes events from a
// background loop. Observe never blocks; events are dropped when the buffer
// is full.
type Publisher struct {
	client  Client
	cfg     Config
	events  chan controller.Event
	logger  *zap.Logger
	dropped atomic.Int64
}

// Dial connects to the broker described by cfg.
func Dial(cfg Config, logger *zap.Logger) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("notify: broker is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "face-verify-" + uuid.NewString()
	}
	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(5 * time.Second)
	opts.SetConnectTimeout(30 * time.Second)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", cfg.Broker, token.Error())
	}
	return NewPublisher(client, cfg, logger), nil
}

// NewPublisher wraps an already connected client.
func NewPublisher(client Client, cfg Config, logger *zap.Logger) *Publisher {
	if cfg.Topic == "" {
		cfg.Topic = "face-verify/events"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultPublishTimeout
	}
	return &Publisher{
		client: client,
		cfg:    cfg,
		events: make(chan controller.Event, cfg.Buffer),
		logger: logger.Named("mqtt_notifier"),
	}
}

// Observe queues e for publishing.
func (p *Publisher) Observe(e controller.Event) {
	select {
	case p.events <- e:
	default:
		n := p.dropped.Add(1)
		p.logger.Warn("event buffer full, dropping event",
			zap.String("type", string(e.Type)),
			zap.Int64("dropped_total", n),
		)
	}
}

// Run publishes queued events until ctx is done, then disconnects.
func (p *Publisher) Run(ctx context.Context) error {
	defer p.client.Disconnect(250)
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-p.events:
			if err := p.publish(e); err != nil {
				p.logger.Error("publish failed",
					zap.String("type", string(e.Type)),
					zap.String("request_id", e.RequestID),
					zap.Error(err),
				)
			}
		}
	}
}

func (p *Publisher) publish(e controller.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	topic := p.cfg.Topic + "/" + string(e.Type)
	token := p.client.Publish(topic, p.cfg.QoS, false, payload)
	if !token.WaitTimeout(p.cfg.Timeout) {
		return fmt.Errorf("publish to %s timed out after %s", topic, p.cfg.Timeout)
	}
	return token.Error()
}
