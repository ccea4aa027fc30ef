package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-mysql/pkg/engine"
)

// AMQPConfig describes the RabbitMQ exchange events are published to.
type AMQPConfig struct {
	URL      string `yaml:"url" validate:"omitempty,url"`
	Exchange string `yaml:"exchange"`

	// Durable declares the exchange durable and marks messages persistent.
	Durable bool `yaml:"durable"`

	// PublishTimeout bounds each publish.
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// AMQPPublisher publishes events as JSON to a topic exchange. Routing keys
// are "<resource>.<event type>", so consumers can bind per instance.
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	durable  bool
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(cfg AMQPConfig, logger zerolog.Logger) (*AMQPPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "froyo.mysql"
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &AMQPPublisher{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		durable:  cfg.Durable,
		timeout:  timeout,
		logger:   logger,
	}, nil
}

// Publish sends one event.
func (p *AMQPPublisher) Publish(ctx context.Context, event engine.Event) error {
	if p == nil || p.ch == nil {
		return errors.New("amqp publisher is not connected")
	}
	msg, err := Message(event, p.durable)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(event), false, false, msg); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Type, err)
	}
	return nil
}

// Subscriber adapts the publisher to the bus. Publish failures are logged;
// a broker outage never fails a run.
func (p *AMQPPublisher) Subscriber() Subscriber {
	return func(event engine.Event) {
		if err := p.Publish(context.Background(), event); err != nil {
			p.logger.Warn().Err(err).Str("event", string(event.Type)).Msg("failed to publish event")
		}
	}
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// RoutingKey is "<resource>.<type>", with "_" standing in for a missing
// resource. Dots inside the resource name would split the key and are
// replaced.
func RoutingKey(event engine.Event) string {
	resource := strings.ReplaceAll(event.Resource, ".", "_")
	if resource == "" {
		resource = "_"
	}
	return resource + "." + string(event.Type)
}

// Message encodes event as an AMQP publishing.
func Message(event engine.Event, persistent bool) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to encode event: %w", err)
	}
	mode := amqp.Transient
	if persistent {
		mode = amqp.Persistent
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: mode,
		MessageId:    event.ID,
		Timestamp:    event.Timestamp,
		Type:         string(event.Type),
		Body:         body,
	}, nil
}
