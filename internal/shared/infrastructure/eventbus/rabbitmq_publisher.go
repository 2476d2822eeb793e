package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeName is the topic exchange all campaign events flow through.
// Routing keys follow the campaign.<action> convention, so consumers
// bind with patterns like "campaign.*" or a single key.
const ExchangeName = "cadence.campaign.events"

// RabbitMQPublisher publishes campaign events to a RabbitMQ topic
// exchange. It is safe for concurrent use; the amqp channel is not, so
// publishes serialize on the mutex.
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewRabbitMQPublisher connects to the broker and declares the campaign
// exchange.
func NewRabbitMQPublisher(url string, logger *slog.Logger) (*RabbitMQPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Durable topic exchange: events survive broker restarts, consumers
	// pick routing-key patterns.
	if err := ch.ExchangeDeclare(ExchangeName, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	logger.Info("RabbitMQ publisher connected", "exchange", ExchangeName)

	return &RabbitMQPublisher{
		conn:     conn,
		channel:  ch,
		exchange: ExchangeName,
		logger:   logger,
	}, nil
}

// Publish sends one event to the exchange under the given routing key.
// Messages are persistent; delivery to consumers is the broker's problem.
func (p *RabbitMQPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.channel.PublishWithContext(ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         payload,
		},
	)
	if err != nil {
		p.logger.Error("failed to publish event",
			"routing_key", routingKey,
			"error", err,
		)
		return err
	}

	p.logger.Debug("event published",
		"routing_key", routingKey,
		"size", len(payload),
	)
	return nil
}

// Healthy reports whether the underlying connection is still open.
func (p *RabbitMQPublisher) Healthy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil || p.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection closed")
	}
	return nil
}

// Close tears down the channel and connection.
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Warn("error closing channel", "error", err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return err
		}
	}

	p.logger.Info("RabbitMQ publisher closed")
	return nil
}

// NoopPublisher drops events. Development mode runs on it when no
// broker is configured; the outbox still records every event, so
// nothing is lost if a real publisher is wired in later.
type NoopPublisher struct {
	logger *slog.Logger
}

// NewNoopPublisher creates a publisher that only logs.
func NewNoopPublisher(logger *slog.Logger) *NoopPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NoopPublisher{logger: logger}
}

// Publish logs the event and drops it.
func (p *NoopPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	p.logger.Debug("noop publish",
		"routing_key", routingKey,
		"size", len(payload),
	)
	return nil
}

// Close is a no-op.
func (p *NoopPublisher) Close() error {
	return nil
}
