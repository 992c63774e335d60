package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrQueueUnavailable is returned by Publish when no broker connection is
// currently established. Callers must treat this as fail-fast: messages are
// never buffered locally while disconnected.
var ErrQueueUnavailable = errors.New("rabbitmq connection unavailable")

// Config holds RabbitMQ connection configuration
type Config struct {
	Host              string
	Port              int
	User              string
	Password          string
	VHost             string
	QueueName         string
	Heartbeat         time.Duration
	ReconnectInterval time.Duration
}

// Producer publishes job descriptors to a durable queue.
//
// A Producer starts disconnected. Connect establishes the connection and is
// idempotent; Run supervises the connection in the background and re-runs
// Connect at a fixed interval after a connection loss, indefinitely.
type Producer struct {
	config *Config
	logger *slog.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	closeChan chan *amqp.Error
	connected bool

	publishFailures atomic.Int64
}

// NewProducer creates a new Producer. It does not connect; call Connect or
// let Run establish the connection.
func NewProducer(config *Config, logger *slog.Logger) *Producer {
	return &Producer{
		config: config,
		logger: logger,
	}
}

// Connect establishes the broker connection and declares the durable queue.
// Safe to invoke repeatedly; a no-op when already connected.
func (p *Producer) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.connected && p.conn != nil && !p.conn.IsClosed() {
		return nil
	}

	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		p.config.User,
		p.config.Password,
		p.config.Host,
		p.config.Port,
		p.config.VHost,
	)

	amqpConfig := amqp.Config{
		Heartbeat: p.config.Heartbeat,
		Locale:    "en_US",
	}

	p.logger.Info("Connecting to RabbitMQ",
		slog.String("host", p.config.Host),
		slog.Int("port", p.config.Port),
	)

	conn, err := amqp.DialConfig(dsn, amqpConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	// The queue is durable so unconsumed job messages survive broker restarts.
	_, err = channel.QueueDeclare(
		p.config.QueueName, // name
		true,               // durable
		false,              // auto-delete
		false,              // exclusive
		false,              // no-wait
		nil,                // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	p.conn = conn
	p.channel = channel
	p.closeChan = make(chan *amqp.Error, 1)
	p.conn.NotifyClose(p.closeChan)
	p.connected = true

	p.logger.Info("RabbitMQ producer initialized",
		slog.String("queue", p.config.QueueName),
	)

	return nil
}

// Run supervises the broker connection until ctx is canceled. On connection
// loss it retries Connect at the configured fixed interval with no cap on
// attempts. Run is independent of in-flight Publish calls; those fail fast
// while the connection is down.
func (p *Producer) Run(ctx context.Context) {
	interval := p.config.ReconnectInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	for {
		if err := p.Connect(); err != nil {
			p.logger.Error("Failed to connect to RabbitMQ, retrying",
				slog.Any("error", err),
				slog.Duration("retry_in", interval),
			)

			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
			continue
		}

		p.mu.Lock()
		closeChan := p.closeChan
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case amqpErr := <-closeChan:
			p.mu.Lock()
			p.connected = false
			p.mu.Unlock()

			p.logger.Warn("RabbitMQ connection lost",
				slog.Any("error", amqpErr),
				slog.Duration("retry_in", interval),
			)

			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
		}
	}
}

// Publish serializes body to the durable queue marked persistent. It fails
// with ErrQueueUnavailable when no connection is established.
func (p *Producer) Publish(ctx context.Context, body []byte) error {
	p.mu.Lock()
	channel := p.channel
	connected := p.connected && p.conn != nil && !p.conn.IsClosed()
	p.mu.Unlock()

	if !connected {
		p.publishFailures.Add(1)
		return ErrQueueUnavailable
	}

	err := channel.PublishWithContext(
		ctx,
		"",                 // exchange (default)
		p.config.QueueName, // routing key
		false,              // mandatory
		false,              // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)

	if err != nil {
		p.publishFailures.Add(1)
		p.logger.Error("Failed to publish message to RabbitMQ",
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	p.logger.Debug("Message published to RabbitMQ",
		slog.Int("body_size", len(body)),
		slog.String("queue", p.config.QueueName),
	)

	return nil
}

// IsConnected returns the connection status
func (p *Producer) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected && p.conn != nil && !p.conn.IsClosed()
}

// DispatchFailures returns the number of failed publish attempts since the
// producer was created. Dispatch failures are never surfaced to the end
// user; this counter makes them observable internally.
func (p *Producer) DispatchFailures() int64 {
	return p.publishFailures.Load()
}

// Close closes the RabbitMQ connection
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Info("Closing RabbitMQ connection")
	p.connected = false

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
		p.channel = nil
	}

	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			p.conn = nil
			return err
		}
		p.conn = nil
	}

	return nil
}
