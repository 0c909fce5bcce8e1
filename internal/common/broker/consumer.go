package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
)

const consumerTag = "gymetrics-ingest"

// Handler processes the body of one message.
//
// A nil error acknowledges the message. Any error rejects it without requeue.
type Handler func(ctx context.Context, body []byte) error

// Consumer delivers the messages of a durable queue, one at a time, to a Handler.
//
// It owns its broker connection and channel. Once the connection is lost the
// Consumer stops, it does not reconnect.
type Consumer struct {
	queue   string
	handler Handler

	conn       connection
	ch         channel
	connClosed chan *amqp.Error

	connected prometheus.Gauge
	closeOnce sync.Once
}

type options struct {
	dial            dialer
	connectAttempts int
	connectInterval time.Duration
}

// Options represents an optional function to override Consumer default values.
type Options func(*options)

// NewConsumer connects to the broker, declares the queue and limits the prefetch to a single message.
//
// The connection is attempted DefaultConnectAttempts times, DefaultConnectInterval apart.
// ErrBrokerUnavailable is returned once all attempts failed.
// Metrics are registered to reg, which may be nil.
func NewConsumer(ctx context.Context, cfg Config, handler Handler, reg prometheus.Registerer, args ...Options) (c *Consumer, err error) {
	if handler == nil {
		return nil, errors.New("consumer handler cannot be nil")
	}
	if cfg.Queue == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	opts := options{
		dial:            dialAMQP,
		connectAttempts: DefaultConnectAttempts,
		connectInterval: DefaultConnectInterval,
	}
	for _, opt := range args {
		opt(&opts)
	}

	conn, err := connectWithRetry(ctx, cfg.URL, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = conn.Close()
		}
	}()

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %v", err)
	}
	if err := declareQueue(ch, cfg.Queue); err != nil {
		return nil, fmt.Errorf("failed to declare queue %q: %v", cfg.Queue, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set prefetch: %v", err)
	}

	connected := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_consumer_connected",
		Help: "Whether the queue consumer is connected to the broker.",
	})
	if reg != nil {
		if err := reg.Register(connected); err != nil {
			return nil, fmt.Errorf("failed to register consumer metrics: %v", err)
		}
	}

	c = &Consumer{
		queue:      cfg.Queue,
		handler:    handler,
		conn:       conn,
		ch:         ch,
		connClosed: conn.NotifyClose(make(chan *amqp.Error, 1)),
		connected:  connected,
	}
	c.connected.Set(1)

	slog.Info("Connected to message broker", "queue", cfg.Queue)
	return c, nil
}

func connectWithRetry(ctx context.Context, url string, opts options) (connection, error) {
	var err error
	for attempt := 1; attempt <= opts.connectAttempts; attempt++ {
		var conn connection
		conn, err = opts.dial(url)
		if err == nil {
			return conn, nil
		}
		slog.Warn("Failed to connect to message broker", "attempt", attempt, "max_attempts", opts.connectAttempts, "err", err)

		if attempt == opts.connectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, ctx.Err())
		case <-time.After(opts.connectInterval):
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrBrokerUnavailable, opts.connectAttempts, err)
}

// Run consumes messages until ctx is cancelled or the connection is lost.
//
// Each message is handed to the Handler, then acknowledged or rejected without requeue.
// A message being handled when ctx is cancelled is still handled and settled.
// It returns nil when ctx is cancelled and ErrConnectionLost if the connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.Consume(c.queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming from %q: %v", c.queue, err)
	}

	slog.Info("Consuming messages", "queue", c.queue)
	for {
		// Prefer stopping over picking a new message.
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-c.connClosed:
			c.connected.Set(0)
			if amqpErr == nil {
				return ErrConnectionLost
			}
			return fmt.Errorf("%w: %v", ErrConnectionLost, amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				c.connected.Set(0)
				return ErrConnectionLost
			}
			c.handle(ctx, d)
		}
	}
}

// handle runs the handler on d and settles it.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	log := slog.With("delivery_tag", d.DeliveryTag, "redelivered", d.Redelivered)

	if err := c.invoke(context.WithoutCancel(ctx), d.Body); err != nil {
		log.Warn("Rejecting message", "err", err)
		if err := d.Nack(false, false); err != nil {
			log.Error("Failed to reject message", "err", err)
		}
		return
	}

	if err := d.Ack(false); err != nil {
		log.Error("Failed to acknowledge message", "err", err)
	}
}

func (c *Consumer) invoke(ctx context.Context, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return c.handler(ctx, body)
}

// Healthy returns an error if the broker connection is closed.
func (c *Consumer) Healthy() error {
	if c.conn.IsClosed() {
		return ErrConnectionLost
	}
	return nil
}

// Close closes the channel and the connection to the broker.
// Unacknowledged messages are returned to the queue by the broker.
func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.connected.Set(0)
		if c.conn.IsClosed() {
			return
		}
		err = errors.Join(c.ch.Close(), c.conn.Close())
	})
	return err
}
