package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends persistent messages to a durable queue.
//
// It connects on first use, and reconnects on the next Publish after the connection dropped.
type Publisher struct {
	url   string
	queue string
	dial  dialer

	mu   sync.Mutex
	conn connection
	ch   channel
}

// NewPublisher returns a Publisher for the configured queue. No connection is made until the first Publish.
func NewPublisher(cfg Config, args ...Options) (*Publisher, error) {
	if cfg.Queue == "" {
		return nil, errors.New("queue name cannot be empty")
	}

	opts := options{dial: dialAMQP}
	for _, opt := range args {
		opt(&opts)
	}

	return &Publisher{url: cfg.URL, queue: cfg.Queue, dial: opts.dial}, nil
}

// Publish sends body as a persistent JSON message.
func (p *Publisher) Publish(ctx context.Context, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		// Start from a fresh connection next time.
		p.reset()
		return fmt.Errorf("failed to publish message: %v", err)
	}

	slog.Debug("Published message", "queue", p.queue, "message_id", msg.MessageId)
	return nil
}

// channel returns the current channel, connecting first if needed.
func (p *Publisher) channel() (channel, error) {
	if p.conn != nil && !p.conn.IsClosed() {
		return p.ch, nil
	}
	p.reset()

	conn, err := p.dial(p.url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %v", err)
	}
	if err := declareQueue(ch, p.queue); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue %q: %v", p.queue, err)
	}

	slog.Info("Publisher connected to message broker", "queue", p.queue)
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *Publisher) reset() {
	if p.conn != nil && !p.conn.IsClosed() {
		if err := p.conn.Close(); err != nil {
			slog.Debug("Failed to close broker connection", "err", err)
		}
	}
	p.conn, p.ch = nil, nil
}

// Close closes the connection, if any.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil || p.conn.IsClosed() {
		p.conn, p.ch = nil, nil
		return nil
	}
	err := p.conn.Close()
	p.conn, p.ch = nil, nil
	return err
}
