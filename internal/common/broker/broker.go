// Package broker connects to a RabbitMQ broker to consume and publish upload notifications.
package broker

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrBrokerUnavailable is returned when no connection could be established at startup.
	ErrBrokerUnavailable = errors.New("message broker unavailable")
	// ErrConnectionLost is returned by Consumer.Run when the broker connection drops.
	ErrConnectionLost = errors.New("connection to message broker lost")
)

const (
	// DefaultConnectAttempts is the number of connection attempts made at startup.
	DefaultConnectAttempts = 30
	// DefaultConnectInterval is the delay between two connection attempts.
	DefaultConnectInterval = 2 * time.Second
)

// Config holds the broker configuration.
type Config struct {
	URL   string
	Queue string
}

type connection interface {
	Channel() (channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// dialer opens a new connection to url.
type dialer func(url string) (connection, error)

func dialAMQP(url string) (connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// declareQueue declares the durable queue. Declaring an existing queue with the same properties is a no-op.
func declareQueue(ch channel, name string) error {
	_, err := ch.QueueDeclare(name, true, false, false, false, nil)
	return err
}
