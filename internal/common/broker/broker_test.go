package broker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gymetrics/metrics-platform/internal/common/broker"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

// mockDialer hands out connections, failing the first failures calls.
type mockDialer struct {
	failures int
	conns    []*mockConn

	mu    sync.Mutex
	calls int
}

func (d *mockDialer) dial(string) (broker.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls++
	if d.calls <= d.failures {
		return nil, errors.New("connection refused")
	}
	i := min(d.calls-d.failures-1, len(d.conns)-1)
	return d.conns[i], nil
}

func (d *mockDialer) attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type mockConn struct {
	ch         *mockChannel
	channelErr error

	mu     sync.Mutex
	closed bool
	notify chan *amqp.Error
}

func newMockConn() *mockConn {
	return &mockConn{ch: newMockChannel()}
}

func (c *mockConn) Channel() (broker.Channel, error) {
	if c.channelErr != nil {
		return nil, c.channelErr
	}
	return c.ch, nil
}

func (c *mockConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = receiver
	return receiver
}

func (c *mockConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	if c.notify != nil {
		close(c.notify)
		c.notify = nil
	}
	return nil
}

// drop simulates the server closing the connection.
func (c *mockConn) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.notify != nil {
		c.notify <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure"}
		close(c.notify)
		c.notify = nil
	}
}

type declaredQueue struct {
	name                                 string
	durable, autoDelete, exclusive, wait bool
}

type mockChannel struct {
	declareErr error
	qosErr     error
	consumeErr error
	publishErr error

	deliveries chan amqp.Delivery

	mu        sync.Mutex
	declared  []declaredQueue
	prefetch  int
	autoAck   bool
	published []amqp.Publishing
	routing   []string
	closed    bool
}

func newMockChannel() *mockChannel {
	return &mockChannel{deliveries: make(chan amqp.Delivery), prefetch: -1}
}

func (ch *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, _ amqp.Table) (amqp.Queue, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.declared = append(ch.declared, declaredQueue{name, durable, autoDelete, exclusive, noWait})
	return amqp.Queue{Name: name}, ch.declareErr
}

func (ch *mockChannel) Qos(prefetchCount, _ int, _ bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.qosErr != nil {
		return ch.qosErr
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *mockChannel) Consume(_, _ string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.consumeErr != nil {
		return nil, ch.consumeErr
	}
	ch.autoAck = autoAck
	return ch.deliveries, nil
}

func (ch *mockChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.publishErr != nil {
		return ch.publishErr
	}
	ch.published = append(ch.published, msg)
	ch.routing = append(ch.routing, exchange+"/"+key)
	return nil
}

func (ch *mockChannel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.closed = true
	return nil
}

func (ch *mockChannel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

type settlement struct {
	tag     uint64
	acked   bool
	requeue bool
}

// mockAcknowledger records how deliveries are settled.
type mockAcknowledger struct {
	settled chan settlement
}

func newMockAcknowledger() *mockAcknowledger {
	return &mockAcknowledger{settled: make(chan settlement, 16)}
}

func (a *mockAcknowledger) Ack(tag uint64, _ bool) error {
	a.settled <- settlement{tag: tag, acked: true}
	return nil
}

func (a *mockAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.settled <- settlement{tag: tag, requeue: requeue}
	return nil
}

func (a *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	a.settled <- settlement{tag: tag, requeue: requeue}
	return nil
}

func (a *mockAcknowledger) delivery(tag uint64, body string) amqp.Delivery {
	return amqp.Delivery{Acknowledger: a, DeliveryTag: tag, Body: []byte(body)}
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	mfs, err := reg.Gather()
	require.NoError(t, err, "Setup: failed to gather metrics")
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		require.Len(t, mf.GetMetric(), 1, "Gauge should have a single series")
		return mf.GetMetric()[0].GetGauge().GetValue()
	}
	t.Fatalf("metric %q not found", name)
	return 0
}

var noopHandler = func(context.Context, []byte) error { return nil }

func countingHandler(n *atomic.Int32) broker.Handler {
	return func(context.Context, []byte) error {
		n.Add(1)
		return nil
	}
}
